package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"greendrake/tuition/internal/models"
	"greendrake/tuition/internal/services"
)

// RestConfigHandler handles the runtime settings and email template endpoints.
type RestConfigHandler struct {
	settings  services.ISettingsService
	templates services.IEmailTemplateService
}

// NewRestConfigHandler creates a new RestConfigHandler.
func NewRestConfigHandler(settings services.ISettingsService, templates services.IEmailTemplateService) *RestConfigHandler {
	return &RestConfigHandler{settings: settings, templates: templates}
}

// RegisterAdmin mounts the routes that need an admin token.
func (h *RestConfigHandler) RegisterAdmin(g *gin.RouterGroup) {
	g.PUT("/settings/:key", h.SetSetting)
	g.DELETE("/settings/:key", h.DeleteSetting)
	g.PUT("/endpoint-limits", h.SetEndpointLimit)
	g.GET("/email-templates/:templateId/:locale", h.GetTemplate)
	g.PUT("/email-templates/:templateId/:locale", h.SaveTemplate)
	g.DELETE("/email-templates/:templateId/:locale", h.DeleteTemplate)
}

// GetPublicConfig returns the publicly accessible configuration parameters.
// Handles GET /v1/config
func (h *RestConfigHandler) GetPublicConfig(c *gin.Context) {
	publicConfig, err := h.settings.GetAllPublic(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve configuration"})
		return
	}
	c.JSON(http.StatusOK, publicConfig)
}

type settingRequest struct {
	Value  any  `json:"value" binding:"required"`
	Public bool `json:"public"`
}

// SetSetting handles PUT /v1/settings/:key
func (h *RestConfigHandler) SetSetting(c *gin.Context) {
	var req settingRequest
	if !bindJSON(c, &req) {
		return
	}
	key := c.Param("key")
	if err := h.settings.Set(c.Request.Context(), key, req.Value, req.Public); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.Setting{Key: key, Value: req.Value, Public: req.Public})
}

// DeleteSetting handles DELETE /v1/settings/:key, restoring the configured default.
func (h *RestConfigHandler) DeleteSetting(c *gin.Context) {
	if err := h.settings.Set(c.Request.Context(), c.Param("key"), nil, false); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// SetEndpointLimit handles PUT /v1/endpoint-limits
func (h *RestConfigHandler) SetEndpointLimit(c *gin.Context) {
	var limit models.EndpointLimit
	if !bindJSON(c, &limit) {
		return
	}
	if err := h.settings.SetEndpointLimit(c.Request.Context(), limit); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, limit)
}

// GetTemplate handles GET /v1/email-templates/:templateId/:locale. The school's own template wins
// over the platform one.
func (h *RestConfigHandler) GetTemplate(c *gin.Context) {
	schoolID, ok := school(c)
	if !ok {
		return
	}
	tmpl, err := h.templates.GetTemplate(c.Request.Context(), schoolID, c.Param("templateId"), c.Param("locale"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, tmpl)
}

type templateRequest struct {
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// SaveTemplate handles PUT /v1/email-templates/:templateId/:locale
func (h *RestConfigHandler) SaveTemplate(c *gin.Context) {
	schoolID, ok := school(c)
	if !ok {
		return
	}
	var req templateRequest
	if !bindJSON(c, &req) {
		return
	}
	tmpl := &models.EmailTemplate{
		TemplateID: c.Param("templateId"),
		Locale:     c.Param("locale"),
		Subject:    req.Subject,
		Body:       req.Body,
	}
	if err := h.templates.SaveTemplate(c.Request.Context(), schoolID, tmpl); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, tmpl)
}

// DeleteTemplate handles DELETE /v1/email-templates/:templateId/:locale
func (h *RestConfigHandler) DeleteTemplate(c *gin.Context) {
	schoolID, ok := school(c)
	if !ok {
		return
	}
	if err := h.templates.DeleteTemplate(c.Request.Context(), schoolID, c.Param("templateId"), c.Param("locale")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
