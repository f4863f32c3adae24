package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"greendrake/tuition/internal/api/dto"
	"greendrake/tuition/internal/models"
	"greendrake/tuition/internal/services"
)

// RestAgreementHandler handles the /agreements endpoints.
type RestAgreementHandler struct {
	agreements services.IAgreementService
}

// NewRestAgreementHandler creates a new RestAgreementHandler.
func NewRestAgreementHandler(agreements services.IAgreementService) *RestAgreementHandler {
	return &RestAgreementHandler{agreements: agreements}
}

// Register mounts the agreement routes on an authenticated group.
func (h *RestAgreementHandler) Register(g *gin.RouterGroup) {
	g.POST("/agreements", h.Create)
	g.GET("/agreements", h.List)
	g.GET("/agreements/:id", h.Get)
	g.POST("/agreements/:id/early-discounts", h.AddEarlyDiscount)
	g.DELETE("/agreements/:id/early-discounts/:discountId", h.RemoveEarlyDiscount)
}

// Create handles POST /v1/agreements
func (h *RestAgreementHandler) Create(c *gin.Context) {
	schoolID, ok := school(c)
	if !ok {
		return
	}
	var in services.CreateAgreementInput
	if !bindJSON(c, &in) {
		return
	}
	a, issued, err := h.agreements.Create(c.Request.Context(), schoolID, in)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, dto.FromAgreement(a, issued))
}

// List handles GET /v1/agreements?student_id=&active=true
func (h *RestAgreementHandler) List(c *gin.Context) {
	schoolID, ok := school(c)
	if !ok {
		return
	}
	studentID, ok := optionalObjectID(c, "student_id")
	if !ok {
		return
	}
	p, ok := page(c)
	if !ok {
		return
	}
	list, err := h.agreements.List(c.Request.Context(), schoolID, services.AgreementFilter{
		StudentID:  studentID,
		ActiveOnly: c.Query("active") == "true",
		Page:       p,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	out := make([]dto.Agreement, 0, len(list))
	for i := range list {
		out = append(out, dto.FromAgreement(&list[i], nil))
	}
	c.JSON(http.StatusOK, out)
}

// Get handles GET /v1/agreements/:id
func (h *RestAgreementHandler) Get(c *gin.Context) {
	schoolID, id, ok := scoped(c)
	if !ok {
		return
	}
	a, err := h.agreements.Get(c.Request.Context(), schoolID, id)
	h.reply(c, a, err)
}

// AddEarlyDiscount handles POST /v1/agreements/:id/early-discounts
func (h *RestAgreementHandler) AddEarlyDiscount(c *gin.Context) {
	schoolID, id, ok := scoped(c)
	if !ok {
		return
	}
	var in services.EarlyDiscountInput
	if !bindJSON(c, &in) {
		return
	}
	a, err := h.agreements.AddEarlyDiscount(c.Request.Context(), schoolID, id, in)
	h.reply(c, a, err)
}

// RemoveEarlyDiscount handles DELETE /v1/agreements/:id/early-discounts/:discountId
func (h *RestAgreementHandler) RemoveEarlyDiscount(c *gin.Context) {
	schoolID, id, ok := scoped(c)
	if !ok {
		return
	}
	discountID, ok := objectIDParam(c, "discountId")
	if !ok {
		return
	}
	a, err := h.agreements.RemoveEarlyDiscount(c.Request.Context(), schoolID, id, discountID)
	h.reply(c, a, err)
}

func (h *RestAgreementHandler) reply(c *gin.Context, a *models.Agreement, err error) {
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.FromAgreement(a, nil))
}
