package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"greendrake/tuition/internal/api/dto"
	"greendrake/tuition/internal/models"
	"greendrake/tuition/internal/services"
)

// RestContractHandler handles the /contracts endpoints.
type RestContractHandler struct {
	contracts services.IContractService
}

// NewRestContractHandler creates a new RestContractHandler.
func NewRestContractHandler(contracts services.IContractService) *RestContractHandler {
	return &RestContractHandler{contracts: contracts}
}

// Register mounts the contract routes on an authenticated group.
func (h *RestContractHandler) Register(g *gin.RouterGroup) {
	g.POST("/contracts", h.Create)
	g.GET("/contracts", h.List)
	g.GET("/contracts/:id", h.Get)
	g.DELETE("/contracts/:id", h.Deactivate)
	g.POST("/contracts/:id/payment-days", h.AddPaymentDay)
	g.DELETE("/contracts/:id/payment-days/:day", h.RemovePaymentDay)
	g.PUT("/contracts/:id/interest-config", h.SetInterestConfig)
	g.DELETE("/contracts/:id/interest-config", h.RemoveInterestConfig)
	g.POST("/contracts/:id/early-discounts", h.AddEarlyDiscount)
	g.DELETE("/contracts/:id/early-discounts/:discountId", h.RemoveEarlyDiscount)
	g.POST("/contracts/:id/documents", h.AddDocument)
	g.DELETE("/contracts/:id/documents/:documentId", h.RemoveDocument)
}

// Create handles POST /v1/contracts
func (h *RestContractHandler) Create(c *gin.Context) {
	schoolID, ok := school(c)
	if !ok {
		return
	}
	var in services.CreateContractInput
	if !bindJSON(c, &in) {
		return
	}
	contract, err := h.contracts.Create(c.Request.Context(), schoolID, in)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, dto.FromContract(contract))
}

// List handles GET /v1/contracts?student_id=&active=true
func (h *RestContractHandler) List(c *gin.Context) {
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
	list, err := h.contracts.List(c.Request.Context(), schoolID, services.ContractFilter{
		StudentID:  studentID,
		ActiveOnly: c.Query("active") == "true",
		Page:       p,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	out := make([]dto.Contract, 0, len(list))
	for i := range list {
		out = append(out, dto.FromContract(&list[i]))
	}
	c.JSON(http.StatusOK, out)
}

// Get handles GET /v1/contracts/:id
func (h *RestContractHandler) Get(c *gin.Context) {
	schoolID, id, ok := scoped(c)
	if !ok {
		return
	}
	contract, err := h.contracts.Get(c.Request.Context(), schoolID, id)
	h.reply(c, contract, err)
}

// Deactivate handles DELETE /v1/contracts/:id
func (h *RestContractHandler) Deactivate(c *gin.Context) {
	schoolID, id, ok := scoped(c)
	if !ok {
		return
	}
	if err := h.contracts.Deactivate(c.Request.Context(), schoolID, id); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type paymentDayRequest struct {
	Day int `json:"day" binding:"required"`
}

// AddPaymentDay handles POST /v1/contracts/:id/payment-days
func (h *RestContractHandler) AddPaymentDay(c *gin.Context) {
	schoolID, id, ok := scoped(c)
	if !ok {
		return
	}
	var req paymentDayRequest
	if !bindJSON(c, &req) {
		return
	}
	contract, err := h.contracts.AddPaymentDay(c.Request.Context(), schoolID, id, req.Day)
	h.reply(c, contract, err)
}

// RemovePaymentDay handles DELETE /v1/contracts/:id/payment-days/:day
func (h *RestContractHandler) RemovePaymentDay(c *gin.Context) {
	schoolID, id, ok := scoped(c)
	if !ok {
		return
	}
	day, ok := intParam(c, "day")
	if !ok {
		return
	}
	contract, err := h.contracts.RemovePaymentDay(c.Request.Context(), schoolID, id, day)
	h.reply(c, contract, err)
}

// SetInterestConfig handles PUT /v1/contracts/:id/interest-config
func (h *RestContractHandler) SetInterestConfig(c *gin.Context) {
	schoolID, id, ok := scoped(c)
	if !ok {
		return
	}
	var ic models.ContractInterestConfig
	if !bindJSON(c, &ic) {
		return
	}
	contract, err := h.contracts.SetInterestConfig(c.Request.Context(), schoolID, id, ic)
	h.reply(c, contract, err)
}

// RemoveInterestConfig handles DELETE /v1/contracts/:id/interest-config
func (h *RestContractHandler) RemoveInterestConfig(c *gin.Context) {
	schoolID, id, ok := scoped(c)
	if !ok {
		return
	}
	contract, err := h.contracts.RemoveInterestConfig(c.Request.Context(), schoolID, id)
	h.reply(c, contract, err)
}

// AddEarlyDiscount handles POST /v1/contracts/:id/early-discounts
func (h *RestContractHandler) AddEarlyDiscount(c *gin.Context) {
	schoolID, id, ok := scoped(c)
	if !ok {
		return
	}
	var in services.EarlyDiscountInput
	if !bindJSON(c, &in) {
		return
	}
	contract, err := h.contracts.AddEarlyDiscount(c.Request.Context(), schoolID, id, in)
	h.reply(c, contract, err)
}

// RemoveEarlyDiscount handles DELETE /v1/contracts/:id/early-discounts/:discountId
func (h *RestContractHandler) RemoveEarlyDiscount(c *gin.Context) {
	schoolID, id, ok := scoped(c)
	if !ok {
		return
	}
	discountID, ok := objectIDParam(c, "discountId")
	if !ok {
		return
	}
	contract, err := h.contracts.RemoveEarlyDiscount(c.Request.Context(), schoolID, id, discountID)
	h.reply(c, contract, err)
}

// AddDocument handles POST /v1/contracts/:id/documents. The response carries a presigned URL the
// client PUTs the file to.
func (h *RestContractHandler) AddDocument(c *gin.Context) {
	schoolID, id, ok := scoped(c)
	if !ok {
		return
	}
	var in services.DocumentInput
	if !bindJSON(c, &in) {
		return
	}
	doc, uploadURL, err := h.contracts.AddDocument(c.Request.Context(), schoolID, id, in)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, dto.FromDocument(doc, uploadURL))
}

// RemoveDocument handles DELETE /v1/contracts/:id/documents/:documentId
func (h *RestContractHandler) RemoveDocument(c *gin.Context) {
	schoolID, id, ok := scoped(c)
	if !ok {
		return
	}
	documentID, ok := objectIDParam(c, "documentId")
	if !ok {
		return
	}
	contract, err := h.contracts.RemoveDocument(c.Request.Context(), schoolID, id, documentID)
	h.reply(c, contract, err)
}

func (h *RestContractHandler) reply(c *gin.Context, contract *models.Contract, err error) {
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.FromContract(contract))
}
