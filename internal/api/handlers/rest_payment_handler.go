package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"greendrake/tuition/internal/api/dto"
	"greendrake/tuition/internal/billing"
	"greendrake/tuition/internal/models"
	"greendrake/tuition/internal/services"
)

// RestPaymentHandler handles the /student-payments endpoints.
type RestPaymentHandler struct {
	payments services.IStudentPaymentService
	now      services.Clock
}

// NewRestPaymentHandler creates a new RestPaymentHandler.
func NewRestPaymentHandler(payments services.IStudentPaymentService, now services.Clock) *RestPaymentHandler {
	if now == nil {
		now = services.SystemClock
	}
	return &RestPaymentHandler{payments: payments, now: now}
}

// Register mounts the payment routes on an authenticated group.
func (h *RestPaymentHandler) Register(g *gin.RouterGroup) {
	g.POST("/student-payments", h.Create)
	g.GET("/student-payments", h.List)
	g.GET("/student-payments/:id", h.Get)
	g.GET("/student-payments/:id/quote", h.Quote)
	g.POST("/student-payments/:id/charge", h.Charge)
	g.POST("/student-payments/:id/pay", h.Pay)
	g.POST("/student-payments/:id/cancel", h.Cancel)
}

// Create handles POST /v1/student-payments
func (h *RestPaymentHandler) Create(c *gin.Context) {
	schoolID, ok := school(c)
	if !ok {
		return
	}
	var in services.CreatePaymentInput
	if !bindJSON(c, &in) {
		return
	}
	p, err := h.payments.Create(c.Request.Context(), schoolID, in)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, dto.FromPayment(p))
}

// List handles GET /v1/student-payments
func (h *RestPaymentHandler) List(c *gin.Context) {
	schoolID, ok := school(c)
	if !ok {
		return
	}
	var f services.PaymentFilter
	if f.StudentID, ok = optionalObjectID(c, "student_id"); !ok {
		return
	}
	if f.InvoiceID, ok = optionalObjectID(c, "invoice_id"); !ok {
		return
	}
	if f.Status, ok = optionalStatus(c); !ok {
		return
	}
	if raw := c.Query("payment_type"); raw != "" {
		t := models.PaymentType(raw)
		if !t.Valid() {
			respondError(c, billing.NewValidationError("payment_type", "is not a known payment type"))
			return
		}
		f.PaymentType = &t
	}
	if f.Page, ok = page(c); !ok {
		return
	}
	list, err := h.payments.List(c.Request.Context(), schoolID, f)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.FromPayments(list))
}

// Get handles GET /v1/student-payments/:id
func (h *RestPaymentHandler) Get(c *gin.Context) {
	schoolID, id, ok := scoped(c)
	if !ok {
		return
	}
	p, err := h.payments.Get(c.Request.Context(), schoolID, id)
	h.reply(c, p, err)
}

// Quote handles GET /v1/student-payments/:id/quote?date=YYYY-MM-DD
func (h *RestPaymentHandler) Quote(c *gin.Context) {
	schoolID, id, ok := scoped(c)
	if !ok {
		return
	}
	at, ok := evaluationDate(c, h.now())
	if !ok {
		return
	}
	q, err := h.payments.Quote(c.Request.Context(), schoolID, id, at)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.FromQuote(q.EvaluationDate, q.Result))
}

// Charge handles POST /v1/student-payments/:id/charge
func (h *RestPaymentHandler) Charge(c *gin.Context) {
	schoolID, id, ok := scoped(c)
	if !ok {
		return
	}
	p, err := h.payments.CreateCharge(c.Request.Context(), schoolID, id)
	h.reply(c, p, err)
}

// Pay handles POST /v1/student-payments/:id/pay
func (h *RestPaymentHandler) Pay(c *gin.Context) {
	schoolID, id, ok := scoped(c)
	if !ok {
		return
	}
	var req payRequest
	if !bindJSON(c, &req) {
		return
	}
	p, err := h.payments.MarkPaid(c.Request.Context(), schoolID, id, req.receipt(h.now()))
	h.reply(c, p, err)
}

// Cancel handles POST /v1/student-payments/:id/cancel
func (h *RestPaymentHandler) Cancel(c *gin.Context) {
	schoolID, id, ok := scoped(c)
	if !ok {
		return
	}
	var req cancelRequest
	if !bindJSON(c, &req) {
		return
	}
	p, err := h.payments.Cancel(c.Request.Context(), schoolID, id, req.Reason)
	h.reply(c, p, err)
}

func (h *RestPaymentHandler) reply(c *gin.Context, p *models.StudentPayment, err error) {
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.FromPayment(p))
}
