package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/hibiken/asynq"

	"greendrake/tuition/internal/api/dto"
	"greendrake/tuition/internal/billing"
	"greendrake/tuition/internal/services"
	"greendrake/tuition/internal/tasks"
)

// TaskDispatcher enqueues background tasks. *tasks.Dispatcher satisfies it.
type TaskDispatcher interface {
	Dispatch(ctx context.Context, desc tasks.Descriptor, payload any, opts ...asynq.Option) (*asynq.TaskInfo, error)
	DispatchRaw(ctx context.Context, desc tasks.Descriptor, raw []byte, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// RestInvoiceHandler handles the /invoices endpoints.
type RestInvoiceHandler struct {
	invoices   services.IInvoiceService
	payments   services.IStudentPaymentService
	dispatcher TaskDispatcher
	now        services.Clock
}

// NewRestInvoiceHandler creates a new RestInvoiceHandler.
func NewRestInvoiceHandler(invoices services.IInvoiceService, payments services.IStudentPaymentService, dispatcher TaskDispatcher, now services.Clock) *RestInvoiceHandler {
	if now == nil {
		now = services.SystemClock
	}
	return &RestInvoiceHandler{invoices: invoices, payments: payments, dispatcher: dispatcher, now: now}
}

// Register mounts the invoice routes on an authenticated group.
func (h *RestInvoiceHandler) Register(g *gin.RouterGroup) {
	g.GET("/invoices", h.List)
	g.GET("/invoices/:id", h.Get)
	g.GET("/invoices/:id/quote", h.Quote)
	g.POST("/invoices/:id/charge", h.Charge)
	g.POST("/invoices/:id/pay", h.Pay)
	g.POST("/invoices/:id/cancel", h.Cancel)
}

// RegisterAdmin mounts the routes that need an admin token.
func (h *RestInvoiceHandler) RegisterAdmin(g *gin.RouterGroup) {
	g.POST("/invoices/generate", h.Generate)
}

// List handles GET /v1/invoices
func (h *RestInvoiceHandler) List(c *gin.Context) {
	schoolID, ok := school(c)
	if !ok {
		return
	}
	var f services.InvoiceFilter
	if f.StudentID, ok = optionalObjectID(c, "student_id"); !ok {
		return
	}
	if f.ContractID, ok = optionalObjectID(c, "contract_id"); !ok {
		return
	}
	if f.AgreementID, ok = optionalObjectID(c, "agreement_id"); !ok {
		return
	}
	if f.Status, ok = optionalStatus(c); !ok {
		return
	}
	if raw := c.Query("period"); raw != "" {
		p, err := billing.ParsePeriod(raw)
		if err != nil {
			respondError(c, err)
			return
		}
		f.Period = p.String()
	}
	if f.Page, ok = page(c); !ok {
		return
	}
	list, err := h.invoices.List(c.Request.Context(), schoolID, f)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.FromInvoices(list))
}

// Get handles GET /v1/invoices/:id
func (h *RestInvoiceHandler) Get(c *gin.Context) {
	schoolID, id, ok := scoped(c)
	if !ok {
		return
	}
	inv, err := h.invoices.Get(c.Request.Context(), schoolID, id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.FromInvoice(inv))
}

// Quote handles GET /v1/invoices/:id/quote?date=YYYY-MM-DD
func (h *RestInvoiceHandler) Quote(c *gin.Context) {
	schoolID, id, ok := scoped(c)
	if !ok {
		return
	}
	at, ok := evaluationDate(c, h.now())
	if !ok {
		return
	}
	q, err := h.invoices.Quote(c.Request.Context(), schoolID, id, at)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.FromQuote(q.EvaluationDate, q.Result))
}

// Charge handles POST /v1/invoices/:id/charge. The charge is issued on the payment tracking the
// invoice, which mirrors it back onto the invoice.
func (h *RestInvoiceHandler) Charge(c *gin.Context) {
	schoolID, id, ok := scoped(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	p, err := h.payments.FindByInvoice(ctx, schoolID, id)
	if err != nil {
		respondError(c, err)
		return
	}
	if _, err := h.payments.CreateCharge(ctx, schoolID, p.ID); err != nil {
		respondError(c, err)
		return
	}
	inv, err := h.invoices.Get(ctx, schoolID, id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.FromInvoice(inv))
}

// Pay handles POST /v1/invoices/:id/pay for payments settled outside the gateway.
func (h *RestInvoiceHandler) Pay(c *gin.Context) {
	schoolID, id, ok := scoped(c)
	if !ok {
		return
	}
	var req payRequest
	if !bindJSON(c, &req) {
		return
	}
	inv, err := h.invoices.MarkPaid(c.Request.Context(), schoolID, id, req.receipt(h.now()))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.FromInvoice(inv))
}

// Cancel handles POST /v1/invoices/:id/cancel
func (h *RestInvoiceHandler) Cancel(c *gin.Context) {
	schoolID, id, ok := scoped(c)
	if !ok {
		return
	}
	var req cancelRequest
	if !bindJSON(c, &req) {
		return
	}
	inv, err := h.invoices.Cancel(c.Request.Context(), schoolID, id, req.Reason)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.FromInvoice(inv))
}

// generateUniqueFor bounds how long a queued generation blocks an identical request.
const generateUniqueFor = time.Hour

type generateRequest struct {
	Period string `json:"period"` // YYYY-MM, empty for the current and next month
}

// Generate handles POST /v1/invoices/generate. Generation runs in the background; one run per
// period may be queued at a time.
func (h *RestInvoiceHandler) Generate(c *gin.Context) {
	var req generateRequest
	if c.Request.ContentLength > 0 && !bindJSON(c, &req) {
		return
	}
	if req.Period != "" {
		p, err := billing.ParsePeriod(req.Period)
		if err != nil {
			respondError(c, err)
			return
		}
		req.Period = p.String()
	}
	info, err := h.dispatcher.Dispatch(c.Request.Context(), tasks.InvoiceGenerate,
		tasks.GeneratePayload{Period: req.Period}, asynq.Unique(generateUniqueFor))
	if errors.Is(err, tasks.ErrDuplicateTask) {
		c.JSON(http.StatusConflict, gin.H{"error": "Invoice generation is already queued"})
		return
	}
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"task_id": info.ID, "queue": info.Queue})
}
