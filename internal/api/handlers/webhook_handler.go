package handlers

import (
	"io"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"

	"greendrake/tuition/internal/billing"
	"greendrake/tuition/internal/services"
)

// maxNotificationBytes caps a gateway notification body.
const maxNotificationBytes = 64 << 10

// WebhookHandler receives payment gateway notifications.
type WebhookHandler struct {
	confirmations services.IPaymentConfirmationService
}

// NewWebhookHandler creates a new WebhookHandler.
func NewWebhookHandler(confirmations services.IPaymentConfirmationService) *WebhookHandler {
	return &WebhookHandler{confirmations: confirmations}
}

// Midtrans handles POST /v1/webhooks/midtrans. Anything other than a 2xx makes the gateway deliver
// the notification again, so only failures worth retrying answer 500.
func (h *WebhookHandler) Midtrans(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxNotificationBytes))
	if err != nil {
		respondError(c, billing.NewValidationError("body", "could not be read"))
		return
	}
	res, err := h.confirmations.Confirm(c.Request.Context(), body)
	if err != nil {
		respondError(c, err)
		return
	}
	if res.Duplicate {
		log.Printf("Duplicate gateway notification acknowledged")
		c.JSON(http.StatusOK, gin.H{"status": "duplicate"})
		return
	}
	out := gin.H{"status": "processed"}
	if res.Payment != nil {
		out["payment_id"] = res.Payment.ID.Hex()
		out["payment_status"] = res.Payment.Status
	}
	c.JSON(http.StatusOK, out)
}
