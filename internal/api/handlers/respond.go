package handlers

import (
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"greendrake/tuition/internal/api/middleware"
	"greendrake/tuition/internal/billing"
	"greendrake/tuition/internal/gateway"
	"greendrake/tuition/internal/services"
)

// statusFor maps a service error onto an HTTP status.
func statusFor(err error) int {
	var ve *billing.ValidationError
	switch {
	case errors.As(err, &ve):
		return http.StatusBadRequest
	case errors.Is(err, billing.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, billing.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, billing.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, gateway.ErrInvalidSignature):
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

// respondError writes err as a JSON error and attaches it to the gin context for the logger.
func respondError(c *gin.Context, err error) {
	status := statusFor(err)
	_ = c.Error(err)
	if status == http.StatusInternalServerError {
		log.Printf("Error handling %s %s: %v", c.Request.Method, c.FullPath(), err)
		c.AbortWithStatusJSON(status, gin.H{"error": "Internal server error"})
		return
	}
	body := gin.H{"error": err.Error()}
	var ve *billing.ValidationError
	if errors.As(err, &ve) && ve.Field != "" {
		body["field"] = ve.Field
	}
	c.AbortWithStatusJSON(status, body)
}

// bindJSON decodes the request body, answering 400 on failure.
func bindJSON(c *gin.Context, v any) bool {
	if err := c.ShouldBindJSON(v); err != nil {
		respondError(c, billing.NewValidationError("body", err.Error()))
		return false
	}
	return true
}

// school returns the caller's tenant. Routes using it sit behind AuthMiddleware.
func school(c *gin.Context) (primitive.ObjectID, bool) {
	id, ok := middleware.SchoolID(c)
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Authentication required"})
	}
	return id, ok
}

// objectIDParam parses the path parameter name as an ObjectID. A malformed id cannot exist, so it is
// answered as not found.
func objectIDParam(c *gin.Context, name string) (primitive.ObjectID, bool) {
	id, err := primitive.ObjectIDFromHex(c.Param(name))
	if err != nil {
		respondError(c, billing.ErrNotFound)
		return primitive.NilObjectID, false
	}
	return id, true
}

// scoped resolves the tenant and the :id parameter together.
func scoped(c *gin.Context) (primitive.ObjectID, primitive.ObjectID, bool) {
	schoolID, ok := school(c)
	if !ok {
		return primitive.NilObjectID, primitive.NilObjectID, false
	}
	id, ok := objectIDParam(c, "id")
	return schoolID, id, ok
}

func intParam(c *gin.Context, name string) (int, bool) {
	v, err := strconv.Atoi(c.Param(name))
	if err != nil {
		respondError(c, billing.NewValidationError(name, "must be a number"))
		return 0, false
	}
	return v, true
}

// optionalObjectID parses an optional query parameter.
func optionalObjectID(c *gin.Context, name string) (*primitive.ObjectID, bool) {
	raw := c.Query(name)
	if raw == "" {
		return nil, true
	}
	id, err := primitive.ObjectIDFromHex(raw)
	if err != nil {
		respondError(c, billing.NewValidationError(name, "is not a valid id"))
		return nil, false
	}
	return &id, true
}

// optionalStatus parses an optional ?status= filter.
func optionalStatus(c *gin.Context) (*billing.Status, bool) {
	raw := c.Query("status")
	if raw == "" {
		return nil, true
	}
	s := billing.Status(raw)
	if !s.Valid() {
		respondError(c, billing.NewValidationError("status", "is not a known status"))
		return nil, false
	}
	return &s, true
}

// page reads ?limit= and ?skip=.
func page(c *gin.Context) (services.Page, bool) {
	var p services.Page
	for name, dst := range map[string]*int64{"limit": &p.Limit, "skip": &p.Skip} {
		raw := c.Query(name)
		if raw == "" {
			continue
		}
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v < 0 {
			respondError(c, billing.NewValidationError(name, "must be a non-negative number"))
			return p, false
		}
		*dst = v
	}
	return p, true
}

// evaluationDate reads ?date=YYYY-MM-DD, defaulting to now.
func evaluationDate(c *gin.Context, now time.Time) (time.Time, bool) {
	raw := c.Query("date")
	if raw == "" {
		return now, true
	}
	d, err := time.Parse("2006-01-02", raw)
	if err != nil {
		respondError(c, billing.NewValidationError("date", "must be YYYY-MM-DD"))
		return time.Time{}, false
	}
	return d, true
}

// payRequest is the body of a manual (offline) payment.
type payRequest struct {
	Amount int64      `json:"amount" binding:"gte=0"`
	PaidAt *time.Time `json:"paid_at,omitempty"`
}

func (r payRequest) receipt(now time.Time) services.Receipt {
	paidAt := now
	if r.PaidAt != nil {
		paidAt = *r.PaidAt
	}
	return services.Receipt{Amount: r.Amount, PaidAt: paidAt}
}

type cancelRequest struct {
	Reason string `json:"reason" binding:"required,max=500"`
}
