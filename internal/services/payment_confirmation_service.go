package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"

	"greendrake/tuition/internal/billing"
	"greendrake/tuition/internal/cache"
	"greendrake/tuition/internal/config"
	"greendrake/tuition/internal/db"
	"greendrake/tuition/internal/gateway"
	"greendrake/tuition/internal/models"
)

// ErrUnknownOrder means a notification names an order no payment has issued. The gateway retries it,
// so a notification racing ahead of the charge it settles is applied on redelivery.
var ErrUnknownOrder = errors.New("unknown order")

// Confirmation is what happened to one gateway notification.
type Confirmation struct {
	Event     *models.GatewayEvent
	Duplicate bool
	Payment   *models.StudentPayment
}

// IPaymentConfirmationService defines the interface for processing gateway notifications.
type IPaymentConfirmationService interface {
	// Confirm authenticates a raw notification body and applies it. Redelivered and out-of-order
	// notifications are acknowledged without changing anything. A returned error (other than a
	// validation or signature error) means the gateway should deliver the notification again.
	Confirm(ctx context.Context, body []byte) (*Confirmation, error)
}

// paymentConfirmationService implements IPaymentConfirmationService.
type paymentConfirmationService struct {
	db       *mongo.Database
	cfg      *config.Config
	gateway  gateway.IGateway
	payments IStudentPaymentService
	dedupe   cache.IDeduper
	amounts  gateway.Amounts
	now      Clock
}

// NewPaymentConfirmationService creates a new PaymentConfirmationService. dedupe may be nil, in which
// case only the gateway event index guards against redelivery.
func NewPaymentConfirmationService(db *mongo.Database, cfg *config.Config, gw gateway.IGateway, payments IStudentPaymentService, dedupe cache.IDeduper, now Clock) IPaymentConfirmationService {
	if now == nil {
		now = ZonedClock(cfg.Location())
	}
	return &paymentConfirmationService{
		db:       db,
		cfg:      cfg,
		gateway:  gw,
		payments: payments,
		dedupe:   dedupe,
		amounts:  gateway.Amounts{Exponent: int32(cfg.CurrencyExponent)},
		now:      now,
	}
}

func (s *paymentConfirmationService) events() *mongo.Collection {
	return s.db.Collection(db.GatewayEventsCollection)
}

// Confirm implements IPaymentConfirmationService.
func (s *paymentConfirmationService) Confirm(ctx context.Context, body []byte) (*Confirmation, error) {
	var n gateway.Notification
	if err := json.Unmarshal(body, &n); err != nil {
		return nil, billing.NewValidationError("body", "is not a valid notification")
	}
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, billing.NewValidationError("body", "is not a valid notification")
	}
	if n.OrderID == "" || n.TransactionStatus == "" {
		return nil, billing.NewValidationError("order_id", "and transaction_status are required")
	}
	if err := s.gateway.VerifyNotification(n); err != nil {
		return nil, err
	}
	gross, err := s.amounts.FromGross(n.GrossAmount)
	if err != nil {
		return nil, billing.NewValidationError("gross_amount", err.Error())
	}
	txID := n.TransactionID
	if txID == "" {
		txID = n.OrderID
	}

	key := fmt.Sprintf("%s:%s:%s", s.gateway.Name(), txID, n.TransactionStatus)
	if s.dedupe != nil {
		claimed, err := s.dedupe.Claim(ctx, key, s.cfg.WebhookDedupeTTL)
		if err != nil {
			// Redis trouble should not block payments; the unique index still dedupes.
			log.Printf("Warning: dedupe unavailable for %s: %v", key, err)
		} else if !claimed {
			log.Printf("Duplicate notification %s acknowledged", key)
			return &Confirmation{Duplicate: true}, nil
		}
	}

	ev, dup, err := s.record(ctx, n, txID, gross, payload)
	if err != nil {
		s.release(ctx, key)
		return nil, err
	}
	if dup {
		return &Confirmation{Event: ev, Duplicate: true}, nil
	}

	p, status, reason, err := s.apply(ctx, n, gross)
	if err != nil {
		s.release(ctx, key)
		s.finish(ctx, ev, models.GatewayEventFailed, err.Error(), primitive.NilObjectID)
		return nil, err
	}
	schoolID := primitive.NilObjectID
	if p != nil {
		schoolID = p.SchoolID
	}
	s.finish(ctx, ev, status, reason, schoolID)
	return &Confirmation{Event: ev, Payment: p}, nil
}

// record stores the notification. A notification stored before is a duplicate unless its processing
// failed, in which case it is processed again.
func (s *paymentConfirmationService) record(ctx context.Context, n gateway.Notification, txID string, gross int64, payload map[string]any) (*models.GatewayEvent, bool, error) {
	ev := &models.GatewayEvent{
		ID:                primitive.NewObjectID(),
		Provider:          s.gateway.Name(),
		OrderID:           n.OrderID,
		TransactionID:     txID,
		TransactionStatus: n.TransactionStatus,
		FraudStatus:       n.FraudStatus,
		GrossAmount:       gross,
		Payload:           payload,
		Status:            models.GatewayEventReceived,
		ReceivedAt:        s.now(),
	}
	_, err := s.events().InsertOne(ctx, ev)
	if err == nil {
		return ev, false, nil
	}
	if !db.IsMongoDuplicateKeyError(err) {
		return nil, false, fmt.Errorf("failed to record gateway event: %w", err)
	}

	existing, err := findOne[models.GatewayEvent](ctx, s.events(), bson.M{
		"provider":           ev.Provider,
		"transaction_id":     ev.TransactionID,
		"transaction_status": ev.TransactionStatus,
	}, "gateway event "+txID)
	if err != nil {
		return nil, false, err
	}
	if existing.Status == models.GatewayEventFailed {
		return existing, false, nil
	}
	log.Printf("Gateway event %s/%s already recorded (%s)", txID, n.TransactionStatus, existing.Status)
	return existing, true, nil
}

// apply acts on the notification's outcome. It returns the resulting event status and, for ignored
// notifications, why nothing was done.
func (s *paymentConfirmationService) apply(ctx context.Context, n gateway.Notification, gross int64) (*models.StudentPayment, models.GatewayEventStatus, string, error) {
	p, err := s.payments.FindByOrderID(ctx, n.OrderID)
	if err != nil {
		if errors.Is(err, billing.ErrNotFound) {
			log.Printf("Warning: notification for unknown order %s", n.OrderID)
			return nil, "", "", fmt.Errorf("order %s: %w", n.OrderID, ErrUnknownOrder)
		}
		return nil, "", "", err
	}

	outcome := n.Outcome()
	if outcome != gateway.OutcomePaid {
		log.Printf("Order %s reported %s; payment %s stays %s", n.OrderID, outcome, p.ID.Hex(), p.Status)
		return p, models.GatewayEventIgnored, "outcome " + string(outcome), nil
	}
	if p.Status == billing.StatusPaid {
		return p, models.GatewayEventProcessed, "already paid", nil
	}
	if p.Charge != nil && p.Charge.Amount != gross {
		log.Printf("Warning: order %s settled %d, charged %d", n.OrderID, gross, p.Charge.Amount)
	}

	paidAt := s.now()
	updated, err := s.payments.MarkPaid(ctx, p.SchoolID, p.ID, Receipt{Amount: gross, PaidAt: paidAt})
	if err != nil {
		if ignorable(err) {
			log.Printf("Warning: order %s paid but payment %s cannot be marked paid: %v", n.OrderID, p.ID.Hex(), err)
			return p, models.GatewayEventIgnored, err.Error(), nil
		}
		return p, "", "", err
	}
	log.Printf("Payment %s confirmed paid by order %s (%d)", p.ID.Hex(), n.OrderID, gross)
	return updated, models.GatewayEventProcessed, "", nil
}

func (s *paymentConfirmationService) finish(ctx context.Context, ev *models.GatewayEvent, status models.GatewayEventStatus, reason string, schoolID primitive.ObjectID) {
	now := s.now()
	set := bson.M{"status": status, "processed_at": now, "error": reason}
	if !schoolID.IsZero() {
		set["school_id"] = schoolID
	}
	if _, err := s.events().UpdateOne(ctx, bson.M{"_id": ev.ID}, bson.M{"$set": set}); err != nil {
		log.Printf("Error: failed to update gateway event %s: %v", ev.ID.Hex(), err)
	}
	ev.Status = status
	ev.Error = reason
	ev.ProcessedAt = &now
	if !schoolID.IsZero() {
		ev.SchoolID = schoolID
	}
}

func (s *paymentConfirmationService) release(ctx context.Context, key string) {
	if s.dedupe == nil {
		return
	}
	if err := s.dedupe.Release(ctx, key); err != nil {
		log.Printf("Warning: %v", err)
	}
}
