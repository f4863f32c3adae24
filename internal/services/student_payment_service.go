package services

import (
	"context"
	"fmt"
	"log"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"

	"greendrake/tuition/internal/billing"
	"greendrake/tuition/internal/config"
	"greendrake/tuition/internal/db"
	"greendrake/tuition/internal/gateway"
	"greendrake/tuition/internal/models"
)

// CreatePaymentInput holds a standalone payment (store purchase, extra class, one-off fee).
type CreatePaymentInput struct {
	StudentID              primitive.ObjectID    `json:"student_id" validate:"required"`
	PaymentType            models.PaymentType    `json:"payment_type" validate:"required,oneof=TUITION AGREEMENT_INSTALLMENT EXTRA_CLASS STORE SUBSCRIPTION OTHER"`
	ExtraClassEnrollmentID *primitive.ObjectID   `json:"extra_class_enrollment_id,omitempty"`
	Payer                  models.Person         `json:"payer"`
	Description            string                `json:"description" validate:"required,notblank,max=500"`
	Amount                 int64                 `json:"amount" validate:"gt=0"`
	Currency               string                `json:"currency" validate:"omitempty,len=3"`
	DiscountType           *billing.DiscountType `json:"discount_type,omitempty" validate:"omitempty,oneof=PERCENTAGE FLAT"`
	DiscountValue          int64                 `json:"discount_value" validate:"gte=0"`
	DueDate                time.Time             `json:"due_date" validate:"required"`
}

// PaymentFilter narrows a payment listing.
type PaymentFilter struct {
	StudentID   *primitive.ObjectID
	InvoiceID   *primitive.ObjectID
	PaymentType *models.PaymentType
	Status      *billing.Status
	Page        Page
}

// IStudentPaymentService defines the interface for student payment operations.
type IStudentPaymentService interface {
	Create(ctx context.Context, schoolID primitive.ObjectID, in CreatePaymentInput) (*models.StudentPayment, error)
	Get(ctx context.Context, schoolID, id primitive.ObjectID) (*models.StudentPayment, error)
	List(ctx context.Context, schoolID primitive.ObjectID, f PaymentFilter) ([]models.StudentPayment, error)
	Quote(ctx context.Context, schoolID, id primitive.ObjectID, at time.Time) (*Quote, error)
	CreateCharge(ctx context.Context, schoolID, id primitive.ObjectID) (*models.StudentPayment, error)
	MarkChargeCreated(ctx context.Context, schoolID, id primitive.ObjectID, charge models.Charge) (*models.StudentPayment, error)
	MarkPaid(ctx context.Context, schoolID, id primitive.ObjectID, r Receipt) (*models.StudentPayment, error)
	Cancel(ctx context.Context, schoolID, id primitive.ObjectID, reason string) (*models.StudentPayment, error)
	FindByOrderID(ctx context.Context, orderID string) (*models.StudentPayment, error)
	FindByInvoice(ctx context.Context, schoolID, invoiceID primitive.ObjectID) (*models.StudentPayment, error)
	MarkOverdueBefore(ctx context.Context, cutoff time.Time) ([]models.StudentPayment, error)
}

// studentPaymentService implements IStudentPaymentService.
type studentPaymentService struct {
	db      *mongo.Database
	cfg     *config.Config
	gateway gateway.IGateway
	now     Clock
}

// NewStudentPaymentService creates a new StudentPaymentService.
func NewStudentPaymentService(db *mongo.Database, cfg *config.Config, gw gateway.IGateway, now Clock) IStudentPaymentService {
	if now == nil {
		now = ZonedClock(cfg.Location())
	}
	return &studentPaymentService{db: db, cfg: cfg, gateway: gw, now: now}
}

func (s *studentPaymentService) coll() *mongo.Collection {
	return s.db.Collection(db.StudentPaymentsCollection)
}

// Create implements IStudentPaymentService.
func (s *studentPaymentService) Create(ctx context.Context, schoolID primitive.ObjectID, in CreatePaymentInput) (*models.StudentPayment, error) {
	if err := validateStruct(in); err != nil {
		return nil, err
	}
	status, err := billing.Transition("", billing.EventGenerate)
	if err != nil {
		return nil, err
	}

	now := s.now()
	p := &models.StudentPayment{
		StudentID:              in.StudentID,
		PaymentType:            in.PaymentType,
		ExtraClassEnrollmentID: in.ExtraClassEnrollmentID,
		Payer:                  in.Payer,
		Description:            in.Description,
		Amount:                 in.Amount,
		Currency:               in.Currency,
		DiscountType:           in.DiscountType,
		DiscountValue:          in.DiscountValue,
		DueDate:                billing.Date(in.DueDate),
		Status:                 status,
		StatusHistory:          []models.StatusChange{{To: status, Event: billing.EventGenerate, At: now}},
		Lifecycle:              models.ActiveLifecycle(),
	}
	if p.Currency == "" {
		p.Currency = s.cfg.Currency
	}
	if err := p.ValidateType(); err != nil {
		return nil, err
	}
	if d := p.ManualDiscount(); d != nil {
		if err := d.Validate(); err != nil {
			return nil, err
		}
	} else if in.DiscountValue != 0 {
		return nil, billing.NewValidationError("discount_type", "is required when discount_value is set")
	}
	p.SchoolID = schoolID
	p.GenIDIfEmpty()
	p.Touch(now)

	if _, err := s.coll().InsertOne(ctx, p); err != nil {
		return nil, fmt.Errorf("failed to insert student payment: %w", err)
	}
	return p, nil
}

// Get implements IStudentPaymentService.
func (s *studentPaymentService) Get(ctx context.Context, schoolID, id primitive.ObjectID) (*models.StudentPayment, error) {
	return findOne[models.StudentPayment](ctx, s.coll(), inSchool(schoolID, id), "student payment "+id.Hex())
}

// List implements IStudentPaymentService.
func (s *studentPaymentService) List(ctx context.Context, schoolID primitive.ObjectID, f PaymentFilter) ([]models.StudentPayment, error) {
	filter := bson.M{"school_id": schoolID}
	if f.StudentID != nil {
		filter["student_id"] = *f.StudentID
	}
	if f.InvoiceID != nil {
		filter["invoice_id"] = *f.InvoiceID
	}
	if f.PaymentType != nil {
		filter["payment_type"] = *f.PaymentType
	}
	if f.Status != nil {
		filter["status"] = *f.Status
	}
	opts := f.Page.options(s.cfg.DefaultListPageSize, s.cfg.MaxListPageSize).SetSort(bson.D{{Key: "due_date", Value: -1}})
	return findMany[models.StudentPayment](ctx, s.coll(), filter, opts)
}

// Quote implements IStudentPaymentService. A payment issued for an invoice is priced with the invoice's
// contract or agreement terms; standalone payments only get their own discount.
func (s *studentPaymentService) Quote(ctx context.Context, schoolID, id primitive.ObjectID, at time.Time) (*Quote, error) {
	p, err := s.Get(ctx, schoolID, id)
	if err != nil {
		return nil, err
	}
	return s.quote(ctx, p, at)
}

func (s *studentPaymentService) quote(ctx context.Context, p *models.StudentPayment, at time.Time) (*Quote, error) {
	inv := &models.Invoice{Amount: p.Amount, DueDate: p.DueDate}
	inv.SchoolID = p.SchoolID
	if p.InvoiceID != nil {
		linked, err := findOne[models.Invoice](ctx, s.db.Collection(db.InvoicesCollection), inSchool(p.SchoolID, *p.InvoiceID), "invoice "+p.InvoiceID.Hex())
		if err != nil {
			return nil, err
		}
		inv.ContractID = linked.ContractID
		inv.AgreementID = linked.AgreementID
	}
	res, err := priceInvoice(ctx, s.db, inv, at, p.ManualDiscount())
	if err != nil {
		return nil, err
	}
	return &Quote{EvaluationDate: billing.Date(at), Result: res}, nil
}

// apply runs one transition on a payment and mirrors it onto its invoice, if any.
func (s *studentPaymentService) apply(ctx context.Context, p *models.StudentPayment, event billing.Event, reason string, set, invoiceSet bson.M) (*models.StudentPayment, error) {
	now := s.now()
	if _, _, err := transition(ctx, s.coll(), inSchool(p.SchoolID, p.ID), event, reason, set, now); err != nil {
		return nil, fmt.Errorf("student payment %s: %w", p.ID.Hex(), err)
	}
	if p.InvoiceID != nil {
		if invoiceSet == nil {
			invoiceSet = set
		}
		if err := syncInvoice(ctx, s.db, p.SchoolID, *p.InvoiceID, event, reason, invoiceSet, now); err != nil {
			return nil, err
		}
	}
	return s.Get(ctx, p.SchoolID, p.ID)
}

// CreateCharge implements IStudentPaymentService. An OPEN payment gets its first charge and moves to
// PENDING. A PENDING or OVERDUE payment gets a fresh charge for the amount due today, replacing one the
// payer let lapse. Each attempt uses a new order id.
func (s *studentPaymentService) CreateCharge(ctx context.Context, schoolID, id primitive.ObjectID) (*models.StudentPayment, error) {
	p, err := s.Get(ctx, schoolID, id)
	if err != nil {
		return nil, err
	}
	reissue := p.Status == billing.StatusPending || p.Status == billing.StatusOverdue
	if !reissue && !billing.CanTransition(p.Status, billing.EventChargeCreated) {
		return nil, &billing.TransitionError{From: p.Status, Event: billing.EventChargeCreated}
	}
	if s.gateway == nil {
		return nil, fmt.Errorf("payment gateway is not configured")
	}

	now := s.now()
	q, err := s.quote(ctx, p, now)
	if err != nil {
		return nil, err
	}
	if q.Total <= 0 {
		return nil, billing.NewValidationError("amount", "nothing is due on this payment")
	}

	orderID := billing.NewOrderID("SP")
	// The order is on file before the gateway knows it, so its notification always finds the payment.
	if err := rememberOrder(ctx, s.db, inSchool(schoolID, id), orderID); err != nil {
		return nil, err
	}
	res, err := s.gateway.CreateCharge(ctx, gateway.ChargeRequest{
		OrderID:     orderID,
		Amount:      q.Total,
		Description: p.Description,
		Customer:    gateway.Customer{Name: p.Payer.Name, Email: p.Payer.Email, Phone: p.Payer.Phone},
		ExpiryHours: s.cfg.ChargeExpiryHours,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create charge for payment %s: %w", id.Hex(), err)
	}
	charge := models.Charge{OrderID: orderID, Token: res.Token, RedirectURL: res.RedirectURL, Amount: q.Total, CreatedAt: now}

	if !reissue {
		return s.MarkChargeCreated(ctx, schoolID, id, charge)
	}

	filter := inSchool(schoolID, id)
	filter["status"] = p.Status
	r, err := s.coll().UpdateOne(ctx, filter, bson.M{"$set": bson.M{
		"charge": charge, "gateway_order_id": orderID, "updated_at": now,
	}})
	if err != nil {
		return nil, fmt.Errorf("failed to record charge for payment %s: %w", id.Hex(), err)
	}
	if r.MatchedCount == 0 {
		return nil, fmt.Errorf("payment %s changed while charging: %w", id.Hex(), billing.ErrInvalidTransition)
	}
	if p.InvoiceID != nil {
		if _, err := s.db.Collection(db.InvoicesCollection).UpdateOne(ctx, inSchool(schoolID, *p.InvoiceID),
			bson.M{"$set": bson.M{"charge": charge, "updated_at": now}}); err != nil {
			return nil, fmt.Errorf("failed to record charge on invoice %s: %w", p.InvoiceID.Hex(), err)
		}
	}
	log.Printf("Charge %s re-issued for payment %s", orderID, id.Hex())
	return s.Get(ctx, schoolID, id)
}

// MarkChargeCreated implements IStudentPaymentService.
func (s *studentPaymentService) MarkChargeCreated(ctx context.Context, schoolID, id primitive.ObjectID, charge models.Charge) (*models.StudentPayment, error) {
	p, err := s.Get(ctx, schoolID, id)
	if err != nil {
		return nil, err
	}
	if err := rememberOrder(ctx, s.db, inSchool(schoolID, id), charge.OrderID); err != nil {
		return nil, err
	}
	return s.apply(ctx, p, billing.EventChargeCreated, "charge "+charge.OrderID,
		bson.M{"charge": charge, "gateway_order_id": charge.OrderID},
		bson.M{"charge": charge})
}

// MarkPaid implements IStudentPaymentService.
func (s *studentPaymentService) MarkPaid(ctx context.Context, schoolID, id primitive.ObjectID, r Receipt) (*models.StudentPayment, error) {
	p, err := s.Get(ctx, schoolID, id)
	if err != nil {
		return nil, err
	}
	if r.PaidAt.IsZero() {
		r.PaidAt = s.now()
	}
	if r.Amount < 0 {
		return nil, billing.NewValidationError("amount", "must not be negative")
	}
	if r.Amount == 0 {
		q, err := s.quote(ctx, p, r.PaidAt)
		if err != nil {
			return nil, err
		}
		r.Amount = q.Total
	}
	return s.apply(ctx, p, billing.EventMarkPaid, "", bson.M{"paid_at": r.PaidAt, "paid_amount": r.Amount}, nil)
}

// Cancel implements IStudentPaymentService.
func (s *studentPaymentService) Cancel(ctx context.Context, schoolID, id primitive.ObjectID, reason string) (*models.StudentPayment, error) {
	p, err := s.Get(ctx, schoolID, id)
	if err != nil {
		return nil, err
	}
	return s.apply(ctx, p, billing.EventCancel, reason, bson.M{"cancelled_at": s.now()}, nil)
}

// FindByOrderID implements IStudentPaymentService. Order ids are globally unique, so the lookup is not
// scoped to a school; it serves gateway callbacks, which carry no tenant. Any order ever issued for the
// payment matches, not only the current charge.
func (s *studentPaymentService) FindByOrderID(ctx context.Context, orderID string) (*models.StudentPayment, error) {
	if orderID == "" {
		return nil, billing.NewValidationError("order_id", "is required")
	}
	filter := bson.M{"$or": bson.A{bson.M{"order_ids": orderID}, bson.M{"gateway_order_id": orderID}}}
	return findOne[models.StudentPayment](ctx, s.coll(), filter, "payment for order "+orderID)
}

// rememberOrder adds orderID to the order history of the payments matching filter.
func rememberOrder(ctx context.Context, database *mongo.Database, filter bson.M, orderID string) error {
	_, err := database.Collection(db.StudentPaymentsCollection).UpdateMany(ctx, filter,
		bson.M{"$addToSet": bson.M{"order_ids": orderID}})
	if err != nil {
		return fmt.Errorf("failed to record order %s: %w", orderID, err)
	}
	return nil
}

// FindByInvoice implements IStudentPaymentService.
func (s *studentPaymentService) FindByInvoice(ctx context.Context, schoolID, invoiceID primitive.ObjectID) (*models.StudentPayment, error) {
	return findOne[models.StudentPayment](ctx, s.coll(), bson.M{"school_id": schoolID, "invoice_id": invoiceID}, "payment for invoice "+invoiceID.Hex())
}

// MarkOverdueBefore implements IStudentPaymentService. Every standalone PENDING payment due before
// cutoff's date becomes OVERDUE. Payments behind an invoice follow their invoice instead.
func (s *studentPaymentService) MarkOverdueBefore(ctx context.Context, cutoff time.Time) ([]models.StudentPayment, error) {
	due, err := findMany[models.StudentPayment](ctx, s.coll(), bson.M{
		"status":     billing.StatusPending,
		"invoice_id": nil,
		"due_date":   bson.M{"$lt": billing.Date(cutoff)},
	})
	if err != nil {
		return nil, err
	}

	now := s.now()
	var moved []models.StudentPayment
	for i := range due {
		p := &due[i]
		if _, _, err := transition(ctx, s.coll(), inSchool(p.SchoolID, p.ID), billing.EventMarkOverdue, "", nil, now); err != nil {
			if ignorable(err) {
				continue
			}
			return moved, fmt.Errorf("student payment %s: %w", p.ID.Hex(), err)
		}
		p.Status = billing.StatusOverdue
		moved = append(moved, *p)
	}
	log.Printf("Marked %d standalone payments overdue (cutoff %s)", len(moved), billing.Date(cutoff).Format("2006-01-02"))
	return moved, nil
}
