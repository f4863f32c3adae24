package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"

	"greendrake/tuition/internal/billing"
	"greendrake/tuition/internal/config"
	"greendrake/tuition/internal/db"
	"greendrake/tuition/internal/models"
)

// CreateAgreementInput holds the terms of a new agreement. When TotalAmount is zero the agreement
// covers what the listed invoices are worth today.
type CreateAgreementInput struct {
	StudentID               primitive.ObjectID   `json:"student_id" validate:"required"`
	Guardian                models.Person        `json:"guardian"`
	InvoiceIDs              []primitive.ObjectID `json:"invoice_ids" validate:"unique"`
	TotalAmount             int64                `json:"total_amount" validate:"gte=0"`
	Currency                string               `json:"currency" validate:"omitempty,len=3"`
	Installments            int                  `json:"installments" validate:"min=1,max=36"`
	StartDate               time.Time            `json:"start_date" validate:"required"`
	PaymentDay              int                  `json:"payment_day" validate:"min=1,max=31"`
	BillingType             models.BillingType   `json:"billing_type" validate:"required,oneof=UPFRONT MONTHLY"`
	FinePercentage          billing.Percent      `json:"fine_percentage" validate:"gte=0,lte=10000"`
	DailyInterestPercentage billing.Percent      `json:"daily_interest_percentage" validate:"gte=0,lte=10000"`
	EarlyDiscounts          []EarlyDiscountInput `json:"early_discounts,omitempty" validate:"dive"`
}

// AgreementFilter narrows an agreement listing.
type AgreementFilter struct {
	StudentID  *primitive.ObjectID
	ActiveOnly bool
	Page       Page
}

// IAgreementService defines the interface for agreement operations.
type IAgreementService interface {
	Create(ctx context.Context, schoolID primitive.ObjectID, in CreateAgreementInput) (*models.Agreement, []models.Invoice, error)
	Get(ctx context.Context, schoolID, id primitive.ObjectID) (*models.Agreement, error)
	List(ctx context.Context, schoolID primitive.ObjectID, f AgreementFilter) ([]models.Agreement, error)
	AddEarlyDiscount(ctx context.Context, schoolID, id primitive.ObjectID, in EarlyDiscountInput) (*models.Agreement, error)
	RemoveEarlyDiscount(ctx context.Context, schoolID, id, discountID primitive.ObjectID) (*models.Agreement, error)
	ListActiveMonthly(ctx context.Context) ([]models.Agreement, error)
}

// agreementService implements IAgreementService.
type agreementService struct {
	db       *mongo.Database
	cfg      *config.Config
	invoices IInvoiceService
	now      Clock
}

// NewAgreementService creates a new AgreementService.
func NewAgreementService(db *mongo.Database, cfg *config.Config, invoices IInvoiceService, now Clock) IAgreementService {
	if now == nil {
		now = ZonedClock(cfg.Location())
	}
	return &agreementService{db: db, cfg: cfg, invoices: invoices, now: now}
}

func (s *agreementService) coll() *mongo.Collection {
	return s.db.Collection(db.AgreementsCollection)
}

// Create implements IAgreementService. The listed invoices move to RENEGOTIATED and the agreement's
// installment invoices are issued: all of them for UPFRONT billing, none for MONTHLY (the generation
// job issues those as they come due). The agreement and the renegotiations commit in one transaction,
// so if any invoice cannot be renegotiated nothing changes.
func (s *agreementService) Create(ctx context.Context, schoolID primitive.ObjectID, in CreateAgreementInput) (*models.Agreement, []models.Invoice, error) {
	if err := validateStruct(in); err != nil {
		return nil, nil, err
	}
	if len(in.InvoiceIDs) == 0 && in.TotalAmount == 0 {
		return nil, nil, billing.NewValidationError("total_amount", "is required when no invoices are renegotiated")
	}
	interest := billing.InterestConfig{DelayPercentage: in.FinePercentage, PerDayDelayedPercentage: in.DailyInterestPercentage}
	if err := interest.Validate(); err != nil {
		return nil, nil, err
	}

	now := s.now()
	total := in.TotalAmount
	for _, invID := range in.InvoiceIDs {
		inv, err := s.invoices.Get(ctx, schoolID, invID)
		if err != nil {
			return nil, nil, err
		}
		if inv.StudentID != in.StudentID {
			return nil, nil, billing.NewValidationError("invoice_ids", fmt.Sprintf("invoice %s belongs to another student", invID.Hex()))
		}
		if !billing.CanTransition(inv.Status, billing.EventRenegotiate) {
			return nil, nil, fmt.Errorf("invoice %s: %w", invID.Hex(), &billing.TransitionError{From: inv.Status, Event: billing.EventRenegotiate})
		}
		if in.TotalAmount == 0 {
			q, err := s.invoices.Quote(ctx, schoolID, invID, now)
			if err != nil {
				return nil, nil, err
			}
			total += q.Total
		}
	}
	if total <= 0 {
		return nil, nil, billing.NewValidationError("total_amount", "must be positive")
	}

	a := &models.Agreement{
		StudentID:               in.StudentID,
		Guardian:                in.Guardian,
		TotalAmount:             total,
		Currency:                in.Currency,
		Installments:            in.Installments,
		StartDate:               billing.Date(in.StartDate),
		PaymentDay:              in.PaymentDay,
		BillingType:             in.BillingType,
		FinePercentage:          in.FinePercentage,
		DailyInterestPercentage: in.DailyInterestPercentage,
		EarlyDiscounts:          []models.EarlyDiscount{},
		RenegotiatedInvoiceIDs:  in.InvoiceIDs,
		Lifecycle:               models.ActiveLifecycle(),
	}
	if a.Currency == "" {
		a.Currency = s.cfg.Currency
	}
	if a.RenegotiatedInvoiceIDs == nil {
		a.RenegotiatedInvoiceIDs = []primitive.ObjectID{}
	}
	for _, di := range in.EarlyDiscounts {
		d, err := di.build()
		if err != nil {
			return nil, nil, err
		}
		a.EarlyDiscounts = append(a.EarlyDiscounts, d)
	}
	a.SchoolID = schoolID
	a.GenIDIfEmpty()
	a.Touch(now)

	if err := s.insertRenegotiating(ctx, a); err != nil {
		return nil, nil, err
	}

	var issued []models.Invoice
	if a.BillingType == models.BillingUpfront {
		var err error
		issued, err = s.invoices.GenerateAgreementInstallments(ctx, a, nil)
		if err != nil {
			// Installments are keyed by agreement, so issuing them again later cannot duplicate these.
			log.Printf("Warning: agreement %s installments incomplete: %v", a.ID.Hex(), err)
		}
	}
	log.Printf("Agreement %s created for student %s (%d invoices renegotiated, total %d)",
		a.ID.Hex(), a.StudentID.Hex(), len(a.RenegotiatedInvoiceIDs), a.TotalAmount)
	return a, issued, nil
}

// insertRenegotiating stores the agreement and renegotiates its invoices in one transaction. An invoice
// that was paid or cancelled after Create checked it aborts the whole write.
func (s *agreementService) insertRenegotiating(ctx context.Context, a *models.Agreement) error {
	session, err := s.db.Client().StartSession()
	if err != nil {
		return fmt.Errorf("failed to start session: %w", err)
	}
	defer session.EndSession(ctx)

	_, err = session.WithTransaction(ctx, func(tx mongo.SessionContext) (interface{}, error) {
		if _, err := s.coll().InsertOne(tx, a); err != nil {
			return nil, fmt.Errorf("failed to insert agreement: %w", err)
		}
		for _, invID := range a.RenegotiatedInvoiceIDs {
			if err := s.invoices.Renegotiate(tx, a.SchoolID, invID, a.ID); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
	if err != nil {
		log.Printf("Agreement for student %s not created: %v", a.StudentID.Hex(), err)
	}
	return err
}

// Get implements IAgreementService.
func (s *agreementService) Get(ctx context.Context, schoolID, id primitive.ObjectID) (*models.Agreement, error) {
	return findOne[models.Agreement](ctx, s.coll(), inSchool(schoolID, id), "agreement "+id.Hex())
}

// List implements IAgreementService.
func (s *agreementService) List(ctx context.Context, schoolID primitive.ObjectID, f AgreementFilter) ([]models.Agreement, error) {
	filter := bson.M{"school_id": schoolID}
	if f.StudentID != nil {
		filter["student_id"] = *f.StudentID
	}
	if f.ActiveOnly {
		filter["lifecycle.is_active"] = true
	}
	opts := f.Page.options(s.cfg.DefaultListPageSize, s.cfg.MaxListPageSize).SetSort(bson.D{{Key: "created_at", Value: -1}})
	return findMany[models.Agreement](ctx, s.coll(), filter, opts)
}

func (s *agreementService) explainMiss(ctx context.Context, schoolID, id primitive.ObjectID, conflict error) error {
	a, err := s.Get(ctx, schoolID, id)
	if err != nil {
		return err
	}
	if !a.Lifecycle.IsActive {
		return billing.NewValidationError("agreement", "is inactive")
	}
	return conflict
}

// AddEarlyDiscount implements IAgreementService.
func (s *agreementService) AddEarlyDiscount(ctx context.Context, schoolID, id primitive.ObjectID, in EarlyDiscountInput) (*models.Agreement, error) {
	d, err := in.build()
	if err != nil {
		return nil, err
	}
	a, err := updateAndReturn[models.Agreement](ctx, s.coll(), activeFilter(schoolID, id), bson.M{
		"$push": bson.M{"early_discounts": d},
		"$set":  bson.M{"updated_at": s.now()},
	}, "agreement "+id.Hex())
	if errors.Is(err, billing.ErrNotFound) {
		return nil, s.explainMiss(ctx, schoolID, id, err)
	}
	return a, err
}

// RemoveEarlyDiscount implements IAgreementService.
func (s *agreementService) RemoveEarlyDiscount(ctx context.Context, schoolID, id, discountID primitive.ObjectID) (*models.Agreement, error) {
	filter := activeFilter(schoolID, id)
	filter["early_discounts.id"] = discountID
	a, err := updateAndReturn[models.Agreement](ctx, s.coll(), filter, bson.M{
		"$pull": bson.M{"early_discounts": bson.M{"id": discountID}},
		"$set":  bson.M{"updated_at": s.now()},
	}, "early discount "+discountID.Hex())
	if errors.Is(err, billing.ErrNotFound) {
		return nil, s.explainMiss(ctx, schoolID, id, err)
	}
	return a, err
}

// ListActiveMonthly implements IAgreementService. It spans every school and feeds the generation job.
func (s *agreementService) ListActiveMonthly(ctx context.Context) ([]models.Agreement, error) {
	return findMany[models.Agreement](ctx, s.coll(), bson.M{
		"lifecycle.is_active": true,
		"billing_type":        models.BillingMonthly,
	})
}
