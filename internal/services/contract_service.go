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
	"go.mongodb.org/mongo-driver/mongo/options"

	"greendrake/tuition/internal/billing"
	"greendrake/tuition/internal/config"
	"greendrake/tuition/internal/db"
	"greendrake/tuition/internal/models"
	"greendrake/tuition/internal/storage"
)

// EarlyDiscountInput describes an early-payment tier to add to a contract or agreement.
type EarlyDiscountInput struct {
	DiscountType       billing.DiscountType `json:"discount_type" validate:"required,oneof=PERCENTAGE FLAT"`
	Percentage         *billing.Percent     `json:"percentage,omitempty"`
	FlatAmount         *int64               `json:"flat_amount,omitempty"`
	DaysBeforeDeadline int                  `json:"days_before_deadline" validate:"gte=0,lte=31"`
}

func (in EarlyDiscountInput) build() (models.EarlyDiscount, error) {
	if err := validateStruct(in); err != nil {
		return models.EarlyDiscount{}, err
	}
	d := models.EarlyDiscount{
		ID:                 primitive.NewObjectID(),
		DiscountType:       in.DiscountType,
		Percentage:         in.Percentage,
		FlatAmount:         in.FlatAmount,
		DaysBeforeDeadline: in.DaysBeforeDeadline,
	}
	if err := d.Validate(); err != nil {
		return models.EarlyDiscount{}, err
	}
	return d, nil
}

// CreateContractInput holds the terms of a new contract.
type CreateContractInput struct {
	StudentID          primitive.ObjectID             `json:"student_id" validate:"required"`
	Guardian           models.Person                  `json:"guardian"`
	MonthlyAmount      int64                          `json:"monthly_amount" validate:"gt=0"`
	Currency           string                         `json:"currency" validate:"omitempty,len=3"`
	StartDate          time.Time                      `json:"start_date" validate:"required"`
	EndDate            *time.Time                     `json:"end_date,omitempty"`
	PaymentDays        []int                          `json:"payment_days" validate:"required,min=1,unique,dive,min=1,max=31"`
	InterestConfig     *models.ContractInterestConfig `json:"interest_config,omitempty"`
	EarlyDiscounts     []EarlyDiscountInput           `json:"early_discounts,omitempty" validate:"dive"`
	DocusealTemplateID *string                        `json:"docuseal_template_id,omitempty"`
}

// ContractFilter narrows a contract listing.
type ContractFilter struct {
	StudentID  *primitive.ObjectID
	ActiveOnly bool
	Page       Page
}

// DocumentInput describes a file about to be uploaded for a contract.
type DocumentInput struct {
	Name        string `json:"name" validate:"required,notblank,max=255"`
	ContentType string `json:"content_type" validate:"required"`
}

// IContractService defines the interface for contract operations.
type IContractService interface {
	Create(ctx context.Context, schoolID primitive.ObjectID, in CreateContractInput) (*models.Contract, error)
	Get(ctx context.Context, schoolID, id primitive.ObjectID) (*models.Contract, error)
	List(ctx context.Context, schoolID primitive.ObjectID, f ContractFilter) ([]models.Contract, error)
	Deactivate(ctx context.Context, schoolID, id primitive.ObjectID) error
	AddPaymentDay(ctx context.Context, schoolID, id primitive.ObjectID, day int) (*models.Contract, error)
	RemovePaymentDay(ctx context.Context, schoolID, id primitive.ObjectID, day int) (*models.Contract, error)
	SetInterestConfig(ctx context.Context, schoolID, id primitive.ObjectID, ic models.ContractInterestConfig) (*models.Contract, error)
	RemoveInterestConfig(ctx context.Context, schoolID, id primitive.ObjectID) (*models.Contract, error)
	AddEarlyDiscount(ctx context.Context, schoolID, id primitive.ObjectID, in EarlyDiscountInput) (*models.Contract, error)
	RemoveEarlyDiscount(ctx context.Context, schoolID, id, discountID primitive.ObjectID) (*models.Contract, error)
	AddDocument(ctx context.Context, schoolID, id primitive.ObjectID, in DocumentInput) (*models.ContractDocument, string, error)
	RemoveDocument(ctx context.Context, schoolID, id, documentID primitive.ObjectID) (*models.Contract, error)
	ListActive(ctx context.Context) ([]models.Contract, error)
}

// contractService implements IContractService.
type contractService struct {
	db      *mongo.Database
	cfg     *config.Config
	storage storage.IDocumentStorage
	now     Clock
}

// NewContractService creates a new ContractService.
func NewContractService(db *mongo.Database, cfg *config.Config, st storage.IDocumentStorage, now Clock) IContractService {
	if now == nil {
		now = ZonedClock(cfg.Location())
	}
	return &contractService{db: db, cfg: cfg, storage: st, now: now}
}

func (s *contractService) coll() *mongo.Collection {
	return s.db.Collection(db.ContractsCollection)
}

// Create implements IContractService.
func (s *contractService) Create(ctx context.Context, schoolID primitive.ObjectID, in CreateContractInput) (*models.Contract, error) {
	if err := validateStruct(in); err != nil {
		return nil, err
	}
	if in.EndDate != nil && billing.Date(*in.EndDate).Before(billing.Date(in.StartDate)) {
		return nil, billing.NewValidationError("end_date", "must not be before start_date")
	}
	if in.InterestConfig != nil {
		if err := in.InterestConfig.Billing().Validate(); err != nil {
			return nil, err
		}
	}

	now := s.now()
	c := &models.Contract{
		StudentID:          in.StudentID,
		Guardian:           in.Guardian,
		MonthlyAmount:      in.MonthlyAmount,
		Currency:           in.Currency,
		StartDate:          billing.Date(in.StartDate),
		InterestConfig:     in.InterestConfig,
		EarlyDiscounts:     []models.EarlyDiscount{},
		Documents:          []models.ContractDocument{},
		DocusealTemplateID: in.DocusealTemplateID,
		Lifecycle:          models.ActiveLifecycle(),
	}
	if c.Currency == "" {
		c.Currency = s.cfg.Currency
	}
	if in.EndDate != nil {
		end := billing.Date(*in.EndDate)
		c.EndDate = &end
	}
	for _, day := range in.PaymentDays {
		c.PaymentDays = append(c.PaymentDays, models.ContractPaymentDay{Day: day})
	}
	for _, di := range in.EarlyDiscounts {
		d, err := di.build()
		if err != nil {
			return nil, err
		}
		c.EarlyDiscounts = append(c.EarlyDiscounts, d)
	}
	c.SchoolID = schoolID
	c.GenIDIfEmpty()
	c.Touch(now)

	if _, err := s.coll().InsertOne(ctx, c); err != nil {
		return nil, fmt.Errorf("failed to insert contract: %w", err)
	}
	log.Printf("Contract %s created for student %s (school %s)", c.ID.Hex(), c.StudentID.Hex(), schoolID.Hex())
	return c, nil
}

// Get implements IContractService.
func (s *contractService) Get(ctx context.Context, schoolID, id primitive.ObjectID) (*models.Contract, error) {
	return findOne[models.Contract](ctx, s.coll(), inSchool(schoolID, id), "contract "+id.Hex())
}

// List implements IContractService.
func (s *contractService) List(ctx context.Context, schoolID primitive.ObjectID, f ContractFilter) ([]models.Contract, error) {
	filter := bson.M{"school_id": schoolID}
	if f.StudentID != nil {
		filter["student_id"] = *f.StudentID
	}
	if f.ActiveOnly {
		filter["lifecycle.is_active"] = true
	}
	opts := f.Page.options(s.cfg.DefaultListPageSize, s.cfg.MaxListPageSize).SetSort(bson.D{{Key: "created_at", Value: -1}})
	return findMany[models.Contract](ctx, s.coll(), filter, opts)
}

// Deactivate implements IContractService. Invoices already issued are kept; generation stops.
func (s *contractService) Deactivate(ctx context.Context, schoolID, id primitive.ObjectID) error {
	now := s.now()
	filter := inSchool(schoolID, id)
	filter["lifecycle.is_active"] = true
	res, err := s.coll().UpdateOne(ctx, filter, bson.M{"$set": bson.M{
		"lifecycle.is_active":  false,
		"lifecycle.deleted_at": now,
		"updated_at":           now,
	}})
	if err != nil {
		return fmt.Errorf("failed to deactivate contract %s: %w", id.Hex(), err)
	}
	if res.MatchedCount == 0 {
		// Either missing or already inactive; only the former is an error.
		if _, err := s.Get(ctx, schoolID, id); err != nil {
			return err
		}
	}
	return nil
}

// activeFilter matches an active contract of the school.
func activeFilter(schoolID, id primitive.ObjectID) bson.M {
	f := inSchool(schoolID, id)
	f["lifecycle.is_active"] = true
	return f
}

// explainMiss turns a conditional update that matched nothing into the most precise error.
func (s *contractService) explainMiss(ctx context.Context, schoolID, id primitive.ObjectID, conflict error) error {
	c, err := s.Get(ctx, schoolID, id)
	if err != nil {
		return err
	}
	if !c.Lifecycle.IsActive {
		return billing.NewValidationError("contract", "is inactive")
	}
	return conflict
}

// AddPaymentDay implements IContractService. Uniqueness is enforced by the update filter itself, so two
// concurrent requests for the same day cannot both succeed.
func (s *contractService) AddPaymentDay(ctx context.Context, schoolID, id primitive.ObjectID, day int) (*models.Contract, error) {
	if !billing.ValidPaymentDay(day) {
		return nil, billing.NewValidationError("day", "must be between 1 and 31")
	}
	filter := activeFilter(schoolID, id)
	filter["payment_days.day"] = bson.M{"$ne": day}
	c, err := updateAndReturn[models.Contract](ctx, s.coll(), filter, bson.M{
		"$push": bson.M{"payment_days": models.ContractPaymentDay{Day: day}},
		"$set":  bson.M{"updated_at": s.now()},
	}, "contract "+id.Hex())
	if errors.Is(err, billing.ErrNotFound) {
		return nil, s.explainMiss(ctx, schoolID, id, billing.NewValidationError("day", fmt.Sprintf("%d is already a payment day", day)))
	}
	return c, err
}

// RemovePaymentDay implements IContractService. The last payment day cannot be removed.
func (s *contractService) RemovePaymentDay(ctx context.Context, schoolID, id primitive.ObjectID, day int) (*models.Contract, error) {
	filter := activeFilter(schoolID, id)
	filter["payment_days.day"] = day
	filter["payment_days.1"] = bson.M{"$exists": true}
	c, err := updateAndReturn[models.Contract](ctx, s.coll(), filter, bson.M{
		"$pull": bson.M{"payment_days": bson.M{"day": day}},
		"$set":  bson.M{"updated_at": s.now()},
	}, "contract "+id.Hex())
	if errors.Is(err, billing.ErrNotFound) {
		cur, gerr := s.Get(ctx, schoolID, id)
		if gerr != nil {
			return nil, gerr
		}
		if !cur.HasPaymentDay(day) {
			return nil, fmt.Errorf("payment day %d: %w", day, billing.ErrNotFound)
		}
		return nil, s.explainMiss(ctx, schoolID, id, billing.NewValidationError("payment_days", "a contract must keep at least one payment day"))
	}
	return c, err
}

// SetInterestConfig implements IContractService.
func (s *contractService) SetInterestConfig(ctx context.Context, schoolID, id primitive.ObjectID, ic models.ContractInterestConfig) (*models.Contract, error) {
	if err := ic.Billing().Validate(); err != nil {
		return nil, err
	}
	c, err := updateAndReturn[models.Contract](ctx, s.coll(), activeFilter(schoolID, id), bson.M{
		"$set": bson.M{"interest_config": ic, "updated_at": s.now()},
	}, "contract "+id.Hex())
	if errors.Is(err, billing.ErrNotFound) {
		return nil, s.explainMiss(ctx, schoolID, id, err)
	}
	return c, err
}

// RemoveInterestConfig implements IContractService.
func (s *contractService) RemoveInterestConfig(ctx context.Context, schoolID, id primitive.ObjectID) (*models.Contract, error) {
	c, err := updateAndReturn[models.Contract](ctx, s.coll(), activeFilter(schoolID, id), bson.M{
		"$unset": bson.M{"interest_config": ""},
		"$set":   bson.M{"updated_at": s.now()},
	}, "contract "+id.Hex())
	if errors.Is(err, billing.ErrNotFound) {
		return nil, s.explainMiss(ctx, schoolID, id, err)
	}
	return c, err
}

// AddEarlyDiscount implements IContractService.
func (s *contractService) AddEarlyDiscount(ctx context.Context, schoolID, id primitive.ObjectID, in EarlyDiscountInput) (*models.Contract, error) {
	d, err := in.build()
	if err != nil {
		return nil, err
	}
	c, err := updateAndReturn[models.Contract](ctx, s.coll(), activeFilter(schoolID, id), bson.M{
		"$push": bson.M{"early_discounts": d},
		"$set":  bson.M{"updated_at": s.now()},
	}, "contract "+id.Hex())
	if errors.Is(err, billing.ErrNotFound) {
		return nil, s.explainMiss(ctx, schoolID, id, err)
	}
	return c, err
}

// RemoveEarlyDiscount implements IContractService.
func (s *contractService) RemoveEarlyDiscount(ctx context.Context, schoolID, id, discountID primitive.ObjectID) (*models.Contract, error) {
	filter := activeFilter(schoolID, id)
	filter["early_discounts.id"] = discountID
	c, err := updateAndReturn[models.Contract](ctx, s.coll(), filter, bson.M{
		"$pull": bson.M{"early_discounts": bson.M{"id": discountID}},
		"$set":  bson.M{"updated_at": s.now()},
	}, "early discount "+discountID.Hex())
	if errors.Is(err, billing.ErrNotFound) {
		return nil, s.explainMiss(ctx, schoolID, id, err)
	}
	return c, err
}

// AddDocument implements IContractService. The document is recorded straight away and the caller
// uploads the file to the returned presigned URL.
func (s *contractService) AddDocument(ctx context.Context, schoolID, id primitive.ObjectID, in DocumentInput) (*models.ContractDocument, string, error) {
	if err := validateStruct(in); err != nil {
		return nil, "", err
	}
	if s.storage == nil {
		return nil, "", fmt.Errorf("document storage is not configured")
	}
	if _, err := findOne[models.Contract](ctx, s.coll(), activeFilter(schoolID, id), "contract "+id.Hex()); err != nil {
		return nil, "", s.explainMiss(ctx, schoolID, id, err)
	}

	url, key, err := s.storage.PresignUpload(ctx, schoolID.Hex(), id.Hex(), in.Name, in.ContentType)
	if err != nil {
		return nil, "", fmt.Errorf("failed to presign document upload: %w", err)
	}
	doc := models.ContractDocument{
		ID:          primitive.NewObjectID(),
		Name:        in.Name,
		ObjectKey:   key,
		ContentType: in.ContentType,
		UploadedAt:  s.now(),
	}
	res, err := s.coll().UpdateOne(ctx, activeFilter(schoolID, id), bson.M{
		"$push": bson.M{"documents": doc},
		"$set":  bson.M{"updated_at": doc.UploadedAt},
	})
	if err != nil {
		return nil, "", fmt.Errorf("failed to record document: %w", err)
	}
	if res.MatchedCount == 0 {
		return nil, "", s.explainMiss(ctx, schoolID, id, billing.ErrNotFound)
	}
	return &doc, url, nil
}

// RemoveDocument implements IContractService. A failure to delete the stored object is logged, not
// returned: the contract no longer references it either way.
func (s *contractService) RemoveDocument(ctx context.Context, schoolID, id, documentID primitive.ObjectID) (*models.Contract, error) {
	filter := inSchool(schoolID, id)
	filter["documents.id"] = documentID

	var before models.Contract
	err := s.coll().FindOneAndUpdate(ctx, filter, bson.M{
		"$pull": bson.M{"documents": bson.M{"id": documentID}},
		"$set":  bson.M{"updated_at": s.now()},
	}, options.FindOneAndUpdate().SetReturnDocument(options.Before)).Decode(&before)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			if _, gerr := s.Get(ctx, schoolID, id); gerr != nil {
				return nil, gerr
			}
			return nil, fmt.Errorf("document %s: %w", documentID.Hex(), billing.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to remove document: %w", err)
	}

	for _, d := range before.Documents {
		if d.ID == documentID && s.storage != nil {
			if err := s.storage.DeleteObject(ctx, d.ObjectKey); err != nil {
				log.Printf("Warning: failed to delete stored document %s: %v", d.ObjectKey, err)
			}
		}
	}
	return s.Get(ctx, schoolID, id)
}

// ListActive implements IContractService. It spans every school and is meant for background jobs.
func (s *contractService) ListActive(ctx context.Context) ([]models.Contract, error) {
	return findMany[models.Contract](ctx, s.coll(), bson.M{"lifecycle.is_active": true})
}
