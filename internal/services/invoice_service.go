package services

import (
	"context"
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
)

// InvoiceFilter narrows an invoice listing.
type InvoiceFilter struct {
	StudentID   *primitive.ObjectID
	ContractID  *primitive.ObjectID
	AgreementID *primitive.ObjectID
	Status      *billing.Status
	Period      string
	Page        Page
}

// Quote is the amount payable for an invoice or payment on a given day.
type Quote struct {
	EvaluationDate time.Time `json:"evaluation_date"`
	billing.Result
}

// Receipt describes a settled payment. A zero Amount means "whatever was due on PaidAt".
type Receipt struct {
	Amount int64
	PaidAt time.Time
}

// IInvoiceService defines the interface for invoice operations.
type IInvoiceService interface {
	GenerateForContract(ctx context.Context, c *models.Contract, p billing.Period, horizon time.Time) ([]models.Invoice, error)
	GenerateAgreementInstallments(ctx context.Context, a *models.Agreement, horizon *time.Time) ([]models.Invoice, error)
	Get(ctx context.Context, schoolID, id primitive.ObjectID) (*models.Invoice, error)
	List(ctx context.Context, schoolID primitive.ObjectID, f InvoiceFilter) ([]models.Invoice, error)
	Quote(ctx context.Context, schoolID, id primitive.ObjectID, at time.Time) (*Quote, error)
	MarkChargeCreated(ctx context.Context, schoolID, id primitive.ObjectID, charge models.Charge) (*models.Invoice, error)
	MarkPaid(ctx context.Context, schoolID, id primitive.ObjectID, r Receipt) (*models.Invoice, error)
	Cancel(ctx context.Context, schoolID, id primitive.ObjectID, reason string) (*models.Invoice, error)
	Renegotiate(ctx context.Context, schoolID, id, agreementID primitive.ObjectID) error
	MarkOverdueBefore(ctx context.Context, cutoff time.Time) ([]models.Invoice, error)
	ApplyInterest(ctx context.Context, at time.Time) (int, error)
	MarkOverdueNotified(ctx context.Context, schoolID, id primitive.ObjectID) (bool, error)
	ClearOverdueNotified(ctx context.Context, schoolID, id primitive.ObjectID) error
	ListUncharged(ctx context.Context, dueBy time.Time) ([]models.Invoice, error)
	ListUnnotifiedOverdue(ctx context.Context) ([]models.Invoice, error)
}

// invoiceService implements IInvoiceService.
type invoiceService struct {
	db  *mongo.Database
	cfg *config.Config
	now Clock
}

// NewInvoiceService creates a new InvoiceService.
func NewInvoiceService(db *mongo.Database, cfg *config.Config, now Clock) IInvoiceService {
	if now == nil {
		now = ZonedClock(cfg.Location())
	}
	return &invoiceService{db: db, cfg: cfg, now: now}
}

func (s *invoiceService) coll() *mongo.Collection {
	return s.db.Collection(db.InvoicesCollection)
}

func (s *invoiceService) payments() *mongo.Collection {
	return s.db.Collection(db.StudentPaymentsCollection)
}

// newInvoice builds a fresh OPEN invoice.
func (s *invoiceService) newInvoice(schoolID, studentID primitive.ObjectID, key string, due time.Time, amount int64, currency string) (*models.Invoice, error) {
	status, err := billing.Transition("", billing.EventGenerate)
	if err != nil {
		return nil, err
	}
	now := s.now()
	inv := &models.Invoice{
		StudentID:     studentID,
		Period:        billing.PeriodOf(due).String(),
		BillingKey:    key,
		Status:        status,
		Amount:        amount,
		Currency:      currency,
		DueDate:       due,
		AmountDue:     amount,
		StatusHistory: []models.StatusChange{{To: status, Event: billing.EventGenerate, At: now}},
		Lifecycle:     models.ActiveLifecycle(),
	}
	inv.SchoolID = schoolID
	inv.GenIDIfEmpty()
	inv.Touch(now)
	return inv, nil
}

// insertInvoice stores inv together with its payment. An invoice whose billing key already exists is
// not created again; its payment is still ensured, which repairs a run that stopped halfway.
func (s *invoiceService) insertInvoice(ctx context.Context, inv *models.Invoice, payer models.Person, ptype models.PaymentType, description string) (bool, error) {
	err := db.Try(func() error {
		_, err := s.coll().InsertOne(ctx, inv)
		return err
	})
	created := true
	if err != nil {
		if !db.IsMongoDuplicateKeyError(err) {
			return false, fmt.Errorf("failed to insert invoice %s: %w", inv.BillingKey, err)
		}
		existing, ferr := findOne[models.Invoice](ctx, s.coll(), bson.M{"billing_key": inv.BillingKey}, "invoice "+inv.BillingKey)
		if ferr != nil {
			return false, ferr
		}
		*inv = *existing
		created = false
	}
	if err := s.ensurePayment(ctx, inv, payer, ptype, description); err != nil {
		return created, err
	}
	return created, nil
}

// ensurePayment creates the payment linked to inv unless one exists.
func (s *invoiceService) ensurePayment(ctx context.Context, inv *models.Invoice, payer models.Person, ptype models.PaymentType, description string) error {
	now := s.now()
	invoiceID := inv.ID
	p := models.StudentPayment{
		StudentID:     inv.StudentID,
		InvoiceID:     &invoiceID,
		PaymentType:   ptype,
		Payer:         payer,
		Description:   description,
		Amount:        inv.Amount,
		Currency:      inv.Currency,
		DueDate:       inv.DueDate,
		Status:        inv.Status,
		StatusHistory: []models.StatusChange{{To: inv.Status, Event: billing.EventGenerate, At: now}},
		Lifecycle:     models.ActiveLifecycle(),
	}
	if inv.Charge != nil {
		p.Charge = inv.Charge
		p.GatewayOrderID = inv.Charge.OrderID
		p.OrderIDs = []string{inv.Charge.OrderID}
	}
	p.SchoolID = inv.SchoolID
	p.GenIDIfEmpty()
	p.Touch(now)

	_, err := s.payments().UpdateOne(ctx,
		bson.M{"invoice_id": inv.ID},
		bson.M{"$setOnInsert": p},
		options.Update().SetUpsert(true))
	if err != nil && !db.IsMongoDuplicateKeyError(err) {
		return fmt.Errorf("failed to create payment for invoice %s: %w", inv.ID.Hex(), err)
	}
	return nil
}

// GenerateForContract implements IInvoiceService. One invoice is issued per due date of period p that is
// on or before horizon and within the contract's term; payment days that land on the same date in a short
// month share one invoice. The monthly amount less what the period already billed is split across the
// due dates not yet issued, so adding a payment day mid-period never bills more than the monthly amount.
// Only newly created invoices are returned, so running it twice creates nothing the second time.
func (s *invoiceService) GenerateForContract(ctx context.Context, c *models.Contract, p billing.Period, horizon time.Time) ([]models.Invoice, error) {
	if !c.Lifecycle.IsActive || !c.Covers(p) {
		return nil, nil
	}
	limit := billing.Date(horizon)

	existing, err := findMany[models.Invoice](ctx, s.coll(), bson.M{"contract_id": c.ID, "period": p.String()})
	if err != nil {
		return nil, err
	}
	remaining := c.MonthlyAmount
	billed := make(map[string]bool, len(existing))
	for i := range existing {
		inv := &existing[i]
		billed[inv.BillingKey] = true
		remaining -= inv.Amount
		// Repairs a run that stored the invoice but stopped before its payment.
		if err := s.ensurePayment(ctx, inv, c.Guardian, models.PaymentTuition, tuitionDescription(p, inv.DueDate)); err != nil {
			return nil, err
		}
	}
	var pending []billing.Slot
	for _, slot := range p.Slots(c.SortedPaymentDays()) {
		if !billed[billing.ContractBillingKey(c.ID.Hex(), p, slot.Day)] {
			pending = append(pending, slot)
		}
	}
	if remaining < 0 {
		remaining = 0
	}
	amounts := billing.SplitSlots(remaining, pending)
	var created []models.Invoice

	for i, slot := range pending {
		due := slot.Due
		if due.After(limit) || due.Before(billing.Date(c.StartDate)) {
			continue
		}
		if c.EndDate != nil && due.After(billing.Date(*c.EndDate)) {
			continue
		}
		key := billing.ContractBillingKey(c.ID.Hex(), p, slot.Day)
		if amounts[i] <= 0 {
			log.Printf("Nothing left to bill for %s; monthly amount already issued", key)
			continue
		}

		inv, err := s.newInvoice(c.SchoolID, c.StudentID, key, due, amounts[i], c.Currency)
		if err != nil {
			return created, err
		}
		contractID := c.ID
		inv.ContractID = &contractID
		inv.Type = models.InvoiceMonthly
		inv.Period = p.String()

		isNew, err := s.insertInvoice(ctx, inv, c.Guardian, models.PaymentTuition, tuitionDescription(p, due))
		if err != nil {
			return created, err
		}
		if isNew {
			log.Printf("Invoice %s generated (%s, amount %d)", inv.ID.Hex(), key, inv.Amount)
			created = append(created, *inv)
		}
	}
	return created, nil
}

func tuitionDescription(p billing.Period, due time.Time) string {
	return fmt.Sprintf("Tuition %s (due %s)", p, due.Format("2006-01-02"))
}

// GenerateAgreementInstallments implements IInvoiceService. A nil horizon issues every installment.
func (s *invoiceService) GenerateAgreementInstallments(ctx context.Context, a *models.Agreement, horizon *time.Time) ([]models.Invoice, error) {
	if !a.Lifecycle.IsActive {
		return nil, nil
	}
	amounts := a.InstallmentAmounts()
	invType := models.InvoiceMonthly
	if a.BillingType == models.BillingUpfront {
		invType = models.InvoiceUpfront
	}
	var created []models.Invoice

	for n := 1; n <= a.Installments; n++ {
		due := a.InstallmentDueDate(n)
		if horizon != nil && due.After(billing.Date(*horizon)) {
			break
		}
		key := billing.AgreementBillingKey(a.ID.Hex(), n)
		inv, err := s.newInvoice(a.SchoolID, a.StudentID, key, due, amounts[n-1], a.Currency)
		if err != nil {
			return created, err
		}
		agreementID := a.ID
		inv.AgreementID = &agreementID
		inv.Installment = n
		inv.Type = invType

		desc := fmt.Sprintf("Agreement installment %d/%d", n, a.Installments)
		isNew, err := s.insertInvoice(ctx, inv, a.Guardian, models.PaymentAgreementInstallment, desc)
		if err != nil {
			return created, err
		}
		if isNew {
			created = append(created, *inv)
		}
	}
	return created, nil
}

// Get implements IInvoiceService.
func (s *invoiceService) Get(ctx context.Context, schoolID, id primitive.ObjectID) (*models.Invoice, error) {
	return findOne[models.Invoice](ctx, s.coll(), inSchool(schoolID, id), "invoice "+id.Hex())
}

// List implements IInvoiceService.
func (s *invoiceService) List(ctx context.Context, schoolID primitive.ObjectID, f InvoiceFilter) ([]models.Invoice, error) {
	filter := bson.M{"school_id": schoolID}
	if f.StudentID != nil {
		filter["student_id"] = *f.StudentID
	}
	if f.ContractID != nil {
		filter["contract_id"] = *f.ContractID
	}
	if f.AgreementID != nil {
		filter["agreement_id"] = *f.AgreementID
	}
	if f.Status != nil {
		if !f.Status.Valid() {
			return nil, billing.NewValidationError("status", "is not a known status")
		}
		filter["status"] = *f.Status
	}
	if f.Period != "" {
		p, err := billing.ParsePeriod(f.Period)
		if err != nil {
			return nil, err
		}
		filter["period"] = p.String()
	}
	opts := f.Page.options(s.cfg.DefaultListPageSize, s.cfg.MaxListPageSize).SetSort(bson.D{{Key: "due_date", Value: -1}})
	return findMany[models.Invoice](ctx, s.coll(), filter, opts)
}

// Quote implements IInvoiceService.
func (s *invoiceService) Quote(ctx context.Context, schoolID, id primitive.ObjectID, at time.Time) (*Quote, error) {
	inv, err := s.Get(ctx, schoolID, id)
	if err != nil {
		return nil, err
	}
	res, err := priceInvoice(ctx, s.db, inv, at, nil)
	if err != nil {
		return nil, err
	}
	return &Quote{EvaluationDate: billing.Date(at), Result: res}, nil
}

// apply runs one transition on an invoice and mirrors it onto the linked payments. paymentSet defaults
// to set when nil.
func (s *invoiceService) apply(ctx context.Context, schoolID, id primitive.ObjectID, event billing.Event, reason string, set, paymentSet bson.M) (*models.Invoice, error) {
	now := s.now()
	if _, _, err := transition(ctx, s.coll(), inSchool(schoolID, id), event, reason, set, now); err != nil {
		return nil, fmt.Errorf("invoice %s: %w", id.Hex(), err)
	}
	if paymentSet == nil {
		paymentSet = set
	}
	if err := syncPayments(ctx, s.db, schoolID, id, event, reason, paymentSet, now); err != nil {
		return nil, err
	}
	return s.Get(ctx, schoolID, id)
}

// MarkChargeCreated implements IInvoiceService.
func (s *invoiceService) MarkChargeCreated(ctx context.Context, schoolID, id primitive.ObjectID, charge models.Charge) (*models.Invoice, error) {
	if err := rememberOrder(ctx, s.db, bson.M{"school_id": schoolID, "invoice_id": id}, charge.OrderID); err != nil {
		return nil, err
	}
	return s.apply(ctx, schoolID, id, billing.EventChargeCreated, "charge "+charge.OrderID,
		bson.M{"charge": charge},
		bson.M{"charge": charge, "gateway_order_id": charge.OrderID})
}

// MarkPaid implements IInvoiceService.
func (s *invoiceService) MarkPaid(ctx context.Context, schoolID, id primitive.ObjectID, r Receipt) (*models.Invoice, error) {
	if r.PaidAt.IsZero() {
		r.PaidAt = s.now()
	}
	if r.Amount < 0 {
		return nil, billing.NewValidationError("amount", "must not be negative")
	}
	if r.Amount == 0 {
		q, err := s.Quote(ctx, schoolID, id, r.PaidAt)
		if err != nil {
			return nil, err
		}
		r.Amount = q.Total
	}
	return s.apply(ctx, schoolID, id, billing.EventMarkPaid, "", bson.M{
		"paid_at":     r.PaidAt,
		"paid_amount": r.Amount,
	}, nil)
}

// Cancel implements IInvoiceService.
func (s *invoiceService) Cancel(ctx context.Context, schoolID, id primitive.ObjectID, reason string) (*models.Invoice, error) {
	return s.apply(ctx, schoolID, id, billing.EventCancel, reason, bson.M{"cancelled_at": s.now()}, nil)
}

// Renegotiate implements IInvoiceService.
func (s *invoiceService) Renegotiate(ctx context.Context, schoolID, id, agreementID primitive.ObjectID) error {
	_, err := s.apply(ctx, schoolID, id, billing.EventRenegotiate, "agreement "+agreementID.Hex(),
		bson.M{"renegotiated_into": agreementID}, bson.M{})
	return err
}

// MarkOverdueBefore implements IInvoiceService. Every PENDING invoice due before cutoff's date becomes
// OVERDUE; the moved invoices are returned. Invoices that changed status concurrently are skipped.
func (s *invoiceService) MarkOverdueBefore(ctx context.Context, cutoff time.Time) ([]models.Invoice, error) {
	due, err := findMany[models.Invoice](ctx, s.coll(), bson.M{
		"status":   billing.StatusPending,
		"due_date": bson.M{"$lt": billing.Date(cutoff)},
	})
	if err != nil {
		return nil, err
	}

	now := s.now()
	var moved []models.Invoice
	for i := range due {
		inv := &due[i]
		set := bson.M{"overdue_at": now}
		if _, _, err := transition(ctx, s.coll(), inSchool(inv.SchoolID, inv.ID), billing.EventMarkOverdue, "", set, now); err != nil {
			if ignorable(err) {
				continue
			}
			return moved, fmt.Errorf("invoice %s: %w", inv.ID.Hex(), err)
		}
		if err := syncPayments(ctx, s.db, inv.SchoolID, inv.ID, billing.EventMarkOverdue, "", set, now); err != nil {
			return moved, err
		}
		inv.Status = billing.StatusOverdue
		inv.OverdueAt = &now
		moved = append(moved, *inv)
	}
	log.Printf("Marked %d invoices overdue (cutoff %s)", len(moved), billing.Date(cutoff).Format("2006-01-02"))
	return moved, nil
}

// ApplyInterest implements IInvoiceService. Amounts are always recomputed from the invoice's base amount,
// so running it again on the same day changes nothing.
func (s *invoiceService) ApplyInterest(ctx context.Context, at time.Time) (int, error) {
	overdue, err := findMany[models.Invoice](ctx, s.coll(), bson.M{"status": billing.StatusOverdue})
	if err != nil {
		return 0, err
	}

	updated := 0
	for i := range overdue {
		inv := &overdue[i]
		res, err := priceInvoice(ctx, s.db, inv, at, nil)
		if err != nil {
			log.Printf("Warning: cannot price invoice %s: %v", inv.ID.Hex(), err)
			continue
		}
		r, err := s.coll().UpdateOne(ctx,
			bson.M{"_id": inv.ID, "status": billing.StatusOverdue},
			bson.M{"$set": bson.M{
				"amount_due":          res.Total,
				"interest_amount":     res.Fine + res.Interest,
				"interest_applied_at": billing.Date(at),
				"updated_at":          s.now(),
			}})
		if err != nil {
			return updated, fmt.Errorf("failed to apply interest to invoice %s: %w", inv.ID.Hex(), err)
		}
		updated += int(r.ModifiedCount)
	}
	return updated, nil
}

// MarkOverdueNotified implements IInvoiceService. It returns true only for the caller that flipped the
// flag, so a notice is sent once per invoice.
func (s *invoiceService) MarkOverdueNotified(ctx context.Context, schoolID, id primitive.ObjectID) (bool, error) {
	filter := inSchool(schoolID, id)
	filter["overdue_notified"] = false
	res, err := s.coll().UpdateOne(ctx, filter, bson.M{"$set": bson.M{"overdue_notified": true}})
	if err != nil {
		return false, fmt.Errorf("db error marking invoice %s overdue notified: %w", id.Hex(), err)
	}
	return res.ModifiedCount == 1, nil
}

// ClearOverdueNotified implements IInvoiceService. It hands the overdue notice back to the next sweep
// after queueing it failed.
func (s *invoiceService) ClearOverdueNotified(ctx context.Context, schoolID, id primitive.ObjectID) error {
	_, err := s.coll().UpdateOne(ctx, inSchool(schoolID, id), bson.M{"$set": bson.M{"overdue_notified": false}})
	if err != nil {
		return fmt.Errorf("db error clearing overdue notice of invoice %s: %w", id.Hex(), err)
	}
	return nil
}

// ListUncharged implements IInvoiceService. It returns the OPEN invoices of every school due by dueBy
// that have no charge yet.
func (s *invoiceService) ListUncharged(ctx context.Context, dueBy time.Time) ([]models.Invoice, error) {
	return findMany[models.Invoice](ctx, s.coll(), bson.M{
		"status":   billing.StatusOpen,
		"charge":   nil,
		"due_date": bson.M{"$lte": billing.Date(dueBy)},
	})
}

// ListUnnotifiedOverdue implements IInvoiceService. It returns the OVERDUE invoices of every school whose
// payer has not been sent an overdue notice.
func (s *invoiceService) ListUnnotifiedOverdue(ctx context.Context) ([]models.Invoice, error) {
	return findMany[models.Invoice](ctx, s.coll(), bson.M{
		"status":           billing.StatusOverdue,
		"overdue_notified": false,
	})
}
