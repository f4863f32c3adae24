package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/hibiken/asynq"
	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"greendrake/tuition/internal/billing"
	"greendrake/tuition/internal/config"
	"greendrake/tuition/internal/email"
	"greendrake/tuition/internal/models"
	"greendrake/tuition/internal/services"
)

// TaskProcessor handles the processing of tasks.
// It holds dependencies needed by task handlers.
type TaskProcessor struct {
	cfg        *config.Config
	contracts  services.IContractService
	agreements services.IAgreementService
	invoices   services.IInvoiceService
	payments   services.IStudentPaymentService
	templates  services.IEmailTemplateService
	settings   services.ISettingsService
	sender     email.Sender
	dispatcher *Dispatcher
	now        services.Clock
}

// Deps groups the services a TaskProcessor works with.
type Deps struct {
	Contracts  services.IContractService
	Agreements services.IAgreementService
	Invoices   services.IInvoiceService
	Payments   services.IStudentPaymentService
	Templates  services.IEmailTemplateService
	Settings   services.ISettingsService
	Sender     email.Sender
	Dispatcher *Dispatcher
	Now        services.Clock
}

func NewTaskProcessor(cfg *config.Config, d Deps) *TaskProcessor {
	now := d.Now
	if now == nil {
		now = services.ZonedClock(cfg.Location())
	}
	return &TaskProcessor{
		cfg:        cfg,
		contracts:  d.Contracts,
		agreements: d.Agreements,
		invoices:   d.Invoices,
		payments:   d.Payments,
		templates:  d.Templates,
		settings:   d.Settings,
		sender:     d.Sender,
		dispatcher: d.Dispatcher,
		now:        now,
	}
}

// decode unmarshals an optional payload; garbage is never retried.
func decode(t *asynq.Task, v any) error {
	if len(t.Payload()) == 0 {
		return nil
	}
	if err := json.Unmarshal(t.Payload(), v); err != nil {
		return fmt.Errorf("failed to unmarshal %s payload: %v: %w", t.Type(), err, asynq.SkipRetry)
	}
	return nil
}

// permanent marks errors that retrying cannot fix.
func permanent(err error) error {
	if billing.IsValidationError(err) || errors.Is(err, billing.ErrNotFound) || errors.Is(err, billing.ErrInvalidTransition) {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	return err
}

// today is the current billing day as a UTC midnight.
func (p *TaskProcessor) today() time.Time {
	return billing.Date(p.now().In(p.cfg.Location()))
}

func (p *TaskProcessor) sweepDay(t *asynq.Task) (time.Time, error) {
	var payload SweepPayload
	if err := decode(t, &payload); err != nil {
		return time.Time{}, err
	}
	if payload.Date == "" {
		return p.today(), nil
	}
	d, err := time.Parse("2006-01-02", payload.Date)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid sweep date %q: %w", payload.Date, asynq.SkipRetry)
	}
	return d, nil
}

// formatAmount renders minor units the way a payer reads them ("1500.00").
func (p *TaskProcessor) formatAmount(minor int64) string {
	exp := int32(p.cfg.CurrencyExponent)
	return decimal.New(minor, -exp).StringFixed(exp)
}

// --- Task Handlers ---

// HandleInvoiceGenerateTask issues the invoices of every active contract and monthly agreement that
// fall due within the lead horizon, then queues a charge for each new one.
func (p *TaskProcessor) HandleInvoiceGenerateTask(ctx context.Context, t *asynq.Task) error {
	var payload GeneratePayload
	if err := decode(t, &payload); err != nil {
		return err
	}
	today := p.today()
	periods := []billing.Period{billing.PeriodOf(today), billing.PeriodOf(today).AddMonths(1)}
	if payload.Period != "" {
		per, err := billing.ParsePeriod(payload.Period)
		if err != nil {
			return fmt.Errorf("invalid period %q: %v: %w", payload.Period, err, asynq.SkipRetry)
		}
		periods = []billing.Period{per}
	}
	leadDays := p.settings.GetInt(ctx, services.SettingInvoiceLeadDays, p.cfg.InvoiceLeadDays)
	horizon := today.AddDate(0, 0, leadDays)
	log.Printf("Starting invoice generation (periods %v, horizon %s)...", periods, horizon.Format("2006-01-02"))

	contracts, err := p.contracts.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("failed to list active contracts: %w", err)
	}
	agreements, err := p.agreements.ListActiveMonthly(ctx)
	if err != nil {
		return fmt.Errorf("failed to list monthly agreements: %w", err)
	}

	var created []models.Invoice
	failures := 0
	for i := range contracts {
		c := &contracts[i]
		for _, per := range periods {
			invs, err := p.invoices.GenerateForContract(ctx, c, per, horizon)
			created = append(created, invs...)
			if err != nil {
				log.Printf("Error generating %s invoices for contract %s: %v", per, c.ID.Hex(), err)
				failures++
			}
		}
	}
	for i := range agreements {
		a := &agreements[i]
		invs, err := p.invoices.GenerateAgreementInstallments(ctx, a, &horizon)
		created = append(created, invs...)
		if err != nil {
			log.Printf("Error generating installments for agreement %s: %v", a.ID.Hex(), err)
			failures++
		}
	}

	// A run that failed after inserting invoices left them without a charge; they are queued here.
	uncharged, err := p.invoices.ListUncharged(ctx, horizon)
	if err != nil {
		log.Printf("Error listing uncharged invoices: %v", err)
		failures++
	}
	toCharge := mergeInvoices(created, uncharged)

	notify := p.settings.GetBool(ctx, services.SettingNotifyOnIssue, true)
	for _, inv := range toCharge {
		if err := p.enqueueCharge(ctx, inv, notify); err != nil {
			log.Printf("Error queueing charge for invoice %s: %v", inv.ID.Hex(), err)
			failures++
		}
	}

	log.Printf("Invoice generation finished. Generated %d invoices from %d contracts and %d agreements, %d charges queued.",
		len(created), len(contracts), len(agreements), len(toCharge))
	if failures > 0 {
		// Generation is keyed by billing key, so a retry only fills the gaps.
		return fmt.Errorf("invoice generation had %d failures", failures)
	}
	return nil
}

func (p *TaskProcessor) enqueueCharge(ctx context.Context, inv models.Invoice, notify bool) error {
	pay, err := p.payments.FindByInvoice(ctx, inv.SchoolID, inv.ID)
	if err != nil {
		return err
	}
	_, err = p.dispatcher.Dispatch(ctx, ChargeCreate, ChargePayload{
		SchoolID:  inv.SchoolID.Hex(),
		PaymentID: pay.ID.Hex(),
		Notify:    notify,
	}, asynq.TaskID("charge:"+pay.ID.Hex()))
	if errors.Is(err, ErrDuplicateTask) {
		return nil
	}
	return err
}

// mergeInvoices appends the invoices of extra not already in base.
func mergeInvoices(base, extra []models.Invoice) []models.Invoice {
	seen := make(map[primitive.ObjectID]bool, len(base))
	out := make([]models.Invoice, 0, len(base)+len(extra))
	for _, inv := range base {
		seen[inv.ID] = true
		out = append(out, inv)
	}
	for _, inv := range extra {
		if !seen[inv.ID] {
			seen[inv.ID] = true
			out = append(out, inv)
		}
	}
	return out
}

// HandleInvoiceCheckOverdueTask moves PENDING invoices and standalone payments past their due date to
// OVERDUE and sends each invoice's payer one overdue notice.
func (p *TaskProcessor) HandleInvoiceCheckOverdueTask(ctx context.Context, t *asynq.Task) error {
	day, err := p.sweepDay(t)
	if err != nil {
		return err
	}
	moved, err := p.invoices.MarkOverdueBefore(ctx, day)
	if err != nil {
		return fmt.Errorf("overdue sweep failed: %w", err)
	}
	standalone, err := p.payments.MarkOverdueBefore(ctx, day)
	if err != nil {
		return fmt.Errorf("overdue payment sweep failed: %w", err)
	}
	// Notices an earlier run could not queue are still owed.
	owed, err := p.invoices.ListUnnotifiedOverdue(ctx)
	if err != nil {
		return fmt.Errorf("failed to list overdue invoices awaiting notice: %w", err)
	}

	notices, failures := 0, 0
	for _, inv := range mergeInvoices(moved, owed) {
		claimed, err := p.invoices.MarkOverdueNotified(ctx, inv.SchoolID, inv.ID)
		if err != nil {
			log.Printf("Error flagging overdue notice for invoice %s: %v", inv.ID.Hex(), err)
			failures++
			continue
		}
		if !claimed {
			continue
		}
		if err := p.notifyOverdue(ctx, inv); err != nil {
			log.Printf("Error queueing overdue notice for invoice %s: %v", inv.ID.Hex(), err)
			failures++
			if err := p.invoices.ClearOverdueNotified(ctx, inv.SchoolID, inv.ID); err != nil {
				log.Printf("Error releasing overdue notice for invoice %s: %v", inv.ID.Hex(), err)
			}
			continue
		}
		notices++
	}
	log.Printf("Overdue check finished. %d invoices and %d payments overdue, %d notices queued.",
		len(moved), len(standalone), notices)
	if failures > 0 {
		return fmt.Errorf("%d overdue notices could not be queued", failures)
	}
	return nil
}

func (p *TaskProcessor) notifyOverdue(ctx context.Context, inv models.Invoice) error {
	pay, err := p.payments.FindByInvoice(ctx, inv.SchoolID, inv.ID)
	if err != nil {
		return err
	}
	if pay.Payer.Email == "" {
		log.Printf("Invoice %s has no payer email; overdue notice skipped", inv.ID.Hex())
		return nil
	}
	amountDue := inv.AmountDue
	if q, err := p.invoices.Quote(ctx, inv.SchoolID, inv.ID, p.now()); err == nil {
		amountDue = q.Total
	}
	data := p.noticeData(pay, inv.Amount, inv.DueDate)
	data["amount_due"] = p.formatAmount(amountDue)
	return p.enqueueEmail(ctx, inv.SchoolID, pay.Payer.Email, p.cfg.OverdueNoticeTemplateID, data)
}

func (p *TaskProcessor) noticeData(pay *models.StudentPayment, amount int64, due time.Time) map[string]any {
	data := map[string]any{
		"payer_name":  pay.Payer.Name,
		"amount":      p.formatAmount(amount),
		"currency":    pay.Currency,
		"description": pay.Description,
		"due_date":    due.Format("2006-01-02"),
	}
	if pay.Currency == "" {
		data["currency"] = p.cfg.Currency
	}
	if pay.Charge != nil && pay.Charge.RedirectURL != "" {
		data["payment_url"] = pay.Charge.RedirectURL
	}
	return data
}

func (p *TaskProcessor) enqueueEmail(ctx context.Context, schoolID primitive.ObjectID, to, templateID string, data map[string]any) error {
	_, err := p.dispatcher.Dispatch(ctx, EmailDelivery, EmailTaskPayload{
		SchoolID:   schoolID.Hex(),
		To:         to,
		TemplateID: templateID,
		Locale:     p.cfg.DefaultEmailLocale,
		Data:       data,
	})
	return err
}

// HandleInvoiceApplyInterestTask reprices every OVERDUE invoice for the sweep day.
func (p *TaskProcessor) HandleInvoiceApplyInterestTask(ctx context.Context, t *asynq.Task) error {
	day, err := p.sweepDay(t)
	if err != nil {
		return err
	}
	n, err := p.invoices.ApplyInterest(ctx, day)
	if err != nil {
		return fmt.Errorf("interest sweep failed: %w", err)
	}
	log.Printf("Interest sweep finished. Updated %d invoices for %s.", n, day.Format("2006-01-02"))
	return nil
}

// HandleChargeCreateTask issues a gateway charge for a payment and, when asked, emails the payer the
// payment link.
func (p *TaskProcessor) HandleChargeCreateTask(ctx context.Context, t *asynq.Task) error {
	var payload ChargePayload
	if err := decode(t, &payload); err != nil {
		return err
	}
	schoolID, err := primitive.ObjectIDFromHex(payload.SchoolID)
	if err != nil {
		return fmt.Errorf("invalid school id %q: %w", payload.SchoolID, asynq.SkipRetry)
	}
	paymentID, err := primitive.ObjectIDFromHex(payload.PaymentID)
	if err != nil {
		return fmt.Errorf("invalid payment id %q: %w", payload.PaymentID, asynq.SkipRetry)
	}

	current, err := p.payments.Get(ctx, schoolID, paymentID)
	if err != nil {
		return permanent(err)
	}
	if current.Status != billing.StatusOpen {
		// Charged already, or settled/cancelled since the task was queued.
		log.Printf("Payment %s is %s; charge task skipped", paymentID.Hex(), current.Status)
		return nil
	}

	pay, err := p.payments.CreateCharge(ctx, schoolID, paymentID)
	if err != nil {
		log.Printf("Error creating charge for payment %s: %v", paymentID.Hex(), err)
		return permanent(err)
	}
	log.Printf("Charge %s created for payment %s", pay.GatewayOrderID, paymentID.Hex())

	if !payload.Notify || pay.Payer.Email == "" {
		return nil
	}
	amount := pay.Amount
	if pay.Charge != nil {
		amount = pay.Charge.Amount
	}
	if err := p.enqueueEmail(ctx, schoolID, pay.Payer.Email, p.cfg.InvoiceNoticeTemplateID, p.noticeData(pay, amount, pay.DueDate)); err != nil {
		// The charge exists; a retry would only skip it.
		log.Printf("Error queueing invoice notice for payment %s: %v", paymentID.Hex(), err)
	}
	return nil
}

// HandleEmailDeliveryTask renders a notice template and sends it.
func (p *TaskProcessor) HandleEmailDeliveryTask(ctx context.Context, t *asynq.Task) error {
	var payload EmailTaskPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("failed to unmarshal email task payload: %v: %w", err, asynq.SkipRetry)
	}
	if payload.To == "" || payload.TemplateID == "" {
		return fmt.Errorf("email task needs to and template_id: %w", asynq.SkipRetry)
	}
	schoolID := primitive.NilObjectID
	if payload.SchoolID != "" {
		id, err := primitive.ObjectIDFromHex(payload.SchoolID)
		if err != nil {
			return fmt.Errorf("invalid school id %q: %w", payload.SchoolID, asynq.SkipRetry)
		}
		schoolID = id
	}
	locale := payload.Locale
	if locale == "" {
		locale = p.cfg.DefaultEmailLocale
	}

	rendered, err := p.templates.Render(ctx, schoolID, payload.TemplateID, locale, payload.Data)
	if err != nil {
		log.Printf("Error rendering email template %s/%s: %v", payload.TemplateID, locale, err)
		return fmt.Errorf("email template %s unusable: %w", payload.TemplateID, asynq.SkipRetry)
	}

	from := p.cfg.SmtpFromAddress
	if from == "" {
		from = "noreply@example.com"
		log.Printf("Warning: SmtpFromAddress not configured, using fallback %s for email to %s", from, payload.To)
	}
	raw, err := email.Compose(email.Message{
		From:       from,
		To:         []string{payload.To},
		Subject:    rendered.Subject,
		Body:       rendered.Body,
		TemplateID: rendered.TemplateID,
		Date:       p.now(),
	})
	if err != nil {
		return fmt.Errorf("failed to compose email: %v: %w", err, asynq.SkipRetry)
	}

	if err := p.sender.Send(ctx, []string{payload.To}, rendered.Subject, raw); err != nil {
		log.Printf("Email sending to %s failed: %v", payload.To, err)
		return err
	}
	log.Printf("Email task processed successfully: To=%s, Template=%s", payload.To, payload.TemplateID)
	return nil
}
