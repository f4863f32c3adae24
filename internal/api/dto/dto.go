// Package dto holds the response shapes of the HTTP API. Every value is a snapshot copied out of a
// model, so handlers never hand stored documents to the encoder.
package dto

import (
	"time"

	"greendrake/tuition/internal/billing"
	"greendrake/tuition/internal/models"
)

const dateLayout = "2006-01-02"

func date(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(dateLayout)
}

func optDate(t *time.Time) string {
	if t == nil {
		return ""
	}
	return date(*t)
}

func hexOrEmpty[T interface{ Hex() string }](id *T) string {
	if id == nil {
		return ""
	}
	return (*id).Hex()
}

type Person struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	Phone string `json:"phone,omitempty"`
}

func fromPerson(p models.Person) Person {
	return Person{Name: p.Name, Email: p.Email, Phone: p.Phone}
}

type EarlyDiscount struct {
	ID                 string               `json:"id"`
	DiscountType       billing.DiscountType `json:"discount_type"`
	Percentage         *billing.Percent     `json:"percentage,omitempty"`
	FlatAmount         *int64               `json:"flat_amount,omitempty"`
	DaysBeforeDeadline int                  `json:"days_before_deadline"`
}

func fromDiscounts(in []models.EarlyDiscount) []EarlyDiscount {
	out := make([]EarlyDiscount, 0, len(in))
	for _, d := range in {
		e := EarlyDiscount{ID: d.ID.Hex(), DiscountType: d.DiscountType, DaysBeforeDeadline: d.DaysBeforeDeadline}
		if d.Percentage != nil {
			v := *d.Percentage
			e.Percentage = &v
		}
		if d.FlatAmount != nil {
			v := *d.FlatAmount
			e.FlatAmount = &v
		}
		out = append(out, e)
	}
	return out
}

type InterestConfig struct {
	DelayInterestPercentage    billing.Percent `json:"delay_interest_percentage"`
	DelayInterestPerDayDelayed billing.Percent `json:"delay_interest_per_day_delayed"`
}

type Document struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	ContentType string    `json:"content_type"`
	UploadedAt  time.Time `json:"uploaded_at"`
}

type Contract struct {
	ID             string          `json:"id"`
	StudentID      string          `json:"student_id"`
	Guardian       Person          `json:"guardian"`
	MonthlyAmount  int64           `json:"monthly_amount"`
	Currency       string          `json:"currency"`
	StartDate      string          `json:"start_date"`
	EndDate        string          `json:"end_date,omitempty"`
	PaymentDays    []int           `json:"payment_days"`
	InterestConfig *InterestConfig `json:"interest_config,omitempty"`
	EarlyDiscounts []EarlyDiscount `json:"early_discounts"`
	Documents      []Document      `json:"documents"`
	Active         bool            `json:"active"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// FromContract snapshots a contract.
func FromContract(c *models.Contract) Contract {
	out := Contract{
		ID:             c.ID.Hex(),
		StudentID:      c.StudentID.Hex(),
		Guardian:       fromPerson(c.Guardian),
		MonthlyAmount:  c.MonthlyAmount,
		Currency:       c.Currency,
		StartDate:      date(c.StartDate),
		EndDate:        optDate(c.EndDate),
		PaymentDays:    c.SortedPaymentDays(),
		EarlyDiscounts: fromDiscounts(c.EarlyDiscounts),
		Documents:      make([]Document, 0, len(c.Documents)),
		Active:         c.Lifecycle.IsActive,
		CreatedAt:      c.CreatedAt,
		UpdatedAt:      c.UpdatedAt,
	}
	if c.InterestConfig != nil {
		out.InterestConfig = &InterestConfig{
			DelayInterestPercentage:    c.InterestConfig.DelayInterestPercentage,
			DelayInterestPerDayDelayed: c.InterestConfig.DelayInterestPerDayDelayed,
		}
	}
	for _, d := range c.Documents {
		out.Documents = append(out.Documents, Document{ID: d.ID.Hex(), Name: d.Name, ContentType: d.ContentType, UploadedAt: d.UploadedAt})
	}
	return out
}

type Agreement struct {
	ID                      string              `json:"id"`
	StudentID               string              `json:"student_id"`
	Guardian                Person              `json:"guardian"`
	TotalAmount             int64               `json:"total_amount"`
	Currency                string              `json:"currency"`
	Installments            int                 `json:"installments"`
	StartDate               string              `json:"start_date"`
	PaymentDay              int                 `json:"payment_day"`
	BillingType             models.BillingType  `json:"billing_type"`
	FinePercentage          billing.Percent     `json:"fine_percentage"`
	DailyInterestPercentage billing.Percent     `json:"daily_interest_percentage"`
	EarlyDiscounts          []EarlyDiscount     `json:"early_discounts"`
	RenegotiatedInvoiceIDs  []string            `json:"renegotiated_invoice_ids"`
	Active                  bool                `json:"active"`
	CreatedAt               time.Time           `json:"created_at"`
	IssuedInvoices          []Invoice           `json:"issued_invoices,omitempty"`
}

// FromAgreement snapshots an agreement and, optionally, the invoices issued with it.
func FromAgreement(a *models.Agreement, issued []models.Invoice) Agreement {
	out := Agreement{
		ID:                      a.ID.Hex(),
		StudentID:               a.StudentID.Hex(),
		Guardian:                fromPerson(a.Guardian),
		TotalAmount:             a.TotalAmount,
		Currency:                a.Currency,
		Installments:            a.Installments,
		StartDate:               date(a.StartDate),
		PaymentDay:              a.PaymentDay,
		BillingType:             a.BillingType,
		FinePercentage:          a.FinePercentage,
		DailyInterestPercentage: a.DailyInterestPercentage,
		EarlyDiscounts:          fromDiscounts(a.EarlyDiscounts),
		RenegotiatedInvoiceIDs:  make([]string, 0, len(a.RenegotiatedInvoiceIDs)),
		Active:                  a.Lifecycle.IsActive,
		CreatedAt:               a.CreatedAt,
	}
	for _, id := range a.RenegotiatedInvoiceIDs {
		out.RenegotiatedInvoiceIDs = append(out.RenegotiatedInvoiceIDs, id.Hex())
	}
	if len(issued) > 0 {
		out.IssuedInvoices = FromInvoices(issued)
	}
	return out
}

type Charge struct {
	OrderID     string `json:"order_id"`
	Token       string `json:"token,omitempty"`
	RedirectURL string `json:"redirect_url,omitempty"`
	Amount      int64  `json:"amount"`
}

func fromCharge(c *models.Charge) *Charge {
	if c == nil {
		return nil
	}
	return &Charge{OrderID: c.OrderID, Token: c.Token, RedirectURL: c.RedirectURL, Amount: c.Amount}
}

type StatusChange struct {
	From   billing.Status `json:"from"`
	To     billing.Status `json:"to"`
	Event  billing.Event  `json:"event"`
	At     time.Time      `json:"at"`
	Reason string         `json:"reason,omitempty"`
}

func fromHistory(in []models.StatusChange) []StatusChange {
	out := make([]StatusChange, 0, len(in))
	for _, h := range in {
		out = append(out, StatusChange(h))
	}
	return out
}

type Invoice struct {
	ID             string             `json:"id"`
	StudentID      string             `json:"student_id"`
	ContractID     string             `json:"contract_id,omitempty"`
	AgreementID    string             `json:"agreement_id,omitempty"`
	Installment    int                `json:"installment,omitempty"`
	Period         string             `json:"period,omitempty"`
	Type           models.InvoiceType `json:"type"`
	Status         billing.Status     `json:"status"`
	Amount         int64              `json:"amount"`
	AmountDue      int64              `json:"amount_due"`
	InterestAmount int64              `json:"interest_amount"`
	PaidAmount     int64              `json:"paid_amount"`
	Currency       string             `json:"currency"`
	DueDate        string             `json:"due_date"`
	PaidAt         *time.Time         `json:"paid_at,omitempty"`
	Charge         *Charge            `json:"charge,omitempty"`
	History        []StatusChange     `json:"status_history"`
}

// FromInvoice snapshots an invoice.
func FromInvoice(inv *models.Invoice) Invoice {
	out := Invoice{
		ID:             inv.ID.Hex(),
		StudentID:      inv.StudentID.Hex(),
		ContractID:     hexOrEmpty(inv.ContractID),
		AgreementID:    hexOrEmpty(inv.AgreementID),
		Installment:    inv.Installment,
		Period:         inv.Period,
		Type:           inv.Type,
		Status:         inv.Status,
		Amount:         inv.Amount,
		AmountDue:      inv.AmountDue,
		InterestAmount: inv.InterestAmount,
		PaidAmount:     inv.PaidAmount,
		Currency:       inv.Currency,
		DueDate:        date(inv.DueDate),
		Charge:         fromCharge(inv.Charge),
		History:        fromHistory(inv.StatusHistory),
	}
	if inv.PaidAt != nil {
		t := *inv.PaidAt
		out.PaidAt = &t
	}
	return out
}

// FromInvoices snapshots a list of invoices.
func FromInvoices(in []models.Invoice) []Invoice {
	out := make([]Invoice, 0, len(in))
	for i := range in {
		out = append(out, FromInvoice(&in[i]))
	}
	return out
}

type StudentPayment struct {
	ID            string                `json:"id"`
	StudentID     string                `json:"student_id"`
	InvoiceID     string                `json:"invoice_id,omitempty"`
	PaymentType   models.PaymentType    `json:"payment_type"`
	Payer         Person                `json:"payer"`
	Description   string                `json:"description"`
	Amount        int64                 `json:"amount"`
	Currency      string                `json:"currency"`
	DiscountType  *billing.DiscountType `json:"discount_type,omitempty"`
	DiscountValue int64                 `json:"discount_value,omitempty"`
	DueDate       string                `json:"due_date"`
	Status        billing.Status        `json:"status"`
	PaidAmount    int64                 `json:"paid_amount"`
	PaidAt        *time.Time            `json:"paid_at,omitempty"`
	Charge        *Charge               `json:"charge,omitempty"`
	History       []StatusChange        `json:"status_history"`
}

// FromPayment snapshots a student payment.
func FromPayment(p *models.StudentPayment) StudentPayment {
	out := StudentPayment{
		ID:            p.ID.Hex(),
		StudentID:     p.StudentID.Hex(),
		InvoiceID:     hexOrEmpty(p.InvoiceID),
		PaymentType:   p.PaymentType,
		Payer:         fromPerson(p.Payer),
		Description:   p.Description,
		Amount:        p.Amount,
		Currency:      p.Currency,
		DiscountValue: p.DiscountValue,
		DueDate:       date(p.DueDate),
		Status:        p.Status,
		PaidAmount:    p.PaidAmount,
		Charge:        fromCharge(p.Charge),
		History:       fromHistory(p.StatusHistory),
	}
	if p.DiscountType != nil {
		dt := *p.DiscountType
		out.DiscountType = &dt
	}
	if p.PaidAt != nil {
		t := *p.PaidAt
		out.PaidAt = &t
	}
	return out
}

// FromPayments snapshots a list of student payments.
func FromPayments(in []models.StudentPayment) []StudentPayment {
	out := make([]StudentPayment, 0, len(in))
	for i := range in {
		out = append(out, FromPayment(&in[i]))
	}
	return out
}

// Quote is what a payer owes on a given day and how it was reached.
type Quote struct {
	EvaluationDate string `json:"evaluation_date"`
	BaseAmount     int64  `json:"base_amount"`
	ManualDiscount int64  `json:"manual_discount"`
	EarlyDiscount  int64  `json:"early_discount"`
	Fine           int64  `json:"fine"`
	Interest       int64  `json:"interest"`
	Total          int64  `json:"total"`
	Timing         string `json:"timing"`
	DaysEarly      int    `json:"days_early"`
	DaysLate       int    `json:"days_late"`
}

// FromQuote snapshots a calculation result.
func FromQuote(at time.Time, r billing.Result) Quote {
	return Quote{
		EvaluationDate: date(at),
		BaseAmount:     r.BaseAmount,
		ManualDiscount: r.ManualDiscount,
		EarlyDiscount:  r.EarlyDiscount,
		Fine:           r.Fine,
		Interest:       r.Interest,
		Total:          r.Total,
		Timing:         string(r.Timing),
		DaysEarly:      r.DaysEarly,
		DaysLate:       r.DaysLate,
	}
}

// Document upload: where to PUT the file.
type DocumentUpload struct {
	Document  Document `json:"document"`
	UploadURL string   `json:"upload_url"`
}

// FromDocument snapshots a new contract document with its presigned upload URL.
func FromDocument(d *models.ContractDocument, uploadURL string) DocumentUpload {
	return DocumentUpload{
		Document:  Document{ID: d.ID.Hex(), Name: d.Name, ContentType: d.ContentType, UploadedAt: d.UploadedAt},
		UploadURL: uploadURL,
	}
}
