package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"greendrake/tuition/internal/billing"
)

// BillingType decides when agreement installments are invoiced.
type BillingType string

const (
	// BillingUpfront issues every installment invoice when the agreement is created.
	BillingUpfront BillingType = "UPFRONT"
	// BillingMonthly lets the generation job issue each installment as it comes due.
	BillingMonthly BillingType = "MONTHLY"
)

// Valid reports whether t is a known billing type.
func (t BillingType) Valid() bool {
	return t == BillingUpfront || t == BillingMonthly
}

const (
	MinInstallments = 1
	MaxInstallments = 36
)

// Agreement consolidates outstanding invoices into an installment plan.
type Agreement struct {
	Base                    `bson:",inline"`
	StudentID               primitive.ObjectID   `bson:"student_id" json:"student_id"`
	Guardian                Person               `bson:"guardian" json:"guardian"`
	TotalAmount             int64                `bson:"total_amount" json:"total_amount"`
	Currency                string               `bson:"currency" json:"currency"`
	Installments            int                  `bson:"installments" json:"installments"`
	StartDate               time.Time            `bson:"start_date" json:"start_date"`
	PaymentDay              int                  `bson:"payment_day" json:"payment_day"`
	BillingType             BillingType          `bson:"billing_type" json:"billing_type"`
	FinePercentage          billing.Percent      `bson:"fine_percentage" json:"fine_percentage"`
	DailyInterestPercentage billing.Percent      `bson:"daily_interest_percentage" json:"daily_interest_percentage"`
	EarlyDiscounts          []EarlyDiscount      `bson:"early_discounts" json:"early_discounts"`
	RenegotiatedInvoiceIDs  []primitive.ObjectID `bson:"renegotiated_invoice_ids" json:"renegotiated_invoice_ids"`
	Lifecycle               Lifecycle            `bson:"lifecycle" json:"lifecycle"`
}

// Interest returns the agreement's late-payment terms in calculator form.
func (a *Agreement) Interest() *billing.InterestConfig {
	return &billing.InterestConfig{
		DelayPercentage:         a.FinePercentage,
		PerDayDelayedPercentage: a.DailyInterestPercentage,
	}
}

// InstallmentAmounts splits the total across installments.
func (a *Agreement) InstallmentAmounts() []int64 {
	return billing.SplitAmount(a.TotalAmount, a.Installments)
}

// InstallmentDueDate returns the due date of the 1-based installment n.
func (a *Agreement) InstallmentDueDate(n int) time.Time {
	return billing.InstallmentDueDate(a.StartDate, a.PaymentDay, n-1)
}
