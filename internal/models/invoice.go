package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"greendrake/tuition/internal/billing"
)

// InvoiceType tells a periodic contract invoice apart from one issued up front by an agreement.
type InvoiceType string

const (
	InvoiceMonthly InvoiceType = "MONTHLY"
	InvoiceUpfront InvoiceType = "UPFRONT"
)

// StatusChange is one entry of an invoice or payment status history.
type StatusChange struct {
	From   billing.Status `bson:"from" json:"from"`
	To     billing.Status `bson:"to" json:"to"`
	Event  billing.Event  `bson:"event" json:"event"`
	At     time.Time      `bson:"at" json:"at"`
	Reason string         `bson:"reason,omitempty" json:"reason,omitempty"`
}

// Charge is the gateway charge issued for a payable entity.
type Charge struct {
	OrderID     string    `bson:"order_id" json:"order_id"`
	Token       string    `bson:"token,omitempty" json:"token,omitempty"`
	RedirectURL string    `bson:"redirect_url,omitempty" json:"redirect_url,omitempty"`
	Amount      int64     `bson:"amount" json:"amount"`
	CreatedAt   time.Time `bson:"created_at" json:"created_at"`
}

// Invoice is a billing unit generated against a contract (one per payment day of a period) or an
// agreement (one per installment). BillingKey is unique and makes generation idempotent.
type Invoice struct {
	Base              `bson:",inline"`
	StudentID         primitive.ObjectID  `bson:"student_id" json:"student_id"`
	ContractID        *primitive.ObjectID `bson:"contract_id,omitempty" json:"contract_id,omitempty"`
	AgreementID       *primitive.ObjectID `bson:"agreement_id,omitempty" json:"agreement_id,omitempty"`
	Installment       int                 `bson:"installment,omitempty" json:"installment,omitempty"`
	Period            string              `bson:"period" json:"period"`
	BillingKey        string              `bson:"billing_key" json:"billing_key"`
	Type              InvoiceType         `bson:"type" json:"type"`
	Status            billing.Status      `bson:"status" json:"status"`
	Amount            int64               `bson:"amount" json:"amount"`
	Currency          string              `bson:"currency" json:"currency"`
	DueDate           time.Time           `bson:"due_date" json:"due_date"`
	AmountDue         int64               `bson:"amount_due" json:"amount_due"`
	InterestAmount    int64               `bson:"interest_amount" json:"interest_amount"`
	InterestAppliedAt *time.Time          `bson:"interest_applied_at,omitempty" json:"interest_applied_at,omitempty"`
	Charge            *Charge             `bson:"charge,omitempty" json:"charge,omitempty"`
	PaidAt            *time.Time          `bson:"paid_at,omitempty" json:"paid_at,omitempty"`
	PaidAmount        int64               `bson:"paid_amount" json:"paid_amount"`
	OverdueAt         *time.Time          `bson:"overdue_at,omitempty" json:"overdue_at,omitempty"`
	OverdueNotified   bool                `bson:"overdue_notified" json:"overdue_notified"`
	CancelledAt       *time.Time          `bson:"cancelled_at,omitempty" json:"cancelled_at,omitempty"`
	RenegotiatedInto  *primitive.ObjectID `bson:"renegotiated_into,omitempty" json:"renegotiated_into,omitempty"`
	StatusHistory     []StatusChange      `bson:"status_history" json:"status_history"`
	Lifecycle         Lifecycle           `bson:"lifecycle" json:"lifecycle"`
}
