package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"greendrake/tuition/internal/billing"
)

// PaymentType classifies what a student payment is for.
type PaymentType string

const (
	PaymentTuition              PaymentType = "TUITION"
	PaymentAgreementInstallment PaymentType = "AGREEMENT_INSTALLMENT"
	PaymentExtraClass           PaymentType = "EXTRA_CLASS"
	PaymentStore                PaymentType = "STORE"
	PaymentSubscription         PaymentType = "SUBSCRIPTION"
	PaymentOther                PaymentType = "OTHER"
)

var paymentTypes = map[PaymentType]struct{}{
	PaymentTuition:              {},
	PaymentAgreementInstallment: {},
	PaymentExtraClass:           {},
	PaymentStore:                {},
	PaymentSubscription:         {},
	PaymentOther:                {},
}

// Valid reports whether t is a known payment type.
func (t PaymentType) Valid() bool {
	_, ok := paymentTypes[t]
	return ok
}

// StudentPayment is a payable entity. Payments created by invoice generation point back at their
// invoice; standalone payments (store, extra classes, legacy charges) have none.
type StudentPayment struct {
	Base                   `bson:",inline"`
	StudentID              primitive.ObjectID    `bson:"student_id" json:"student_id"`
	InvoiceID              *primitive.ObjectID   `bson:"invoice_id,omitempty" json:"invoice_id,omitempty"`
	PaymentType            PaymentType           `bson:"payment_type" json:"payment_type"`
	ExtraClassEnrollmentID *primitive.ObjectID   `bson:"extra_class_enrollment_id,omitempty" json:"extra_class_enrollment_id,omitempty"`
	Payer                  Person                `bson:"payer" json:"payer"`
	Description            string                `bson:"description" json:"description"`
	Amount                 int64                 `bson:"amount" json:"amount"`
	Currency               string                `bson:"currency" json:"currency"`
	DiscountType           *billing.DiscountType `bson:"discount_type,omitempty" json:"discount_type,omitempty"`
	DiscountValue          int64                 `bson:"discount_value" json:"discount_value"`
	DueDate                time.Time             `bson:"due_date" json:"due_date"`
	Status                 billing.Status        `bson:"status" json:"status"`
	Charge                 *Charge               `bson:"charge,omitempty" json:"charge,omitempty"`
	GatewayOrderID         string                `bson:"gateway_order_id,omitempty" json:"gateway_order_id,omitempty"`
	OrderIDs               []string              `bson:"order_ids,omitempty" json:"order_ids,omitempty"`
	PaidAt                 *time.Time            `bson:"paid_at,omitempty" json:"paid_at,omitempty"`
	PaidAmount             int64                 `bson:"paid_amount" json:"paid_amount"`
	CancelledAt            *time.Time            `bson:"cancelled_at,omitempty" json:"cancelled_at,omitempty"`
	StatusHistory          []StatusChange        `bson:"status_history" json:"status_history"`
	Lifecycle              Lifecycle             `bson:"lifecycle" json:"lifecycle"`
}

// ManualDiscount returns the payment's own discount in calculator form, or nil when it has none.
func (p *StudentPayment) ManualDiscount() *billing.Discount {
	if p.DiscountType == nil {
		return nil
	}
	return &billing.Discount{Type: *p.DiscountType, Value: p.DiscountValue}
}

// ValidateType enforces that an extra-class enrollment is referenced exactly when the payment is for
// an extra class.
func (p *StudentPayment) ValidateType() error {
	if !p.PaymentType.Valid() {
		return billing.NewValidationError("payment_type", "is not a known payment type")
	}
	hasEnrollment := p.ExtraClassEnrollmentID != nil && !p.ExtraClassEnrollmentID.IsZero()
	if p.PaymentType == PaymentExtraClass && !hasEnrollment {
		return billing.NewValidationError("extra_class_enrollment_id", "is required for EXTRA_CLASS payments")
	}
	if p.PaymentType != PaymentExtraClass && hasEnrollment {
		return billing.NewValidationError("extra_class_enrollment_id", "is only allowed for EXTRA_CLASS payments")
	}
	return nil
}
