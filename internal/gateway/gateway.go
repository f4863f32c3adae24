package gateway

import (
	"context"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// ErrInvalidSignature is returned when a notification does not carry the expected signature.
var ErrInvalidSignature = errors.New("invalid notification signature")

// Customer is the payer shown on the gateway checkout page.
type Customer struct {
	Name  string
	Email string
	Phone string
}

// ChargeRequest asks the gateway for a checkout session. Amount is in minor units.
type ChargeRequest struct {
	OrderID     string
	Amount      int64
	Description string
	Customer    Customer
	ExpiryHours int
}

// ChargeResult is the checkout session the payer is sent to.
type ChargeResult struct {
	Token       string
	RedirectURL string
}

// IGateway issues charges and authenticates their notifications.
type IGateway interface {
	Name() string
	CreateCharge(ctx context.Context, req ChargeRequest) (*ChargeResult, error)
	VerifyNotification(n Notification) error
}

// Outcome is what a notification means for the payable it refers to.
type Outcome string

const (
	OutcomePaid      Outcome = "paid"
	OutcomePending   Outcome = "pending"
	OutcomeChallenge Outcome = "challenge"
	OutcomeFailed    Outcome = "failed"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeExpired   Outcome = "expired"
	OutcomeRefunded  Outcome = "refunded"
	OutcomeUnknown   Outcome = "unknown"
)

// Notification is the body of a payment status callback.
type Notification struct {
	TransactionTime   string `json:"transaction_time"`
	TransactionStatus string `json:"transaction_status"`
	TransactionID     string `json:"transaction_id"`
	StatusCode        string `json:"status_code"`
	SignatureKey      string `json:"signature_key"`
	OrderID           string `json:"order_id"`
	GrossAmount       string `json:"gross_amount"`
	PaymentType       string `json:"payment_type"`
	FraudStatus       string `json:"fraud_status"`
	SettlementTime    string `json:"settlement_time"`
}

// Outcome maps the gateway's transaction status onto what happened to the payment. A card capture
// only counts as paid once fraud screening accepts it.
func (n Notification) Outcome() Outcome {
	fraud := strings.ToLower(n.FraudStatus)
	switch strings.ToLower(n.TransactionStatus) {
	case "capture":
		switch fraud {
		case "accept", "":
			return OutcomePaid
		case "challenge":
			return OutcomeChallenge
		}
		return OutcomeFailed
	case "settlement":
		return OutcomePaid
	case "pending":
		return OutcomePending
	case "deny", "failure":
		return OutcomeFailed
	case "cancel":
		return OutcomeCancelled
	case "expire":
		return OutcomeExpired
	case "refund", "partial_refund":
		return OutcomeRefunded
	}
	return OutcomeUnknown
}

// Signature computes SHA512(order_id + status_code + gross_amount + server_key) as lowercase hex.
func Signature(orderID, statusCode, grossAmount, serverKey string) string {
	sum := sha512.Sum512([]byte(orderID + statusCode + grossAmount + serverKey))
	return hex.EncodeToString(sum[:])
}

// VerifySignature checks n against serverKey.
func VerifySignature(n Notification, serverKey string) error {
	want := strings.ToLower(strings.TrimSpace(n.SignatureKey))
	if want == "" {
		return ErrInvalidSignature
	}
	got := Signature(n.OrderID, n.StatusCode, n.GrossAmount, serverKey)
	if subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
		return ErrInvalidSignature
	}
	return nil
}

// Amounts converts between stored minor units and the whole-unit amounts the gateway exchanges.
type Amounts struct {
	Exponent int32
}

// ToGross converts minor units to the gateway's whole-unit amount, rounding half-up.
func (a Amounts) ToGross(minor int64) int64 {
	return decimal.New(minor, -a.Exponent).Round(0).IntPart()
}

// FromGross parses a gateway amount such as "150000.00" into minor units.
func (a Amounts) FromGross(gross string) (int64, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(gross))
	if err != nil {
		return 0, fmt.Errorf("invalid gross_amount %q: %w", gross, err)
	}
	return d.Shift(a.Exponent).Round(0).IntPart(), nil
}
