package gateway

import (
	"context"
	"fmt"
	"log"
	"strings"
	"unicode/utf8"

	"github.com/midtrans/midtrans-go"
	"github.com/midtrans/midtrans-go/snap"

	"greendrake/tuition/internal/config"
)

const ProviderMidtrans = "midtrans"

// midtransGateway implements IGateway with Midtrans Snap.
type midtransGateway struct {
	client    snap.Client
	serverKey string
	amounts   Amounts
}

// NewMidtransGateway creates a Snap-backed gateway for the configured environment.
func NewMidtransGateway(cfg *config.Config) IGateway {
	g := &midtransGateway{
		serverKey: cfg.MidtransServerKey,
		amounts:   Amounts{Exponent: int32(cfg.CurrencyExponent)},
	}
	env := midtrans.Sandbox
	if cfg.MidtransProduction {
		env = midtrans.Production
	}
	g.client.New(cfg.MidtransServerKey, env)
	return g
}

func (g *midtransGateway) Name() string { return ProviderMidtrans }

// CreateCharge implements IGateway.
func (g *midtransGateway) CreateCharge(ctx context.Context, req ChargeRequest) (*ChargeResult, error) {
	gross := g.amounts.ToGross(req.Amount)
	if gross <= 0 {
		return nil, fmt.Errorf("charge amount must be positive, got %d", req.Amount)
	}
	if req.OrderID == "" {
		return nil, fmt.Errorf("order id is required")
	}

	first, last := splitName(req.Customer.Name)
	snapReq := &snap.Request{
		TransactionDetails: midtrans.TransactionDetails{
			OrderID:  req.OrderID,
			GrossAmt: gross,
		},
		CustomerDetail: &midtrans.CustomerDetails{
			FName: first,
			LName: last,
			Email: req.Customer.Email,
			Phone: req.Customer.Phone,
		},
		Items: &[]midtrans.ItemDetails{{
			ID:    req.OrderID,
			Price: gross,
			Qty:   1,
			Name:  truncate(req.Description, 50),
		}},
	}
	if req.ExpiryHours > 0 {
		snapReq.Expiry = &snap.ExpiryDetails{Unit: "hour", Duration: int64(req.ExpiryHours)}
	}

	resp, mErr := g.client.CreateTransaction(snapReq)
	if mErr != nil {
		return nil, fmt.Errorf("midtrans create transaction %s: %w", req.OrderID, mErr)
	}
	log.Printf("Midtrans charge created for order %s", req.OrderID)
	return &ChargeResult{Token: resp.Token, RedirectURL: resp.RedirectURL}, nil
}

// VerifyNotification implements IGateway.
func (g *midtransGateway) VerifyNotification(n Notification) error {
	return VerifySignature(n, g.serverKey)
}

func splitName(name string) (string, string) {
	name = strings.TrimSpace(name)
	if i := strings.LastIndex(name, " "); i > 0 {
		return name[:i], name[i+1:]
	}
	return name, ""
}

// truncate shortens s to at most n characters, never splitting one.
func truncate(s string, n int) string {
	if s == "" {
		return "Tuition payment"
	}
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
