package gateway

import (
	"context"
	"log"

	"greendrake/tuition/internal/config"
)

// MockGateway accepts every charge without calling out. Notifications are verified with the
// configured server key so webhook flows can still be exercised end to end.
type MockGateway struct {
	serverKey string
}

// NewMockGateway creates a gateway for MOCK_SERVICES mode.
func NewMockGateway(cfg *config.Config) *MockGateway {
	return &MockGateway{serverKey: cfg.MidtransServerKey}
}

func (g *MockGateway) Name() string { return ProviderMidtrans }

// CreateCharge implements IGateway.
func (g *MockGateway) CreateCharge(ctx context.Context, req ChargeRequest) (*ChargeResult, error) {
	log.Printf("Mock charge for order %s (amount %d)", req.OrderID, req.Amount)
	return &ChargeResult{
		Token:       "mock-" + req.OrderID,
		RedirectURL: "https://mock.gateway.local/checkout/" + req.OrderID,
	}, nil
}

// VerifyNotification implements IGateway.
func (g *MockGateway) VerifyNotification(n Notification) error {
	return VerifySignature(n, g.serverKey)
}
