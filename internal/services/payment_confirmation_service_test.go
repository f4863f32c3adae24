package services

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"

	"greendrake/tuition/internal/billing"
	"greendrake/tuition/internal/db"
	"greendrake/tuition/internal/gateway"
	"greendrake/tuition/internal/models"
)

func notification(t *testing.T, orderID, txID, status, gross string) []byte {
	t.Helper()
	n := gateway.Notification{
		TransactionStatus: status,
		TransactionID:     txID,
		StatusCode:        "200",
		OrderID:           orderID,
		GrossAmount:       gross,
		PaymentType:       "bank_transfer",
		FraudStatus:       "accept",
	}
	n.SignatureKey = gateway.Signature(n.OrderID, n.StatusCode, n.GrossAmount, testServerKey)
	body, err := json.Marshal(n)
	require.NoError(t, err)
	return body
}

func (f *fixture) chargedPayment(t *testing.T) (*models.Invoice, *models.StudentPayment) {
	t.Helper()
	inv, p := f.issueMarch(t, f.newContract(t))
	f.expectCharge(95000)
	p, err := f.payments.CreateCharge(context.Background(), f.school, p.ID)
	require.NoError(t, err)
	return inv, p
}

func TestPaymentConfirmation_SettlementMarksPaid(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	inv, p := f.chargedPayment(t)

	res, err := f.confirm.Confirm(ctx, notification(t, p.GatewayOrderID, "tx-1", "settlement", "950.00"))
	require.NoError(t, err)
	assert.False(t, res.Duplicate)
	assert.Equal(t, models.GatewayEventProcessed, res.Event.Status)
	assert.Equal(t, f.school, res.Event.SchoolID)
	require.NotNil(t, res.Payment)
	assert.Equal(t, billing.StatusPaid, res.Payment.Status)
	assert.Equal(t, int64(95000), res.Payment.PaidAmount)

	gotInv, err := f.invoices.Get(ctx, f.school, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, billing.StatusPaid, gotInv.Status)
	assert.Equal(t, int64(95000), gotInv.PaidAmount)
}

func TestPaymentConfirmation_Redelivery(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, p := f.chargedPayment(t)
	body := notification(t, p.GatewayOrderID, "tx-2", "settlement", "950.00")

	_, err := f.confirm.Confirm(ctx, body)
	require.NoError(t, err)

	res, err := f.confirm.Confirm(ctx, body)
	require.NoError(t, err)
	assert.True(t, res.Duplicate)

	// Without the Redis claim the event index still catches it.
	noDedupe := NewPaymentConfirmationService(f.db, f.cfg, f.gw, f.payments, nil, f.clock.now)
	res, err = noDedupe.Confirm(ctx, body)
	require.NoError(t, err)
	assert.True(t, res.Duplicate)

	n, err := f.db.Collection(db.GatewayEventsCollection).CountDocuments(ctx, bson.M{"transaction_id": "tx-2"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestPaymentConfirmation_OutOfOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, p := f.chargedPayment(t)

	_, err := f.confirm.Confirm(ctx, notification(t, p.GatewayOrderID, "tx-3", "settlement", "950.00"))
	require.NoError(t, err)

	// A late "pending" for the same transaction changes nothing.
	res, err := f.confirm.Confirm(ctx, notification(t, p.GatewayOrderID, "tx-3", "pending", "950.00"))
	require.NoError(t, err)
	assert.Equal(t, models.GatewayEventIgnored, res.Event.Status)

	got, err := f.payments.Get(ctx, f.school, p.ID)
	require.NoError(t, err)
	assert.Equal(t, billing.StatusPaid, got.Status)
}

func TestPaymentConfirmation_Rejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	body := notification(t, "SP-unknown", "tx-4", "settlement", "10.00")
	var n map[string]any
	require.NoError(t, json.Unmarshal(body, &n))
	n["signature_key"] = "deadbeef"
	forged, _ := json.Marshal(n)
	_, err := f.confirm.Confirm(ctx, forged)
	assert.ErrorIs(t, err, gateway.ErrInvalidSignature)

	_, err = f.confirm.Confirm(ctx, []byte("{not json"))
	assert.True(t, billing.IsValidationError(err))

	// An order nobody issued is refused so the gateway delivers it again.
	_, err = f.confirm.Confirm(ctx, body)
	assert.ErrorIs(t, err, ErrUnknownOrder)
	assert.False(t, billing.IsValidationError(err))
	var ev models.GatewayEvent
	require.NoError(t, f.db.Collection(db.GatewayEventsCollection).FindOne(ctx, bson.M{"transaction_id": "tx-4"}).Decode(&ev))
	assert.Equal(t, models.GatewayEventFailed, ev.Status)

	_, err = f.confirm.Confirm(ctx, body)
	assert.ErrorIs(t, err, ErrUnknownOrder, "a failed event is processed again on redelivery")
}

func TestPaymentConfirmation_SupersededOrderSettles(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	inv, first := f.chargedPayment(t)
	firstOrder := first.GatewayOrderID

	// The guardian asks for a fresh link; the first one is still live at the gateway.
	f.clock.advance(24 * time.Hour)
	second, err := f.payments.CreateCharge(ctx, f.school, first.ID)
	require.NoError(t, err)
	require.NotEqual(t, firstOrder, second.GatewayOrderID)
	assert.ElementsMatch(t, []string{firstOrder, second.GatewayOrderID}, second.OrderIDs)

	res, err := f.confirm.Confirm(ctx, notification(t, firstOrder, "tx-6", "settlement", "950.00"))
	require.NoError(t, err)
	assert.Equal(t, models.GatewayEventProcessed, res.Event.Status)
	require.NotNil(t, res.Payment)
	assert.Equal(t, billing.StatusPaid, res.Payment.Status)

	gotInv, err := f.invoices.Get(ctx, f.school, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, billing.StatusPaid, gotInv.Status)

	// The newer link settling afterwards changes nothing.
	res, err = f.confirm.Confirm(ctx, notification(t, second.GatewayOrderID, "tx-7", "settlement", "950.00"))
	require.NoError(t, err)
	assert.Equal(t, "already paid", res.Event.Error)
}

func TestPaymentConfirmation_PaidAfterCancelIsIgnored(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	inv, p := f.chargedPayment(t)
	_, err := f.invoices.Cancel(ctx, f.school, inv.ID, "withdrawn")
	require.NoError(t, err)

	res, err := f.confirm.Confirm(ctx, notification(t, p.GatewayOrderID, "tx-5", "capture", "950.00"))
	require.NoError(t, err)
	assert.Equal(t, models.GatewayEventIgnored, res.Event.Status)
	assert.NotEmpty(t, res.Event.Error)

	got, err := f.payments.Get(ctx, f.school, p.ID)
	require.NoError(t, err)
	assert.Equal(t, billing.StatusCancelled, got.Status)
}
