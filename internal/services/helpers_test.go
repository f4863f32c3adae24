package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"

	"greendrake/tuition/internal/billing"
	"greendrake/tuition/internal/config"
	"greendrake/tuition/internal/gateway"
	"greendrake/tuition/internal/models"
	"greendrake/tuition/internal/utils"
)

const testServerKey = "SB-Mid-server-test"

func testConfig() *config.Config {
	return &config.Config{
		AppName:             "Tuition",
		Currency:            "IDR",
		CurrencyExponent:    2,
		InvoiceLeadDays:     10,
		ChargeExpiryHours:   72,
		WebhookDedupeTTL:    time.Hour,
		DefaultListPageSize: 50,
		MaxListPageSize:     200,
		DefaultEmailLocale:  "en-US",
		MidtransServerKey:   testServerKey,
	}
}

// fixedClock returns a Clock stuck at t; advance moves it.
type fixedClock struct {
	t time.Time
}

func (c *fixedClock) now() time.Time          { return c.t }
func (c *fixedClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// mockGateway records charge requests.
type mockGateway struct {
	mock.Mock
}

func (m *mockGateway) Name() string { return gateway.ProviderMidtrans }

func (m *mockGateway) CreateCharge(ctx context.Context, req gateway.ChargeRequest) (*gateway.ChargeResult, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*gateway.ChargeResult), args.Error(1)
}

func (m *mockGateway) VerifyNotification(n gateway.Notification) error {
	return gateway.VerifySignature(n, testServerKey)
}

// memDeduper is an in-process IDeduper.
type memDeduper struct {
	claimed map[string]bool
}

func newMemDeduper() *memDeduper { return &memDeduper{claimed: map[string]bool{}} }

func (d *memDeduper) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if d.claimed[key] {
		return false, nil
	}
	d.claimed[key] = true
	return true, nil
}

func (d *memDeduper) Release(ctx context.Context, key string) error {
	delete(d.claimed, key)
	return nil
}

// fixture wires every service over one throwaway database.
type fixture struct {
	db         *mongo.Database
	cfg        *config.Config
	clock      *fixedClock
	gw         *mockGateway
	school     primitive.ObjectID
	contracts  IContractService
	invoices   IInvoiceService
	payments   IStudentPaymentService
	agreements IAgreementService
	confirm    IPaymentConfirmationService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	database := utils.SetupTestDB(t)
	cfg := testConfig()
	clock := &fixedClock{t: day(2024, 3, 1)}
	gw := new(mockGateway)
	f := &fixture{db: database, cfg: cfg, clock: clock, gw: gw, school: primitive.NewObjectID()}
	f.contracts = NewContractService(database, cfg, nil, clock.now)
	f.invoices = NewInvoiceService(database, cfg, clock.now)
	f.payments = NewStudentPaymentService(database, cfg, gw, clock.now)
	f.agreements = NewAgreementService(database, cfg, f.invoices, clock.now)
	f.confirm = NewPaymentConfirmationService(database, cfg, gw, f.payments, newMemDeduper(), clock.now)
	return f
}

func guardian() models.Person {
	return models.Person{Name: "Siti Rahma", Email: "siti@example.com", Phone: "+628123456789"}
}

// newContract creates a contract of 100000 due on day 10 with a 5% discount for paying 5 days early.
func (f *fixture) newContract(t *testing.T) *models.Contract {
	t.Helper()
	five := billing.MustPercent("5")
	c, err := f.contracts.Create(context.Background(), f.school, CreateContractInput{
		StudentID:     primitive.NewObjectID(),
		Guardian:      guardian(),
		MonthlyAmount: 100000,
		StartDate:     day(2024, 1, 1),
		PaymentDays:   []int{10},
		EarlyDiscounts: []EarlyDiscountInput{{
			DiscountType:       billing.DiscountPercentage,
			Percentage:         &five,
			DaysBeforeDeadline: 5,
		}},
	})
	require.NoError(t, err)
	return c
}

// issueMarch generates the contract's March 2024 invoice and returns it with its payment.
func (f *fixture) issueMarch(t *testing.T, c *models.Contract) (*models.Invoice, *models.StudentPayment) {
	t.Helper()
	ctx := context.Background()
	created, err := f.invoices.GenerateForContract(ctx, c, billing.Period{Year: 2024, Month: time.March}, day(2024, 3, 31))
	require.NoError(t, err)
	require.Len(t, created, 1)
	p, err := f.payments.FindByInvoice(ctx, f.school, created[0].ID)
	require.NoError(t, err)
	return &created[0], p
}

func (f *fixture) expectCharge(amount int64) {
	f.gw.On("CreateCharge", mock.Anything, mock.MatchedBy(func(req gateway.ChargeRequest) bool {
		return req.Amount == amount
	})).Return(&gateway.ChargeResult{Token: "tok", RedirectURL: "https://pay.example/tok"}, nil)
}
