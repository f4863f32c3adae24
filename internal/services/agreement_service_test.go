package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"greendrake/tuition/internal/billing"
	"greendrake/tuition/internal/models"
)

func TestAgreementService_UpfrontRenegotiates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.newContract(t)
	inv, p := f.issueMarch(t, c)

	a, issued, err := f.agreements.Create(ctx, f.school, CreateAgreementInput{
		StudentID:      c.StudentID,
		Guardian:       guardian(),
		InvoiceIDs:     []primitive.ObjectID{inv.ID},
		Installments:   3,
		StartDate:      day(2024, 3, 1),
		PaymentDay:     15,
		BillingType:    models.BillingUpfront,
		FinePercentage: billing.MustPercent("2"),
	})
	require.NoError(t, err)
	// Quoted on 1 March, nine days early, so the 5% tier applies.
	assert.Equal(t, int64(95000), a.TotalAmount)
	require.Len(t, issued, 3)
	assert.Equal(t, day(2024, 3, 15), issued[0].DueDate)
	assert.Equal(t, day(2024, 5, 15), issued[2].DueDate)
	var sum int64
	for _, i := range issued {
		sum += i.Amount
		assert.Equal(t, models.InvoiceUpfront, i.Type)
		require.NotNil(t, i.AgreementID)
	}
	assert.Equal(t, a.TotalAmount, sum)

	old, err := f.invoices.Get(ctx, f.school, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, billing.StatusRenegotiated, old.Status)
	require.NotNil(t, old.RenegotiatedInto)
	assert.Equal(t, a.ID, *old.RenegotiatedInto)

	oldPayment, err := f.payments.Get(ctx, f.school, p.ID)
	require.NoError(t, err)
	assert.Equal(t, billing.StatusRenegotiated, oldPayment.Status)

	again, err := f.invoices.GenerateAgreementInstallments(ctx, a, nil)
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestAgreementService_MonthlyDefersInstallments(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a, issued, err := f.agreements.Create(ctx, f.school, CreateAgreementInput{
		StudentID:    primitive.NewObjectID(),
		Guardian:     guardian(),
		TotalAmount:  120000,
		Installments: 4,
		StartDate:    day(2024, 3, 20),
		PaymentDay:   5,
		BillingType:  models.BillingMonthly,
	})
	require.NoError(t, err)
	assert.Empty(t, issued)

	monthly, err := f.agreements.ListActiveMonthly(ctx)
	require.NoError(t, err)
	require.Len(t, monthly, 1)

	horizon := day(2024, 4, 30)
	created, err := f.invoices.GenerateAgreementInstallments(ctx, &monthly[0], &horizon)
	require.NoError(t, err)
	require.Len(t, created, 1, "day 5 already passed in March, so the first installment is in April")
	assert.Equal(t, day(2024, 4, 5), created[0].DueDate)
	assert.Equal(t, int64(30000), created[0].Amount)
	assert.Equal(t, 1, created[0].Installment)

	_, err = f.agreements.Get(ctx, primitive.NewObjectID(), a.ID)
	assert.ErrorIs(t, err, billing.ErrNotFound)
}

func TestAgreementService_RejectsSettledInvoices(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.newContract(t)
	inv, _ := f.issueMarch(t, c)
	_, err := f.invoices.MarkPaid(ctx, f.school, inv.ID, Receipt{})
	require.NoError(t, err)

	_, _, err = f.agreements.Create(ctx, f.school, CreateAgreementInput{
		StudentID:    c.StudentID,
		Guardian:     guardian(),
		InvoiceIDs:   []primitive.ObjectID{inv.ID},
		Installments: 2,
		StartDate:    day(2024, 3, 1),
		PaymentDay:   15,
		BillingType:  models.BillingUpfront,
	})
	assert.ErrorIs(t, err, billing.ErrInvalidTransition)

	list, err := f.agreements.List(ctx, f.school, AgreementFilter{})
	require.NoError(t, err)
	assert.Empty(t, list)
}

// payingInvoices settles one invoice just before it is renegotiated, as a payer racing the agreement would.
type payingInvoices struct {
	IInvoiceService
	target primitive.ObjectID
	fired  bool
}

func (p *payingInvoices) Renegotiate(ctx context.Context, schoolID, id, agreementID primitive.ObjectID) error {
	if id == p.target && !p.fired {
		p.fired = true
		if _, err := p.IInvoiceService.MarkPaid(context.Background(), schoolID, id, Receipt{}); err != nil {
			return err
		}
	}
	return p.IInvoiceService.Renegotiate(ctx, schoolID, id, agreementID)
}

func TestAgreementService_PaidMidwayLeavesNothingRenegotiated(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.newContract(t)
	march, marchPayment := f.issueMarch(t, c)
	aprils, err := f.invoices.GenerateForContract(ctx, c, billing.Period{Year: 2024, Month: time.April}, day(2024, 4, 30))
	require.NoError(t, err)
	require.Len(t, aprils, 1)
	april := aprils[0]

	racing := &payingInvoices{IInvoiceService: f.invoices, target: april.ID}
	agreements := NewAgreementService(f.db, f.cfg, racing, f.clock.now)
	_, _, err = agreements.Create(ctx, f.school, CreateAgreementInput{
		StudentID:    c.StudentID,
		Guardian:     guardian(),
		InvoiceIDs:   []primitive.ObjectID{march.ID, april.ID},
		Installments: 2,
		StartDate:    day(2024, 3, 1),
		PaymentDay:   15,
		BillingType:  models.BillingUpfront,
	})
	assert.ErrorIs(t, err, billing.ErrInvalidTransition)
	require.True(t, racing.fired)

	// The March invoice was renegotiated before April failed; that write is rolled back too.
	got, err := f.invoices.Get(ctx, f.school, march.ID)
	require.NoError(t, err)
	assert.Equal(t, billing.StatusOpen, got.Status)
	assert.Nil(t, got.RenegotiatedInto)
	payment, err := f.payments.Get(ctx, f.school, marchPayment.ID)
	require.NoError(t, err)
	assert.Equal(t, billing.StatusOpen, payment.Status)

	got, err = f.invoices.Get(ctx, f.school, april.ID)
	require.NoError(t, err)
	assert.Equal(t, billing.StatusPaid, got.Status)

	list, err := f.agreements.List(ctx, f.school, AgreementFilter{})
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestAgreementService_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	in := CreateAgreementInput{
		StudentID:    primitive.NewObjectID(),
		Guardian:     guardian(),
		Installments: 2,
		StartDate:    day(2024, 3, 1),
		PaymentDay:   15,
		BillingType:  models.BillingMonthly,
	}

	_, _, err := f.agreements.Create(ctx, f.school, in)
	assert.True(t, billing.IsValidationError(err), "no invoices and no total: %v", err)

	in.TotalAmount = 1000
	in.Installments = 37
	_, _, err = f.agreements.Create(ctx, f.school, in)
	assert.True(t, billing.IsValidationError(err))

	in.Installments = 2
	in.BillingType = "WEEKLY"
	_, _, err = f.agreements.Create(ctx, f.school, in)
	assert.True(t, billing.IsValidationError(err))

	in.BillingType = models.BillingMonthly
	a, _, err := f.agreements.Create(ctx, f.school, in)
	require.NoError(t, err)

	flat := int64(100)
	updated, err := f.agreements.AddEarlyDiscount(ctx, f.school, a.ID, EarlyDiscountInput{DiscountType: billing.DiscountFlat, FlatAmount: &flat, DaysBeforeDeadline: 3})
	require.NoError(t, err)
	require.Len(t, updated.EarlyDiscounts, 1)
	updated, err = f.agreements.RemoveEarlyDiscount(ctx, f.school, a.ID, updated.EarlyDiscounts[0].ID)
	require.NoError(t, err)
	assert.Empty(t, updated.EarlyDiscounts)
}
