package handlers_test

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"greendrake/tuition/internal/api/dto"
	"greendrake/tuition/internal/api/handlers"
	"greendrake/tuition/internal/billing"
	"greendrake/tuition/internal/gateway"
	"greendrake/tuition/internal/models"
	"greendrake/tuition/internal/services"
)

type paymentFixture struct {
	*harness
	payments *MockStudentPaymentService
}

func newPaymentFixture(t *testing.T) *paymentFixture {
	f := &paymentFixture{payments: new(MockStudentPaymentService)}
	h := handlers.NewRestPaymentHandler(f.payments, fixedClock)
	f.harness = newHarness(t, func(authed, _ *gin.RouterGroup) { h.Register(authed) })
	return f
}

func (f *paymentFixture) payment(status billing.Status) *models.StudentPayment {
	return &models.StudentPayment{
		Base:        models.Base{ID: primitive.NewObjectID(), SchoolID: f.school},
		StudentID:   primitive.NewObjectID(),
		PaymentType: models.PaymentStore,
		Payer:       models.Person{Name: "Ayu", Email: "ayu@example.com"},
		Description: "Uniform",
		Amount:      250000,
		Currency:    "IDR",
		DueDate:     time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC),
		Status:      status,
	}
}

func TestRestPaymentHandler_Create(t *testing.T) {
	f := newPaymentFixture(t)
	p := f.payment(billing.StatusOpen)
	f.payments.On("Create", mock.Anything, f.school, mock.MatchedBy(func(in services.CreatePaymentInput) bool {
		return in.PaymentType == models.PaymentStore && in.Amount == 250000 && in.Payer.Email == "ayu@example.com"
	})).Return(p, nil)

	w := f.do(http.MethodPost, "/v1/student-payments", map[string]any{
		"student_id":   p.StudentID.Hex(),
		"payment_type": "STORE",
		"payer":        map[string]any{"name": "Ayu", "email": "ayu@example.com"},
		"description":  "Uniform",
		"amount":       250000,
		"due_date":     "2024-03-15T00:00:00Z",
	})

	assert.Equal(t, http.StatusCreated, w.Code)
	got := decode[dto.StudentPayment](t, w)
	assert.Equal(t, billing.StatusOpen, got.Status)
	assert.Equal(t, "2024-03-15", got.DueDate)
	f.payments.AssertExpectations(t)
}

func TestRestPaymentHandler_List_PaymentTypeFilter(t *testing.T) {
	f := newPaymentFixture(t)
	store := models.PaymentStore
	f.payments.On("List", mock.Anything, f.school, services.PaymentFilter{PaymentType: &store}).
		Return([]models.StudentPayment{*f.payment(billing.StatusOpen)}, nil)

	w := f.do(http.MethodGet, "/v1/student-payments?payment_type=STORE", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]dto.StudentPayment](t, w), 1)

	w = f.do(http.MethodGet, "/v1/student-payments?payment_type=GIFT", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	f.payments.AssertNumberOfCalls(t, "List", 1)
}

func TestRestPaymentHandler_Charge(t *testing.T) {
	f := newPaymentFixture(t)
	p := f.payment(billing.StatusPending)
	p.Charge = &models.Charge{OrderID: "SP-1", Token: "tok", RedirectURL: "https://pay.example/sp-1", Amount: 250000}
	f.payments.On("CreateCharge", mock.Anything, f.school, p.ID).Return(p, nil)

	w := f.do(http.MethodPost, "/v1/student-payments/"+p.ID.Hex()+"/charge", nil)

	assert.Equal(t, http.StatusOK, w.Code)
	got := decode[dto.StudentPayment](t, w)
	assert.Equal(t, billing.StatusPending, got.Status)
	if assert.NotNil(t, got.Charge) {
		assert.Equal(t, "SP-1", got.Charge.OrderID)
	}
}

func TestRestPaymentHandler_Charge_GatewayFailureIsInternal(t *testing.T) {
	f := newPaymentFixture(t)
	id := primitive.NewObjectID()
	f.payments.On("CreateCharge", mock.Anything, f.school, id).Return(nil, errors.New("midtrans: connection refused"))

	w := f.do(http.MethodPost, "/v1/student-payments/"+id.Hex()+"/charge", nil)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "midtrans")
}

func TestRestPaymentHandler_PayWithExplicitDate(t *testing.T) {
	f := newPaymentFixture(t)
	p := f.payment(billing.StatusPaid)
	paidAt := time.Date(2024, 2, 28, 14, 30, 0, 0, time.UTC)
	f.payments.On("MarkPaid", mock.Anything, f.school, p.ID, services.Receipt{Amount: 250000, PaidAt: paidAt}).Return(p, nil)

	w := f.do(http.MethodPost, "/v1/student-payments/"+p.ID.Hex()+"/pay",
		map[string]any{"amount": 250000, "paid_at": "2024-02-28T14:30:00Z"})

	assert.Equal(t, http.StatusOK, w.Code)
	f.payments.AssertExpectations(t)
}

func TestRestPaymentHandler_Quote(t *testing.T) {
	f := newPaymentFixture(t)
	id := primitive.NewObjectID()
	f.payments.On("Quote", mock.Anything, f.school, id, testNow).Return(&services.Quote{
		EvaluationDate: testNow,
		Result:         billing.Result{BaseAmount: 250000, Total: 250000, Timing: billing.TimingEarly, DaysEarly: 14},
	}, nil)

	w := f.do(http.MethodGet, "/v1/student-payments/"+id.Hex()+"/quote", nil)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 14, decode[dto.Quote](t, w).DaysEarly)
}

func TestRestPaymentHandler_Cancel_Terminal(t *testing.T) {
	f := newPaymentFixture(t)
	id := primitive.NewObjectID()
	f.payments.On("Cancel", mock.Anything, f.school, id, "refunded").
		Return(nil, &billing.TransitionError{From: billing.StatusPaid, Event: billing.EventCancel})

	w := f.do(http.MethodPost, "/v1/student-payments/"+id.Hex()+"/cancel", map[string]any{"reason": "refunded"})

	assert.Equal(t, http.StatusConflict, w.Code)
}

func webhookEngine(confirmations *MockConfirmationService) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/v1/webhooks/midtrans", handlers.NewWebhookHandler(confirmations).Midtrans)
	return r
}

func TestWebhookHandler_Midtrans(t *testing.T) {
	body := `{"order_id":"SP-1","transaction_status":"settlement","status_code":"200","gross_amount":"250000.00","signature_key":"abc"}`
	paymentID := primitive.NewObjectID()

	tests := []struct {
		name       string
		result     *services.Confirmation
		err        error
		wantStatus int
		wantBody   string
	}{
		{
			name:       "processed",
			result:     &services.Confirmation{Payment: &models.StudentPayment{Base: models.Base{ID: paymentID}, Status: billing.StatusPaid}},
			wantStatus: http.StatusOK,
			wantBody:   paymentID.Hex(),
		},
		{name: "duplicate", result: &services.Confirmation{Duplicate: true}, wantStatus: http.StatusOK, wantBody: "duplicate"},
		{name: "bad signature", err: gateway.ErrInvalidSignature, wantStatus: http.StatusUnauthorized},
		{name: "malformed", err: billing.NewValidationError("body", "is not a valid notification"), wantStatus: http.StatusBadRequest},
		{name: "store failure is retried", err: errors.New("mongo down"), wantStatus: http.StatusInternalServerError},
		{name: "unknown order is retried", err: fmt.Errorf("order SP-x: %w", services.ErrUnknownOrder), wantStatus: http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			confirmations := new(MockConfirmationService)
			confirmations.On("Confirm", mock.Anything, []byte(body)).Return(tt.result, tt.err)

			w := httptestPost(webhookEngine(confirmations), "/v1/webhooks/midtrans", body)

			assert.Equal(t, tt.wantStatus, w.Code)
			if tt.wantBody != "" {
				assert.Contains(t, w.Body.String(), tt.wantBody)
			}
			confirmations.AssertExpectations(t)
		})
	}
}
