package handlers_test

import (
	"context"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/mock"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"greendrake/tuition/internal/billing"
	"greendrake/tuition/internal/models"
	"greendrake/tuition/internal/services"
	"greendrake/tuition/internal/tasks"
)

// --- Mocks ---

// MockEmailTemplateService
type MockEmailTemplateService struct {
	mock.Mock
}

func (m *MockEmailTemplateService) GetTemplate(ctx context.Context, schoolID primitive.ObjectID, templateID, locale string) (*models.EmailTemplate, error) {
	args := m.Called(ctx, schoolID, templateID, locale)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.EmailTemplate), args.Error(1)
}

func (m *MockEmailTemplateService) SaveTemplate(ctx context.Context, schoolID primitive.ObjectID, tmpl *models.EmailTemplate) error {
	return m.Called(ctx, schoolID, tmpl).Error(0)
}

func (m *MockEmailTemplateService) DeleteTemplate(ctx context.Context, schoolID primitive.ObjectID, templateID, locale string) error {
	return m.Called(ctx, schoolID, templateID, locale).Error(0)
}

func (m *MockEmailTemplateService) Render(ctx context.Context, schoolID primitive.ObjectID, templateID, locale string, data map[string]any) (*services.RenderedEmail, error) {
	args := m.Called(ctx, schoolID, templateID, locale, data)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*services.RenderedEmail), args.Error(1)
}

// MockSettingsService returns defaults for typed lookups unless an override is set.
type MockSettingsService struct {
	mock.Mock
	overrides map[string]any
}

func (m *MockSettingsService) Load(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *MockSettingsService) SubscribeToChanges(ctx context.Context) error { return nil }

func (m *MockSettingsService) Get(ctx context.Context, key string) (any, error) {
	if v, ok := m.overrides[key]; ok {
		return v, nil
	}
	return nil, billing.ErrNotFound
}

func (m *MockSettingsService) GetInt(ctx context.Context, key string, defaultValue int) int {
	if v, ok := m.overrides[key].(int); ok {
		return v
	}
	return defaultValue
}

func (m *MockSettingsService) GetString(ctx context.Context, key string, defaultValue string) string {
	if v, ok := m.overrides[key].(string); ok {
		return v
	}
	return defaultValue
}

func (m *MockSettingsService) GetBool(ctx context.Context, key string, defaultValue bool) bool {
	if v, ok := m.overrides[key].(bool); ok {
		return v
	}
	return defaultValue
}

func (m *MockSettingsService) GetDuration(ctx context.Context, key string, defaultValue time.Duration) time.Duration {
	return defaultValue
}

func (m *MockSettingsService) GetAllPublic(ctx context.Context) (map[string]any, error) {
	args := m.Called(ctx)
	v, _ := args.Get(0).(map[string]any)
	return v, args.Error(1)
}

func (m *MockSettingsService) Set(ctx context.Context, key string, value any, isPublic bool) error {
	return m.Called(ctx, key, value, isPublic).Error(0)
}

func (m *MockSettingsService) GetEndpointLimit(ctx context.Context, endpoint string) *models.EndpointLimit {
	return nil
}

func (m *MockSettingsService) SetEndpointLimit(ctx context.Context, limit models.EndpointLimit) error {
	return m.Called(ctx, limit).Error(0)
}

// MockContractService
type MockContractService struct {
	mock.Mock
}

func (m *MockContractService) Create(ctx context.Context, schoolID primitive.ObjectID, in services.CreateContractInput) (*models.Contract, error) {
	args := m.Called(ctx, schoolID, in)
	return contractOrNil(args.Get(0)), args.Error(1)
}

func (m *MockContractService) Get(ctx context.Context, schoolID, id primitive.ObjectID) (*models.Contract, error) {
	args := m.Called(ctx, schoolID, id)
	return contractOrNil(args.Get(0)), args.Error(1)
}

func (m *MockContractService) List(ctx context.Context, schoolID primitive.ObjectID, f services.ContractFilter) ([]models.Contract, error) {
	args := m.Called(ctx, schoolID, f)
	v, _ := args.Get(0).([]models.Contract)
	return v, args.Error(1)
}

func (m *MockContractService) Deactivate(ctx context.Context, schoolID, id primitive.ObjectID) error {
	return m.Called(ctx, schoolID, id).Error(0)
}

func (m *MockContractService) AddPaymentDay(ctx context.Context, schoolID, id primitive.ObjectID, day int) (*models.Contract, error) {
	args := m.Called(ctx, schoolID, id, day)
	return contractOrNil(args.Get(0)), args.Error(1)
}

func (m *MockContractService) RemovePaymentDay(ctx context.Context, schoolID, id primitive.ObjectID, day int) (*models.Contract, error) {
	args := m.Called(ctx, schoolID, id, day)
	return contractOrNil(args.Get(0)), args.Error(1)
}

func (m *MockContractService) SetInterestConfig(ctx context.Context, schoolID, id primitive.ObjectID, ic models.ContractInterestConfig) (*models.Contract, error) {
	args := m.Called(ctx, schoolID, id, ic)
	return contractOrNil(args.Get(0)), args.Error(1)
}

func (m *MockContractService) RemoveInterestConfig(ctx context.Context, schoolID, id primitive.ObjectID) (*models.Contract, error) {
	args := m.Called(ctx, schoolID, id)
	return contractOrNil(args.Get(0)), args.Error(1)
}

func (m *MockContractService) AddEarlyDiscount(ctx context.Context, schoolID, id primitive.ObjectID, in services.EarlyDiscountInput) (*models.Contract, error) {
	args := m.Called(ctx, schoolID, id, in)
	return contractOrNil(args.Get(0)), args.Error(1)
}

func (m *MockContractService) RemoveEarlyDiscount(ctx context.Context, schoolID, id, discountID primitive.ObjectID) (*models.Contract, error) {
	args := m.Called(ctx, schoolID, id, discountID)
	return contractOrNil(args.Get(0)), args.Error(1)
}

func (m *MockContractService) AddDocument(ctx context.Context, schoolID, id primitive.ObjectID, in services.DocumentInput) (*models.ContractDocument, string, error) {
	args := m.Called(ctx, schoolID, id, in)
	doc, _ := args.Get(0).(*models.ContractDocument)
	return doc, args.String(1), args.Error(2)
}

func (m *MockContractService) RemoveDocument(ctx context.Context, schoolID, id, documentID primitive.ObjectID) (*models.Contract, error) {
	args := m.Called(ctx, schoolID, id, documentID)
	return contractOrNil(args.Get(0)), args.Error(1)
}

func (m *MockContractService) ListActive(ctx context.Context) ([]models.Contract, error) {
	args := m.Called(ctx)
	v, _ := args.Get(0).([]models.Contract)
	return v, args.Error(1)
}

func contractOrNil(v any) *models.Contract {
	c, _ := v.(*models.Contract)
	return c
}

// MockAgreementService
type MockAgreementService struct {
	mock.Mock
}

func (m *MockAgreementService) Create(ctx context.Context, schoolID primitive.ObjectID, in services.CreateAgreementInput) (*models.Agreement, []models.Invoice, error) {
	args := m.Called(ctx, schoolID, in)
	a, _ := args.Get(0).(*models.Agreement)
	invs, _ := args.Get(1).([]models.Invoice)
	return a, invs, args.Error(2)
}

func (m *MockAgreementService) Get(ctx context.Context, schoolID, id primitive.ObjectID) (*models.Agreement, error) {
	args := m.Called(ctx, schoolID, id)
	a, _ := args.Get(0).(*models.Agreement)
	return a, args.Error(1)
}

func (m *MockAgreementService) List(ctx context.Context, schoolID primitive.ObjectID, f services.AgreementFilter) ([]models.Agreement, error) {
	args := m.Called(ctx, schoolID, f)
	v, _ := args.Get(0).([]models.Agreement)
	return v, args.Error(1)
}

func (m *MockAgreementService) AddEarlyDiscount(ctx context.Context, schoolID, id primitive.ObjectID, in services.EarlyDiscountInput) (*models.Agreement, error) {
	args := m.Called(ctx, schoolID, id, in)
	a, _ := args.Get(0).(*models.Agreement)
	return a, args.Error(1)
}

func (m *MockAgreementService) RemoveEarlyDiscount(ctx context.Context, schoolID, id, discountID primitive.ObjectID) (*models.Agreement, error) {
	args := m.Called(ctx, schoolID, id, discountID)
	a, _ := args.Get(0).(*models.Agreement)
	return a, args.Error(1)
}

func (m *MockAgreementService) ListActiveMonthly(ctx context.Context) ([]models.Agreement, error) {
	args := m.Called(ctx)
	v, _ := args.Get(0).([]models.Agreement)
	return v, args.Error(1)
}

// MockInvoiceService
type MockInvoiceService struct {
	mock.Mock
}

func (m *MockInvoiceService) GenerateForContract(ctx context.Context, c *models.Contract, p billing.Period, horizon time.Time) ([]models.Invoice, error) {
	args := m.Called(ctx, c, p, horizon)
	v, _ := args.Get(0).([]models.Invoice)
	return v, args.Error(1)
}

func (m *MockInvoiceService) GenerateAgreementInstallments(ctx context.Context, a *models.Agreement, horizon *time.Time) ([]models.Invoice, error) {
	args := m.Called(ctx, a, horizon)
	v, _ := args.Get(0).([]models.Invoice)
	return v, args.Error(1)
}

func (m *MockInvoiceService) Get(ctx context.Context, schoolID, id primitive.ObjectID) (*models.Invoice, error) {
	args := m.Called(ctx, schoolID, id)
	inv, _ := args.Get(0).(*models.Invoice)
	return inv, args.Error(1)
}

func (m *MockInvoiceService) List(ctx context.Context, schoolID primitive.ObjectID, f services.InvoiceFilter) ([]models.Invoice, error) {
	args := m.Called(ctx, schoolID, f)
	v, _ := args.Get(0).([]models.Invoice)
	return v, args.Error(1)
}

func (m *MockInvoiceService) Quote(ctx context.Context, schoolID, id primitive.ObjectID, at time.Time) (*services.Quote, error) {
	args := m.Called(ctx, schoolID, id, at)
	q, _ := args.Get(0).(*services.Quote)
	return q, args.Error(1)
}

func (m *MockInvoiceService) MarkChargeCreated(ctx context.Context, schoolID, id primitive.ObjectID, charge models.Charge) (*models.Invoice, error) {
	args := m.Called(ctx, schoolID, id, charge)
	inv, _ := args.Get(0).(*models.Invoice)
	return inv, args.Error(1)
}

func (m *MockInvoiceService) MarkPaid(ctx context.Context, schoolID, id primitive.ObjectID, r services.Receipt) (*models.Invoice, error) {
	args := m.Called(ctx, schoolID, id, r)
	inv, _ := args.Get(0).(*models.Invoice)
	return inv, args.Error(1)
}

func (m *MockInvoiceService) Cancel(ctx context.Context, schoolID, id primitive.ObjectID, reason string) (*models.Invoice, error) {
	args := m.Called(ctx, schoolID, id, reason)
	inv, _ := args.Get(0).(*models.Invoice)
	return inv, args.Error(1)
}

func (m *MockInvoiceService) Renegotiate(ctx context.Context, schoolID, id, agreementID primitive.ObjectID) error {
	return m.Called(ctx, schoolID, id, agreementID).Error(0)
}

func (m *MockInvoiceService) MarkOverdueBefore(ctx context.Context, cutoff time.Time) ([]models.Invoice, error) {
	args := m.Called(ctx, cutoff)
	v, _ := args.Get(0).([]models.Invoice)
	return v, args.Error(1)
}

func (m *MockInvoiceService) ApplyInterest(ctx context.Context, at time.Time) (int, error) {
	args := m.Called(ctx, at)
	return args.Int(0), args.Error(1)
}

func (m *MockInvoiceService) MarkOverdueNotified(ctx context.Context, schoolID, id primitive.ObjectID) (bool, error) {
	args := m.Called(ctx, schoolID, id)
	return args.Bool(0), args.Error(1)
}

func (m *MockInvoiceService) ClearOverdueNotified(ctx context.Context, schoolID, id primitive.ObjectID) error {
	return m.Called(ctx, schoolID, id).Error(0)
}

func (m *MockInvoiceService) ListUncharged(ctx context.Context, dueBy time.Time) ([]models.Invoice, error) {
	args := m.Called(ctx, dueBy)
	v, _ := args.Get(0).([]models.Invoice)
	return v, args.Error(1)
}

func (m *MockInvoiceService) ListUnnotifiedOverdue(ctx context.Context) ([]models.Invoice, error) {
	args := m.Called(ctx)
	v, _ := args.Get(0).([]models.Invoice)
	return v, args.Error(1)
}

// MockStudentPaymentService
type MockStudentPaymentService struct {
	mock.Mock
}

func (m *MockStudentPaymentService) Create(ctx context.Context, schoolID primitive.ObjectID, in services.CreatePaymentInput) (*models.StudentPayment, error) {
	args := m.Called(ctx, schoolID, in)
	p, _ := args.Get(0).(*models.StudentPayment)
	return p, args.Error(1)
}

func (m *MockStudentPaymentService) Get(ctx context.Context, schoolID, id primitive.ObjectID) (*models.StudentPayment, error) {
	args := m.Called(ctx, schoolID, id)
	p, _ := args.Get(0).(*models.StudentPayment)
	return p, args.Error(1)
}

func (m *MockStudentPaymentService) List(ctx context.Context, schoolID primitive.ObjectID, f services.PaymentFilter) ([]models.StudentPayment, error) {
	args := m.Called(ctx, schoolID, f)
	v, _ := args.Get(0).([]models.StudentPayment)
	return v, args.Error(1)
}

func (m *MockStudentPaymentService) Quote(ctx context.Context, schoolID, id primitive.ObjectID, at time.Time) (*services.Quote, error) {
	args := m.Called(ctx, schoolID, id, at)
	q, _ := args.Get(0).(*services.Quote)
	return q, args.Error(1)
}

func (m *MockStudentPaymentService) CreateCharge(ctx context.Context, schoolID, id primitive.ObjectID) (*models.StudentPayment, error) {
	args := m.Called(ctx, schoolID, id)
	p, _ := args.Get(0).(*models.StudentPayment)
	return p, args.Error(1)
}

func (m *MockStudentPaymentService) MarkChargeCreated(ctx context.Context, schoolID, id primitive.ObjectID, charge models.Charge) (*models.StudentPayment, error) {
	args := m.Called(ctx, schoolID, id, charge)
	p, _ := args.Get(0).(*models.StudentPayment)
	return p, args.Error(1)
}

func (m *MockStudentPaymentService) MarkPaid(ctx context.Context, schoolID, id primitive.ObjectID, r services.Receipt) (*models.StudentPayment, error) {
	args := m.Called(ctx, schoolID, id, r)
	p, _ := args.Get(0).(*models.StudentPayment)
	return p, args.Error(1)
}

func (m *MockStudentPaymentService) Cancel(ctx context.Context, schoolID, id primitive.ObjectID, reason string) (*models.StudentPayment, error) {
	args := m.Called(ctx, schoolID, id, reason)
	p, _ := args.Get(0).(*models.StudentPayment)
	return p, args.Error(1)
}

func (m *MockStudentPaymentService) FindByOrderID(ctx context.Context, orderID string) (*models.StudentPayment, error) {
	args := m.Called(ctx, orderID)
	p, _ := args.Get(0).(*models.StudentPayment)
	return p, args.Error(1)
}

func (m *MockStudentPaymentService) FindByInvoice(ctx context.Context, schoolID, invoiceID primitive.ObjectID) (*models.StudentPayment, error) {
	args := m.Called(ctx, schoolID, invoiceID)
	p, _ := args.Get(0).(*models.StudentPayment)
	return p, args.Error(1)
}

// MockConfirmationService
type MockConfirmationService struct {
	mock.Mock
}

func (m *MockConfirmationService) Confirm(ctx context.Context, body []byte) (*services.Confirmation, error) {
	args := m.Called(ctx, body)
	c, _ := args.Get(0).(*services.Confirmation)
	return c, args.Error(1)
}

// MockDispatcher
type MockDispatcher struct {
	mock.Mock
}

func (m *MockDispatcher) Dispatch(ctx context.Context, desc tasks.Descriptor, payload any, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	args := m.Called(ctx, desc, payload, opts)
	info, _ := args.Get(0).(*asynq.TaskInfo)
	return info, args.Error(1)
}

func (m *MockDispatcher) DispatchRaw(ctx context.Context, desc tasks.Descriptor, raw []byte, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	args := m.Called(ctx, desc, raw, opts)
	info, _ := args.Get(0).(*asynq.TaskInfo)
	return info, args.Error(1)
}

// MockMailbox
type MockMailbox struct {
	mock.Mock
}

func (m *MockMailbox) GetDel(ctx context.Context, key string) *redis.StringCmd {
	args := m.Called(ctx, key)
	return redis.NewStringResult(args.String(0), args.Error(1))
}

func (m *MockStudentPaymentService) MarkOverdueBefore(ctx context.Context, cutoff time.Time) ([]models.StudentPayment, error) {
	args := m.Called(ctx, cutoff)
	ps, _ := args.Get(0).([]models.StudentPayment)
	return ps, args.Error(1)
}
