package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"text/template"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"greendrake/tuition/internal/billing"
	"greendrake/tuition/internal/config"
	"greendrake/tuition/internal/db"
	"greendrake/tuition/internal/models"
)

// Built-in notice templates, used when neither the school nor the platform defines one.
const (
	TemplateInvoiceIssued  = "invoice_issued"
	TemplateInvoiceOverdue = "invoice_overdue"
)

var defaultEmailTemplates = map[string]models.EmailTemplate{
	TemplateInvoiceIssued: {
		TemplateID: TemplateInvoiceIssued,
		Locale:     "en-US",
		Subject:    "{{.app_name}}: invoice for {{.description}}",
		Body: "Dear {{.payer_name}},\n\n" +
			"An invoice of {{.amount}} {{.currency}} for {{.description}} is due on {{.due_date}}.\n" +
			"{{if .payment_url}}Pay online: {{.payment_url}}\n{{end}}" +
			"\nThank you,\n{{.app_name}}",
	},
	TemplateInvoiceOverdue: {
		TemplateID: TemplateInvoiceOverdue,
		Locale:     "en-US",
		Subject:    "{{.app_name}}: overdue invoice for {{.description}}",
		Body: "Dear {{.payer_name}},\n\n" +
			"The invoice of {{.amount}} {{.currency}} for {{.description}} was due on {{.due_date}} and is now overdue.\n" +
			"Amount due today: {{.amount_due}} {{.currency}}.\n" +
			"{{if .payment_url}}Pay online: {{.payment_url}}\n{{end}}" +
			"\nThank you,\n{{.app_name}}",
	},
}

// RenderedEmail is a template filled in with data.
type RenderedEmail struct {
	TemplateID string
	Subject    string
	Body       string
}

// IEmailTemplateService defines the interface for email template operations.
type IEmailTemplateService interface {
	GetTemplate(ctx context.Context, schoolID primitive.ObjectID, templateID, locale string) (*models.EmailTemplate, error)
	SaveTemplate(ctx context.Context, schoolID primitive.ObjectID, tmpl *models.EmailTemplate) error
	DeleteTemplate(ctx context.Context, schoolID primitive.ObjectID, templateID, locale string) error
	Render(ctx context.Context, schoolID primitive.ObjectID, templateID, locale string, data map[string]any) (*RenderedEmail, error)
}

// emailTemplateService implements IEmailTemplateService.
type emailTemplateService struct {
	db  *mongo.Database
	cfg *config.Config
}

// NewEmailTemplateService creates a new EmailTemplateService.
func NewEmailTemplateService(db *mongo.Database, cfg *config.Config) IEmailTemplateService {
	return &emailTemplateService{db: db, cfg: cfg}
}

func (s *emailTemplateService) coll() *mongo.Collection {
	return s.db.Collection(db.EmailTemplatesCollection)
}

// GetTemplate implements IEmailTemplateService. The school's own template wins over the platform one,
// which wins over the built-in default.
func (s *emailTemplateService) GetTemplate(ctx context.Context, schoolID primitive.ObjectID, templateID, locale string) (*models.EmailTemplate, error) {
	if locale == "" {
		locale = s.cfg.DefaultEmailLocale
	}
	if s.db != nil {
		for _, owner := range []primitive.ObjectID{schoolID, primitive.NilObjectID} {
			tmpl, err := findOne[models.EmailTemplate](ctx, s.coll(), bson.M{
				"school_id":   owner,
				"template_id": templateID,
				"locale":      locale,
			}, "email template "+templateID)
			if err == nil {
				return tmpl, nil
			}
			if !errors.Is(err, billing.ErrNotFound) {
				return nil, err
			}
			if owner.IsZero() {
				break
			}
		}
	}
	if def, ok := defaultEmailTemplates[templateID]; ok {
		return &def, nil
	}
	return nil, fmt.Errorf("email template %s (locale %s): %w", templateID, locale, billing.ErrNotFound)
}

// SaveTemplate implements IEmailTemplateService.
func (s *emailTemplateService) SaveTemplate(ctx context.Context, schoolID primitive.ObjectID, tmpl *models.EmailTemplate) error {
	if err := validateStruct(tmpl); err != nil {
		return err
	}
	for name, text := range map[string]string{"subject": tmpl.Subject, "body": tmpl.Body} {
		if _, err := template.New(name).Parse(text); err != nil {
			return billing.NewValidationError(name, "is not a valid template: "+err.Error())
		}
	}
	tmpl.SchoolID = schoolID
	tmpl.GenIDIfEmpty()
	tmpl.Touch(SystemClock())

	filter := bson.M{"school_id": schoolID, "template_id": tmpl.TemplateID, "locale": tmpl.Locale}
	update := bson.M{
		"$set": bson.M{"subject": tmpl.Subject, "body": tmpl.Body, "updated_at": tmpl.UpdatedAt},
		"$setOnInsert": bson.M{"_id": tmpl.ID, "created_at": tmpl.CreatedAt},
	}
	if _, err := s.coll().UpdateOne(ctx, filter, update, options.Update().SetUpsert(true)); err != nil {
		return fmt.Errorf("error saving template: %w", err)
	}
	return nil
}

// DeleteTemplate implements IEmailTemplateService.
func (s *emailTemplateService) DeleteTemplate(ctx context.Context, schoolID primitive.ObjectID, templateID, locale string) error {
	res, err := s.coll().DeleteOne(ctx, bson.M{"school_id": schoolID, "template_id": templateID, "locale": locale})
	if err != nil {
		return fmt.Errorf("error deleting template: %w", err)
	}
	if res.DeletedCount == 0 {
		return fmt.Errorf("email template %s (locale %s): %w", templateID, locale, billing.ErrNotFound)
	}
	return nil
}

// Render implements IEmailTemplateService. app_name is always available to templates.
func (s *emailTemplateService) Render(ctx context.Context, schoolID primitive.ObjectID, templateID, locale string, data map[string]any) (*RenderedEmail, error) {
	tmpl, err := s.GetTemplate(ctx, schoolID, templateID, locale)
	if err != nil {
		return nil, err
	}
	vars := map[string]any{"app_name": s.cfg.AppName}
	for k, v := range data {
		vars[k] = v
	}
	subject, err := renderText("subject", tmpl.Subject, vars)
	if err != nil {
		return nil, err
	}
	body, err := renderText("body", tmpl.Body, vars)
	if err != nil {
		return nil, err
	}
	return &RenderedEmail{TemplateID: templateID, Subject: subject, Body: body}, nil
}

func renderText(name, text string, data map[string]any) (string, error) {
	t, err := template.New(name).Parse(text)
	if err != nil {
		return "", fmt.Errorf("failed to parse %s template: %w", name, err)
	}
	var sb strings.Builder
	if err := t.Execute(&sb, data); err != nil {
		return "", fmt.Errorf("failed to render %s template: %w", name, err)
	}
	return sb.String(), nil
}
