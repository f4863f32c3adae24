package models

// EmailTemplate is a notice template. Templates with a zero SchoolID apply to every school that has
// not defined its own. Subject and Body use text/template syntax.
type EmailTemplate struct {
	Base       `bson:",inline"`
	TemplateID string `bson:"template_id" json:"template_id" validate:"required,notblank,max=100"` // e.g. "invoice_overdue"
	Locale     string `bson:"locale" json:"locale" validate:"required,max=16"`                    // e.g. "en-US", "id-ID"
	Subject    string `bson:"subject" json:"subject" validate:"required,notblank,max=300"`
	Body       string `bson:"body" json:"body" validate:"required,notblank"`
}
