package models

import (
	"sort"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"greendrake/tuition/internal/billing"
)

// ContractPaymentDay is a day of month (1-31) on which the contract bills. Unique per contract.
type ContractPaymentDay struct {
	Day int `bson:"day" json:"day"`
}

// ContractInterestConfig is the late-payment penalty of a contract.
type ContractInterestConfig struct {
	DelayInterestPercentage    billing.Percent `bson:"delay_interest_percentage" json:"delay_interest_percentage"`
	DelayInterestPerDayDelayed billing.Percent `bson:"delay_interest_per_day_delayed" json:"delay_interest_per_day_delayed"`
}

// Billing converts the config into calculator terms.
func (c ContractInterestConfig) Billing() billing.InterestConfig {
	return billing.InterestConfig{
		DelayPercentage:         c.DelayInterestPercentage,
		PerDayDelayedPercentage: c.DelayInterestPerDayDelayed,
	}
}

// EarlyDiscount is an early-payment tier of a contract or agreement. Percentage is set for PERCENTAGE
// discounts and FlatAmount (minor units) for FLAT ones, never both.
type EarlyDiscount struct {
	ID                 primitive.ObjectID   `bson:"id" json:"id"`
	DiscountType       billing.DiscountType `bson:"discount_type" json:"discount_type"`
	Percentage         *billing.Percent     `bson:"percentage,omitempty" json:"percentage,omitempty"`
	FlatAmount         *int64               `bson:"flat_amount,omitempty" json:"flat_amount,omitempty"`
	DaysBeforeDeadline int                  `bson:"days_before_deadline" json:"days_before_deadline"`
}

// Tier converts the discount into calculator terms.
func (d EarlyDiscount) Tier() billing.Tier {
	return billing.Tier{
		DiscountType:       d.DiscountType,
		Percentage:         d.Percentage,
		FlatAmount:         d.FlatAmount,
		DaysBeforeDeadline: d.DaysBeforeDeadline,
	}
}

// Validate enforces the percentage XOR flat-amount invariant.
func (d EarlyDiscount) Validate() error {
	return d.Tier().Validate()
}

// Tiers converts a list of discounts into calculator tiers.
func Tiers(discounts []EarlyDiscount) []billing.Tier {
	out := make([]billing.Tier, 0, len(discounts))
	for _, d := range discounts {
		out = append(out, d.Tier())
	}
	return out
}

// ContractDocument is a file attached to a contract, stored in object storage.
type ContractDocument struct {
	ID          primitive.ObjectID `bson:"id" json:"id"`
	Name        string             `bson:"name" json:"name"`
	ObjectKey   string             `bson:"s3_key" json:"s3_key"`
	ContentType string             `bson:"content_type" json:"content_type"`
	UploadedAt  time.Time          `bson:"uploaded_at" json:"uploaded_at"`
}

// Contract is the financial agreement of an enrollment: what is billed monthly, on which days, and
// with which early discounts and late penalties. Its core terms are fixed at creation; only the
// sub-entities change afterwards.
type Contract struct {
	Base               `bson:",inline"`
	StudentID          primitive.ObjectID      `bson:"student_id" json:"student_id"`
	Guardian           Person                  `bson:"guardian" json:"guardian"`
	MonthlyAmount      int64                   `bson:"monthly_amount" json:"monthly_amount"`
	Currency           string                  `bson:"currency" json:"currency"`
	StartDate          time.Time               `bson:"start_date" json:"start_date"`
	EndDate            *time.Time              `bson:"end_date,omitempty" json:"end_date,omitempty"`
	PaymentDays        []ContractPaymentDay    `bson:"payment_days" json:"payment_days"`
	InterestConfig     *ContractInterestConfig `bson:"interest_config,omitempty" json:"interest_config,omitempty"`
	EarlyDiscounts     []EarlyDiscount         `bson:"early_discounts" json:"early_discounts"`
	Documents          []ContractDocument      `bson:"documents" json:"documents"`
	DocusealTemplateID *string                 `bson:"docuseal_template_id,omitempty" json:"docuseal_template_id,omitempty"`
	Lifecycle          Lifecycle               `bson:"lifecycle" json:"lifecycle"`
}

// HasPaymentDay reports whether day is already one of the contract's payment days.
func (c *Contract) HasPaymentDay(day int) bool {
	for _, d := range c.PaymentDays {
		if d.Day == day {
			return true
		}
	}
	return false
}

// SortedPaymentDays returns the payment days in ascending order.
func (c *Contract) SortedPaymentDays() []int {
	days := make([]int, 0, len(c.PaymentDays))
	for _, d := range c.PaymentDays {
		days = append(days, d.Day)
	}
	sort.Ints(days)
	return days
}

// Covers reports whether the contract bills during period p.
func (c *Contract) Covers(p billing.Period) bool {
	if billing.Date(c.StartDate).After(p.End()) {
		return false
	}
	if c.EndDate != nil && billing.Date(*c.EndDate).Before(p.Start()) {
		return false
	}
	return true
}

// Interest returns the calculator interest config, or nil when none is set.
func (c *Contract) Interest() *billing.InterestConfig {
	if c.InterestConfig == nil {
		return nil
	}
	ic := c.InterestConfig.Billing()
	return &ic
}
