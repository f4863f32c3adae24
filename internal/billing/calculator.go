package billing

import (
	"time"

	"github.com/shopspring/decimal"
)

// DiscountType selects how a discount value is interpreted.
type DiscountType string

const (
	DiscountPercentage DiscountType = "PERCENTAGE"
	DiscountFlat       DiscountType = "FLAT"
)

// Valid reports whether t is a known discount type.
func (t DiscountType) Valid() bool {
	return t == DiscountPercentage || t == DiscountFlat
}

// Tier is an early-payment discount: paying at least DaysBeforeDeadline days before the due date earns
// either Percentage or FlatAmount, whichever DiscountType names.
type Tier struct {
	DiscountType       DiscountType
	Percentage         *Percent
	FlatAmount         *int64
	DaysBeforeDeadline int
}

// Validate checks that exactly the field matching DiscountType is populated and within range.
func (t Tier) Validate() error {
	if t.DaysBeforeDeadline < 0 {
		return NewValidationError("days_before_deadline", "must not be negative")
	}
	switch t.DiscountType {
	case DiscountPercentage:
		if t.Percentage == nil || t.FlatAmount != nil {
			return NewValidationError("percentage", "must be the only value set for a PERCENTAGE discount")
		}
		if !t.Percentage.Valid() {
			return NewValidationError("percentage", "must be between 0 and 100")
		}
	case DiscountFlat:
		if t.FlatAmount == nil || t.Percentage != nil {
			return NewValidationError("flat_amount", "must be the only value set for a FLAT discount")
		}
		if *t.FlatAmount < 0 {
			return NewValidationError("flat_amount", "must not be negative")
		}
	default:
		return NewValidationError("discount_type", "must be PERCENTAGE or FLAT")
	}
	return nil
}

// reduction is the amount the tier takes off base, never more than base.
func (t Tier) reduction(base int64) int64 {
	var r int64
	switch t.DiscountType {
	case DiscountPercentage:
		r = percentOf(base, *t.Percentage)
	case DiscountFlat:
		r = *t.FlatAmount
	}
	if r > base {
		r = base
	}
	return r
}

// InterestConfig holds the late-payment penalty: a one-time fine plus a per-day interest rate.
type InterestConfig struct {
	DelayPercentage         Percent
	PerDayDelayedPercentage Percent
}

// Validate checks both percentages are within [0, 100].
func (c InterestConfig) Validate() error {
	if !c.DelayPercentage.Valid() {
		return NewValidationError("delay_interest_percentage", "must be between 0 and 100")
	}
	if !c.PerDayDelayedPercentage.Valid() {
		return NewValidationError("delay_interest_per_day_delayed", "must be between 0 and 100")
	}
	return nil
}

// Discount is a fixed reduction attached to a single payment. Value is hundredths of a percent for
// PERCENTAGE and minor units for FLAT.
type Discount struct {
	Type  DiscountType
	Value int64
}

// Validate checks the value is meaningful for the discount type.
func (d Discount) Validate() error {
	switch d.Type {
	case DiscountPercentage:
		if !Percent(d.Value).Valid() {
			return NewValidationError("discount_value", "must be between 0 and 100")
		}
	case DiscountFlat:
		if d.Value < 0 {
			return NewValidationError("discount_value", "must not be negative")
		}
	default:
		return NewValidationError("discount_type", "must be PERCENTAGE or FLAT")
	}
	return nil
}

func (d Discount) reduction(base int64) int64 {
	var r int64
	if d.Type == DiscountPercentage {
		r = percentOf(base, Percent(d.Value))
	} else {
		r = d.Value
	}
	if r > base {
		r = base
	}
	return r
}

// Timing classifies an evaluation date against a due date.
type Timing string

const (
	TimingEarly  Timing = "early"
	TimingOnTime Timing = "on_time"
	TimingLate   Timing = "late"
)

// Input is everything needed to price one payment on one day.
type Input struct {
	Amount         int64
	DueDate        time.Time
	EvaluationDate time.Time
	Tiers          []Tier
	Interest       *InterestConfig
	Discount       *Discount
}

// Result is the breakdown of a priced payment. All amounts are minor units.
type Result struct {
	BaseAmount     int64
	ManualDiscount int64
	EarlyDiscount  int64
	Fine           int64
	Interest       int64
	Total          int64
	Timing         Timing
	DaysEarly      int
	DaysLate       int
	AppliedTier    *Tier
}

// Validate checks the input without pricing it.
func (in Input) Validate() error {
	if in.Amount < 0 {
		return NewValidationError("amount", "must not be negative")
	}
	if in.DueDate.IsZero() {
		return NewValidationError("due_date", "is required")
	}
	for _, t := range in.Tiers {
		if err := t.Validate(); err != nil {
			return err
		}
	}
	if in.Interest != nil {
		if err := in.Interest.Validate(); err != nil {
			return err
		}
	}
	if in.Discount != nil {
		if err := in.Discount.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Calculate prices a payment. A payment evaluated before its due date may earn the most favorable
// qualifying early discount; one evaluated after it pays the fine plus simple daily interest on the
// discounted base; one evaluated on the due date pays the base. The total is never negative.
func Calculate(in Input) (Result, error) {
	if err := in.Validate(); err != nil {
		return Result{}, err
	}

	res := Result{BaseAmount: in.Amount}
	base := in.Amount
	if in.Discount != nil {
		res.ManualDiscount = in.Discount.reduction(base)
		base -= res.ManualDiscount
	}

	days := DaysBetween(in.EvaluationDate, in.DueDate)
	switch {
	case days > 0:
		res.Timing = TimingEarly
		res.DaysEarly = days
		if tier := bestTier(in.Tiers, base, days); tier != nil {
			res.AppliedTier = tier
			res.EarlyDiscount = tier.reduction(base)
		}
	case days < 0:
		res.Timing = TimingLate
		res.DaysLate = -days
		if in.Interest != nil {
			res.Fine = percentOf(base, in.Interest.DelayPercentage)
			res.Interest = decimal.NewFromInt(base).
				Mul(in.Interest.PerDayDelayedPercentage.Rate()).
				Mul(decimal.NewFromInt(int64(res.DaysLate))).
				Round(0).IntPart()
		}
	default:
		res.Timing = TimingOnTime
	}

	res.Total = base - res.EarlyDiscount + res.Fine + res.Interest
	if res.Total < 0 {
		res.Total = 0
	}
	return res, nil
}

// bestTier picks, among tiers satisfied by daysEarly, the one that takes the most off base. Equal
// reductions prefer the larger threshold, then the earlier tier.
func bestTier(tiers []Tier, base int64, daysEarly int) *Tier {
	var best *Tier
	var bestReduction int64
	for i := range tiers {
		t := tiers[i]
		if daysEarly < t.DaysBeforeDeadline {
			continue
		}
		r := t.reduction(base)
		if best == nil || r > bestReduction || (r == bestReduction && t.DaysBeforeDeadline > best.DaysBeforeDeadline) {
			best = &t
			bestReduction = r
		}
	}
	return best
}

// percentOf returns base × p rounded half-up to the minor unit.
func percentOf(base int64, p Percent) int64 {
	return decimal.NewFromInt(base).Mul(p.Rate()).Round(0).IntPart()
}
