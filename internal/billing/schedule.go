package billing

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

const periodLayout = "2006-01"

// Date truncates t to midnight UTC of its calendar date (as seen in t's own location).
func Date(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// DaysBetween returns the number of calendar days from `from` to `to` (negative if `to` is earlier).
func DaysBetween(from, to time.Time) int {
	return int(Date(to).Sub(Date(from)).Hours() / 24)
}

// Period is a billing month.
type Period struct {
	Year  int
	Month time.Month
}

// ParsePeriod parses "YYYY-MM".
func ParsePeriod(s string) (Period, error) {
	t, err := time.Parse(periodLayout, s)
	if err != nil {
		return Period{}, NewValidationError("period", "must be formatted as YYYY-MM")
	}
	return Period{Year: t.Year(), Month: t.Month()}, nil
}

// PeriodOf returns the billing month containing t.
func PeriodOf(t time.Time) Period {
	return Period{Year: t.Year(), Month: t.Month()}
}

func (p Period) String() string {
	return fmt.Sprintf("%04d-%02d", p.Year, int(p.Month))
}

// Start is the first day of the period.
func (p Period) Start() time.Time {
	return time.Date(p.Year, p.Month, 1, 0, 0, 0, 0, time.UTC)
}

// End is the last day of the period.
func (p Period) End() time.Time {
	return p.Start().AddDate(0, 1, -1)
}

// AddMonths moves the period by n months.
func (p Period) AddMonths(n int) Period {
	return PeriodOf(p.Start().AddDate(0, n, 0))
}

// DueDate places a payment day inside the period. Days past the end of a short month fall on its last day.
func (p Period) DueDate(day int) time.Time {
	last := p.End().Day()
	if day > last {
		day = last
	}
	if day < 1 {
		day = 1
	}
	return time.Date(p.Year, p.Month, day, 0, 0, 0, 0, time.UTC)
}

// Slot is one contract invoice of a period: the payment days that fall on the same due date. In a short
// month days past its end share the last day.
type Slot struct {
	Day  int
	Due  time.Time
	Days int
}

// Slots groups paymentDays, ascending, by their due date in p.
func (p Period) Slots(paymentDays []int) []Slot {
	var out []Slot
	for _, d := range paymentDays {
		due := p.DueDate(d)
		if n := len(out); n > 0 && out[n-1].Due.Equal(due) {
			out[n-1].Days++
			continue
		}
		out = append(out, Slot{Day: due.Day(), Due: due, Days: 1})
	}
	return out
}

// SplitSlots divides total across slots in proportion to the payment days each one carries.
func SplitSlots(total int64, slots []Slot) []int64 {
	n := 0
	for _, s := range slots {
		n += s.Days
	}
	parts := SplitAmount(total, n)
	out := make([]int64, len(slots))
	i := 0
	for j, s := range slots {
		for k := 0; k < s.Days; k++ {
			out[j] += parts[i]
			i++
		}
	}
	return out
}

// ValidPaymentDay reports whether day is a day of month 1..31.
func ValidPaymentDay(day int) bool {
	return day >= 1 && day <= 31
}

// SplitAmount divides total into n parts that differ by at most one minor unit. The remainder goes to the
// first parts so the sum always equals total.
func SplitAmount(total int64, n int) []int64 {
	if n <= 0 {
		return nil
	}
	parts := make([]int64, n)
	share := total / int64(n)
	rem := total % int64(n)
	for i := range parts {
		parts[i] = share
		if int64(i) < rem {
			parts[i]++
		}
	}
	return parts
}

// InstallmentDueDate returns the due date of the i-th (zero-based) installment of a plan starting at
// start and paying on paymentDay. The first installment is due in start's month unless paymentDay has
// already passed, in which case the schedule begins the following month.
func InstallmentDueDate(start time.Time, paymentDay, i int) time.Time {
	first := PeriodOf(start)
	if first.DueDate(paymentDay).Before(Date(start)) {
		first = first.AddMonths(1)
	}
	return first.AddMonths(i).DueDate(paymentDay)
}

// ContractBillingKey is the idempotency key of a contract invoice for one payment day of a period.
func ContractBillingKey(contractID string, p Period, day int) string {
	return fmt.Sprintf("contract:%s:%s:%02d", contractID, p, day)
}

// AgreementBillingKey is the idempotency key of an agreement installment (1-based).
func AgreementBillingKey(agreementID string, installment int) string {
	return fmt.Sprintf("agreement:%s:%d", agreementID, installment)
}

// NewOrderID returns a fresh gateway order id for a charge.
func NewOrderID(prefix string) string {
	return prefix + "-" + uuid.NewString()
}
