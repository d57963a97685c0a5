package domain

import (
	"fmt"
	"time"
)

// Term is the billing period of a subscription.
type Term string

const (
	TermMonthly Term = "monthly"
	TermYearly  Term = "yearly"
)

func ParseTerm(s string) (Term, error) {
	t := Term(s)
	if err := t.Validate(); err != nil {
		return "", err
	}
	return t, nil
}

func (t Term) Validate() error {
	switch t {
	case TermMonthly, TermYearly:
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrInvalidTerm, string(t))
	}
}

// Multiplier is the number of monthly prices billed per term.
func (t Term) Multiplier() int64 {
	if t == TermYearly {
		return 12
	}
	return 1
}

// NextRenewal returns from plus one term. Month ends clamp, so Jan 31
// renews on the last day of February.
func (t Term) NextRenewal(from time.Time) time.Time {
	if t == TermYearly {
		return addMonths(from, 12)
	}
	return addMonths(from, 1)
}

func addMonths(t time.Time, months int) time.Time {
	y, m, d := t.Date()
	first := time.Date(y, m+time.Month(months), 1, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
	if last := daysIn(first); d > last {
		d = last
	}
	return time.Date(first.Year(), first.Month(), d, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
}

func daysIn(t time.Time) int {
	return time.Date(t.Year(), t.Month()+1, 0, 0, 0, 0, 0, t.Location()).Day()
}
