package billing

import (
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-subscriptions/core"
)

// AddBillingInterval advances from by count billing intervals. Month-based
// intervals lean on time.AddDate normalization, so Jan 31 + 1 month lands on
// Mar 2/3 rather than failing.
func AddBillingInterval(interval string, count int, from time.Time) (time.Time, error) {
	if count < 1 {
		count = 1
	}
	switch strings.ToUpper(strings.TrimSpace(interval)) {
	case core.IntervalDaily:
		return from.AddDate(0, 0, count), nil
	case core.IntervalWeekly:
		return from.AddDate(0, 0, 7*count), nil
	case core.IntervalMonthly:
		return from.AddDate(0, count, 0), nil
	case core.IntervalQuarterly:
		return from.AddDate(0, 3*count, 0), nil
	case core.IntervalYearly:
		return from.AddDate(count, 0, 0), nil
	default:
		return time.Time{}, fmt.Errorf("billing: unsupported billing interval %q", interval)
	}
}

// PeriodEnd computes the end of the billing period that starts at start for
// the given plan.
func PeriodEnd(plan core.Plan, start time.Time) (time.Time, error) {
	return AddBillingInterval(plan.BillingInterval, plan.IntervalCount, start)
}
