package uniqueness

import (
	gm "github.com/daniel-nichter/go-metrics"
)

// Stats are process-wide totals of uniqueness checks.
type Stats struct {
	Checks     int64 // checks invoked
	Skips      int64 // checks that needed no query
	Violations int64 // queries that found a conflicting document
	Failures   int64 // checks that could not run
}

var counters = struct {
	checks     *gm.Counter
	skips      *gm.Counter
	violations *gm.Counter
	failures   *gm.Counter
}{
	checks:     gm.NewCounter(),
	skips:      gm.NewCounter(),
	violations: gm.NewCounter(),
	failures:   gm.NewCounter(),
}

// CurrentStats returns the totals since the process started.
func CurrentStats() Stats {
	return Stats{
		Checks:     counters.checks.Count(),
		Skips:      counters.skips.Count(),
		Violations: counters.violations.Count(),
		Failures:   counters.failures.Count(),
	}
}
