// Package reconciliation compares reported account balances against the
// balance implied by opening + inflow - outflow and classifies the drift.
//
// Everything here is pure: the same facts and thresholds always produce the
// same report. Arithmetic is decimal; float64 appears only in JSON output.
package reconciliation

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Status is the severity of a drift.
type Status string

const (
	StatusOK   Status = "OK"
	StatusWarn Status = "WARN"
	StatusFail Status = "FAIL"
)

// Policy selects how the fail threshold participates in classification.
type Policy string

const (
	// PolicyLegacy: anything above Warn is FAIL; Fail is advisory and only
	// shows up in notes.
	PolicyLegacy Policy = "legacy"
	// PolicyGraded: WARN up to Fail, FAIL above it; crossing Warn adds a note.
	PolicyGraded Policy = "graded"
)

// TotalsAccount labels the totals row.
const TotalsAccount = "TOTAL"

// Thresholds configure classification.
type Thresholds struct {
	Tolerance float64 // |drift| <= Tolerance is always OK
	Warn      float64
	Fail      float64
	Policy    Policy
}

// DefaultThresholds returns WARN=100, FAIL=500, tolerance 1, legacy policy.
func DefaultThresholds() Thresholds {
	return Thresholds{Tolerance: 1, Warn: 100, Fail: 500, Policy: PolicyLegacy}
}

// Fact is one account's reported figures.
type Fact struct {
	Account        string
	OpeningBalance decimal.Decimal
	Inflow         decimal.Decimal
	Outflow        decimal.Decimal
	ActualCurrent  decimal.Decimal
	Notes          []string // coercion notes from parsing
}

// Expected is opening + inflow - outflow.
func (f Fact) Expected() decimal.Decimal {
	return f.OpeningBalance.Add(f.Inflow).Sub(f.Outflow)
}

// Drift is actual - expected.
func (f Fact) Drift() decimal.Decimal {
	return f.ActualCurrent.Sub(f.Expected())
}

// Check is one reconciled row.
type Check struct {
	Account         string   `json:"account"`
	OpeningBalance  float64  `json:"openingBalance"`
	Inflow          float64  `json:"inflow"`
	Outflow         float64  `json:"outflow"`
	ExpectedCurrent float64  `json:"expectedCurrent"`
	ActualCurrent   float64  `json:"actualCurrent"`
	Drift           float64  `json:"drift"`
	Status          Status   `json:"status"`
	Notes           []string `json:"notes"`
}

// Report is the outcome of one reconciliation.
type Report struct {
	Checks     []Check    `json:"checks"`
	Totals     Check      `json:"totals"`
	Thresholds Thresholds `json:"-"`
}

// Count returns how many account checks (totals excluded) have status s.
func (r *Report) Count(s Status) int {
	n := 0
	for _, c := range r.Checks {
		if c.Status == s {
			n++
		}
	}
	return n
}

// Classify maps an absolute drift onto a status.
func Classify(absDrift float64, th Thresholds) Status {
	status, _ := classify(decimal.NewFromFloat(absDrift).Abs(), th)
	return status
}

// classify returns the status and, when a threshold outside the status enum
// was crossed, an explanatory note.
func classify(abs decimal.Decimal, th Thresholds) (Status, string) {
	tolerance := decimal.NewFromFloat(th.Tolerance)
	warn := decimal.NewFromFloat(th.Warn)
	fail := decimal.NewFromFloat(th.Fail)

	if abs.LessThanOrEqual(tolerance) {
		return StatusOK, ""
	}

	if th.Policy == PolicyGraded {
		if abs.GreaterThan(fail) {
			return StatusFail, ""
		}
		if abs.GreaterThan(warn) {
			return StatusWarn, fmt.Sprintf("drift exceeds warn threshold %s", warn.String())
		}
		return StatusWarn, ""
	}

	if abs.GreaterThan(warn) {
		if abs.GreaterThan(fail) {
			return StatusFail, fmt.Sprintf("drift exceeds fail threshold %s", fail.String())
		}
		return StatusFail, ""
	}
	return StatusWarn, ""
}

// Reconcile computes every check and the totals row.
func Reconcile(facts []Fact, th Thresholds) Report {
	report := Report{Checks: make([]Check, 0, len(facts)), Thresholds: th}

	total := Fact{Account: TotalsAccount}
	for _, f := range facts {
		report.Checks = append(report.Checks, check(f, th))
		total.OpeningBalance = total.OpeningBalance.Add(f.OpeningBalance)
		total.Inflow = total.Inflow.Add(f.Inflow)
		total.Outflow = total.Outflow.Add(f.Outflow)
		total.ActualCurrent = total.ActualCurrent.Add(f.ActualCurrent)
	}
	// Totals use their own drift, not the worst child.
	report.Totals = check(total, th)

	for _, c := range report.Checks {
		reconChecks.WithLabelValues(string(c.Status)).Inc()
	}
	reconReports.WithLabelValues(string(report.Totals.Status)).Inc()
	return report
}

func check(f Fact, th Thresholds) Check {
	expected := f.Expected()
	drift := f.ActualCurrent.Sub(expected)
	status, note := classify(drift.Abs(), th)

	notes := make([]string, 0, len(f.Notes)+1)
	notes = append(notes, f.Notes...)
	if note != "" {
		notes = append(notes, note)
	}

	return Check{
		Account:         f.Account,
		OpeningBalance:  f.OpeningBalance.InexactFloat64(),
		Inflow:          f.Inflow.InexactFloat64(),
		Outflow:         f.Outflow.InexactFloat64(),
		ExpectedCurrent: expected.InexactFloat64(),
		ActualCurrent:   f.ActualCurrent.InexactFloat64(),
		Drift:           drift.InexactFloat64(),
		Status:          status,
		Notes:           notes,
	}
}
