package kpi

import "time"

// The adverse-outcome window after the end of the operation.
const outcomeWindowHours = 48.0

// Discharge dispositions counted as critical: against advice, expired.
var criticalDispositions = map[string]bool{
	"aadvice": true,
	"exp":     true,
}

// hoursBetween computes the signed hour difference from millisecond
// precision, matching how report timestamps are compared upstream.
func hoursBetween(from, to time.Time) float64 {
	return float64(to.Sub(from).Milliseconds()) / (1000 * 60 * 60)
}

// withinWindow reports whether the event falls inside the half-open window:
// strictly after the operation end, and at most 48 hours after it.
func withinWindow(operationEnd, event time.Time) bool {
	h := hoursBetween(operationEnd, event)
	return h > 0 && h <= outcomeWindowHours
}

// Classify evaluates one case against the 48-hour post-operative rule.
// Death takes priority over a critical discharge; every case contributes 1
// to the denominator regardless of outcome.
func Classify(c ClinicalCase) OutcomeRecord {
	rec := OutcomeRecord{
		Case:        c,
		Denominator: 1,
		Status:      StatusNormal,
	}

	if c.Deceased != nil && withinWindow(c.OperationEnd, *c.Deceased) {
		rec.Numerator = 1
		rec.Status = StatusAbnormal
		rec.AbnormalReason = ReasonDeathWithin48h
		return rec
	}

	if criticalDispositions[c.DischargeDisposition] && c.DischargeDate != nil &&
		withinWindow(c.OperationEnd, *c.DischargeDate) {
		rec.Numerator = 1
		rec.Status = StatusAbnormal
		rec.AbnormalReason = ReasonCriticalDischarge
	}

	return rec
}
