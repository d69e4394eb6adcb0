package kpi

import (
	"testing"
	"time"
)

var opEnd = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func tp(t time.Time) *time.Time { return &t }

func TestClassify_DeathExactly48HoursIsAbnormal(t *testing.T) {
	rec := Classify(ClinicalCase{
		OperationEnd: opEnd,
		Deceased:     tp(opEnd.Add(48 * time.Hour)),
	})
	if rec.Numerator != 1 {
		t.Fatal("death at exactly 48h must count")
	}
	if rec.Status != StatusAbnormal || rec.AbnormalReason != ReasonDeathWithin48h {
		t.Errorf("unexpected status/reason: %s / %s", rec.Status, rec.AbnormalReason)
	}
}

func TestClassify_DeathJustPast48HoursIsNormal(t *testing.T) {
	rec := Classify(ClinicalCase{
		OperationEnd: opEnd,
		Deceased:     tp(opEnd.Add(48*time.Hour + time.Millisecond)),
	})
	if rec.Numerator != 0 {
		t.Error("death 1ms past the window must not count")
	}
	if rec.Status != StatusNormal || rec.AbnormalReason != "" {
		t.Errorf("unexpected status/reason: %s / %s", rec.Status, rec.AbnormalReason)
	}
}

func TestClassify_DeathAtOperationEndIsNormal(t *testing.T) {
	rec := Classify(ClinicalCase{
		OperationEnd: opEnd,
		Deceased:     tp(opEnd),
	})
	if rec.Numerator != 0 {
		t.Error("a zero-hour difference is outside the half-open window")
	}
}

func TestClassify_DeathBeforeOperationIsNormal(t *testing.T) {
	rec := Classify(ClinicalCase{
		OperationEnd: opEnd,
		Deceased:     tp(opEnd.Add(-time.Hour)),
	})
	if rec.Numerator != 0 {
		t.Error("death before the operation end must not count")
	}
}

func TestClassify_DeathTakesPriorityOverDischarge(t *testing.T) {
	rec := Classify(ClinicalCase{
		OperationEnd:         opEnd,
		Deceased:             tp(opEnd.Add(10 * time.Hour)),
		DischargeDisposition: "exp",
		DischargeDate:        tp(opEnd.Add(20 * time.Hour)),
	})
	if rec.AbnormalReason != ReasonDeathWithin48h {
		t.Errorf("death must win over discharge, got reason %q", rec.AbnormalReason)
	}
}

func TestClassify_CriticalDischargeWithinWindow(t *testing.T) {
	for _, code := range []string{"aadvice", "exp"} {
		rec := Classify(ClinicalCase{
			OperationEnd:         opEnd,
			DischargeDisposition: code,
			DischargeDate:        tp(opEnd.Add(24 * time.Hour)),
		})
		if rec.Numerator != 1 || rec.AbnormalReason != ReasonCriticalDischarge {
			t.Errorf("disposition %q within window must count, got %+v", code, rec)
		}
	}
}

func TestClassify_OrdinaryDischargeIsNormal(t *testing.T) {
	rec := Classify(ClinicalCase{
		OperationEnd:         opEnd,
		DischargeDisposition: "home",
		DischargeDate:        tp(opEnd.Add(24 * time.Hour)),
	})
	if rec.Numerator != 0 {
		t.Error("ordinary discharge must not count")
	}
}

func TestClassify_CriticalDischargeWithoutDateIsNormal(t *testing.T) {
	rec := Classify(ClinicalCase{
		OperationEnd:         opEnd,
		DischargeDisposition: "exp",
	})
	if rec.Numerator != 0 {
		t.Error("critical disposition without a discharge date must not count")
	}
}

func TestClassify_DenominatorAlwaysOne(t *testing.T) {
	cases := []ClinicalCase{
		{OperationEnd: opEnd},
		{OperationEnd: opEnd, Deceased: tp(opEnd.Add(time.Hour))},
		{OperationEnd: opEnd, Deceased: tp(opEnd.Add(100 * time.Hour))},
	}
	for i, c := range cases {
		if rec := Classify(c); rec.Denominator != 1 {
			t.Errorf("case %d: denominator must be 1, got %d", i, rec.Denominator)
		}
	}
}

func TestDetailFromRecord_AgeAndReportDate(t *testing.T) {
	birth := time.Date(1950, 7, 14, 0, 0, 0, 0, time.UTC)
	now := time.Date(2026, 3, 12, 0, 0, 0, 0, time.UTC)

	rec := Classify(ClinicalCase{
		PatientID:    "pat-1",
		Department:   "外科",
		Doctor:       "Dr. Chen",
		BirthDate:    &birth,
		OperationEnd: opEnd,
		Deceased:     tp(opEnd.Add(time.Hour)),
	})
	d := DetailFromRecord(rec, now)

	if d.PatientAge != 76 {
		t.Errorf("expected age 76, got %d", d.PatientAge)
	}
	if !d.ReportDate.Equal(opEnd) {
		t.Errorf("report date must be the operation end, got %v", d.ReportDate)
	}
	if d.IndicatorName != IndicatorPostOpMortality || d.Unit != IndicatorUnit {
		t.Errorf("unexpected indicator fields: %q %q", d.IndicatorName, d.Unit)
	}
	if d.Value != 1 || d.Numerator != 1 || d.Denominator != 1 {
		t.Errorf("unexpected counts: %d/%d/%d", d.Value, d.Numerator, d.Denominator)
	}
}
