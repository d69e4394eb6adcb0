// Package kpi implements the hospital quality-indicator pipeline: outcome
// classification of surgical cases, numerator/denominator aggregation, the
// Postgres-backed summary/detail store, and the sync orchestration on top.
package kpi

import (
	"math"
	"strings"
	"time"
	"unicode"
)

// The single indicator this pipeline computes today.
const (
	IndicatorPostOpMortality    = "術後48小時死亡率"
	IndicatorDefPostOpMortality = "手術後死亡人數 / 手術總次數"
	IndicatorUnit               = "%"
)

// Case status values as shown on the dashboard.
const (
	StatusNormal   = "正常"
	StatusAbnormal = "異常"
)

// Abnormal reasons.
const (
	ReasonDeathWithin48h    = "術後48小時內死亡"
	ReasonCriticalDischarge = "病危出院"
)

// ClinicalCase is one joined surgical case: a Procedure matched with its
// Patient and Encounter. OperationEnd is always set; callers drop cases
// without a performed-period end before building a ClinicalCase.
type ClinicalCase struct {
	PatientID            string
	Department           string
	Doctor               string
	Gender               string
	BirthDate            *time.Time
	OperationEnd         time.Time
	Deceased             *time.Time
	DischargeDisposition string
	AdmissionDate        *time.Time
	DischargeDate        *time.Time
}

// OutcomeRecord is the classification result for one case. Denominator is
// always 1; Numerator is 1 when the case hit an adverse outcome inside the
// 48-hour window.
type OutcomeRecord struct {
	Case           ClinicalCase
	Numerator      int
	Denominator    int
	Status         string
	AbnormalReason string
}

// SummaryRow is one aggregated (department, doctor, indicator) row.
type SummaryRow struct {
	ID            int64   `json:"id,omitempty"`
	Department    string  `json:"department"`
	Doctor        string  `json:"doctor"`
	IndicatorName string  `json:"indicator_name"`
	IndicatorDef  string  `json:"indicator_def"`
	Numerator     int     `json:"numerator"`
	Denominator   int     `json:"denominator"`
	Value         float64 `json:"value"`
	Unit          string  `json:"unit"`
}

// DetailRow is one per-case row backing the drill-down and abnormal lists.
type DetailRow struct {
	ID              int64      `json:"id,omitempty"`
	Department      string     `json:"department"`
	Doctor          string     `json:"doctor"`
	IndicatorName   string     `json:"indicator_name"`
	IndicatorDef    string     `json:"indicator_def"`
	PatientID       string     `json:"patient_id"`
	PatientGender   string     `json:"patient_gender,omitempty"`
	PatientBirthday *time.Time `json:"patient_birthday,omitempty"`
	PatientAge      int        `json:"patient_age"`
	Status          string     `json:"status"`
	Value           int        `json:"value"`
	Numerator       int        `json:"numerator"`
	Denominator     int        `json:"denominator"`
	Unit            string     `json:"unit"`
	ReportDate      time.Time  `json:"report_date"`
	AdmissionDate   *time.Time `json:"admission_date,omitempty"`
	DischargeDate   *time.Time `json:"discharge_date,omitempty"`
	AbnormalReason  string     `json:"abnormal_reason,omitempty"`
}

// DetailFromRecord projects a classified case into its detail row. The
// operation end doubles as the report date; age is a calendar-year
// difference as of now.
func DetailFromRecord(r OutcomeRecord, now time.Time) DetailRow {
	age := 0
	if r.Case.BirthDate != nil {
		age = now.Year() - r.Case.BirthDate.Year()
	}
	return DetailRow{
		Department:      r.Case.Department,
		Doctor:          r.Case.Doctor,
		IndicatorName:   IndicatorPostOpMortality,
		IndicatorDef:    IndicatorDefPostOpMortality,
		PatientID:       r.Case.PatientID,
		PatientGender:   r.Case.Gender,
		PatientBirthday: r.Case.BirthDate,
		PatientAge:      age,
		Status:          r.Status,
		Value:           r.Numerator,
		Numerator:       r.Numerator,
		Denominator:     r.Denominator,
		Unit:            IndicatorUnit,
		ReportDate:      r.Case.OperationEnd,
		AdmissionDate:   r.Case.AdmissionDate,
		DischargeDate:   r.Case.DischargeDate,
		AbnormalReason:  r.AbnormalReason,
	}
}

// NormalizeIndicator strips all whitespace from an indicator name so that
// grouping and filtering are immune to stray spaces in source data.
func NormalizeIndicator(name string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, name)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
