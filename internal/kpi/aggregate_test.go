package kpi

import (
	"reflect"
	"testing"
)

func detail(dept, doctor, indicator string, numerator int) DetailRow {
	return DetailRow{
		Department:    dept,
		Doctor:        doctor,
		IndicatorName: indicator,
		IndicatorDef:  IndicatorDefPostOpMortality,
		Numerator:     numerator,
		Denominator:   1,
		Unit:          IndicatorUnit,
	}
}

func TestAggregate_RateRounding(t *testing.T) {
	var details []DetailRow
	for i := 0; i < 150; i++ {
		n := 0
		if i < 3 {
			n = 1
		}
		details = append(details, detail("外科", "Dr. Chen", IndicatorPostOpMortality, n))
	}

	rows := Aggregate(details)
	if len(rows) != 1 {
		t.Fatalf("expected 1 summary row, got %d", len(rows))
	}
	r := rows[0]
	if r.Numerator != 3 || r.Denominator != 150 {
		t.Errorf("unexpected counts %d/%d", r.Numerator, r.Denominator)
	}
	if r.Value != 2.00 {
		t.Errorf("expected rate 2.00, got %v", r.Value)
	}
}

func TestAggregate_PermutationInvariant(t *testing.T) {
	a := []DetailRow{
		detail("外科", "Dr. Chen", IndicatorPostOpMortality, 1),
		detail("內科", "Dr. Wu", IndicatorPostOpMortality, 0),
		detail("外科", "Dr. Chen", IndicatorPostOpMortality, 0),
		detail("外科", "Dr. Lin", IndicatorPostOpMortality, 0),
	}
	b := []DetailRow{a[3], a[1], a[0], a[2]}

	if !reflect.DeepEqual(Aggregate(a), Aggregate(b)) {
		t.Error("aggregation must be independent of input order")
	}
}

func TestAggregate_SortedByCompositeKey(t *testing.T) {
	rows := Aggregate([]DetailRow{
		detail("外科", "Dr. Wu", IndicatorPostOpMortality, 0),
		detail("內科", "Dr. Chen", IndicatorPostOpMortality, 0),
		detail("外科", "Dr. Chen", IndicatorPostOpMortality, 0),
	})
	if len(rows) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(rows))
	}
	for i := 1; i < len(rows); i++ {
		prev, cur := rows[i-1], rows[i]
		if prev.Department > cur.Department ||
			(prev.Department == cur.Department && prev.Doctor > cur.Doctor) {
			t.Errorf("rows out of order at %d: %+v before %+v", i, prev, cur)
		}
	}
}

func TestAggregate_WhitespaceVariantsGroupTogether(t *testing.T) {
	rows := Aggregate([]DetailRow{
		detail("外科", "Dr. Chen", "術後48小時死亡率", 1),
		detail("外科", "Dr. Chen", " 術後48小時死亡率 ", 0),
		detail("外科", "Dr. Chen", "術後48小時 死亡率", 0),
	})
	if len(rows) != 1 {
		t.Fatalf("whitespace variants must collapse into one group, got %d", len(rows))
	}
	if rows[0].Denominator != 3 {
		t.Errorf("expected denominator 3, got %d", rows[0].Denominator)
	}
	if rows[0].IndicatorName != "術後48小時死亡率" {
		t.Errorf("indicator must be stored normalized, got %q", rows[0].IndicatorName)
	}
}

func TestAggregate_ZeroDenominatorYieldsZeroRate(t *testing.T) {
	d := detail("外科", "Dr. Chen", IndicatorPostOpMortality, 0)
	d.Denominator = 0
	rows := Aggregate([]DetailRow{d})
	if len(rows) != 1 || rows[0].Value != 0 {
		t.Errorf("expected zero rate for zero denominator, got %+v", rows)
	}
}

func TestAggregate_EmptyInput(t *testing.T) {
	if rows := Aggregate(nil); len(rows) != 0 {
		t.Errorf("expected no rows, got %d", len(rows))
	}
}

func TestNormalizeIndicator(t *testing.T) {
	if got := NormalizeIndicator("  術後48小時 死亡率\t"); got != "術後48小時死亡率" {
		t.Errorf("unexpected normalization %q", got)
	}
}
