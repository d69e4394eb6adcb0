package kpi

import "sort"

type groupKey struct {
	department string
	doctor     string
	indicator  string
}

type accumulator struct {
	indicatorName string
	indicatorDef  string
	numerator     int
	denominator   int
	unit          string
}

// Aggregate folds detail rows into summary rows grouped by (department,
// doctor, normalized indicator name). The rate is numerator/denominator as a
// percentage rounded to two decimals, or 0 when the denominator is 0. The
// result is sorted by the composite key, so equal inputs in any order yield
// the same output.
func Aggregate(details []DetailRow) []SummaryRow {
	groups := make(map[groupKey]*accumulator)

	for _, d := range details {
		key := groupKey{
			department: d.Department,
			doctor:     d.Doctor,
			indicator:  NormalizeIndicator(d.IndicatorName),
		}
		acc, ok := groups[key]
		if !ok {
			acc = &accumulator{
				indicatorName: NormalizeIndicator(d.IndicatorName),
				indicatorDef:  d.IndicatorDef,
			}
			groups[key] = acc
		}
		acc.numerator += d.Numerator
		acc.denominator += d.Denominator
		acc.unit = d.Unit
	}

	keys := make([]groupKey, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := keys[i], keys[j]
		if a.department != b.department {
			return a.department < b.department
		}
		if a.doctor != b.doctor {
			return a.doctor < b.doctor
		}
		return a.indicator < b.indicator
	})

	rows := make([]SummaryRow, 0, len(keys))
	for _, k := range keys {
		acc := groups[k]
		value := 0.0
		if acc.denominator > 0 {
			value = round2(float64(acc.numerator) / float64(acc.denominator) * 100)
		}
		rows = append(rows, SummaryRow{
			Department:    k.department,
			Doctor:        k.doctor,
			IndicatorName: acc.indicatorName,
			IndicatorDef:  acc.indicatorDef,
			Numerator:     acc.numerator,
			Denominator:   acc.denominator,
			Value:         value,
			Unit:          acc.unit,
		})
	}
	return rows
}
