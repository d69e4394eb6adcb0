package kpi

import "context"

// SummaryFilter narrows summary listings. Empty slices and strings match
// everything.
type SummaryFilter struct {
	Departments []string
	Doctors     []string
	Indicator   string
}

// DetailFilter narrows detail listings. AbnormalOnly restricts to rows with
// an abnormal status.
type DetailFilter struct {
	Departments  []string
	Doctors      []string
	Indicator    string
	AbnormalOnly bool
}

// Repository persists the KPI summary and detail tables.
type Repository interface {
	// ReplaceAll atomically swaps the full contents of both tables. Either
	// every row lands or none do.
	ReplaceAll(ctx context.Context, summaries []SummaryRow, details []DetailRow) error
	ListSummaries(ctx context.Context, f SummaryFilter) ([]SummaryRow, error)
	ListDetails(ctx context.Context, f DetailFilter) ([]DetailRow, error)
}
