package kpi

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type repoPG struct {
	pool *pgxpool.Pool
}

// NewRepo creates the Postgres-backed repository.
func NewRepo(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

const summaryCols = `id, department, doctor, indicator_name, indicator_def,
	numerator, denominator, value, unit`

const detailCols = `id, department, doctor, indicator_name, indicator_def,
	patient_id, patient_gender, patient_birthday, patient_age,
	status, value, numerator, denominator, unit,
	report_date, admission_date, discharge_date, abnormal_reason`

func (r *repoPG) ReplaceAll(ctx context.Context, summaries []SummaryRow, details []DetailRow) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin replace tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var errs []error
	if _, err := tx.Exec(ctx, `DELETE FROM kpi_summary`); err != nil {
		errs = append(errs, fmt.Errorf("clear kpi_summary: %w", err))
	}
	if _, err := tx.Exec(ctx, `DELETE FROM kpi_detail`); err != nil {
		errs = append(errs, fmt.Errorf("clear kpi_detail: %w", err))
	}

	// Both inserts are attempted even when the first fails, so a single
	// error report covers everything wrong with the batch.
	if err := insertSummaries(ctx, tx, summaries); err != nil {
		errs = append(errs, err)
	}
	if err := insertDetails(ctx, tx, details); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit replace tx: %w", err)
	}
	return nil
}

func insertSummaries(ctx context.Context, tx pgx.Tx, summaries []SummaryRow) error {
	for _, s := range summaries {
		_, err := tx.Exec(ctx, `
			INSERT INTO kpi_summary (
				department, doctor, indicator_name, indicator_def,
				numerator, denominator, value, unit
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
			ON CONFLICT (department, doctor, indicator_name) DO UPDATE SET
				indicator_def = EXCLUDED.indicator_def,
				numerator     = EXCLUDED.numerator,
				denominator   = EXCLUDED.denominator,
				value         = EXCLUDED.value,
				unit          = EXCLUDED.unit`,
			s.Department, s.Doctor, s.IndicatorName, s.IndicatorDef,
			s.Numerator, s.Denominator, s.Value, s.Unit,
		)
		if err != nil {
			return fmt.Errorf("insert kpi_summary row (%s/%s): %w", s.Department, s.Doctor, err)
		}
	}
	return nil
}

func insertDetails(ctx context.Context, tx pgx.Tx, details []DetailRow) error {
	for _, d := range details {
		_, err := tx.Exec(ctx, `
			INSERT INTO kpi_detail (
				department, doctor, indicator_name, indicator_def,
				patient_id, patient_gender, patient_birthday, patient_age,
				status, value, numerator, denominator, unit,
				report_date, admission_date, discharge_date, abnormal_reason
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`,
			d.Department, d.Doctor, d.IndicatorName, d.IndicatorDef,
			d.PatientID, nullStr(d.PatientGender), d.PatientBirthday, d.PatientAge,
			d.Status, d.Value, d.Numerator, d.Denominator, d.Unit,
			d.ReportDate, d.AdmissionDate, d.DischargeDate, nullStr(d.AbnormalReason),
		)
		if err != nil {
			return fmt.Errorf("insert kpi_detail row (patient %s): %w", d.PatientID, err)
		}
	}
	return nil
}

func nullStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func (r *repoPG) ListSummaries(ctx context.Context, f SummaryFilter) ([]SummaryRow, error) {
	sql := `SELECT ` + summaryCols + ` FROM kpi_summary`
	where, args := summaryWhere(f)
	sql += where + ` ORDER BY department, doctor, indicator_name`

	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("list kpi_summary: %w", err)
	}
	defer rows.Close()

	var out []SummaryRow
	for rows.Next() {
		var s SummaryRow
		if err := rows.Scan(
			&s.ID, &s.Department, &s.Doctor, &s.IndicatorName, &s.IndicatorDef,
			&s.Numerator, &s.Denominator, &s.Value, &s.Unit,
		); err != nil {
			return nil, fmt.Errorf("scan kpi_summary row: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *repoPG) ListDetails(ctx context.Context, f DetailFilter) ([]DetailRow, error) {
	sql := `SELECT ` + detailCols + ` FROM kpi_detail`
	where, args := detailWhere(f)
	sql += where + ` ORDER BY report_date DESC, id`

	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("list kpi_detail: %w", err)
	}
	defer rows.Close()

	var out []DetailRow
	for rows.Next() {
		var (
			d      DetailRow
			gender *string
			reason *string
		)
		if err := rows.Scan(
			&d.ID, &d.Department, &d.Doctor, &d.IndicatorName, &d.IndicatorDef,
			&d.PatientID, &gender, &d.PatientBirthday, &d.PatientAge,
			&d.Status, &d.Value, &d.Numerator, &d.Denominator, &d.Unit,
			&d.ReportDate, &d.AdmissionDate, &d.DischargeDate, &reason,
		); err != nil {
			return nil, fmt.Errorf("scan kpi_detail row: %w", err)
		}
		if gender != nil {
			d.PatientGender = *gender
		}
		if reason != nil {
			d.AbnormalReason = *reason
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func summaryWhere(f SummaryFilter) (string, []interface{}) {
	var conds []string
	var args []interface{}

	if len(f.Departments) > 0 {
		args = append(args, f.Departments)
		conds = append(conds, fmt.Sprintf("department = ANY($%d)", len(args)))
	}
	if len(f.Doctors) > 0 {
		args = append(args, f.Doctors)
		conds = append(conds, fmt.Sprintf("doctor = ANY($%d)", len(args)))
	}
	if f.Indicator != "" {
		args = append(args, NormalizeIndicator(f.Indicator))
		conds = append(conds, fmt.Sprintf("indicator_name = $%d", len(args)))
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func detailWhere(f DetailFilter) (string, []interface{}) {
	var conds []string
	var args []interface{}

	if len(f.Departments) > 0 {
		args = append(args, f.Departments)
		conds = append(conds, fmt.Sprintf("department = ANY($%d)", len(args)))
	}
	if len(f.Doctors) > 0 {
		args = append(args, f.Doctors)
		conds = append(conds, fmt.Sprintf("doctor = ANY($%d)", len(args)))
	}
	if f.Indicator != "" {
		args = append(args, NormalizeIndicator(f.Indicator))
		conds = append(conds, fmt.Sprintf("indicator_name = $%d", len(args)))
	}
	if f.AbnormalOnly {
		args = append(args, StatusAbnormal)
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}
