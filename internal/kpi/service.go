package kpi

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/kpi/kpi/internal/platform/fhirclient"
	"github.com/kpi/kpi/internal/platform/telemetry"
)

// ErrSyncInProgress is returned when a sync run is requested while another
// one is still running.
var ErrSyncInProgress = errors.New("kpi: sync already in progress")

// Fetcher is the slice of the FHIR client the orchestrator uses.
type Fetcher interface {
	FetchProcedures(ctx context.Context, since time.Time, pageSize int) ([]fhirclient.Procedure, error)
	FetchPatientsByID(ctx context.Context, ids []string) (map[string]fhirclient.Patient, int)
	FetchEncountersByID(ctx context.Context, ids []string) (map[string]fhirclient.Encounter, int)
}

// SyncResult summarizes one pipeline run.
type SyncResult struct {
	Success      bool   `json:"success"`
	Message      string `json:"message"`
	DetailCount  int    `json:"detailCount"`
	SummaryCount int    `json:"summaryCount"`
	NoData       bool   `json:"-"`
}

// Service runs the sync pipeline: fetch, join, classify, aggregate, store.
type Service struct {
	fetcher      Fetcher
	repo         Repository
	metrics      *telemetry.Recorder
	log          zerolog.Logger
	lookbackDays int
	pageSize     int

	mu  sync.Mutex
	now func() time.Time
}

// NewService creates the orchestrator. metrics may be nil.
func NewService(fetcher Fetcher, repo Repository, metrics *telemetry.Recorder, lookbackDays, pageSize int, log zerolog.Logger) *Service {
	return &Service{
		fetcher:      fetcher,
		repo:         repo,
		metrics:      metrics,
		log:          log.With().Str("component", "kpi-sync").Logger(),
		lookbackDays: lookbackDays,
		pageSize:     pageSize,
		now:          time.Now,
	}
}

// RunSync executes one full pipeline run. Only one run may be in flight at a
// time; a concurrent call fails fast with ErrSyncInProgress. Cancellation is
// honored between stages, so an aborted run never leaves a partial store.
func (s *Service) RunSync(ctx context.Context) (*SyncResult, error) {
	if !s.mu.TryLock() {
		return nil, ErrSyncInProgress
	}
	defer s.mu.Unlock()

	started := s.now()
	if s.metrics != nil {
		s.metrics.SyncRunStarted()
	}

	res, err := s.runPipeline(ctx)
	if s.metrics != nil {
		outcome := "succeeded"
		if err != nil {
			outcome = "failed"
		}
		s.metrics.SyncRunCompleted(outcome, time.Since(started))
	}
	return res, err
}

func (s *Service) runPipeline(ctx context.Context) (*SyncResult, error) {
	since := s.now().AddDate(0, 0, -s.lookbackDays)

	procedures, err := s.fetcher.FetchProcedures(ctx, since, s.pageSize)
	if errors.Is(err, fhirclient.ErrNoData) {
		s.log.Info().Msg("no procedures in lookback window, store untouched")
		return &SyncResult{
			Success: false,
			NoData:  true,
			Message: "No procedures found on FHIR server.",
		}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetch procedures: %w", err)
	}
	if s.metrics != nil {
		s.metrics.ResourcesFetched("Procedure", len(procedures))
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	patients, encounters := s.fetchLinked(ctx, procedures)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	details, dropped := s.buildDetails(procedures, patients, encounters)
	if dropped > 0 {
		s.log.Warn().Int("dropped", dropped).Msg("cases excluded from this run")
		if s.metrics != nil {
			s.metrics.CasesDropped(dropped)
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	summaries := Aggregate(details)

	if err := s.repo.ReplaceAll(ctx, summaries, details); err != nil {
		return nil, fmt.Errorf("replace kpi tables: %w", err)
	}
	if s.metrics != nil {
		s.metrics.SetRowCounts(len(details), len(summaries))
	}

	if len(details) == 0 {
		s.log.Info().Msg("fetch succeeded but no case qualified, tables cleared")
		return &SyncResult{
			Success: true,
			Message: "FHIR 同步完成，但無符合條件資料。",
		}, nil
	}

	s.log.Info().
		Int("details", len(details)).
		Int("summaries", len(summaries)).
		Msg("sync completed")

	return &SyncResult{
		Success:      true,
		Message:      fmt.Sprintf("同步完成: %d 筆明細，%d 筆匯總", len(details), len(summaries)),
		DetailCount:  len(details),
		SummaryCount: len(summaries),
	}, nil
}

// fetchLinked resolves the Patients and Encounters referenced by the
// procedures, the two resource types in parallel.
func (s *Service) fetchLinked(ctx context.Context, procedures []fhirclient.Procedure) (map[string]fhirclient.Patient, map[string]fhirclient.Encounter) {
	var patIDs, encIDs []string
	for i := range procedures {
		if id := procedures[i].Subject.ID(); id != "" {
			patIDs = append(patIDs, id)
		}
		if id := procedures[i].Encounter.ID(); id != "" {
			encIDs = append(encIDs, id)
		}
	}

	var (
		wg         sync.WaitGroup
		patients   map[string]fhirclient.Patient
		encounters map[string]fhirclient.Encounter
		patFailed  int
		encFailed  int
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		patients, patFailed = s.fetcher.FetchPatientsByID(ctx, patIDs)
	}()
	go func() {
		defer wg.Done()
		encounters, encFailed = s.fetcher.FetchEncountersByID(ctx, encIDs)
	}()
	wg.Wait()

	if s.metrics != nil {
		s.metrics.ResourcesFetched("Patient", len(patients))
		s.metrics.ResourcesFetched("Encounter", len(encounters))
		for i := 0; i < patFailed; i++ {
			s.metrics.ChunkFailed("Patient")
		}
		for i := 0; i < encFailed; i++ {
			s.metrics.ChunkFailed("Encounter")
		}
	}
	return patients, encounters
}

// buildDetails joins each procedure with its patient and encounter,
// classifies the case, and projects the detail row. Cases missing a linked
// resource or an operation end are dropped.
func (s *Service) buildDetails(
	procedures []fhirclient.Procedure,
	patients map[string]fhirclient.Patient,
	encounters map[string]fhirclient.Encounter,
) ([]DetailRow, int) {
	now := s.now()
	details := make([]DetailRow, 0, len(procedures))
	dropped := 0

	for i := range procedures {
		proc := &procedures[i]

		patient, okPat := patients[proc.Subject.ID()]
		encounter, okEnc := encounters[proc.Encounter.ID()]
		if !okPat || !okEnc {
			dropped++
			continue
		}

		opEnd := proc.PerformedEnd()
		if opEnd == nil || opEnd.IsZero() {
			dropped++
			continue
		}

		cc := ClinicalCase{
			PatientID:            patient.ID,
			Department:           encounter.DepartmentName(),
			Doctor:               proc.PerformerName(),
			Gender:               patient.Gender,
			BirthDate:            fhirTimePtr(patient.BirthDate),
			OperationEnd:         opEnd.Time,
			Deceased:             fhirTimePtr(patient.DeceasedDateTime),
			DischargeDisposition: encounter.DischargeCode(),
		}
		if encounter.Period != nil {
			cc.AdmissionDate = fhirTimePtr(encounter.Period.Start)
			cc.DischargeDate = fhirTimePtr(encounter.Period.End)
		}

		details = append(details, DetailFromRecord(Classify(cc), now))
	}
	return details, dropped
}

func fhirTimePtr(t *fhirclient.FHIRTime) *time.Time {
	if t == nil || t.IsZero() {
		return nil
	}
	tt := t.Time
	return &tt
}
