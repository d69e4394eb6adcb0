package kpi

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/kpi/kpi/internal/platform/fhirclient"
	"github.com/kpi/kpi/internal/platform/telemetry"
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

type fakeFetcher struct {
	procedures []fhirclient.Procedure
	procErr    error
	patients   map[string]fhirclient.Patient
	encounters map[string]fhirclient.Encounter

	// onProcedures runs inside FetchProcedures, letting tests block or
	// cancel mid-pipeline.
	onProcedures func(ctx context.Context)
}

func (f *fakeFetcher) FetchProcedures(ctx context.Context, since time.Time, pageSize int) ([]fhirclient.Procedure, error) {
	if f.onProcedures != nil {
		f.onProcedures(ctx)
	}
	if f.procErr != nil {
		return nil, f.procErr
	}
	return f.procedures, nil
}

func (f *fakeFetcher) FetchPatientsByID(ctx context.Context, ids []string) (map[string]fhirclient.Patient, int) {
	return f.patients, 0
}

func (f *fakeFetcher) FetchEncountersByID(ctx context.Context, ids []string) (map[string]fhirclient.Encounter, int) {
	return f.encounters, 0
}

type fakeRepo struct {
	replaceCalls int
	summaries    []SummaryRow
	details      []DetailRow
	replaceErr   error
}

func (r *fakeRepo) ReplaceAll(ctx context.Context, summaries []SummaryRow, details []DetailRow) error {
	r.replaceCalls++
	r.summaries = summaries
	r.details = details
	return r.replaceErr
}

func (r *fakeRepo) ListSummaries(context.Context, SummaryFilter) ([]SummaryRow, error) {
	return r.summaries, nil
}

func (r *fakeRepo) ListDetails(context.Context, DetailFilter) ([]DetailRow, error) {
	return r.details, nil
}

// ---------------------------------------------------------------------------
// Fixtures
// ---------------------------------------------------------------------------

func ftime(t time.Time) *fhirclient.FHIRTime {
	return &fhirclient.FHIRTime{Time: t}
}

func fixtureProcedure(id, patID, encID string, opEnd time.Time) fhirclient.Procedure {
	return fhirclient.Procedure{
		ID:        id,
		Subject:   &fhirclient.Reference{Reference: "Patient/" + patID},
		Encounter: &fhirclient.Reference{Reference: "Encounter/" + encID},
		PerformedPeriod: &fhirclient.Period{
			Start: ftime(opEnd.Add(-2 * time.Hour)),
			End:   ftime(opEnd),
		},
		Performer: []fhirclient.ProcedurePerformer{
			{Actor: &fhirclient.Reference{Display: "Dr. Chen"}},
		},
	}
}

func fixtureEncounter(id string) fhirclient.Encounter {
	return fhirclient.Encounter{
		ID:              id,
		ServiceProvider: &fhirclient.Reference{Display: "外科"},
	}
}

func newTestService(f Fetcher, r Repository, m *telemetry.Recorder) *Service {
	return NewService(f, r, m, 180, 200, zerolog.Nop())
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestRunSync_EndToEnd(t *testing.T) {
	op := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	fetcher := &fakeFetcher{
		procedures: []fhirclient.Procedure{
			fixtureProcedure("p1", "pat1", "enc1", op),
			fixtureProcedure("p2", "pat2", "enc2", op),
		},
		patients: map[string]fhirclient.Patient{
			"pat1": {ID: "pat1", Gender: "male", DeceasedDateTime: ftime(op.Add(10 * time.Hour))},
			"pat2": {ID: "pat2", Gender: "female"},
		},
		encounters: map[string]fhirclient.Encounter{
			"enc1": fixtureEncounter("enc1"),
			"enc2": fixtureEncounter("enc2"),
		},
	}
	repo := &fakeRepo{}
	svc := newTestService(fetcher, repo, telemetry.NewRecorder())

	res, err := svc.RunSync(context.Background())
	if err != nil {
		t.Fatalf("run sync: %v", err)
	}

	if !res.Success || res.DetailCount != 2 || res.SummaryCount != 1 {
		t.Errorf("unexpected result %+v", res)
	}
	if res.Message != "同步完成: 2 筆明細，1 筆匯總" {
		t.Errorf("unexpected message %q", res.Message)
	}
	if repo.replaceCalls != 1 {
		t.Fatalf("expected one ReplaceAll call, got %d", repo.replaceCalls)
	}

	if len(repo.summaries) != 1 {
		t.Fatalf("expected 1 summary, got %d", len(repo.summaries))
	}
	s := repo.summaries[0]
	if s.Numerator != 1 || s.Denominator != 2 || s.Value != 50.00 {
		t.Errorf("unexpected summary %+v", s)
	}

	abnormal := 0
	for _, d := range repo.details {
		if d.Status == StatusAbnormal {
			abnormal++
			if d.AbnormalReason != ReasonDeathWithin48h {
				t.Errorf("unexpected reason %q", d.AbnormalReason)
			}
		}
	}
	if abnormal != 1 {
		t.Errorf("expected exactly 1 abnormal detail, got %d", abnormal)
	}
}

func TestRunSync_NoDataLeavesStoreUntouched(t *testing.T) {
	fetcher := &fakeFetcher{procErr: fhirclient.ErrNoData}
	repo := &fakeRepo{}
	svc := newTestService(fetcher, repo, nil)

	res, err := svc.RunSync(context.Background())
	if err != nil {
		t.Fatalf("run sync: %v", err)
	}
	if !res.NoData || res.Success {
		t.Errorf("expected soft no-data result, got %+v", res)
	}
	if res.Message != "No procedures found on FHIR server." {
		t.Errorf("unexpected message %q", res.Message)
	}
	if repo.replaceCalls != 0 {
		t.Error("store must not be touched on a no-data run")
	}
}

func TestRunSync_FetchFailureIsHardError(t *testing.T) {
	fetcher := &fakeFetcher{procErr: fmt.Errorf("upstream 500")}
	repo := &fakeRepo{}
	svc := newTestService(fetcher, repo, nil)

	if _, err := svc.RunSync(context.Background()); err == nil {
		t.Fatal("expected error for upstream fetch failure")
	}
	if repo.replaceCalls != 0 {
		t.Error("store must not be touched on a failed run")
	}
}

func TestRunSync_ZeroQualifyingClearsTables(t *testing.T) {
	op := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	// One procedure whose patient cannot be resolved: fetch succeeded, but
	// no case qualifies.
	fetcher := &fakeFetcher{
		procedures: []fhirclient.Procedure{fixtureProcedure("p1", "pat1", "enc1", op)},
		patients:   map[string]fhirclient.Patient{},
		encounters: map[string]fhirclient.Encounter{"enc1": fixtureEncounter("enc1")},
	}
	repo := &fakeRepo{}
	svc := newTestService(fetcher, repo, nil)

	res, err := svc.RunSync(context.Background())
	if err != nil {
		t.Fatalf("run sync: %v", err)
	}
	if !res.Success || res.DetailCount != 0 {
		t.Errorf("unexpected result %+v", res)
	}
	if !strings.Contains(res.Message, "無符合條件資料") {
		t.Errorf("unexpected message %q", res.Message)
	}
	if repo.replaceCalls != 1 {
		t.Fatal("tables must still be replaced (to empty) after a successful fetch")
	}
	if len(repo.summaries) != 0 || len(repo.details) != 0 {
		t.Error("replacement must be empty")
	}
}

func TestRunSync_DropsUnjoinableAndEndlessCases(t *testing.T) {
	op := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	noEnd := fixtureProcedure("p3", "pat1", "enc1", op)
	noEnd.PerformedPeriod.End = nil

	fetcher := &fakeFetcher{
		procedures: []fhirclient.Procedure{
			fixtureProcedure("p1", "pat1", "enc1", op), // joinable
			fixtureProcedure("p2", "missing", "enc1", op),
			noEnd,
		},
		patients:   map[string]fhirclient.Patient{"pat1": {ID: "pat1"}},
		encounters: map[string]fhirclient.Encounter{"enc1": fixtureEncounter("enc1")},
	}
	repo := &fakeRepo{}
	metrics := telemetry.NewRecorder()
	svc := newTestService(fetcher, repo, metrics)

	res, err := svc.RunSync(context.Background())
	if err != nil {
		t.Fatalf("run sync: %v", err)
	}
	if res.DetailCount != 1 {
		t.Errorf("expected 1 surviving case, got %d", res.DetailCount)
	}
	if got := metrics.Counter("kpi.sync.cases_dropped", "join"); got != 2 {
		t.Errorf("expected 2 dropped cases recorded, got %d", got)
	}
}

func TestRunSync_ConcurrentRunRejected(t *testing.T) {
	block := make(chan struct{})
	entered := make(chan struct{})
	var enteredOnce sync.Once

	fetcher := &fakeFetcher{
		procErr: fhirclient.ErrNoData,
		onProcedures: func(context.Context) {
			enteredOnce.Do(func() { close(entered) })
			<-block
		},
	}
	svc := newTestService(fetcher, &fakeRepo{}, nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		svc.RunSync(context.Background())
	}()

	<-entered
	if _, err := svc.RunSync(context.Background()); !errors.Is(err, ErrSyncInProgress) {
		t.Errorf("expected ErrSyncInProgress, got %v", err)
	}
	close(block)
	<-done

	// The lock is released once the first run finishes.
	if _, err := svc.RunSync(context.Background()); err != nil {
		t.Errorf("expected lock to be free again, got %v", err)
	}
}

func TestRunSync_CancellationSkipsStoreWrite(t *testing.T) {
	op := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	ctx, cancel := context.WithCancel(context.Background())

	fetcher := &fakeFetcher{
		procedures: []fhirclient.Procedure{fixtureProcedure("p1", "pat1", "enc1", op)},
		patients:   map[string]fhirclient.Patient{"pat1": {ID: "pat1"}},
		encounters: map[string]fhirclient.Encounter{"enc1": fixtureEncounter("enc1")},
		onProcedures: func(context.Context) {
			cancel()
		},
	}
	repo := &fakeRepo{}
	svc := newTestService(fetcher, repo, nil)

	_, err := svc.RunSync(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if repo.replaceCalls != 0 {
		t.Error("no store write may happen after cancellation")
	}
}
