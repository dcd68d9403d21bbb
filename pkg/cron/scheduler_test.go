package cron

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/png"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"

	"github.com/FulgerX2007/chartsnap/pkg/model"
	"github.com/FulgerX2007/chartsnap/pkg/store"
)

type fakeSource struct {
	points   []model.DataPoint
	err      error
	from, to time.Time
}

func (f *fakeSource) Fetch(_ context.Context, _ string, from, to time.Time) ([]model.DataPoint, error) {
	f.from, f.to = from, to
	return f.points, f.err
}

// scriptedRenderer fails with errs in order, then succeeds with img
type scriptedRenderer struct {
	mu    sync.Mutex
	errs  []error
	img   []byte
	calls int
	last  *model.RenderRequest
}

func (r *scriptedRenderer) Render(_ context.Context, req *model.RenderRequest, _ time.Duration) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	r.last = req
	if len(r.errs) > 0 {
		err := r.errs[0]
		r.errs = r.errs[1:]
		return nil, err
	}
	return r.img, nil
}

func testPNG(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 40, 20))); err != nil {
		t.Fatalf("Failed to encode PNG: %v", err)
	}
	return buf.Bytes()
}

func newTestScheduler(t *testing.T, r Renderer, src *fakeSource) (*Scheduler, *store.Store) {
	t.Helper()
	st, err := store.NewStore(filepath.Join(t.TempDir(), "cron.db"), log.New(io.Discard))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	s := NewScheduler(st, r, src, Options{MaxConcurrent: 2, MaxRetries: 3, Logger: log.New(io.Discard)})
	s.backoff = func(int) time.Duration { return 0 }
	return s, st
}

func createJob(t *testing.T, st *store.Store, format model.OutputFormat, nextRun time.Time) *model.SnapshotJob {
	t.Helper()
	job := &model.SnapshotJob{
		Name:         "latency",
		IntervalType: "daily",
		Timezone:     "UTC",
		Query:        "SELECT ts, operator, latency FROM kpi WHERE ts BETWEEN ? AND ?",
		Lookback:     "24h",
		Config:       model.DefaultRenderConfig(),
		Format:       format,
		Enabled:      true,
		NextRunAt:    &nextRun,
	}
	if err := st.CreateJob(job); err != nil {
		t.Fatalf("Failed to create job: %v", err)
	}
	return job
}

func samplePoints() []model.DataPoint {
	ts := time.Date(2025, 10, 1, 0, 0, 0, 0, time.UTC)
	return []model.DataPoint{
		{Timestamp: ts, SeriesKey: "ops-a", Value: 12},
		{Timestamp: ts, SeriesKey: "ops-b", Value: 7},
	}
}

func TestRunNowStoresArtifact(t *testing.T) {
	img := testPNG(t)
	r := &scriptedRenderer{img: img}
	src := &fakeSource{points: samplePoints()}
	s, st := newTestScheduler(t, r, src)
	job := createJob(t, st, model.FormatPNG, time.Now().Add(time.Hour))

	run, err := s.RunNow(context.Background(), job)
	if err != nil {
		t.Fatalf("RunNow failed: %v", err)
	}
	if run.Status != model.RunCompleted {
		t.Fatalf("Expected completed run, got %s (%s)", run.Status, run.ErrorText)
	}
	if run.RequestID == "" {
		t.Error("Expected a request id on the run")
	}

	if got := src.to.Sub(src.from); got != 24*time.Hour {
		t.Errorf("Expected a 24h lookback window, got %v", got)
	}
	if r.last.Mode != model.ModeData || len(r.last.Data) != 2 {
		t.Errorf("Expected a data-mode request with fetched points, got %+v", r.last)
	}

	stored, err := st.GetRun(run.ID)
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if !bytes.Equal(stored.ArtifactData, img) {
		t.Error("Stored artifact differs from the rendered image")
	}
	if stored.Bytes != int64(len(img)) || len(stored.Checksum) != 64 {
		t.Errorf("Unexpected size/checksum: %d %q", stored.Bytes, stored.Checksum)
	}

	updated, _ := st.GetJob(job.ID)
	if updated.LastRunAt == nil {
		t.Error("Expected last run time to be recorded")
	}
}

func TestRunNowExportsPDF(t *testing.T) {
	r := &scriptedRenderer{img: testPNG(t)}
	s, st := newTestScheduler(t, r, &fakeSource{points: samplePoints()})
	job := createJob(t, st, model.FormatPDF, time.Now().Add(time.Hour))

	run, err := s.RunNow(context.Background(), job)
	if err != nil {
		t.Fatalf("RunNow failed: %v", err)
	}
	stored, _ := st.GetRun(run.ID)
	if !bytes.HasPrefix(stored.ArtifactData, []byte("%PDF-")) {
		t.Errorf("Expected a PDF artifact, got %q", stored.ArtifactData[:8])
	}
	if stored.Format != model.FormatPDF {
		t.Errorf("Expected pdf format, got %s", stored.Format)
	}
}

func TestRetryPolicy(t *testing.T) {
	tests := []struct {
		name      string
		errs      []error
		wantCalls int
		wantKind  string
		wantState string
	}{
		{
			name:      "Transient worker failure is retried",
			errs:      []error{model.Errorf(model.KindWorker, "crashed")},
			wantCalls: 2,
			wantState: model.RunCompleted,
		},
		{
			name: "Timeouts exhaust retries",
			errs: []error{
				model.Errorf(model.KindTimeout, "slow"),
				model.Errorf(model.KindTimeout, "slow"),
				model.Errorf(model.KindTimeout, "slow"),
			},
			wantCalls: 3,
			wantKind:  "TimeoutError",
			wantState: model.RunFailed,
		},
		{
			name:      "Render failures are not retried",
			errs:      []error{model.Errorf(model.KindRender, "never populated")},
			wantCalls: 1,
			wantKind:  "RenderError",
			wantState: model.RunFailed,
		},
		{
			name:      "Config failures are not retried",
			errs:      []error{model.Errorf(model.KindConfig, "empty palette")},
			wantCalls: 1,
			wantKind:  "ConfigError",
			wantState: model.RunFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &scriptedRenderer{errs: tt.errs, img: testPNG(t)}
			s, st := newTestScheduler(t, r, &fakeSource{points: samplePoints()})
			job := createJob(t, st, model.FormatPNG, time.Now().Add(time.Hour))

			run, err := s.RunNow(context.Background(), job)
			if err != nil {
				t.Fatalf("RunNow failed: %v", err)
			}
			if r.calls != tt.wantCalls {
				t.Errorf("Expected %d render calls, got %d", tt.wantCalls, r.calls)
			}

			stored, _ := st.GetRun(run.ID)
			if stored.Status != tt.wantState {
				t.Errorf("Expected status %s, got %s", tt.wantState, stored.Status)
			}
			if stored.ErrorKind != tt.wantKind {
				t.Errorf("Expected error kind %q, got %q", tt.wantKind, stored.ErrorKind)
			}
		})
	}
}

func TestSourceFailureFailsRun(t *testing.T) {
	r := &scriptedRenderer{img: testPNG(t)}
	s, st := newTestScheduler(t, r, &fakeSource{err: errors.New("connection refused")})
	job := createJob(t, st, model.FormatPNG, time.Now().Add(time.Hour))

	run, _ := s.RunNow(context.Background(), job)

	if run.Status != model.RunFailed {
		t.Errorf("Expected failed run, got %s", run.Status)
	}
	if r.calls != 0 {
		t.Errorf("Renderer should not be called when the source fails, got %d calls", r.calls)
	}
}

func TestCheckDueJobsAdvancesNextRun(t *testing.T) {
	r := &scriptedRenderer{img: testPNG(t)}
	s, st := newTestScheduler(t, r, &fakeSource{points: samplePoints()})
	due := createJob(t, st, model.FormatPNG, time.Now().Add(-time.Minute))
	notYet := createJob(t, st, model.FormatPNG, time.Now().Add(time.Hour))

	s.checkDueJobs()
	s.running.Wait()

	got, _ := st.GetJob(due.ID)
	if got.NextRunAt == nil || !got.NextRunAt.After(time.Now()) {
		t.Errorf("Expected next run to move into the future, got %v", got.NextRunAt)
	}
	if got.LastRunAt == nil {
		t.Error("Expected the due job to have run")
	}

	runs, _ := st.ListRuns(due.ID, 0)
	if len(runs) != 1 {
		t.Errorf("Expected 1 run for the due job, got %d", len(runs))
	}
	if runs, _ := st.ListRuns(notYet.ID, 0); len(runs) != 0 {
		t.Errorf("Expected no runs for a job that is not due, got %d", len(runs))
	}
}
