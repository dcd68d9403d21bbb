package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FulgerX2007/chartsnap/pkg/cron"
	"github.com/FulgerX2007/chartsnap/pkg/model"
	"github.com/FulgerX2007/chartsnap/pkg/store"
)

type stubRenderer struct {
	img  []byte
	err  error
	last *model.RenderRequest
}

func (s *stubRenderer) Render(_ context.Context, req *model.RenderRequest, _ time.Duration) ([]byte, error) {
	s.last = req
	return s.img, s.err
}

type stubSource struct{}

func (stubSource) Fetch(context.Context, string, time.Time, time.Time) ([]model.DataPoint, error) {
	return []model.DataPoint{{Timestamp: time.Now(), SeriesKey: "a", Value: 1}}, nil
}

func testPNG(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 20, 10))))
	return buf.Bytes()
}

func newTestHandler(t *testing.T, r *stubRenderer) (*Handler, *store.Store) {
	t.Helper()
	logger := log.New(io.Discard)
	st, err := store.NewStore(filepath.Join(t.TempDir(), "api.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	sched := cron.NewScheduler(st, r, stubSource{}, cron.Options{MaxRetries: 1, Logger: logger})
	return NewHandler(st, sched, r, model.DefaultRenderConfig(), logger), st
}

func do(h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRenderReturnsImage(t *testing.T) {
	img := testPNG(t)
	r := &stubRenderer{img: img}
	h, _ := newTestHandler(t, r)

	body := `{"data":[{"timestamp":"2025-10-01T00:00:00Z","series_key":"a","value":1}]}`
	rec := do(h, http.MethodPost, "/api/render", body)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	assert.Equal(t, img, rec.Body.Bytes())

	// Data mode without a config falls back to the chart defaults
	require.NotNil(t, r.last.Config)
	assert.Equal(t, model.ModeData, r.last.Mode)
	assert.Equal(t, model.DefaultWidth, r.last.Width)
}

func TestRenderAsPDF(t *testing.T) {
	h, _ := newTestHandler(t, &stubRenderer{img: testPNG(t)})

	rec := do(h, http.MethodPost, "/api/render", `{"mode":"markup","markup":"<div id=\"chartdiv\">x</div>","width":20,"height":10,"format":"pdf"}`)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "application/pdf", rec.Header().Get("Content-Type"))
	assert.True(t, bytes.HasPrefix(rec.Body.Bytes(), []byte("%PDF-")))
}

func TestRenderErrorStatuses(t *testing.T) {
	tests := []struct {
		kind   model.Kind
		status int
	}{
		{model.KindConfig, http.StatusBadRequest},
		{model.KindInput, http.StatusBadRequest},
		{model.KindTimeout, http.StatusGatewayTimeout},
		{model.KindSpawn, http.StatusBadGateway},
		{model.KindRender, http.StatusBadGateway},
		{model.KindWorker, http.StatusBadGateway},
	}

	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			h, _ := newTestHandler(t, &stubRenderer{err: model.Errorf(tt.kind, "boom")})

			rec := do(h, http.MethodPost, "/api/render", `{"mode":"markup","markup":"<p>x</p>","width":10,"height":10}`)

			assert.Equal(t, tt.status, rec.Code)
			var resp map[string]string
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, tt.kind.String(), resp["kind"])
			assert.Contains(t, resp["error"], "boom")
		})
	}
}

func TestRenderRejectsMalformedBody(t *testing.T) {
	r := &stubRenderer{img: testPNG(t)}
	h, _ := newTestHandler(t, r)

	for _, body := range []string{`{not json`, `{"mode":"markup","markup":"","width":10,"height":10}`, `{"mode":"bogus","width":10,"height":10}`} {
		rec := do(h, http.MethodPost, "/api/render", body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, body)
	}
	assert.Nil(t, r.last, "renderer must not be reached")
}

func TestJobLifecycle(t *testing.T) {
	h, _ := newTestHandler(t, &stubRenderer{img: testPNG(t)})

	rec := do(h, http.MethodPost, "/api/jobs", `{"name":"latency","interval_type":"daily","query":"SELECT 1","enabled":true}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var job model.SnapshotJob
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &job))
	assert.NotZero(t, job.ID)
	assert.NotNil(t, job.NextRunAt)
	assert.Equal(t, "UTC", job.Timezone)
	assert.Equal(t, model.DefaultPalette, job.Config.ColorPalette)

	path := fmt.Sprintf("/api/jobs/%d", job.ID)
	rec = do(h, http.MethodGet, path, "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(h, http.MethodPut, path, `{"name":"latency-v2","interval_type":"weekly","query":"SELECT 1","enabled":false}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var updated model.SnapshotJob
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &updated))
	assert.Equal(t, "latency-v2", updated.Name)
	assert.Nil(t, updated.NextRunAt)

	rec = do(h, http.MethodGet, "/api/jobs", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Jobs []model.SnapshotJob `json:"jobs"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Len(t, list.Jobs, 1)

	rec = do(h, http.MethodDelete, path, "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = do(h, http.MethodGet, path, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateJobValidation(t *testing.T) {
	h, _ := newTestHandler(t, &stubRenderer{})

	bodies := []string{
		`{"interval_type":"daily","query":"SELECT 1"}`,
		`{"name":"x","cron_expr":"every tuesday","query":"SELECT 1"}`,
		`{"name":"x","interval_type":"daily","query":"SELECT 1","timezone":"Mars/Olympus"}`,
		`{"name":"x","interval_type":"daily","query":"SELECT 1","config":{"width":10,"height":10,"chart_kind":"line","template_kind":"multi-series","color_palette":[]}}`,
	}
	for _, body := range bodies {
		rec := do(h, http.MethodPost, "/api/jobs", body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, body)
	}
}

func TestRunJobAndDownloadArtifact(t *testing.T) {
	img := testPNG(t)
	h, st := newTestHandler(t, &stubRenderer{img: img})

	job := &model.SnapshotJob{
		Name: "nightly latency", IntervalType: "daily", Timezone: "UTC",
		Query: "SELECT 1", Config: model.DefaultRenderConfig(), Format: model.FormatPNG,
	}
	require.NoError(t, st.CreateJob(job))

	rec := do(h, http.MethodPost, fmt.Sprintf("/api/jobs/%d/run?wait=true", job.ID), "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var run model.Run
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &run))
	assert.Equal(t, model.RunCompleted, run.Status)

	rec = do(h, http.MethodGet, fmt.Sprintf("/api/jobs/%d/runs", job.ID), "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), run.RequestID)

	rec = do(h, http.MethodGet, fmt.Sprintf("/api/runs/%d/artifact", run.ID), "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "nightly_latency-")
	assert.Equal(t, img, rec.Body.Bytes())
}

func TestInvalidPathID(t *testing.T) {
	h, _ := newTestHandler(t, &stubRenderer{})

	assert.Equal(t, http.StatusBadRequest, do(h, http.MethodGet, "/api/jobs/abc", "").Code)
	assert.Equal(t, http.StatusNotFound, do(h, http.MethodGet, "/api/runs/99/artifact", "").Code)
}
