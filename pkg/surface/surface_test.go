package surface

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FulgerX2007/chartsnap/pkg/model"
)

// countingSurface becomes ready after readyAfter polls
type countingSurface struct {
	polls      atomic.Int32
	readyAfter int32
	failFirst  bool
}

func (c *countingSurface) Load(context.Context, string, int, int) error { return nil }

func (c *countingSurface) Ready(ctx context.Context, selector string) (bool, error) {
	n := c.polls.Add(1)
	if c.failFirst && n == 1 {
		return false, errors.New("execution context was destroyed")
	}
	return c.readyAfter > 0 && n >= c.readyAfter, nil
}

func (c *countingSurface) Capture(context.Context, int, int) ([]byte, error) { return nil, nil }
func (c *countingSurface) Close() error                                      { return nil }
func (c *countingSurface) Name() string                                      { return "counting" }

func TestWaitReadyPollsUntilPopulated(t *testing.T) {
	s := &countingSurface{readyAfter: 3, failFirst: true}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, WaitReady(ctx, s, "#chartdiv"))
	assert.Equal(t, int32(3), s.polls.Load())
}

func TestWaitReadyStopsAtDeadline(t *testing.T) {
	s := &countingSurface{}
	ctx, cancel := context.WithTimeout(context.Background(), 250*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := WaitReady(ctx, s, "#never")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.GreaterOrEqual(t, s.polls.Load(), int32(2))
}

func TestNewRejectsUnknownBackend(t *testing.T) {
	logger := log.New(io.Discard)

	_, err := New(model.RendererConfig{Backend: "webkit"}, logger)
	assert.Error(t, err)

	for _, backend := range []string{"", "chromium", "playwright"} {
		f, err := New(model.RendererConfig{Backend: backend}, logger)
		assert.NoError(t, err, backend)
		assert.NotNil(t, f, backend)
	}
}

func TestBrowserArgs(t *testing.T) {
	base := browserArgs(model.RendererConfig{})
	assert.Contains(t, base, "disable-dev-shm-usage")
	assert.NotContains(t, base, "no-sandbox")
	assert.NotContains(t, base, "ignore-certificate-errors")

	all := browserArgs(model.RendererConfig{NoSandbox: true, DisableGPU: true, SkipTLSVerify: true})
	assert.Contains(t, all, "no-sandbox")
	assert.Contains(t, all, "disable-gpu")
	assert.Contains(t, all, "ignore-certificate-errors")
}

func TestGenerateInstanceID(t *testing.T) {
	a, b := generateInstanceID(), generateInstanceID()
	assert.Len(t, a, 16)
	assert.NotEqual(t, a, b)
}

func TestDownloadOutputStaysOffStdout(t *testing.T) {
	// stdout carries the worker's image, so swap it for a file we can inspect
	stdout, err := os.CreateTemp(t.TempDir(), "stdout")
	require.NoError(t, err)
	orig := os.Stdout
	os.Stdout = stdout
	t.Cleanup(func() { os.Stdout = orig })

	var buf bytes.Buffer
	logger := log.NewWithOptions(&buf, log.Options{Level: log.DebugLevel})

	browserDownloader(context.Background(), logger).Logger.Println("Download: 42%")

	opts := playwrightRunOptions(logger)
	assert.NotEqual(t, orig, opts.Stdout)
	assert.NotEqual(t, orig, opts.Stderr)
	_, err = opts.Stdout.Write([]byte("Downloading driver\n"))
	require.NoError(t, err)
	require.NotNil(t, opts.Logger)
	opts.Logger.Info("driver started")

	os.Stdout = orig
	leaked, err := os.ReadFile(stdout.Name())
	require.NoError(t, err)
	assert.Empty(t, leaked)
	assert.Contains(t, buf.String(), "Download: 42%")
	assert.Contains(t, buf.String(), "Downloading driver")
	assert.Contains(t, buf.String(), "driver started")
}
