// Package render runs each render request in its own worker process.
//
// The Manager spawns one worker per request, writes the encoded request to
// the worker's stdin, collects stdout (the image) and stderr (diagnostics)
// and enforces the caller's deadline by terminating the worker's whole
// process group. Nothing is shared between concurrent calls.
package render

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/FulgerX2007/chartsnap/pkg/chart"
	"github.com/FulgerX2007/chartsnap/pkg/model"
)

const (
	// DefaultGrace is how long a worker gets between SIGTERM and SIGKILL
	DefaultGrace = 2 * time.Second

	// maxDiagnostic bounds the stderr text carried by an error
	maxDiagnostic = 4096
)

// Options configures a Manager
type Options struct {
	// Executable is the worker binary. Defaults to the running executable.
	Executable string
	// Args are passed to Executable. Defaults to ["worker"].
	Args []string
	// Env is appended to the parent environment
	Env []string
	// Grace is the SIGTERM to SIGKILL escalation delay
	Grace time.Duration
	// DefaultDeadline applies when neither the call nor the request sets one
	DefaultDeadline time.Duration
	// ReadinessCap applies to requests that do not set their own
	ReadinessCap time.Duration
	Logger       *log.Logger
}

// Manager spawns and supervises render workers
type Manager struct {
	opts   Options
	logger *log.Logger
}

// NewManager creates a manager, filling unset options with defaults
func NewManager(opts Options) (*Manager, error) {
	if opts.Executable == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve worker executable: %w", err)
		}
		opts.Executable = exe
		if opts.Args == nil {
			opts.Args = []string{"worker"}
		}
	}
	if opts.Grace <= 0 {
		opts.Grace = DefaultGrace
	}
	if opts.DefaultDeadline <= 0 {
		opts.DefaultDeadline = model.DefaultDeadlineMS * time.Millisecond
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Manager{opts: opts, logger: logger.WithPrefix("render")}, nil
}

// Render turns req into image bytes using a fresh worker process.
//
// A deadline <= 0 falls back to the request's own deadline, then to the
// manager default. Failures are *model.Error values; ConfigError is returned
// before any process is created.
func (m *Manager) Render(ctx context.Context, req *model.RenderRequest, deadline time.Duration) ([]byte, error) {
	if req == nil {
		return nil, model.Errorf(model.KindInput, "request is required")
	}
	if req.Mode == model.ModeData {
		if req.Config == nil {
			return nil, model.Errorf(model.KindConfig, "data mode requires a render config")
		}
		if err := chart.Validate(req.Data, *req.Config); err != nil {
			return nil, err
		}
	}

	if deadline <= 0 {
		deadline = req.Deadline()
	}
	if deadline <= 0 {
		deadline = m.opts.DefaultDeadline
	}

	wire := *req
	if wire.Mode == model.ModeData {
		wire.Data = chart.FinitePoints(req.Data)
	}
	wire.DeadlineMS = int(deadline / time.Millisecond)
	if wire.ReadinessCapMS == 0 && m.opts.ReadinessCap > 0 {
		wire.ReadinessCapMS = int(m.opts.ReadinessCap / time.Millisecond)
	}
	payload, err := model.EncodeRequest(&wire)
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	logger := m.logger.With("request", id)

	runCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(runCtx, m.opts.Executable, m.opts.Args...)
	cmd.Env = append(os.Environ(), m.opts.Env...)
	cmd.Stdin = bytes.NewReader(payload)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = m.opts.Grace
	group := newProcessGroup(cmd, m.opts.Grace)

	start := time.Now()
	if err := cmd.Start(); err != nil {
		logger.Error("failed to spawn worker", "exe", m.opts.Executable, "err", err)
		return nil, model.Wrap(model.KindSpawn, "failed to start worker", err)
	}
	logger.Debug("worker started", "pid", cmd.Process.Pid, "request_size", humanize.Bytes(uint64(len(payload))), "deadline", deadline)

	waitErr := cmd.Wait()
	group.reap()
	elapsed := time.Since(start).Round(time.Millisecond)

	img, err := m.result(runCtx, waitErr, stdout.Bytes(), stderr.String(), deadline)
	if err != nil {
		logger.Warn("render failed", "kind", model.KindOf(err), "elapsed", elapsed, "err", err)
		return nil, err
	}
	logger.Info("render completed", "size", humanize.Bytes(uint64(len(img))), "elapsed", elapsed)
	return img, nil
}

// result classifies the outcome of one worker run
func (m *Manager) result(runCtx context.Context, waitErr error, out []byte, diag string, deadline time.Duration) ([]byte, error) {
	// Exit status 0 with stdio still held open by a descendant
	if errors.Is(waitErr, exec.ErrWaitDelay) {
		waitErr = nil
	}

	if waitErr == nil {
		if len(out) == 0 {
			return nil, &model.Error{Kind: model.KindWorker, Msg: "worker exited 0 without output" + diagSuffix(diag)}
		}
		return out, nil
	}

	if ctxErr := runCtx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return nil, model.Wrap(model.KindTimeout, fmt.Sprintf("worker exceeded deadline of %s", deadline), ctxErr)
		}
		return nil, model.Wrap(model.KindWorker, "render cancelled", ctxErr)
	}

	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		code := exitErr.ExitCode()
		kind := model.KindForExit(code)
		msg := trimDiagnostic(diag, kind)
		if msg == "" {
			msg = fmt.Sprintf("worker exited with %s", exitErr.ProcessState)
		}
		return nil, &model.Error{Kind: kind, Msg: msg, Err: waitErr}
	}

	return nil, model.Wrap(model.KindWorker, "worker wait failed"+diagSuffix(diag), waitErr)
}

// trimDiagnostic drops the kind prefix the worker writes, so errors do not
// read "RenderError: RenderError: ..."
func trimDiagnostic(diag string, kind model.Kind) string {
	diag = strings.TrimSpace(diag)
	if len(diag) > maxDiagnostic {
		diag = diag[len(diag)-maxDiagnostic:]
	}
	return strings.TrimPrefix(diag, kind.String()+": ")
}

func diagSuffix(diag string) string {
	if d := strings.TrimSpace(diag); d != "" {
		if len(d) > maxDiagnostic {
			d = d[len(d)-maxDiagnostic:]
		}
		return ": " + d
	}
	return ""
}
