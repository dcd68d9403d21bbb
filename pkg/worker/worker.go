// Package worker is the isolated render process.
//
// A worker reads exactly one request from its input channel, renders it on a
// fresh headless surface and writes the PNG to its output channel. On
// failure it writes one diagnostic line to its error channel and exits with
// the status of the failure kind (see model.Kind.ExitCode). Nothing is
// written to the output channel unless the capture succeeded, and nothing is
// written to the error channel on success.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/charmbracelet/log"
	"github.com/dustin/go-humanize"

	"github.com/FulgerX2007/chartsnap/pkg/chart"
	"github.com/FulgerX2007/chartsnap/pkg/model"
	"github.com/FulgerX2007/chartsnap/pkg/surface"
)

// Worker runs the render state machine for a single request
type Worker struct {
	launch surface.Factory
	logger *log.Logger
}

// New creates a worker that launches surfaces with factory
func New(factory surface.Factory, logger *log.Logger) *Worker {
	if logger == nil {
		logger = log.New(io.Discard)
	}
	return &Worker{launch: factory, logger: logger.WithPrefix("worker")}
}

// Run is the process entry point. It returns the exit status.
func (w *Worker) Run(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer) int {
	req, err := model.DecodeRequest(stdin)
	if err != nil {
		return w.fail(stderr, err)
	}
	w.logger.Info("request received", "request", req.String())

	img, err := w.Render(ctx, req)
	if err != nil {
		return w.fail(stderr, err)
	}

	if _, err := stdout.Write(img); err != nil {
		return w.fail(stderr, model.Wrap(model.KindWorker, "failed to write image", err))
	}
	w.logger.Info("image written", "size", humanize.Bytes(uint64(len(img))))
	return model.ExitOK
}

func (w *Worker) fail(stderr io.Writer, err error) int {
	kind := model.KindOf(err)
	if kind == model.KindUnknown {
		err = model.Wrap(model.KindWorker, "", err)
		kind = model.KindWorker
	}
	w.logger.Error("render failed", "kind", kind, "err", err)
	fmt.Fprintln(stderr, err.Error())
	return kind.ExitCode()
}

// Render walks ObtainMarkup, LoadSurface, AwaitReadiness, SettleWait and
// Capture. The surface is closed on every path once it has been launched.
func (w *Worker) Render(ctx context.Context, req *model.RenderRequest) (img []byte, err error) {
	if d := req.Deadline(); d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	markup, err := obtainMarkup(req)
	if err != nil {
		return nil, err
	}

	s, err := w.launch(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, interrupted(ctx)
		}
		return nil, model.Wrap(model.KindWorker, "failed to launch rendering surface", err)
	}
	defer func() {
		if cerr := s.Close(); cerr != nil {
			teardown := &model.Error{Kind: model.KindWorker, Msg: "surface teardown", Err: cerr, Ignorable: true}
			w.logger.Warn("ignoring teardown failure", "backend", s.Name(), "err", teardown)
		}
	}()

	start := time.Now()
	if err := s.Load(ctx, markup, req.Width, req.Height); err != nil {
		if ctx.Err() != nil {
			return nil, interrupted(ctx)
		}
		return nil, model.Wrap(model.KindRender, "failed to load markup", err)
	}
	w.logger.Debug("markup loaded", "backend", s.Name(), "size", humanize.Bytes(uint64(len(markup))))

	selector := req.Selector()
	readyCtx, cancel := context.WithTimeout(ctx, req.ReadinessCap())
	err = surface.WaitReady(readyCtx, s, selector)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return nil, interrupted(ctx)
		}
		return nil, model.Errorf(model.KindRender,
			"target container never populated: %s had no content after %s", selector, req.ReadinessCap())
	}
	w.logger.Debug("surface ready", "selector", selector, "elapsed", time.Since(start).Round(time.Millisecond))

	if settle := req.SettleWait(); settle > 0 {
		select {
		case <-ctx.Done():
			return nil, interrupted(ctx)
		case <-time.After(settle):
		}
	}

	img, err = s.Capture(ctx, req.Width, req.Height)
	if err != nil {
		if ctx.Err() != nil {
			return nil, interrupted(ctx)
		}
		return nil, model.Wrap(model.KindWorker, "capture failed", err)
	}
	if len(img) == 0 {
		return nil, model.Errorf(model.KindWorker, "capture returned no bytes")
	}
	return img, nil
}

func obtainMarkup(req *model.RenderRequest) (string, error) {
	if req.Mode != model.ModeData {
		return req.Markup, nil
	}
	return chart.Compile(req.Data, *req.Config)
}

func interrupted(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return model.Wrap(model.KindWorker, "request deadline exceeded inside worker", ctx.Err())
	}
	return model.Wrap(model.KindWorker, "worker interrupted", ctx.Err())
}
