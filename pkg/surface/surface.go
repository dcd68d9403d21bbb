// Package surface drives a headless browser page sized to one chart.
//
// A Surface is created once per worker process, loads a single markup
// document, waits for it to draw and captures a clipped PNG. Close must be
// called on every exit path; it tears down the browser process and its
// profile directory.
package surface

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/log"

	"github.com/FulgerX2007/chartsnap/pkg/model"
)

// Surface is a headless rendering surface
type Surface interface {
	// Load sizes the viewport to width x height and loads markup into it
	Load(ctx context.Context, markup string, width, height int) error

	// Ready reports whether the element matched by selector has at least
	// one child node
	Ready(ctx context.Context, selector string) (bool, error)

	// Capture returns a PNG of the region (0, 0, width, height)
	Capture(ctx context.Context, width, height int) ([]byte, error)

	// Close releases the page, the browser and any on-disk state
	Close() error

	// Name returns the backend name
	Name() string
}

// Factory launches a new surface
type Factory func(ctx context.Context) (Surface, error)

// PollInterval is how often WaitReady re-checks the selector
const PollInterval = 100 * time.Millisecond

// readyScript is evaluated with the selector as its only argument
const readyScript = `(sel) => {
	const el = document.querySelector(sel);
	return !!el && el.childNodes.length > 0;
}`

// New returns a factory for the configured backend
func New(cfg model.RendererConfig, logger *log.Logger) (Factory, error) {
	if cfg.DeviceScaleFactor == 0 {
		cfg.DeviceScaleFactor = 1
	}
	switch cfg.Backend {
	case "", "chromium":
		return func(ctx context.Context) (Surface, error) {
			return LaunchChromium(ctx, cfg, logger)
		}, nil
	case "playwright":
		return func(ctx context.Context) (Surface, error) {
			return LaunchPlaywright(ctx, cfg, logger)
		}, nil
	default:
		return nil, fmt.Errorf("unknown renderer backend '%s'", cfg.Backend)
	}
}

// WaitReady polls s until selector is populated or ctx is done.
// It returns ctx.Err() when the context ends first.
func WaitReady(ctx context.Context, s Surface, selector string) error {
	ticker := time.NewTicker(PollInterval)
	defer ticker.Stop()

	for {
		ready, err := s.Ready(ctx, selector)
		if err != nil {
			// Evaluation can fail while the document is still loading; a
			// cancelled context is the only terminal condition here.
			if ctx.Err() != nil {
				return ctx.Err()
			}
		} else if ready {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// FindChromeBinary tries to locate a Chrome binary in common locations
func FindChromeBinary(logger *log.Logger) string {
	candidatePaths := []string{
		// Bundled Chrome next to the binary
		"./chrome-linux64/chrome",
		"chrome-linux64/chrome",

		// System Chrome installations
		"/usr/bin/google-chrome",
		"/usr/bin/google-chrome-stable",
		"/usr/bin/chromium",
		"/usr/bin/chromium-browser",
		"/snap/bin/chromium",

		// macOS
		"/Applications/Google Chrome.app/Contents/MacOS/Google Chrome",
		"/Applications/Chromium.app/Contents/MacOS/Chromium",
	}

	for _, path := range candidatePaths {
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		if info.Mode()&0111 != 0 {
			logger.Debug("found chrome binary", "path", path)
			return path
		}
		logger.Debug("file exists but is not executable", "path", path)
	}
	return ""
}

// generateInstanceID creates a unique identifier for one surface
func generateInstanceID() string {
	b := make([]byte, 8)
	rand.Read(b)
	return hex.EncodeToString(b)
}

// browserArgs are the Chrome switches every backend launches with
func browserArgs(cfg model.RendererConfig) []string {
	args := []string{
		"disable-setuid-sandbox",
		"disable-dev-shm-usage", // use /tmp instead of /dev/shm
		"no-first-run",
		"no-default-browser-check",
		"no-proxy-server",
		"disable-breakpad",
		"hide-scrollbars",
	}
	if cfg.NoSandbox {
		args = append(args, "no-sandbox")
	}
	if cfg.DisableGPU {
		args = append(args, "disable-gpu")
	}
	if cfg.SkipTLSVerify {
		args = append(args, "ignore-certificate-errors")
	}
	return args
}
