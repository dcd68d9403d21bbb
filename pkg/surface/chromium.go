package surface

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/charmbracelet/log"
	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"

	"github.com/FulgerX2007/chartsnap/pkg/model"
)

// ChromiumSurface renders with a Chrome process controlled over CDP by rod
type ChromiumSurface struct {
	config     model.RendererConfig
	logger     *log.Logger
	launcher   *launcher.Launcher
	browser    *rod.Browser
	page       *rod.Page
	instanceID string
	profileDir string
}

// LaunchChromium starts a browser with a private profile directory
func LaunchChromium(ctx context.Context, config model.RendererConfig, logger *log.Logger) (*ChromiumSurface, error) {
	instanceID := generateInstanceID()
	s := &ChromiumSurface{
		config:     config,
		logger:     logger,
		instanceID: instanceID,
		profileDir: filepath.Join(os.TempDir(), ".chartsnap-profile-"+instanceID),
	}

	crashDir := filepath.Join(os.TempDir(), "chartsnap-crashes")
	os.MkdirAll(crashDir, 0755)
	if err := os.MkdirAll(s.profileDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create profile directory: %w", err)
	}

	l := launcher.New().Context(ctx)

	chromePath := config.ChromiumPath
	if chromePath == "" {
		chromePath = FindChromeBinary(logger)
	}
	if chromePath == "" {
		logger.Warn("no chrome binary found, downloading one")
		bin, err := browserDownloader(ctx, logger).Get()
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("failed to download browser: %w (set renderer.chromium_path)", err)
		}
		chromePath = bin
	}
	l = l.Bin(chromePath)

	for _, arg := range browserArgs(config) {
		l = l.Set(flags.Flag(arg))
	}
	// A profile per instance avoids SingletonLock conflicts between workers
	l = l.Set("user-data-dir", s.profileDir)
	l = l.Set("crash-dumps-dir", crashDir)
	l = l.Headless(config.Headless)
	if config.Headless {
		l = l.Set("headless", "new")
	}
	s.launcher = l

	logger.Debug("launching chromium", "instance", instanceID, "bin", chromePath, "profile", s.profileDir)
	controlURL, err := l.Launch()
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to launch browser at '%s': %w", chromePath, err)
	}

	browser := rod.New().ControlURL(controlURL).Context(ctx)
	if err := browser.Connect(); err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to connect to browser: %w", err)
	}
	s.browser = browser

	page, err := browser.Page(proto.TargetCreateTarget{})
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to create page: %w", err)
	}
	s.page = page

	return s, nil
}

// browserDownloader fetches a browser build for rod. Progress goes to logger
// rather than stdout, which carries the worker's image.
func browserDownloader(ctx context.Context, logger *log.Logger) *launcher.Browser {
	b := launcher.NewBrowser()
	b.Context = ctx
	b.Logger = logger.StandardLog(log.StandardLogOptions{ForceLevel: log.DebugLevel})
	return b
}

// Load implements Surface
func (s *ChromiumSurface) Load(ctx context.Context, markup string, width, height int) error {
	page := s.page.Context(ctx)
	if err := page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
		Width:             width,
		Height:            height,
		DeviceScaleFactor: s.config.DeviceScaleFactor,
		Mobile:            false,
	}); err != nil {
		return fmt.Errorf("failed to set viewport: %w", err)
	}
	if err := page.SetDocumentContent(markup); err != nil {
		return fmt.Errorf("failed to load markup: %w", err)
	}
	return nil
}

// Ready implements Surface
func (s *ChromiumSurface) Ready(ctx context.Context, selector string) (bool, error) {
	res, err := s.page.Context(ctx).Eval(readyScript, selector)
	if err != nil {
		return false, err
	}
	return res.Value.Bool(), nil
}

// Capture implements Surface
func (s *ChromiumSurface) Capture(ctx context.Context, width, height int) ([]byte, error) {
	png, err := s.page.Context(ctx).Screenshot(false, &proto.PageCaptureScreenshot{
		Format: proto.PageCaptureScreenshotFormatPng,
		Clip: &proto.PageViewport{
			X:      0,
			Y:      0,
			Width:  float64(width),
			Height: float64(height),
			Scale:  1,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to capture screenshot: %w", err)
	}
	return png, nil
}

// Close implements Surface. It is safe to call on a partly launched surface.
func (s *ChromiumSurface) Close() error {
	var err error
	if s.browser != nil {
		s.logger.Debug("closing chromium", "instance", s.instanceID)
		err = s.browser.Close()
		s.browser = nil
	}
	if s.launcher != nil {
		s.launcher.Kill()
		s.launcher = nil
	}
	if s.profileDir != "" {
		if rmErr := os.RemoveAll(s.profileDir); rmErr != nil && err == nil {
			err = rmErr
		}
	}
	return err
}

// Name implements Surface
func (s *ChromiumSurface) Name() string {
	return "chromium"
}
