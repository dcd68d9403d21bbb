package surface

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/charmbracelet/log"
	"github.com/playwright-community/playwright-go"

	"github.com/FulgerX2007/chartsnap/pkg/model"
)

// PlaywrightSurface renders with Chromium driven by the Playwright driver
type PlaywrightSurface struct {
	config     model.RendererConfig
	logger     *log.Logger
	pw         *playwright.Playwright
	browser    playwright.Browser
	bctx       playwright.BrowserContext
	page       playwright.Page
	instanceID string
}

// LaunchPlaywright starts the Playwright driver and a Chromium browser.
// The page is created by Load, once the viewport size is known.
func LaunchPlaywright(ctx context.Context, config model.RendererConfig, logger *log.Logger) (*PlaywrightSurface, error) {
	s := &PlaywrightSurface{
		config:     config,
		logger:     logger,
		instanceID: generateInstanceID(),
	}

	// The driver and browsers need a writable cache in containers
	if os.Getenv("PLAYWRIGHT_BROWSERS_PATH") == "" {
		os.Setenv("PLAYWRIGHT_BROWSERS_PATH", "/tmp/.playwright-cache")
	}
	if os.Getenv("PLAYWRIGHT_DRIVER_PATH") == "" {
		os.Setenv("PLAYWRIGHT_DRIVER_PATH", "/tmp/.playwright-driver")
	}

	pw, err := playwright.Run(playwrightRunOptions(logger))
	if err != nil {
		return nil, fmt.Errorf("failed to start playwright: %w", err)
	}
	s.pw = pw

	opts := playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(config.Headless),
	}
	for _, arg := range browserArgs(config) {
		opts.Args = append(opts.Args, "--"+arg)
	}
	chromePath := config.ChromiumPath
	if chromePath == "" {
		chromePath = FindChromeBinary(logger)
	}
	if chromePath != "" {
		opts.ExecutablePath = playwright.String(chromePath)
	}

	if err := ctx.Err(); err != nil {
		s.Close()
		return nil, err
	}
	logger.Debug("launching playwright chromium", "instance", s.instanceID, "bin", chromePath)
	browser, err := pw.Chromium.Launch(opts)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to launch chromium: %w", err)
	}
	s.browser = browser
	return s, nil
}

// playwrightRunOptions routes driver install output and driver logs to
// logger. Left unset, playwright writes them to stdout.
func playwrightRunOptions(logger *log.Logger) *playwright.RunOptions {
	w := logger.StandardLog(log.StandardLogOptions{ForceLevel: log.DebugLevel}).Writer()
	return &playwright.RunOptions{
		Verbose: true,
		Stdout:  w,
		Stderr:  w,
		Logger:  slog.New(logger),
	}
}

// Load implements Surface
func (s *PlaywrightSurface) Load(ctx context.Context, markup string, width, height int) error {
	bctx, err := s.browser.NewContext(playwright.BrowserNewContextOptions{
		Viewport: &playwright.Size{
			Width:  width,
			Height: height,
		},
		DeviceScaleFactor: playwright.Float(s.config.DeviceScaleFactor),
		IgnoreHttpsErrors: playwright.Bool(s.config.SkipTLSVerify),
	})
	if err != nil {
		return fmt.Errorf("failed to create browser context: %w", err)
	}
	s.bctx = bctx

	page, err := bctx.NewPage()
	if err != nil {
		return fmt.Errorf("failed to create page: %w", err)
	}
	s.page = page

	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left > 0 {
			page.SetDefaultTimeout(float64(left.Milliseconds()))
		}
	}
	if err := page.SetContent(markup, playwright.PageSetContentOptions{
		WaitUntil: playwright.WaitUntilStateLoad,
	}); err != nil {
		return fmt.Errorf("failed to load markup: %w", err)
	}
	return nil
}

// Ready implements Surface
func (s *PlaywrightSurface) Ready(ctx context.Context, selector string) (bool, error) {
	if s.page == nil {
		return false, fmt.Errorf("no page loaded")
	}
	res, err := s.page.Evaluate(readyScript, selector)
	if err != nil {
		return false, err
	}
	ready, _ := res.(bool)
	return ready, nil
}

// Capture implements Surface
func (s *PlaywrightSurface) Capture(ctx context.Context, width, height int) ([]byte, error) {
	if s.page == nil {
		return nil, fmt.Errorf("no page loaded")
	}
	png, err := s.page.Screenshot(playwright.PageScreenshotOptions{
		Type: playwright.ScreenshotTypePng,
		Clip: &playwright.Rect{
			X:      0,
			Y:      0,
			Width:  float64(width),
			Height: float64(height),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to capture screenshot: %w", err)
	}
	return png, nil
}

// Close implements Surface
func (s *PlaywrightSurface) Close() error {
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if s.bctx != nil {
		keep(s.bctx.Close())
		s.bctx = nil
	}
	if s.browser != nil {
		s.logger.Debug("closing playwright chromium", "instance", s.instanceID)
		keep(s.browser.Close())
		s.browser = nil
	}
	if s.pw != nil {
		keep(s.pw.Stop())
		s.pw = nil
	}
	return firstErr
}

// Name implements Surface
func (s *PlaywrightSurface) Name() string {
	return "playwright"
}
