package model

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/gorhill/cronexpr"
)

// ValidateRenderConfig checks a chart config before it is compiled.
// Every failure is a ConfigError.
func ValidateRenderConfig(cfg *RenderConfig) error {
	if cfg == nil {
		return Errorf(KindConfig, "render config is required")
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return Errorf(KindConfig, "chart size must be positive, got %dx%d", cfg.Width, cfg.Height)
	}
	switch cfg.TemplateKind {
	case TemplateMultiSeries, TemplateSingleSeries:
	default:
		return Errorf(KindConfig, "unknown template kind %q", cfg.TemplateKind)
	}
	switch cfg.ChartKind {
	case ChartLine, ChartColumn, ChartArea:
	default:
		return Errorf(KindConfig, "unknown chart kind %q", cfg.ChartKind)
	}
	if len(cfg.ColorPalette) == 0 {
		return Errorf(KindConfig, "color palette must not be empty")
	}
	for i, c := range cfg.ColorPalette {
		if strings.TrimSpace(c) == "" {
			return Errorf(KindConfig, "color palette entry %d is empty", i)
		}
	}
	if cfg.SettleWaitMS < 0 {
		return Errorf(KindConfig, "settle wait must not be negative, got %dms", cfg.SettleWaitMS)
	}
	return nil
}

// ValidateRequest checks a decoded request on the worker side.
// Every failure is an InputError.
func ValidateRequest(req *RenderRequest) error {
	if req == nil {
		return Errorf(KindInput, "request is empty")
	}
	if req.Width <= 0 || req.Height <= 0 {
		return Errorf(KindInput, "width and height must be positive, got %dx%d", req.Width, req.Height)
	}
	if req.SettleWaitMS < 0 || req.ReadinessCapMS < 0 || req.DeadlineMS < 0 {
		return Errorf(KindInput, "durations must not be negative")
	}

	switch req.Mode {
	case ModeData:
		if req.Config == nil {
			return Errorf(KindInput, "config is required in data mode")
		}
		for i, p := range req.Data {
			if p.Timestamp.IsZero() {
				return Errorf(KindInput, "data point %d has no timestamp", i)
			}
			if math.IsNaN(p.Value) || math.IsInf(p.Value, 0) {
				return Errorf(KindInput, "data point %d has a non-finite value", i)
			}
		}
	case ModeMarkup:
		if strings.TrimSpace(req.Markup) == "" {
			return Errorf(KindInput, "markup is required in markup mode")
		}
	case "":
		return Errorf(KindInput, "mode is required")
	default:
		return Errorf(KindInput, "unknown mode %q", req.Mode)
	}
	return nil
}

// ValidateCronExpression validates a cron expression format.
// Returns an error if the expression cannot be parsed.
func ValidateCronExpression(cronExpr string) error {
	if cronExpr == "" {
		return fmt.Errorf("cron expression cannot be empty")
	}
	if n := len(strings.Fields(cronExpr)); n > 7 {
		return fmt.Errorf("invalid cron expression '%s': expected at most 7 fields, got %d", cronExpr, n)
	}

	_, err := cronexpr.Parse(cronExpr)
	if err != nil {
		return fmt.Errorf("invalid cron expression '%s': %v", cronExpr, err)
	}

	return nil
}

// ValidateJob validates a snapshot job before it is stored
func ValidateJob(job *SnapshotJob) error {
	if strings.TrimSpace(job.Name) == "" {
		return fmt.Errorf("job name is required")
	}
	if strings.TrimSpace(job.Query) == "" {
		return fmt.Errorf("job query is required")
	}
	if job.CronExpr != "" {
		if err := ValidateCronExpression(job.CronExpr); err != nil {
			return err
		}
	} else {
		switch job.IntervalType {
		case "daily", "weekly", "monthly":
		default:
			return fmt.Errorf("interval type must be daily, weekly or monthly when no cron expression is set, got '%s'", job.IntervalType)
		}
	}
	if job.Timezone != "" {
		if _, err := time.LoadLocation(job.Timezone); err != nil {
			return fmt.Errorf("invalid timezone '%s': %v", job.Timezone, err)
		}
	}
	if job.Lookback != "" {
		if d, err := time.ParseDuration(job.Lookback); err != nil || d <= 0 {
			return fmt.Errorf("invalid lookback '%s': must be a positive duration", job.Lookback)
		}
	}
	switch job.Format {
	case "", FormatPNG, FormatPDF:
	default:
		return fmt.Errorf("unsupported output format '%s'", job.Format)
	}
	return ValidateRenderConfig(&job.Config)
}
