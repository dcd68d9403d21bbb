package model

import (
	"database/sql/driver"
	"encoding/json"
	"time"
)

// ChartKind selects how each series is drawn
type ChartKind string

const (
	ChartLine   ChartKind = "line"
	ChartColumn ChartKind = "column"
	ChartArea   ChartKind = "area"
)

// TemplateKind selects the chart template used by the compiler
type TemplateKind string

const (
	TemplateMultiSeries  TemplateKind = "multi-series"
	TemplateSingleSeries TemplateKind = "single-series"
)

// Mode tells the worker where the markup comes from
type Mode string

const (
	ModeData   Mode = "data"   // compile Data + Config into markup
	ModeMarkup Mode = "markup" // use Markup verbatim
)

// OutputFormat is the artifact format handed back to callers
type OutputFormat string

const (
	FormatPNG OutputFormat = "png"
	FormatPDF OutputFormat = "pdf"
)

// Defaults shared by the worker, the CLI and the scheduler
const (
	DefaultWidth          = 1000
	DefaultHeight         = 600
	DefaultWaitSelector   = "#chartdiv"
	DefaultSettleWaitMS   = 3000
	DefaultReadinessCapMS = 15000
	DefaultDeadlineMS     = 30000
)

// DefaultPalette is the colour cycle used when a config does not set one
var DefaultPalette = []string{
	"#FF6B6B", "#4ECDC4", "#45B7D1", "#96CEB4", "#FFEAA7",
	"#DDA0DD", "#98D8C8", "#F7DC6F", "#BB8FCE", "#85C1E9",
}

// DataPoint is one sample of a time series.
// All points of one request share the same unit.
type DataPoint struct {
	Timestamp time.Time `json:"timestamp"`
	SeriesKey string    `json:"series_key,omitempty"`
	Value     float64   `json:"value"`
}

// RenderConfig describes how a chart is compiled and captured
type RenderConfig struct {
	Width        int          `json:"width" toml:"width"`
	Height       int          `json:"height" toml:"height"`
	Title        string       `json:"title" toml:"title"`
	ValueLabel   string       `json:"value_label,omitempty" toml:"value_label"` // value axis title, defaults to "Value"
	ChartKind    ChartKind    `json:"chart_kind" toml:"chart_kind"`
	TemplateKind TemplateKind `json:"template_kind" toml:"template_kind"`
	Unit         string       `json:"unit,omitempty" toml:"unit"`
	ColorPalette []string     `json:"color_palette" toml:"color_palette"`
	WaitSelector string       `json:"wait_selector" toml:"wait_selector"`
	SettleWaitMS int          `json:"settle_wait_ms" toml:"settle_wait_ms"`
}

// DefaultRenderConfig returns the chart defaults of the original KPI template
func DefaultRenderConfig() RenderConfig {
	return RenderConfig{
		Width:        DefaultWidth,
		Height:       DefaultHeight,
		Title:        "KPI Chart",
		ValueLabel:   "Value",
		ChartKind:    ChartLine,
		TemplateKind: TemplateMultiSeries,
		ColorPalette: append([]string(nil), DefaultPalette...),
		WaitSelector: DefaultWaitSelector,
		SettleWaitMS: DefaultSettleWaitMS,
	}
}

// RenderRequest is the single message written to a worker's input channel.
// Exactly one of (Data, Config) or Markup is used, selected by Mode.
type RenderRequest struct {
	Mode   Mode          `json:"mode"`
	Data   []DataPoint   `json:"data,omitempty"`
	Config *RenderConfig `json:"config,omitempty"`
	Markup string        `json:"markup,omitempty"`

	Width          int    `json:"width"`
	Height         int    `json:"height"`
	DeadlineMS     int    `json:"deadline_ms,omitempty"`
	WaitSelector   string `json:"wait_selector,omitempty"`    // overrides Config.WaitSelector
	SettleWaitMS   int    `json:"settle_wait_ms,omitempty"`   // overrides Config.SettleWaitMS
	ReadinessCapMS int    `json:"readiness_cap_ms,omitempty"` // 0 means DefaultReadinessCapMS
}

// NewDataRequest builds a data-mode request sized from the config
func NewDataRequest(data []DataPoint, cfg RenderConfig) *RenderRequest {
	return &RenderRequest{
		Mode:   ModeData,
		Data:   data,
		Config: &cfg,
		Width:  cfg.Width,
		Height: cfg.Height,
	}
}

// NewMarkupRequest builds a markup-mode request
func NewMarkupRequest(markup string, width, height int, waitSelector string) *RenderRequest {
	if waitSelector == "" {
		waitSelector = DefaultWaitSelector
	}
	return &RenderRequest{
		Mode:         ModeMarkup,
		Markup:       markup,
		Width:        width,
		Height:       height,
		WaitSelector: waitSelector,
	}
}

// Deadline returns the request's own deadline, or zero if unset
func (r *RenderRequest) Deadline() time.Duration {
	return time.Duration(r.DeadlineMS) * time.Millisecond
}

// Selector returns the readiness selector in effect for this request
func (r *RenderRequest) Selector() string {
	if r.WaitSelector != "" {
		return r.WaitSelector
	}
	if r.Config != nil && r.Config.WaitSelector != "" {
		return r.Config.WaitSelector
	}
	return DefaultWaitSelector
}

// SettleWait returns the pause between readiness and capture
func (r *RenderRequest) SettleWait() time.Duration {
	ms := r.SettleWaitMS
	if ms == 0 && r.Config != nil {
		ms = r.Config.SettleWaitMS
	}
	return time.Duration(ms) * time.Millisecond
}

// ReadinessCap bounds the AwaitVisualReadiness poll
func (r *RenderRequest) ReadinessCap() time.Duration {
	if r.ReadinessCapMS > 0 {
		return time.Duration(r.ReadinessCapMS) * time.Millisecond
	}
	return DefaultReadinessCapMS * time.Millisecond
}

// RendererConfig holds rendering surface configuration for the worker process
type RendererConfig struct {
	Backend           string  `json:"backend" toml:"backend"`             // "chromium" (go-rod, default) or "playwright"
	ChromiumPath      string  `json:"chromium_path" toml:"chromium_path"` // optional, auto-detected if empty
	Headless          bool    `json:"headless" toml:"headless"`
	NoSandbox         bool    `json:"no_sandbox" toml:"no_sandbox"`
	DisableGPU        bool    `json:"disable_gpu" toml:"disable_gpu"`
	SkipTLSVerify     bool    `json:"skip_tls_verify" toml:"skip_tls_verify"`
	DeviceScaleFactor float64 `json:"device_scale_factor" toml:"device_scale_factor"`
}

// SnapshotJob is a stored, periodically rendered chart
type SnapshotJob struct {
	ID           int64        `json:"id"`
	Name         string       `json:"name"`
	IntervalType string       `json:"interval_type"`
	CronExpr     string       `json:"cron_expr,omitempty"`
	Timezone     string       `json:"timezone"`
	Query        string       `json:"query"`
	Lookback     string       `json:"lookback"` // Go duration, e.g. "720h"
	Config       RenderConfig `json:"config"`
	Format       OutputFormat `json:"format"`
	Enabled      bool         `json:"enabled"`
	LastRunAt    *time.Time   `json:"last_run_at,omitempty"`
	NextRunAt    *time.Time   `json:"next_run_at,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// LookbackDuration parses Lookback, defaulting to 30 days
func (j *SnapshotJob) LookbackDuration() time.Duration {
	if d, err := time.ParseDuration(j.Lookback); err == nil && d > 0 {
		return d
	}
	return 30 * 24 * time.Hour
}

// Run statuses
const (
	RunRunning   = "running"
	RunCompleted = "completed"
	RunFailed    = "failed"
)

// Run represents one execution of a snapshot job
type Run struct {
	ID           int64        `json:"id"`
	JobID        int64        `json:"job_id"`
	RequestID    string       `json:"request_id"`
	StartedAt    time.Time    `json:"started_at"`
	FinishedAt   *time.Time   `json:"finished_at,omitempty"`
	Status       string       `json:"status"`
	ErrorKind    string       `json:"error_kind,omitempty"`
	ErrorText    string       `json:"error_text,omitempty"`
	Format       OutputFormat `json:"format"`
	ArtifactData []byte       `json:"-"`
	Bytes        int64        `json:"bytes"`
	Checksum     string       `json:"checksum,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
}

// Scan implements sql.Scanner for RenderConfig
func (c *RenderConfig) Scan(value interface{}) error {
	if value == nil {
		return nil
	}
	var b []byte
	switch v := value.(type) {
	case []byte:
		b = v
	case string:
		b = []byte(v)
	default:
		return nil
	}
	return json.Unmarshal(b, c)
}

// Value implements driver.Valuer for RenderConfig
func (c RenderConfig) Value() (driver.Value, error) {
	return json.Marshal(c)
}
