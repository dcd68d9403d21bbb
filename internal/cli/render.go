package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/FulgerX2007/chartsnap/pkg/config"
	"github.com/FulgerX2007/chartsnap/pkg/export"
	"github.com/FulgerX2007/chartsnap/pkg/model"
	"github.com/FulgerX2007/chartsnap/pkg/source"
)

// renderOpts holds the command-line flags for the render command
type renderOpts struct {
	dataFile   string        // JSON array of data points
	markupFile string        // HTML rendered verbatim
	query      string        // query run against the configured source
	lookback   time.Duration // query range ending now
	output     string        // output file path
	format     string        // png or pdf, defaults to the output extension
	title      string
	unit       string
	chartKind  string
	template   string
	width      int
	height     int
	deadline   time.Duration
}

// newRenderCmd creates the one-shot render command
func newRenderCmd(g *globalOpts) *cobra.Command {
	var opts renderOpts

	cmd := &cobra.Command{
		Use:   "render",
		Short: "Render a chart from a data file, markup file or query into an image",
		Example: `  chartsnap render --data points.json --title "Latency" --unit ms -o latency.png
  chartsnap render --markup page.html --width 800 --height 400 -o page.png
  chartsnap render --query "SELECT ts, operator, value FROM kpi WHERE ts BETWEEN ? AND ?" -o kpi.pdf`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := loggerFromContext(ctx)

			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}
			format, err := outputFormat(opts.format, opts.output)
			if err != nil {
				return err
			}

			req, err := opts.request(cmd, cfg, logger)
			if err != nil {
				return err
			}

			mgr, err := newManager(g, cfg, logger)
			if err != nil {
				return err
			}
			img, err := mgr.Render(ctx, req, opts.deadline)
			if err != nil {
				return err
			}

			title := opts.title
			if title == "" && req.Config != nil {
				title = req.Config.Title
			}
			out, _, err := export.Convert(img, format, title)
			if err != nil {
				return err
			}
			if err := os.WriteFile(opts.output, out, 0o644); err != nil {
				return fmt.Errorf("failed to write %s: %w", opts.output, err)
			}
			logger.Info("wrote image", "path", opts.output, "size", humanize.Bytes(uint64(len(out))))
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.dataFile, "data", "", "JSON file with data points")
	f.StringVar(&opts.markupFile, "markup", "", "HTML file rendered verbatim")
	f.StringVar(&opts.query, "query", "", "query against the configured source, bound to (from, to)")
	f.DurationVar(&opts.lookback, "lookback", 30*24*time.Hour, "query range ending now")
	f.StringVarP(&opts.output, "output", "o", "", "output file")
	f.StringVar(&opts.format, "format", "", "output format: png or pdf (default from the output extension)")
	f.StringVar(&opts.title, "title", "", "chart title")
	f.StringVar(&opts.unit, "unit", "", "value unit")
	f.StringVar(&opts.chartKind, "chart", "", "chart kind: line, column or area")
	f.StringVar(&opts.template, "template", "", "template: multi-series or single-series")
	f.IntVar(&opts.width, "width", 0, "image width in pixels")
	f.IntVar(&opts.height, "height", 0, "image height in pixels")
	f.DurationVar(&opts.deadline, "deadline", 0, "render deadline (default from config)")
	cmd.MarkFlagRequired("output")
	cmd.MarkFlagsMutuallyExclusive("data", "markup", "query")
	cmd.MarkFlagsOneRequired("data", "markup", "query")

	return cmd
}

// request builds the render request described by the flags
func (o *renderOpts) request(cmd *cobra.Command, cfg config.Config, logger *log.Logger) (*model.RenderRequest, error) {
	if o.markupFile != "" {
		markup, err := os.ReadFile(o.markupFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read markup: %w", err)
		}
		width, height := o.width, o.height
		if width == 0 {
			width = cfg.Chart.Width
		}
		if height == 0 {
			height = cfg.Chart.Height
		}
		return model.NewMarkupRequest(string(markup), width, height, cfg.Chart.WaitSelector), nil
	}

	chartCfg := cfg.Chart
	if o.title != "" {
		chartCfg.Title = o.title
	}
	if o.unit != "" {
		chartCfg.Unit = o.unit
	}
	if o.chartKind != "" {
		chartCfg.ChartKind = model.ChartKind(o.chartKind)
	}
	if o.template != "" {
		chartCfg.TemplateKind = model.TemplateKind(o.template)
	}
	if o.width > 0 {
		chartCfg.Width = o.width
	}
	if o.height > 0 {
		chartCfg.Height = o.height
	}

	var data []model.DataPoint
	if o.dataFile != "" {
		raw, err := os.ReadFile(o.dataFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read data: %w", err)
		}
		if err := json.Unmarshal(raw, &data); err != nil {
			return nil, model.Wrap(model.KindInput, "malformed data file", err)
		}
	} else {
		src, err := openSource(cfg, logger)
		if err != nil {
			return nil, err
		}
		defer src.Close()

		to := time.Now().UTC()
		data, err = src.Fetch(cmd.Context(), o.query, to.Add(-o.lookback), to)
		if err != nil {
			return nil, err
		}
	}
	logger.Debug("data loaded", "points", len(data))
	return model.NewDataRequest(data, chartCfg), nil
}

// openSource connects to the configured data source. A sqlite source with no
// DSN reads the store database.
func openSource(cfg config.Config, logger *log.Logger) (*source.SQLSource, error) {
	dsn := cfg.Source.DSN
	if dsn == "" {
		if cfg.Source.Driver != "sqlite" {
			return nil, errors.New("source dsn is required")
		}
		dsn = cfg.Store.Path
	}
	return source.Open(cfg.Source.Driver, dsn, logger)
}

// outputFormat resolves the format flag, falling back to the output extension
func outputFormat(flag, output string) (model.OutputFormat, error) {
	format := strings.ToLower(flag)
	if format == "" {
		format = strings.TrimPrefix(strings.ToLower(filepath.Ext(output)), ".")
	}
	switch model.OutputFormat(format) {
	case model.FormatPNG, model.FormatPDF:
		return model.OutputFormat(format), nil
	case "":
		return model.FormatPNG, nil
	default:
		return "", fmt.Errorf("unsupported output format '%s'", format)
	}
}
