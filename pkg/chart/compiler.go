// Package chart compiles time-series data and a RenderConfig into a
// self-contained HTML document that draws the chart in a headless browser.
//
// The document is data driven: a fixed renderer script (assets/renderer.js)
// reads a typed JSON spec embedded as a data island and drives the charting
// library through structured calls. Values are never spliced into script
// text, so titles, units and series keys cannot inject markup or code.
package chart

import (
	"bytes"
	_ "embed"
	"fmt"
	"html/template"
	"math"
	"sort"

	"github.com/FulgerX2007/chartsnap/pkg/model"
)

// ContainerID is the id of the chart container in compiled documents.
// The default wait selector "#chartdiv" targets it.
const ContainerID = "chartdiv"

// Libraries are the charting scripts loaded by compiled documents, in order
var Libraries = []string{
	"https://cdn.amcharts.com/lib/4/core.js",
	"https://cdn.amcharts.com/lib/4/charts.js",
	"https://cdn.amcharts.com/lib/4/themes/animated.js",
}

var (
	//go:embed assets/page.html.tmpl
	pageSource string

	//go:embed assets/renderer.js
	rendererSource string

	pageTemplate = template.Must(template.New("page").Parse(pageSource))
)

// Series is one plotted line or column set
type Series struct {
	Key   string `json:"key"`
	Name  string `json:"name"`
	Field string `json:"field"`
	Color string `json:"color"`
}

// Row holds the values of every series at one timestamp.
// Values[i] belongs to Series[i]; nil means no sample.
type Row struct {
	Time   int64      `json:"t"` // unix milliseconds
	Values []*float64 `json:"v"`
}

// Spec is the data island consumed by the renderer script
type Spec struct {
	Container  string          `json:"container"`
	Title      string          `json:"title"`
	Kind       model.ChartKind `json:"kind"`
	ValueTitle string          `json:"valueTitle"`
	Unit       string          `json:"unit,omitempty"`
	Multi      bool            `json:"multi"`
	Series     []Series        `json:"series"`
	Rows       []Row           `json:"rows"`
}

type page struct {
	Title     string
	Container string
	Width     int
	Height    int
	Spec      *Spec
	Libraries []string
	Renderer  template.JS
}

// Compile turns data and cfg into a markup document. It is pure and
// deterministic: identical inputs always produce byte-identical output.
// Empty data yields a well-formed empty chart.
func Compile(data []model.DataPoint, cfg model.RenderConfig) (string, error) {
	spec, err := Build(data, cfg)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	err = pageTemplate.Execute(&buf, page{
		Title:     cfg.Title,
		Container: ContainerID,
		Width:     cfg.Width,
		Height:    cfg.Height,
		Spec:      spec,
		Libraries: Libraries,
		Renderer:  template.JS(rendererSource),
	})
	if err != nil {
		return "", model.Wrap(model.KindConfig, "failed to execute chart template", err)
	}
	return buf.String(), nil
}

// Validate runs every check Compile would make without producing markup
func Validate(data []model.DataPoint, cfg model.RenderConfig) error {
	_, err := Build(data, cfg)
	return err
}

// Build reshapes data into the renderer spec
func Build(data []model.DataPoint, cfg model.RenderConfig) (*Spec, error) {
	if err := model.ValidateRenderConfig(&cfg); err != nil {
		return nil, err
	}

	points := SortPoints(data)
	keys, keyed := seriesKeys(points)

	spec := &Spec{
		Container:  ContainerID,
		Title:      cfg.Title,
		Kind:       cfg.ChartKind,
		ValueTitle: valueTitle(cfg),
		Unit:       cfg.Unit,
		Series:     make([]Series, 0, len(keys)),
		Rows:       make([]Row, 0, len(points)),
	}

	if cfg.TemplateKind == model.TemplateSingleSeries {
		if keyed > 1 {
			return nil, model.Errorf(model.KindConfig,
				"single-series template cannot plot %d series keys", keyed)
		}
		buildSingle(spec, points, cfg)
		return spec, nil
	}

	if keyed == 0 {
		buildSingle(spec, points, cfg)
		return spec, nil
	}
	buildMulti(spec, points, keys, cfg)
	return spec, nil
}

// FinitePoints returns a copy of data without NaN or infinite values, which
// JSON cannot carry.
func FinitePoints(data []model.DataPoint) []model.DataPoint {
	points := make([]model.DataPoint, 0, len(data))
	for _, p := range data {
		if math.IsNaN(p.Value) || math.IsInf(p.Value, 0) {
			continue
		}
		points = append(points, p)
	}
	return points
}

// SortPoints returns the finite points of data ordered by timestamp, ties
// broken by series key. Equal (timestamp, key) pairs keep their input order.
func SortPoints(data []model.DataPoint) []model.DataPoint {
	points := FinitePoints(data)
	sort.SliceStable(points, func(i, j int) bool {
		a, b := points[i], points[j]
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.Before(b.Timestamp)
		}
		return a.SeriesKey < b.SeriesKey
	})
	return points
}

// ColorFor returns the palette colour of the series at index
func ColorFor(palette []string, index int) string {
	return palette[index%len(palette)]
}

// seriesKeys lists distinct keys in first-seen order and counts the
// non-empty ones.
func seriesKeys(points []model.DataPoint) (keys []string, keyed int) {
	seen := make(map[string]bool)
	for _, p := range points {
		if seen[p.SeriesKey] {
			continue
		}
		seen[p.SeriesKey] = true
		keys = append(keys, p.SeriesKey)
		if p.SeriesKey != "" {
			keyed++
		}
	}
	return keys, keyed
}

func buildSingle(spec *Spec, points []model.DataPoint, cfg model.RenderConfig) {
	name := cfg.ValueLabel
	if name == "" {
		name = "Value"
	}
	spec.Series = append(spec.Series, Series{
		Name:  name,
		Field: "value",
		Color: ColorFor(cfg.ColorPalette, 0),
	})
	for _, p := range points {
		v := p.Value
		spec.Rows = append(spec.Rows, Row{Time: p.Timestamp.UnixMilli(), Values: []*float64{&v}})
	}
}

func buildMulti(spec *Spec, points []model.DataPoint, keys []string, cfg model.RenderConfig) {
	spec.Multi = true

	index := make(map[string]int, len(keys))
	for i, key := range keys {
		index[key] = i
		name := key
		if name == "" {
			name = valueTitle(cfg)
		}
		spec.Series = append(spec.Series, Series{
			Key:   key,
			Name:  name,
			Field: fmt.Sprintf("s%d", i),
			Color: ColorFor(cfg.ColorPalette, i),
		})
	}

	row := -1
	for i, p := range points {
		if i == 0 || !p.Timestamp.Equal(points[i-1].Timestamp) {
			spec.Rows = append(spec.Rows, Row{
				Time:   p.Timestamp.UnixMilli(),
				Values: make([]*float64, len(keys)),
			})
			row++
		}
		v := p.Value
		spec.Rows[row].Values[index[p.SeriesKey]] = &v
	}
}

func valueTitle(cfg model.RenderConfig) string {
	label := cfg.ValueLabel
	if label == "" {
		label = "Value"
	}
	if cfg.Unit != "" {
		return fmt.Sprintf("%s (%s)", label, cfg.Unit)
	}
	return label
}
