// Package source loads time-series points for snapshot jobs from SQL databases
package source

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	_ "github.com/lib/pq"   // Register Postgres driver
	_ "modernc.org/sqlite" // Register SQLite driver

	"github.com/FulgerX2007/chartsnap/pkg/model"
	"github.com/FulgerX2007/chartsnap/pkg/store"
)

// Source fetches the points of one chart for a time range
type Source interface {
	Fetch(ctx context.Context, query string, from, to time.Time) ([]model.DataPoint, error)
}

// SQLSource runs caller-supplied queries against a database/sql pool.
//
// A query receives the range start and end as its two positional parameters
// and returns either (timestamp, value) or (timestamp, series_key, value)
// rows. Rows with a NULL or NaN value are skipped.
type SQLSource struct {
	db     *sql.DB
	driver string
	logger *log.Logger
}

// Open connects to a postgres or sqlite database
func Open(driver, dsn string, logger *log.Logger) (*SQLSource, error) {
	switch driver {
	case "postgres", "sqlite":
	default:
		return nil, fmt.Errorf("unsupported source driver '%s'", driver)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s source: %w", driver, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping %s source: %w", driver, err)
	}
	if driver == "postgres" {
		db.SetMaxOpenConns(10)
		db.SetConnMaxIdleTime(5 * time.Minute)
	}
	return New(db, driver, logger), nil
}

// New wraps an open pool
func New(db *sql.DB, driver string, logger *log.Logger) *SQLSource {
	if logger == nil {
		logger = log.Default()
	}
	return &SQLSource{db: db, driver: driver, logger: logger.WithPrefix("source")}
}

// Close closes the pool
func (s *SQLSource) Close() error {
	return s.db.Close()
}

// Fetch implements Source
func (s *SQLSource) Fetch(ctx context.Context, query string, from, to time.Time) ([]model.DataPoint, error) {
	start := time.Now()
	rows, err := s.db.QueryContext(ctx, query, s.bind(from), s.bind(to))
	if err != nil {
		return nil, fmt.Errorf("source query failed: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	if len(cols) != 2 && len(cols) != 3 {
		return nil, fmt.Errorf("source query must return 2 or 3 columns, got %d (%s)", len(cols), strings.Join(cols, ", "))
	}

	points := make([]model.DataPoint, 0)
	skipped := 0
	for rows.Next() {
		raw := make([]interface{}, len(cols))
		dest := make([]interface{}, len(cols))
		for i := range raw {
			dest[i] = &raw[i]
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("failed to scan source row: %w", err)
		}

		ts, err := toTime(raw[0])
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", len(points)+skipped, err)
		}
		var key string
		valueAt := 1
		if len(cols) == 3 {
			key = toKey(raw[1])
			valueAt = 2
		}
		value, ok := toFloat(raw[valueAt])
		if !ok {
			skipped++
			continue
		}
		points = append(points, model.DataPoint{Timestamp: ts, SeriesKey: key, Value: value})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("source rows failed: %w", err)
	}

	s.logger.Debug("fetched points", "points", len(points), "skipped", skipped, "elapsed", time.Since(start).Round(time.Millisecond))
	return points, nil
}

// bind formats range bounds the way each driver compares them
func (s *SQLSource) bind(t time.Time) interface{} {
	if s.driver == "sqlite" {
		return t.UTC().Format("2006-01-02 15:04:05")
	}
	return t
}

func toTime(v interface{}) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t, nil
	case int64:
		return time.Unix(t, 0).UTC(), nil
	case float64:
		return time.Unix(int64(t), 0).UTC(), nil
	case []byte:
		return toTime(string(t))
	case string:
		if parsed := store.ParseTimestamp(t); parsed != nil {
			return *parsed, nil
		}
		return time.Time{}, fmt.Errorf("unparseable timestamp '%s'", t)
	case nil:
		return time.Time{}, fmt.Errorf("NULL timestamp")
	default:
		return time.Time{}, fmt.Errorf("unsupported timestamp type %T", v)
	}
}

func toKey(v interface{}) string {
	switch k := v.(type) {
	case nil:
		return ""
	case string:
		return k
	case []byte:
		return string(k)
	case int64:
		return strconv.FormatInt(k, 10)
	default:
		return fmt.Sprint(k)
	}
}

// toFloat reports false for NULL, NaN, infinities and non-numeric text
func toFloat(v interface{}) (float64, bool) {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int64:
		f = float64(n)
	case []byte:
		return toFloat(string(n))
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}
