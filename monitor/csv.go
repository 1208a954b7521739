package monitor

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/exp/maps"
)

// Logger receives metrics keyed by name.
type Logger interface {
	LogMetrics(metrics map[string]float64, step int) error
	Flush() error
	Close() error
}

// CSVLogger buffers metric rows and rewrites {root}/csv/{run id}/metrics.csv
// every flushEvery rows. Columns are the union of every metric seen.
type CSVLogger struct {
	mu sync.Mutex

	path       string
	flushEvery int
	rows       []map[string]float64
	pending    int
}

const MetricsFile = "metrics.csv"

func NewCSVLogger(root string, flushEvery int) (*CSVLogger, error) {
	dir := filepath.Join(root, "csv", uuid.NewString())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	return &CSVLogger{path: filepath.Join(dir, MetricsFile), flushEvery: max(flushEvery, 1)}, nil
}

func (l *CSVLogger) Path() string {
	return l.path
}

func (l *CSVLogger) LogMetrics(metrics map[string]float64, step int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	row := maps.Clone(metrics)
	row["step"] = float64(step)
	l.rows = append(l.rows, row)
	l.pending++

	if l.pending >= l.flushEvery {
		return l.flush()
	}

	return nil
}

func (l *CSVLogger) Flush() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.flush()
}

func (l *CSVLogger) flush() error {
	columns := map[string]struct{}{}
	for _, row := range l.rows {
		for k := range row {
			columns[k] = struct{}{}
		}
	}

	delete(columns, "step")
	header := maps.Keys(columns)
	slices.Sort(header)
	header = append([]string{"step"}, header...)

	f, err := os.Create(l.path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(header); err != nil {
		return err
	}

	for _, row := range l.rows {
		record := make([]string, len(header))
		for i, k := range header {
			if v, ok := row[k]; ok {
				record[i] = strconv.FormatFloat(v, 'g', -1, 64)
			}
		}

		if err := w.Write(record); err != nil {
			return err
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return err
	}

	l.pending = 0
	return f.Close()
}

func (l *CSVLogger) Close() error {
	return l.Flush()
}
