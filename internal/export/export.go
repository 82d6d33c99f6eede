// Package export writes the merged calendar to a file on a cron schedule,
// for hosting as a static file.
package export

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/robfig/cron/v3"

	appLog "rescal/internal/log"
)

// Aggregator produces the serialized calendar.
type Aggregator interface {
	Aggregate(ctx context.Context, cutoff time.Time, locations []string) (string, error)
}

// Exporter runs one aggregation with the default cutoff and writes the
// result to Path.
type Exporter struct {
	agg      Aggregator
	path     string
	lookback time.Duration
	timeout  time.Duration
	now      func() time.Time
}

// New creates an Exporter writing to path with the given lookback.
func New(agg Aggregator, path string, lookback time.Duration) *Exporter {
	return &Exporter{
		agg:      agg,
		path:     path,
		lookback: lookback,
		timeout:  2 * time.Minute,
		now:      time.Now,
	}
}

// Run aggregates once and replaces the export file. A failed aggregation
// leaves the previous file in place.
func (e *Exporter) Run(ctx context.Context) error {
	if e.path == "" {
		return errors.New("export path is empty")
	}
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	body, err := e.agg.Aggregate(ctx, e.now().Add(-e.lookback), nil)
	if err != nil {
		return fmt.Errorf("export: %w", err)
	}
	if err := WriteFileAtomic(e.path, []byte(body), 0o644); err != nil {
		return fmt.Errorf("export: write %s: %w", e.path, err)
	}
	appLog.Info("export written", "path", e.path, "bytes", len(body))
	return nil
}

// Schedule runs e on the given standard cron spec until ctx is cancelled.
// The returned cron is already started.
func Schedule(ctx context.Context, spec string, e *Exporter) (*cron.Cron, error) {
	if _, err := cron.ParseStandard(spec); err != nil {
		return nil, fmt.Errorf("export schedule %q: %w", spec, err)
	}

	c := cron.New()
	_, err := c.AddFunc(spec, func() {
		if err := e.Run(ctx); err != nil {
			appLog.Error("scheduled export failed", err, "path", e.path)
		}
	})
	if err != nil {
		return nil, err
	}
	c.Start()
	appLog.Info("export scheduled", "path", e.path, "schedule", spec)

	go func() {
		<-ctx.Done()
		<-c.Stop().Done()
		appLog.Debug("export scheduler stopped")
	}()
	return c, nil
}

// WriteFileAtomic writes data to a temp file in the target directory and
// renames it over path.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".rescal-export-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
