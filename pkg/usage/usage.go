// Package usage periodically exports stored record totals as Prometheus gauges.
package usage

import (
	"context"
	"strconv"
	"time"

	"github.com/Gobusters/ectologger"
	"go.opentelemetry.io/otel/attribute"

	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

const (
	DefaultInterval  = time.Minute
	DefaultBatchSize = 1000
)

// CountStore is satisfied by *recordcount.Repository.
type CountStore interface {
	PaginateCounts(ctx context.Context, environmentIDs []int64, batchSize int, fn func([]models.RecordCount) error) error
}

type Config struct {
	Interval  time.Duration
	BatchSize int
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	return c
}

// Totals is the stored count and size of one environment
type Totals struct {
	Count     int64
	SizeBytes int64
}

// Exporter walks every record tally and publishes per-environment totals.
type Exporter struct {
	store  CountStore
	config Config
	logger ectologger.Logger
}

func NewExporter(store CountStore, config Config, logger ectologger.Logger) *Exporter {
	return &Exporter{store: store, config: config.withDefaults(), logger: logger}
}

// Export runs one pass over all environments and replaces the gauges.
// The gauges keep their previous values when the walk fails.
func (e *Exporter) Export(ctx context.Context) (map[int64]Totals, error) {
	ctx, span := tracing.StartSpan(ctx, "usage.Exporter.Export")
	defer span.End()

	totals := map[int64]Totals{}
	err := e.store.PaginateCounts(ctx, nil, e.config.BatchSize, func(page []models.RecordCount) error {
		for _, c := range page {
			t := totals[c.EnvironmentID]
			t.Count += c.Count
			t.SizeBytes += c.SizeBytes
			totals[c.EnvironmentID] = t
		}
		return nil
	})
	if err != nil {
		tracing.RecordError(span, err)
		e.logger.WithContext(ctx).WithError(err).Error("Failed to export record usage")
		return nil, err
	}

	counts := make(map[string]int64, len(totals))
	sizes := make(map[string]int64, len(totals))
	for env, t := range totals {
		key := strconv.FormatInt(env, 10)
		counts[key] = t.Count
		sizes[key] = t.SizeBytes
	}
	metrics.SetStoredRecords(counts, sizes)

	span.SetAttributes(attribute.Int("environments", len(totals)))
	e.logger.WithContext(ctx).WithFields(map[string]any{"environments": len(totals)}).Debug("Exported record usage")
	return totals, nil
}

// Run exports once immediately and then on every interval until ctx is cancelled.
func (e *Exporter) Run(ctx context.Context) {
	e.logger.WithContext(ctx).WithFields(map[string]any{"interval": e.config.Interval.String()}).Info("Starting usage exporter")

	// errors are logged inside Export
	_, _ = e.Export(ctx)

	ticker := time.NewTicker(e.config.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			e.logger.WithContext(ctx).Debug("Usage exporter stopping")
			return
		case <-ticker.C:
			_, _ = e.Export(ctx)
		}
	}
}
