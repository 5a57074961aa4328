package usage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/pkg/logging"
	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/models"
)

type fakeCounts struct {
	mu      sync.Mutex
	pages   [][]models.RecordCount
	err     error
	calls   int
	envs    [][]int64
	batches []int
}

func (f *fakeCounts) PaginateCounts(_ context.Context, environmentIDs []int64, batchSize int, fn func([]models.RecordCount) error) error {
	f.mu.Lock()
	f.calls++
	f.envs = append(f.envs, environmentIDs)
	f.batches = append(f.batches, batchSize)
	pages, err := f.pages, f.err
	f.mu.Unlock()

	if err != nil {
		return err
	}
	for _, p := range pages {
		if err := fn(p); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeCounts) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestExport(t *testing.T) {
	store := &fakeCounts{pages: [][]models.RecordCount{
		{
			{ConnectionID: 1, EnvironmentID: 7, Model: "Issue", Count: 3, SizeBytes: 300},
			{ConnectionID: 1, EnvironmentID: 8, Model: "Issue", Count: 1, SizeBytes: 10},
		},
		{
			{ConnectionID: 2, EnvironmentID: 7, Model: "User", Count: 2, SizeBytes: 50},
		},
	}}
	exporter := NewExporter(store, Config{BatchSize: 2}, logging.Discard())

	totals, err := exporter.Export(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[int64]Totals{7: {Count: 5, SizeBytes: 350}, 8: {Count: 1, SizeBytes: 10}}, totals)

	// every environment is walked
	assert.Nil(t, store.envs[0])
	assert.Equal(t, 2, store.batches[0])

	assert.Equal(t, float64(5), testutil.ToFloat64(metrics.StoredRecords.WithLabelValues("7")))
	assert.Equal(t, float64(350), testutil.ToFloat64(metrics.StoredRecordBytes.WithLabelValues("7")))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.StoredRecords.WithLabelValues("8")))
}

func TestExport_StoreError(t *testing.T) {
	metrics.SetStoredRecords(map[string]int64{"9": 4}, map[string]int64{"9": 40})
	store := &fakeCounts{err: errors.New("db down")}

	_, err := NewExporter(store, Config{}, logging.Discard()).Export(context.Background())
	assert.Error(t, err)
	assert.Equal(t, DefaultBatchSize, store.batches[0])
	assert.Equal(t, float64(4), testutil.ToFloat64(metrics.StoredRecords.WithLabelValues("9")))
}

func TestRun_ExportsUntilCancelled(t *testing.T) {
	store := &fakeCounts{}
	exporter := NewExporter(store, Config{Interval: 5 * time.Millisecond}, logging.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		exporter.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool { return store.callCount() >= 2 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("exporter did not stop")
	}
}
