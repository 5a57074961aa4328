package tracing

import (
	"context"
	"errors"
	"testing"

	"github.com/Ramsey-B/fern/pkg/tracing/exporters"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartSpan_NoTracer(t *testing.T) {
	SetTracer(nil)

	ctx, span := StartSpan(context.Background(), "records.Repository.Upsert")
	defer span.End()

	assert.Nil(t, GetActiveSpan(ctx))
	assert.Empty(t, GetTraceID(ctx))
	assert.Empty(t, GetTraceParent(ctx))
	RecordError(span, errors.New("boom"))
}

func TestSetup_Disabled(t *testing.T) {
	shutdown, err := Setup(context.Background(), Config{ServiceName: "fern-test"})
	require.NoError(t, err)
	t.Cleanup(func() {
		SetTracer(nil)
		_ = shutdown(context.Background())
	})

	ctx, span := StartSpan(context.Background(), "records.Repository.GetRecords")
	defer span.End()

	assert.NotNil(t, GetActiveSpan(ctx))
	assert.Len(t, GetTraceID(ctx), 32)
	assert.Len(t, GetSpanID(ctx), 16)
	assert.Contains(t, GetTraceParent(ctx), GetTraceID(ctx))
}

func TestNewOTLPExporter_UnsupportedProtocol(t *testing.T) {
	_, err := exporters.NewOTLPExporter(context.Background(), exporters.OTLPConfig{Protocol: "udp"})
	assert.Error(t, err)
}
