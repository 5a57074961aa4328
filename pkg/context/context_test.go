package context

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContextValues(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, GetRequestID(ctx))
	assert.Empty(t, LogFields(ctx))

	ctx = SetRequestID(ctx, "req-1")
	ctx = SetConnectionID(ctx, "42")
	ctx = SetEnvironmentID(ctx, "7")
	ctx = SetMethod(ctx, "GET")
	ctx = SetRoute(ctx, "/api/v1/connections/42/records")
	ctx = SetRemoteIP(ctx, "10.0.0.1")

	assert.Equal(t, "req-1", GetRequestID(ctx))
	assert.Equal(t, "GET", GetMethod(ctx))
	assert.Equal(t, "/api/v1/connections/42/records", GetRoute(ctx))
	assert.Equal(t, "10.0.0.1", GetRemoteIP(ctx))
	assert.Equal(t, map[string]any{
		"request_id":     "req-1",
		"connection_id":  "42",
		"environment_id": "7",
	}, LogFields(ctx))
}
