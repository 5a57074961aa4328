package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/pkg/logging"
	"github.com/Ramsey-B/fern/pkg/routes/health"
)

func TestRootCommand(t *testing.T) {
	cmd := newRootCommand()

	names := map[string]bool{}
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = true
	}
	assert.True(t, names["serve"])
	assert.True(t, names["migrate"])
	assert.True(t, names["janitor"])
	assert.NotNil(t, cmd.PersistentFlags().Lookup("config"))
}

func TestNewRouter(t *testing.T) {
	checker := health.NewChecker("test")
	checker.AddCheck("database", health.PingFunc(func(context.Context) error { return nil }), true)
	e := newRouter(routerDeps{appName: "fern-test", bodyLimit: "1M", logger: logging.Discard(), health: checker})

	tests := map[string]int{
		"/api/v1/health":       http.StatusOK,
		"/api/v1/health/live":  http.StatusOK,
		"/api/v1/health/ready": http.StatusServiceUnavailable,
		"/metrics":             http.StatusOK,
		"/api/v1/unknown":      http.StatusNotFound,
	}

	for path, code := range tests {
		t.Run(path, func(t *testing.T) {
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
			assert.Equal(t, code, rec.Code)
			assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))
		})
	}
}

func TestDependency(t *testing.T) {
	started := false
	d := &dependency{
		name:      "database",
		dependsOn: []string{"network"},
		start:     func(context.Context) error { started = true; return nil },
	}

	assert.Equal(t, "database", d.GetName())
	assert.Equal(t, []string{"network"}, d.DependsOn())
	require.NoError(t, d.Start(context.Background()))
	assert.True(t, started)
	assert.NoError(t, d.Stop(context.Background()))

	d.stop = func(context.Context) error { return errors.New("close failed") }
	assert.EqualError(t, d.Stop(context.Background()), "close failed")
}
