package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arenactf/instanced/pkg/types"
)

func TestObserveAcquire(t *testing.T) {
	m := New()
	m.ObserveAcquire("web", ResultCreated)
	m.ObserveAcquire("web", ResultCreated)
	m.ObserveAcquire("web", ResultCapacity)

	assert.Equal(t, float64(2), testutil.ToFloat64(m.acquireTotal.WithLabelValues("web", ResultCreated)))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.acquireTotal.WithLabelValues("web", ResultCapacity)))
}

func TestSetInstanceCountsReplacesSnapshot(t *testing.T) {
	m := New()
	m.SetInstanceCounts(map[string]map[types.InstanceStatus]int{
		"web": {types.InstanceStatusRunning: 3},
		"pwn": {types.InstanceStatusStopping: 1},
	})
	m.SetInstanceCounts(map[string]map[types.InstanceStatus]int{
		"web": {types.InstanceStatusRunning: 1},
	})

	assert.Equal(t, float64(1), testutil.ToFloat64(m.instances.WithLabelValues("web", "running")))
	assert.Equal(t, 2, testutil.CollectAndCount(m.instances), "stale series are dropped")
}

func TestNilCollectorsAreNoops(t *testing.T) {
	var m *Collectors
	m.ObserveAcquire("web", ResultError)
	m.ObserveProvision("web", time.Second)
	m.ObserveTeardown("web", "expired")
	m.ObserveSweep("health", time.Second)
	m.SweepFailed("health")
	m.SetInstanceCounts(nil)
	assert.Nil(t, m.Registry())
}

func TestHandlerAndMiddleware(t *testing.T) {
	m := New()
	e := echo.New()
	e.Use(m.Middleware())
	e.GET("/api/v1/instances/:instanceId", func(c echo.Context) error {
		return c.NoContent(http.StatusNoContent)
	})

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/instances/abc", nil))
	require.Equal(t, http.StatusNoContent, rec.Code)

	assert.Equal(t, float64(1), testutil.ToFloat64(
		m.httpReqsTotal.WithLabelValues(http.MethodGet, "/api/v1/instances/:instanceId", "204")))

	rec = httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "instanced_http_requests_total"))
}
