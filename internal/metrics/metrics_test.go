package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCountersAndHandler(t *testing.T) {
	m := New()
	m.Movement("PURCHASE")
	m.Movement("PURCHASE")
	m.Shortfall()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.movements.WithLabelValues("PURCHASE")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.shortfalls))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "inventory_movements_total"))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.Movement("ADJUST")
	m.Deviation(3)
	m.LockRetry("deplete")
	assert.Nil(t, m.Registry())
}
