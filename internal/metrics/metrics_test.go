package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestMetrics_RegisterAndServe(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.CyclesTotal.Inc()
	m.ChecksTotal.WithLabelValues("FEDEX", "ok").Add(3)
	m.GroupsSkipped.WithLabelValues("UPS", "auth_suspended").Inc()

	require.Equal(t, 1.0, testutil.ToFloat64(m.CyclesTotal))
	require.Equal(t, 3.0, testutil.ToFloat64(m.ChecksTotal.WithLabelValues("FEDEX", "ok")))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `trackmail_courier_checks_total{courier="FEDEX",outcome="ok"} 3`)
	require.Contains(t, rec.Body.String(), "trackmail_sync_cycles_total 1")
}

func TestMetrics_PrivateRegistries(t *testing.T) {
	// two instances must not collide on registration
	a := New(nil)
	b := New(nil)
	a.CyclesTotal.Inc()
	require.Equal(t, 0.0, testutil.ToFloat64(b.CyclesTotal))
}
