package observability_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"KwrapLedger/internal/observability"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestReadinessWaitsForAllComponents(t *testing.T) {
	h := observability.NewHealthChecker("postgres", "nats")

	var last []bool
	h.OnChange(func(ready bool) { last = append(last, ready) })

	require.False(t, h.IsReady())
	h.SetComponentReady("postgres", true)
	require.False(t, h.IsReady())
	require.Equal(t, []string{"nats"}, h.Pending())

	rec := httptest.NewRecorder()
	h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	h.SetComponentReady("nats", true)
	require.True(t, h.IsReady())
	require.Equal(t, []bool{false, true}, last)

	rec = httptest.NewRecorder()
	h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestLivenessAlwaysOK(t *testing.T) {
	h := observability.NewHealthChecker("postgres")
	rec := httptest.NewRecorder()
	h.LivenessHandler(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	log := observability.NewLoggerTo(&buf, "core", zerolog.InfoLevel)
	log.Debug().Msg("hidden")
	log.Info().Str("account", "abc").Msg("applied")

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	require.Equal(t, "core", line["component"])
	require.Equal(t, "abc", line["account"])
	require.Equal(t, "applied", line["message"])
}

func TestParseLogLevel(t *testing.T) {
	require.Equal(t, zerolog.DebugLevel, observability.ParseLogLevel("debug"))
	require.Equal(t, zerolog.WarnLevel, observability.ParseLogLevel("warn"))
	require.Equal(t, zerolog.InfoLevel, observability.ParseLogLevel("bogus"))
}

func TestMetricsOnPrivateRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := observability.NewMetricsWith(reg)
	m.SetChannelMetrics("persist", 5, 10)
	families, err := reg.Gather()
	require.NoError(t, err)
	var found bool
	for _, f := range families {
		if f.GetName() == "kwrap_channel_utilization" {
			found = true
			require.Equal(t, 0.5, f.GetMetric()[0].GetGauge().GetValue())
		}
	}
	require.True(t, found)

	// A second set on another registry must not collide.
	observability.NewMetricsWith(prometheus.NewRegistry())
}
