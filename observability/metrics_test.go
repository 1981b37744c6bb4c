package observability

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestKeeperMetricsRecordsActions(t *testing.T) {
	m := Keeper()
	require.Same(t, m, Keeper())

	before := testutil.ToFloat64(m.actions.WithLabelValues("payout", "failure", "data_integrity"))
	m.RecordAction("payout", "failure", "data_integrity", 10*time.Millisecond)
	require.Equal(t, before+1, testutil.ToFloat64(m.actions.WithLabelValues("payout", "failure", "data_integrity")))

	m.RecordAction("finalize", "success", "", 0)
	require.GreaterOrEqual(t, testutil.ToFloat64(m.actions.WithLabelValues("finalize", "success", "none")), 1.0)
}

func TestKeeperMetricsGauges(t *testing.T) {
	m := Keeper()
	m.SetHealth("degraded")
	require.Equal(t, 1.0, testutil.ToFloat64(m.healthStatus.WithLabelValues("degraded")))
	require.Equal(t, 0.0, testutil.ToFloat64(m.healthStatus.WithLabelValues("healthy")))

	m.SetPaused(true)
	require.Equal(t, 1.0, testutil.ToFloat64(m.pauseEngaged))
	m.SetPaused(false)
	require.Equal(t, 0.0, testutil.ToFloat64(m.pauseEngaged))

	m.SetCampaigns(map[string]int{"finalize": 2, "none": 5})
	require.Equal(t, 2.0, testutil.ToFloat64(m.campaigns.WithLabelValues("finalize")))
}

func TestNilKeeperMetricsIsSafe(t *testing.T) {
	var m *KeeperMetrics
	m.RecordTick("ok", time.Second)
	m.RecordAction("payout", "success", "", time.Second)
	m.SetOpenCircuits(3)
	m.RecordCacheRemoval("expired", 2)

	var a *adminMetrics
	a.Observe("/status", 200, time.Millisecond)
}
