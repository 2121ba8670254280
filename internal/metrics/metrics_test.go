package metrics

import (
	"testing"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

func TestNewInitializesAllMetrics(t *testing.T) {
	r := New()
	require.NotNil(t, r.CASAttemptsTotal)
	require.NotNil(t, r.CASRetriesTotal)
	require.NotNil(t, r.ClaimsTotal)
	require.NotNil(t, r.FlushTotal)
	require.NotNil(t, r.CompactionTotal)
	require.NotNil(t, r.DropTotal)
	require.NotNil(t, r.SSTablesAddedTotal)
	require.NotNil(t, r.SSTablesLiveGauge)
	require.NotNil(t, r.BytesLiveGauge)
	require.NotNil(t, r.ObsoletionCommitDuration)
	require.NotNil(t, r.DiskFaultsTotal)
	require.NotNil(t, r.NotificationFaultsTotal)
	require.NotNil(t, r.Registerer())
}

func TestDefaultReturnsSameInstance(t *testing.T) {
	r1 := Default()
	r2 := Default()
	require.Same(t, r1, r2)
}

func TestCASAttemptsTotalIncrements(t *testing.T) {
	r := New()
	r.CASAttemptsTotal.Add(3)

	var m dto.Metric
	require.NoError(t, r.CASAttemptsTotal.Write(&m))
	require.Equal(t, float64(3), m.GetCounter().GetValue())
}

func TestClaimsTotalTracksResultLabel(t *testing.T) {
	r := New()
	r.ClaimsTotal.WithLabelValues("granted").Inc()
	r.ClaimsTotal.WithLabelValues("granted").Inc()
	r.ClaimsTotal.WithLabelValues("rejected").Inc()

	var granted, rejected dto.Metric
	require.NoError(t, r.ClaimsTotal.WithLabelValues("granted").Write(&granted))
	require.NoError(t, r.ClaimsTotal.WithLabelValues("rejected").Write(&rejected))
	require.Equal(t, float64(2), granted.GetCounter().GetValue())
	require.Equal(t, float64(1), rejected.GetCounter().GetValue())
}

func TestSSTablesLiveGaugeSetsValue(t *testing.T) {
	r := New()
	r.SSTablesLiveGauge.Set(7)

	var m dto.Metric
	require.NoError(t, r.SSTablesLiveGauge.Write(&m))
	require.Equal(t, float64(7), m.GetGauge().GetValue())
}

func TestObsoletionCommitDurationObserves(t *testing.T) {
	r := New()
	r.ObsoletionCommitDuration.Observe(0.01)

	var m dto.Metric
	require.NoError(t, r.ObsoletionCommitDuration.Write(&m))
	require.Equal(t, uint64(1), m.GetHistogram().GetSampleCount())
}
