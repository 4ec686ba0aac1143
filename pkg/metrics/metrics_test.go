package metrics

import (
	"testing"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

func counterValue(t *testing.T, c interface{ Write(*dto.Metric) error }) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

func TestCountersIncrement(t *testing.T) {
	decisions := IngestDecisionsTotal.WithLabelValues("QUARANTINE")
	before := counterValue(t, decisions)
	decisions.Inc()
	require.Equal(t, before+1, counterValue(t, decisions))

	purged := PurgedMessagesTotal.WithLabelValues("inbox")
	before = counterValue(t, purged)
	purged.Add(5)
	require.Equal(t, before+5, counterValue(t, purged))

	before = counterValue(t, LMTPSessionsTotal)
	LMTPSessionsTotal.Inc()
	require.Equal(t, before+1, counterValue(t, LMTPSessionsTotal))
}
