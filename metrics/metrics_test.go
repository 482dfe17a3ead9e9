package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestCollectorRegistersAndCounts(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := New(reg)
	require.NoError(t, err)

	c.ObserveTransaction(OpCommit, OutcomeSuccess)
	c.ObserveTransaction(OpCommit, OutcomeSuccess)
	c.ObserveRecovery(OutcomeOptimisticLock)
	c.SetLastScanSize(7)

	require.Equal(t, 2.0, testutil.ToFloat64(c.Transactions().WithLabelValues(OpCommit, OutcomeSuccess)))
	require.Equal(t, 1.0, testutil.ToFloat64(c.Recovery().WithLabelValues(OutcomeOptimisticLock)))
	require.Equal(t, 7.0, testutil.ToFloat64(c.lastScanSize))

	_, err = New(reg)
	require.Error(t, err, "registering twice must fail")
}

func TestNilCollectorIsNoop(t *testing.T) {
	var c *Collector
	c.ObserveTransaction(OpBegin, OutcomeFailure)
	c.ObserveRecovery(OutcomeRecovered)
	c.SetLastScanSize(1)
}
