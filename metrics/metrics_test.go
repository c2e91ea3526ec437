package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestRegistration(t *testing.T) {
	requireT := require.New(t)

	reg := prometheus.NewRegistry()
	m := New(reg)
	m.SlotReservations.Inc()
	m.SlotReservations.Inc()
	m.SlotsInUse.Set(3)

	requireT.InDelta(2, testutil.ToFloat64(m.SlotReservations), 0)
	requireT.InDelta(3, testutil.ToFloat64(m.SlotsInUse), 0)

	families, err := reg.Gather()
	requireT.NoError(err)
	requireT.Len(families, 12)

	requireT.Panics(func() {
		New(reg)
	})
}

func TestNop(t *testing.T) {
	m1 := NewNop()
	m2 := NewNop()
	m1.MutexBusts.Inc()
	require.InDelta(t, 0, testutil.ToFloat64(m2.MutexBusts), 0)
}
