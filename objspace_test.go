package objspace

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/outofforest/objspace/config"
	"github.com/outofforest/objspace/kernel"
	"github.com/outofforest/objspace/obj"
	"github.com/outofforest/objspace/pptr"
	"github.com/outofforest/objspace/types"
)

type list struct {
	Length uint64
	Head   pptr.Pptr[item]
}

type item struct {
	Value uint64
	Next  pptr.Pptr[item]
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Logging.Level = "error"
	cfg.View = config.ViewConfig{
		Entries:     1024,
		Buckets:     64,
		AllocStart:  16,
		AllocMax:    1000,
		ControlSlot: 1023,
	}
	return cfg
}

func TestContext(t *testing.T) {
	requireT := require.New(t)

	reg := prometheus.NewRegistry()
	c, k, err := NewInMemory(testConfig(), reg)
	requireT.NoError(err)
	defer k.Close()

	spec := kernel.NewCreateSpec(kernel.LifetimeVolatile, kernel.BackingNormal,
		kernel.CreateDflRead|kernel.CreateDflWrite).Tie(kernel.TieView())

	l, err := obj.CreateCtor(c.View(), spec, func(o *obj.Object[list], base *list, tx *obj.Tx) error {
		for i := uint64(1); i <= 3; i++ {
			prev := base.Head.Load()
			it, err := obj.NewItem(tx, o.Generic, &base.Head)
			if err != nil {
				return err
			}
			it.Ptr().Value = i
			it.Ptr().Next.Store(prev)
			base.Length++
		}
		return nil
	})
	requireT.NoError(err)
	requireT.Equal(uint64(3), l.Base().Length)

	head, err := obj.Lea(l.Generic, &l.Base().Head)
	requireT.NoError(err)
	requireT.Equal(uint64(3), head.Ptr().Value)

	next, err := obj.Lea(l.Generic, &head.Ptr().Next)
	requireT.NoError(err)
	requireT.Equal(uint64(2), next.Ptr().Value)

	g, err := c.Open(l.ID(), types.ProtRead)
	requireT.NoError(err)
	requireT.NotEqual(l.Slot(), g.Slot())
	requireT.Equal(types.ProtRead, g.Prot())
	requireT.NoError(g.Release())

	requireT.Equal(float64(1), testutil.ToFloat64(c.Metrics().TxCommits))
	requireT.Equal(float64(1), testutil.ToFloat64(c.Metrics().SlotsInUse))
	requireT.True(k.Exists(l.ID()))

	requireT.NoError(l.Release())
	requireT.NoError(c.Close())
	requireT.False(k.Exists(l.ID()))
	requireT.Zero(k.Objects())
}

func TestInvalidLogLevel(t *testing.T) {
	requireT := require.New(t)

	cfg := testConfig()
	cfg.Logging.Level = "loud"
	_, _, err := NewInMemory(cfg, nil)
	requireT.Error(err)
}

func TestInvalidViewConfig(t *testing.T) {
	requireT := require.New(t)

	cfg := testConfig()
	cfg.View.ControlSlot = 20
	_, _, err := NewInMemory(cfg, nil)
	requireT.Error(err)
}
