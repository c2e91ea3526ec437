package view

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/outofforest/objspace/config"
	"github.com/outofforest/objspace/types"
)

// go test -bench=. -cpuprofile profile.out -benchtime=2x
// go tool pprof -http="localhost:8000" pprofbin ./profile.out

func BenchmarkReserveRelease(b *testing.B) {
	b.StopTimer()
	b.ResetTimer()

	requireT := require.New(b)

	e := newEnv(b, config.DefaultView())
	ids := make([]types.ObjectID, 1000)
	for i := range ids {
		ids[i] = e.newObject(b)
	}
	slots := make([]uint32, len(ids))

	for bi := 0; bi < b.N; bi++ {
		b.StartTimer()
		for i, id := range ids {
			slot, err := e.view.ReserveSlot(id, types.ProtRW)
			requireT.NoError(err)
			slots[i] = slot
		}
		for i, id := range ids {
			e.view.ReleaseSlot(id, types.ProtRW, slots[i])
		}
		b.StopTimer()
	}
}
