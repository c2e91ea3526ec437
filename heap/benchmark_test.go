package heap

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/outofforest/objspace/types"
)

// go test -bench=. -cpuprofile profile.out -benchtime=2x
// go tool pprof -http="localhost:8000" pprofbin ./profile.out

func BenchmarkAllocFree(b *testing.B) {
	b.StopTimer()
	b.ResetTimer()

	requireT := require.New(b)

	h, err := Init(newSync(), newMemory(b), types.NullPageSize)
	requireT.NoError(err)

	offsets := make([]uint64, 3000)
	for bi := 0; bi < b.N; bi++ {
		b.StartTimer()
		for i := range offsets {
			offsets[i], err = h.Alloc(uint64(i%8+1) * Alignment)
			requireT.NoError(err)
		}
		for _, off := range offsets {
			requireT.NoError(h.Free(off))
		}
		b.StopTimer()
	}
}
