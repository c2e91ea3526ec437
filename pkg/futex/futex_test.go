package futex

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/outofforest/objspace/kernel"
	"github.com/outofforest/objspace/types"
)

func TestSleepReturnsIfValueDiffers(t *testing.T) {
	requireT := require.New(t)

	table := New()
	word := new(uint64)
	*word = 1

	requireT.NoError(table.Sleep([]kernel.SleepOp{{Word: word, Expected: 0}}, 0))
	requireT.Zero(table.Sleepers(word))
}

func TestWake(t *testing.T) {
	requireT := require.New(t)

	table := New()
	word := new(uint64)

	errCh := make(chan error)
	for range 3 {
		go func() {
			errCh <- table.Sleep([]kernel.SleepOp{{Word: word, Expected: 0}}, 0)
		}()
	}
	requireT.Eventually(func() bool {
		return table.Sleepers(word) == 3
	}, time.Second, time.Millisecond)

	requireT.Equal(1, table.Wake(word, 1))
	requireT.NoError(<-errCh)
	requireT.Equal(2, table.Sleepers(word))

	requireT.Equal(2, table.Wake(word, -1))
	requireT.NoError(<-errCh)
	requireT.NoError(<-errCh)
	requireT.Zero(table.Wake(word, -1))
}

func TestSleepOnManyWords(t *testing.T) {
	requireT := require.New(t)

	table := New()
	words := make([]uint64, 2)

	errCh := make(chan error)
	go func() {
		errCh <- table.Sleep([]kernel.SleepOp{
			{Word: &words[0], Expected: 0},
			{Word: &words[1], Expected: 0},
		}, 0)
	}()
	requireT.Eventually(func() bool {
		return table.Sleepers(&words[1]) == 1
	}, time.Second, time.Millisecond)

	atomic.StoreUint64(&words[1], 1)
	requireT.Equal(1, table.Wake(&words[1], 1))
	requireT.NoError(<-errCh)
	requireT.Zero(table.Sleepers(&words[0]))
	requireT.Zero(table.Sleepers(&words[1]))
}

func TestTimeout(t *testing.T) {
	requireT := require.New(t)

	table := New()
	word := new(uint64)

	err := table.Sleep([]kernel.SleepOp{{Word: word, Expected: 0}}, 10*time.Millisecond)
	requireT.ErrorIs(err, types.ErrTimeout)
	requireT.Zero(table.Sleepers(word))
}
