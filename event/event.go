package event

import (
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/outofforest/objspace/kernel"
	"github.com/outofforest/objspace/types"
)

// Header is the event word stored in object memory. Each bit is a separate event.
type Header struct {
	Point uint64
}

// Signal sets the event bits and wakes up to n waiters. Negative n wakes all of them.
func Signal(k kernel.Sync, hdr *Header, events uint64, n int) int {
	atomic.OrUint64(&hdr.Point, events)
	return k.Wake(&hdr.Point, n)
}

// Event waits for the subset of bits of the header.
type Event struct {
	point  *uint64
	events uint64
}

// New returns event waiting for bits of the mask.
func New(hdr *Header, events uint64) Event {
	return Event{
		point:  &hdr.Point,
		events: events,
	}
}

// Ready returns the bits which are set.
func (e Event) Ready() uint64 {
	return atomic.LoadUint64(e.point) & e.events
}

// Clear clears the bits and returns those which were set.
func (e Event) Clear() uint64 {
	return atomic.AndUint64(e.point, ^e.events) & e.events
}

// Events returns the mask of the event.
func (e Event) Events() uint64 {
	return e.events
}

// Wait waits until any of the events is ready and returns ready bits of each event. Zero timeout means no timeout.
func Wait(k kernel.Sync, events []Event, timeout time.Duration) ([]uint64, error) {
	if len(events) == 0 {
		return nil, errors.New("no events to wait for")
	}

	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	ops := make([]kernel.SleepOp, len(events))
	for {
		readies := make([]uint64, len(events))
		var ready bool
		for i, e := range events {
			point := atomic.LoadUint64(e.point)
			readies[i] = point & e.events
			ready = ready || readies[i] != 0
			ops[i] = kernel.SleepOp{Word: e.point, Expected: point}
		}
		if ready {
			return readies, nil
		}

		var wait time.Duration
		if timeout > 0 {
			wait = time.Until(deadline)
			if wait <= 0 {
				return nil, errors.WithStack(types.ErrTimeout)
			}
		}
		if err := k.Sleep(ops, wait); err != nil {
			return nil, err
		}
	}
}
