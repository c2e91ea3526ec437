package pptr

import (
	"fmt"
	"sync/atomic"

	"github.com/outofforest/objspace/addr"
)

// Pptr is the pointer stored inside object memory. It keeps the index of the entry in foreign object table and
// the offset inside the target object. Index 0 means that the target is the object containing the pointer.
// Zero value is the null pointer.
type Pptr[T any] struct {
	P uint64
}

// Local returns pointer to the offset inside the object containing the pointer.
func Local[T any](offset uint64) Pptr[T] {
	return Make[T](0, offset)
}

// Make returns pointer to the offset inside the object referenced by FOT entry.
func Make[T any](index, offset uint64) Pptr[T] {
	return Pptr[T]{P: addr.EncodeIndexed(index, offset)}
}

// Index returns the index of FOT entry.
func (p Pptr[T]) Index() uint64 {
	index, _ := addr.DecodeIndexed(p.P)
	return index
}

// Offset returns the offset inside the target object.
func (p Pptr[T]) Offset() uint64 {
	_, offset := addr.DecodeIndexed(p.P)
	return offset
}

// IsLocal returns true if pointer targets the object containing it.
func (p Pptr[T]) IsLocal() bool {
	return p.Index() == 0
}

// IsNull returns true if pointer is null.
func (p Pptr[T]) IsNull() bool {
	return p.P == 0
}

// Load loads the pointer atomically.
func (p *Pptr[T]) Load() Pptr[T] {
	return Pptr[T]{P: atomic.LoadUint64(&p.P)}
}

// Store stores the pointer atomically.
func (p *Pptr[T]) Store(v Pptr[T]) {
	atomic.StoreUint64(&p.P, v.P)
}

// CompareAndSwap swaps the pointer if it is equal to old.
func (p *Pptr[T]) CompareAndSwap(old, v Pptr[T]) bool {
	return atomic.CompareAndSwapUint64(&p.P, old.P, v.P)
}

func (p Pptr[T]) String() string {
	if p.IsNull() {
		return "null"
	}
	return fmt.Sprintf("%d:%#x", p.Index(), p.Offset())
}
