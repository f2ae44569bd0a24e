// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package scull

import (
	"fmt"
	"io"

	"github.com/rs/zerolog/log"

	"github.com/asch/scull/internal/scull/budget"
)

const (
	// Bytes charged to the budget for one quantum set node, i.e. the slot
	// array header and the next pointer.
	nodeCost = 32

	// Bytes charged for every slot of an allocated slot array.
	slotCost = 24
)

// One item of the chain. Slots are nil until the first write to the quantum
// set, quanta are nil until the first write into them.
type qset struct {
	data [][]byte
	next *qset
}

// engine holds content of one device. It does no locking on its own, every
// method must be called with the lock of the owning device held.
type engine struct {
	// Head of the chain, nil when the device is empty.
	data *qset

	// Geometry captured at the last trim.
	geometry Geometry

	// Number of bytes of content, i.e. the end of data offset.
	size int64

	// Memory accounting shared by all devices of the pool.
	budget *budget.Budget
}

func newEngine(g Geometry, b *budget.Budget) engine {
	return engine{geometry: g, budget: b}
}

// Returns the n-th quantum set of the chain allocating all missing items on
// the way. Items already linked stay linked when the allocation fails.
func (e *engine) follow(n int64) (*qset, error) {
	if e.data == nil {
		if !e.budget.Reserve(nodeCost) {
			return nil, fmt.Errorf("%w: quantum set 0", ErrNoMemory)
		}
		e.data = &qset{}
	}

	qs := e.data
	for i := int64(1); i <= n; i++ {
		if qs.next == nil {
			if !e.budget.Reserve(nodeCost) {
				return nil, fmt.Errorf("%w: quantum set %d", ErrNoMemory, i)
			}
			qs.next = &qset{}
		}
		qs = qs.next
	}

	return qs, nil
}

// Returns the n-th quantum set of the chain or nil if the chain is shorter.
// Never allocates.
func (e *engine) lookup(n int64) *qset {
	qs := e.data
	for ; qs != nil && n > 0; n-- {
		qs = qs.next
	}

	return qs
}

// Copies at most count bytes starting at pos to w. The transfer stops at the
// end of data and at the end of the quantum containing pos. Returns zero
// without error at the end of data or when the quantum was never written.
func (e *engine) read(pos int64, count int, w io.Writer) (int, error) {
	if pos < 0 {
		return 0, fmt.Errorf("%w: negative position %d", ErrInvalid, pos)
	}

	if pos >= e.size || count <= 0 {
		return 0, nil
	}

	if int64(count) > e.size-pos {
		count = int(e.size - pos)
	}

	loc := e.geometry.locate(pos)

	qs := e.lookup(loc.item)
	if qs == nil || qs.data == nil || qs.data[loc.slot] == nil {
		return 0, nil
	}

	// Read only up to the end of this quantum.
	if count > e.geometry.Quantum-loc.offset {
		count = e.geometry.Quantum - loc.offset
	}

	quantum := qs.data[loc.slot]
	n, err := w.Write(quantum[loc.offset : loc.offset+count])
	if err != nil {
		return 0, fmt.Errorf("%w: copy out: %v", ErrFault, err)
	}
	if n != count {
		return 0, fmt.Errorf("%w: copy out: short transfer %d of %d", ErrFault, n, count)
	}

	return count, nil
}

// Copies at most count bytes from r into the device at pos allocating the
// quantum set, slot array and quantum on demand. The transfer stops at the
// end of the quantum containing pos. Allocations done before a failure are
// kept.
func (e *engine) write(pos int64, count int, r io.Reader) (int, error) {
	if pos < 0 {
		return 0, fmt.Errorf("%w: negative position %d", ErrInvalid, pos)
	}

	if count <= 0 {
		return 0, nil
	}

	loc := e.geometry.locate(pos)

	qs, err := e.follow(loc.item)
	if err != nil {
		log.Debug().Err(err).Int64("pos", pos).Msg("follow failed")
		return 0, err
	}

	if qs.data == nil {
		if !e.budget.Reserve(int64(e.geometry.QSet) * slotCost) {
			return 0, fmt.Errorf("%w: slots of quantum set %d", ErrNoMemory, loc.item)
		}
		qs.data = make([][]byte, e.geometry.QSet)
	}

	if qs.data[loc.slot] == nil {
		if !e.budget.Reserve(int64(e.geometry.Quantum)) {
			return 0, fmt.Errorf("%w: quantum %d of quantum set %d", ErrNoMemory, loc.slot, loc.item)
		}
		qs.data[loc.slot] = make([]byte, e.geometry.Quantum)
	}

	// Write only up to the end of this quantum.
	if count > e.geometry.Quantum-loc.offset {
		count = e.geometry.Quantum - loc.offset
	}

	quantum := qs.data[loc.slot]
	if _, err := io.ReadFull(r, quantum[loc.offset:loc.offset+count]); err != nil {
		return 0, fmt.Errorf("%w: copy in: %v", ErrFault, err)
	}

	if end := pos + int64(count); end > e.size {
		e.size = end
	}

	return count, nil
}

// Releases the whole chain and adopts geometry g. The next pointer is saved
// before the item is dropped.
func (e *engine) trim(g Geometry) {
	var released int64

	for qs := e.data; qs != nil; {
		if qs.data != nil {
			for i := range qs.data {
				released += int64(len(qs.data[i]))
				qs.data[i] = nil
			}
			released += int64(len(qs.data)) * slotCost
			qs.data = nil
		}

		next := qs.next
		qs.next = nil
		released += nodeCost
		qs = next
	}

	e.budget.Release(released)

	e.size = 0
	e.geometry = g
	e.data = nil
}

// Number of quantum sets currently linked in the chain.
func (e *engine) length() int {
	n := 0
	for qs := e.data; qs != nil; qs = qs.next {
		n++
	}

	return n
}
