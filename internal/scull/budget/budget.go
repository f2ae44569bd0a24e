// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package budget provides synchronized accounting of the memory held by
// scull devices. Every lazily allocated node, slot array and quantum is
// charged here and released again on trim.
package budget

import (
	"sync"
)

// Budget is a byte counter with an optional upper limit. A nil *Budget is
// valid and never refuses a reservation.
type Budget struct {
	mutex sync.Mutex
	used  int64
	limit int64
}

// Returns new budget allowing at most limit bytes to be reserved at once.
// Limit lower or equal to zero means unlimited.
func New(limit int64) *Budget {
	return &Budget{limit: limit}
}

// Returns number of currently reserved bytes.
func (b *Budget) Current() int64 {
	if b == nil {
		return 0
	}

	b.mutex.Lock()
	defer b.mutex.Unlock()

	return b.used
}

// Returns configured limit, zero when unlimited.
func (b *Budget) Limit() int64 {
	if b == nil || b.limit <= 0 {
		return 0
	}

	return b.limit
}

// Reserves n bytes. Returns false and reserves nothing when the limit would
// be exceeded.
func (b *Budget) Reserve(n int64) bool {
	if b == nil {
		return true
	}

	b.mutex.Lock()
	defer b.mutex.Unlock()

	if b.limit > 0 && b.used+n > b.limit {
		return false
	}
	b.used += n

	return true
}

// Returns n previously reserved bytes back to the budget.
func (b *Budget) Release(n int64) {
	if b == nil {
		return
	}

	b.mutex.Lock()
	defer b.mutex.Unlock()

	b.used -= n
	if b.used < 0 {
		b.used = 0
	}
}
