// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package scull

import (
	"fmt"
	"math"
)

const (
	// Default number of bytes in one quantum.
	DefaultQuantum = 4000

	// Default number of quanta in one quantum set.
	DefaultQSet = 1000

	// Default number of devices in the pool.
	DefaultNrDevs = 4

	// Largest accepted quantum, one quantum is allocated at once.
	MaxQuantum = 1 << 24

	// Largest accepted quantum set, the slot array is allocated at once.
	MaxQSet = 1 << 20
)

// Geometry is the shape of quantum sets. Devices adopt it on trim and keep
// it until the next trim, so changing it never resizes a populated chain.
type Geometry struct {
	// Bytes per quantum.
	Quantum int

	// Quanta per quantum set.
	QSet int
}

// Returns geometry with default values.
func DefaultGeometry() Geometry {
	return Geometry{Quantum: DefaultQuantum, QSet: DefaultQSet}
}

// Validate rejects geometry which cannot be allocated or addressed.
func (g Geometry) Validate() error {
	if g.Quantum <= 0 || g.QSet <= 0 {
		return fmt.Errorf("%w: quantum %d, qset %d", ErrInvalid, g.Quantum, g.QSet)
	}

	if g.Quantum > MaxQuantum || g.QSet > MaxQSet {
		return fmt.Errorf("%w: quantum %d, qset %d exceeds %d, %d", ErrInvalid, g.Quantum, g.QSet, MaxQuantum, MaxQSet)
	}

	// Quantum set size must stay representable, locate divides by it.
	if int64(g.QSet) > math.MaxInt64/int64(g.Quantum) {
		return fmt.Errorf("%w: quantum set of %d x %d bytes overflows", ErrInvalid, g.QSet, g.Quantum)
	}

	return nil
}

// Size of one quantum set in bytes.
func (g Geometry) itemSize() int64 {
	return int64(g.Quantum) * int64(g.QSet)
}

// Location of a byte inside the chain.
type location struct {
	// Index of the quantum set in the chain.
	item int64

	// Index of the quantum in the quantum set.
	slot int

	// Offset inside the quantum.
	offset int
}

// Decomposes logical position pos into quantum set, slot and offset in the
// quantum. pos must not be negative.
func (g Geometry) locate(pos int64) location {
	itemSize := g.itemSize()
	rest := pos % itemSize

	return location{
		item:   pos / itemSize,
		slot:   int(rest / int64(g.Quantum)),
		offset: int(rest % int64(g.Quantum)),
	}
}
