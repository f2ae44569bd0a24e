// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package scull

import (
	"context"
	"fmt"
	"io"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"github.com/asch/scull/internal/scull/budget"
)

// Device is one scull instance. The engine and the content of every quantum
// are guarded by sem, a semaphore of weight one. Two devices never share
// anything but the memory budget.
type Device struct {
	index int
	sem   *semaphore.Weighted
	eng   engine
}

func newDevice(index int, g Geometry, b *budget.Budget) *Device {
	return &Device{
		index: index,
		sem:   semaphore.NewWeighted(1),
		eng:   newEngine(g, b),
	}
}

// Index of the device in the pool.
func (d *Device) Index() int {
	return d.index
}

// Acquires the device lock. The lock is taken immediately when free,
// otherwise the wait can be interrupted by ctx and ErrRestart is returned.
func (d *Device) lock(ctx context.Context) error {
	if d.sem.TryAcquire(1) {
		return nil
	}

	if err := d.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("%w: device %d: %v", ErrRestart, d.index, context.Cause(ctx))
	}

	return nil
}

func (d *Device) unlock() {
	d.sem.Release(1)
}

func (d *Device) read(ctx context.Context, pos int64, count int, w io.Writer) (int, error) {
	if err := d.lock(ctx); err != nil {
		return 0, err
	}
	defer d.unlock()

	n, err := d.eng.read(pos, count, w)
	log.Trace().Int("device", d.index).Int64("pos", pos).Int("count", count).Int("n", n).Err(err).Msg("read")

	return n, err
}

func (d *Device) write(ctx context.Context, pos int64, count int, r io.Reader) (int, error) {
	if err := d.lock(ctx); err != nil {
		return 0, err
	}
	defer d.unlock()

	n, err := d.eng.write(pos, count, r)
	log.Trace().Int("device", d.index).Int64("pos", pos).Int("count", count).Int("n", n).Err(err).Msg("write")

	return n, err
}

// Trim empties the device and makes it adopt geometry g.
func (d *Device) Trim(ctx context.Context, g Geometry) error {
	if err := d.lock(ctx); err != nil {
		return err
	}
	defer d.unlock()

	d.eng.trim(g)
	log.Debug().Int("device", d.index).Int("quantum", g.Quantum).Int("qset", g.QSet).Msg("trimmed")

	return nil
}

// Size returns the end of data offset.
func (d *Device) Size(ctx context.Context) (int64, error) {
	if err := d.lock(ctx); err != nil {
		return 0, err
	}
	defer d.unlock()

	return d.eng.size, nil
}

// Stat is a consistent copy of the device scalars.
type Stat struct {
	Geometry Geometry
	Size     int64
	Items    int
}

// Stat returns geometry, size and chain length taken under one lock.
func (d *Device) Stat(ctx context.Context) (Stat, error) {
	if err := d.lock(ctx); err != nil {
		return Stat{}, err
	}
	defer d.unlock()

	return Stat{
		Geometry: d.eng.geometry,
		Size:     d.eng.size,
		Items:    d.eng.length(),
	}, nil
}
