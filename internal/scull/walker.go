// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package scull

import (
	"bytes"
	"context"
	"fmt"
	"io"
)

// Walker states.
const (
	walkBeforeFirst = iota
	walkPositioned
	walkExhausted
)

// Walker iterates over the devices of a pool and renders their layout. It
// holds no lock between calls, every Render takes the device lock once. The
// walk never allocates anything in the devices.
type Walker struct {
	pool  *Pool
	state int
	index int
}

// Walker returns new walker positioned before the first device.
func (p *Pool) Walker() *Walker {
	return &Walker{pool: p}
}

// Start positions the walker at the first device. Returns false when the
// pool is empty. Start can be called again at any time to restart the walk.
func (w *Walker) Start() bool {
	w.index = 0
	if w.pool.Len() == 0 {
		w.state = walkExhausted
		return false
	}
	w.state = walkPositioned

	return true
}

// Advance moves to the next device. Returns false once all devices were
// visited. Exhausted walker stays exhausted.
func (w *Walker) Advance() bool {
	if w.state != walkPositioned {
		if w.state == walkBeforeFirst {
			return w.Start()
		}
		return false
	}

	if w.index+1 >= w.pool.Len() {
		w.state = walkExhausted
		return false
	}
	w.index++

	return true
}

// Index of the current device, false when the walker is not positioned.
func (w *Walker) Index() (int, bool) {
	return w.index, w.state == walkPositioned
}

// Exhausted reports whether all devices were visited.
func (w *Walker) Exhausted() bool {
	return w.state == walkExhausted
}

// Stop ends the walk. There is nothing to release, it is safe to call any
// number of times.
func (w *Walker) Stop() {
	w.state = walkExhausted
}

// Render writes layout of the current device to out.
func (w *Walker) Render(ctx context.Context, out io.Writer) error {
	if w.state != walkPositioned {
		return fmt.Errorf("%w: walker not positioned", ErrInvalid)
	}

	return w.pool.devices[w.index].render(ctx, out)
}

// Prints the device scalars, every quantum set of the chain and the
// populated quanta of the last quantum set.
func (d *Device) render(ctx context.Context, out io.Writer) error {
	if err := d.lock(ctx); err != nil {
		return err
	}
	defer d.unlock()

	var b bytes.Buffer
	e := &d.eng

	fmt.Fprintf(&b, "\nDevice %d: qset %d, q %d, sz %d\n",
		d.index, e.geometry.QSet, e.geometry.Quantum, e.size)

	for qs := e.data; qs != nil; qs = qs.next {
		fmt.Fprintf(&b, "  item at %p, qset at %p\n", qs, qs.data)
		if qs.data != nil && qs.next == nil {
			for i, q := range qs.data {
				if q != nil {
					fmt.Fprintf(&b, "    % 4d: %8p\n", i, q)
				}
			}
		}
	}

	_, err := out.Write(b.Bytes())

	return err
}

// WriteSeq renders every device of the pool to out, one paragraph per
// device.
func (p *Pool) WriteSeq(ctx context.Context, out io.Writer) error {
	w := p.Walker()
	defer w.Stop()

	for ok := w.Start(); ok; ok = w.Advance() {
		if err := w.Render(ctx, out); err != nil {
			return err
		}
	}

	return nil
}

// Space kept free at the end of the memory dump.
const memDumpSlack = 80

// WriteMem renders a one-shot dump of all devices into at most limit bytes.
// Rendering stops, possibly in the middle of a device, once the output gets
// within 80 bytes of limit. Returns number of bytes written.
func (p *Pool) WriteMem(ctx context.Context, out io.Writer, limit int) (int, error) {
	if limit <= memDumpSlack {
		return 0, fmt.Errorf("%w: dump limit %d", ErrInvalid, limit)
	}
	max := limit - memDumpSlack

	var b bytes.Buffer
	for _, d := range p.devices {
		if b.Len() > max {
			break
		}
		if err := d.dumpMem(ctx, &b, max); err != nil {
			return 0, err
		}
	}

	data := b.Bytes()
	if len(data) > limit {
		data = data[:limit]
	}

	return out.Write(data)
}

func (d *Device) dumpMem(ctx context.Context, b *bytes.Buffer, max int) error {
	if err := d.lock(ctx); err != nil {
		return err
	}
	defer d.unlock()

	e := &d.eng
	fmt.Fprintf(b, "\nDevice %d: each qset has %d quantums, each quantum has %d bytes, total bytes in the device: %d\n",
		d.index, e.geometry.QSet, e.geometry.Quantum, e.size)

	for qs := e.data; qs != nil && b.Len() <= max; qs = qs.next {
		fmt.Fprintf(b, " item at %p, qset at %p. quantums in this qset:\n", qs, qs.data)
		if qs.data != nil && qs.next == nil {
			for i, q := range qs.data {
				if q != nil {
					fmt.Fprintf(b, "\tquantum[%4d] address: %p\n", i, q)
				}
			}
		}
	}

	return nil
}
