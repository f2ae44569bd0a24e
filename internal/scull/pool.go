// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package scull

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/asch/scull/internal/scull/budget"
)

// Pool is the fixed set of devices created at start. It also carries the
// process-wide geometry which devices adopt on their next trim.
type Pool struct {
	devices []*Device
	budget  *budget.Budget

	mutex    sync.RWMutex
	geometry Geometry
}

// Returns pool of nrDevs empty devices with geometry g. Budget b may be nil
// for unlimited memory.
func NewPool(nrDevs int, g Geometry, b *budget.Budget) (*Pool, error) {
	if nrDevs <= 0 {
		return nil, fmt.Errorf("%w: %d devices", ErrInvalid, nrDevs)
	}

	if err := g.Validate(); err != nil {
		return nil, err
	}

	p := Pool{
		devices:  make([]*Device, nrDevs),
		budget:   b,
		geometry: g,
	}

	for i := range p.devices {
		p.devices[i] = newDevice(i, g, b)
	}

	log.Debug().Int("devices", nrDevs).Int("quantum", g.Quantum).Int("qset", g.QSet).Msg("pool created")

	return &p, nil
}

// Number of devices in the pool.
func (p *Pool) Len() int {
	return len(p.devices)
}

// Device resolves index to the device.
func (p *Pool) Device(index int) (*Device, error) {
	if index < 0 || index >= len(p.devices) {
		return nil, fmt.Errorf("%w: %d", ErrNoDevice, index)
	}

	return p.devices[index], nil
}

// Memory accounting of the pool, may be nil.
func (p *Pool) Budget() *budget.Budget {
	return p.budget
}

// Geometry returns the process-wide geometry used by the next trim.
func (p *Pool) Geometry() Geometry {
	p.mutex.RLock()
	defer p.mutex.RUnlock()

	return p.geometry
}

// SetGeometry replaces the process-wide geometry. Devices keep their current
// geometry until they are trimmed.
func (p *Pool) SetGeometry(g Geometry) error {
	if err := g.Validate(); err != nil {
		return err
	}

	p.mutex.Lock()
	p.geometry = g
	p.mutex.Unlock()

	log.Info().Int("quantum", g.Quantum).Int("qset", g.QSet).Msg("geometry changed")

	return nil
}

// Open attaches new session to device index. Write-only sessions empty the
// device before returning.
func (p *Pool) Open(ctx context.Context, index int, mode Mode) (*Session, error) {
	dev, err := p.Device(index)
	if err != nil {
		return nil, err
	}

	if mode == WriteOnly {
		if err := dev.Trim(ctx, p.Geometry()); err != nil {
			return nil, err
		}
	}

	return &Session{pool: p, dev: dev, mode: mode}, nil
}

// Close trims every device. The pool must not be used afterwards.
func (p *Pool) Close() {
	g := p.Geometry()
	for _, d := range p.devices {
		// Background context never interrupts the lock.
		d.Trim(context.Background(), g)
	}

	log.Debug().Int64("budget", p.budget.Current()).Msg("pool released")
}
