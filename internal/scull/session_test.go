// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package scull

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/asch/scull/internal/scull/budget"
)

func newTestPool(t *testing.T, nrDevs int, g Geometry) *Pool {
	t.Helper()

	p, err := NewPool(nrDevs, g, budget.New(0))
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	t.Cleanup(p.Close)

	return p
}

func openSession(t *testing.T, p *Pool, index int, mode Mode) *Session {
	t.Helper()

	s, err := p.Open(context.Background(), index, mode)
	if err != nil {
		t.Fatalf("open device %d %s: %v", index, mode, err)
	}

	return s
}

// Writes all of data repeating the call as long as it makes progress.
func writeAll(t *testing.T, s *Session, data []byte) {
	t.Helper()

	for len(data) > 0 {
		n, err := s.Write(context.Background(), data)
		if err != nil {
			t.Fatalf("write: %v", err)
		}
		if n == 0 {
			t.Fatal("write made no progress")
		}
		data = data[n:]
	}
}

func TestNewPoolValidation(t *testing.T) {
	if _, err := NewPool(0, DefaultGeometry(), nil); !errors.Is(err, ErrInvalid) {
		t.Errorf("expected ErrInvalid for empty pool, got %v", err)
	}
	if _, err := NewPool(4, Geometry{Quantum: 0, QSet: 10}, nil); !errors.Is(err, ErrInvalid) {
		t.Errorf("expected ErrInvalid for zero quantum, got %v", err)
	}
}

func TestOpenResolvesDevice(t *testing.T) {
	p := newTestPool(t, DefaultNrDevs, DefaultGeometry())

	for _, index := range []int{-1, DefaultNrDevs} {
		if _, err := p.Open(context.Background(), index, ReadWrite); !errors.Is(err, ErrNoDevice) {
			t.Errorf("open %d: expected ErrNoDevice, got %v", index, err)
		}
	}

	s := openSession(t, p, 3, ReadOnly)
	if s.Device().Index() != 3 {
		t.Errorf("expected device 3, got %d", s.Device().Index())
	}
}

func TestWriteReadAcrossItems(t *testing.T) {
	p := newTestPool(t, 1, Geometry{Quantum: 4, QSet: 2})

	data := make([]byte, 20)
	for i := range data {
		data[i] = byte(i)
	}

	w := openSession(t, p, 0, ReadWrite)
	writeAll(t, w, data)
	if w.Pos() != 20 {
		t.Errorf("expected position 20 after writing, got %d", w.Pos())
	}

	st, err := p.devices[0].Stat(context.Background())
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if st.Items != 3 || st.Size != 20 {
		t.Errorf("expected 3 items and size 20, got %+v", st)
	}

	r := openSession(t, p, 0, ReadOnly)
	got, err := io.ReadAll(r.Reader(context.Background()))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("expected %v, got %v", data, got)
	}
}

func TestSingleCallStaysInQuantum(t *testing.T) {
	p := newTestPool(t, 1, Geometry{Quantum: 4, QSet: 2})
	s := openSession(t, p, 0, ReadWrite)

	if _, err := s.Seek(2, io.SeekStart); err != nil {
		t.Fatalf("seek: %v", err)
	}

	payload := []byte("0123456789")
	var transfers []int
	for written := 0; written < len(payload); {
		n, err := s.Write(context.Background(), payload[written:])
		if err != nil {
			t.Fatalf("write: %v", err)
		}
		transfers = append(transfers, n)
		written += n
	}

	if len(transfers) != 3 || transfers[0] != 2 || transfers[1] != 4 || transfers[2] != 4 {
		t.Errorf("expected transfers [2 4 4], got %v", transfers)
	}

	if _, err := s.Seek(2, io.SeekStart); err != nil {
		t.Fatalf("seek: %v", err)
	}
	buf := make([]byte, 10)
	n, err := s.Read(context.Background(), buf)
	if err != nil || n != 2 || string(buf[:n]) != "01" {
		t.Errorf("expected single read to return 01, got %d %q %v", n, buf[:n], err)
	}
}

func TestReadPastEnd(t *testing.T) {
	p := newTestPool(t, 1, Geometry{Quantum: 4, QSet: 2})
	s := openSession(t, p, 0, ReadWrite)
	writeAll(t, s, []byte("abc"))

	buf := make([]byte, 8)
	n, err := s.Read(context.Background(), buf)
	if err != nil || n != 0 {
		t.Errorf("expected 0 bytes at end of data, got %d, %v", n, err)
	}
	if s.Pos() != 3 {
		t.Errorf("read at end must not move position, got %d", s.Pos())
	}
}

func TestWriteOnlyOpenTruncates(t *testing.T) {
	p := newTestPool(t, 1, DefaultGeometry())

	s := openSession(t, p, 0, ReadWrite)
	writeAll(t, s, []byte("A"))
	s.Close()

	openSession(t, p, 0, WriteOnly).Close()

	r := openSession(t, p, 0, ReadOnly)
	buf := make([]byte, 1)
	if n, err := r.Read(context.Background(), buf); n != 0 || err != nil {
		t.Errorf("expected empty device after write-only open, got %d, %v", n, err)
	}
}

func TestReadWriteOpenKeepsContent(t *testing.T) {
	p := newTestPool(t, 1, DefaultGeometry())

	writeAll(t, openSession(t, p, 0, ReadWrite), []byte("keep"))

	for _, mode := range []Mode{ReadOnly, ReadWrite} {
		s := openSession(t, p, 0, mode)
		got, err := io.ReadAll(s.Reader(context.Background()))
		if err != nil || string(got) != "keep" {
			t.Errorf("%s open: expected content kept, got %q %v", mode, got, err)
		}
	}
}

func TestReadDoesNotAllocate(t *testing.T) {
	p := newTestPool(t, 1, Geometry{Quantum: 4, QSet: 2})
	s := openSession(t, p, 0, ReadOnly)

	if _, err := s.Seek(100, io.SeekStart); err != nil {
		t.Fatalf("seek: %v", err)
	}
	buf := make([]byte, 16)
	if n, err := s.Read(context.Background(), buf); n != 0 || err != nil {
		t.Fatalf("expected empty read, got %d, %v", n, err)
	}

	st, err := s.Device().Stat(context.Background())
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if st.Items != 0 {
		t.Errorf("read allocated %d items", st.Items)
	}
	if used := p.Budget().Current(); used != 0 {
		t.Errorf("read charged %d bytes", used)
	}
}

func TestTrimDropsContent(t *testing.T) {
	p := newTestPool(t, 1, Geometry{Quantum: 4, QSet: 2})
	s := openSession(t, p, 0, ReadWrite)
	writeAll(t, s, []byte("abcdefghijkl"))

	if err := s.Device().Trim(context.Background(), p.Geometry()); err != nil {
		t.Fatalf("trim: %v", err)
	}

	for _, pos := range []int64{0, 4, 8} {
		if _, err := s.Seek(pos, io.SeekStart); err != nil {
			t.Fatalf("seek: %v", err)
		}
		buf := make([]byte, 4)
		if n, _ := s.Read(context.Background(), buf); n != 0 {
			t.Errorf("read %d bytes at %d after trim", n, pos)
		}
	}

	size, _ := s.Device().Size(context.Background())
	if size != 0 {
		t.Errorf("expected size 0 after trim, got %d", size)
	}
}

func TestOutOfMemory(t *testing.T) {
	g := Geometry{Quantum: 4, QSet: 2}
	p, err := NewPool(1, g, budget.New(nodeCost+2*slotCost+4))
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	defer p.Close()

	s := openSession(t, p, 0, ReadWrite)
	writeAll(t, s, []byte("abcd"))

	if _, err := s.Write(context.Background(), []byte("e")); !errors.Is(err, ErrNoMemory) {
		t.Fatalf("expected ErrNoMemory, got %v", err)
	}
	if s.Pos() != 4 {
		t.Errorf("failed write moved position to %d", s.Pos())
	}
	if size, _ := s.Device().Size(context.Background()); size != 4 {
		t.Errorf("failed write changed size to %d", size)
	}

	// Rewriting allocated quantum still works.
	s.Seek(0, io.SeekStart)
	writeAll(t, s, []byte("wxyz"))
}

func TestGeometryChangeIsNotRetroactive(t *testing.T) {
	p := newTestPool(t, 1, Geometry{Quantum: 4, QSet: 2})
	s := openSession(t, p, 0, ReadWrite)
	writeAll(t, s, []byte("abcdef"))

	if err := p.SetGeometry(Geometry{Quantum: 16, QSet: 4}); err != nil {
		t.Fatalf("SetGeometry: %v", err)
	}
	writeAll(t, s, []byte("ghij"))

	st, _ := s.Device().Stat(context.Background())
	if st.Geometry != (Geometry{Quantum: 4, QSet: 2}) {
		t.Errorf("populated device changed geometry to %+v", st.Geometry)
	}

	got, _ := io.ReadAll(openSession(t, p, 0, ReadOnly).Reader(context.Background()))
	if string(got) != "abcdefghij" {
		t.Errorf("expected abcdefghij, got %q", got)
	}

	openSession(t, p, 0, WriteOnly)
	st, _ = s.Device().Stat(context.Background())
	if st.Geometry != (Geometry{Quantum: 16, QSet: 4}) {
		t.Errorf("expected trimmed device to adopt new geometry, got %+v", st.Geometry)
	}
}

func TestSeek(t *testing.T) {
	p := newTestPool(t, 1, DefaultGeometry())
	s := openSession(t, p, 0, ReadWrite)
	writeAll(t, s, []byte("0123456789"))

	tests := []struct {
		offset int64
		whence int
		want   int64
	}{
		{3, io.SeekStart, 3},
		{2, io.SeekCurrent, 5},
		{-4, io.SeekEnd, 6},
		{0, io.SeekEnd, 10},
	}

	for _, tt := range tests {
		got, err := s.Seek(tt.offset, tt.whence)
		if err != nil || got != tt.want {
			t.Errorf("Seek(%d, %d) = %d, %v, expected %d", tt.offset, tt.whence, got, err, tt.want)
		}
	}

	if _, err := s.Seek(-11, io.SeekEnd); !errors.Is(err, ErrInvalid) {
		t.Errorf("expected ErrInvalid for negative position, got %v", err)
	}
	if _, err := s.Seek(0, 42); !errors.Is(err, ErrInvalid) {
		t.Errorf("expected ErrInvalid for bad whence, got %v", err)
	}
}

func TestLockInterrupted(t *testing.T) {
	p := newTestPool(t, 1, DefaultGeometry())
	s := openSession(t, p, 0, ReadWrite)
	dev := s.Device()

	if err := dev.lock(context.Background()); err != nil {
		t.Fatalf("lock: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := s.Write(ctx, []byte("x"))
	if !errors.Is(err, ErrRestart) {
		t.Fatalf("expected ErrRestart, got %v", err)
	}
	if s.Pos() != 0 {
		t.Errorf("interrupted write moved position to %d", s.Pos())
	}

	if _, err := p.Open(ctx, 0, WriteOnly); !errors.Is(err, ErrRestart) {
		t.Errorf("expected ErrRestart from write-only open, got %v", err)
	}

	dev.unlock()

	// Repeating the call unchanged succeeds once the lock is free.
	if n, err := s.Write(context.Background(), []byte("x")); err != nil || n != 1 {
		t.Errorf("retry failed: %d, %v", n, err)
	}
}

func TestSeekEndInterrupted(t *testing.T) {
	p := newTestPool(t, 1, DefaultGeometry())
	s := openSession(t, p, 0, ReadWrite)
	writeAll(t, s, []byte("0123"))

	dev := s.Device()
	if err := dev.lock(context.Background()); err != nil {
		t.Fatalf("lock: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	if _, err := s.SeekContext(ctx, 0, io.SeekEnd); !errors.Is(err, ErrRestart) {
		t.Errorf("expected ErrRestart, got %v", err)
	}
	if s.Pos() != 4 {
		t.Errorf("interrupted seek moved position to %d", s.Pos())
	}

	// Seeking from start or current never waits for the lock.
	if pos, err := s.SeekContext(ctx, 1, io.SeekStart); err != nil || pos != 1 {
		t.Errorf("SeekContext(1, start) = %d, %v", pos, err)
	}

	dev.unlock()

	if pos, err := s.SeekContext(context.Background(), -1, io.SeekEnd); err != nil || pos != 3 {
		t.Errorf("SeekContext(-1, end) = %d, %v", pos, err)
	}
}

func TestFarWriteHitsBudget(t *testing.T) {
	const limit = 4096

	b := budget.New(limit)
	p, err := NewPool(1, Geometry{Quantum: 4, QSet: 2}, b)
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	defer p.Close()

	s := openSession(t, p, 0, ReadWrite)
	if _, err := s.Seek(1<<40, io.SeekStart); err != nil {
		t.Fatalf("seek: %v", err)
	}

	if _, err := s.Write(context.Background(), []byte("x")); !errors.Is(err, ErrNoMemory) {
		t.Fatalf("expected ErrNoMemory, got %v", err)
	}
	if b.Current() > limit {
		t.Errorf("budget overrun: %d of %d", b.Current(), limit)
	}
	if size, _ := s.Device().Size(context.Background()); size != 0 {
		t.Errorf("failed write changed size to %d", size)
	}
}

func TestFreeLockIgnoresCancelledContext(t *testing.T) {
	p := newTestPool(t, 1, DefaultGeometry())
	s := openSession(t, p, 0, ReadWrite)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if n, err := s.Write(ctx, []byte("x")); err != nil || n != 1 {
		t.Errorf("expected uncontended lock to be taken, got %d, %v", n, err)
	}
}

func TestConcurrentDevicesAreIndependent(t *testing.T) {
	p := newTestPool(t, 4, Geometry{Quantum: 8, QSet: 4})

	var wg sync.WaitGroup
	for i := 0; i < p.Len(); i++ {
		wg.Add(1)
		go func(index int) {
			defer wg.Done()

			data := bytes.Repeat([]byte{byte('a' + index)}, 1000)
			s, err := p.Open(context.Background(), index, ReadWrite)
			if err != nil {
				t.Errorf("open: %v", err)
				return
			}
			for len(data) > 0 {
				n, err := s.Write(context.Background(), data)
				if err != nil {
					t.Errorf("write: %v", err)
					return
				}
				data = data[n:]
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < p.Len(); i++ {
		got, err := io.ReadAll(openSession(t, p, i, ReadOnly).Reader(context.Background()))
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		want := bytes.Repeat([]byte{byte('a' + i)}, 1000)
		if !bytes.Equal(got, want) {
			t.Errorf("device %d holds foreign data", i)
		}
	}
}

func TestConcurrentWritersSerialized(t *testing.T) {
	const quantum = 64
	p := newTestPool(t, 1, Geometry{Quantum: quantum, QSet: 4})

	var wg sync.WaitGroup
	for _, fill := range []byte{'a', 'b'} {
		wg.Add(1)
		go func(fill byte) {
			defer wg.Done()

			block := bytes.Repeat([]byte{fill}, quantum)
			for i := 0; i < 200; i++ {
				s, err := p.Open(context.Background(), 0, ReadWrite)
				if err != nil {
					t.Errorf("open: %v", err)
					return
				}
				if n, err := s.Write(context.Background(), block); err != nil || n != quantum {
					t.Errorf("write: %d, %v", n, err)
					return
				}
			}
		}(fill)
	}

	// Concurrent readers must always see one whole block.
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			s, err := p.Open(context.Background(), 0, ReadOnly)
			if err != nil {
				t.Errorf("open: %v", err)
				return
			}
			buf := make([]byte, quantum)
			n, err := s.Read(context.Background(), buf)
			if err != nil {
				t.Errorf("read: %v", err)
				return
			}
			if n > 0 && !bytes.Equal(buf, bytes.Repeat(buf[:1], quantum)) {
				t.Errorf("observed interleaved quantum %q", buf)
				return
			}
		}
	}()
	wg.Wait()

	got, _ := io.ReadAll(openSession(t, p, 0, ReadOnly).Reader(context.Background()))
	if len(got) != quantum {
		t.Fatalf("expected %d bytes, got %d", quantum, len(got))
	}
	if !bytes.Equal(got, bytes.Repeat(got[:1], quantum)) {
		t.Errorf("final content is an interleaving: %q", got)
	}
}

func TestPoolCloseReleasesMemory(t *testing.T) {
	p, err := NewPool(2, Geometry{Quantum: 4, QSet: 2}, budget.New(0))
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}

	writeAll(t, openSession(t, p, 0, ReadWrite), []byte("abcdefgh"))
	writeAll(t, openSession(t, p, 1, ReadWrite), []byte("ijklmnopqrstuvwx"))

	p.Close()

	if used := p.Budget().Current(); used != 0 {
		t.Errorf("expected all memory released, %d bytes reserved", used)
	}
}
