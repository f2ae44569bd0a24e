// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package scull

import (
	"bytes"
	"context"
	"fmt"
	"io"
)

// Mode is the access mode requested when opening a session.
type Mode int

const (
	ReadOnly Mode = iota
	WriteOnly
	ReadWrite
)

func (m Mode) String() string {
	switch m {
	case ReadOnly:
		return "read-only"
	case WriteOnly:
		return "write-only"
	case ReadWrite:
		return "read-write"
	}

	return fmt.Sprintf("Mode(%d)", int(m))
}

// Session is one client attached to a device. It owns the position used by
// read and write. A session is not safe for concurrent use, concurrent
// clients open their own sessions.
type Session struct {
	pool *Pool
	dev  *Device
	mode Mode
	pos  int64
}

// Device the session is attached to.
func (s *Session) Device() *Device {
	return s.dev
}

func (s *Session) Mode() Mode {
	return s.mode
}

// Current position of the session.
func (s *Session) Pos() int64 {
	return s.pos
}

// ReadTo copies at most count bytes from the current position to w and
// advances the position by the amount transferred. Zero bytes without error
// means end of data.
func (s *Session) ReadTo(ctx context.Context, w io.Writer, count int) (int, error) {
	n, err := s.dev.read(ctx, s.pos, count, w)
	if err != nil {
		return 0, err
	}
	s.pos += int64(n)

	return n, nil
}

// WriteFrom copies at most count bytes from r to the current position and
// advances the position by the amount transferred.
func (s *Session) WriteFrom(ctx context.Context, r io.Reader, count int) (int, error) {
	n, err := s.dev.write(ctx, s.pos, count, r)
	if err != nil {
		return 0, err
	}
	s.pos += int64(n)

	return n, nil
}

// Read fills p from the current position. At most one quantum is
// transferred per call.
func (s *Session) Read(ctx context.Context, p []byte) (int, error) {
	return s.ReadTo(ctx, &sliceWriter{buf: p}, len(p))
}

// Write stores p at the current position. At most one quantum is
// transferred per call, the caller repeats with the rest of p.
func (s *Session) Write(ctx context.Context, p []byte) (int, error) {
	return s.WriteFrom(ctx, bytes.NewReader(p), len(p))
}

// Seek sets the position for the next read or write. io.SeekEnd is relative
// to the end of data, reading it waits for the device lock without a way to
// interrupt the wait. Use SeekContext for that.
func (s *Session) Seek(offset int64, whence int) (int64, error) {
	return s.SeekContext(context.Background(), offset, whence)
}

// SeekContext is Seek whose wait for the device lock is interrupted by ctx.
func (s *Session) SeekContext(ctx context.Context, offset int64, whence int) (int64, error) {
	var base int64

	switch whence {
	case io.SeekStart:
	case io.SeekCurrent:
		base = s.pos
	case io.SeekEnd:
		size, err := s.dev.Size(ctx)
		if err != nil {
			return 0, err
		}
		base = size
	default:
		return 0, fmt.Errorf("%w: whence %d", ErrInvalid, whence)
	}

	if base+offset < 0 {
		return 0, fmt.Errorf("%w: negative position %d", ErrInvalid, base+offset)
	}
	s.pos = base + offset

	return s.pos, nil
}

// Close detaches the session. Content of the device stays.
func (s *Session) Close() error {
	return nil
}

// Reader returns io.Reader over the session reporting io.EOF when a read
// transfers nothing.
func (s *Session) Reader(ctx context.Context) io.Reader {
	return &sessionReader{ctx: ctx, s: s}
}

type sessionReader struct {
	ctx context.Context
	s   *Session
}

func (r *sessionReader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	n, err := r.s.Read(r.ctx, p)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, io.EOF
	}

	return n, nil
}

// Writer filling a caller provided buffer. It never grows the buffer.
type sliceWriter struct {
	buf []byte
	off int
}

func (w *sliceWriter) Write(p []byte) (int, error) {
	n := copy(w.buf[w.off:], p)
	w.off += n
	if n < len(p) {
		return n, io.ErrShortBuffer
	}

	return n, nil
}
