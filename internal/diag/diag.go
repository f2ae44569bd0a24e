// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package diag serves the diagnostic and control endpoint of the daemon.
//
//	GET  /scullmem               one-shot dump limited in size
//	GET  /scullseq               layout of every device
//	GET  /currentime             clock readings of the daemon
//	POST /ioctl?dev=N&cmd=C&arg=A  control command C on device N
//
// Control commands are encoded like Linux ioctl numbers, see scull.IOC.
package diag

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/asch/scull/internal/scull"
)

// Handler serves diagnostics of one pool.
type Handler struct {
	pool     *scull.Pool
	memLimit int
	started  time.Time
	mux      *http.ServeMux
}

// New returns handler for pool p. memLimit bounds the scullmem dump.
func New(p *scull.Pool, memLimit int) *Handler {
	h := &Handler{
		pool:     p,
		memLimit: memLimit,
		started:  time.Now(),
		mux:      http.NewServeMux(),
	}

	h.mux.HandleFunc("/scullmem", h.get(h.scullmem))
	h.mux.HandleFunc("/scullseq", h.get(h.scullseq))
	h.mux.HandleFunc("/currentime", h.get(h.currentime))
	h.mux.HandleFunc("/ioctl", h.ioctl)

	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// Wraps read-only handlers rendering into a buffer, so a failed render never
// sends a partial body.
func (h *Handler) get(render func(r *http.Request, b *bytes.Buffer) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var b bytes.Buffer
		if err := render(r, &b); err != nil {
			writeError(w, err)
			return
		}

		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Write(b.Bytes())
	}
}

func (h *Handler) scullmem(r *http.Request, b *bytes.Buffer) error {
	_, err := h.pool.WriteMem(r.Context(), b, h.memLimit)
	return err
}

func (h *Handler) scullseq(r *http.Request, b *bytes.Buffer) error {
	return h.pool.WriteSeq(r.Context(), b)
}

func (h *Handler) currentime(r *http.Request, b *bytes.Buffer) error {
	now := time.Now()
	uptime := now.Sub(h.started)

	fmt.Fprintf(b, "uptime %d ns, uptime_ms 0x%016x, wall %10d.%06d, wall_ns %10d.%09d\n",
		uptime.Nanoseconds(), uptime.Milliseconds(),
		now.Unix(), now.Nanosecond()/1000,
		now.Unix(), now.Nanosecond())

	return nil
}

// Executes control command. Malformed requests are rejected before the
// device is touched.
func (h *Handler) ioctl(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()

	dev, err := strconv.Atoi(q.Get("dev"))
	if err != nil {
		writeError(w, fmt.Errorf("%w: dev: %v", scull.ErrInvalid, err))
		return
	}

	cmd, err := strconv.ParseUint(q.Get("cmd"), 0, 32)
	if err != nil {
		writeError(w, fmt.Errorf("%w: cmd: %v", scull.ErrInvalid, err))
		return
	}

	var arg int64
	if s := q.Get("arg"); s != "" {
		if arg, err = strconv.ParseInt(s, 0, 64); err != nil {
			writeError(w, fmt.Errorf("%w: arg: %v", scull.ErrInvalid, err))
			return
		}
	}

	// Attaching read-only never trims the device.
	s, err := h.pool.Open(r.Context(), dev, scull.ReadOnly)
	if err != nil {
		writeError(w, err)
		return
	}
	defer s.Close()

	ret, err := s.Ioctl(uint32(cmd), arg)
	if err != nil {
		writeError(w, err)
		return
	}

	log.Debug().Int("device", dev).Msgf("ioctl 0x%08x(%d) = %d", cmd, arg, ret)

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintf(w, "%d\n", ret)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError

	switch {
	case errors.Is(err, scull.ErrInvalid):
		status = http.StatusBadRequest
	case errors.Is(err, scull.ErrNoDevice):
		status = http.StatusNotFound
	case errors.Is(err, scull.ErrRestart):
		status = http.StatusServiceUnavailable
	case errors.Is(err, scull.ErrNoMemory):
		status = http.StatusInsufficientStorage
	}

	if status == http.StatusInternalServerError {
		log.Info().Err(err).Send()
	}

	http.Error(w, err.Error(), status)
}
