// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package fusefs exposes scull devices as files of a FUSE filesystem. Every
// device is a regular file scull<N>, opening it creates a session and the
// open flags select the session mode. Files are opened with direct I/O so
// short transfers reach the calling program unchanged, exactly like with a
// character device.
//
// Two read-only files carry the diagnostics: scullseq with the layout of all
// devices rendered by the walker and scullmem with the size limited one-shot
// dump.
package fusefs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"syscall"
	"time"

	gofuse "github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"

	"github.com/asch/scull/internal/scull"
)

// Options configures the FUSE mount.
type Options struct {
	// Mountpoint is the directory where the filesystem is mounted. It
	// is created when it does not exist.
	Mountpoint string

	// Pool with the exposed devices.
	Pool *scull.Pool

	// Minor of the first device, devices are named scull<Minor+i>.
	Minor int

	// Size limit of the scullmem dump.
	MemLimit int

	// AllowOther permits other users to access the mount.
	AllowOther bool
}

// Mount mounts the filesystem. The caller must call Unmount on the returned
// server when done.
func Mount(options Options) (*fuse.Server, error) {
	if options.Mountpoint == "" {
		return nil, fmt.Errorf("mountpoint is required")
	}
	if options.Pool == nil {
		return nil, fmt.Errorf("pool is required")
	}

	if err := os.MkdirAll(options.Mountpoint, 0o755); err != nil {
		return nil, fmt.Errorf("creating mountpoint %s: %w", options.Mountpoint, err)
	}

	// Sizes change with every write, do not let the kernel cache them.
	var zero time.Duration

	server, err := gofuse.Mount(options.Mountpoint, &rootNode{options: &options}, &gofuse.Options{
		EntryTimeout: &zero,
		AttrTimeout:  &zero,
		MountOptions: fuse.MountOptions{
			FsName:     "scull",
			Name:       "scull",
			AllowOther: options.AllowOther,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("mounting FUSE filesystem at %s: %w", options.Mountpoint, err)
	}

	log.Info().Str("mountpoint", options.Mountpoint).Int("devices", options.Pool.Len()).Msg("scull devices mounted")

	return server, nil
}

// rootNode holds one file per device and the diagnostic files.
type rootNode struct {
	gofuse.Inode
	options *Options
}

var _ gofuse.InodeEmbedder = (*rootNode)(nil)
var _ gofuse.NodeOnAdder = (*rootNode)(nil)

func (r *rootNode) OnAdd(ctx context.Context) {
	pool := r.options.Pool

	for i := 0; i < pool.Len(); i++ {
		node := &deviceNode{pool: pool, index: i}
		child := r.NewPersistentInode(ctx, node, gofuse.StableAttr{Mode: syscall.S_IFREG})
		r.AddChild(fmt.Sprintf("scull%d", r.options.Minor+i), child, true)
	}

	limit := r.options.MemLimit
	mem := &diagNode{render: func(ctx context.Context, w io.Writer) error {
		_, err := pool.WriteMem(ctx, w, limit)
		return err
	}}
	r.AddChild("scullmem", r.NewPersistentInode(ctx, mem, gofuse.StableAttr{Mode: syscall.S_IFREG}), true)

	seq := &diagNode{render: pool.WriteSeq}
	r.AddChild("scullseq", r.NewPersistentInode(ctx, seq, gofuse.StableAttr{Mode: syscall.S_IFREG}), true)
}

// deviceNode is the file of one device.
type deviceNode struct {
	gofuse.Inode
	pool  *scull.Pool
	index int
}

var _ gofuse.InodeEmbedder = (*deviceNode)(nil)
var _ gofuse.NodeGetattrer = (*deviceNode)(nil)
var _ gofuse.NodeSetattrer = (*deviceNode)(nil)
var _ gofuse.NodeOpener = (*deviceNode)(nil)

func (d *deviceNode) Getattr(ctx context.Context, f gofuse.FileHandle, out *fuse.AttrOut) syscall.Errno {
	dev, err := d.pool.Device(d.index)
	if err != nil {
		return toErrno(err)
	}

	size, err := dev.Size(ctx)
	if err != nil {
		return toErrno(err)
	}

	out.Mode = syscall.S_IFREG | 0o666
	out.Size = uint64(size)

	return 0
}

// Setattr handles truncation. Only truncation to zero is supported, it trims
// the device. Other attribute changes are ignored.
func (d *deviceNode) Setattr(ctx context.Context, f gofuse.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	if size, ok := in.GetSize(); ok {
		if size != 0 {
			return syscall.EINVAL
		}

		dev, err := d.pool.Device(d.index)
		if err != nil {
			return toErrno(err)
		}
		if err := dev.Trim(ctx, d.pool.Geometry()); err != nil {
			return toErrno(err)
		}
	}

	return d.Getattr(ctx, f, out)
}

func (d *deviceNode) Open(ctx context.Context, flags uint32) (gofuse.FileHandle, uint32, syscall.Errno) {
	mode := accessMode(flags)

	s, err := d.pool.Open(ctx, d.index, mode)
	if err != nil {
		log.Debug().Err(err).Int("device", d.index).Str("mode", mode.String()).Msg("open failed")
		return nil, 0, toErrno(err)
	}

	return &deviceHandle{session: s}, fuse.FOPEN_DIRECT_IO, 0
}

// Maps open(2) flags to the session mode.
func accessMode(flags uint32) scull.Mode {
	switch flags & unix.O_ACCMODE {
	case unix.O_WRONLY:
		return scull.WriteOnly
	case unix.O_RDWR:
		return scull.ReadWrite
	}

	return scull.ReadOnly
}

// deviceHandle is an open device file. The kernel passes the position with
// every request, it is set on the session before the transfer. mu keeps the
// seek and transfer of concurrent requests on one handle together.
type deviceHandle struct {
	mu      sync.Mutex
	session *scull.Session
}

var _ gofuse.FileReader = (*deviceHandle)(nil)
var _ gofuse.FileWriter = (*deviceHandle)(nil)
var _ gofuse.FileReleaser = (*deviceHandle)(nil)

func (h *deviceHandle) Read(ctx context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, err := h.session.SeekContext(ctx, off, io.SeekStart); err != nil {
		return nil, toErrno(err)
	}

	n, err := h.session.Read(ctx, dest)
	if err != nil {
		return nil, toErrno(err)
	}

	return fuse.ReadResultData(dest[:n]), 0
}

func (h *deviceHandle) Write(ctx context.Context, data []byte, off int64) (uint32, syscall.Errno) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, err := h.session.SeekContext(ctx, off, io.SeekStart); err != nil {
		return 0, toErrno(err)
	}

	n, err := h.session.Write(ctx, data)
	if err != nil {
		return 0, toErrno(err)
	}

	return uint32(n), 0
}

func (h *deviceHandle) Release(ctx context.Context) syscall.Errno {
	return toErrno(h.session.Close())
}

// diagNode is a read-only file whose content is rendered on open.
type diagNode struct {
	gofuse.Inode
	render func(ctx context.Context, w io.Writer) error
}

var _ gofuse.InodeEmbedder = (*diagNode)(nil)
var _ gofuse.NodeGetattrer = (*diagNode)(nil)
var _ gofuse.NodeOpener = (*diagNode)(nil)

func (n *diagNode) Getattr(ctx context.Context, f gofuse.FileHandle, out *fuse.AttrOut) syscall.Errno {
	out.Mode = syscall.S_IFREG | 0o444

	return 0
}

func (n *diagNode) Open(ctx context.Context, flags uint32) (gofuse.FileHandle, uint32, syscall.Errno) {
	if flags&(syscall.O_WRONLY|syscall.O_RDWR) != 0 {
		return nil, 0, syscall.EACCES
	}

	var b bytes.Buffer
	if err := n.render(ctx, &b); err != nil {
		return nil, 0, toErrno(err)
	}

	return &snapshotHandle{data: b.Bytes()}, fuse.FOPEN_DIRECT_IO, 0
}

// snapshotHandle serves the content rendered at open time.
type snapshotHandle struct {
	data []byte
}

var _ gofuse.FileReader = (*snapshotHandle)(nil)

func (h *snapshotHandle) Read(ctx context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	if off >= int64(len(h.data)) {
		return fuse.ReadResultData(nil), 0
	}

	n := copy(dest, h.data[off:])

	return fuse.ReadResultData(dest[:n]), 0
}

// Translates scull errors to errno returned to the kernel.
func toErrno(err error) syscall.Errno {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, scull.ErrNoMemory):
		return syscall.ENOMEM
	case errors.Is(err, scull.ErrFault):
		return syscall.EFAULT
	case errors.Is(err, scull.ErrRestart):
		return syscall.EINTR
	case errors.Is(err, scull.ErrInvalid):
		return syscall.EINVAL
	case errors.Is(err, scull.ErrNoDevice):
		return syscall.ENODEV
	}

	log.Info().Err(err).Msg("unexpected error")

	return syscall.EIO
}
