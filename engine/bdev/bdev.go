// Package bdev abstracts the replica backends a nexus child can sit on.
// Concrete devices register a URI scheme; the nexus only ever sees the
// BlockDevice capability set and its asynchronous completion contract.
package bdev

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/openebs/mayastor-sub001/engine/stats"
)

type IoType int

const (
	IoRead IoType = iota
	IoWrite
	IoUnmap
	IoWriteZeroes
	IoReset
	IoFlush
)

func (t IoType) String() string {
	switch t {
	case IoRead:
		return "read"
	case IoWrite:
		return "write"
	case IoUnmap:
		return "unmap"
	case IoWriteZeroes:
		return "write_zeroes"
	case IoReset:
		return "reset"
	case IoFlush:
		return "flush"
	}
	return fmt.Sprintf("io(%d)", int(t))
}

// CompletionStatus is the device-reported outcome of one accepted request.
type CompletionStatus int

const (
	StatusSuccess CompletionStatus = iota
	StatusIoError
	StatusNoSpace
	StatusInvalidOpcode
	StatusReservationConflict
	// StatusAborted marks a request that never reached the device because a
	// concurrent retirement reconfigured the channel under it.
	StatusAborted
)

func (s CompletionStatus) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusIoError:
		return "io_error"
	case StatusNoSpace:
		return "no_space"
	case StatusInvalidOpcode:
		return "invalid_opcode"
	case StatusReservationConflict:
		return "reservation_conflict"
	case StatusAborted:
		return "aborted"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

type Completion struct {
	Status CompletionStatus
	Err    error
}

func (c Completion) Ok() bool {
	return c.Status == StatusSuccess
}

// Io is one block request. Done is invoked exactly once, possibly from a
// device-internal goroutine; callers route it back onto their own core.
type Io struct {
	Type      IoType
	Offset    uint64 // in blocks
	NumBlocks uint64
	Data      []byte // len must be NumBlocks*BlockSize for read/write
	Done      func(Completion)
}

var (
	ErrDeviceClosed  = errors.New("bdev: device closed")
	ErrOutOfRange    = errors.New("bdev: request beyond device capacity")
	ErrShortBuffer   = errors.New("bdev: buffer length does not match request")
	ErrUnknownScheme = errors.New("bdev: unknown uri scheme")
)

// BlockDevice is the capability set every replica backend provides.
type BlockDevice interface {
	DeviceName() string
	UUID() uuid.UUID
	BlockSize() uint32
	NumBlocks() uint64
	// Submit schedules io and returns nil if the device accepted it; an error
	// is a submission failure and io.Done will not be invoked.
	Submit(io *Io) error
	Close() error
	Stats() DeviceStats
}

// DeviceStats is a point-in-time snapshot of per-device counters.
type DeviceStats struct {
	NumReadOps   uint64
	NumWriteOps  uint64
	NumUnmapOps  uint64
	BytesRead    uint64
	BytesWritten uint64
	NumErrors    uint64
}

type statCounters struct {
	readOps   atomic.Uint64
	writeOps  atomic.Uint64
	unmapOps  atomic.Uint64
	bytesRd   atomic.Uint64
	bytesWr   atomic.Uint64
	errors    atomic.Uint64
	nameLabel string
}

func (c *statCounters) account(io *Io, comp Completion) {
	bytes := uint64(len(io.Data))
	outcome := "success"
	if !comp.Ok() {
		c.errors.Add(1)
		outcome = "error"
	}
	switch io.Type {
	case IoRead:
		c.readOps.Add(1)
		if comp.Ok() {
			c.bytesRd.Add(bytes)
			stats.DeviceIoBytes.WithLabelValues(c.nameLabel, io.Type.String()).Add(float64(bytes))
		}
	case IoWrite, IoWriteZeroes:
		c.writeOps.Add(1)
		if comp.Ok() {
			c.bytesWr.Add(bytes)
			stats.DeviceIoBytes.WithLabelValues(c.nameLabel, io.Type.String()).Add(float64(bytes))
		}
	case IoUnmap:
		c.unmapOps.Add(1)
	}
	stats.DeviceIoCounter.WithLabelValues(c.nameLabel, io.Type.String(), outcome).Inc()
}

func (c *statCounters) snapshot() DeviceStats {
	return DeviceStats{
		NumReadOps:   c.readOps.Load(),
		NumWriteOps:  c.writeOps.Load(),
		NumUnmapOps:  c.unmapOps.Load(),
		BytesRead:    c.bytesRd.Load(),
		BytesWritten: c.bytesWr.Load(),
		NumErrors:    c.errors.Load(),
	}
}

func validateIo(io *Io, blockSize uint32, numBlocks uint64) error {
	switch io.Type {
	case IoReset, IoFlush:
		return nil
	}
	if io.Offset+io.NumBlocks > numBlocks || io.Offset+io.NumBlocks < io.Offset {
		return ErrOutOfRange
	}
	switch io.Type {
	case IoRead, IoWrite:
		if uint64(len(io.Data)) != io.NumBlocks*uint64(blockSize) {
			return ErrShortBuffer
		}
	}
	return nil
}
