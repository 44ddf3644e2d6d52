package bdev

import (
	"fmt"
	"net/url"
	"strconv"
	"sync"

	"github.com/google/uuid"
)

// memDevice is a RAM-backed replica, mainly for tests and benchmarks.
// URI form: mem:///name?size_mb=64&blk_size=4096
type memDevice struct {
	name      string
	id        uuid.UUID
	blockSize uint32
	numBlocks uint64

	dataLock sync.RWMutex
	data     []byte

	counters statCounters
	disp     *dispatcher
}

func init() {
	RegisterScheme("mem", true, openMemDevice)
}

func openMemDevice(u *url.URL) (BlockDevice, error) {
	name := u.Path
	if name == "" {
		name = u.Host
	}
	if name == "" {
		return nil, fmt.Errorf("bdev: mem uri needs a device name")
	}
	blockSize, numBlocks, err := parseGeometry(u)
	if err != nil {
		return nil, err
	}
	d := &memDevice{
		name:      "mem" + name,
		id:        uuid.New(),
		blockSize: blockSize,
		numBlocks: numBlocks,
		data:      make([]byte, numBlocks*uint64(blockSize)),
	}
	d.counters.nameLabel = d.name
	d.disp = newDispatcher(d.exec, &d.counters)
	return d, nil
}

func parseGeometry(u *url.URL) (blockSize uint32, numBlocks uint64, err error) {
	blockSize = 4096
	if s := u.Query().Get("blk_size"); s != "" {
		v, perr := strconv.ParseUint(s, 10, 32)
		if perr != nil || v == 0 {
			return 0, 0, fmt.Errorf("bdev: bad blk_size %q", s)
		}
		blockSize = uint32(v)
	}
	sizeMb := uint64(64)
	if s := u.Query().Get("size_mb"); s != "" {
		v, perr := strconv.ParseUint(s, 10, 64)
		if perr != nil || v == 0 {
			return 0, 0, fmt.Errorf("bdev: bad size_mb %q", s)
		}
		sizeMb = v
	}
	size := sizeMb * 1024 * 1024
	if size%uint64(blockSize) != 0 {
		return 0, 0, fmt.Errorf("bdev: size %d not a multiple of block size %d", size, blockSize)
	}
	return blockSize, size / uint64(blockSize), nil
}

func (d *memDevice) DeviceName() string { return d.name }
func (d *memDevice) UUID() uuid.UUID    { return d.id }
func (d *memDevice) BlockSize() uint32  { return d.blockSize }
func (d *memDevice) NumBlocks() uint64  { return d.numBlocks }

func (d *memDevice) Submit(io *Io) error {
	if err := validateIo(io, d.blockSize, d.numBlocks); err != nil {
		return err
	}
	return d.disp.submit(io)
}

func (d *memDevice) exec(io *Io) Completion {
	off := io.Offset * uint64(d.blockSize)
	length := io.NumBlocks * uint64(d.blockSize)
	switch io.Type {
	case IoRead:
		d.dataLock.RLock()
		copy(io.Data, d.data[off:off+length])
		d.dataLock.RUnlock()
	case IoWrite:
		d.dataLock.Lock()
		copy(d.data[off:off+length], io.Data)
		d.dataLock.Unlock()
	case IoUnmap, IoWriteZeroes:
		d.dataLock.Lock()
		zero := d.data[off : off+length]
		for i := range zero {
			zero[i] = 0
		}
		d.dataLock.Unlock()
	case IoReset, IoFlush:
		// RAM device: nothing to do.
	}
	return Completion{Status: StatusSuccess}
}

func (d *memDevice) Close() error {
	d.disp.close()
	return nil
}

func (d *memDevice) Stats() DeviceStats {
	return d.counters.snapshot()
}
