package bdev

import (
	"fmt"
	"net/url"
	"sync"

	"github.com/google/uuid"
)

// FaultDevice wraps a RAM-backed device and injects submission or completion
// failures on demand. URI form: fault:///name?size_mb=64&blk_size=4096
// The device is test infrastructure: retirement and rebuild-failure paths
// cannot be exercised against well-behaved devices.
type FaultDevice struct {
	inner BlockDevice

	mu           sync.Mutex
	submitErr    map[IoType]error
	completeWith map[IoType]*injection
}

type injection struct {
	status CompletionStatus
	count  int // remaining injections; <0 means unlimited
}

var (
	faultLock    sync.Mutex
	faultDevices = make(map[string]*FaultDevice)
)

func init() {
	RegisterScheme("fault", true, openFaultDevice)
}

func openFaultDevice(u *url.URL) (BlockDevice, error) {
	name := u.Path
	if name == "" {
		name = u.Host
	}
	mem, err := openMemDevice(u)
	if err != nil {
		return nil, err
	}
	d := &FaultDevice{
		inner:        mem,
		submitErr:    make(map[IoType]error),
		completeWith: make(map[IoType]*injection),
	}
	faultLock.Lock()
	faultDevices[name] = d
	faultLock.Unlock()
	return d, nil
}

// LookupFaultDevice returns the fault device opened under name, so tests can
// arm injections on a child the nexus opened by URI.
func LookupFaultDevice(name string) (*FaultDevice, error) {
	faultLock.Lock()
	defer faultLock.Unlock()
	d, found := faultDevices[name]
	if !found {
		return nil, fmt.Errorf("bdev: no fault device %q", name)
	}
	return d, nil
}

// InjectSubmitError makes Submit fail for ios of the given type.
func (d *FaultDevice) InjectSubmitError(t IoType, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.submitErr[t] = err
}

// InjectCompletion makes the next count ios of the given type complete with
// status instead of reaching the backing device. count < 0 injects forever.
func (d *FaultDevice) InjectCompletion(t IoType, status CompletionStatus, count int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.completeWith[t] = &injection{status: status, count: count}
}

// Clear removes all armed injections.
func (d *FaultDevice) Clear() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.submitErr = make(map[IoType]error)
	d.completeWith = make(map[IoType]*injection)
}

func (d *FaultDevice) DeviceName() string { return d.inner.DeviceName() }
func (d *FaultDevice) UUID() uuid.UUID    { return d.inner.UUID() }
func (d *FaultDevice) BlockSize() uint32  { return d.inner.BlockSize() }
func (d *FaultDevice) NumBlocks() uint64  { return d.inner.NumBlocks() }
func (d *FaultDevice) Stats() DeviceStats { return d.inner.Stats() }

func (d *FaultDevice) Submit(io *Io) error {
	d.mu.Lock()
	if err, found := d.submitErr[io.Type]; found {
		d.mu.Unlock()
		return err
	}
	if inj, found := d.completeWith[io.Type]; found && inj.count != 0 {
		if inj.count > 0 {
			inj.count--
		}
		status := inj.status
		d.mu.Unlock()
		// Complete asynchronously like a real device would.
		go io.Done(Completion{Status: status, Err: fmt.Errorf("injected %v", status)})
		return nil
	}
	d.mu.Unlock()
	return d.inner.Submit(io)
}

func (d *FaultDevice) Close() error {
	return d.inner.Close()
}
