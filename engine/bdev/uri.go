package bdev

import (
	"fmt"
	"net/url"
	"sync"

	"github.com/golang/glog"
)

// Opener creates a device from a parsed URI.
type Opener func(u *url.URL) (BlockDevice, error)

type scheme struct {
	open  Opener
	local bool
}

var (
	schemesLock sync.RWMutex
	schemes     = make(map[string]scheme)
)

// RegisterScheme installs an opener for a URI scheme. Local schemes are
// preferred as rebuild sources. Collaborators register network schemes
// (for example nvmf) the same way the built-in ones are registered.
func RegisterScheme(name string, local bool, open Opener) {
	schemesLock.Lock()
	defer schemesLock.Unlock()
	if _, found := schemes[name]; found {
		glog.Fatalf("bdev scheme %q registered twice", name)
	}
	schemes[name] = scheme{open: open, local: local}
}

// Open resolves uri through the scheme registry and opens the device.
func Open(uri string) (BlockDevice, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("bdev: parse %q: %v", uri, err)
	}
	schemesLock.RLock()
	s, found := schemes[u.Scheme]
	schemesLock.RUnlock()
	if !found {
		return nil, fmt.Errorf("%w: %q", ErrUnknownScheme, u.Scheme)
	}
	dev, err := s.open(u)
	if err != nil {
		return nil, err
	}
	glog.V(1).Infof("opened %s device %s", u.Scheme, dev.DeviceName())
	return dev, nil
}

// IsLocal reports whether uri addresses a replica on this node.
func IsLocal(uri string) bool {
	u, err := url.Parse(uri)
	if err != nil {
		return false
	}
	schemesLock.RLock()
	defer schemesLock.RUnlock()
	s, found := schemes[u.Scheme]
	return found && s.local
}
