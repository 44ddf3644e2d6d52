// Package pstore persists the nexus info record that survives process
// restarts. Backends plug in the same way filer stores do: register in
// Stores, get initialized from configuration by name with a key prefix.
package pstore

import (
	"context"
	"errors"
	"fmt"

	jsoniter "github.com/json-iterator/go"

	"github.com/openebs/mayastor-sub001/engine/util"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	// CurrentVersion of the on-store record encoding.
	CurrentVersion = 1

	keyPrefix = "nexus/"
)

var (
	ErrNotFound = errors.New("pstore: nexus info not found")
	// ErrStoreUnavailable is returned when the backend did not answer within
	// the caller-supplied deadline. The persistence gate treats it as fatal.
	ErrStoreUnavailable = errors.New("pstore: store unavailable")
)

// ChildInfo records one child's durable health flag.
type ChildInfo struct {
	UUID    string `json:"uuid"`
	Healthy bool   `json:"healthy"`
}

// NexusInfo is the durable record keyed by nexus UUID.
type NexusInfo struct {
	Version       int         `json:"version"`
	CleanShutdown bool        `json:"clean_shutdown"`
	Children      []ChildInfo `json:"children"`
}

// FindChild returns the recorded health of a child, if present.
func (i *NexusInfo) FindChild(childUUID string) (healthy bool, found bool) {
	for _, c := range i.Children {
		if c.UUID == childUUID {
			return c.Healthy, true
		}
	}
	return false, false
}

// NexusInfoStore is the persistence collaborator interface. All calls honor
// the context deadline; a missed deadline surfaces as ErrStoreUnavailable.
type NexusInfoStore interface {
	GetName() string
	Initialize(configuration util.Configuration, prefix string) error
	Get(ctx context.Context, nexusUUID string) (*NexusInfo, error)
	Put(ctx context.Context, nexusUUID string, info *NexusInfo) error
	Delete(ctx context.Context, nexusUUID string) error
	Shutdown()
}

var Stores []NexusInfoStore

// GetStore finds a registered backend by name.
func GetStore(name string) (NexusInfoStore, error) {
	for _, store := range Stores {
		if store.GetName() == name {
			return store, nil
		}
	}
	return nil, fmt.Errorf("pstore: no store backend named %q", name)
}

func recordKey(nexusUUID string) string {
	return keyPrefix + nexusUUID
}

func encodeInfo(info *NexusInfo) ([]byte, error) {
	clone := *info
	clone.Version = CurrentVersion
	value, err := json.Marshal(&clone)
	if err != nil {
		return nil, fmt.Errorf("pstore: encode nexus info: %v", err)
	}
	return value, nil
}

func decodeInfo(value []byte) (*NexusInfo, error) {
	info := &NexusInfo{}
	if err := json.Unmarshal(value, info); err != nil {
		return nil, fmt.Errorf("pstore: decode nexus info: %v", err)
	}
	return info, nil
}

// translateErr folds context expiry into the unavailable sentinel so the
// persistence gate has a single error to key its shutdown decision on.
func translateErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return err
}
