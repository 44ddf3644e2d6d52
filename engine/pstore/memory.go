package pstore

import (
	"context"
	"sync"
	"time"

	"github.com/openebs/mayastor-sub001/engine/util"
)

func init() {
	Stores = append(Stores, &MemoryStore{})
}

// MemoryStore keeps records in process memory. It backs tests and single-node
// development; Latency and Failing let tests drive the persistence gate's
// timeout path deterministically.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string][]byte
	latency time.Duration
	failing bool
}

func (store *MemoryStore) GetName() string {
	return "memory"
}

func (store *MemoryStore) Initialize(configuration util.Configuration, prefix string) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.records = make(map[string][]byte)
	return nil
}

// SetLatency delays every operation by d.
func (store *MemoryStore) SetLatency(d time.Duration) {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.latency = d
}

// SetFailing makes every operation report the store as unavailable.
func (store *MemoryStore) SetFailing(failing bool) {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.failing = failing
}

func (store *MemoryStore) barrier(ctx context.Context) error {
	store.mu.Lock()
	latency, failing := store.latency, store.failing
	store.mu.Unlock()
	if failing {
		return ErrStoreUnavailable
	}
	if latency > 0 {
		select {
		case <-time.After(latency):
		case <-ctx.Done():
			return translateErr(ctx.Err())
		}
	}
	if err := ctx.Err(); err != nil {
		return translateErr(err)
	}
	return nil
}

func (store *MemoryStore) Get(ctx context.Context, nexusUUID string) (*NexusInfo, error) {
	if err := store.barrier(ctx); err != nil {
		return nil, err
	}
	store.mu.Lock()
	value, found := store.records[recordKey(nexusUUID)]
	store.mu.Unlock()
	if !found {
		return nil, ErrNotFound
	}
	return decodeInfo(value)
}

func (store *MemoryStore) Put(ctx context.Context, nexusUUID string, info *NexusInfo) error {
	if err := store.barrier(ctx); err != nil {
		return err
	}
	value, err := encodeInfo(info)
	if err != nil {
		return err
	}
	store.mu.Lock()
	if store.records == nil {
		store.records = make(map[string][]byte)
	}
	store.records[recordKey(nexusUUID)] = value
	store.mu.Unlock()
	return nil
}

func (store *MemoryStore) Delete(ctx context.Context, nexusUUID string) error {
	if err := store.barrier(ctx); err != nil {
		return err
	}
	store.mu.Lock()
	delete(store.records, recordKey(nexusUUID))
	store.mu.Unlock()
	return nil
}

func (store *MemoryStore) Shutdown() {
}
