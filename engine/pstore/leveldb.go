package pstore

import (
	"context"
	"fmt"
	"os"

	"github.com/golang/glog"
	"github.com/syndtr/goleveldb/leveldb"
	leveldb_errors "github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/opt"

	"github.com/openebs/mayastor-sub001/engine/util"
)

func init() {
	Stores = append(Stores, &LevelDBStore{})
}

// LevelDBStore keeps nexus info records in a local leveldb directory, for
// single-node deployments without an etcd cluster.
type LevelDBStore struct {
	dir string
	db  *leveldb.DB
}

func (store *LevelDBStore) GetName() string {
	return "leveldb"
}

func (store *LevelDBStore) Initialize(configuration util.Configuration, prefix string) error {
	dir := configuration.GetString(prefix + "dir")
	return store.initialize(dir)
}

func (store *LevelDBStore) initialize(dir string) (err error) {
	glog.Infof("pstore leveldb dir: %s", dir)
	os.MkdirAll(dir, 0755)
	store.dir = dir

	opts := &opt.Options{
		BlockCacheCapacity: 4 * 1024 * 1024,
		WriteBuffer:        2 * 1024 * 1024,
	}
	if store.db, err = leveldb.OpenFile(dir, opts); err != nil {
		if leveldb_errors.IsCorrupted(err) {
			store.db, err = leveldb.RecoverFile(dir, opts)
		}
		if err != nil {
			return fmt.Errorf("open pstore %s: %v", dir, err)
		}
	}
	return nil
}

func (store *LevelDBStore) Get(ctx context.Context, nexusUUID string) (*NexusInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, translateErr(err)
	}
	value, err := store.db.Get([]byte(recordKey(nexusUUID)), nil)
	if err == leveldb.ErrNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %v", nexusUUID, err)
	}
	return decodeInfo(value)
}

func (store *LevelDBStore) Put(ctx context.Context, nexusUUID string, info *NexusInfo) error {
	if err := ctx.Err(); err != nil {
		return translateErr(err)
	}
	value, err := encodeInfo(info)
	if err != nil {
		return err
	}
	// Sync write: the persistence gate's whole point is durability.
	wo := &opt.WriteOptions{Sync: true}
	if err := store.db.Put([]byte(recordKey(nexusUUID)), value, wo); err != nil {
		return fmt.Errorf("persisting %s: %v", nexusUUID, err)
	}
	return nil
}

func (store *LevelDBStore) Delete(ctx context.Context, nexusUUID string) error {
	if err := ctx.Err(); err != nil {
		return translateErr(err)
	}
	if err := store.db.Delete([]byte(recordKey(nexusUUID)), nil); err != nil {
		return fmt.Errorf("deleting %s: %v", nexusUUID, err)
	}
	return nil
}

func (store *LevelDBStore) Shutdown() {
	if store.db != nil {
		store.db.Close()
	}
}
