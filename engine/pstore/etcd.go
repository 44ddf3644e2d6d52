package pstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/golang/glog"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/openebs/mayastor-sub001/engine/util"
)

func init() {
	Stores = append(Stores, &EtcdStore{})
}

// EtcdStore keeps nexus info records in etcd, the production deployment's
// persistence collaborator.
type EtcdStore struct {
	client *clientv3.Client
}

func (store *EtcdStore) GetName() string {
	return "etcd"
}

func (store *EtcdStore) Initialize(configuration util.Configuration, prefix string) error {
	servers := configuration.GetString(prefix + "servers")
	if servers == "" {
		servers = "localhost:2379"
	}
	timeout := configuration.GetString(prefix + "timeout")
	if timeout == "" {
		timeout = "3s"
	}
	return store.initialize(servers, timeout)
}

func (store *EtcdStore) initialize(servers string, timeout string) (err error) {
	glog.Infof("pstore etcd: %s", servers)

	to, err := time.ParseDuration(timeout)
	if err != nil {
		return fmt.Errorf("parse timeout %s: %v", timeout, err)
	}

	// The registry may come up before etcd does; retry the dial briefly.
	connect := func() error {
		store.client, err = clientv3.New(clientv3.Config{
			Endpoints:   strings.Split(servers, ","),
			DialTimeout: to,
		})
		return err
	}
	if err := backoff.Retry(connect, backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 4)); err != nil {
		return fmt.Errorf("connect to etcd %s: %v", servers, err)
	}
	return nil
}

func (store *EtcdStore) Get(ctx context.Context, nexusUUID string) (*NexusInfo, error) {
	resp, err := store.client.Get(ctx, recordKey(nexusUUID))
	if err != nil {
		return nil, translateErr(fmt.Errorf("get %s: %w", nexusUUID, err))
	}
	if len(resp.Kvs) == 0 {
		return nil, ErrNotFound
	}
	return decodeInfo(resp.Kvs[0].Value)
}

func (store *EtcdStore) Put(ctx context.Context, nexusUUID string, info *NexusInfo) error {
	value, err := encodeInfo(info)
	if err != nil {
		return err
	}
	if _, err := store.client.Put(ctx, recordKey(nexusUUID), string(value)); err != nil {
		return translateErr(fmt.Errorf("persisting %s: %w", nexusUUID, err))
	}
	return nil
}

func (store *EtcdStore) Delete(ctx context.Context, nexusUUID string) error {
	if _, err := store.client.Delete(ctx, recordKey(nexusUUID)); err != nil {
		return translateErr(fmt.Errorf("deleting %s: %w", nexusUUID, err))
	}
	return nil
}

func (store *EtcdStore) Shutdown() {
	if store.client != nil {
		store.client.Close()
	}
}
