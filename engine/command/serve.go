package command

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/golang/glog"

	"github.com/openebs/mayastor-sub001/engine/core"
	"github.com/openebs/mayastor-sub001/engine/nexus"
	"github.com/openebs/mayastor-sub001/engine/pstore"
	"github.com/openebs/mayastor-sub001/engine/server"
	"github.com/openebs/mayastor-sub001/engine/util"
)

var cmdServe = &Command{
	UsageLine: "serve -port=10124 -store=etcd",
	Short:     "start the io-engine data path and its control server",
	Long: `Start the io-engine: a pool of per-core reactors running the nexus data
  path, and an HTTP control server to create nexuses, manage children and
  drive rebuilds.

  The nexus info store backend is selected with -store and configured in
  io-engine.toml, read from ".", "$HOME/.mayastor", or "/etc/mayastor/".
  The "memory" backend needs no configuration but does not survive a
  restart; use "etcd" or "leveldb" in production.

  `,
}

var (
	serveIp             = cmdServe.Flag.String("ip", "", "control server bind address")
	servePort           = cmdServe.Flag.Int("port", 10124, "control server http listen port")
	serveCores          = cmdServe.Flag.Int("cores", 0, "reactor cores, 0 means one per cpu")
	serveStore          = cmdServe.Flag.String("store", "memory", "nexus info store backend: memory, leveldb, etcd")
	servePersistTimeout = cmdServe.Flag.Duration("persistTimeout", nexus.DefaultPersistTimeout, "deadline for nexus info record writes; a nexus that cannot persist within it shuts down")
)

func init() {
	cmdServe.Run = runServe
}

func runServe(cmd *Command, args []string) bool {
	util.LoadEngineConfiguration()

	cores := *serveCores
	if cores <= 0 {
		cores = runtime.NumCPU()
	}
	pool := core.NewPool(cores)
	pool.Start()

	store, err := pstore.GetStore(*serveStore)
	if err != nil {
		glog.Fatalf("Serve: %v", err)
	}
	if err := store.Initialize(util.GetViper(), *serveStore+"."); err != nil {
		glog.Fatalf("Serve: initialize %s store: %v", *serveStore, err)
	}

	srv, err := server.NewServer(server.Options{
		Pool:           pool,
		Store:          store,
		PersistTimeout: *servePersistTimeout,
	})
	if err != nil {
		glog.Fatalf("Serve: %v", err)
	}

	listen := fmt.Sprintf("%s:%d", *serveIp, *servePort)
	httpServer := &http.Server{Addr: listen, Handler: srv.Router()}

	stopped := make(chan struct{})
	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		s := <-sig
		glog.V(0).Infof("received %v, shutting down", s)

		// Stop accepting control requests, then tear the data path down so
		// every nexus records a clean shutdown.
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(ctx); err != nil {
			glog.Errorf("http shutdown: %v", err)
		}
		srv.Close()
		store.Shutdown()
		pool.Stop()
		close(stopped)
	}()

	glog.V(0).Infof("%s listening on %s, %d reactor cores, %s store",
		util.Version(), listen, cores, store.GetName())
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		glog.Fatalf("Serve: listen on %s: %v", listen, err)
	}
	<-stopped
	return true
}
