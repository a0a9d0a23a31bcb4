// Copyright (c) fastkeyd authors.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Command fastkeyd runs a single fastkeyd node: either a master accepting
// client writes, or a replica streaming them from a configured master (§6).
package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fastkeyd/fastkeyd/internal/command"
	"github.com/fastkeyd/fastkeyd/internal/config"
	"github.com/fastkeyd/fastkeyd/internal/metrics"
	"github.com/fastkeyd/fastkeyd/internal/replication"
	"github.com/fastkeyd/fastkeyd/internal/server"
	"github.com/fastkeyd/fastkeyd/internal/store"
	"github.com/fastkeyd/fastkeyd/internal/taskmanager"
	"github.com/fastkeyd/fastkeyd/pkg/fklog"
	"github.com/fastkeyd/fastkeyd/pkg/runtimeEnv"
)

func main() {
	if err := config.Parse(os.Args[1:]); err != nil {
		fklog.Fatalf("config: %v", err)
	}

	kv := store.New()

	var repl *replication.Info
	if config.Keys.IsReplica() {
		repl = replication.NewFollower()
	} else {
		repl = replication.NewLeader()
	}

	var leader command.Replicator
	if !config.Keys.IsReplica() {
		leader = repl
	}

	dispatcher := command.New(kv, command.Config{
		Dir:        config.Keys.Dir,
		DBFilename: config.Keys.DBFilename,
	}, repl, leader)

	if err := metrics.Register(nil); err != nil {
		fklog.Fatalf("metrics: %v", err)
	}

	ln, err := net.Listen("tcp", config.Keys.ListenAddr())
	if err != nil {
		fklog.Fatalf("listen on %s: %v", config.Keys.ListenAddr(), err)
	}

	if config.Keys.IsReplica() {
		host, port, _ := config.Keys.MasterHostPort()
		dialer := &replication.FollowerDialer{
			MasterHost: host,
			MasterPort: port,
			SelfPort:   strconv.Itoa(config.Keys.Port),
			Info:       repl,
		}
		hr, err := dialer.Handshake()
		if err != nil {
			fklog.Fatalf("replication handshake with %s:%s failed: %v", host, port, err)
		}
		fklog.Infof("replication: handshake with %s:%s complete, replid=%s offset=%d",
			host, port, repl.ReplicationID(), repl.ReplOffset())

		go func() {
			err := server.FollowerIngest(dispatcher, hr.Reader, hr.Conn, repl.AddReplOffset)
			if err != nil {
				fklog.Warnf("replication: follower ingest ended: %v", err)
			}
		}()
	}

	if err := taskmanager.Start(kv, repl); err != nil {
		fklog.Fatalf("taskmanager: %v", err)
	}

	var metricsSrv *http.Server
	if config.Keys.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsSrv = &http.Server{Addr: config.Keys.MetricsAddr, Handler: mux}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				fklog.Warnf("metrics: server error: %v", err)
			}
		}()
		fklog.Infof("metrics: serving /metrics on %s", config.Keys.MetricsAddr)
	}

	srv := server.New(dispatcher)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		defer wg.Done()
		<-sigs
		runtimeEnv.SystemdNotify(false, "shutting down")
		cancel()
	}()

	fklog.Infof("fastkeyd: listening on %s (role=%s)", config.Keys.ListenAddr(), repl.Role())
	runtimeEnv.SystemdNotify(true, "running")

	serveErr := srv.Serve(ctx, ln)

	cancel()
	wg.Wait()
	if err := taskmanager.Shutdown(); err != nil {
		fklog.Warnf("taskmanager: shutdown: %v", err)
	}
	if metricsSrv != nil {
		metricsSrv.Close()
	}

	if serveErr != nil {
		fklog.Errorf("fastkeyd: server exited: %v", serveErr)
		os.Exit(1)
	}
	fklog.Info("fastkeyd: clean shutdown complete")
}
