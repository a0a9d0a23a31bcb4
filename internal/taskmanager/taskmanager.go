// Copyright (c) fastkeyd authors.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package taskmanager runs the periodic background jobs a node needs while
// serving traffic: sweeping expired keys out of the keyspace and refreshing
// the gauges exported under internal/metrics.
package taskmanager

import (
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/fastkeyd/fastkeyd/internal/metrics"
	"github.com/fastkeyd/fastkeyd/internal/replication"
	"github.com/fastkeyd/fastkeyd/internal/store"
	"github.com/fastkeyd/fastkeyd/pkg/fklog"
)

const sweepInterval = 1 * time.Second

var s gocron.Scheduler

// Start creates and starts the scheduler, registering the expiry-sweep job
// against kv. repl may be nil, in which case the replication offset gauge is
// left at zero.
func Start(kv *store.Store, repl *replication.Info) error {
	var err error
	s, err = gocron.NewScheduler()
	if err != nil {
		return err
	}

	if _, err := s.NewJob(gocron.DurationJob(sweepInterval),
		gocron.NewTask(func() {
			cleared := kv.ClearExpired()
			if cleared > 0 {
				metrics.ExpiredKeysCleared.Add(float64(cleared))
				fklog.Debugf("taskmanager: cleared %d expired keys", cleared)
			}
			metrics.KeyspaceSize.Set(float64(kv.Len()))
			if repl != nil {
				metrics.ReplicationOffset.Set(float64(repl.ReplOffset()))
			}
		})); err != nil {
		return err
	}

	s.Start()
	return nil
}

// Shutdown stops the scheduler, waiting for any in-flight job to finish.
func Shutdown() error {
	if s == nil {
		return nil
	}
	return s.Shutdown()
}
