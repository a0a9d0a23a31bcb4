// Copyright (c) fastkeyd authors.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package metrics exposes Prometheus collectors for the ambient
// observability surface: connected clients, commands processed, replication
// offset, and keyspace size. None of this is named by the command spec
// itself; it is carried as ambient infrastructure the way the teacher
// project instruments its own services.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	ConnectedClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "fastkeyd",
		Name:      "connected_clients",
		Help:      "Number of currently open client connections.",
	})

	CommandsProcessed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fastkeyd",
		Name:      "commands_processed_total",
		Help:      "Total commands dispatched, labeled by command name.",
	}, []string{"command"})

	ReplicationOffset = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "fastkeyd",
		Name:      "replication_offset_bytes",
		Help:      "Current replication offset in bytes.",
	})

	KeyspaceSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "fastkeyd",
		Name:      "keyspace_size",
		Help:      "Number of live entries currently held in the keyspace.",
	})

	ExpiredKeysCleared = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "fastkeyd",
		Name:      "expired_keys_cleared_total",
		Help:      "Total keys removed by the periodic expiry sweep.",
	})
)

// Register adds every collector in this package to reg. Call once at
// startup; a nil reg registers against the default Prometheus registry.
func Register(reg prometheus.Registerer) error {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	for _, c := range []prometheus.Collector{
		ConnectedClients,
		CommandsProcessed,
		ReplicationOffset,
		KeyspaceSize,
		ExpiredKeysCleared,
	} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
