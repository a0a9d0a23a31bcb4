// Copyright (c) fastkeyd authors.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package config resolves the configuration for a fastkeyd node from CLI
// flags and an optional JSON overlay file (§6).
package config

import (
	"bytes"
	"encoding/json"
	"flag"
	"os"
	"strconv"
	"strings"

	"github.com/fastkeyd/fastkeyd/pkg/fklog"
)

// Config is the fully-resolved runtime configuration for a node.
type Config struct {
	Port       int    `json:"port"`
	Bind       string `json:"bind"`
	Dir        string `json:"dir"`
	DBFilename string `json:"dbfilename"`

	// ReplicaOf holds the raw "<host> <port>" flag value; empty means this
	// node starts as a master.
	ReplicaOf string `json:"replicaof"`

	// MetricsAddr, if non-empty, is the address a Prometheus /metrics
	// endpoint is served on. Ambient; not named by the wire protocol.
	MetricsAddr string `json:"metrics-addr"`
}

// Keys holds the resolved configuration for this process, populated by
// Parse and read by cmd/fastkeyd to wire up the rest of the subsystems.
var Keys = Config{
	Port:       6379,
	Bind:       "127.0.0.1",
	Dir:        "/tmp",
	DBFilename: "dump.rdb",
}

// MasterHostPort splits ReplicaOf into host and port. ok is false if
// ReplicaOf is empty or malformed.
func (c Config) MasterHostPort() (host, port string, ok bool) {
	fields := strings.Fields(c.ReplicaOf)
	if len(fields) != 2 {
		return "", "", false
	}
	return fields[0], fields[1], true
}

// IsReplica reports whether this node was started with --replicaof.
func (c Config) IsReplica() bool {
	_, _, ok := c.MasterHostPort()
	return ok
}

// ListenAddr renders Bind and Port as a net.Listen address.
func (c Config) ListenAddr() string {
	return c.Bind + ":" + strconv.Itoa(c.Port)
}

// Parse reads the CLI flags described in §6 into Keys. An optional
// -config file is applied first, via Init, so that flags explicitly passed
// on the command line always take precedence over the overlay.
func Parse(args []string) error {
	fs := flag.NewFlagSet("fastkeyd", flag.ContinueOnError)

	var configFile string
	fs.StringVar(&configFile, "config", "", "path to an optional JSON config overlay")

	port := fs.Int("port", Keys.Port, "TCP port to listen on")
	bind := fs.String("bind", Keys.Bind, "address to bind the listener to")
	dir := fs.String("dir", Keys.Dir, "directory holding the snapshot file")
	dbfilename := fs.String("dbfilename", Keys.DBFilename, "snapshot filename within --dir")
	replicaof := fs.String("replicaof", "", `"<host> <port>" of a master to replicate from`)
	metricsAddr := fs.String("metrics-addr", Keys.MetricsAddr, "address to serve Prometheus metrics on; empty disables it")

	if err := fs.Parse(args); err != nil {
		return err
	}

	if configFile != "" {
		Init(configFile)
	}

	explicit := map[string]bool{}
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	if explicit["port"] {
		Keys.Port = *port
	}
	if explicit["bind"] {
		Keys.Bind = *bind
	}
	if explicit["dir"] {
		Keys.Dir = *dir
	}
	if explicit["dbfilename"] {
		Keys.DBFilename = *dbfilename
	}
	if explicit["replicaof"] {
		Keys.ReplicaOf = *replicaof
	}
	if explicit["metrics-addr"] {
		Keys.MetricsAddr = *metricsAddr
	}

	fklog.Debugf("config: resolved %+v", Keys)
	return nil
}

// Init loads a JSON overlay file into Keys, validating it against the
// embedded schema first. A missing file is not fatal: the overlay is
// optional. Any other read, validation, or decode failure is fatal, matching
// the teacher project's config-loading behavior.
func Init(flagConfigFile string) {
	raw, err := os.ReadFile(flagConfigFile)
	if err != nil {
		if !os.IsNotExist(err) {
			fklog.Fatalf("config: reading %s: %v", flagConfigFile, err)
		}
		return
	}

	Validate(schemaJSON, raw)

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&Keys); err != nil {
		fklog.Fatalf("config: decoding %s: %v", flagConfigFile, err)
	}
}

// schemaJSON constrains the optional overlay file to the fields Config
// understands.
const schemaJSON = `{
	"type": "object",
	"additionalProperties": false,
	"properties": {
		"port": {"type": "integer", "minimum": 1, "maximum": 65535},
		"bind": {"type": "string"},
		"dir": {"type": "string"},
		"dbfilename": {"type": "string"},
		"replicaof": {"type": "string"},
		"metrics-addr": {"type": "string"}
	}
}`
