// Copyright (c) fastkeyd authors.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package server implements the connection worker and the listener that
// drives it: a fixed-size pool of goroutines, each owning one accepted
// connection end-to-end (§4.G), plus the follower ingest loop used when this
// node replicates from a master.
package server

import (
	"context"
	"fmt"
	"io"
	"net"
	"strings"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/fastkeyd/fastkeyd/internal/command"
	"github.com/fastkeyd/fastkeyd/internal/metrics"
	"github.com/fastkeyd/fastkeyd/internal/resp"
	"github.com/fastkeyd/fastkeyd/pkg/fklog"
)

const (
	readChunk       = 1024 // 1 KiB scratch buffer per read, per §4.G
	defaultPoolSize = 8
)

// Server owns the listener and the worker pool that services accepted
// connections.
type Server struct {
	Dispatcher *command.Dispatcher
	PoolSize   int

	// RateLimit caps bytes/sec read per connection; zero disables limiting.
	// Wired via golang.org/x/time/rate as a defensive ambient concern, not a
	// behavior named in the command spec itself.
	RateLimit rate.Limit
}

// New returns a Server with the spec's default pool size.
func New(d *command.Dispatcher) *Server {
	return &Server{Dispatcher: d, PoolSize: defaultPoolSize}
}

// Serve accepts connections on ln until ctx is cancelled or Accept fails,
// running each connection's worker loop on a bounded goroutine pool
// coordinated with errgroup so a clean shutdown can wait for in-flight
// connections to drain.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	g, ctx := errgroup.WithContext(ctx)
	sem := make(chan struct{}, s.poolSize())

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return g.Wait()
			default:
			}
			return err
		}

		sem <- struct{}{}
		g.Go(func() error {
			defer func() { <-sem }()
			s.serveConn(conn)
			return nil
		})
	}
}

func (s *Server) poolSize() int {
	if s.PoolSize <= 0 {
		return defaultPoolSize
	}
	return s.PoolSize
}

// conn adapts one net.Conn into the connection-worker loop and implements
// command.FollowerWriter so the dispatcher/replication package can write
// propagated bytes directly back through it after PSYNC registers it as a
// follower.
type conn struct {
	nc      net.Conn
	limiter *rate.Limiter
}

func (c *conn) WriteReplicated(b []byte) error {
	_, err := c.nc.Write(b)
	return err
}

func (c *conn) RemoteAddr() string {
	return c.nc.RemoteAddr().String()
}

// serveConn runs the read/parse/dispatch/write loop from §4.G until EOF,
// parser error, or write failure, then cleans up the connection.
func (s *Server) serveConn(nc net.Conn) {
	c := &conn{nc: nc}
	if s.RateLimit > 0 {
		c.limiter = rate.NewLimiter(s.RateLimit, readChunk)
	}
	defer nc.Close()

	metrics.ConnectedClients.Inc()
	defer metrics.ConnectedClients.Dec()

	parser := resp.NewParser()
	dconn := &command.Conn{}
	scratch := make([]byte, readChunk)

	fklog.Debugf("server: accepted connection from %s", c.RemoteAddr())

	for {
		n, err := nc.Read(scratch)
		if n > 0 {
			if c.limiter != nil {
				_ = c.limiter.WaitN(context.Background(), n)
			}
			parser.Feed(scratch[:n])

			for {
				frame, perr := parser.Next()
				if perr == resp.ErrIncomplete {
					break
				}
				if perr != nil {
					fklog.Warnf("server: protocol error from %s: %v", c.RemoteAddr(), perr)
					return
				}

				raw := resp.Encode(frame)
				reply := s.Dispatcher.Dispatch(dconn, frame, raw)
				if reply != nil {
					if _, werr := nc.Write(reply); werr != nil {
						fklog.Warnf("server: write failure to %s: %v", c.RemoteAddr(), werr)
						return
					}
				}

				if isPsync(frame) && s.Dispatcher.Repl != nil {
					s.Dispatcher.Repl.RegisterFollower(c)
					fklog.Infof("server: registered %s as a replication follower", c.RemoteAddr())
				}
			}
		}
		if err != nil {
			return // EOF or any other read error ends the connection cleanly
		}
		if n == 0 {
			return
		}
	}
}

// isPsync reports whether frame is a client PSYNC command, used to decide
// when a connection should be registered as a replication follower.
func isPsync(frame resp.Value) bool {
	if frame.Type != resp.Array || len(frame.Elems) == 0 {
		return false
	}
	first := frame.Elems[0]
	if first.Type != resp.BulkString || first.Null {
		return false
	}
	return strings.EqualFold(string(first.Bulk), "PSYNC")
}

// FollowerIngest drives the follower side of replication: it reads commands
// streamed by the master over r (the handshake's HandshakeResult.Reader,
// which replays any bytes the handshake already buffered past the snapshot
// boundary ahead of the raw connection, so nothing is lost), applies them via
// the dispatcher with replies suppressed, and writes back only the REPLCONF
// ACK replies the dispatcher produces for REPLCONF GETACK. Replies are
// written to w, which is ordinarily the same net.Conn r wraps.
func FollowerIngest(d *command.Dispatcher, r io.Reader, w io.Writer, offsetAdd func(n uint64)) error {
	parser := resp.NewParser()
	parser.Strict = false

	dconn := &command.Conn{SuppressReply: true}
	scratch := make([]byte, readChunk)

	for {
		for {
			frame, perr := parser.Next()
			if perr == resp.ErrIncomplete {
				break
			}
			if perr != nil {
				return fmt.Errorf("server: follower ingest protocol error: %w", perr)
			}

			raw := resp.Encode(frame)
			reply := d.Dispatch(dconn, frame, raw)
			offsetAdd(uint64(len(raw)))
			if reply != nil {
				if _, err := w.Write(reply); err != nil {
					return fmt.Errorf("server: follower ACK write failed: %w", err)
				}
			}
		}

		n, err := r.Read(scratch)
		if n > 0 {
			parser.Feed(scratch[:n])
		}
		if err != nil {
			return err
		}
	}
}
