// Copyright (c) fastkeyd authors.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package replication implements the leader and follower halves of §4.F:
// the leader's follower set and command propagation, the follower's
// handshake against a configured master, and the shared WAIT coordination.
package replication

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fastkeyd/fastkeyd/internal/command"
	"github.com/fastkeyd/fastkeyd/internal/resp"
)

// newReplicationID derives a 40-hex-character replication id from a random
// UUID, matching the length Redis-style REPLCONF/PSYNC wire text expects.
func newReplicationID() string {
	a, b := uuid.New(), uuid.New()
	return fmt.Sprintf("%x%x", a[:], b[:])[:40]
}

// FollowerWriter is how the leader writes propagated bytes to a follower
// connection; satisfied by the connection worker. It is the same shape
// package command declares as command.FollowerWriter, reused here directly
// so that *Info satisfies command.ReplInfo without an adapter type.
type FollowerWriter = command.FollowerWriter

// Follower is the leader-side record for one connected replica.
type Follower struct {
	Writer    FollowerWriter
	AckOffset uint64
}

// Info tracks a node's replication role and offset, and implements
// command.ReplInfo so the dispatcher can answer INFO/WAIT/REPLCONF/PSYNC
// without depending on this package's concrete types.
type Info struct {
	mu         sync.Mutex
	role       string // "master" or "slave"
	replID     string
	offset     uint64
	followers  []*Follower

	wait waitState
}

type waitState struct {
	mu            sync.Mutex
	cond          *sync.Cond
	target        int
	acksReceived  int
	completed     bool
}

// NewLeader returns replication Info for a leader node with a fresh
// replication id and zero offset.
func NewLeader() *Info {
	i := &Info{role: "master", replID: newReplicationID()}
	i.wait.cond = sync.NewCond(&i.wait.mu)
	return i
}

// NewFollower returns replication Info for a follower node. The replication
// id is populated once the handshake's FULLRESYNC reply is parsed.
func NewFollower() *Info {
	i := &Info{role: "slave"}
	i.wait.cond = sync.NewCond(&i.wait.mu)
	return i
}

func (i *Info) Role() string { return i.role }

func (i *Info) ReplicationID() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.replID
}

func (i *Info) SetReplicationID(id string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.replID = id
}

func (i *Info) ReplOffset() uint64 {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.offset
}

func (i *Info) SetReplOffset(n uint64) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.offset = n
}

func (i *Info) AddReplOffset(n uint64) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.offset += n
}

// RegisterFollower adds a peer as a follower after PSYNC completes.
func (i *Info) RegisterFollower(w FollowerWriter) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.followers = append(i.followers, &Follower{Writer: w})
}

// PropagateCommand encodes frame once and writes it to every follower,
// dropping any that fail without blocking delivery to the rest. The leader's
// repl_offset advances once per call by the bytes produced, matching "bytes
// produced" rather than summing per-follower writes (see DESIGN.md for the
// rationale — this is the Open Question in §4.F/§9).
func (i *Info) PropagateCommand(frame []byte) {
	i.mu.Lock()
	followers := i.followers
	i.mu.Unlock()

	live := followers[:0:0]
	for _, f := range followers {
		if err := f.Writer.WriteReplicated(frame); err != nil {
			continue
		}
		live = append(live, f)
	}

	i.mu.Lock()
	i.followers = live
	i.offset += uint64(len(frame))
	i.mu.Unlock()
}

// RecordAck bumps acks_received and signals the condition. The reported
// offset is not compared against anything; every ack counts.
func (i *Info) RecordAck(offset uint64) {
	i.wait.mu.Lock()
	i.wait.acksReceived++
	i.wait.cond.Broadcast()
	i.wait.mu.Unlock()
}

// Wait implements §4.F's WAIT: it sends REPLCONF GETACK to every current
// follower, then blocks until acks_received reaches numReplicas or
// timeoutMs elapses.
func (i *Info) Wait(numReplicas int, timeoutMs int) int {
	i.mu.Lock()
	followers := i.followers
	offset := i.offset
	i.mu.Unlock()

	if offset == 0 {
		return len(followers)
	}

	i.wait.mu.Lock()
	i.wait.target = numReplicas
	i.wait.acksReceived = 0
	i.wait.completed = false
	i.wait.mu.Unlock()

	getack := resp.ArrayOfBulkStrings("REPLCONF", "GETACK", "*")
	for _, f := range followers {
		_ = f.Writer.WriteReplicated(getack)
	}

	deadline := time.Now().Add(time.Duration(timeoutMs) * time.Millisecond)
	i.wait.mu.Lock()
	defer i.wait.mu.Unlock()
	for i.wait.acksReceived < numReplicas {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		waitWithTimeout(i.wait.cond, remaining)
	}
	return i.wait.acksReceived
}

// waitWithTimeout wraps sync.Cond.Wait with a timeout by racing it against a
// timer goroutine that issues a spurious broadcast.
func waitWithTimeout(cond *sync.Cond, d time.Duration) {
	timer := time.AfterFunc(d, func() {
		cond.L.Lock()
		cond.Broadcast()
		cond.L.Unlock()
	})
	defer timer.Stop()
	cond.Wait()
}

// FollowerDialer performs the follower-side handshake against a configured
// master, per §4.F.
type FollowerDialer struct {
	MasterHost string
	MasterPort string
	SelfPort   string
	Info       *Info
}

// HandshakeResult carries the connection left open for streaming replicated
// commands after a successful handshake.
type HandshakeResult struct {
	Conn   net.Conn
	Reader io.Reader
}

// Handshake performs the exact byte sequence from §4.F/§6 and returns the
// live connection positioned right after the snapshot body, ready to stream
// replicated commands. Any unexpected reply, closed socket, or timeout
// aborts with an error; callers treat that as fatal per §7.
func (d *FollowerDialer) Handshake() (*HandshakeResult, error) {
	conn, err := net.DialTimeout("tcp", net.JoinHostPort(d.MasterHost, d.MasterPort), 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("replication: dial master: %w", err)
	}

	r := bufio.NewReader(conn)
	p := resp.NewParser()
	p.Strict = false

	send := func(parts ...string) error {
		_, err := conn.Write(resp.ArrayOfBulkStrings(parts...))
		return err
	}
	readFrame := func() (resp.Value, error) {
		for {
			if v, err := p.Next(); err == nil {
				return v, nil
			} else if err != resp.ErrIncomplete {
				return resp.Value{}, err
			}
			buf := make([]byte, 1024)
			n, err := r.Read(buf)
			if err != nil {
				return resp.Value{}, err
			}
			p.Feed(buf[:n])
		}
	}

	if err := send("PING"); err != nil {
		conn.Close()
		return nil, err
	}
	if v, err := readFrame(); err != nil || v.Type != resp.SimpleString {
		conn.Close()
		return nil, fmt.Errorf("replication: handshake PING failed")
	}

	if err := send("REPLCONF", "listening-port", d.SelfPort); err != nil {
		conn.Close()
		return nil, err
	}
	if v, err := readFrame(); err != nil || v.Type != resp.SimpleString {
		conn.Close()
		return nil, fmt.Errorf("replication: handshake REPLCONF listening-port failed")
	}

	if err := send("REPLCONF", "capa", "psync2"); err != nil {
		conn.Close()
		return nil, err
	}
	if v, err := readFrame(); err != nil || v.Type != resp.SimpleString {
		conn.Close()
		return nil, fmt.Errorf("replication: handshake REPLCONF capa failed")
	}

	if err := send("PSYNC", "?", "-1"); err != nil {
		conn.Close()
		return nil, err
	}
	fullresync, err := readFrame()
	if err != nil || fullresync.Type != resp.SimpleString {
		conn.Close()
		return nil, fmt.Errorf("replication: handshake PSYNC failed")
	}
	var replID string
	var offset uint64
	if _, err := fmt.Sscanf(string(fullresync.Str), "FULLRESYNC %s %d", &replID, &offset); err == nil {
		d.Info.SetReplicationID(replID)
		d.Info.SetReplOffset(offset)
	}

	if _, err := readSnapshotBody(p, r); err != nil {
		conn.Close()
		return nil, fmt.Errorf("replication: handshake snapshot body failed: %w", err)
	}

	// p may still hold bytes fed during readSnapshotBody but not consumed
	// byte-by-byte from it (a Read off the wire can return more than the
	// snapshot needed, e.g. the start of the first replicated command
	// arriving in the same segment). Those bytes must not be dropped; they
	// are replayed ahead of r for whatever reads next.
	leftover := append([]byte(nil), p.Peek()...)
	return &HandshakeResult{Conn: conn, Reader: io.MultiReader(bytes.NewReader(leftover), r)}, nil
}

// readSnapshotBody reads the literal "$<len>\r\n" header followed by exactly
// len raw bytes, per §6: unlike an ordinary RESP bulk string, the snapshot
// body carries no trailing CRLF, so the regular frame parser (whose bulk
// decoding requires one) cannot be used here. Bytes already buffered in p
// from earlier Feed calls are consumed first; anything beyond that is read
// directly from r.
func readSnapshotBody(p *resp.Parser, r *bufio.Reader) ([]byte, error) {
	nextByte := func() (byte, error) {
		for p.Buffered() == 0 {
			buf := make([]byte, 1024)
			n, err := r.Read(buf)
			if n > 0 {
				p.Feed(buf[:n])
				continue
			}
			if err != nil {
				return 0, err
			}
		}
		b := p.Peek()[0]
		p.Discard(1)
		return b, nil
	}

	b, err := nextByte()
	if err != nil {
		return nil, err
	}
	if b != '$' {
		return nil, fmt.Errorf("expected '$', got %q", b)
	}

	var lenBuf []byte
	for {
		b, err := nextByte()
		if err != nil {
			return nil, err
		}
		if b == '\r' {
			nb, err := nextByte()
			if err != nil {
				return nil, err
			}
			if nb != '\n' {
				return nil, fmt.Errorf("malformed snapshot length line")
			}
			break
		}
		lenBuf = append(lenBuf, b)
	}

	n, err := strconv.Atoi(string(lenBuf))
	if err != nil || n < 0 {
		return nil, fmt.Errorf("malformed snapshot length %q", lenBuf)
	}

	body := make([]byte, n)
	for i := range body {
		body[i], err = nextByte()
		if err != nil {
			return nil, err
		}
	}
	return body, nil
}
