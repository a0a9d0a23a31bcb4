// Copyright (c) fastkeyd authors.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package command implements the table-driven dispatcher: command lookup,
// arity enforcement, transaction queueing, and the per-command handlers
// that operate on the keyspace, stream log, and snapshot reader.
package command

import (
	"strconv"
	"strings"
	"time"

	"github.com/fastkeyd/fastkeyd/internal/metrics"
	"github.com/fastkeyd/fastkeyd/internal/resp"
	"github.com/fastkeyd/fastkeyd/internal/snapshot"
	"github.com/fastkeyd/fastkeyd/internal/store"
	"github.com/fastkeyd/fastkeyd/internal/stream"
)

func nowMillis() int64 { return time.Now().UnixMilli() }

// Replicator is the narrow interface the dispatcher needs from §4.F to
// propagate mutations; satisfied by *replication.Info.
type Replicator interface {
	PropagateCommand(frame []byte)
}

// ReplInfo is the narrow interface the dispatcher needs to answer INFO,
// WAIT, REPLCONF, and PSYNC without importing the replication package's
// concrete types.
type ReplInfo interface {
	Role() string
	ReplicationID() string
	ReplOffset() uint64
	Wait(numReplicas int, timeoutMs int) int
	RegisterFollower(w FollowerWriter)
	RecordAck(offset uint64)
}

// FollowerWriter is how the leader writes bytes back to a newly registered
// follower connection; satisfied by the connection worker.
type FollowerWriter interface {
	WriteReplicated(b []byte) error
	RemoteAddr() string
}

// Config is the subset of server configuration commands need to answer
// CONFIG GET and open the snapshot reader.
type Config struct {
	Dir        string
	DBFilename string
}

// Dispatcher holds the shared state a handler may touch.
type Dispatcher struct {
	Store  *store.Store
	Config Config
	Repl   ReplInfo
	Leader Replicator // nil on a follower, or when replication is disabled
	table  map[string]command
}

type handlerFunc func(d *Dispatcher, c *Conn, args [][]byte) resp.Value

type command struct {
	name     string
	handler  handlerFunc
	minArgs  int // including the command name itself
	maxArgs  int // -1 means unbounded
	mutation bool
}

// Conn is the per-connection state the dispatcher needs: transaction queue
// and a flag suppressing replies on the replication ingest path.
type Conn struct {
	InTransaction bool
	Queue         [][][]byte
	SuppressReply bool // true while applying commands streamed from the leader
}

// New returns a Dispatcher with every command from §4.E and the
// supplemented DEL/EXISTS/FLUSHALL registered.
func New(s *store.Store, cfg Config, repl ReplInfo, leader Replicator) *Dispatcher {
	d := &Dispatcher{Store: s, Config: cfg, Repl: repl, Leader: leader}
	d.table = map[string]command{
		"PING":     {"PING", cmdPing, 1, 1, false},
		"ECHO":     {"ECHO", cmdEcho, 2, 2, false},
		"SET":      {"SET", cmdSet, 3, 5, true},
		"GET":      {"GET", cmdGet, 2, 2, false},
		"TYPE":     {"TYPE", cmdType, 2, 2, false},
		"INCR":     {"INCR", cmdIncr, 2, 2, true},
		"DEL":      {"DEL", cmdDel, 2, -1, true},
		"EXISTS":   {"EXISTS", cmdExists, 2, -1, false},
		"FLUSHALL": {"FLUSHALL", cmdFlushAll, 1, 1, true},
		"XADD":     {"XADD", cmdXAdd, 5, -1, true},
		"XRANGE":   {"XRANGE", cmdXRange, 4, 4, false},
		"XREAD":    {"XREAD", cmdXRead, 4, -1, false},
		"MULTI":    {"MULTI", cmdMulti, 1, 1, false},
		"EXEC":     {"EXEC", cmdExec, 1, 1, false},
		"DISCARD":  {"DISCARD", cmdDiscard, 1, 1, false},
		"CONFIG":   {"CONFIG", cmdConfig, 3, 3, false},
		"KEYS":     {"KEYS", cmdKeys, 2, 2, false},
		"INFO":     {"INFO", cmdInfo, 1, 1, false},
		"REPLCONF": {"REPLCONF", cmdReplconf, 2, -1, false},
		"PSYNC":    {"PSYNC", cmdPsyncUnreachable, 3, 3, false},
		"WAIT":     {"WAIT", cmdWait, 3, 3, false},
	}
	return d
}

// Dispatch runs the pre-handler pipeline described in §4.E and returns the
// encoded reply, or nil when the command produces no reply on this channel
// (REPLCONF ACK received by the leader, or any command other than REPLCONF
// applied by its handler on the replication-ingest path with SuppressReply
// set).
func (d *Dispatcher) Dispatch(c *Conn, frame resp.Value, rawFrame []byte) []byte {
	if frame.Type != resp.Array || frame.Null || len(frame.Elems) < 1 {
		return resp.Errorf("ERR invalid request")
	}

	args := make([][]byte, len(frame.Elems))
	for i, e := range frame.Elems {
		if e.Type != resp.BulkString || e.Null {
			return resp.Errorf("ERR invalid request")
		}
		args[i] = e.Bulk
	}

	name := strings.ToUpper(string(args[0]))
	cmd, ok := d.table[name]
	if !ok {
		return resp.Errorf("ERR unknown command '%s'", args[0])
	}
	if len(args) < cmd.minArgs || (cmd.maxArgs != -1 && len(args) > cmd.maxArgs) {
		return resp.Errorf("ERR wrong number of arguments for '%s' command", cmd.name)
	}

	metrics.CommandsProcessed.WithLabelValues(cmd.name).Inc()

	if c.InTransaction && name != "MULTI" && name != "EXEC" && name != "DISCARD" {
		c.Queue = append(c.Queue, args)
		return resp.Encode(resp.NewSimpleString([]byte("QUEUED")))
	}

	// PSYNC's reply is not a standard frame: a SimpleString line immediately
	// followed by a bulk string with no trailing CRLF (§6), so it bypasses
	// the normal resp.Value encode path.
	if name == "PSYNC" {
		// Follower registration happens at the connection-worker level,
		// which owns the connection's writer and can satisfy
		// ReplInfo.RegisterFollower after this reply is written.
		return psyncReply(d)
	}

	reply := cmd.handler(d, c, args)

	if cmd.mutation && d.Leader != nil && !c.SuppressReply {
		d.Leader.PropagateCommand(rawFrame)
	}

	// On the replication-ingest path, replies are suppressed for every
	// command except REPLCONF GETACK, whose REPLCONF ACK reply must still
	// reach the leader (§4.F).
	if c.SuppressReply && name != "REPLCONF" {
		return nil
	}
	if reply.Type == 0 {
		return nil
	}
	return resp.Encode(reply)
}

// psyncReply builds the exact byte sequence from §6:
// "+FULLRESYNC <40-hex id> <offset>\r\n$17\r\n<17 raw bytes>" with no
// trailing CRLF after the snapshot body.
func psyncReply(d *Dispatcher) []byte {
	head := resp.Encode(resp.NewSimpleString([]byte(
		"FULLRESYNC " + d.Repl.ReplicationID() + " " + strconv.FormatUint(d.Repl.ReplOffset(), 10))))
	out := make([]byte, 0, len(head)+4+len(snapshot.EmptySnapshotPayload))
	out = append(out, head...)
	out = append(out, '$')
	out = append(out, []byte(strconv.Itoa(len(snapshot.EmptySnapshotPayload)))...)
	out = append(out, '\r', '\n')
	out = append(out, snapshot.EmptySnapshotPayload...)
	return out
}

func cmdPing(d *Dispatcher, c *Conn, args [][]byte) resp.Value {
	return resp.NewSimpleString([]byte("PONG"))
}

func cmdEcho(d *Dispatcher, c *Conn, args [][]byte) resp.Value {
	return resp.NewBulkString(args[1])
}

func cmdSet(d *Dispatcher, c *Conn, args [][]byte) resp.Value {
	key, value := string(args[0+1]), args[1+1]
	d.Store.Set(key, value)

	if len(args) >= 4 {
		if !strings.EqualFold(string(args[3]), "PX") {
			return resp.NewError([]byte("ERR syntax error"))
		}
		if len(args) != 5 {
			return resp.NewError([]byte("ERR syntax error"))
		}
		ms, err := strconv.ParseInt(string(args[4]), 10, 64)
		if err != nil {
			return resp.NewError([]byte("ERR value is not an integer or out of range"))
		}
		if ms > 0 {
			d.Store.SetExpiry(key, nowMillis()+ms)
		}
	}
	return resp.NewSimpleString([]byte("OK"))
}

func cmdGet(d *Dispatcher, c *Conn, args [][]byte) resp.Value {
	key := string(args[1])
	if v, ok := d.Store.Get(key); ok {
		return resp.NewBulkString(v)
	}
	reader := snapshot.New(d.Config.Dir, d.Config.DBFilename)
	if v, ok := reader.GetValue(key); ok {
		return resp.NewBulkString(v)
	}
	return resp.NewNullBulk()
}

func cmdType(d *Dispatcher, c *Conn, args [][]byte) resp.Value {
	switch d.Store.Type(string(args[1])) {
	case store.TypeString:
		return resp.NewSimpleString([]byte("string"))
	case store.TypeStream:
		return resp.NewSimpleString([]byte("stream"))
	default:
		return resp.NewSimpleString([]byte("none"))
	}
}

func cmdIncr(d *Dispatcher, c *Conn, args [][]byte) resp.Value {
	key := string(args[1])
	v, ok := d.Store.Get(key)
	var n int64
	if ok {
		parsed, err := strconv.ParseInt(string(v), 10, 64)
		if err != nil {
			return resp.NewError([]byte("ERR value is not an integer or out of range"))
		}
		n = parsed
	}
	n++
	d.Store.Set(key, []byte(strconv.FormatInt(n, 10)))
	return resp.NewInteger(n)
}

func cmdDel(d *Dispatcher, c *Conn, args [][]byte) resp.Value {
	var n int64
	for _, k := range args[1:] {
		if d.Store.Delete(string(k)) {
			n++
		}
	}
	return resp.NewInteger(n)
}

func cmdExists(d *Dispatcher, c *Conn, args [][]byte) resp.Value {
	var n int64
	for _, k := range args[1:] {
		if d.Store.Exists(string(k)) {
			n++
		}
	}
	return resp.NewInteger(n)
}

func cmdFlushAll(d *Dispatcher, c *Conn, args [][]byte) resp.Value {
	d.Store.Flush()
	return resp.NewSimpleString([]byte("OK"))
}

func cmdXAdd(d *Dispatcher, c *Conn, args [][]byte) resp.Value {
	key := string(args[1])
	idSpec := string(args[2])
	rest := args[3:]
	if len(rest)%2 != 0 {
		return resp.NewError([]byte("ERR wrong number of arguments for 'xadd' command"))
	}
	fields := make([]stream.Field, 0, len(rest)/2)
	for i := 0; i < len(rest); i += 2 {
		fields = append(fields, stream.Field{Name: string(rest[i]), Value: string(rest[i+1])})
	}
	id, err := d.Store.StreamAdd(key, idSpec, fields)
	if err != nil {
		return resp.NewError([]byte(err.Error()))
	}
	return resp.NewBulkString([]byte(id.String()))
}

func cmdXRange(d *Dispatcher, c *Conn, args [][]byte) resp.Value {
	key := string(args[1])
	start, err := stream.ParseRangeBound(string(args[2]), true)
	if err != nil {
		return resp.NewError([]byte(err.Error()))
	}
	end, err := stream.ParseRangeBound(string(args[3]), false)
	if err != nil {
		return resp.NewError([]byte(err.Error()))
	}

	log, ok := d.Store.GetStream(key)
	if !ok {
		return resp.NewArray(nil)
	}
	entries := log.Range(start, end)
	return encodeEntries(entries)
}

func encodeEntries(entries []stream.Entry) resp.Value {
	elems := make([]resp.Value, len(entries))
	for i, e := range entries {
		pairs := make([]resp.Value, 0, len(e.Fields)*2)
		for _, f := range e.Fields {
			pairs = append(pairs, resp.NewBulkString([]byte(f.Name)), resp.NewBulkString([]byte(f.Value)))
		}
		elems[i] = resp.NewArray([]resp.Value{
			resp.NewBulkString([]byte(e.ID.String())),
			resp.NewArray(pairs),
		})
	}
	return resp.NewArray(elems)
}

func cmdXRead(d *Dispatcher, c *Conn, args [][]byte) resp.Value {
	rest := args[1:]
	blockMs := -1
	if strings.EqualFold(string(rest[0]), "BLOCK") {
		ms, err := strconv.Atoi(string(rest[1]))
		if err != nil {
			return resp.NewError([]byte("ERR timeout is not an integer or out of range"))
		}
		blockMs = ms
		rest = rest[2:]
	}
	if len(rest) == 0 || !strings.EqualFold(string(rest[0]), "STREAMS") {
		return resp.NewError([]byte("ERR syntax error"))
	}
	rest = rest[1:]
	if len(rest)%2 != 0 {
		return resp.NewError([]byte("ERR Unbalanced XREAD list of streams: for each stream key an ID or '$' must be specified."))
	}
	n := len(rest) / 2
	keys := rest[:n]
	ids := rest[n:]

	afterIDs := make([]stream.ID, n)
	logs := make([]*stream.Log, n)
	for i := 0; i < n; i++ {
		key := string(keys[i])
		log, ok := d.Store.GetStream(key)
		logs[i] = log
		spec := string(ids[i])
		if spec == "$" {
			if ok {
				afterIDs[i] = log.LastID()
			}
			continue
		}
		id, err := stream.ParseID(spec)
		if err != nil {
			return resp.NewError([]byte(err.Error()))
		}
		afterIDs[i] = id
	}

	readOnce := func() resp.Value {
		elems := make([]resp.Value, 0, n)
		for i := 0; i < n; i++ {
			if logs[i] == nil {
				continue
			}
			entries := logs[i].After(afterIDs[i])
			if len(entries) == 0 {
				continue
			}
			elems = append(elems, resp.NewArray([]resp.Value{
				resp.NewBulkString(keys[i]),
				encodeEntries(entries),
			}))
		}
		if len(elems) == 0 {
			return resp.Value{} // sentinel: nothing yet
		}
		return resp.NewArray(elems)
	}

	if v := readOnce(); v.Type == resp.Array {
		return v
	}
	if blockMs < 0 {
		return resp.NewNullBulk()
	}

	done := make(chan struct{})
	if blockMs > 0 {
		timer := time.AfterFunc(time.Duration(blockMs)*time.Millisecond, func() { close(done) })
		defer timer.Stop()
	}
	for {
		stream.WaitForData(done)
		if v := readOnce(); v.Type == resp.Array {
			return v
		}
		select {
		case <-done:
			return resp.NewNullBulk()
		default:
		}
	}
}

func cmdMulti(d *Dispatcher, c *Conn, args [][]byte) resp.Value {
	c.InTransaction = true
	return resp.NewSimpleString([]byte("OK"))
}

func cmdExec(d *Dispatcher, c *Conn, args [][]byte) resp.Value {
	if !c.InTransaction {
		return resp.NewError([]byte("ERR EXEC without MULTI"))
	}
	queued := c.Queue
	c.Queue = nil
	c.InTransaction = false

	elems := make([]resp.Value, len(queued))
	for i, qargs := range queued {
		name := strings.ToUpper(string(qargs[0]))
		cmd, ok := d.table[name]
		if !ok {
			elems[i] = resp.NewError([]byte("ERR unknown command '" + string(qargs[0]) + "'"))
			continue
		}
		if len(qargs) < cmd.minArgs || (cmd.maxArgs != -1 && len(qargs) > cmd.maxArgs) {
			elems[i] = resp.NewError([]byte("ERR wrong number of arguments for '" + cmd.name + "' command"))
			continue
		}
		elems[i] = cmd.handler(d, c, qargs)
		if cmd.mutation && d.Leader != nil {
			d.Leader.PropagateCommand(rawFrameOf(qargs))
		}
	}
	return resp.NewArray(elems)
}

func rawFrameOf(args [][]byte) []byte {
	parts := make([]string, len(args))
	for i, a := range args {
		parts[i] = string(a)
	}
	return resp.ArrayOfBulkStrings(parts...)
}

func cmdDiscard(d *Dispatcher, c *Conn, args [][]byte) resp.Value {
	if !c.InTransaction {
		return resp.NewError([]byte("ERR DISCARD without MULTI"))
	}
	c.Queue = nil
	c.InTransaction = false
	return resp.NewSimpleString([]byte("OK"))
}

func cmdConfig(d *Dispatcher, c *Conn, args [][]byte) resp.Value {
	if !strings.EqualFold(string(args[1]), "GET") {
		return resp.NewError([]byte("ERR syntax error"))
	}
	if strings.EqualFold(string(args[2]), "dir") {
		return resp.NewArray([]resp.Value{
			resp.NewBulkString([]byte("dir")),
			resp.NewBulkString([]byte(d.Config.Dir)),
		})
	}
	return resp.NewArray(nil)
}

func cmdKeys(d *Dispatcher, c *Conn, args [][]byte) resp.Value {
	if string(args[1]) != "*" {
		return resp.NewArray(nil)
	}
	reader := snapshot.New(d.Config.Dir, d.Config.DBFilename)
	keys := reader.GetKeys()
	elems := make([]resp.Value, len(keys))
	for i, k := range keys {
		elems[i] = resp.NewBulkString([]byte(k))
	}
	return resp.NewArray(elems)
}

func cmdInfo(d *Dispatcher, c *Conn, args [][]byte) resp.Value {
	body := "role:" + d.Repl.Role() +
		"\r\nmaster_replid:" + d.Repl.ReplicationID() +
		"\r\nmaster_repl_offset:" + strconv.FormatUint(d.Repl.ReplOffset(), 10)
	return resp.NewBulkString([]byte(body))
}

func cmdReplconf(d *Dispatcher, c *Conn, args [][]byte) resp.Value {
	sub := strings.ToUpper(string(args[1]))
	switch sub {
	case "GETACK":
		return resp.NewArray([]resp.Value{
			resp.NewBulkString([]byte("REPLCONF")),
			resp.NewBulkString([]byte("ACK")),
			resp.NewBulkString([]byte(strconv.FormatUint(d.Repl.ReplOffset(), 10))),
		})
	case "ACK":
		if len(args) >= 3 {
			if n, err := strconv.ParseUint(string(args[2]), 10, 64); err == nil {
				d.Repl.RecordAck(n)
			}
		}
		return resp.Value{} // no reply
	case "LISTENING-PORT", "CAPA":
		return resp.NewSimpleString([]byte("OK"))
	default:
		return resp.NewSimpleString([]byte("OK"))
	}
}

// cmdPsyncUnreachable exists only to satisfy the table's handler field;
// Dispatch intercepts PSYNC before invoking any handler, since its reply
// shape is not a standard frame.
func cmdPsyncUnreachable(d *Dispatcher, c *Conn, args [][]byte) resp.Value {
	return resp.NewError([]byte("ERR internal: PSYNC dispatched through handler path"))
}

func cmdWait(d *Dispatcher, c *Conn, args [][]byte) resp.Value {
	numReplicas, err := strconv.Atoi(string(args[1]))
	if err != nil {
		return resp.NewError([]byte("ERR value is not an integer or out of range"))
	}
	timeoutMs, err := strconv.Atoi(string(args[2]))
	if err != nil {
		return resp.NewError([]byte("ERR value is not an integer or out of range"))
	}
	acks := d.Repl.Wait(numReplicas, timeoutMs)
	return resp.NewInteger(int64(acks))
}
