package command

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fastkeyd/fastkeyd/internal/resp"
	"github.com/fastkeyd/fastkeyd/internal/store"
)

type fakeRepl struct {
	role       string
	replID     string
	offset     uint64
	waitResult int
	acks       []uint64
}

func (f *fakeRepl) Role() string           { return f.role }
func (f *fakeRepl) ReplicationID() string  { return f.replID }
func (f *fakeRepl) ReplOffset() uint64     { return f.offset }
func (f *fakeRepl) Wait(n, timeoutMs int) int {
	return f.waitResult
}
func (f *fakeRepl) RegisterFollower(w FollowerWriter) {}
func (f *fakeRepl) RecordAck(offset uint64)            { f.acks = append(f.acks, offset) }

type fakeLeader struct {
	propagated [][]byte
}

func (f *fakeLeader) PropagateCommand(frame []byte) {
	f.propagated = append(f.propagated, frame)
}

func newTestDispatcher() (*Dispatcher, *fakeRepl, *fakeLeader) {
	repl := &fakeRepl{role: "master", replID: "0123456789012345678901234567890123456789"}
	leader := &fakeLeader{}
	d := New(store.New(), Config{Dir: "/tmp", DBFilename: "dump.rdb"}, repl, leader)
	return d, repl, leader
}

func sendCommand(t *testing.T, d *Dispatcher, c *Conn, parts ...string) resp.Value {
	t.Helper()
	raw := resp.ArrayOfBulkStrings(parts...)
	p := resp.NewParser()
	p.Feed(raw)
	frame, err := p.Next()
	require.NoError(t, err)

	reply := d.Dispatch(c, frame, raw)
	if reply == nil {
		return resp.Value{}
	}
	rp := resp.NewParser()
	rp.Strict = false
	rp.Feed(reply)
	v, err := rp.Next()
	require.NoError(t, err)
	return v
}

func TestPing(t *testing.T) {
	d, _, _ := newTestDispatcher()
	c := &Conn{}
	v := sendCommand(t, d, c, "PING")
	assert.Equal(t, "PONG", string(v.Str))
}

func TestSetGetRoundTrip(t *testing.T) {
	d, _, _ := newTestDispatcher()
	c := &Conn{}
	v := sendCommand(t, d, c, "SET", "foo", "bar")
	assert.Equal(t, "OK", string(v.Str))

	v = sendCommand(t, d, c, "GET", "foo")
	assert.Equal(t, "bar", string(v.Bulk))
}

func TestGetMissingReturnsNullBulk(t *testing.T) {
	d, _, _ := newTestDispatcher()
	c := &Conn{}
	v := sendCommand(t, d, c, "GET", "nope")
	assert.True(t, v.IsNullBulk())
}

func TestSetWithPXExpiresAfterDeadline(t *testing.T) {
	d, _, _ := newTestDispatcher()
	c := &Conn{}
	sendCommand(t, d, c, "SET", "foo", "bar", "PX", "1")
	time.Sleep(5 * time.Millisecond)
	v := sendCommand(t, d, c, "GET", "foo")
	assert.True(t, v.IsNullBulk())
}

func TestIncrFromAbsentKey(t *testing.T) {
	d, _, _ := newTestDispatcher()
	c := &Conn{}
	v := sendCommand(t, d, c, "INCR", "counter")
	assert.Equal(t, int64(1), v.Int)
}

func TestIncrNonNumericIsError(t *testing.T) {
	d, _, _ := newTestDispatcher()
	c := &Conn{}
	sendCommand(t, d, c, "SET", "k", "notanumber")
	v := sendCommand(t, d, c, "INCR", "k")
	assert.Equal(t, resp.Error, v.Type)
	assert.Contains(t, string(v.Str), "not an integer")
}

func TestUnknownCommand(t *testing.T) {
	d, _, _ := newTestDispatcher()
	c := &Conn{}
	v := sendCommand(t, d, c, "BOGUS")
	assert.Equal(t, resp.Error, v.Type)
}

func TestArityEnforced(t *testing.T) {
	d, _, _ := newTestDispatcher()
	c := &Conn{}
	v := sendCommand(t, d, c, "SET", "onlykey")
	assert.Equal(t, resp.Error, v.Type)
	assert.Contains(t, string(v.Str), "wrong number of arguments")
}

func TestTransactionQueueAndExec(t *testing.T) {
	d, _, _ := newTestDispatcher()
	c := &Conn{}

	v := sendCommand(t, d, c, "MULTI")
	assert.Equal(t, "OK", string(v.Str))

	v = sendCommand(t, d, c, "SET", "a", "1")
	assert.Equal(t, "QUEUED", string(v.Str))

	v = sendCommand(t, d, c, "INCR", "a")
	assert.Equal(t, "QUEUED", string(v.Str))

	v = sendCommand(t, d, c, "EXEC")
	require.Equal(t, resp.Array, v.Type)
	require.Len(t, v.Elems, 2)
	assert.False(t, c.InTransaction)

	got, ok := d.Store.Get("a")
	require.True(t, ok)
	assert.Equal(t, "2", string(got))
}

func TestExecWithoutMultiIsError(t *testing.T) {
	d, _, _ := newTestDispatcher()
	c := &Conn{}
	v := sendCommand(t, d, c, "EXEC")
	assert.Equal(t, resp.Error, v.Type)
	assert.Contains(t, string(v.Str), "EXEC without MULTI")
}

func TestDiscardWithoutMultiIsError(t *testing.T) {
	d, _, _ := newTestDispatcher()
	c := &Conn{}
	v := sendCommand(t, d, c, "DISCARD")
	assert.Equal(t, resp.Error, v.Type)
	assert.Contains(t, string(v.Str), "DISCARD without MULTI")
}

func TestDiscardClearsQueue(t *testing.T) {
	d, _, _ := newTestDispatcher()
	c := &Conn{}
	sendCommand(t, d, c, "MULTI")
	sendCommand(t, d, c, "SET", "a", "1")
	v := sendCommand(t, d, c, "DISCARD")
	assert.Equal(t, "OK", string(v.Str))
	assert.False(t, c.InTransaction)
	assert.Empty(t, c.Queue)

	_, ok := d.Store.Get("a")
	assert.False(t, ok)
}

func TestFailureInsideTransactionDoesNotAbortBatch(t *testing.T) {
	d, _, _ := newTestDispatcher()
	c := &Conn{}
	sendCommand(t, d, c, "MULTI")
	sendCommand(t, d, c, "SET", "k", "notanumber")
	sendCommand(t, d, c, "INCR", "k")
	sendCommand(t, d, c, "PING")
	v := sendCommand(t, d, c, "EXEC")
	require.Len(t, v.Elems, 3)
	assert.Equal(t, resp.SimpleString, v.Elems[0].Type)
	assert.Equal(t, resp.Error, v.Elems[1].Type)
	assert.Equal(t, resp.SimpleString, v.Elems[2].Type)
}

func TestMutationPropagatesToLeader(t *testing.T) {
	d, _, leader := newTestDispatcher()
	c := &Conn{}
	sendCommand(t, d, c, "SET", "a", "1")
	require.Len(t, leader.propagated, 1)
}

func TestReadOnlyDoesNotPropagate(t *testing.T) {
	d, _, leader := newTestDispatcher()
	c := &Conn{}
	sendCommand(t, d, c, "GET", "a")
	assert.Empty(t, leader.propagated)
}

func TestConfigGetDir(t *testing.T) {
	d, _, _ := newTestDispatcher()
	c := &Conn{}
	v := sendCommand(t, d, c, "CONFIG", "GET", "dir")
	require.Len(t, v.Elems, 2)
	assert.Equal(t, "dir", string(v.Elems[0].Bulk))
	assert.Equal(t, "/tmp", string(v.Elems[1].Bulk))
}

func TestConfigGetOtherParamIsEmptyArray(t *testing.T) {
	d, _, _ := newTestDispatcher()
	c := &Conn{}
	v := sendCommand(t, d, c, "CONFIG", "GET", "maxmemory")
	assert.Empty(t, v.Elems)
}

func TestDelAndExists(t *testing.T) {
	d, _, _ := newTestDispatcher()
	c := &Conn{}
	sendCommand(t, d, c, "SET", "a", "1")
	sendCommand(t, d, c, "SET", "b", "2")

	v := sendCommand(t, d, c, "EXISTS", "a", "b", "missing")
	assert.Equal(t, int64(2), v.Int)

	v = sendCommand(t, d, c, "DEL", "a", "missing")
	assert.Equal(t, int64(1), v.Int)

	v = sendCommand(t, d, c, "EXISTS", "a")
	assert.Equal(t, int64(0), v.Int)
}

func TestFlushAll(t *testing.T) {
	d, _, _ := newTestDispatcher()
	c := &Conn{}
	sendCommand(t, d, c, "SET", "a", "1")
	v := sendCommand(t, d, c, "FLUSHALL")
	assert.Equal(t, "OK", string(v.Str))
	assert.Equal(t, 0, d.Store.Len())
}

func TestXAddAndXRange(t *testing.T) {
	d, _, _ := newTestDispatcher()
	c := &Conn{}
	v := sendCommand(t, d, c, "XADD", "events", "1-1", "field", "value")
	assert.Equal(t, "1-1", string(v.Bulk))

	v = sendCommand(t, d, c, "XRANGE", "events", "-", "+")
	require.Len(t, v.Elems, 1)
	assert.Equal(t, "1-1", string(v.Elems[0].Elems[0].Bulk))
}

func TestWaitRepliesWithReplInfoAckCount(t *testing.T) {
	d, repl, _ := newTestDispatcher()
	repl.waitResult = 3
	c := &Conn{}
	v := sendCommand(t, d, c, "WAIT", "3", "100")
	assert.Equal(t, int64(3), v.Int)
}

func TestInfoReportsRole(t *testing.T) {
	d, _, _ := newTestDispatcher()
	c := &Conn{}
	v := sendCommand(t, d, c, "INFO")
	assert.Contains(t, string(v.Bulk), "role:master")
}

func TestReplconfAckRecordsAndHasNoReply(t *testing.T) {
	d, repl, _ := newTestDispatcher()
	c := &Conn{}
	raw := resp.ArrayOfBulkStrings("REPLCONF", "ACK", "42")
	p := resp.NewParser()
	p.Feed(raw)
	frame, _ := p.Next()
	reply := d.Dispatch(c, frame, raw)
	assert.Nil(t, reply)
	require.Len(t, repl.acks, 1)
	assert.Equal(t, uint64(42), repl.acks[0])
}
