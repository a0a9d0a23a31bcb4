package replication

import (
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fastkeyd/fastkeyd/internal/resp"
	"github.com/fastkeyd/fastkeyd/internal/snapshot"
)

type fakeWriter struct {
	mu      sync.Mutex
	written [][]byte
	fail    bool
}

func (w *fakeWriter) WriteReplicated(b []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fail {
		return assert.AnError
	}
	w.written = append(w.written, append([]byte(nil), b...))
	return nil
}

func (w *fakeWriter) RemoteAddr() string { return "127.0.0.1:0" }

func TestNewLeaderHasFortyCharHexReplID(t *testing.T) {
	l := NewLeader()
	assert.Equal(t, "master", l.Role())
	assert.Len(t, l.ReplicationID(), 40)
}

func TestPropagateCommandWritesToEveryFollower(t *testing.T) {
	l := NewLeader()
	w1, w2 := &fakeWriter{}, &fakeWriter{}
	l.RegisterFollower(w1)
	l.RegisterFollower(w2)

	frame := []byte("*1\r\n$4\r\nPING\r\n")
	l.PropagateCommand(frame)

	require.Len(t, w1.written, 1)
	require.Len(t, w2.written, 1)
	assert.Equal(t, frame, w1.written[0])
	assert.Equal(t, uint64(len(frame)), l.ReplOffset())
}

func TestPropagateCommandEvictsFailingFollower(t *testing.T) {
	l := NewLeader()
	good := &fakeWriter{}
	bad := &fakeWriter{fail: true}
	l.RegisterFollower(good)
	l.RegisterFollower(bad)

	l.PropagateCommand([]byte("*1\r\n$4\r\nPING\r\n"))

	l.mu.Lock()
	remaining := len(l.followers)
	l.mu.Unlock()
	assert.Equal(t, 1, remaining)
}

func TestWaitReturnsFollowerCountWhenOffsetZero(t *testing.T) {
	l := NewLeader()
	l.RegisterFollower(&fakeWriter{})
	l.RegisterFollower(&fakeWriter{})
	n := l.Wait(5, 100)
	assert.Equal(t, 2, n)
}

func TestWaitUnblocksOnRecordAck(t *testing.T) {
	l := NewLeader()
	w := &fakeWriter{}
	l.RegisterFollower(w)
	l.AddReplOffset(10) // simulate a prior propagation so offset != 0

	done := make(chan int, 1)
	go func() {
		done <- l.Wait(1, 2000)
	}()

	time.Sleep(20 * time.Millisecond)
	l.RecordAck(10)

	select {
	case n := <-done:
		assert.Equal(t, 1, n)
	case <-time.After(2 * time.Second):
		t.Fatal("Wait did not unblock after RecordAck")
	}
}

func TestWaitTimesOutWithPartialAcks(t *testing.T) {
	l := NewLeader()
	l.RegisterFollower(&fakeWriter{})
	l.AddReplOffset(10)

	start := time.Now()
	n := l.Wait(3, 50)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, 0, n)
}

// TestHandshakeReadsSnapshotBodyWithoutTrailingCRLF drives a real socket
// through the full PING/REPLCONF/PSYNC sequence against a fake master that
// replies with the literal wire bytes from §6 — including a snapshot body
// with no CRLF after it, and a replicated command appended in the very same
// write so it arrives in the same segment as the snapshot. Both of these
// broke the bulk-string-based reader this replaces.
func TestHandshakeReadsSnapshotBodyWithoutTrailingCRLF(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	replicatedCmd := resp.Encode(resp.NewArray([]resp.Value{resp.NewBulkString([]byte("PING"))}))
	replID := strings.Repeat("a", 40)

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		parser := resp.NewParser()
		buf := make([]byte, 1024)
		readFrame := func() {
			for {
				if _, err := parser.Next(); err == nil {
					return
				}
				n, err := conn.Read(buf)
				if err != nil {
					return
				}
				parser.Feed(buf[:n])
			}
		}

		readFrame() // PING
		conn.Write([]byte("+PONG\r\n"))
		readFrame() // REPLCONF listening-port <port>
		conn.Write([]byte("+OK\r\n"))
		readFrame() // REPLCONF capa psync2
		conn.Write([]byte("+OK\r\n"))
		readFrame() // PSYNC ? -1

		reply := []byte("+FULLRESYNC " + replID + " 0\r\n")
		reply = append(reply, '$')
		reply = append(reply, []byte("17")...)
		reply = append(reply, '\r', '\n')
		reply = append(reply, snapshot.EmptySnapshotPayload...)
		reply = append(reply, replicatedCmd...)
		conn.Write(reply)

		time.Sleep(100 * time.Millisecond)
	}()

	_, port, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)

	info := NewFollower()
	dialer := &FollowerDialer{MasterHost: "127.0.0.1", MasterPort: port, SelfPort: "0", Info: info}
	hr, err := dialer.Handshake()
	require.NoError(t, err)
	defer hr.Conn.Close()

	assert.Equal(t, replID, info.ReplicationID())
	assert.Equal(t, uint64(0), info.ReplOffset())

	got := make([]byte, len(replicatedCmd))
	_, err = io.ReadFull(hr.Reader, got)
	require.NoError(t, err)
	assert.Equal(t, replicatedCmd, got)
}
