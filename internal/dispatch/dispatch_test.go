package dispatch

import (
	"context"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/os2200/jdbcsrv/internal/engine/fakeengine"
	"github.com/os2200/jdbcsrv/internal/sgs"
	"github.com/os2200/jdbcsrv/internal/tracefile"
	"github.com/os2200/jdbcsrv/internal/workerpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDispatcher(eng *fakeengine.Engine) (*Dispatcher, *sgs.SGS) {
	s := sgs.New(sgs.Identity{ServerName: "TESTSRV", RunID: "RUN1"}, sgs.ListenerConfig{
		Port:                  0,
		ServerReceiveTimeout:  0,
		ServerSendTimeout:     0,
		DefaultTraceQualifier: "Q$",
		TraceFileMaxCycles:    3,
	}, 1)
	d := New(eng, s, tracefile.NewTable(), "JDBC$")
	return d, s
}

func readResponse(t *testing.T, conn net.Conn) *Response {
	t.Helper()
	hdr := make([]byte, 20)
	_, err := readFull(conn, hdr)
	require.NoError(t, err)
	bodyLen := binary.BigEndian.Uint32(hdr[16:20])
	body := make([]byte, bodyLen)
	_, err = readFull(conn, body)
	require.NoError(t, err)
	return &Response{
		Header: ResponseHeader{
			Magic:        binary.BigEndian.Uint32(hdr[0:4]),
			TaskStatus:   int32(binary.BigEndian.Uint32(hdr[4:8])),
			TaskCodeEcho: TaskCode(int32(binary.BigEndian.Uint32(hdr[8:12]))),
		},
		Body: body,
	}
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func TestServe_CredentialsCheckThenKeepAlive(t *testing.T) {
	eng := fakeengine.New()
	eng.Credentials = map[string]string{"ALICE": "secret"}
	d, s := newTestDispatcher(eng)

	clientConn, serverConn := net.Pipe()
	pool := workerpool.New(1, s)
	w, ok := pool.Acquire(serverConn, 'T', "127.0.0.1")
	require.True(t, ok)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		d.Serve(ctx, w)
		close(done)
	}()

	var body bodyWriter
	body.putString("ALICE")
	body.putString("secret")
	req := buildRequest(t, TaskCredentialsCheck, 0, "", 0, body.bytesOut())
	_, err := clientConn.Write(req)
	require.NoError(t, err)

	resp := readResponse(t, clientConn)
	assert.Equal(t, StatusOK, resp.Header.TaskStatus)

	req2 := buildRequest(t, TaskKeepAlive, 0, "", 0, nil)
	_, err = clientConn.Write(req2)
	require.NoError(t, err)
	resp2 := readResponse(t, clientConn)
	assert.Equal(t, StatusOK, resp2.Header.TaskStatus)

	_ = clientConn.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not exit after client closed")
	}
}

func TestServe_CredentialsCheckFailure_EndsConnection(t *testing.T) {
	eng := fakeengine.New()
	eng.Credentials = map[string]string{"ALICE": "secret"}
	d, s := newTestDispatcher(eng)

	clientConn, serverConn := net.Pipe()
	pool := workerpool.New(1, s)
	w, ok := pool.Acquire(serverConn, 'T', "127.0.0.1")
	require.True(t, ok)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		d.Serve(ctx, w)
		close(done)
	}()

	var body bodyWriter
	body.putString("ALICE")
	body.putString("WRONG")
	req := buildRequest(t, TaskCredentialsCheck, 0, "", 0, body.bytesOut())
	_, err := clientConn.Write(req)
	require.NoError(t, err)

	resp := readResponse(t, clientConn)
	assert.Equal(t, StatusAccessDenied, resp.Header.TaskStatus)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Serve should exit after a failed credentials-check")
	}
	_ = clientConn.Close()
}

func TestServe_BadMagic_RepliesAndKeepsChannelOpen(t *testing.T) {
	eng := fakeengine.New()
	d, s := newTestDispatcher(eng)

	clientConn, serverConn := net.Pipe()
	pool := workerpool.New(1, s)
	w, ok := pool.Acquire(serverConn, 'T', "127.0.0.1")
	require.True(t, ok)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		d.Serve(ctx, w)
		close(done)
	}()

	bad := buildRequest(t, TaskKeepAlive, 0, "", 0, nil)
	bad[0] ^= 0xFF
	_, err := clientConn.Write(bad)
	require.NoError(t, err)

	resp := readResponse(t, clientConn)
	assert.Equal(t, StatusBadMagic, resp.Header.TaskStatus)
	assert.Equal(t, TaskKeepAlive, resp.Header.TaskCodeEcho)

	// The channel must still be open: a subsequent valid request succeeds.
	good := buildRequest(t, TaskKeepAlive, 0, "", 0, nil)
	_, err = clientConn.Write(good)
	require.NoError(t, err)
	resp2 := readResponse(t, clientConn)
	assert.Equal(t, StatusOK, resp2.Header.TaskStatus)

	_ = clientConn.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not exit after client closed")
	}
}

func TestHandle_SectionInvalidRetry(t *testing.T) {
	eng := fakeengine.New()
	eng.FailSectionOnce = true
	d, s := newTestDispatcher(eng)
	pool := workerpool.New(1, s)

	_, serverConn := net.Pipe()
	defer serverConn.Close()
	w, ok := pool.Acquire(serverConn, 'T', "127.0.0.1")
	require.True(t, ok)

	ctx := context.Background()
	th, _, err := eng.BeginThread(ctx, "ALICE", "", "JDBC$")
	require.NoError(t, err)
	sess := &Session{Thread: th}

	var body bodyWriter
	body.putBytes([]byte("stale-section"))
	body.putString("SELECT 1")
	req, err := DecodeRequest(buildRequest(t, TaskExecute, 0, "", 0, body.bytesOut()))
	require.NoError(t, err)

	respBytes, workingOn := d.handle(ctx, w, sess, req)
	assert.True(t, workingOn)

	resp := decodeTestResponse(t, respBytes)
	assert.Equal(t, StatusOK, resp.status)
}

func TestHandle_XAReuseCapRecyclesThread(t *testing.T) {
	eng := fakeengine.New()
	s := sgs.New(sgs.Identity{ServerName: "TESTSRV", RunID: "RUN1"}, sgs.ListenerConfig{
		DefaultTraceQualifier: "Q$",
		TraceFileMaxCycles:    3,
		XAThreadReuse:         2,
	}, 1)
	d := New(eng, s, tracefile.NewTable(), "JDBC$")
	pool := workerpool.New(1, s)

	_, serverConn := net.Pipe()
	defer serverConn.Close()
	w, ok := pool.Acquire(serverConn, 'T', "127.0.0.1")
	require.True(t, ok)

	ctx := context.Background()
	th, _, err := eng.BeginThread(ctx, "ALICE", "SCHEMA1", "JDBC$")
	require.NoError(t, err)
	sess := &Session{Thread: th}
	w.SetThreadIdentity("ALICE", "SCHEMA1")

	commitReq := func() *Request {
		req, err := DecodeRequest(buildRequest(t, TaskCommit, 0, "", 7, nil))
		require.NoError(t, err)
		return req
	}

	_, _ = d.handle(ctx, w, sess, commitReq())
	assert.EqualValues(t, 1, w.XAReuseCount.Load())
	firstThread := sess.Thread

	_, _ = d.handle(ctx, w, sess, commitReq())
	// The configured cap (2) was reached on this second commit: the
	// underlying engine thread must have been recycled and the counter
	// reset rather than left to grow unbounded.
	assert.EqualValues(t, 0, w.XAReuseCount.Load())
	assert.NotEqual(t, firstThread, sess.Thread)
}

func decodeTestResponse(t *testing.T, raw []byte) struct{ status int32 } {
	t.Helper()
	require.GreaterOrEqual(t, len(raw), 20)
	return struct{ status int32 }{status: int32(binary.BigEndian.Uint32(raw[4:8]))}
}
