package console

import (
	"bytes"
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/os2200/jdbcsrv/internal/sgs"
	"github.com/os2200/jdbcsrv/internal/tracefile"
	"github.com/os2200/jdbcsrv/internal/workerpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHandler(t *testing.T) (*Handler, *sgs.SGS, *workerpool.Pool) {
	t.Helper()
	s := sgs.New(sgs.Identity{ServerName: "TESTSRV"}, sgs.ListenerConfig{
		Specs: []sgs.ListenSpec{{Mode: 'T'}},
		Port:  8123,
	}, 2)
	pool := workerpool.New(2, s)
	h := New(s, pool, tracefile.NewTable(), nil, &bytes.Buffer{})
	return h, s, pool
}

func TestExecute_ShutdownGracefully(t *testing.T) {
	h, s, _ := newTestHandler(t)
	reply := h.Execute("SHUTDOWN GR")
	assert.Contains(t, reply, "SHUTDOWN-GRACEFULLY")
	assert.Equal(t, sgs.ShuttingDownGracefully, s.ShutdownState())
	for _, slot := range s.ICLs {
		assert.Equal(t, sgs.ShuttingDownGracefully, slot.ShutdownState())
	}
}

func TestExecute_ShutdownMonotonic(t *testing.T) {
	h, s, _ := newTestHandler(t)
	require.Equal(t, sgs.Active, s.ShutdownState())

	h.Execute("SHUTDOWN IM")
	assert.Equal(t, sgs.ShuttingDownImmediately, s.ShutdownState())

	reply := h.Execute("SHUTDOWN GR")
	assert.Contains(t, reply, "unchanged")
	assert.Equal(t, sgs.ShuttingDownImmediately, s.ShutdownState())
}

func TestExecute_TermBareIsImmediate(t *testing.T) {
	h, s, _ := newTestHandler(t)
	h.Execute("TERM")
	assert.Equal(t, sgs.ShuttingDownImmediately, s.ShutdownState())
}

func TestExecute_Abort(t *testing.T) {
	h, s, _ := newTestHandler(t)
	reply := h.Execute("ABORT")
	assert.Contains(t, reply, "ABORT acknowledged")
	assert.Equal(t, sgs.Terminated, s.ShutdownState())
}

func TestExecute_ShutdownWorkerByID(t *testing.T) {
	h, _, pool := newTestHandler(t)
	_, serverConn := net.Pipe()
	defer serverConn.Close()
	w, ok := pool.Acquire(serverConn, 'T', "127.0.0.1")
	require.True(t, ok)

	reply := h.Execute("SHUTDOWN WORKER 1")
	assert.Contains(t, reply, "shutdown requested")
	assert.Equal(t, workerpool.WorkerShutdownGracefully, w.ShutdownState())
}

func TestExecute_ShutdownWorkerUnknown(t *testing.T) {
	h, _, _ := newTestHandler(t)
	reply := h.Execute("SHUTDOWN WORKER 99")
	assert.Contains(t, reply, "no such worker")
}

func TestExecute_DisplayStatusAll(t *testing.T) {
	h, _, _ := newTestHandler(t)
	reply := h.Execute("DISPLAY STATUS ALL")
	assert.Contains(t, reply, "pool_ok=true")
}

func TestExecute_StatusAlias(t *testing.T) {
	h, _, _ := newTestHandler(t)
	reply := h.Execute("STATUS")
	assert.Contains(t, reply, "free=2")
}

func TestExecute_SetServerReceiveTimeout(t *testing.T) {
	h, s, _ := newTestHandler(t)
	reply := h.Execute("SET SERVER RECEIVE TIMEOUT 5000")
	assert.Equal(t, "SET acknowledged", reply)
	d, ok := s.ApplyPostedReceiveTimeout()
	require.True(t, ok)
	assert.Equal(t, 5*time.Second, d)
}

func TestExecute_SetInvalidValue(t *testing.T) {
	h, _, _ := newTestHandler(t)
	reply := h.Execute("SET SERVER RECEIVE TIMEOUT notanumber")
	assert.Equal(t, "invalid value", reply)
}

func TestExecute_ClearCounters(t *testing.T) {
	h, s, _ := newTestHandler(t)
	s.TotalClients.Store(10)
	s.TotalRequests.Store(20)
	reply := h.Execute("CLEAR CLIENTS REQUESTS")
	assert.Equal(t, int64(0), s.TotalClients.Load())
	assert.Equal(t, int64(0), s.TotalRequests.Load())
	assert.Contains(t, reply, "CLIENTS")
	assert.Contains(t, reply, "REQUESTS")
}

func TestExecute_ClearUnknownCounter(t *testing.T) {
	h, _, _ := newTestHandler(t)
	reply := h.Execute("CLEAR BOGUS")
	assert.Contains(t, reply, "unknown counter")
}

func TestExecute_TurnOnOff(t *testing.T) {
	h, s, _ := newTestHandler(t)
	h.Execute("TURN BRIEF ON")
	level, ok := s.ApplyPostedDebugLevel()
	require.True(t, ok)
	assert.NotZero(t, level)

	h.Execute("TURN BRIEF OFF")
	_, ok = s.ApplyPostedDebugLevel()
	assert.False(t, ok)
}

func TestExecute_Help(t *testing.T) {
	h, _, _ := newTestHandler(t)
	reply := h.Execute("HELP")
	assert.Contains(t, reply, "SHUTDOWN")
}

func TestExecute_InvalidCommand(t *testing.T) {
	h, _, _ := newTestHandler(t)
	assert.Equal(t, "invalid command", h.Execute("BOGUSCMD"))
}

func TestExecute_BlankLine(t *testing.T) {
	h, _, _ := newTestHandler(t)
	assert.Equal(t, "", h.Execute("   "))
}

func TestRun_ReadsLinesAndStopsOnEOF(t *testing.T) {
	h, _, _ := newTestHandler(t)
	in := strings.NewReader("STATUS\nHELP\n")
	out := &bytes.Buffer{}
	h.In = in
	h.Out = out

	done := make(chan error, 1)
	go func() { done <- h.Run(context.Background()) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not exit on EOF")
	}
	assert.Contains(t, out.String(), "free=2")
}
