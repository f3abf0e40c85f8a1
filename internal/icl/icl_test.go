package icl

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/os2200/jdbcsrv/internal/sgs"
	"github.com/os2200/jdbcsrv/internal/workerpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSGS(t *testing.T) *sgs.SGS {
	t.Helper()
	return sgs.New(sgs.Identity{ServerName: "TESTSRV"}, sgs.ListenerConfig{Port: 0, Specs: []sgs.ListenSpec{{Mode: 'T'}}}, 2)
}

func TestICL_AcceptsAndDispatches(t *testing.T) {
	s := newTestSGS(t)
	pool := workerpool.New(2, s)

	var dispatched atomic.Int32
	dispatch := func(_ context.Context, w *workerpool.WDE) {
		dispatched.Add(1)
		_ = w.Conn.Close()
	}

	a := New(0, s.Listener.Specs[0], s, pool, dispatch, net.Listen)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	var ln net.Listener
	listenReady := make(chan struct{})

	a.Listen = func(network, address string) (net.Listener, error) {
		l, err := net.Listen(network, address)
		if err == nil {
			ln = l
			close(listenReady)
		}
		return l, err
	}

	go func() {
		defer wg.Done()
		_ = a.Run(ctx)
	}()

	select {
	case <-listenReady:
	case <-time.After(2 * time.Second):
		t.Fatal("listener never started")
	}

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	_ = conn.Close()

	require.Eventually(t, func() bool { return dispatched.Load() == 1 }, time.Second, 10*time.Millisecond)

	a.Shutdown(sgs.ShuttingDownGracefully)
	cancel()
	wg.Wait()
}

func TestICL_ShutdownExitsAcceptLoop(t *testing.T) {
	s := newTestSGS(t)
	pool := workerpool.New(1, s)
	dispatch := func(_ context.Context, w *workerpool.WDE) { _ = w.Conn.Close() }

	a := New(0, s.Listener.Specs[0], s, pool, dispatch, net.Listen)

	ctx := context.Background()
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	a.Shutdown(sgs.ShuttingDownGracefully)

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("ICL did not exit after shutdown")
	}
}

func TestICL_BindFailure_EntersReconnectLoop(t *testing.T) {
	s := newTestSGS(t)
	pool := workerpool.New(1, s)
	dispatch := func(_ context.Context, w *workerpool.WDE) {}

	var attempts atomic.Int32
	badListen := func(network, address string) (net.Listener, error) {
		attempts.Add(1)
		return nil, assertErr{}
	}

	a := New(0, s.Listener.Specs[0], s, pool, dispatch, badListen)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_ = a.Run(ctx)
	assert.GreaterOrEqual(t, attempts.Load(), int32(1))
	assert.NotEmpty(t, s.LastICLError(0))
}

type assertErr struct{}

func (assertErr) Error() string { return "bind refused" }
