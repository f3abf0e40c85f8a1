// Package icl implements the Initial Connection Listener: one activity
// per configured transport mode that owns a listening socket, accepts
// clients, and hands each to a worker (spec.md §4.1).
package icl

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/os2200/jdbcsrv/internal/metrics"
	"github.com/os2200/jdbcsrv/internal/sgs"
	"github.com/os2200/jdbcsrv/internal/transport"
	"github.com/os2200/jdbcsrv/internal/workerpool"
)

// suppressAfter is K from spec.md §7's repeated-error suppression rule:
// after this many consecutive identical reconnect failures, further
// identical statuses are not logged until a different one appears.
const suppressAfter = 5

// Listen abstracts net.Listen so tests can substitute an in-memory
// listener factory without binding a real port.
type Listen func(network, address string) (net.Listener, error)

// Dispatch is called once per accepted connection with a freshly leased
// WDE; it owns the connection until it returns, after which ICL releases
// the worker back to the pool.
type Dispatch func(ctx context.Context, w *workerpool.WDE)

// ICL is one Initial Connection Listener activity.
type ICL struct {
	Index   int
	Spec    sgs.ListenSpec
	SGS     *sgs.SGS
	Pool    *workerpool.Pool
	Dispatch Dispatch
	Listen  Listen

	logger *slog.Logger
}

// New constructs an ICL for the given configured slot index. If listen is
// nil, net.Listen is used.
func New(index int, spec sgs.ListenSpec, s *sgs.SGS, pool *workerpool.Pool, dispatch Dispatch, listen Listen) *ICL {
	if listen == nil {
		listen = net.Listen
	}
	return &ICL{
		Index:    index,
		Spec:     spec,
		SGS:      s,
		Pool:     pool,
		Dispatch: dispatch,
		Listen:   listen,
		logger:   slog.With("component", "icl", "icl_index", index),
	}
}

func (a *ICL) slot() *sgs.ICLSlot {
	return a.SGS.ICLs[a.Index]
}

func (a *ICL) network() string {
	if a.Spec.Mode == '6' {
		return "tcp6"
	}
	return "tcp"
}

// Run is the ICL's main loop (spec.md §4.1): bind, accept in a loop,
// dispatch each connection to a leased worker, and reconnect with bounded
// backoff on transport-down statuses. It returns when ctx is cancelled or
// the server-wide/per-ICL shutdown state leaves Active.
func (a *ICL) Run(ctx context.Context) error {
	bo := newReconnectBackoff()
	var lastErr string
	var suppressed int

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if a.shuttingDown() {
			return nil
		}

		ln, err := a.bind()
		if err != nil {
			a.noteReconnectError(err.Error(), &lastErr, &suppressed)
			if !a.sleepBackoff(ctx, bo) {
				return ctx.Err()
			}
			continue
		}

		addr := ln.Addr().String()
		a.SGS.SetLastICLError(a.Index, "")
		a.logger.Info("listening", "addr", addr)

		runErr := a.acceptLoop(ctx, ln)
		_ = ln.Close()

		if runErr == nil || errors.Is(runErr, context.Canceled) {
			return nil
		}
		if errors.Is(runErr, errShutdown) {
			return nil
		}

		a.noteReconnectError(runErr.Error(), &lastErr, &suppressed)
		bo.Reset()
		if !a.sleepBackoff(ctx, bo) {
			return ctx.Err()
		}
	}
}

var errShutdown = errors.New("icl: shutdown requested")

func (a *ICL) bind() (net.Listener, error) {
	addr := fmt.Sprintf("%s:%d", a.Spec.Host, a.SGS.Listener.Port)
	ln, err := a.Listen(a.network(), addr)
	if err != nil {
		return nil, fmt.Errorf("icl: bind %s: %w", addr, err)
	}
	return ln, nil
}

func (a *ICL) shuttingDown() bool {
	return a.slot().ShutdownState() != sgs.Active || a.SGS.ShutdownState() != sgs.Active
}

// acceptLoop repeatedly accepts connections until a terminal condition:
// shutdown, a transport error, or context cancellation (spec.md §4.1's
// main-loop outcomes a/b/c/d).
func (a *ICL) acceptLoop(ctx context.Context, ln net.Listener) error {
	for {
		a.applyPostedValues()

		if a.shuttingDown() {
			return errShutdown
		}

		select {
		case <-a.slot().Wake():
			continue
		default:
		}

		conn, err := transport.Accept(ctx, ln)
		switch {
		case err == nil:
			a.handleAccepted(ctx, conn)
		case errors.Is(err, transport.ErrTimeout):
			continue
		case errors.Is(err, transport.ErrUserEvent):
			if ctx.Err() != nil {
				return nil
			}
			continue
		case errors.Is(err, context.Canceled):
			return nil
		default:
			return fmt.Errorf("icl: accept: %w", err)
		}
	}
}

func (a *ICL) handleAccepted(ctx context.Context, conn net.Conn) {
	w, ok := a.Pool.Acquire(conn, a.Spec.Mode, transport.PeerIP(conn))
	if !ok {
		a.logger.Warn("no free worker, rejecting client", "peer", transport.PeerIP(conn))
		_ = transport.Close(conn)
		return
	}
	go func() {
		defer a.Pool.Release(w)
		a.Dispatch(ctx, w)
	}()
}

// applyPostedValues reads the posted receive/send timeouts and debug level
// on every accept-loop pass. The Go net.Listener exposes no per-socket
// timeout knob, so nothing is applied here: the dispatcher reads the
// posted timeouts itself before each receive and send, and the posted
// debug level is not applied to the listener, to any worker's debug flags,
// or to the log level.
func (a *ICL) applyPostedValues() {
	if _, ok := a.SGS.ApplyPostedReceiveTimeout(); ok {
		// Nothing further to converge here: the dispatcher reads the
		// posted value directly for each receive.
	}
	if _, ok := a.SGS.ApplyPostedSendTimeout(); ok {
	}
	if _, ok := a.SGS.ApplyPostedDebugLevel(); ok {
	}
}

func (a *ICL) noteReconnectError(msg string, lastErr *string, suppressed *int) {
	a.SGS.SetLastICLError(a.Index, msg)
	metrics.ICLReconnectsTotal.WithLabelValues(strconv.Itoa(a.Index)).Inc()
	if msg == *lastErr {
		*suppressed++
		if *suppressed >= suppressAfter {
			return
		}
	} else {
		*lastErr = msg
		*suppressed = 0
	}
	a.logger.Warn("transport error, entering reconnect", "error", msg, "suppressed_count", *suppressed)
}

func (a *ICL) sleepBackoff(ctx context.Context, bo backoff.BackOff) bool {
	next := bo.NextBackOff()
	select {
	case <-ctx.Done():
		return false
	case <-time.After(next):
		return true
	case <-a.slot().Wake():
		return true
	}
}

// newReconnectBackoff mirrors the teacher's 1s-to-60s exponential policy
// (internal/worker/hub/backoff.go), retargeted from outbound RPC
// reconnects to listen-socket rebinding.
func newReconnectBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = 60 * time.Second
	b.Multiplier = 2.0
	b.RandomizationFactor = 0.2
	b.Reset()
	return b
}

// Shutdown advances this ICL's own shutdown-state field and wakes its
// accept loop (spec.md §4.4: CH sets every ICL's shutdown field and
// Pass_Events every listening socket).
func (a *ICL) Shutdown(next sgs.ShutdownState) {
	a.slot().RequestShutdown(next)
	a.slot().PassEvent()
}
