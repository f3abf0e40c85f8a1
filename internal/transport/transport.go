// Package transport wraps the ~10 network primitives spec.md's design
// notes name (register/deregister, bind, listen, accept, bequeath/inherit,
// send, receive, select, event, setopts, close) behind a small set of
// functions over stdlib net.Conn/net.Listener.
//
// The original design's out-of-band "Pass_Event" wakeup relies on a
// platform event primitive this repo doesn't have access to; per design
// notes option (b) it is reproduced with a short receive/accept deadline
// and a context.Context checked on every wake, which is the idiomatic Go
// equivalent of "a blocked worker must observe a shutdown request within a
// bounded, configurable time".
package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"time"
)

// PollInterval is the deadline granularity used to poll ctx between
// blocking Accept/Receive attempts. It bounds how quickly a user event
// (context cancellation) is observed by a blocked activity.
const PollInterval = 200 * time.Millisecond

// Sentinel statuses, matching spec.md §4.2's "Terminal conditions, in
// precedence order" and §7's transport error taxonomy.
var (
	// ErrUserEvent is returned when ctx is cancelled while blocked in
	// Accept or Receive — the out-of-band shutdown wakeup.
	ErrUserEvent = errors.New("transport: user event")
	// ErrLostClient is returned when the peer has closed the connection.
	ErrLostClient = errors.New("transport: lost client")
	// ErrTimeout reports a receive that timed out without ctx being
	// cancelled (a configured receive timeout elapsed). Accept and Receive
	// never return it themselves; callers that bound a Receive with their
	// own deadline context map that expiry to it.
	ErrTimeout = errors.New("transport: receive timeout")
)

// Accept blocks until a new connection arrives, ctx is cancelled, or the
// listener is closed. On cancellation it returns (nil, ErrUserEvent).
func Accept(ctx context.Context, ln net.Listener) (net.Conn, error) {
	type result struct {
		conn net.Conn
		err  error
	}

	tl, hasDeadline := ln.(interface{ SetDeadline(time.Time) error })

	for {
		if ctx.Err() != nil {
			return nil, ErrUserEvent
		}
		if hasDeadline {
			_ = tl.SetDeadline(time.Now().Add(PollInterval))
		}
		conn, err := ln.Accept()
		if err == nil {
			return conn, nil
		}
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			continue // poll tick: re-check ctx and loop
		}
		if !hasDeadline {
			// No deadline support (e.g. a test listener): fall back to a
			// goroutine-based race against ctx.
			return raceAccept(ctx, ln)
		}
		return nil, err
	}
}

func raceAccept(ctx context.Context, ln net.Listener) (net.Conn, error) {
	ch := make(chan net.Conn, 1)
	errCh := make(chan error, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			errCh <- err
			return
		}
		ch <- conn
	}()
	select {
	case <-ctx.Done():
		return nil, ErrUserEvent
	case err := <-errCh:
		return nil, err
	case conn := <-ch:
		return conn, nil
	}
}

// Receive reads exactly n bytes from conn, looping over short reads as
// spec.md requires ("the transport may return fewer bytes than requested
// per underlying call; the worker must loop until the requested length is
// satisfied or a terminal condition is seen"). A request of zero bytes
// returns success without performing any transport call.
func Receive(ctx context.Context, conn net.Conn, n int) ([]byte, error) {
	if n == 0 {
		return nil, nil
	}
	buf := make([]byte, n)
	read := 0
	for read < n {
		if ctx.Err() != nil {
			return nil, ErrUserEvent
		}
		_ = conn.SetReadDeadline(time.Now().Add(PollInterval))
		m, err := conn.Read(buf[read:])
		read += m
		if err == nil {
			continue
		}
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			continue // poll tick
		}
		if errors.Is(err, net.ErrClosed) {
			return nil, ErrLostClient
		}
		return nil, translateReadErr(err)
	}
	return buf, nil
}

func translateReadErr(err error) error {
	if errors.Is(err, io.EOF) {
		return ErrLostClient
	}
	return err
}

// Send writes the entire buffer to conn, applying the given send timeout
// (0 means no deadline). A timeout on send is treated as a lost client,
// per spec.md §5.
func Send(conn net.Conn, data []byte, sendTimeout time.Duration) error {
	if sendTimeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(sendTimeout))
	} else {
		_ = conn.SetWriteDeadline(time.Time{})
	}
	_, err := conn.Write(data)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return ErrLostClient
		}
		return err
	}
	return nil
}

// Close closes conn. Close(nil) (spec.md's Close_Socket(0)/(-1) boundary
// behaviour) is a safe no-op.
func Close(conn net.Conn) error {
	if conn == nil {
		return nil
	}
	return conn.Close()
}

// PeerIP returns the remote IP address of conn, or "" if unavailable.
func PeerIP(conn net.Conn) string {
	if conn == nil {
		return ""
	}
	addr := conn.RemoteAddr()
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
