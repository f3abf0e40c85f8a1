package dispatch

import (
	"context"
	"encoding/binary"
	"errors"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/os2200/jdbcsrv/internal/engine"
	"github.com/os2200/jdbcsrv/internal/metrics"
	"github.com/os2200/jdbcsrv/internal/sgs"
	"github.com/os2200/jdbcsrv/internal/tracefile"
	"github.com/os2200/jdbcsrv/internal/transport"
	"github.com/os2200/jdbcsrv/internal/workerpool"
)

// Dispatcher is the Task Dispatcher (spec.md §4.3) plus the per-worker
// request loop (spec.md §4.2's "per-worker loop") that drives it: both
// live in this package because the loop's framing (receive header, read
// body, decode, dispatch, encode, send) and the dispatcher's decode/
// encode logic share the same wire format.
type Dispatcher struct {
	Engine            engine.Engine
	SGS               *sgs.SGS
	Traces            *tracefile.Table
	RDMSThreadPrefix  string

	handlers map[TaskCode]handlerFunc
}

// New constructs a Dispatcher bound to an engine collaborator and the
// shared server state.
func New(eng engine.Engine, s *sgs.SGS, traces *tracefile.Table, rdmsThreadPrefix string) *Dispatcher {
	d := &Dispatcher{Engine: eng, SGS: s, Traces: traces, RDMSThreadPrefix: rdmsThreadPrefix}
	d.handlers = d.handlerTable()
	return d
}

// Serve runs the per-worker loop for one connection (spec.md §4.2, step
// 3): receive a full request, dispatch it, send the response, then
// decide whether to loop again based on workingOnaClient and the
// worker's own shutdown state. It returns once the connection ends for
// any reason; the caller (the ICL's dispatch callback) is responsible
// for releasing the worker back to the pool afterward.
func (d *Dispatcher) Serve(ctx context.Context, w *workerpool.WDE) {
	sess := NewSession()
	logger := slog.With("component", "dispatch", "worker_id", w.ID)

	defer func() {
		if sess.HasThread() {
			_ = d.Engine.Rollback(ctx, sess.Thread)
			_ = d.Engine.EndThread(ctx, sess.Thread)
		}
		if tf := w.Identity().TraceFile; tf != "" {
			_ = d.Traces.Close(tf)
		}
		_ = transport.Close(w.Conn)
	}()

	for {
		if w.ShutdownState() != workerpool.WorkerActive {
			return
		}

		w.InNetworkCall.Store(true)
		req, err := d.receiveRequest(ctx, w.Conn)
		w.InNetworkCall.Store(false)

		if err != nil {
			switch {
			case errors.Is(err, transport.ErrLostClient):
				return
			case errors.Is(err, transport.ErrUserEvent):
				return
			case errors.Is(err, transport.ErrTimeout):
				continue
			case errors.Is(err, ErrBadMagic):
				// spec.md §4.3 step 1: a bad magic word is a protocol error,
				// not a lost client — synthesize an error response, echoing
				// whatever task code could still be read out of the garbled
				// header, and keep the channel open.
				code := TaskCode(0)
				if req != nil {
					code = req.Header.TaskCode
				}
				if sendErr := d.sendResponse(w.Conn, NewErrorResponse(code, StatusBadMagic).Encode()); sendErr != nil {
					return
				}
				continue
			default:
				logger.Warn("receive failed", "error", err)
				return
			}
		}
		if req == nil {
			continue // zero-length request: no-op per spec.md §4.2
		}

		respBytes, workingOn := d.handle(ctx, w, sess, req)

		if err := d.sendResponse(w.Conn, respBytes); err != nil {
			return
		}
		if !workingOn {
			return
		}
	}
}

// sendResponse applies the currently posted send timeout (or the
// configured default) and writes an already-encoded response.
func (d *Dispatcher) sendResponse(conn net.Conn, respBytes []byte) error {
	sendTimeout, _ := d.SGS.ApplyPostedSendTimeout()
	if sendTimeout == 0 {
		sendTimeout = d.SGS.Listener.ServerSendTimeout
	}
	return transport.Send(conn, respBytes, sendTimeout)
}

// receiveRequest reads one full request packet off the wire, field by
// field, since the body length isn't known until the fixed header has
// been read (spec.md §6.3's header-then-body framing).
func (d *Dispatcher) receiveRequest(ctx context.Context, conn net.Conn) (*Request, error) {
	recvTimeout, ok := d.SGS.ApplyPostedReceiveTimeout()
	if !ok {
		recvTimeout = d.SGS.Listener.ServerReceiveTimeout
	}

	fixed, err := receiveExact(ctx, conn, FixedHeaderLen(), recvTimeout)
	if err != nil {
		return nil, err
	}
	if fixed == nil {
		return nil, nil
	}
	prefixLen := int(binary.BigEndian.Uint16(fixed[12:14]))

	prefix, err := receiveExact(ctx, conn, prefixLen, recvTimeout)
	if err != nil {
		return nil, err
	}

	rest, err := receiveExact(ctx, conn, 4+8+4, recvTimeout)
	if err != nil {
		return nil, err
	}
	bodyLen := int(binary.BigEndian.Uint32(rest[12:16]))

	body, err := receiveExact(ctx, conn, bodyLen, recvTimeout)
	if err != nil {
		return nil, err
	}

	raw := make([]byte, 0, len(fixed)+len(prefix)+len(rest)+len(body))
	raw = append(raw, fixed...)
	raw = append(raw, prefix...)
	raw = append(raw, rest...)
	raw = append(raw, body...)
	return DecodeRequest(raw)
}

// receiveExact wraps transport.Receive with a per-call receive-timeout
// deadline distinct from ctx cancellation, and tells the two apart on
// return: ctx cancellation is a user event, deadline expiry is a plain
// timeout (spec.md §5's "Timeouts" paragraph).
func receiveExact(parent context.Context, conn net.Conn, n int, timeout time.Duration) ([]byte, error) {
	if n == 0 {
		return nil, nil
	}
	callCtx := parent
	if timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(parent, timeout)
		defer cancel()
	}
	b, err := transport.Receive(callCtx, conn, n)
	if err != nil && errors.Is(err, transport.ErrUserEvent) && parent.Err() == nil {
		return nil, transport.ErrTimeout
	}
	return b, err
}

// handle runs steps 1-5 of spec.md §4.3 for one decoded request and
// returns the encoded response plus the resulting workingOnaClient value.
func (d *Dispatcher) handle(ctx context.Context, w *workerpool.WDE, sess *Session, req *Request) ([]byte, bool) {
	// Step 2 — accounting.
	d.SGS.RecordRequest(int32(req.Header.TaskCode))
	w.TaskCode.Store(int32(req.Header.TaskCode))
	w.StampLastRequest(time.Now())
	w.StampFirstRequest(time.Now())
	metrics.RequestsTotal.Inc()
	taskStart := time.Now()
	defer func() {
		metrics.TaskDuration.WithLabelValues(strconv.Itoa(int(req.Header.TaskCode))).Observe(time.Since(taskStart).Seconds())
	}()

	// XA variant check (spec.md §4.2 "XA variant"): once a transaction
	// token is established, only credentials-check/begin-thread are legal
	// under a mismatched token.
	if req.Header.XAToken != 0 {
		stored := w.XAToken.Load()
		if stored != 0 && stored != req.Header.XAToken &&
			req.Header.TaskCode != TaskCredentialsCheck && req.Header.TaskCode != TaskBeginThread {
			resp := NewErrorResponse(req.Header.TaskCode, StatusXANonTransactional)
			return resp.Encode(), true
		}
	}

	// Step 3 — debug configuration: open a client trace file if demanded
	// and none is open yet for this worker.
	newTraceFile := ""
	flags := req.Header.DebugFlags | uint32(w.DebugFlags.Load())
	if AnyTraceRequested(flags) && w.Identity().TraceFile == "" {
		name := tracefile.ResolveName(req.Header.DebugPrefix, d.SGS.Listener.DefaultTraceQualifier,
			d.SGS.Identity.RunID, w.ID, w.XAToken.Load() != 0)
		if _, err := d.Traces.Open(name, d.SGS.Listener.TraceFileMaxCycles, false); err == nil {
			w.SetClientTraceFile(name)
			newTraceFile = name
		}
	}

	// Step 4 — dispatch.
	handler, ok := d.handlers[req.Header.TaskCode]
	var body []byte
	var status int32
	if !ok {
		status = StatusUnknownTaskCode
	} else {
		hc := &handlerContext{req: req, sess: sess, w: w}
		body, status = handler(ctx, d.Engine, hc)
		if status == -1 {
			// Section-invalid retry policy (spec.md §4.3's "Retry policy for
			// section-invalid"): release the first response, retry once with
			// the embedded section ignored and cursor-drop side effects
			// suppressed. retryID correlates the two attempts in the log
			// since nothing on the wire otherwise ties them together.
			retryID := uuid.NewString()
			slog.Debug("retrying section-invalid request", "retry_id", retryID, "task_code", req.Header.TaskCode, "worker_id", w.ID)
			hc.ignoreSection = true
			hc.skipCursorDrop = true
			body, status = handler(ctx, d.Engine, hc)
			if status == -1 {
				status = StatusEngineError
				body = nil
			}
		}
	}

	if req.Header.TaskCode == TaskCredentialsCheck || req.Header.TaskCode == TaskBeginThread {
		if status == StatusOK {
			w.XAToken.Store(req.Header.XAToken)
		}
	}

	// XA thread-reuse cap (spec.md §4.2): each XA transaction committed on
	// this worker's database thread counts against a reuse limit; once
	// exceeded the thread is recycled before the next request can reuse it.
	if req.Header.TaskCode == TaskCommit && status == StatusOK && req.Header.XAToken != 0 {
		d.bumpXAReuseCount(ctx, w, sess)
	}

	resp := &Response{
		Header: ResponseHeader{TaskStatus: status, TaskCodeEcho: req.Header.TaskCode},
		Body:   body,
	}
	if newTraceFile != "" {
		resp.DebugTrailer = EncodeDebugTrailer(newTraceFile, d.SGS.Identity.RunID)
		// Offset from the start of the packet (20-byte header, then body),
		// so it is never 0 when a trailer is present.
		resp.Header.DebugTrailerOffset = uint32(20 + len(body))
	}

	workingOn := !terminatesConnection(req.Header.TaskCode, status)
	return resp.Encode(), workingOn
}

// bumpXAReuseCount implements spec.md §4.2's "reuse counter caps how many
// XA transactions may share the same underlying database thread before it
// is recycled", matching SPEC_FULL §11's bumpXAclientCount: every
// committed XA transaction increments the count, and reaching the
// configured cap forces a database-thread recycle (end-thread then a
// fresh begin-thread) before the counter resets.
func (d *Dispatcher) bumpXAReuseCount(ctx context.Context, w *workerpool.WDE, sess *Session) {
	limit := d.SGS.Listener.XAThreadReuse
	if limit <= 0 || !sess.HasThread() {
		return
	}
	if w.XAReuseCount.Add(1) < int32(limit) {
		return
	}
	w.XAReuseCount.Store(0)

	id := w.Identity()
	_ = d.Engine.EndThread(ctx, sess.Thread)
	th, name, err := d.Engine.BeginThread(ctx, id.UserID, id.Schema, d.RDMSThreadPrefix)
	if err != nil {
		sess.Thread = nil
		w.OpenRDMSThread.Store(false)
		slog.Warn("XA thread recycle failed", "worker_id", w.ID, "error", err)
		return
	}
	sess.Thread = th
	w.SetRDMSThreadName(name)
}
