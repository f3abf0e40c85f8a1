// Package console implements the Console Command Handler (spec.md §4.4):
// a single activity that blocks on operator input, parses it against the
// command grammar in spec.md §6.2, mutates the shutdown state machine and
// other SGS-posted fields, and replies.
package console

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/os2200/jdbcsrv/internal/dispatch"
	"github.com/os2200/jdbcsrv/internal/sgs"
	"github.com/os2200/jdbcsrv/internal/tracefile"
	"github.com/os2200/jdbcsrv/internal/workerpool"
)

// Handler is the Console Command Handler activity.
type Handler struct {
	SGS    *sgs.SGS
	Pool   *workerpool.Pool
	Traces *tracefile.Table

	// In/Out model the console keyin/reply primitives (spec.md §9's design
	// notes: there is no pack library for an "OS console keyin" primitive,
	// so it is modeled as line-delimited stdin/stdout, stdlib bufio).
	In  io.Reader
	Out io.Writer

	// LogMirror, if non-nil, receives a copy of every reply when
	// log_console_output is on (spec.md §4.4 step 5).
	LogMirror io.Writer
}

// New constructs a console Handler bound to the shared server state.
func New(s *sgs.SGS, pool *workerpool.Pool, traces *tracefile.Table, in io.Reader, out io.Writer) *Handler {
	return &Handler{SGS: s, Pool: pool, Traces: traces, In: in, Out: out}
}

// Run blocks reading command lines from In until ctx is cancelled, EOF,
// or the handler's own shutdown state leaves Active (spec.md §4.4's
// "blocks on the ... console-keyin primitive ... on wake-up" loop).
func (h *Handler) Run(ctx context.Context) error {
	scanner := bufio.NewScanner(h.In)
	lines := make(chan string)
	scanErr := make(chan error, 1)

	go func() {
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		scanErr <- scanner.Err()
		close(lines)
	}()

	for {
		if h.SGS.ConsoleState.Load() != int32(sgs.Active) {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return <-scanErr
			}
			reply := h.Execute(line)
			h.reply(reply)
		}
	}
}

func (h *Handler) reply(reply string) {
	fmt.Fprintln(h.Out, reply)
	if h.LogMirror != nil && h.SGS.MirrorConsoleToLog.Load() {
		fmt.Fprintln(h.LogMirror, reply)
	}
}

// Execute runs one command line end to end (normalize, tokenize, match,
// act, reply) and returns the reply text, without touching In/Out — used
// directly by tests and by Run.
func (h *Handler) Execute(line string) string {
	toks := tokenize(line)
	if len(toks) == 0 {
		return ""
	}

	switch {
	case eq(toks[0], "SHUTDOWN") && len(toks) >= 2 && eq(toks[1], "WORKER"):
		return h.shutdownWorker(toks[2:], sgs.ShuttingDownGracefully)
	case eq(toks[0], "ABORT") && len(toks) >= 2 && eq(toks[1], "WORKER"):
		return h.shutdownWorker(toks[2:], sgs.ShuttingDownImmediately)
	case eq(toks[0], "SHUTDOWN"):
		return h.shutdownServer(toks[1:], false)
	case eq(toks[0], "TERM"):
		return h.shutdownServer(toks[1:], true)
	case eq(toks[0], "ABORT"):
		return h.abort()
	case eq(toks[0], "DISPLAY") || eq(toks[0], "STATUS"):
		if eq(toks[0], "DISPLAY") {
			toks = toks[1:]
		}
		if len(toks) > 0 && eq(toks[0], "STATUS") {
			toks = toks[1:]
		}
		return h.display(toks)
	case eq(toks[0], "SET"):
		return h.set(toks[1:])
	case eq(toks[0], "CLEAR"):
		return h.clear(toks[1:])
	case eq(toks[0], "CYCLE"):
		return h.cycle(toks[1:])
	case eq(toks[0], "TURN"):
		return h.turn(toks[1:])
	case eq(toks[0], "HELP"):
		return helpText
	default:
		return "invalid command"
	}
}

const helpText = "SHUTDOWN|ABORT|TERM|DISPLAY STATUS|SET|CLEAR|CYCLE|TURN|HELP"

// shutdownServer implements the server-wide transitions in spec.md §4.4's
// state diagram, including the side effects each one names.
func (h *Handler) shutdownServer(args []string, bareIsImmediate bool) string {
	next := sgs.ShuttingDownGracefully
	if bareIsImmediate {
		next = sgs.ShuttingDownImmediately
	}
	if len(args) > 0 {
		switch {
		case eq(args[0], "GR") || eq(args[0], "GRACEFULLY"):
			next = sgs.ShuttingDownGracefully
		case eq(args[0], "IM") || eq(args[0], "IMMEDIATELY"):
			next = sgs.ShuttingDownImmediately
		default:
			return "invalid command"
		}
	}

	if !h.SGS.TransitionTo(next) {
		return fmt.Sprintf("shutdown state unchanged (already %s or beyond)", next)
	}

	for _, slot := range h.SGS.ICLs {
		slot.RequestShutdown(next)
	}
	h.SGS.UASMState.Store(int32(next))
	h.SGS.PassEventAll()

	if next == sgs.ShuttingDownImmediately {
		h.Pool.ForEachAssigned(func(w *workerpool.WDE) {
			if w.ShutdownState() == workerpool.WorkerShutdownGracefully {
				w.RequestShutdown(workerpool.WorkerShutdownImmediately)
			}
		})
	}
	return fmt.Sprintf("shutdown %s acknowledged", next)
}

func (h *Handler) abort() string {
	h.SGS.TransitionTo(sgs.Terminated)
	h.SGS.UASMState.Store(int32(sgs.Terminated))
	for _, slot := range h.SGS.ICLs {
		slot.RequestShutdown(sgs.ShuttingDownImmediately)
		slot.PassEvent()
	}
	h.Pool.ForEachAssigned(func(w *workerpool.WDE) {
		w.RequestShutdown(workerpool.WorkerShutdownImmediately)
	})
	if err := h.Pool.CloseAll(); err != nil {
		return fmt.Sprintf("ABORT acknowledged (close errors: %v)", err)
	}
	return "ABORT acknowledged"
}

// shutdownWorker locates a worker by decimal worker ID (WDE.ID, not a
// socket identifier) or RDMS thread name across the assigned chain and
// advances its per-worker shutdown
// state (spec.md §4.4's "Worker-targeted commands").
func (h *Handler) shutdownWorker(args []string, next workerpool.ShutdownState) string {
	if len(args) == 0 {
		return "invalid command"
	}
	target := args[0]
	var w *workerpool.WDE
	if id, err := strconv.Atoi(target); err == nil {
		w = h.Pool.FindByID(id)
	} else {
		w = h.Pool.FindByThreadName(target)
	}
	if len(args) >= 2 {
		if eq(args[1], "IM") || eq(args[1], "IMMEDIATELY") {
			next = workerpool.WorkerShutdownImmediately
		} else if eq(args[1], "GR") || eq(args[1], "GRACEFULLY") {
			next = workerpool.WorkerShutdownGracefully
		}
	}
	if w == nil {
		return fmt.Sprintf("no such worker: %s", target)
	}
	w.RequestShutdown(next)
	return fmt.Sprintf("worker %d shutdown requested", w.ID)
}

func (h *Handler) display(args []string) string {
	if len(args) == 0 {
		return fmt.Sprintf("state=%v %s", h.SGS.ShutdownState(), h.Pool.String())
	}
	switch {
	case eq(args[0], "CONFIGURATION"):
		return fmt.Sprintf("server=%s port=%d max_workers=%d", h.SGS.Identity.ServerName, h.SGS.Listener.Port, h.SGS.MaxWorkers)
	case eq(args[0], "WORKER"):
		if len(args) < 2 {
			return "invalid command"
		}
		var w *workerpool.WDE
		if id, err := strconv.Atoi(args[1]); err == nil {
			w = h.Pool.FindByID(id)
		} else {
			w = h.Pool.FindByThreadName(args[1])
		}
		if w == nil {
			return fmt.Sprintf("no such worker: %s", args[1])
		}
		ident := w.Identity()
		return fmt.Sprintf("worker %d user=%s rdms_thread=%s state=%v task_code=%d first_request=%d last_request=%d",
			w.ID, ident.UserID, ident.RDMSThread, w.ShutdownState(),
			w.TaskCode.Load(), w.FirstRequestUnix.Load(), w.LastRequestUnix.Load())
	case eq(args[0], "ALL"):
		out := fmt.Sprintf("state=%v %s pool_ok=%v clients=%d requests=%d",
			h.SGS.ShutdownState(), h.Pool.String(), h.SGS.PoolAccountingOK(),
			h.SGS.TotalClients.Load(), h.SGS.TotalRequests.Load())
		for i := range h.SGS.ICLs {
			out += fmt.Sprintf(" icl%d_last_status=%q", i, h.SGS.LastICLError(i))
		}
		return out
	default:
		return fmt.Sprintf("state=%v %s", h.SGS.ShutdownState(), h.Pool.String())
	}
}

// set implements the option-apply commands (spec.md §4.4's "Option apply
// commands"): write into SGS's posted-* fields, then wake every ICL.
func (h *Handler) set(args []string) string {
	joined := strings.ToUpper(strings.Join(args, " "))
	switch {
	case strings.HasPrefix(joined, "SERVER RECEIVE TIMEOUT ") && len(args) >= 4:
		ms, err := strconv.Atoi(args[3])
		if err != nil {
			return "invalid value"
		}
		h.SGS.PostedReceiveTimeout.Store(int64(ms))
	case strings.HasPrefix(joined, "SERVER SEND TIMEOUT ") && len(args) >= 4:
		ms, err := strconv.Atoi(args[3])
		if err != nil {
			return "invalid value"
		}
		h.SGS.PostedSendTimeout.Store(int64(ms))
	case strings.HasPrefix(joined, "COMAPI DEBUG ") && len(args) >= 3:
		on := eq(args[2], "ON")
		if on {
			h.SGS.PostedDebugLevel.Store(int32(dispatch.DebugBrief))
		} else {
			h.SGS.PostedDebugLevel.Store(0)
		}
	default:
		return "invalid command"
	}
	h.SGS.PassEventAll()
	return "SET acknowledged"
}

// clear atomically resets the counters named in args (spec.md §4.4's
// "Counter commands").
func (h *Handler) clear(args []string) string {
	if len(args) == 0 {
		return "invalid command"
	}
	cleared := make([]string, 0, len(args))
	for _, a := range args {
		switch strings.ToUpper(a) {
		case "CLIENTS":
			h.SGS.TotalClients.Store(0)
			cleared = append(cleared, "CLIENTS")
		case "REQUESTS":
			h.SGS.TotalRequests.Store(0)
			cleared = append(cleared, "REQUESTS")
		default:
			return fmt.Sprintf("unknown counter: %s", a)
		}
	}
	return "cleared: " + strings.Join(cleared, ",")
}

// cycle implements CYCLE LOGFILE | TRACEFILE <name> (SPEC_FULL.md §11,
// supplemented from the original's output-file rotation behavior). The
// server opens no log file, so CYCLE LOGFILE rotates nothing and says so.
func (h *Handler) cycle(args []string) string {
	if len(args) == 0 {
		return "invalid command"
	}
	switch {
	case eq(args[0], "TRACEFILE") && len(args) >= 2:
		if err := h.Traces.Cycle(args[1]); err != nil {
			return fmt.Sprintf("cycle failed: %v", err)
		}
		return fmt.Sprintf("cycled %s", args[1])
	case eq(args[0], "LOGFILE"):
		return "LOGFILE not open; nothing cycled"
	default:
		return "invalid command"
	}
}

// turn implements TURN <trace-flag> ON|OFF, posting a server-wide debug
// level into SGS and waking every ICL. ICLs read the posted level on their
// next wake; nothing applies it to worker debug flags or the log level.
func (h *Handler) turn(args []string) string {
	if len(args) < 2 {
		return "invalid command"
	}
	var bit uint32
	switch strings.ToUpper(args[0]) {
	case "BRIEF":
		bit = dispatch.DebugBrief
	case "DETAIL":
		bit = dispatch.DebugDetail
	case "INTERNAL":
		bit = dispatch.DebugInternal
	case "SQLEXPLAIN":
		bit = dispatch.DebugSQLExplain
	case "SQLPARAMS":
		bit = dispatch.DebugSQLParams
	default:
		return fmt.Sprintf("unknown trace flag: %s", args[0])
	}
	cur := uint32(h.SGS.PostedDebugLevel.Load())
	if eq(args[1], "ON") {
		cur |= bit
	} else if eq(args[1], "OFF") {
		cur &^= bit
	} else {
		return "invalid command"
	}
	h.SGS.PostedDebugLevel.Store(int32(cur))
	h.SGS.PassEventAll()
	return fmt.Sprintf("TURN %s %s acknowledged", args[0], strings.ToUpper(args[1]))
}
