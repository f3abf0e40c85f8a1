// Package bootstrap wires every activity together at startup: load
// configuration, build the Server Global State, construct the worker
// pool, the Initial Connection Listener(s), the Console Command Handler,
// and the User Access Security Monitor, then run them concurrently until
// shutdown (spec.md §2's "Core components" table, §9's startup sequence).
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/os2200/jdbcsrv/internal/config"
	"github.com/os2200/jdbcsrv/internal/console"
	"github.com/os2200/jdbcsrv/internal/dispatch"
	"github.com/os2200/jdbcsrv/internal/engine"
	"github.com/os2200/jdbcsrv/internal/icl"
	"github.com/os2200/jdbcsrv/internal/sgs"
	"github.com/os2200/jdbcsrv/internal/tracefile"
	"github.com/os2200/jdbcsrv/internal/uasm"
	"github.com/os2200/jdbcsrv/internal/workerpool"
)

// ExitCode is the process exit status New and Run report.
type ExitCode int

const (
	ExitOK             ExitCode = 0
	ExitConfigError    ExitCode = 1
	ExitListenError    ExitCode = 2
	ExitAborted        ExitCode = 3
	ExitInternalError  ExitCode = 4
)

// shutdownGrace bounds how long the metrics HTTP listener gets to drain
// in-flight scrapes before Run returns.
const shutdownGrace = 5 * time.Second

// Server holds everything bootstrap constructs, so a caller (tests, the
// cmd/jdbcsrv entry point) can inspect or drive it without re-parsing
// configuration.
type Server struct {
	Config  *config.Config
	SGS     *sgs.SGS
	Pool    *workerpool.Pool
	Traces  *tracefile.Table
	ICLs    []*icl.ICL
	Console *console.Handler
	UASM    *uasm.Monitor
}

// New loads configuration from path and constructs every activity,
// without yet running any of them.
func New(path string, eng engine.Engine, in *os.File, out *os.File) (*Server, ExitCode, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, ExitConfigError, fmt.Errorf("bootstrap: %w", err)
	}

	s := sgs.New(cfg.Identity, cfg.Listener, cfg.MaxWorkers)
	s.MirrorConsoleToLog.Store(cfg.LogConsoleOutput)

	pool := workerpool.New(cfg.MaxWorkers, s)
	traces := tracefile.NewTable()

	d := dispatch.New(eng, s, traces, cfg.RDMSThreadPrefix)

	icls := make([]*icl.ICL, len(s.Listener.Specs))
	for i, spec := range s.Listener.Specs {
		icls[i] = icl.New(i, spec, s, pool, d.Serve, nil)
	}

	ch := console.New(s, pool, traces, in, out)
	ch.LogMirror = out

	var um *uasm.Monitor
	if cfg.UserAccessControl != config.AccessControlOff {
		um = uasm.New(cfg.AccessControlFile, s)
	}

	return &Server{
		Config:  cfg,
		SGS:     s,
		Pool:    pool,
		Traces:  traces,
		ICLs:    icls,
		Console: ch,
		UASM:    um,
	}, ExitOK, nil
}

// Run starts every activity and blocks until ctx is cancelled or one of
// them returns a non-recoverable error, then waits for a clean shutdown
// of the rest (spec.md §5's "every activity watches the shutdown state
// machine and SGS-posted values").
func (srv *Server) Run(ctx context.Context) ExitCode {
	g, gctx := errgroup.WithContext(ctx)

	for _, a := range srv.ICLs {
		a := a
		g.Go(func() error { return a.Run(gctx) })
	}

	g.Go(func() error {
		err := srv.Console.Run(gctx)
		for _, a := range srv.ICLs {
			a.Shutdown(sgs.ShuttingDownImmediately)
		}
		return err
	})

	if srv.UASM != nil {
		g.Go(func() error { return srv.UASM.Run(gctx) })
	}

	if srv.Config.MetricsListenAddr != "" {
		g.Go(func() error { return runMetricsServer(gctx, srv.Config.MetricsListenAddr) })
	}

	if err := g.Wait(); err != nil {
		slog.Error("activity group exited with error", "error", err)
		return ExitInternalError
	}

	switch srv.SGS.ShutdownState() {
	case sgs.Terminated:
		return ExitAborted
	default:
		return ExitOK
	}
}

// runMetricsServer serves the Prometheus exposition endpoint on a small
// loopback-only listener separate from the JDBC transport (SPEC_FULL.md
// §9.4), matching the teacher's promhttp.Handler() registration. It
// returns nil on a clean shutdown triggered by ctx cancellation.
func runMetricsServer(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("bootstrap: metrics listener: %w", err)
	}
}
