package config

import (
	"time"

	"github.com/os2200/jdbcsrv/internal/sgs"
)

// Default values applied by the missing-parameter pass (spec.md §4.5:
// "a missing-parameter pass supplies defaults or errors on missing-
// required").
const (
	defaultMaxWorkers           = 8
	defaultBacklog              = 16
	defaultServerReceiveTimeout = 30 * time.Second
	defaultServerSendTimeout    = 30 * time.Second
	defaultActivityTimeout      = 60 * time.Second
	defaultTraceMaxTracks       = 500
	defaultTraceMaxCycles       = 3
	defaultXAThreadReuse        = 50
	defaultKeyinName            = "JDBCSRV"
	defaultTraceQualifier       = "JDBC$"
	defaultRDMSThreadPrefix     = "JDBC$"
)

// applyDefaults fills in unset fields. server_name and host_port are
// required; everything else has a documented default.
func applyDefaults(cfg *Config) {
	if cfg.MaxWorkers == 0 {
		cfg.MaxWorkers = defaultMaxWorkers
	}
	if cfg.MaxQueuedComAPI == 0 {
		cfg.MaxQueuedComAPI = cfg.MaxWorkers
	}
	if len(cfg.Listener.Specs) == 0 {
		cfg.Listener.Specs = []sgs.ListenSpec{{Host: "", Mode: 'T'}}
	}
	if cfg.Listener.ServerReceiveTimeout == 0 {
		cfg.Listener.ServerReceiveTimeout = defaultServerReceiveTimeout
	}
	if cfg.Listener.ServerSendTimeout == 0 {
		cfg.Listener.ServerSendTimeout = defaultServerSendTimeout
	}
	if cfg.Listener.ActivityReceiveTimeout == 0 {
		cfg.Listener.ActivityReceiveTimeout = defaultActivityTimeout
	}
	if cfg.Listener.TraceFileMaxTracks == 0 {
		cfg.Listener.TraceFileMaxTracks = defaultTraceMaxTracks
	}
	if cfg.Listener.TraceFileMaxCycles == 0 {
		cfg.Listener.TraceFileMaxCycles = defaultTraceMaxCycles
	}
	if cfg.Listener.XAThreadReuse == 0 {
		cfg.Listener.XAThreadReuse = defaultXAThreadReuse
	}
	if cfg.Listener.DefaultTraceQualifier == "" {
		cfg.Listener.DefaultTraceQualifier = defaultTraceQualifier
	}
	if cfg.Identity.KeyinName == "" {
		cfg.Identity.KeyinName = defaultKeyinName
	}
	if cfg.RDMSThreadPrefix == "" {
		cfg.RDMSThreadPrefix = defaultRDMSThreadPrefix
	}
	// metrics_listen_addr has no default: the /metrics exposition listener
	// is opt-in (leaving it unset keeps a server embedding this package
	// from unexpectedly binding a port, e.g. under test).
	// The accept backlog is the configured queue depth for comapi clients,
	// i.e. max_queued_comapi (spec.md §6.1), not an independently
	// configured value.
	cfg.Listener.Backlog = cfg.MaxQueuedComAPI
	if cfg.Listener.Backlog == 0 {
		cfg.Listener.Backlog = defaultBacklog
	}
}
