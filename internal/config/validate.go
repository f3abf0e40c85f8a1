package config

import (
	"fmt"
	"net"
)

// validateSemantics runs the cross-field pass described in spec.md §4.5:
// "validates dependencies (e.g., max queued clients ≤ max workers)". It
// runs after defaults have been applied, so every field it inspects is
// guaranteed to be set.
func validateSemantics(cfg *Config) error {
	if cfg.Identity.ServerName == "" {
		return fmt.Errorf("config: server_name is required")
	}
	if cfg.Listener.Port < 0 {
		return fmt.Errorf("config: host_port is required")
	}
	if cfg.MaxWorkers < 1 {
		return fmt.Errorf("config: max_activities must be >= 1")
	}
	if cfg.MaxQueuedComAPI < 0 || cfg.MaxQueuedComAPI > cfg.MaxWorkers {
		return fmt.Errorf("config: max_queued_comapi (%d) must be in [0, max_activities=%d]",
			cfg.MaxQueuedComAPI, cfg.MaxWorkers)
	}
	if len(cfg.Listener.Specs) > 2 {
		return fmt.Errorf("config: at most two server_listens_on host specs are supported")
	}
	if cfg.UserAccessControl != AccessControlOff && cfg.AccessControlFile == "" {
		return fmt.Errorf("config: access_control_file is required when user_access_control is not off")
	}
	if cfg.Listener.TraceFileMaxCycles < 1 {
		return fmt.Errorf("config: client_tracefile_max_cycles must be >= 1")
	}
	if cfg.MetricsListenAddr != "" {
		host, _, err := net.SplitHostPort(cfg.MetricsListenAddr)
		if err != nil {
			return fmt.Errorf("config: metrics_listen_addr: %w", err)
		}
		if ip := net.ParseIP(host); host != "localhost" && (ip == nil || !ip.IsLoopback()) {
			return fmt.Errorf("config: metrics_listen_addr must be a loopback address, got %q", host)
		}
	}
	return nil
}
