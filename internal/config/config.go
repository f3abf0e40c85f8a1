// Package config loads and validates the server's configuration file
// (spec.md §4.5/§6.1): syntactic parse, missing-parameter defaults, then
// cross-field semantic validation, installing the result into an SGS.
package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/os2200/jdbcsrv/internal/sgs"
)

// UserAccessControlMode is the configured UASM operating mode.
type UserAccessControlMode int

const (
	AccessControlOff UserAccessControlMode = iota
	AccessControlJDBC
	AccessControlJDBCSecOpt1
	AccessControlFund
	AccessControlJDBCFundamental
)

// Config is the fully validated, typed configuration, ready to be
// installed into an SGS and to drive startup (ICL specs, pool size, log
// file path, access-control file path).
type Config struct {
	Identity sgs.Identity
	Listener sgs.ListenerConfig

	MaxWorkers       int
	MaxQueuedComAPI  int
	RDMSThreadPrefix string
	UserAccessControl UserAccessControlMode
	AccessControlFile string
	ServerPriority   string
	LogConsoleOutput bool
	LogFilePath      string
	RSABDI           int
	UDSICRBDI        int

	// MetricsListenAddr is the loopback-only address the Prometheus
	// /metrics exposition listener binds, separate from the JDBC
	// transport (SPEC_FULL.md §9.4). Empty disables it.
	MetricsListenAddr string
}

// envPrefix allows a handful of startup-only values to be overridden from
// the environment (e.g. JDBCSRV_HOST_PORT), per SPEC_FULL.md §9.3.
const envPrefix = "JDBCSRV_"

// Load reads path through the bespoke grammar parser, layers environment
// overrides on top, then runs the three-pass validation described in
// spec.md §4.5. Any error aborts startup (spec.md's "any error aborts
// startup with a message").
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(file.Provider(path), newGrammarParser()); err != nil {
		return nil, fmt.Errorf("config: load %s: %w", path, err)
	}

	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, envPrefix))
	}), nil); err != nil {
		return nil, fmt.Errorf("config: load environment overrides: %w", err)
	}

	raw := k.All()

	cfg, err := parseKnownKeys(raw)
	if err != nil {
		return nil, err
	}

	applyDefaults(cfg)

	if err := validateSemantics(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// knownKeys enumerates the closed set of recognised configuration keys
// (spec.md §6.1). Any other key is a syntactic error.
var knownKeys = map[string]bool{
	"server_name": true, "max_activities": true, "max_queued_comapi": true,
	"app_group_name": true, "app_group_number": true, "host_port": true,
	"server_listens_on": true, "rdms_threadname_prefix": true,
	"client_keep_alive": true, "server_receive_timeout": true,
	"server_send_timeout": true, "server_activity_receive_timeout": true,
	"client_default_tracefile_qualifier": true, "client_tracefile_max_trks": true,
	"client_tracefile_max_cycles": true, "server_locale": true, "keyin_id": true,
	"user_access_control": true, "access_control_file": true,
	"server_priority": true, "comapi_modes": true, "log_console_output": true,
	"log_file": true, "rsa_bdi": true, "uds_icr_bdi": true, "xa_thread_reuse": true,
	"metrics_listen_addr": true,
}

func parseKnownKeys(raw map[string]interface{}) (*Config, error) {
	cfg := &Config{}

	for key := range raw {
		if !knownKeys[key] {
			return nil, fmt.Errorf("config: unknown key %q", key)
		}
	}

	getStr := func(key string) string {
		v, _ := raw[key].(string)
		return v
	}
	getInt := func(key string) (int, bool, error) {
		v, ok := raw[key]
		if !ok {
			return 0, false, nil
		}
		s, _ := v.(string)
		n, err := strconv.Atoi(strings.TrimSpace(s))
		if err != nil {
			return 0, true, fmt.Errorf("config: %s: not an integer: %q", key, s)
		}
		return n, true, nil
	}

	cfg.Identity.ServerName = getStr("server_name")
	if len(cfg.Identity.ServerName) > 48 {
		return nil, fmt.Errorf("config: server_name exceeds 48 characters")
	}
	cfg.Identity.AppGroupName = getStr("app_group_name")
	if len(cfg.Identity.AppGroupName) > 12 {
		return nil, fmt.Errorf("config: app_group_name exceeds 12 characters")
	}

	if n, ok, err := getInt("max_activities"); err != nil {
		return nil, err
	} else if ok {
		cfg.MaxWorkers = n
	}
	if n, ok, err := getInt("max_queued_comapi"); err != nil {
		return nil, err
	} else if ok {
		cfg.MaxQueuedComAPI = n
	}
	if n, ok, err := getInt("app_group_number"); err != nil {
		return nil, err
	} else if ok {
		if n < 1 || n > 64 {
			return nil, fmt.Errorf("config: app_group_number out of range [1,64]: %d", n)
		}
		cfg.Identity.AppGroupNum = n
	}
	if n, ok, err := getInt("host_port"); err != nil {
		return nil, err
	} else if ok {
		if n < 0 {
			return nil, fmt.Errorf("config: host_port must be >= 0")
		}
		cfg.Listener.Port = n
	} else {
		cfg.Listener.Port = -1 // absent; validateSemantics reports it as required
	}

	if v := getStr("server_listens_on"); v != "" {
		specs, err := parseListenSpecs(v)
		if err != nil {
			return nil, err
		}
		cfg.Listener.Specs = specs
	}

	if v := getStr("client_keep_alive"); v != "" {
		policy, err := parseKeepAlive(v)
		if err != nil {
			return nil, err
		}
		cfg.Listener.KeepAlive = policy
	}

	for key, field := range map[string]*time.Duration{
		"server_receive_timeout":          &cfg.Listener.ServerReceiveTimeout,
		"server_send_timeout":             &cfg.Listener.ServerSendTimeout,
		"server_activity_receive_timeout": &cfg.Listener.ActivityReceiveTimeout,
	} {
		if n, ok, err := getInt(key); err != nil {
			return nil, err
		} else if ok {
			if n < 0 {
				return nil, fmt.Errorf("config: %s must be >= 0", key)
			}
			*field = time.Duration(n) * time.Millisecond
		}
	}

	cfg.Listener.DefaultTraceQualifier = getStr("client_default_tracefile_qualifier")
	if n, ok, err := getInt("client_tracefile_max_trks"); err != nil {
		return nil, err
	} else if ok {
		cfg.Listener.TraceFileMaxTracks = n
	}
	if n, ok, err := getInt("client_tracefile_max_cycles"); err != nil {
		return nil, err
	} else if ok {
		cfg.Listener.TraceFileMaxCycles = n
	}
	if n, ok, err := getInt("xa_thread_reuse"); err != nil {
		return nil, err
	} else if ok {
		if n <= 0 {
			return nil, fmt.Errorf("config: xa_thread_reuse must be > 0")
		}
		cfg.Listener.XAThreadReuse = n
	}

	cfg.Identity.ServerLevel = getStr("server_locale")
	cfg.Identity.KeyinName = getStr("keyin_id")
	cfg.RDMSThreadPrefix = getStr("rdms_threadname_prefix")

	if v := getStr("user_access_control"); v != "" {
		mode, err := parseAccessControl(v)
		if err != nil {
			return nil, err
		}
		cfg.UserAccessControl = mode
	}
	cfg.AccessControlFile = getStr("access_control_file")
	cfg.ServerPriority = getStr("server_priority")
	cfg.LogFilePath = getStr("log_file")

	if v := getStr("log_console_output"); v != "" {
		b, err := parseOnOff(v)
		if err != nil {
			return nil, fmt.Errorf("config: log_console_output: %w", err)
		}
		cfg.LogConsoleOutput = b
	}

	if n, ok, err := getInt("rsa_bdi"); err != nil {
		return nil, err
	} else if ok {
		cfg.RSABDI = n
	}
	if n, ok, err := getInt("uds_icr_bdi"); err != nil {
		return nil, err
	} else if ok {
		cfg.UDSICRBDI = n
	}

	cfg.MetricsListenAddr = getStr("metrics_listen_addr")

	return cfg, nil
}

func parseListenSpecs(v string) ([]sgs.ListenSpec, error) {
	parts := strings.Fields(v)
	if len(parts) == 0 || len(parts) > 2 {
		return nil, fmt.Errorf("config: server_listens_on: expected one or two host specs, got %d", len(parts))
	}
	var specs []sgs.ListenSpec
	for _, p := range parts {
		host := p
		if host == "0" {
			host = ""
		}
		if host != "" && !strings.Contains(host, ":") {
			if ip := net.ParseIP(host); ip == nil {
				// not an IPv4 literal; accept as a DNS name, resolved at
				// listen time per spec.md §6.1.
				if strings.ContainsAny(host, " \t") {
					return nil, fmt.Errorf("config: server_listens_on: invalid host spec %q", host)
				}
			}
		}
		specs = append(specs, sgs.ListenSpec{Host: host, Mode: 'T'})
	}
	return specs, nil
}

func parseKeepAlive(v string) (sgs.KeepAlivePolicy, error) {
	switch strings.ToLower(v) {
	case "always_off":
		return sgs.KeepAliveAlwaysOff, nil
	case "always_on":
		return sgs.KeepAliveAlwaysOn, nil
	case "off":
		return sgs.KeepAliveDefaultOff, nil
	case "on":
		return sgs.KeepAliveDefaultOn, nil
	default:
		return 0, fmt.Errorf("config: client_keep_alive: invalid value %q", v)
	}
}

func parseAccessControl(v string) (UserAccessControlMode, error) {
	switch strings.ToLower(v) {
	case "off":
		return AccessControlOff, nil
	case "jdbc":
		return AccessControlJDBC, nil
	case "jdbc_secopt1":
		return AccessControlJDBCSecOpt1, nil
	case "fund":
		return AccessControlFund, nil
	case "jdbc_fundamental":
		return AccessControlJDBCFundamental, nil
	default:
		return 0, fmt.Errorf("config: user_access_control: invalid value %q", v)
	}
}

func parseOnOff(v string) (bool, error) {
	switch strings.ToLower(v) {
	case "on":
		return true, nil
	case "off":
		return false, nil
	default:
		return false, fmt.Errorf("invalid on/off value %q", v)
	}
}
