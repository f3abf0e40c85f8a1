// Package uasm implements the User Access Security Monitor: periodic
// re-reading of an access-control file and credential validation for
// connecting clients (spec.md §2, §4.5's user_access_control key).
package uasm

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/crypto/bcrypt"

	"github.com/os2200/jdbcsrv/internal/sgs"
)

// pollInterval is the periodic re-read cadence used as a fallback when
// the filesystem watcher misses an event (network filesystems, editors
// that replace-rather-than-write), mirroring koanf's file provider
// reload-on-change shape plus a belt-and-braces timer.
const pollInterval = 30 * time.Second

// Monitor is the User Access Security Monitor activity.
type Monitor struct {
	Path string
	SGS  *sgs.SGS

	mu      sync.RWMutex
	entries map[string][]byte // userID -> bcrypt hash
	modTime time.Time
}

// New constructs a Monitor for the given access-control file path. It does
// not load the file yet — call Run or Reload first.
func New(path string, s *sgs.SGS) *Monitor {
	return &Monitor{Path: path, SGS: s, entries: make(map[string][]byte)}
}

// CheckCredentials validates a user/password pair against the
// most-recently-loaded access-control file. The dispatcher's
// credential-check task does not call it; that task checks credentials
// through the engine only.
func (m *Monitor) CheckCredentials(_ context.Context, userID, password string) error {
	m.mu.RLock()
	hash, ok := m.entries[userID]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("uasm: unknown user %q", userID)
	}
	if err := bcrypt.CompareHashAndPassword(hash, []byte(password)); err != nil {
		return fmt.Errorf("uasm: credential mismatch for %q", userID)
	}
	return nil
}

// Reload re-reads the access-control file unconditionally.
func (m *Monitor) Reload() error {
	f, err := os.Open(m.Path)
	if err != nil {
		return fmt.Errorf("uasm: open %s: %w", m.Path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("uasm: stat %s: %w", m.Path, err)
	}

	entries, err := parseAccessControlFile(f)
	if err != nil {
		return fmt.Errorf("uasm: parse %s: %w", m.Path, err)
	}

	m.mu.Lock()
	m.entries = entries
	m.modTime = info.ModTime()
	m.mu.Unlock()
	return nil
}

// parseAccessControlFile reads "userid:bcrypt-hash" lines, skipping blank
// lines and "#"-prefixed comments.
func parseAccessControlFile(f *os.File) (map[string][]byte, error) {
	entries := make(map[string][]byte)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		idx := strings.Index(line, ":")
		if idx < 0 {
			return nil, fmt.Errorf("malformed line %q", line)
		}
		userID := strings.TrimSpace(line[:idx])
		hash := strings.TrimSpace(line[idx+1:])
		if userID == "" || hash == "" {
			return nil, fmt.Errorf("malformed line %q", line)
		}
		entries[userID] = []byte(hash)
	}
	return entries, scanner.Err()
}

// Run loads the access-control file and then blocks, re-reading it on
// every filesystem change event and on every pollInterval tick, until ctx
// is cancelled or the monitor's own shutdown state leaves Active.
func (m *Monitor) Run(ctx context.Context) error {
	if err := m.Reload(); err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Warn("uasm: fsnotify unavailable, falling back to poll-only", "error", err)
		return m.pollOnly(ctx)
	}
	defer watcher.Close()

	if err := watcher.Add(m.Path); err != nil {
		slog.Warn("uasm: could not watch access control file", "path", m.Path, "error", err)
		return m.pollOnly(ctx)
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		if m.SGS.UASMState.Load() != int32(sgs.Active) {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if err := m.Reload(); err != nil {
					slog.Warn("uasm: reload failed", "error", err)
				}
			}
		case werr, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("uasm: watcher error", "error", werr)
		case <-ticker.C:
			if err := m.Reload(); err != nil {
				slog.Warn("uasm: periodic reload failed", "error", err)
			}
		}
	}
}

func (m *Monitor) pollOnly(ctx context.Context) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		if m.SGS.UASMState.Load() != int32(sgs.Active) {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := m.Reload(); err != nil {
				slog.Warn("uasm: periodic reload failed", "error", err)
			}
		}
	}
}
