// Package tracefile implements the client-trace-file table from spec.md
// §3: a map from absolute file name to {handle, sequence number,
// reference count}, with no limit on its number of entries, plus CYCLE
// rotation with gzip compression of the
// just-closed cycle (SPEC_FULL.md §9.1/§11).
package tracefile

import (
	"fmt"
	"os"
	"sync"

	"github.com/os2200/jdbcsrv/internal/metrics"
)

// PrintDollar is the special trace-file name that attaches to the
// process's standard output stream instead of opening a file (spec.md
// §4.3's four-form rule).
const PrintDollar = "PRINT$"

type entry struct {
	handle   *os.File
	seq      int
	refCount int
	cycles   int
}

// Table is the client-trace-file table, one per SGS.
type Table struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// NewTable creates an empty client-trace-file table.
func NewTable() *Table {
	return &Table{entries: make(map[string]*entry)}
}

// Open resolves name to a handle, reusing an existing open file and
// bumping its reference count if the table already has an entry for that
// exact name (spec.md §4.3 step 3). erase selects O_TRUNC vs O_APPEND for
// a brand-new open.
func (t *Table) Open(name string, maxCycles int, erase bool) (*os.File, error) {
	if name == PrintDollar {
		return os.Stdout, nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if e, ok := t.entries[name]; ok {
		e.refCount++
		return e.handle, nil
	}

	flags := os.O_CREATE | os.O_WRONLY
	if erase {
		flags |= os.O_TRUNC
	} else {
		flags |= os.O_APPEND
	}
	f, err := os.OpenFile(name, flags, 0o640)
	if err != nil {
		return nil, fmt.Errorf("tracefile: open %s: %w", name, err)
	}

	t.entries[name] = &entry{handle: f, refCount: 1, cycles: maxCycles}
	metrics.TraceFilesOpen.Inc()
	return f, nil
}

// Close decrements the reference count for name and, if it reaches zero,
// closes the underlying file and clears the table entry (spec.md §8's
// round-trip law: "Opening a client trace file twice (same name) then
// closing it twice leaves the table in the state preceding the first
// open.").
func (t *Table) Close(name string) error {
	if name == PrintDollar {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[name]
	if !ok {
		return nil
	}
	e.refCount--
	if e.refCount > 0 {
		return nil
	}

	delete(t.entries, name)
	metrics.TraceFilesOpen.Dec()
	return e.handle.Close()
}

// RefCount returns the current reference count for name, or 0 if no entry
// exists. Exposed for tests and the invariant check in spec.md §8.
func (t *Table) RefCount(name string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[name]; ok {
		return e.refCount
	}
	return 0
}

// Len returns the number of distinct open trace files.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
