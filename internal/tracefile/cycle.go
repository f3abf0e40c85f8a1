package tracefile

import (
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/gzip"
)

// Cycle closes the current numbered file for name, compresses it with
// gzip, and opens a fresh file at the next sequence number, pruning
// history beyond maxCycles (SPEC_FULL.md §9.1/§11's CYCLE LOGFILE/
// CYCLE TRACEFILE console commands). klauspost/compress/gzip is the same
// module the teacher depends on for its msgcodec wire framing (zstd),
// reused here for a different concern: cold trace-file compression on
// rotation rather than wire compression.
func (t *Table) Cycle(name string) error {
	if name == PrintDollar {
		return nil
	}

	t.mu.Lock()
	e, ok := t.entries[name]
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("tracefile: cycle: %s is not open", name)
	}
	old := e.handle
	seq := e.seq
	maxCycles := e.cycles
	t.mu.Unlock()

	if err := old.Close(); err != nil {
		return fmt.Errorf("tracefile: cycle: close current: %w", err)
	}

	cycledName := fmt.Sprintf("%s.%d", name, seq)
	if err := os.Rename(name, cycledName); err != nil {
		return fmt.Errorf("tracefile: cycle: rename: %w", err)
	}
	if err := compressAndRemove(cycledName); err != nil {
		return fmt.Errorf("tracefile: cycle: compress: %w", err)
	}

	fresh, err := os.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return fmt.Errorf("tracefile: cycle: open fresh: %w", err)
	}

	t.mu.Lock()
	e.handle = fresh
	e.seq = seq + 1
	t.mu.Unlock()

	pruneOldCycles(name, seq+1, maxCycles)
	return nil
}

func compressAndRemove(path string) error {
	in, err := os.Open(path)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(path + ".gz")
	if err != nil {
		return err
	}
	defer out.Close()

	gw := gzip.NewWriter(out)
	if _, err := io.Copy(gw, in); err != nil {
		gw.Close()
		return err
	}
	if err := gw.Close(); err != nil {
		return err
	}

	return os.Remove(path)
}

func pruneOldCycles(name string, currentSeq, maxCycles int) {
	if maxCycles <= 0 {
		return
	}
	oldest := currentSeq - maxCycles
	if oldest < 0 {
		return
	}
	_ = os.Remove(fmt.Sprintf("%s.%d.gz", name, oldest))
}
