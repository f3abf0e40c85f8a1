// Package fakeengine is an in-memory engine.Engine test double used by
// dispatcher and bootstrap tests and as the engine cmd/jdbcsrv runs
// with. It has no SQL semantics: it
// just tracks threads, cursors, and blob handles well enough to exercise
// the dispatcher's wiring and error paths.
package fakeengine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/os2200/jdbcsrv/internal/engine"
)

type thread struct {
	id     int64
	userID string
	schema string
}

type cursor struct {
	id   int64
	rows []engine.Row
	pos  int
}

type blob struct {
	id   int64
	data []byte
}

// Engine is the in-memory test double.
type Engine struct {
	mu      sync.Mutex
	nextID  atomic.Int64
	threads map[int64]*thread
	cursors map[int64]*cursor
	blobs   map[int64]*blob

	// Credentials maps userID to password; empty means accept anything.
	Credentials map[string]string

	// FailSectionOnce, when set, makes the next Execute call carrying a
	// non-nil Section fail with ErrSectionInvalidA exactly once per
	// thread, to exercise the dispatcher's retry path.
	FailSectionOnce bool

	// FixtureRows, when non-empty, makes every successful Execute call open
	// a new cursor over these rows.
	FixtureRows []engine.Row

	failedOnce map[int64]bool
}

// New creates an empty fake engine.
func New() *Engine {
	return &Engine{
		threads:    make(map[int64]*thread),
		cursors:    make(map[int64]*cursor),
		blobs:      make(map[int64]*blob),
		failedOnce: make(map[int64]bool),
	}
}

func (e *Engine) id() int64 { return e.nextID.Add(1) }

func (e *Engine) CheckCredentials(_ context.Context, userID, password string) error {
	if e.Credentials == nil {
		return nil
	}
	want, ok := e.Credentials[userID]
	if !ok || want != password {
		return engine.ErrAccessDenied
	}
	return nil
}

func (e *Engine) BeginThread(_ context.Context, userID, schema, rdmsThreadPrefix string) (engine.Thread, string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.id()
	e.threads[id] = &thread{id: id, userID: userID, schema: schema}
	name := fmt.Sprintf("%s%d", rdmsThreadPrefix, id)
	return id, name, nil
}

func (e *Engine) EndThread(_ context.Context, th engine.Thread) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	id, ok := th.(int64)
	if !ok {
		return engine.ErrNoSuchThread
	}
	if _, ok := e.threads[id]; !ok {
		return engine.ErrNoSuchThread
	}
	delete(e.threads, id)
	delete(e.failedOnce, id)
	return nil
}

func (e *Engine) Commit(_ context.Context, th engine.Thread) error {
	return e.requireThread(th)
}

func (e *Engine) Rollback(_ context.Context, th engine.Thread) error {
	return e.requireThread(th)
}

func (e *Engine) requireThread(th engine.Thread) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	id, ok := th.(int64)
	if !ok {
		return engine.ErrNoSuchThread
	}
	if _, ok := e.threads[id]; !ok {
		return engine.ErrNoSuchThread
	}
	return nil
}

func (e *Engine) Execute(_ context.Context, th engine.Thread, _ string, opts engine.ExecOptions) (engine.ExecResult, error) {
	id, ok := th.(int64)
	if !ok {
		return engine.ExecResult{}, engine.ErrNoSuchThread
	}
	e.mu.Lock()
	if _, ok := e.threads[id]; !ok {
		e.mu.Unlock()
		return engine.ExecResult{}, engine.ErrNoSuchThread
	}
	e.mu.Unlock()

	if e.FailSectionOnce && len(opts.Section) > 0 && !opts.IgnoreSection && !e.failedOnce[id] {
		e.failedOnce[id] = true
		return engine.ExecResult{}, engine.ErrSectionInvalidA
	}

	res := engine.ExecResult{RowsAffected: 1}
	if opts.WantNewSection {
		res.NewSection = []byte("section-for-" + fmt.Sprint(id))
	}
	if len(e.FixtureRows) > 0 {
		e.mu.Lock()
		cid := e.id()
		e.cursors[cid] = &cursor{id: cid, rows: e.FixtureRows}
		e.mu.Unlock()
		res.Cursor = cid
	}
	return res, nil
}

func (e *Engine) ExecuteBatch(ctx context.Context, th engine.Thread, sqlTexts []string, opts engine.ExecOptions) ([]engine.ExecResult, error) {
	out := make([]engine.ExecResult, 0, len(sqlTexts))
	for _, s := range sqlTexts {
		r, err := e.Execute(ctx, th, s, opts)
		if err != nil {
			return out, err
		}
		out = append(out, r)
	}
	return out, nil
}

func (e *Engine) Next(_ context.Context, cur engine.Cursor, n int) ([]engine.Row, bool, error) {
	id, ok := cur.(int64)
	if !ok {
		return nil, false, engine.ErrNoSuchCursor
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.cursors[id]
	if !ok {
		return nil, false, engine.ErrNoSuchCursor
	}
	end := c.pos + n
	if end > len(c.rows) {
		end = len(c.rows)
	}
	batch := c.rows[c.pos:end]
	c.pos = end
	return batch, c.pos < len(c.rows), nil
}

func (e *Engine) PositionedFetch(_ context.Context, cur engine.Cursor, position int64) (engine.Row, error) {
	id, ok := cur.(int64)
	if !ok {
		return engine.Row{}, engine.ErrNoSuchCursor
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.cursors[id]
	if !ok || position < 0 || int(position) >= len(c.rows) {
		return engine.Row{}, engine.ErrNoSuchCursor
	}
	return c.rows[position], nil
}

func (e *Engine) DropCursor(_ context.Context, cur engine.Cursor) error {
	id, ok := cur.(int64)
	if !ok {
		return engine.ErrNoSuchCursor
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.cursors[id]; !ok {
		return engine.ErrNoSuchCursor
	}
	delete(e.cursors, id)
	return nil
}

func (e *Engine) GetTables(_ context.Context, _ engine.Thread, _, _ string) ([]engine.Row, error) {
	return nil, nil
}

func (e *Engine) GetColumns(_ context.Context, _ engine.Thread, _ string) ([]engine.Row, error) {
	return nil, nil
}

func (e *Engine) GetPrimaryKeys(_ context.Context, _ engine.Thread, _ string) ([]engine.Row, error) {
	return nil, nil
}

func (e *Engine) GetImportedKeys(_ context.Context, _ engine.Thread, _ string) ([]engine.Row, error) {
	return nil, nil
}

// NextResultSet has nothing queued in this fake: for a known thread it
// always reports no further result set.
func (e *Engine) NextResultSet(_ context.Context, th engine.Thread) (engine.ExecResult, bool, error) {
	if err := e.requireThread(th); err != nil {
		return engine.ExecResult{}, false, err
	}
	return engine.ExecResult{}, false, nil
}

func (e *Engine) UpdateRow(_ context.Context, cur engine.Cursor, values [][]byte) error {
	id, ok := cur.(int64)
	if !ok {
		return engine.ErrNoSuchCursor
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.cursors[id]
	if !ok {
		return engine.ErrNoSuchCursor
	}
	pos := c.pos - 1
	if pos < 0 || pos >= len(c.rows) {
		return engine.ErrNoSuchCursor
	}
	c.rows[pos].Values = values
	return nil
}

func (e *Engine) GetLOBHandle(_ context.Context, _ engine.Thread, cur engine.Cursor, column int) (engine.BlobHandle, error) {
	id, ok := cur.(int64)
	if !ok {
		return nil, engine.ErrNoSuchCursor
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.cursors[id]; !ok {
		return nil, engine.ErrNoSuchCursor
	}
	bid := e.id()
	e.blobs[bid] = &blob{id: bid}
	return bid, nil
}

func (e *Engine) GetBlobData(_ context.Context, b engine.BlobHandle, offset, length int64) ([]byte, error) {
	id, ok := b.(int64)
	if !ok {
		return nil, engine.ErrStaleBlobHandle
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	bl, ok := e.blobs[id]
	if !ok {
		return nil, engine.ErrStaleBlobHandle
	}
	end := offset + length
	if end > int64(len(bl.data)) {
		end = int64(len(bl.data))
	}
	if offset > int64(len(bl.data)) {
		offset = int64(len(bl.data))
	}
	return bl.data[offset:end], nil
}

func (e *Engine) SetBlobBytes(_ context.Context, b engine.BlobHandle, offset int64, data []byte) error {
	id, ok := b.(int64)
	if !ok {
		return engine.ErrStaleBlobHandle
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	bl, ok := e.blobs[id]
	if !ok {
		return engine.ErrStaleBlobHandle
	}
	needed := int(offset) + len(data)
	if needed > len(bl.data) {
		grown := make([]byte, needed)
		copy(grown, bl.data)
		bl.data = grown
	}
	copy(bl.data[offset:], data)
	return nil
}

func (e *Engine) TruncateBlob(_ context.Context, b engine.BlobHandle, length int64) error {
	id, ok := b.(int64)
	if !ok {
		return engine.ErrStaleBlobHandle
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	bl, ok := e.blobs[id]
	if !ok {
		return engine.ErrStaleBlobHandle
	}
	if int64(len(bl.data)) > length {
		bl.data = bl.data[:length]
	}
	return nil
}

var _ engine.Engine = (*Engine)(nil)
