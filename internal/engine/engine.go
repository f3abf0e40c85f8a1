// Package engine defines the narrow command/cursor interface the Task
// Dispatcher speaks through to reach the database engine. The engine
// itself — SQL parsing, result-set storage, BLOB staging — is explicitly
// out of scope (spec.md §1): this package only names the boundary.
package engine

import (
	"context"
	"errors"
)

// Thread is an opaque handle to an open database thread (RDMS thread),
// returned by BeginThread and passed to every subsequent call on that
// connection.
type Thread interface{}

// Cursor is an opaque handle to an open cursor/result-set.
type Cursor interface{}

// BlobHandle is an opaque handle to an open BLOB stream. Per spec.md §9's
// open question, a handle is only valid within the transaction that
// obtained it; engines are expected to invalidate it at commit/rollback.
type BlobHandle interface{}

// Errors the dispatcher specifically distinguishes (spec.md §4.3's
// "Retry policy for section-invalid"): two distinct codes both mean
// "the embedded compiled-SQL-section is no longer valid, retry text-only".
var (
	ErrSectionInvalidA  = errors.New("engine: section invalid (A)")
	ErrSectionInvalidB  = errors.New("engine: section invalid (B)")
	ErrAccessDenied     = errors.New("engine: access denied")
	ErrConstraint       = errors.New("engine: constraint violation")
	ErrNoSuchThread     = errors.New("engine: no such thread")
	ErrNoSuchCursor     = errors.New("engine: no such cursor")
	ErrStaleBlobHandle  = errors.New("engine: stale blob handle")
)

// IsSectionInvalid reports whether err is either section-invalid code.
func IsSectionInvalid(err error) bool {
	return errors.Is(err, ErrSectionInvalidA) || errors.Is(err, ErrSectionInvalidB)
}

// ExecOptions carries the per-call flags the dispatcher passes to
// Execute, including the section-invalid retry flags from spec.md §4.3:
// "flags indicating the request's embedded section is to be ignored, any
// section currently held in the engine's program-control area is unused,
// and cursor-drop side effects already performed by the first attempt
// must not be repeated."
type ExecOptions struct {
	Section          []byte // compiled-SQL-section embedded in the request, if any
	WantNewSection   bool   // ask the engine to return a freshly compiled section
	IgnoreSection    bool   // retry attempt: ignore any embedded/held section
	SkipCursorDrop   bool   // retry attempt: don't repeat cursor-drop side effects
	FetchBlockSize   int
}

// ExecResult is the generic shape of a statement-execution result.
type ExecResult struct {
	RowsAffected   int64
	NewSection     []byte
	Cursor         Cursor
	ResultColumns  []string
}

// Row is one fetched row of column values, already engine-encoded for the
// wire (the dispatcher does not interpret these further).
type Row struct {
	Values [][]byte
}

// Engine is the full command/cursor surface the Task Dispatcher's handler
// classes (spec.md §4.3 table) call through.
type Engine interface {
	// Connection lifecycle.
	CheckCredentials(ctx context.Context, userID, password string) error
	BeginThread(ctx context.Context, userID, schema, rdmsThreadPrefix string) (Thread, string, error)
	EndThread(ctx context.Context, th Thread) error
	Commit(ctx context.Context, th Thread) error
	Rollback(ctx context.Context, th Thread) error

	// Statement execution.
	Execute(ctx context.Context, th Thread, sqlText string, opts ExecOptions) (ExecResult, error)
	ExecuteBatch(ctx context.Context, th Thread, sqlTexts []string, opts ExecOptions) ([]ExecResult, error)

	// Cursor & rows.
	Next(ctx context.Context, cur Cursor, n int) ([]Row, bool, error) // bool = more rows remain
	PositionedFetch(ctx context.Context, cur Cursor, position int64) (Row, error)
	DropCursor(ctx context.Context, cur Cursor) error

	// Metadata.
	GetTables(ctx context.Context, th Thread, schemaPattern, namePattern string) ([]Row, error)
	GetColumns(ctx context.Context, th Thread, table string) ([]Row, error)
	GetPrimaryKeys(ctx context.Context, th Thread, table string) ([]Row, error)
	GetImportedKeys(ctx context.Context, th Thread, table string) ([]Row, error)

	// NextResultSet advances to the next result set produced by a prior
	// Execute/ExecuteBatch call that can yield more than one (e.g. a
	// stored-procedure call): the "Result-set iteration" class of
	// spec.md §4.3. hasMore reports whether a further result set remains
	// after this one.
	NextResultSet(ctx context.Context, th Thread) (res ExecResult, hasMore bool, err error)

	// UpdateRow applies an in-place update to the row the given cursor is
	// currently positioned on (spec.md §4.3's "updater-row" task).
	UpdateRow(ctx context.Context, cur Cursor, values [][]byte) error

	// BLOB.
	GetLOBHandle(ctx context.Context, th Thread, cur Cursor, column int) (BlobHandle, error)
	GetBlobData(ctx context.Context, b BlobHandle, offset, length int64) ([]byte, error)
	SetBlobBytes(ctx context.Context, b BlobHandle, offset int64, data []byte) error
	TruncateBlob(ctx context.Context, b BlobHandle, length int64) error
}
