package dispatch

import "github.com/os2200/jdbcsrv/internal/engine"

// Session holds the per-connection engine state that outlives a single
// request: the open database thread and whatever cursor/BLOB handle the
// last statement produced. One Session is created when a worker inherits
// a connection and discarded when the worker returns it (spec.md §4.2's
// per-worker loop, step 4: "close the database thread if open").
type Session struct {
	Thread engine.Thread
	Cursor engine.Cursor
	Blob   engine.BlobHandle
}

// NewSession returns an empty session for a freshly assigned worker.
func NewSession() *Session {
	return &Session{}
}

// HasThread reports whether a database thread is currently open.
func (s *Session) HasThread() bool { return s.Thread != nil }
