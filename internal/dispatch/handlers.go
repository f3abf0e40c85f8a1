package dispatch

import (
	"context"

	"github.com/os2200/jdbcsrv/internal/engine"
	"github.com/os2200/jdbcsrv/internal/workerpool"
)

// handlerContext carries everything a task handler needs: the decoded
// request, the connection's engine session, and the retry flags set by
// the dispatcher's section-invalid retry policy (spec.md §4.3).
type handlerContext struct {
	req            *Request
	sess           *Session
	w              *workerpool.WDE
	ignoreSection  bool
	skipCursorDrop bool
}

// handlerFunc is one task-specific handler. It returns a fully-formed
// response body (the dispatcher fills in the header) and a status code;
// a non-zero status is still a successful dispatch (spec.md §7: "Engine
// ... encoded in response as task status; channel preserved") unless
// terminatesConnection says otherwise.
type handlerFunc func(ctx context.Context, eng engine.Engine, hc *handlerContext) ([]byte, int32)

func (d *Dispatcher) handlerTable() map[TaskCode]handlerFunc {
	return map[TaskCode]handlerFunc{
		TaskCredentialsCheck: handleCredentialsCheck,
		TaskBeginThread:      d.handleBeginThread,
		TaskEndThread:        handleEndThread,
		TaskCommit:           handleCommit,
		TaskRollback:         handleRollback,
		TaskKeepAlive:        handleKeepAlive,

		TaskExecute:           handleExecute,
		TaskExecuteUpdate:     handleExecute,
		TaskExecuteBatch:      handleExecuteBatch,
		TaskReExecutePrepared: handleExecute,

		TaskNext:             handleNext,
		TaskNextN:            handleNext,
		TaskPositionedFetch:  handlePositionedFetch,
		TaskDropCursor:       handleDropCursor,
		TaskCompleteStatement: handleDropCursor,

		TaskGetTables:      handleGetTables,
		TaskGetColumns:     handleGetColumns,
		TaskGetPrimaryKeys: handleGetPrimaryKeys,
		TaskGetImportedKeys: handleGetImportedKeys,

		TaskGetBlobData: handleGetBlobData,
		TaskSetBlobBytes: handleSetBlobBytes,
		TaskTruncateBlob: handleTruncateBlob,
		TaskGetLOBHandle: handleGetLOBHandle,

		TaskNextResultSetUpdateCount: handleNextResultSetUpdateCount,
		TaskNextResultSetCursor:      handleNextResultSetCursor,
		TaskUpdaterRow:               handleUpdaterRow,
	}
}

func handleCredentialsCheck(ctx context.Context, eng engine.Engine, hc *handlerContext) ([]byte, int32) {
	r := newBodyReader(hc.req.Body)
	userID, ok1 := r.string()
	password, ok2 := r.string()
	if !ok1 || !ok2 {
		return nil, StatusMalformedBody
	}
	if err := eng.CheckCredentials(ctx, userID, password); err != nil {
		return nil, StatusAccessDenied
	}
	var w bodyWriter
	w.putBool(true)
	return w.bytesOut(), StatusOK
}

func (d *Dispatcher) handleBeginThread(ctx context.Context, eng engine.Engine, hc *handlerContext) ([]byte, int32) {
	r := newBodyReader(hc.req.Body)
	userID, ok1 := r.string()
	schema, ok2 := r.string()
	if !ok1 || !ok2 {
		return nil, StatusMalformedBody
	}
	th, name, err := eng.BeginThread(ctx, userID, schema, d.RDMSThreadPrefix)
	if err != nil {
		return nil, StatusEngineError
	}
	hc.sess.Thread = th
	hc.w.OpenRDMSThread.Store(true)
	hc.w.SetRDMSThreadName(name)
	hc.w.SetThreadIdentity(userID, schema)
	var w bodyWriter
	w.putString(name)
	return w.bytesOut(), StatusOK
}

func handleEndThread(ctx context.Context, eng engine.Engine, hc *handlerContext) ([]byte, int32) {
	if !hc.sess.HasThread() {
		return nil, StatusNoSuchThread
	}
	err := eng.EndThread(ctx, hc.sess.Thread)
	hc.sess.Thread = nil
	hc.w.OpenRDMSThread.Store(false)
	if err != nil {
		return nil, StatusEngineError
	}
	return nil, StatusOK
}

func handleCommit(ctx context.Context, eng engine.Engine, hc *handlerContext) ([]byte, int32) {
	if !hc.sess.HasThread() {
		return nil, StatusNoSuchThread
	}
	if err := eng.Commit(ctx, hc.sess.Thread); err != nil {
		return nil, StatusEngineError
	}
	return nil, StatusOK
}

func handleRollback(ctx context.Context, eng engine.Engine, hc *handlerContext) ([]byte, int32) {
	if !hc.sess.HasThread() {
		return nil, StatusNoSuchThread
	}
	if err := eng.Rollback(ctx, hc.sess.Thread); err != nil {
		return nil, StatusEngineError
	}
	return nil, StatusOK
}

func handleKeepAlive(_ context.Context, _ engine.Engine, _ *handlerContext) ([]byte, int32) {
	return nil, StatusOK
}

func handleExecute(ctx context.Context, eng engine.Engine, hc *handlerContext) ([]byte, int32) {
	if !hc.sess.HasThread() {
		return nil, StatusNoSuchThread
	}
	r := newBodyReader(hc.req.Body)
	section, _ := r.bytes()
	sqlText, ok := r.string()
	if !ok {
		return nil, StatusMalformedBody
	}

	opts := engine.ExecOptions{
		Section:        section,
		WantNewSection: len(section) == 0,
		IgnoreSection:  hc.ignoreSection,
		SkipCursorDrop: hc.skipCursorDrop,
	}
	res, err := eng.Execute(ctx, hc.sess.Thread, sqlText, opts)
	if err != nil {
		if engine.IsSectionInvalid(err) {
			return nil, -1 // sentinel consumed by the dispatcher's retry loop
		}
		return nil, StatusEngineError
	}
	hc.sess.Cursor = res.Cursor

	var w bodyWriter
	w.putInt64(res.RowsAffected)
	w.putBytes(res.NewSection)
	w.putBool(res.Cursor != nil)
	return w.bytesOut(), StatusOK
}

func handleExecuteBatch(ctx context.Context, eng engine.Engine, hc *handlerContext) ([]byte, int32) {
	if !hc.sess.HasThread() {
		return nil, StatusNoSuchThread
	}
	r := newBodyReader(hc.req.Body)
	n, ok := r.int32()
	if !ok {
		return nil, StatusMalformedBody
	}
	texts := make([]string, 0, n)
	for i := int32(0); i < n; i++ {
		s, ok := r.string()
		if !ok {
			return nil, StatusMalformedBody
		}
		texts = append(texts, s)
	}
	results, err := eng.ExecuteBatch(ctx, hc.sess.Thread, texts, engine.ExecOptions{IgnoreSection: hc.ignoreSection})
	if err != nil {
		if engine.IsSectionInvalid(err) {
			return nil, -1
		}
		return nil, StatusEngineError
	}
	var w bodyWriter
	w.putInt32(int32(len(results)))
	for _, res := range results {
		w.putInt64(res.RowsAffected)
	}
	return w.bytesOut(), StatusOK
}

func handleNext(ctx context.Context, eng engine.Engine, hc *handlerContext) ([]byte, int32) {
	if hc.sess.Cursor == nil {
		return nil, StatusNoSuchCursor
	}
	r := newBodyReader(hc.req.Body)
	n, ok := r.int32()
	if !ok || n <= 0 {
		n = 1
	}
	rows, more, err := eng.Next(ctx, hc.sess.Cursor, int(n))
	if err != nil {
		return nil, StatusNoSuchCursor
	}
	var w bodyWriter
	w.putInt32(int32(len(rows)))
	for _, row := range rows {
		w.putInt32(int32(len(row.Values)))
		for _, v := range row.Values {
			w.putBytes(v)
		}
	}
	w.putBool(more)
	return w.bytesOut(), StatusOK
}

func handlePositionedFetch(ctx context.Context, eng engine.Engine, hc *handlerContext) ([]byte, int32) {
	if hc.sess.Cursor == nil {
		return nil, StatusNoSuchCursor
	}
	r := newBodyReader(hc.req.Body)
	pos, ok := r.int64()
	if !ok {
		return nil, StatusMalformedBody
	}
	row, err := eng.PositionedFetch(ctx, hc.sess.Cursor, pos)
	if err != nil {
		return nil, StatusNoSuchCursor
	}
	var w bodyWriter
	w.putInt32(int32(len(row.Values)))
	for _, v := range row.Values {
		w.putBytes(v)
	}
	return w.bytesOut(), StatusOK
}

func handleDropCursor(ctx context.Context, eng engine.Engine, hc *handlerContext) ([]byte, int32) {
	if hc.sess.Cursor == nil {
		return nil, StatusOK
	}
	if hc.skipCursorDrop {
		hc.sess.Cursor = nil
		return nil, StatusOK
	}
	err := eng.DropCursor(ctx, hc.sess.Cursor)
	hc.sess.Cursor = nil
	if err != nil {
		return nil, StatusEngineError
	}
	return nil, StatusOK
}

func handleGetTables(ctx context.Context, eng engine.Engine, hc *handlerContext) ([]byte, int32) {
	if !hc.sess.HasThread() {
		return nil, StatusNoSuchThread
	}
	r := newBodyReader(hc.req.Body)
	schemaPattern, _ := r.string()
	namePattern, _ := r.string()
	rows, err := eng.GetTables(ctx, hc.sess.Thread, schemaPattern, namePattern)
	return encodeRowsOrError(rows, err)
}

func handleGetColumns(ctx context.Context, eng engine.Engine, hc *handlerContext) ([]byte, int32) {
	if !hc.sess.HasThread() {
		return nil, StatusNoSuchThread
	}
	r := newBodyReader(hc.req.Body)
	table, _ := r.string()
	rows, err := eng.GetColumns(ctx, hc.sess.Thread, table)
	return encodeRowsOrError(rows, err)
}

func handleGetPrimaryKeys(ctx context.Context, eng engine.Engine, hc *handlerContext) ([]byte, int32) {
	if !hc.sess.HasThread() {
		return nil, StatusNoSuchThread
	}
	r := newBodyReader(hc.req.Body)
	table, _ := r.string()
	rows, err := eng.GetPrimaryKeys(ctx, hc.sess.Thread, table)
	return encodeRowsOrError(rows, err)
}

func handleGetImportedKeys(ctx context.Context, eng engine.Engine, hc *handlerContext) ([]byte, int32) {
	if !hc.sess.HasThread() {
		return nil, StatusNoSuchThread
	}
	r := newBodyReader(hc.req.Body)
	table, _ := r.string()
	rows, err := eng.GetImportedKeys(ctx, hc.sess.Thread, table)
	return encodeRowsOrError(rows, err)
}

// handleNextResultSetUpdateCount returns the next queued result set's
// update count, for the outcomes a multi-result-set call produces that
// aren't cursors (spec.md §4.3's "Result-set iteration" class).
func handleNextResultSetUpdateCount(ctx context.Context, eng engine.Engine, hc *handlerContext) ([]byte, int32) {
	if !hc.sess.HasThread() {
		return nil, StatusNoSuchThread
	}
	res, more, err := eng.NextResultSet(ctx, hc.sess.Thread)
	if err != nil {
		return nil, StatusEngineError
	}
	var w bodyWriter
	w.putInt64(res.RowsAffected)
	w.putBool(more)
	return w.bytesOut(), StatusOK
}

// handleNextResultSetCursor returns the next queued result set as a
// cursor, replacing whatever cursor the session currently holds.
func handleNextResultSetCursor(ctx context.Context, eng engine.Engine, hc *handlerContext) ([]byte, int32) {
	if !hc.sess.HasThread() {
		return nil, StatusNoSuchThread
	}
	res, more, err := eng.NextResultSet(ctx, hc.sess.Thread)
	if err != nil {
		return nil, StatusEngineError
	}
	hc.sess.Cursor = res.Cursor
	var w bodyWriter
	w.putBool(res.Cursor != nil)
	w.putBool(more)
	return w.bytesOut(), StatusOK
}

// handleUpdaterRow applies a positioned update against the row the
// session's cursor currently sits on.
func handleUpdaterRow(ctx context.Context, eng engine.Engine, hc *handlerContext) ([]byte, int32) {
	if hc.sess.Cursor == nil {
		return nil, StatusNoSuchCursor
	}
	r := newBodyReader(hc.req.Body)
	n, ok := r.int32()
	if !ok {
		return nil, StatusMalformedBody
	}
	values := make([][]byte, 0, n)
	for i := int32(0); i < n; i++ {
		v, ok := r.bytes()
		if !ok {
			return nil, StatusMalformedBody
		}
		values = append(values, v)
	}
	if err := eng.UpdateRow(ctx, hc.sess.Cursor, values); err != nil {
		return nil, StatusEngineError
	}
	return nil, StatusOK
}

func encodeRowsOrError(rows []engine.Row, err error) ([]byte, int32) {
	if err != nil {
		return nil, StatusEngineError
	}
	var w bodyWriter
	w.putInt32(int32(len(rows)))
	for _, row := range rows {
		w.putInt32(int32(len(row.Values)))
		for _, v := range row.Values {
			w.putBytes(v)
		}
	}
	return w.bytesOut(), StatusOK
}

func handleGetLOBHandle(ctx context.Context, eng engine.Engine, hc *handlerContext) ([]byte, int32) {
	if hc.sess.Cursor == nil {
		return nil, StatusNoSuchCursor
	}
	r := newBodyReader(hc.req.Body)
	column, ok := r.int32()
	if !ok {
		return nil, StatusMalformedBody
	}
	b, err := eng.GetLOBHandle(ctx, hc.sess.Thread, hc.sess.Cursor, int(column))
	if err != nil {
		return nil, StatusEngineError
	}
	hc.sess.Blob = b
	return nil, StatusOK
}

func handleGetBlobData(ctx context.Context, eng engine.Engine, hc *handlerContext) ([]byte, int32) {
	if hc.sess.Blob == nil {
		return nil, StatusStaleBlobHandle
	}
	r := newBodyReader(hc.req.Body)
	offset, ok1 := r.int64()
	length, ok2 := r.int64()
	if !ok1 || !ok2 {
		return nil, StatusMalformedBody
	}
	data, err := eng.GetBlobData(ctx, hc.sess.Blob, offset, length)
	if err != nil {
		return nil, StatusStaleBlobHandle
	}
	var w bodyWriter
	w.putBytes(data)
	return w.bytesOut(), StatusOK
}

func handleSetBlobBytes(ctx context.Context, eng engine.Engine, hc *handlerContext) ([]byte, int32) {
	if hc.sess.Blob == nil {
		return nil, StatusStaleBlobHandle
	}
	r := newBodyReader(hc.req.Body)
	offset, ok1 := r.int64()
	data, ok2 := r.bytes()
	if !ok1 || !ok2 {
		return nil, StatusMalformedBody
	}
	if err := eng.SetBlobBytes(ctx, hc.sess.Blob, offset, data); err != nil {
		return nil, StatusStaleBlobHandle
	}
	return nil, StatusOK
}

func handleTruncateBlob(ctx context.Context, eng engine.Engine, hc *handlerContext) ([]byte, int32) {
	if hc.sess.Blob == nil {
		return nil, StatusStaleBlobHandle
	}
	r := newBodyReader(hc.req.Body)
	length, ok := r.int64()
	if !ok {
		return nil, StatusMalformedBody
	}
	if err := eng.TruncateBlob(ctx, hc.sess.Blob, length); err != nil {
		return nil, StatusStaleBlobHandle
	}
	return nil, StatusOK
}
