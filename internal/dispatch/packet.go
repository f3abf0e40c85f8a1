// Package dispatch implements the Task Dispatcher: request-packet
// decoding, accounting, debug/trace setup, class-based handler dispatch,
// and response-packet framing (spec.md §4.3). The wire format is
// described abstractly in spec.md §6.3 — this package picks one concrete
// fixed-width encoding, not wire compatibility with any existing format
// (an explicit non-goal).
package dispatch

import (
	"encoding/binary"
	"fmt"
)

// Magic identifies this protocol version on the wire (spec.md §6.3:
// "magic/version ... established at protocol-negotiation time").
const Magic uint32 = 0x4A444243 // "JDBC"

// TaskCode enumerates the task-specific handlers from spec.md §4.3's
// class table.
type TaskCode int32

const (
	TaskCredentialsCheck TaskCode = iota + 1
	TaskBeginThread
	TaskEndThread
	TaskCommit
	TaskRollback
	TaskKeepAlive

	TaskExecute
	TaskExecuteUpdate
	TaskExecuteBatch
	TaskReExecutePrepared

	TaskNext
	TaskNextN
	TaskPositionedFetch
	TaskDropCursor
	TaskCompleteStatement

	TaskGetTables
	TaskGetColumns
	TaskGetPrimaryKeys
	TaskGetImportedKeys

	TaskGetBlobData
	TaskSetBlobBytes
	TaskTruncateBlob
	TaskGetLOBHandle

	TaskNextResultSetUpdateCount
	TaskNextResultSetCursor
	TaskUpdaterRow
)

// Debug-flag bits (spec.md §4.3 step 3): "internal ⊃ detail ⊃ brief;
// SQL debug is orthogonal and has two sub-flags (explain, parameters)".
const (
	DebugBrief       uint32 = 1 << 0
	DebugDetail      uint32 = 1 << 1 // implies Brief
	DebugInternal    uint32 = 1 << 2 // implies Detail and Brief
	DebugSQLExplain  uint32 = 1 << 3
	DebugSQLParams   uint32 = 1 << 4
)

// AnyTraceRequested reports whether flags demand opening a client trace
// file (any debug level or SQL sub-flag set).
func AnyTraceRequested(flags uint32) bool {
	return flags&(DebugBrief|DebugDetail|DebugInternal|DebugSQLExplain|DebugSQLParams) != 0
}

// RequestHeader is the fixed portion of a request packet (spec.md §6.3).
type RequestHeader struct {
	Magic           uint32
	TaskCode        TaskCode
	DebugFlags      uint32
	DebugPrefix     string
	DebugInfoOffset uint32
	XAToken         uint64
	BodyLength      uint32
}

// Request is a fully decoded request packet.
type Request struct {
	Header RequestHeader
	Body   []byte
}

// ErrBadMagic is returned by DecodeRequest when the leading magic word
// doesn't match, per spec.md §7's protocol error row ("bad magic ...
// channel preserved except on bad magic").
var ErrBadMagic = fmt.Errorf("dispatch: bad request magic")

// DecodeRequest parses a full request packet previously assembled by the
// worker's receive loop (header + body already concatenated).
func DecodeRequest(raw []byte) (*Request, error) {
	const fixedLen = 4 + 4 + 4 + 2 + 4 + 8 + 4
	if len(raw) < fixedLen {
		return nil, fmt.Errorf("dispatch: request shorter than fixed header (%d bytes)", len(raw))
	}
	r := &Request{}
	off := 0
	r.Header.Magic = binary.BigEndian.Uint32(raw[off:])
	off += 4
	// The task code sits right after the magic word regardless of whether
	// the magic matches, so it can still be read out and echoed back in a
	// synthesized error response (spec.md §4.3 step 1) instead of losing
	// the channel outright.
	r.Header.TaskCode = TaskCode(int32(binary.BigEndian.Uint32(raw[off:])))
	off += 4
	if r.Header.Magic != Magic {
		return r, ErrBadMagic
	}
	r.Header.DebugFlags = binary.BigEndian.Uint32(raw[off:])
	off += 4
	prefixLen := int(binary.BigEndian.Uint16(raw[off:]))
	off += 2
	if len(raw) < off+prefixLen {
		return nil, fmt.Errorf("dispatch: truncated debug prefix")
	}
	r.Header.DebugPrefix = string(raw[off : off+prefixLen])
	off += prefixLen
	if len(raw) < off+4+8+4 {
		return nil, fmt.Errorf("dispatch: truncated request header")
	}
	r.Header.DebugInfoOffset = binary.BigEndian.Uint32(raw[off:])
	off += 4
	r.Header.XAToken = binary.BigEndian.Uint64(raw[off:])
	off += 8
	r.Header.BodyLength = binary.BigEndian.Uint32(raw[off:])
	off += 4
	if uint32(len(raw)-off) < r.Header.BodyLength {
		return nil, fmt.Errorf("dispatch: body shorter than declared length")
	}
	r.Body = raw[off : off+int(r.Header.BodyLength)]
	return r, nil
}

// FixedHeaderLen returns the number of bytes of the request header that
// precede the variable-length debug prefix; callers that frame over a
// stream (read fixed part, then prefix, then body) use this to size reads.
func FixedHeaderLen() int {
	return 4 + 4 + 4 + 2 // magic, task code, debug flags, prefix length
}

// ResponseHeader is the fixed portion of a response packet (spec.md §6.3).
type ResponseHeader struct {
	Magic             uint32
	TaskStatus        int32
	TaskCodeEcho      TaskCode
	DebugTrailerOffset uint32
	BodyLength        uint32
}

// Response is a fully encoded response, ready for transport.Send.
type Response struct {
	Header       ResponseHeader
	Body         []byte
	DebugTrailer []byte // present only if DebugTrailerOffset != 0
}

// Encode serialises r to the wire form: header, body, optional trailer.
func (r *Response) Encode() []byte {
	r.Header.Magic = Magic
	r.Header.BodyLength = uint32(len(r.Body))

	buf := make([]byte, 0, 4+4+4+4+4+len(r.Body)+len(r.DebugTrailer))
	buf = binary.BigEndian.AppendUint32(buf, r.Header.Magic)
	buf = binary.BigEndian.AppendUint32(buf, uint32(int32(r.Header.TaskStatus)))
	buf = binary.BigEndian.AppendUint32(buf, uint32(int32(r.Header.TaskCodeEcho)))
	buf = binary.BigEndian.AppendUint32(buf, r.Header.DebugTrailerOffset)
	buf = binary.BigEndian.AppendUint32(buf, r.Header.BodyLength)
	buf = append(buf, r.Body...)
	buf = append(buf, r.DebugTrailer...)
	return buf
}

// NewErrorResponse synthesises an internal-error response naming the
// failing task code (spec.md §4.3 step 5 / §4.3's bad-magic handling).
func NewErrorResponse(code TaskCode, status int32) *Response {
	return &Response{Header: ResponseHeader{TaskStatus: status, TaskCodeEcho: code}}
}

// EncodeDebugTrailer builds the optional trailer naming the server-side
// trace file and generated run id (spec.md §4.3 step 5).
func EncodeDebugTrailer(traceFile, runID string) []byte {
	buf := make([]byte, 0, 2+len(traceFile)+2+len(runID))
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(traceFile)))
	buf = append(buf, traceFile...)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(runID)))
	buf = append(buf, runID...)
	return buf
}
