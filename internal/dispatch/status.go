package dispatch

// Task status codes, encoded in the response header's TaskStatus field.
// Zero is success; the dispatcher and handlers agree on a small closed
// set for everything spec.md §7 classifies as an "Engine" or "Protocol"
// error — both are "encoded in response as task status; channel
// preserved" rather than raised as transport failures.
const (
	StatusOK int32 = 0

	StatusBadMagic             int32 = 1
	StatusUnknownTaskCode      int32 = 2
	StatusMalformedBody        int32 = 3
	StatusXANonTransactional   int32 = 4
	StatusAccessDenied         int32 = 5
	StatusEngineError          int32 = 6
	StatusConstraintViolation  int32 = 7
	StatusNoSuchCursor         int32 = 8
	StatusNoSuchThread         int32 = 9
	StatusStaleBlobHandle      int32 = 10
	StatusInternalError        int32 = 11
)

// terminatesConnection reports whether the given task, failing with the
// given status, must force workingOnaClient to false (spec.md §4.3's
// "Failure classification on dispatch": non-zero status from
// begin-thread, end-thread, or credentials-check ends the connection).
func terminatesConnection(code TaskCode, status int32) bool {
	if status == StatusOK {
		return false
	}
	switch code {
	case TaskCredentialsCheck, TaskBeginThread, TaskEndThread:
		return true
	default:
		return false
	}
}
