package audit

import "errors"

var (
	ErrEmptyEvent   = errors.New("audit: cannot hash empty entry")
	ErrLoggerClosed = errors.New("audit: logger is closed")
	ErrLockTimeout  = errors.New("audit: timed out acquiring advisory lock")
)

// VerifyReason is one of the closed set of integrity-failure reasons
// verifyIntegrity reports (spec 4.3).
type VerifyReason string

const (
	ReasonInvalidJSON      VerifyReason = "invalid_json"
	ReasonPrevHashMismatch VerifyReason = "prevHash mismatch"
	ReasonHashMismatch     VerifyReason = "hash mismatch"
)

// invalidJSONMarker is an internal sentinel value ReadAll stamps into
// Entry.Hash for a line that failed to parse, so VerifyChain can report
// ReasonInvalidJSON instead of miscategorizing it as a hash mismatch.
const invalidJSONMarker = "\x00invalid-json\x00"
