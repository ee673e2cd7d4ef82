package core

import "errors"

// ErrorKind is the stable, string-tagged error taxonomy surfaced to the UI
// across the RPC boundary (spec §7). Kinds are deliberately coarse: callers
// branch on Kind, never on the wrapped message text.
type ErrorKind string

const (
	ErrKindInit             ErrorKind = "init"
	ErrKindDecode           ErrorKind = "decode"
	ErrKindSignature        ErrorKind = "signature"
	ErrKindLogIntegrity     ErrorKind = "log_integrity"
	ErrKindStore            ErrorKind = "store"
	ErrKindPublish          ErrorKind = "publish"
	ErrKindStreamController ErrorKind = "stream_controller"
	ErrKindBlob             ErrorKind = "blob"
	ErrKindChannel          ErrorKind = "channel"
)

// Error is the concrete error type propagated across the RPC boundary. It
// pairs a stable Kind with a human-readable Message and an optional wrapped
// cause for local (non-RPC) callers that want to use errors.Is/As.
type Error struct {
	Kind    ErrorKind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return string(e.Kind) + ": " + e.Message + ": " + e.Cause.Error()
	}
	return string(e.Kind) + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// NewError builds an *Error with the given kind and message, optionally
// wrapping cause.
func NewError(kind ErrorKind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Sentinel errors for conditions callers commonly check with errors.Is.
var (
	ErrNotFound        = errors.New("not found")
	ErrAlreadyBound    = errors.New("channel already bound")
	ErrChannelClosed   = errors.New("delivery channel closed")
	ErrMissingBody     = errors.New("payload size nonzero but body absent")
	ErrMissingLogID    = errors.New("extensions carry no log id")
	ErrForkDetected    = errors.New("conflicting entry at same sequence number")
	ErrMissingSeqZero  = errors.New("seq 0 requires no backlink and no prior entry")
	ErrUnknownOperation = errors.New("operation unknown to stream controller")
	ErrBlobTimeout     = errors.New("blob sync timed out")
	ErrInvalidBlobURI  = errors.New("malformed blobstore URI")
)
