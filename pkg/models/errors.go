package models

import (
	"errors"
	"fmt"
	"net/http"
)

// Error kinds. Every error produced by the upload and processing layers
// matches exactly one of these with errors.Is.
var (
	ErrValidation      = errors.New("validation failed")
	ErrPermission      = errors.New("permission denied")
	ErrNotFound        = errors.New("not found")
	ErrGone            = errors.New("upload gone")
	ErrConflict        = errors.New("conflict")
	ErrChecksum        = errors.New("checksum mismatch")
	ErrTooLarge        = errors.New("entity too large")
	ErrStorage         = errors.New("storage failure")
	ErrTranscodeFailed = errors.New("transcode failed")
	ErrAnalysisFailed  = errors.New("analysis failed")
)

// Task validation errors.
var (
	ErrMissingAssetID = errors.New("assetId is required")
	ErrMissingJobID   = errors.New("jobId is required")
	ErrMissingKey     = errors.New("key is required")
	ErrMissingBucket  = errors.New("bucket is required")
)

// StatusChecksumMismatch is the tus "checksum mismatch" response code.
const StatusChecksumMismatch = 460

// Error carries a kind sentinel together with the failing operation.
type Error struct {
	Kind error
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Kind.Error()
	if e.Msg != "" {
		msg = e.Msg
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Is(target error) bool { return e.Kind == target }

func (e *Error) Unwrap() error { return e.Err }

// E builds an *Error. msg may contain fmt verbs consumed by args.
func E(kind error, op, msg string, args ...any) *Error {
	if len(args) > 0 {
		msg = fmt.Sprintf(msg, args...)
	}
	return &Error{Kind: kind, Op: op, Msg: msg}
}

// Wrap attaches a cause to a new *Error of the given kind.
func Wrap(kind error, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

var kinds = []error{
	ErrValidation, ErrPermission, ErrNotFound, ErrGone, ErrConflict,
	ErrChecksum, ErrTooLarge, ErrStorage, ErrTranscodeFailed, ErrAnalysisFailed,
}

// Kind returns the sentinel kind of err, or nil when err is unclassified.
func Kind(err error) error {
	for _, k := range kinds {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}

// HTTPStatus maps an error to the status code returned by the upload endpoints.
func HTTPStatus(err error) int {
	switch Kind(err) {
	case ErrValidation:
		return http.StatusBadRequest
	case ErrPermission:
		return http.StatusForbidden
	case ErrNotFound:
		return http.StatusNotFound
	case ErrGone:
		return http.StatusGone
	case ErrConflict:
		return http.StatusConflict
	case ErrChecksum:
		return StatusChecksumMismatch
	case ErrTooLarge:
		return http.StatusRequestEntityTooLarge
	case ErrStorage:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// Retryable reports whether retrying the same operation may succeed.
func Retryable(err error) bool {
	switch Kind(err) {
	case ErrStorage, ErrTranscodeFailed:
		return true
	}
	return false
}
