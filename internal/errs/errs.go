// Package errs defines the error taxonomy shared by the storage engine.
//
// Packages wrap these sentinels with fmt.Errorf("...: %w", err) and callers
// classify with errors.Is. Validation and ownership errors are never retried.
package errs

import (
	"context"
	"errors"
	"net/http"
)

var (
	// ErrNotAuthorized is returned when an entry is not owned by the caller.
	ErrNotAuthorized = errors.New("not authorized")

	// ErrInvalidParent is returned when a folder or move target is missing,
	// is not a folder, belongs to another user, or is in the trash.
	ErrInvalidParent = errors.New("invalid parent")

	// ErrCyclicMove is returned when a move would make a folder its own
	// ancestor. It wraps ErrInvalidParent.
	ErrCyclicMove = &wrapped{msg: "move would create a cycle", base: ErrInvalidParent}

	// ErrNotFound is returned when a referenced entry or task does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidName is returned for empty or whitespace-only names.
	ErrInvalidName = errors.New("invalid name")

	// ErrQuotaExceeded is the advisory denial issued before a transfer starts.
	ErrQuotaExceeded = errors.New("storage quota exceeded")

	// ErrTooLarge is returned for uploads above the configured size cap.
	ErrTooLarge = errors.New("file too large")

	// ErrTransferFailed marks a network or storage failure mid-transfer.
	ErrTransferFailed = errors.New("transfer failed")

	// ErrStoreUnavailable is returned when the document or blob store is
	// unreachable.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrCancelled is recorded on transfers stopped by user intent.
	ErrCancelled = errors.New("cancelled")

	// ErrShareDenied is returned for share links that are not shared,
	// expired, or protected by a different password.
	ErrShareDenied = errors.New("share link denied")

	// ErrInvalidChunk is returned for a chunk with a bad index or size.
	ErrInvalidChunk = errors.New("invalid chunk")

	// ErrUploadConflict is returned when a resumable upload is finished,
	// finalizing, or still missing chunks.
	ErrUploadConflict = errors.New("upload conflict")
)

type wrapped struct {
	msg  string
	base error
}

func (w *wrapped) Error() string { return w.base.Error() + ": " + w.msg }
func (w *wrapped) Unwrap() error { return w.base }

// TransferError carries the cause of a failed transfer.
type TransferError struct {
	Op    string
	Cause error
}

// Transfer wraps cause as a TransferError for the given operation.
func Transfer(op string, cause error) error {
	if cause == nil {
		return nil
	}
	return &TransferError{Op: op, Cause: cause}
}

func (e *TransferError) Error() string {
	if e.Op == "" {
		return "transfer failed: " + e.Cause.Error()
	}
	return "transfer failed: " + e.Op + ": " + e.Cause.Error()
}

// Unwrap exposes both ErrTransferFailed and the underlying cause.
func (e *TransferError) Unwrap() []error {
	return []error{ErrTransferFailed, e.Cause}
}

// Unavailable wraps err so that errors.Is(err, ErrStoreUnavailable) holds.
func Unavailable(err error) error {
	if err == nil {
		return nil
	}
	return &unavailable{cause: err}
}

type unavailable struct{ cause error }

func (u *unavailable) Error() string   { return ErrStoreUnavailable.Error() + ": " + u.cause.Error() }
func (u *unavailable) Unwrap() []error { return []error{ErrStoreUnavailable, u.cause} }

// HTTPStatus maps an error from the taxonomy to an HTTP status code.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrNotAuthorized), errors.Is(err, ErrShareDenied):
		return http.StatusForbidden
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrCyclicMove):
		return http.StatusConflict
	case errors.Is(err, ErrUploadConflict):
		return http.StatusConflict
	case errors.Is(err, ErrInvalidParent), errors.Is(err, ErrInvalidName), errors.Is(err, ErrInvalidChunk):
		return http.StatusBadRequest
	case errors.Is(err, ErrQuotaExceeded), errors.Is(err, ErrTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrTransferFailed):
		return http.StatusBadGateway
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		return 499
	default:
		return http.StatusInternalServerError
	}
}
