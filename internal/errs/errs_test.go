package errs

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestCyclicMoveIsInvalidParent(t *testing.T) {
	err := fmt.Errorf("move abc: %w", ErrCyclicMove)
	if !errors.Is(err, ErrCyclicMove) {
		t.Fatal("expected ErrCyclicMove")
	}
	if !errors.Is(err, ErrInvalidParent) {
		t.Fatal("expected ErrCyclicMove to match ErrInvalidParent")
	}
	if errors.Is(ErrInvalidParent, ErrCyclicMove) {
		t.Fatal("ErrInvalidParent must not match ErrCyclicMove")
	}
}

func TestTransferError(t *testing.T) {
	cause := errors.New("connection reset")
	err := Transfer("put", cause)
	if !errors.Is(err, ErrTransferFailed) {
		t.Error("expected ErrTransferFailed")
	}
	if !errors.Is(err, cause) {
		t.Error("expected cause to be reachable")
	}
	var te *TransferError
	if !errors.As(err, &te) || te.Op != "put" {
		t.Errorf("expected TransferError with op put, got %v", err)
	}
	if Transfer("put", nil) != nil {
		t.Error("expected nil for nil cause")
	}
}

func TestUnavailable(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	err := fmt.Errorf("get entry: %w", Unavailable(cause))
	if !errors.Is(err, ErrStoreUnavailable) || !errors.Is(err, cause) {
		t.Errorf("unexpected classification: %v", err)
	}
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{nil, http.StatusOK},
		{ErrNotAuthorized, http.StatusForbidden},
		{fmt.Errorf("x: %w", ErrNotFound), http.StatusNotFound},
		{ErrCyclicMove, http.StatusConflict},
		{ErrInvalidParent, http.StatusBadRequest},
		{ErrInvalidName, http.StatusBadRequest},
		{fmt.Errorf("chunk 9: %w", ErrInvalidChunk), http.StatusBadRequest},
		{ErrUploadConflict, http.StatusConflict},
		{fmt.Errorf("%w: big.iso", ErrTooLarge), http.StatusRequestEntityTooLarge},
		{ErrQuotaExceeded, http.StatusRequestEntityTooLarge},
		{Unavailable(errors.New("down")), http.StatusServiceUnavailable},
		{Transfer("put", errors.New("reset")), http.StatusBadGateway},
		{context.Canceled, 499},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := HTTPStatus(tt.err); got != tt.want {
			t.Errorf("HTTPStatus(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
