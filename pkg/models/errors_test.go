package models

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestHTTPStatus(t *testing.T) {
	cause := errors.New("boom")
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"validation", E(ErrValidation, "create", "bad length"), http.StatusBadRequest},
		{"permission", E(ErrPermission, "append", ""), http.StatusForbidden},
		{"not found", E(ErrNotFound, "status", ""), http.StatusNotFound},
		{"gone", E(ErrGone, "append", "expired"), http.StatusGone},
		{"conflict", E(ErrConflict, "append", ""), http.StatusConflict},
		{"checksum", E(ErrChecksum, "append", ""), StatusChecksumMismatch},
		{"too large", E(ErrTooLarge, "create", ""), http.StatusRequestEntityTooLarge},
		{"storage", Wrap(ErrStorage, "upload part", cause), http.StatusServiceUnavailable},
		{"wrapped twice", fmt.Errorf("outer: %w", E(ErrConflict, "commit", "")), http.StatusConflict},
		{"plain", cause, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := HTTPStatus(tt.err); got != tt.want {
				t.Errorf("HTTPStatus() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("connection reset")
	err := Wrap(ErrStorage, "complete", cause)

	if !errors.Is(err, ErrStorage) {
		t.Error("expected error to match ErrStorage")
	}
	if !errors.Is(err, cause) {
		t.Error("expected error to unwrap to cause")
	}
	if errors.Is(err, ErrConflict) {
		t.Error("storage error must not match ErrConflict")
	}
	if got, want := err.Error(), "complete: storage failure: connection reset"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestRetryable(t *testing.T) {
	if !Retryable(Wrap(ErrStorage, "get", errors.New("x"))) {
		t.Error("storage errors should be retryable")
	}
	if Retryable(E(ErrChecksum, "append", "")) {
		t.Error("checksum errors should not be retryable")
	}
}
