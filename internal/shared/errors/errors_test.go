package errors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestCodeOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"Nil", nil, ""},
		{"Permission denied", PermissionDenied("users/42", "read"), CodePermissionDenied},
		{"Wrapped app error", fmt.Errorf("listen: %w", NotFound("document", "users/42")), CodeNotFound},
		{"Deadline", context.DeadlineExceeded, CodeDeadlineExceeded},
		{"Wrapped cancel", fmt.Errorf("commit: %w", context.Canceled), CodeCanceled},
		{"Sentinel", ErrUnavailable, CodeUnavailable},
		{"Plain", errors.New("boom"), CodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CodeOf(tt.err); got != tt.want {
				t.Errorf("Expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestFromCodeRoundTrip(t *testing.T) {
	orig := PermissionDenied("tasks/7", "update")
	rebuilt := FromCode(orig.Code, orig.Message)

	if !errors.Is(rebuilt, ErrPermissionDenied) {
		t.Error("Expected rebuilt error to match ErrPermissionDenied")
	}
	if rebuilt.HTTPStatus != http.StatusForbidden {
		t.Errorf("Expected status 403, got %d", rebuilt.HTTPStatus)
	}
	if CodeOf(rebuilt) != CodePermissionDenied {
		t.Errorf("Expected code %s, got %s", CodePermissionDenied, CodeOf(rebuilt))
	}
}

func TestWrapKeepsCode(t *testing.T) {
	wrapped := Wrap(AlreadyExists("document", "tasks/7"), "create failed")

	if wrapped.Code != CodeAlreadyExists {
		t.Errorf("Expected code %s, got %s", CodeAlreadyExists, wrapped.Code)
	}
	if !errors.Is(wrapped, ErrAlreadyExists) {
		t.Error("Expected wrapped error to match ErrAlreadyExists")
	}

	plain := Wrap(errors.New("disk full"), "persist failed")
	if plain.Code != CodeInternal {
		t.Errorf("Expected code %s, got %s", CodeInternal, plain.Code)
	}
}
