package model

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorKindRoundTrip(t *testing.T) {
	err := NewError(KindInvalidAlertPayload, "missing field %q", "starts_at")
	if KindOf(err) != KindInvalidAlertPayload {
		t.Fatalf("KindOf = %s", KindOf(err))
	}
	if !IsKind(err, KindInvalidAlertPayload) {
		t.Fatalf("IsKind should match")
	}
	if IsKind(err, KindRunbookNotFound) {
		t.Fatalf("IsKind should not match a different kind")
	}
}

func TestErrorKindThroughWrapping(t *testing.T) {
	inner := NewError(KindExternalCallTimeout, "health check timed out")
	wrapped := fmt.Errorf("step 3: %w", inner)
	if KindOf(wrapped) != KindExternalCallTimeout {
		t.Fatalf("kind should survive fmt.Errorf wrapping, got %q", KindOf(wrapped))
	}
}

func TestWrapErrorUnwraps(t *testing.T) {
	cause := errors.New("connection refused")
	err := WrapError(KindNotificationDeliveryFailed, cause, "pager send")
	if !errors.Is(err, cause) {
		t.Fatalf("wrapped cause should be on the unwrap chain")
	}
	if KindOf(err) != KindNotificationDeliveryFailed {
		t.Fatalf("KindOf = %s", KindOf(err))
	}
}

func TestKindOfPlainError(t *testing.T) {
	if KindOf(errors.New("plain")) != "" {
		t.Fatalf("plain errors carry no kind")
	}
	if KindOf(nil) != "" {
		t.Fatalf("nil carries no kind")
	}
}
