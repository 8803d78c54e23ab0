package apperror

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestAs_ThroughWrapping(t *testing.T) {
	base := Validation("LIMIT_EXCEEDED", "limit 5000 exceeds maximum 1000")
	wrapped := fmt.Errorf("Execute: %w", base)

	got, ok := As(wrapped)
	if !ok {
		t.Fatal("expected *Error in chain")
	}
	if got.Code != "LIMIT_EXCEEDED" {
		t.Fatalf("expected LIMIT_EXCEEDED, got %s", got.Code)
	}
	if KindOf(wrapped) != KindValidation {
		t.Fatalf("expected validation kind, got %s", KindOf(wrapped))
	}
}

func TestKindOf_ForeignError(t *testing.T) {
	if KindOf(errors.New("boom")) != KindInternal {
		t.Fatal("expected internal kind for plain errors")
	}
	if CodeOf(errors.New("boom")) != "INTERNAL_ERROR" {
		t.Fatal("expected INTERNAL_ERROR code for plain errors")
	}
}

func TestUpstream_PreservesBody(t *testing.T) {
	e := Upstream(500, `{"error":"Cube not found"}`, nil)
	details, ok := e.Details.(map[string]any)
	if !ok {
		t.Fatalf("expected map details, got %T", e.Details)
	}
	if details["body"] != `{"error":"Cube not found"}` {
		t.Fatalf("body not preserved: %v", details["body"])
	}
	if e.Kind != KindUpstream {
		t.Fatalf("expected upstream kind, got %s", e.Kind)
	}
}

func TestTimeout_IsRetryableAndUnwraps(t *testing.T) {
	e := Timeout("load timed out", context.DeadlineExceeded)
	if !e.Retryable {
		t.Fatal("timeouts should be retryable")
	}
	if !errors.Is(e, context.DeadlineExceeded) {
		t.Fatal("expected cause to be reachable via errors.Is")
	}
}

func TestHTTPStatus(t *testing.T) {
	cases := map[Kind]int{
		KindValidation: http.StatusBadRequest,
		KindGovernance: http.StatusForbidden,
		KindNotFound:   http.StatusNotFound,
		KindUpstream:   http.StatusBadGateway,
		KindNotReady:   http.StatusServiceUnavailable,
		KindConflict:   http.StatusConflict,
		KindInternal:   http.StatusInternalServerError,
	}
	for kind, want := range cases {
		if got := HTTPStatus(kind); got != want {
			t.Errorf("HTTPStatus(%s) = %d, want %d", kind, got, want)
		}
	}
}
