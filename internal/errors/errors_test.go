package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestNew(t *testing.T) {
	e := New(KindNoInstances, "registry returned nothing")
	if e.Status != 502 {
		t.Errorf("Status = %d, want 502", e.Status)
	}
	if e.Kind != KindNoInstances {
		t.Errorf("Kind = %q, want %q", e.Kind, KindNoInstances)
	}
	if e.Text != "Bad Gateway" {
		t.Errorf("Text = %q, want %q", e.Text, "Bad Gateway")
	}
	if e.Error() != "registry returned nothing" {
		t.Errorf("Error() = %q, want %q", e.Error(), "registry returned nothing")
	}
}

func TestWrap(t *testing.T) {
	inner := fmt.Errorf("connection refused")
	e := Wrap(inner, KindUpstreamTransport, "upstream request failed")

	if e.Status != 502 {
		t.Errorf("Status = %d, want 502", e.Status)
	}

	want := "upstream request failed: connection refused"
	if e.Error() != want {
		t.Errorf("Error() = %q, want %q", e.Error(), want)
	}
}

func TestUnwrap(t *testing.T) {
	inner := fmt.Errorf("root cause")
	e := Wrap(inner, KindUpstreamTransport, "wrapped")

	if e.Unwrap() != inner {
		t.Error("Unwrap should return the underlying error")
	}

	// errors.Is should work through the chain
	if !errors.Is(e, inner) {
		t.Error("errors.Is should find the underlying error")
	}
}

func TestUnwrapNil(t *testing.T) {
	e := New(KindNoMatchingRoute, "")
	if e.Unwrap() != nil {
		t.Error("Unwrap on a non-wrapped error should return nil")
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		kind Kind
		want int
	}{
		{KindNoMatchingRoute, http.StatusNotFound},
		{KindMethodNotAllowed, http.StatusMethodNotAllowed},
		{KindRateLimited, http.StatusTooManyRequests},
		{KindNoInstances, http.StatusBadGateway},
		{KindCircuitOpen, http.StatusBadGateway},
		{KindUpstreamTimeout, http.StatusGatewayTimeout},
		{KindUpstreamTransport, http.StatusBadGateway},
		{KindInternal, http.StatusInternalServerError},
		{Kind("UNKNOWN"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			if got := StatusFor(tt.kind); got != tt.want {
				t.Errorf("StatusFor(%q) = %d, want %d", tt.kind, got, tt.want)
			}
		})
	}
}

func TestNoRouteBody(t *testing.T) {
	e := NoRoute("/api/unknown/resource")

	w := httptest.NewRecorder()
	e.WriteJSON(w)

	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}

	var body map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if body["error"] != "No matching gateway route" {
		t.Errorf("body error = %v, want %q", body["error"], "No matching gateway route")
	}
	if body["path"] != "/api/unknown/resource" {
		t.Errorf("body path = %v, want %q", body["path"], "/api/unknown/resource")
	}
	if body["code"] != string(KindNoMatchingRoute) {
		t.Errorf("body code = %v, want %q", body["code"], KindNoMatchingRoute)
	}
}

func TestNoInstancesBody(t *testing.T) {
	e := NoInstances("user-service")

	w := httptest.NewRecorder()
	e.WriteJSON(w)

	if w.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", w.Code)
	}

	var body map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if body["error"] != "Bad Gateway" {
		t.Errorf("body error = %v, want %q", body["error"], "Bad Gateway")
	}
	if body["service"] != "user-service" {
		t.Errorf("body service = %v, want %q", body["service"], "user-service")
	}
	if body["message"] == nil || body["message"] == "" {
		t.Error("body message should not be empty")
	}
}

func TestRateLimitedRetryAfter(t *testing.T) {
	tests := []struct {
		retryAfter time.Duration
		wantHeader string
	}{
		{60 * time.Second, "60"},
		{1500 * time.Millisecond, "2"},
		{time.Millisecond, "1"},
	}

	for _, tt := range tests {
		t.Run(tt.wantHeader, func(t *testing.T) {
			w := httptest.NewRecorder()
			RateLimited(tt.retryAfter).WriteJSON(w)

			if w.Code != http.StatusTooManyRequests {
				t.Fatalf("status = %d, want 429", w.Code)
			}
			if got := w.Header().Get("Retry-After"); got != tt.wantHeader {
				t.Errorf("Retry-After = %q, want %q", got, tt.wantHeader)
			}
		})
	}
}

func TestRateLimitedZeroOmitsHeader(t *testing.T) {
	w := httptest.NewRecorder()
	RateLimited(0).WriteJSON(w)

	if got := w.Header().Get("Retry-After"); got != "" {
		t.Errorf("Retry-After = %q, want empty", got)
	}
}

func TestWithBuilders(t *testing.T) {
	inner := fmt.Errorf("root cause")
	e := Wrap(inner, KindUpstreamTransport, "upstream request failed").
		WithService("order-service").
		WithPath("/api/orders").
		WithDetails("dial tcp: refused").
		WithRequestID("req-789")

	if e.Service != "order-service" {
		t.Errorf("Service = %q, want %q", e.Service, "order-service")
	}
	if e.Path != "/api/orders" {
		t.Errorf("Path = %q, want %q", e.Path, "/api/orders")
	}
	if e.Details != "dial tcp: refused" {
		t.Errorf("Details = %q, want %q", e.Details, "dial tcp: refused")
	}
	if e.RequestID != "req-789" {
		t.Errorf("RequestID = %q, want %q", e.RequestID, "req-789")
	}
	if e.Unwrap() != inner {
		t.Error("builders should preserve the underlying error")
	}
}

func TestBuildersDoNotMutateSingletons(t *testing.T) {
	_ = ErrBadGateway.WithService("user-service")
	if ErrBadGateway.Service != "" {
		t.Error("WithService mutated the shared singleton")
	}
}

func TestFromError(t *testing.T) {
	t.Run("direct", func(t *testing.T) {
		e := CircuitOpen("user-service")
		ae, ok := FromError(e)
		if !ok {
			t.Fatal("FromError should return true for ApronError")
		}
		if ae.Kind != KindCircuitOpen {
			t.Errorf("Kind = %q, want %q", ae.Kind, KindCircuitOpen)
		}
	})

	t.Run("wrapped", func(t *testing.T) {
		e := fmt.Errorf("attempt 3: %w", UpstreamTimeout("user-service"))
		ae, ok := FromError(e)
		if !ok {
			t.Fatal("FromError should unwrap through fmt.Errorf chains")
		}
		if ae.Kind != KindUpstreamTimeout {
			t.Errorf("Kind = %q, want %q", ae.Kind, KindUpstreamTimeout)
		}
	})

	t.Run("regular error", func(t *testing.T) {
		_, ok := FromError(fmt.Errorf("regular error"))
		if ok {
			t.Error("FromError should return false for a plain error")
		}
	})

	t.Run("nil", func(t *testing.T) {
		_, ok := FromError(nil)
		if ok {
			t.Error("FromError should return false for nil")
		}
	})
}

func TestKindOf(t *testing.T) {
	if k := KindOf(NoInstances("svc")); k != KindNoInstances {
		t.Errorf("KindOf = %q, want %q", k, KindNoInstances)
	}
	if k := KindOf(fmt.Errorf("plain")); k != KindInternal {
		t.Errorf("KindOf(plain) = %q, want %q", k, KindInternal)
	}
}

func TestWriteJSON_PreSerialized(t *testing.T) {
	singletons := []*ApronError{
		ErrNoRoute, ErrMethodNotAllowed, ErrTooManyRequests,
		ErrBadGateway, ErrGatewayTimeout, ErrInternal,
	}

	for _, e := range singletons {
		t.Run(string(e.Kind), func(t *testing.T) {
			w := httptest.NewRecorder()
			e.WriteJSON(w)

			if ct := w.Header().Get("Content-Type"); ct != "application/json" {
				t.Errorf("Content-Type = %q, want %q", ct, "application/json")
			}
			if w.Code != e.Status {
				t.Errorf("status = %d, want %d", w.Code, e.Status)
			}

			var body map[string]interface{}
			if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
				t.Fatalf("invalid JSON: %v", err)
			}
			if body["error"] != e.Text {
				t.Errorf("body error = %v, want %q", body["error"], e.Text)
			}
			if body["code"] != string(e.Kind) {
				t.Errorf("body code = %v, want %q", body["code"], e.Kind)
			}
		})
	}
}

func TestPreSerializedCount(t *testing.T) {
	if len(preSerialized) != 6 {
		t.Errorf("preSerialized has %d entries, want 6", len(preSerialized))
	}
}

func TestErrorInterface(t *testing.T) {
	var _ error = New(KindInternal, "test")
	var _ error = Wrap(fmt.Errorf("inner"), KindInternal, "test")
}
