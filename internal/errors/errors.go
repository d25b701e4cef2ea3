package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// Kind classifies a gateway failure. It is written to clients as the
// "code" field of the error body and drives status mapping and metrics
// classification.
type Kind string

const (
	KindNoMatchingRoute   Kind = "NO_MATCHING_ROUTE"
	KindMethodNotAllowed  Kind = "METHOD_NOT_ALLOWED"
	KindRateLimited       Kind = "RATE_LIMIT_EXCEEDED"
	KindNoInstances       Kind = "NO_INSTANCES_AVAILABLE"
	KindCircuitOpen       Kind = "CIRCUIT_OPEN"
	KindUpstreamTimeout   Kind = "UPSTREAM_TIMEOUT"
	KindUpstreamTransport Kind = "UPSTREAM_TRANSPORT"
	KindInternal          Kind = "INTERNAL"
)

// StatusFor returns the HTTP status written to clients for a kind.
func StatusFor(k Kind) int {
	switch k {
	case KindNoMatchingRoute:
		return http.StatusNotFound
	case KindMethodNotAllowed:
		return http.StatusMethodNotAllowed
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindNoInstances, KindCircuitOpen, KindUpstreamTransport:
		return http.StatusBadGateway
	case KindUpstreamTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func textFor(k Kind) string {
	if k == KindNoMatchingRoute {
		return "No matching gateway route"
	}
	return http.StatusText(StatusFor(k))
}

// ApronError represents an error that can be returned to clients.
// Text carries the canonical short description ("Bad Gateway"), Message
// the human-readable detail.
type ApronError struct {
	Status     int           `json:"-"`
	Text       string        `json:"error"`
	Kind       Kind          `json:"code"`
	Message    string        `json:"message,omitempty"`
	Service    string        `json:"service,omitempty"`
	Path       string        `json:"path,omitempty"`
	Details    string        `json:"details,omitempty"`
	RequestID  string        `json:"requestId,omitempty"`
	RetryAfter time.Duration `json:"-"`
	underlying error
}

func (e *ApronError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Text
	}
	if e.underlying != nil {
		return fmt.Sprintf("%s: %v", msg, e.underlying)
	}
	return msg
}

func (e *ApronError) Unwrap() error {
	return e.underlying
}

// WriteJSON writes the error as JSON to the response. Rate-limit errors
// carry a Retry-After header in whole seconds, rounded up.
// For base errors (no dynamic fields), uses pre-serialized JSON to avoid
// allocations.
func (e *ApronError) WriteJSON(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	if e.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.FormatInt(retryAfterSeconds(e.RetryAfter), 10))
	}
	w.WriteHeader(e.Status)
	if pre, ok := preSerialized[e]; ok {
		w.Write(pre)
		return
	}
	json.NewEncoder(w).Encode(e)
}

func retryAfterSeconds(d time.Duration) int64 {
	secs := int64(d / time.Second)
	if d%time.Second != 0 {
		secs++
	}
	return secs
}

// Common errors
var (
	ErrNoRoute = &ApronError{
		Status: http.StatusNotFound,
		Text:   "No matching gateway route",
		Kind:   KindNoMatchingRoute,
	}

	ErrMethodNotAllowed = &ApronError{
		Status: http.StatusMethodNotAllowed,
		Text:   "Method Not Allowed",
		Kind:   KindMethodNotAllowed,
	}

	ErrTooManyRequests = &ApronError{
		Status: http.StatusTooManyRequests,
		Text:   "Too Many Requests",
		Kind:   KindRateLimited,
	}

	ErrBadGateway = &ApronError{
		Status: http.StatusBadGateway,
		Text:   "Bad Gateway",
		Kind:   KindUpstreamTransport,
	}

	ErrGatewayTimeout = &ApronError{
		Status: http.StatusGatewayTimeout,
		Text:   "Gateway Timeout",
		Kind:   KindUpstreamTimeout,
	}

	ErrInternal = &ApronError{
		Status: http.StatusInternalServerError,
		Text:   "Internal Server Error",
		Kind:   KindInternal,
	}
)

// preSerialized holds JSON-encoded bytes for base error singletons.
var preSerialized map[*ApronError][]byte

func init() {
	bases := []*ApronError{
		ErrNoRoute, ErrMethodNotAllowed, ErrTooManyRequests,
		ErrBadGateway, ErrGatewayTimeout, ErrInternal,
	}
	preSerialized = make(map[*ApronError][]byte, len(bases))
	for _, e := range bases {
		b, _ := json.Marshal(e)
		b = append(b, '\n') // match json.Encoder behavior
		preSerialized[e] = b
	}
}

// New creates a new ApronError for a kind.
func New(kind Kind, message string) *ApronError {
	return &ApronError{
		Status:  StatusFor(kind),
		Text:    textFor(kind),
		Kind:    kind,
		Message: message,
	}
}

// Wrap wraps an error with a kind and additional context.
func Wrap(err error, kind Kind, message string) *ApronError {
	return &ApronError{
		Status:     StatusFor(kind),
		Text:       textFor(kind),
		Kind:       kind,
		Message:    message,
		underlying: err,
	}
}

// NoRoute reports that no configured route matched the request path.
func NoRoute(path string) *ApronError {
	e := New(KindNoMatchingRoute, "")
	e.Path = path
	return e
}

// MethodNotAllowed reports that the matched route does not accept the
// request method.
func MethodNotAllowed(path string) *ApronError {
	e := New(KindMethodNotAllowed, "")
	e.Path = path
	return e
}

// RateLimited reports that the route's rate limit is exhausted.
// retryAfter is the wait until a slot frees up.
func RateLimited(retryAfter time.Duration) *ApronError {
	e := New(KindRateLimited, "rate limit exceeded")
	e.RetryAfter = retryAfter
	return e
}

// NoInstances reports that discovery returned no usable instances.
func NoInstances(service string) *ApronError {
	e := New(KindNoInstances, "no available instances for service")
	e.Service = service
	return e
}

// CircuitOpen reports that the service's circuit breaker rejected the call.
func CircuitOpen(service string) *ApronError {
	e := New(KindCircuitOpen, "circuit breaker is open")
	e.Service = service
	return e
}

// UpstreamTimeout reports that the upstream call exceeded its deadline.
func UpstreamTimeout(service string) *ApronError {
	e := New(KindUpstreamTimeout, "upstream request timed out")
	e.Service = service
	return e
}

// UpstreamTransport reports a transport-level failure reaching the upstream.
func UpstreamTransport(service string, err error) *ApronError {
	e := Wrap(err, KindUpstreamTransport, "upstream request failed")
	e.Service = service
	return e
}

// WithService returns a copy carrying the service name.
func (e *ApronError) WithService(service string) *ApronError {
	c := *e
	c.Service = service
	return &c
}

// WithPath returns a copy carrying the request path.
func (e *ApronError) WithPath(path string) *ApronError {
	c := *e
	c.Path = path
	return &c
}

// WithDetails returns a copy carrying extra detail text.
func (e *ApronError) WithDetails(details string) *ApronError {
	c := *e
	c.Details = details
	return &c
}

// WithRequestID returns a copy carrying the request ID.
func (e *ApronError) WithRequestID(requestID string) *ApronError {
	c := *e
	c.RequestID = requestID
	return &c
}

// FromError extracts an ApronError from err's chain.
func FromError(err error) (*ApronError, bool) {
	var ae *ApronError
	if stderrors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}

// KindOf returns the kind of err, or KindInternal when err carries none.
func KindOf(err error) Kind {
	if ae, ok := FromError(err); ok {
		return ae.Kind
	}
	return KindInternal
}
