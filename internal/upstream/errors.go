package upstream

import (
	"errors"
	"fmt"
	"strings"
)

// ErrStopPaging is returned by a page callback to end a search early. The
// search then returns nil.
var ErrStopPaging = errors.New("stop paging")

// Kind classifies an HTTP-level failure.
type Kind string

const (
	KindBadQuery  Kind = "bad_query"
	KindAuth      Kind = "auth"
	KindOperation Kind = "operation"
	KindDecode    Kind = "decode"
)

// APIError is a non-success response from the upstream API.
type APIError struct {
	Kind    Kind
	Op      string
	Status  int
	Message string
}

func (e *APIError) Error() string {
	switch e.Kind {
	case KindBadQuery:
		return fmt.Sprintf("%s: bad query (status %d): %s", e.Op, e.Status, e.Message)
	case KindAuth:
		return fmt.Sprintf("%s: authentication failed (status %d): %s", e.Op, e.Status, e.Message)
	case KindDecode:
		return fmt.Sprintf("%s: invalid response body: %s", e.Op, e.Message)
	default:
		return fmt.Sprintf("%s failed (status %d): %s", e.Op, e.Status, e.Message)
	}
}

// TransportError is a network-level failure: the request never produced an
// HTTP response.
type TransportError struct {
	Method   string
	Endpoint string
	Timeout  bool
	Err      error
}

func (e *TransportError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("%s %s: request timed out: %v", e.Method, e.Endpoint, e.Err)
	}
	return fmt.Sprintf("%s %s: connection error: %v", e.Method, e.Endpoint, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// EndpointNotPermittedError is returned before any network call when the
// (endpoint, method) pair is outside the allow-list.
type EndpointNotPermittedError struct {
	Method   string
	Endpoint string
	Allowed  []string
}

func (e *EndpointNotPermittedError) Error() string {
	return fmt.Sprintf("endpoint not permitted: %s %s (allowed: %s)", e.Method, e.Endpoint, strings.Join(e.Allowed, ", "))
}

// IsKind reports whether err is an APIError of kind k.
func IsKind(err error, k Kind) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Kind == k
}

// IsTransport reports whether err is a network-level failure.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}
