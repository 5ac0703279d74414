package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"syscall"
)

var (
	ErrParseFailure       = errors.New("parse failure")
	ErrTimeout            = errors.New("timeout")
	ErrListingUnsupported = errors.New("model listing unsupported")
	ErrUnknownProvider    = errors.New("unknown provider")
	ErrUnsupportedKind    = errors.New("template kind not supported by provider")
)

// Reason classifies a ConnectionError.
type Reason string

const (
	ReasonTimeout     Reason = "timeout"
	ReasonRefused     Reason = "refused"
	ReasonAuth        Reason = "auth"
	ReasonRateLimited Reason = "rate_limited"
	ReasonServer      Reason = "server"
	ReasonUnknown     Reason = "unknown"
)

// ConnectionError reports a network, authentication or rate-limit failure.
type ConnectionError struct {
	Reason  Reason
	Status  int
	Message string
	Err     error
}

func (e *ConnectionError) Error() string {
	var b strings.Builder
	b.WriteString("connection error (")
	b.WriteString(string(e.Reason))
	b.WriteString(")")
	if e.Status != 0 {
		fmt.Fprintf(&b, ": status %d", e.Status)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// Is makes connect timeouts match ErrTimeout.
func (e *ConnectionError) Is(target error) bool {
	return target == ErrTimeout && e.Reason == ReasonTimeout
}

// Retryable reports whether a later attempt may succeed unchanged.
func (e *ConnectionError) Retryable() bool {
	switch e.Reason {
	case ReasonRefused, ReasonRateLimited, ReasonServer:
		return true
	}
	return false
}

// Guidance is a short user-facing hint for the failure.
func (e *ConnectionError) Guidance() string {
	switch e.Reason {
	case ReasonTimeout:
		return "the provider did not answer in time; check the endpoint or raise the timeout"
	case ReasonRefused:
		return "could not reach the provider; is the server running at the configured URL?"
	case ReasonAuth:
		return "the provider rejected the credentials; check the API key"
	case ReasonRateLimited:
		return "the provider is rate limiting requests; wait and try again"
	case ReasonServer:
		return "the provider reported an internal error"
	}
	return "request to the provider failed"
}

func statusError(status int, body []byte) *ConnectionError {
	e := &ConnectionError{Status: status, Message: errorMessage(body)}
	switch {
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		e.Reason = ReasonAuth
	case status == http.StatusTooManyRequests:
		e.Reason = ReasonRateLimited
	case status == http.StatusRequestTimeout, status == http.StatusGatewayTimeout:
		e.Reason = ReasonTimeout
	case status >= 500:
		e.Reason = ReasonServer
	default:
		e.Reason = ReasonUnknown
	}
	return e
}

// transportError converts an http.Client failure. Caller cancellation is
// returned unchanged so it can be told apart from a failure. Query strings
// are dropped from the reported URL since they may carry credentials.
func transportError(ctx context.Context, err error) error {
	if ctx.Err() != nil && errors.Is(err, context.Canceled) {
		return ctx.Err()
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		if i := strings.IndexByte(urlErr.URL, '?'); i >= 0 {
			urlErr.URL = urlErr.URL[:i]
		}
	}
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &netErr) && netErr.Timeout():
		return &ConnectionError{Reason: ReasonTimeout, Err: err}
	case errors.Is(err, syscall.ECONNREFUSED):
		return &ConnectionError{Reason: ReasonRefused, Err: err}
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return &ConnectionError{Reason: ReasonRefused, Err: err}
	}
	return &ConnectionError{Reason: ReasonUnknown, Err: err}
}

// errorMessage pulls a message out of common JSON error bodies.
func errorMessage(body []byte) string {
	msg := strings.TrimSpace(string(body))
	if len(msg) > 512 {
		msg = msg[:512]
	}
	var doc struct {
		Error any `json:"error"`
	}
	if unmarshal(body, &doc) == nil {
		switch v := doc.Error.(type) {
		case string:
			return v
		case map[string]any:
			if m, ok := v["message"].(string); ok {
				return m
			}
		}
	}
	return msg
}
