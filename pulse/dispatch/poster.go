// Package dispatch publishes due posts. A poll cycle claims due jobs from the
// queue, hands each to a Poster under a timeout, and records the outcome. Poster
// failures end up on the job; only a failure to claim aborts a cycle.
package dispatch

import (
	"context"
	"fmt"
	"net"
	"net/http"

	"github.com/teranos/autopost/errors"
)

// Poster publishes text and returns the publisher's id for the post
type Poster interface {
	Post(ctx context.Context, text string) (externalID string, err error)
}

// PosterFunc adapts a function to Poster
type PosterFunc func(ctx context.Context, text string) (string, error)

// Post calls f
func (f PosterFunc) Post(ctx context.Context, text string) (string, error) {
	return f(ctx, text)
}

// Error codes recorded with failed attempts
const (
	CodeTimeout     = "timeout"
	CodeCanceled    = "canceled"
	CodeRateLimited = "rate_limited"
	CodeServer      = "server_error"
	CodeNetwork     = "network_error"
	CodeAuth        = "auth"
	CodeForbidden   = "forbidden"
	CodeRejected    = "rejected"
	CodeClient      = "client_error"
	CodePanic       = "panic"
	CodeUnknown     = "unknown"
)

// PostError is what a Poster returns when it knows whether trying again can help
type PostError struct {
	Code      string
	Retryable bool
	Err       error
}

func (e *PostError) Error() string {
	if e.Err == nil {
		return e.Code
	}
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e *PostError) Unwrap() error {
	return e.Err
}

// StatusError classifies an HTTP status returned by a publishing API
func StatusError(status int, err error) *PostError {
	switch {
	case status == http.StatusTooManyRequests:
		return &PostError{Code: CodeRateLimited, Retryable: true, Err: err}
	case status == http.StatusRequestTimeout:
		return &PostError{Code: CodeTimeout, Retryable: true, Err: err}
	case status >= 500:
		return &PostError{Code: CodeServer, Retryable: true, Err: err}
	case status == http.StatusUnauthorized:
		return &PostError{Code: CodeAuth, Retryable: false, Err: err}
	case status == http.StatusForbidden:
		return &PostError{Code: CodeForbidden, Retryable: false, Err: err}
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity || status == http.StatusRequestEntityTooLarge:
		return &PostError{Code: CodeRejected, Retryable: false, Err: err}
	case status >= 400:
		return &PostError{Code: CodeClient, Retryable: false, Err: err}
	default:
		return &PostError{Code: CodeUnknown, Retryable: true, Err: err}
	}
}

// Classification is the worker's reading of a Poster error
type Classification struct {
	Code      string
	Retryable bool
	Message   string
}

// Classify decides whether a failed post may be retried.
// An explicit PostError anywhere in the chain wins; timeouts and network
// errors are retryable; anything unrecognised is retryable too, since the
// attempt limit bounds the cost of being wrong.
func Classify(err error) Classification {
	if err == nil {
		return Classification{Code: CodeUnknown, Retryable: false, Message: "unknown error"}
	}
	c := Classification{Message: err.Error()}

	var pe *PostError
	var ne net.Error
	switch {
	case errors.As(err, &pe):
		c.Code, c.Retryable = pe.Code, pe.Retryable
	case errors.Is(err, context.DeadlineExceeded):
		c.Code, c.Retryable = CodeTimeout, true
	case errors.Is(err, context.Canceled):
		c.Code, c.Retryable = CodeCanceled, true
	case errors.As(err, &ne) && ne.Timeout():
		c.Code, c.Retryable = CodeTimeout, true
	case errors.As(err, &ne):
		c.Code, c.Retryable = CodeNetwork, true
	default:
		c.Code, c.Retryable = CodeUnknown, true
	}
	return c
}
