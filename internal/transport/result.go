// Package transport delivers finalized batch payloads to the collector.
package transport

import (
	"context"
	"fmt"
	"net/http"

	cerrors "github.com/arkilian/courier/internal/errors"
)

// Status is the outcome class of one delivery attempt.
type Status int

const (
	StatusSuccess Status = iota
	StatusRetryable
	StatusNonRetryable
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusRetryable:
		return "retryable"
	case StatusNonRetryable:
		return "non_retryable"
	default:
		return "unknown"
	}
}

// Result describes one delivery attempt.
type Result struct {
	Status Status

	// StatusCode is the HTTP status, or 0 when no response was received.
	StatusCode int

	// Err is a *errors.CourierError for failures, nil on success.
	Err error
}

// Success reports whether the batch was accepted.
func (r Result) Success() bool { return r.Status == StatusSuccess }

// Code returns the error code of a failed result.
func (r Result) Code() string { return cerrors.GetCode(r.Err) }

// Sender delivers one batch payload per call.
type Sender interface {
	// Send posts payload and classifies the outcome. It never panics on
	// transport errors; they are reported through the Result.
	Send(ctx context.Context, payload []byte) Result

	// SetAnonymousID changes the identity header sent with later batches.
	SetAnonymousID(anonymousID string)
}

// Succeeded returns a success result.
func Succeeded(statusCode int) Result {
	return Result{Status: StatusSuccess, StatusCode: statusCode}
}

// NetworkUnavailable returns the result for a request that never reached
// the server.
func NetworkUnavailable(cause error) Result {
	return Result{
		Status: StatusRetryable,
		Err:    cerrors.NewNetworkError(cerrors.CodeNetworkUnavailable, "collector unreachable", cause),
	}
}

// UnknownFailure returns the result for a failure with no clear cause.
func UnknownFailure(cause error) Result {
	return Result{
		Status: StatusRetryable,
		Err:    cerrors.NewNetworkError(cerrors.CodeUnknownFailure, "delivery failed", cause),
	}
}

// Classify maps an HTTP status code to a Result. 400, 401, 404 and 413
// will not succeed on retry; every other non-2xx status may.
func Classify(statusCode int) Result {
	if statusCode >= 200 && statusCode < 300 {
		return Succeeded(statusCode)
	}

	code := cerrors.CodeRetryableStatus
	switch statusCode {
	case http.StatusBadRequest:
		code = cerrors.CodeBadRequest
	case http.StatusUnauthorized:
		code = cerrors.CodeInvalidWriteKey
	case http.StatusNotFound:
		code = cerrors.CodeSourceNotFound
	case http.StatusRequestEntityTooLarge:
		code = cerrors.CodePayloadTooLarge
	}

	err := cerrors.NewNetworkError(code, fmt.Sprintf("collector responded %d", statusCode), nil).
		WithDetails(map[string]interface{}{"status": statusCode})

	status := StatusNonRetryable
	if err.Retryable {
		status = StatusRetryable
	}
	return Result{Status: status, StatusCode: statusCode, Err: err}
}
