package remediation

import (
	"errors"
	"fmt"

	"github.com/aws/smithy-go"
)

// ErrorKind classifies handler failures for the router's retry policy
type ErrorKind string

const (
	// PermissionDenied is fatal; the brokered role lacks a permission
	PermissionDenied ErrorKind = "permission_denied"
	// Transient failures (throttling, temporary unavailability) are retried
	Transient ErrorKind = "transient"
	// Conflict means the resource changed concurrently; retried after re-read
	Conflict ErrorKind = "conflict"
	// Unclassified failures are treated as fatal
	Unclassified ErrorKind = "unclassified"
)

// Error wraps a resource-collaborator failure with its retry class
type Error struct {
	Kind   ErrorKind
	RuleID string
	Bucket string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s remediation of %s failed (%s): %v", e.RuleID, e.Bucket, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the router may retry this failure
func (e *Error) Retryable() bool {
	return e.Kind == Transient || e.Kind == Conflict
}

// classify maps S3 API errors onto the retry taxonomy
func classify(err error) ErrorKind {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return Unclassified
	}

	switch apiErr.ErrorCode() {
	case "AccessDenied", "AccessDeniedException", "UnauthorizedOperation", "InvalidAccessKeyId", "ExpiredToken":
		return PermissionDenied
	case "Throttling", "ThrottlingException", "SlowDown", "RequestLimitExceeded",
		"ServiceUnavailable", "InternalError", "RequestTimeout":
		return Transient
	case "OperationAborted", "ConcurrentModification", "PreconditionFailed":
		return Conflict
	}
	return Unclassified
}

// wrapError builds a classified remediation error
func wrapError(ruleID, bucket string, err error) *Error {
	return &Error{Kind: classify(err), RuleID: ruleID, Bucket: bucket, Err: err}
}

// isCode reports whether err is the named S3 API error
func isCode(err error, codes ...string) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	for _, code := range codes {
		if apiErr.ErrorCode() == code {
			return true
		}
	}
	return false
}
