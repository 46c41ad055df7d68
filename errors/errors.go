// Package errors provides error handling for the aggregator.
//
// This package re-exports github.com/cockroachdb/errors so every package
// wraps, annotates and inspects errors the same way:
//
//	if err := store.Persist(ctx, entry); err != nil {
//	    return errors.Wrapf(err, "failed to persist audit entry %s", entry.QueryID)
//	}
//
// Domain failures are expressed as sentinels below. Wrap them to add context;
// errors.Is still matches after wrapping.
package errors

import (
	crdb "github.com/cockroachdb/errors"
)

// Core error creation and wrapping
var (
	New          = crdb.New
	Newf         = crdb.Newf
	Wrap         = crdb.Wrap
	Wrapf        = crdb.Wrapf
	WithStack    = crdb.WithStack
	WithMessage  = crdb.WithMessage
	WithMessagef = crdb.WithMessagef
	Mark         = crdb.Mark
)

// User-facing messages and details
var (
	WithHint           = crdb.WithHint
	WithHintf          = crdb.WithHintf
	WithDetail         = crdb.WithDetail
	WithDetailf        = crdb.WithDetailf
	WithSecondaryError = crdb.WithSecondaryError
	CombineErrors      = crdb.CombineErrors
)

// Error inspection
var (
	Is             = crdb.Is
	IsAny          = crdb.IsAny
	As             = crdb.As
	Unwrap         = crdb.Unwrap
	UnwrapAll      = crdb.UnwrapAll
	GetAllHints    = crdb.GetAllHints
	GetAllDetails  = crdb.GetAllDetails
	FlattenHints   = crdb.FlattenHints
	FlattenDetails = crdb.FlattenDetails
)

// GetStack returns the reportable stack trace attached to err, if any.
var GetStack = crdb.GetReportableStackTrace

var AssertionFailedf = crdb.AssertionFailedf

// Generic sentinels shared by the HTTP layer and the stores.
var (
	// ErrNotFound indicates the requested resource does not exist
	ErrNotFound = New("not found")

	// ErrInvalidRequest indicates the request was malformed or invalid
	ErrInvalidRequest = New("invalid request")

	// ErrServiceUnavailable indicates a required collaborator is not available
	ErrServiceUnavailable = New("service unavailable")

	// ErrTimeout indicates an operation timed out
	ErrTimeout = New("operation timed out")
)

// Deduplication and delivery sentinels.
var (
	// ErrMalformedQuery: the parser rejected the query text.
	ErrMalformedQuery = New("malformed query")

	// ErrOracleFailure: the equivalence oracle could not decide. Never
	// interpreted as equivalent or distinct.
	ErrOracleFailure = New("equivalence oracle failure")

	// ErrExecutionStart: the execution engine refused or failed to start.
	ErrExecutionStart = New("execution start failure")

	// ErrDeliveryFailure: sending a message to one subscriber failed.
	ErrDeliveryFailure = New("delivery failure")

	// ErrUnknownAuditTarget: an access event referenced an id with no audit entry.
	ErrUnknownAuditTarget = New("unknown audit target")

	// ErrConnectionClosed: the subscriber connection is gone for good.
	ErrConnectionClosed = New("connection closed")

	// ErrSendQueueFull: the subscriber is alive but not draining its queue.
	ErrSendQueueFull = New("send queue full")
)

// IsNotFoundError checks if an error is or wraps ErrNotFound.
func IsNotFoundError(err error) bool {
	return err != nil && Is(err, ErrNotFound)
}

// IsInvalidRequestError checks if an error is or wraps ErrInvalidRequest
func IsInvalidRequestError(err error) bool {
	return err != nil && Is(err, ErrInvalidRequest)
}

// IsMalformedQuery reports whether err came from query parsing.
func IsMalformedQuery(err error) bool {
	return err != nil && Is(err, ErrMalformedQuery)
}

// IsOracleFailure reports whether err came from the equivalence oracle.
func IsOracleFailure(err error) bool {
	return err != nil && Is(err, ErrOracleFailure)
}

// IsExecutionStart reports whether err came from starting an execution.
func IsExecutionStart(err error) bool {
	return err != nil && Is(err, ErrExecutionStart)
}

// IsConnectionClosed reports whether a delivery failed because the peer is gone.
func IsConnectionClosed(err error) bool {
	return err != nil && Is(err, ErrConnectionClosed)
}

// NewNotFoundError creates a not-found error with a formatted message
func NewNotFoundError(format string, args ...interface{}) error {
	return Wrap(ErrNotFound, Newf(format, args...).Error())
}

// NewInvalidRequestError creates an invalid-request error with a formatted message
func NewInvalidRequestError(format string, args ...interface{}) error {
	return Wrap(ErrInvalidRequest, Newf(format, args...).Error())
}

// NewMalformedQueryError marks a parser error as ErrMalformedQuery while
// keeping the parser's own message and stack.
func NewMalformedQueryError(cause error, raw string) error {
	return WithDetailf(Mark(Wrap(cause, "malformed query"), ErrMalformedQuery), "query: %s", raw)
}
