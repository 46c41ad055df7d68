package subscription

import (
	"time"

	"github.com/teranos/aggregator/errors"
)

// Status values sent to clients in StatusMessage.
const (
	StatusExecuting       = "executing"
	StatusDuplicateQuery  = "duplicate_query"
	StatusMalformedQuery  = "malformed_query"
	StatusRejected        = "rejected"
	StatusExecutionFailed = "execution_failed"
	StatusRateLimited     = "rate_limited"
	StatusError           = "error"
)

// StatusMessage reports the state of a query to a client.
type StatusMessage struct {
	Type      string `json:"type"` // always "status"
	Status    string `json:"status"`
	QueryHash string `json:"query_hash,omitempty"`
	Detail    string `json:"detail,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// NewStatus builds a status message stamped with the current time.
func NewStatus(status, queryHash, detail string) StatusMessage {
	return StatusMessage{
		Type:      "status",
		Status:    status,
		QueryHash: queryHash,
		Detail:    detail,
		Timestamp: time.Now().UnixMilli(),
	}
}

// AggregationEvent is one result emitted by an execution. Window bounds are
// Unix milliseconds.
type AggregationEvent struct {
	AggregationEvent string `json:"aggregation_event"`
	QueryHash        string `json:"query_hash"`
	WindowFrom       int64  `json:"aggregation_window_from"`
	WindowTo         int64  `json:"aggregation_window_to"`
}

// StatusFor maps an error to the status a client sees.
func StatusFor(err error) string {
	switch {
	case errors.IsMalformedQuery(err):
		return StatusMalformedQuery
	case errors.IsOracleFailure(err):
		return StatusRejected
	case errors.IsExecutionStart(err):
		return StatusExecutionFailed
	default:
		return StatusError
	}
}
