// Package audit records every query registration and every access to a
// registered query's results.
package audit

import (
	"context"
	"time"
)

// Status is the registry's decision for a registration.
type Status string

const (
	StatusExecuting Status = "executing" // unique; an execution was requested
	StatusDuplicate Status = "duplicate" // equivalent to an earlier registration
	StatusRejected  Status = "rejected"  // oracle could not decide
	StatusFailed    Status = "failed"    // execution failed to start, rolled back
)

// AccessEvent records one read of a query's results.
type AccessEvent struct {
	User         string    `json:"user" yaml:"user"`
	Timestamp    time.Time `json:"timestamp" yaml:"timestamp"`
	DataAccessed string    `json:"data_accessed" yaml:"data_accessed"`
}

// Entry is one registration. ID is unique per registration; QueryID is the
// query fingerprint and repeats when the same text is registered twice.
type Entry struct {
	ID             string        `json:"id" yaml:"id"`
	QueryID        string        `json:"query_id" yaml:"query_id"`
	Query          string        `json:"query" yaml:"query"`
	RegisteredBy   string        `json:"registered_by" yaml:"registered_by"`
	Timestamp      time.Time     `json:"timestamp" yaml:"timestamp"`
	Status         Status        `json:"status" yaml:"status"`
	SimilarTo      string        `json:"similar_to,omitempty" yaml:"similar_to,omitempty"`
	Detail         string        `json:"detail,omitempty" yaml:"detail,omitempty"`
	SimilarQueries []string      `json:"similar_queries_id" yaml:"similar_queries_id"`
	AccessLog      []AccessEvent `json:"access_log" yaml:"access_log"`
}

// Filter narrows List results. Zero fields match everything.
type Filter struct {
	QueryID string
	Status  Status
	Since   time.Time
	Limit   int
}

func (f Filter) matches(e Entry) bool {
	if f.QueryID != "" && e.QueryID != f.QueryID {
		return false
	}
	if f.Status != "" && e.Status != f.Status {
		return false
	}
	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}
	return true
}

// Store persists audit entries.
type Store interface {
	Persist(ctx context.Context, entry Entry) error
	// AppendAccess returns false when entryID is unknown.
	AppendAccess(ctx context.Context, entryID string, event AccessEvent) (bool, error)
	SetStatus(ctx context.Context, entryID string, status Status, detail string) error
	Get(ctx context.Context, entryID string) (*Entry, error)
	// List returns entries oldest first, with SimilarQueries and AccessLog filled in.
	List(ctx context.Context, filter Filter) ([]Entry, error)
}
