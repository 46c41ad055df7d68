package server

import (
	"time"
)

const (
	// ShutdownTimeout is how long Stop waits for goroutines before giving up.
	ShutdownTimeout = 15 * time.Second
)

// ServerState represents the server lifecycle state
type ServerState int

const (
	ServerStateRunning  ServerState = iota // Normal operation
	ServerStateDraining                    // Graceful shutdown in progress
	ServerStateStopped                     // Shutdown complete
)

// inboundMessage is any message a websocket client may send. The fields that
// are set decide how it is routed:
//
//	{"query": ..., "rules": ..., "type": "live"}        new continuous query
//	{"aggregation_event": ..., "query_hash": ...}       result from an execution
//	{"status": ..., "query_hash": ...}                  status from an execution
type inboundMessage struct {
	Query        string `json:"query"`
	Rules        string `json:"rules"`
	Type         string `json:"type"`
	RegisteredBy string `json:"registered_by"`

	AggregationEvent string `json:"aggregation_event"`
	QueryHash        string `json:"query_hash"`
	WindowFrom       int64  `json:"aggregation_window_from"`
	WindowTo         int64  `json:"aggregation_window_to"`

	Status string `json:"status"`
	Detail string `json:"detail"`
}

// HealthResponse is served on /health.
type HealthResponse struct {
	Status        string `json:"status"`
	State         string `json:"state"`
	Version       string `json:"version"`
	Commit        string `json:"commit"`
	Clients       int    `json:"clients"`
	Registered    int    `json:"registered"`
	Executing     int    `json:"executing"`
	Subscriptions int    `json:"subscriptions"`
	PendingEvents int    `json:"pending_events"`
}

// RegistryEntry is one registry entry as served on /api/registry.
type RegistryEntry struct {
	Seq          int       `json:"seq"`
	AuditID      string    `json:"audit_id"`
	Fingerprint  string    `json:"fingerprint"`
	Canonical    string    `json:"canonical,omitempty"`
	State        string    `json:"state"`
	Query        string    `json:"query"`
	RegisteredBy string    `json:"registered_by"`
	RegisteredAt time.Time `json:"registered_at"`
}
