// Package execution starts executions of unique queries on the streaming engine.
package execution

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mr-tron/base58"

	"github.com/teranos/aggregator/query"
)

// Query types accepted from clients.
const (
	TypeLive           = "live"
	TypeHistoricalLive = "historical+live"
)

// ValidType reports whether t is a supported query type.
func ValidType(t string) bool {
	return t == TypeLive || t == TypeHistoricalLive
}

// Request asks the engine to run one query.
type Request struct {
	Query        query.Query
	Rules        string
	Type         string
	From         time.Time
	To           time.Time
	RegisteredBy string
}

// Execution is a started execution.
type Execution struct {
	ID            string            `json:"id"`
	Fingerprint   query.Fingerprint `json:"fingerprint"`
	Type          string            `json:"type"`
	StartedAt     time.Time         `json:"started_at"`
	EngineVersion string            `json:"engine_version,omitempty"`
}

// Executor starts executions. Start returns once the engine has accepted the
// request; results arrive later through the subscription bus.
type Executor interface {
	Start(ctx context.Context, req Request) (Execution, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, req Request) (Execution, error)

func (f ExecutorFunc) Start(ctx context.Context, req Request) (Execution, error) {
	return f(ctx, req)
}

// Tracker is implemented by executors that remember what they started.
type Tracker interface {
	Active() []Execution
	Reset()
}

var (
	_ Tracker = (*Local)(nil)
	_ Tracker = (*Launcher)(nil)
)

// NewID returns a short base58 execution id.
func NewID() string {
	id := uuid.New()
	return base58.Encode(id[:])
}

// tracker remembers started executions.
type tracker struct {
	mu     sync.RWMutex
	active map[query.Fingerprint]Execution
}

func newTracker() tracker {
	return tracker{active: make(map[query.Fingerprint]Execution)}
}

func (t *tracker) add(e Execution) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.active[e.Fingerprint] = e
}

// Active returns every execution started so far.
func (t *tracker) Active() []Execution {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Execution, 0, len(t.active))
	for _, e := range t.active {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Fingerprint < out[j].Fingerprint })
	return out
}

// Reset forgets every execution.
func (t *tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.active = make(map[query.Fingerprint]Execution)
}
