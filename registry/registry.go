package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teranos/aggregator/audit"
	"github.com/teranos/aggregator/equivalence"
	"github.com/teranos/aggregator/errors"
	"github.com/teranos/aggregator/logger"
	"github.com/teranos/aggregator/query"
)

// State is the registry's decision for one entry.
type State string

const (
	StatePending   State = "pending"
	StateExecuting State = "executing"
	StateDuplicate State = "duplicate"
	StateRejected  State = "rejected"
	StateFailed    State = "failed"
)

// Metadata travels with a registration into the audit log.
type Metadata struct {
	RegisteredBy string `json:"registered_by"`
	ConnectionID string `json:"connection_id,omitempty"`
	QueryType    string `json:"query_type,omitempty"`
	Rules        string `json:"rules,omitempty"`
}

// Entry is one registration. Entries are never modified after they are added.
type Entry struct {
	Seq          int         `json:"seq"`
	AuditID      string      `json:"audit_id"`
	Query        query.Query `json:"query"`
	Metadata     Metadata    `json:"metadata"`
	RegisteredAt time.Time   `json:"registered_at"`
}

// Decision is the outcome of Register.
type Decision struct {
	Unique bool
	// Canonical is the fingerprint results are published under: the new
	// query's own when unique, otherwise that of the first registered
	// member of its equivalence class.
	Canonical query.Fingerprint
	Entry     Entry
	// Match is the executing entry of the equivalence class, nil when unique.
	Match *Entry
}

// AuditLog is the subset of audit.Store the registry writes to.
type AuditLog interface {
	Persist(ctx context.Context, entry audit.Entry) error
	AppendAccess(ctx context.Context, entryID string, event audit.AccessEvent) (bool, error)
	SetStatus(ctx context.Context, entryID string, status audit.Status, detail string) error
}

type outcome struct {
	state     State
	canonical query.Fingerprint
}

// Registry is the deduplicating query registry.
type Registry struct {
	entries *LockedList[Entry]
	oracle  equivalence.Oracle
	audit   AuditLog
	logger  *zap.SugaredLogger

	clock        func() time.Time
	newID        func() string
	registeredBy string

	// admit serializes Register, Release and Clear so that the append, the
	// uniqueness scan and the ExecutingSet update happen as one step.
	admit sync.Mutex

	mu        sync.RWMutex
	executing map[query.Fingerprint]int // canonical fingerprint -> seq of the executing entry
	outcomes  map[int]outcome
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides time.Now.
func WithClock(clock func() time.Time) Option {
	return func(r *Registry) { r.clock = clock }
}

// WithIDGenerator overrides audit entry id generation.
func WithIDGenerator(newID func() string) Option {
	return func(r *Registry) { r.newID = newID }
}

// WithRegisteredBy sets the registrant recorded when Metadata has none.
func WithRegisteredBy(user string) Option {
	return func(r *Registry) { r.registeredBy = user }
}

// New creates a registry. auditLog may be nil, in which case nothing is audited.
func New(oracle equivalence.Oracle, auditLog AuditLog, log *zap.SugaredLogger, opts ...Option) *Registry {
	if log == nil {
		log = logger.ComponentLogger("registry")
	}
	r := &Registry{
		entries:      NewLockedList(cloneEntry),
		oracle:       oracle,
		audit:        auditLog,
		logger:       log,
		clock:        time.Now,
		newID:        uuid.NewString,
		registeredBy: "healthcare-worker",
		executing:    make(map[query.Fingerprint]int),
		outcomes:     make(map[int]outcome),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func cloneEntry(e Entry) Entry {
	e.Query.Streams = append([]query.Stream(nil), e.Query.Streams...)
	return e
}

// Register appends q and decides whether it is unique.
//
// Exactly one audit entry is written per call. A duplicate also records an
// access event on the entry it matched. If the oracle cannot decide, the entry
// stays in the registry as rejected and an ErrOracleFailure is returned.
func (r *Registry) Register(ctx context.Context, q query.Query, meta Metadata) (Decision, error) {
	r.admit.Lock()
	defer r.admit.Unlock()

	if meta.RegisteredBy == "" {
		meta.RegisteredBy = r.registeredBy
	}

	candidates := r.eligible(r.entries.Snapshot())

	entry := Entry{
		AuditID:      r.newID(),
		Query:        q,
		Metadata:     meta,
		RegisteredAt: r.clock(),
	}
	entry.Seq = r.entries.Add(entry)
	r.setOutcome(entry.Seq, outcome{state: StatePending, canonical: q.Fingerprint})

	log := r.logger.With(
		logger.FieldQueryID, entry.AuditID,
		logger.FieldFingerprint, q.Fingerprint.String(),
	)

	unique, match, err := r.IsUnique(ctx, q, candidates)
	if err != nil {
		r.setOutcome(entry.Seq, outcome{state: StateRejected, canonical: q.Fingerprint})
		r.logRegistration(ctx, entry, audit.StatusRejected, "", err.Error())
		log.Warnw("Equivalence could not be decided, query rejected", logger.FieldError, err)

		err = errors.Mark(errors.Wrap(err, "register query"), errors.ErrOracleFailure)
		return Decision{}, errors.WithDetail(err, fmt.Sprintf("Fingerprint: %s", q.Fingerprint))
	}

	if unique {
		r.mu.Lock()
		r.executing[q.Fingerprint] = entry.Seq
		r.outcomes[entry.Seq] = outcome{state: StateExecuting, canonical: q.Fingerprint}
		r.mu.Unlock()

		r.logRegistration(ctx, entry, audit.StatusExecuting, "", "")
		log.Infow("Unique query registered", logger.FieldCount, entry.Seq+1)
		return Decision{Unique: true, Canonical: q.Fingerprint, Entry: entry}, nil
	}

	canonical := r.canonicalOf(match.Seq)
	r.setOutcome(entry.Seq, outcome{state: StateDuplicate, canonical: canonical})

	// match may itself be a duplicate; audit against the class's executing entry
	if orig, ok := r.Original(canonical); ok {
		match = &orig
	}

	r.logRegistration(ctx, entry, audit.StatusDuplicate, match.AuditID, "")
	if _, err := r.LogAccess(ctx, match.AuditID, audit.AccessEvent{
		User:         meta.RegisteredBy,
		Timestamp:    entry.RegisteredAt,
		DataAccessed: canonical.String(),
	}); err != nil {
		log.Warnw("Failed to record access on original query", logger.FieldError, err)
	}

	log.Infow("Duplicate query registered",
		logger.FieldCanonical, canonical.String(),
		"matched", match.AuditID)

	m := *match
	return Decision{Unique: false, Canonical: canonical, Entry: entry, Match: &m}, nil
}

// IsUnique compares q against every candidate and reports the first
// equivalent one. Identical fingerprints are equivalent without consulting the
// oracle. An oracle error on one candidate does not stop the scan: a later
// match still decides the query, and the error is returned only when no
// candidate matched.
func (r *Registry) IsUnique(ctx context.Context, q query.Query, candidates []Entry) (bool, *Entry, error) {
	var firstErr error
	for i := range candidates {
		c := candidates[i]
		if c.Query.Fingerprint == q.Fingerprint {
			return false, &c, nil
		}

		start := time.Now()
		equivalent, err := r.oracle.Equivalent(ctx, q.Raw, c.Query.Raw)
		r.logger.Debugw("Equivalence checked",
			logger.FieldFingerprint, q.Fingerprint.String(),
			"candidate", c.Query.Fingerprint.String(),
			"equivalent", equivalent,
			logger.FieldDurationMS, time.Since(start).Milliseconds())

		if err != nil {
			if firstErr == nil {
				firstErr = errors.WithDetail(
					errors.Wrapf(err, "oracle failed against %s", c.AuditID),
					fmt.Sprintf("Candidate fingerprint: %s", c.Query.Fingerprint))
			}
			if ctx.Err() != nil {
				break
			}
			continue
		}
		if equivalent {
			return false, &c, nil
		}
	}
	if firstErr != nil {
		return false, nil, errors.Mark(firstErr, errors.ErrOracleFailure)
	}
	return true, nil, nil
}

// eligible keeps entries whose equivalence class still has a live execution.
// Rejected entries and members of rolled back classes are skipped.
func (r *Registry) eligible(entries []Entry) []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := entries[:0]
	for _, e := range entries {
		o, ok := r.outcomes[e.Seq]
		if !ok || (o.state != StateExecuting && o.state != StateDuplicate) {
			continue
		}
		if _, live := r.executing[o.canonical]; !live {
			continue
		}
		out = append(out, e)
	}
	return out
}

func (r *Registry) canonicalOf(seq int) query.Fingerprint {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.outcomes[seq].canonical
}

func (r *Registry) setOutcome(seq int, o outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes[seq] = o
}

// Release removes a canonical fingerprint from the ExecutingSet after its
// execution failed to start. The entry stays in the registry as failed.
// Returns false if the fingerprint was not executing.
//
// Release waits for any in-flight Register, so a registration either sees the
// class executing and attaches to it, or sees it released and becomes the new
// canonical query itself.
func (r *Registry) Release(ctx context.Context, fp query.Fingerprint, reason string) bool {
	r.admit.Lock()
	defer r.admit.Unlock()

	r.mu.Lock()
	seq, ok := r.executing[fp]
	if ok {
		delete(r.executing, fp)
		r.outcomes[seq] = outcome{state: StateFailed, canonical: fp}
	}
	r.mu.Unlock()

	if !ok {
		return false
	}

	if e, err := r.entries.Get(seq); err == nil && r.audit != nil {
		if err := r.audit.SetStatus(ctx, e.AuditID, audit.StatusFailed, reason); err != nil {
			r.logger.Warnw("Failed to mark audit entry failed",
				logger.FieldQueryID, e.AuditID,
				logger.FieldError, err)
		}
	}
	r.logger.Infow("Execution released",
		logger.FieldFingerprint, fp.String(),
		"reason", reason)
	return true
}

// Clear removes every entry and empties the ExecutingSet. The audit log is
// kept. Returns true when the registry is empty afterwards.
func (r *Registry) Clear() bool {
	r.admit.Lock()
	defer r.admit.Unlock()

	r.entries.Clear()
	r.mu.Lock()
	r.executing = make(map[query.Fingerprint]int)
	r.outcomes = make(map[int]outcome)
	r.mu.Unlock()

	r.logger.Infow("Registry cleared")
	return r.entries.Len() == 0
}

// LogRegistration writes the audit entry for a registration.
func (r *Registry) LogRegistration(ctx context.Context, entry Entry, status audit.Status, similarTo, detail string) error {
	if r.audit == nil {
		return nil
	}
	err := r.audit.Persist(ctx, audit.Entry{
		ID:           entry.AuditID,
		QueryID:      entry.Query.Fingerprint.String(),
		Query:        entry.Query.Raw,
		RegisteredBy: entry.Metadata.RegisteredBy,
		Timestamp:    entry.RegisteredAt,
		Status:       status,
		SimilarTo:    similarTo,
		Detail:       detail,
	})
	if err != nil {
		return errors.Wrapf(err, "persist audit entry %s", entry.AuditID)
	}
	return nil
}

// logRegistration never fails the registration; the decision is already made.
func (r *Registry) logRegistration(ctx context.Context, entry Entry, status audit.Status, similarTo, detail string) {
	if err := r.LogRegistration(ctx, entry, status, similarTo, detail); err != nil {
		r.logger.Errorw("Audit write failed",
			logger.FieldQueryID, entry.AuditID,
			logger.FieldStatus, string(status),
			logger.FieldError, err)
	}
}

// LogAccess appends an access event to the audit entry auditID. It returns
// false, with no error, when no such entry exists.
func (r *Registry) LogAccess(ctx context.Context, auditID string, event audit.AccessEvent) (bool, error) {
	if r.audit == nil {
		return false, nil
	}
	known, err := r.audit.AppendAccess(ctx, auditID, event)
	if err != nil {
		return false, errors.Wrapf(err, "append access to %s", auditID)
	}
	if !known {
		r.logger.Warnw("Access logged for unknown audit entry",
			logger.FieldQueryID, auditID,
			logger.FieldError, errors.ErrUnknownAuditTarget)
	}
	return known, nil
}

// Len returns the number of entries.
func (r *Registry) Len() int {
	return r.entries.Len()
}

// Entries returns a snapshot of all entries in registration order.
func (r *Registry) Entries() []Entry {
	return r.entries.Snapshot()
}

// Executing returns a snapshot of the ExecutingSet.
func (r *Registry) Executing() []query.Fingerprint {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]query.Fingerprint, 0, len(r.executing))
	for fp := range r.executing {
		out = append(out, fp)
	}
	return out
}

// IsExecuting reports whether fp is the canonical fingerprint of a live execution.
func (r *Registry) IsExecuting(fp query.Fingerprint) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.executing[fp]
	return ok
}

// Original returns the executing entry for a canonical fingerprint.
func (r *Registry) Original(fp query.Fingerprint) (Entry, bool) {
	r.mu.RLock()
	seq, ok := r.executing[fp]
	r.mu.RUnlock()
	if !ok {
		return Entry{}, false
	}
	e, err := r.entries.Get(seq)
	if err != nil {
		return Entry{}, false
	}
	return e, true
}

// StateOf returns the decision recorded for the entry with the given seq.
func (r *Registry) StateOf(seq int) (State, query.Fingerprint, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	o, ok := r.outcomes[seq]
	return o.state, o.canonical, ok
}
