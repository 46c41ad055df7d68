// Package dispatch takes a submitted query through fingerprinting, the
// uniqueness decision, and either starting an execution or attaching the
// requester to the one already running.
package dispatch

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/aggregator/audit"
	"github.com/teranos/aggregator/errors"
	"github.com/teranos/aggregator/execution"
	"github.com/teranos/aggregator/logger"
	"github.com/teranos/aggregator/metrics"
	"github.com/teranos/aggregator/query"
	"github.com/teranos/aggregator/registry"
	"github.com/teranos/aggregator/results"
	"github.com/teranos/aggregator/subscription"
)

// State is a step of a submission.
type State string

const (
	StateReceived         State = "received"
	StateFingerprinted    State = "fingerprinted"
	StateUnique           State = "unique"
	StateDuplicate        State = "duplicate"
	StateExecutingStarted State = "executing_started"
	StateSubscribedOnly   State = "subscribed_only"
	StateRejected         State = "rejected"
)

// DefaultReplayLimit bounds how many stored results a duplicate subscriber is sent.
const DefaultReplayLimit = 100

// Submission is one query received from a connection.
type Submission struct {
	Raw      string
	Rules    string
	Type     string // execution.TypeLive when empty
	Conn     subscription.Connection
	Metadata registry.Metadata
}

// Outcome describes how a submission ended.
type Outcome struct {
	State     State
	Decision  registry.Decision
	Execution *execution.Execution
	// Replayed counts stored results sent to a duplicate subscriber.
	Replayed int
}

// Coordinator owns the registry, the subscription table and the collaborators
// that a submission touches.
type Coordinator struct {
	parser   query.Parser
	registry *registry.Registry
	table    *subscription.Table
	bus      *subscription.Bus
	executor execution.Executor
	results  results.Store
	metrics  *metrics.Metrics
	logger   *zap.SugaredLogger

	clock       func() time.Time
	replayLimit int
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithParser replaces the RSP-QL parser.
func WithParser(p query.Parser) Option { return func(c *Coordinator) { c.parser = p } }

// WithResults enables result persistence and replay to duplicates.
func WithResults(s results.Store) Option { return func(c *Coordinator) { c.results = s } }

// WithBus routes HandleResult through an asynchronous bus instead of publishing inline.
func WithBus(b *subscription.Bus) Option { return func(c *Coordinator) { c.bus = b } }

func WithMetrics(m *metrics.Metrics) Option { return func(c *Coordinator) { c.metrics = m } }

func WithClock(clock func() time.Time) Option { return func(c *Coordinator) { c.clock = clock } }

// WithReplayLimit sets how many stored results a duplicate receives; 0 disables replay.
func WithReplayLimit(n int) Option { return func(c *Coordinator) { c.replayLimit = n } }

// New creates a coordinator.
func New(reg *registry.Registry, table *subscription.Table, executor execution.Executor, log *zap.SugaredLogger, opts ...Option) *Coordinator {
	if log == nil {
		log = logger.ComponentLogger("dispatch")
	}
	c := &Coordinator{
		parser:      query.RSPQLParser{},
		registry:    reg,
		table:       table,
		executor:    executor,
		logger:      log,
		clock:       time.Now,
		replayLimit: DefaultReplayLimit,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Registry returns the coordinator's registry.
func (c *Coordinator) Registry() *registry.Registry { return c.registry }

// Table returns the coordinator's subscription table.
func (c *Coordinator) Table() *subscription.Table { return c.table }

// Submit processes one submission end to end. Failures are reported to the
// requester as a status message and returned; other subscribers are not told
// unless an execution they joined failed to start.
func (c *Coordinator) Submit(ctx context.Context, s Submission) (*Outcome, error) {
	log := c.logger.With(logger.FieldConnectionID, s.Conn.ID())
	log.Debugw("Submission received", logger.FieldState, StateReceived, logger.FieldQueryType, s.Type)

	if s.Type == "" {
		s.Type = execution.TypeLive
	}
	if !execution.ValidType(s.Type) {
		err := errors.NewInvalidRequestError("query type %q is not supported", s.Type)
		err = errors.WithHint(err, "use \"live\" or \"historical+live\"")
		return c.reject(ctx, s.Conn, "", err)
	}

	q, err := c.parser.Parse(s.Raw)
	if err != nil {
		return c.reject(ctx, s.Conn, "", err)
	}
	log = log.With(logger.FieldFingerprint, q.Fingerprint.String())
	log.Debugw("Query fingerprinted", logger.FieldState, StateFingerprinted)

	if s.Metadata.ConnectionID == "" {
		s.Metadata.ConnectionID = s.Conn.ID()
	}
	s.Metadata.QueryType = s.Type
	s.Metadata.Rules = s.Rules

	decision, err := c.registry.Register(ctx, q, s.Metadata)
	if err != nil {
		c.metrics.Registration("rejected")
		return c.reject(ctx, s.Conn, q.Fingerprint, err)
	}

	var out *Outcome
	if decision.Unique {
		c.metrics.Registration("unique")
		out, err = c.startExecution(ctx, s, q, decision, log)
	} else {
		c.metrics.Registration("duplicate")
		out, err = c.attachDuplicate(ctx, s, decision, log)
	}
	c.metrics.SetExecuting(len(c.registry.Executing()))
	c.metrics.SetSubscriptions(c.table.Len())
	return out, err
}

func (c *Coordinator) startExecution(ctx context.Context, s Submission, q query.Query, d registry.Decision, log *zap.SugaredLogger) (*Outcome, error) {
	log.Infow("Query is unique", logger.FieldState, StateUnique)

	// Subscribe first so results emitted right after Start are not missed.
	c.table.Subscribe(d.Canonical, s.Conn)

	exec, err := c.launch(ctx, q, d, s.Rules, s.Type, s.Conn, log)
	if err != nil {
		return &Outcome{State: StateRejected, Decision: d}, err
	}

	if err := s.Conn.Send(subscription.NewStatus(subscription.StatusExecuting, d.Canonical.String(), exec.ID)); err != nil {
		log.Debugw("Requester did not take executing status", logger.FieldError, err)
	}
	return &Outcome{State: StateExecutingStarted, Decision: d, Execution: &exec}, nil
}

// launch starts the execution of a unique query. When Start fails the class
// is released, the requester (if any) is detached and told through an error
// status, and whoever attached to the class in the meantime gets
// execution_failed.
func (c *Coordinator) launch(ctx context.Context, q query.Query, d registry.Decision, rules, typ string, requester subscription.Connection, log *zap.SugaredLogger) (execution.Execution, error) {
	from, to := q.Range(c.clock())
	exec, err := c.executor.Start(ctx, execution.Request{
		Query:        q,
		Rules:        rules,
		Type:         typ,
		From:         from,
		To:           to,
		RegisteredBy: d.Entry.Metadata.RegisteredBy,
	})
	if err == nil {
		c.metrics.ExecutionStart(true)
		log.Infow("Execution started",
			logger.FieldState, StateExecutingStarted,
			logger.FieldExecutionID, exec.ID)
		return exec, nil
	}

	c.metrics.ExecutionStart(false)
	if !errors.IsExecutionStart(err) {
		err = errors.Mark(err, errors.ErrExecutionStart)
	}
	c.registry.Release(ctx, d.Canonical, err.Error())

	if requester != nil {
		c.table.Unsubscribe(d.Canonical, requester)
		if nerr := c.table.NotifyError(requester, d.Canonical, err); nerr != nil {
			log.Debugw("Requester did not take execution failure", logger.FieldError, nerr)
		}
	}
	report := c.table.Publish(ctx, d.Canonical,
		subscription.NewStatus(subscription.StatusExecutionFailed, d.Canonical.String(), err.Error()))
	c.metrics.Deliveries(report.Delivered, len(report.Failures))

	log.Warnw("Execution failed to start",
		logger.FieldState, StateRejected,
		logger.FieldCount, report.Delivered,
		logger.FieldError, err)
	return execution.Execution{}, err
}

func (c *Coordinator) attachDuplicate(ctx context.Context, s Submission, d registry.Decision, log *zap.SugaredLogger) (*Outcome, error) {
	log.Infow("Query is a duplicate",
		logger.FieldState, StateDuplicate,
		logger.FieldCanonical, d.Canonical.String())

	c.table.Subscribe(d.Canonical, s.Conn)
	if err := c.table.NotifyDuplicate(d.Canonical, s.Conn); err != nil {
		log.Warnw("Duplicate notification failed", logger.FieldError, err)
	}

	// The class may have failed to start after the decision was taken; its
	// execution_failed broadcast could have gone out before the Subscribe.
	if !c.registry.IsExecuting(d.Canonical) {
		c.table.Unsubscribe(d.Canonical, s.Conn)
		err := errors.Mark(
			errors.Newf("execution of %s is no longer running", d.Canonical),
			errors.ErrExecutionStart)
		if nerr := c.table.NotifyError(s.Conn, d.Canonical, err); nerr != nil {
			log.Debugw("Requester did not take execution failure", logger.FieldError, nerr)
		}
		log.Warnw("Equivalent execution stopped before attach",
			logger.FieldState, StateRejected,
			logger.FieldCanonical, d.Canonical.String())
		return &Outcome{State: StateRejected, Decision: d}, err
	}

	replayed := c.replay(ctx, s, d)
	log.Debugw("Subscribed to existing execution",
		logger.FieldState, StateSubscribedOnly,
		logger.FieldCount, replayed)
	return &Outcome{State: StateSubscribedOnly, Decision: d, Replayed: replayed}, nil
}

// replay sends stored results of the class to the new subscriber only.
func (c *Coordinator) replay(ctx context.Context, s Submission, d registry.Decision) int {
	if c.results == nil || c.replayLimit <= 0 {
		return 0
	}
	stored, err := c.results.Recent(ctx, d.Canonical, c.replayLimit)
	if err != nil {
		c.logger.Warnw("Failed to load results for replay",
			logger.FieldFingerprint, d.Canonical.String(),
			logger.FieldError, err)
		return 0
	}

	sent := 0
	for _, r := range stored {
		if err := s.Conn.Send(toEvent(r)); err != nil {
			c.logger.Warnw("Replay interrupted",
				logger.FieldConnectionID, s.Conn.ID(),
				logger.FieldError, err)
			break
		}
		sent++
	}

	if sent > 0 && d.Match != nil {
		_, err := c.registry.LogAccess(ctx, d.Match.AuditID, audit.AccessEvent{
			User:         d.Entry.Metadata.RegisteredBy,
			Timestamp:    c.clock(),
			DataAccessed: fmt.Sprintf("%s (%d results replayed)", d.Canonical, sent),
		})
		if err != nil {
			c.logger.Warnw("Failed to log replay access", logger.FieldError, err)
		}
	}
	return sent
}

func toEvent(r results.Result) subscription.AggregationEvent {
	ev := subscription.AggregationEvent{
		AggregationEvent: r.Payload,
		QueryHash:        r.Fingerprint.String(),
	}
	if !r.WindowFrom.IsZero() {
		ev.WindowFrom = r.WindowFrom.UnixMilli()
	}
	if !r.WindowTo.IsZero() {
		ev.WindowTo = r.WindowTo.UnixMilli()
	}
	return ev
}

func (c *Coordinator) reject(ctx context.Context, conn subscription.Connection, fp query.Fingerprint, err error) (*Outcome, error) {
	if nerr := c.table.NotifyError(conn, fp, err); nerr != nil {
		c.logger.Debugw("Rejection notification failed",
			logger.FieldConnectionID, conn.ID(),
			logger.FieldError, nerr)
	}
	c.logger.Infow("Submission rejected",
		logger.FieldConnectionID, conn.ID(),
		logger.FieldState, StateRejected,
		logger.FieldError, err)
	return &Outcome{State: StateRejected}, err
}

// Register parses raw and records it without a connection. A unique query
// still gets its execution started, so later duplicates attach to a live
// class; nobody is subscribed to it until Subscribe is called.
func (c *Coordinator) Register(ctx context.Context, raw string, meta registry.Metadata) (registry.Decision, error) {
	q, err := c.parser.Parse(raw)
	if err != nil {
		return registry.Decision{}, err
	}
	if meta.QueryType == "" {
		meta.QueryType = execution.TypeLive
	}
	if !execution.ValidType(meta.QueryType) {
		return registry.Decision{}, errors.NewInvalidRequestError("query type %q is not supported", meta.QueryType)
	}

	d, err := c.registry.Register(ctx, q, meta)
	if err != nil {
		c.metrics.Registration("rejected")
		return d, err
	}
	if !d.Unique {
		c.metrics.Registration("duplicate")
		return d, nil
	}

	c.metrics.Registration("unique")
	log := c.logger.With(logger.FieldFingerprint, q.Fingerprint.String())
	_, err = c.launch(ctx, q, d, meta.Rules, meta.QueryType, nil, log)
	c.metrics.SetExecuting(len(c.registry.Executing()))
	return d, err
}

// Subscribe attaches conn to the results of fp.
func (c *Coordinator) Subscribe(fp query.Fingerprint, conn subscription.Connection) bool {
	ok := c.table.Subscribe(fp, conn)
	c.metrics.SetSubscriptions(c.table.Len())
	return ok
}

// Publish sends payload to every subscriber of fp synchronously.
func (c *Coordinator) Publish(ctx context.Context, fp query.Fingerprint, payload any) subscription.Report {
	report := c.table.Publish(ctx, fp, payload)
	c.metrics.Deliveries(report.Delivered, len(report.Failures))
	return report
}

// HandleResult stores an aggregation event and fans it out to its class.
func (c *Coordinator) HandleResult(ctx context.Context, ev subscription.AggregationEvent) error {
	if ev.QueryHash == "" {
		return errors.NewInvalidRequestError("aggregation event has no query_hash")
	}
	fp := query.Fingerprint(ev.QueryHash)

	if c.results != nil {
		r := results.Result{
			Fingerprint: fp,
			Payload:     ev.AggregationEvent,
			ReceivedAt:  c.clock(),
		}
		if ev.WindowFrom != 0 {
			r.WindowFrom = time.UnixMilli(ev.WindowFrom)
		}
		if ev.WindowTo != 0 {
			r.WindowTo = time.UnixMilli(ev.WindowTo)
		}
		if _, err := c.results.Append(ctx, r); err != nil {
			// Live subscribers still get the event; only replay loses it.
			c.logger.Errorw("Failed to store result",
				logger.FieldFingerprint, fp.String(),
				logger.FieldError, err)
		}
	}

	if c.bus != nil {
		return c.bus.Emit(ctx, fp, ev)
	}
	c.Publish(ctx, fp, ev)
	return nil
}

// ForwardStatus relays an engine status message to the subscribers of its class.
func (c *Coordinator) ForwardStatus(ctx context.Context, msg subscription.StatusMessage) error {
	if msg.QueryHash == "" {
		return errors.NewInvalidRequestError("status message has no query_hash")
	}
	if msg.Type == "" {
		msg.Type = "status"
	}
	fp := query.Fingerprint(msg.QueryHash)
	if c.bus != nil {
		return c.bus.Emit(ctx, fp, msg)
	}
	c.Publish(ctx, fp, msg)
	return nil
}

// Executions lists the executions started by the executor, or nil when the
// executor does not track them.
func (c *Coordinator) Executions() []execution.Execution {
	if t, ok := c.executor.(execution.Tracker); ok {
		return t.Active()
	}
	return nil
}

// ClearAll empties the registry and forgets tracked executions.
// Subscriptions and the audit log are kept.
func (c *Coordinator) ClearAll() bool {
	ok := c.registry.Clear()
	if t, ok := c.executor.(execution.Tracker); ok {
		t.Reset()
	}
	c.metrics.SetExecuting(0)
	c.logger.Infow("Registry cleared by request")
	return ok
}
