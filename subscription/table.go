// Package subscription fans results out to every connection subscribed to a
// canonical query fingerprint.
package subscription

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/teranos/aggregator/errors"
	"github.com/teranos/aggregator/logger"
	"github.com/teranos/aggregator/query"
)

// Connection is a client that can receive messages. Send must not block for
// long; it returns an error marked ErrConnectionClosed once the client is gone.
type Connection interface {
	ID() string
	Send(msg any) error
}

// Failure is one undelivered message.
type Failure struct {
	ConnectionID string
	Err          error
}

// Report summarises one Publish.
type Report struct {
	Fingerprint query.Fingerprint
	Delivered   int
	Failures    []Failure
	// Removed counts closed connections dropped during this publish.
	Removed int
}

// Table maps canonical fingerprints to ordered, duplicate-free connection sets.
type Table struct {
	mu     sync.RWMutex
	sets   map[query.Fingerprint][]Connection
	logger *zap.SugaredLogger
}

// NewTable creates an empty table.
func NewTable(log *zap.SugaredLogger) *Table {
	if log == nil {
		log = logger.ComponentLogger("subscription")
	}
	return &Table{
		sets:   make(map[query.Fingerprint][]Connection),
		logger: log,
	}
}

// Subscribe adds conn to the set for fp. Returns false if it was already there.
func (t *Table) Subscribe(fp query.Fingerprint, conn Connection) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, c := range t.sets[fp] {
		if c.ID() == conn.ID() {
			return false
		}
	}
	t.sets[fp] = append(t.sets[fp], conn)

	t.logger.Debugw("Connection subscribed",
		logger.FieldFingerprint, fp.String(),
		logger.FieldConnectionID, conn.ID(),
		logger.FieldSubscribers, len(t.sets[fp]))
	return true
}

// Subscribers returns a snapshot of the set for fp in subscription order.
func (t *Table) Subscribers(fp query.Fingerprint) []Connection {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]Connection(nil), t.sets[fp]...)
}

// Len returns the number of fingerprints with at least one subscriber.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.sets)
}

// Fingerprints returns every fingerprint with subscribers.
func (t *Table) Fingerprints() []query.Fingerprint {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]query.Fingerprint, 0, len(t.sets))
	for fp := range t.sets {
		out = append(out, fp)
	}
	return out
}

// Clear drops every subscription.
func (t *Table) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sets = make(map[query.Fingerprint][]Connection)
}

// Publish sends payload to every subscriber of fp. A failed send is logged and
// reported but never stops the remaining deliveries. Connections that report
// themselves closed are removed from the set.
func (t *Table) Publish(ctx context.Context, fp query.Fingerprint, payload any) Report {
	subs := t.Subscribers(fp)
	report := Report{Fingerprint: fp}

	var closed []string
	for _, conn := range subs {
		if err := ctx.Err(); err != nil {
			report.Failures = append(report.Failures, Failure{
				ConnectionID: conn.ID(),
				Err:          errors.Mark(errors.Wrap(err, "publish cancelled"), errors.ErrDeliveryFailure),
			})
			continue
		}
		if err := conn.Send(payload); err != nil {
			if errors.IsConnectionClosed(err) {
				closed = append(closed, conn.ID())
			}
			err = errors.Mark(errors.Wrapf(err, "deliver to %s", conn.ID()), errors.ErrDeliveryFailure)
			report.Failures = append(report.Failures, Failure{ConnectionID: conn.ID(), Err: err})
			t.logger.Warnw("Delivery failed",
				logger.FieldFingerprint, fp.String(),
				logger.FieldConnectionID, conn.ID(),
				logger.FieldError, err)
			continue
		}
		report.Delivered++
	}

	if len(closed) > 0 {
		report.Removed = t.remove(fp, closed)
	}

	t.logger.Debugw("Published",
		logger.FieldFingerprint, fp.String(),
		logger.FieldSubscribers, len(subs),
		logger.FieldFailures, len(report.Failures))
	return report
}

// Unsubscribe detaches conn from fp. Returns false if it was not subscribed.
func (t *Table) Unsubscribe(fp query.Fingerprint, conn Connection) bool {
	return t.remove(fp, []string{conn.ID()}) > 0
}

func (t *Table) remove(fp query.Fingerprint, ids []string) int {
	drop := make(map[string]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	set := t.sets[fp]
	kept := set[:0:0]
	for _, c := range set {
		if !drop[c.ID()] {
			kept = append(kept, c)
		}
	}
	removed := len(set) - len(kept)
	if len(kept) == 0 {
		delete(t.sets, fp)
	} else {
		t.sets[fp] = kept
	}
	return removed
}

// NotifyDuplicate tells the requester its query is served by an existing execution.
func (t *Table) NotifyDuplicate(fp query.Fingerprint, conn Connection) error {
	if err := conn.Send(NewStatus(StatusDuplicateQuery, fp.String(), "")); err != nil {
		return errors.Mark(errors.Wrapf(err, "notify duplicate to %s", conn.ID()), errors.ErrDeliveryFailure)
	}
	return nil
}

// NotifyError sends a rejection status for fp to the requester only.
func (t *Table) NotifyError(conn Connection, fp query.Fingerprint, cause error) error {
	msg := NewStatus(StatusFor(cause), fp.String(), cause.Error())
	if err := conn.Send(msg); err != nil {
		return errors.Mark(errors.Wrapf(err, "notify error to %s", conn.ID()), errors.ErrDeliveryFailure)
	}
	return nil
}
