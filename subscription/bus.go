package subscription

import (
	"context"

	"go.uber.org/zap"

	"github.com/teranos/aggregator/errors"
	"github.com/teranos/aggregator/logger"
	"github.com/teranos/aggregator/query"
)

// Event is a payload addressed to every subscriber of Fingerprint.
type Event struct {
	Fingerprint query.Fingerprint
	Payload     any
}

// Bus carries events from executions to the Table. It is the only path by
// which asynchronous results reach subscribers.
type Bus struct {
	events   chan Event
	table    *Table
	logger   *zap.SugaredLogger
	onReport func(Report)
}

// NewBus creates a bus with the given queue capacity.
func NewBus(table *Table, capacity int, log *zap.SugaredLogger) *Bus {
	if capacity <= 0 {
		capacity = 1
	}
	if log == nil {
		log = logger.ComponentLogger("bus")
	}
	return &Bus{
		events: make(chan Event, capacity),
		table:  table,
		logger: log,
	}
}

// OnReport registers a callback invoked after each publish. Must be called
// before Run.
func (b *Bus) OnReport(fn func(Report)) {
	b.onReport = fn
}

// Emit queues an event, blocking while the queue is full.
func (b *Bus) Emit(ctx context.Context, fp query.Fingerprint, payload any) error {
	select {
	case b.events <- Event{Fingerprint: fp, Payload: payload}:
		return nil
	case <-ctx.Done():
		return errors.Wrapf(ctx.Err(), "emit for %s", fp.Short())
	}
}

// Pending returns the number of queued events.
func (b *Bus) Pending() int {
	return len(b.events)
}

// Run publishes queued events until ctx is done. Events still queued at that
// point are dropped.
func (b *Bus) Run(ctx context.Context) {
	b.logger.Debugw("Bus started")
	for {
		select {
		case <-ctx.Done():
			if n := len(b.events); n > 0 {
				b.logger.Warnw("Bus stopping with undelivered events", logger.FieldCount, n)
			}
			return
		case ev := <-b.events:
			report := b.table.Publish(ctx, ev.Fingerprint, ev.Payload)
			if b.onReport != nil {
				b.onReport(report)
			}
		}
	}
}
