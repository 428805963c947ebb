package consent

import "context"

// EventSink receives audit events after they are committed. Sinks report
// their own failures; the ledger never waits on them.
type EventSink interface {
	Notify(ctx context.Context, ev AuditEvent)
}

// SinkFunc adapts a function to EventSink.
type SinkFunc func(ctx context.Context, ev AuditEvent)

func (f SinkFunc) Notify(ctx context.Context, ev AuditEvent) { f(ctx, ev) }

// MultiSink fans an event out to every sink in order.
type MultiSink []EventSink

func (m MultiSink) Notify(ctx context.Context, ev AuditEvent) {
	for _, s := range m {
		if s != nil {
			s.Notify(ctx, ev)
		}
	}
}
