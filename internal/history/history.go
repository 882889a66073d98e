// Package history exports service lifecycle events to external stores.
package history

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventStart EventType = "start"
	EventStop  EventType = "stop"
	EventFail  EventType = "fail"
)

// Event represents one lifecycle transition of a supervised service.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Service    string    `json:"service"`
	PID        int       `json:"pid"`
	Phase      string    `json:"phase"`
	ExitCode   int       `json:"exit_code"`
	Error      string    `json:"error,omitempty"`
}

// Sink is a destination for history events.
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Fanout delivers each event to every sink. A failing sink is logged and
// never blocks delivery to the others.
type Fanout struct {
	sinks   []Sink
	timeout time.Duration
	log     *slog.Logger
}

func NewFanout(log *slog.Logger, sinks ...Sink) *Fanout {
	if log == nil {
		log = slog.Default()
	}
	return &Fanout{sinks: sinks, timeout: 3 * time.Second, log: log}
}

func (f *Fanout) Len() int { return len(f.sinks) }

// Send implements Sink. The returned error joins every sink failure.
func (f *Fanout) Send(ctx context.Context, e Event) error {
	var errs []error
	for _, s := range f.sinks {
		sctx, cancel := context.WithTimeout(ctx, f.timeout)
		err := s.Send(sctx, e)
		cancel()
		if err != nil {
			f.log.Warn("history sink failed", "event", e.Type, "service", e.Service, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes every sink that holds resources.
func (f *Fanout) Close() error {
	var errs []error
	for _, s := range f.sinks {
		if c, ok := s.(io.Closer); ok {
			errs = append(errs, c.Close())
		}
	}
	return errors.Join(errs...)
}

// Schema column order shared by the SQL sinks.
const Columns = "occurred_at, event, service, pid, phase, exit_code, error"

// Args returns the column values of e in Columns order.
func (e Event) Args() []any {
	var errText any
	if e.Error != "" {
		errText = e.Error
	}
	return []any{e.OccurredAt.UTC(), string(e.Type), e.Service, e.PID, e.Phase, e.ExitCode, errText}
}
