package history

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memSink struct {
	mu     sync.Mutex
	events []Event
	err    error
	closed bool
}

func (m *memSink) Send(_ context.Context, e Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.events = append(m.events, e)
	return nil
}

func (m *memSink) Close() error {
	m.closed = true
	return nil
}

func TestFanoutDeliversDespiteFailure(t *testing.T) {
	bad := &memSink{err: errors.New("down")}
	good := &memSink{}
	f := NewFanout(nil, bad, good)
	require.Equal(t, 2, f.Len())

	err := f.Send(context.Background(), Event{Type: EventStart, Service: "chat", OccurredAt: time.Now()})
	assert.ErrorContains(t, err, "down")
	require.Len(t, good.events, 1)
	assert.Equal(t, "chat", good.events[0].Service)

	require.NoError(t, f.Close())
	assert.True(t, bad.closed)
	assert.True(t, good.closed)
}

func TestEventArgs(t *testing.T) {
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.FixedZone("x", 3600))
	args := Event{Type: EventFail, OccurredAt: at, Service: "voice", PID: 7, Phase: "failed", ExitCode: 2, Error: "boom"}.Args()
	require.Len(t, args, 7)
	assert.Equal(t, at.UTC(), args[0])
	assert.Equal(t, "fail", args[1])
	assert.Equal(t, "boom", args[6])

	args = Event{Type: EventStart}.Args()
	assert.Nil(t, args[6])
}
