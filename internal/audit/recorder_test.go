package audit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestAsyncRecorderLogsEvents(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	recorder := NewAsyncRecorder(zap.New(core), 16)

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	recorder.Record(Event{
		Kind:    EventLogin,
		Subject: "11111111-1111-7111-8111-111111111111",
		IP:      "192.0.2.1",
		At:      at,
	})
	recorder.Record(Event{
		Kind:   EventLogoutAll,
		IP:     "192.0.2.1",
		Detail: map[string]any{"revoked": int64(3)},
	})
	recorder.Close()

	entries := logs.All()
	require.Len(t, entries, 2)

	assert.Equal(t, EventLogin, entries[0].Message)
	fields := entries[0].ContextMap()
	assert.Equal(t, "11111111-1111-7111-8111-111111111111", fields["subject"])
	assert.Equal(t, at, fields["at"])

	assert.Equal(t, EventLogoutAll, entries[1].Message)
	assert.Equal(t, int64(3), entries[1].ContextMap()["revoked"])
}

func TestAsyncRecorderStampsMissingTime(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	recorder := NewAsyncRecorder(zap.New(core), 16)

	recorder.Record(Event{Kind: EventRefresh, IP: "192.0.2.1"})
	recorder.Close()

	entries := logs.All()
	require.Len(t, entries, 1)
	at, ok := entries[0].ContextMap()["at"].(time.Time)
	require.True(t, ok)
	assert.False(t, at.IsZero())
}

func TestAsyncRecorderDropsWhenFull(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	logger := zap.New(core)

	// Build the recorder without its consumer so the buffer stays full.
	recorder := &AsyncRecorder{
		logger: logger,
		events: make(chan Event, 1),
		done:   make(chan struct{}),
	}

	recorder.Record(Event{Kind: EventLogin})
	recorder.Record(Event{Kind: EventLoginFailed})

	go recorder.consume()
	recorder.Close()

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, EventLogin, entries[0].Message)
}
