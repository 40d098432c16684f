// Package audit receives security events from the HTTP boundary and hands
// them to an asynchronous observer. Recording is fire and forget: a slow or
// broken observer must never fail or delay the authentication call that
// produced the event.
package audit

import (
	"time"

	"go.uber.org/zap"
)

const (
	EventLogin           = "auth.login"
	EventLoginFailed     = "auth.login_failed"
	EventLockout         = "auth.lockout"
	EventRefresh         = "auth.refresh"
	EventReuseDetected   = "auth.reuse_detected"
	EventLogout          = "auth.logout"
	EventLogoutAll       = "auth.logout_all"
	EventCodeIssued      = "auth.code_issued"
	EventPasswordChanged = "auth.password_changed"
	EventPasswordReset   = "auth.password_reset"
	EventEmailVerified   = "auth.email_verified"
)

type Event struct {
	Kind    string
	Subject string
	IP      string
	At      time.Time
	Detail  map[string]any
}

type Recorder interface {
	Record(event Event)
}

// AsyncRecorder buffers events on a channel and logs them from a single
// goroutine. When the buffer is full the event is dropped rather than
// blocking the request path.
type AsyncRecorder struct {
	logger *zap.Logger
	events chan Event
	done   chan struct{}
}

func NewAsyncRecorder(logger *zap.Logger, buffer int) *AsyncRecorder {
	if buffer <= 0 {
		buffer = 256
	}

	r := &AsyncRecorder{
		logger: logger,
		events: make(chan Event, buffer),
		done:   make(chan struct{}),
	}
	go r.consume()

	return r
}

func (r *AsyncRecorder) Record(event Event) {
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}

	select {
	case r.events <- event:
	default:
		// Buffer full. Losing an audit record is preferable to stalling
		// authentication.
	}
}

// Close drains buffered events and stops the consumer.
func (r *AsyncRecorder) Close() {
	close(r.events)
	<-r.done
}

func (r *AsyncRecorder) consume() {
	defer close(r.done)

	for event := range r.events {
		fields := []zap.Field{
			zap.String("subject", event.Subject),
			zap.String("ip", event.IP),
			zap.Time("at", event.At),
		}
		for key, value := range event.Detail {
			fields = append(fields, zap.Any(key, value))
		}
		r.logger.Info(event.Kind, fields...)
	}
}
