// Package router is the per-driver consumer of the realtime channel. It
// turns transport deliveries into at-most-once local alerts.
package router

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/course-dispatch/internal/models"
)

// Subscription is a cancellable stream of realtime events. The channel
// closes when the subscription ends; Close tears the transport down.
type Subscription interface {
	Events() <-chan models.Event
	Close() error
}

// AlertPattern selects the local feedback for an event class.
type AlertPattern struct {
	Sound   string
	Haptics []time.Duration // vibrate/pause sequence
	Repeats int
	Route   string // navigation target when the alert is activated
}

// Alerter presents a dismissible, clickable alert (sound, haptics,
// navigation on tap). Implemented by the device shell; faked in tests.
type Alerter interface {
	Alert(ev models.Event, p AlertPattern)
}

// Router deduplicates and dispatches events for one driver. The processed-id
// set lives for the router's lifetime only and is written solely by the run
// goroutine.
type Router struct {
	driverID uuid.UUID
	sub      Subscription
	alerter  Alerter
	logger   *slog.Logger

	mu      sync.Mutex
	running bool
	done    chan struct{}

	seen map[uuid.UUID]struct{}
}

func New(driverID uuid.UUID, sub Subscription, alerter Alerter, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		driverID: driverID,
		sub:      sub,
		alerter:  alerter,
		logger:   logger,
		seen:     make(map[uuid.UUID]struct{}),
	}
}

// Start launches the receive loop. Starting a running router is a no-op.
func (r *Router) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return
	}
	r.running = true
	r.done = make(chan struct{})
	go r.loop(ctx, r.done)
}

// Stop closes the subscription and returns once the receive loop has exited,
// so no handler fires after Stop returns.
func (r *Router) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	done := r.done
	r.mu.Unlock()

	_ = r.sub.Close()
	<-done

	r.mu.Lock()
	r.running = false
	r.mu.Unlock()
}

func (r *Router) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	events := r.sub.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			r.process(ev)
		}
	}
}

func (r *Router) process(ev models.Event) {
	// the transport may redeliver; the id set makes processing at-most-once
	if _, dup := r.seen[ev.ID]; dup {
		return
	}
	r.seen[ev.ID] = struct{}{}

	if chat, ok := ev.Payload.(models.ChatPayload); ok && chat.SenderRole == models.RoleDriver {
		// a driver is never alerted about its own message
		return
	}

	p, ok := patternFor(ev)
	if !ok {
		r.logger.Warn("event with no alert pattern", "event_id", ev.ID, "type", ev.Type)
		return
	}
	r.alerter.Alert(ev, p)
}

// patternFor is exhaustive over the payload union; SOS gets the most intense
// haptics and the highest repeat count.
func patternFor(ev models.Event) (AlertPattern, bool) {
	switch p := ev.Payload.(type) {
	case models.NewCoursePayload:
		return AlertPattern{
			Sound:   "new_course",
			Haptics: []time.Duration{400 * time.Millisecond, 100 * time.Millisecond, 400 * time.Millisecond},
			Repeats: 2,
			Route:   "/courses/" + p.CourseID.String(),
		}, true
	case models.ChatPayload:
		return AlertPattern{
			Sound:   "chat",
			Haptics: []time.Duration{150 * time.Millisecond},
			Repeats: 1,
			Route:   "/courses/" + p.CourseID.String() + "/chat",
		}, true
	case models.SOSPayload:
		return AlertPattern{
			Sound:   "sos",
			Haptics: []time.Duration{800 * time.Millisecond, 200 * time.Millisecond, 800 * time.Millisecond, 200 * time.Millisecond, 800 * time.Millisecond},
			Repeats: 5,
			Route:   "/sos",
		}, true
	case models.CourseUpdatePayload:
		return AlertPattern{
			Sound:   "course_update",
			Haptics: []time.Duration{200 * time.Millisecond},
			Repeats: 1,
			Route:   "/courses/" + p.CourseID.String(),
		}, true
	case models.DriverLoginPayload:
		// informational, admin-side only; no driver alert
		return AlertPattern{}, false
	default:
		return AlertPattern{}, false
	}
}
