// Package realtime carries row-insert events to connected driver devices
// over per-driver websocket topics.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/example/course-dispatch/internal/models"
	"github.com/example/course-dispatch/internal/observability"
)

type envelope struct {
	driverID *uuid.UUID // nil = admin broadcast
	ev       models.Event
}

// Hub owns the registry of connected clients. All registry mutation happens
// on the Run goroutine; other goroutines interact through channels only.
type Hub struct {
	logger *slog.Logger

	mu      sync.RWMutex
	drivers map[uuid.UUID]*Client
	admins  map[*Client]struct{}

	register   chan *Client
	unregister chan *Client
	publish    chan envelope
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		logger:     logger,
		drivers:    make(map[uuid.UUID]*Client),
		admins:     make(map[*Client]struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		publish:    make(chan envelope, 256),
	}
}

// Run processes registry traffic until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case c := <-h.register:
			h.add(c)
		case c := <-h.unregister:
			h.remove(c)
		case env := <-h.publish:
			h.deliver(env)
		}
	}
}

func (h *Hub) add(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c.Role == models.RoleDriver {
		// one channel per driver; a reconnect replaces the old one
		if old, ok := h.drivers[c.DriverID]; ok {
			close(old.send)
		}
		h.drivers[c.DriverID] = c
		observability.DriversConnected.Set(float64(len(h.drivers)))
	} else {
		h.admins[c] = struct{}{}
	}
	h.logger.Info("realtime client connected", "driver_id", c.DriverID, "role", c.Role)
}

func (h *Hub) remove(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c.Role == models.RoleDriver {
		if cur, ok := h.drivers[c.DriverID]; ok && cur == c {
			delete(h.drivers, c.DriverID)
			close(c.send)
			observability.DriversConnected.Set(float64(len(h.drivers)))
		}
	} else if _, ok := h.admins[c]; ok {
		delete(h.admins, c)
		close(c.send)
	}
	h.logger.Info("realtime client disconnected", "driver_id", c.DriverID, "role", c.Role)
}

func (h *Hub) deliver(env envelope) {
	data, err := json.Marshal(env.ev)
	if err != nil {
		h.logger.Error("event marshal failed", "event_id", env.ev.ID, "error", err)
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if env.driverID != nil {
		if c, ok := h.drivers[*env.driverID]; ok {
			c.enqueue(data)
		}
		return
	}
	for c := range h.admins {
		c.enqueue(data)
	}
}

// PublishToDriver queues an event for one driver's topic. Non-blocking and
// best-effort: nothing is queued for offline drivers, and delivery order is
// not guaranteed.
func (h *Hub) PublishToDriver(driverID uuid.UUID, ev models.Event) {
	select {
	case h.publish <- envelope{driverID: &driverID, ev: ev}:
	default:
		h.logger.Warn("realtime publish queue full, dropping event", "event_id", ev.ID)
	}
}

// BroadcastAdmins queues an event for every connected admin.
func (h *Hub) BroadcastAdmins(ev models.Event) {
	select {
	case h.publish <- envelope{ev: ev}:
	default:
		h.logger.Warn("realtime publish queue full, dropping event", "event_id", ev.ID)
	}
}

func (h *Hub) IsDriverConnected(id uuid.UUID) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.drivers[id]
	return ok
}
