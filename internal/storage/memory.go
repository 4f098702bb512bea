package storage

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/course-dispatch/internal/models"
)

// MemoryStore keeps everything in process memory. It backs local runs
// without Postgres and carries the same conditional-update contract, so the
// state machine behaves identically against either implementation.
type MemoryStore struct {
	mu            sync.RWMutex
	courses       map[uuid.UUID]*models.Course
	drivers       map[uuid.UUID]*models.Driver
	notifications map[uuid.UUID]*models.Notification
	notifKeys     map[notifKey]struct{}
	messages      map[uuid.UUID][]models.ChatMessage
}

type notifKey struct {
	driver uuid.UUID
	course uuid.UUID
	typ    models.EventType
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		courses:       make(map[uuid.UUID]*models.Course),
		drivers:       make(map[uuid.UUID]*models.Driver),
		notifications: make(map[uuid.UUID]*models.Notification),
		notifKeys:     make(map[notifKey]struct{}),
		messages:      make(map[uuid.UUID][]models.ChatMessage),
	}
}

func (m *MemoryStore) CreateCourse(ctx context.Context, c *models.Course) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *c
	m.courses[c.ID] = &cp
	return nil
}

func (m *MemoryStore) Course(ctx context.Context, id uuid.UUID) (*models.Course, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.courses[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *MemoryStore) TransitionCourse(ctx context.Context, id uuid.UUID, pre CoursePrecondition, mut CourseMutation) (*models.Course, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.courses[id]
	if !ok {
		return nil, ErrNotFound
	}
	if !preHolds(c, pre) {
		return nil, ErrPreconditionFailed
	}
	c.Status = mut.Status
	if mut.AssignDriver != nil {
		d := *mut.AssignDriver
		c.DriverID = &d
	}
	if mut.ClearDriver {
		c.DriverID = nil
	}
	if mut.AcceptedAt != nil {
		t := *mut.AcceptedAt
		c.AcceptedAt = &t
	}
	if mut.ClearAcceptedAt {
		c.AcceptedAt = nil
	}
	if mut.StartedAt != nil {
		t := *mut.StartedAt
		c.StartedAt = &t
	}
	if mut.CompletedAt != nil {
		t := *mut.CompletedAt
		c.CompletedAt = &t
	}
	c.UpdatedAt = time.Now()
	cp := *c
	return &cp, nil
}

func preHolds(c *models.Course, pre CoursePrecondition) bool {
	if len(pre.Statuses) > 0 {
		ok := false
		for _, s := range pre.Statuses {
			if c.Status == s {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if pre.UnassignedOrDriver != nil {
		if c.DriverID != nil && *c.DriverID != *pre.UnassignedOrDriver {
			return false
		}
	}
	if pre.DriverID != nil {
		if c.DriverID == nil || *c.DriverID != *pre.DriverID {
			return false
		}
	}
	return true
}

func (m *MemoryStore) PutDriver(d *models.Driver) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *d
	m.drivers[d.ID] = &cp
}

func (m *MemoryStore) Driver(ctx context.Context, id uuid.UUID) (*models.Driver, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.drivers[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (m *MemoryStore) ReachableDrivers(ctx context.Context) ([]models.Driver, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Driver, 0, len(m.drivers))
	for _, d := range m.drivers {
		if d.Reachable() {
			out = append(out, *d)
		}
	}
	return out, nil
}

func (m *MemoryStore) CreateNotification(ctx context.Context, n *models.Notification) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if k, ok := keyFor(n); ok {
		if _, dup := m.notifKeys[k]; dup {
			return false, nil
		}
		m.notifKeys[k] = struct{}{}
	}
	cp := *n
	m.notifications[n.ID] = &cp
	return true, nil
}

// keyFor builds the dedup key; broadcast notifications (nil driver) and
// courseless notifications are never deduplicated.
func keyFor(n *models.Notification) (notifKey, bool) {
	if n.DriverID == nil || n.CourseID == nil {
		return notifKey{}, false
	}
	return notifKey{driver: *n.DriverID, course: *n.CourseID, typ: n.Type}, true
}

func (m *MemoryStore) MarkNotificationRead(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.notifications[id]
	if !ok {
		return ErrNotFound
	}
	n.Read = true
	return nil
}

func (m *MemoryStore) CreateMessage(ctx context.Context, msg *models.ChatMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages[msg.CourseID] = append(m.messages[msg.CourseID], *msg)
	return nil
}

func (m *MemoryStore) MessagesByCourse(ctx context.Context, courseID uuid.UUID) ([]models.ChatMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	msgs := m.messages[courseID]
	out := make([]models.ChatMessage, len(msgs))
	copy(out, msgs)
	return out, nil
}

func (m *MemoryStore) MarkMessagesRead(ctx context.Context, courseID uuid.UUID, role models.Role) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	msgs := m.messages[courseID]
	for i := range msgs {
		switch role {
		case models.RoleDriver:
			msgs[i].ReadByDriver = true
		case models.RoleDispatcher:
			msgs[i].ReadByFleet = true
		}
	}
	return nil
}
