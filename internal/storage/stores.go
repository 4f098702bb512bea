package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/example/course-dispatch/internal/models"
)

var (
	// ErrNotFound is returned when the requested record does not exist.
	ErrNotFound = errors.New("storage: not found")

	// ErrPreconditionFailed is returned by TransitionCourse when the stored
	// status/owner no longer match the supplied precondition. It is the only
	// mutual-exclusion mechanism for concurrent transitions: of N racing
	// updates exactly one observes its precondition and wins.
	ErrPreconditionFailed = errors.New("storage: precondition failed")
)

// CoursePrecondition is the expected current state supplied with every
// transition. Transitions are conditional updates, never blind writes.
type CoursePrecondition struct {
	Statuses []models.CourseStatus // current status must be one of these
	// UnassignedOrDriver requires driver_id to be null or equal to this
	// value, so a manual pre-assignment does not block its own driver.
	UnassignedOrDriver *uuid.UUID
	DriverID           *uuid.UUID // driver_id must equal this
}

// CourseMutation describes the fields a transition writes.
type CourseMutation struct {
	Status          models.CourseStatus
	AssignDriver    *uuid.UUID
	ClearDriver     bool
	AcceptedAt      *time.Time
	ClearAcceptedAt bool
	StartedAt       *time.Time
	CompletedAt     *time.Time
}

type CourseStore interface {
	CreateCourse(ctx context.Context, c *models.Course) error
	Course(ctx context.Context, id uuid.UUID) (*models.Course, error)
	// TransitionCourse applies mut iff pre holds against the stored row,
	// returning the updated course. ErrPreconditionFailed on mismatch,
	// ErrNotFound when the course does not exist.
	TransitionCourse(ctx context.Context, id uuid.UUID, pre CoursePrecondition, mut CourseMutation) (*models.Course, error)
}

type DriverStore interface {
	Driver(ctx context.Context, id uuid.UUID) (*models.Driver, error)
	// ReachableDrivers lists approved drivers with status=active and a
	// non-empty push token, the auto-dispatch target set.
	ReachableDrivers(ctx context.Context) ([]models.Driver, error)
}

type NotificationStore interface {
	// CreateNotification inserts n unless a record with the same
	// (driver_id, course_id, type) already exists; created reports whether
	// a row was written.
	CreateNotification(ctx context.Context, n *models.Notification) (created bool, err error)
	MarkNotificationRead(ctx context.Context, id uuid.UUID) error
}

// Store is the full persistence surface, satisfied by both the Postgres and
// the in-memory implementations.
type Store interface {
	CourseStore
	DriverStore
	NotificationStore
	ChatStore
}

type ChatStore interface {
	CreateMessage(ctx context.Context, m *models.ChatMessage) error
	MessagesByCourse(ctx context.Context, courseID uuid.UUID) ([]models.ChatMessage, error)
	// MarkMessagesRead flips the read flag owned by role for every message
	// of the course; the other side's flag is untouched.
	MarkMessagesRead(ctx context.Context, courseID uuid.UUID, role models.Role) error
}
