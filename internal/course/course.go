package course

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/example/course-dispatch/internal/models"
	"github.com/example/course-dispatch/internal/observability"
	"github.com/example/course-dispatch/internal/storage"
)

type Action string

const (
	ActionAccept   Action = "accept"
	ActionRefuse   Action = "refuse"
	ActionStart    Action = "start"
	ActionComplete Action = "complete"
	ActionCancel   Action = "cancel"
)

// Actor is the authenticated identity attempting a transition.
type Actor struct {
	DriverID uuid.UUID
	Role     models.Role
}

// Publisher re-broadcasts state changes over the realtime channel.
type Publisher interface {
	PublishToDriver(driverID uuid.UUID, ev models.Event)
}

// Service owns the course lifecycle. Every mutation goes through the store's
// conditional update, so concurrent transitions resolve to exactly one winner
// without any in-process locking.
type Service struct {
	Store  storage.CourseStore
	Events Publisher // optional
	Logger *slog.Logger
	Now    func() time.Time // overridable clock for tests
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Service) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// Transition applies a driver/dispatcher action to the course.
func (s *Service) Transition(ctx context.Context, actor Actor, courseID uuid.UUID, action Action) (*models.Course, error) {
	c, err := s.transition(ctx, actor, courseID, action)
	outcome := "ok"
	if err != nil {
		outcome = outcomeFor(err)
	}
	observability.TransitionsTotal.WithLabelValues(string(action), outcome).Inc()
	return c, err
}

func (s *Service) transition(ctx context.Context, actor Actor, courseID uuid.UUID, action Action) (*models.Course, error) {
	cur, err := s.Store.Course(ctx, courseID)
	if err != nil {
		return nil, mapStoreErr("load course", courseID, err)
	}

	switch action {
	case ActionAccept:
		return s.accept(ctx, actor, cur)
	case ActionRefuse:
		return s.refuse(ctx, actor, cur)
	case ActionStart:
		return s.start(ctx, actor, cur)
	case ActionComplete:
		return s.complete(ctx, actor, cur)
	case ActionCancel:
		return s.cancel(ctx, actor, cur)
	default:
		return nil, &InvalidStateError{Reason: "unknown action " + string(action)}
	}
}

func (s *Service) accept(ctx context.Context, actor Actor, cur *models.Course) (*models.Course, error) {
	if cur.Status.Terminal() {
		return nil, &InvalidStateError{Reason: "course is " + string(cur.Status)}
	}
	now := s.now()
	updated, err := s.Store.TransitionCourse(ctx, cur.ID,
		storage.CoursePrecondition{
			Statuses:           []models.CourseStatus{models.CoursePending, models.CourseDispatched},
			UnassignedOrDriver: &actor.DriverID,
		},
		storage.CourseMutation{
			Status:       models.CourseAccepted,
			AssignDriver: &actor.DriverID,
			AcceptedAt:   &now,
		})
	if err != nil {
		if errors.Is(err, storage.ErrPreconditionFailed) {
			// lost the accept race, or the course left the pool meanwhile
			return nil, &InvalidStateError{Reason: "course is no longer available"}
		}
		return nil, mapStoreErr("accept", cur.ID, err)
	}
	s.broadcast(updated)
	s.logger().Info("course accepted", "course_id", cur.ID, "driver_id", actor.DriverID)
	return updated, nil
}

func (s *Service) refuse(ctx context.Context, actor Actor, cur *models.Course) (*models.Course, error) {
	if err := s.requireOwner(actor, cur); err != nil {
		return nil, err
	}
	updated, err := s.Store.TransitionCourse(ctx, cur.ID,
		storage.CoursePrecondition{
			Statuses: []models.CourseStatus{models.CourseAccepted},
			DriverID: &actor.DriverID,
		},
		storage.CourseMutation{
			Status:          models.CoursePending,
			ClearDriver:     true,
			ClearAcceptedAt: true,
		})
	if err != nil {
		if errors.Is(err, storage.ErrPreconditionFailed) {
			return nil, &InvalidStateError{Reason: "course is " + string(cur.Status) + ", cannot refuse"}
		}
		return nil, mapStoreErr("refuse", cur.ID, err)
	}
	s.logger().Info("course refused, returned to pool", "course_id", cur.ID, "driver_id", actor.DriverID)
	return updated, nil
}

func (s *Service) start(ctx context.Context, actor Actor, cur *models.Course) (*models.Course, error) {
	if err := s.requireOwner(actor, cur); err != nil {
		return nil, err
	}
	// The pickup gate is authoritative here; the client countdown is only a
	// derived view of the same inequality.
	unlock := cur.UnlockTime()
	if now := s.now(); now.Before(unlock) {
		return nil, &InvalidStateError{Reason: "course locked until " + unlock.Format(time.RFC3339), UnlockTime: &unlock}
	}
	now := s.now()
	updated, err := s.Store.TransitionCourse(ctx, cur.ID,
		storage.CoursePrecondition{
			Statuses: []models.CourseStatus{models.CourseAccepted},
			DriverID: &actor.DriverID,
		},
		storage.CourseMutation{
			Status:    models.CourseInProgress,
			StartedAt: &now,
		})
	if err != nil {
		if errors.Is(err, storage.ErrPreconditionFailed) {
			return nil, &InvalidStateError{Reason: "course is " + string(cur.Status) + ", cannot start"}
		}
		return nil, mapStoreErr("start", cur.ID, err)
	}
	s.broadcast(updated)
	s.logger().Info("course started", "course_id", cur.ID, "driver_id", actor.DriverID)
	return updated, nil
}

func (s *Service) complete(ctx context.Context, actor Actor, cur *models.Course) (*models.Course, error) {
	if err := s.requireOwner(actor, cur); err != nil {
		return nil, err
	}
	now := s.now()
	updated, err := s.Store.TransitionCourse(ctx, cur.ID,
		storage.CoursePrecondition{
			Statuses: []models.CourseStatus{models.CourseInProgress},
			DriverID: &actor.DriverID,
		},
		storage.CourseMutation{
			Status:      models.CourseCompleted,
			CompletedAt: &now,
		})
	if err != nil {
		if errors.Is(err, storage.ErrPreconditionFailed) {
			return nil, &InvalidStateError{Reason: "course is " + string(cur.Status) + ", cannot complete"}
		}
		return nil, mapStoreErr("complete", cur.ID, err)
	}
	s.broadcast(updated)
	s.logger().Info("course completed", "course_id", cur.ID, "driver_id", actor.DriverID)
	return updated, nil
}

func (s *Service) cancel(ctx context.Context, actor Actor, cur *models.Course) (*models.Course, error) {
	if actor.Role != models.RoleDispatcher {
		return nil, &AuthorizationError{Reason: "only dispatchers may cancel"}
	}
	updated, err := s.Store.TransitionCourse(ctx, cur.ID,
		storage.CoursePrecondition{
			Statuses: []models.CourseStatus{
				models.CoursePending, models.CourseDispatched,
				models.CourseAccepted, models.CourseInProgress,
			},
		},
		storage.CourseMutation{Status: models.CourseCancelled})
	if err != nil {
		if errors.Is(err, storage.ErrPreconditionFailed) {
			return nil, &InvalidStateError{Reason: "course is " + string(cur.Status) + ", cannot cancel"}
		}
		return nil, mapStoreErr("cancel", cur.ID, err)
	}
	s.broadcast(updated)
	return updated, nil
}

// requireOwner rejects non-owning actors with an authorization error rather
// than silently ignoring the attempt.
func (s *Service) requireOwner(actor Actor, c *models.Course) error {
	if c.DriverID == nil || *c.DriverID != actor.DriverID {
		return &AuthorizationError{Reason: "course is not assigned to this driver"}
	}
	return nil
}

// broadcast re-publishes the new status to the assigned driver, best-effort.
// Notification delivery never fails the mutation.
func (s *Service) broadcast(c *models.Course) {
	if s.Events == nil || c.DriverID == nil {
		return
	}
	s.Events.PublishToDriver(*c.DriverID, models.Event{
		ID:      uuid.New(),
		Type:    models.EventCourseUpdate,
		Payload: models.CourseUpdatePayload{CourseID: c.ID, Status: c.Status},
	})
}

func mapStoreErr(op string, id uuid.UUID, err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return &NotFoundError{Kind: "course", ID: id.String()}
	}
	return &TransientError{Op: op, Err: err}
}

func outcomeFor(err error) string {
	var authErr *AuthorizationError
	var stateErr *InvalidStateError
	var nfErr *NotFoundError
	switch {
	case errors.As(err, &authErr):
		return "unauthorized"
	case errors.As(err, &stateErr):
		return "invalid_state"
	case errors.As(err, &nfErr):
		return "not_found"
	default:
		return "error"
	}
}
