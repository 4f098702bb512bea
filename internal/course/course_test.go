package course

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/example/course-dispatch/internal/models"
	"github.com/example/course-dispatch/internal/storage"
)

func newService(store storage.CourseStore, now time.Time) *Service {
	return &Service{Store: store, Now: func() time.Time { return now }}
}

func seedCourse(t *testing.T, store *storage.MemoryStore, status models.CourseStatus, driverID *uuid.UUID, pickup time.Time) *models.Course {
	t.Helper()
	c := &models.Course{
		ID:           uuid.New(),
		Status:       status,
		DriverID:     driverID,
		PickupDate:   pickup,
		DispatchMode: models.DispatchAuto,
		CreatedAt:    time.Now(),
	}
	if err := store.CreateCourse(context.Background(), c); err != nil {
		t.Fatal(err)
	}
	return c
}

func TestStartBeforeUnlockRejected(t *testing.T) {
	store := storage.NewMemoryStore()
	driver := uuid.New()
	pickup := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c := seedCourse(t, store, models.CourseAccepted, &driver, pickup)

	// 90 minutes early: rejected with the unlock instant
	svc := newService(store, pickup.Add(-90*time.Minute))
	_, err := svc.Transition(context.Background(), Actor{DriverID: driver, Role: models.RoleDriver}, c.ID, ActionStart)
	var stateErr *InvalidStateError
	if !errors.As(err, &stateErr) {
		t.Fatalf("expected InvalidStateError, got %v", err)
	}
	if stateErr.UnlockTime == nil || !stateErr.UnlockTime.Equal(pickup.Add(-time.Hour)) {
		t.Fatalf("expected unlock_time %v, got %v", pickup.Add(-time.Hour), stateErr.UnlockTime)
	}

	// 59 minutes early: inside the window
	svc = newService(store, pickup.Add(-59*time.Minute))
	updated, err := svc.Transition(context.Background(), Actor{DriverID: driver, Role: models.RoleDriver}, c.ID, ActionStart)
	if err != nil {
		t.Fatalf("expected start to succeed, got %v", err)
	}
	if updated.Status != models.CourseInProgress {
		t.Fatalf("expected in_progress, got %s", updated.Status)
	}
	if updated.StartedAt == nil {
		t.Fatal("started_at not set")
	}
}

func TestConcurrentAcceptExactlyOneWins(t *testing.T) {
	store := storage.NewMemoryStore()
	c := seedCourse(t, store, models.CoursePending, nil, time.Now().Add(2*time.Hour))
	svc := newService(store, time.Now())

	drivers := []uuid.UUID{uuid.New(), uuid.New()}
	errs := make([]error, len(drivers))
	var wg sync.WaitGroup
	for i, d := range drivers {
		wg.Add(1)
		go func(i int, d uuid.UUID) {
			defer wg.Done()
			_, errs[i] = svc.Transition(context.Background(), Actor{DriverID: d, Role: models.RoleDriver}, c.ID, ActionAccept)
		}(i, d)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
			continue
		}
		var stateErr *InvalidStateError
		if !errors.As(err, &stateErr) {
			t.Fatalf("loser got %v, want InvalidStateError", err)
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins)
	}
}

func TestAcceptDispatchedCourse(t *testing.T) {
	store := storage.NewMemoryStore()
	c := seedCourse(t, store, models.CourseDispatched, nil, time.Now().Add(2*time.Hour))
	svc := newService(store, time.Now())
	driver := uuid.New()

	updated, err := svc.Transition(context.Background(), Actor{DriverID: driver, Role: models.RoleDriver}, c.ID, ActionAccept)
	if err != nil {
		t.Fatal(err)
	}
	if updated.Status != models.CourseAccepted || updated.DriverID == nil || *updated.DriverID != driver {
		t.Fatalf("unexpected course: %+v", updated)
	}
}

func TestAcceptManuallyAssignedCourse(t *testing.T) {
	store := storage.NewMemoryStore()
	assigned := uuid.New()
	c := seedCourse(t, store, models.CourseDispatched, &assigned, time.Now().Add(2*time.Hour))
	svc := newService(store, time.Now())

	// another driver cannot take a pre-assigned course
	_, err := svc.Transition(context.Background(), Actor{DriverID: uuid.New(), Role: models.RoleDriver}, c.ID, ActionAccept)
	var stateErr *InvalidStateError
	if !errors.As(err, &stateErr) {
		t.Fatalf("expected InvalidStateError, got %v", err)
	}

	// the assigned driver can
	updated, err := svc.Transition(context.Background(), Actor{DriverID: assigned, Role: models.RoleDriver}, c.ID, ActionAccept)
	if err != nil {
		t.Fatal(err)
	}
	if updated.Status != models.CourseAccepted || updated.AcceptedAt == nil {
		t.Fatalf("unexpected course: %+v", updated)
	}
}

func TestRefuseRestoresPreAcceptState(t *testing.T) {
	store := storage.NewMemoryStore()
	c := seedCourse(t, store, models.CoursePending, nil, time.Now().Add(2*time.Hour))
	driver := uuid.New()
	svc := newService(store, time.Now())
	actor := Actor{DriverID: driver, Role: models.RoleDriver}

	if _, err := svc.Transition(context.Background(), actor, c.ID, ActionAccept); err != nil {
		t.Fatal(err)
	}
	updated, err := svc.Transition(context.Background(), actor, c.ID, ActionRefuse)
	if err != nil {
		t.Fatal(err)
	}
	if updated.Status != models.CoursePending || updated.DriverID != nil || updated.AcceptedAt != nil {
		t.Fatalf("refuse did not restore pool state: %+v", updated)
	}
}

func TestTerminalCourseRejectsTransitions(t *testing.T) {
	store := storage.NewMemoryStore()
	driver := uuid.New()
	c := seedCourse(t, store, models.CourseCompleted, &driver, time.Now())
	svc := newService(store, time.Now())

	_, err := svc.Transition(context.Background(), Actor{DriverID: driver, Role: models.RoleDriver}, c.ID, ActionAccept)
	var stateErr *InvalidStateError
	if !errors.As(err, &stateErr) {
		t.Fatalf("expected InvalidStateError, got %v", err)
	}
}

func TestNonOwnerIsUnauthorized(t *testing.T) {
	store := storage.NewMemoryStore()
	owner := uuid.New()
	c := seedCourse(t, store, models.CourseAccepted, &owner, time.Now())
	svc := newService(store, time.Now())
	stranger := Actor{DriverID: uuid.New(), Role: models.RoleDriver}

	for _, action := range []Action{ActionRefuse, ActionStart, ActionComplete} {
		_, err := svc.Transition(context.Background(), stranger, c.ID, action)
		var authErr *AuthorizationError
		if !errors.As(err, &authErr) {
			t.Fatalf("%s by non-owner: expected AuthorizationError, got %v", action, err)
		}
	}
}

func TestCompleteRequiresInProgress(t *testing.T) {
	store := storage.NewMemoryStore()
	driver := uuid.New()
	c := seedCourse(t, store, models.CourseAccepted, &driver, time.Now())
	svc := newService(store, time.Now())
	actor := Actor{DriverID: driver, Role: models.RoleDriver}

	_, err := svc.Transition(context.Background(), actor, c.ID, ActionComplete)
	var stateErr *InvalidStateError
	if !errors.As(err, &stateErr) {
		t.Fatalf("expected InvalidStateError, got %v", err)
	}
}

func TestLifecycleTimestampsMonotone(t *testing.T) {
	store := storage.NewMemoryStore()
	c := seedCourse(t, store, models.CoursePending, nil, time.Now().Add(30*time.Minute))
	driver := uuid.New()
	actor := Actor{DriverID: driver, Role: models.RoleDriver}

	t0 := time.Now()
	svc := newService(store, t0)
	if _, err := svc.Transition(context.Background(), actor, c.ID, ActionAccept); err != nil {
		t.Fatal(err)
	}
	svc = newService(store, t0.Add(time.Minute))
	if _, err := svc.Transition(context.Background(), actor, c.ID, ActionStart); err != nil {
		t.Fatal(err)
	}
	svc = newService(store, t0.Add(2*time.Minute))
	final, err := svc.Transition(context.Background(), actor, c.ID, ActionComplete)
	if err != nil {
		t.Fatal(err)
	}
	if final.AcceptedAt == nil || final.StartedAt == nil || final.CompletedAt == nil {
		t.Fatalf("missing timestamps: %+v", final)
	}
	if final.StartedAt.Before(*final.AcceptedAt) || final.CompletedAt.Before(*final.StartedAt) {
		t.Fatal("timestamps not monotone")
	}
}

func TestCancelRequiresDispatcher(t *testing.T) {
	store := storage.NewMemoryStore()
	driver := uuid.New()
	c := seedCourse(t, store, models.CourseAccepted, &driver, time.Now())
	svc := newService(store, time.Now())

	_, err := svc.Transition(context.Background(), Actor{DriverID: driver, Role: models.RoleDriver}, c.ID, ActionCancel)
	var authErr *AuthorizationError
	if !errors.As(err, &authErr) {
		t.Fatalf("expected AuthorizationError, got %v", err)
	}

	updated, err := svc.Transition(context.Background(), Actor{Role: models.RoleDispatcher}, c.ID, ActionCancel)
	if err != nil {
		t.Fatal(err)
	}
	if updated.Status != models.CourseCancelled {
		t.Fatalf("expected cancelled, got %s", updated.Status)
	}
}
