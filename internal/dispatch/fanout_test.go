package dispatch

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

func token(s string) *string { return &s }

func putDriver(store *storage.MemoryStore, approved bool, status models.DriverStatus, tok *string) uuid.UUID {
	d := &models.Driver{
		ID:       uuid.New(),
		Subject:  "drv",
		Status:   status,
		FCMToken: tok,
		Approved: approved,
	}
	store.PutDriver(d)
	return d.ID
}

func autoCourse() *models.Course {
	return &models.Course{
		ID:           uuid.New(),
		Status:       models.CoursePending,
		PickupDate:   time.Now().Add(2 * time.Hour),
		DispatchMode: models.DispatchAuto,
	}
}

type fakePusher struct {
	mu     sync.Mutex
	tokens []string
}

func (f *fakePusher) Push(ctx context.Context, tok string, n *models.Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokens = append(f.tokens, tok)
	return nil
}

type fakePublisher struct {
	mu     sync.Mutex
	events map[uuid.UUID][]models.Event
}

func (f *fakePublisher) PublishToDriver(driverID uuid.UUID, ev models.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.events == nil {
		f.events = make(map[uuid.UUID][]models.Event)
	}
	f.events[driverID] = append(f.events[driverID], ev)
}

func TestAutoDispatchTargetsReachableDrivers(t *testing.T) {
	store := storage.NewMemoryStore()
	a := putDriver(store, true, models.DriverActive, token("tok-a"))
	b := putDriver(store, true, models.DriverActive, token("tok-b"))
	c := putDriver(store, true, models.DriverActive, token("tok-c"))
	putDriver(store, true, models.DriverInactive, token("tok-d")) // inactive
	putDriver(store, false, models.DriverActive, token("tok-e"))  // not approved
	putDriver(store, true, models.DriverActive, nil)              // no token

	push := &fakePusher{}
	rt := &fakePublisher{}
	f := &Fanout{Drivers: store, Notifications: store, Push: push, Realtime: rt}

	res, err := f.Dispatch(context.Background(), autoCourse())
	if err != nil {
		t.Fatal(err)
	}
	if len(res.NotifiedDrivers) != 3 {
		t.Fatalf("expected 3 notified drivers, got %d", len(res.NotifiedDrivers))
	}
	want := map[uuid.UUID]bool{a: true, b: true, c: true}
	for _, id := range res.NotifiedDrivers {
		if !want[id] {
			t.Fatalf("unexpected target %s", id)
		}
	}
	if len(push.tokens) != 3 {
		t.Fatalf("expected 3 pushes, got %d", len(push.tokens))
	}
	for _, id := range res.NotifiedDrivers {
		evs := rt.events[id]
		if len(evs) != 1 || evs[0].Type != models.EventNewCourse {
			t.Fatalf("driver %s: expected one new_course event, got %v", id, evs)
		}
	}
}

func TestManualDispatchSingleTarget(t *testing.T) {
	store := storage.NewMemoryStore()
	assigned := putDriver(store, true, models.DriverActive, token("tok"))
	putDriver(store, true, models.DriverActive, token("other"))

	c := autoCourse()
	c.DispatchMode = models.DispatchManual
	c.DriverID = &assigned

	f := &Fanout{Drivers: store, Notifications: store}
	res, err := f.Dispatch(context.Background(), c)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.NotifiedDrivers) != 1 || res.NotifiedDrivers[0] != assigned {
		t.Fatalf("expected only the assigned driver, got %v", res.NotifiedDrivers)
	}
}

func TestManualDispatchWithoutDriverFails(t *testing.T) {
	f := &Fanout{Drivers: storage.NewMemoryStore(), Notifications: storage.NewMemoryStore()}
	c := autoCourse()
	c.DispatchMode = models.DispatchManual
	if _, err := f.Dispatch(context.Background(), c); err == nil {
		t.Fatal("expected error for manual dispatch without assigned driver")
	}
}

type failingDirectory struct{}

func (failingDirectory) Driver(ctx context.Context, id uuid.UUID) (*models.Driver, error) {
	return nil, errors.New("directory down")
}

func (failingDirectory) ReachableDrivers(ctx context.Context) ([]models.Driver, error) {
	return nil, errors.New("directory down")
}

func TestTargetResolutionFailureAborts(t *testing.T) {
	store := storage.NewMemoryStore()
	f := &Fanout{Drivers: failingDirectory{}, Notifications: store}
	res, err := f.Dispatch(context.Background(), autoCourse())
	if err == nil {
		t.Fatal("expected error")
	}
	if len(res.NotifiedDrivers) != 0 {
		t.Fatalf("no driver should be notified, got %v", res.NotifiedDrivers)
	}
}

type flakyNotifications struct {
	inner   *storage.MemoryStore
	failFor uuid.UUID
}

func (f *flakyNotifications) CreateNotification(ctx context.Context, n *models.Notification) (bool, error) {
	if n.DriverID != nil && *n.DriverID == f.failFor {
		return false, errors.New("insert failed")
	}
	return f.inner.CreateNotification(ctx, n)
}

func TestPartialInsertFailureContinues(t *testing.T) {
	store := storage.NewMemoryStore()
	ok1 := putDriver(store, true, models.DriverActive, token("tok-1"))
	bad := putDriver(store, true, models.DriverActive, token("tok-2"))
	ok2 := putDriver(store, true, models.DriverActive, token("tok-3"))

	f := &Fanout{Drivers: store, Notifications: &flakyNotifications{inner: store, failFor: bad}}
	res, err := f.Dispatch(context.Background(), autoCourse())
	if err != nil {
		t.Fatal(err)
	}
	if len(res.NotifiedDrivers) != 2 {
		t.Fatalf("expected 2 notified drivers, got %v", res.NotifiedDrivers)
	}
	for _, id := range res.NotifiedDrivers {
		if id != ok1 && id != ok2 {
			t.Fatalf("unexpected target %s", id)
		}
	}
}

func TestRepeatDispatchIsDeduplicated(t *testing.T) {
	store := storage.NewMemoryStore()
	putDriver(store, true, models.DriverActive, token("tok"))

	push := &fakePusher{}
	f := &Fanout{Drivers: store, Notifications: store, Push: push}
	c := autoCourse()

	first, err := f.Dispatch(context.Background(), c)
	if err != nil {
		t.Fatal(err)
	}
	if len(first.NotifiedDrivers) != 1 {
		t.Fatalf("expected 1 notified driver, got %v", first.NotifiedDrivers)
	}

	second, err := f.Dispatch(context.Background(), c)
	if err != nil {
		t.Fatal(err)
	}
	if len(second.NotifiedDrivers) != 0 {
		t.Fatalf("repeat dispatch must notify no one, got %v", second.NotifiedDrivers)
	}
	if len(push.tokens) != 1 {
		t.Fatalf("expected exactly 1 push across both dispatches, got %d", len(push.tokens))
	}
}

func TestNoDispatchModeSkipsFanout(t *testing.T) {
	store := storage.NewMemoryStore()
	putDriver(store, true, models.DriverActive, token("tok"))

	f := &Fanout{Drivers: store, Notifications: store}
	c := autoCourse()
	c.DispatchMode = ""

	res, err := f.Dispatch(context.Background(), c)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.NotifiedDrivers) != 0 {
		t.Fatalf("expected no targets, got %v", res.NotifiedDrivers)
	}
}
