package chat

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/example/course-dispatch/internal/course"
	"github.com/example/course-dispatch/internal/models"
	"github.com/example/course-dispatch/internal/storage"
)

type fakeRealtime struct {
	mu         sync.Mutex
	toDriver   []models.Event
	broadcasts []models.Event
}

func (f *fakeRealtime) PublishToDriver(driverID uuid.UUID, ev models.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.toDriver = append(f.toDriver, ev)
}

func (f *fakeRealtime) BroadcastAdmins(ev models.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broadcasts = append(f.broadcasts, ev)
}

func seed(t *testing.T, store *storage.MemoryStore, driverID *uuid.UUID) *models.Course {
	t.Helper()
	c := &models.Course{
		ID:         uuid.New(),
		Status:     models.CourseAccepted,
		DriverID:   driverID,
		PickupDate: time.Now().Add(time.Hour),
	}
	if err := store.CreateCourse(context.Background(), c); err != nil {
		t.Fatal(err)
	}
	return c
}

func TestSendSetsSenderSideRead(t *testing.T) {
	store := storage.NewMemoryStore()
	driver := uuid.New()
	c := seed(t, store, &driver)
	svc := &Service{Store: store, Courses: store}

	msg, err := svc.Send(context.Background(), c.ID, models.RoleDriver, "on my way")
	if err != nil {
		t.Fatal(err)
	}
	if !msg.ReadByDriver || msg.ReadByFleet {
		t.Fatalf("driver message read flags wrong: %+v", msg)
	}

	msg, err = svc.Send(context.Background(), c.ID, models.RoleDispatcher, "ok")
	if err != nil {
		t.Fatal(err)
	}
	if msg.ReadByDriver || !msg.ReadByFleet {
		t.Fatalf("dispatcher message read flags wrong: %+v", msg)
	}
}

func TestSendRejectsEmptyMessage(t *testing.T) {
	svc := &Service{Store: storage.NewMemoryStore(), Courses: storage.NewMemoryStore()}
	if _, err := svc.Send(context.Background(), uuid.New(), models.RoleDriver, ""); !errors.Is(err, ErrEmptyMessage) {
		t.Fatalf("expected ErrEmptyMessage, got %v", err)
	}
}

func TestSendUnknownCourse(t *testing.T) {
	store := storage.NewMemoryStore()
	svc := &Service{Store: store, Courses: store}
	_, err := svc.Send(context.Background(), uuid.New(), models.RoleDriver, "hello")
	var notFound *course.NotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
}

func TestDriverMessageReachesAdmins(t *testing.T) {
	store := storage.NewMemoryStore()
	driver := uuid.New()
	c := seed(t, store, &driver)
	rt := &fakeRealtime{}
	svc := &Service{Store: store, Courses: store, Notifications: store, Realtime: rt}

	if _, err := svc.Send(context.Background(), c.ID, models.RoleDriver, "running late"); err != nil {
		t.Fatal(err)
	}
	if len(rt.broadcasts) != 1 {
		t.Fatalf("expected admin broadcast, got %d", len(rt.broadcasts))
	}
	// the driver topic also carries it; the device router filters it out
	if len(rt.toDriver) != 1 {
		t.Fatalf("expected driver publish, got %d", len(rt.toDriver))
	}
}

func TestDispatcherMessageReachesDriverOnly(t *testing.T) {
	store := storage.NewMemoryStore()
	driver := uuid.New()
	c := seed(t, store, &driver)
	rt := &fakeRealtime{}
	svc := &Service{Store: store, Courses: store, Realtime: rt}

	if _, err := svc.Send(context.Background(), c.ID, models.RoleDispatcher, "pickup moved"); err != nil {
		t.Fatal(err)
	}
	if len(rt.toDriver) != 1 || len(rt.broadcasts) != 0 {
		t.Fatalf("expected driver-only publish, got driver=%d admins=%d", len(rt.toDriver), len(rt.broadcasts))
	}
	chat, ok := rt.toDriver[0].Payload.(models.ChatPayload)
	if !ok || chat.SenderRole != models.RoleDispatcher {
		t.Fatalf("wrong payload: %+v", rt.toDriver[0])
	}
}

func TestDispatcherMessageToUnassignedCourse(t *testing.T) {
	store := storage.NewMemoryStore()
	c := seed(t, store, nil)
	rt := &fakeRealtime{}
	svc := &Service{Store: store, Courses: store, Notifications: store, Realtime: rt}

	if _, err := svc.Send(context.Background(), c.ID, models.RoleDispatcher, "anyone?"); err != nil {
		t.Fatal(err)
	}
	if len(rt.toDriver) != 0 {
		t.Fatalf("no driver to publish to, got %d", len(rt.toDriver))
	}
}

func TestPreviewTruncated(t *testing.T) {
	store := storage.NewMemoryStore()
	driver := uuid.New()
	c := seed(t, store, &driver)
	rt := &fakeRealtime{}
	svc := &Service{Store: store, Courses: store, Realtime: rt}

	long := strings.Repeat("x", 500)
	if _, err := svc.Send(context.Background(), c.ID, models.RoleDispatcher, long); err != nil {
		t.Fatal(err)
	}
	chat := rt.toDriver[0].Payload.(models.ChatPayload)
	if utf8.RuneCountInString(chat.Preview) != previewLen {
		t.Fatalf("expected %d-rune preview, got %d", previewLen, utf8.RuneCountInString(chat.Preview))
	}
}

func TestPreviewKeepsMultiByteTextValid(t *testing.T) {
	store := storage.NewMemoryStore()
	driver := uuid.New()
	c := seed(t, store, &driver)
	rt := &fakeRealtime{}
	svc := &Service{Store: store, Courses: store, Realtime: rt}

	long := strings.Repeat("é", 200)
	if _, err := svc.Send(context.Background(), c.ID, models.RoleDispatcher, long); err != nil {
		t.Fatal(err)
	}
	chat := rt.toDriver[0].Payload.(models.ChatPayload)
	if !utf8.ValidString(chat.Preview) {
		t.Fatal("preview split a multi-byte rune")
	}
	if utf8.RuneCountInString(chat.Preview) != previewLen {
		t.Fatalf("expected %d-rune preview, got %d", previewLen, utf8.RuneCountInString(chat.Preview))
	}
}

func TestMarkReadFlipsOnlyCallingSide(t *testing.T) {
	store := storage.NewMemoryStore()
	driver := uuid.New()
	c := seed(t, store, &driver)
	svc := &Service{Store: store, Courses: store}

	if _, err := svc.Send(context.Background(), c.ID, models.RoleDispatcher, "hello"); err != nil {
		t.Fatal(err)
	}
	if err := svc.MarkRead(context.Background(), c.ID, models.RoleDriver); err != nil {
		t.Fatal(err)
	}

	msgs, err := svc.History(context.Background(), c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	if !msgs[0].ReadByDriver || !msgs[0].ReadByFleet {
		t.Fatalf("read flags wrong after driver mark-read: %+v", msgs[0])
	}
}
