// Package chat handles course-scoped messaging between driver and dispatcher.
package chat

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/example/course-dispatch/internal/course"
	"github.com/example/course-dispatch/internal/models"
	"github.com/example/course-dispatch/internal/storage"
)

var ErrEmptyMessage = errors.New("chat: empty message")

const previewLen = 80

type CourseGetter interface {
	Course(ctx context.Context, id uuid.UUID) (*models.Course, error)
}

type NotificationStore interface {
	CreateNotification(ctx context.Context, n *models.Notification) (bool, error)
}

type Publisher interface {
	PublishToDriver(driverID uuid.UUID, ev models.Event)
	BroadcastAdmins(ev models.Event)
}

type Service struct {
	Store         storage.ChatStore
	Courses       CourseGetter
	Notifications NotificationStore // optional
	Realtime      Publisher         // optional
	Logger        *slog.Logger
	Now           func() time.Time
}

func (s *Service) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Send stores the message, notifies the counterpart side and publishes the
// chat event on the realtime channel. Notification failures never fail the
// send.
func (s *Service) Send(ctx context.Context, courseID uuid.UUID, sender models.Role, content string) (*models.ChatMessage, error) {
	if content == "" {
		return nil, ErrEmptyMessage
	}
	c, err := s.Courses.Course(ctx, courseID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, &course.NotFoundError{Kind: "course", ID: courseID.String()}
		}
		return nil, &course.TransientError{Op: "load course", Err: err}
	}

	msg := &models.ChatMessage{
		ID:           uuid.New(),
		CourseID:     courseID,
		SenderRole:   sender,
		Content:      content,
		ReadByDriver: sender == models.RoleDriver,
		ReadByFleet:  sender == models.RoleDispatcher,
		CreatedAt:    s.now(),
	}
	if err := s.Store.CreateMessage(ctx, msg); err != nil {
		return nil, &course.TransientError{Op: "store message", Err: err}
	}

	s.notifyCounterpart(ctx, c, msg)
	s.publish(c, msg)
	return msg, nil
}

func (s *Service) History(ctx context.Context, courseID uuid.UUID) ([]models.ChatMessage, error) {
	return s.Store.MessagesByCourse(ctx, courseID)
}

// MarkRead flips only the calling side's read flag.
func (s *Service) MarkRead(ctx context.Context, courseID uuid.UUID, role models.Role) error {
	return s.Store.MarkMessagesRead(ctx, courseID, role)
}

func (s *Service) notifyCounterpart(ctx context.Context, c *models.Course, msg *models.ChatMessage) {
	if s.Notifications == nil {
		return
	}
	n := &models.Notification{
		ID:        uuid.New(),
		CourseID:  &c.ID,
		Type:      models.EventChat,
		Data:      payloadFor(msg),
		CreatedAt: s.now(),
	}
	if msg.SenderRole == models.RoleDispatcher {
		if c.DriverID == nil {
			return
		}
		n.DriverID = c.DriverID
	}
	// driver-authored messages notify the admin side (nil DriverID)
	if _, err := s.Notifications.CreateNotification(ctx, n); err != nil {
		s.logger().Warn("chat notification insert failed", "course_id", c.ID, "error", err)
	}
}

// publish pushes the chat event onto the realtime channel. The driver topic
// receives every message for its course; the router suppresses the driver's
// own ones.
func (s *Service) publish(c *models.Course, msg *models.ChatMessage) {
	if s.Realtime == nil {
		return
	}
	ev := models.Event{ID: msg.ID, Type: models.EventChat, Payload: payloadFor(msg)}
	if c.DriverID != nil {
		s.Realtime.PublishToDriver(*c.DriverID, ev)
	}
	if msg.SenderRole == models.RoleDriver {
		s.Realtime.BroadcastAdmins(ev)
	}
}

func payloadFor(msg *models.ChatMessage) models.ChatPayload {
	preview := msg.Content
	if r := []rune(preview); len(r) > previewLen {
		// truncate on a rune boundary so multi-byte text stays valid
		preview = string(r[:previewLen])
	}
	return models.ChatPayload{
		CourseID:   msg.CourseID,
		MessageID:  msg.ID,
		SenderRole: msg.SenderRole,
		Preview:    preview,
	}
}
