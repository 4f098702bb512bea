package dispatch

import (
	"context"
	"encoding/base64"
	"fmt"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"google.golang.org/api/option"

	"github.com/example/course-dispatch/internal/models"
)

// FCMPusher delivers data messages to driver devices through Firebase Cloud
// Messaging.
type FCMPusher struct {
	client *messaging.Client
}

func NewFCMPusher(ctx context.Context, credentialsFile string) (*FCMPusher, error) {
	return newFCMPusher(ctx, option.WithCredentialsFile(credentialsFile))
}

// NewFCMPusherFromBase64 builds the pusher from base64-encoded credentials,
// for deployments where mounting a file is awkward.
func NewFCMPusherFromBase64(ctx context.Context, credentialsBase64 string) (*FCMPusher, error) {
	raw, err := base64.StdEncoding.DecodeString(credentialsBase64)
	if err != nil {
		return nil, fmt.Errorf("decoding FCM credentials: %w", err)
	}
	return newFCMPusher(ctx, option.WithCredentialsJSON(raw))
}

func newFCMPusher(ctx context.Context, opt option.ClientOption) (*FCMPusher, error) {
	app, err := firebase.NewApp(ctx, nil, opt)
	if err != nil {
		return nil, fmt.Errorf("initializing firebase app: %w", err)
	}
	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("getting messaging client: %w", err)
	}
	return &FCMPusher{client: client}, nil
}

func (p *FCMPusher) Push(ctx context.Context, token string, n *models.Notification) error {
	data := map[string]string{
		"type":            string(n.Type),
		"notification_id": n.ID.String(),
	}
	if n.CourseID != nil {
		data["course_id"] = n.CourseID.String()
	}
	msg := &messaging.Message{
		Token: token,
		Notification: &messaging.Notification{
			Title: titleFor(n.Type),
			Body:  bodyFor(n.Type),
		},
		Data: data,
		Android: &messaging.AndroidConfig{
			Priority: "high",
		},
		APNS: &messaging.APNSConfig{
			Payload: &messaging.APNSPayload{
				Aps: &messaging.Aps{
					ContentAvailable: true,
					Sound:            "default",
				},
			},
		},
	}
	_, err := p.client.Send(ctx, msg)
	if err != nil {
		return fmt.Errorf("sending FCM message: %w", err)
	}
	return nil
}

func titleFor(t models.EventType) string {
	switch t {
	case models.EventNewCourse:
		return "New course available"
	case models.EventChat:
		return "New message"
	case models.EventSOS:
		return "SOS alert"
	case models.EventCourseUpdate:
		return "Course updated"
	default:
		return "Notification"
	}
}

func bodyFor(t models.EventType) string {
	switch t {
	case models.EventNewCourse:
		return "A course is waiting. First to accept takes it."
	case models.EventChat:
		return "A dispatcher sent you a message."
	case models.EventSOS:
		return "A driver triggered an SOS."
	default:
		return ""
	}
}
