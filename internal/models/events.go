package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventType discriminates realtime events and notification records.
type EventType string

const (
	EventNewCourse    EventType = "new_course"
	EventCourseUpdate EventType = "course_update"
	EventChat         EventType = "chat"
	EventSOS          EventType = "sos_alert"
	EventDriverLogin  EventType = "driver_login"
)

// EventPayload is the closed set of payload shapes carried by events and
// notifications. Keeping it a tagged union makes router dispatch exhaustive
// instead of poking at an open-ended map.
type EventPayload interface {
	eventType() EventType
}

type NewCoursePayload struct {
	CourseID   uuid.UUID `json:"course_id"`
	PickupDate time.Time `json:"pickup_date"`
	Origin     Coord     `json:"origin"`
}

func (NewCoursePayload) eventType() EventType { return EventNewCourse }

type CourseUpdatePayload struct {
	CourseID uuid.UUID    `json:"course_id"`
	Status   CourseStatus `json:"status"`
}

func (CourseUpdatePayload) eventType() EventType { return EventCourseUpdate }

type ChatPayload struct {
	CourseID   uuid.UUID `json:"course_id"`
	MessageID  uuid.UUID `json:"message_id"`
	SenderRole Role      `json:"sender_role"`
	Preview    string    `json:"preview"`
}

func (ChatPayload) eventType() EventType { return EventChat }

type SOSPayload struct {
	DriverID uuid.UUID  `json:"driver_id"`
	CourseID *uuid.UUID `json:"course_id"`
	Message  string     `json:"message"`
}

func (SOSPayload) eventType() EventType { return EventSOS }

type DriverLoginPayload struct {
	DriverID uuid.UUID `json:"driver_id"`
}

func (DriverLoginPayload) eventType() EventType { return EventDriverLogin }

// Event is the envelope delivered over the realtime channel. ID is the dedup
// key consumers rely on for at-most-once processing; delivery order carries
// no guarantee.
type Event struct {
	ID      uuid.UUID
	Type    EventType
	Payload EventPayload
}

type eventWire struct {
	ID      uuid.UUID       `json:"id"`
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func (e Event) MarshalJSON() ([]byte, error) {
	if e.Payload != nil && e.Payload.eventType() != e.Type {
		return nil, fmt.Errorf("event %s: payload type mismatch (%s)", e.ID, e.Payload.eventType())
	}
	raw, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(eventWire{ID: e.ID, Type: e.Type, Payload: raw})
}

func (e *Event) UnmarshalJSON(b []byte) error {
	var w eventWire
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	e.ID = w.ID
	e.Type = w.Type
	payload, err := decodePayload(w.Type, w.Payload)
	if err != nil {
		return err
	}
	e.Payload = payload
	return nil
}

func decodePayload(t EventType, raw json.RawMessage) (EventPayload, error) {
	var (
		p   EventPayload
		err error
	)
	switch t {
	case EventNewCourse:
		var v NewCoursePayload
		err = json.Unmarshal(raw, &v)
		p = v
	case EventCourseUpdate:
		var v CourseUpdatePayload
		err = json.Unmarshal(raw, &v)
		p = v
	case EventChat:
		var v ChatPayload
		err = json.Unmarshal(raw, &v)
		p = v
	case EventSOS:
		var v SOSPayload
		err = json.Unmarshal(raw, &v)
		p = v
	case EventDriverLogin:
		var v DriverLoginPayload
		err = json.Unmarshal(raw, &v)
		p = v
	default:
		return nil, fmt.Errorf("unknown event type %q", t)
	}
	return p, err
}
