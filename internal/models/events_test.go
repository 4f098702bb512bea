package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestEventRoundTrip(t *testing.T) {
	in := Event{
		ID:   uuid.New(),
		Type: EventNewCourse,
		Payload: NewCoursePayload{
			CourseID:   uuid.New(),
			PickupDate: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
			Origin:     Coord{Lat: 48.85, Lng: 2.35},
		},
	}
	b, err := json.Marshal(in)
	if err != nil {
		t.Fatal(err)
	}
	var out Event
	if err := json.Unmarshal(b, &out); err != nil {
		t.Fatal(err)
	}
	if out.ID != in.ID || out.Type != in.Type {
		t.Fatalf("envelope mismatch: %+v", out)
	}
	p, ok := out.Payload.(NewCoursePayload)
	if !ok {
		t.Fatalf("payload decoded as %T", out.Payload)
	}
	if p != in.Payload.(NewCoursePayload) {
		t.Fatalf("payload mismatch: %+v", p)
	}
}

func TestEventDecodeChatPayload(t *testing.T) {
	courseID := uuid.New()
	raw := []byte(`{"id":"` + uuid.NewString() + `","type":"chat","payload":{"course_id":"` + courseID.String() + `","message_id":"` + uuid.NewString() + `","sender_role":"driver","preview":"hi"}}`)
	var ev Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		t.Fatal(err)
	}
	chat, ok := ev.Payload.(ChatPayload)
	if !ok {
		t.Fatalf("payload decoded as %T", ev.Payload)
	}
	if chat.CourseID != courseID || chat.SenderRole != RoleDriver || chat.Preview != "hi" {
		t.Fatalf("chat payload mismatch: %+v", chat)
	}
}

func TestEventUnknownTypeRejected(t *testing.T) {
	raw := []byte(`{"id":"` + uuid.NewString() + `","type":"mystery","payload":{}}`)
	var ev Event
	if err := json.Unmarshal(raw, &ev); err == nil {
		t.Fatal("unknown event type must fail to decode")
	}
}

func TestEventMarshalRejectsMismatchedPayload(t *testing.T) {
	ev := Event{
		ID:      uuid.New(),
		Type:    EventSOS,
		Payload: ChatPayload{CourseID: uuid.New()},
	}
	if _, err := json.Marshal(ev); err == nil {
		t.Fatal("type/payload mismatch must fail to encode")
	}
}
