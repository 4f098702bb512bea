package models

import (
	"time"

	"github.com/google/uuid"
)

type Coord struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Fix is one raw geolocation sample as reported by a driver device.
// Fixes are ephemeral: only the latest accepted fix per driver is retained.
type Fix struct {
	Lat      float64   `json:"latitude"`
	Lng      float64   `json:"longitude"`
	Heading  float64   `json:"heading"`
	Speed    float64   `json:"speed"`
	Accuracy float64   `json:"accuracy"`
	At       time.Time `json:"at"`
}

func (f Fix) Coord() Coord { return Coord{Lat: f.Lat, Lng: f.Lng} }

type CourseStatus string

const (
	CoursePending    CourseStatus = "pending"
	CourseDispatched CourseStatus = "dispatched"
	CourseAccepted   CourseStatus = "accepted"
	CourseInProgress CourseStatus = "in_progress"
	CourseCompleted  CourseStatus = "completed"
	CourseCancelled  CourseStatus = "cancelled"
)

// Terminal reports whether no further transition is allowed from s.
func (s CourseStatus) Terminal() bool {
	return s == CourseCompleted || s == CourseCancelled
}

type DispatchMode string

const (
	DispatchAuto   DispatchMode = "auto"
	DispatchManual DispatchMode = "manual"
)

// Course is a single ride assignment between pickup and destination.
// Status and the three lifecycle timestamps are server-owned; each timestamp
// is set exactly once and only ever moves forward with the status.
type Course struct {
	ID           uuid.UUID    `db:"id" json:"id"`
	Status       CourseStatus `db:"status" json:"status"`
	DriverID     *uuid.UUID   `db:"driver_id" json:"driver_id"`
	PickupDate   time.Time    `db:"pickup_date" json:"pickup_date"`
	DispatchMode DispatchMode `db:"dispatch_mode" json:"dispatch_mode"`
	Origin       Coord        `db:"-" json:"origin"`
	Destination  Coord        `db:"-" json:"destination"`
	AcceptedAt   *time.Time   `db:"accepted_at" json:"accepted_at"`
	StartedAt    *time.Time   `db:"started_at" json:"started_at"`
	CompletedAt  *time.Time   `db:"completed_at" json:"completed_at"`
	CreatedAt    time.Time    `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time    `db:"updated_at" json:"updated_at"`
}

// UnlockTime is the earliest instant the assigned driver may start the course.
func (c *Course) UnlockTime() time.Time { return c.PickupDate.Add(-time.Hour) }

type DriverStatus string

const (
	DriverActive   DriverStatus = "active"
	DriverInactive DriverStatus = "inactive"
)

type Driver struct {
	ID       uuid.UUID    `db:"id" json:"id"`
	Subject  string       `db:"subject" json:"subject"`
	Status   DriverStatus `db:"status" json:"status"`
	FCMToken *string      `db:"fcm_token" json:"fcm_token"`
	Approved bool         `db:"approved" json:"approved"`
	Loc      Coord        `db:"-" json:"loc"`
	Updated  time.Time    `db:"updated_at" json:"updated"`
}

// Reachable reports whether the driver can receive an auto-dispatch offer.
func (d *Driver) Reachable() bool {
	return d.Approved && d.Status == DriverActive && d.FCMToken != nil && *d.FCMToken != ""
}

type Role string

const (
	RoleDriver     Role = "driver"
	RoleDispatcher Role = "dispatcher"
)

type ChatMessage struct {
	ID           uuid.UUID `db:"id" json:"id"`
	CourseID     uuid.UUID `db:"course_id" json:"course_id"`
	SenderRole   Role      `db:"sender_role" json:"sender_role"`
	Content      string    `db:"content" json:"content"`
	ReadByDriver bool      `db:"read_by_driver" json:"read_by_driver"`
	ReadByFleet  bool      `db:"read_by_fleet" json:"read_by_fleet"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
}

// Notification is an append-mostly record produced by fan-out or by
// transition side effects. A nil DriverID means admin broadcast.
// The only mutation ever applied is marking it read.
type Notification struct {
	ID        uuid.UUID    `db:"id" json:"id"`
	DriverID  *uuid.UUID   `db:"driver_id" json:"driver_id"`
	CourseID  *uuid.UUID   `db:"course_id" json:"course_id"`
	Type      EventType    `db:"type" json:"type"`
	Read      bool         `db:"read" json:"read"`
	Data      EventPayload `db:"-" json:"data"`
	CreatedAt time.Time    `db:"created_at" json:"created_at"`
}
