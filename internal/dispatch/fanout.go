// Package dispatch computes the target driver set for a course event and
// emits one notification per target.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/example/course-dispatch/internal/models"
	"github.com/example/course-dispatch/internal/observability"
)

type DriverDirectory interface {
	Driver(ctx context.Context, id uuid.UUID) (*models.Driver, error)
	ReachableDrivers(ctx context.Context) ([]models.Driver, error)
}

type NotificationStore interface {
	CreateNotification(ctx context.Context, n *models.Notification) (bool, error)
}

// Pusher delivers a push message to one device token. Best-effort.
type Pusher interface {
	Push(ctx context.Context, token string, n *models.Notification) error
}

type Publisher interface {
	PublishToDriver(driverID uuid.UUID, ev models.Event)
}

type Result struct {
	NotifiedDrivers []uuid.UUID         `json:"notified_drivers"`
	DispatchMode    models.DispatchMode `json:"dispatch_mode"`
}

// Fanout emits idempotent notification records for a course event. Target
// resolution is side-effect-free; the caller owns at-most-once invocation per
// event, and the (driver, course, type) dedup key absorbs accidental repeats.
type Fanout struct {
	Drivers       DriverDirectory
	Notifications NotificationStore
	Push          Pusher    // optional
	Realtime      Publisher // optional
	Logger        *slog.Logger
	Now           func() time.Time
}

func (f *Fanout) logger() *slog.Logger {
	if f.Logger != nil {
		return f.Logger
	}
	return slog.Default()
}

func (f *Fanout) now() time.Time {
	if f.Now != nil {
		return f.Now()
	}
	return time.Now()
}

// Dispatch fans a course out to its target driver set.
//
// auto: every approved active driver with a push token, first come first
// served; the accept transition resolves the race. manual: the single
// pre-assigned driver. A failure to resolve targets aborts the whole event;
// per-target insert failures are reported but already-written rows stand.
func (f *Fanout) Dispatch(ctx context.Context, c *models.Course) (Result, error) {
	res := Result{DispatchMode: c.DispatchMode, NotifiedDrivers: []uuid.UUID{}}

	var targets []models.Driver
	switch c.DispatchMode {
	case models.DispatchAuto:
		ds, err := f.Drivers.ReachableDrivers(ctx)
		if err != nil {
			observability.FanoutFailures.Inc()
			return res, fmt.Errorf("resolve active drivers: %w", err)
		}
		targets = ds
	case models.DispatchManual:
		if c.DriverID == nil {
			return res, fmt.Errorf("manual dispatch for course %s without assigned driver", c.ID)
		}
		d, err := f.Drivers.Driver(ctx, *c.DriverID)
		if err != nil {
			observability.FanoutFailures.Inc()
			return res, fmt.Errorf("resolve assigned driver: %w", err)
		}
		targets = []models.Driver{*d}
	default:
		// courses without a dispatch mode are not offered to anyone
		f.logger().Info("course has no dispatch mode, skipping fan-out", "course_id", c.ID)
		return res, nil
	}

	courseID := c.ID
	for i := range targets {
		d := targets[i]
		driverID := d.ID
		n := &models.Notification{
			ID:       uuid.New(),
			DriverID: &driverID,
			CourseID: &courseID,
			Type:     models.EventNewCourse,
			Data: models.NewCoursePayload{
				CourseID:   c.ID,
				PickupDate: c.PickupDate,
				Origin:     c.Origin,
			},
			CreatedAt: f.now(),
		}
		created, err := f.Notifications.CreateNotification(ctx, n)
		if err != nil {
			// partial delivery is acceptable; rows already written stand
			observability.FanoutFailures.Inc()
			f.logger().Error("notification insert failed", "course_id", c.ID, "driver_id", d.ID, "error", err)
			continue
		}
		if !created {
			f.logger().Debug("notification already exists, skipping", "course_id", c.ID, "driver_id", d.ID)
			continue
		}
		observability.NotificationsFannedOut.Inc()
		res.NotifiedDrivers = append(res.NotifiedDrivers, d.ID)

		if f.Push != nil && d.FCMToken != nil && *d.FCMToken != "" {
			if err := f.Push.Push(ctx, *d.FCMToken, n); err != nil {
				f.logger().Warn("push delivery failed", "driver_id", d.ID, "error", err)
			}
		}
		if f.Realtime != nil {
			f.Realtime.PublishToDriver(d.ID, models.Event{
				ID:      n.ID,
				Type:    models.EventNewCourse,
				Payload: n.Data,
			})
		}
	}

	f.logger().Info("fan-out complete",
		"course_id", c.ID,
		"dispatch_mode", c.DispatchMode,
		"targets", len(targets),
		"notified", len(res.NotifiedDrivers))
	return res, nil
}
