package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/example/course-dispatch/internal/models"
)

// PostgresStore is the production implementation of all store contracts.
type PostgresStore struct {
	db *sqlx.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) Close() error { return p.db.Close() }

// DB exposes the underlying handle for migrations.
func (p *PostgresStore) DB() *sqlx.DB { return p.db }

type courseRow struct {
	ID           uuid.UUID           `db:"id"`
	Status       models.CourseStatus `db:"status"`
	DriverID     *uuid.UUID          `db:"driver_id"`
	PickupDate   time.Time           `db:"pickup_date"`
	DispatchMode sql.NullString      `db:"dispatch_mode"`
	OriginLat    float64             `db:"origin_lat"`
	OriginLng    float64             `db:"origin_lng"`
	DestLat      float64             `db:"dest_lat"`
	DestLng      float64             `db:"dest_lng"`
	AcceptedAt   *time.Time          `db:"accepted_at"`
	StartedAt    *time.Time          `db:"started_at"`
	CompletedAt  *time.Time          `db:"completed_at"`
	CreatedAt    time.Time           `db:"created_at"`
	UpdatedAt    time.Time           `db:"updated_at"`
}

func (r courseRow) toModel() *models.Course {
	c := &models.Course{
		ID:          r.ID,
		Status:      r.Status,
		DriverID:    r.DriverID,
		PickupDate:  r.PickupDate,
		Origin:      models.Coord{Lat: r.OriginLat, Lng: r.OriginLng},
		Destination: models.Coord{Lat: r.DestLat, Lng: r.DestLng},
		AcceptedAt:  r.AcceptedAt,
		StartedAt:   r.StartedAt,
		CompletedAt: r.CompletedAt,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
	if r.DispatchMode.Valid {
		c.DispatchMode = models.DispatchMode(r.DispatchMode.String)
	}
	return c
}

const courseColumns = `id, status, driver_id, pickup_date, dispatch_mode,
	origin_lat, origin_lng, dest_lat, dest_lng,
	accepted_at, started_at, completed_at, created_at, updated_at`

func (p *PostgresStore) CreateCourse(ctx context.Context, c *models.Course) error {
	mode := sql.NullString{String: string(c.DispatchMode), Valid: c.DispatchMode != ""}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO courses (id, status, driver_id, pickup_date, dispatch_mode,
			origin_lat, origin_lng, dest_lat, dest_lng, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		c.ID, c.Status, c.DriverID, c.PickupDate, mode,
		c.Origin.Lat, c.Origin.Lng, c.Destination.Lat, c.Destination.Lng,
		c.CreatedAt, c.UpdatedAt)
	return err
}

func (p *PostgresStore) Course(ctx context.Context, id uuid.UUID) (*models.Course, error) {
	var r courseRow
	err := p.db.GetContext(ctx, &r, `SELECT `+courseColumns+` FROM courses WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return r.toModel(), nil
}

// TransitionCourse performs the conditional update in a single statement so
// the precondition check and the write are atomic at the row level.
func (p *PostgresStore) TransitionCourse(ctx context.Context, id uuid.UUID, pre CoursePrecondition, mut CourseMutation) (*models.Course, error) {
	set := []string{"status = ?", "updated_at = now()"}
	args := []interface{}{mut.Status}
	if mut.AssignDriver != nil {
		set = append(set, "driver_id = ?")
		args = append(args, *mut.AssignDriver)
	}
	if mut.ClearDriver {
		set = append(set, "driver_id = NULL")
	}
	if mut.AcceptedAt != nil {
		set = append(set, "accepted_at = ?")
		args = append(args, *mut.AcceptedAt)
	}
	if mut.ClearAcceptedAt {
		set = append(set, "accepted_at = NULL")
	}
	if mut.StartedAt != nil {
		set = append(set, "started_at = ?")
		args = append(args, *mut.StartedAt)
	}
	if mut.CompletedAt != nil {
		set = append(set, "completed_at = ?")
		args = append(args, *mut.CompletedAt)
	}

	where := []string{"id = ?"}
	args = append(args, id)
	if len(pre.Statuses) > 0 {
		ph := make([]string, len(pre.Statuses))
		for i, s := range pre.Statuses {
			ph[i] = "?"
			args = append(args, s)
		}
		where = append(where, fmt.Sprintf("status IN (%s)", strings.Join(ph, ",")))
	}
	if pre.UnassignedOrDriver != nil {
		where = append(where, "(driver_id IS NULL OR driver_id = ?)")
		args = append(args, *pre.UnassignedOrDriver)
	}
	if pre.DriverID != nil {
		where = append(where, "driver_id = ?")
		args = append(args, *pre.DriverID)
	}

	q := p.db.Rebind(fmt.Sprintf(
		`UPDATE courses SET %s WHERE %s RETURNING `+courseColumns,
		strings.Join(set, ", "), strings.Join(where, " AND ")))

	var r courseRow
	err := p.db.GetContext(ctx, &r, q, args...)
	if errors.Is(err, sql.ErrNoRows) {
		// distinguish a lost race from a missing course
		if _, gerr := p.Course(ctx, id); gerr != nil {
			return nil, gerr
		}
		return nil, ErrPreconditionFailed
	}
	if err != nil {
		return nil, err
	}
	return r.toModel(), nil
}

func (p *PostgresStore) Driver(ctx context.Context, id uuid.UUID) (*models.Driver, error) {
	var d models.Driver
	err := p.db.GetContext(ctx, &d, `
		SELECT id, subject, status, fcm_token, approved, updated_at
		FROM drivers WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (p *PostgresStore) ReachableDrivers(ctx context.Context) ([]models.Driver, error) {
	var out []models.Driver
	err := p.db.SelectContext(ctx, &out, `
		SELECT id, subject, status, fcm_token, approved, updated_at
		FROM drivers
		WHERE approved AND status = 'active' AND fcm_token IS NOT NULL AND fcm_token <> ''`)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (p *PostgresStore) CreateNotification(ctx context.Context, n *models.Notification) (bool, error) {
	data, err := json.Marshal(n.Data)
	if err != nil {
		return false, err
	}
	// the partial unique index on (driver_id, course_id, type) makes
	// re-invoked fan-out idempotent per target
	res, err := p.db.ExecContext(ctx, `
		INSERT INTO notifications (id, driver_id, course_id, type, read, data, created_at)
		VALUES ($1,$2,$3,$4,false,$5,$6)
		ON CONFLICT (driver_id, course_id, type) WHERE driver_id IS NOT NULL AND course_id IS NOT NULL
		DO NOTHING`,
		n.ID, n.DriverID, n.CourseID, n.Type, data, n.CreatedAt)
	if err != nil {
		return false, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

func (p *PostgresStore) MarkNotificationRead(ctx context.Context, id uuid.UUID) error {
	res, err := p.db.ExecContext(ctx, `UPDATE notifications SET read = true WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) CreateMessage(ctx context.Context, m *models.ChatMessage) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO chat_messages (id, course_id, sender_role, content, read_by_driver, read_by_fleet, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		m.ID, m.CourseID, m.SenderRole, m.Content, m.ReadByDriver, m.ReadByFleet, m.CreatedAt)
	return err
}

func (p *PostgresStore) MessagesByCourse(ctx context.Context, courseID uuid.UUID) ([]models.ChatMessage, error) {
	var out []models.ChatMessage
	err := p.db.SelectContext(ctx, &out, `
		SELECT id, course_id, sender_role, content, read_by_driver, read_by_fleet, created_at
		FROM chat_messages WHERE course_id = $1 ORDER BY created_at`, courseID)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (p *PostgresStore) MarkMessagesRead(ctx context.Context, courseID uuid.UUID, role models.Role) error {
	col := "read_by_fleet"
	if role == models.RoleDriver {
		col = "read_by_driver"
	}
	_, err := p.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE chat_messages SET %s = true WHERE course_id = $1`, col), courseID)
	return err
}
