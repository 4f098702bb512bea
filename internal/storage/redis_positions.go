package storage

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/example/course-dispatch/internal/models"
)

// RedisPositions keeps the latest accepted fix per driver. Every update
// overwrites the previous one; no history is retained.
type RedisPositions struct {
	client *redis.Client
	geoKey string
}

func NewRedisPositions(addr, password, geoKey string) *RedisPositions {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &RedisPositions{client: c, geoKey: geoKey}
}

// NewRedisPositionsWithClient wraps an existing client (shared by the consumer).
func NewRedisPositionsWithClient(c *redis.Client, geoKey string) *RedisPositions {
	return &RedisPositions{client: c, geoKey: geoKey}
}

func (r *RedisPositions) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisPositions) Close() error { return r.client.Close() }

func (r *RedisPositions) Update(ctx context.Context, driverID uuid.UUID, f models.Fix) error {
	if _, err := r.client.GeoAdd(ctx, r.geoKey, &redis.GeoLocation{
		Longitude: f.Lng, Latitude: f.Lat, Name: driverID.String(),
	}).Result(); err != nil {
		return err
	}
	return r.client.HSet(ctx, posKey(driverID), map[string]interface{}{
		"heading":  f.Heading,
		"speed":    f.Speed,
		"accuracy": f.Accuracy,
		"at":       f.At.Format(time.RFC3339Nano),
	}).Err()
}

func (r *RedisPositions) Latest(ctx context.Context, driverID uuid.UUID) (models.Fix, error) {
	pos, err := r.client.GeoPos(ctx, r.geoKey, driverID.String()).Result()
	if err != nil {
		return models.Fix{}, err
	}
	if len(pos) == 0 || pos[0] == nil {
		return models.Fix{}, ErrNotFound
	}
	f := models.Fix{Lat: pos[0].Latitude, Lng: pos[0].Longitude}
	meta, err := r.client.HGetAll(ctx, posKey(driverID)).Result()
	if err != nil {
		return f, nil
	}
	if v, ok := meta["heading"]; ok {
		f.Heading, _ = strconv.ParseFloat(v, 64)
	}
	if v, ok := meta["speed"]; ok {
		f.Speed, _ = strconv.ParseFloat(v, 64)
	}
	if v, ok := meta["accuracy"]; ok {
		f.Accuracy, _ = strconv.ParseFloat(v, 64)
	}
	if v, ok := meta["at"]; ok {
		f.At, _ = time.Parse(time.RFC3339Nano, v)
	}
	return f, nil
}

func posKey(id uuid.UUID) string { return "driver:pos:" + id.String() }
