// Package sampler throttles the raw geolocation stream of a driver device
// down to the samples worth transmitting.
package sampler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/course-dispatch/internal/geo"
	"github.com/example/course-dispatch/internal/models"
	"github.com/example/course-dispatch/internal/observability"
)

// Terminal source conditions. A sampler that observes one of these stops and
// stays stopped until the caller restarts it.
var (
	ErrPermissionDenied = errors.New("sampler: location permission denied")
	ErrUnsupported      = errors.New("sampler: location capability unsupported")
)

const (
	defaultMinDistance = 10.0 // meters
	defaultMaxInterval = 1000 * time.Millisecond
)

// Source is a continuous location provider. The fix channel closes when the
// provider terminates; Err reports why.
type Source interface {
	Watch(ctx context.Context) (<-chan models.Fix, error)
	Err() error
}

// Transmitter ships one accepted fix to the backend. Failures are the
// transmitter's to report; the sampler never retries a fix.
type Transmitter interface {
	Send(ctx context.Context, driverID uuid.UUID, f models.Fix) error
}

// Sampler forwards a fix when it moved far enough or enough time passed since
// the last accepted one. The last-accepted state is owned by the watch
// goroutine; Start/Stop are the only cross-goroutine entry points.
type Sampler struct {
	DriverID    uuid.UUID
	Source      Source
	Tx          Transmitter
	Logger      *slog.Logger
	MinDistance float64       // meters, 0 = default 10m
	MaxInterval time.Duration // 0 = default 1000ms

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
	termErr error

	hasLast bool
	lastLat float64
	lastLng float64
	lastAt  time.Time
}

func New(driverID uuid.UUID, src Source, tx Transmitter, logger *slog.Logger) *Sampler {
	return &Sampler{DriverID: driverID, Source: src, Tx: tx, Logger: logger}
}

func (s *Sampler) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// Start begins consuming fixes. Calling Start while running is a no-op.
func (s *Sampler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	watchCtx, cancel := context.WithCancel(ctx)
	ch, err := s.Source.Watch(watchCtx)
	if err != nil {
		cancel()
		s.termErr = err
		return err
	}
	s.termErr = nil
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true
	go s.loop(watchCtx, ch, s.done)
	return nil
}

// Stop releases the watch. It returns only after the consuming goroutine has
// exited, so no fix is processed once Stop returns. Stopping a stopped
// sampler is a no-op.
func (s *Sampler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	cancel()
	<-done

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
}

// Err reports the terminal error that stopped the sampler, if any.
func (s *Sampler) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.termErr
}

func (s *Sampler) loop(ctx context.Context, ch <-chan models.Fix, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-ch:
			if !ok {
				// provider terminated on its own
				err := s.Source.Err()
				s.mu.Lock()
				s.termErr = err
				s.running = false
				s.cancel()
				s.mu.Unlock()
				if err != nil {
					s.logger().Error("location source terminated", "driver_id", s.DriverID, "error", err)
				}
				return
			}
			s.observe(ctx, f)
		}
	}
}

func (s *Sampler) observe(ctx context.Context, f models.Fix) {
	s.mu.Lock()
	send := s.shouldSend(f)
	if send {
		// record the fix before transmitting so a slow or failed send
		// cannot cause the same fix to be re-evaluated
		s.hasLast = true
		s.lastLat = f.Lat
		s.lastLng = f.Lng
		s.lastAt = f.At
	}
	s.mu.Unlock()

	if !send {
		observability.SamplesDropped.Inc()
		return
	}
	observability.SamplesAccepted.Inc()
	go func() {
		if err := s.Tx.Send(ctx, s.DriverID, f); err != nil {
			// fire-and-forget: the next accepted fix supersedes this one
			s.logger().Warn("position transmit failed", "driver_id", s.DriverID, "error", err)
		}
	}()
}

// shouldSend implements the throttling rule: the first fix always passes;
// afterwards a fix passes when it moved more than MinDistance or arrived more
// than MaxInterval after the last accepted one.
func (s *Sampler) shouldSend(f models.Fix) bool {
	if !s.hasLast {
		return true
	}
	minDist := s.MinDistance
	if minDist <= 0 {
		minDist = defaultMinDistance
	}
	maxIval := s.MaxInterval
	if maxIval <= 0 {
		maxIval = defaultMaxInterval
	}
	if geo.Haversine(s.lastLat, s.lastLng, f.Lat, f.Lng) > minDist {
		return true
	}
	return f.At.Sub(s.lastAt) > maxIval
}
