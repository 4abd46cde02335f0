package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/manpreetbhatti/codepair/internal/db"
)

type Config struct {
	Interval    time.Duration
	GracePeriod time.Duration
}

func DefaultConfig() Config {
	return Config{
		Interval:    time.Hour,
		GracePeriod: 5 * time.Minute,
	}
}

// Store is the slice of the session store the supervisor needs.
type Store interface {
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
	DeleteByID(ctx context.Context, id string) (bool, error)
}

// Activity exposes the relay's per-room activity timestamps.
type Activity interface {
	IdleRooms() map[string]time.Time
	ForgetIfIdle(roomKey string, cutoff time.Time) (time.Time, bool)
	Restore(roomKey string, ts time.Time)
}

// Result summarizes one cycle.
type Result struct {
	Expired  int64
	Inactive int
}

// Supervisor periodically removes expired sessions and sessions whose room
// has been empty for longer than the grace period.
type Supervisor struct {
	store    Store
	rooms    Activity
	config   Config
	logger   *slog.Logger
	now      func() time.Time
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func New(store Store, rooms Activity, config Config, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		store:  store,
		rooms:  rooms,
		config: config,
		logger: logger,
		now:    time.Now,
		stop:   make(chan struct{}),
	}
}

func (s *Supervisor) Start() {
	s.wg.Add(1)
	go s.run()
	s.logger.Info("session supervisor started",
		"interval", s.config.Interval, "grace_period", s.config.GracePeriod)
}

// Stop cancels the next scheduled cycle and waits for a running one to finish.
// Calling it again is a no-op.
func (s *Supervisor) Stop() {
	s.stopOnce.Do(func() {
		close(s.stop)
		s.wg.Wait()
		s.logger.Info("session supervisor stopped")
	})
}

func (s *Supervisor) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	s.cycle()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.cycle()
		}
	}
}

// cycle never receives the stop signal: a sweep in progress runs to the end.
func (s *Supervisor) cycle() {
	result, err := s.RunOnce(context.Background())
	if err != nil {
		s.logger.Error("cleanup cycle aborted", "error", err)
		return
	}
	if result.Expired > 0 || result.Inactive > 0 {
		s.logger.Info("cleanup cycle finished", "expired", result.Expired, "inactive", result.Inactive)
	}
}

// RunOnce performs both sweeps. A failure in either ends the cycle.
func (s *Supervisor) RunOnce(ctx context.Context) (Result, error) {
	var result Result

	expired, err := s.SweepExpired(ctx)
	if err != nil {
		return result, err
	}
	result.Expired = expired

	inactive, err := s.SweepInactive(ctx)
	if err != nil {
		return result, err
	}
	result.Inactive = inactive

	return result, nil
}

// SweepExpired deletes every session whose expiry is before the sweep start.
func (s *Supervisor) SweepExpired(ctx context.Context) (int64, error) {
	count, err := s.store.DeleteExpired(ctx, s.now())
	if err != nil {
		return 0, fmt.Errorf("expiration sweep: %w", err)
	}
	s.logger.Info("removed expired sessions", "count", count)
	return count, nil
}

// SweepInactive deletes the session of every room that has had no live
// connection for longer than the grace period. Liveness is read from the
// registry at the moment of each decision.
func (s *Supervisor) SweepInactive(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.config.GracePeriod)

	removed := 0
	for roomKey, lastSeen := range s.rooms.IdleRooms() {
		if !lastSeen.Before(cutoff) {
			continue
		}

		ts, ok := s.rooms.ForgetIfIdle(roomKey, cutoff)
		if !ok {
			// someone reconnected since the snapshot
			continue
		}

		sessionID, owned := db.SessionIDFromRoom(roomKey)
		if !owned {
			continue
		}

		deleted, err := s.store.DeleteByID(ctx, sessionID)
		if err != nil {
			s.rooms.Restore(roomKey, ts)
			return removed, fmt.Errorf("inactivity sweep for %s: %w", roomKey, err)
		}
		if deleted {
			removed++
			s.logger.Info("removed inactive session", "session_id", sessionID, "room", roomKey, "idle_since", ts)
		}
	}
	return removed, nil
}
