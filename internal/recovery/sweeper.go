package recovery

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"taskloom/internal/obslog"
	"taskloom/internal/registry"
)

// Evictor is the engine surface the sweeper drives: enumerate Done tasks,
// evict one, destroy whatever root disconnects left unreachable. Implemented
// by internal/engine.
type Evictor interface {
	SessionID() string
	DoneTasks() []registry.TaskId
	ChildCount(id registry.TaskId) int
	Unload(id registry.TaskId) bool
	SweepUnreachable() int
}

// Sweeper periodically applies an EvictionPolicy over the engine's Done
// tasks and persists what it learned. A sweep can also be run on demand via
// Sweep.
type Sweeper struct {
	evictor Evictor
	store   *Store
	policy  EvictionPolicy
	log     obslog.Logger

	cron  *cron.Cron
	entry cron.EntryID
}

// NewSweeper wires a sweeper over evictor/store/policy. store may be nil to
// run without persistence (metadata then lives only for the current sweep).
func NewSweeper(evictor Evictor, store *Store, policy EvictionPolicy, log obslog.Logger) (*Sweeper, error) {
	if evictor == nil {
		return nil, errors.New("evictor is required")
	}
	if policy == nil {
		return nil, errors.New("policy is required")
	}
	if log == nil {
		log = obslog.Default()
	}
	return &Sweeper{evictor: evictor, store: store, policy: policy, log: log}, nil
}

// Start schedules recurring sweeps every interval. Safe to call once.
func (s *Sweeper) Start(interval time.Duration) error {
	if s.cron != nil {
		return errors.New("sweeper already started")
	}
	s.cron = cron.New()
	entry, err := s.cron.AddFunc(fmt.Sprintf("@every %s", interval), func() {
		if _, err := s.Sweep(time.Now()); err != nil {
			s.log.WithError(err).Warnf("recovery: sweep failed")
		}
	})
	if err != nil {
		s.cron = nil
		return fmt.Errorf("schedule sweep: %w", err)
	}
	s.entry = entry
	s.cron.Start()
	return nil
}

// Stop cancels the recurring schedule and waits for a running sweep to
// finish.
func (s *Sweeper) Stop() {
	if s.cron == nil {
		return
	}
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.cron = nil
}

// Sweep runs one eviction pass: it refreshes metadata for every Done task,
// evicts the ones the policy selects, destroys unreachable tasks, and
// records the sweep. Returns the number of evicted tasks.
func (s *Sweeper) Sweep(now time.Time) (int, error) {
	sessionID := s.evictor.SessionID()
	evicted := 0

	for _, id := range s.evictor.DoneTasks() {
		meta := TaskMeta{
			SessionID:       sessionID,
			TaskID:          id,
			CompletedAt:     now,
			DescendantCount: s.evictor.ChildCount(id),
			LastSweptAt:     now,
		}
		if s.store != nil {
			if prev, found, err := s.store.LoadTaskMeta(sessionID, id); err != nil {
				return evicted, err
			} else if found {
				// keep the first completion timestamp; age accrues across sweeps
				meta.CompletedAt = prev.CompletedAt
			}
		}

		if s.policy.ShouldEvict(meta, now) && s.evictor.Unload(id) {
			evicted++
			if s.store != nil {
				if err := s.store.DeleteTaskMeta(sessionID, id); err != nil {
					return evicted, err
				}
			}
			continue
		}
		if s.store != nil {
			if err := s.store.SaveTaskMeta(meta); err != nil {
				return evicted, err
			}
		}
	}

	destroyed := s.evictor.SweepUnreachable()

	if s.store != nil {
		rec := SweepRecord{
			SweepID:   uuid.NewString(),
			SessionID: sessionID,
			StartTime: now,
			Evicted:   evicted,
			Destroyed: destroyed,
		}
		if err := s.store.RecordSweep(rec); err != nil {
			return evicted, err
		}
	}
	s.log.WithFields(map[string]any{
		"evicted":   evicted,
		"destroyed": destroyed,
	}).Debugf("recovery: sweep completed")
	return evicted, nil
}
