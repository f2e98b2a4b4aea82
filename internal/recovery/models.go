package recovery

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"taskloom/internal/registry"
)

// TaskMeta is the persistent eviction-relevant record of one Done task.
//
// Schema constraints (frozen): must include session_id, task_id,
// completed_at, descendant_count, and last_swept_at.
type TaskMeta struct {
	SessionID       string          `json:"session_id"`
	TaskID          registry.TaskId `json:"task_id"`
	CompletedAt     time.Time       `json:"completed_at"`
	DescendantCount int             `json:"descendant_count"`
	LastSweptAt     time.Time       `json:"last_swept_at"`
}

func (m TaskMeta) Validate() error {
	var errs []error
	if strings.TrimSpace(m.SessionID) == "" {
		errs = append(errs, errors.New("session_id is required"))
	}
	if m.CompletedAt.IsZero() {
		errs = append(errs, errors.New("completed_at is required"))
	}
	if m.DescendantCount < 0 {
		errs = append(errs, errors.New("descendant_count must be >= 0"))
	}
	if len(errs) == 0 {
		return nil
	}
	return errors.Join(errs...)
}

// SweepRecord is the persistent record of one eviction sweep.
//
// Schema constraints (frozen): must include sweep_id, session_id,
// start_time, evicted, and destroyed.
type SweepRecord struct {
	SweepID   string    `json:"sweep_id"`
	SessionID string    `json:"session_id"`
	StartTime time.Time `json:"start_time"`
	Evicted   int       `json:"evicted"`
	Destroyed int       `json:"destroyed"`
}

func (r SweepRecord) Validate() error {
	var errs []error
	if strings.TrimSpace(r.SweepID) == "" {
		errs = append(errs, errors.New("sweep_id is required"))
	}
	if strings.TrimSpace(r.SessionID) == "" {
		errs = append(errs, errors.New("session_id is required"))
	}
	if r.StartTime.IsZero() {
		errs = append(errs, errors.New("start_time is required"))
	}
	if r.Evicted < 0 {
		errs = append(errs, fmt.Errorf("evicted must be >= 0, got %d", r.Evicted))
	}
	if r.Destroyed < 0 {
		errs = append(errs, fmt.Errorf("destroyed must be >= 0, got %d", r.Destroyed))
	}
	if len(errs) == 0 {
		return nil
	}
	return errors.Join(errs...)
}
