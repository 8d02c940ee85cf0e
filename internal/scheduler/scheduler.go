// Package scheduler runs the settlement batches on a fixed interval.
package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"cutline/internal/engine"
	"cutline/internal/logging"
	"cutline/internal/settlement"
)

const ActorID = "scheduler"

// Batches is the part of the engine the scheduler drives.
type Batches interface {
	RunPrimaryBatch(ctx context.Context, date time.Time, actorID string) (engine.BatchResult, error)
	RunSecondaryBatch(ctx context.Context, q settlement.Quarter, actorID string) (engine.SecondaryResult, error)
	DisburseSecondary(ctx context.Context, date time.Time, actorID string) (engine.BatchResult, error)
}

type Scheduler struct {
	Batches  Batches
	Interval time.Duration
	Loc      *time.Location
	Log      logrus.FieldLogger
	Now      func() time.Time
}

func New(e engine.Engine, interval time.Duration) *Scheduler {
	return &Scheduler{Batches: e, Interval: interval, Loc: e.Loc, Log: e.Log, Now: e.Now}
}

// Run ticks until ctx is done. The first tick runs immediately.
func (s *Scheduler) Run(ctx context.Context) error {
	if s.Interval <= 0 {
		return errors.New("scheduler interval must be positive")
	}
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()
	s.log().WithField("interval", s.Interval.String()).Info("scheduler started")
	for {
		s.Tick(ctx)
		select {
		case <-ctx.Done():
			s.log().Info("scheduler stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Tick runs every batch once: due primary settlements, the previous quarter's secondary
// settlements, then due secondary settlements. A failing step does not stop the others.
func (s *Scheduler) Tick(ctx context.Context) error {
	now := s.now()
	q := settlement.QuarterOf(now, s.Loc).Previous()
	log := s.log()
	var errs []error

	if res, err := s.Batches.RunPrimaryBatch(ctx, now, ActorID); err != nil {
		log.WithError(err).Error("primary batch failed")
		errs = append(errs, err)
	} else if res.Processing > 0 || res.Completed > 0 {
		log.WithFields(logrus.Fields{"batch": res.BatchID, "processing": res.Processing, "completed": res.Completed}).Info("primary batch ran")
	}

	if res, err := s.Batches.RunSecondaryBatch(ctx, q, ActorID); err != nil {
		log.WithError(err).WithField("quarter", q.String()).Error("secondary batch failed")
		errs = append(errs, err)
	} else if res.Created > 0 || res.Recomputed > 0 {
		log.WithFields(logrus.Fields{
			"quarter": res.Quarter, "created": res.Created, "recomputed": res.Recomputed, "unchanged": res.Unchanged,
		}).Info("secondary batch ran")
	}

	if res, err := s.Batches.DisburseSecondary(ctx, now, ActorID); err != nil {
		log.WithError(err).Error("secondary disbursement failed")
		errs = append(errs, err)
	} else if res.Processing > 0 || res.Completed > 0 {
		log.WithFields(logrus.Fields{"batch": res.BatchID, "processing": res.Processing, "completed": res.Completed}).Info("secondary disbursement ran")
	}
	return errors.Join(errs...)
}

func (s *Scheduler) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Scheduler) log() logrus.FieldLogger {
	if s.Log != nil {
		return s.Log.WithField("component", "scheduler")
	}
	return logging.Discard()
}
