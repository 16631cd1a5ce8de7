// Package scheduler implements the single-leader cron tick loop: one
// ScheduleEntry per workflow cron trigger, dedup'd fires keyed by the
// computed instant, and coalesced catch-up after a missed window.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"
)

// ScheduleEntry is one workflow's cron trigger binding.
type ScheduleEntry struct {
	WorkflowID  string
	CronExpr    string
	Timezone    string
	Enabled     bool
	NextFireAt  time.Time
	MissedCount int
}

// EnqueueFunc submits a workflow for execution; manual and webhook
// triggers call it directly, bypassing dedup.
type EnqueueFunc func(ctx context.Context, workflowID string, input map[string]interface{}, origin string) error

// Repository is the Scheduler's persistence contract: schedule rows, a
// single process-cluster-wide lease, and the fire dedup ledger.
type Repository interface {
	ListEnabled(ctx context.Context) ([]*ScheduleEntry, error)
	Upsert(ctx context.Context, entry *ScheduleEntry) error
	AdvanceNextFire(ctx context.Context, workflowID string, next time.Time, missed int) error

	// AcquireLease attempts to become the leader holding holderID,
	// returning true if this call owns the lease.
	AcquireLease(ctx context.Context, holderID string, ttl time.Duration) (bool, error)
	// RenewLease extends an already-held lease, returning false if
	// holderID no longer holds it (expired and taken by another holder).
	RenewLease(ctx context.Context, holderID string, ttl time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, holderID string) error

	// TryRecordFire inserts the dedup row for (workflowID, dedupKey); it
	// returns false if that row already exists, i.e. this instant was
	// already enqueued by a prior tick or a prior leader.
	TryRecordFire(ctx context.Context, workflowID, dedupKey string) (bool, error)
}

// Scheduler owns the tick loop: acquire or renew the lease, evaluate
// due entries, fire, advance.
type Scheduler struct {
	repo     Repository
	enqueue  EnqueueFunc
	logger   *log.Logger
	holderID string
	tick     time.Duration
	leaseTTL time.Duration
	leader   bool
}

// New builds a Scheduler. holderID identifies this process for lease
// ownership; tick is the poll interval (schedulerTickMs).
func New(repo Repository, enqueue EnqueueFunc, logger *log.Logger, holderID string, tick time.Duration) *Scheduler {
	return &Scheduler{
		repo:     repo,
		enqueue:  enqueue,
		logger:   logger,
		holderID: holderID,
		tick:     tick,
		leaseTTL: tick * 3,
	}
}

// Run blocks, ticking until ctx is cancelled. It only does scheduling
// work while it holds the lease; otherwise it keeps retrying
// acquisition.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	defer func() { _ = s.repo.ReleaseLease(context.Background(), s.holderID) }()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var err error
			if s.leader {
				// Renewal happens every tick; leaseTTL is three ticks, so
				// the renewal period stays within a third of the TTL.
				s.leader, err = s.repo.RenewLease(ctx, s.holderID, s.leaseTTL)
			} else {
				s.leader, err = s.repo.AcquireLease(ctx, s.holderID, s.leaseTTL)
			}
			if err != nil {
				s.leader = false
				s.logger.WithError(err).Warn("scheduler lease acquisition failed")
				continue
			}
			if !s.leader {
				continue
			}
			s.tickOnce(ctx)
		}
	}
}

// tickOnce evaluates every enabled entry whose nextFireAt has arrived:
// record the fire slot, enqueue on first record, coalesce any missed
// instants, and advance nextFireAt.
func (s *Scheduler) tickOnce(ctx context.Context) {
	entries, err := s.repo.ListEnabled(ctx)
	if err != nil {
		s.logger.WithError(err).Warn("failed to list enabled schedules")
		return
	}

	now := time.Now().UTC()
	for _, entry := range entries {
		if entry.NextFireAt.After(now) {
			continue
		}

		loc, schedule, err := parseInTimezone(entry.CronExpr, entry.Timezone)
		if err != nil {
			s.logger.WithFields(log.Fields{"workflow_id": entry.WorkflowID, "error": err}).
				Warn("invalid cron expression, schedule skipped")
			continue
		}

		fireAt := entry.NextFireAt
		dedupKey := fireAt.In(loc).Format(time.RFC3339)

		missed := 0
		next := schedule.Next(fireAt)
		for !next.After(now) {
			missed++
			next = schedule.Next(next)
		}

		recorded, err := s.repo.TryRecordFire(ctx, entry.WorkflowID, dedupKey)
		if err != nil {
			s.logger.WithFields(log.Fields{"workflow_id": entry.WorkflowID, "error": err}).Warn("tryRecordFire failed")
			continue
		}
		if recorded {
			input := map[string]interface{}{}
			if missed > 0 {
				input["_skippedFires"] = missed
			}
			if err := s.enqueue(ctx, entry.WorkflowID, input, "cron"); err != nil {
				s.logger.WithFields(log.Fields{"workflow_id": entry.WorkflowID, "error": err}).Warn("enqueue failed")
			}
		}

		if err := s.repo.AdvanceNextFire(ctx, entry.WorkflowID, next, entry.MissedCount+missed); err != nil {
			s.logger.WithFields(log.Fields{"workflow_id": entry.WorkflowID, "error": err}).Warn("failed to advance nextFireAt")
		}
	}
}

func parseInTimezone(cronExpr, timezone string) (*time.Location, cron.Schedule, error) {
	loc := time.UTC
	if timezone != "" {
		l, err := time.LoadLocation(timezone)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid timezone %q: %w", timezone, err)
		}
		loc = l
	}
	schedule, err := cron.ParseStandard(cronExpr)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid cron expression %q: %w", cronExpr, err)
	}
	return loc, schedule, nil
}

// NextFireAt computes the first fire instant strictly after from, in the
// entry's declared timezone — used by ScheduleUpsert to seed a new entry.
func NextFireAt(cronExpr, timezone string, from time.Time) (time.Time, error) {
	loc, schedule, err := parseInTimezone(cronExpr, timezone)
	if err != nil {
		return time.Time{}, err
	}
	return schedule.Next(from.In(loc)), nil
}
