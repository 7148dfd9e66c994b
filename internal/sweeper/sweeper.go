// Package sweeper expires overdue tasks on a schedule. It goes through the
// same engine transitions as users do, so a completion that lands first wins.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	rcron "github.com/robfig/cron/v3"
	"github.com/sourcegraph/conc/pool"

	"marketline/internal/domain"
)

const DefaultSchedule = "@every 1m"

// Transitioner is the slice of the engine the sweeper drives.
type Transitioner interface {
	ExpireTask(ctx context.Context, taskID, reason string) (domain.Task, error)
	SettleResidualEscrow(ctx context.Context, taskID string) (int64, error)
}

// Source finds candidates. repo.Repo implements it.
type Source interface {
	ListOverdueAccepted(ctx context.Context, now time.Time) ([]domain.Task, error)
	ListOverdueUnassigned(ctx context.Context, now time.Time) ([]domain.Task, error)
	ListResidualEscrow(ctx context.Context) ([]domain.Task, error)
}

type Sweeper struct {
	Engine      Transitioner
	Tasks       Source
	Concurrency int
	Logger      *slog.Logger
	Now         func() time.Time

	mu   sync.Mutex
	cron *rcron.Cron
	// drained is done once the last stopped schedule has no cycle running.
	drained context.Context
	last    Report
}

// Report summarizes one cycle.
type Report struct {
	StartedAt     time.Time     `json:"started_at"`
	Duration      time.Duration `json:"duration"`
	Candidates    int           `json:"candidates"`
	Expired       int           `json:"expired"`
	PaymentFailed int           `json:"payment_failed"`
	Superseded    int           `json:"superseded"`
	Failed        int           `json:"failed"`
	Settled       int           `json:"settled"`
	SettleFailed  int           `json:"settle_failed"`
}

func (r Report) String() string {
	return fmt.Sprintf("candidates=%d expired=%d payment_failed=%d superseded=%d failed=%d settled=%d settle_failed=%d",
		r.Candidates, r.Expired, r.PaymentFailed, r.Superseded, r.Failed, r.Settled, r.SettleFailed)
}

func New(engine Transitioner, tasks Source, concurrency int, logger *slog.Logger) *Sweeper {
	return &Sweeper{Engine: engine, Tasks: tasks, Concurrency: concurrency, Logger: logger, Now: time.Now}
}

func (s *Sweeper) log() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

func (s *Sweeper) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

// RunOnce runs a single cycle. Per-task failures are logged and counted;
// only a failure to list candidates is returned.
func (s *Sweeper) RunOnce(ctx context.Context) (Report, error) {
	rep := Report{StartedAt: s.now()}
	accepted, err := s.Tasks.ListOverdueAccepted(ctx, rep.StartedAt)
	if err != nil {
		return rep, fmt.Errorf("list overdue accepted: %w", err)
	}
	unassigned, err := s.Tasks.ListOverdueUnassigned(ctx, rep.StartedAt)
	if err != nil {
		return rep, fmt.Errorf("list overdue unassigned: %w", err)
	}
	residual, err := s.Tasks.ListResidualEscrow(ctx)
	if err != nil {
		return rep, fmt.Errorf("list residual escrow: %w", err)
	}
	rep.Candidates = len(accepted) + len(unassigned)

	var expired, payFailed, superseded, failed, settled, settleFailed atomic.Int64
	p := pool.New().WithMaxGoroutines(max(s.Concurrency, 1))
	expire := func(t domain.Task, reason string) {
		p.Go(func() {
			_, err := s.Engine.ExpireTask(ctx, t.ID, reason)
			switch {
			case err == nil:
				expired.Add(1)
				s.log().InfoContext(ctx, "task expired", "task_id", t.ID, "reason", reason)
			case errors.Is(err, domain.ErrPaymentFailed):
				payFailed.Add(1)
				s.log().WarnContext(ctx, "expire refund failed", "task_id", t.ID, "reason", reason, "err", err)
			case errors.Is(err, domain.ErrInvalidState):
				superseded.Add(1)
				s.log().DebugContext(ctx, "expire superseded", "task_id", t.ID, "reason", reason, "err", err)
			default:
				failed.Add(1)
				s.log().ErrorContext(ctx, "expire failed", "task_id", t.ID, "reason", reason, "err", err)
			}
		})
	}
	for _, t := range accepted {
		expire(t, "completion window elapsed")
	}
	for _, t := range unassigned {
		expire(t, "match window elapsed")
	}
	for _, t := range residual {
		p.Go(func() {
			n, err := s.Engine.SettleResidualEscrow(ctx, t.ID)
			if err != nil {
				settleFailed.Add(1)
				s.log().WarnContext(ctx, "residual refund failed", "task_id", t.ID, "reason", "residual escrow", "err", err)
				return
			}
			settled.Add(1)
			s.log().InfoContext(ctx, "residual escrow refunded", "task_id", t.ID, "amount", n)
		})
	}
	p.Wait()

	rep.Expired = int(expired.Load())
	rep.PaymentFailed = int(payFailed.Load())
	rep.Superseded = int(superseded.Load())
	rep.Failed = int(failed.Load())
	rep.Settled = int(settled.Load())
	rep.SettleFailed = int(settleFailed.Load())
	rep.Duration = s.now().Sub(rep.StartedAt)

	s.mu.Lock()
	s.last = rep
	s.mu.Unlock()
	return rep, nil
}

// Last returns the report of the most recent cycle.
func (s *Sweeper) Last() Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// Start schedules RunOnce and returns once the scheduler runs. Overlapping
// cycles are skipped. Stop or cancel ctx to halt it.
func (s *Sweeper) Start(ctx context.Context, schedule string) error {
	if schedule == "" {
		schedule = DefaultSchedule
	}
	cronLog := rcron.PrintfLogger(slog.NewLogLogger(s.log().Handler(), slog.LevelDebug))
	c := rcron.New(rcron.WithChain(rcron.Recover(cronLog), rcron.SkipIfStillRunning(cronLog)))
	if _, err := c.AddFunc(schedule, func() {
		rep, err := s.RunOnce(ctx)
		if err != nil {
			s.log().ErrorContext(ctx, "sweep cycle failed", "err", err)
			return
		}
		if rep.Candidates > 0 || rep.Settled > 0 || rep.SettleFailed > 0 {
			s.log().InfoContext(ctx, "sweep cycle", "report", rep.String())
		}
	}); err != nil {
		return fmt.Errorf("sweeper schedule %q: %w", schedule, err)
	}

	s.mu.Lock()
	s.cron = c
	s.mu.Unlock()
	c.Start()
	s.log().Info("sweeper started", "schedule", schedule, "concurrency", max(s.Concurrency, 1))

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

// Stop halts the schedule and waits for a running cycle to finish, also when
// another caller or the ctx passed to Start began the stop.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	if c != nil {
		s.drained = c.Stop()
	}
	drained := s.drained
	s.mu.Unlock()
	if drained == nil {
		return
	}
	<-drained.Done()
	if c != nil {
		s.log().Info("sweeper stopped")
	}
}
