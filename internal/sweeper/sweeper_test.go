package sweeper_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"marketline/internal/config"
	"marketline/internal/db"
	"marketline/internal/domain"
	"marketline/internal/engine"
	"marketline/internal/ledger"
	"marketline/internal/migrate"
	"marketline/internal/sweeper"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type testEnv struct {
	Engine  engine.Engine
	Ledger  *ledger.Fake
	Clock   *clock
	Sweeper *sweeper.Sweeper
	Ctx     context.Context
	T0      time.Time
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	ctx := context.Background()
	require.NoError(t, migrate.Migrate(ctx, conn))

	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clk := &clock{now: t0}
	fake := ledger.NewFake()
	eng := engine.New(conn, config.Default(), fake)
	eng.Now = clk.Now
	sw := sweeper.New(eng, eng.Repo, 4, nil)
	sw.Now = clk.Now
	return testEnv{Engine: eng, Ledger: fake, Clock: clk, Sweeper: sw, Ctx: ctx, T0: t0}
}

func (env testEnv) acceptedTask(t *testing.T, window time.Duration) domain.Task {
	t.Helper()
	req, err := env.Engine.RegisterUser(env.Ctx, engine.RegisterOptions{})
	require.NoError(t, err)
	w, err := env.Engine.RegisterUser(env.Ctx, engine.RegisterOptions{})
	require.NoError(t, err)
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		Description: "transcribe", MinPrice: 5, MaxPrice: 10, CompletionExpiration: window, Requester: req,
	})
	require.NoError(t, err)
	task, err = env.Engine.AcceptTask(env.Ctx, task.ID, w)
	require.NoError(t, err)
	return task
}

func TestSweepExpiresOnlyOverdueAcceptedTasks(t *testing.T) {
	env := newTestEnv(t)
	task := env.acceptedTask(t, 60*time.Second)

	env.Clock.Set(env.T0.Add(59 * time.Second))
	rep, err := env.Sweeper.RunOnce(env.Ctx)
	require.NoError(t, err)
	require.Zero(t, rep.Expired)
	stored, err := env.Engine.Repo.GetTask(env.Ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusAccepted, stored.Status())

	env.Clock.Set(env.T0.Add(61 * time.Second))
	rep, err = env.Sweeper.RunOnce(env.Ctx)
	require.NoError(t, err)
	require.Equal(t, 1, rep.Expired)
	stored, err = env.Engine.Repo.GetTask(env.Ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusCanceled, stored.Status())
	require.Zero(t, stored.AmountEscrowed)

	refunds := env.Ledger.CallsFor(ledger.OpRefund)
	require.Len(t, refunds, 1)
	require.Equal(t, int64(10), refunds[0].Amount)
	require.Equal(t, rep, env.Sweeper.Last())
}

func TestSweepRefundFailureIsPerItem(t *testing.T) {
	env := newTestEnv(t)
	a := env.acceptedTask(t, time.Minute)
	b := env.acceptedTask(t, time.Minute)
	env.Ledger.FailNext(ledger.OpRefund, "rail offline")

	env.Clock.Set(env.T0.Add(2 * time.Minute))
	rep, err := env.Sweeper.RunOnce(env.Ctx)
	require.NoError(t, err)
	require.Equal(t, 2, rep.Candidates)
	require.Equal(t, 1, rep.Expired)
	require.Equal(t, 1, rep.PaymentFailed)

	// the survivor is picked up again next cycle
	rep, err = env.Sweeper.RunOnce(env.Ctx)
	require.NoError(t, err)
	require.Equal(t, 1, rep.Expired)
	for _, id := range []string{a.ID, b.ID} {
		stored, err := env.Engine.Repo.GetTask(env.Ctx, id)
		require.NoError(t, err)
		require.Equal(t, domain.StatusCanceled, stored.Status())
	}
}

func TestSweepZeroWindowNeverExpires(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Config.Tasks.DefaultCompletionExpiration = 0
	task := env.acceptedTask(t, 0)
	env.Clock.Set(env.T0.Add(365 * 24 * time.Hour))
	rep, err := env.Sweeper.RunOnce(env.Ctx)
	require.NoError(t, err)
	require.Zero(t, rep.Candidates)
	stored, err := env.Engine.Repo.GetTask(env.Ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusAccepted, stored.Status())
}

func TestSweepExpiresUnmatchedTasks(t *testing.T) {
	env := newTestEnv(t)
	req, err := env.Engine.RegisterUser(env.Ctx, engine.RegisterOptions{ID: "req"})
	require.NoError(t, err)
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		Description: "x", MinPrice: 1, MaxPrice: 3, MatchExpiration: time.Hour, Requester: req,
	})
	require.NoError(t, err)

	env.Clock.Set(env.T0.Add(time.Hour + time.Second))
	rep, err := env.Sweeper.RunOnce(env.Ctx)
	require.NoError(t, err)
	require.Equal(t, 1, rep.Expired)
	stored, err := env.Engine.Repo.GetTask(env.Ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusCanceled, stored.Status())
	require.Nil(t, stored.AcceptedAt)
}

func TestSweepRetriesResidualEscrow(t *testing.T) {
	env := newTestEnv(t)
	task := env.acceptedTask(t, time.Hour)
	stored, err := env.Engine.Repo.GetTask(env.Ctx, task.ID)
	require.NoError(t, err)

	// simulate a completion whose remainder refund failed
	ok, err := env.Engine.Repo.MarkCompleted(env.Ctx, nil, task.ID, *stored.ExecutedBy, 5, 5, env.T0)
	require.NoError(t, err)
	require.True(t, ok)

	rep, err := env.Sweeper.RunOnce(env.Ctx)
	require.NoError(t, err)
	require.Equal(t, 1, rep.Settled)
	stored, err = env.Engine.Repo.GetTask(env.Ctx, task.ID)
	require.NoError(t, err)
	require.Zero(t, stored.AmountEscrowed)
}

type stubEngine struct{ err error }

func (s stubEngine) ExpireTask(context.Context, string, string) (domain.Task, error) {
	return domain.Task{}, s.err
}

func (s stubEngine) SettleResidualEscrow(context.Context, string) (int64, error) { return 0, nil }

type stubSource struct{ n int }

func (s stubSource) ListOverdueAccepted(context.Context, time.Time) ([]domain.Task, error) {
	out := make([]domain.Task, s.n)
	for i := range out {
		out[i].ID = fmt.Sprintf("t%d", i)
	}
	return out, nil
}

func (stubSource) ListOverdueUnassigned(context.Context, time.Time) ([]domain.Task, error) {
	return nil, nil
}

func (stubSource) ListResidualEscrow(context.Context) ([]domain.Task, error) { return nil, nil }

func TestSweepCountsSupersededAndFailed(t *testing.T) {
	sw := sweeper.New(stubEngine{err: fmt.Errorf("%w: completed first", domain.ErrInvalidState)}, stubSource{n: 3}, 2, nil)
	rep, err := sw.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, rep.Superseded)

	sw = sweeper.New(stubEngine{err: fmt.Errorf("disk on fire")}, stubSource{n: 2}, 1, nil)
	rep, err = sw.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, rep.Failed)
}

func TestStartRejectsBadSchedule(t *testing.T) {
	sw := sweeper.New(stubEngine{}, stubSource{}, 1, nil)
	require.Error(t, sw.Start(context.Background(), "every now and then"))
}

func TestStartStop(t *testing.T) {
	sw := sweeper.New(stubEngine{}, stubSource{}, 1, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, sw.Start(ctx, "@every 1h"))
	sw.Stop()
	sw.Stop()
}

// slowSource parks the first cycle until release is closed.
type slowSource struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (s *slowSource) ListOverdueAccepted(context.Context, time.Time) ([]domain.Task, error) {
	s.once.Do(func() { close(s.entered) })
	<-s.release
	return nil, nil
}

func (*slowSource) ListOverdueUnassigned(context.Context, time.Time) ([]domain.Task, error) {
	return nil, nil
}

func (*slowSource) ListResidualEscrow(context.Context) ([]domain.Task, error) { return nil, nil }

func TestStopWaitsForCycleAfterContextCancel(t *testing.T) {
	src := &slowSource{entered: make(chan struct{}), release: make(chan struct{})}
	sw := sweeper.New(stubEngine{}, src, 1, nil)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, sw.Start(ctx, "@every 1s"))

	select {
	case <-src.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("sweep cycle never started")
	}
	// the ctx watcher begins the stop; a second Stop must still wait for the cycle
	cancel()
	stopped := make(chan struct{})
	go func() {
		sw.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
		t.Fatal("Stop returned while a cycle was running")
	case <-time.After(200 * time.Millisecond):
	}
	close(src.release)
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return after the cycle finished")
	}
}
