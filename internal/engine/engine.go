package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"marketline/internal/blobs"
	"marketline/internal/config"
	"marketline/internal/domain"
	"marketline/internal/evaluator"
	"marketline/internal/events"
	"marketline/internal/ledger"
	"marketline/internal/repo"
)

// Engine runs the task lifecycle. Transitions on one task are serialized by
// a per-task lock; each one reads, validates, moves money, then commits a
// conditional update together with its audit event.
type Engine struct {
	DB        *sql.DB
	Repo      repo.Repo
	Events    events.Writer
	Config    *config.Config
	Ledger    ledger.Gateway
	Evaluator evaluator.Evaluator
	Blobs     *blobs.Store
	Logger    *slog.Logger
	Now       func() time.Time

	locks *taskLocks
}

func New(db *sql.DB, cfg *config.Config, gw ledger.Gateway) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	store := blobs.NewMem()
	store.MaxBytes = cfg.Tasks.MaxImageBytes
	return Engine{
		DB:        db,
		Repo:      repo.Repo{DB: db},
		Events:    events.Writer{},
		Config:    cfg,
		Ledger:    gw,
		Evaluator: evaluator.Fixed{},
		Blobs:     store,
		Now:       time.Now,
		locks:     newTaskLocks(),
	}
}

// settleTimeout bounds the bookkeeping that follows a confirmed transfer.
const settleTimeout = 30 * time.Second

// settling returns a context for recording a transfer the ledger already
// confirmed. It outlives cancellation of ctx so the commit, or the reversal
// when the commit fails, still runs after a client disconnect or shutdown.
func settling(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e Engine) log() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

func (e Engine) lock(taskID string) func() {
	if e.locks == nil {
		// zero-value Engine: no cross-call serialization, conditional updates still hold
		return func() {}
	}
	return e.locks.lock(taskID)
}

// emit appends an audit event stamped with the engine clock unless the
// writer carries its own.
func (e Engine) emit(ctx context.Context, tx *sql.Tx, evtType, kind, id, actorID string, payload events.EventPayload) error {
	w := e.Events
	if w.Now == nil {
		w.Now = e.now
	}
	return w.Append(ctx, tx, evtType, kind, id, actorID, payload)
}

func (e Engine) getTask(ctx context.Context, id string) (domain.Task, error) {
	t, err := e.Repo.GetTask(ctx, id)
	if errors.Is(err, domain.ErrNotFound) {
		return t, fmt.Errorf("%w: task %s", domain.ErrNotFound, id)
	}
	return t, err
}

func (e Engine) getUser(ctx context.Context, id string) (domain.User, error) {
	u, err := e.Repo.GetUser(ctx, id)
	if errors.Is(err, domain.ErrNotFound) {
		return u, fmt.Errorf("%w: user %s", domain.ErrNotFound, id)
	}
	return u, err
}

func requireStatus(t domain.Task, want domain.Status) error {
	if got := t.Status(); got != want {
		return fmt.Errorf("%w: task %s is %s, want %s", domain.ErrInvalidState, t.ID, got, want)
	}
	return nil
}

func paymentError(op, account string, amount int64, res ledger.Result) error {
	return &domain.PaymentError{Op: op, Account: account, Amount: amount, Reason: res.Reason()}
}

// transferRef tags one ledger call as "<task>/<op>/<attempt>". The attempt id
// is fresh per engine call, so the rail dedupes retries of a single transfer
// but never replays an earlier outcome to a later cancel or settle.
func transferRef(ctx context.Context, taskID, op string) context.Context {
	return ledger.WithReference(ctx, taskID+"/"+op+"/"+uuid.NewString())
}
