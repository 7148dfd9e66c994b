package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"marketline/internal/domain"
	"marketline/internal/engine/policy"
	"marketline/internal/evaluator"
	"marketline/internal/events"
	"marketline/internal/ledger"
	"marketline/internal/repo"
)

// TaskCreateOptions are parameters for posting a task. Zero expirations use
// the configured defaults.
type TaskCreateOptions struct {
	Description          string
	MinPrice             int64
	MaxPrice             int64
	MatchExpiration      time.Duration
	CompletionExpiration time.Duration
	Requester            domain.User
}

// CreateTask escrows max_price from the requester and stores the task.
func (e Engine) CreateTask(ctx context.Context, opts TaskCreateOptions) (domain.Task, error) {
	desc := strings.TrimSpace(opts.Description)
	switch {
	case desc == "":
		return domain.Task{}, fmt.Errorf("%w: description is required", domain.ErrInvalidArgument)
	case opts.MinPrice < 0:
		return domain.Task{}, fmt.Errorf("%w: min_price must be >= 0", domain.ErrInvalidArgument)
	case opts.MaxPrice < opts.MinPrice:
		return domain.Task{}, fmt.Errorf("%w: max_price must be >= min_price", domain.ErrInvalidArgument)
	case opts.MatchExpiration < 0 || opts.CompletionExpiration < 0:
		return domain.Task{}, fmt.Errorf("%w: expirations must be >= 0", domain.ErrInvalidArgument)
	}
	if err := policy.CanCreate(opts.Requester); err != nil {
		return domain.Task{}, err
	}
	if opts.MatchExpiration == 0 {
		opts.MatchExpiration = e.Config.Tasks.DefaultMatchExpiration
	}
	if opts.CompletionExpiration == 0 {
		opts.CompletionExpiration = e.Config.Tasks.DefaultCompletionExpiration
	}

	t := domain.Task{
		ID:                   uuid.NewString(),
		Description:          desc,
		MinPrice:             opts.MinPrice,
		MaxPrice:             opts.MaxPrice,
		RequestedBy:          opts.Requester.ID,
		MatchExpiration:      opts.MatchExpiration,
		CompletionExpiration: opts.CompletionExpiration,
		SubmittedAt:          e.now(),
	}
	account := opts.Requester.LedgerAccount
	if t.MaxPrice > 0 {
		res := e.Ledger.Escrow(transferRef(ctx, t.ID, ledger.OpEscrow), account, t.MaxPrice)
		if !res.IsOk() {
			return domain.Task{}, paymentError(ledger.OpEscrow, account, t.MaxPrice, res)
		}
		if res.Amount() != t.MaxPrice {
			e.compensate(ctx, t.ID, ledger.OpRefund, account, res.Amount())
			return domain.Task{}, &domain.PaymentError{Op: ledger.OpEscrow, Account: account, Amount: t.MaxPrice,
				Reason: fmt.Sprintf("ledger escrowed %d of %d", res.Amount(), t.MaxPrice)}
		}
		t.AmountEscrowed = res.Amount()
	}

	ctx, cancel := settling(ctx)
	defer cancel()
	err := e.Repo.WithTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.InsertTask(ctx, tx, t); err != nil {
			return fmt.Errorf("insert task: %w", err)
		}
		return e.emit(ctx, tx, events.TaskCreated, "task", t.ID, t.RequestedBy, events.EventPayload{
			"min_price": t.MinPrice, "max_price": t.MaxPrice, "escrowed": t.AmountEscrowed,
		})
	})
	if err != nil {
		if t.AmountEscrowed > 0 {
			e.compensate(ctx, t.ID, ledger.OpRefund, account, t.AmountEscrowed)
		}
		return domain.Task{}, err
	}
	return t, nil
}

// AcceptTask assigns worker as the executor of an unassigned task.
func (e Engine) AcceptTask(ctx context.Context, taskID string, worker domain.User) (domain.Task, error) {
	unlock := e.lock(taskID)
	defer unlock()

	t, err := e.getTask(ctx, taskID)
	if err != nil {
		return t, err
	}
	if err := requireStatus(t, domain.StatusUnassigned); err != nil {
		return t, err
	}
	requester, err := e.getUser(ctx, t.RequestedBy)
	if err != nil {
		return t, err
	}
	if err := policy.CanAct(policy.ActionAccept, t, worker, requester); err != nil {
		return t, err
	}
	if t.MinPrice < worker.MinTaskPrice {
		return t, fmt.Errorf("%w: task pays at least %d, worker asks %d", domain.ErrPriceBelowMinimum, t.MinPrice, worker.MinTaskPrice)
	}
	if worker.MinTaskDuration > 0 && t.CompletionExpiration > 0 && t.CompletionExpiration < worker.MinTaskDuration {
		return t, fmt.Errorf("%w: task allows %s, worker needs %s", domain.ErrDurationBelowMinimum, t.CompletionExpiration, worker.MinTaskDuration)
	}

	now := e.now()
	err = e.Repo.WithTx(ctx, func(tx *sql.Tx) error {
		ok, err := e.Repo.MarkAccepted(ctx, tx, t.ID, worker.ID, now)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: task %s was accepted concurrently", domain.ErrInvalidState, t.ID)
		}
		return e.emit(ctx, tx, events.TaskAccepted, "task", t.ID, worker.ID, nil)
	})
	if err != nil {
		return t, err
	}
	t.AcceptedAt = &now
	t.ExecutedBy = &worker.ID
	return t, nil
}

// CancelTask refunds the escrow to the requester and cancels an accepted task.
// A declined refund leaves the task untouched.
func (e Engine) CancelTask(ctx context.Context, taskID string, actor domain.User) (domain.Task, error) {
	unlock := e.lock(taskID)
	defer unlock()

	t, err := e.getTask(ctx, taskID)
	if err != nil {
		return t, err
	}
	if err := requireStatus(t, domain.StatusAccepted); err != nil {
		return t, err
	}
	if err := policy.CanAct(policy.ActionCancel, t, actor, actor); err != nil {
		return t, err
	}
	return e.refundAndCancel(ctx, t, actor.ID, events.TaskCanceled, "")
}

// ExpireTask cancels an overdue task on behalf of the system. The deadline is
// rechecked under the task lock, so a completion that got in first wins and
// this returns ErrInvalidState.
func (e Engine) ExpireTask(ctx context.Context, taskID, reason string) (domain.Task, error) {
	unlock := e.lock(taskID)
	defer unlock()

	t, err := e.getTask(ctx, taskID)
	if err != nil {
		return t, err
	}
	var (
		deadline time.Time
		ok       bool
	)
	switch t.Status() {
	case domain.StatusAccepted:
		deadline, ok = t.CompletionDeadline()
	case domain.StatusUnassigned:
		deadline, ok = t.MatchDeadline()
	default:
		return t, fmt.Errorf("%w: task %s is %s", domain.ErrInvalidState, t.ID, t.Status())
	}
	if !ok || !e.now().After(deadline) {
		return t, fmt.Errorf("%w: task %s is not overdue", domain.ErrInvalidState, t.ID)
	}
	if reason == "" {
		reason = "deadline passed"
	}
	return e.refundAndCancel(ctx, t, domain.SystemActor, events.TaskExpired, reason)
}

// refundAndCancel is the shared unit behind cancel and expire. Caller holds the task lock.
func (e Engine) refundAndCancel(ctx context.Context, t domain.Task, actorID, evtType, reason string) (domain.Task, error) {
	from := t.Status()
	requester, err := e.getUser(ctx, t.RequestedBy)
	if err != nil {
		return t, err
	}
	amount := t.AmountEscrowed
	if amount > 0 {
		res := e.Ledger.Refund(transferRef(ctx, t.ID, ledger.OpRefund), requester.LedgerAccount, amount)
		if !res.IsOk() {
			return t, paymentError(ledger.OpRefund, requester.LedgerAccount, amount, res)
		}
	}

	ctx, cancel := settling(ctx)
	defer cancel()
	now := e.now()
	err = e.Repo.WithTx(ctx, func(tx *sql.Tx) error {
		ok, err := e.Repo.MarkCanceled(ctx, tx, t.ID, from, amount, now)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: task %s changed concurrently", domain.ErrInvalidState, t.ID)
		}
		payload := events.EventPayload{"refunded": amount, "from": string(from)}
		if reason != "" {
			payload["reason"] = reason
		}
		return e.emit(ctx, tx, evtType, "task", t.ID, actorID, payload)
	})
	if err != nil {
		if amount > 0 {
			// money went back to the requester but the task still shows it escrowed
			e.compensate(ctx, t.ID, ledger.OpEscrow, requester.LedgerAccount, amount)
		}
		return t, err
	}
	t.CanceledAt = &now
	t.AmountEscrowed = 0
	return t, nil
}

// CompleteTask pays the executor the evaluated amount, clamped to the price
// band, and marks the task completed. Unused escrow goes back to the requester.
func (e Engine) CompleteTask(ctx context.Context, taskID string, actor domain.User) (domain.Task, error) {
	unlock := e.lock(taskID)
	defer unlock()

	t, err := e.getTask(ctx, taskID)
	if err != nil {
		return t, err
	}
	if err := requireStatus(t, domain.StatusAccepted); err != nil {
		return t, err
	}
	if err := policy.CanAct(policy.ActionComplete, t, actor, actor); err != nil {
		return t, err
	}
	verdict, err := e.Evaluator.Evaluate(ctx, t)
	if err != nil {
		return t, fmt.Errorf("evaluate completion: %w", err)
	}
	if !verdict.Completed {
		return t, fmt.Errorf("%w: %s", domain.ErrCompletionRejected, verdict.Note)
	}
	amount := min(evaluator.Clamp(verdict.Amount, t.MinPrice, t.MaxPrice), t.AmountEscrowed)
	executor, err := e.getUser(ctx, actor.ID)
	if err != nil {
		return t, err
	}
	if amount > 0 {
		res := e.Ledger.Release(transferRef(ctx, t.ID, ledger.OpRelease), executor.LedgerAccount, amount)
		if !res.IsOk() {
			return t, paymentError(ledger.OpRelease, executor.LedgerAccount, amount, res)
		}
	}

	ctx, cancel := settling(ctx)
	defer cancel()
	now := e.now()
	left := t.AmountEscrowed - amount
	err = e.Repo.WithTx(ctx, func(tx *sql.Tx) error {
		ok, err := e.Repo.MarkCompleted(ctx, tx, t.ID, actor.ID, amount, left, now)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: task %s changed concurrently", domain.ErrInvalidState, t.ID)
		}
		return e.emit(ctx, tx, events.TaskCompleted, "task", t.ID, actor.ID, events.EventPayload{
			"paid": amount, "evaluated": verdict.Amount, "escrow_left": left,
		})
	})
	if err != nil {
		if amount > 0 {
			e.log().ErrorContext(ctx, "orphaned ledger release", "task_id", t.ID, "account", executor.LedgerAccount, "amount", amount, "err", err)
		}
		return t, err
	}
	t.CompletedAt = &now
	t.AmountPaid = amount
	t.AmountEscrowed = left

	if left > 0 {
		if refunded, err := e.settleResidual(ctx, t); err != nil {
			e.log().WarnContext(ctx, "residual escrow refund deferred", "task_id", t.ID, "amount", left, "err", err)
		} else {
			t.AmountEscrowed -= refunded
		}
	}
	return t, nil
}

// SettleResidualEscrow refunds escrow still held by a completed task.
func (e Engine) SettleResidualEscrow(ctx context.Context, taskID string) (int64, error) {
	unlock := e.lock(taskID)
	defer unlock()

	t, err := e.getTask(ctx, taskID)
	if err != nil {
		return 0, err
	}
	if err := requireStatus(t, domain.StatusCompleted); err != nil {
		return 0, err
	}
	return e.settleResidual(ctx, t)
}

// settleResidual refunds the remainder of a completed task. Caller holds the task lock.
func (e Engine) settleResidual(ctx context.Context, t domain.Task) (int64, error) {
	amount := t.AmountEscrowed
	if amount <= 0 {
		return 0, nil
	}
	requester, err := e.getUser(ctx, t.RequestedBy)
	if err != nil {
		return 0, err
	}
	res := e.Ledger.Refund(transferRef(ctx, t.ID, "residual"), requester.LedgerAccount, amount)
	if !res.IsOk() {
		return 0, paymentError(ledger.OpRefund, requester.LedgerAccount, amount, res)
	}
	ctx, cancel := settling(ctx)
	defer cancel()
	err = e.Repo.WithTx(ctx, func(tx *sql.Tx) error {
		ok, err := e.Repo.SwapEscrow(ctx, tx, t.ID, amount, 0)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: escrow of task %s changed concurrently", domain.ErrInvalidState, t.ID)
		}
		return e.emit(ctx, tx, events.EscrowRefunded, "task", t.ID, domain.SystemActor, events.EventPayload{"refunded": amount})
	})
	if err != nil {
		e.compensate(ctx, t.ID, ledger.OpEscrow, requester.LedgerAccount, amount)
		return 0, err
	}
	return amount, nil
}

// compensate reverses a transfer whose state change could not be committed.
// A failed reversal is only logged; it needs an operator.
func (e Engine) compensate(ctx context.Context, taskID, op, account string, amount int64) {
	if amount <= 0 {
		return
	}
	ctx, cancel := settling(ctx)
	defer cancel()
	ctx = transferRef(ctx, taskID, "compensate-"+op)
	var res ledger.Result
	switch op {
	case ledger.OpEscrow:
		res = e.Ledger.Escrow(ctx, account, amount)
	default:
		res = e.Ledger.Refund(ctx, account, amount)
	}
	if !res.IsOk() {
		e.log().ErrorContext(ctx, "compensating transfer failed", "task_id", taskID, "op", op, "account", account, "amount", amount, "reason", res.Reason())
		return
	}
	e.log().WarnContext(ctx, "compensating transfer applied", "task_id", taskID, "op", op, "account", account, "amount", amount)
}

// GetTask returns a task the viewer may see.
func (e Engine) GetTask(ctx context.Context, taskID string, viewer domain.User) (domain.Task, error) {
	t, err := e.getTask(ctx, taskID)
	if err != nil {
		return t, err
	}
	if t.IsParty(viewer.ID) {
		return t, nil
	}
	requester, err := e.getUser(ctx, t.RequestedBy)
	if err != nil {
		return t, err
	}
	if err := policy.CanView(t, viewer, requester); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

// TaskQuery filters ListAvailableTasks. Empty fields match everything.
type TaskQuery struct {
	Status      domain.Status
	RequestedBy string
	ExecutedBy  string
}

// ListAvailableTasks lists tasks in submission order, hiding requesters the
// viewer blocks or is blocked by.
func (e Engine) ListAvailableTasks(ctx context.Context, q TaskQuery, viewer domain.User, skip, limit int) ([]domain.Task, error) {
	if q.Status != "" && !q.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", domain.ErrInvalidArgument, q.Status)
	}
	blockers, err := e.Repo.ListBlockers(ctx, viewer.ID)
	if err != nil {
		return nil, err
	}
	exclude := slices.Compact(slices.Sorted(slices.Values(append(slices.Clone(viewer.BlockedUserIDs), blockers...))))
	if limit <= 0 {
		limit = e.Config.Tasks.ListLimit
	}
	limit = min(limit, e.Config.Tasks.MaxListLimit)
	return e.Repo.ListTasks(ctx, repo.TaskFilters{
		Status:            q.Status,
		RequestedBy:       q.RequestedBy,
		ExecutedBy:        q.ExecutedBy,
		ExcludeRequesters: exclude,
		Skip:              max(skip, 0),
		Limit:             limit,
	})
}

// IsPaymentFailure reports whether err came from a declined ledger transfer.
func IsPaymentFailure(err error) bool {
	return errors.Is(err, domain.ErrPaymentFailed)
}

// TaskEvents returns the audit trail of a task the viewer may see.
func (e Engine) TaskEvents(ctx context.Context, taskID string, viewer domain.User, afterID int64, limit int) ([]domain.Event, error) {
	if _, err := e.GetTask(ctx, taskID, viewer); err != nil {
		return nil, err
	}
	return events.List(ctx, e.DB, events.Filter{EntityKind: "task", EntityID: taskID, AfterID: afterID, Limit: limit})
}
