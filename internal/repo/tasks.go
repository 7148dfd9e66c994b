package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"marketline/internal/domain"
)

const taskColumns = `id,description,min_price,max_price,requested_by,executed_by,amount_escrowed,amount_paid,match_expiration,completion_expiration,submitted_at,accepted_at,completed_at,canceled_at`

// StatusClause renders the SQL predicate for a derived status, using the same
// precedence as domain.Task.Status.
func StatusClause(s domain.Status) string {
	switch s {
	case domain.StatusCanceled:
		return "canceled_at IS NOT NULL"
	case domain.StatusCompleted:
		return "canceled_at IS NULL AND completed_at IS NOT NULL"
	case domain.StatusAccepted:
		return "canceled_at IS NULL AND completed_at IS NULL AND accepted_at IS NOT NULL"
	default:
		return "canceled_at IS NULL AND completed_at IS NULL AND accepted_at IS NULL"
	}
}

func scanTask(sc interface{ Scan(...any) error }) (domain.Task, error) {
	var (
		t                                  domain.Task
		executedBy                         sql.NullString
		matchExp, completionExp, submitted int64
		accepted, completed, canceled      sql.NullInt64
	)
	err := sc.Scan(&t.ID, &t.Description, &t.MinPrice, &t.MaxPrice, &t.RequestedBy, &executedBy,
		&t.AmountEscrowed, &t.AmountPaid, &matchExp, &completionExp, &submitted, &accepted, &completed, &canceled)
	if err != nil {
		return t, err
	}
	t.ExecutedBy = stringPtr(executedBy)
	t.MatchExpiration = time.Duration(matchExp)
	t.CompletionExpiration = time.Duration(completionExp)
	t.SubmittedAt = timeFrom(submitted)
	t.AcceptedAt = timePtr(accepted)
	t.CompletedAt = timePtr(completed)
	t.CanceledAt = timePtr(canceled)
	return t, nil
}

func (r Repo) InsertTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO tasks(`+taskColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.Description, t.MinPrice, t.MaxPrice, t.RequestedBy, nullableStringPtr(t.ExecutedBy),
		t.AmountEscrowed, t.AmountPaid, int64(t.MatchExpiration), int64(t.CompletionExpiration),
		nanos(t.SubmittedAt), nullableTime(t.AcceptedAt), nullableTime(t.CompletedAt), nullableTime(t.CanceledAt))
	return err
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	return r.GetTaskTx(ctx, nil, id)
}

func (r Repo) GetTaskTx(ctx context.Context, tx *sql.Tx, id string) (domain.Task, error) {
	t, err := scanTask(r.q(tx).QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
	if noRows(err) {
		return t, ErrNotFound
	}
	return t, err
}

// MarkAccepted assigns the executor if the task is still unassigned.
// It reports false when another writer got there first.
func (r Repo) MarkAccepted(ctx context.Context, tx *sql.Tx, id, executorID string, at time.Time) (bool, error) {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE tasks SET accepted_at=?, executed_by=? WHERE id=? AND `+StatusClause(domain.StatusUnassigned),
		nanos(at), executorID, id)
	if err != nil {
		return false, err
	}
	return affected(res)
}

// MarkCanceled cancels a task that is still in status from and whose escrow
// still equals escrowed, zeroing the escrow.
func (r Repo) MarkCanceled(ctx context.Context, tx *sql.Tx, id string, from domain.Status, escrowed int64, at time.Time) (bool, error) {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE tasks SET canceled_at=?, amount_escrowed=0 WHERE id=? AND amount_escrowed=? AND `+StatusClause(from),
		nanos(at), id, escrowed)
	if err != nil {
		return false, err
	}
	return affected(res)
}

// MarkCompleted completes an accepted task executed by executorID.
func (r Repo) MarkCompleted(ctx context.Context, tx *sql.Tx, id, executorID string, paid, escrowLeft int64, at time.Time) (bool, error) {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE tasks SET completed_at=?, amount_paid=?, amount_escrowed=? WHERE id=? AND executed_by=? AND `+StatusClause(domain.StatusAccepted),
		nanos(at), paid, escrowLeft, id, executorID)
	if err != nil {
		return false, err
	}
	return affected(res)
}

// SwapEscrow sets amount_escrowed to next only if it currently equals prev.
func (r Repo) SwapEscrow(ctx context.Context, tx *sql.Tx, id string, prev, next int64) (bool, error) {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE tasks SET amount_escrowed=? WHERE id=? AND amount_escrowed=?`, next, id, prev)
	if err != nil {
		return false, err
	}
	return affected(res)
}

type TaskFilters struct {
	Status      domain.Status
	RequestedBy string
	ExecutedBy  string
	// ExcludeRequesters drops tasks posted by any of these users.
	ExcludeRequesters []string
	Skip              int
	Limit             int
}

// ListTasks returns tasks ordered by submitted_at then id, paginated after filtering.
func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
	var (
		clauses []string
		args    []any
	)
	if f.Status != "" {
		if !f.Status.Valid() {
			return nil, fmt.Errorf("%w: unknown status %q", domain.ErrInvalidArgument, f.Status)
		}
		clauses = append(clauses, StatusClause(f.Status))
	}
	if f.RequestedBy != "" {
		clauses = append(clauses, "requested_by=?")
		args = append(args, f.RequestedBy)
	}
	if f.ExecutedBy != "" {
		clauses = append(clauses, "executed_by=?")
		args = append(args, f.ExecutedBy)
	}
	if len(f.ExcludeRequesters) > 0 {
		clauses = append(clauses, "requested_by NOT IN ("+placeholders(len(f.ExcludeRequesters))+")")
		for _, id := range f.ExcludeRequesters {
			args = append(args, id)
		}
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	limit := f.Limit
	if limit <= 0 {
		limit = -1
	}
	skip := f.Skip
	if skip < 0 {
		skip = 0
	}
	args = append(args, limit, skip)
	return r.queryTasks(ctx, `SELECT `+taskColumns+` FROM tasks `+where+` ORDER BY submitted_at ASC, id ASC LIMIT ? OFFSET ?`, args...)
}

// ListOverdueAccepted returns accepted tasks whose completion window elapsed before now.
func (r Repo) ListOverdueAccepted(ctx context.Context, now time.Time) ([]domain.Task, error) {
	return r.queryTasks(ctx, `SELECT `+taskColumns+` FROM tasks WHERE `+StatusClause(domain.StatusAccepted)+
		` AND completion_expiration > 0 AND ? - accepted_at > completion_expiration ORDER BY accepted_at, id`, nanos(now))
}

// ListOverdueUnassigned returns unassigned tasks whose match window elapsed before now.
func (r Repo) ListOverdueUnassigned(ctx context.Context, now time.Time) ([]domain.Task, error) {
	return r.queryTasks(ctx, `SELECT `+taskColumns+` FROM tasks WHERE `+StatusClause(domain.StatusUnassigned)+
		` AND match_expiration > 0 AND ? - submitted_at > match_expiration ORDER BY submitted_at, id`, nanos(now))
}

// ListResidualEscrow returns completed tasks still holding escrow.
func (r Repo) ListResidualEscrow(ctx context.Context) ([]domain.Task, error) {
	return r.queryTasks(ctx, `SELECT `+taskColumns+` FROM tasks WHERE `+StatusClause(domain.StatusCompleted)+
		` AND amount_escrowed > 0 ORDER BY completed_at, id`)
}

func (r Repo) queryTasks(ctx context.Context, query string, args ...any) ([]domain.Task, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Task{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
