package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"marketline/internal/domain"
)

const userColumns = `id,display_name,ledger_account,banned,min_task_price,min_task_duration,created_at`

func scanUser(sc interface{ Scan(...any) error }) (domain.User, error) {
	var (
		u         domain.User
		banned    int
		minDur    int64
		createdAt int64
	)
	if err := sc.Scan(&u.ID, &u.DisplayName, &u.LedgerAccount, &banned, &u.MinTaskPrice, &minDur, &createdAt); err != nil {
		return u, err
	}
	u.Banned = banned != 0
	u.MinTaskDuration = time.Duration(minDur)
	u.CreatedAt = timeFrom(createdAt)
	return u, nil
}

// InsertUser stores a new user. A duplicate id or an already claimed ledger
// account yields domain.ErrConflict.
func (r Repo) InsertUser(ctx context.Context, tx *sql.Tx, u domain.User) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO users(`+userColumns+`) VALUES (?,?,?,?,?,?,?)`,
		u.ID, u.DisplayName, u.LedgerAccount, boolInt(u.Banned), u.MinTaskPrice, int64(u.MinTaskDuration), nanos(u.CreatedAt))
	if isUniqueViolation(err) {
		if accountClaimed(err) {
			return fmt.Errorf("%w: ledger account %s belongs to another user", domain.ErrConflict, u.LedgerAccount)
		}
		return fmt.Errorf("%w: user %s already registered", domain.ErrConflict, u.ID)
	}
	return err
}

func accountClaimed(err error) bool {
	return strings.Contains(err.Error(), "users.ledger_account")
}

// GetUser loads a user together with the ids it blocks.
func (r Repo) GetUser(ctx context.Context, id string) (domain.User, error) {
	u, err := scanUser(r.DB.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id=?`, id))
	if noRows(err) {
		return u, ErrNotFound
	}
	if err != nil {
		return u, err
	}
	blocked, err := r.ListBlocked(ctx, id)
	if err != nil {
		return u, err
	}
	u.BlockedUserIDs = blocked
	return u, nil
}

func (r Repo) ListUsers(ctx context.Context) ([]domain.User, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+userColumns+` FROM users ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, u)
	}
	return res, rows.Err()
}

// UpdateUser writes the mutable profile fields.
func (r Repo) UpdateUser(ctx context.Context, tx *sql.Tx, u domain.User) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE users SET display_name=?, ledger_account=?, min_task_price=?, min_task_duration=? WHERE id=?`,
		u.DisplayName, u.LedgerAccount, u.MinTaskPrice, int64(u.MinTaskDuration), u.ID)
	if isUniqueViolation(err) && accountClaimed(err) {
		return fmt.Errorf("%w: ledger account %s belongs to another user", domain.ErrConflict, u.LedgerAccount)
	}
	if err != nil {
		return err
	}
	if ok, err := affected(res); err != nil {
		return err
	} else if !ok {
		return ErrNotFound
	}
	return nil
}

func (r Repo) SetBanned(ctx context.Context, tx *sql.Tx, id string, banned bool) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE users SET banned=? WHERE id=?`, boolInt(banned), id)
	if err != nil {
		return err
	}
	if ok, err := affected(res); err != nil {
		return err
	} else if !ok {
		return ErrNotFound
	}
	return nil
}

// InsertBlock records that userID blocks blockedID. Repeated blocks are no-ops.
func (r Repo) InsertBlock(ctx context.Context, tx *sql.Tx, userID, blockedID string, at time.Time) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO user_blocks(user_id,blocked_id,created_at) VALUES (?,?,?) ON CONFLICT(user_id,blocked_id) DO NOTHING`,
		userID, blockedID, nanos(at))
	return err
}

// DeleteBlock removes a block and reports whether one existed.
func (r Repo) DeleteBlock(ctx context.Context, tx *sql.Tx, userID, blockedID string) (bool, error) {
	res, err := r.q(tx).ExecContext(ctx, `DELETE FROM user_blocks WHERE user_id=? AND blocked_id=?`, userID, blockedID)
	if err != nil {
		return false, err
	}
	return affected(res)
}

// ListBlocked returns the ids userID blocks.
func (r Repo) ListBlocked(ctx context.Context, userID string) ([]string, error) {
	return r.listIDs(ctx, `SELECT blocked_id FROM user_blocks WHERE user_id=? ORDER BY blocked_id`, userID)
}

// ListBlockers returns the ids of users who block userID.
func (r Repo) ListBlockers(ctx context.Context, userID string) ([]string, error) {
	return r.listIDs(ctx, `SELECT user_id FROM user_blocks WHERE blocked_id=? ORDER BY user_id`, userID)
}

func (r Repo) listIDs(ctx context.Context, query, arg string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, strings.TrimSpace(id))
	}
	return ids, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
