package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	kindEscrowLock    = "escrow_lock"
	kindEscrowRelease = "escrow_release"
	kindRefund        = "refund"
	kindGrant         = "grant"

	DefaultEscrowAccount = "escrow"
)

var errInsufficientFunds = errors.New("insufficient funds")

// Local is a rail kept in the service's own SQLite database. Accounts are
// opened on first use with InitialBalance; the escrow account starts empty.
type Local struct {
	DB             *sql.DB
	EscrowAccount  string
	InitialBalance int64
	Now            func() time.Time
}

func NewLocal(db *sql.DB, escrowAccount string, initialBalance int64) *Local {
	if escrowAccount == "" {
		escrowAccount = DefaultEscrowAccount
	}
	return &Local{DB: db, EscrowAccount: escrowAccount, InitialBalance: initialBalance, Now: time.Now}
}

func (l *Local) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

func (l *Local) Escrow(ctx context.Context, from string, amount int64) Result {
	return l.transfer(ctx, kindEscrowLock, from, l.EscrowAccount, amount)
}

func (l *Local) Release(ctx context.Context, to string, amount int64) Result {
	return l.transfer(ctx, kindEscrowRelease, l.EscrowAccount, to, amount)
}

func (l *Local) Refund(ctx context.Context, to string, amount int64) Result {
	return l.transfer(ctx, kindRefund, l.EscrowAccount, to, amount)
}

// Grant credits an account from outside the rail. Used by the admin CLI.
func (l *Local) Grant(ctx context.Context, to string, amount int64) Result {
	if amount <= 0 {
		return Err("grant amount must be positive")
	}
	err := l.withTx(ctx, func(tx *sql.Tx) error {
		if err := l.ensureAccount(ctx, tx, to); err != nil {
			return err
		}
		if err := l.adjust(ctx, tx, to, amount); err != nil {
			return err
		}
		return l.record(ctx, tx, kindGrant, "external", to, amount)
	})
	if err != nil {
		return Err(err.Error())
	}
	return Ok(amount)
}

// Balance returns the account balance, opening the account if needed.
func (l *Local) Balance(ctx context.Context, account string) (int64, error) {
	var bal int64
	err := l.withTx(ctx, func(tx *sql.Tx) error {
		if err := l.ensureAccount(ctx, tx, account); err != nil {
			return err
		}
		return tx.QueryRowContext(ctx, `SELECT balance FROM ledger_accounts WHERE account=?`, account).Scan(&bal)
	})
	return bal, err
}

func (l *Local) transfer(ctx context.Context, kind, from, to string, amount int64) Result {
	if amount < 0 {
		return Err("negative amount")
	}
	if from == "" || to == "" {
		return Err("account required")
	}
	// zero-value transfers succeed without touching the books
	if amount == 0 {
		return Ok(0)
	}
	err := l.withTx(ctx, func(tx *sql.Tx) error {
		for _, acct := range []string{from, to} {
			if err := l.ensureAccount(ctx, tx, acct); err != nil {
				return err
			}
		}
		if err := l.adjust(ctx, tx, from, -amount); err != nil {
			return err
		}
		if err := l.adjust(ctx, tx, to, amount); err != nil {
			return err
		}
		return l.record(ctx, tx, kind, from, to, amount)
	})
	if err != nil {
		if errors.Is(err, errInsufficientFunds) {
			return Err(fmt.Sprintf("insufficient funds in %s", from))
		}
		return Err(err.Error())
	}
	return Ok(amount)
}

func (l *Local) ensureAccount(ctx context.Context, tx *sql.Tx, account string) error {
	initial := l.InitialBalance
	if account == l.EscrowAccount {
		initial = 0
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO ledger_accounts(account,balance,updated_at) VALUES (?,?,?) ON CONFLICT(account) DO NOTHING`,
		account, initial, l.now().UTC().UnixNano())
	return err
}

func (l *Local) adjust(ctx context.Context, tx *sql.Tx, account string, delta int64) error {
	res, err := tx.ExecContext(ctx, `UPDATE ledger_accounts SET balance=balance+?, updated_at=? WHERE account=? AND balance+? >= 0`,
		delta, l.now().UTC().UnixNano(), account, delta)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errInsufficientFunds
	}
	return nil
}

func (l *Local) record(ctx context.Context, tx *sql.Tx, kind, from, to string, amount int64) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO ledger_transfers(id,kind,from_account,to_account,amount,created_at) VALUES (?,?,?,?,?,?)`,
		uuid.NewString(), kind, from, to, amount, l.now().UTC().UnixNano())
	return err
}

func (l *Local) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := l.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// Transfer is one row of the local books.
type Transfer struct {
	ID     string
	Kind   string
	From   string
	To     string
	Amount int64
	At     time.Time
}

// Transfers lists the movements touching account, newest first.
func (l *Local) Transfers(ctx context.Context, account string, limit int) ([]Transfer, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := l.DB.QueryContext(ctx, `SELECT id,kind,from_account,to_account,amount,created_at FROM ledger_transfers
WHERE from_account=? OR to_account=? ORDER BY created_at DESC, id LIMIT ?`, account, account, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Transfer
	for rows.Next() {
		var (
			t  Transfer
			ns int64
		)
		if err := rows.Scan(&t.ID, &t.Kind, &t.From, &t.To, &t.Amount, &ns); err != nil {
			return nil, err
		}
		t.At = time.Unix(0, ns).UTC()
		res = append(res, t)
	}
	return res, rows.Err()
}
