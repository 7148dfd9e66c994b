package engine

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"marketline/internal/domain"
	"marketline/internal/events"
	"marketline/internal/ledger"
	"marketline/internal/repo"
)

type RegisterOptions struct {
	ID            string
	DisplayName   string
	LedgerAccount string
}

// RegisterUser creates a user. The ledger account defaults to the user id.
func (e Engine) RegisterUser(ctx context.Context, opts RegisterOptions) (domain.User, error) {
	id := strings.TrimSpace(opts.ID)
	if id == "" {
		id = uuid.NewString()
	}
	if id == domain.SystemActor {
		return domain.User{}, fmt.Errorf("%w: %q is reserved", domain.ErrInvalidArgument, id)
	}
	u := domain.User{
		ID:             id,
		DisplayName:    strings.TrimSpace(opts.DisplayName),
		LedgerAccount:  strings.TrimSpace(opts.LedgerAccount),
		BlockedUserIDs: []string{},
		CreatedAt:      e.now(),
	}
	if u.LedgerAccount == "" {
		u.LedgerAccount = id
	}
	if err := e.checkLedgerAccount(u.LedgerAccount); err != nil {
		return domain.User{}, err
	}
	if u.DisplayName == "" {
		u.DisplayName = id
	}
	err := e.Repo.WithTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.InsertUser(ctx, tx, u); err != nil {
			return err
		}
		return e.emit(ctx, tx, events.UserRegistered, "user", u.ID, u.ID, events.EventPayload{"ledger_account": u.LedgerAccount})
	})
	if err != nil {
		return domain.User{}, err
	}
	return u, nil
}

// checkLedgerAccount rejects accounts no user may hold. Accounts claimed by
// another user are caught by the unique index on users.ledger_account.
func (e Engine) checkLedgerAccount(acct string) error {
	escrow := e.Config.Ledger.EscrowAccount
	if escrow == "" {
		escrow = ledger.DefaultEscrowAccount
	}
	if acct == escrow {
		return fmt.Errorf("%w: ledger account %q is reserved", domain.ErrInvalidArgument, acct)
	}
	return nil
}

func (e Engine) GetUser(ctx context.Context, id string) (domain.User, error) {
	return e.getUser(ctx, id)
}

// ProfilePatch holds optional profile changes; nil fields are left alone.
type ProfilePatch struct {
	DisplayName     *string
	LedgerAccount   *string
	MinTaskPrice    *int64
	MinTaskDuration *time.Duration
}

func (e Engine) UpdateProfile(ctx context.Context, user domain.User, patch ProfilePatch) (domain.User, error) {
	u, err := e.getUser(ctx, user.ID)
	if err != nil {
		return u, err
	}
	changed := events.EventPayload{}
	if patch.DisplayName != nil {
		u.DisplayName = strings.TrimSpace(*patch.DisplayName)
		changed["display_name"] = u.DisplayName
	}
	if patch.LedgerAccount != nil {
		acct := strings.TrimSpace(*patch.LedgerAccount)
		if acct == "" {
			return u, fmt.Errorf("%w: ledger_account cannot be empty", domain.ErrInvalidArgument)
		}
		if err := e.checkLedgerAccount(acct); err != nil {
			return u, err
		}
		u.LedgerAccount = acct
		changed["ledger_account"] = acct
	}
	if patch.MinTaskPrice != nil {
		if *patch.MinTaskPrice < 0 {
			return u, fmt.Errorf("%w: min_task_price must be >= 0", domain.ErrInvalidArgument)
		}
		u.MinTaskPrice = *patch.MinTaskPrice
		changed["min_task_price"] = u.MinTaskPrice
	}
	if patch.MinTaskDuration != nil {
		if *patch.MinTaskDuration < 0 {
			return u, fmt.Errorf("%w: min_task_duration must be >= 0", domain.ErrInvalidArgument)
		}
		u.MinTaskDuration = *patch.MinTaskDuration
		changed["min_task_duration"] = u.MinTaskDuration.String()
	}
	if len(changed) == 0 {
		return u, nil
	}
	err = e.Repo.WithTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.UpdateUser(ctx, tx, u); err != nil {
			return err
		}
		return e.emit(ctx, tx, events.UserUpdated, "user", u.ID, u.ID, changed)
	})
	return u, err
}

// BlockUser adds otherID to the user's blocklist. Blocking works both ways
// for accepting and listing.
func (e Engine) BlockUser(ctx context.Context, user domain.User, otherID string) (domain.User, error) {
	otherID = strings.TrimSpace(otherID)
	if otherID == "" || otherID == user.ID {
		return user, fmt.Errorf("%w: cannot block %q", domain.ErrInvalidArgument, otherID)
	}
	if _, err := e.getUser(ctx, otherID); err != nil {
		return user, err
	}
	err := e.Repo.WithTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.InsertBlock(ctx, tx, user.ID, otherID, e.now()); err != nil {
			return err
		}
		return e.emit(ctx, tx, events.UserBlocked, "user", user.ID, user.ID, events.EventPayload{"blocked_id": otherID})
	})
	if err != nil {
		return user, err
	}
	return e.getUser(ctx, user.ID)
}

func (e Engine) UnblockUser(ctx context.Context, user domain.User, otherID string) (domain.User, error) {
	err := e.Repo.WithTx(ctx, func(tx *sql.Tx) error {
		removed, err := e.Repo.DeleteBlock(ctx, tx, user.ID, otherID)
		if err != nil || !removed {
			return err
		}
		return e.emit(ctx, tx, events.UserUnblocked, "user", user.ID, user.ID, events.EventPayload{"blocked_id": otherID})
	})
	if err != nil {
		return user, err
	}
	return e.getUser(ctx, user.ID)
}

// SetBanned flips the banned flag. Banned users cannot post or accept tasks.
func (e Engine) SetBanned(ctx context.Context, userID string, banned bool, actorID string) (domain.User, error) {
	evt := events.UserUnbanned
	if banned {
		evt = events.UserBanned
	}
	err := e.Repo.WithTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.SetBanned(ctx, tx, userID, banned); err != nil {
			return err
		}
		return e.emit(ctx, tx, evt, "user", userID, actorID, nil)
	})
	if err != nil {
		return domain.User{}, err
	}
	return e.getUser(ctx, userID)
}

// CreateAPIKey issues a key for user. The secret is returned once; only its
// hash is stored.
func (e Engine) CreateAPIKey(ctx context.Context, user domain.User, name string) (domain.APIKey, string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return domain.APIKey{}, "", err
	}
	secret := "mk_" + hex.EncodeToString(buf)
	key := domain.APIKey{
		ID:        uuid.NewString(),
		UserID:    user.ID,
		Name:      strings.TrimSpace(name),
		KeyHash:   repo.HashAPIKey(secret),
		CreatedAt: e.now().Format(time.RFC3339),
	}
	err := e.Repo.WithTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.InsertAPIKey(ctx, tx, key); err != nil {
			return err
		}
		return e.emit(ctx, tx, events.APIKeyCreated, "user", user.ID, user.ID, events.EventPayload{"key_id": key.ID, "name": key.Name})
	})
	if err != nil {
		return domain.APIKey{}, "", err
	}
	return key, secret, nil
}

func (e Engine) ListAPIKeys(ctx context.Context, user domain.User) ([]domain.APIKey, error) {
	return e.Repo.ListAPIKeys(ctx, user.ID)
}

// RevokeAPIKey deletes one of user's keys and returns its hash.
func (e Engine) RevokeAPIKey(ctx context.Context, user domain.User, keyID string) (string, error) {
	hash, err := e.Repo.DeleteAPIKey(ctx, user.ID, keyID)
	if err != nil {
		return "", err
	}
	err = e.Repo.WithTx(ctx, func(tx *sql.Tx) error {
		return e.emit(ctx, tx, events.APIKeyRevoked, "user", user.ID, user.ID, events.EventPayload{"key_id": keyID})
	})
	return hash, err
}
