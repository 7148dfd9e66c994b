// Package ledger moves money between accounts on the payment rail. Every
// transfer returns a Result value; gateways never return Go errors or panic.
package ledger

import (
	"context"
	"fmt"
	"log/slog"
)

const (
	OpEscrow  = "escrow"
	OpRelease = "release"
	OpRefund  = "refund"
)

// Result is the outcome of one transfer: Ok with the moved amount, or Err
// with the rail's reason.
type Result struct {
	ok     bool
	amount int64
	reason string
}

func Ok(amount int64) Result { return Result{ok: true, amount: amount} }

func Err(reason string) Result {
	if reason == "" {
		reason = "unspecified ledger failure"
	}
	return Result{reason: reason}
}

func (r Result) IsOk() bool     { return r.ok }
func (r Result) Amount() int64  { return r.amount }
func (r Result) Reason() string { return r.reason }

func (r Result) String() string {
	if r.ok {
		return fmt.Sprintf("Ok(%d)", r.amount)
	}
	return fmt.Sprintf("Err(%s)", r.reason)
}

// Gateway is the payment rail. Escrow moves funds from an account into
// escrow; Release and Refund move escrowed funds out to an account.
type Gateway interface {
	Escrow(ctx context.Context, from string, amount int64) Result
	Release(ctx context.Context, to string, amount int64) Result
	Refund(ctx context.Context, to string, amount int64) Result
}

type referenceKey struct{}

// WithReference tags transfers made with ctx so the rail can correlate and
// deduplicate them, e.g. "task-id/refund/<attempt>".
func WithReference(ctx context.Context, ref string) context.Context {
	return context.WithValue(ctx, referenceKey{}, ref)
}

// Reference returns the tag set by WithReference.
func Reference(ctx context.Context) string {
	ref, _ := ctx.Value(referenceKey{}).(string)
	return ref
}

// Logged wraps g and logs every declined transfer.
func Logged(g Gateway, logger *slog.Logger) Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return logged{next: g, log: logger}
}

type logged struct {
	next Gateway
	log  *slog.Logger
}

func (l logged) Escrow(ctx context.Context, from string, amount int64) Result {
	return l.observe(ctx, OpEscrow, from, amount, l.next.Escrow(ctx, from, amount))
}

func (l logged) Release(ctx context.Context, to string, amount int64) Result {
	return l.observe(ctx, OpRelease, to, amount, l.next.Release(ctx, to, amount))
}

func (l logged) Refund(ctx context.Context, to string, amount int64) Result {
	return l.observe(ctx, OpRefund, to, amount, l.next.Refund(ctx, to, amount))
}

func (l logged) observe(ctx context.Context, op, account string, amount int64, res Result) Result {
	if res.IsOk() {
		l.log.DebugContext(ctx, "ledger transfer", "op", op, "account", account, "amount", amount, "ref", Reference(ctx))
		return res
	}
	l.log.WarnContext(ctx, "ledger transfer declined", "op", op, "account", account, "amount", amount, "ref", Reference(ctx), "reason", res.Reason())
	return res
}
