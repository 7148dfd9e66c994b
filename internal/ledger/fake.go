package ledger

import (
	"context"
	"sync"
)

// Call records one transfer seen by Fake.
type Call struct {
	Op        string
	Account   string
	Amount    int64
	Reference string
	Result    Result
}

// Fake is an in-memory Gateway for tests. Outcomes are scripted per op;
// unscripted calls succeed with the requested amount.
type Fake struct {
	mu     sync.Mutex
	next   map[string][]Result
	always map[string]string
	calls  []Call
	onCall func(Call)
}

func NewFake() *Fake {
	return &Fake{next: map[string][]Result{}, always: map[string]string{}}
}

// FailNext makes the next call of op return Err(reason).
func (f *Fake) FailNext(op, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next[op] = append(f.next[op], Err(reason))
}

// OkNext makes the next call of op return Ok(amount), which may differ from the request.
func (f *Fake) OkNext(op string, amount int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next[op] = append(f.next[op], Ok(amount))
}

// FailAlways makes every call of op fail until Reset.
func (f *Fake) FailAlways(op, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.always[op] = reason
}

// OnCall registers a hook invoked after each call is recorded.
func (f *Fake) OnCall(fn func(Call)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onCall = fn
}

func (f *Fake) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next = map[string][]Result{}
	f.always = map[string]string{}
}

func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// CallsFor filters recorded calls by op.
func (f *Fake) CallsFor(op string) []Call {
	var res []Call
	for _, c := range f.Calls() {
		if c.Op == op {
			res = append(res, c)
		}
	}
	return res
}

func (f *Fake) Escrow(ctx context.Context, from string, amount int64) Result {
	return f.call(ctx, OpEscrow, from, amount)
}

func (f *Fake) Release(ctx context.Context, to string, amount int64) Result {
	return f.call(ctx, OpRelease, to, amount)
}

func (f *Fake) Refund(ctx context.Context, to string, amount int64) Result {
	return f.call(ctx, OpRefund, to, amount)
}

func (f *Fake) call(ctx context.Context, op, account string, amount int64) Result {
	f.mu.Lock()
	res := Ok(amount)
	if reason, ok := f.always[op]; ok {
		res = Err(reason)
	} else if q := f.next[op]; len(q) > 0 {
		res = q[0]
		f.next[op] = q[1:]
	}
	c := Call{Op: op, Account: account, Amount: amount, Reference: Reference(ctx), Result: res}
	f.calls = append(f.calls, c)
	hook := f.onCall
	f.mu.Unlock()
	if hook != nil {
		hook(c)
	}
	return res
}
