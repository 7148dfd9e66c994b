package ledger

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/ucarion/jcs"
)

// HTTPGateway talks to a remote rail over JSON. Transport errors and 5xx
// responses are retried with exponential backoff under one idempotency key;
// 4xx responses are final.
type HTTPGateway struct {
	BaseURL       string
	EscrowAccount string
	HTTP          *http.Client
	MaxRetries    uint
	// InitialInterval seeds the backoff; zero uses the library default.
	InitialInterval time.Duration
}

func NewHTTPGateway(baseURL, escrowAccount string, timeout time.Duration, maxRetries uint) *HTTPGateway {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if escrowAccount == "" {
		escrowAccount = DefaultEscrowAccount
	}
	return &HTTPGateway{
		BaseURL:       strings.TrimRight(baseURL, "/"),
		EscrowAccount: escrowAccount,
		HTTP:          &http.Client{Timeout: timeout},
		MaxRetries:    maxRetries,
	}
}

type transferRequest struct {
	Op             string `json:"op"`
	From           string `json:"from"`
	To             string `json:"to"`
	Amount         int64  `json:"amount"`
	Reference      string `json:"reference,omitempty"`
	IdempotencyKey string `json:"idempotency_key"`
}

type transferResponse struct {
	Amount int64  `json:"amount"`
	Error  string `json:"error,omitempty"`
}

func (g *HTTPGateway) Escrow(ctx context.Context, from string, amount int64) Result {
	return g.do(ctx, transferRequest{Op: OpEscrow, From: from, To: g.EscrowAccount, Amount: amount})
}

func (g *HTTPGateway) Release(ctx context.Context, to string, amount int64) Result {
	return g.do(ctx, transferRequest{Op: OpRelease, From: g.EscrowAccount, To: to, Amount: amount})
}

func (g *HTTPGateway) Refund(ctx context.Context, to string, amount int64) Result {
	return g.do(ctx, transferRequest{Op: OpRefund, From: g.EscrowAccount, To: to, Amount: amount})
}

func (g *HTTPGateway) do(ctx context.Context, req transferRequest) Result {
	if req.Amount < 0 {
		return Err("negative amount")
	}
	req.Reference = Reference(ctx)
	key, err := IdempotencyKey(req.Op, req.From, req.To, req.Amount, req.Reference)
	if err != nil {
		return Err(err.Error())
	}
	req.IdempotencyKey = key
	body, err := json.Marshal(req)
	if err != nil {
		return Err(err.Error())
	}

	b := backoff.NewExponentialBackOff()
	if g.InitialInterval > 0 {
		b.InitialInterval = g.InitialInterval
	}
	tries := g.MaxRetries + 1
	amount, err := backoff.Retry(ctx, func() (int64, error) {
		return g.post(ctx, key, body)
	}, backoff.WithBackOff(b), backoff.WithMaxTries(tries))
	if err != nil {
		return Err(err.Error())
	}
	return Ok(amount)
}

func (g *HTTPGateway) post(ctx context.Context, key string, body []byte) (int64, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.BaseURL+"/transfers", bytes.NewReader(body))
	if err != nil {
		return 0, backoff.Permanent(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", key)
	resp, err := g.HTTP.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return 0, backoff.Permanent(err)
		}
		return 0, err
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	var out transferResponse
	_ = json.Unmarshal(data, &out)
	switch {
	case resp.StatusCode >= 500:
		return 0, fmt.Errorf("ledger: status %d", resp.StatusCode)
	case resp.StatusCode >= 400:
		reason := out.Error
		if reason == "" {
			reason = strings.TrimSpace(string(data))
		}
		if reason == "" {
			reason = resp.Status
		}
		return 0, backoff.Permanent(errors.New(reason))
	}
	return out.Amount, nil
}

// IdempotencyKey derives a stable key for a transfer. Transfers carrying a
// reference dedupe on it; unreferenced transfers get a fresh nonce so two
// equal payments stay distinct.
func IdempotencyKey(op, from, to string, amount int64, reference string) (string, error) {
	if reference == "" {
		reference = uuid.NewString()
	}
	raw, err := json.Marshal(map[string]any{
		"op": op, "from": from, "to": to, "amount": amount, "reference": reference,
	})
	if err != nil {
		return "", err
	}
	var normalized any
	if err := json.Unmarshal(raw, &normalized); err != nil {
		return "", err
	}
	canonical, err := jcs.Format(normalized)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:]), nil
}
