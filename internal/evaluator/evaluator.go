// Package evaluator judges finished work and proposes the payout.
package evaluator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"marketline/internal/domain"
)

// Verdict is the evaluator's answer for one task.
type Verdict struct {
	Completed bool   `json:"completed"`
	Amount    int64  `json:"amount"`
	Note      string `json:"note,omitempty"`
}

// Evaluator is consulted before paying an executor. The engine clamps the
// proposed amount into the task's price band.
type Evaluator interface {
	Evaluate(ctx context.Context, task domain.Task) (Verdict, error)
}

// Fixed approves every completion at the task's max price.
type Fixed struct{}

func (Fixed) Evaluate(_ context.Context, task domain.Task) (Verdict, error) {
	return Verdict{Completed: true, Amount: task.MaxPrice}, nil
}

// Func adapts a function to Evaluator.
type Func func(ctx context.Context, task domain.Task) (Verdict, error)

func (f Func) Evaluate(ctx context.Context, task domain.Task) (Verdict, error) {
	return f(ctx, task)
}

// HTTPEvaluator posts the task to a remote judge.
type HTTPEvaluator struct {
	URL  string
	HTTP *http.Client
}

func NewHTTP(url string, timeout time.Duration) *HTTPEvaluator {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPEvaluator{URL: strings.TrimRight(url, "/"), HTTP: &http.Client{Timeout: timeout}}
}

type evaluateRequest struct {
	TaskID      string `json:"task_id"`
	Description string `json:"description"`
	MinPrice    int64  `json:"min_price"`
	MaxPrice    int64  `json:"max_price"`
	RequestedBy string `json:"requested_by"`
	ExecutedBy  string `json:"executed_by"`
}

func (h *HTTPEvaluator) Evaluate(ctx context.Context, task domain.Task) (Verdict, error) {
	req := evaluateRequest{
		TaskID:      task.ID,
		Description: task.Description,
		MinPrice:    task.MinPrice,
		MaxPrice:    task.MaxPrice,
		RequestedBy: task.RequestedBy,
	}
	if task.ExecutedBy != nil {
		req.ExecutedBy = *task.ExecutedBy
	}
	body, err := json.Marshal(req)
	if err != nil {
		return Verdict{}, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.URL+"/evaluate", bytes.NewReader(body))
	if err != nil {
		return Verdict{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := h.HTTP.Do(httpReq)
	if err != nil {
		return Verdict{}, fmt.Errorf("evaluate task %s: %w", task.ID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return Verdict{}, fmt.Errorf("evaluate task %s: status %d: %s", task.ID, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	var v Verdict
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		return Verdict{}, fmt.Errorf("decode verdict: %w", err)
	}
	return v, nil
}

// Clamp bounds amount to [min, max].
func Clamp(amount, min, max int64) int64 {
	if amount < min {
		return min
	}
	if amount > max {
		return max
	}
	return amount
}
