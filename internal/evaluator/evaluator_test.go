package evaluator_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"marketline/internal/domain"
	"marketline/internal/evaluator"
)

func TestFixedPaysMax(t *testing.T) {
	v, err := evaluator.Fixed{}.Evaluate(context.Background(), domain.Task{MinPrice: 50, MaxPrice: 100})
	require.NoError(t, err)
	require.True(t, v.Completed)
	require.Equal(t, int64(100), v.Amount)
}

func TestClamp(t *testing.T) {
	require.Equal(t, int64(50), evaluator.Clamp(10, 50, 100))
	require.Equal(t, int64(100), evaluator.Clamp(500, 50, 100))
	require.Equal(t, int64(75), evaluator.Clamp(75, 50, 100))
}

func TestHTTPEvaluator(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		if r.URL.Path != "/evaluate" || json.NewDecoder(r.Body).Decode(&body) != nil || body["task_id"] != "t1" {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(evaluator.Verdict{Completed: true, Amount: 60})
	}))
	defer srv.Close()

	exec := "w"
	v, err := evaluator.NewHTTP(srv.URL, time.Second).Evaluate(context.Background(), domain.Task{ID: "t1", MaxPrice: 100, ExecutedBy: &exec})
	require.NoError(t, err)
	require.Equal(t, int64(60), v.Amount)
}

func TestHTTPEvaluatorError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "judge offline", http.StatusServiceUnavailable)
	}))
	defer srv.Close()
	_, err := evaluator.NewHTTP(srv.URL, time.Second).Evaluate(context.Background(), domain.Task{ID: "t1"})
	require.ErrorContains(t, err, "judge offline")
}
