package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"marketline/internal/config"
	"marketline/internal/db"
	"marketline/internal/engine"
	"marketline/internal/ledger"
	"marketline/internal/migrate"
)

const testSecret = "test-secret"

type testServer struct {
	URL    string
	Ledger *ledger.Fake
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(context.Background(), conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	cfg.Tasks.DefaultCompletionExpiration = time.Hour
	fake := ledger.NewFake()
	e := engine.New(conn, cfg, fake)
	handler, err := New(Config{Engine: e, BasePath: "/v0", Auth: AuthConfig{
		JWTSecret:     testSecret,
		AllowDevLogin: true,
		KeyCacheSize:  16,
	}})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Ledger: fake,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

// login mints a dev token for userID and registers it.
func login(t *testing.T, srv *testServer, userID string) map[string]string {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/auth/dev/login", map[string]any{"user_id": userID}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login status %d: %s", res.StatusCode, string(data))
	}
	var tok DevLoginResponse
	if err := json.Unmarshal(data, &tok); err != nil {
		t.Fatalf("unmarshal token: %v", err)
	}
	headers := map[string]string{"Authorization": "Bearer " + tok.Token}
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/users", map[string]any{"display_name": userID}, headers)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("register status %d: %s", res.StatusCode, string(data))
	}
	return headers
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal %s: %v", string(data), err)
	}
	return out
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var env struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error envelope %s: %v", string(data), err)
	}
	return env.Error.Code
}

func createTask(t *testing.T, srv *testServer, headers map[string]string, minPrice, maxPrice int64) TaskResponse {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/tasks", map[string]any{
		"description": "transcribe 3 minutes of audio",
		"min_price":   minPrice,
		"max_price":   maxPrice,
	}, headers)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create task status %d: %s", res.StatusCode, string(data))
	}
	return decode[TaskResponse](t, data)
}

func TestHealthAndAuthRequired(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, _ := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d", res.StatusCode)
	}
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/me", nil, nil)
	if res.StatusCode != http.StatusUnauthorized || errorCode(t, data) != "unauthorized" {
		t.Fatalf("expected 401 unauthorized, got %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{"Authorization": "Bearer nope"})
	if res.StatusCode != http.StatusUnauthorized || errorCode(t, data) != "invalid_credentials" {
		t.Fatalf("expected 401 invalid_credentials, got %d: %s", res.StatusCode, string(data))
	}
}

func TestUnregisteredPrincipalIsForbidden(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	token, err := signDevToken(testSecret, "ghost", time.Minute)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/tasks", nil, map[string]string{"Authorization": "Bearer " + token})
	if res.StatusCode != http.StatusForbidden || errorCode(t, data) != "user_not_registered" {
		t.Fatalf("expected 403 user_not_registered, got %d: %s", res.StatusCode, string(data))
	}
}

func TestLedgerAccountBoundToPrincipal(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	login(t, srv, "alice")

	token, err := signDevToken(testSecret, "mallory", time.Minute)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	mallory := map[string]string{"Authorization": "Bearer " + token}
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/users", map[string]any{"ledger_account": "alice"}, mallory)
	if res.StatusCode == http.StatusCreated {
		if u := decode[UserResponse](t, data); u.LedgerAccount != "mallory" {
			t.Fatalf("registration claimed ledger account %q", u.LedgerAccount)
		}
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/users", map[string]any{}, mallory)
	if res.StatusCode != http.StatusCreated && res.StatusCode != http.StatusConflict {
		t.Fatalf("register status %d: %s", res.StatusCode, string(data))
	}
	doJSON(t, client, http.MethodPatch, srv.URL+"/v0/me", map[string]any{"ledger_account": "alice"}, mallory)
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, mallory)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me status %d: %s", res.StatusCode, string(data))
	}
	if u := decode[UserResponse](t, data); u.LedgerAccount != "mallory" {
		t.Fatalf("expected ledger account mallory, got %q", u.LedgerAccount)
	}

	createTask(t, srv, mallory, 10, 50)
	for _, c := range srv.Ledger.CallsFor(ledger.OpEscrow) {
		if c.Account != "mallory" {
			t.Fatalf("escrow debited %s for mallory's task", c.Account)
		}
	}

	escrowToken, err := signDevToken(testSecret, ledger.DefaultEscrowAccount, time.Minute)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/users", map[string]any{}, map[string]string{"Authorization": "Bearer " + escrowToken})
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 registering the escrow account, got %d: %s", res.StatusCode, string(data))
	}
}

func TestTaskLifecycleOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	requester, worker := login(t, srv, "alice"), login(t, srv, "bob")

	task := createTask(t, srv, requester, 40, 80)
	if task.Status != "unassigned" || task.AmountEscrowed != 80 {
		t.Fatalf("unexpected task %+v", task)
	}

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/tasks?status=unassigned", nil, worker)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list status %d: %s", res.StatusCode, string(data))
	}
	if list := decode[taskList](t, data); len(list.Items) != 1 || list.Items[0].ID != task.ID {
		t.Fatalf("expected the new task listed, got %+v", list)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks/"+task.ID+"/accept", nil, worker)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("accept status %d: %s", res.StatusCode, string(data))
	}
	if got := decode[TaskResponse](t, data); got.Status != "accepted" || got.ExecutedBy == nil || *got.ExecutedBy != "bob" {
		t.Fatalf("unexpected accepted task %+v", got)
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks/"+task.ID+"/accept", nil, worker)
	if res.StatusCode != http.StatusConflict || errorCode(t, data) != "invalid_state" {
		t.Fatalf("expected 409 invalid_state on second accept, got %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks/"+task.ID+"/messages", map[string]any{"text": "done, see attached"}, worker)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("add message status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/tasks/"+task.ID+"/messages", nil, requester)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list messages status %d: %s", res.StatusCode, string(data))
	}
	if msgs := decode[messageList](t, data); len(msgs.Items) != 1 || *msgs.Items[0].Text != "done, see attached" {
		t.Fatalf("unexpected messages %+v", msgs)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks/"+task.ID+"/complete", nil, worker)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("complete status %d: %s", res.StatusCode, string(data))
	}
	done := decode[TaskResponse](t, data)
	if done.Status != "completed" || done.AmountPaid < 40 || done.AmountPaid > 80 {
		t.Fatalf("unexpected completed task %+v", done)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/tasks/"+task.ID+"/events", nil, requester)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events status %d: %s", res.StatusCode, string(data))
	}
	var types []string
	for _, evt := range decode[eventList](t, data).Items {
		types = append(types, evt.Type)
	}
	if len(types) < 4 || types[0] != "task.created" || types[1] != "task.accepted" {
		t.Fatalf("unexpected event trail %v", types)
	}
}

func TestCancelRequiresAcceptedAndRefunds(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	requester, worker := login(t, srv, "alice"), login(t, srv, "bob")
	task := createTask(t, srv, requester, 10, 20)

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/tasks/"+task.ID+"/cancel", nil, requester)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 canceling an unassigned task, got %d: %s", res.StatusCode, string(data))
	}
	doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/tasks/"+task.ID+"/accept", nil, worker)
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/tasks/"+task.ID+"/cancel", nil, requester)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("cancel status %d: %s", res.StatusCode, string(data))
	}
	if got := decode[TaskResponse](t, data); got.Status != "canceled" || got.AmountEscrowed != 0 {
		t.Fatalf("unexpected canceled task %+v", got)
	}
	if calls := srv.Ledger.CallsFor(ledger.OpRefund); len(calls) != 1 || calls[0].Account != "alice" || calls[0].Amount != 20 {
		t.Fatalf("expected refund of 20 to alice, got %+v", calls)
	}
}

func TestEscrowDeclineIsPaymentRequired(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	requester := login(t, srv, "alice")
	srv.Ledger.FailNext(ledger.OpEscrow, "insufficient funds")

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/tasks", map[string]any{
		"description": "anything",
		"min_price":   1,
		"max_price":   5,
	}, requester)
	if res.StatusCode != http.StatusPaymentRequired || errorCode(t, data) != "payment_failed" {
		t.Fatalf("expected 402 payment_failed, got %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/tasks", nil, requester)
	if list := decode[taskList](t, data); res.StatusCode != http.StatusOK || len(list.Items) != 0 {
		t.Fatalf("expected no stored task, got %d: %s", res.StatusCode, string(data))
	}
}

func TestPriceFloorIsUnprocessable(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	requester, worker := login(t, srv, "alice"), login(t, srv, "bob")

	res, data := doJSON(t, client, http.MethodPatch, srv.URL+"/v0/me", map[string]any{"min_task_price": 500}, worker)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("update profile status %d: %s", res.StatusCode, string(data))
	}
	if me := decode[UserResponse](t, data); me.MinTaskPrice != 500 {
		t.Fatalf("floor not stored: %+v", me)
	}
	task := createTask(t, srv, requester, 10, 20)
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks/"+task.ID+"/accept", nil, worker)
	if res.StatusCode != http.StatusUnprocessableEntity || errorCode(t, data) != "price_below_minimum" {
		t.Fatalf("expected 422 price_below_minimum, got %d: %s", res.StatusCode, string(data))
	}
}

func TestBlockedRequesterHiddenAndForbidden(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	requester, worker := login(t, srv, "alice"), login(t, srv, "bob")
	task := createTask(t, srv, requester, 1, 2)

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/me/blocks", map[string]any{"user_id": "alice"}, worker)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("block status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/tasks", nil, worker)
	if list := decode[taskList](t, data); len(list.Items) != 0 {
		t.Fatalf("blocked requester's task listed: %+v", list)
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/tasks/"+task.ID, nil, worker)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 viewing blocked requester's task, got %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks/"+task.ID+"/accept", nil, worker)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 accepting blocked requester's task, got %d: %s", res.StatusCode, string(data))
	}

	res, _ = doJSON(t, client, http.MethodDelete, srv.URL+"/v0/me/blocks/alice", nil, worker)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("unblock status %d", res.StatusCode)
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks/"+task.ID+"/accept", nil, worker)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("accept after unblock status %d: %s", res.StatusCode, string(data))
	}
}

func TestAPIKeyAuthAndRevocation(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	headers := login(t, srv, "alice")

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/me/api-keys", map[string]any{"name": "ci"}, headers)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create key status %d: %s", res.StatusCode, string(data))
	}
	key := decode[APIKeyResponse](t, data)
	if key.Secret == "" {
		t.Fatalf("expected secret on creation")
	}
	keyHeaders := map[string]string{"X-Api-Key": key.Secret}
	for i := 0; i < 2; i++ {
		res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, keyHeaders)
		if res.StatusCode != http.StatusOK || decode[UserResponse](t, data).ID != "alice" {
			t.Fatalf("api key auth attempt %d: %d %s", i, res.StatusCode, string(data))
		}
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me/api-keys", nil, headers)
	if list := decode[apiKeyList](t, data); len(list.Items) != 1 || list.Items[0].Secret != "" {
		t.Fatalf("unexpected key list %+v", list)
	}

	res, _ = doJSON(t, client, http.MethodDelete, srv.URL+"/v0/me/api-keys/"+key.ID, nil, headers)
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("revoke status %d", res.StatusCode)
	}
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, keyHeaders)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected revoked key rejected, got %d", res.StatusCode)
	}
}

func TestImageMessageRoundTrip(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	requester, worker := login(t, srv, "alice"), login(t, srv, "bob")
	task := createTask(t, srv, requester, 1, 2)
	doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks/"+task.ID+"/accept", nil, worker)

	png := []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks/"+task.ID+"/messages", map[string]any{"image": png}, worker)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("image message status %d: %s", res.StatusCode, string(data))
	}
	msg := decode[MessageResponse](t, data)
	if msg.ImageRef == nil || msg.Text != nil {
		t.Fatalf("unexpected image message %+v", msg)
	}

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/v0/tasks/"+task.ID+"/images/"+*msg.ImageRef, nil)
	req.Header.Set("Authorization", requester["Authorization"])
	imgRes, err := client.Do(req)
	if err != nil {
		t.Fatalf("get image: %v", err)
	}
	defer imgRes.Body.Close()
	got, _ := io.ReadAll(imgRes.Body)
	if imgRes.StatusCode != http.StatusOK || !bytes.Equal(got, png) {
		t.Fatalf("image download %d, %d bytes", imgRes.StatusCode, len(got))
	}
	if ct := imgRes.Header.Get("Content-Type"); ct != "image/png" {
		t.Fatalf("content type %q", ct)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks/"+task.ID+"/messages", map[string]any{"text": "x", "image": png}, worker)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for text and image together, got %d: %s", res.StatusCode, string(data))
	}
}

func TestMessagesRequireAcceptedTask(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	requester := login(t, srv, "alice")
	task := createTask(t, srv, requester, 1, 2)

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/tasks/"+task.ID+"/messages", map[string]any{"text": "hello?"}, requester)
	if res.StatusCode != http.StatusConflict || errorCode(t, data) != "invalid_state" {
		t.Fatalf("expected 409 invalid_state, got %d: %s", res.StatusCode, string(data))
	}
}

func TestCreateTaskRequiresBody(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	requester := login(t, srv, "alice")

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/tasks", nil, requester)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/tasks/missing", nil, requester)
	if res.StatusCode != http.StatusNotFound || errorCode(t, data) != "not_found" {
		t.Fatalf("expected 404 not_found, got %d: %s", res.StatusCode, string(data))
	}
}

func TestOpenAPIIsPublic(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/openapi.json", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("openapi status %d", res.StatusCode)
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("openapi not json: %v", err)
	}
	if _, ok := doc["paths"]; !ok {
		t.Fatalf("openapi has no paths")
	}
}
