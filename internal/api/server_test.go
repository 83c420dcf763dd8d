package api

import (
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"

	"github.com/mintpool/settler/internal/alert"
	"github.com/mintpool/settler/internal/config"
	"github.com/mintpool/settler/internal/storage"
	"github.com/mintpool/settler/internal/withdraw"
)

type fakeRunner struct {
	triggered []string
	err       error
}

func (f *fakeRunner) TriggerRun(source, account, coin string) error {
	if f.err != nil {
		return f.err
	}
	f.triggered = append(f.triggered, storage.ScopeKey(source, account, coin))
	return nil
}

type testEnv struct {
	server *Server
	store  *storage.RedisClient
	alerts *alert.Service
	runner *fakeRunner
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	store := storage.NewRedisClientFromExisting(client)

	cfg := &config.Config{}
	cfg.Settlement.Scale = 8
	cfg.Valuation.DisplayCurrency = "USD"
	cfg.API.Enabled = true
	cfg.API.AdminEnabled = true
	cfg.API.AdminPassword = "hunter2"

	alerts := alert.NewService(store, nil)
	withdrawals := withdraw.NewService(store, alerts, nil, 8, "USD")
	runner := &fakeRunner{}

	return &testEnv{
		server: NewServer(cfg, store, alerts, withdrawals, runner),
		store:  store,
		alerts: alerts,
		runner: runner,
	}
}

func (e *testEnv) do(t *testing.T, method, path, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	e.server.Router().ServeHTTP(w, req)
	return w
}

func decodeJSON(t *testing.T, w *httptest.ResponseRecorder, out interface{}) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), out); err != nil {
		t.Fatalf("bad response body %q: %v", w.Body.String(), err)
	}
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, "GET", "/health", "")
	if w.Code != 200 {
		t.Errorf("status = %d, want 200", w.Code)
	}
}

func TestBatchEndpoints(t *testing.T) {
	env := newTestEnv(t)

	batch := &storage.SettlementBatch{
		Ref: "ref1", PoolSource: "f2pool", Account: "miner1", Coin: "btc",
		WindowStart: 0, WindowEnd: 3600, GrossAccounting: "100",
		Status: storage.BatchStatusCommitted, CreatedAt: time.Now().Unix(),
	}
	if _, err := env.store.CreateBatch(batch); err != nil {
		t.Fatalf("seeding batch failed: %v", err)
	}

	w := env.do(t, "GET", "/api/batches", "")
	if w.Code != 200 {
		t.Fatalf("list status = %d", w.Code)
	}
	var list struct {
		Batches []*storage.SettlementBatch `json:"batches"`
	}
	decodeJSON(t, w, &list)
	if len(list.Batches) != 1 || list.Batches[0].Ref != "ref1" {
		t.Errorf("batches = %+v", list.Batches)
	}

	w = env.do(t, "GET", "/api/batches/ref1", "")
	if w.Code != 200 {
		t.Errorf("get status = %d", w.Code)
	}

	w = env.do(t, "GET", "/api/batches/missing", "")
	if w.Code != 404 {
		t.Errorf("missing batch status = %d, want 404", w.Code)
	}
}

func TestBalanceEndpoint(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.store.InsertLedgerEntry(&storage.LedgerEntry{
		UserID: "alice", RefType: "mining_payout", RefID: "seed", Amount: "12.5",
	}, 1250000000)
	if err != nil {
		t.Fatalf("seeding ledger failed: %v", err)
	}

	w := env.do(t, "GET", "/api/users/alice/balance", "")
	if w.Code != 200 {
		t.Fatalf("status = %d", w.Code)
	}

	var resp BalanceResponse
	decodeJSON(t, w, &resp)
	if resp.Balance != "12.50000000" {
		t.Errorf("balance = %q, want 12.50000000", resp.Balance)
	}
	if resp.Currency != "USD" || resp.Blocked {
		t.Errorf("response = %+v", resp)
	}
}

func TestWithdrawEndpointStatusCodes(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.store.InsertLedgerEntry(&storage.LedgerEntry{
		UserID: "alice", RefType: "mining_payout", RefID: "seed", Amount: "10",
	}, 1000000000)
	if err != nil {
		t.Fatalf("seeding ledger failed: %v", err)
	}

	body := func(reqID, amount string) string {
		return fmt.Sprintf(`{"request_id": %q, "amount": %q}`, reqID, amount)
	}

	// Applied
	w := env.do(t, "POST", "/api/users/alice/withdrawals", body("r1", "4.00000000"))
	if w.Code != 200 {
		t.Errorf("apply status = %d, body %s", w.Code, w.Body.String())
	}

	// Replay is a 200 with duplicate flag
	w = env.do(t, "POST", "/api/users/alice/withdrawals", body("r1", "4.00000000"))
	if w.Code != 200 {
		t.Errorf("replay status = %d", w.Code)
	}
	var resp struct {
		Duplicate bool `json:"duplicate"`
	}
	decodeJSON(t, w, &resp)
	if !resp.Duplicate {
		t.Error("replay should report duplicate")
	}

	// Insufficient balance
	w = env.do(t, "POST", "/api/users/alice/withdrawals", body("r2", "100.00000000"))
	if w.Code != 409 {
		t.Errorf("insufficient status = %d, want 409", w.Code)
	}

	// Bad amount
	w = env.do(t, "POST", "/api/users/alice/withdrawals", body("r3", "-1"))
	if w.Code != 400 {
		t.Errorf("bad amount status = %d, want 400", w.Code)
	}

	// Missing fields
	w = env.do(t, "POST", "/api/users/alice/withdrawals", `{}`)
	if w.Code != 400 {
		t.Errorf("missing fields status = %d, want 400", w.Code)
	}
}

func TestWithdrawBlockedByAlert(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.store.InsertLedgerEntry(&storage.LedgerEntry{
		UserID: "alice", RefType: "mining_payout", RefID: "seed", Amount: "10",
	}, 1000000000)
	if err != nil {
		t.Fatalf("seeding ledger failed: %v", err)
	}
	if _, err := env.alerts.Open("scope", "alice", "revenue_drift", "drift", time.Unix(0, 0)); err != nil {
		t.Fatalf("opening alert failed: %v", err)
	}

	w := env.do(t, "POST", "/api/users/alice/withdrawals",
		`{"request_id": "r1", "amount": "1.00000000"}`)
	if w.Code != 403 {
		t.Errorf("blocked status = %d, want 403", w.Code)
	}
}

func TestAlertEndpoints(t *testing.T) {
	env := newTestEnv(t)

	if _, err := env.alerts.Open("f2pool:miner1:btc", "", "hashrate_drift", "drift 7%", time.Unix(0, 0)); err != nil {
		t.Fatalf("opening alert failed: %v", err)
	}

	w := env.do(t, "GET", "/api/alerts", "")
	if w.Code != 200 {
		t.Fatalf("list status = %d", w.Code)
	}
	var list struct {
		Alerts []*storage.Alert `json:"alerts"`
	}
	decodeJSON(t, w, &list)
	if len(list.Alerts) != 1 {
		t.Fatalf("got %d alerts, want 1", len(list.Alerts))
	}
	ref := list.Alerts[0].Ref

	w = env.do(t, "GET", "/api/alerts/"+ref, "")
	if w.Code != 200 {
		t.Errorf("get status = %d", w.Code)
	}

	w = env.do(t, "GET", "/api/alerts/missing", "")
	if w.Code != 404 {
		t.Errorf("missing alert status = %d, want 404", w.Code)
	}
}

func TestAdminAuth(t *testing.T) {
	env := newTestEnv(t)

	// No credentials
	w := env.do(t, "POST", "/admin/settle", `{"source":"f2pool","account":"a","coin":"btc"}`)
	if w.Code != 401 {
		t.Errorf("no auth status = %d, want 401", w.Code)
	}

	// Wrong password
	w = env.do(t, "POST", "/admin/settle", `{"source":"f2pool","account":"a","coin":"btc"}`,
		"Authorization", "Bearer wrong")
	if w.Code != 403 {
		t.Errorf("wrong password status = %d, want 403", w.Code)
	}

	// Correct password triggers the run
	w = env.do(t, "POST", "/admin/settle", `{"source":"f2pool","account":"a","coin":"btc"}`,
		"Authorization", "Bearer hunter2")
	if w.Code != 202 {
		t.Errorf("trigger status = %d, want 202", w.Code)
	}
	if len(env.runner.triggered) != 1 || env.runner.triggered[0] != "f2pool:a:btc" {
		t.Errorf("runner.triggered = %v", env.runner.triggered)
	}
}

func TestAdminResolveAlert(t *testing.T) {
	env := newTestEnv(t)

	if _, err := env.alerts.Open("scope", "alice", "revenue_drift", "drift", time.Unix(0, 0)); err != nil {
		t.Fatalf("opening alert failed: %v", err)
	}
	open, _ := env.alerts.ListOpen()
	ref := open[0].Ref

	w := env.do(t, "POST", "/admin/alerts/"+ref+"/resolve", "", "Authorization", "Bearer hunter2")
	if w.Code != 200 {
		t.Errorf("resolve status = %d, body %s", w.Code, w.Body.String())
	}

	// Alert is gone from the open set, resolving again is a 404
	w = env.do(t, "POST", "/admin/alerts/"+ref+"/resolve", "", "Authorization", "Bearer hunter2")
	if w.Code != 404 {
		t.Errorf("second resolve status = %d, want 404", w.Code)
	}

	blocked, _ := env.alerts.HasOpenAlerts("alice")
	if blocked {
		t.Error("resolved alert should not block the user")
	}
}

func TestAdminBindingsAndInviters(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, "POST", "/admin/bindings", `{"worker_id": "rig01", "user_id": "alice"}`,
		"Authorization", "Bearer hunter2")
	if w.Code != 200 {
		t.Fatalf("binding status = %d", w.Code)
	}
	bindings, err := env.store.GetBindings([]string{"rig01"})
	if err != nil || bindings["rig01"] != "alice" {
		t.Errorf("GetBindings = %v, %v", bindings, err)
	}

	w = env.do(t, "POST", "/admin/inviters", `{"user_id": "alice", "inviter_id": "carol"}`,
		"Authorization", "Bearer hunter2")
	if w.Code != 200 {
		t.Fatalf("inviter status = %d", w.Code)
	}
	inviter, err := env.store.GetInviter("alice")
	if err != nil || inviter != "carol" {
		t.Errorf("GetInviter = %q, %v", inviter, err)
	}
}

func TestAdminWorkerRegistry(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, "POST", "/admin/workers", `{"worker_id": "USR-1042"}`,
		"Authorization", "Bearer hunter2")
	if w.Code != 200 {
		t.Fatalf("register status = %d", w.Code)
	}
	ids, err := env.store.RegisteredWorkerIDs()
	if err != nil || len(ids) != 1 || ids[0] != "USR-1042" {
		t.Errorf("RegisteredWorkerIDs = %v, %v", ids, err)
	}

	w = env.do(t, "POST", "/admin/workers", `{}`, "Authorization", "Bearer hunter2")
	if w.Code != 400 {
		t.Errorf("missing worker_id status = %d, want 400", w.Code)
	}

	w = env.do(t, "DELETE", "/admin/workers/USR-1042", "", "Authorization", "Bearer hunter2")
	if w.Code != 200 {
		t.Fatalf("unregister status = %d", w.Code)
	}
	if ids, _ := env.store.RegisteredWorkerIDs(); len(ids) != 0 {
		t.Errorf("registry after delete = %v", ids)
	}
}

func TestCORSPreflight(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest("OPTIONS", "/api/batches", nil)
	w := httptest.NewRecorder()
	env.server.Router().ServeHTTP(w, req)

	if w.Code != 204 {
		t.Errorf("preflight status = %d, want 204", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("allow origin = %q, want *", got)
	}
}
