package fund_test

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/moneyflow888/moneyflow-web/internal/auth"
	"github.com/moneyflow888/moneyflow-web/internal/fund"
	"github.com/moneyflow888/moneyflow-web/internal/model"
	"github.com/moneyflow888/moneyflow-web/internal/report"
	"github.com/moneyflow888/moneyflow-web/internal/settlement"
	"github.com/moneyflow888/moneyflow-web/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

const adminToken = "test-admin-token"

type testEnv struct {
	ms       *store.MemoryStore
	sessions *auth.Sessions
	router   chi.Router
}

// newTestEnv creates a Service backed by the in-memory store and mounts it
// under /api/v1 on a chi router.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ms := store.NewMemoryStore()
	sessions := auth.NewSessions(adminToken, "test-secret", 0, false)
	settler := settlement.NewService(ms, nil, settlement.Options{})
	svc := fund.NewService(ms, settler, sessions, nil, fund.Options{Currency: "USD"})

	r := chi.NewRouter()
	r.Route("/api/v1", svc.Routes)
	return &testEnv{ms: ms, sessions: sessions, router: r}
}

func (e *testEnv) adminCookie() *http.Cookie {
	value, _ := e.sessions.Issue()
	return &http.Cookie{Name: auth.CookieName, Value: value}
}

type reqOpt func(*http.Request)

func asAdmin(e *testEnv) reqOpt {
	return func(r *http.Request) { r.AddCookie(e.adminCookie()) }
}

func asInvestor(userID string) reqOpt {
	return func(r *http.Request) { r.Header.Set(auth.HeaderUserID, userID) }
}

func withEmail(email string) reqOpt {
	return func(r *http.Request) { r.Header.Set(auth.HeaderUserEmail, email) }
}

func (e *testEnv) do(t *testing.T, method, path string, body any, opts ...reqOpt) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for _, o := range opts {
		o(req)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("error body is not JSON: %s", w.Body.String())
	}
	return body["code"]
}

func seedSnapshot(t *testing.T, ms *store.MemoryStore, nav, shares float64, at time.Time) {
	t.Helper()
	err := ms.InsertNavSnapshot(context.Background(), &model.NavSnapshot{
		ID:          "snap-" + at.Format(time.RFC3339Nano),
		TotalNAV:    d(nav),
		TotalShares: decimal.NewNullDecimal(d(shares)),
		CreatedAt:   at,
	})
	if err != nil {
		t.Fatalf("failed to seed snapshot: %v", err)
	}
}

// --- Auth ---

func TestAdminRoutes_RequireSession(t *testing.T) {
	env := newTestEnv(t)

	for _, tc := range []struct{ method, path string }{
		{"GET", "/api/v1/admin/me"},
		{"POST", "/api/v1/admin/execute-deposits"},
		{"POST", "/api/v1/admin/execute-withdrawals"},
		{"GET", "/api/v1/admin/withdraw-queue"},
		{"POST", "/api/v1/admin/withdrawals/x/paid"},
		{"POST", "/api/v1/admin/wtd-adjustments"},
		{"GET", "/api/v1/admin/accounts"},
		{"POST", "/api/v1/principal"},
	} {
		w := env.do(t, tc.method, tc.path, nil)
		if w.Code != http.StatusUnauthorized {
			t.Errorf("%s %s: expected 401, got %d", tc.method, tc.path, w.Code)
		}
	}
}

func TestAdminRoutes_DisabledWithoutSecret(t *testing.T) {
	ms := store.NewMemoryStore()
	sessions := auth.NewSessions("", "", 0, false)
	svc := fund.NewService(ms, settlement.NewService(ms, nil, settlement.Options{}), sessions, nil, fund.Options{Currency: "USD"})
	r := chi.NewRouter()
	r.Route("/api/v1", svc.Routes)

	// Sign with an empty key, as anyone could when no secret is configured.
	payload := strconv.FormatInt(time.Now().Add(time.Hour).Unix(), 10)
	mac := hmac.New(sha256.New, nil)
	mac.Write([]byte(payload))
	cookie := &http.Cookie{Name: auth.CookieName, Value: payload + "." + hex.EncodeToString(mac.Sum(nil))}

	for _, tc := range []struct {
		method, path string
		body         any
	}{
		{"GET", "/api/v1/admin/me", nil},
		{"POST", "/api/v1/admin/nav-snapshots", map[string]any{"total_nav": "100", "share_price": "0.0001"}},
		{"POST", "/api/v1/admin/execute-deposits", nil},
		{"POST", "/api/v1/admin/login", fund.LoginRequest{Token: ""}},
	} {
		var buf bytes.Buffer
		json.NewEncoder(&buf).Encode(tc.body)
		req := httptest.NewRequest(tc.method, tc.path, &buf)
		req.AddCookie(cookie)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		if w.Code != http.StatusUnauthorized {
			t.Errorf("%s %s: expected 401, got %d: %s", tc.method, tc.path, w.Code, w.Body.String())
		}
	}
	if _, err := ms.LatestNavSnapshot(context.Background()); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("no snapshot may be written, got %v", err)
	}
}

func TestAdminLogin(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, "POST", "/api/v1/admin/login", fund.LoginRequest{Token: "wrong"})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d", w.Code)
	}

	w = env.do(t, "POST", "/api/v1/admin/login", fund.LoginRequest{Token: adminToken})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	cookies := w.Result().Cookies()
	if len(cookies) != 1 || cookies[0].Name != auth.CookieName {
		t.Fatalf("expected session cookie, got %v", cookies)
	}

	w = env.do(t, "GET", "/api/v1/admin/me", nil, func(r *http.Request) { r.AddCookie(cookies[0]) })
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 from /admin/me, got %d", w.Code)
	}
	var me fund.SessionResponse
	json.Unmarshal(w.Body.Bytes(), &me)
	if !me.Admin || me.ExpiresAt.IsZero() {
		t.Errorf("unexpected session response %+v", me)
	}
}

func TestInvestorRoutes_RequireIdentity(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, "GET", "/api/v1/me/account", nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
	if code := errorCode(t, w); code != fund.CodeUnauthorized {
		t.Errorf("expected code Unauthorized, got %q", code)
	}
}

// --- Investor flow ---

func TestDepositLifecycle(t *testing.T) {
	env := newTestEnv(t)
	seedSnapshot(t, env.ms, 1000, 100, time.Now().UTC().Add(time.Hour))

	w := env.do(t, "POST", "/api/v1/me/deposits", fund.AmountRequest{Amount: d(0)}, asInvestor("alice"))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for zero amount, got %d", w.Code)
	}

	w = env.do(t, "POST", "/api/v1/me/deposits", fund.AmountRequest{Amount: d(200)}, asInvestor("alice"), withEmail("alice@example.com"))
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var dep model.DepositRequest
	json.Unmarshal(w.Body.Bytes(), &dep)
	if dep.Status != model.DepositPending {
		t.Fatalf("expected PENDING, got %s", dep.Status)
	}

	w = env.do(t, "POST", "/api/v1/admin/execute-deposits", nil, asAdmin(env))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var batch settlement.BatchResult
	json.Unmarshal(w.Body.Bytes(), &batch)
	if batch.Executed != 1 || batch.Failed != 0 {
		t.Fatalf("expected 1 executed, got %+v", batch)
	}
	if !batch.Results[0].MintedShares.Equal(d(20)) {
		t.Errorf("expected 20 minted shares, got %s", batch.Results[0].MintedShares)
	}

	w = env.do(t, "GET", "/api/v1/me/account", nil, asInvestor("alice"))
	var acct fund.AccountResponse
	json.Unmarshal(w.Body.Bytes(), &acct)
	if !acct.Shares.Equal(d(20)) || !acct.Principal.Equal(d(200)) {
		t.Errorf("unexpected account %+v", acct.InvestorAccount)
	}
	if acct.Value == nil || !acct.Value.Equal(d(200)) {
		t.Errorf("expected value 200, got %v", acct.Value)
	}

	w = env.do(t, "GET", "/api/v1/admin/accounts", nil, asAdmin(env))
	var accts fund.AccountsResponse
	json.Unmarshal(w.Body.Bytes(), &accts)
	if len(accts.Accounts) != 1 || accts.Accounts[0].Email != "alice@example.com" {
		t.Errorf("expected alice's email on the account, got %+v", accts.Accounts)
	}
	// NAV 1000 against 200 principal.
	if accts.DepositHeadroom == nil || !accts.DepositHeadroom.Equal(d(800)) {
		t.Errorf("expected headroom 800, got %v", accts.DepositHeadroom)
	}

	// Cancelling a minted deposit is a no-op.
	w = env.do(t, "POST", "/api/v1/me/deposits/"+dep.ID+"/cancel", nil, asInvestor("alice"))
	if w.Code != http.StatusOK || bytes.Contains(w.Body.Bytes(), []byte(`"cancelled":true`)) {
		t.Errorf("expected no-op cancel, got %d: %s", w.Code, w.Body.String())
	}
}

func TestCancelDeposit(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, "POST", "/api/v1/me/deposits", fund.AmountRequest{Amount: d(50)}, asInvestor("alice"))
	var dep model.DepositRequest
	json.Unmarshal(w.Body.Bytes(), &dep)

	// Another investor cannot see it.
	w = env.do(t, "POST", "/api/v1/me/deposits/"+dep.ID+"/cancel", nil, asInvestor("mallory"))
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for foreign deposit, got %d", w.Code)
	}

	w = env.do(t, "POST", "/api/v1/me/deposits/"+dep.ID+"/cancel", nil, asInvestor("alice"))
	if !bytes.Contains(w.Body.Bytes(), []byte(`"cancelled":true`)) {
		t.Fatalf("expected cancelled=true, got %s", w.Body.String())
	}

	got, _ := env.ms.GetDeposit(dep.ID)
	if got.Status != model.DepositCancelled {
		t.Errorf("expected CANCELLED, got %s", got.Status)
	}
}

func TestWithdrawalLifecycle(t *testing.T) {
	env := newTestEnv(t)
	env.ms.PutAccount(model.InvestorAccount{UserID: "alice", Principal: d(200), Shares: d(20)})

	w := env.do(t, "POST", "/api/v1/me/withdrawals", fund.AmountRequest{Amount: d(50)}, asInvestor("bob"))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without an account, got %d", w.Code)
	}

	w = env.do(t, "POST", "/api/v1/me/withdrawals", fund.AmountRequest{Amount: d(50)}, asInvestor("alice"))
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var wd model.WithdrawRequest
	json.Unmarshal(w.Body.Bytes(), &wd)

	acct, _ := env.ms.GetAccount(context.Background(), "alice")
	if !acct.PendingWithdraw.Equal(d(50)) {
		t.Fatalf("expected 50 reserved, got %s", acct.PendingWithdraw)
	}

	seedSnapshot(t, env.ms, 1000, 100, time.Now().UTC().Add(time.Hour))
	w = env.do(t, "POST", "/api/v1/admin/execute-withdrawals", nil, asAdmin(env))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	w = env.do(t, "GET", "/api/v1/admin/withdraw-queue", nil, asAdmin(env))
	var queue []model.WithdrawRequest
	json.Unmarshal(w.Body.Bytes(), &queue)
	if len(queue) != 1 || queue[0].Status != model.WithdrawUnpaid {
		t.Fatalf("expected one UNPAID withdrawal in queue, got %+v", queue)
	}

	w = env.do(t, "POST", "/api/v1/admin/withdrawals/"+wd.ID+"/paid", nil, asAdmin(env))
	if !bytes.Contains(w.Body.Bytes(), []byte(`"paid":true`)) {
		t.Fatalf("expected paid=true, got %s", w.Body.String())
	}

	w = env.do(t, "GET", "/api/v1/admin/withdraw-queue", nil, asAdmin(env))
	if !bytes.Equal(bytes.TrimSpace(w.Body.Bytes()), []byte("[]")) {
		t.Errorf("expected empty queue after payment, got %s", w.Body.String())
	}

	w = env.do(t, "POST", "/api/v1/admin/withdrawals/missing/paid", nil, asAdmin(env))
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown withdrawal, got %d", w.Code)
	}
}

// --- Settlement errors ---

func TestExecuteDeposits_NoSnapshot(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, "POST", "/api/v1/admin/execute-deposits", nil, asAdmin(env))
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", w.Code)
	}
	if code := errorCode(t, w); code != fund.CodePriceUnavailable {
		t.Errorf("expected PriceUnavailable, got %q", code)
	}
}

func TestExecuteDeposits_MissingTimestamp(t *testing.T) {
	env := newTestEnv(t)
	env.ms.InsertNavSnapshot(context.Background(), &model.NavSnapshot{
		ID: "s", TotalNAV: d(1000), SharePrice: decimal.NewNullDecimal(d(10)),
	})

	w := env.do(t, "POST", "/api/v1/admin/execute-deposits", nil, asAdmin(env))
	if code := errorCode(t, w); code != fund.CodeMissingSnapshotTimestamp {
		t.Errorf("expected MissingSnapshotTimestamp, got %q", code)
	}
}

// --- Adjustments & snapshots ---

func TestWtdAdjustments(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, "POST", "/api/v1/admin/wtd-adjustments",
		fund.AdjustmentRequest{Week: "2026-10-14", Delta: d(10)}, asAdmin(env))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for non-Monday week, got %d", w.Code)
	}
	if code := errorCode(t, w); code != fund.CodeInvalidInput {
		t.Errorf("expected InvalidInput, got %q", code)
	}

	w = env.do(t, "POST", "/api/v1/admin/wtd-adjustments",
		fund.AdjustmentRequest{Week: "2026-10-12", Delta: d(-25), Note: "fee"}, asAdmin(env))
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	w = env.do(t, "GET", "/api/v1/admin/wtd-adjustments", nil, asAdmin(env))
	var adjs []model.WtdAdjustment
	json.Unmarshal(w.Body.Bytes(), &adjs)
	if len(adjs) != 1 || adjs[0].Week != "2026-10-12" || !adjs[0].Delta.Equal(d(-25)) {
		t.Errorf("unexpected ledger %+v", adjs)
	}
}

func TestPrincipalLedger(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, "POST", "/api/v1/principal",
		fund.AdjustmentRequest{Month: "2026-13", Delta: d(5)}, asAdmin(env))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad month, got %d", w.Code)
	}

	for _, adj := range []fund.AdjustmentRequest{
		{Month: "2026-09", Delta: d(100)},
		{Month: "2026-10", Delta: d(40)},
		{Month: "2026-10", Delta: d(-15)},
	} {
		if w := env.do(t, "POST", "/api/v1/principal", adj, asAdmin(env)); w.Code != http.StatusCreated {
			t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
		}
	}

	w = env.do(t, "GET", "/api/v1/principal", nil)
	var resp fund.PrincipalResponse
	json.Unmarshal(w.Body.Bytes(), &resp)
	if len(resp.Adjustments) != 3 || len(resp.Months) != 2 {
		t.Fatalf("unexpected response %+v", resp)
	}
	if resp.Months[1].Month != "2026-10" || !resp.Months[1].Total.Equal(d(25)) {
		t.Errorf("unexpected October total %+v", resp.Months[1])
	}
}

func TestCreateNavSnapshot_ThenOverview(t *testing.T) {
	env := newTestEnv(t)
	env.ms.PutAccount(model.InvestorAccount{UserID: "alice", Principal: d(900), Shares: d(100)})

	w := env.do(t, "POST", "/api/v1/admin/nav-snapshots",
		fund.NavSnapshotRequest{TotalNAV: d(-1)}, asAdmin(env))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for negative NAV, got %d", w.Code)
	}

	w = env.do(t, "POST", "/api/v1/admin/nav-snapshots",
		fund.NavSnapshotRequest{TotalNAV: d(1000), TotalShares: decimal.NewNullDecimal(d(100))}, asAdmin(env))
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	w = env.do(t, "GET", "/api/v1/overview", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var ov report.Overview
	json.Unmarshal(w.Body.Bytes(), &ov)
	if ov.NAV == nil || !ov.NAV.Equal(d(1000)) {
		t.Errorf("expected NAV 1000, got %v", ov.NAV)
	}
	if ov.SharePrice == nil || !ov.SharePrice.Equal(d(10)) {
		t.Errorf("expected price 10, got %v", ov.SharePrice)
	}
	if ov.LifetimePnL == nil || !ov.LifetimePnL.Equal(d(100)) {
		t.Errorf("expected lifetime pnl 100, got %v", ov.LifetimePnL)
	}
	if ov.NAVDisplay != "$1,000.00" {
		t.Errorf("unexpected display %q", ov.NAVDisplay)
	}
	if len(ov.History) != 1 {
		t.Errorf("expected 1 history point, got %d", len(ov.History))
	}
}

func TestOverview_EmptyFund(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, "GET", "/api/v1/overview", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var ov report.Overview
	json.Unmarshal(w.Body.Bytes(), &ov)
	if ov.NAV != nil || ov.SharePrice != nil || ov.PriceSource != "" {
		t.Errorf("expected empty NAV and price, got %+v", ov)
	}
}

func TestOverview_BadLimit(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, "GET", "/api/v1/overview?limit=abc", nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}
