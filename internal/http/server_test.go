package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"bilancio/internal/core"
	applog "bilancio/internal/log"
	"bilancio/internal/services"
	"bilancio/internal/storage"
)

func newTestServer(t *testing.T) (*httptest.Server, *storage.SQLiteRepository) {
	t.Helper()
	repo, err := storage.NewSQLiteRepository(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("create test repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	poster := services.NewObligationPoster(repo, nil)
	recon := services.NewMonthlyReconciler(repo, nil)
	applier := services.NewDecisionApplier(repo, nil)
	pending := services.NewPendingActionService(repo)

	srv := NewServer(":0", repo, poster, recon, applier, pending, applog.New(applog.DefaultConfig()))
	ts := httptest.NewServer(srv.Handler)
	t.Cleanup(func() {
		ts.Close()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	})
	return ts, repo
}

func doRequest(t *testing.T, method, url, userID string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestHealthEndpoints(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := doRequest(t, http.MethodGet, ts.URL+"/healthz", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("healthz status = %d, want 200", resp.StatusCode)
	}

	resp = doRequest(t, http.MethodGet, ts.URL+"/readyz", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("readyz status = %d, want 200", resp.StatusCode)
	}
}

func TestListDecisions_RequiresIdentity(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := doRequest(t, http.MethodGet, ts.URL+"/decisions", "", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 without X-User-ID", resp.StatusCode)
	}
}

func TestPendingActionFlow(t *testing.T) {
	ts, repo := newTestServer(t)
	ctx := context.Background()

	if err := repo.CreateUser(ctx, core.User{ID: "alice", DisplayName: "alice"}); err != nil {
		t.Fatal(err)
	}
	if _, err := repo.CreateSubscription(ctx, core.Subscription{
		UserID:       "alice",
		Name:         "Electricity",
		PaymentType:  core.PaymentVariableRecurring,
		NextDueDate:  core.DateOf(time.Now()),
		BillingCycle: core.CycleMonthly,
	}); err != nil {
		t.Fatal(err)
	}

	// Scheduler trigger materializes the pending action.
	resp := doRequest(t, http.MethodPost, ts.URL+"/internal/run/obligations", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("run obligations status = %d, want 200", resp.StatusCode)
	}

	resp = doRequest(t, http.MethodGet, ts.URL+"/pending-actions", "alice", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list pending actions status = %d, want 200", resp.StatusCode)
	}
	var actions []pendingActionView
	if err := json.NewDecoder(resp.Body).Decode(&actions); err != nil {
		t.Fatalf("decode pending actions: %v", err)
	}
	if len(actions) != 1 {
		t.Fatalf("got %d pending actions, want 1", len(actions))
	}

	completeURL := ts.URL + "/pending-actions/" + jsonNumber(actions[0].ID) + "/complete"

	resp = doRequest(t, http.MethodPost, completeURL, "alice", map[string]string{"amount": "84.37"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("complete status = %d, want 200", resp.StatusCode)
	}

	// Repeat completion conflicts.
	resp = doRequest(t, http.MethodPost, completeURL, "alice", map[string]string{"amount": "84.37"})
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("repeat complete status = %d, want 409", resp.StatusCode)
	}

	// Bad amount is unprocessable.
	resp = doRequest(t, http.MethodPost, completeURL, "alice", map[string]string{"amount": "-5"})
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("bad amount status = %d, want 422", resp.StatusCode)
	}
}

func TestApplyDecisionEndpoint(t *testing.T) {
	ts, repo := newTestServer(t)
	ctx := context.Background()

	if err := repo.CreateUser(ctx, core.User{ID: "alice", DisplayName: "alice"}); err != nil {
		t.Fatal(err)
	}
	decisionID, created, err := repo.CreateReconciliationDecision(ctx, core.ReconciliationDecision{
		UserID:        "alice",
		MonthStart:    core.NewDate(2025, 3, 1),
		SurplusAmount: decimal.RequireFromString("500.00"),
	})
	if err != nil || !created {
		t.Fatalf("seed decision: created=%v err=%v", created, err)
	}

	applyURL := ts.URL + "/decisions/" + jsonNumber(decisionID) + "/apply"

	resp := doRequest(t, http.MethodPost, applyURL, "alice", map[string]any{"decision": "spend"})
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("invalid decision status = %d, want 422", resp.StatusCode)
	}

	resp = doRequest(t, http.MethodPost, applyURL, "bob", map[string]any{"decision": "rollover"})
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("foreign user status = %d, want 404", resp.StatusCode)
	}

	resp = doRequest(t, http.MethodPost, applyURL, "alice", map[string]any{"decision": "rollover"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("apply status = %d, want 200", resp.StatusCode)
	}

	resp = doRequest(t, http.MethodPost, applyURL, "alice", map[string]any{"decision": "rollover"})
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("repeat apply status = %d, want 409", resp.StatusCode)
	}
}

func jsonNumber(id int64) string {
	return strconv.FormatInt(id, 10)
}
