package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/onnwee/creditledger/internal/credit"
	"github.com/onnwee/creditledger/internal/reconcile"
)

func newAdminFixture(sweep SweepFunc) (*AdminHandlers, *credit.Memory) {
	svc := credit.NewMemory()
	if sweep == nil {
		sweep = func(ctx context.Context, limit int) (reconcile.Stats, error) {
			return reconcile.Stats{}, nil
		}
	}
	return NewAdminHandlers(svc, sweep, testLogger()), svc
}

func TestAdjust_GrantsCredits(t *testing.T) {
	h, svc := newAdminFixture(nil)
	accountID := seedAccount(t, svc, 0)

	rec := httptest.NewRecorder()
	h.Adjust(rec, authedRequest(http.MethodPost, "/v1/admin/adjust",
		`{"account_id": "`+accountID+`", "delta": 25, "comment": "support grant"}`, "acct_admin"))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp entryResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Delta != 25 || resp.Reason != "admin_adjust" {
		t.Fatalf("unexpected entry: %+v", resp)
	}

	actions := svc.Actions()
	if len(actions) != 1 {
		t.Fatalf("expected 1 recorded action, got %d", len(actions))
	}
	if actions[0].ActorAccountID != "acct_admin" || actions[0].Comment != "support grant" {
		t.Fatalf("unexpected action: %+v", actions[0])
	}
}

func TestAdjust_NegativeBalanceRequiresOverride(t *testing.T) {
	h, svc := newAdminFixture(nil)
	accountID := seedAccount(t, svc, 5)

	rec := httptest.NewRecorder()
	h.Adjust(rec, authedRequest(http.MethodPost, "/v1/admin/adjust",
		`{"account_id": "`+accountID+`", "delta": -20, "comment": "fraud clawback"}`, "acct_admin"))
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 without override, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	h.Adjust(rec, authedRequest(http.MethodPost, "/v1/admin/adjust",
		`{"account_id": "`+accountID+`", "delta": -20, "comment": "fraud clawback", "allow_negative": true}`, "acct_admin"))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with override, got %d: %s", rec.Code, rec.Body.String())
	}

	balance, err := svc.Balance(context.Background(), accountID)
	if err != nil {
		t.Fatalf("Balance failed: %v", err)
	}
	if balance != -15 {
		t.Fatalf("expected balance -15, got %d", balance)
	}
}

func TestAdjust_Validation(t *testing.T) {
	h, svc := newAdminFixture(nil)
	accountID := seedAccount(t, svc, 0)

	cases := []struct {
		name string
		body string
	}{
		{"missing account", `{"delta": 10, "comment": "x"}`},
		{"zero delta", `{"account_id": "` + accountID + `", "delta": 0, "comment": "x"}`},
		{"missing comment", `{"account_id": "` + accountID + `", "delta": 10}`},
		{"blank comment", `{"account_id": "` + accountID + `", "delta": 10, "comment": "   "}`},
		{"oversized comment", `{"account_id": "` + accountID + `", "delta": 10, "comment": "` + strings.Repeat("y", 1001) + `"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.Adjust(rec, authedRequest(http.MethodPost, "/v1/admin/adjust", tc.body, "acct_admin"))
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
			}
		})
	}
}

func TestActions_FiltersByAccount(t *testing.T) {
	h, svc := newAdminFixture(nil)
	first := seedAccount(t, svc, 10)
	second := svc.CreateAccount()

	_, err := svc.AdminAdjust(context.Background(), credit.AdjustRequest{
		ActorAccountID: "acct_admin", TargetAccountID: second, Delta: 5, Comment: "second grant",
	})
	if err != nil {
		t.Fatalf("AdminAdjust failed: %v", err)
	}

	rec := httptest.NewRecorder()
	h.Actions(rec, authedRequest(http.MethodGet, "/v1/admin/actions?account_id="+first, "", "acct_admin"))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		Actions []actionResponse `json:"actions"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(resp.Actions) != 1 {
		t.Fatalf("expected 1 action for first account, got %d", len(resp.Actions))
	}
	if resp.Actions[0].TargetAccountID != first {
		t.Fatalf("expected action for %s, got %s", first, resp.Actions[0].TargetAccountID)
	}
}

func TestReconcile_RunsSweep(t *testing.T) {
	var gotLimit int
	h, _ := newAdminFixture(func(ctx context.Context, limit int) (reconcile.Stats, error) {
		gotLimit = limit
		return reconcile.Stats{Scanned: 3, Repaired: 2, Skipped: 1}, nil
	})

	rec := httptest.NewRecorder()
	h.Reconcile(rec, authedRequest(http.MethodPost, "/v1/admin/reconcile", `{"limit": 10}`, "acct_admin"))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if gotLimit != 10 {
		t.Fatalf("expected sweep limit 10, got %d", gotLimit)
	}
	var stats reconcile.Stats
	if err := json.NewDecoder(rec.Body).Decode(&stats); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if stats.Scanned != 3 || stats.Repaired != 2 || stats.Skipped != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestReconcile_SweepFailure(t *testing.T) {
	h, _ := newAdminFixture(func(ctx context.Context, limit int) (reconcile.Stats, error) {
		return reconcile.Stats{}, errors.New("provider down")
	})

	rec := httptest.NewRecorder()
	h.Reconcile(rec, authedRequest(http.MethodPost, "/v1/admin/reconcile", "", "acct_admin"))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
}

func TestAccounts_Subresources(t *testing.T) {
	h, svc := newAdminFixture(nil)
	accountID := seedAccount(t, svc, 40)

	rec := httptest.NewRecorder()
	h.Accounts(rec, authedRequest(http.MethodGet, "/v1/admin/accounts/"+accountID+"/balance", "", "acct_admin"))
	if rec.Code != http.StatusOK {
		t.Fatalf("balance: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var bal balanceResponse
	if err := json.NewDecoder(rec.Body).Decode(&bal); err != nil {
		t.Fatalf("failed to decode balance: %v", err)
	}
	if bal.Balance != 40 {
		t.Fatalf("expected balance 40, got %d", bal.Balance)
	}

	rec = httptest.NewRecorder()
	h.Accounts(rec, authedRequest(http.MethodGet, "/v1/admin/accounts/"+accountID+"/ledger", "", "acct_admin"))
	if rec.Code != http.StatusOK {
		t.Fatalf("ledger: expected 200, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.Accounts(rec, authedRequest(http.MethodPost, "/v1/admin/accounts/"+accountID+"/anonymize", "", "acct_admin"))
	if rec.Code != http.StatusOK {
		t.Fatalf("anonymize: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	// Ledger history survives anonymization.
	balance, err := svc.Balance(context.Background(), accountID)
	if err != nil {
		t.Fatalf("Balance failed: %v", err)
	}
	if balance != 40 {
		t.Fatalf("expected balance to survive anonymization, got %d", balance)
	}
}

func TestAccounts_UnknownSubresource(t *testing.T) {
	h, svc := newAdminFixture(nil)
	accountID := seedAccount(t, svc, 0)

	rec := httptest.NewRecorder()
	h.Accounts(rec, authedRequest(http.MethodGet, "/v1/admin/accounts/"+accountID+"/identities", "", "acct_admin"))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestAccounts_NotFound(t *testing.T) {
	h, _ := newAdminFixture(nil)

	rec := httptest.NewRecorder()
	h.Accounts(rec, authedRequest(http.MethodGet, "/v1/admin/accounts/acct_missing/balance", "", "acct_admin"))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	var resp ErrorResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode error response: %v", err)
	}
	if resp.Error.Code != ErrCodeAccountNotFound {
		t.Fatalf("expected %s, got %s", ErrCodeAccountNotFound, resp.Error.Code)
	}
}
