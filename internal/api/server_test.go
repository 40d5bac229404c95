package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"ChainDCA/internal/credential"
	"ChainDCA/internal/order"
	"ChainDCA/internal/schedule"
)

const testMasterKey = "4d1f2a3b4c5d6e7f8091a2b3c4d5e6f708192a3b4c5d6e7f8091a2b3c4d5e6f7"

func newTestServer(t *testing.T) (*Server, *order.MemoryStore) {
	t.Helper()

	sealer, err := credential.NewSealer(testMasterKey)
	if err != nil {
		t.Fatalf("new sealer: %v", err)
	}
	orderStore := order.NewMemoryStore()
	orders := order.NewService(orderStore)
	credentials := credential.NewService(credential.NewMemoryStore(), sealer)
	reconciler := schedule.NewReconciler(orderStore, schedule.NewMemoryQueue(16), 50)
	return NewServer(":0", orders, credentials, reconciler), orderStore
}

func issueCredential(t *testing.T, handler http.Handler) *credential.Credential {
	t.Helper()

	body := `{"user_address":"0x00000000000000000000000000000000000000aa","scope":{"allowed_targets":["0x00000000000000000000000000000000000000bb"],"spend_ceiling":"1000"}}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/credentials", strings.NewReader(body))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("issue credential: status %d body %s", rec.Code, rec.Body.String())
	}
	var cred credential.Credential
	if err := json.Unmarshal(rec.Body.Bytes(), &cred); err != nil {
		t.Fatalf("decode credential: %v", err)
	}
	return &cred
}

func createOrder(t *testing.T, handler http.Handler, credentialRef string) *order.Order {
	t.Helper()

	params := order.CreateParams{
		UserAddress:   "0x00000000000000000000000000000000000000aa",
		InputToken:    "0x00000000000000000000000000000000000000cc",
		OutputToken:   "0x00000000000000000000000000000000000000dd",
		TotalAmount:   "300",
		Occurrences:   3,
		Cadence:       order.CadenceDaily,
		CredentialRef: credentialRef,
	}
	payload, err := json.Marshal(params)
	if err != nil {
		t.Fatalf("marshal params: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/api/v1/orders", bytes.NewReader(payload))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create order: status %d body %s", rec.Code, rec.Body.String())
	}
	var o order.Order
	if err := json.Unmarshal(rec.Body.Bytes(), &o); err != nil {
		t.Fatalf("decode order: %v", err)
	}
	return &o
}

func TestOrderLifecycleOverHTTP(t *testing.T) {
	server, _ := newTestServer(t)
	handler := server.Handler()

	cred := issueCredential(t, handler)
	created := createOrder(t, handler, cred.ID)
	if created.Status != order.StatusActive {
		t.Fatalf("unexpected status: %s", created.Status)
	}
	if created.PerOccurrenceAmount != "100" {
		t.Fatalf("unexpected per occurrence amount: %s", created.PerOccurrenceAmount)
	}

	// 查询详情。
	req := httptest.NewRequest(http.MethodGet, "/api/v1/orders/"+created.ID, nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("get order: status %d", rec.Code)
	}

	// 暂停后恢复。
	for _, action := range []string{"pause", "resume"} {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/orders/"+created.ID+"/"+action, nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: status %d body %s", action, rec.Code, rec.Body.String())
		}
	}

	// 取消。
	req = httptest.NewRequest(http.MethodPost, "/api/v1/orders/"+created.ID+"/cancel", nil)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("cancel: status %d", rec.Code)
	}
	var cancelled order.Order
	if err := json.Unmarshal(rec.Body.Bytes(), &cancelled); err != nil {
		t.Fatalf("decode cancelled order: %v", err)
	}
	if cancelled.Status != order.StatusCancelled {
		t.Fatalf("unexpected status after cancel: %s", cancelled.Status)
	}

	// 终态订单拒绝再次暂停。
	req = httptest.NewRequest(http.MethodPost, "/api/v1/orders/"+created.ID+"/pause", nil)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusConflict {
		t.Fatalf("pause after cancel: status %d want %d", rec.Code, http.StatusConflict)
	}
}

func TestListOrdersFiltersByStatus(t *testing.T) {
	server, _ := newTestServer(t)
	handler := server.Handler()

	cred := issueCredential(t, handler)
	first := createOrder(t, handler, cred.ID)
	second := createOrder(t, handler, cred.ID)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/orders/"+second.ID+"/pause", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("pause: status %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/orders?status=active", nil)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("list: status %d", rec.Code)
	}
	var results []*order.Order
	if err := json.Unmarshal(rec.Body.Bytes(), &results); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(results) != 1 || results[0].ID != first.ID {
		t.Fatalf("unexpected list result: %+v", results)
	}
}

func TestOrderDetailErrors(t *testing.T) {
	server, _ := newTestServer(t)
	handler := server.Handler()

	t.Run("not found", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/orders/missing", nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusNotFound {
			t.Fatalf("status %d want %d", rec.Code, http.StatusNotFound)
		}
		var body struct {
			Code string `json:"code"`
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatalf("decode error body: %v", err)
		}
		if body.Code != string(order.CodeOrderNotFound) {
			t.Fatalf("unexpected error code: %s", body.Code)
		}
	})

	t.Run("unknown action", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/orders/some-id/boost", nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("status %d want %d", rec.Code, http.StatusBadRequest)
		}
	})

	t.Run("invalid create", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/orders", strings.NewReader(`{"user_address":""}`))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("status %d want %d", rec.Code, http.StatusBadRequest)
		}
	})
}

func TestCredentialRevokeOverHTTP(t *testing.T) {
	server, _ := newTestServer(t)
	handler := server.Handler()

	cred := issueCredential(t, handler)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/credentials/"+cred.ID+"/revoke", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("revoke: status %d body %s", rec.Code, rec.Body.String())
	}
	var revoked credential.Credential
	if err := json.Unmarshal(rec.Body.Bytes(), &revoked); err != nil {
		t.Fatalf("decode revoked credential: %v", err)
	}
	if !revoked.Revoked {
		t.Fatalf("credential should be revoked")
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/credentials?user="+cred.UserAddress, nil)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("list credentials: status %d", rec.Code)
	}
	var creds []*credential.Credential
	if err := json.Unmarshal(rec.Body.Bytes(), &creds); err != nil {
		t.Fatalf("decode credential list: %v", err)
	}
	if len(creds) != 1 || !creds[0].Revoked {
		t.Fatalf("unexpected credential list: %+v", creds)
	}
}

func TestManualSweep(t *testing.T) {
	server, store := newTestServer(t)
	handler := server.Handler()

	cred := issueCredential(t, handler)
	created := createOrder(t, handler, cred.ID)
	if _, err := store.Reschedule(context.Background(), created.ID, 1); err != nil {
		t.Fatalf("reschedule: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/sweep", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("sweep: status %d body %s", rec.Code, rec.Body.String())
	}
	var summary schedule.SweepSummary
	if err := json.Unmarshal(rec.Body.Bytes(), &summary); err != nil {
		t.Fatalf("decode summary: %v", err)
	}
	if summary.Due != 1 || summary.Published != 1 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
}

func TestHealthAndMetricsEndpoints(t *testing.T) {
	server, _ := newTestServer(t)
	handler := server.Handler()

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz: status %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics: status %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "chaindca_") {
		t.Fatalf("metrics output missing prefix: %s", rec.Body.String())
	}
}
