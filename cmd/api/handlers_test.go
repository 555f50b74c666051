package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nemonet1337/zaiLedger/pkg/inventory"
	"github.com/nemonet1337/zaiLedger/pkg/inventory/storage"
)

type testResponse struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
	Kind    string          `json:"kind"`
}

func newTestRouter(t *testing.T) *mux.Router {
	t.Helper()
	logger := zap.NewNop()
	store := storage.NewMemoryStorage(logger)
	manager := inventory.NewManager(store, nil, logger, &inventory.Config{
		Retry:            inventory.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond},
		ReferenceLockTTL: time.Second,
	})
	return setupRouter(NewHandlers(manager, store, logger), true, false)
}

func doRequest(t *testing.T, router http.Handler, method, path string, body interface{}) (int, testResponse) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-ID", "tester")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	var resp testResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return rec.Code, resp
}

func seedFlour(t *testing.T, router http.Handler) string {
	t.Helper()
	code, _ := doRequest(t, router, http.MethodPost, "/api/v1/skus", CreateSKURequest{
		ID:    "FLOUR",
		Name:  "小麦粉",
		Class: inventory.MaterialClassRaw,
		Unit:  "kg",
	})
	require.Equal(t, http.StatusCreated, code)

	code, resp := doRequest(t, router, http.MethodPost, "/api/v1/movements/receive", inventory.ReceiveInput{
		SKUID:     "FLOUR",
		Quantity:  decimal.NewFromInt(10),
		UnitCost:  decimal.NewFromInt(100),
		Reference: "PO-1",
	})
	require.Equal(t, http.StatusCreated, code)

	var mv inventory.Movement
	require.NoError(t, json.Unmarshal(resp.Data, &mv))
	return mv.ID
}

// TestHealthCheck はヘルスチェックのテスト
func TestHealthCheck(t *testing.T) {
	router := newTestRouter(t)

	code, resp := doRequest(t, router, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, resp.Success)
	assert.Contains(t, string(resp.Data), "healthy")
}

// TestReceiveAndIssue は入庫と出庫のAPIテスト
func TestReceiveAndIssue(t *testing.T) {
	router := newTestRouter(t)
	receiveID := seedFlour(t, router)

	code, resp := doRequest(t, router, http.MethodPost, "/api/v1/movements/issue", inventory.ConsumeInput{
		SKUID:    "FLOUR",
		Quantity: decimal.NewFromInt(4),
	})
	require.Equal(t, http.StatusCreated, code)
	var issued inventory.Movement
	require.NoError(t, json.Unmarshal(resp.Data, &issued))
	assert.Equal(t, inventory.MovementTypeIssue, issued.Type)
	assert.True(t, issued.TotalValue.Equal(decimal.NewFromInt(-400)))
	assert.Equal(t, "tester", issued.CreatedBy)

	code, resp = doRequest(t, router, http.MethodGet, "/api/v1/skus/FLOUR", nil)
	require.Equal(t, http.StatusOK, code)
	var sku inventory.SKU
	require.NoError(t, json.Unmarshal(resp.Data, &sku))
	assert.True(t, sku.OnHand.Equal(decimal.NewFromInt(6)))

	code, resp = doRequest(t, router, http.MethodGet, "/api/v1/movements/"+receiveID+"/deletability?quick=true", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(resp.Data), `"can_delete":false`)
}

// TestErrorStatus はエラー種別とHTTPステータスの対応テスト
func TestErrorStatus(t *testing.T) {
	router := newTestRouter(t)
	seedFlour(t, router)

	code, resp := doRequest(t, router, http.MethodGet, "/api/v1/skus/UNKNOWN", nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, string(inventory.KindNotFound), resp.Kind)

	code, _ = doRequest(t, router, http.MethodGet, "/api/v1/movements/missing", nil)
	assert.Equal(t, http.StatusNotFound, code)

	code, resp = doRequest(t, router, http.MethodPost, "/api/v1/movements/issue", inventory.ConsumeInput{
		SKUID:    "FLOUR",
		Quantity: decimal.NewFromInt(100),
	})
	assert.Equal(t, http.StatusUnprocessableEntity, code)
	assert.Equal(t, string(inventory.KindInsufficientInventory), resp.Kind)

	code, resp = doRequest(t, router, http.MethodPost, "/api/v1/movements/issue", inventory.ConsumeInput{
		SKUID:    "FLOUR",
		Quantity: decimal.Zero,
	})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, string(inventory.KindInvalidInput), resp.Kind)

	code, _ = doRequest(t, router, http.MethodGet, "/api/v1/skus/FLOUR/plan?quantity=abc", nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

// TestDeleteMovement は削除APIのテスト
func TestDeleteMovement(t *testing.T) {
	router := newTestRouter(t)
	receiveID := seedFlour(t, router)

	code, resp := doRequest(t, router, http.MethodPost, "/api/v1/movements/issue", inventory.ConsumeInput{
		SKUID:     "FLOUR",
		Quantity:  decimal.NewFromInt(3),
		Reference: "SO-1",
	})
	require.Equal(t, http.StatusCreated, code)
	var issued inventory.Movement
	require.NoError(t, json.Unmarshal(resp.Data, &issued))

	// 消費済みの入庫は削除できない
	code, resp = doRequest(t, router, http.MethodDelete, "/api/v1/movements/"+receiveID, DeleteMovementRequest{Reason: "誤入力"})
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, string(inventory.KindDeletionBlocked), resp.Kind)
	var blocked inventory.DeleteValidationResult
	require.NoError(t, json.Unmarshal(resp.Data, &blocked))
	assert.False(t, blocked.CanDelete)
	require.Len(t, blocked.BlockingReferences, 1)
	assert.Equal(t, "SO-1", blocked.BlockingReferences[0].Reference)

	// 理由なしは不正な入力
	code, _ = doRequest(t, router, http.MethodDelete, "/api/v1/movements/"+issued.ID, nil)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = doRequest(t, router, http.MethodDelete, "/api/v1/movements/"+issued.ID+"?reason=typo", nil)
	require.Equal(t, http.StatusOK, code)

	code, resp = doRequest(t, router, http.MethodDelete, "/api/v1/movements/"+receiveID, DeleteMovementRequest{Reason: "誤入力"})
	require.Equal(t, http.StatusOK, code)
	var result inventory.DeleteResult
	require.NoError(t, json.Unmarshal(resp.Data, &result))
	assert.Equal(t, receiveID, result.MovementID)

	code, resp = doRequest(t, router, http.MethodGet, "/api/v1/skus/FLOUR/available", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(resp.Data), `"available":"0"`)
}
