package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/nemonet1337/zaiLedger/pkg/inventory"
)

// Handlers holds HTTP handlers for the ledger API
// 台帳API用のHTTPハンドラーを保持
type Handlers struct {
	manager *inventory.Manager
	storage inventory.Storage
	logger  *zap.Logger
	metrics http.Handler
}

// NewHandlers creates new HTTP handlers
// 新しいHTTPハンドラーを作成
func NewHandlers(manager *inventory.Manager, storage inventory.Storage, logger *zap.Logger) *Handlers {
	return &Handlers{
		manager: manager,
		storage: storage,
		logger:  logger,
	}
}

// APIResponse represents standard API response format
// 標準的なAPIレスポンス形式を表現
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Kind    string      `json:"kind,omitempty"`
}

// CreateSKURequest represents request to register a SKU
// SKU登録リクエストを表現
type CreateSKURequest struct {
	ID       string                  `json:"id"`
	Name     string                  `json:"name"`
	Class    inventory.MaterialClass `json:"class"`
	Unit     string                  `json:"unit"`
	MinStock decimal.Decimal         `json:"min_stock"`
}

// DeleteMovementRequest represents request to delete a movement
type DeleteMovementRequest struct {
	Reason string `json:"reason"`
}

// AdjustLayerRequest represents request to set a layer's remaining quantity
// レイヤー残数量補正リクエストを表現
type AdjustLayerRequest struct {
	NewRemaining decimal.Decimal `json:"new_remaining"`
	Reason       string          `json:"reason"`
}

// HealthCheck handles health check requests
// ヘルスチェックリクエストを処理
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	code := http.StatusOK
	if err := h.storage.Ping(r.Context()); err != nil {
		h.logger.Error("ヘルスチェックに失敗しました", zap.Error(err))
		status = "unhealthy"
		code = http.StatusServiceUnavailable
	}

	h.writeJSON(w, code, APIResponse{
		Success: code == http.StatusOK,
		Data: map[string]interface{}{
			"status":    status,
			"timestamp": time.Now(),
			"service":   "zaiLedger",
		},
	})
}

// CreateSKU handles SKU registration requests
// SKU登録リクエストを処理
func (h *Handlers) CreateSKU(w http.ResponseWriter, r *http.Request) {
	var req CreateSKURequest
	if !h.decode(w, r, &req) {
		return
	}

	sku := &inventory.SKU{
		ID:       req.ID,
		Name:     req.Name,
		Class:    req.Class,
		Unit:     req.Unit,
		MinStock: req.MinStock,
		IsActive: true,
	}
	if err := h.manager.CreateSKU(r.Context(), sku); err != nil {
		h.sendLedgerError(w, err)
		return
	}
	h.sendCreated(w, sku)
}

func (h *Handlers) GetSKU(w http.ResponseWriter, r *http.Request) {
	sku, err := h.manager.GetSKU(r.Context(), mux.Vars(r)["skuId"])
	if err != nil {
		h.sendLedgerError(w, err)
		return
	}
	h.sendSuccess(w, sku)
}

// GetLayers handles active layer listing requests
// アクティブレイヤー一覧リクエストを処理
func (h *Handlers) GetLayers(w http.ResponseWriter, r *http.Request) {
	layers, err := h.manager.GetLayers(r.Context(), mux.Vars(r)["skuId"])
	if err != nil {
		h.sendLedgerError(w, err)
		return
	}
	h.sendSuccess(w, layers)
}

func (h *Handlers) GetAvailable(w http.ResponseWriter, r *http.Request) {
	skuID := mux.Vars(r)["skuId"]
	available, err := h.manager.GetAvailableQuantity(r.Context(), skuID)
	if err != nil {
		h.sendLedgerError(w, err)
		return
	}
	h.sendSuccess(w, map[string]interface{}{
		"sku_id":    skuID,
		"available": available,
	})
}

// PlanConsumption handles consumption preview requests
// 消費プレビューリクエストを処理
func (h *Handlers) PlanConsumption(w http.ResponseWriter, r *http.Request) {
	quantity, err := decimal.NewFromString(r.URL.Query().Get("quantity"))
	if err != nil {
		h.sendError(w, http.StatusBadRequest, "無効な数量です")
		return
	}

	plan, err := h.manager.PlanConsumption(r.Context(), mux.Vars(r)["skuId"], quantity)
	if err != nil {
		h.sendLedgerError(w, err)
		return
	}
	h.sendSuccess(w, plan)
}

func (h *Handlers) GetValuation(w http.ResponseWriter, r *http.Request) {
	valuation, err := h.manager.GetValuation(r.Context(), mux.Vars(r)["skuId"])
	if err != nil {
		h.sendLedgerError(w, err)
		return
	}
	h.sendSuccess(w, valuation)
}

// VerifyConservation handles on-hand consistency check requests
// 手持ち数量整合性チェックを処理
func (h *Handlers) VerifyConservation(w http.ResponseWriter, r *http.Request) {
	skuID := mux.Vars(r)["skuId"]
	if err := h.manager.VerifyConservation(r.Context(), skuID); err != nil {
		h.sendLedgerError(w, err)
		return
	}
	h.sendSuccess(w, map[string]interface{}{
		"sku_id":     skuID,
		"consistent": true,
	})
}

// GetHistory handles movement history requests
// 移動履歴リクエストを処理
func (h *Handlers) GetHistory(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil {
			h.sendError(w, http.StatusBadRequest, "無効な件数です")
			return
		}
		limit = parsed
	}

	history, err := h.manager.GetHistory(r.Context(), mux.Vars(r)["skuId"], limit)
	if err != nil {
		h.sendLedgerError(w, err)
		return
	}
	h.sendSuccess(w, history)
}

// GetAuditTrail handles period audit requests (from/to in RFC3339 or YYYY-MM-DD)
// 期間監査リクエストを処理
func (h *Handlers) GetAuditTrail(w http.ResponseWriter, r *http.Request) {
	from, err := parseTime(r.URL.Query().Get("from"))
	if err != nil {
		h.sendError(w, http.StatusBadRequest, "無効な開始日です")
		return
	}
	to, err := parseTime(r.URL.Query().Get("to"))
	if err != nil {
		h.sendError(w, http.StatusBadRequest, "無効な終了日です")
		return
	}
	if to.IsZero() {
		to = time.Now()
	}

	trail, err := h.manager.GetAuditTrail(r.Context(), mux.Vars(r)["skuId"], from, to)
	if err != nil {
		h.sendLedgerError(w, err)
		return
	}
	h.sendSuccess(w, trail)
}

// Receive handles receive requests
// 入庫リクエストを処理
func (h *Handlers) Receive(w http.ResponseWriter, r *http.Request) {
	var req inventory.ReceiveInput
	if !h.decode(w, r, &req) {
		return
	}

	movement, err := h.manager.Receive(r.Context(), req)
	if err != nil {
		h.sendLedgerError(w, err)
		return
	}
	h.sendCreated(w, movement)
}

func (h *Handlers) Issue(w http.ResponseWriter, r *http.Request) {
	h.consume(w, r, h.manager.Issue)
}

func (h *Handlers) Waste(w http.ResponseWriter, r *http.Request) {
	h.consume(w, r, h.manager.Waste)
}

func (h *Handlers) Damage(w http.ResponseWriter, r *http.Request) {
	h.consume(w, r, h.manager.Damage)
}

func (h *Handlers) consume(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, in inventory.ConsumeInput) (*inventory.Movement, error)) {
	var req inventory.ConsumeInput
	if !h.decode(w, r, &req) {
		return
	}

	movement, err := op(r.Context(), req)
	if err != nil {
		h.sendLedgerError(w, err)
		return
	}
	h.sendCreated(w, movement)
}

// Adjust handles layer adjustment requests
// レイヤー補正リクエストを処理
func (h *Handlers) Adjust(w http.ResponseWriter, r *http.Request) {
	var req inventory.AdjustInput
	if !h.decode(w, r, &req) {
		return
	}

	movement, err := h.manager.Adjust(r.Context(), req)
	if err != nil {
		h.sendLedgerError(w, err)
		return
	}
	h.sendCreated(w, movement)
}

func (h *Handlers) AdjustLayerQuantity(w http.ResponseWriter, r *http.Request) {
	var req AdjustLayerRequest
	if !h.decode(w, r, &req) {
		return
	}

	movement, err := h.manager.AdjustLayerQuantity(r.Context(), mux.Vars(r)["layerId"], req.NewRemaining, req.Reason)
	if err != nil {
		h.sendLedgerError(w, err)
		return
	}
	h.sendSuccess(w, movement)
}

// Transfer handles SKU-to-SKU transfer requests
// SKU間移動リクエストを処理
func (h *Handlers) Transfer(w http.ResponseWriter, r *http.Request) {
	var req inventory.TransferInput
	if !h.decode(w, r, &req) {
		return
	}

	result, err := h.manager.Transfer(r.Context(), req)
	if err != nil {
		h.sendLedgerError(w, err)
		return
	}
	h.sendCreated(w, result)
}

func (h *Handlers) GetMovement(w http.ResponseWriter, r *http.Request) {
	movement, err := h.manager.GetMovement(r.Context(), mux.Vars(r)["movementId"])
	if err != nil {
		h.sendLedgerError(w, err)
		return
	}
	h.sendSuccess(w, movement)
}

func (h *Handlers) GetMovementCost(w http.ResponseWriter, r *http.Request) {
	cost, err := h.manager.GetMovementCost(r.Context(), mux.Vars(r)["movementId"])
	if err != nil {
		h.sendLedgerError(w, err)
		return
	}
	h.sendSuccess(w, cost)
}

// CanDeleteMovement handles deletion check requests; ?quick=true returns only the flag
// 削除可否チェックを処理
func (h *Handlers) CanDeleteMovement(w http.ResponseWriter, r *http.Request) {
	movementID := mux.Vars(r)["movementId"]
	if quick, _ := strconv.ParseBool(r.URL.Query().Get("quick")); quick {
		h.sendSuccess(w, map[string]interface{}{
			"movement_id": movementID,
			"can_delete":  h.manager.CanDeleteMovementQuick(r.Context(), movementID),
		})
		return
	}

	result, err := h.manager.CanDeleteMovement(r.Context(), movementID)
	if err != nil {
		h.sendLedgerError(w, err)
		return
	}
	h.sendSuccess(w, result)
}

// DeleteMovement handles movement deletion; the reason comes from the body or ?reason=
// 移動削除リクエストを処理
func (h *Handlers) DeleteMovement(w http.ResponseWriter, r *http.Request) {
	req := DeleteMovementRequest{Reason: r.URL.Query().Get("reason")}
	if req.Reason == "" {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			h.sendError(w, http.StatusBadRequest, "無効なリクエスト形式です")
			return
		}
	}

	result, err := h.manager.DeleteMovement(r.Context(), mux.Vars(r)["movementId"], req.Reason)
	if err != nil {
		h.sendLedgerError(w, err)
		return
	}
	h.sendSuccess(w, result)
}

func (h *Handlers) GetLayerAudit(w http.ResponseWriter, r *http.Request) {
	audit, err := h.manager.GetLayerAudit(r.Context(), mux.Vars(r)["layerId"])
	if err != nil {
		h.sendLedgerError(w, err)
		return
	}
	h.sendSuccess(w, audit)
}

// CreateWorkOrder handles production requests
// 作業指示（製造）リクエストを処理
func (h *Handlers) CreateWorkOrder(w http.ResponseWriter, r *http.Request) {
	var req inventory.WorkOrderInput
	if !h.decode(w, r, &req) {
		return
	}

	result, err := h.manager.CreateWorkOrder(r.Context(), req)
	if err != nil {
		h.sendLedgerError(w, err)
		return
	}
	if result.Existing {
		h.sendSuccess(w, result)
		return
	}
	h.sendCreated(w, result)
}

func (h *Handlers) GetWorkOrder(w http.ResponseWriter, r *http.Request) {
	result, err := h.manager.GetWorkOrder(r.Context(), mux.Vars(r)["workOrderId"])
	if err != nil {
		h.sendLedgerError(w, err)
		return
	}
	h.sendSuccess(w, result)
}

// ヘルパーメソッド

func (h *Handlers) decode(w http.ResponseWriter, r *http.Request, dest interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dest); err != nil {
		h.sendError(w, http.StatusBadRequest, "無効なリクエスト形式です")
		return false
	}
	return true
}

func parseTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", v)
}

// statusFor maps an error kind onto an HTTP status code
// エラー種別をHTTPステータスに変換
func statusFor(err error) int {
	switch inventory.KindOf(err) {
	case inventory.KindInvalidInput, inventory.KindInvalidAdjustment:
		return http.StatusBadRequest
	case inventory.KindNotFound:
		return http.StatusNotFound
	case inventory.KindInsufficientInventory:
		return http.StatusUnprocessableEntity
	case inventory.KindConcurrentConsumptionConflict, inventory.KindConflict, inventory.KindDeletionBlocked:
		return http.StatusConflict
	case inventory.KindStorage:
		if inventory.IsTransient(err) {
			return http.StatusServiceUnavailable
		}
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// sendLedgerError sends a ledger error with its kind; blocked deletions carry their details
// 台帳エラーを種別付きで送信
func (h *Handlers) sendLedgerError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		h.logger.Error("リクエスト処理に失敗しました", zap.Error(err))
	}

	response := APIResponse{
		Success: false,
		Error:   err.Error(),
		Kind:    string(inventory.KindOf(err)),
	}
	var blocked *inventory.DeletionBlockedError
	if errors.As(err, &blocked) {
		response.Data = blocked.Result
	}
	h.writeJSON(w, code, response)
}

// sendSuccess sends a successful API response
// 成功APIレスポンスを送信
func (h *Handlers) sendSuccess(w http.ResponseWriter, data interface{}) {
	h.writeJSON(w, http.StatusOK, APIResponse{Success: true, Data: data})
}

func (h *Handlers) sendCreated(w http.ResponseWriter, data interface{}) {
	h.writeJSON(w, http.StatusCreated, APIResponse{Success: true, Data: data})
}

// sendError sends an error API response
// エラーAPIレスポンスを送信
func (h *Handlers) sendError(w http.ResponseWriter, statusCode int, message string) {
	h.writeJSON(w, statusCode, APIResponse{
		Success: false,
		Error:   message,
		Kind:    string(inventory.KindInvalidInput),
	})
}

func (h *Handlers) writeJSON(w http.ResponseWriter, statusCode int, response APIResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(response); err != nil {
		h.logger.Error("レスポンス送信に失敗しました", zap.Error(err))
	}
}
