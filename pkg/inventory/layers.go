package inventory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// LayerSpec describes a layer to be created
// 作成するレイヤーの定義
type LayerSpec struct {
	SKUID            string
	Quantity         decimal.Decimal
	UnitCost         decimal.Decimal
	ReceivedAt       time.Time
	OriginMovementID *string
	VendorRef        *string
	LotNumber        *string
}

// LayerStore owns FIFO layer creation, ordering and audited correction.
// Every method works against the Repository it is given, so the same
// code runs inside and outside a transaction.
// FIFOレイヤーの作成・順序付け・監査付き補正を担当
type LayerStore struct {
	logger *zap.Logger
	now    func() time.Time
}

// NewLayerStore creates a layer store
// 新しいレイヤーストアを作成
func NewLayerStore(logger *zap.Logger, now func() time.Time) *LayerStore {
	if now == nil {
		now = time.Now
	}
	return &LayerStore{logger: logger, now: now}
}

// CreateLayer inserts a new ACTIVE layer and increments the SKU's on-hand
// 新しいACTIVEレイヤーを作成し、SKUの手持ち数量を増やす
func (s *LayerStore) CreateLayer(ctx context.Context, repo Repository, spec LayerSpec) (*Layer, error) {
	if !spec.Quantity.IsPositive() {
		return nil, NewValidationError("quantity", "数量は正の値である必要があります", spec.Quantity.String())
	}
	if spec.UnitCost.IsNegative() {
		return nil, NewValidationError("unit_cost", "単価は0以上である必要があります", spec.UnitCost.String())
	}
	if spec.SKUID == "" {
		return nil, NewValidationError("sku_id", "SKU IDは必須です", "")
	}

	now := s.now()
	receivedAt := spec.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = now
	}

	layer := &Layer{
		ID:               NewID(),
		SKUID:            spec.SKUID,
		ReceivedAt:       receivedAt,
		OriginalQty:      spec.Quantity,
		RemainingQty:     spec.Quantity,
		UnitCost:         spec.UnitCost,
		Status:           LayerStatusActive,
		OriginMovementID: spec.OriginMovementID,
		VendorRef:        spec.VendorRef,
		LotNumber:        spec.LotNumber,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	if err := repo.CreateLayer(ctx, layer); err != nil {
		return nil, fmt.Errorf("レイヤー作成に失敗しました: %w", err)
	}
	if err := repo.AddSKUOnHand(ctx, spec.SKUID, spec.Quantity); err != nil {
		return nil, fmt.Errorf("手持ち数量の更新に失敗しました: %w", err)
	}

	return layer, nil
}

// ActiveLayers returns layers with remaining > 0 in FIFO order
// 残数量のあるレイヤーをFIFO順で返す
func (s *LayerStore) ActiveLayers(ctx context.Context, repo Repository, skuID string) ([]Layer, error) {
	layers, err := repo.ListActiveLayers(ctx, skuID)
	if err != nil {
		return nil, err
	}
	SortLayersFIFO(layers)
	return layers, nil
}

// AvailableQuantity sums remaining quantity across active layers
// アクティブレイヤーの残数量合計を返す
func (s *LayerStore) AvailableQuantity(ctx context.Context, repo Repository, skuID string) (decimal.Decimal, error) {
	layers, err := repo.ListActiveLayers(ctx, skuID)
	if err != nil {
		return decimal.Zero, err
	}
	return SumRemaining(layers), nil
}

// SumRemaining sums remaining quantity of the given layers
func SumRemaining(layers []Layer) decimal.Decimal {
	total := decimal.Zero
	for _, l := range layers {
		total = total.Add(l.RemainingQty)
	}
	return total
}

// AdjustLayerQuantity sets a layer's remaining quantity outside the consumption
// flow, keeps the SKU on-hand in step, and writes an audit entry.
// 消費フロー外でレイヤー残数量を補正し、手持ち数量を同期して監査記録を残す
func (s *LayerStore) AdjustLayerQuantity(ctx context.Context, repo Repository, layerID string, newRemaining decimal.Decimal, reason string, movementID *string, actor string) (*LayerAdjustment, error) {
	if reason == "" {
		return nil, NewValidationError("reason", "調整理由は必須です", "")
	}

	layer, err := repo.GetLayerForUpdate(ctx, layerID)
	if err != nil {
		return nil, err
	}

	if newRemaining.IsNegative() {
		return nil, &InvalidAdjustmentError{
			LayerID:      layerID,
			NewRemaining: newRemaining,
			Original:     layer.OriginalQty,
			Message:      "残数量は負にできません",
		}
	}
	if newRemaining.GreaterThan(layer.OriginalQty) {
		return nil, &InvalidAdjustmentError{
			LayerID:      layerID,
			NewRemaining: newRemaining,
			Original:     layer.OriginalQty,
			Message:      "残数量は受入数量を超えられません",
		}
	}

	delta := newRemaining.Sub(layer.RemainingQty)
	if delta.IsNegative() {
		sku, err := repo.GetSKUForUpdate(ctx, layer.SKUID)
		if err != nil {
			return nil, err
		}
		if sku.OnHand.LessThan(delta.Neg()) {
			return nil, &InsufficientOnHandError{SKUID: sku.ID, OnHand: sku.OnHand, Required: delta.Neg()}
		}
	}

	if _, err := repo.SetLayerRemaining(ctx, layerID, newRemaining); err != nil {
		return nil, fmt.Errorf("レイヤー残数量の更新に失敗しました: %w", err)
	}
	if !delta.IsZero() {
		if err := repo.AddSKUOnHand(ctx, layer.SKUID, delta); err != nil {
			return nil, fmt.Errorf("手持ち数量の更新に失敗しました: %w", err)
		}
	}

	adj := &LayerAdjustment{
		ID:           NewID(),
		LayerID:      layerID,
		MovementID:   movementID,
		OldRemaining: layer.RemainingQty,
		NewRemaining: newRemaining,
		Reason:       reason,
		CreatedAt:    s.now(),
		CreatedBy:    actor,
	}
	if err := repo.CreateLayerAdjustment(ctx, adj); err != nil {
		return nil, fmt.Errorf("調整監査記録の作成に失敗しました: %w", err)
	}

	s.logger.Info("レイヤー残数量を補正しました",
		zap.String("layer_id", layerID),
		zap.String("sku_id", layer.SKUID),
		zap.String("old_remaining", layer.RemainingQty.String()),
		zap.String("new_remaining", newRemaining.String()),
		zap.String("reason", reason),
	)

	return adj, nil
}

// RemoveUnconsumedLayer deletes a layer that was never drawn from and takes
// its quantity back out of the SKU on-hand
// 未消費のレイヤーを削除し、手持ち数量から差し引く
func (s *LayerStore) RemoveUnconsumedLayer(ctx context.Context, repo Repository, layerID string) (*Layer, error) {
	layer, err := repo.GetLayerForUpdate(ctx, layerID)
	if err != nil {
		return nil, err
	}
	if !layer.RemainingQty.Equal(layer.OriginalQty) {
		return nil, ErrLayerConsumed
	}

	sku, err := repo.GetSKUForUpdate(ctx, layer.SKUID)
	if err != nil {
		return nil, err
	}
	if sku.OnHand.LessThan(layer.RemainingQty) {
		return nil, &InsufficientOnHandError{SKUID: sku.ID, OnHand: sku.OnHand, Required: layer.RemainingQty}
	}

	if err := repo.DeleteLayer(ctx, layerID); err != nil {
		if errors.Is(err, ErrLayerConsumed) {
			return nil, err
		}
		return nil, fmt.Errorf("レイヤー削除に失敗しました: %w", err)
	}
	if err := repo.AddSKUOnHand(ctx, layer.SKUID, layer.RemainingQty.Neg()); err != nil {
		return nil, fmt.Errorf("手持ち数量の更新に失敗しました: %w", err)
	}
	return layer, nil
}
