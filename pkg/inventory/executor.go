package inventory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Executor applies consumption plans. Execute must run inside a transaction:
// the layer decrements, receipts and on-hand update commit together or not at all.
// 引当計画をトランザクション内で適用する
type Executor struct {
	logger *zap.Logger
	now    func() time.Time
}

// NewExecutor creates a consumption executor
// 新しい消費実行器を作成
func NewExecutor(logger *zap.Logger, now func() time.Time) *Executor {
	if now == nil {
		now = time.Now
	}
	return &Executor{logger: logger, now: now}
}

// Execute decrements each planned layer, records one receipt per line, then
// re-reads the SKU on-hand and decrements it by the plan total
// 計画の各レイヤーを減算し、行ごとに消費記録を作成し、手持ち数量を減算
func (e *Executor) Execute(ctx context.Context, repo Repository, plan *ConsumptionPlan, movementID string) ([]ConsumptionReceipt, error) {
	if plan == nil || plan.IsEmpty() {
		return nil, nil
	}
	if !plan.CanFulfill {
		return nil, &InsufficientInventoryError{SKUID: plan.SKUID, Requested: plan.Requested, Available: plan.Available}
	}

	now := e.now()
	receipts := make([]ConsumptionReceipt, 0, len(plan.Lines))
	total := decimal.Zero

	// 1. レイヤー減算
	for _, line := range plan.Lines {
		if _, err := repo.DecrementLayer(ctx, line.LayerID, line.Quantity); err != nil {
			if errors.Is(err, ErrLayerConflict) || errors.Is(err, ErrLayerNotFound) {
				return nil, &ConcurrentConsumptionConflictError{
					SKUID:   plan.SKUID,
					LayerID: line.LayerID,
					Message: fmt.Sprintf("残数量が %s 未満です", line.Quantity),
				}
			}
			return nil, fmt.Errorf("レイヤー減算に失敗しました: %w", err)
		}
		total = total.Add(line.Quantity)
	}

	// 2. 消費記録
	for _, line := range plan.Lines {
		r := ConsumptionReceipt{
			ID:         NewID(),
			LayerID:    line.LayerID,
			MovementID: movementID,
			SKUID:      plan.SKUID,
			Quantity:   line.Quantity,
			UnitCost:   line.UnitCost,
			TotalCost:  line.Quantity.Mul(line.UnitCost),
			CreatedAt:  now,
		}
		if err := repo.CreateReceipt(ctx, &r); err != nil {
			return nil, fmt.Errorf("消費記録の作成に失敗しました: %w", err)
		}
		receipts = append(receipts, r)
	}

	// 3. 手持ち数量の再確認
	sku, err := repo.GetSKUForUpdate(ctx, plan.SKUID)
	if err != nil {
		return nil, err
	}
	if sku.OnHand.LessThan(total) {
		e.logger.Error("手持ち数量とレイヤーが一致しません",
			zap.String("sku_id", plan.SKUID),
			zap.String("on_hand", sku.OnHand.String()),
			zap.String("required", total.String()),
			zap.String("movement_id", movementID),
		)
		return nil, &InsufficientOnHandError{SKUID: plan.SKUID, OnHand: sku.OnHand, Required: total}
	}

	// 4. 手持ち数量の減算
	if err := repo.AddSKUOnHand(ctx, plan.SKUID, total.Neg()); err != nil {
		return nil, fmt.Errorf("手持ち数量の更新に失敗しました: %w", err)
	}

	return receipts, nil
}

// Reverse restores every layer a movement drew from, deletes its receipts and
// restores the SKU on-hand
// 移動が消費したレイヤーを復元し、消費記録を削除して手持ち数量を戻す
func (e *Executor) Reverse(ctx context.Context, repo Repository, movementID string) ([]ConsumptionReceipt, error) {
	receipts, err := repo.ListReceiptsByMovement(ctx, movementID)
	if err != nil {
		return nil, err
	}

	restored := make(map[string]bool)
	for _, r := range receipts {
		layer, err := repo.GetLayerForUpdate(ctx, r.LayerID)
		if err != nil {
			return nil, err
		}
		newRemaining := layer.RemainingQty.Add(r.Quantity)
		if newRemaining.GreaterThan(layer.OriginalQty) {
			return nil, &InvalidAdjustmentError{
				LayerID:      layer.ID,
				NewRemaining: newRemaining,
				Original:     layer.OriginalQty,
				Message:      "復元後の残数量が受入数量を超えます",
			}
		}
		if _, err := repo.SetLayerRemaining(ctx, layer.ID, newRemaining); err != nil {
			return nil, fmt.Errorf("レイヤー復元に失敗しました: %w", err)
		}
		restored[r.SKUID] = true
	}

	if err := repo.DeleteReceiptsByMovement(ctx, movementID); err != nil {
		return nil, fmt.Errorf("消費記録の削除に失敗しました: %w", err)
	}

	for skuID := range restored {
		qty := receiptsQuantity(receipts, skuID)
		if err := repo.AddSKUOnHand(ctx, skuID, qty); err != nil {
			return nil, fmt.Errorf("手持ち数量の更新に失敗しました: %w", err)
		}
	}

	return receipts, nil
}

func receiptsQuantity(receipts []ConsumptionReceipt, skuID string) decimal.Decimal {
	total := decimal.Zero
	for _, r := range receipts {
		if r.SKUID == skuID {
			total = total.Add(r.Quantity)
		}
	}
	return total
}

func receiptsCost(receipts []ConsumptionReceipt) decimal.Decimal {
	total := decimal.Zero
	for _, r := range receipts {
		total = total.Add(r.TotalCost)
	}
	return total
}
