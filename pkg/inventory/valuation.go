package inventory

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// LayerValue is the remaining value of one layer
// レイヤー1件の残存価値
type LayerValue struct {
	LayerID      string          `json:"layer_id"`
	ReceivedAt   time.Time       `json:"received_at"`
	RemainingQty decimal.Decimal `json:"remaining_qty"`
	UnitCost     decimal.Decimal `json:"unit_cost"`
	Value        decimal.Decimal `json:"value"`
}

// Valuation is the FIFO valuation of one SKU
// SKUのFIFO評価
type Valuation struct {
	SKUID           string          `json:"sku_id"`
	OnHand          decimal.Decimal `json:"on_hand"`
	LayerQuantity   decimal.Decimal `json:"layer_quantity"`
	RemainingValue  decimal.Decimal `json:"remaining_value"`
	AverageUnitCost decimal.Decimal `json:"average_unit_cost"`
	Layers          []LayerValue    `json:"layers"`
	Consistent      bool            `json:"consistent"` // 手持ち数量 == レイヤー残数量合計
	CalculatedAt    time.Time       `json:"calculated_at"`
}

// MovementCost is the consumed value recorded for a movement
// 移動の消費金額
type MovementCost struct {
	MovementID    string               `json:"movement_id"`
	Type          MovementType         `json:"type"`
	Quantity      decimal.Decimal      `json:"quantity"`
	ConsumedValue decimal.Decimal      `json:"consumed_value"`
	Receipts      []ConsumptionReceipt `json:"receipts"`
}

// ValuationEngine values inventory from its FIFO layers
// FIFOレイヤーから在庫を評価
type ValuationEngine struct {
	storage Storage
	logger  *zap.Logger
	now     func() time.Time
}

// NewValuationEngine creates a new valuation engine
// 新しい在庫評価エンジンを作成
func NewValuationEngine(storage Storage, logger *zap.Logger, now func() time.Time) *ValuationEngine {
	if now == nil {
		now = time.Now
	}
	return &ValuationEngine{storage: storage, logger: logger, now: now}
}

// Value computes the remaining value of a SKU layer by layer
// SKUの残存価値をレイヤーごとに計算
func (v *ValuationEngine) Value(ctx context.Context, skuID string) (*Valuation, error) {
	sku, err := v.storage.GetSKU(ctx, skuID)
	if err != nil {
		return nil, err
	}
	layers, err := v.storage.ListActiveLayers(ctx, skuID)
	if err != nil {
		return nil, NewStorageError("list_active_layers", "レイヤー取得に失敗しました", err)
	}
	SortLayersFIFO(layers)

	val := &Valuation{
		SKUID:           skuID,
		OnHand:          sku.OnHand,
		LayerQuantity:   decimal.Zero,
		RemainingValue:  decimal.Zero,
		AverageUnitCost: decimal.Zero,
		Layers:          make([]LayerValue, 0, len(layers)),
		CalculatedAt:    v.now(),
	}
	for _, l := range layers {
		value := l.RemainingValue()
		val.Layers = append(val.Layers, LayerValue{
			LayerID:      l.ID,
			ReceivedAt:   l.ReceivedAt,
			RemainingQty: l.RemainingQty,
			UnitCost:     l.UnitCost,
			Value:        value,
		})
		val.LayerQuantity = val.LayerQuantity.Add(l.RemainingQty)
		val.RemainingValue = val.RemainingValue.Add(value)
	}
	if val.LayerQuantity.IsPositive() {
		val.AverageUnitCost = val.RemainingValue.DivRound(val.LayerQuantity, costScale)
	}
	val.Consistent = val.OnHand.Equal(val.LayerQuantity)

	if !val.Consistent {
		v.logger.Error("手持ち数量とレイヤー残数量が一致しません",
			zap.String("sku_id", skuID),
			zap.String("on_hand", val.OnHand.String()),
			zap.String("layer_quantity", val.LayerQuantity.String()),
		)
	}
	return val, nil
}

// MovementCost sums the receipts recorded against a consuming movement
// 消費移動の消費記録を集計
func (v *ValuationEngine) MovementCost(ctx context.Context, movementID string) (*MovementCost, error) {
	mv, err := v.storage.GetMovement(ctx, movementID)
	if err != nil {
		return nil, err
	}
	receipts, err := v.storage.ListReceiptsByMovement(ctx, movementID)
	if err != nil {
		return nil, NewStorageError("list_receipts", "消費記録取得に失敗しました", err)
	}

	cost := &MovementCost{
		MovementID:    mv.ID,
		Type:          mv.Type,
		Quantity:      decimal.Zero,
		ConsumedValue: receiptsCost(receipts),
		Receipts:      receipts,
	}
	for _, r := range receipts {
		cost.Quantity = cost.Quantity.Add(r.Quantity)
	}
	return cost, nil
}

// GetValuation returns the FIFO valuation of a SKU
// SKUのFIFO評価を返す
func (m *Manager) GetValuation(ctx context.Context, skuID string) (*Valuation, error) {
	return NewValuationEngine(m.storage, m.logger, m.now).Value(ctx, skuID)
}

// GetMovementCost returns the consumed value of a movement
// 移動の消費金額を返す
func (m *Manager) GetMovementCost(ctx context.Context, movementID string) (*MovementCost, error) {
	return NewValuationEngine(m.storage, m.logger, m.now).MovementCost(ctx, movementID)
}

// VerifyConservation returns an error when a SKU's on-hand differs from the
// sum of its layers' remaining quantities
// 手持ち数量とレイヤー残数量合計の一致を検証
func (m *Manager) VerifyConservation(ctx context.Context, skuID string) error {
	val, err := m.GetValuation(ctx, skuID)
	if err != nil {
		return err
	}
	if !val.Consistent {
		return &InsufficientOnHandError{SKUID: skuID, OnHand: val.OnHand, Required: val.LayerQuantity}
	}
	return nil
}
