package inventory

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// LayerAudit is everything recorded against one layer
// レイヤー1件に記録されたすべての履歴
type LayerAudit struct {
	Layer       *Layer               `json:"layer"`
	Origin      *Movement            `json:"origin,omitempty"`
	Receipts    []ConsumptionReceipt `json:"receipts"`
	Adjustments []LayerAdjustment    `json:"adjustments"`
}

// AuditTrail represents the movements of a SKU within a period
// 期間内のSKUの移動履歴を表現
type AuditTrail struct {
	SKUID       string          `json:"sku_id"`
	FromDate    time.Time       `json:"from_date"`
	ToDate      time.Time       `json:"to_date"`
	Movements   []Movement      `json:"movements"`
	TotalIn     decimal.Decimal `json:"total_in"`
	TotalOut    decimal.Decimal `json:"total_out"`
	NetValue    decimal.Decimal `json:"net_value"`
	GeneratedAt time.Time       `json:"generated_at"`
}

// GetHistory returns a SKU's movements newest first. limit <= 0 means all.
// SKUの移動履歴を新しい順に返す
func (m *Manager) GetHistory(ctx context.Context, skuID string, limit int) ([]Movement, error) {
	if err := ValidateSKUID("sku_id", skuID); err != nil {
		return nil, err
	}
	movements, err := m.storage.ListMovementsBySKU(ctx, skuID, limit)
	if err != nil {
		return nil, NewStorageError("list_movements", "移動履歴取得に失敗しました", err)
	}
	return movements, nil
}

// GetAuditTrail returns a SKU's active movements in [from, to) with totals
// 期間内の有効な移動と集計を返す
func (m *Manager) GetAuditTrail(ctx context.Context, skuID string, from, to time.Time) (*AuditTrail, error) {
	movements, err := m.GetHistory(ctx, skuID, 0)
	if err != nil {
		return nil, err
	}

	trail := &AuditTrail{
		SKUID:       skuID,
		FromDate:    from,
		ToDate:      to,
		Movements:   []Movement{},
		TotalIn:     decimal.Zero,
		TotalOut:    decimal.Zero,
		NetValue:    decimal.Zero,
		GeneratedAt: m.now(),
	}
	for _, mv := range movements {
		if mv.OccurredAt.Before(from) || !mv.OccurredAt.Before(to) {
			continue
		}
		trail.Movements = append(trail.Movements, mv)
		// 取消済みの移動は集計しない
		if mv.IsReversed() {
			continue
		}
		if mv.Quantity.IsPositive() {
			trail.TotalIn = trail.TotalIn.Add(mv.Quantity)
		} else {
			trail.TotalOut = trail.TotalOut.Add(mv.Quantity.Neg())
		}
		trail.NetValue = trail.NetValue.Add(mv.TotalValue)
	}
	return trail, nil
}

// GetLayerAudit returns a layer with its origin, receipts and adjustments
// レイヤーと作成元・消費記録・調整記録を返す
func (m *Manager) GetLayerAudit(ctx context.Context, layerID string) (*LayerAudit, error) {
	layer, err := m.storage.GetLayer(ctx, layerID)
	if err != nil {
		return nil, err
	}

	audit := &LayerAudit{Layer: layer}
	if layer.OriginMovementID != nil {
		if origin, err := m.storage.GetMovement(ctx, *layer.OriginMovementID); err == nil {
			audit.Origin = origin
		}
	}
	if audit.Receipts, err = m.storage.ListReceiptsByLayer(ctx, layerID); err != nil {
		return nil, err
	}
	if audit.Adjustments, err = m.storage.ListAdjustmentsByLayer(ctx, layerID); err != nil {
		return nil, err
	}
	return audit, nil
}
