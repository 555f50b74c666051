package inventory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// DeleteAction is what a deletion request resolves to
// 削除要求の処理方法
type DeleteAction string

const (
	ActionNone               DeleteAction = "NONE"
	ActionReverseConsumption DeleteAction = "REVERSE_CONSUMPTION" // 消費の取消
	ActionDeleteLayers       DeleteAction = "DELETE_LAYERS"       // 未消費レイヤーの削除
	ActionReverseAdjustment  DeleteAction = "REVERSE_ADJUSTMENT"  // 調整の取消
	ActionReverseTransfer    DeleteAction = "REVERSE_TRANSFER"    // 移動の取消
	ActionReverseWorkOrder   DeleteAction = "REVERSE_WORK_ORDER"  // 作業指示の取消
)

// ConsumedLayer reports how much of a layer has been drawn down
// レイヤーの消費状況
type ConsumedLayer struct {
	LayerID       string          `json:"layer_id"`
	SKUID         string          `json:"sku_id"`
	OriginalQty   decimal.Decimal `json:"original_qty"`
	RemainingQty  decimal.Decimal `json:"remaining_qty"`
	Consumed      decimal.Decimal `json:"consumed"`
	ConsumedValue decimal.Decimal `json:"consumed_value"`
}

// BlockingReference is an active movement that depends on a layer
// レイヤーに依存している有効な移動
type BlockingReference struct {
	MovementID         string          `json:"movement_id"`
	Type               MovementType    `json:"type"`
	Reference          string          `json:"reference"`
	WorkOrderID        *string         `json:"work_order_id,omitempty"`
	WorkOrderReference string          `json:"work_order_reference,omitempty"`
	Quantity           decimal.Decimal `json:"quantity"`
}

// DeleteValidationResult tells whether a movement can be deleted and why not
// 移動の削除可否と理由
type DeleteValidationResult struct {
	MovementID         string              `json:"movement_id"`
	MovementType       MovementType        `json:"movement_type,omitempty"`
	CanDelete          bool                `json:"can_delete"`
	Action             DeleteAction        `json:"action"`
	Reason             string              `json:"reason"`
	ConsumedLayers     []ConsumedLayer     `json:"consumed_layers,omitempty"`
	TotalConsumed      decimal.Decimal     `json:"total_consumed"`
	TotalConsumedValue decimal.Decimal     `json:"total_consumed_value"`
	BlockingReferences []BlockingReference `json:"blocking_references,omitempty"`

	movement *Movement
	cause    error
}

// Err returns the error DeleteMovement reports for a refused deletion
// 削除拒否時のエラーを返す
func (r *DeleteValidationResult) Err() error {
	if r.CanDelete {
		return nil
	}
	if r.cause != nil {
		return fmt.Errorf("%w: %s", r.cause, r.MovementID)
	}
	return &DeletionBlockedError{Result: r}
}

func (r *DeleteValidationResult) block(reason string) {
	r.CanDelete = false
	if r.Reason == "" {
		r.Reason = reason
	}
}

func (r *DeleteValidationResult) addReference(ref BlockingReference) {
	for i, existing := range r.BlockingReferences {
		if existing.MovementID == ref.MovementID {
			r.BlockingReferences[i].Quantity = existing.Quantity.Add(ref.Quantity)
			return
		}
	}
	r.BlockingReferences = append(r.BlockingReferences, ref)
}

// DeleteResult describes a committed deletion or reversal
// 確定した削除・取消の結果
type DeleteResult struct {
	MovementID        string       `json:"movement_id"`
	Action            DeleteAction `json:"action"`
	ReversedMovements []string     `json:"reversed_movements"`
	RestoredLayers    []string     `json:"restored_layers,omitempty"`
	DeletedLayers     []string     `json:"deleted_layers,omitempty"`
	AffectedSKUs      []string     `json:"affected_skus"`
	ReversedAt        time.Time    `json:"reversed_at"`
}

// DeletionGuard decides whether deleting a movement is safe and carries out
// the approved reversal
// 移動削除の安全性を判定し、承認された取消を実行
type DeletionGuard struct {
	layers   *LayerStore
	executor *Executor
	orders   *WorkOrderOrchestrator
	logger   *zap.Logger
	now      func() time.Time
}

// NewDeletionGuard creates a deletion guard
func NewDeletionGuard(layers *LayerStore, executor *Executor, orders *WorkOrderOrchestrator, logger *zap.Logger, now func() time.Time) *DeletionGuard {
	if now == nil {
		now = time.Now
	}
	return &DeletionGuard{
		layers:   layers,
		executor: executor,
		orders:   orders,
		logger:   logger,
		now:      now,
	}
}

// Evaluate inspects a movement and everything that depends on it. With detail
// false the blocking references are not resolved.
// 移動とその依存関係を検査する
func (g *DeletionGuard) Evaluate(ctx context.Context, repo Repository, movementID string, detail bool) (*DeleteValidationResult, error) {
	res := &DeleteValidationResult{
		MovementID:         movementID,
		Action:             ActionNone,
		TotalConsumed:      decimal.Zero,
		TotalConsumedValue: decimal.Zero,
	}

	mv, err := repo.GetMovement(ctx, movementID)
	if errors.Is(err, ErrMovementNotFound) {
		res.Reason = "移動が見つかりません"
		res.cause = ErrMovementNotFound
		return res, nil
	}
	if err != nil {
		return nil, err
	}
	res.MovementType = mv.Type
	res.movement = mv

	if mv.IsReversed() {
		res.Reason = "移動は既に取り消されています"
		res.cause = ErrAlreadyReversed
		return res, nil
	}

	res.CanDelete = true
	switch {
	case mv.Type == MovementTypeProduce && mv.WorkOrderID != nil:
		err = g.evaluateWorkOrder(ctx, repo, mv, res, detail)
	case mv.Type == MovementTypeTransfer:
		err = g.evaluateTransfer(ctx, repo, mv, res, detail)
	case mv.Type.IsConsuming():
		res.Action = ActionReverseConsumption
		err = g.evaluateConsumption(ctx, repo, mv.ID, res, detail, true)
	case mv.Type == MovementTypeReceive, mv.Type == MovementTypeProduce:
		res.Action = ActionDeleteLayers
		err = g.evaluateLayerOwner(ctx, repo, mv.ID, res, detail)
	case mv.Type == MovementTypeAdjustment:
		res.Action = ActionReverseAdjustment
		err = g.evaluateAdjustment(ctx, repo, mv, res, detail)
	default:
		res.block(fmt.Sprintf("未対応の移動タイプです: %s", mv.Type))
	}
	if err != nil {
		return nil, err
	}

	if res.CanDelete && res.Reason == "" {
		res.Reason = "削除できます"
	}
	return res, nil
}

// evaluateConsumption checks that every layer a movement drew from can take
// its quantity back without exceeding the original quantity
func (g *DeletionGuard) evaluateConsumption(ctx context.Context, repo Repository, movementID string, res *DeleteValidationResult, detail, report bool) error {
	receipts, err := repo.ListReceiptsByMovement(ctx, movementID)
	if err != nil {
		return err
	}

	for _, r := range receipts {
		layer, err := repo.GetLayer(ctx, r.LayerID)
		if err != nil {
			return err
		}
		if report {
			res.ConsumedLayers = append(res.ConsumedLayers, ConsumedLayer{
				LayerID:       layer.ID,
				SKUID:         layer.SKUID,
				OriginalQty:   layer.OriginalQty,
				RemainingQty:  layer.RemainingQty,
				Consumed:      r.Quantity,
				ConsumedValue: r.TotalCost,
			})
			res.TotalConsumed = res.TotalConsumed.Add(r.Quantity)
			res.TotalConsumedValue = res.TotalConsumedValue.Add(r.TotalCost)
		}

		if layer.RemainingQty.Add(r.Quantity).GreaterThan(layer.OriginalQty) {
			res.block("消費元のレイヤーが調整されているため復元できません")
			if err := g.addAdjustmentReferences(ctx, repo, layer.ID, "", res, detail); err != nil {
				return err
			}
		}
	}
	return nil
}

// evaluateLayerOwner blocks when any layer created by the movement has been
// drawn down, has consumption receipts, or has active adjustments
func (g *DeletionGuard) evaluateLayerOwner(ctx context.Context, repo Repository, ownerID string, res *DeleteValidationResult, detail bool) error {
	layers, err := repo.ListLayersByOrigin(ctx, ownerID)
	if err != nil {
		return err
	}

	for _, layer := range layers {
		consumed := layer.Consumed()
		receipts, err := repo.ListReceiptsByLayer(ctx, layer.ID)
		if err != nil {
			return err
		}
		adjustments, err := activeAdjustments(ctx, repo, layer.ID, ownerID)
		if err != nil {
			return err
		}

		if !consumed.IsPositive() && len(receipts) == 0 && len(adjustments) == 0 {
			continue
		}

		res.block("作成したレイヤーは既に他の移動で使用されています")
		res.ConsumedLayers = append(res.ConsumedLayers, ConsumedLayer{
			LayerID:       layer.ID,
			SKUID:         layer.SKUID,
			OriginalQty:   layer.OriginalQty,
			RemainingQty:  layer.RemainingQty,
			Consumed:      consumed,
			ConsumedValue: consumed.Mul(layer.UnitCost),
		})
		res.TotalConsumed = res.TotalConsumed.Add(consumed)
		res.TotalConsumedValue = res.TotalConsumedValue.Add(consumed.Mul(layer.UnitCost))

		if !detail {
			continue
		}
		for _, r := range receipts {
			ref, err := g.reference(ctx, repo, r.MovementID, r.Quantity)
			if err != nil {
				return err
			}
			res.addReference(ref)
		}
		for _, adj := range adjustments {
			ref, err := g.reference(ctx, repo, adj.ID, adj.Quantity)
			if err != nil {
				return err
			}
			res.addReference(ref)
		}
	}
	return nil
}

func (g *DeletionGuard) evaluateTransfer(ctx context.Context, repo Repository, mv *Movement, res *DeleteValidationResult, detail bool) error {
	res.Action = ActionReverseTransfer
	outbound, inbound, err := transferLegs(ctx, repo, mv)
	if err != nil {
		return err
	}
	if inbound.IsReversed() || outbound.IsReversed() {
		res.block("対になる移動は既に取り消されています")
		return nil
	}
	if err := g.evaluateLayerOwner(ctx, repo, inbound.ID, res, detail); err != nil {
		return err
	}
	return g.evaluateConsumption(ctx, repo, outbound.ID, res, detail, false)
}

func (g *DeletionGuard) evaluateWorkOrder(ctx context.Context, repo Repository, mv *Movement, res *DeleteValidationResult, detail bool) error {
	res.Action = ActionReverseWorkOrder
	wo, err := repo.GetWorkOrder(ctx, *mv.WorkOrderID)
	if err != nil {
		return err
	}
	if wo.Status == WorkOrderStatusReversed {
		res.block("作業指示は既に取り消されています")
		res.cause = ErrAlreadyReversed
		return nil
	}

	movements, err := repo.ListMovementsByWorkOrder(ctx, wo.ID)
	if err != nil {
		return err
	}
	for _, line := range movements {
		if line.IsReversed() {
			continue
		}
		if line.Type == MovementTypeProduce {
			if err := g.evaluateLayerOwner(ctx, repo, line.ID, res, detail); err != nil {
				return err
			}
			continue
		}
		if err := g.evaluateConsumption(ctx, repo, line.ID, res, detail, false); err != nil {
			return err
		}
	}
	return nil
}

func (g *DeletionGuard) evaluateAdjustment(ctx context.Context, repo Repository, mv *Movement, res *DeleteValidationResult, detail bool) error {
	if mv.LayerID == nil {
		res.block("調整対象のレイヤーがありません")
		return nil
	}
	layer, err := repo.GetLayer(ctx, *mv.LayerID)
	if errors.Is(err, ErrLayerNotFound) {
		res.block("調整対象のレイヤーは削除されています")
		return nil
	}
	if err != nil {
		return err
	}

	restored := layer.RemainingQty.Sub(mv.Quantity)
	switch {
	case restored.IsNegative():
		res.block("調整後に追加分が消費されているため取り消せません")
		res.TotalConsumed = restored.Neg()
		res.TotalConsumedValue = restored.Neg().Mul(layer.UnitCost)
		if detail {
			receipts, err := repo.ListReceiptsByLayer(ctx, layer.ID)
			if err != nil {
				return err
			}
			for _, r := range receipts {
				ref, err := g.reference(ctx, repo, r.MovementID, r.Quantity)
				if err != nil {
					return err
				}
				res.addReference(ref)
			}
		}
	case restored.GreaterThan(layer.OriginalQty):
		res.block("取消後の残数量が受入数量を超えます")
		return g.addAdjustmentReferences(ctx, repo, layer.ID, mv.ID, res, detail)
	}
	return nil
}

func (g *DeletionGuard) addAdjustmentReferences(ctx context.Context, repo Repository, layerID, excludeID string, res *DeleteValidationResult, detail bool) error {
	if !detail {
		return nil
	}
	adjustments, err := activeAdjustments(ctx, repo, layerID, excludeID)
	if err != nil {
		return err
	}
	for _, adj := range adjustments {
		ref, err := g.reference(ctx, repo, adj.ID, adj.Quantity)
		if err != nil {
			return err
		}
		res.addReference(ref)
	}
	return nil
}

func (g *DeletionGuard) reference(ctx context.Context, repo Repository, movementID string, qty decimal.Decimal) (BlockingReference, error) {
	ref := BlockingReference{MovementID: movementID, Quantity: qty}
	mv, err := repo.GetMovement(ctx, movementID)
	if err != nil {
		return ref, err
	}
	ref.Type = mv.Type
	ref.Reference = mv.Reference
	ref.WorkOrderID = mv.WorkOrderID
	if mv.WorkOrderID != nil {
		wo, err := repo.GetWorkOrder(ctx, *mv.WorkOrderID)
		if err != nil {
			return ref, err
		}
		ref.WorkOrderReference = wo.Reference
	}
	return ref, nil
}

// Apply carries out the action an approving Evaluate returned. The movement is
// marked reversed first so a concurrent second deletion fails on that row.
// 承認された削除・取消を実行
func (g *DeletionGuard) Apply(ctx context.Context, repo Repository, res *DeleteValidationResult, reason, actor string) (*DeleteResult, error) {
	if err := res.Err(); err != nil {
		return nil, err
	}
	mv := res.movement
	now := g.now()
	out := &DeleteResult{
		MovementID: mv.ID,
		Action:     res.Action,
		ReversedAt: now,
	}

	switch res.Action {
	case ActionReverseConsumption:
		if err := g.reverseConsumption(ctx, repo, mv, reason, actor, now, out); err != nil {
			return nil, err
		}

	case ActionDeleteLayers:
		if err := g.deleteLayers(ctx, repo, mv, reason, actor, now, out); err != nil {
			return nil, err
		}

	case ActionReverseTransfer:
		outbound, inbound, err := transferLegs(ctx, repo, mv)
		if err != nil {
			return nil, err
		}
		if err := g.deleteLayers(ctx, repo, inbound, reason, actor, now, out); err != nil {
			return nil, err
		}
		if err := g.reverseConsumption(ctx, repo, outbound, reason, actor, now, out); err != nil {
			return nil, err
		}

	case ActionReverseWorkOrder:
		wo, err := repo.GetWorkOrder(ctx, *mv.WorkOrderID)
		if err != nil {
			return nil, err
		}
		reversed, err := g.orders.Reverse(ctx, repo, wo, reason, actor)
		if err != nil {
			return nil, err
		}
		reversed.MovementID = mv.ID
		out = reversed

	case ActionReverseAdjustment:
		if err := repo.MarkMovementReversed(ctx, mv.ID, now, reason, actor); err != nil {
			return nil, err
		}
		layer, err := repo.GetLayerForUpdate(ctx, *mv.LayerID)
		if err != nil {
			return nil, err
		}
		target := layer.RemainingQty.Sub(mv.Quantity)
		if _, err := g.layers.AdjustLayerQuantity(ctx, repo, layer.ID, target, "取消: "+reason, &mv.ID, actor); err != nil {
			return nil, err
		}
		out.ReversedMovements = append(out.ReversedMovements, mv.ID)
		out.RestoredLayers = append(out.RestoredLayers, layer.ID)
		out.AffectedSKUs = appendUnique(out.AffectedSKUs, layer.SKUID)

	default:
		return nil, &DeletionBlockedError{Result: res}
	}

	return out, nil
}

func (g *DeletionGuard) reverseConsumption(ctx context.Context, repo Repository, mv *Movement, reason, actor string, now time.Time, out *DeleteResult) error {
	if err := repo.MarkMovementReversed(ctx, mv.ID, now, reason, actor); err != nil {
		return err
	}
	receipts, err := g.executor.Reverse(ctx, repo, mv.ID)
	if err != nil {
		return err
	}
	for _, r := range receipts {
		out.RestoredLayers = appendUnique(out.RestoredLayers, r.LayerID)
		out.AffectedSKUs = appendUnique(out.AffectedSKUs, r.SKUID)
	}
	out.ReversedMovements = append(out.ReversedMovements, mv.ID)
	return nil
}

func (g *DeletionGuard) deleteLayers(ctx context.Context, repo Repository, mv *Movement, reason, actor string, now time.Time, out *DeleteResult) error {
	if err := repo.MarkMovementReversed(ctx, mv.ID, now, reason, actor); err != nil {
		return err
	}
	layers, err := repo.ListLayersByOrigin(ctx, mv.ID)
	if err != nil {
		return err
	}
	for _, l := range layers {
		if _, err := g.layers.RemoveUnconsumedLayer(ctx, repo, l.ID); err != nil {
			return err
		}
		out.DeletedLayers = append(out.DeletedLayers, l.ID)
		out.AffectedSKUs = appendUnique(out.AffectedSKUs, l.SKUID)
	}
	out.ReversedMovements = append(out.ReversedMovements, mv.ID)
	return nil
}

func transferLegs(ctx context.Context, repo Repository, mv *Movement) (outbound, inbound *Movement, err error) {
	if mv.PairedMovementID == nil {
		return nil, nil, fmt.Errorf("対になる移動がありません: %s", mv.ID)
	}
	pair, err := repo.GetMovement(ctx, *mv.PairedMovementID)
	if err != nil {
		return nil, nil, err
	}
	if mv.Quantity.IsNegative() {
		return mv, pair, nil
	}
	return pair, mv, nil
}

func activeAdjustments(ctx context.Context, repo Repository, layerID, excludeID string) ([]Movement, error) {
	movements, err := repo.ListMovementsByLayer(ctx, layerID)
	if err != nil {
		return nil, err
	}
	var out []Movement
	for _, mv := range movements {
		if mv.Type == MovementTypeAdjustment && !mv.IsReversed() && mv.ID != excludeID {
			out = append(out, mv)
		}
	}
	return out, nil
}

// CanDeleteMovement reports whether a movement can be deleted, with the
// consumed layers and blocking references when it cannot
// 移動の削除可否を判定（不可の場合は消費レイヤーと依存移動を含む）
func (m *Manager) CanDeleteMovement(ctx context.Context, movementID string) (*DeleteValidationResult, error) {
	return m.guard.Evaluate(ctx, m.storage, movementID, true)
}

// CanDeleteMovementQuick returns only the boolean and fails closed on any error
// 削除可否のみを返す（エラー時は削除不可）
func (m *Manager) CanDeleteMovementQuick(ctx context.Context, movementID string) bool {
	res, err := m.guard.Evaluate(ctx, m.storage, movementID, false)
	if err != nil {
		m.logger.Warn("削除可否の判定に失敗しました", zap.String("movement_id", movementID), zap.Error(err))
		return false
	}
	return res.CanDelete
}

// DeleteMovement re-evaluates the movement inside a transaction and performs
// the reversal it resolves to, or returns DeletionBlockedError
// トランザクション内で再判定し取消を実行（不可の場合はDeletionBlockedError）
func (m *Manager) DeleteMovement(ctx context.Context, movementID, reason string) (*DeleteResult, error) {
	start := time.Now()
	if err := ValidateReason(reason); err != nil {
		return nil, err
	}
	actor := UserFromContext(ctx)

	var (
		result *DeleteResult
		eval   *DeleteValidationResult
	)
	err := m.withRetry(ctx, "delete", func(ctx context.Context) error {
		return m.storage.WithinTx(ctx, func(ctx context.Context, repo Repository) error {
			var err error
			eval, err = m.guard.Evaluate(ctx, repo, movementID, true)
			if err != nil {
				return err
			}
			result, err = m.guard.Apply(ctx, repo, eval, reason, actor)
			return err
		})
	})

	m.metrics.observeResult("delete", start, err)
	if err != nil {
		m.logger.Warn("移動の削除に失敗しました", zap.String("movement_id", movementID), zap.Error(err))
		return nil, err
	}

	m.invalidate(ctx, result.AffectedSKUs...)
	m.metrics.observeReversal(result.Action)
	if m.publisher != nil {
		event := MovementReversedEvent{
			MovementID: movementID,
			Type:       eval.MovementType,
			Action:     result.Action,
			Reason:     reason,
			Timestamp:  result.ReversedAt,
			UserID:     actor,
		}
		if eval.movement != nil {
			event.SKUID = deref(eval.movement.SKUID)
		}
		if err := m.publisher.PublishMovementReversed(ctx, event); err != nil {
			m.logger.Error("イベント発行に失敗しました", zap.String("movement_id", movementID), zap.Error(err))
		}
	}
	if m.config.LowStockAlerts {
		for _, skuID := range result.AffectedSKUs {
			m.checkLowStock(ctx, skuID)
		}
	}

	m.logger.Info("移動を取り消しました",
		zap.String("movement_id", movementID),
		zap.String("action", string(result.Action)),
		zap.Strings("reversed_movements", result.ReversedMovements),
		zap.String("reason", reason),
	)
	return result, nil
}
