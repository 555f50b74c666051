package inventory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// WorkOrderOrchestrator composes one consumption plan per raw-material and
// waste line plus one PRODUCE movement into a single transaction
// 原材料行・廃棄行ごとの引当計画と製造移動を1トランザクションにまとめる
type WorkOrderOrchestrator struct {
	layers   *LayerStore
	executor *Executor
	logger   *zap.Logger
	now      func() time.Time
}

// NewWorkOrderOrchestrator creates a work order orchestrator
func NewWorkOrderOrchestrator(layers *LayerStore, executor *Executor, logger *zap.Logger, now func() time.Time) *WorkOrderOrchestrator {
	if now == nil {
		now = time.Now
	}
	return &WorkOrderOrchestrator{
		layers:   layers,
		executor: executor,
		logger:   logger,
		now:      now,
	}
}

// LinePlan is the consumption plan for one work order line
// 作業指示1行分の引当計画
type LinePlan struct {
	Type MovementType
	Line MaterialLine
	Plan *ConsumptionPlan
}

// Preflight plans raw-material lines then waste lines against working copies
// of the layers, so repeated SKUs see each other's draws. Nothing is mutated.
// 原材料行、廃棄行の順にレイヤーの作業コピーに対して計画する（変更なし）
func (o *WorkOrderOrchestrator) Preflight(ctx context.Context, repo Repository, in WorkOrderInput) ([]LinePlan, error) {
	working := make(map[string][]Layer)
	available := make(map[string]decimal.Decimal)
	requested := make(map[string]decimal.Decimal)
	plans := make([]LinePlan, 0, len(in.RawMaterials)+len(in.Waste))

	step := func(typ MovementType, lines []MaterialLine) error {
		for _, line := range lines {
			layers, ok := working[line.SKUID]
			if !ok {
				sku, err := repo.GetSKU(ctx, line.SKUID)
				if err != nil {
					return err
				}
				if !sku.IsActive {
					return fmt.Errorf("%w: %s", ErrSKUInactive, line.SKUID)
				}
				layers, err = o.layers.ActiveLayers(ctx, repo, line.SKUID)
				if err != nil {
					return err
				}
				available[line.SKUID] = SumRemaining(layers)
			}
			requested[line.SKUID] = requested[line.SKUID].Add(line.Quantity)

			plan := BuildPlan(line.SKUID, line.Quantity, layers)
			if !plan.CanFulfill {
				return &InsufficientInventoryError{
					SKUID:     line.SKUID,
					Requested: requested[line.SKUID],
					Available: available[line.SKUID],
				}
			}
			working[line.SKUID] = ApplyPlan(layers, plan)
			plans = append(plans, LinePlan{Type: typ, Line: line, Plan: plan})
		}
		return nil
	}

	if err := step(MovementTypeIssue, in.RawMaterials); err != nil {
		return nil, err
	}
	if err := step(MovementTypeWaste, in.Waste); err != nil {
		return nil, err
	}
	return plans, nil
}

// OutputUnitCost returns the explicit output cost, or material plus waste cost
// divided by the output quantity
// 製造単価（指定がなければ原材料費と廃棄費の合計÷製造数量）
func OutputUnitCost(out OutputSpec, plans []LinePlan) decimal.Decimal {
	if out.UnitCost != nil {
		return *out.UnitCost
	}
	total := decimal.Zero
	for _, lp := range plans {
		total = total.Add(lp.Plan.TotalCost)
	}
	if !out.Quantity.IsPositive() {
		return decimal.Zero
	}
	return total.DivRound(out.Quantity, costScale)
}

// Execute applies every line plan and creates the work order and its PRODUCE
// movement. Must run inside a transaction.
// すべての行計画を適用し、作業指示と製造移動を作成（トランザクション内で実行）
func (o *WorkOrderOrchestrator) Execute(ctx context.Context, repo Repository, in WorkOrderInput, reference string, plans []LinePlan, actor string) (*WorkOrderResult, error) {
	now := o.now()
	producedAt := in.ProducedAt
	if producedAt.IsZero() {
		producedAt = now
	}

	materialCost, wasteCost := decimal.Zero, decimal.Zero
	for _, lp := range plans {
		if lp.Type == MovementTypeWaste {
			wasteCost = wasteCost.Add(lp.Plan.TotalCost)
		} else {
			materialCost = materialCost.Add(lp.Plan.TotalCost)
		}
	}
	unitCost := OutputUnitCost(in.Output, plans)

	wo := &WorkOrder{
		ID:                NewID(),
		Reference:         reference,
		OutputSKUID:       optionalStr(in.Output.SKUID),
		OutputDescription: in.Output.Description,
		OutputQty:         in.Output.Quantity,
		UnitCost:          unitCost,
		MaterialCost:      materialCost,
		WasteCost:         wasteCost,
		Status:            WorkOrderStatusCompleted,
		ProducedAt:        producedAt,
		Notes:             in.Notes,
		CreatedAt:         now,
		CreatedBy:         actor,
		UpdatedAt:         now,
	}
	if err := repo.CreateWorkOrder(ctx, wo); err != nil {
		return nil, err
	}

	result := &WorkOrderResult{
		WorkOrder:         wo,
		MaterialMovements: []Movement{},
		WasteMovements:    []Movement{},
	}

	for _, lp := range plans {
		mv := Movement{
			ID:          NewID(),
			Type:        lp.Type,
			SKUID:       strPtr(lp.Line.SKUID),
			Quantity:    lp.Plan.TotalQty.Neg(),
			UnitCost:    lp.Plan.UnitCost(),
			TotalValue:  lp.Plan.TotalCost.Neg(),
			OccurredAt:  producedAt,
			Reference:   reference,
			Notes:       lp.Line.Notes,
			WorkOrderID: &wo.ID,
			CreatedAt:   now,
			CreatedBy:   actor,
		}
		if err := repo.CreateMovement(ctx, &mv); err != nil {
			return nil, err
		}
		if _, err := o.executor.Execute(ctx, repo, lp.Plan, mv.ID); err != nil {
			return nil, err
		}
		if lp.Type == MovementTypeWaste {
			result.WasteMovements = append(result.WasteMovements, mv)
		} else {
			result.MaterialMovements = append(result.MaterialMovements, mv)
		}
	}

	produceID := NewID()
	if in.Output.SKUID != "" {
		sku, err := repo.GetSKU(ctx, in.Output.SKUID)
		if err != nil {
			return nil, err
		}
		if !sku.IsActive {
			return nil, fmt.Errorf("%w: %s", ErrSKUInactive, sku.ID)
		}
		layer, err := o.layers.CreateLayer(ctx, repo, LayerSpec{
			SKUID:            in.Output.SKUID,
			Quantity:         in.Output.Quantity,
			UnitCost:         unitCost,
			ReceivedAt:       producedAt,
			OriginMovementID: &produceID,
		})
		if err != nil {
			return nil, err
		}
		result.OutputLayer = layer
	}

	produce := &Movement{
		ID:          produceID,
		Type:        MovementTypeProduce,
		SKUID:       optionalStr(in.Output.SKUID),
		Quantity:    in.Output.Quantity,
		UnitCost:    unitCost,
		TotalValue:  in.Output.Quantity.Mul(unitCost),
		OccurredAt:  producedAt,
		Reference:   reference,
		Notes:       in.Output.Description,
		WorkOrderID: &wo.ID,
		CreatedAt:   now,
		CreatedBy:   actor,
	}
	if result.OutputLayer != nil {
		produce.LayerID = &result.OutputLayer.ID
	}
	if err := repo.CreateMovement(ctx, produce); err != nil {
		return nil, err
	}
	result.ProduceMovement = produce

	return result, nil
}

// Load rebuilds the result of an already recorded work order
// 記録済みの作業指示の結果を再構築
func (o *WorkOrderOrchestrator) Load(ctx context.Context, repo Repository, wo *WorkOrder) (*WorkOrderResult, error) {
	movements, err := repo.ListMovementsByWorkOrder(ctx, wo.ID)
	if err != nil {
		return nil, err
	}

	result := &WorkOrderResult{
		WorkOrder:         wo,
		MaterialMovements: []Movement{},
		WasteMovements:    []Movement{},
	}
	for i := range movements {
		mv := movements[i]
		switch mv.Type {
		case MovementTypeProduce:
			result.ProduceMovement = &mv
			if mv.LayerID != nil {
				layer, err := repo.GetLayer(ctx, *mv.LayerID)
				if err != nil && !errors.Is(err, ErrLayerNotFound) {
					return nil, err
				}
				result.OutputLayer = layer
			}
		case MovementTypeWaste:
			result.WasteMovements = append(result.WasteMovements, mv)
		default:
			result.MaterialMovements = append(result.MaterialMovements, mv)
		}
	}
	return result, nil
}

// Reverse removes the output layer, reverses every consumption line and marks
// the work order REVERSED. Must run inside a transaction.
// 製造レイヤーを削除し、全消費行を取り消して作業指示をREVERSEDにする
func (o *WorkOrderOrchestrator) Reverse(ctx context.Context, repo Repository, wo *WorkOrder, reason, actor string) (*DeleteResult, error) {
	movements, err := repo.ListMovementsByWorkOrder(ctx, wo.ID)
	if err != nil {
		return nil, err
	}

	now := o.now()
	result := &DeleteResult{
		Action:     ActionReverseWorkOrder,
		ReversedAt: now,
	}

	for _, mv := range movements {
		if mv.IsReversed() || mv.Type != MovementTypeProduce {
			continue
		}
		if err := repo.MarkMovementReversed(ctx, mv.ID, now, reason, actor); err != nil {
			return nil, err
		}
		if mv.LayerID != nil {
			if _, err := o.layers.RemoveUnconsumedLayer(ctx, repo, *mv.LayerID); err != nil {
				return nil, err
			}
			result.DeletedLayers = append(result.DeletedLayers, *mv.LayerID)
			result.AffectedSKUs = appendUnique(result.AffectedSKUs, deref(mv.SKUID))
		}
		result.MovementID = mv.ID
		result.ReversedMovements = append(result.ReversedMovements, mv.ID)
	}

	for _, mv := range movements {
		if mv.IsReversed() || mv.Type == MovementTypeProduce {
			continue
		}
		if err := repo.MarkMovementReversed(ctx, mv.ID, now, reason, actor); err != nil {
			return nil, err
		}
		receipts, err := o.executor.Reverse(ctx, repo, mv.ID)
		if err != nil {
			return nil, err
		}
		for _, r := range receipts {
			result.RestoredLayers = appendUnique(result.RestoredLayers, r.LayerID)
		}
		result.ReversedMovements = append(result.ReversedMovements, mv.ID)
		result.AffectedSKUs = appendUnique(result.AffectedSKUs, deref(mv.SKUID))
	}

	if err := repo.UpdateWorkOrderStatus(ctx, wo.ID, WorkOrderStatusReversed, now); err != nil {
		return nil, err
	}
	return result, nil
}

// Produce records a work order; see CreateWorkOrder
// 製造を記録（CreateWorkOrderを参照）
func (m *Manager) Produce(ctx context.Context, in WorkOrderInput) (*WorkOrderResult, error) {
	return m.CreateWorkOrder(ctx, in)
}

// CreateWorkOrder pre-flights every line, then executes all consumption and the
// PRODUCE movement atomically. A retry with the same reference returns the
// existing work order instead of producing twice.
// 全行を事前確認し、すべての消費と製造を原子的に実行。同一参照番号の再送は既存の作業指示を返す
func (m *Manager) CreateWorkOrder(ctx context.Context, in WorkOrderInput) (*WorkOrderResult, error) {
	start := time.Now()
	if err := ValidateWorkOrderInput(in); err != nil {
		return nil, err
	}

	reference := strings.TrimSpace(in.Reference)
	if reference == "" {
		reference = newWorkOrderReference(m.now())
	}

	if existing, err := m.existingWorkOrder(ctx, reference); err != nil || existing != nil {
		return existing, err
	}

	if m.locker != nil {
		release, err := m.locker.Acquire(ctx, "zai:workorder:"+reference, m.config.ReferenceLockTTL)
		if err != nil {
			return nil, err
		}
		defer func() {
			if err := release(context.Background()); err != nil {
				m.logger.Warn("参照番号ロックの解放に失敗しました", zap.String("reference", reference), zap.Error(err))
			}
		}()

		// ロック取得までに他の呼び出しが完了している可能性がある
		if existing, err := m.existingWorkOrder(ctx, reference); err != nil || existing != nil {
			return existing, err
		}
	}

	actor := UserFromContext(ctx)
	var result *WorkOrderResult
	err := m.withRetry(ctx, "produce", func(ctx context.Context) error {
		plans, err := m.orders.Preflight(ctx, m.storage, in)
		if err != nil {
			return err
		}
		return m.storage.WithinTx(ctx, func(ctx context.Context, repo Repository) error {
			result, err = m.orders.Execute(ctx, repo, in, reference, plans, actor)
			return err
		})
	})

	if errors.Is(err, ErrDuplicateReference) {
		if existing, ferr := m.existingWorkOrder(ctx, reference); ferr == nil && existing != nil {
			return existing, nil
		}
	}

	m.metrics.observeResult("produce", start, err)
	if err != nil {
		m.logger.Warn("作業指示の作成に失敗しました", zap.String("reference", reference), zap.Error(err))
		return nil, err
	}

	skuIDs := make([]string, 0, len(in.RawMaterials)+len(in.Waste)+1)
	movements := make([]*Movement, 0, len(result.MaterialMovements)+len(result.WasteMovements)+1)
	for i := range result.MaterialMovements {
		skuIDs = appendUnique(skuIDs, deref(result.MaterialMovements[i].SKUID))
		movements = append(movements, &result.MaterialMovements[i])
	}
	for i := range result.WasteMovements {
		skuIDs = appendUnique(skuIDs, deref(result.WasteMovements[i].SKUID))
		movements = append(movements, &result.WasteMovements[i])
	}
	if in.Output.SKUID != "" {
		skuIDs = appendUnique(skuIDs, in.Output.SKUID)
	}
	movements = append(movements, result.ProduceMovement)
	m.afterCommit(ctx, skuIDs, true, movements...)

	m.logger.Info("作業指示を作成しました",
		zap.String("work_order_id", result.WorkOrder.ID),
		zap.String("reference", reference),
		zap.String("output_qty", result.WorkOrder.OutputQty.String()),
		zap.String("unit_cost", result.WorkOrder.UnitCost.String()),
		zap.Int("lines", len(movements)-1),
	)
	return result, nil
}

// GetWorkOrder returns a work order and its movements by ID
// 作業指示と移動をIDで取得
func (m *Manager) GetWorkOrder(ctx context.Context, workOrderID string) (*WorkOrderResult, error) {
	wo, err := m.storage.GetWorkOrder(ctx, workOrderID)
	if err != nil {
		return nil, err
	}
	return m.orders.Load(ctx, m.storage, wo)
}

func (m *Manager) existingWorkOrder(ctx context.Context, reference string) (*WorkOrderResult, error) {
	wo, err := m.storage.GetWorkOrderByReference(ctx, reference)
	if errors.Is(err, ErrWorkOrderNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	result, err := m.orders.Load(ctx, m.storage, wo)
	if err != nil {
		return nil, err
	}
	result.Existing = true
	m.logger.Info("既存の作業指示を返します",
		zap.String("work_order_id", wo.ID),
		zap.String("reference", reference),
		zap.String("status", string(wo.Status)),
	)
	return result, nil
}

func newWorkOrderReference(now time.Time) string {
	return fmt.Sprintf("WO-%s-%s", now.Format("20060102"), strings.ToUpper(NewID()[:8]))
}

func appendUnique(list []string, s string) []string {
	if s == "" {
		return list
	}
	for _, v := range list {
		if v == s {
			return list
		}
	}
	return append(list, s)
}
