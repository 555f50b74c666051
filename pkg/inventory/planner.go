package inventory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// PlanLine is one draw from one layer
// 1レイヤーからの引当行
type PlanLine struct {
	LayerID    string          `json:"layer_id"`
	ReceivedAt string          `json:"received_at"`
	Quantity   decimal.Decimal `json:"quantity"`
	UnitCost   decimal.Decimal `json:"unit_cost"`
	TotalCost  decimal.Decimal `json:"total_cost"`
}

// ConsumptionPlan is an ordered draw-down across a SKU's layers.
// Plans are advisory; the executor re-validates every line.
// SKUのレイヤーに対する引当計画
type ConsumptionPlan struct {
	SKUID      string          `json:"sku_id"`
	Requested  decimal.Decimal `json:"requested"`
	Lines      []PlanLine      `json:"lines"`
	TotalQty   decimal.Decimal `json:"total_qty"`
	TotalCost  decimal.Decimal `json:"total_cost"`
	Available  decimal.Decimal `json:"available"`
	CanFulfill bool            `json:"can_fulfill"`
}

// UnitCost returns the weighted unit cost of the plan
// 計画の加重平均単価を返す
func (p *ConsumptionPlan) UnitCost() decimal.Decimal {
	if p.TotalQty.IsZero() {
		return decimal.Zero
	}
	return p.TotalCost.DivRound(p.TotalQty, costScale)
}

// IsEmpty reports whether the plan draws nothing
func (p *ConsumptionPlan) IsEmpty() bool {
	return len(p.Lines) == 0
}

// costScale is the number of decimal places kept for derived unit costs
const costScale = 6

// ReceivingDate returns the UTC calendar date a layer was received on.
// The time of day never affects FIFO order.
// 受入日（UTCの暦日）を返す
func ReceivingDate(t time.Time) time.Time {
	y, mo, d := t.UTC().Date()
	return time.Date(y, mo, d, 0, 0, 0, 0, time.UTC)
}

// SortLayersFIFO orders layers by receiving date with creation order as tie-break
// レイヤーを受入日の古い順に並べる（同日は作成順）
func SortLayersFIFO(layers []Layer) {
	sort.SliceStable(layers, func(i, j int) bool {
		di, dj := ReceivingDate(layers[i].ReceivedAt), ReceivingDate(layers[j].ReceivedAt)
		if !di.Equal(dj) {
			return di.Before(dj)
		}
		return layers[i].Sequence < layers[j].Sequence
	})
}

// BuildPlan computes a FIFO plan from the given layers without side effects.
// The input slice is not modified.
// 与えられたレイヤーから副作用なしでFIFO計画を作成
func BuildPlan(skuID string, requested decimal.Decimal, layers []Layer) *ConsumptionPlan {
	ordered := make([]Layer, 0, len(layers))
	available := decimal.Zero
	for _, l := range layers {
		if l.SKUID != skuID || !l.RemainingQty.IsPositive() {
			continue
		}
		ordered = append(ordered, l)
		available = available.Add(l.RemainingQty)
	}
	SortLayersFIFO(ordered)

	plan := &ConsumptionPlan{
		SKUID:      skuID,
		Requested:  requested,
		Lines:      []PlanLine{},
		TotalQty:   decimal.Zero,
		TotalCost:  decimal.Zero,
		Available:  available,
		CanFulfill: true,
	}
	if !requested.IsPositive() {
		return plan
	}

	need := requested
	for _, l := range ordered {
		if !need.IsPositive() {
			break
		}
		take := decimal.Min(need, l.RemainingQty)
		cost := take.Mul(l.UnitCost)
		plan.Lines = append(plan.Lines, PlanLine{
			LayerID:    l.ID,
			ReceivedAt: ReceivingDate(l.ReceivedAt).Format("2006-01-02"),
			Quantity:   take,
			UnitCost:   l.UnitCost,
			TotalCost:  cost,
		})
		plan.TotalQty = plan.TotalQty.Add(take)
		plan.TotalCost = plan.TotalCost.Add(cost)
		need = need.Sub(take)
	}

	plan.CanFulfill = need.IsZero()
	return plan
}

// ApplyPlan returns a copy of layers with the plan's draws subtracted.
// Used to simulate several plans against the same SKU before executing any.
// 計画の引当を差し引いたレイヤーのコピーを返す
func ApplyPlan(layers []Layer, plan *ConsumptionPlan) []Layer {
	draws := make(map[string]decimal.Decimal, len(plan.Lines))
	for _, line := range plan.Lines {
		draws[line.LayerID] = draws[line.LayerID].Add(line.Quantity)
	}

	out := make([]Layer, 0, len(layers))
	for _, l := range layers {
		if d, ok := draws[l.ID]; ok {
			l.RemainingQty = l.RemainingQty.Sub(d)
		}
		if l.RemainingQty.IsPositive() {
			out = append(out, l)
		}
	}
	return out
}

// Planner reads active layers and builds plans
// アクティブレイヤーを読み込み計画を作成
type Planner struct {
	layers *LayerStore
}

// NewPlanner creates a planner over the given layer store
func NewPlanner(layers *LayerStore) *Planner {
	return &Planner{layers: layers}
}

// Plan reads the SKU's active layers from repo and plans the draw-down
// SKUのアクティブレイヤーを読み込み引当計画を作成
func (p *Planner) Plan(ctx context.Context, repo Repository, skuID string, quantity decimal.Decimal) (*ConsumptionPlan, error) {
	if !quantity.IsPositive() {
		return BuildPlan(skuID, quantity, nil), nil
	}

	layers, err := p.layers.ActiveLayers(ctx, repo, skuID)
	if err != nil {
		return nil, fmt.Errorf("引当計画の作成に失敗しました: %w", err)
	}
	return BuildPlan(skuID, quantity, layers), nil
}
