package inventory

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLayer(id string, seq int64, day int, remaining, cost int64) Layer {
	return Layer{
		ID:           id,
		SKUID:        "FLOUR",
		Sequence:     seq,
		ReceivedAt:   time.Date(2024, 1, day, 0, 0, 0, 0, time.UTC),
		OriginalQty:  decimal.NewFromInt(remaining),
		RemainingQty: decimal.NewFromInt(remaining),
		UnitCost:     decimal.NewFromInt(cost),
		Status:       LayerStatusActive,
	}
}

// TestBuildPlan_FIFOOrder は受入日の古い順に引き当てることのテスト
func TestBuildPlan_FIFOOrder(t *testing.T) {
	layers := []Layer{
		testLayer("L3", 3, 3, 10, 150),
		testLayer("L1", 1, 1, 10, 100),
		testLayer("L2", 2, 2, 10, 120),
	}

	plan := BuildPlan("FLOUR", decimal.NewFromInt(15), layers)

	assert.True(t, plan.CanFulfill)
	require.Len(t, plan.Lines, 2)
	assert.Equal(t, "L1", plan.Lines[0].LayerID)
	assert.True(t, plan.Lines[0].Quantity.Equal(decimal.NewFromInt(10)))
	assert.True(t, plan.Lines[0].TotalCost.Equal(decimal.NewFromInt(1000)))
	assert.Equal(t, "L2", plan.Lines[1].LayerID)
	assert.True(t, plan.Lines[1].Quantity.Equal(decimal.NewFromInt(5)))
	assert.True(t, plan.TotalQty.Equal(decimal.NewFromInt(15)))
	assert.True(t, plan.TotalCost.Equal(decimal.NewFromInt(1600)))
	assert.True(t, plan.Available.Equal(decimal.NewFromInt(30)))
	assert.Equal(t, "106.666667", plan.UnitCost().String())
}

// TestBuildPlan_SameDateUsesSequence は同日受入の作成順テスト
func TestBuildPlan_SameDateUsesSequence(t *testing.T) {
	layers := []Layer{
		testLayer("LATE", 9, 1, 5, 100),
		testLayer("EARLY", 4, 1, 5, 200),
	}

	plan := BuildPlan("FLOUR", decimal.NewFromInt(5), layers)

	require.Len(t, plan.Lines, 1)
	assert.Equal(t, "EARLY", plan.Lines[0].LayerID)
}

// TestBuildPlan_SameDateIgnoresTimeOfDay は同日受入で時刻を無視し作成順で引き当てることのテスト
func TestBuildPlan_SameDateIgnoresTimeOfDay(t *testing.T) {
	afternoon := testLayer("FIRST", 1, 1, 10, 100)
	afternoon.ReceivedAt = time.Date(2024, 1, 1, 15, 0, 0, 0, time.UTC)
	morning := testLayer("SECOND", 2, 1, 10, 200)
	morning.ReceivedAt = time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	nextDay := testLayer("NEXT", 3, 2, 10, 300)
	nextDay.ReceivedAt = time.Date(2024, 1, 2, 1, 0, 0, 0, time.UTC)

	plan := BuildPlan("FLOUR", decimal.NewFromInt(25), []Layer{nextDay, morning, afternoon})

	require.Len(t, plan.Lines, 3)
	assert.Equal(t, "FIRST", plan.Lines[0].LayerID)
	assert.Equal(t, "SECOND", plan.Lines[1].LayerID)
	assert.Equal(t, "NEXT", plan.Lines[2].LayerID)
	assert.Equal(t, "2024-01-01", plan.Lines[0].ReceivedAt)
	assert.True(t, plan.TotalCost.Equal(decimal.NewFromInt(4500)))
}

// TestReceivingDate は受入日の算出テスト
func TestReceivingDate(t *testing.T) {
	jst := time.FixedZone("JST", 9*60*60)
	got := ReceivingDate(time.Date(2024, 1, 2, 8, 30, 0, 0, jst))
	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), got)
}

// TestBuildPlan_Insufficient は在庫不足時に可能な分だけ計画することのテスト
func TestBuildPlan_Insufficient(t *testing.T) {
	layers := []Layer{testLayer("L1", 1, 1, 4, 100)}

	plan := BuildPlan("FLOUR", decimal.NewFromInt(5), layers)

	assert.False(t, plan.CanFulfill)
	assert.True(t, plan.Available.Equal(decimal.NewFromInt(4)))
	assert.True(t, plan.TotalQty.Equal(decimal.NewFromInt(4)))
}

// TestBuildPlan_IgnoresOtherSKUsAndEmptyLayers は対象外レイヤーを無視することのテスト
func TestBuildPlan_IgnoresOtherSKUsAndEmptyLayers(t *testing.T) {
	other := testLayer("SUGAR-1", 1, 1, 10, 10)
	other.SKUID = "SUGAR"
	empty := testLayer("EMPTY", 2, 1, 10, 10)
	empty.RemainingQty = decimal.Zero

	plan := BuildPlan("FLOUR", decimal.NewFromInt(1), []Layer{other, empty})

	assert.False(t, plan.CanFulfill)
	assert.True(t, plan.IsEmpty())
	assert.True(t, plan.Available.IsZero())
}

// TestBuildPlan_NonPositiveQuantity は0以下の要求が空計画になることのテスト
func TestBuildPlan_NonPositiveQuantity(t *testing.T) {
	plan := BuildPlan("FLOUR", decimal.Zero, []Layer{testLayer("L1", 1, 1, 4, 100)})

	assert.True(t, plan.IsEmpty())
	assert.True(t, plan.UnitCost().IsZero())
}

// TestBuildPlan_DoesNotMutateInput は入力スライスを変更しないことのテスト
func TestBuildPlan_DoesNotMutateInput(t *testing.T) {
	layers := []Layer{
		testLayer("L2", 2, 2, 10, 120),
		testLayer("L1", 1, 1, 10, 100),
	}

	BuildPlan("FLOUR", decimal.NewFromInt(15), layers)

	assert.Equal(t, "L2", layers[0].ID)
	assert.True(t, layers[0].RemainingQty.Equal(decimal.NewFromInt(10)))
	assert.True(t, layers[1].RemainingQty.Equal(decimal.NewFromInt(10)))
}

// TestApplyPlan は計画適用後のレイヤーコピーのテスト
func TestApplyPlan(t *testing.T) {
	layers := []Layer{
		testLayer("L1", 1, 1, 10, 100),
		testLayer("L2", 2, 2, 10, 120),
	}
	plan := BuildPlan("FLOUR", decimal.NewFromInt(12), layers)

	rest := ApplyPlan(layers, plan)

	require.Len(t, rest, 1)
	assert.Equal(t, "L2", rest[0].ID)
	assert.True(t, rest[0].RemainingQty.Equal(decimal.NewFromInt(8)))
	assert.True(t, layers[1].RemainingQty.Equal(decimal.NewFromInt(10)))

	// 続けて計画すると前の引当を考慮する
	next := BuildPlan("FLOUR", decimal.NewFromInt(9), rest)
	assert.False(t, next.CanFulfill)
}

// TestOutputUnitCost は製造単価算出のテスト
func TestOutputUnitCost(t *testing.T) {
	plans := []LinePlan{
		{Type: MovementTypeIssue, Plan: &ConsumptionPlan{TotalCost: decimal.NewFromInt(100)}},
		{Type: MovementTypeWaste, Plan: &ConsumptionPlan{TotalCost: decimal.NewFromInt(20)}},
	}

	cost := OutputUnitCost(OutputSpec{Quantity: decimal.NewFromInt(7)}, plans)
	assert.Equal(t, "17.142857", cost.String())

	explicit := decimal.NewFromInt(5)
	cost = OutputUnitCost(OutputSpec{Quantity: decimal.NewFromInt(7), UnitCost: &explicit}, plans)
	assert.True(t, cost.Equal(explicit))
}
