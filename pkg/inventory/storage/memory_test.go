package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nemonet1337/zaiLedger/pkg/inventory"
)

func newSeededMemory(t *testing.T) (*MemoryStorage, *inventory.Layer) {
	t.Helper()
	ctx := context.Background()
	s := NewMemoryStorage(zap.NewNop())

	require.NoError(t, s.CreateSKU(ctx, &inventory.SKU{ID: "FLOUR", Name: "小麦粉", Class: inventory.MaterialClassRaw, IsActive: true}))
	layer := &inventory.Layer{
		ID:           inventory.NewID(),
		SKUID:        "FLOUR",
		ReceivedAt:   time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		OriginalQty:  decimal.NewFromInt(10),
		RemainingQty: decimal.NewFromInt(10),
		UnitCost:     decimal.NewFromInt(100),
		Status:       inventory.LayerStatusActive,
	}
	require.NoError(t, s.CreateLayer(ctx, layer))
	require.NoError(t, s.AddSKUOnHand(ctx, "FLOUR", layer.OriginalQty))
	return s, layer
}

// TestMemoryStorage_CreateSKU はSKU重複登録のテスト
func TestMemoryStorage_CreateSKU(t *testing.T) {
	s, _ := newSeededMemory(t)
	ctx := context.Background()

	err := s.CreateSKU(ctx, &inventory.SKU{ID: "FLOUR"})
	assert.True(t, errors.Is(err, inventory.ErrDuplicateSKU))

	_, err = s.GetSKU(ctx, "UNKNOWN")
	assert.True(t, errors.Is(err, inventory.ErrSKUNotFound))

	err = s.AddSKUOnHand(ctx, "FLOUR", decimal.NewFromInt(-11))
	assert.Equal(t, inventory.KindStorage, inventory.KindOf(err))
}

// TestMemoryStorage_DecrementLayer は条件付き減算のテスト
func TestMemoryStorage_DecrementLayer(t *testing.T) {
	s, layer := newSeededMemory(t)
	ctx := context.Background()

	updated, err := s.DecrementLayer(ctx, layer.ID, decimal.NewFromInt(4))
	require.NoError(t, err)
	assert.True(t, updated.RemainingQty.Equal(decimal.NewFromInt(6)))

	_, err = s.DecrementLayer(ctx, layer.ID, decimal.NewFromInt(7))
	assert.True(t, errors.Is(err, inventory.ErrLayerConflict))

	updated, err = s.DecrementLayer(ctx, layer.ID, decimal.NewFromInt(6))
	require.NoError(t, err)
	assert.Equal(t, inventory.LayerStatusClosed, updated.Status)

	active, err := s.ListActiveLayers(ctx, "FLOUR")
	require.NoError(t, err)
	assert.Empty(t, active)

	_, err = s.DecrementLayer(ctx, "missing", decimal.NewFromInt(1))
	assert.True(t, errors.Is(err, inventory.ErrLayerNotFound))
}

// TestMemoryStorage_SetLayerRemainingBounds は残数量の範囲チェックのテスト
func TestMemoryStorage_SetLayerRemainingBounds(t *testing.T) {
	s, layer := newSeededMemory(t)
	ctx := context.Background()

	_, err := s.SetLayerRemaining(ctx, layer.ID, decimal.NewFromInt(11))
	assert.Error(t, err)
	_, err = s.SetLayerRemaining(ctx, layer.ID, decimal.NewFromInt(-1))
	assert.Error(t, err)

	updated, err := s.SetLayerRemaining(ctx, layer.ID, decimal.NewFromInt(3))
	require.NoError(t, err)
	assert.True(t, updated.RemainingQty.Equal(decimal.NewFromInt(3)))
}

// TestMemoryStorage_WithinTxRollback はエラー時にすべての変更が破棄されることのテスト
func TestMemoryStorage_WithinTxRollback(t *testing.T) {
	s, layer := newSeededMemory(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.WithinTx(ctx, func(ctx context.Context, repo inventory.Repository) error {
		if _, err := repo.DecrementLayer(ctx, layer.ID, decimal.NewFromInt(5)); err != nil {
			return err
		}
		if err := repo.AddSKUOnHand(ctx, "FLOUR", decimal.NewFromInt(-5)); err != nil {
			return err
		}
		// トランザクション内では自身の書き込みが見える
		got, err := repo.GetLayer(ctx, layer.ID)
		require.NoError(t, err)
		assert.True(t, got.RemainingQty.Equal(decimal.NewFromInt(5)))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	got, err := s.GetLayer(ctx, layer.ID)
	require.NoError(t, err)
	assert.True(t, got.RemainingQty.Equal(decimal.NewFromInt(10)))
	sku, err := s.GetSKU(ctx, "FLOUR")
	require.NoError(t, err)
	assert.True(t, sku.OnHand.Equal(decimal.NewFromInt(10)))
}

// TestMemoryStorage_WithinTxCanceledContext はキャンセル済みコンテキストのテスト
func TestMemoryStorage_WithinTxCanceledContext(t *testing.T) {
	s, _ := newSeededMemory(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := s.WithinTx(ctx, func(context.Context, inventory.Repository) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
}

// TestMemoryStorage_ReceiveReferenceUnique は入庫参照番号の一意性テスト
func TestMemoryStorage_ReceiveReferenceUnique(t *testing.T) {
	s, _ := newSeededMemory(t)
	ctx := context.Background()
	sku := "FLOUR"

	first := &inventory.Movement{ID: inventory.NewID(), Type: inventory.MovementTypeReceive, SKUID: &sku, Reference: "PO-1"}
	require.NoError(t, s.CreateMovement(ctx, first))

	dup := &inventory.Movement{ID: inventory.NewID(), Type: inventory.MovementTypeReceive, SKUID: &sku, Reference: "PO-1"}
	assert.True(t, errors.Is(s.CreateMovement(ctx, dup), inventory.ErrDuplicateReference))

	// 出庫は参照番号が重複してもよい
	out := &inventory.Movement{ID: inventory.NewID(), Type: inventory.MovementTypeIssue, SKUID: &sku, Reference: "PO-1"}
	require.NoError(t, s.CreateMovement(ctx, out))

	found, err := s.FindReceiveByReference(ctx, "FLOUR", "PO-1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, found.ID)

	require.NoError(t, s.MarkMovementReversed(ctx, first.ID, time.Now(), "誤入力", "tester"))
	assert.True(t, errors.Is(s.MarkMovementReversed(ctx, first.ID, time.Now(), "誤入力", "tester"), inventory.ErrAlreadyReversed))

	_, err = s.FindReceiveByReference(ctx, "FLOUR", "PO-1")
	assert.True(t, errors.Is(err, inventory.ErrMovementNotFound))
	require.NoError(t, s.CreateMovement(ctx, dup))
}

// TestMemoryStorage_DeleteLayer は消費済みレイヤーの削除拒否のテスト
func TestMemoryStorage_DeleteLayer(t *testing.T) {
	s, layer := newSeededMemory(t)
	ctx := context.Background()
	sku := "FLOUR"

	mv := &inventory.Movement{ID: inventory.NewID(), Type: inventory.MovementTypeIssue, SKUID: &sku}
	require.NoError(t, s.CreateMovement(ctx, mv))
	receipt := &inventory.ConsumptionReceipt{
		ID:         inventory.NewID(),
		LayerID:    layer.ID,
		MovementID: mv.ID,
		SKUID:      "FLOUR",
		Quantity:   decimal.NewFromInt(1),
	}
	require.NoError(t, s.CreateReceipt(ctx, receipt))

	// 残数量が元に戻っていても消費記録があれば削除できない
	assert.True(t, errors.Is(s.DeleteLayer(ctx, layer.ID), inventory.ErrLayerConsumed))

	require.NoError(t, s.DeleteReceiptsByMovement(ctx, mv.ID))
	require.NoError(t, s.DeleteLayer(ctx, layer.ID))

	_, err := s.GetLayer(ctx, layer.ID)
	assert.True(t, errors.Is(err, inventory.ErrLayerNotFound))
}

// TestMemoryStorage_DeleteLayerKeepsAdjustments はレイヤー削除後も調整記録が残ることのテスト
func TestMemoryStorage_DeleteLayerKeepsAdjustments(t *testing.T) {
	s, layer := newSeededMemory(t)
	ctx := context.Background()

	adj := &inventory.LayerAdjustment{
		ID:           inventory.NewID(),
		LayerID:      layer.ID,
		OldRemaining: decimal.NewFromInt(10),
		NewRemaining: decimal.NewFromInt(10),
		Reason:       "棚卸",
		CreatedBy:    "tester",
	}
	require.NoError(t, s.CreateLayerAdjustment(ctx, adj))
	require.NoError(t, s.DeleteLayer(ctx, layer.ID))

	adjs, err := s.ListAdjustmentsByLayer(ctx, layer.ID)
	require.NoError(t, err)
	require.Len(t, adjs, 1)
	assert.Equal(t, adj.ID, adjs[0].ID)
}

// TestMemoryStorage_MovementOrdering は移動一覧の並び順のテスト
func TestMemoryStorage_MovementOrdering(t *testing.T) {
	s, layer := newSeededMemory(t)
	ctx := context.Background()
	sku := "FLOUR"
	wo := &inventory.WorkOrder{ID: inventory.NewID(), Reference: "WO-1", Status: inventory.WorkOrderStatusCompleted}
	require.NoError(t, s.CreateWorkOrder(ctx, wo))
	assert.True(t, errors.Is(s.CreateWorkOrder(ctx, &inventory.WorkOrder{ID: inventory.NewID(), Reference: "WO-1"}), inventory.ErrDuplicateReference))

	var ids []string
	for i := 0; i < 3; i++ {
		mv := &inventory.Movement{ID: inventory.NewID(), Type: inventory.MovementTypeIssue, SKUID: &sku, WorkOrderID: &wo.ID, LayerID: &layer.ID}
		require.NoError(t, s.CreateMovement(ctx, mv))
		ids = append(ids, mv.ID)
	}

	byOrder, err := s.ListMovementsByWorkOrder(ctx, wo.ID)
	require.NoError(t, err)
	require.Len(t, byOrder, 3)
	assert.Equal(t, ids[0], byOrder[0].ID)
	assert.Equal(t, ids[2], byOrder[2].ID)

	bySKU, err := s.ListMovementsBySKU(ctx, "FLOUR", 2)
	require.NoError(t, err)
	require.Len(t, bySKU, 2)
	assert.Equal(t, ids[2], bySKU[0].ID)

	byLayer, err := s.ListMovementsByLayer(ctx, layer.ID)
	require.NoError(t, err)
	assert.Len(t, byLayer, 3)

	require.NoError(t, s.UpdateWorkOrderStatus(ctx, wo.ID, inventory.WorkOrderStatusReversed, time.Now()))
	got, err := s.GetWorkOrderByReference(ctx, "WO-1")
	require.NoError(t, err)
	assert.Equal(t, inventory.WorkOrderStatusReversed, got.Status)
}
