package inventory_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nemonet1337/zaiLedger/pkg/inventory"
	"github.com/nemonet1337/zaiLedger/pkg/inventory/storage"
)

func seedLedger(t *testing.T) (*storage.MemoryStorage, *inventory.LayerStore, *inventory.Planner, *inventory.Executor) {
	t.Helper()
	ctx := context.Background()
	logger := zap.NewNop()
	store := storage.NewMemoryStorage(logger)
	layers := inventory.NewLayerStore(logger, nil)

	require.NoError(t, store.CreateSKU(ctx, &inventory.SKU{ID: "FLOUR", Name: "小麦粉", Class: inventory.MaterialClassRaw, IsActive: true}))
	err := store.WithinTx(ctx, func(ctx context.Context, repo inventory.Repository) error {
		for i, cost := range []string{"100", "120"} {
			if _, err := layers.CreateLayer(ctx, repo, inventory.LayerSpec{
				SKUID:      "FLOUR",
				Quantity:   dec("10"),
				UnitCost:   dec(cost),
				ReceivedAt: day(i + 1),
			}); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	return store, layers, inventory.NewPlanner(layers), inventory.NewExecutor(logger, nil)
}

func createMovement(t *testing.T, repo inventory.Repository) string {
	t.Helper()
	sku := "FLOUR"
	mv := &inventory.Movement{ID: inventory.NewID(), Type: inventory.MovementTypeIssue, SKUID: &sku}
	require.NoError(t, repo.CreateMovement(context.Background(), mv))
	return mv.ID
}

// TestExecutor_ExecuteAndReverse は計画の実行と取消のテスト
func TestExecutor_ExecuteAndReverse(t *testing.T) {
	store, _, planner, executor := seedLedger(t)
	ctx := context.Background()

	plan, err := planner.Plan(ctx, store, "FLOUR", dec("12"))
	require.NoError(t, err)

	var movementID string
	err = store.WithinTx(ctx, func(ctx context.Context, repo inventory.Repository) error {
		movementID = createMovement(t, repo)
		receipts, err := executor.Execute(ctx, repo, plan, movementID)
		if err != nil {
			return err
		}
		assert.Len(t, receipts, 2)
		return nil
	})
	require.NoError(t, err)

	sku, err := store.GetSKU(ctx, "FLOUR")
	require.NoError(t, err)
	assertDec(t, "8", sku.OnHand)

	receipts, err := store.ListReceiptsByMovement(ctx, movementID)
	require.NoError(t, err)
	require.Len(t, receipts, 2)
	assertDec(t, "1000", receipts[0].TotalCost)
	assertDec(t, "240", receipts[1].TotalCost)

	err = store.WithinTx(ctx, func(ctx context.Context, repo inventory.Repository) error {
		_, err := executor.Reverse(ctx, repo, movementID)
		return err
	})
	require.NoError(t, err)

	sku, err = store.GetSKU(ctx, "FLOUR")
	require.NoError(t, err)
	assertDec(t, "20", sku.OnHand)
	receipts, err = store.ListReceiptsByMovement(ctx, movementID)
	require.NoError(t, err)
	assert.Empty(t, receipts)
}

// TestExecutor_StalePlanConflicts は古い計画が競合エラーになることのテスト
func TestExecutor_StalePlanConflicts(t *testing.T) {
	store, _, planner, executor := seedLedger(t)
	ctx := context.Background()

	stale, err := planner.Plan(ctx, store, "FLOUR", dec("10"))
	require.NoError(t, err)

	// 別の消費が先にコミットされる
	fresh, err := planner.Plan(ctx, store, "FLOUR", dec("4"))
	require.NoError(t, err)
	require.NoError(t, store.WithinTx(ctx, func(ctx context.Context, repo inventory.Repository) error {
		_, err := executor.Execute(ctx, repo, fresh, createMovement(t, repo))
		return err
	}))

	err = store.WithinTx(ctx, func(ctx context.Context, repo inventory.Repository) error {
		_, err := executor.Execute(ctx, repo, stale, createMovement(t, repo))
		return err
	})
	var conflict *inventory.ConcurrentConsumptionConflictError
	require.True(t, errors.As(err, &conflict))
	assert.True(t, inventory.IsTransient(err))

	sku, err := store.GetSKU(ctx, "FLOUR")
	require.NoError(t, err)
	assertDec(t, "16", sku.OnHand)
}

// TestExecutor_DetectsOnHandDrift は手持ち数量とレイヤーの不整合検出のテスト
func TestExecutor_DetectsOnHandDrift(t *testing.T) {
	store, _, planner, executor := seedLedger(t)
	ctx := context.Background()

	require.NoError(t, store.AddSKUOnHand(ctx, "FLOUR", dec("-15")))

	plan, err := planner.Plan(ctx, store, "FLOUR", dec("10"))
	require.NoError(t, err)

	err = store.WithinTx(ctx, func(ctx context.Context, repo inventory.Repository) error {
		_, err := executor.Execute(ctx, repo, plan, createMovement(t, repo))
		return err
	})
	var drift *inventory.InsufficientOnHandError
	require.True(t, errors.As(err, &drift))
	assertDec(t, "5", drift.OnHand)
	assertDec(t, "10", drift.Required)

	// ロールバックによりレイヤーは変更されない
	layers, err := store.ListActiveLayers(ctx, "FLOUR")
	require.NoError(t, err)
	assertDec(t, "20", inventory.SumRemaining(layers))
}

// TestLayerStore_RemoveUnconsumedLayer は未消費レイヤー削除のテスト
func TestLayerStore_RemoveUnconsumedLayer(t *testing.T) {
	store, layers, planner, executor := seedLedger(t)
	ctx := context.Background()

	active, err := store.ListActiveLayers(ctx, "FLOUR")
	require.NoError(t, err)
	require.Len(t, active, 2)

	plan, err := planner.Plan(ctx, store, "FLOUR", dec("1"))
	require.NoError(t, err)
	require.NoError(t, store.WithinTx(ctx, func(ctx context.Context, repo inventory.Repository) error {
		_, err := executor.Execute(ctx, repo, plan, createMovement(t, repo))
		return err
	}))

	err = store.WithinTx(ctx, func(ctx context.Context, repo inventory.Repository) error {
		_, err := layers.RemoveUnconsumedLayer(ctx, repo, active[0].ID)
		return err
	})
	assert.True(t, errors.Is(err, inventory.ErrLayerConsumed))

	err = store.WithinTx(ctx, func(ctx context.Context, repo inventory.Repository) error {
		_, err := layers.RemoveUnconsumedLayer(ctx, repo, active[1].ID)
		return err
	})
	require.NoError(t, err)

	sku, err := store.GetSKU(ctx, "FLOUR")
	require.NoError(t, err)
	assertDec(t, "9", sku.OnHand)
}
