package storage

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nemonet1337/zaiLedger/pkg/inventory"
)

// TestClassifyError はドライバーエラーの変換テスト
func TestClassifyError(t *testing.T) {
	assert.NoError(t, classifyError("noop", nil))

	for _, code := range []pq.ErrorCode{"40001", "40P01", "55P03"} {
		err := classifyError("update", &pq.Error{Code: code})
		assert.True(t, inventory.IsTransient(err), "code %s", code)
		assert.Equal(t, inventory.KindStorage, inventory.KindOf(err))
	}

	err := classifyError("insert", &pq.Error{Code: "23505", Constraint: "skus_pkey"})
	assert.True(t, errors.Is(err, inventory.ErrDuplicateSKU))

	err = classifyError("insert", &pq.Error{Code: "23505", Constraint: "uq_movements_receive_reference"})
	assert.True(t, errors.Is(err, inventory.ErrDuplicateReference))

	err = classifyError("update", &pq.Error{Code: "23514", Constraint: "skus_on_hand_check"})
	assert.False(t, inventory.IsTransient(err))
	assert.Contains(t, err.Error(), "skus_on_hand_check")

	cause := errors.New("connection reset")
	err = classifyError("select", cause)
	assert.True(t, errors.Is(err, cause))
	assert.False(t, inventory.IsTransient(err))
}

// TestPostgreSQLStorage_Ledger は実データベースでの台帳フローのテスト
// ZAI_TEST_POSTGRES_DSN が設定されている場合のみ実行（マイグレーション適用済みであること）
func TestPostgreSQLStorage_Ledger(t *testing.T) {
	dsn := os.Getenv("ZAI_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("ZAI_TEST_POSTGRES_DSN が未設定のためスキップします")
	}

	ctx := context.Background()
	logger := zap.NewNop()
	store, err := NewPostgreSQLStorage(dsn, logger, DefaultPostgresOptions())
	require.NoError(t, err)
	defer store.Close()
	require.NoError(t, store.Ping(ctx))

	m := inventory.NewManager(store, nil, logger, &inventory.Config{
		Retry:            inventory.RetryPolicy{MaxAttempts: 5, BaseDelay: 5 * time.Millisecond, MaxDelay: 50 * time.Millisecond},
		ReferenceLockTTL: time.Second,
	})

	skuID := "IT-" + inventory.NewID()[:8]
	require.NoError(t, m.CreateSKU(ctx, &inventory.SKU{ID: skuID, Name: "結合テスト", Class: inventory.MaterialClassRaw, IsActive: true}))

	rcv, err := m.Receive(ctx, inventory.ReceiveInput{
		SKUID:      skuID,
		Quantity:   decimal.NewFromInt(10),
		UnitCost:   decimal.NewFromInt(100),
		ReceivedAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Reference:  "PO-IT",
	})
	require.NoError(t, err)
	again, err := m.Receive(ctx, inventory.ReceiveInput{SKUID: skuID, Quantity: decimal.NewFromInt(10), UnitCost: decimal.NewFromInt(100), Reference: "PO-IT"})
	require.NoError(t, err)
	assert.Equal(t, rcv.ID, again.ID)

	_, err = m.Receive(ctx, inventory.ReceiveInput{
		SKUID:      skuID,
		Quantity:   decimal.NewFromInt(10),
		UnitCost:   decimal.NewFromInt(120),
		ReceivedAt: time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)

	iss, err := m.Issue(ctx, inventory.ConsumeInput{SKUID: skuID, Quantity: decimal.NewFromInt(15)})
	require.NoError(t, err)
	assert.True(t, iss.TotalValue.Equal(decimal.NewFromInt(-1600)))

	assert.False(t, m.CanDeleteMovementQuick(ctx, rcv.ID))
	_, err = m.DeleteMovement(ctx, iss.ID, "結合テスト")
	require.NoError(t, err)
	_, err = m.DeleteMovement(ctx, rcv.ID, "結合テスト")
	require.NoError(t, err)

	require.NoError(t, m.VerifyConservation(ctx, skuID))
	sku, err := m.GetSKU(ctx, skuID)
	require.NoError(t, err)
	assert.True(t, sku.OnHand.Equal(decimal.NewFromInt(10)))
}
