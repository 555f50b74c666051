package inventory

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestKindOf はエラー種別の判定テスト
func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"nil", nil, ""},
		{"validation", NewValidationError("quantity", "不正", "0"), KindInvalidInput},
		{"insufficient", &InsufficientInventoryError{SKUID: "FLOUR"}, KindInsufficientInventory},
		{"conflict", &ConcurrentConsumptionConflictError{SKUID: "FLOUR"}, KindConcurrentConsumptionConflict},
		{"layer conflict", ErrLayerConflict, KindConcurrentConsumptionConflict},
		{"on hand", &InsufficientOnHandError{SKUID: "FLOUR"}, KindInsufficientOnHand},
		{"blocked", &DeletionBlockedError{}, KindDeletionBlocked},
		{"adjustment", &InvalidAdjustmentError{LayerID: "L1"}, KindInvalidAdjustment},
		{"wrapped not found", fmt.Errorf("取得失敗: %w", ErrMovementNotFound), KindNotFound},
		{"sku not found", ErrSKUNotFound, KindNotFound},
		{"duplicate reference", ErrDuplicateReference, KindConflict},
		{"already reversed", ErrAlreadyReversed, KindConflict},
		{"reference busy", ErrReferenceBusy, KindConflict},
		{"inactive", fmt.Errorf("%w: FLOUR", ErrSKUInactive), KindInvalidInput},
		{"storage", NewStorageError("insert", "失敗", nil), KindStorage},
		{"unknown", errors.New("想定外"), KindUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

// TestIsTransient は再試行対象エラーの判定テスト
func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(&ConcurrentConsumptionConflictError{}))
	assert.True(t, IsTransient(fmt.Errorf("wrap: %w", ErrLayerConflict)))
	assert.True(t, IsTransient(NewTransientStorageError("tx", "deadlock", nil)))
	assert.False(t, IsTransient(NewStorageError("tx", "失敗", nil)))
	assert.False(t, IsTransient(&InsufficientInventoryError{}))
	assert.False(t, IsTransient(ErrMovementNotFound))
}

// TestStorageError_Unwrap は原因エラーの取り出しテスト
func TestStorageError_Unwrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := NewStorageError("ping", "接続失敗", cause)

	assert.True(t, errors.Is(err, cause))
	assert.Contains(t, err.Error(), "connection refused")
}

// TestDeleteValidationResult_Err は削除判定結果からのエラー生成テスト
func TestDeleteValidationResult_Err(t *testing.T) {
	ok := &DeleteValidationResult{MovementID: "M1", CanDelete: true}
	assert.NoError(t, ok.Err())

	blocked := &DeleteValidationResult{MovementID: "M1"}
	blocked.block("使用されています")
	var dbe *DeletionBlockedError
	assert.True(t, errors.As(blocked.Err(), &dbe))
	assert.Equal(t, "使用されています", dbe.Result.Reason)

	missing := &DeleteValidationResult{MovementID: "M2", cause: ErrMovementNotFound}
	assert.True(t, errors.Is(missing.Err(), ErrMovementNotFound))
}
