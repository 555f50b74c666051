package inventory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

// TestRetryPolicy_Delay は再試行間隔のテスト
func TestRetryPolicy_Delay(t *testing.T) {
	p := DefaultRetryPolicy()

	assert.Equal(t, time.Duration(0), p.Delay(0))
	assert.Equal(t, 50*time.Millisecond, p.Delay(1))
	assert.Equal(t, 100*time.Millisecond, p.Delay(2))
	assert.Equal(t, 200*time.Millisecond, p.Delay(3))
	assert.Equal(t, time.Second, p.Delay(10))
}

// TestRetryPolicy_DoRetriesTransient は一時的なエラーを再試行することのテスト
func TestRetryPolicy_DoRetriesTransient(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}

	calls, retries := 0, 0
	err := p.Do(context.Background(), zap.NewNop(), "issue", func(int, error) { retries++ }, func(context.Context) error {
		calls++
		if calls < 3 {
			return &ConcurrentConsumptionConflictError{SKUID: "FLOUR", LayerID: "L1"}
		}
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, 2, retries)
}

// TestRetryPolicy_DoStopsOnPermanentError は一時的でないエラーで即座に終了することのテスト
func TestRetryPolicy_DoStopsOnPermanentError(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 5, BaseDelay: time.Millisecond}

	calls := 0
	err := p.Do(context.Background(), zap.NewNop(), "issue", nil, func(context.Context) error {
		calls++
		return &InsufficientInventoryError{SKUID: "FLOUR"}
	})

	var insufficient *InsufficientInventoryError
	assert.True(t, errors.As(err, &insufficient))
	assert.Equal(t, 1, calls)
}

// TestRetryPolicy_DoExhaustsAttempts は試行回数上限で最後のエラーを返すことのテスト
func TestRetryPolicy_DoExhaustsAttempts(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 2, BaseDelay: time.Millisecond}

	calls := 0
	err := p.Do(context.Background(), zap.NewNop(), "delete", nil, func(context.Context) error {
		calls++
		return NewTransientStorageError("update", "シリアライズ失敗", nil)
	})

	assert.True(t, IsTransient(err))
	assert.Equal(t, 2, calls)
}

// TestRetryPolicy_DoHonorsContext はコンテキストのキャンセルで中断することのテスト
func TestRetryPolicy_DoHonorsContext(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 5, BaseDelay: time.Hour}
	ctx, cancel := context.WithCancel(context.Background())

	err := p.Do(ctx, zap.NewNop(), "issue", func(int, error) { cancel() }, func(context.Context) error {
		return ErrLayerConflict
	})

	assert.True(t, errors.Is(err, context.Canceled))
}
