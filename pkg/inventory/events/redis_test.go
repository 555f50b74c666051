package events

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nemonet1337/zaiLedger/pkg/inventory"
)

// TestRedisPublisher_Channel はチャンネル名の生成テスト
func TestRedisPublisher_Channel(t *testing.T) {
	p := NewRedisPublisher(nil, "", nil)
	assert.Equal(t, "zai:movement.recorded", p.Channel(ChannelMovementRecorded))

	p = NewRedisPublisher(nil, "ledger", zap.NewNop())
	assert.Equal(t, "ledger:stock.low", p.Channel(ChannelLowStockAlert))
}

// TestRedisPublisher_Unreachable は接続できない場合にエラーを返すことのテスト
func TestRedisPublisher_Unreachable(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer rdb.Close()

	p := NewRedisPublisher(rdb, "zai", zap.NewNop())
	err := p.PublishLowStockAlert(context.Background(), inventory.LowStockAlertEvent{SKUID: "FLOUR"})
	assert.Error(t, err)
}

// TestLogPublisher はログ発行者のテスト
func TestLogPublisher(t *testing.T) {
	p := NewLogPublisher(nil)
	ctx := context.Background()

	assert.NoError(t, p.PublishMovementRecorded(ctx, inventory.MovementRecordedEvent{MovementID: "M1", Type: inventory.MovementTypeIssue}))
	assert.NoError(t, p.PublishMovementReversed(ctx, inventory.MovementReversedEvent{MovementID: "M1"}))
	assert.NoError(t, p.PublishLowStockAlert(ctx, inventory.LowStockAlertEvent{SKUID: "FLOUR", OnHand: decimal.NewFromInt(1)}))
}

// TestRedisPublisher_Publish は実Redisでの発行テスト
// ZAI_TEST_REDIS_ADDR が設定されている場合のみ実行
func TestRedisPublisher_Publish(t *testing.T) {
	addr := os.Getenv("ZAI_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("ZAI_TEST_REDIS_ADDR が未設定のためスキップします")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	defer rdb.Close()

	p := NewRedisPublisher(rdb, "zai-test", zap.NewNop())
	sub := rdb.Subscribe(ctx, p.Channel(ChannelLowStockAlert))
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	require.NoError(t, p.PublishLowStockAlert(ctx, inventory.LowStockAlertEvent{SKUID: "FLOUR", OnHand: decimal.NewFromInt(2)}))

	msg, err := sub.ReceiveMessage(ctx)
	require.NoError(t, err)
	var env Envelope
	require.NoError(t, json.Unmarshal([]byte(msg.Payload), &env))
	assert.Equal(t, ChannelLowStockAlert, env.Type)
	assert.Contains(t, string(env.Payload), "FLOUR")
}
