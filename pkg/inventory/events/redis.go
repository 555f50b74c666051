package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/nemonet1337/zaiLedger/pkg/inventory"
)

// Channel names
// 発行先チャンネル
const (
	ChannelMovementRecorded = "movement.recorded"
	ChannelMovementReversed = "movement.reversed"
	ChannelLowStockAlert    = "stock.low"
)

// Envelope wraps every published event
// 発行するイベントの共通ラッパー
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// RedisPublisher publishes ledger events over Redis pub/sub
// Redis pub/subで台帳イベントを発行
type RedisPublisher struct {
	rdb    redis.Cmdable
	prefix string
	logger *zap.Logger
}

var _ inventory.EventPublisher = (*RedisPublisher)(nil)

// NewRedisPublisher creates a publisher; channels are "<prefix>:<name>"
func NewRedisPublisher(rdb redis.Cmdable, prefix string, logger *zap.Logger) *RedisPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if prefix == "" {
		prefix = "zai"
	}
	return &RedisPublisher{rdb: rdb, prefix: prefix, logger: logger}
}

// Channel returns the full channel name for an event name
func (p *RedisPublisher) Channel(name string) string {
	return p.prefix + ":" + name
}

func (p *RedisPublisher) PublishMovementRecorded(ctx context.Context, event inventory.MovementRecordedEvent) error {
	return p.publish(ctx, ChannelMovementRecorded, event)
}

func (p *RedisPublisher) PublishMovementReversed(ctx context.Context, event inventory.MovementReversedEvent) error {
	return p.publish(ctx, ChannelMovementReversed, event)
}

func (p *RedisPublisher) PublishLowStockAlert(ctx context.Context, event inventory.LowStockAlertEvent) error {
	return p.publish(ctx, ChannelLowStockAlert, event)
}

func (p *RedisPublisher) publish(ctx context.Context, name string, event interface{}) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("イベントのシリアライズに失敗しました: %w", err)
	}
	msg, err := json.Marshal(Envelope{Type: name, Payload: payload})
	if err != nil {
		return fmt.Errorf("イベントのシリアライズに失敗しました: %w", err)
	}

	channel := p.Channel(name)
	if err := p.rdb.Publish(ctx, channel, msg).Err(); err != nil {
		return fmt.Errorf("イベント発行に失敗しました (%s): %w", channel, err)
	}
	p.logger.Debug("イベントを発行しました", zap.String("channel", channel))
	return nil
}

// LogPublisher writes events to the log instead of a broker
// イベントをログに出力する発行者（ブローカー未設定時）
type LogPublisher struct {
	logger *zap.Logger
}

var _ inventory.EventPublisher = (*LogPublisher)(nil)

func NewLogPublisher(logger *zap.Logger) *LogPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) PublishMovementRecorded(ctx context.Context, event inventory.MovementRecordedEvent) error {
	p.logger.Info("移動記録イベント",
		zap.String("movement_id", event.MovementID),
		zap.String("type", string(event.Type)),
		zap.String("quantity", event.Quantity.String()),
		zap.String("total_value", event.TotalValue.String()),
		zap.String("user_id", event.UserID),
	)
	return nil
}

func (p *LogPublisher) PublishMovementReversed(ctx context.Context, event inventory.MovementReversedEvent) error {
	p.logger.Info("移動取消イベント",
		zap.String("movement_id", event.MovementID),
		zap.String("action", string(event.Action)),
		zap.String("reason", event.Reason),
		zap.String("user_id", event.UserID),
	)
	return nil
}

func (p *LogPublisher) PublishLowStockAlert(ctx context.Context, event inventory.LowStockAlertEvent) error {
	p.logger.Warn("在庫不足アラート",
		zap.String("sku_id", event.SKUID),
		zap.String("on_hand", event.OnHand.String()),
		zap.String("min_stock", event.MinStock.String()),
	)
	return nil
}
