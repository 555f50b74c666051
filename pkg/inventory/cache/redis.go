package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/nemonet1337/zaiLedger/pkg/inventory"
)

// Options configures the Redis connection
// Redis接続設定
type Options struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
	Prefix   string
	TTL      time.Duration
}

// NewClient creates a Redis client and checks connectivity
// Redisクライアントを作成し接続を確認
func NewClient(ctx context.Context, opts Options) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
		PoolSize: opts.PoolSize,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("Redis接続に失敗しました (%s): %w", opts.Addr, err)
	}
	return rdb, nil
}

// LayerCache caches the active layers of a SKU as JSON
// SKUのアクティブレイヤーをJSONでキャッシュ
type LayerCache struct {
	rdb    redis.Cmdable
	prefix string
	ttl    time.Duration
	logger *zap.Logger
}

var _ inventory.LayerCache = (*LayerCache)(nil)

// NewLayerCache creates a Redis-backed layer cache
// Redisを使用したレイヤーキャッシュを作成
func NewLayerCache(rdb redis.Cmdable, opts Options, logger *zap.Logger) *LayerCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	prefix := opts.Prefix
	if prefix == "" {
		prefix = "zai"
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &LayerCache{rdb: rdb, prefix: prefix, ttl: ttl, logger: logger}
}

func (c *LayerCache) key(skuID string) string {
	return fmt.Sprintf("%s:layers:%s", c.prefix, skuID)
}

// GetLayers returns cached layers; the bool is false on a miss
// キャッシュ済みレイヤーを返す（未登録時はfalse）
func (c *LayerCache) GetLayers(ctx context.Context, skuID string) ([]inventory.Layer, bool, error) {
	val, err := c.rdb.Get(ctx, c.key(skuID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, err
	}

	var layers []inventory.Layer
	if err := json.Unmarshal(val, &layers); err != nil {
		// 壊れたエントリは未登録として扱う
		c.logger.Warn("レイヤーキャッシュの復元に失敗しました", zap.String("sku_id", skuID), zap.Error(err))
		return nil, false, nil
	}
	return layers, true, nil
}

func (c *LayerCache) SetLayers(ctx context.Context, skuID string, layers []inventory.Layer) error {
	payload, err := json.Marshal(layers)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, c.key(skuID), payload, c.ttl).Err()
}

func (c *LayerCache) Invalidate(ctx context.Context, skuIDs ...string) error {
	if len(skuIDs) == 0 {
		return nil
	}
	keys := make([]string, 0, len(skuIDs))
	for _, id := range skuIDs {
		keys = append(keys, c.key(id))
	}
	return c.rdb.Del(ctx, keys...).Err()
}

// ReferenceLocker serializes work on one external reference across processes
// 外部参照番号単位でプロセス間の排他を行う
type ReferenceLocker struct {
	locker *redislock.Client
	logger *zap.Logger
}

var _ inventory.ReferenceLocker = (*ReferenceLocker)(nil)

// NewReferenceLocker creates a locker on top of redislock
func NewReferenceLocker(rdb redis.UniversalClient, logger *zap.Logger) *ReferenceLocker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReferenceLocker{locker: redislock.New(rdb), logger: logger}
}

// Acquire obtains the lock or returns inventory.ErrReferenceBusy
// ロックを取得（取得できない場合はErrReferenceBusy）
func (l *ReferenceLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, error) {
	lock, err := l.locker.Obtain(ctx, key, ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		l.logger.Info("参照番号ロックを取得できませんでした", zap.String("key", key))
		return nil, inventory.ErrReferenceBusy
	}
	if err != nil {
		return nil, fmt.Errorf("ロック取得に失敗しました: %w", err)
	}

	release := func(ctx context.Context) error {
		if err := lock.Release(ctx); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
			return err
		}
		return nil
	}
	return release, nil
}
