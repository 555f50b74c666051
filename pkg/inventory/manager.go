package inventory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Manager is the movement ledger. It orchestrates the layer store, planner,
// executor, deletion guard and work order orchestrator over one Storage.
// 移動台帳。レイヤーストア・計画・実行・削除ガード・作業指示を統括
type Manager struct {
	storage   Storage        // ストレージ層
	publisher EventPublisher // イベント発行者
	logger    *zap.Logger    // ログ
	config    *Config        // 設定
	cache     LayerCache     // レイヤー読み取りキャッシュ
	locker    ReferenceLocker

	// cacheMu orders cache fills against invalidations; cacheGen counts
	// invalidations per SKU
	cacheMu  sync.Mutex
	cacheGen map[string]uint64
	metrics   *Metrics
	now       func() time.Time

	layers   *LayerStore
	planner  *Planner
	executor *Executor
	guard    *DeletionGuard
	orders   *WorkOrderOrchestrator
}

var _ Ledger = (*Manager)(nil)

// Config holds configuration for the ledger
// 台帳の設定を保持
type Config struct {
	Retry            RetryPolicy   `yaml:"retry"`              // 再試行ポリシー
	LowStockAlerts   bool          `yaml:"low_stock_alerts"`   // 低在庫アラート有効
	ReferenceLockTTL time.Duration `yaml:"reference_lock_ttl"` // 参照番号ロックの有効期間
}

// DefaultConfig returns the default ledger configuration
// デフォルト設定を返す
func DefaultConfig() *Config {
	return &Config{
		Retry:            DefaultRetryPolicy(),
		LowStockAlerts:   true,
		ReferenceLockTTL: 30 * time.Second,
	}
}

// Option configures optional collaborators of the Manager
type Option func(*Manager)

// WithCache enables the read-through layer cache
func WithCache(cache LayerCache) Option {
	return func(m *Manager) { m.cache = cache }
}

// WithLocker enables cross-instance locking of work order references
func WithLocker(locker ReferenceLocker) Option {
	return func(m *Manager) { m.locker = locker }
}

// WithMetrics enables Prometheus metrics
func WithMetrics(metrics *Metrics) Option {
	return func(m *Manager) { m.metrics = metrics }
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a new ledger manager
// 新しい台帳マネージャーを作成
func NewManager(storage Storage, publisher EventPublisher, logger *zap.Logger, config *Config, opts ...Option) *Manager {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	m := &Manager{
		storage:   storage,
		publisher: publisher,
		logger:    logger,
		config:    config,
		now:       time.Now,
		cacheGen:  make(map[string]uint64),
	}
	for _, opt := range opts {
		opt(m)
	}

	m.layers = NewLayerStore(logger, m.now)
	m.planner = NewPlanner(m.layers)
	m.executor = NewExecutor(logger, m.now)
	m.orders = NewWorkOrderOrchestrator(m.layers, m.executor, logger, m.now)
	m.guard = NewDeletionGuard(m.layers, m.executor, m.orders, logger, m.now)
	return m
}

type contextKey string

const userIDKey contextKey = "user_id"

// WithUser returns a context carrying the acting user
// 操作ユーザーをコンテキストに設定
func WithUser(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

// UserFromContext returns the acting user or "system"
// コンテキストから操作ユーザーを取得
func UserFromContext(ctx context.Context) string {
	if userID, ok := ctx.Value(userIDKey).(string); ok && userID != "" {
		return userID
	}
	return "system"
}

// CreateSKU registers a SKU with zero on-hand
// SKUを登録（手持ち数量は0）
func (m *Manager) CreateSKU(ctx context.Context, sku *SKU) error {
	if err := ValidateSKU(sku); err != nil {
		return err
	}
	now := m.now()
	sku.OnHand = decimal.Zero
	sku.CreatedAt = now
	sku.UpdatedAt = now
	if err := m.storage.CreateSKU(ctx, sku); err != nil {
		return err
	}
	m.logger.Info("SKUを登録しました", zap.String("sku_id", sku.ID), zap.String("class", string(sku.Class)))
	return nil
}

// GetSKU returns a SKU by ID
// SKUを取得
func (m *Manager) GetSKU(ctx context.Context, skuID string) (*SKU, error) {
	return m.storage.GetSKU(ctx, skuID)
}

// GetMovement returns a movement by ID
// 移動を取得
func (m *Manager) GetMovement(ctx context.Context, movementID string) (*Movement, error) {
	return m.storage.GetMovement(ctx, movementID)
}

// Receive creates a layer and its RECEIVE movement atomically. A retry with the
// same SKU and reference returns the existing movement.
// レイヤーとRECEIVE移動を原子的に作成。同一SKU・参照番号の再送は既存の移動を返す
func (m *Manager) Receive(ctx context.Context, in ReceiveInput) (*Movement, error) {
	start := time.Now()
	if err := ValidateReceiveInput(in); err != nil {
		return nil, err
	}

	var (
		mv       *Movement
		existing bool
	)
	err := m.withRetry(ctx, "receive", func(ctx context.Context) error {
		mv, existing = nil, false
		return m.storage.WithinTx(ctx, func(ctx context.Context, repo Repository) error {
			if _, err := m.activeSKU(ctx, repo, in.SKUID); err != nil {
				return err
			}
			if in.Reference != "" {
				prev, err := repo.FindReceiveByReference(ctx, in.SKUID, in.Reference)
				if err == nil {
					mv, existing = prev, true
					return nil
				}
				if !errors.Is(err, ErrMovementNotFound) {
					return err
				}
			}

			movementID := NewID()
			layer, err := m.layers.CreateLayer(ctx, repo, LayerSpec{
				SKUID:            in.SKUID,
				Quantity:         in.Quantity,
				UnitCost:         in.UnitCost,
				ReceivedAt:       in.ReceivedAt,
				OriginMovementID: &movementID,
				VendorRef:        optionalStr(in.VendorRef),
				LotNumber:        optionalStr(in.LotNumber),
			})
			if err != nil {
				return err
			}

			mv = &Movement{
				ID:         movementID,
				Type:       MovementTypeReceive,
				SKUID:      strPtr(in.SKUID),
				Quantity:   in.Quantity,
				UnitCost:   in.UnitCost,
				TotalValue: in.Quantity.Mul(in.UnitCost),
				OccurredAt: layer.ReceivedAt,
				Reference:  in.Reference,
				Notes:      in.Notes,
				LayerID:    &layer.ID,
				CreatedAt:  m.now(),
				CreatedBy:  UserFromContext(ctx),
			}
			return repo.CreateMovement(ctx, mv)
		})
	})

	// 同時実行で参照番号が先に使われた場合は既存の移動を返す
	if errors.Is(err, ErrDuplicateReference) && in.Reference != "" {
		if prev, ferr := m.storage.FindReceiveByReference(ctx, in.SKUID, in.Reference); ferr == nil {
			mv, existing, err = prev, true, nil
		}
	}

	m.metrics.observeResult("receive", start, err)
	if err != nil {
		m.logger.Warn("入庫に失敗しました", zap.String("sku_id", in.SKUID), zap.Error(err))
		return nil, err
	}
	if existing {
		m.logger.Info("既存の入庫を返します",
			zap.String("sku_id", in.SKUID),
			zap.String("movement_id", mv.ID),
			zap.String("reference", in.Reference),
		)
		return mv, nil
	}

	m.afterCommit(ctx, []string{in.SKUID}, false, mv)
	m.logger.Info("入庫を記録しました",
		zap.String("sku_id", in.SKUID),
		zap.String("movement_id", mv.ID),
		zap.String("quantity", in.Quantity.String()),
		zap.String("unit_cost", in.UnitCost.String()),
		zap.String("reference", in.Reference),
	)
	return mv, nil
}

// Issue consumes quantity FIFO and records an ISSUE movement
// FIFOで出庫しISSUE移動を記録
func (m *Manager) Issue(ctx context.Context, in ConsumeInput) (*Movement, error) {
	return m.consume(ctx, MovementTypeIssue, in)
}

// Waste consumes quantity FIFO and records a WASTE movement
// FIFOで廃棄しWASTE移動を記録
func (m *Manager) Waste(ctx context.Context, in ConsumeInput) (*Movement, error) {
	return m.consume(ctx, MovementTypeWaste, in)
}

// Damage consumes quantity FIFO and records a DAMAGE movement
// FIFOで破損処理しDAMAGE移動を記録
func (m *Manager) Damage(ctx context.Context, in ConsumeInput) (*Movement, error) {
	return m.consume(ctx, MovementTypeDamage, in)
}

func (m *Manager) consume(ctx context.Context, typ MovementType, in ConsumeInput) (*Movement, error) {
	start := time.Now()
	op := string(typ)
	if err := ValidateConsumeInput(in); err != nil {
		return nil, err
	}

	var mv *Movement
	err := m.withRetry(ctx, op, func(ctx context.Context) error {
		if _, err := m.activeSKU(ctx, m.storage, in.SKUID); err != nil {
			return err
		}
		plan, err := m.planner.Plan(ctx, m.storage, in.SKUID, in.Quantity)
		if err != nil {
			return err
		}
		if !plan.CanFulfill {
			return &InsufficientInventoryError{SKUID: in.SKUID, Requested: in.Quantity, Available: plan.Available}
		}

		return m.storage.WithinTx(ctx, func(ctx context.Context, repo Repository) error {
			mv = m.consumptionMovement(ctx, typ, in.SKUID, plan, in.OccurredAt, in.Reference, in.Notes)
			if err := repo.CreateMovement(ctx, mv); err != nil {
				return err
			}
			_, err := m.executor.Execute(ctx, repo, plan, mv.ID)
			return err
		})
	})

	m.metrics.observeResult(op, start, err)
	if err != nil {
		m.logger.Warn("消費に失敗しました",
			zap.String("type", op),
			zap.String("sku_id", in.SKUID),
			zap.String("quantity", in.Quantity.String()),
			zap.Error(err),
		)
		return nil, err
	}

	m.afterCommit(ctx, []string{in.SKUID}, true, mv)
	m.logger.Info("消費を記録しました",
		zap.String("type", op),
		zap.String("sku_id", in.SKUID),
		zap.String("movement_id", mv.ID),
		zap.String("quantity", in.Quantity.String()),
		zap.String("total_cost", mv.TotalValue.Neg().String()),
		zap.String("reference", in.Reference),
	)
	return mv, nil
}

func (m *Manager) consumptionMovement(ctx context.Context, typ MovementType, skuID string, plan *ConsumptionPlan, occurredAt time.Time, reference, notes string) *Movement {
	now := m.now()
	if occurredAt.IsZero() {
		occurredAt = now
	}
	return &Movement{
		ID:         NewID(),
		Type:       typ,
		SKUID:      strPtr(skuID),
		Quantity:   plan.TotalQty.Neg(),
		UnitCost:   plan.UnitCost(),
		TotalValue: plan.TotalCost.Neg(),
		OccurredAt: occurredAt,
		Reference:  reference,
		Notes:      notes,
		CreatedAt:  now,
		CreatedBy:  UserFromContext(ctx),
	}
}

// Adjust applies a signed correction to one layer with a mandatory reason
// 理由必須で1レイヤーに符号付き補正を適用
func (m *Manager) Adjust(ctx context.Context, in AdjustInput) (*Movement, error) {
	if err := ValidateAdjustInput(in); err != nil {
		return nil, err
	}
	return m.adjustLayer(ctx, in.SKUID, in.LayerID, in.Reason, in.Notes, func(l *Layer) decimal.Decimal {
		return l.RemainingQty.Add(in.Quantity)
	})
}

// AdjustLayerQuantity sets a layer's remaining quantity directly
// レイヤーの残数量を直接設定
func (m *Manager) AdjustLayerQuantity(ctx context.Context, layerID string, newRemaining decimal.Decimal, reason string) (*Movement, error) {
	if layerID == "" {
		return nil, NewValidationError("layer_id", "レイヤーIDが空です", layerID)
	}
	if exceedsScale(newRemaining) {
		return nil, NewValidationError("quantity", "数量の小数点以下は6桁までです", newRemaining.String())
	}
	if err := ValidateReason(reason); err != nil {
		return nil, err
	}
	return m.adjustLayer(ctx, "", layerID, reason, "", func(*Layer) decimal.Decimal {
		return newRemaining
	})
}

func (m *Manager) adjustLayer(ctx context.Context, skuID, layerID, reason, notes string, target func(*Layer) decimal.Decimal) (*Movement, error) {
	start := time.Now()

	var mv *Movement
	err := m.withRetry(ctx, "adjust", func(ctx context.Context) error {
		return m.storage.WithinTx(ctx, func(ctx context.Context, repo Repository) error {
			layer, err := repo.GetLayerForUpdate(ctx, layerID)
			if err != nil {
				return err
			}
			if skuID != "" && layer.SKUID != skuID {
				return NewValidationError("layer_id", "レイヤーは指定されたSKUに属していません", layerID)
			}
			if _, err := m.activeSKU(ctx, repo, layer.SKUID); err != nil {
				return err
			}

			newRemaining := target(layer)
			delta := newRemaining.Sub(layer.RemainingQty)
			if delta.IsZero() {
				return NewValidationError("quantity", "調整による変更がありません", newRemaining.String())
			}

			now := m.now()
			movementNotes := reason
			if notes != "" {
				movementNotes = reason + " / " + notes
			}
			mv = &Movement{
				ID:         NewID(),
				Type:       MovementTypeAdjustment,
				SKUID:      strPtr(layer.SKUID),
				Quantity:   delta,
				UnitCost:   layer.UnitCost,
				TotalValue: delta.Mul(layer.UnitCost),
				OccurredAt: now,
				Notes:      movementNotes,
				LayerID:    strPtr(layer.ID),
				CreatedAt:  now,
				CreatedBy:  UserFromContext(ctx),
			}
			if err := repo.CreateMovement(ctx, mv); err != nil {
				return err
			}
			_, err = m.layers.AdjustLayerQuantity(ctx, repo, layer.ID, newRemaining, reason, &mv.ID, mv.CreatedBy)
			return err
		})
	})

	m.metrics.observeResult("adjust", start, err)
	if err != nil {
		m.logger.Warn("調整に失敗しました", zap.String("layer_id", layerID), zap.Error(err))
		return nil, err
	}

	m.afterCommit(ctx, []string{*mv.SKUID}, mv.Quantity.IsNegative(), mv)
	m.logger.Info("調整を記録しました",
		zap.String("sku_id", *mv.SKUID),
		zap.String("movement_id", mv.ID),
		zap.String("layer_id", layerID),
		zap.String("quantity", mv.Quantity.String()),
	)
	return mv, nil
}

// Transfer moves quantity between SKUs as a paired TRANSFER movement: the
// outbound leg consumes FIFO at the source, the inbound leg creates a layer at
// the destination at the consumed weighted cost.
// SKU間の移動。移動元はFIFO消費、移動先は加重平均単価でレイヤー作成
func (m *Manager) Transfer(ctx context.Context, in TransferInput) (*TransferResult, error) {
	start := time.Now()
	if err := ValidateTransferInput(in); err != nil {
		return nil, err
	}

	var result *TransferResult
	err := m.withRetry(ctx, "transfer", func(ctx context.Context) error {
		if _, err := m.activeSKU(ctx, m.storage, in.FromSKUID); err != nil {
			return err
		}
		plan, err := m.planner.Plan(ctx, m.storage, in.FromSKUID, in.Quantity)
		if err != nil {
			return err
		}
		if !plan.CanFulfill {
			return &InsufficientInventoryError{SKUID: in.FromSKUID, Requested: in.Quantity, Available: plan.Available}
		}

		return m.storage.WithinTx(ctx, func(ctx context.Context, repo Repository) error {
			if _, err := m.activeSKU(ctx, repo, in.ToSKUID); err != nil {
				return err
			}

			out := m.consumptionMovement(ctx, MovementTypeTransfer, in.FromSKUID, plan, in.OccurredAt, in.Reference, in.Notes)
			inboundID := NewID()
			out.PairedMovementID = &inboundID
			if err := repo.CreateMovement(ctx, out); err != nil {
				return err
			}
			if _, err := m.executor.Execute(ctx, repo, plan, out.ID); err != nil {
				return err
			}

			unitCost := plan.UnitCost()
			layer, err := m.layers.CreateLayer(ctx, repo, LayerSpec{
				SKUID:            in.ToSKUID,
				Quantity:         plan.TotalQty,
				UnitCost:         unitCost,
				ReceivedAt:       out.OccurredAt,
				OriginMovementID: &inboundID,
			})
			if err != nil {
				return err
			}

			inbound := &Movement{
				ID:               inboundID,
				Type:             MovementTypeTransfer,
				SKUID:            strPtr(in.ToSKUID),
				Quantity:         plan.TotalQty,
				UnitCost:         unitCost,
				TotalValue:       plan.TotalQty.Mul(unitCost),
				OccurredAt:       out.OccurredAt,
				Reference:        in.Reference,
				Notes:            in.Notes,
				LayerID:          &layer.ID,
				PairedMovementID: &out.ID,
				CreatedAt:        out.CreatedAt,
				CreatedBy:        out.CreatedBy,
			}
			if err := repo.CreateMovement(ctx, inbound); err != nil {
				return err
			}

			result = &TransferResult{Outbound: out, Inbound: inbound, Layer: layer}
			return nil
		})
	})

	m.metrics.observeResult("transfer", start, err)
	if err != nil {
		m.logger.Warn("移動に失敗しました",
			zap.String("from_sku_id", in.FromSKUID),
			zap.String("to_sku_id", in.ToSKUID),
			zap.Error(err),
		)
		return nil, err
	}

	m.afterCommit(ctx, []string{in.FromSKUID, in.ToSKUID}, true, result.Outbound, result.Inbound)
	m.logger.Info("移動を記録しました",
		zap.String("from_sku_id", in.FromSKUID),
		zap.String("to_sku_id", in.ToSKUID),
		zap.String("movement_id", result.Outbound.ID),
		zap.String("quantity", in.Quantity.String()),
	)
	return result, nil
}

// GetLayers returns active layers in FIFO order, through the cache if configured
// アクティブレイヤーをFIFO順で返す（キャッシュ経由）
func (m *Manager) GetLayers(ctx context.Context, skuID string) ([]Layer, error) {
	var gen uint64
	if m.cache != nil {
		gen = m.cacheGeneration(skuID)
		layers, ok, err := m.cache.GetLayers(ctx, skuID)
		if err != nil {
			m.logger.Warn("レイヤーキャッシュの読み込みに失敗しました", zap.String("sku_id", skuID), zap.Error(err))
		} else if ok {
			return layers, nil
		}
	}

	if _, err := m.storage.GetSKU(ctx, skuID); err != nil {
		return nil, err
	}
	layers, err := m.layers.ActiveLayers(ctx, m.storage, skuID)
	if err != nil {
		return nil, fmt.Errorf("レイヤー取得に失敗しました: %w", err)
	}

	if m.cache != nil {
		m.fillCache(ctx, skuID, gen, layers)
	}
	return layers, nil
}

func (m *Manager) cacheGeneration(skuID string) uint64 {
	m.cacheMu.Lock()
	defer m.cacheMu.Unlock()
	return m.cacheGen[skuID]
}

// fillCache stores layers read at generation gen. A read that raced with a
// committed write is dropped so the cache never goes back to older layers.
// 読み込み中に無効化された場合は古いレイヤーを書き戻さない
func (m *Manager) fillCache(ctx context.Context, skuID string, gen uint64, layers []Layer) {
	m.cacheMu.Lock()
	defer m.cacheMu.Unlock()
	if m.cacheGen[skuID] != gen {
		m.logger.Debug("読み込み中に無効化されたためキャッシュを更新しません", zap.String("sku_id", skuID))
		return
	}
	if err := m.cache.SetLayers(ctx, skuID, layers); err != nil {
		m.logger.Warn("レイヤーキャッシュの書き込みに失敗しました", zap.String("sku_id", skuID), zap.Error(err))
	}
}

// GetAvailableQuantity sums remaining quantity across active layers
// アクティブレイヤーの残数量合計を返す
func (m *Manager) GetAvailableQuantity(ctx context.Context, skuID string) (decimal.Decimal, error) {
	layers, err := m.GetLayers(ctx, skuID)
	if err != nil {
		return decimal.Zero, err
	}
	return SumRemaining(layers), nil
}

// PlanConsumption previews a FIFO draw-down without mutating anything
// 状態を変更せずにFIFO引当をプレビュー
func (m *Manager) PlanConsumption(ctx context.Context, skuID string, quantity decimal.Decimal) (*ConsumptionPlan, error) {
	if err := ValidateSKUID("sku_id", skuID); err != nil {
		return nil, err
	}
	if _, err := m.storage.GetSKU(ctx, skuID); err != nil {
		return nil, err
	}
	return m.planner.Plan(ctx, m.storage, skuID, quantity)
}

func (m *Manager) activeSKU(ctx context.Context, repo Repository, skuID string) (*SKU, error) {
	sku, err := repo.GetSKU(ctx, skuID)
	if err != nil {
		return nil, err
	}
	if !sku.IsActive {
		return nil, fmt.Errorf("%w: %s", ErrSKUInactive, skuID)
	}
	return sku, nil
}

func (m *Manager) withRetry(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	return m.config.Retry.Do(ctx, m.logger, operation, func(int, error) {
		m.metrics.observeRetry(operation)
	}, fn)
}

// afterCommit invalidates cached layers, publishes events and records metrics.
// Failures here are logged and never returned.
// コミット後の処理（キャッシュ無効化・イベント発行・メトリクス）
func (m *Manager) afterCommit(ctx context.Context, skuIDs []string, checkLowStock bool, movements ...*Movement) {
	m.invalidate(ctx, skuIDs...)

	for _, mv := range movements {
		m.metrics.observeMovement(mv.Type, mv.TotalValue)
		if m.publisher == nil {
			continue
		}
		event := MovementRecordedEvent{
			MovementID:  mv.ID,
			Type:        mv.Type,
			SKUID:       deref(mv.SKUID),
			Quantity:    mv.Quantity,
			TotalValue:  mv.TotalValue,
			Reference:   mv.Reference,
			WorkOrderID: deref(mv.WorkOrderID),
			Timestamp:   mv.CreatedAt,
			UserID:      mv.CreatedBy,
		}
		if err := m.publisher.PublishMovementRecorded(ctx, event); err != nil {
			m.logger.Error("イベント発行に失敗しました", zap.String("movement_id", mv.ID), zap.Error(err))
		}
	}

	if checkLowStock && m.config.LowStockAlerts {
		for _, skuID := range skuIDs {
			m.checkLowStock(ctx, skuID)
		}
	}
}

func (m *Manager) invalidate(ctx context.Context, skuIDs ...string) {
	if m.cache == nil || len(skuIDs) == 0 {
		return
	}
	m.cacheMu.Lock()
	defer m.cacheMu.Unlock()
	for _, skuID := range skuIDs {
		m.cacheGen[skuID]++
	}
	if err := m.cache.Invalidate(ctx, skuIDs...); err != nil {
		m.logger.Error("レイヤーキャッシュの無効化に失敗しました", zap.Strings("sku_ids", skuIDs), zap.Error(err))
	}
}

// checkLowStock raises an alert when on-hand is at or below the SKU's minimum
// 手持ち数量が最低在庫以下の場合にアラートを発行
func (m *Manager) checkLowStock(ctx context.Context, skuID string) {
	sku, err := m.storage.GetSKU(ctx, skuID)
	if err != nil {
		m.logger.Warn("低在庫チェックに失敗しました", zap.String("sku_id", skuID), zap.Error(err))
		return
	}
	if !sku.MinStock.IsPositive() || sku.OnHand.GreaterThan(sku.MinStock) {
		return
	}

	m.metrics.observeLowStock()
	m.logger.Warn("低在庫アラート",
		zap.String("sku_id", skuID),
		zap.String("on_hand", sku.OnHand.String()),
		zap.String("min_stock", sku.MinStock.String()),
	)

	if m.publisher == nil {
		return
	}
	event := LowStockAlertEvent{
		SKUID:     skuID,
		OnHand:    sku.OnHand,
		MinStock:  sku.MinStock,
		Timestamp: m.now(),
	}
	if err := m.publisher.PublishLowStockAlert(ctx, event); err != nil {
		m.logger.Error("低在庫アラートの発行に失敗しました", zap.Error(err))
	}
}
