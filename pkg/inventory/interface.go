package inventory

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Ledger defines the operations the FIFO core exposes to adapters
// アダプター層に公開するFIFOコアの操作を定義
type Ledger interface {
	// 移動記録 - Movement recording
	Receive(ctx context.Context, in ReceiveInput) (*Movement, error)
	Issue(ctx context.Context, in ConsumeInput) (*Movement, error)
	Waste(ctx context.Context, in ConsumeInput) (*Movement, error)
	Damage(ctx context.Context, in ConsumeInput) (*Movement, error)
	Adjust(ctx context.Context, in AdjustInput) (*Movement, error)
	Transfer(ctx context.Context, in TransferInput) (*TransferResult, error)
	Produce(ctx context.Context, in WorkOrderInput) (*WorkOrderResult, error)

	// レイヤー照会 - Layer inquiry
	GetLayers(ctx context.Context, skuID string) ([]Layer, error)
	GetAvailableQuantity(ctx context.Context, skuID string) (decimal.Decimal, error)
	PlanConsumption(ctx context.Context, skuID string, quantity decimal.Decimal) (*ConsumptionPlan, error)

	// 削除 - Deletion
	CanDeleteMovement(ctx context.Context, movementID string) (*DeleteValidationResult, error)
	CanDeleteMovementQuick(ctx context.Context, movementID string) bool
	DeleteMovement(ctx context.Context, movementID, reason string) (*DeleteResult, error)
}

// Repository defines the row-level operations the ledger needs from a store.
// Implementations used inside WithinTx must see the transaction's own writes.
// 台帳がストアに要求する行レベル操作を定義
type Repository interface {
	// SKU
	CreateSKU(ctx context.Context, sku *SKU) error
	GetSKU(ctx context.Context, skuID string) (*SKU, error)
	GetSKUForUpdate(ctx context.Context, skuID string) (*SKU, error)
	AddSKUOnHand(ctx context.Context, skuID string, delta decimal.Decimal) error

	// レイヤー - Layers
	CreateLayer(ctx context.Context, layer *Layer) error
	GetLayer(ctx context.Context, layerID string) (*Layer, error)
	GetLayerForUpdate(ctx context.Context, layerID string) (*Layer, error)
	ListActiveLayers(ctx context.Context, skuID string) ([]Layer, error)
	ListLayersByOrigin(ctx context.Context, movementID string) ([]Layer, error)
	DecrementLayer(ctx context.Context, layerID string, quantity decimal.Decimal) (*Layer, error)
	SetLayerRemaining(ctx context.Context, layerID string, remaining decimal.Decimal) (*Layer, error)
	DeleteLayer(ctx context.Context, layerID string) error

	// 消費記録 - Consumption receipts
	CreateReceipt(ctx context.Context, receipt *ConsumptionReceipt) error
	ListReceiptsByMovement(ctx context.Context, movementID string) ([]ConsumptionReceipt, error)
	ListReceiptsByLayer(ctx context.Context, layerID string) ([]ConsumptionReceipt, error)
	DeleteReceiptsByMovement(ctx context.Context, movementID string) error

	// 調整監査 - Adjustment audit
	CreateLayerAdjustment(ctx context.Context, adj *LayerAdjustment) error
	ListAdjustmentsByLayer(ctx context.Context, layerID string) ([]LayerAdjustment, error)

	// 移動 - Movements
	CreateMovement(ctx context.Context, movement *Movement) error
	GetMovement(ctx context.Context, movementID string) (*Movement, error)
	FindReceiveByReference(ctx context.Context, skuID, reference string) (*Movement, error)
	ListMovementsBySKU(ctx context.Context, skuID string, limit int) ([]Movement, error)
	ListMovementsByWorkOrder(ctx context.Context, workOrderID string) ([]Movement, error)
	ListMovementsByLayer(ctx context.Context, layerID string) ([]Movement, error)
	MarkMovementReversed(ctx context.Context, movementID string, at time.Time, reason, actor string) error

	// 作業指示 - Work orders
	CreateWorkOrder(ctx context.Context, wo *WorkOrder) error
	GetWorkOrder(ctx context.Context, workOrderID string) (*WorkOrder, error)
	GetWorkOrderByReference(ctx context.Context, reference string) (*WorkOrder, error)
	UpdateWorkOrderStatus(ctx context.Context, workOrderID string, status WorkOrderStatus, at time.Time) error
}

// Storage is a Repository with an atomic transaction boundary
// トランザクション境界を持つリポジトリ
type Storage interface {
	Repository

	// WithinTx runs fn in one transaction; fn's error rolls everything back
	// fnを単一トランザクションで実行し、エラー時はすべてロールバック
	WithinTx(ctx context.Context, fn func(ctx context.Context, repo Repository) error) error

	Ping(ctx context.Context) error
	Close() error
}

// LayerCache is a read-through cache of active layers per SKU.
// It is never the source of truth.
// SKUごとのアクティブレイヤーの読み取りキャッシュ
type LayerCache interface {
	GetLayers(ctx context.Context, skuID string) ([]Layer, bool, error)
	SetLayers(ctx context.Context, skuID string, layers []Layer) error
	Invalidate(ctx context.Context, skuIDs ...string) error
}

// ReferenceLocker serializes callers sharing an external reference
// 同一の外部参照番号を持つ呼び出しを直列化
type ReferenceLocker interface {
	// Acquire returns ErrReferenceBusy when another holder owns the key
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(context.Context) error, err error)
}

// EventPublisher defines interface for publishing ledger events
// 台帳イベント発行のインターフェースを定義
type EventPublisher interface {
	PublishMovementRecorded(ctx context.Context, event MovementRecordedEvent) error
	PublishMovementReversed(ctx context.Context, event MovementReversedEvent) error
	PublishLowStockAlert(ctx context.Context, event LowStockAlertEvent) error
}

// MovementRecordedEvent represents a committed movement
// 記録済み移動イベント
type MovementRecordedEvent struct {
	MovementID  string          `json:"movement_id"`
	Type        MovementType    `json:"type"`
	SKUID       string          `json:"sku_id,omitempty"`
	Quantity    decimal.Decimal `json:"quantity"`
	TotalValue  decimal.Decimal `json:"total_value"`
	Reference   string          `json:"reference"`
	WorkOrderID string          `json:"work_order_id,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
	UserID      string          `json:"user_id"`
}

// MovementReversedEvent represents a committed reversal or deletion
// 取消済み移動イベント
type MovementReversedEvent struct {
	MovementID string       `json:"movement_id"`
	Type       MovementType `json:"type"`
	SKUID      string       `json:"sku_id,omitempty"`
	Action     DeleteAction `json:"action"`
	Reason     string       `json:"reason"`
	Timestamp  time.Time    `json:"timestamp"`
	UserID     string       `json:"user_id"`
}

// LowStockAlertEvent represents a low stock alert
// 低在庫アラートイベントを表現
type LowStockAlertEvent struct {
	SKUID     string          `json:"sku_id"`
	OnHand    decimal.Decimal `json:"on_hand"`
	MinStock  decimal.Decimal `json:"min_stock"`
	Timestamp time.Time       `json:"timestamp"`
}
