// Package inventory provides FIFO cost layer accounting for inventory movements
package inventory

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// MaterialClass classifies a SKU as raw material or sellable goods
// SKUの資材区分（原材料または販売品）
type MaterialClass string

const (
	MaterialClassRaw      MaterialClass = "RAW"      // 原材料
	MaterialClassSellable MaterialClass = "SELLABLE" // 販売品
)

// SKU represents a stock-keeping unit and its cached on-hand quantity
// 在庫管理単位と手持ち数量のキャッシュを表現
type SKU struct {
	ID        string          `json:"id" db:"id"`                 // SKU ID
	Name      string          `json:"name" db:"name"`             // 名称
	Class     MaterialClass   `json:"class" db:"class"`           // 資材区分
	Unit      string          `json:"unit" db:"unit"`             // 単位
	MinStock  decimal.Decimal `json:"min_stock" db:"min_stock"`   // 最低在庫
	OnHand    decimal.Decimal `json:"on_hand" db:"on_hand"`       // 手持ち数量
	IsActive  bool            `json:"is_active" db:"is_active"`   // アクティブ状態
	CreatedAt time.Time       `json:"created_at" db:"created_at"` // 作成日時
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"` // 更新日時
}

// LayerStatus defines the lifecycle state of a FIFO layer
// FIFOレイヤーの状態を定義
type LayerStatus string

const (
	LayerStatusActive LayerStatus = "ACTIVE" // 残量あり
	LayerStatusClosed LayerStatus = "CLOSED" // 消費済み
)

// Layer represents one dated receipt of inventory at a fixed unit cost
// 特定の単価と日付で受け入れた在庫のFIFOレイヤーを表現
type Layer struct {
	ID               string          `json:"id" db:"id"`                                 // レイヤーID
	SKUID            string          `json:"sku_id" db:"sku_id"`                         // SKU ID
	Sequence         int64           `json:"sequence" db:"seq"`                          // 作成順（同日受入の順序付け）
	ReceivedAt       time.Time       `json:"received_at" db:"received_at"`               // 受入日
	OriginalQty      decimal.Decimal `json:"original_qty" db:"original_qty"`             // 受入数量
	RemainingQty     decimal.Decimal `json:"remaining_qty" db:"remaining_qty"`           // 残数量
	UnitCost         decimal.Decimal `json:"unit_cost" db:"unit_cost"`                   // 単価
	Status           LayerStatus     `json:"status" db:"status"`                         // 状態
	OriginMovementID *string         `json:"origin_movement_id" db:"origin_movement_id"` // 作成元の移動ID
	VendorRef        *string         `json:"vendor_ref" db:"vendor_ref"`                 // 仕入先参照
	LotNumber        *string         `json:"lot_number" db:"lot_number"`                 // ロット番号
	CreatedAt        time.Time       `json:"created_at" db:"created_at"`                 // 作成日時
	UpdatedAt        time.Time       `json:"updated_at" db:"updated_at"`                 // 更新日時
}

// Consumed returns the quantity drawn from the layer so far
// レイヤーから消費済みの数量を返す
func (l *Layer) Consumed() decimal.Decimal {
	return l.OriginalQty.Sub(l.RemainingQty)
}

// RemainingValue returns remaining quantity multiplied by unit cost
// 残数量×単価を返す
func (l *Layer) RemainingValue() decimal.Decimal {
	return l.RemainingQty.Mul(l.UnitCost)
}

// ConsumptionReceipt records that a movement drew a quantity from a layer
// 移動がレイヤーから数量を消費した記録
type ConsumptionReceipt struct {
	ID         string          `json:"id" db:"id"`                   // 受領ID
	LayerID    string          `json:"layer_id" db:"layer_id"`       // レイヤーID
	MovementID string          `json:"movement_id" db:"movement_id"` // 消費した移動ID
	SKUID      string          `json:"sku_id" db:"sku_id"`           // SKU ID
	Quantity   decimal.Decimal `json:"quantity" db:"quantity"`       // 消費数量
	UnitCost   decimal.Decimal `json:"unit_cost" db:"unit_cost"`     // 消費時単価
	TotalCost  decimal.Decimal `json:"total_cost" db:"total_cost"`   // 消費金額
	CreatedAt  time.Time       `json:"created_at" db:"created_at"`   // 作成日時
}

// LayerAdjustment is the audit trail entry for a direct layer correction
// レイヤー直接補正の監査記録
type LayerAdjustment struct {
	ID           string          `json:"id" db:"id"`                       // 調整ID
	LayerID      string          `json:"layer_id" db:"layer_id"`           // レイヤーID
	MovementID   *string         `json:"movement_id" db:"movement_id"`     // 調整移動ID
	OldRemaining decimal.Decimal `json:"old_remaining" db:"old_remaining"` // 補正前残数量
	NewRemaining decimal.Decimal `json:"new_remaining" db:"new_remaining"` // 補正後残数量
	Reason       string          `json:"reason" db:"reason"`               // 理由
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`       // 作成日時
	CreatedBy    string          `json:"created_by" db:"created_by"`       // 作成者
}

// Delta returns the signed change applied by the adjustment
// 調整による増減量を返す
func (a *LayerAdjustment) Delta() decimal.Decimal {
	return a.NewRemaining.Sub(a.OldRemaining)
}

// MovementType defines the type of inventory movement
// 在庫移動のタイプを定義
type MovementType string

const (
	MovementTypeReceive    MovementType = "RECEIVE"    // 入庫
	MovementTypeIssue      MovementType = "ISSUE"      // 出庫
	MovementTypeWaste      MovementType = "WASTE"      // 廃棄
	MovementTypeDamage     MovementType = "DAMAGE"     // 破損
	MovementTypeProduce    MovementType = "PRODUCE"    // 製造
	MovementTypeAdjustment MovementType = "ADJUSTMENT" // 調整
	MovementTypeTransfer   MovementType = "TRANSFER"   // 移動
)

// IsConsuming reports whether the type draws quantity from FIFO layers
func (t MovementType) IsConsuming() bool {
	switch t {
	case MovementTypeIssue, MovementTypeWaste, MovementTypeDamage:
		return true
	}
	return false
}

// Valid reports whether the type is a known movement type
func (t MovementType) Valid() bool {
	switch t {
	case MovementTypeReceive, MovementTypeIssue, MovementTypeWaste, MovementTypeDamage,
		MovementTypeProduce, MovementTypeAdjustment, MovementTypeTransfer:
		return true
	}
	return false
}

// Movement represents an immutable ledger entry
// 不変の在庫移動台帳エントリを表現
type Movement struct {
	ID               string          `json:"id" db:"id"`                                 // 移動ID
	Type             MovementType    `json:"type" db:"type"`                             // 移動タイプ
	SKUID            *string         `json:"sku_id" db:"sku_id"`                         // SKU ID（自由記述の製造品はnil）
	Quantity         decimal.Decimal `json:"quantity" db:"quantity"`                     // 符号付き数量
	UnitCost         decimal.Decimal `json:"unit_cost" db:"unit_cost"`                   // 単価
	TotalValue       decimal.Decimal `json:"total_value" db:"total_value"`               // 符号付き金額
	OccurredAt       time.Time       `json:"occurred_at" db:"occurred_at"`               // 発生日時
	Reference        string          `json:"reference" db:"reference"`                   // 参照番号
	Notes            string          `json:"notes" db:"notes"`                           // 備考
	LayerID          *string         `json:"layer_id" db:"layer_id"`                     // 作成/調整したレイヤー
	WorkOrderID      *string         `json:"work_order_id" db:"work_order_id"`           // 作業指示ID
	PairedMovementID *string         `json:"paired_movement_id" db:"paired_movement_id"` // 対になる移動（TRANSFER）
	CreatedAt        time.Time       `json:"created_at" db:"created_at"`                 // 作成日時
	CreatedBy        string          `json:"created_by" db:"created_by"`                 // 作成者
	ReversedAt       *time.Time      `json:"reversed_at,omitempty" db:"reversed_at"`     // 取消日時
	ReversalReason   *string         `json:"reversal_reason,omitempty" db:"reversal_reason"`
	ReversedBy       *string         `json:"reversed_by,omitempty" db:"reversed_by"`
}

// IsReversed reports whether the movement carries a soft-deletion marker
// 取消済みかどうか
func (m *Movement) IsReversed() bool {
	return m.ReversedAt != nil
}

// IsOutbound reports whether the movement drew quantity from layers
// 移動がレイヤーから数量を引き出したかどうか
func (m *Movement) IsOutbound() bool {
	if m.Type.IsConsuming() {
		return true
	}
	return m.Type == MovementTypeTransfer && m.Quantity.IsNegative()
}

// WorkOrderStatus defines the status of a work order
// 作業指示のステータスを定義
type WorkOrderStatus string

const (
	WorkOrderStatusCompleted WorkOrderStatus = "COMPLETED" // 完了
	WorkOrderStatusReversed  WorkOrderStatus = "REVERSED"  // 取消
)

// WorkOrder groups a PRODUCE movement with its consuming movements
// 製造移動と消費移動をまとめる作業指示
type WorkOrder struct {
	ID                string          `json:"id" db:"id"`                                 // 作業指示ID
	Reference         string          `json:"reference" db:"reference"`                   // 外部参照番号
	OutputSKUID       *string         `json:"output_sku_id" db:"output_sku_id"`           // 製造品SKU
	OutputDescription string          `json:"output_description" db:"output_description"` // 製造品説明
	OutputQty         decimal.Decimal `json:"output_qty" db:"output_qty"`                 // 製造数量
	UnitCost          decimal.Decimal `json:"unit_cost" db:"unit_cost"`                   // 製造単価
	MaterialCost      decimal.Decimal `json:"material_cost" db:"material_cost"`           // 原材料費
	WasteCost         decimal.Decimal `json:"waste_cost" db:"waste_cost"`                 // 廃棄費
	Status            WorkOrderStatus `json:"status" db:"status"`                         // ステータス
	ProducedAt        time.Time       `json:"produced_at" db:"produced_at"`               // 製造日
	Notes             string          `json:"notes" db:"notes"`                           // 備考
	CreatedAt         time.Time       `json:"created_at" db:"created_at"`                 // 作成日時
	CreatedBy         string          `json:"created_by" db:"created_by"`                 // 作成者
	UpdatedAt         time.Time       `json:"updated_at" db:"updated_at"`                 // 更新日時
}

// ReceiveInput describes a receipt of inventory
// 入庫の入力
type ReceiveInput struct {
	SKUID      string          `json:"sku_id"`
	Quantity   decimal.Decimal `json:"quantity"`
	UnitCost   decimal.Decimal `json:"unit_cost"`
	ReceivedAt time.Time       `json:"received_at"`
	VendorRef  string          `json:"vendor_ref"`
	LotNumber  string          `json:"lot_number"`
	Reference  string          `json:"reference"` // 冪等キー（SKU単位）
	Notes      string          `json:"notes"`
}

// ConsumeInput describes an issue, waste or damage movement
// 出庫・廃棄・破損の入力
type ConsumeInput struct {
	SKUID      string          `json:"sku_id"`
	Quantity   decimal.Decimal `json:"quantity"`
	OccurredAt time.Time       `json:"occurred_at"`
	Reference  string          `json:"reference"`
	Notes      string          `json:"notes"`
}

// AdjustInput describes a signed correction of one layer
// レイヤー補正の入力
type AdjustInput struct {
	SKUID    string          `json:"sku_id"`
	LayerID  string          `json:"layer_id"`
	Quantity decimal.Decimal `json:"quantity"` // 正: 増加, 負: 減耗
	Reason   string          `json:"reason"`
	Notes    string          `json:"notes"`
}

// TransferInput describes moving quantity from one SKU to another
// SKU間移動の入力
type TransferInput struct {
	FromSKUID  string          `json:"from_sku_id"`
	ToSKUID    string          `json:"to_sku_id"`
	Quantity   decimal.Decimal `json:"quantity"`
	OccurredAt time.Time       `json:"occurred_at"`
	Reference  string          `json:"reference"`
	Notes      string          `json:"notes"`
}

// TransferResult holds both legs of a transfer
// 移動の両側の結果
type TransferResult struct {
	Outbound *Movement `json:"outbound"`
	Inbound  *Movement `json:"inbound"`
	Layer    *Layer    `json:"layer"`
}

// OutputSpec describes what a work order produces. SKUID may be empty for
// free-text goods, in which case no output layer is created.
// 作業指示の製造品定義
type OutputSpec struct {
	SKUID       string           `json:"sku_id"`
	Description string           `json:"description"`
	Quantity    decimal.Decimal  `json:"quantity"`
	UnitCost    *decimal.Decimal `json:"unit_cost,omitempty"` // nilの場合は原材料費から算出
}

// MaterialLine is one raw-material or waste line of a work order
// 作業指示の原材料行または廃棄行
type MaterialLine struct {
	SKUID    string          `json:"sku_id"`
	Quantity decimal.Decimal `json:"quantity"`
	Notes    string          `json:"notes"`
}

// WorkOrderInput describes a production run
// 作業指示の入力
type WorkOrderInput struct {
	Reference    string         `json:"reference"`
	Output       OutputSpec     `json:"output"`
	RawMaterials []MaterialLine `json:"raw_materials"`
	Waste        []MaterialLine `json:"waste"`
	ProducedAt   time.Time      `json:"produced_at"`
	Notes        string         `json:"notes"`
}

// WorkOrderResult holds the work order and every movement it created
// 作業指示と作成された移動
type WorkOrderResult struct {
	WorkOrder         *WorkOrder `json:"work_order"`
	ProduceMovement   *Movement  `json:"produce_movement"`
	OutputLayer       *Layer     `json:"output_layer,omitempty"`
	MaterialMovements []Movement `json:"material_movements"`
	WasteMovements    []Movement `json:"waste_movements"`
	Existing          bool       `json:"existing"` // 既存の作業指示を返した場合true
}

// NewID generates a new record identifier
// 新しいレコードIDを生成
func NewID() string {
	return uuid.New().String()
}

func strPtr(s string) *string {
	return &s
}

func optionalStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
