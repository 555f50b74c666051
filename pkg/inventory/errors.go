package inventory

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Common ledger errors
// 共通の台帳エラー定義

var (
	// ErrSKUNotFound is returned when a SKU doesn't exist
	// SKUが存在しない場合のエラー
	ErrSKUNotFound = errors.New("SKUが見つかりません")

	// ErrSKUInactive is returned when a movement targets an inactive SKU
	// 非アクティブなSKUへの移動の場合のエラー
	ErrSKUInactive = errors.New("SKUは非アクティブです")

	// ErrDuplicateSKU is returned when trying to create a SKU that already exists
	// 既に存在するSKUを作成しようとした場合のエラー
	ErrDuplicateSKU = errors.New("SKUは既に存在します")

	// ErrLayerNotFound is returned when a layer doesn't exist
	// レイヤーが存在しない場合のエラー
	ErrLayerNotFound = errors.New("レイヤーが見つかりません")

	// ErrLayerConflict is returned when a conditional layer update matched no row
	// レイヤーの条件付き更新が失敗した場合のエラー
	ErrLayerConflict = errors.New("レイヤーの残数量が変更されています")

	// ErrLayerConsumed is returned when deleting a layer that has been drawn down
	// 消費済みのレイヤーを削除しようとした場合のエラー
	ErrLayerConsumed = errors.New("レイヤーは既に消費されています")

	// ErrMovementNotFound is returned when a movement doesn't exist
	// 移動が存在しない場合のエラー
	ErrMovementNotFound = errors.New("移動が見つかりません")

	// ErrAlreadyReversed is returned when a movement has already been reversed
	// 既に取消済みの移動の場合のエラー
	ErrAlreadyReversed = errors.New("移動は既に取り消されています")

	// ErrDuplicateReference is returned when an external reference is already used
	// 参照番号が既に使用されている場合のエラー
	ErrDuplicateReference = errors.New("参照番号は既に使用されています")

	// ErrWorkOrderNotFound is returned when a work order doesn't exist
	// 作業指示が存在しない場合のエラー
	ErrWorkOrderNotFound = errors.New("作業指示が見つかりません")

	// ErrReferenceBusy is returned when another caller holds the reference lock
	// 他の呼び出し元が参照番号のロックを保持している場合のエラー
	ErrReferenceBusy = errors.New("参照番号は処理中です")
)

// ErrorKind classifies errors surfaced by the ledger
// 台帳が返すエラーの種別
type ErrorKind string

const (
	KindInvalidInput                  ErrorKind = "InvalidInput"
	KindInsufficientInventory         ErrorKind = "InsufficientInventory"
	KindConcurrentConsumptionConflict ErrorKind = "ConcurrentConsumptionConflict"
	KindInsufficientOnHand            ErrorKind = "InsufficientOnHand"
	KindDeletionBlocked               ErrorKind = "DeletionBlocked"
	KindInvalidAdjustment             ErrorKind = "InvalidAdjustment"
	KindNotFound                      ErrorKind = "NotFound"
	KindConflict                      ErrorKind = "Conflict"
	KindStorage                       ErrorKind = "Storage"
	KindUnknown                       ErrorKind = "Unknown"
)

// ValidationError represents a validation error with details
// 詳細付きバリデーションエラーを表現
type ValidationError struct {
	Field   string `json:"field"`   // エラーフィールド
	Message string `json:"message"` // エラーメッセージ
	Value   string `json:"value"`   // 無効な値
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("バリデーションエラー [%s]: %s (値: %s)", e.Field, e.Message, e.Value)
}

// InsufficientInventoryError is returned when the planner cannot fulfill a request
// 計画で要求数量を満たせない場合のエラー
type InsufficientInventoryError struct {
	SKUID     string          `json:"sku_id"`
	Requested decimal.Decimal `json:"requested"`
	Available decimal.Decimal `json:"available"`
}

func (e InsufficientInventoryError) Error() string {
	return fmt.Sprintf("在庫が不足しています [%s]: 要求 %s, 利用可能 %s", e.SKUID, e.Requested, e.Available)
}

// ConcurrentConsumptionConflictError is returned when a layer changed between plan and execution
// 計画から実行までの間にレイヤーが変更された場合のエラー
type ConcurrentConsumptionConflictError struct {
	SKUID   string `json:"sku_id"`
	LayerID string `json:"layer_id"`
	Message string `json:"message"`
}

func (e ConcurrentConsumptionConflictError) Error() string {
	return fmt.Sprintf("同時消費の競合 [%s:%s]: %s", e.SKUID, e.LayerID, e.Message)
}

// InsufficientOnHandError signals drift between SKU on-hand and the layers
// SKU手持ち数量とレイヤーの不整合を示すエラー
type InsufficientOnHandError struct {
	SKUID    string          `json:"sku_id"`
	OnHand   decimal.Decimal `json:"on_hand"`
	Required decimal.Decimal `json:"required"`
}

func (e InsufficientOnHandError) Error() string {
	return fmt.Sprintf("手持ち数量が不足しています [%s]: 手持ち %s, 必要 %s", e.SKUID, e.OnHand, e.Required)
}

// DeletionBlockedError carries the validation result that blocked a deletion
// 削除を阻止した検証結果を保持するエラー
type DeletionBlockedError struct {
	Result *DeleteValidationResult `json:"result"`
}

func (e DeletionBlockedError) Error() string {
	if e.Result == nil {
		return "削除できません"
	}
	return fmt.Sprintf("削除できません [%s]: %s", e.Result.MovementID, e.Result.Reason)
}

// InvalidAdjustmentError is returned when an adjustment leaves a layer out of bounds
// 調整によりレイヤーが範囲外になる場合のエラー
type InvalidAdjustmentError struct {
	LayerID      string          `json:"layer_id"`
	NewRemaining decimal.Decimal `json:"new_remaining"`
	Original     decimal.Decimal `json:"original"`
	Message      string          `json:"message"`
}

func (e InvalidAdjustmentError) Error() string {
	return fmt.Sprintf("無効な調整 [%s]: %s (新残数量: %s, 受入数量: %s)", e.LayerID, e.Message, e.NewRemaining, e.Original)
}

// StorageError represents a storage layer error
// ストレージ層のエラーを表現
type StorageError struct {
	Operation string `json:"operation"` // 操作名
	Message   string `json:"message"`   // エラーメッセージ
	Transient bool   `json:"transient"` // 再試行可能か
	Cause     error  `json:"cause"`     // 原因エラー
}

func (e StorageError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("ストレージエラー [%s]: %s (原因: %v)", e.Operation, e.Message, e.Cause)
	}
	return fmt.Sprintf("ストレージエラー [%s]: %s", e.Operation, e.Message)
}

func (e StorageError) Unwrap() error {
	return e.Cause
}

// NewValidationError creates a new validation error
// 新しいバリデーションエラーを作成
func NewValidationError(field, message, value string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: message,
		Value:   value,
	}
}

// NewStorageError creates a new storage error
// 新しいストレージエラーを作成
func NewStorageError(operation, message string, cause error) *StorageError {
	return &StorageError{
		Operation: operation,
		Message:   message,
		Cause:     cause,
	}
}

// NewTransientStorageError creates a storage error that may succeed on retry
// 再試行で成功しうるストレージエラーを作成
func NewTransientStorageError(operation, message string, cause error) *StorageError {
	return &StorageError{
		Operation: operation,
		Message:   message,
		Transient: true,
		Cause:     cause,
	}
}

// IsTransient reports whether err is worth retrying with a fresh plan
// エラーが再計画による再試行の対象かどうか
func IsTransient(err error) bool {
	var conflict *ConcurrentConsumptionConflictError
	if errors.As(err, &conflict) {
		return true
	}
	var se *StorageError
	if errors.As(err, &se) {
		return se.Transient
	}
	return errors.Is(err, ErrLayerConflict)
}

// KindOf maps any error returned by the ledger to its kind
// エラーを種別に変換
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}

	var (
		validation   *ValidationError
		insufficient *InsufficientInventoryError
		conflict     *ConcurrentConsumptionConflictError
		onHand       *InsufficientOnHandError
		blocked      *DeletionBlockedError
		adjustment   *InvalidAdjustmentError
		storage      *StorageError
	)

	switch {
	case errors.As(err, &validation):
		return KindInvalidInput
	case errors.As(err, &insufficient):
		return KindInsufficientInventory
	case errors.As(err, &conflict), errors.Is(err, ErrLayerConflict):
		return KindConcurrentConsumptionConflict
	case errors.As(err, &onHand):
		return KindInsufficientOnHand
	case errors.As(err, &blocked):
		return KindDeletionBlocked
	case errors.As(err, &adjustment):
		return KindInvalidAdjustment
	case errors.Is(err, ErrSKUNotFound), errors.Is(err, ErrLayerNotFound),
		errors.Is(err, ErrMovementNotFound), errors.Is(err, ErrWorkOrderNotFound):
		return KindNotFound
	case errors.Is(err, ErrDuplicateReference), errors.Is(err, ErrDuplicateSKU),
		errors.Is(err, ErrReferenceBusy), errors.Is(err, ErrAlreadyReversed):
		return KindConflict
	case errors.Is(err, ErrSKUInactive):
		return KindInvalidInput
	case errors.As(err, &storage):
		return KindStorage
	}
	return KindUnknown
}
