package inventory

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/shopspring/decimal"
)

var (
	idPattern        = regexp.MustCompile(`^[a-zA-Z0-9_.-]+$`)
	maxQuantity      = decimal.New(999999999, 0)
	maxUnitCost      = decimal.RequireFromString("99999999.999999")
	maxReferenceLen  = 500
	maxNotesLen      = 2000
	maxIdentifierLen = 255
	// 数量と単価の小数点以下の最大桁数（NUMERIC(20, 6)）
	maxDecimalPlaces int32 = 6
	truncatedLen           = 50
)

// exceedsScale reports whether d carries more decimal places than storage keeps
func exceedsScale(d decimal.Decimal) bool {
	return !d.Equal(d.Truncate(maxDecimalPlaces))
}

// truncateRunes shortens s to n characters for error values without
// splitting a multi-byte character
func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "..."
}

// ValidateSKUID SKU IDの形式をバリデーション
func ValidateSKUID(field, skuID string) error {
	if skuID == "" {
		return NewValidationError(field, "SKU IDが空です", skuID)
	}
	if len(skuID) > maxIdentifierLen {
		return NewValidationError(field, "SKU IDが長すぎます", skuID)
	}
	// 英数字、ハイフン、アンダースコア、ドットのみ許可
	if !idPattern.MatchString(skuID) {
		return NewValidationError(field, "SKU IDに無効な文字が含まれています", skuID)
	}
	return nil
}

// ValidatePositiveQuantity 正の数量をバリデーション
func ValidatePositiveQuantity(field string, quantity decimal.Decimal) error {
	if !quantity.IsPositive() {
		return NewValidationError(field, "数量は正の値である必要があります", quantity.String())
	}
	if quantity.GreaterThan(maxQuantity) {
		return NewValidationError(field, "数量が有効範囲を超えています", quantity.String())
	}
	if exceedsScale(quantity) {
		return NewValidationError(field, "数量の小数点以下は6桁までです", quantity.String())
	}
	return nil
}

// ValidateUnitCost 単価をバリデーション
func ValidateUnitCost(field string, unitCost decimal.Decimal) error {
	if unitCost.IsNegative() {
		return NewValidationError(field, "単価は0以上である必要があります", unitCost.String())
	}
	if unitCost.GreaterThan(maxUnitCost) {
		return NewValidationError(field, "単価が有効範囲を超えています", unitCost.String())
	}
	if exceedsScale(unitCost) {
		return NewValidationError(field, "単価の小数点以下は6桁までです", unitCost.String())
	}
	return nil
}

// ValidateReference 参照番号の形式をバリデーション
func ValidateReference(reference string) error {
	if reference == "" {
		return nil // 参照番号は任意
	}
	if utf8.RuneCountInString(reference) > maxReferenceLen {
		return NewValidationError("reference", "参照番号が長すぎます", truncateRunes(reference, truncatedLen))
	}
	return nil
}

// ValidateNotes 備考の長さをバリデーション
func ValidateNotes(notes string) error {
	if utf8.RuneCountInString(notes) > maxNotesLen {
		return NewValidationError("notes", "備考が長すぎます", truncateRunes(notes, truncatedLen))
	}
	return nil
}

// ValidateReason 理由をバリデーション
func ValidateReason(reason string) error {
	if strings.TrimSpace(reason) == "" {
		return NewValidationError("reason", "理由は必須です", reason)
	}
	if utf8.RuneCountInString(reason) > maxNotesLen {
		return NewValidationError("reason", "理由が長すぎます", truncateRunes(reason, truncatedLen))
	}
	return nil
}

// ValidateSKU SKU全体をバリデーション
func ValidateSKU(sku *SKU) error {
	if sku == nil {
		return NewValidationError("sku", "SKUが指定されていません", "nil")
	}
	if err := ValidateSKUID("id", sku.ID); err != nil {
		return err
	}
	if strings.TrimSpace(sku.Name) == "" {
		return NewValidationError("name", "SKU名が空です", sku.Name)
	}
	switch sku.Class {
	case MaterialClassRaw, MaterialClassSellable:
	default:
		return NewValidationError("class", "無効な資材区分です", string(sku.Class))
	}
	if sku.MinStock.IsNegative() {
		return NewValidationError("min_stock", "最低在庫は0以上である必要があります", sku.MinStock.String())
	}
	if exceedsScale(sku.MinStock) {
		return NewValidationError("min_stock", "最低在庫の小数点以下は6桁までです", sku.MinStock.String())
	}
	return nil
}

// ValidateReceiveInput 入庫入力をバリデーション
func ValidateReceiveInput(in ReceiveInput) error {
	if err := ValidateSKUID("sku_id", in.SKUID); err != nil {
		return err
	}
	if err := ValidatePositiveQuantity("quantity", in.Quantity); err != nil {
		return err
	}
	if err := ValidateUnitCost("unit_cost", in.UnitCost); err != nil {
		return err
	}
	if err := ValidateReference(in.Reference); err != nil {
		return err
	}
	return ValidateNotes(in.Notes)
}

// ValidateConsumeInput 出庫入力をバリデーション
func ValidateConsumeInput(in ConsumeInput) error {
	if err := ValidateSKUID("sku_id", in.SKUID); err != nil {
		return err
	}
	if err := ValidatePositiveQuantity("quantity", in.Quantity); err != nil {
		return err
	}
	if err := ValidateReference(in.Reference); err != nil {
		return err
	}
	return ValidateNotes(in.Notes)
}

// ValidateAdjustInput 調整入力をバリデーション
func ValidateAdjustInput(in AdjustInput) error {
	if err := ValidateSKUID("sku_id", in.SKUID); err != nil {
		return err
	}
	if in.LayerID == "" {
		return NewValidationError("layer_id", "レイヤーIDが空です", in.LayerID)
	}
	if in.Quantity.IsZero() {
		return NewValidationError("quantity", "調整数量は0以外である必要があります", in.Quantity.String())
	}
	if in.Quantity.Abs().GreaterThan(maxQuantity) {
		return NewValidationError("quantity", "数量が有効範囲を超えています", in.Quantity.String())
	}
	if exceedsScale(in.Quantity) {
		return NewValidationError("quantity", "数量の小数点以下は6桁までです", in.Quantity.String())
	}
	if err := ValidateReason(in.Reason); err != nil {
		return err
	}
	return ValidateNotes(in.Notes)
}

// ValidateTransferInput 移動入力をバリデーション
func ValidateTransferInput(in TransferInput) error {
	if err := ValidateSKUID("from_sku_id", in.FromSKUID); err != nil {
		return err
	}
	if err := ValidateSKUID("to_sku_id", in.ToSKUID); err != nil {
		return err
	}
	if in.FromSKUID == in.ToSKUID {
		return NewValidationError("to_sku_id", "移動元と移動先が同じです", in.ToSKUID)
	}
	if err := ValidatePositiveQuantity("quantity", in.Quantity); err != nil {
		return err
	}
	if err := ValidateReference(in.Reference); err != nil {
		return err
	}
	return ValidateNotes(in.Notes)
}

// ValidateWorkOrderInput 作業指示入力をバリデーション
func ValidateWorkOrderInput(in WorkOrderInput) error {
	if in.Output.SKUID == "" && strings.TrimSpace(in.Output.Description) == "" {
		return NewValidationError("output", "製造品のSKUまたは説明が必要です", "")
	}
	if in.Output.SKUID != "" {
		if err := ValidateSKUID("output.sku_id", in.Output.SKUID); err != nil {
			return err
		}
	}
	if err := ValidatePositiveQuantity("output.quantity", in.Output.Quantity); err != nil {
		return err
	}
	if in.Output.UnitCost != nil {
		if err := ValidateUnitCost("output.unit_cost", *in.Output.UnitCost); err != nil {
			return err
		}
	}
	if len(in.RawMaterials) == 0 && len(in.Waste) == 0 && in.Output.UnitCost == nil {
		return NewValidationError("raw_materials", "原材料行がない場合は製造単価が必要です", "")
	}
	for _, line := range in.RawMaterials {
		if err := ValidateSKUID("raw_materials.sku_id", line.SKUID); err != nil {
			return err
		}
		if err := ValidatePositiveQuantity("raw_materials.quantity", line.Quantity); err != nil {
			return err
		}
	}
	for _, line := range in.Waste {
		if err := ValidateSKUID("waste.sku_id", line.SKUID); err != nil {
			return err
		}
		if err := ValidatePositiveQuantity("waste.quantity", line.Quantity); err != nil {
			return err
		}
	}
	if err := ValidateReference(in.Reference); err != nil {
		return err
	}
	return ValidateNotes(in.Notes)
}
