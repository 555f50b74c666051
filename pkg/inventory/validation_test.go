package inventory

import (
	"errors"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestValidatePositiveQuantity は数量のバリデーションテスト
func TestValidatePositiveQuantity(t *testing.T) {
	tests := []struct {
		name    string
		value   string
		wantErr bool
	}{
		{"整数", "10", false},
		{"小数6桁", "0.000001", false},
		{"末尾ゼロは桁数に含めない", "1.5000000", false},
		{"小数7桁", "0.0000001", true},
		{"小数7桁の端数", "1.2345678", true},
		{"ゼロ", "0", true},
		{"負数", "-1", true},
		{"上限超過", "1000000000", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePositiveQuantity("quantity", decimal.RequireFromString(tt.value))
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, KindInvalidInput, KindOf(err))
				return
			}
			assert.NoError(t, err)
		})
	}
}

// TestValidateUnitCost は単価のバリデーションテスト
func TestValidateUnitCost(t *testing.T) {
	assert.NoError(t, ValidateUnitCost("unit_cost", decimal.Zero))
	assert.NoError(t, ValidateUnitCost("unit_cost", decimal.RequireFromString("5.123456")))

	err := ValidateUnitCost("unit_cost", decimal.RequireFromString("5.1234567"))
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "unit_cost", verr.Field)
	assert.Equal(t, "5.1234567", verr.Value)

	assert.Error(t, ValidateUnitCost("unit_cost", decimal.NewFromInt(-1)))
}

// TestValidateAdjustInput_Scale は調整数量の桁数バリデーションテスト
func TestValidateAdjustInput_Scale(t *testing.T) {
	in := AdjustInput{SKUID: "FLOUR", LayerID: "L1", Quantity: decimal.RequireFromString("-0.0000001"), Reason: "棚卸"}
	assert.Equal(t, KindInvalidInput, KindOf(ValidateAdjustInput(in)))

	in.Quantity = decimal.RequireFromString("-0.000001")
	assert.NoError(t, ValidateAdjustInput(in))
}

// TestValidateNotes_MultiByte はマルチバイト文字の備考が文字単位で切り詰められることのテスト
func TestValidateNotes_MultiByte(t *testing.T) {
	assert.NoError(t, ValidateNotes(strings.Repeat("粉", maxNotesLen)))

	err := ValidateNotes(strings.Repeat("粉", maxNotesLen+1))
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.True(t, utf8.ValidString(verr.Value))
	assert.Equal(t, strings.Repeat("粉", truncatedLen)+"...", verr.Value)
}

// TestValidateReason は理由のバリデーションテスト
func TestValidateReason(t *testing.T) {
	assert.Error(t, ValidateReason(""))
	assert.Error(t, ValidateReason("   "))
	assert.NoError(t, ValidateReason("誤入力"))

	// 1バイト文字の後に3バイト文字が続いても文字の途中で切らない
	reason := "a" + strings.Repeat("誤", maxNotesLen)
	err := ValidateReason(reason)
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.True(t, utf8.ValidString(verr.Value))
	assert.Equal(t, truncatedLen+3, utf8.RuneCountInString(verr.Value))
}

// TestValidateReference は参照番号の長さバリデーションテスト
func TestValidateReference(t *testing.T) {
	assert.NoError(t, ValidateReference(""))
	assert.NoError(t, ValidateReference(strings.Repeat("発", maxReferenceLen)))

	err := ValidateReference(strings.Repeat("発", maxReferenceLen+1))
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.True(t, utf8.ValidString(verr.Value))
}
