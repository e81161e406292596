package investigation

import (
	"strings"

	"github.com/shopspring/decimal"
	"github.com/ukydev/fleet-investigations/internal/models"
)

// Correction is a resolution that passed ValidateResolution.
type Correction struct {
	CostEntryID string
	Amount      decimal.Decimal
	Comment     string
	// Notes replaces the entry's notes when non-nil.
	Notes *string
}

// ValidateResolution checks a proposed amount and resolution comment for
// cost. The comment is required even when the amount is unchanged. It never
// touches the store.
func ValidateResolution(cost models.CostEntry, proposedAmount, resolutionComment string) (Correction, error) {
	fields := make(map[string]string)

	amount, err := parseAmount(proposedAmount)
	if err != nil {
		fields[FieldAmount] = "must be a number"
	} else if msg := checkAmount(amount); msg != "" {
		fields[FieldAmount] = msg
	}

	comment := strings.TrimSpace(resolutionComment)
	if comment == "" {
		fields[FieldResolutionComment] = "is required"
	}

	if len(fields) > 0 {
		return Correction{}, &ValidationError{Fields: fields}
	}
	return Correction{
		CostEntryID: cost.ID,
		Amount:      amount,
		Comment:     comment,
	}, nil
}

// Amounts carry at most two decimal places and twelve integer digits, which
// keeps them well inside Decimal128.
const (
	maxAmountScale       = 2
	maxAmountIntDigits   = 12
	maxAmountRawExponent = 20
)

// checkAmount returns the field message for an out-of-range amount. The
// exponent is bounded before any comparison, since comparing rescales the
// coefficient by it.
func checkAmount(amount decimal.Decimal) string {
	exp := int(amount.Exponent())
	switch {
	case !amount.IsPositive():
		return "must be greater than zero"
	case exp > maxAmountIntDigits:
		return "must be less than 1,000,000,000,000"
	case exp < -maxAmountRawExponent:
		return "must have at most two decimal places"
	case amount.NumDigits()+exp > maxAmountIntDigits:
		return "must be less than 1,000,000,000,000"
	case !amount.Equal(amount.Truncate(maxAmountScale)):
		return "must have at most two decimal places"
	}
	return ""
}

// parseAmount accepts plain decimals with optional thousands separators.
func parseAmount(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(strings.ReplaceAll(s, ",", ""))
	return decimal.NewFromString(s)
}
