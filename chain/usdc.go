package chain

import (
	"fmt"
	"math"
	"math/big"
	"strings"
)

// USDCDecimals is the token's on-chain precision. Off-chain the ledger
// carries amounts as int64 base units; the chain boundary uses *big.Int.
const USDCDecimals = 6

// BaseUnits converts a decimal USDC amount to base units.
func BaseUnits(amount float64) int64 {
	return int64(math.Round(amount * math.Pow10(USDCDecimals)))
}

// BigUnits converts ledger base units to the on-chain representation.
func BigUnits(base int64) *big.Int {
	return big.NewInt(base)
}

// BaseFromBig converts an observed on-chain value to ledger base units. The
// second return is false when the value exceeds the int64 range.
func BaseFromBig(v *big.Int) (int64, bool) {
	if v == nil || !v.IsInt64() {
		return 0, false
	}
	return v.Int64(), true
}

// FormatUSDC renders base units as a decimal string for notifications.
func FormatUSDC(base int64) string {
	sign := ""
	if base < 0 {
		sign = "-"
		base = -base
	}
	whole := base / 1_000_000
	frac := base % 1_000_000
	if frac == 0 {
		return fmt.Sprintf("%s%d", sign, whole)
	}
	s := strings.TrimRight(fmt.Sprintf("%06d", frac), "0")
	return fmt.Sprintf("%s%d.%s", sign, whole, s)
}
