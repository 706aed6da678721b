package credits

import (
	"fmt"
	"math/big"
)

var weiPerEth = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

// SettlementCost converts an on-chain gas expenditure into ledger cents:
//
//	floor(gasUsed * effectiveGasPriceWei * oracleCentsPerEth / 1e18)
//
// The multiplication runs in big-integer space; gasUsed * price alone can reach
// the int64 boundary and the oracle factor pushes it well past it.
func SettlementCost(gasUsed uint64, effectiveGasPriceWei *big.Int, oracleCentsPerEth int64) (AmountCents, error) {
	if effectiveGasPriceWei == nil || effectiveGasPriceWei.Sign() < 0 {
		return 0, fmt.Errorf("%w: effective gas price must be a non-negative integer", ErrInvalidGasInput)
	}
	if oracleCentsPerEth <= 0 {
		return 0, fmt.Errorf("%w: oracle rate must be greater than zero", ErrInvalidGasInput)
	}
	actualWei := new(big.Int).Mul(new(big.Int).SetUint64(gasUsed), effectiveGasPriceWei)
	cents := new(big.Int).Mul(actualWei, big.NewInt(oracleCentsPerEth))
	cents.Quo(cents, weiPerEth)
	if !cents.IsInt64() {
		return 0, fmt.Errorf("%w: settlement cost overflows cents", ErrInvalidGasInput)
	}
	return AmountCents(cents.Int64()), nil
}

// ParseWei parses a decimal wei string supplied by the transaction pipeline.
func ParseWei(raw string) (*big.Int, error) {
	value, ok := new(big.Int).SetString(raw, 10)
	if !ok || value.Sign() < 0 {
		return nil, fmt.Errorf("%w: %q is not a non-negative decimal wei value", ErrInvalidGasInput, raw)
	}
	return value, nil
}
