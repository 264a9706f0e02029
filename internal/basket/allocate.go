package basket

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Allocate splits net across legs by weight. Every leg but the last gets
// floor(net*weight/100); the last leg takes the residual so the amounts
// always sum to net.
func Allocate(net uint64, legs []Leg) ([]uint64, error) {
	if len(legs) == 0 {
		return nil, ErrNoLegs
	}

	out := make([]uint64, len(legs))
	if len(legs) == 1 {
		out[0] = net
		return out, nil
	}

	netDec := decimal.NewFromUint64(net)
	var assigned uint64
	for i, leg := range legs[:len(legs)-1] {
		share := netDec.Mul(leg.Weight).Div(hundred).Truncate(0)
		if share.IsNegative() {
			return nil, fmt.Errorf("%w: leg %d", ErrInvalidWeight, i)
		}
		amount := share.BigInt()
		if !amount.IsUint64() {
			return nil, fmt.Errorf("allocation overflow on leg %d", i)
		}
		out[i] = amount.Uint64()
		assigned += out[i]
		if assigned > net {
			return nil, fmt.Errorf("%w: leading legs exceed net amount", ErrWeightSum)
		}
	}
	out[len(legs)-1] = net - assigned
	return out, nil
}
