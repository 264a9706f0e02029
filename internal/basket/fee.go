package basket

import (
	"fmt"
	"math/big"
)

const BpsDenom = uint64(10_000)

// FeeBps configures the two fee shares in basis points of the gross amount.
type FeeBps struct {
	ShareA uint64
	ShareB uint64
}

func DefaultFeeBps() FeeBps {
	return FeeBps{ShareA: 50, ShareB: 50}
}

func (b FeeBps) Validate() error {
	if b.ShareA+b.ShareB >= BpsDenom {
		return fmt.Errorf("fee shares %d+%d bps must be below %d", b.ShareA, b.ShareB, BpsDenom)
	}
	return nil
}

type FeeSplit struct {
	Gross  uint64 `json:"gross"`
	ShareA uint64 `json:"share_a"`
	ShareB uint64 `json:"share_b"`
	Net    uint64 `json:"net"`
}

func (f FeeSplit) Total() uint64 {
	return f.ShareA + f.ShareB
}

// SplitFee applies the default 50/50 bps split.
func SplitFee(gross uint64) FeeSplit {
	split, _ := DefaultFeeBps().Split(gross)
	return split
}

// Split rounds each share down, so small gross amounts yield zero shares.
func (b FeeBps) Split(gross uint64) (FeeSplit, error) {
	if err := b.Validate(); err != nil {
		return FeeSplit{}, err
	}
	shareA, err := mulDivFloor(gross, b.ShareA, BpsDenom)
	if err != nil {
		return FeeSplit{}, err
	}
	shareB, err := mulDivFloor(gross, b.ShareB, BpsDenom)
	if err != nil {
		return FeeSplit{}, err
	}
	return FeeSplit{
		Gross:  gross,
		ShareA: shareA,
		ShareB: shareB,
		Net:    gross - shareA - shareB,
	}, nil
}

func mulDivFloor(a, b, denominator uint64) (uint64, error) {
	if denominator == 0 {
		return 0, fmt.Errorf("division by zero")
	}
	left := new(big.Int).SetUint64(a)
	right := new(big.Int).SetUint64(b)
	left.Mul(left, right)
	left.Div(left, new(big.Int).SetUint64(denominator))
	if left.Sign() < 0 || !left.IsUint64() {
		return 0, fmt.Errorf("mulDiv overflow")
	}
	return left.Uint64(), nil
}
