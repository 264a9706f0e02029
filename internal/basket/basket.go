package basket

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"
)

var (
	ErrNoLegs          = errors.New("basket has no legs")
	ErrInvalidWeight   = errors.New("leg weight must be positive")
	ErrWeightSum       = errors.New("leg weights must sum to 100")
	ErrDuplicateAsset  = errors.New("duplicate leg asset")
	ErrInvalidBasketID = errors.New("basket id is required")
)

var (
	hundred         = decimal.NewFromInt(100)
	weightTolerance = decimal.RequireFromString("0.01")
)

// Leg is one weighted asset of a basket. Weight is a percentage.
type Leg struct {
	Asset  solana.PublicKey `json:"asset"`
	Weight decimal.Decimal  `json:"weight"`
}

// Definition is immutable once created.
type Definition struct {
	ID             string            `json:"id"`
	Name           string            `json:"name"`
	Lister         solana.PublicKey  `json:"lister"`
	ProgramAddress *solana.PublicKey `json:"program_address,omitempty"`
	Legs           []Leg             `json:"legs"`
	CreatedAt      time.Time         `json:"created_at"`
}

func NewDefinition(id, name string, lister solana.PublicKey, legs []Leg) (Definition, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Definition{}, ErrInvalidBasketID
	}
	if err := ValidateLegs(legs); err != nil {
		return Definition{}, err
	}

	copied := make([]Leg, len(legs))
	copy(copied, legs)
	return Definition{
		ID:        id,
		Name:      strings.TrimSpace(name),
		Lister:    lister,
		Legs:      copied,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// ValidateLegs checks that every weight is positive, assets are distinct and
// the weights sum to 100 within a tolerance of 0.01.
func ValidateLegs(legs []Leg) error {
	if len(legs) == 0 {
		return ErrNoLegs
	}

	sum := decimal.Zero
	seen := make(map[solana.PublicKey]struct{}, len(legs))
	for i, leg := range legs {
		if !leg.Weight.IsPositive() {
			return fmt.Errorf("%w: leg %d weight %s", ErrInvalidWeight, i, leg.Weight)
		}
		if _, ok := seen[leg.Asset]; ok {
			return fmt.Errorf("%w: %s", ErrDuplicateAsset, leg.Asset)
		}
		seen[leg.Asset] = struct{}{}
		sum = sum.Add(leg.Weight)
	}

	if sum.Sub(hundred).Abs().GreaterThan(weightTolerance) {
		return fmt.Errorf("%w: got %s", ErrWeightSum, sum)
	}
	return nil
}

func (d Definition) Assets() []solana.PublicKey {
	out := make([]solana.PublicKey, 0, len(d.Legs))
	for _, leg := range d.Legs {
		out = append(out, leg.Asset)
	}
	return out
}
