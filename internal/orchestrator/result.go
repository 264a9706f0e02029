package orchestrator

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/coldbell/basket/backend/internal/basket"
	"github.com/gagliardetto/solana-go"
)

var (
	ErrLegFailed    = errors.New("basket leg failed")
	ErrNoLegsFilled = errors.New("no basket legs filled")
)

type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

type LegStatus string

const (
	LegFilled           LegStatus = "filled"
	LegQuoteUnavailable LegStatus = "quote_unavailable"
	LegFailedStatus     LegStatus = "failed"
	LegExpired          LegStatus = "expired"
	LegCancelled        LegStatus = "cancelled"
	LegSkipped          LegStatus = "skipped"
	// LegUnknown is a swap that was broadcast but neither confirmed nor
	// proven expired.
	LegUnknown LegStatus = "unknown"
)

// LegError is the error value attached to an unsuccessful leg. It matches
// both ErrLegFailed and the underlying cause.
type LegError struct {
	Index int
	Asset solana.PublicKey
	Err   error
}

func (e *LegError) Error() string {
	return fmt.Sprintf("leg %d (%s): %v", e.Index, e.Asset, e.Err)
}

func (e *LegError) Unwrap() []error {
	return []error{ErrLegFailed, e.Err}
}

// LegOutcome is the result of one basket leg. Asset is the basket's nominal
// asset; InputMint/OutputMint are the mints actually swapped.
type LegOutcome struct {
	Index          int              `json:"index"`
	Asset          solana.PublicKey `json:"asset"`
	InputMint      solana.PublicKey `json:"input_mint"`
	OutputMint     solana.PublicKey `json:"output_mint"`
	Substituted    bool             `json:"substituted"`
	Requested      uint64           `json:"requested"`
	Filled         uint64           `json:"filled"`
	Provider       string           `json:"provider,omitempty"`
	Signature      solana.Signature `json:"signature"`
	Attempts       int              `json:"attempts"`
	Status         LegStatus        `json:"status"`
	Err            error            `json:"-"`
	ErrorMessage   string           `json:"error,omitempty"`
	RefinedOnChain bool             `json:"refined_on_chain"`
}

func (o LegOutcome) Succeeded() bool {
	return o.Status == LegFilled
}

// Submitted reports whether the leg reached the ledger.
func (o LegOutcome) Submitted() bool {
	switch o.Status {
	case LegFilled, LegFailedStatus, LegExpired, LegUnknown:
		return !o.Signature.IsZero()
	default:
		return false
	}
}

func (o *LegOutcome) fail(status LegStatus, err error) {
	o.Status = status
	o.Err = &LegError{Index: o.Index, Asset: o.Asset, Err: err}
	o.ErrorMessage = err.Error()
}

// Result is the outcome of one purchase or sale. It is returned even when
// the operation fails so callers can account for funds that already moved.
type Result struct {
	OperationID string           `json:"operation_id"`
	Side        Side             `json:"side"`
	BasketID    string           `json:"basket_id"`
	PositionID  string           `json:"position_id,omitempty"`
	Wallet      solana.PublicKey `json:"wallet"`

	Gross                 uint64           `json:"gross"`
	Fee                   basket.FeeSplit  `json:"fee"`
	FeePaid               bool             `json:"fee_paid"`
	FeeEmbedded           bool             `json:"fee_embedded"`
	FeeSignature          solana.Signature `json:"fee_signature"`
	FeeError              string           `json:"fee_error,omitempty"`
	Registered            bool             `json:"registered"`
	RegistrationSignature solana.Signature `json:"registration_signature"`

	Legs           []LegOutcome `json:"legs"`
	TotalAllocated uint64       `json:"total_allocated"`
	TotalRecovered uint64       `json:"total_recovered"`
	OverallSuccess bool         `json:"overall_success"`
	Cancelled      bool         `json:"cancelled"`

	// UnsettledSignatures were broadcast without a provable outcome. Their
	// funds may have moved, so the operation needs reconciliation.
	UnsettledSignatures []solana.Signature `json:"unsettled_signatures,omitempty"`

	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

func (r *Result) FilledCount() int {
	n := 0
	for _, leg := range r.Legs {
		if leg.Succeeded() {
			n++
		}
	}
	return n
}

// FeeCharged is the fee amount that actually left the wallet.
func (r *Result) FeeCharged() uint64 {
	if !r.FeePaid {
		return 0
	}
	return r.Fee.Total()
}

// MovedFunds reports whether anything was confirmed on-chain, or may have
// been.
func (r *Result) MovedFunds() bool {
	return r.FilledCount() > 0 || r.FeeCharged() > 0 || r.Registered || r.Unsettled()
}

func (r *Result) Unsettled() bool {
	return len(r.UnsettledSignatures) > 0
}

func (r *Result) markUnsettled(sigs []solana.Signature) {
	for _, sig := range sigs {
		if !slices.Contains(r.UnsettledSignatures, sig) {
			r.UnsettledSignatures = append(r.UnsettledSignatures, sig)
		}
	}
}

// Signatures lists every confirmed or submitted signature of the operation.
func (r *Result) Signatures() []string {
	out := make([]string, 0, len(r.Legs)+len(r.UnsettledSignatures)+2)
	add := func(sig solana.Signature) {
		if sig.IsZero() || slices.Contains(out, sig.String()) {
			return
		}
		out = append(out, sig.String())
	}
	add(r.RegistrationSignature)
	add(r.FeeSignature)
	for _, leg := range r.Legs {
		add(leg.Signature)
	}
	for _, sig := range r.UnsettledSignatures {
		add(sig)
	}
	return out
}
