package txengine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/coldbell/basket/backend/internal/metrics"
	"github.com/gagliardetto/solana-go"
	computebudget "github.com/gagliardetto/solana-go/programs/compute-budget"
)

var (
	ErrValidityWindowExpired = errors.New("validity window expired")
	ErrTransactionFailed     = errors.New("transaction failed")
	ErrOutcomeUnknown        = errors.New("transaction outcome unknown")
)

type Config struct {
	// MaxRetries is the number of re-attempts after the first one.
	MaxRetries                    int
	ConfirmTimeout                time.Duration
	ComputeUnitLimit              uint32
	ComputeUnitPriceMicroLamports uint64
}

// Request describes one logical transaction. Exactly one of Instructions or
// Prepared must be set. Refetch, when set, supplies a brand-new unsigned
// transaction for every attempt after the first.
type Request struct {
	Label        string
	Payer        solana.PublicKey
	Instructions []solana.Instruction
	Prepared     *solana.Transaction
	Refetch      func(ctx context.Context) (*solana.Transaction, error)
}

type Receipt struct {
	Signature solana.Signature
	Attempts  int
	Window    Window
	Sent      []solana.Signature
}

type Engine struct {
	ledger Ledger
	signer Signer
	cfg    Config
	logger *slog.Logger
}

func NewEngine(ledger Ledger, signer Signer, cfg Config, logger *slog.Logger) *Engine {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = 60 * time.Second
	}
	return &Engine{
		ledger: ledger,
		signer: signer,
		cfg:    cfg,
		logger: logger.With("component", "txengine"),
	}
}

// Submit drives build, sign, send and confirm. Each attempt binds a fresh
// validity window; an expired window is retried while attempts remain.
// Cancellation and on-chain failures are never retried. The returned receipt
// carries the last signature even on failure.
//
// A failure also matches ErrOutcomeUnknown whenever some broadcast
// transaction was never proven dead, as after a send transport error or a
// confirm deadline that fired before the window's block height passed.
// Receipt.Sent lists every broadcast signature.
func (e *Engine) Submit(ctx context.Context, req Request) (Receipt, error) {
	if len(req.Instructions) == 0 && req.Prepared == nil {
		return Receipt{}, fmt.Errorf("%s: request has no transaction", req.Label)
	}

	attempts := 1 + e.cfg.MaxRetries
	var receipt Receipt
	unsettled := false
	fail := func(err error) (Receipt, error) {
		if unsettled {
			return receipt, fmt.Errorf("%w: %w", ErrOutcomeUnknown, err)
		}
		return receipt, err
	}

	for attempt := 0; attempt < attempts; attempt++ {
		receipt.Attempts = attempt + 1

		window, err := e.ledger.LatestWindow(ctx)
		if err != nil {
			return fail(fmt.Errorf("%s: %w", req.Label, err))
		}
		receipt.Window = window

		tx, err := e.buildAttempt(ctx, req, attempt, window)
		if err != nil {
			return fail(fmt.Errorf("%s: build attempt %d: %w", req.Label, attempt+1, err))
		}

		if err := e.signer.Sign(ctx, req.Payer, tx); err != nil {
			if errors.Is(err, ErrUserCancelled) {
				metrics.TxAttempts.WithLabelValues(req.Label, "cancelled").Inc()
				return fail(err)
			}
			return fail(fmt.Errorf("%s: %w", req.Label, err))
		}

		sig, err := e.ledger.SendTransaction(ctx, tx)
		if err != nil {
			if isBlockhashNotFound(err) {
				metrics.TxAttempts.WithLabelValues(req.Label, "expired").Inc()
				e.logger.Warn("blockhash rejected, rebuilding", "label", req.Label, "attempt", attempt+1, "err", err)
				continue
			}
			metrics.TxAttempts.WithLabelValues(req.Label, "send_error").Inc()
			if !errors.Is(err, ErrSendRejected) && len(tx.Signatures) > 0 {
				// the node may have accepted it before the connection failed
				unsettled = true
				receipt.Signature = tx.Signatures[0]
				receipt.Sent = append(receipt.Sent, tx.Signatures[0])
			}
			return fail(fmt.Errorf("%s: send transaction: %w", req.Label, err))
		}
		receipt.Signature = sig
		receipt.Sent = append(receipt.Sent, sig)

		status, timedOut, err := e.confirm(ctx, req.Label, sig, window)
		if err != nil && ctx.Err() != nil {
			unsettled = true
			return fail(fmt.Errorf("%s: confirm %s: %w", req.Label, sig, ctx.Err()))
		}
		if timedOut {
			status, err = e.lookup(ctx, sig)
			if status == ConfirmExpired {
				unsettled = true
			}
		}

		switch status {
		case ConfirmConfirmed:
			metrics.TxAttempts.WithLabelValues(req.Label, "confirmed").Inc()
			if unsettled {
				e.logger.Warn("transaction confirmed after an unresolved attempt", "label", req.Label, "signature", sig, "sent", receipt.Sent)
			}
			e.logger.Info("transaction confirmed", "label", req.Label, "signature", sig, "attempt", attempt+1)
			return receipt, nil
		case ConfirmFailed:
			metrics.TxAttempts.WithLabelValues(req.Label, "failed").Inc()
			return fail(fmt.Errorf("%w: %s %s: %v", ErrTransactionFailed, req.Label, sig, err))
		default:
			metrics.TxAttempts.WithLabelValues(req.Label, "expired").Inc()
			e.logger.Warn("validity window expired", "label", req.Label, "signature", sig, "attempt", attempt+1, "proven", !timedOut)
		}
	}

	return fail(fmt.Errorf("%w: %s after %d attempts", ErrValidityWindowExpired, req.Label, attempts))
}

func (e *Engine) buildAttempt(ctx context.Context, req Request, attempt int, window Window) (*solana.Transaction, error) {
	if len(req.Instructions) > 0 {
		return e.buildFromInstructions(req, window)
	}

	tx := req.Prepared
	if attempt > 0 && req.Refetch != nil {
		fresh, err := req.Refetch(ctx)
		if err != nil {
			return nil, fmt.Errorf("refetch: %w", err)
		}
		tx = fresh
	}
	tx.Message.RecentBlockhash = window.Blockhash
	tx.Signatures = nil
	return tx, nil
}

func (e *Engine) buildFromInstructions(req Request, window Window) (*solana.Transaction, error) {
	instructions := make([]solana.Instruction, 0, len(req.Instructions)+2)
	if e.cfg.ComputeUnitLimit > 0 {
		cuLimitIx, err := computebudget.NewSetComputeUnitLimitInstruction(e.cfg.ComputeUnitLimit).ValidateAndBuild()
		if err != nil {
			return nil, fmt.Errorf("build compute unit limit instruction: %w", err)
		}
		instructions = append(instructions, cuLimitIx)
	}
	if e.cfg.ComputeUnitPriceMicroLamports > 0 {
		cuPriceIx, err := computebudget.NewSetComputeUnitPriceInstruction(e.cfg.ComputeUnitPriceMicroLamports).ValidateAndBuild()
		if err != nil {
			return nil, fmt.Errorf("build compute unit price instruction: %w", err)
		}
		instructions = append(instructions, cuPriceIx)
	}
	instructions = append(instructions, req.Instructions...)

	return solana.NewTransaction(instructions, window.Blockhash, solana.TransactionPayer(req.Payer))
}

// confirm reports timedOut when its own deadline fired while the parent
// context is still live. Nothing proves the window expired in that case.
func (e *Engine) confirm(ctx context.Context, label string, sig solana.Signature, window Window) (status ConfirmStatus, timedOut bool, err error) {
	confirmCtx, cancel := context.WithTimeout(ctx, e.cfg.ConfirmTimeout)
	defer cancel()

	start := time.Now()
	status, err = e.ledger.ConfirmTransaction(confirmCtx, sig, window)
	if status == ConfirmConfirmed {
		metrics.TxConfirmLatency.WithLabelValues(label).Observe(time.Since(start).Seconds())
	}
	if err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return ConfirmExpired, true, nil
	}
	return status, false, err
}

// lookup checks once whether a transaction whose confirmation timed out
// reached the ledger anyway.
func (e *Engine) lookup(ctx context.Context, sig solana.Signature) (ConfirmStatus, error) {
	info, err := e.ledger.GetTransaction(ctx, sig)
	if err != nil {
		return ConfirmExpired, nil
	}
	if info.Failed() {
		return ConfirmFailed, errors.New(info.Err)
	}
	return ConfirmConfirmed, nil
}

func isBlockhashNotFound(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "blockhash not found") || strings.Contains(msg, "block height exceeded")
}
