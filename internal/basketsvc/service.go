// Package basketsvc is the host-facing facade over baskets, orchestration,
// reconciliation and funds.
package basketsvc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/coldbell/basket/backend/internal/basket"
	"github.com/coldbell/basket/backend/internal/funds"
	"github.com/coldbell/basket/backend/internal/orchestrator"
	"github.com/coldbell/basket/backend/internal/reconcile"
	"github.com/coldbell/basket/backend/internal/store"
	"github.com/coldbell/basket/backend/internal/walletlock"
	"github.com/gagliardetto/solana-go"
)

var (
	ErrForbidden      = errors.New("position belongs to another wallet")
	ErrPositionClosed = errors.New("position is closed")
)

type Orchestrator interface {
	Purchase(ctx context.Context, req orchestrator.PurchaseRequest) (*orchestrator.Result, error)
	Sell(ctx context.Context, req orchestrator.SellRequest) (*orchestrator.Result, error)
}

type Service struct {
	store  store.Store
	orch   Orchestrator
	writer *reconcile.Writer
	funds  *funds.Service
	locks  walletlock.Locker
	logger *slog.Logger
}

func New(st store.Store, orch Orchestrator, writer *reconcile.Writer, fundsSvc *funds.Service, locks walletlock.Locker, logger *slog.Logger) *Service {
	return &Service{
		store:  st,
		orch:   orch,
		writer: writer,
		funds:  fundsSvc,
		locks:  locks,
		logger: logger.With("component", "basketsvc"),
	}
}

type CreateBasketInput struct {
	ID             string
	Name           string
	Lister         solana.PublicKey
	ProgramAddress *solana.PublicKey
	Legs           []basket.Leg
}

func (s *Service) CreateBasket(ctx context.Context, in CreateBasketInput) (basket.Definition, error) {
	def, err := basket.NewDefinition(in.ID, in.Name, in.Lister, in.Legs)
	if err != nil {
		return basket.Definition{}, err
	}
	def.ProgramAddress = in.ProgramAddress
	if err := s.store.CreateBasket(ctx, def); err != nil {
		return basket.Definition{}, err
	}
	s.logger.Info("basket created", "basket_id", def.ID, "legs", len(def.Legs))
	return def, nil
}

func (s *Service) GetBasket(ctx context.Context, id string) (basket.Definition, error) {
	return s.store.GetBasket(ctx, id)
}

func (s *Service) ListBaskets(ctx context.Context) ([]basket.Definition, error) {
	return s.store.ListBaskets(ctx)
}

// Outcome pairs an orchestration result with the position it produced or
// changed. Either field may be nil.
type Outcome struct {
	Result   *orchestrator.Result `json:"result,omitempty"`
	Position *store.Position      `json:"position,omitempty"`
}

// Purchase checks the balance before any external call, runs the purchase
// and records whatever moved on-chain, even when the purchase itself
// reports an error.
func (s *Service) Purchase(ctx context.Context, basketID string, wallet solana.PublicKey, gross uint64) (*Outcome, error) {
	def, err := s.store.GetBasket(ctx, basketID)
	if err != nil {
		return nil, err
	}
	if gross == 0 {
		return nil, orchestrator.ErrInvalidAmount
	}

	release, err := s.locks.Acquire(ctx, wallet.String())
	if err != nil {
		return nil, err
	}
	defer release()

	balance, err := s.store.GetBalance(ctx, wallet.String())
	if err != nil {
		return nil, err
	}
	if balance < gross {
		return nil, fmt.Errorf("%w: balance %d, requested %d", store.ErrInsufficientFunds, balance, gross)
	}

	res, orchErr := s.orch.Purchase(ctx, orchestrator.PurchaseRequest{Basket: def, Wallet: wallet, Gross: gross})
	out := &Outcome{Result: res}
	if res != nil && res.MovedFunds() {
		pos, err := s.writer.RecordPurchase(context.WithoutCancel(ctx), res)
		if err != nil {
			return out, err
		}
		out.Position = pos
	}
	return out, orchErr
}

// Sell unwinds an open position owned by wallet. The position is read under
// the wallet lock so a sale always starts from the latest holdings.
func (s *Service) Sell(ctx context.Context, positionID string, wallet solana.PublicKey) (*Outcome, error) {
	release, err := s.locks.Acquire(ctx, wallet.String())
	if err != nil {
		return nil, err
	}
	defer release()

	pos, err := s.store.GetPosition(ctx, positionID)
	if err != nil {
		return nil, err
	}
	if pos.User != wallet.String() {
		return nil, ErrForbidden
	}
	if pos.Closed {
		return nil, ErrPositionClosed
	}
	def, err := s.store.GetBasket(ctx, pos.BasketID)
	if err != nil {
		return nil, fmt.Errorf("basket %s: %w", pos.BasketID, err)
	}

	holdings := make([]orchestrator.SellLeg, 0, len(pos.Holdings))
	for _, h := range pos.Holdings {
		mint, err := solana.PublicKeyFromBase58(h.Asset)
		if err != nil {
			return nil, fmt.Errorf("position %s holding %q: %w", pos.ID, h.Asset, err)
		}
		holdings = append(holdings, orchestrator.SellLeg{Asset: mint, Amount: h.Amount})
	}

	res, orchErr := s.orch.Sell(ctx, orchestrator.SellRequest{
		PositionID: pos.ID,
		Basket:     def,
		Wallet:     wallet,
		Holdings:   holdings,
	})
	out := &Outcome{Result: res, Position: &pos}
	if res != nil && (res.FilledCount() > 0 || res.Unsettled()) {
		updated, err := s.writer.RecordSale(context.WithoutCancel(ctx), res, pos)
		if err != nil {
			return out, err
		}
		out.Position = updated
	}
	return out, orchErr
}

func (s *Service) Deposit(ctx context.Context, wallet solana.PublicKey, signature solana.Signature) (store.LedgerTransaction, error) {
	return s.funds.Deposit(ctx, wallet, signature)
}

func (s *Service) Withdraw(ctx context.Context, wallet, destination solana.PublicKey, amount uint64) (store.LedgerTransaction, error) {
	release, err := s.locks.Acquire(ctx, wallet.String())
	if err != nil {
		return store.LedgerTransaction{}, err
	}
	defer release()
	return s.funds.Withdraw(ctx, wallet, destination, amount)
}

func (s *Service) Balance(ctx context.Context, wallet solana.PublicKey) (uint64, error) {
	return s.store.GetBalance(ctx, wallet.String())
}

func (s *Service) Positions(ctx context.Context, wallet solana.PublicKey, includeClosed bool) ([]store.Position, error) {
	return s.store.ListPositions(ctx, wallet.String(), includeClosed)
}

type PositionDetail struct {
	Position store.Position       `json:"position"`
	Legs     []store.LegExecution `json:"legs"`
	Fees     []store.FeeRecord    `json:"fees"`
}

func (s *Service) Position(ctx context.Context, id string) (PositionDetail, error) {
	pos, err := s.store.GetPosition(ctx, id)
	if err != nil {
		return PositionDetail{}, err
	}
	legs, err := s.store.ListLegExecutions(ctx, id)
	if err != nil {
		return PositionDetail{}, err
	}
	fees, err := s.store.ListFees(ctx, id)
	if err != nil {
		return PositionDetail{}, err
	}
	return PositionDetail{Position: pos, Legs: legs, Fees: fees}, nil
}

func (s *Service) LedgerHistory(ctx context.Context, wallet solana.PublicKey, limit int) ([]store.LedgerTransaction, error) {
	return s.store.ListLedgerTransactions(ctx, wallet.String(), limit)
}
