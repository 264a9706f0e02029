package apiserver

import (
	"errors"
	"net/http"
	"strings"

	"github.com/coldbell/basket/backend/internal/basket"
	"github.com/coldbell/basket/backend/internal/basketsvc"
	"github.com/coldbell/basket/backend/internal/funds"
	"github.com/coldbell/basket/backend/internal/orchestrator"
	"github.com/coldbell/basket/backend/internal/reconcile"
	"github.com/coldbell/basket/backend/internal/store"
	"github.com/coldbell/basket/backend/internal/txengine"
	"github.com/coldbell/basket/backend/internal/walletlock"
	"github.com/gagliardetto/solana-go"
	"github.com/go-chi/chi/v5"
)

type createBasketRequest struct {
	ID             string            `json:"id"`
	Name           string            `json:"name"`
	Lister         solana.PublicKey  `json:"lister"`
	ProgramAddress *solana.PublicKey `json:"program_address,omitempty"`
	Legs           []basket.Leg      `json:"legs"`
}

type purchaseRequest struct {
	Wallet solana.PublicKey `json:"wallet"`
	Amount uint64           `json:"amount"`
}

type sellRequest struct {
	Wallet solana.PublicKey `json:"wallet"`
}

type depositRequest struct {
	Signature string `json:"signature"`
}

type withdrawRequest struct {
	Destination solana.PublicKey `json:"destination"`
	Amount      uint64           `json:"amount"`
}

type balanceResponse struct {
	Wallet  string `json:"wallet"`
	Balance uint64 `json:"balance,string"`
}

// operationResponse carries the per-leg detail of a purchase or sale. It is
// sent for partial fills and for failures after funds moved, so clients
// always see what happened on-chain.
type operationResponse struct {
	Status   string               `json:"status"`
	Error    string               `json:"error,omitempty"`
	Result   *orchestrator.Result `json:"result,omitempty"`
	Position *store.Position      `json:"position,omitempty"`
}

func (s *Service) handleListBaskets(w http.ResponseWriter, r *http.Request) {
	items, err := s.baskets.ListBaskets(r.Context())
	if err != nil {
		s.respondServiceError(w, "list baskets", err)
		return
	}
	s.respondJSON(w, http.StatusOK, listResponse[basket.Definition]{Items: items})
}

func (s *Service) handleCreateBasket(w http.ResponseWriter, r *http.Request) {
	var request createBasketRequest
	if err := decodeJSONBody(r, &request); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if request.Lister.IsZero() {
		s.respondError(w, http.StatusBadRequest, "lister is required")
		return
	}

	def, err := s.baskets.CreateBasket(r.Context(), basketsvc.CreateBasketInput{
		ID:             request.ID,
		Name:           request.Name,
		Lister:         request.Lister,
		ProgramAddress: request.ProgramAddress,
		Legs:           request.Legs,
	})
	if err != nil {
		s.respondServiceError(w, "create basket", err)
		return
	}
	s.respondJSON(w, http.StatusCreated, def)
}

func (s *Service) handleGetBasket(w http.ResponseWriter, r *http.Request) {
	def, err := s.baskets.GetBasket(r.Context(), chi.URLParam(r, "basketID"))
	if err != nil {
		s.respondServiceError(w, "get basket", err)
		return
	}
	s.respondJSON(w, http.StatusOK, def)
}

func (s *Service) handlePurchase(w http.ResponseWriter, r *http.Request) {
	var request purchaseRequest
	if err := decodeJSONBody(r, &request); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if request.Wallet.IsZero() {
		s.respondError(w, http.StatusBadRequest, "wallet is required")
		return
	}

	out, err := s.baskets.Purchase(r.Context(), chi.URLParam(r, "basketID"), request.Wallet, request.Amount)
	s.respondOperation(w, "purchase", out, err)
}

func (s *Service) handleSell(w http.ResponseWriter, r *http.Request) {
	var request sellRequest
	if err := decodeJSONBody(r, &request); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if request.Wallet.IsZero() {
		s.respondError(w, http.StatusBadRequest, "wallet is required")
		return
	}

	out, err := s.baskets.Sell(r.Context(), chi.URLParam(r, "positionID"), request.Wallet)
	s.respondOperation(w, "sell", out, err)
}

func (s *Service) handleGetPosition(w http.ResponseWriter, r *http.Request) {
	detail, err := s.baskets.Position(r.Context(), chi.URLParam(r, "positionID"))
	if err != nil {
		s.respondServiceError(w, "get position", err)
		return
	}
	s.respondJSON(w, http.StatusOK, detail)
}

func (s *Service) handleUserPositions(w http.ResponseWriter, r *http.Request) {
	wallet, ok := s.walletParam(w, r)
	if !ok {
		return
	}
	includeClosed, err := parseOptionalBool(r, "include_closed")
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	items, err := s.baskets.Positions(r.Context(), wallet, includeClosed)
	if err != nil {
		s.respondServiceError(w, "list positions", err)
		return
	}
	s.respondJSON(w, http.StatusOK, listResponse[store.Position]{Items: items})
}

func (s *Service) handleBalance(w http.ResponseWriter, r *http.Request) {
	wallet, ok := s.walletParam(w, r)
	if !ok {
		return
	}
	balance, err := s.baskets.Balance(r.Context(), wallet)
	if err != nil {
		s.respondServiceError(w, "get balance", err)
		return
	}
	s.respondJSON(w, http.StatusOK, balanceResponse{Wallet: wallet.String(), Balance: balance})
}

func (s *Service) handleLedger(w http.ResponseWriter, r *http.Request) {
	wallet, ok := s.walletParam(w, r)
	if !ok {
		return
	}
	limit, err := parseOptionalInt(r, "limit", 0)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	items, err := s.baskets.LedgerHistory(r.Context(), wallet, limit)
	if err != nil {
		s.respondServiceError(w, "list ledger", err)
		return
	}
	s.respondJSON(w, http.StatusOK, listResponse[store.LedgerTransaction]{Items: items})
}

func (s *Service) handleDeposit(w http.ResponseWriter, r *http.Request) {
	wallet, ok := s.walletParam(w, r)
	if !ok {
		return
	}
	var request depositRequest
	if err := decodeJSONBody(r, &request); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	signature, err := solana.SignatureFromBase58(strings.TrimSpace(request.Signature))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid signature")
		return
	}

	ltx, err := s.baskets.Deposit(r.Context(), wallet, signature)
	if err != nil {
		s.respondServiceError(w, "deposit", err)
		return
	}
	s.respondJSON(w, http.StatusCreated, ltx)
}

func (s *Service) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	wallet, ok := s.walletParam(w, r)
	if !ok {
		return
	}
	var request withdrawRequest
	if err := decodeJSONBody(r, &request); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if request.Destination.IsZero() {
		s.respondError(w, http.StatusBadRequest, "destination is required")
		return
	}

	ltx, err := s.baskets.Withdraw(r.Context(), wallet, request.Destination, request.Amount)
	if err != nil {
		s.respondServiceError(w, "withdraw", err)
		return
	}
	s.respondJSON(w, http.StatusOK, ltx)
}

func (s *Service) walletParam(w http.ResponseWriter, r *http.Request) (solana.PublicKey, bool) {
	wallet, err := solana.PublicKeyFromBase58(chi.URLParam(r, "wallet"))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid wallet")
		return solana.PublicKey{}, false
	}
	return wallet, true
}

func (s *Service) respondOperation(w http.ResponseWriter, op string, out *basketsvc.Outcome, err error) {
	if out == nil {
		s.respondServiceError(w, op, err)
		return
	}

	resp := operationResponse{Status: "completed", Result: out.Result, Position: out.Position}
	code := http.StatusOK
	if out.Result != nil && out.Result.FilledCount() < len(out.Result.Legs) {
		resp.Status = "partial"
	}
	if err != nil {
		code = statusFor(err)
		resp.Status = "failed"
		resp.Error = publicMessage(code, err)
		if code == http.StatusAccepted {
			resp.Status = "pending_reconciliation"
		}
		s.logFailure(op, code, err)
	}
	s.respondJSON(w, code, resp)
}

func (s *Service) respondServiceError(w http.ResponseWriter, op string, err error) {
	code := statusFor(err)
	s.logFailure(op, code, err)
	s.respondError(w, code, publicMessage(code, err))
}

func (s *Service) logFailure(op string, code int, err error) {
	if code >= http.StatusInternalServerError || code == http.StatusAccepted {
		s.logger.Error(op+" failed", "status", code, "err", err)
		return
	}
	s.logger.Info(op+" rejected", "status", code, "err", err)
}

func publicMessage(code int, err error) string {
	switch code {
	case http.StatusAccepted:
		switch {
		case errors.Is(err, funds.ErrWithdrawalUnsettled):
			return funds.ErrWithdrawalUnsettled.Error()
		case errors.Is(err, txengine.ErrOutcomeUnknown):
			return "transaction sent but not confirmed, it will be reconciled, contact support if it persists"
		}
		return reconcile.ErrReconciliationWriteFailed.Error()
	case http.StatusInternalServerError:
		return "internal error"
	default:
		return err.Error()
	}
}

// statusFor maps a service error to an HTTP status. Reconciliation failures
// and unknown outcomes are checked first since they wrap orchestration
// errors too.
func statusFor(err error) int {
	switch {
	case errors.Is(err, reconcile.ErrReconciliationWriteFailed),
		errors.Is(err, txengine.ErrOutcomeUnknown),
		errors.Is(err, funds.ErrWithdrawalUnsettled):
		return http.StatusAccepted
	case errors.Is(err, txengine.ErrUserCancelled),
		errors.Is(err, walletlock.ErrLocked),
		errors.Is(err, basketsvc.ErrPositionClosed),
		errors.Is(err, store.ErrBasketExists),
		errors.Is(err, store.ErrAlreadyProcessed):
		return http.StatusConflict
	case errors.Is(err, store.ErrInsufficientFunds):
		return http.StatusPaymentRequired
	case errors.Is(err, basketsvc.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, store.ErrNotFound),
		errors.Is(err, txengine.ErrTransactionNotFound):
		return http.StatusNotFound
	case errors.Is(err, funds.ErrInvalidDeposit):
		return http.StatusUnprocessableEntity
	case errors.Is(err, basket.ErrNoLegs),
		errors.Is(err, basket.ErrInvalidWeight),
		errors.Is(err, basket.ErrWeightSum),
		errors.Is(err, basket.ErrDuplicateAsset),
		errors.Is(err, basket.ErrInvalidBasketID),
		errors.Is(err, orchestrator.ErrInvalidAmount),
		errors.Is(err, orchestrator.ErrEmptyPosition),
		errors.Is(err, funds.ErrInvalidAmount):
		return http.StatusBadRequest
	case errors.Is(err, orchestrator.ErrNoLegsFilled),
		errors.Is(err, orchestrator.ErrLegFailed),
		errors.Is(err, txengine.ErrTransactionFailed),
		errors.Is(err, txengine.ErrValidityWindowExpired):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
