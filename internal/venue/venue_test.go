package venue_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coldbell/basket/backend/internal/logging"
	"github.com/coldbell/basket/backend/internal/venue"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
)

func encodedTx(t *testing.T, payer solana.PublicKey) string {
	t.Helper()
	ix, err := system.NewTransferInstruction(1, payer, solana.NewWallet().PublicKey()).ValidateAndBuild()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	tx, err := solana.NewTransaction([]solana.Instruction{ix}, solana.Hash{7}, solana.TransactionPayer(payer))
	if err != nil {
		t.Fatalf("new transaction: %v", err)
	}
	b64, err := tx.ToBase64()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return b64
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func newJupiterServer(t *testing.T, user solana.PublicKey, fail bool) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/swap/v1/quote", func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if fail {
			http.Error(w, `{"error":"no route"}`, http.StatusBadRequest)
			return
		}
		if r.URL.Query().Get("amount") != "1000" || r.URL.Query().Get("slippageBps") != "50" {
			t.Errorf("unexpected query %s", r.URL.RawQuery)
		}
		writeJSON(w, map[string]any{
			"inputMint":            r.URL.Query().Get("inputMint"),
			"inAmount":             "1000",
			"outputMint":           r.URL.Query().Get("outputMint"),
			"outAmount":            "2500",
			"otherAmountThreshold": "2480",
			"priceImpactPct":       "0.0012",
			"routePlan":            []any{},
		})
	})
	mux.HandleFunc("/swap/v1/swap", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode swap body: %v", err)
		}
		if body["userPublicKey"] != user.String() {
			t.Errorf("unexpected user %v", body["userPublicKey"])
		}
		if _, ok := body["quoteResponse"].(map[string]any); !ok {
			t.Errorf("quote must be forwarded verbatim, got %T", body["quoteResponse"])
		}
		writeJSON(w, map[string]any{
			"swapTransaction":      encodedTx(t, user),
			"lastValidBlockHeight": 4242,
		})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, &calls
}

func newRaydiumServer(t *testing.T, user solana.PublicKey, success bool) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/compute/swap-base-in", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("txVersion") != "V0" {
			t.Errorf("expected txVersion=V0")
		}
		if !success {
			writeJSON(w, map[string]any{"id": "x", "success": false, "msg": "ROUTE_NOT_FOUND"})
			return
		}
		writeJSON(w, map[string]any{
			"id":      "x",
			"success": true,
			"version": "V1",
			"data": map[string]any{
				"inputAmount":          "1000",
				"outputAmount":         "2400",
				"otherAmountThreshold": "2380",
				"priceImpactPct":       0.02,
			},
		})
	})
	mux.HandleFunc("/transaction/swap-base-in", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode: %v", err)
		}
		if body["wrapSol"] != true {
			t.Errorf("SOL input must request wrapSol")
		}
		writeJSON(w, map[string]any{
			"success": true,
			"data":    []any{map[string]any{"transaction": encodedTx(t, user)}},
		})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func swapRequest(user solana.PublicKey) venue.SwapRequest {
	return venue.SwapRequest{
		InputMint:   solana.SolMint,
		OutputMint:  solana.NewWallet().PublicKey(),
		Amount:      1000,
		SlippageBps: 50,
		User:        user,
	}
}

func TestClient_PrimarySucceeds(t *testing.T) {
	user := solana.NewWallet().PublicKey()
	jup, _ := newJupiterServer(t, user, false)
	ray := newRaydiumServer(t, user, true)

	client := venue.NewClient(time.Second, logging.Discard(),
		venue.NewJupiterProvider(jup.URL, jup.Client(), 0),
		venue.NewRaydiumProvider(ray.URL, ray.Client(), 0, 0),
	)

	leg, err := client.GetExecutableLeg(context.Background(), swapRequest(user))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if leg.Provider != "jupiter" {
		t.Errorf("expected jupiter, got %s", leg.Provider)
	}
	if leg.ExpectedOut != 2500 || leg.MinOut != 2480 || leg.LastValidBlockHeight != 4242 {
		t.Errorf("unexpected leg %+v", leg)
	}
	if leg.PriceImpactPct.String() != "0.0012" {
		t.Errorf("unexpected price impact %s", leg.PriceImpactPct)
	}
	if !leg.Transaction.Message.AccountKeys[0].Equals(user) {
		t.Error("transaction payer must be the user")
	}
}

func TestClient_FallsBackToSecondary(t *testing.T) {
	user := solana.NewWallet().PublicKey()
	jup, calls := newJupiterServer(t, user, true)
	ray := newRaydiumServer(t, user, true)

	client := venue.NewClient(time.Second, logging.Discard(),
		venue.NewJupiterProvider(jup.URL, jup.Client(), 0),
		venue.NewRaydiumProvider(ray.URL, ray.Client(), 0, 0),
	)

	leg, err := client.GetExecutableLeg(context.Background(), swapRequest(user))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("expected one primary call, got %d", calls.Load())
	}
	if leg.Provider != "raydium" || leg.ExpectedOut != 2400 {
		t.Errorf("unexpected leg %+v", leg)
	}
	if leg.PriceImpactPct.String() != "0.02" {
		t.Errorf("unexpected price impact %s", leg.PriceImpactPct)
	}
}

func TestClient_BothFail(t *testing.T) {
	user := solana.NewWallet().PublicKey()
	jup, _ := newJupiterServer(t, user, true)
	ray := newRaydiumServer(t, user, false)

	client := venue.NewClient(time.Second, logging.Discard(),
		venue.NewJupiterProvider(jup.URL, jup.Client(), 0),
		venue.NewRaydiumProvider(ray.URL, ray.Client(), 0, 0),
	)

	_, err := client.GetExecutableLeg(context.Background(), swapRequest(user))
	if !errors.Is(err, venue.ErrQuoteUnavailable) {
		t.Fatalf("expected ErrQuoteUnavailable, got %v", err)
	}
}

func TestClient_TimeoutIsQuoteUnavailable(t *testing.T) {
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	t.Cleanup(slow.Close)

	client := venue.NewClient(50*time.Millisecond, logging.Discard(),
		venue.NewJupiterProvider(slow.URL, slow.Client(), 0),
	)
	_, err := client.GetExecutableLeg(context.Background(), swapRequest(solana.NewWallet().PublicKey()))
	if !errors.Is(err, venue.ErrQuoteUnavailable) {
		t.Fatalf("expected ErrQuoteUnavailable, got %v", err)
	}
}

func TestClient_MalformedBodyFallsThrough(t *testing.T) {
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"inAmount": 5`))
	}))
	t.Cleanup(bad.Close)
	user := solana.NewWallet().PublicKey()
	ray := newRaydiumServer(t, user, true)

	client := venue.NewClient(time.Second, logging.Discard(),
		venue.NewJupiterProvider(bad.URL, bad.Client(), 0),
		venue.NewRaydiumProvider(ray.URL, ray.Client(), 0, 0),
	)
	leg, err := client.GetExecutableLeg(context.Background(), swapRequest(user))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if leg.Provider != "raydium" {
		t.Errorf("expected raydium fallback, got %s", leg.Provider)
	}
}

func TestClient_RejectsZeroAmount(t *testing.T) {
	client := venue.NewClient(time.Second, logging.Discard())
	req := swapRequest(solana.NewWallet().PublicKey())
	req.Amount = 0
	if _, err := client.GetExecutableLeg(context.Background(), req); !errors.Is(err, venue.ErrQuoteUnavailable) {
		t.Fatalf("expected ErrQuoteUnavailable, got %v", err)
	}
}
