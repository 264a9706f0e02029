package apiserver_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coldbell/basket/backend/internal/apiserver"
	"github.com/coldbell/basket/backend/internal/basketsvc"
	"github.com/coldbell/basket/backend/internal/config"
	"github.com/coldbell/basket/backend/internal/dex"
	"github.com/coldbell/basket/backend/internal/funds"
	"github.com/coldbell/basket/backend/internal/logging"
	"github.com/coldbell/basket/backend/internal/orchestrator"
	"github.com/coldbell/basket/backend/internal/reconcile"
	"github.com/coldbell/basket/backend/internal/store"
	"github.com/coldbell/basket/backend/internal/txengine"
	"github.com/coldbell/basket/backend/internal/txengine/txenginetest"
	"github.com/coldbell/basket/backend/internal/venue/venuetest"
	"github.com/coldbell/basket/backend/internal/walletlock"
	"github.com/gagliardetto/solana-go"
	"github.com/gorilla/websocket"
)

type brokenCommitStore struct {
	*store.MemoryStore
}

func (brokenCommitStore) Commit(context.Context, store.Entry) error {
	return errors.New("database unreachable")
}

type testEnv struct {
	wallet solana.PublicKey
	mem    *store.MemoryStore
	quoter *venuetest.Quoter
	signer *txenginetest.Signer
	hub    *apiserver.Hub
	server *httptest.Server
	assets []solana.PublicKey
}

func newTestEnv(t *testing.T, brokenCommit bool) *testEnv {
	t.Helper()
	key := solana.NewWallet().PrivateKey
	e := &testEnv{
		wallet: key.PublicKey(),
		mem:    store.NewMemoryStore(),
		quoter: venuetest.New(),
		signer: txenginetest.NewSigner(key),
	}
	var st store.Store = e.mem
	if brokenCommit {
		st = brokenCommitStore{e.mem}
	}

	logger := logging.Discard()
	ledger := txenginetest.New()
	engine := txengine.NewEngine(ledger, e.signer, txengine.Config{MaxRetries: 1}, logger)
	e.hub = apiserver.NewHub(logger)
	orch := orchestrator.New(e.quoter, engine, ledger, orchestrator.Config{
		Treasury:     solana.NewWallet().PublicKey(),
		ETFProgramID: dex.DefaultETFProgramID,
		Mainnet:      true,
	}, e.hub, logger)
	svc := basketsvc.New(st, orch, reconcile.NewWriter(st, logger), funds.NewService(st, ledger, engine, funds.Config{}, logger), walletlock.NewMemoryLocker(), logger)

	api := apiserver.New(config.APIServerConfig{AllowedOrigins: []string{"*"}}, svc, e.hub, logger)
	e.server = httptest.NewServer(api.Handler())
	t.Cleanup(func() {
		e.hub.Close()
		e.server.Close()
	})
	return e
}

func (e *testEnv) do(t *testing.T, method, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("encode body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, e.server.URL+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	decoded := map[string]any{}
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func (e *testEnv) createBasket(t *testing.T, weights ...string) {
	t.Helper()
	legs := make([]map[string]any, len(weights))
	for i, w := range weights {
		asset := solana.NewWallet().PublicKey()
		e.assets = append(e.assets, asset)
		legs[i] = map[string]any{"asset": asset.String(), "weight": w}
	}
	resp, body := e.do(t, http.MethodPost, "/v1/baskets", map[string]any{
		"id":     "majors",
		"name":   "Majors",
		"lister": solana.NewWallet().PublicKey().String(),
		"legs":   legs,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create basket: status %d body %v", resp.StatusCode, body)
	}
}

func (e *testEnv) purchase(t *testing.T, amount uint64) (*http.Response, map[string]any) {
	t.Helper()
	return e.do(t, http.MethodPost, "/v1/baskets/majors/purchase", map[string]any{
		"wallet": e.wallet.String(),
		"amount": amount,
	})
}

func TestHealthz(t *testing.T) {
	e := newTestEnv(t, false)
	resp, body := e.do(t, http.MethodGet, "/healthz", nil)
	if resp.StatusCode != http.StatusOK || body["ok"] != true {
		t.Fatalf("unexpected health response %d %v", resp.StatusCode, body)
	}
}

func TestBasketEndpoints(t *testing.T) {
	e := newTestEnv(t, false)
	e.createBasket(t, "60", "40")

	resp, body := e.do(t, http.MethodGet, "/v1/baskets/majors", nil)
	if resp.StatusCode != http.StatusOK || body["id"] != "majors" {
		t.Fatalf("get basket: %d %v", resp.StatusCode, body)
	}
	resp, _ = e.do(t, http.MethodGet, "/v1/baskets/unknown", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown basket, got %d", resp.StatusCode)
	}
	resp, _ = e.do(t, http.MethodPost, "/v1/baskets", map[string]any{
		"id":     "broken",
		"lister": solana.NewWallet().PublicKey().String(),
		"legs":   []map[string]any{{"asset": solana.NewWallet().PublicKey().String(), "weight": "70"}},
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for weights not summing to 100, got %d", resp.StatusCode)
	}
	resp, body = e.do(t, http.MethodGet, "/v1/baskets", nil)
	if items, _ := body["items"].([]any); resp.StatusCode != http.StatusOK || len(items) != 1 {
		t.Fatalf("list baskets: %d %v", resp.StatusCode, body)
	}
}

func TestPurchase_StatusMapping(t *testing.T) {
	cases := []struct {
		name    string
		balance uint64
		setup   func(e *testEnv)
		broken  bool
		code    int
		status  string
	}{
		{name: "completed", balance: 10_000_000, code: http.StatusOK, status: "completed"},
		{
			name:    "partial",
			balance: 10_000_000,
			setup:   func(e *testEnv) { e.quoter.Fail(e.assets[1]) },
			code:    http.StatusOK,
			status:  "partial",
		},
		{name: "insufficient funds", balance: 10, code: http.StatusPaymentRequired},
		{
			name:    "all legs failed",
			balance: 10_000_000,
			setup: func(e *testEnv) {
				for _, asset := range e.assets {
					e.quoter.Fail(asset)
				}
			},
			code:   http.StatusBadGateway,
			status: "failed",
		},
		{
			name:    "cancelled",
			balance: 10_000_000,
			setup: func(e *testEnv) {
				e.signer.DeclineFunc = func(_ *solana.Transaction, n int) bool { return n == 0 }
			},
			code:   http.StatusConflict,
			status: "failed",
		},
		{name: "bookkeeping failed", balance: 10_000_000, broken: true, code: http.StatusAccepted, status: "pending_reconciliation"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e := newTestEnv(t, tc.broken)
			e.createBasket(t, "50", "50")
			e.mem.SetBalance(e.wallet.String(), tc.balance)
			if tc.setup != nil {
				tc.setup(e)
			}

			resp, body := e.purchase(t, 1_000_000)
			if resp.StatusCode != tc.code {
				t.Fatalf("expected status %d, got %d (%v)", tc.code, resp.StatusCode, body)
			}
			if tc.status != "" && body["status"] != tc.status {
				t.Fatalf("expected body status %q, got %v", tc.status, body["status"])
			}
			if tc.code == http.StatusAccepted && !strings.Contains(body["error"].(string), "contact support") {
				t.Fatalf("expected a contact support message, got %v", body["error"])
			}
		})
	}
}

func TestPurchase_CancelMidLegsReportsLegDetail(t *testing.T) {
	e := newTestEnv(t, false)
	e.createBasket(t, "40", "30", "30")
	e.mem.SetBalance(e.wallet.String(), 10_000_000)
	// fee, first leg, then the decline on the second leg
	e.signer.DeclineFunc = func(_ *solana.Transaction, n int) bool { return n == 2 }

	resp, body := e.purchase(t, 1_000_000)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d (%v)", resp.StatusCode, body)
	}
	if body["status"] != "failed" || body["error"] == "" {
		t.Fatalf("unexpected body %v", body)
	}

	result, _ := body["result"].(map[string]any)
	legs, _ := result["legs"].([]any)
	if len(legs) != 3 {
		t.Fatalf("expected 3 legs in %v", result)
	}
	want := []string{"filled", "cancelled", "skipped"}
	for i, raw := range legs {
		leg, _ := raw.(map[string]any)
		if leg["status"] != want[i] {
			t.Fatalf("leg %d: expected %s, got %v", i, want[i], leg["status"])
		}
	}
	if result["cancelled"] != true || result["fee_paid"] != true {
		t.Fatalf("expected a cancelled result with the fee paid, got %v", result)
	}

	position, _ := body["position"].(map[string]any)
	holdings, _ := position["holdings"].([]any)
	if len(holdings) != 1 || holdings[0].(map[string]any)["asset"] != e.assets[0].String() {
		t.Fatalf("expected only the filled holding, got %v", position)
	}

	fee, _ := result["fee"].(map[string]any)
	spent := fee["share_a"].(float64) + fee["share_b"].(float64) + legs[0].(map[string]any)["requested"].(float64)
	balance, err := e.mem.GetBalance(context.Background(), e.wallet.String())
	if err != nil {
		t.Fatalf("get balance: %v", err)
	}
	if balance != 10_000_000-uint64(spent) {
		t.Fatalf("expected balance %d, got %d", 10_000_000-uint64(spent), balance)
	}
}

func TestPurchaseAndSellFlow(t *testing.T) {
	e := newTestEnv(t, false)
	e.createBasket(t, "50", "50")
	e.mem.SetBalance(e.wallet.String(), 5_000_000)

	resp, body := e.purchase(t, 1_000_000)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("purchase: %d %v", resp.StatusCode, body)
	}
	position, _ := body["position"].(map[string]any)
	positionID, _ := position["id"].(string)
	if positionID == "" {
		t.Fatalf("expected a position in %v", body)
	}

	resp, body = e.do(t, http.MethodGet, "/v1/users/"+e.wallet.String()+"/balance", nil)
	if resp.StatusCode != http.StatusOK || body["balance"] != "4000000" {
		t.Fatalf("balance after purchase: %d %v", resp.StatusCode, body)
	}

	resp, body = e.do(t, http.MethodPost, "/v1/positions/"+positionID+"/sell", map[string]any{
		"wallet": solana.NewWallet().PublicKey().String(),
	})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("foreign sell: expected 403, got %d %v", resp.StatusCode, body)
	}

	resp, body = e.do(t, http.MethodPost, "/v1/positions/"+positionID+"/sell", map[string]any{
		"wallet": e.wallet.String(),
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("sell: %d %v", resp.StatusCode, body)
	}
	resp, _ = e.do(t, http.MethodPost, "/v1/positions/"+positionID+"/sell", map[string]any{
		"wallet": e.wallet.String(),
	})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("second sell: expected 409, got %d", resp.StatusCode)
	}

	resp, body = e.do(t, http.MethodGet, "/v1/users/"+e.wallet.String()+"/positions?include_closed=true", nil)
	if items, _ := body["items"].([]any); resp.StatusCode != http.StatusOK || len(items) != 1 {
		t.Fatalf("positions: %d %v", resp.StatusCode, body)
	}
	resp, body = e.do(t, http.MethodGet, "/v1/users/"+e.wallet.String()+"/ledger", nil)
	if items, _ := body["items"].([]any); resp.StatusCode != http.StatusOK || len(items) != 2 {
		t.Fatalf("ledger: %d %v", resp.StatusCode, body)
	}
	resp, _ = e.do(t, http.MethodGet, "/v1/positions/"+positionID, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("position detail: %d", resp.StatusCode)
	}
}

func TestUserRoutes_RejectBadInput(t *testing.T) {
	e := newTestEnv(t, false)

	resp, _ := e.do(t, http.MethodGet, "/v1/users/not-a-wallet/balance", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for a malformed wallet, got %d", resp.StatusCode)
	}
	resp, _ = e.do(t, http.MethodPost, "/v1/users/"+e.wallet.String()+"/deposits", map[string]any{"signature": "nope"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for a malformed signature, got %d", resp.StatusCode)
	}
	resp, _ = e.do(t, http.MethodPost, "/v1/users/"+e.wallet.String()+"/withdrawals", map[string]any{
		"destination": solana.NewWallet().PublicKey().String(),
		"amount":      100,
	})
	if resp.StatusCode != http.StatusPaymentRequired {
		t.Fatalf("expected 402 for an unfunded withdrawal, got %d", resp.StatusCode)
	}
}

func TestWebsocket_StreamsWalletEvents(t *testing.T) {
	e := newTestEnv(t, false)
	e.createBasket(t, "100")
	e.mem.SetBalance(e.wallet.String(), 5_000_000)

	url := "ws" + strings.TrimPrefix(e.server.URL, "http") + "/ws?wallet=" + e.wallet.String()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for e.hub.Clients() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if resp, body := e.purchase(t, 1_000_000); resp.StatusCode != http.StatusOK {
		t.Fatalf("purchase: %d %v", resp.StatusCode, body)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var envelope struct {
		Type    string             `json:"type"`
		Channel string             `json:"channel"`
		Data    orchestrator.Event `json:"data"`
	}
	if err := conn.ReadJSON(&envelope); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if envelope.Channel != "wallet."+e.wallet.String() || envelope.Data.Kind != orchestrator.EventStarted {
		t.Fatalf("unexpected first event %+v", envelope)
	}
}
