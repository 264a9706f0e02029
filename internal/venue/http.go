package venue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gagliardetto/solana-go"
	"golang.org/x/time/rate"
)

const maxResponseBytes = 8 << 20

// httpCaller is shared by the HTTP venues: one rate limiter per venue host.
type httpCaller struct {
	client    *http.Client
	limiter   *rate.Limiter
	userAgent string
}

func newHTTPCaller(client *http.Client, requestsPerSecond int) *httpCaller {
	if client == nil {
		client = http.DefaultClient
	}
	limit := rate.Inf
	burst := 1
	if requestsPerSecond > 0 {
		limit = rate.Limit(requestsPerSecond)
		burst = requestsPerSecond
	}
	return &httpCaller{
		client:    client,
		limiter:   rate.NewLimiter(limit, burst),
		userAgent: "basket-backend/1.0",
	}
}

func (h *httpCaller) getJSON(ctx context.Context, endpoint string, out any) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	return h.do(ctx, req, out)
}

func (h *httpCaller) postJSON(ctx context.Context, endpoint string, body any, out any) ([]byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return h.do(ctx, req, out)
}

func (h *httpCaller) do(ctx context.Context, req *http.Request, out any) ([]byte, error) {
	if err := h.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}
	req.Header.Set("User-Agent", h.userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return raw, fmt.Errorf("request failed (%d): %s", resp.StatusCode, truncate(string(raw), 256))
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return raw, fmt.Errorf("decode response: %w", err)
	}
	return raw, nil
}

func decodeTransaction(b64 string) (*solana.Transaction, error) {
	b64 = strings.TrimSpace(b64)
	if b64 == "" {
		return nil, fmt.Errorf("empty transaction payload")
	}
	tx, err := solana.TransactionFromBase64(b64)
	if err != nil {
		return nil, fmt.Errorf("decode transaction: %w", err)
	}
	return tx, nil
}

func parseAmount(field, raw string) (uint64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, fmt.Errorf("missing %s", field)
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", field, raw, err)
	}
	return v, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
