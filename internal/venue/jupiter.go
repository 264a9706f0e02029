package venue

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

type jupiterQuoteResponse struct {
	InputMint            string          `json:"inputMint"`
	InAmount             string          `json:"inAmount"`
	OutputMint           string          `json:"outputMint"`
	OutAmount            string          `json:"outAmount"`
	OtherAmountThreshold string          `json:"otherAmountThreshold"`
	PriceImpactPct       string          `json:"priceImpactPct"`
	RoutePlan            json.RawMessage `json:"routePlan"`
	Error                string          `json:"error"`
	ErrorCode            string          `json:"errorCode"`
}

type jupiterSwapRequest struct {
	QuoteResponse           json.RawMessage `json:"quoteResponse"`
	UserPublicKey           string          `json:"userPublicKey"`
	WrapAndUnwrapSol        bool            `json:"wrapAndUnwrapSol"`
	DynamicComputeUnitLimit bool            `json:"dynamicComputeUnitLimit"`
}

type jupiterSwapResponse struct {
	SwapTransaction      string `json:"swapTransaction"`
	LastValidBlockHeight uint64 `json:"lastValidBlockHeight"`
	Error                string `json:"error"`
}

// JupiterProvider builds swaps through the Jupiter swap API v1.
type JupiterProvider struct {
	baseURL string
	http    *httpCaller
}

func NewJupiterProvider(baseURL string, client *http.Client, requestsPerSecond int) *JupiterProvider {
	return &JupiterProvider{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    newHTTPCaller(client, requestsPerSecond),
	}
}

func (p *JupiterProvider) Name() string { return "jupiter" }

func (p *JupiterProvider) BuildSwap(ctx context.Context, req SwapRequest) (*UnsignedLeg, error) {
	query := url.Values{}
	query.Set("inputMint", req.InputMint.String())
	query.Set("outputMint", req.OutputMint.String())
	query.Set("amount", strconv.FormatUint(req.Amount, 10))
	query.Set("slippageBps", strconv.FormatUint(uint64(req.SlippageBps), 10))

	var quote jupiterQuoteResponse
	rawQuote, err := p.http.getJSON(ctx, p.baseURL+"/swap/v1/quote?"+query.Encode(), &quote)
	if err != nil {
		return nil, fmt.Errorf("quote: %w", err)
	}
	if quote.Error != "" {
		return nil, fmt.Errorf("quote: %s (%s)", quote.Error, quote.ErrorCode)
	}

	inAmount, err := parseAmount("inAmount", quote.InAmount)
	if err != nil {
		return nil, fmt.Errorf("quote: %w", err)
	}
	outAmount, err := parseAmount("outAmount", quote.OutAmount)
	if err != nil {
		return nil, fmt.Errorf("quote: %w", err)
	}
	minOut, err := parseAmount("otherAmountThreshold", quote.OtherAmountThreshold)
	if err != nil {
		minOut = 0
	}
	impact := decimal.Zero
	if strings.TrimSpace(quote.PriceImpactPct) != "" {
		if impact, err = decimal.NewFromString(quote.PriceImpactPct); err != nil {
			return nil, fmt.Errorf("quote: invalid priceImpactPct %q: %w", quote.PriceImpactPct, err)
		}
	}

	var swap jupiterSwapResponse
	if _, err := p.http.postJSON(ctx, p.baseURL+"/swap/v1/swap", jupiterSwapRequest{
		QuoteResponse:           rawQuote,
		UserPublicKey:           req.User.String(),
		WrapAndUnwrapSol:        true,
		DynamicComputeUnitLimit: true,
	}, &swap); err != nil {
		return nil, fmt.Errorf("swap: %w", err)
	}
	if swap.Error != "" {
		return nil, fmt.Errorf("swap: %s", swap.Error)
	}

	tx, err := decodeTransaction(swap.SwapTransaction)
	if err != nil {
		return nil, fmt.Errorf("swap: %w", err)
	}

	return &UnsignedLeg{
		Provider:             p.Name(),
		InputMint:            req.InputMint,
		OutputMint:           req.OutputMint,
		InAmount:             inAmount,
		ExpectedOut:          outAmount,
		MinOut:               minOut,
		PriceImpactPct:       impact,
		Transaction:          tx,
		LastValidBlockHeight: swap.LastValidBlockHeight,
	}, nil
}
