package venue

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"
)

type raydiumComputeResponse struct {
	ID      string `json:"id"`
	Success bool   `json:"success"`
	Version string `json:"version"`
	Msg     string `json:"msg"`
	Data    struct {
		InputAmount          string          `json:"inputAmount"`
		OutputAmount         string          `json:"outputAmount"`
		OtherAmountThreshold string          `json:"otherAmountThreshold"`
		PriceImpactPct       decimal.Decimal `json:"priceImpactPct"`
	} `json:"data"`
}

type raydiumSwapRequest struct {
	ComputeUnitPriceMicroLamports string          `json:"computeUnitPriceMicroLamports"`
	SwapResponse                  json.RawMessage `json:"swapResponse"`
	TxVersion                     string          `json:"txVersion"`
	Wallet                        string          `json:"wallet"`
	WrapSol                       bool            `json:"wrapSol"`
	UnwrapSol                     bool            `json:"unwrapSol"`
}

type raydiumSwapResponse struct {
	ID      string `json:"id"`
	Success bool   `json:"success"`
	Version string `json:"version"`
	Msg     string `json:"msg"`
	Data    []struct {
		Transaction string `json:"transaction"`
	} `json:"data"`
}

// RaydiumProvider builds swaps through the Raydium trade API.
type RaydiumProvider struct {
	baseURL          string
	http             *httpCaller
	computeUnitPrice uint64
}

func NewRaydiumProvider(baseURL string, client *http.Client, requestsPerSecond int, computeUnitPriceMicroLamports uint64) *RaydiumProvider {
	return &RaydiumProvider{
		baseURL:          strings.TrimRight(baseURL, "/"),
		http:             newHTTPCaller(client, requestsPerSecond),
		computeUnitPrice: computeUnitPriceMicroLamports,
	}
}

func (p *RaydiumProvider) Name() string { return "raydium" }

func (p *RaydiumProvider) BuildSwap(ctx context.Context, req SwapRequest) (*UnsignedLeg, error) {
	query := url.Values{}
	query.Set("inputMint", req.InputMint.String())
	query.Set("outputMint", req.OutputMint.String())
	query.Set("amount", strconv.FormatUint(req.Amount, 10))
	query.Set("slippageBps", strconv.FormatUint(uint64(req.SlippageBps), 10))
	query.Set("txVersion", "V0")

	var quote raydiumComputeResponse
	rawQuote, err := p.http.getJSON(ctx, p.baseURL+"/compute/swap-base-in?"+query.Encode(), &quote)
	if err != nil {
		return nil, fmt.Errorf("compute: %w", err)
	}
	if !quote.Success {
		return nil, fmt.Errorf("compute: %s", quote.Msg)
	}

	outAmount, err := parseAmount("outputAmount", quote.Data.OutputAmount)
	if err != nil {
		return nil, fmt.Errorf("compute: %w", err)
	}
	inAmount, err := parseAmount("inputAmount", quote.Data.InputAmount)
	if err != nil {
		inAmount = req.Amount
	}
	minOut, err := parseAmount("otherAmountThreshold", quote.Data.OtherAmountThreshold)
	if err != nil {
		minOut = 0
	}

	var swap raydiumSwapResponse
	if _, err := p.http.postJSON(ctx, p.baseURL+"/transaction/swap-base-in", raydiumSwapRequest{
		ComputeUnitPriceMicroLamports: strconv.FormatUint(p.computeUnitPrice, 10),
		SwapResponse:                  rawQuote,
		TxVersion:                     "V0",
		Wallet:                        req.User.String(),
		WrapSol:                       req.InputMint.Equals(solana.SolMint),
		UnwrapSol:                     req.OutputMint.Equals(solana.SolMint),
	}, &swap); err != nil {
		return nil, fmt.Errorf("transaction: %w", err)
	}
	if !swap.Success {
		return nil, fmt.Errorf("transaction: %s", swap.Msg)
	}
	// a leg must be one atomic transaction
	if len(swap.Data) != 1 {
		return nil, fmt.Errorf("transaction: expected 1 transaction, got %d", len(swap.Data))
	}

	tx, err := decodeTransaction(swap.Data[0].Transaction)
	if err != nil {
		return nil, fmt.Errorf("transaction: %w", err)
	}

	return &UnsignedLeg{
		Provider:       p.Name(),
		InputMint:      req.InputMint,
		OutputMint:     req.OutputMint,
		InAmount:       inAmount,
		ExpectedOut:    outAmount,
		MinOut:         minOut,
		PriceImpactPct: quote.Data.PriceImpactPct,
		Transaction:    tx,
	}, nil
}
