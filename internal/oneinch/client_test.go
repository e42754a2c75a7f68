package oneinch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ggonzalez94/dustpan/internal/cache"
	"github.com/ggonzalez94/dustpan/internal/httpx"
)

func testClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	dir := t.TempDir()
	store, err := cache.Open(filepath.Join(dir, "cache.db"), filepath.Join(dir, "cache.lock"))
	if err != nil {
		t.Fatalf("open cache: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	client := NewClient(httpx.New(2*time.Second, 0), store, Config{BaseURL: srv.URL, APIKey: "k"}, nil)
	return client, srv
}

func TestApplySlippageExact(t *testing.T) {
	got, err := ApplySlippage("1000000", 100)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "990000" {
		t.Fatalf("expected 990000, got %s", got)
	}
}

func TestApplySlippageTruncates(t *testing.T) {
	// 999 * 9900 / 10000 = 989.01, must truncate to 989
	got, err := ApplySlippage("999", 100)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "989" {
		t.Fatalf("expected integer truncation to 989, got %s", got)
	}
}

func TestApplySlippageLargeAmountNoDrift(t *testing.T) {
	got, err := ApplySlippage("123456789012345678901234567890", 100)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "122222221122222222112222222211" {
		t.Fatalf("unexpected big-int result %s", got)
	}
}

func TestGetQuote(t *testing.T) {
	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "/swap/v6.0/42161/quote") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer k" {
			t.Errorf("expected bearer auth, got %q", auth)
		}
		w.Write([]byte(`{"dstAmount":"1000000","gas":210000}`))
	}))

	quote, err := client.GetQuote(context.Background(), 42161, "0xdust", "5000000000000000000")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if quote.ToAmount != "1000000" {
		t.Fatalf("expected toAmount 1000000, got %s", quote.ToAmount)
	}
	if quote.ToAmountMin != "990000" {
		t.Fatalf("expected default 100 bps minimum 990000, got %s", quote.ToAmountMin)
	}
	if quote.ToToken != "0xaf88d065e77c8cC2239327C5EDb3A432268e5831" {
		t.Fatalf("expected usdc destination, got %s", quote.ToToken)
	}
	if quote.ExpiresAt <= time.Now().Unix() {
		t.Fatal("expected quote expiry in the future")
	}
}

func TestGetQuoteUnsupportedChain(t *testing.T) {
	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected for unsupported chain")
	}))
	if _, err := client.GetQuote(context.Background(), 999, "0xdust", "1"); err == nil {
		t.Fatal("expected error for unsupported chain")
	}
}

func TestCheckLiquidityDegradesOnFailure(t *testing.T) {
	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"insufficient liquidity"}`))
	}))

	check := client.CheckLiquidity(context.Background(), 42161, "0xdust", "100")
	if check.HasLiquidity {
		t.Fatal("expected hasLiquidity=false on upstream failure")
	}
	if check.Error == "" {
		t.Fatal("expected error string on degraded check")
	}
}

func TestCheckLiquidityPositive(t *testing.T) {
	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"dstAmount":"500000","gas":1}`))
	}))

	check := client.CheckLiquidity(context.Background(), 42161, "0xdust", "100")
	if !check.HasLiquidity {
		t.Fatalf("expected liquidity, got %+v", check)
	}
	if check.AvailableAmount != "500000" || check.MinimumAmount != "495000" {
		t.Fatalf("unexpected amounts %+v", check)
	}
}

func TestBalancesFiltersZero(t *testing.T) {
	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"0xAAA":"1000","0xBBB":"0","0xCCC":""}`))
	}))

	balances, err := client.Balances(context.Background(), 8453, "0xowner")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(balances) != 1 || balances["0xaaa"] != "1000" {
		t.Fatalf("expected only the nonzero balance, got %v", balances)
	}
}

func TestSpotPricesBatchFallback(t *testing.T) {
	var batchCalls, singleCalls atomic.Int32
	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			batchCalls.Add(1)
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		singleCalls.Add(1)
		if strings.Contains(r.URL.Path, "0xaaa") {
			w.Write([]byte(`{"0xaaa":"1.25"}`))
			return
		}
		w.WriteHeader(http.StatusBadRequest)
	}))

	prices, err := client.SpotPrices(context.Background(), 42161, []string{"0xAAA", "0xBBB"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if batchCalls.Load() != 1 {
		t.Fatalf("expected one batch attempt, got %d", batchCalls.Load())
	}
	if singleCalls.Load() != 2 {
		t.Fatalf("expected per-token fallback for both tokens, got %d", singleCalls.Load())
	}
	if prices["0xaaa"] == nil || *prices["0xaaa"] != 1.25 {
		t.Fatalf("expected priced token, got %v", prices["0xaaa"])
	}
	if prices["0xbbb"] != nil {
		t.Fatalf("expected nil price for failed token, got %v", *prices["0xbbb"])
	}
}

func TestTokensCached(t *testing.T) {
	var calls atomic.Int32
	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte(`{"0xaaa":{"address":"0xAAA","symbol":"AAA","name":"Token A","decimals":18}}`))
	}))

	for i := 0; i < 2; i++ {
		tokens, err := client.Tokens(context.Background(), 42161, []string{"0xAAA"})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(tokens) != 1 || tokens[0].Symbol != "AAA" {
			t.Fatalf("unexpected tokens %v", tokens)
		}
	}
	if calls.Load() != 1 {
		t.Fatalf("expected second lookup to hit cache, got %d upstream calls", calls.Load())
	}
}

func TestSubmitGaslessSwapSendsSignature(t *testing.T) {
	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("signature"); got != "0xdeadbeef" {
			t.Errorf("expected order signature in query, got %q", got)
		}
		w.Write([]byte(`{"dstAmount":"2300000"}`))
	}))

	if _, err := client.SubmitGaslessSwap(context.Background(), SwapRequest{
		ChainID:          42161,
		FromTokenAddress: "0xdust",
		ToTokenAddress:   "0xusdc",
		Amount:           "100",
		FromAddress:      "0xaccount",
		Signature:        "0xdeadbeef",
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestSubmitGaslessSwap(t *testing.T) {
	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "/swap/v6.0/42161/swap") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		q := r.URL.Query()
		if q.Get("slippage") != "1" {
			t.Errorf("expected slippage 1%%, got %q", q.Get("slippage"))
		}
		w.Write([]byte(`{"dstAmount":"2300000","tx":{"to":"0xrouter","data":"0x01","value":"0","gas":21000}}`))
	}))

	outcome, err := client.SubmitGaslessSwap(context.Background(), SwapRequest{
		ChainID:          42161,
		FromTokenAddress: "0xdust",
		ToTokenAddress:   "0xusdc",
		Amount:           "100",
		FromAddress:      "0xaccount",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Status != "success" || outcome.ToAmount != "2300000" {
		t.Fatalf("unexpected outcome %+v", outcome)
	}
	if outcome.Transaction == nil || outcome.Transaction.To != "0xrouter" {
		t.Fatalf("expected built transaction, got %+v", outcome.Transaction)
	}
}
