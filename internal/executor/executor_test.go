package executor

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/ggonzalez94/dustpan/internal/model"
	"github.com/ggonzalez94/dustpan/internal/oneinch"
	"github.com/ggonzalez94/dustpan/internal/session"
)

type fakeAggregator struct {
	quoteErr       error
	swapErr        error
	failUntil      int
	attempts       int
	swapToAmount   string
	swapOrderHash  string
	noLiquidity    bool
	liquidityCalls int
	lastSwap       oneinch.SwapRequest
}

func (f *fakeAggregator) GetQuote(ctx context.Context, chainID int64, fromToken, amount string) (model.Quote, error) {
	if f.quoteErr != nil {
		return model.Quote{}, f.quoteErr
	}
	return model.Quote{
		ChainID:         chainID,
		FromToken:       fromToken,
		ToToken:         "0xaf88d065e77c8cC2239327C5EDb3A432268e5831",
		Amount:          amount,
		ToAmount:        "1000000",
		ToAmountMin:     "990000",
		ProtocolAddress: "0x7F069df72b7A39bCE9806e3AfaF579E54D8CF2b9",
	}, nil
}

func (f *fakeAggregator) CheckLiquidity(ctx context.Context, chainID int64, tokenAddress, amount string) model.LiquidityCheck {
	f.liquidityCalls++
	if f.noLiquidity {
		return model.LiquidityCheck{HasLiquidity: false, Error: "thin book"}
	}
	return model.LiquidityCheck{HasLiquidity: true, AvailableAmount: "1000000"}
}

func (f *fakeAggregator) SubmitGaslessSwap(ctx context.Context, req oneinch.SwapRequest) (oneinch.SwapOutcome, error) {
	f.attempts++
	f.lastSwap = req
	if f.swapErr != nil {
		return oneinch.SwapOutcome{}, f.swapErr
	}
	if f.attempts <= f.failUntil {
		return oneinch.SwapOutcome{}, fmt.Errorf("aggregator hiccup %d", f.attempts)
	}
	toAmount := f.swapToAmount
	if toAmount == "" {
		toAmount = "1000000"
	}
	return oneinch.SwapOutcome{ToAmount: toAmount, OrderHash: f.swapOrderHash, Status: "success"}, nil
}

func testBook(t *testing.T) *OrderBook {
	t.Helper()
	dir := t.TempDir()
	book, err := OpenOrderBook(filepath.Join(dir, "orders.db"), filepath.Join(dir, "orders.lock"))
	if err != nil {
		t.Fatalf("open order book: %v", err)
	}
	t.Cleanup(func() { _ = book.Close() })
	return book
}

func testExecutor(t *testing.T, agg Aggregator) (*Executor, *OrderBook, *[]time.Duration) {
	t.Helper()
	book := testBook(t)
	exec := New(book, agg, nil)
	sleeps := &[]time.Duration{}
	exec.sleep = func(ctx context.Context, d time.Duration) {
		*sleeps = append(*sleeps, d)
	}
	return exec, book, sleeps
}

func testHandle(chainID int64) *session.Handle {
	key, err := crypto.GenerateKey()
	if err != nil {
		panic(err)
	}
	return session.NewHandle(chainID,
		common.HexToAddress("0x5555555555555555555555555555555555555555"),
		crypto.PubkeyToAddress(key.PublicKey),
		key, nil, true, time.Now().Add(time.Hour))
}

func dustToken(chainID int64) model.Token {
	return model.Token{
		ChainID:    chainID,
		Address:    "0xd0570000000000000000000000000000000000aa",
		Symbol:     "DST",
		Balance:    "2310000000000000000",
		BalanceUSD: 2.31,
	}
}

func TestSweepExecutesToken(t *testing.T) {
	agg := &fakeAggregator{swapToAmount: "2300000"}
	exec, _, _ := testExecutor(t, agg)

	orders, err := exec.ExecuteSweep(context.Background(),
		map[int64]*session.Handle{42161: testHandle(42161)},
		[]model.Token{dustToken(42161)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(orders) != 1 {
		t.Fatalf("expected one order, got %d", len(orders))
	}
	order := orders[0]
	if order.Status != model.StatusExecuted {
		t.Fatalf("expected executed, got %s (%s)", order.Status, order.Error)
	}
	if order.EstimatedUSDC != "2.30" {
		t.Fatalf("expected estimatedUSDC 2.30, got %s", order.EstimatedUSDC)
	}
	if order.OrderHash == "" {
		t.Fatal("expected an order hash")
	}
}

func TestRetryBudgetAndBackoff(t *testing.T) {
	agg := &fakeAggregator{swapErr: fmt.Errorf("always down")}
	exec, _, sleeps := testExecutor(t, agg)

	orders, err := exec.ExecuteSweep(context.Background(),
		map[int64]*session.Handle{42161: testHandle(42161)},
		[]model.Token{dustToken(42161)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	order := orders[0]
	if order.Status != model.StatusFailed {
		t.Fatalf("expected failed, got %s", order.Status)
	}
	if order.Retries != 3 {
		t.Fatalf("expected exactly 3 recorded retries, got %d", order.Retries)
	}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	if len(*sleeps) != len(want) {
		t.Fatalf("expected 3 backoff sleeps, got %v", *sleeps)
	}
	for i, d := range want {
		if (*sleeps)[i] != d {
			t.Fatalf("expected backoff %v at position %d, got %v", d, i, (*sleeps)[i])
		}
	}
	if order.Error == "" {
		t.Fatal("expected final error recorded on failed order")
	}
}

func TestRetryRecoversMidBudget(t *testing.T) {
	agg := &fakeAggregator{failUntil: 2, swapToAmount: "2300000"}
	exec, _, sleeps := testExecutor(t, agg)

	orders, err := exec.ExecuteSweep(context.Background(),
		map[int64]*session.Handle{42161: testHandle(42161)},
		[]model.Token{dustToken(42161)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	order := orders[0]
	if order.Status != model.StatusExecuted {
		t.Fatalf("expected recovery to executed, got %s (%s)", order.Status, order.Error)
	}
	if order.Retries != 2 {
		t.Fatalf("expected 2 retries before recovery, got %d", order.Retries)
	}
	if len(*sleeps) != 2 {
		t.Fatalf("expected 2 backoff sleeps, got %v", *sleeps)
	}
}

func TestChainIsolation(t *testing.T) {
	agg := &fakeAggregator{}
	exec, book, _ := testExecutor(t, agg)

	tokens := []model.Token{dustToken(42161), dustToken(8453)}
	tokens[1].Address = "0xd0570000000000000000000000000000000000bb"

	orders, err := exec.ExecuteSweep(context.Background(),
		map[int64]*session.Handle{42161: testHandle(42161)}, // no handle for 8453
		tokens)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(orders) != 1 {
		t.Fatalf("expected only chain 42161 orders, got %d", len(orders))
	}
	if orders[0].ChainID != 42161 {
		t.Fatalf("unexpected chain %d", orders[0].ChainID)
	}

	stored, err := book.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	for _, order := range stored {
		if order.ChainID == 8453 {
			t.Fatal("skipped chain must produce zero stored orders")
		}
	}
}

func TestStatusMonotonicity(t *testing.T) {
	agg := &fakeAggregator{failUntil: 1, swapToAmount: "2300000"}
	exec, book, _ := testExecutor(t, agg)

	statusesByOrder := map[string][]model.OrderStatus{}
	book.SetListener(func(order model.OrderIntent) {
		statusesByOrder[order.ID] = append(statusesByOrder[order.ID], order.Status)
	})

	if _, err := exec.ExecuteSweep(context.Background(),
		map[int64]*session.Handle{42161: testHandle(42161)},
		[]model.Token{dustToken(42161)}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for id, seq := range statusesByOrder {
		for i := 1; i < len(seq); i++ {
			if seq[i] == seq[i-1] {
				continue
			}
			if !model.CanTransition(seq[i-1], seq[i]) {
				t.Fatalf("order %s made illegal transition %s -> %s (full path %v)", id, seq[i-1], seq[i], seq)
			}
		}
		if seq[len(seq)-1] != model.StatusExecuted {
			t.Fatalf("order %s did not terminate executed: %v", id, seq)
		}
	}
}

func TestLowLiquidityIsAdvisoryOnly(t *testing.T) {
	agg := &fakeAggregator{noLiquidity: true, swapToAmount: "2300000"}
	exec, _, _ := testExecutor(t, agg)

	orders, err := exec.ExecuteSweep(context.Background(),
		map[int64]*session.Handle{42161: testHandle(42161)},
		[]model.Token{dustToken(42161)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if agg.liquidityCalls != 1 {
		t.Fatalf("expected one advisory liquidity check, got %d", agg.liquidityCalls)
	}
	if orders[0].Status != model.StatusExecuted {
		t.Fatalf("low liquidity must not block execution, got %s", orders[0].Status)
	}
}

func TestValidationRejectsUSDCIntoUSDC(t *testing.T) {
	agg := &fakeAggregator{}
	exec, _, _ := testExecutor(t, agg)

	tok := dustToken(42161)
	tok.Address = "0xaf88d065e77c8cC2239327C5EDb3A432268e5831"
	orders, err := exec.ExecuteSweep(context.Background(),
		map[int64]*session.Handle{42161: testHandle(42161)},
		[]model.Token{tok})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if orders[0].Status != model.StatusFailed {
		t.Fatalf("expected validation failure, got %s", orders[0].Status)
	}
	if agg.attempts != 0 {
		t.Fatal("validation failures must not reach the network")
	}
}

func TestValidationRejectsZeroBalance(t *testing.T) {
	agg := &fakeAggregator{}
	exec, _, _ := testExecutor(t, agg)

	tok := dustToken(42161)
	tok.Balance = "0"
	orders, _ := exec.ExecuteSweep(context.Background(),
		map[int64]*session.Handle{42161: testHandle(42161)},
		[]model.Token{tok})
	if orders[0].Status != model.StatusFailed {
		t.Fatalf("expected failed order for zero balance, got %s", orders[0].Status)
	}
}

func TestPartialBatchFailure(t *testing.T) {
	agg := &fakeAggregator{}
	exec, _, _ := testExecutor(t, agg)

	good := dustToken(42161)
	bad := dustToken(42161)
	bad.Address = "0xaf88d065e77c8cC2239327C5EDb3A432268e5831" // validation failure
	orders, err := exec.ExecuteSweep(context.Background(),
		map[int64]*session.Handle{42161: testHandle(42161)},
		[]model.Token{bad, good})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(orders) != 2 {
		t.Fatalf("expected both tokens processed, got %d orders", len(orders))
	}
	if orders[0].Status != model.StatusFailed || orders[1].Status != model.StatusExecuted {
		t.Fatalf("expected failed then executed, got %s and %s", orders[0].Status, orders[1].Status)
	}
}

func TestRetryOrderCreatesNewOrder(t *testing.T) {
	agg := &fakeAggregator{swapErr: fmt.Errorf("down")}
	exec, _, _ := testExecutor(t, agg)

	orders, _ := exec.ExecuteSweep(context.Background(),
		map[int64]*session.Handle{42161: testHandle(42161)},
		[]model.Token{dustToken(42161)})
	failed := orders[0]
	if failed.Status != model.StatusFailed {
		t.Fatalf("setup: expected failed order, got %s", failed.Status)
	}

	agg.swapErr = nil
	agg.swapToAmount = "2300000"
	retried, err := exec.RetryOrder(context.Background(), testHandle(42161), failed.ID)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if retried.ID == failed.ID {
		t.Fatal("retry must produce a new order id")
	}
	if retried.Status != model.StatusExecuted {
		t.Fatalf("expected retried order executed, got %s (%s)", retried.Status, retried.Error)
	}
}

func TestRetryOrderRejectsNonFailed(t *testing.T) {
	agg := &fakeAggregator{swapToAmount: "2300000"}
	exec, _, _ := testExecutor(t, agg)

	orders, _ := exec.ExecuteSweep(context.Background(),
		map[int64]*session.Handle{42161: testHandle(42161)},
		[]model.Token{dustToken(42161)})
	if _, err := exec.RetryOrder(context.Background(), testHandle(42161), orders[0].ID); err == nil {
		t.Fatal("expected error retrying an executed order")
	}
}

func TestSubmitCarriesSessionSignature(t *testing.T) {
	agg := &fakeAggregator{swapToAmount: "2300000"}
	exec, _, _ := testExecutor(t, agg)

	handle := testHandle(42161)
	tok := dustToken(42161)
	orders, err := exec.ExecuteSweep(context.Background(),
		map[int64]*session.Handle{42161: handle},
		[]model.Token{tok})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if orders[0].Status != model.StatusExecuted {
		t.Fatalf("expected executed, got %s (%s)", orders[0].Status, orders[0].Error)
	}
	if agg.lastSwap.Signature == "" {
		t.Fatal("submitted swap must carry the order signature")
	}

	// The signature must be the session key's EIP-712 signature over exactly
	// the order the aggregator was asked to fill.
	typed := oneinch.SwapOrderTypedData(42161,
		"0x7F069df72b7A39bCE9806e3AfaF579E54D8CF2b9",
		handle.Address.Hex(), tok.Address,
		"0xaf88d065e77c8cC2239327C5EDb3A432268e5831",
		tok.Balance, "990000")
	digest, _, err := apitypes.TypedDataAndHash(typed)
	if err != nil {
		t.Fatalf("hash typed data: %v", err)
	}
	sig, err := hexutil.Decode(agg.lastSwap.Signature)
	if err != nil {
		t.Fatalf("decode signature: %v", err)
	}
	if len(sig) != 65 {
		t.Fatalf("expected 65-byte signature, got %d", len(sig))
	}
	sig[64] -= 27
	pub, err := crypto.SigToPub(digest, sig)
	if err != nil {
		t.Fatalf("recover signer: %v", err)
	}
	if crypto.PubkeyToAddress(*pub) != handle.SessionKeyAddress() {
		t.Fatal("order signature must recover to the session key")
	}
}

func TestSyntheticOrderHashFallback(t *testing.T) {
	agg := &fakeAggregator{swapToAmount: "2300000", swapOrderHash: ""}
	exec, _, _ := testExecutor(t, agg)

	orders, _ := exec.ExecuteSweep(context.Background(),
		map[int64]*session.Handle{42161: testHandle(42161)},
		[]model.Token{dustToken(42161)})
	if got := orders[0].OrderHash; len(got) < len("gasless-swap-") || got[:13] != "gasless-swap-" {
		t.Fatalf("expected synthetic order hash, got %q", got)
	}
}

func TestFormatUSDC(t *testing.T) {
	cases := []struct{ in, want string }{
		{"2300000", "2.30"},
		{"2305000", "2.30"},
		{"990000", "0.99"},
		{"0", "0.00"},
		{"123456789", "123.45"},
		{"garbage", "0.00"},
	}
	for _, tc := range cases {
		if got := FormatUSDC(tc.in); got != tc.want {
			t.Fatalf("FormatUSDC(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
