package balance

import (
	"context"
	"errors"
	"testing"

	"AgentNexus-Chain/internal/bridge"
	xerrors "AgentNexus-Chain/internal/errors"
	"AgentNexus-Chain/internal/web3"

	"github.com/shopspring/decimal"
)

type fakeChains map[uint64]bool

func (f fakeChains) Lookup(id uint64) (web3.ChainInfo, error) {
	if !f[id] {
		return web3.ChainInfo{}, web3.UnsupportedChain(id)
	}
	return web3.ChainInfo{ChainID: id}, nil
}
func (f fakeChains) IsSupported(id uint64) bool { return f[id] }
func (f fakeChains) Supported() []uint64        { return nil }

type fakeSource struct {
	balances []bridge.UnifiedBalance
	err      error
	calls    int
}

func (f *fakeSource) UnifiedBalances(context.Context) ([]bridge.UnifiedBalance, error) {
	f.calls++
	return f.balances, f.err
}

func usdc(entries map[uint64]string) []bridge.UnifiedBalance {
	out := bridge.UnifiedBalance{Symbol: "USDC", Decimals: 6}
	for id, v := range entries {
		out.Breakdown = append(out.Breakdown, bridge.ChainBalance{ChainID: id, Balance: decimal.RequireFromString(v)})
	}
	return []bridge.UnifiedBalance{out}
}

func TestDeficitNeverNegative(t *testing.T) {
	cases := []struct {
		required, balance, want string
	}{
		{"5", "0", "5"},
		{"5", "5", "0"},
		{"5", "7.5", "0"},
		{"5", "1.25", "3.75"},
		{"0", "0", "0"},
	}
	for _, tc := range cases {
		got := Deficit(decimal.RequireFromString(tc.required), decimal.RequireFromString(tc.balance))
		if !got.Equal(decimal.RequireFromString(tc.want)) {
			t.Fatalf("Deficit(%s, %s) = %s, want %s", tc.required, tc.balance, got, tc.want)
		}
		if got.IsNegative() {
			t.Fatalf("negative deficit %s", got)
		}
	}
}

func TestAggregatorQueriesEveryTime(t *testing.T) {
	source := &fakeSource{balances: usdc(map[uint64]string{84532: "2", 421614: "5"})}
	agg := NewAggregator(fakeChains{84532: true, 421614: true, 11155111: true}, source)

	deficit, err := agg.GetDeficit(context.Background(), 84532, "usdc", decimal.RequireFromString("5"))
	if err != nil {
		t.Fatalf("deficit: %v", err)
	}
	if !deficit.Equal(decimal.RequireFromString("3")) {
		t.Fatalf("unexpected deficit %s", deficit)
	}
	bal, err := agg.GetBalance(context.Background(), 11155111, "USDC")
	if err != nil || !bal.IsZero() {
		t.Fatalf("absent chain should hold zero, got %s %v", bal, err)
	}
	if source.calls != 2 {
		t.Fatalf("expected a network call per query, got %d", source.calls)
	}
}

func TestAggregatorErrors(t *testing.T) {
	source := &fakeSource{err: errors.New("sdk offline")}
	agg := NewAggregator(fakeChains{84532: true}, source)

	if _, err := agg.GetBalance(context.Background(), 1, "USDC"); !xerrors.HasCode(err, web3.CodeUnsupportedChain) {
		t.Fatalf("expected unsupported chain, got %v", err)
	}
	if source.calls != 0 {
		t.Fatal("unsupported chain must fail before any network call")
	}

	_, err := agg.GetBalance(context.Background(), 84532, "USDC")
	if !errors.Is(err, ErrBalanceUnavailable) || !xerrors.RetryableError(err) {
		t.Fatalf("expected retryable balance unavailable, got %v", err)
	}

	source.err = nil
	source.balances = usdc(map[uint64]string{84532: "1"})
	if _, err := agg.GetBalance(context.Background(), 84532, "ETH"); !errors.Is(err, ErrBalanceUnavailable) {
		t.Fatalf("missing asset should be unavailable, got %v", err)
	}
}
