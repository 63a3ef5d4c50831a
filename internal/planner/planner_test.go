package planner

import (
	"context"
	"errors"
	"testing"

	"AgentNexus-Chain/internal/bridge"
	xerrors "AgentNexus-Chain/internal/errors"
	"AgentNexus-Chain/internal/web3"
	"AgentNexus-Chain/internal/web3/ethereum"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

const (
	baseSepolia     = 84532
	arbitrumSepolia = 421614
	optimismSepolia = 11155420
)

type staticChains map[uint64]bool

func (s staticChains) Lookup(id uint64) (web3.ChainInfo, error) {
	if !s[id] {
		return web3.ChainInfo{}, web3.UnsupportedChain(id)
	}
	return web3.ChainInfo{ChainID: id}, nil
}

func (s staticChains) IsSupported(id uint64) bool { return s[id] }

func (s staticChains) Supported() []uint64 {
	var out []uint64
	for id := range s {
		out = append(out, id)
	}
	return out
}

type fakeSnapshots struct {
	balances map[uint64]string
	// decimals overrides the reported decimals when set.
	decimals *int32
	err      error
	calls    int
}

func (f *fakeSnapshots) Snapshot(_ context.Context, symbol string) (bridge.UnifiedBalance, error) {
	f.calls++
	if f.err != nil {
		return bridge.UnifiedBalance{}, f.err
	}
	out := bridge.UnifiedBalance{Symbol: symbol, Decimals: 6}
	if f.decimals != nil {
		out.Decimals = *f.decimals
	}
	for _, id := range []uint64{baseSepolia, arbitrumSepolia, optimismSepolia} {
		if v, ok := f.balances[id]; ok {
			out.Breakdown = append(out.Breakdown, bridge.ChainBalance{ChainID: id, Balance: decimal.RequireFromString(v)})
		}
	}
	return out, nil
}

func newPlanner(balances map[uint64]string) (*Planner, *fakeSnapshots) {
	snaps := &fakeSnapshots{balances: balances}
	chains := staticChains{baseSepolia: true, arbitrumSepolia: true, optimismSepolia: true}
	return New(chains, snaps), snaps
}

func executeCall() web3.ContractCall {
	return ethereum.ExecuteAgentCall(common.HexToAddress("0x00000000000000000000000000000000000000a1"), 7, []byte("hi"))
}

func input(source, target uint64, required string) Input {
	return Input{
		AgentID:        7,
		SourceChainID:  source,
		TargetChainID:  target,
		Call:           executeCall(),
		RequiredAmount: decimal.RequireFromString(required),
	}
}

func TestPlanUnsupportedTargetFailsBeforeBalanceQuery(t *testing.T) {
	p, snaps := newPlanner(nil)
	_, err := p.Plan(context.Background(), input(baseSepolia, 999, "1"))
	if !errors.Is(err, web3.ErrUnsupportedChain) {
		t.Fatalf("expected unsupported chain, got %v", err)
	}
	if snaps.calls != 0 {
		t.Fatalf("no balance query expected, got %d", snaps.calls)
	}
}

func TestPlanSameChain(t *testing.T) {
	p, _ := newPlanner(map[uint64]string{baseSepolia: "10"})

	plan, err := p.Plan(context.Background(), input(baseSepolia, baseSepolia, "10"))
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if plan.Kind != KindDirect || plan.Direct.ChainID != baseSepolia || len(plan.Direct.Execute.CallData) == 0 {
		t.Fatalf("expected encoded direct call, got %+v", plan)
	}

	_, err = p.Plan(context.Background(), input(baseSepolia, baseSepolia, "10.5"))
	if !xerrors.HasCode(err, CodeInsufficientFunds) {
		t.Fatalf("same chain shortfall must not bridge, got %v", err)
	}
}

func TestPlanBridgesExactDeficit(t *testing.T) {
	p, snaps := newPlanner(map[uint64]string{baseSepolia: "5.00", arbitrumSepolia: "5.00", optimismSepolia: "0"})

	plan, err := p.Plan(context.Background(), input(baseSepolia, optimismSepolia, "5.00"))
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if plan.Kind != KindBridge {
		t.Fatalf("expected bridge, got %s", plan.Kind)
	}
	if !plan.Bridge.AmountDecimal.Equal(decimal.RequireFromString("5")) || plan.Bridge.Amount.Int64() != 5_000_000 {
		t.Fatalf("expected exactly 5.00, got %s (%s)", plan.Bridge.AmountDecimal, plan.Bridge.Amount)
	}
	if len(plan.Bridge.SourceChains) != 2 {
		t.Fatalf("unexpected sources %v", plan.Bridge.SourceChains)
	}
	if snaps.calls != 1 {
		t.Fatalf("expected one snapshot per plan, got %d", snaps.calls)
	}
}

func TestPlanModes(t *testing.T) {
	balances := map[uint64]string{baseSepolia: "3", arbitrumSepolia: "4", optimismSepolia: "20"}
	cases := []struct {
		name     string
		mode     Mode
		required string
		kind     Kind
		amount   string
	}{
		{"covered deficit mode", ModeDeficit, "10", KindDirect, ""},
		{"covered full amount mode", ModeFullAmount, "6", KindBridge, "6"},
		{"partial deficit", ModeDeficit, "25", KindBridge, "5"},
		{"zero required full amount", ModeFullAmount, "0", KindDirect, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p, _ := newPlanner(balances)
			in := input(baseSepolia, optimismSepolia, tc.required)
			in.Mode = tc.mode
			plan, err := p.Plan(context.Background(), in)
			if err != nil {
				t.Fatalf("plan: %v", err)
			}
			if plan.Kind != tc.kind {
				t.Fatalf("expected %s, got %s", tc.kind, plan.Kind)
			}
			if tc.kind == KindBridge && !plan.Bridge.AmountDecimal.Equal(decimal.RequireFromString(tc.amount)) {
				t.Fatalf("expected amount %s, got %s", tc.amount, plan.Bridge.AmountDecimal)
			}
			if plan.Deficit.IsNegative() {
				t.Fatalf("deficit must never be negative")
			}
		})
	}
}

func TestPlanFallsBackToConfiguredDecimals(t *testing.T) {
	p, snaps := newPlanner(map[uint64]string{baseSepolia: "10", optimismSepolia: "2.5"})
	missing := int32(0)
	snaps.decimals = &missing

	plan, err := p.Plan(context.Background(), input(baseSepolia, optimismSepolia, "5"))
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if !plan.Bridge.AmountDecimal.Equal(decimal.RequireFromString("2.5")) || plan.Bridge.Amount.Int64() != 2_500_000 {
		t.Fatalf("expected exactly 2.5 (2500000), got %s (%s)", plan.Bridge.AmountDecimal, plan.Bridge.Amount)
	}
	if plan.Decimals != DefaultDecimals {
		t.Fatalf("expected fallback decimals %d, got %d", DefaultDecimals, plan.Decimals)
	}

	eighteen := New(staticChains{baseSepolia: true, optimismSepolia: true}, snaps, WithDecimals(18))
	plan, err = eighteen.Plan(context.Background(), input(baseSepolia, optimismSepolia, "5"))
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if plan.Bridge.Amount.String() != "2500000000000000000" {
		t.Fatalf("expected 18-decimal amount, got %s", plan.Bridge.Amount)
	}
}

func TestPlanRejectsNonPositiveDecimals(t *testing.T) {
	snaps := &fakeSnapshots{balances: map[uint64]string{baseSepolia: "10"}}
	negative := int32(-2)
	snaps.decimals = &negative
	p := New(staticChains{baseSepolia: true, optimismSepolia: true}, snaps)
	if _, err := p.Plan(context.Background(), input(baseSepolia, optimismSepolia, "1")); !xerrors.HasCode(err, xerrors.CodeInvalidArgument) {
		t.Fatalf("negative decimals should be rejected, got %v", err)
	}

	missing := int32(0)
	snaps.decimals = &missing
	p = New(staticChains{baseSepolia: true, optimismSepolia: true}, snaps, WithDecimals(0))
	if _, err := p.Plan(context.Background(), input(baseSepolia, optimismSepolia, "1")); !xerrors.HasCode(err, xerrors.CodeInvalidArgument) {
		t.Fatalf("missing decimals without a configured value should be rejected, got %v", err)
	}
}

func TestPlanRejectsUncoveredBridge(t *testing.T) {
	p, _ := newPlanner(map[uint64]string{baseSepolia: "2", optimismSepolia: "1"})
	_, err := p.Plan(context.Background(), input(baseSepolia, optimismSepolia, "5"))
	if !xerrors.HasCode(err, CodeInsufficientFunds) {
		t.Fatalf("expected insufficient funds, got %v", err)
	}
}

func TestPlanRoundsBridgedAmountUp(t *testing.T) {
	p, _ := newPlanner(map[uint64]string{baseSepolia: "10"})
	plan, err := p.Plan(context.Background(), input(baseSepolia, arbitrumSepolia, "1.0000001"))
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if plan.Bridge.Amount.Int64() != 1_000_001 {
		t.Fatalf("expected rounding up to 1000001, got %s", plan.Bridge.Amount)
	}
}

func TestPlanInvalidCall(t *testing.T) {
	p, snaps := newPlanner(map[uint64]string{baseSepolia: "10"})
	in := input(baseSepolia, arbitrumSepolia, "1")
	in.Call.Function = "noSuchFunction"
	if _, err := p.Plan(context.Background(), in); !xerrors.HasCode(err, xerrors.CodeInvalidArgument) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
	if snaps.calls != 0 {
		t.Fatalf("invalid call should fail before balance query")
	}
}

func TestPlanPropagatesBalanceFailure(t *testing.T) {
	p, snaps := newPlanner(nil)
	snaps.err = errors.New("sdk down")
	if _, err := p.Plan(context.Background(), input(baseSepolia, arbitrumSepolia, "1")); err == nil {
		t.Fatal("expected error")
	}
}

func TestParseMode(t *testing.T) {
	if m, err := ParseMode(""); err != nil || m != ModeDeficit {
		t.Fatalf("empty mode should default to deficit")
	}
	if m, err := ParseMode("full"); err != nil || m != ModeFullAmount {
		t.Fatalf("full should parse as full amount")
	}
	if _, err := ParseMode("everything"); err == nil {
		t.Fatal("expected error")
	}
}
