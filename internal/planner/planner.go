// Package planner decides, for one target chain, whether an agent call can be
// sent directly or needs funds bridged first, and builds the request either
// way. Balances are read once per decision and never reused.
package planner

import (
	"context"
	"math/big"
	"strings"
	"time"

	"AgentNexus-Chain/internal/balance"
	"AgentNexus-Chain/internal/bridge"
	xerrors "AgentNexus-Chain/internal/errors"
	"AgentNexus-Chain/internal/web3"

	"github.com/shopspring/decimal"
)

const CodeInsufficientFunds xerrors.Code = "INSUFFICIENT_FUNDS"

// ErrInsufficientFunds 表示所有链上的余额合计仍不足以覆盖所需金额。
var ErrInsufficientFunds = xerrors.New(CodeInsufficientFunds, "insufficient funds")

func init() {
	xerrors.Register(CodeInsufficientFunds, xerrors.Attributes{
		Message:  "insufficient funds",
		Severity: xerrors.SeverityInfo,
	})
}

// DefaultToken is the bridged asset when Input.Token is empty.
const DefaultToken = "USDC"

// DefaultDecimals is used when the balance source does not report the
// token's decimals.
const DefaultDecimals int32 = 6

// Mode selects how much to bridge when the target chain is short.
type Mode string

const (
	// ModeDeficit bridges only max(0, required - balance on target).
	ModeDeficit Mode = "deficit"
	// ModeFullAmount bridges the whole required amount even when the target
	// chain already holds enough, to pre-fund it.
	ModeFullAmount Mode = "full_amount"
)

// ParseMode accepts "", "deficit" and "full_amount"/"full".
func ParseMode(v string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", string(ModeDeficit):
		return ModeDeficit, nil
	case string(ModeFullAmount), "full", "full-amount":
		return ModeFullAmount, nil
	default:
		return "", xerrors.Newf(xerrors.CodeInvalidArgument, "unknown bridge mode %q", v)
	}
}

// Kind is the shape of a plan.
type Kind string

// KindDirect calls the target contract without moving funds; KindBridge
// bridges the deficit first and executes on arrival.
const (
	KindDirect Kind = "direct"
	KindBridge Kind = "bridge"
)

// Input describes one agent operation on one target chain.
type Input struct {
	AgentID       uint64
	SourceChainID uint64
	TargetChainID uint64
	// Call is the contract call to run on the target chain. CallData is
	// filled in by Plan when empty.
	Call web3.ContractCall
	// RequiredAmount is in whole token units.
	RequiredAmount decimal.Decimal
	Token          string
	Mode           Mode
}

// DirectCallRequest is a call sent on the target chain without bridging.
type DirectCallRequest struct {
	ChainID uint64
	Execute web3.ContractCall
}

// BridgeExecuteRequest moves Amount of Token to the target chain and runs
// Execute there once the funds land.
type BridgeExecuteRequest struct {
	AgentID       uint64
	SourceChainID uint64
	TargetChainID uint64
	Token         string
	// Amount is in the token's smallest unit; AmountDecimal in whole units.
	Amount        *big.Int
	AmountDecimal decimal.Decimal
	SourceChains  []uint64
	Execute       web3.ContractCall
}

// SDKRequest converts the plan into the bridge SDK payload.
func (r BridgeExecuteRequest) SDKRequest(clientRef string, wait bool, receiptTimeout time.Duration) bridge.Request {
	return bridge.Request{
		ClientRef:      clientRef,
		Token:          r.Token,
		Amount:         r.AmountDecimal,
		ToChainID:      r.TargetChainID,
		SourceChains:   append([]uint64(nil), r.SourceChains...),
		Execute:        r.Execute,
		WaitForReceipt: wait,
		ReceiptTimeout: receiptTimeout,
	}
}

// Plan is the outcome of one planning decision.
type Plan struct {
	Kind   Kind
	Direct *DirectCallRequest
	Bridge *BridgeExecuteRequest
	// Balance is the target chain balance the decision was based on.
	Balance decimal.Decimal
	Deficit decimal.Decimal
	// Available is the sum held on chains other than the target.
	Available decimal.Decimal
	Decimals  int32
}

// Snapshotter returns a fresh unified balance; balance.Aggregator satisfies it.
type Snapshotter interface {
	Snapshot(ctx context.Context, symbol string) (bridge.UnifiedBalance, error)
}

// Planner builds plans against a chain table and a balance source.
type Planner struct {
	chains   web3.ChainResolver
	balances Snapshotter
	decimals int32
}

// Option customises a Planner.
type Option func(*Planner)

// WithDecimals sets the token decimals used when a snapshot omits them.
func WithDecimals(d int32) Option {
	return func(p *Planner) { p.decimals = d }
}

// New 创建 Planner。
func New(chains web3.ChainResolver, balances Snapshotter, opts ...Option) *Planner {
	p := &Planner{chains: chains, balances: balances, decimals: DefaultDecimals}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// tokenDecimals prefers the decimals reported by the snapshot. A missing
// value (zero) falls back to the configured decimals.
func (p *Planner) tokenDecimals(snapshot bridge.UnifiedBalance) (int32, error) {
	decimals := snapshot.Decimals
	if decimals == 0 {
		decimals = p.decimals
	}
	if decimals <= 0 {
		return 0, xerrors.Newf(xerrors.CodeInvalidArgument, "token %s has invalid decimals %d", snapshot.Symbol, decimals)
	}
	return decimals, nil
}

// Plan validates the chains, encodes the call and decides between a direct
// call and a bridge. Chain validation happens before any balance query.
func (p *Planner) Plan(ctx context.Context, in Input) (*Plan, error) {
	if !p.chains.IsSupported(in.TargetChainID) {
		return nil, web3.UnsupportedChain(in.TargetChainID)
	}
	if in.SourceChainID != 0 && !p.chains.IsSupported(in.SourceChainID) {
		return nil, web3.UnsupportedChain(in.SourceChainID)
	}
	if in.RequiredAmount.IsNegative() {
		return nil, xerrors.Newf(xerrors.CodeInvalidArgument, "required amount %s is negative", in.RequiredAmount)
	}
	mode := in.Mode
	if mode == "" {
		mode = ModeDeficit
	}
	if mode != ModeDeficit && mode != ModeFullAmount {
		return nil, xerrors.Newf(xerrors.CodeInvalidArgument, "unknown bridge mode %q", mode)
	}

	call, err := encode(in.Call)
	if err != nil {
		return nil, err
	}

	token := in.Token
	if token == "" {
		token = DefaultToken
	}
	snapshot, err := p.balances.Snapshot(ctx, token)
	if err != nil {
		return nil, err
	}
	decimals, err := p.tokenDecimals(snapshot)
	if err != nil {
		return nil, err
	}

	target := in.TargetChainID
	balanceOnTarget := snapshot.On(target)
	deficit := balance.Deficit(in.RequiredAmount, balanceOnTarget)
	plan := &Plan{
		Balance:   balanceOnTarget,
		Deficit:   deficit,
		Available: snapshot.Total().Sub(balanceOnTarget),
		Decimals:  decimals,
	}

	if in.SourceChainID == target {
		if deficit.IsPositive() {
			return nil, xerrors.Newf(CodeInsufficientFunds,
				"chain %d holds %s %s, %s required", target, balanceOnTarget, token, in.RequiredAmount)
		}
		return plan.direct(target, call), nil
	}

	amount := deficit
	if mode == ModeFullAmount {
		amount = in.RequiredAmount
	}
	if !amount.IsPositive() {
		return plan.direct(target, call), nil
	}
	amount = amount.RoundCeil(decimals)

	if plan.Available.LessThan(amount) {
		return nil, xerrors.Newf(CodeInsufficientFunds,
			"need %s %s on chain %d, other chains hold %s", amount, token, target, plan.Available)
	}

	plan.Kind = KindBridge
	plan.Bridge = &BridgeExecuteRequest{
		AgentID:       in.AgentID,
		SourceChainID: in.SourceChainID,
		TargetChainID: target,
		Token:         token,
		Amount:        toSmallestUnit(amount, decimals),
		AmountDecimal: amount,
		SourceChains:  fundedSources(snapshot, target),
		Execute:       call,
	}
	return plan, nil
}

func (p *Plan) direct(chainID uint64, call web3.ContractCall) *Plan {
	p.Kind = KindDirect
	p.Direct = &DirectCallRequest{ChainID: chainID, Execute: call}
	return p
}

func encode(call web3.ContractCall) (web3.ContractCall, error) {
	if len(call.CallData) == 0 && call.Function == "" {
		return call, xerrors.New(xerrors.CodeInvalidArgument, "contract call has neither function nor call data")
	}
	data, err := call.Encode()
	if err != nil {
		return call, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "encode contract call")
	}
	call.CallData = data
	return call, nil
}

// fundedSources lists chains other than target with a positive balance, in
// breakdown order.
func fundedSources(snapshot bridge.UnifiedBalance, target uint64) []uint64 {
	var out []uint64
	for _, entry := range snapshot.Breakdown {
		if entry.ChainID != target && entry.Balance.IsPositive() {
			out = append(out, entry.ChainID)
		}
	}
	return out
}

func toSmallestUnit(amount decimal.Decimal, decimals int32) *big.Int {
	return amount.Shift(decimals).BigInt()
}

// FromSmallestUnit converts a raw on-chain amount into whole token units.
func FromSmallestUnit(raw *big.Int, decimals int32) decimal.Decimal {
	if raw == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(raw, -decimals)
}
