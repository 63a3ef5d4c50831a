// Package balance reads a wallet's stablecoin holdings across chains through
// the bridge SDK. Every call goes to the network: balances move between
// planning and execution, so nothing is cached here.
package balance

import (
	"context"
	"fmt"
	"strings"

	"AgentNexus-Chain/internal/bridge"
	xerrors "AgentNexus-Chain/internal/errors"
	"AgentNexus-Chain/internal/web3"

	"github.com/shopspring/decimal"
)

const CodeBalanceUnavailable xerrors.Code = "BALANCE_UNAVAILABLE"

// ErrBalanceUnavailable means the balance is unknown. It never means zero.
var ErrBalanceUnavailable = xerrors.New(CodeBalanceUnavailable, "balance unavailable")

func init() {
	xerrors.Register(CodeBalanceUnavailable, xerrors.Attributes{
		Message:   "balance unavailable",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
	})
}

// Source is the part of the bridge SDK the aggregator needs.
type Source interface {
	UnifiedBalances(ctx context.Context) ([]bridge.UnifiedBalance, error)
}

// Aggregator exposes per-chain balances and deficits.
type Aggregator struct {
	chains web3.ChainResolver
	source Source
}

// NewAggregator binds the aggregator to a chain table and a session.
func NewAggregator(chains web3.ChainResolver, source Source) *Aggregator {
	return &Aggregator{chains: chains, source: source}
}

// Snapshot fetches the unified balance of symbol once. The result is meant
// for a single planning decision.
func (a *Aggregator) Snapshot(ctx context.Context, symbol string) (bridge.UnifiedBalance, error) {
	balances, err := a.source.UnifiedBalances(ctx)
	if err != nil {
		return bridge.UnifiedBalance{}, xerrors.Wrap(CodeBalanceUnavailable, err, "fetch unified balances")
	}
	for _, entry := range balances {
		if strings.EqualFold(entry.Symbol, symbol) {
			return entry, nil
		}
	}
	return bridge.UnifiedBalance{}, xerrors.Newf(CodeBalanceUnavailable, "asset %s missing from unified balances", symbol)
}

// GetBalance returns the holdings of symbol on chainID.
func (a *Aggregator) GetBalance(ctx context.Context, chainID uint64, symbol string) (decimal.Decimal, error) {
	if !a.chains.IsSupported(chainID) {
		return decimal.Zero, web3.UnsupportedChain(chainID)
	}
	snapshot, err := a.Snapshot(ctx, symbol)
	if err != nil {
		return decimal.Zero, err
	}
	return snapshot.On(chainID), nil
}

// GetDeficit returns max(0, required - balance on chainID).
func (a *Aggregator) GetDeficit(ctx context.Context, chainID uint64, symbol string, required decimal.Decimal) (decimal.Decimal, error) {
	if required.IsNegative() {
		return decimal.Zero, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("required amount %s is negative", required))
	}
	balance, err := a.GetBalance(ctx, chainID, symbol)
	if err != nil {
		return decimal.Zero, err
	}
	return Deficit(required, balance), nil
}

// Deficit is the shortfall of balance against required, floored at zero.
func Deficit(required, balance decimal.Decimal) decimal.Decimal {
	shortfall := required.Sub(balance)
	if shortfall.IsPositive() {
		return shortfall
	}
	return decimal.Zero
}
