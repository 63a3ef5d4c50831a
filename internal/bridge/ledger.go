package bridge

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
)

// Fault is an injected failure for the next bridge attempt towards a chain.
type Fault struct {
	// Code is returned as ExecuteResult.ErrorCode. Ignored when Hang is set.
	Code    string
	Message string
	// Hang blocks the call until its context ends. The transfer is recorded
	// as pending and can be settled later through Settle.
	Hang bool
}

// LedgerStats counts SDK calls served by the ledger.
type LedgerStats struct {
	BalanceQueries int
	Simulations    int
	Executions     int
	StatusQueries  int
}

// LedgerOption customises a Ledger.
type LedgerOption func(*Ledger)

// WithLedgerToken sets the asset symbol and decimals.
func WithLedgerToken(symbol string, decimals int32) LedgerOption {
	return func(l *Ledger) {
		if symbol != "" {
			l.symbol = symbol
		}
		if decimals > 0 {
			l.decimals = decimals
		}
	}
}

// WithLedgerFee charges a flat bridge fee on every transfer that moves funds.
func WithLedgerFee(fee decimal.Decimal) LedgerOption {
	return func(l *Ledger) { l.fee = fee }
}

// Ledger is an in-process bridge that keeps per-wallet, per-chain balances.
// It serves local development and tests.
type Ledger struct {
	mu        sync.Mutex
	symbol    string
	decimals  int32
	fee       decimal.Decimal
	balances  map[common.Address]map[uint64]decimal.Decimal
	approved  map[common.Address]bool
	transfers map[string]TransferStatus
	faults    map[uint64][]Fault
	seq       uint64
	stats     LedgerStats
}

var (
	_ Connector     = (*Ledger)(nil)
	_ StatusChecker = (*Ledger)(nil)
	_ Session       = (*ledgerSession)(nil)
)

// NewLedger creates an empty ledger for USDC with six decimals.
func NewLedger(opts ...LedgerOption) *Ledger {
	l := &Ledger{
		symbol:    "USDC",
		decimals:  6,
		fee:       decimal.Zero,
		balances:  make(map[common.Address]map[uint64]decimal.Decimal),
		approved:  make(map[common.Address]bool),
		transfers: make(map[string]TransferStatus),
		faults:    make(map[uint64][]Fault),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l
}

// Deposit credits wallet on chainID.
func (l *Ledger) Deposit(wallet common.Address, chainID uint64, amount decimal.Decimal) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.credit(wallet, chainID, amount)
}

// Balance returns wallet's holdings on chainID.
func (l *Ledger) Balance(wallet common.Address, chainID uint64) decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[wallet][chainID]
}

// InjectFault queues a failure for the next attempt towards chainID.
func (l *Ledger) InjectFault(chainID uint64, fault Fault) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.faults[chainID] = append(l.faults[chainID], fault)
}

// Settle moves a pending transfer to its final state.
func (l *Ledger) Settle(ref string, state TransferState) {
	l.mu.Lock()
	defer l.mu.Unlock()
	status, ok := l.transfers[ref]
	if !ok {
		return
	}
	status.State = state
	if state == TransferCompleted && status.ExecuteTxHash == "" {
		status.ExecuteTxHash = l.hash(ref, "execute")
	}
	l.transfers[ref] = status
}

// Stats returns the call counters.
func (l *Ledger) Stats() LedgerStats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stats
}

// Connect opens a session for wallet.
func (l *Ledger) Connect(_ context.Context, wallet common.Address) (Session, error) {
	return &ledgerSession{ledger: l, wallet: wallet}, nil
}

// TransferStatus reports the state of a transfer by client reference.
func (l *Ledger) TransferStatus(_ context.Context, ref string) (TransferStatus, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stats.StatusQueries++
	status, ok := l.transfers[ref]
	if !ok {
		return TransferStatus{Ref: ref, State: TransferUnknown}, nil
	}
	return status, nil
}

func (l *Ledger) unifiedBalances(wallet common.Address) []UnifiedBalance {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stats.BalanceQueries++

	chains := l.balances[wallet]
	ids := make([]uint64, 0, len(chains))
	for id := range chains {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	breakdown := make([]ChainBalance, 0, len(ids))
	for _, id := range ids {
		breakdown = append(breakdown, ChainBalance{ChainID: id, Balance: chains[id]})
	}
	return []UnifiedBalance{{Symbol: l.symbol, Decimals: l.decimals, Breakdown: breakdown}}
}

func (l *Ledger) simulate(wallet common.Address, req Request) SimulationResult {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stats.Simulations++

	result := SimulationResult{Allowance: decimal.Zero, Feasible: true}
	if !req.Amount.IsPositive() {
		return result
	}
	result.BridgeFee = l.fee
	result.ApprovalRequired = !l.approved[wallet]
	if !result.ApprovalRequired {
		result.Allowance = req.Amount.Add(l.fee)
	}
	sources, ok := l.selectSources(wallet, req)
	result.Sources = sources
	if !ok {
		result.Feasible = false
		result.ErrorCode = SDKCodeInsufficientBalance
	}
	return result
}

func (l *Ledger) bridgeAndExecute(ctx context.Context, wallet common.Address, req Request) (ExecuteResult, error) {
	l.mu.Lock()
	l.stats.Executions++
	l.seq++
	ref := req.ClientRef
	if ref == "" {
		ref = fmt.Sprintf("ledger-%d", l.seq)
	}

	var fault *Fault
	if queue := l.faults[req.ToChainID]; len(queue) > 0 {
		fault = &queue[0]
		l.faults[req.ToChainID] = queue[1:]
	}

	if fault != nil && !fault.Hang {
		l.transfers[ref] = TransferStatus{Ref: ref, State: TransferFailed, Error: fault.Message}
		l.mu.Unlock()
		return ExecuteResult{IntentID: ref, ErrorCode: fault.Code, Error: fault.Message}, nil
	}

	var bridgeHash string
	if req.Amount.IsPositive() {
		sources, ok := l.selectSources(wallet, req)
		if !ok {
			l.transfers[ref] = TransferStatus{Ref: ref, State: TransferFailed, Error: "insufficient balance"}
			l.mu.Unlock()
			return ExecuteResult{IntentID: ref, ErrorCode: SDKCodeInsufficientBalance, Error: "insufficient balance on source chains"}, nil
		}
		for _, src := range sources {
			l.credit(wallet, src.ChainID, src.Balance.Neg())
		}
		l.credit(wallet, req.ToChainID, req.Amount)
		l.approved[wallet] = true
		bridgeHash = l.hash(ref, "bridge")
	}

	if fault != nil && fault.Hang {
		l.transfers[ref] = TransferStatus{Ref: ref, State: TransferPending, BridgeTxHash: bridgeHash}
		l.mu.Unlock()
		<-ctx.Done()
		return ExecuteResult{}, ctx.Err()
	}

	executeHash := l.hash(ref, "execute")
	l.transfers[ref] = TransferStatus{Ref: ref, State: TransferCompleted, BridgeTxHash: bridgeHash, ExecuteTxHash: executeHash}
	l.mu.Unlock()

	return ExecuteResult{
		Success:       true,
		ExecuteTxHash: executeHash,
		BridgeTxHash:  bridgeHash,
		IntentID:      ref,
	}, nil
}

// selectSources draws amount plus fee from chains other than the target in
// ascending chain order. Callers hold l.mu.
func (l *Ledger) selectSources(wallet common.Address, req Request) ([]ChainBalance, bool) {
	allowed := make(map[uint64]bool, len(req.SourceChains))
	for _, id := range req.SourceChains {
		allowed[id] = true
	}

	chains := l.balances[wallet]
	ids := make([]uint64, 0, len(chains))
	for id := range chains {
		if id == req.ToChainID || (len(allowed) > 0 && !allowed[id]) {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	need := req.Amount.Add(l.fee)
	var sources []ChainBalance
	for _, id := range ids {
		if !need.IsPositive() {
			break
		}
		available := chains[id]
		if !available.IsPositive() {
			continue
		}
		take := decimal.Min(available, need)
		sources = append(sources, ChainBalance{ChainID: id, Balance: take})
		need = need.Sub(take)
	}
	return sources, !need.IsPositive()
}

func (l *Ledger) credit(wallet common.Address, chainID uint64, amount decimal.Decimal) {
	chains, ok := l.balances[wallet]
	if !ok {
		chains = make(map[uint64]decimal.Decimal)
		l.balances[wallet] = chains
	}
	chains[chainID] = chains[chainID].Add(amount)
}

func (l *Ledger) hash(ref, kind string) string {
	return crypto.Keccak256Hash([]byte(fmt.Sprintf("%s/%s/%d", ref, kind, l.seq))).Hex()
}

type ledgerSession struct {
	ledger *Ledger
	wallet common.Address

	mu     sync.Mutex
	closed bool
}

func (s *ledgerSession) Wallet() common.Address { return s.wallet }

func (s *ledgerSession) Disconnect(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *ledgerSession) check() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("%w: session closed", ErrUnavailable)
	}
	return nil
}

func (s *ledgerSession) UnifiedBalances(context.Context) ([]UnifiedBalance, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	return s.ledger.unifiedBalances(s.wallet), nil
}

func (s *ledgerSession) BridgeAndExecute(ctx context.Context, req Request) (ExecuteResult, error) {
	if err := s.check(); err != nil {
		return ExecuteResult{}, err
	}
	return s.ledger.bridgeAndExecute(ctx, s.wallet, req)
}

func (s *ledgerSession) SimulateBridgeAndExecute(_ context.Context, req Request) (SimulationResult, error) {
	if err := s.check(); err != nil {
		return SimulationResult{}, err
	}
	return s.ledger.simulate(s.wallet, req), nil
}

func (s *ledgerSession) TransferStatus(ctx context.Context, ref string) (TransferStatus, error) {
	if err := s.check(); err != nil {
		return TransferStatus{}, err
	}
	return s.ledger.TransferStatus(ctx, ref)
}
