// Package bridge defines the contract of the cross-chain bridge SDK consumed
// by the orchestrator, together with an in-process simulated implementation.
// The bridge protocol itself (liquidity routing, attestation) stays behind
// this boundary.
package bridge

import (
	"context"
	"time"

	xerrors "AgentNexus-Chain/internal/errors"
	"AgentNexus-Chain/internal/web3"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// Error codes reported by the bridge SDK inside ExecuteResult.
const (
	SDKCodeUserRejected          = "USER_REJECTED"
	SDKCodeInsufficientLiquidity = "INSUFFICIENT_LIQUIDITY"
	SDKCodeInsufficientBalance   = "INSUFFICIENT_BALANCE"
	SDKCodeTimeout               = "TIMEOUT"
	SDKCodeExecutionReverted     = "EXECUTION_REVERTED"
)

const CodeBridgeUnavailable xerrors.Code = "BRIDGE_UNAVAILABLE"

// ErrUnavailable 表示无法与桥接 SDK 通信。
var ErrUnavailable = xerrors.New(CodeBridgeUnavailable, "bridge sdk unavailable")

func init() {
	xerrors.Register(CodeBridgeUnavailable, xerrors.Attributes{
		Message:   "bridge sdk unavailable",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
	})
}

// ChainBalance is one entry of a unified balance breakdown.
type ChainBalance struct {
	ChainID uint64          `json:"chainId"`
	Balance decimal.Decimal `json:"balance"`
}

// UnifiedBalance aggregates one asset across chains.
type UnifiedBalance struct {
	Symbol    string         `json:"symbol"`
	Decimals  int32          `json:"decimals"`
	Breakdown []ChainBalance `json:"breakdown"`
}

// On returns the balance held on chainID. Chains absent from the breakdown
// hold zero.
func (u UnifiedBalance) On(chainID uint64) decimal.Decimal {
	for _, entry := range u.Breakdown {
		if entry.ChainID == chainID {
			return entry.Balance
		}
	}
	return decimal.Zero
}

// Total sums the breakdown.
func (u UnifiedBalance) Total() decimal.Decimal {
	total := decimal.Zero
	for _, entry := range u.Breakdown {
		total = total.Add(entry.Balance)
	}
	return total
}

// Request is the bridge-and-execute payload handed to the SDK. Amount is
// expressed in whole token units.
type Request struct {
	ClientRef      string            `json:"clientRef"`
	Token          string            `json:"token"`
	Amount         decimal.Decimal   `json:"amount"`
	ToChainID      uint64            `json:"toChainId"`
	SourceChains   []uint64          `json:"sourceChains,omitempty"`
	Execute        web3.ContractCall `json:"execute"`
	WaitForReceipt bool              `json:"waitForReceipt"`
	ReceiptTimeout time.Duration     `json:"receiptTimeout"`
}

// ExecuteResult is the SDK response to BridgeAndExecute.
type ExecuteResult struct {
	Success       bool   `json:"success"`
	ExecuteTxHash string `json:"executeTransactionHash,omitempty"`
	BridgeTxHash  string `json:"bridgeTransactionHash,omitempty"`
	IntentID      string `json:"intentId,omitempty"`
	ErrorCode     string `json:"errorCode,omitempty"`
	Error         string `json:"error,omitempty"`
}

// SimulationResult is the dry-run response. No funds move.
type SimulationResult struct {
	BridgeFee        decimal.Decimal `json:"bridgeFee"`
	ApprovalRequired bool            `json:"approvalRequired"`
	Allowance        decimal.Decimal `json:"allowance"`
	Sources          []ChainBalance  `json:"sources"`
	Feasible         bool            `json:"feasible"`
	ErrorCode        string          `json:"errorCode,omitempty"`
}

// TransferState is the asynchronous state of a submitted transfer.
type TransferState string

// TransferUnknown is reported when the bridge has no state for the reference.
const (
	TransferPending   TransferState = "pending"
	TransferCompleted TransferState = "completed"
	TransferFailed    TransferState = "failed"
	TransferUnknown   TransferState = "unknown"
)

// TransferStatus answers a reconciliation query.
type TransferStatus struct {
	Ref           string        `json:"ref"`
	State         TransferState `json:"state"`
	ExecuteTxHash string        `json:"executeTransactionHash,omitempty"`
	BridgeTxHash  string        `json:"bridgeTransactionHash,omitempty"`
	Error         string        `json:"error,omitempty"`
}

// Client is the bridge SDK contract.
type Client interface {
	UnifiedBalances(ctx context.Context) ([]UnifiedBalance, error)
	BridgeAndExecute(ctx context.Context, req Request) (ExecuteResult, error)
	SimulateBridgeAndExecute(ctx context.Context, req Request) (SimulationResult, error)
	TransferStatus(ctx context.Context, ref string) (TransferStatus, error)
}

// Session is a connection-scoped SDK handle bound to one wallet. The owner
// must call Disconnect.
type Session interface {
	Client
	Wallet() common.Address
	Disconnect(ctx context.Context) error
}

// Connector opens sessions.
type Connector interface {
	Connect(ctx context.Context, wallet common.Address) (Session, error)
}

// StatusChecker queries transfer state outside any wallet session, which is
// what reconciliation needs.
type StatusChecker interface {
	TransferStatus(ctx context.Context, ref string) (TransferStatus, error)
}
