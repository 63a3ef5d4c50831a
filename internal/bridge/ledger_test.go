package bridge

import (
	"context"
	"errors"
	"testing"
	"time"

	xerrors "AgentNexus-Chain/internal/errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

var testWallet = common.HexToAddress("0x00000000000000000000000000000000000000f1")

func TestLedgerBridgeMovesFunds(t *testing.T) {
	ledger := NewLedger()
	ledger.Deposit(testWallet, 11155111, decimal.RequireFromString("3"))
	ledger.Deposit(testWallet, 84532, decimal.RequireFromString("4"))

	session, err := ledger.Connect(context.Background(), testWallet)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}

	sim, err := session.SimulateBridgeAndExecute(context.Background(), Request{Amount: decimal.RequireFromString("5"), ToChainID: 421614})
	if err != nil {
		t.Fatalf("simulate: %v", err)
	}
	if !sim.Feasible || !sim.ApprovalRequired || len(sim.Sources) != 2 {
		t.Fatalf("unexpected simulation %+v", sim)
	}
	if sim.Sources[0].ChainID != 84532 || !sim.Sources[0].Balance.Equal(decimal.RequireFromString("4")) ||
		sim.Sources[1].ChainID != 11155111 || !sim.Sources[1].Balance.Equal(decimal.RequireFromString("1")) {
		t.Fatalf("sources not drawn in ascending chain order: %+v", sim.Sources)
	}
	if !ledger.Balance(testWallet, 421614).IsZero() {
		t.Fatal("simulation must not move funds")
	}

	res, err := session.BridgeAndExecute(context.Background(), Request{ClientRef: "ref-1", Amount: decimal.RequireFromString("5"), ToChainID: 421614})
	if err != nil {
		t.Fatalf("bridge: %v", err)
	}
	if !res.Success || res.BridgeTxHash == "" || res.ExecuteTxHash == "" || res.IntentID != "ref-1" {
		t.Fatalf("unexpected result %+v", res)
	}
	if got := ledger.Balance(testWallet, 421614); !got.Equal(decimal.RequireFromString("5")) {
		t.Fatalf("target balance %s", got)
	}
	// 来源链按链 ID 升序扣款：84532 先被抽干，剩余部分来自 11155111。
	if got := ledger.Balance(testWallet, 84532); !got.IsZero() {
		t.Fatalf("lowest chain id should be drained first, got %s", got)
	}
	if got := ledger.Balance(testWallet, 11155111); !got.Equal(decimal.RequireFromString("2")) {
		t.Fatalf("second source balance %s", got)
	}

	status, _ := ledger.TransferStatus(context.Background(), "ref-1")
	if status.State != TransferCompleted {
		t.Fatalf("unexpected transfer state %s", status.State)
	}
}

func TestLedgerRejectsOverdraft(t *testing.T) {
	ledger := NewLedger()
	ledger.Deposit(testWallet, 84532, decimal.RequireFromString("1"))
	session, _ := ledger.Connect(context.Background(), testWallet)

	res, err := session.BridgeAndExecute(context.Background(), Request{Amount: decimal.RequireFromString("2"), ToChainID: 421614})
	if err != nil {
		t.Fatalf("bridge: %v", err)
	}
	if res.Success || res.ErrorCode != SDKCodeInsufficientBalance {
		t.Fatalf("expected insufficient balance, got %+v", res)
	}
	if !ledger.Balance(testWallet, 84532).Equal(decimal.RequireFromString("1")) {
		t.Fatal("failed transfer must not move funds")
	}
}

func TestLedgerFaults(t *testing.T) {
	ledger := NewLedger()
	ledger.Deposit(testWallet, 84532, decimal.RequireFromString("10"))
	ledger.InjectFault(421614, Fault{Code: SDKCodeUserRejected, Message: "user rejected"})
	ledger.InjectFault(421614, Fault{Hang: true})
	session, _ := ledger.Connect(context.Background(), testWallet)

	res, err := session.BridgeAndExecute(context.Background(), Request{Amount: decimal.RequireFromString("1"), ToChainID: 421614})
	if err != nil || res.ErrorCode != SDKCodeUserRejected {
		t.Fatalf("expected rejection, got %+v %v", res, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = session.BridgeAndExecute(ctx, Request{ClientRef: "slow", Amount: decimal.RequireFromString("1"), ToChainID: 421614})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline, got %v", err)
	}
	status, _ := ledger.TransferStatus(context.Background(), "slow")
	if status.State != TransferPending {
		t.Fatalf("hung transfer should stay pending, got %s", status.State)
	}
	ledger.Settle("slow", TransferCompleted)
	status, _ = ledger.TransferStatus(context.Background(), "slow")
	if status.State != TransferCompleted || status.ExecuteTxHash == "" {
		t.Fatalf("settled transfer %+v", status)
	}

	if err := session.Disconnect(context.Background()); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if _, err := session.UnifiedBalances(context.Background()); !xerrors.HasCode(err, CodeBridgeUnavailable) {
		t.Fatalf("closed session should be unavailable, got %v", err)
	}
}
