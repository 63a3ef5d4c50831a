package ethereum

import (
	"context"
	"encoding/hex"
	"errors"
	"math/big"
	"testing"
	"time"

	xerrors "AgentNexus-Chain/internal/errors"
	"AgentNexus-Chain/internal/web3"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
)

type stubCaller struct {
	responses map[string][]byte
	err       error
	calls     int
}

func (s *stubCaller) CallContract(_ context.Context, call gethcore.CallMsg, _ *big.Int) ([]byte, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.responses[hex.EncodeToString(call.Data[:4])], nil
}

type stubReceipts struct {
	misses  int
	receipt *coretypes.Receipt
}

func (s *stubReceipts) TransactionReceipt(context.Context, common.Hash) (*coretypes.Receipt, error) {
	if s.misses > 0 {
		s.misses--
		return nil, gethcore.NotFound
	}
	return s.receipt, nil
}

func selector(t *testing.T, method string) string {
	t.Helper()
	m, ok := registryABI.Methods[method]
	if !ok {
		t.Fatalf("method %s missing from abi", method)
	}
	return hex.EncodeToString(m.ID)
}

func TestAgentRegistryGetAgent(t *testing.T) {
	owner := common.HexToAddress("0x1111111111111111111111111111111111111111")
	packed, err := registryABI.Methods[MethodGetAgent].Outputs.Pack(owner, "ipfs://agent-7", big.NewInt(5_000_000), uint8(15), true)
	if err != nil {
		t.Fatalf("pack outputs: %v", err)
	}
	registered, err := registryABI.Methods[MethodIsAgentRegistered].Outputs.Pack(true)
	if err != nil {
		t.Fatalf("pack bool: %v", err)
	}

	caller := &stubCaller{responses: map[string][]byte{
		selector(t, MethodGetAgent):          packed,
		selector(t, MethodIsAgentRegistered): registered,
	}}
	client := &Client{chainID: 84532, caller: caller}
	registry := client.Registry(common.HexToAddress("0xaa"))

	agent, err := registry.GetAgent(context.Background(), 7)
	if err != nil {
		t.Fatalf("get agent: %v", err)
	}
	if agent.ID != 7 || agent.Owner != owner || agent.MetadataURI != "ipfs://agent-7" {
		t.Fatalf("unexpected agent %+v", agent)
	}
	if agent.PricePerExecution.Cmp(big.NewInt(5_000_000)) != 0 || agent.RevenueSharePercent != 15 || !agent.IsActive {
		t.Fatalf("unexpected agent terms %+v", agent)
	}

	ok, err := registry.IsAgentRegistered(context.Background(), 7)
	if err != nil || !ok {
		t.Fatalf("expected registered agent, got %v %v", ok, err)
	}
}

func TestAgentRegistryWrapsRPCFailure(t *testing.T) {
	client := &Client{chainID: 84532, caller: &stubCaller{err: errors.New("connection refused")}}
	_, err := client.Registry(common.Address{}).IsAgentRegistered(context.Background(), 1)
	if !xerrors.HasCode(err, web3.CodeChainUnavailable) {
		t.Fatalf("expected chain unavailable error, got %v", err)
	}
}

func TestWaitForReceiptPollsUntilMined(t *testing.T) {
	receipts := &stubReceipts{misses: 2, receipt: &coretypes.Receipt{Status: coretypes.ReceiptStatusSuccessful}}
	client := &Client{receipts: receipts, pollInterval: time.Millisecond}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	receipt, err := client.WaitForReceipt(ctx, common.HexToHash("0x01"))
	if err != nil {
		t.Fatalf("wait receipt: %v", err)
	}
	if receipt.Status != coretypes.ReceiptStatusSuccessful {
		t.Fatalf("unexpected status %d", receipt.Status)
	}
}

func TestWaitForReceiptReportsRevertAndDeadline(t *testing.T) {
	reverted := &Client{receipts: &stubReceipts{receipt: &coretypes.Receipt{Status: coretypes.ReceiptStatusFailed}}, pollInterval: time.Millisecond}
	if _, err := reverted.WaitForReceipt(context.Background(), common.Hash{}); err == nil {
		t.Fatal("expected revert error")
	}

	pending := &Client{receipts: &stubReceipts{misses: 1 << 30}, pollInterval: time.Millisecond}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := pending.WaitForReceipt(ctx, common.Hash{}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestRegisterAgentCallEncodes(t *testing.T) {
	agent := web3.Agent{ID: 3, MetadataURI: "ipfs://x", PricePerExecution: big.NewInt(1), RevenueSharePercent: 10}
	call := RegisterAgentCall(common.HexToAddress("0xbb"), agent, big.NewInt(100))
	if _, err := registryABI.Pack(call.Function, call.Args...); err != nil {
		t.Fatalf("register call args should pack: %v", err)
	}
	if call.Value.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("fee not carried: %s", call.Value)
	}

	if _, err := NewTransactor("not-a-key", 84532); err == nil {
		t.Fatal("expected invalid key error")
	}
}
