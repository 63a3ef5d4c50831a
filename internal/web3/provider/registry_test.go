package provider

import (
	"context"
	"errors"
	"testing"

	xerrors "AgentNexus-Chain/internal/errors"
	"AgentNexus-Chain/internal/web3"
	"AgentNexus-Chain/internal/web3/ethereum"
)

func testDefinitions() web3.ChainDefinitions {
	return web3.ChainDefinitions{Chains: map[uint64]web3.ChainDefinition{
		421614: {Name: "Arbitrum Sepolia", RPCURL: "http://arb", ExplorerURL: "https://arb.example/"},
		84532:  {Name: "Base Sepolia", RPCURL: "http://base", RegistryAddress: "0x00000000000000000000000000000000000000aa"},
		80002:  {Name: "Polygon Amoy", Disabled: true},
	}}
}

func TestRegistryLookup(t *testing.T) {
	reg, err := NewRegistry(testDefinitions())
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}

	supported := reg.Supported()
	if len(supported) != 2 || supported[0] != 84532 || supported[1] != 421614 {
		t.Fatalf("unexpected supported chains %v", supported)
	}
	if reg.IsSupported(80002) {
		t.Fatal("disabled chain must not be supported")
	}

	_, err = reg.Lookup(1)
	if !xerrors.HasCode(err, web3.CodeUnsupportedChain) {
		t.Fatalf("expected unsupported chain error, got %v", err)
	}
	if got := reg.ExplorerTxURL(421614, "0xabc"); got != "https://arb.example/tx/0xabc" {
		t.Fatalf("unexpected explorer url %q", got)
	}
}

func TestRegistryDialsLazilyAndCaches(t *testing.T) {
	dials := 0
	reg, err := NewRegistry(testDefinitions(), WithDialer(func(_ context.Context, info web3.ChainInfo) (*ethereum.Client, error) {
		dials++
		if info.ChainID == 421614 {
			return nil, errors.New("rpc down")
		}
		return new(ethereum.Client), nil
	}))
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	defer reg.Close()

	first, err := reg.Client(context.Background(), 84532)
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	second, _ := reg.Client(context.Background(), 84532)
	if first != second || dials != 1 {
		t.Fatalf("expected cached client, dials=%d", dials)
	}

	if _, err := reg.Client(context.Background(), 421614); !xerrors.HasCode(err, web3.CodeChainUnavailable) {
		t.Fatalf("expected chain unavailable, got %v", err)
	}
	if _, err := reg.IsAgentRegistered(context.Background(), 421614, 1); err == nil {
		t.Fatal("chain without registry address should fail")
	}
	if _, err := reg.CallContract(context.Background(), 84532, web3.ContractCall{}); err == nil {
		t.Fatal("direct call without relayer key should fail")
	}
}
