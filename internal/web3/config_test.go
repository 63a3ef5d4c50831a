package web3

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func TestLoadChainDefinitionsFromYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "chains.yaml")
	content := `chains:
  84532:
    name: Base Sepolia
    registry_address: "0x00000000000000000000000000000000000000aa"
    rpc_url: http://localhost:8545
    explorer_url: https://sepolia.basescan.org/
  421614:
    name: Arbitrum Sepolia
    rpc_url: http://localhost:8546
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write yaml: %v", err)
	}

	defs, err := LoadChainDefinitions(path)
	if err != nil {
		t.Fatalf("load definitions: %v", err)
	}
	if len(defs.Chains) != 2 {
		t.Fatalf("expected 2 chains, got %d", len(defs.Chains))
	}

	info := defs.Chains[84532].Info(84532)
	if info.RegistryAddress != common.HexToAddress("0xaa") {
		t.Fatalf("unexpected registry address %s", info.RegistryAddress.Hex())
	}
	if got := info.TxURL("0xabc"); got != "https://sepolia.basescan.org/tx/0xabc" {
		t.Fatalf("unexpected tx url %s", got)
	}
	if defs.Chains[421614].Info(421614).TxURL("0xabc") != "" {
		t.Fatalf("chain without explorer should not build tx url")
	}
}

func TestLoadChainDefinitionsRejectsBadAddress(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "chains.yaml")
	content := "chains:\n  84532:\n    name: Base Sepolia\n    registry_address: not-an-address\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write yaml: %v", err)
	}
	if _, err := LoadChainDefinitions(path); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestDefaultChainDefinitions(t *testing.T) {
	defs, err := LoadChainDefinitions("")
	if err != nil {
		t.Fatalf("load defaults: %v", err)
	}
	for _, id := range []uint64{11155111, 84532, 421614, 11155420, 80002} {
		if _, ok := defs.Chains[id]; !ok {
			t.Fatalf("default table missing chain %d", id)
		}
	}
}
