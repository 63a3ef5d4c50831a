package web3

import (
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

// ChainDefinitions models the structure of configs/chains.yaml.
type ChainDefinitions struct {
	Chains map[uint64]ChainDefinition `yaml:"chains"`
}

// ChainDefinition describes a single chain endpoint definition.
type ChainDefinition struct {
	Name            string `yaml:"name"`
	RegistryAddress string `yaml:"registry_address"`
	RPCURL          string `yaml:"rpc_url"`
	WSURL           string `yaml:"ws_url"`
	ExplorerURL     string `yaml:"explorer_url"`
	Description     string `yaml:"description"`
	Disabled        bool   `yaml:"disabled"`
}

// DefaultChainDefinitions 返回内置的测试网列表，在未提供链配置文件时使用。
func DefaultChainDefinitions() ChainDefinitions {
	return ChainDefinitions{Chains: map[uint64]ChainDefinition{
		11155111: {
			Name:        "Ethereum Sepolia",
			RPCURL:      "https://rpc.sepolia.org",
			ExplorerURL: "https://sepolia.etherscan.io",
		},
		84532: {
			Name:        "Base Sepolia",
			RPCURL:      "https://sepolia.base.org",
			ExplorerURL: "https://sepolia.basescan.org",
		},
		421614: {
			Name:        "Arbitrum Sepolia",
			RPCURL:      "https://sepolia-rollup.arbitrum.io/rpc",
			ExplorerURL: "https://sepolia.arbiscan.io",
		},
		11155420: {
			Name:        "Optimism Sepolia",
			RPCURL:      "https://sepolia.optimism.io",
			ExplorerURL: "https://sepolia-optimism.etherscan.io",
		},
		80002: {
			Name:        "Polygon Amoy",
			RPCURL:      "https://rpc-amoy.polygon.technology",
			ExplorerURL: "https://amoy.polygonscan.com",
		},
	}}
}

// LoadChainDefinitions parses the YAML file containing chain metadata. An
// empty path yields the built-in testnet table.
func LoadChainDefinitions(path string) (ChainDefinitions, error) {
	if strings.TrimSpace(path) == "" {
		return DefaultChainDefinitions(), nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return ChainDefinitions{}, fmt.Errorf("读取链配置失败: %w", err)
	}

	var defs ChainDefinitions
	if err := yaml.Unmarshal(content, &defs); err != nil {
		return ChainDefinitions{}, fmt.Errorf("解析链配置失败: %w", err)
	}
	if defs.Chains == nil {
		defs.Chains = map[uint64]ChainDefinition{}
	}
	if err := defs.Validate(); err != nil {
		return ChainDefinitions{}, err
	}
	return defs, nil
}

// Validate 检查链定义中的地址与名称字段。
func (d ChainDefinitions) Validate() error {
	for id, def := range d.Chains {
		if id == 0 {
			return fmt.Errorf("链 ID 不能为 0")
		}
		if strings.TrimSpace(def.Name) == "" {
			return fmt.Errorf("链 %d 缺少 name", id)
		}
		if addr := strings.TrimSpace(def.RegistryAddress); addr != "" && !common.IsHexAddress(addr) {
			return fmt.Errorf("链 %d 的 registry_address 非法: %s", id, addr)
		}
	}
	return nil
}

// Info 将链定义转换为运行期使用的 ChainInfo。
func (d ChainDefinition) Info(chainID uint64) ChainInfo {
	info := ChainInfo{
		ChainID:     chainID,
		Name:        d.Name,
		RPCURL:      strings.TrimSpace(d.RPCURL),
		WSURL:       strings.TrimSpace(d.WSURL),
		ExplorerURL: strings.TrimRight(strings.TrimSpace(d.ExplorerURL), "/"),
		Notes:       d.Description,
	}
	if addr := strings.TrimSpace(d.RegistryAddress); addr != "" {
		info.RegistryAddress = common.HexToAddress(addr)
	}
	return info
}
