package web3

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// ChainInfo is the static description of a supported chain.
type ChainInfo struct {
	ChainID         uint64         `json:"chainId"`
	Name            string         `json:"name"`
	RegistryAddress common.Address `json:"registryAddress"`
	RPCURL          string         `json:"rpcUrl"`
	WSURL           string         `json:"wsUrl,omitempty"`
	ExplorerURL     string         `json:"explorerUrl"`
	Notes           string         `json:"notes,omitempty"`
}

// TxURL 返回交易在区块浏览器中的链接，未配置浏览器时返回空串。
func (c ChainInfo) TxURL(hash string) string {
	if c.ExplorerURL == "" || strings.TrimSpace(hash) == "" {
		return ""
	}
	return fmt.Sprintf("%s/tx/%s", c.ExplorerURL, hash)
}

// Agent mirrors the on-chain registry entry of an AI agent.
type Agent struct {
	ID                  uint64         `json:"id"`
	Owner               common.Address `json:"owner"`
	MetadataURI         string         `json:"metadataUri"`
	PricePerExecution   *big.Int       `json:"pricePerExecution"`
	RevenueSharePercent uint8          `json:"revenueSharePercent"`
	IsActive            bool           `json:"isActive"`
}

// ContractCall describes a contract function invocation. CallData holds the
// ABI-encoded input once the call has been planned.
type ContractCall struct {
	Contract common.Address `json:"contract"`
	ABI      string         `json:"abi"`
	Function string         `json:"function"`
	Args     []any          `json:"args,omitempty"`
	CallData []byte         `json:"callData,omitempty"`
	Value    *big.Int       `json:"value,omitempty"`
}

// RegistryReader reads the authoritative agent registry of a chain.
type RegistryReader interface {
	GetAgent(ctx context.Context, chainID, agentID uint64) (Agent, error)
	IsAgentRegistered(ctx context.Context, chainID, agentID uint64) (bool, error)
}

// DirectCaller sends a contract call on a single chain without bridging.
type DirectCaller interface {
	CallContract(ctx context.Context, chainID uint64, call ContractCall) (common.Hash, error)
}

// Encode returns the ABI-encoded input, reusing CallData when the call has
// already been encoded.
func (c ContractCall) Encode() ([]byte, error) {
	if len(c.CallData) > 0 {
		return c.CallData, nil
	}
	parsed, err := abi.JSON(strings.NewReader(c.ABI))
	if err != nil {
		return nil, fmt.Errorf("解析 ABI 失败: %w", err)
	}
	if _, ok := parsed.Methods[c.Function]; !ok {
		return nil, fmt.Errorf("ABI 中不存在函数 %s", c.Function)
	}
	data, err := parsed.Pack(c.Function, c.Args...)
	if err != nil {
		return nil, fmt.Errorf("编码函数 %s 参数失败: %w", c.Function, err)
	}
	return data, nil
}
