package ethereum

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"AgentNexus-Chain/internal/web3"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// RegistryABI is the JSON ABI of the agent registry contract.
const RegistryABI = `[
  {"type":"function","name":"getAgent","stateMutability":"view",
   "inputs":[{"name":"agentId","type":"uint256"}],
   "outputs":[{"name":"owner","type":"address"},{"name":"metadataURI","type":"string"},{"name":"pricePerExecution","type":"uint256"},{"name":"revenueSharePercent","type":"uint8"},{"name":"isActive","type":"bool"}]},
  {"type":"function","name":"isAgentRegistered","stateMutability":"view",
   "inputs":[{"name":"agentId","type":"uint256"}],
   "outputs":[{"name":"","type":"bool"}]},
  {"type":"function","name":"registerAgent","stateMutability":"payable",
   "inputs":[{"name":"agentId","type":"uint256"},{"name":"metadataURI","type":"string"},{"name":"pricePerExecution","type":"uint256"},{"name":"revenueSharePercent","type":"uint8"}],
   "outputs":[]},
  {"type":"function","name":"executeAgent","stateMutability":"nonpayable",
   "inputs":[{"name":"agentId","type":"uint256"},{"name":"params","type":"bytes"}],
   "outputs":[]}
]`

const (
	MethodGetAgent          = "getAgent"
	MethodIsAgentRegistered = "isAgentRegistered"
	MethodRegisterAgent     = "registerAgent"
	MethodExecuteAgent      = "executeAgent"
)

var registryABI = mustParseABI(RegistryABI)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("解析注册表 ABI 失败: %v", err))
	}
	return parsed
}

// AgentRegistry reads the registry contract of one chain.
type AgentRegistry struct {
	client  *Client
	address common.Address
}

// Address returns the contract address.
func (r *AgentRegistry) Address() common.Address { return r.address }

// GetAgent loads an agent entry. Unknown agents come back with a zero owner.
func (r *AgentRegistry) GetAgent(ctx context.Context, agentID uint64) (web3.Agent, error) {
	input, err := registryABI.Pack(MethodGetAgent, new(big.Int).SetUint64(agentID))
	if err != nil {
		return web3.Agent{}, fmt.Errorf("编码 getAgent 失败: %w", err)
	}
	out, err := r.client.call(ctx, r.address, input)
	if err != nil {
		return web3.Agent{}, err
	}
	values, err := registryABI.Unpack(MethodGetAgent, out)
	if err != nil {
		return web3.Agent{}, fmt.Errorf("解码 getAgent 失败: %w", err)
	}
	if len(values) != 5 {
		return web3.Agent{}, fmt.Errorf("getAgent 返回值数量异常: %d", len(values))
	}

	agent := web3.Agent{ID: agentID}
	var ok bool
	if agent.Owner, ok = values[0].(common.Address); !ok {
		return web3.Agent{}, fmt.Errorf("getAgent owner 类型异常: %T", values[0])
	}
	if agent.MetadataURI, ok = values[1].(string); !ok {
		return web3.Agent{}, fmt.Errorf("getAgent metadataURI 类型异常: %T", values[1])
	}
	if agent.PricePerExecution, ok = values[2].(*big.Int); !ok {
		return web3.Agent{}, fmt.Errorf("getAgent price 类型异常: %T", values[2])
	}
	if agent.RevenueSharePercent, ok = values[3].(uint8); !ok {
		return web3.Agent{}, fmt.Errorf("getAgent revenueShare 类型异常: %T", values[3])
	}
	if agent.IsActive, ok = values[4].(bool); !ok {
		return web3.Agent{}, fmt.Errorf("getAgent isActive 类型异常: %T", values[4])
	}
	return agent, nil
}

// IsAgentRegistered reports whether the agent exists on this chain.
func (r *AgentRegistry) IsAgentRegistered(ctx context.Context, agentID uint64) (bool, error) {
	input, err := registryABI.Pack(MethodIsAgentRegistered, new(big.Int).SetUint64(agentID))
	if err != nil {
		return false, fmt.Errorf("编码 isAgentRegistered 失败: %w", err)
	}
	out, err := r.client.call(ctx, r.address, input)
	if err != nil {
		return false, err
	}
	values, err := registryABI.Unpack(MethodIsAgentRegistered, out)
	if err != nil {
		return false, fmt.Errorf("解码 isAgentRegistered 失败: %w", err)
	}
	if len(values) != 1 {
		return false, fmt.Errorf("isAgentRegistered 返回值数量异常: %d", len(values))
	}
	registered, ok := values[0].(bool)
	if !ok {
		return false, fmt.Errorf("isAgentRegistered 返回类型异常: %T", values[0])
	}
	return registered, nil
}

// RegisterAgentCall describes the registerAgent invocation that replicates
// agent onto another chain's registry.
func RegisterAgentCall(registry common.Address, agent web3.Agent, fee *big.Int) web3.ContractCall {
	price := agent.PricePerExecution
	if price == nil {
		price = new(big.Int)
	}
	return web3.ContractCall{
		Contract: registry,
		ABI:      RegistryABI,
		Function: MethodRegisterAgent,
		Args: []any{
			new(big.Int).SetUint64(agent.ID),
			agent.MetadataURI,
			new(big.Int).Set(price),
			agent.RevenueSharePercent,
		},
		Value: fee,
	}
}

// ExecuteAgentCall describes an executeAgent invocation.
func ExecuteAgentCall(registry common.Address, agentID uint64, params []byte) web3.ContractCall {
	return web3.ContractCall{
		Contract: registry,
		ABI:      RegistryABI,
		Function: MethodExecuteAgent,
		Args:     []any{new(big.Int).SetUint64(agentID), append([]byte(nil), params...)},
	}
}
