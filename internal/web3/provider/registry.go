package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"AgentNexus-Chain/internal/web3"
	"AgentNexus-Chain/internal/web3/ethereum"

	"github.com/ethereum/go-ethereum/common"
)

// Dialer opens a client for a chain.
type Dialer func(ctx context.Context, info web3.ChainInfo) (*ethereum.Client, error)

// Option customises the registry.
type Option func(*Registry)

// WithDialer overrides how chain clients are created.
func WithDialer(d Dialer) Option {
	return func(r *Registry) {
		if d != nil {
			r.dial = d
		}
	}
}

// WithRelayerKey enables direct contract calls signed by the relayer key.
func WithRelayerKey(hexKey string) Option {
	return func(r *Registry) { r.relayerKey = hexKey }
}

// WithReceiptTimeout bounds how long direct calls wait for mining.
func WithReceiptTimeout(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.receiptTimeout = d
		}
	}
}

// Registry is the chain registry: a static table of supported chains plus
// lazily dialed RPC clients.
type Registry struct {
	chains         map[uint64]web3.ChainInfo
	dial           Dialer
	relayerKey     string
	receiptTimeout time.Duration

	mu      sync.Mutex
	clients map[uint64]*ethereum.Client
}

var (
	_ web3.ChainResolver  = (*Registry)(nil)
	_ web3.RegistryReader = (*Registry)(nil)
	_ web3.DirectCaller   = (*Registry)(nil)
)

// NewRegistry builds the registry from chain definitions, skipping disabled chains.
func NewRegistry(defs web3.ChainDefinitions, opts ...Option) (*Registry, error) {
	if err := defs.Validate(); err != nil {
		return nil, err
	}
	r := &Registry{
		chains:         make(map[uint64]web3.ChainInfo, len(defs.Chains)),
		clients:        make(map[uint64]*ethereum.Client),
		receiptTimeout: 2 * time.Minute,
		dial: func(ctx context.Context, info web3.ChainInfo) (*ethereum.Client, error) {
			return ethereum.NewClient(ctx, ethereum.Config{ChainID: info.ChainID, RPCURL: info.RPCURL})
		},
	}
	for id, def := range defs.Chains {
		if def.Disabled {
			continue
		}
		r.chains[id] = def.Info(id)
	}
	if len(r.chains) == 0 {
		return nil, errors.New("未配置任何可用链")
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r, nil
}

// Lookup returns the static description of a chain.
func (r *Registry) Lookup(chainID uint64) (web3.ChainInfo, error) {
	info, ok := r.chains[chainID]
	if !ok {
		return web3.ChainInfo{}, web3.UnsupportedChain(chainID)
	}
	return info, nil
}

// IsSupported reports whether chainID is configured.
func (r *Registry) IsSupported(chainID uint64) bool {
	_, ok := r.chains[chainID]
	return ok
}

// Supported returns all configured chain ids in ascending order.
func (r *Registry) Supported() []uint64 {
	ids := make([]uint64, 0, len(r.chains))
	for id := range r.chains {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// ExplorerTxURL builds the explorer link for a transaction on chainID.
func (r *Registry) ExplorerTxURL(chainID uint64, hash string) string {
	info, ok := r.chains[chainID]
	if !ok {
		return ""
	}
	return info.TxURL(hash)
}

// Client returns the cached client for chainID, dialing it on first use.
func (r *Registry) Client(ctx context.Context, chainID uint64) (*ethereum.Client, error) {
	info, err := r.Lookup(chainID)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if client, ok := r.clients[chainID]; ok {
		return client, nil
	}
	client, err := r.dial(ctx, info)
	if err != nil {
		return nil, fmt.Errorf("%w: 初始化链 %s 客户端失败: %v", web3.ErrChainUnavailable, info.Name, err)
	}
	r.clients[chainID] = client
	return client, nil
}

// GetAgent reads an agent from the registry contract of chainID.
func (r *Registry) GetAgent(ctx context.Context, chainID, agentID uint64) (web3.Agent, error) {
	registry, err := r.registry(ctx, chainID)
	if err != nil {
		return web3.Agent{}, err
	}
	return registry.GetAgent(ctx, agentID)
}

// IsAgentRegistered asks the registry contract of chainID.
func (r *Registry) IsAgentRegistered(ctx context.Context, chainID, agentID uint64) (bool, error) {
	registry, err := r.registry(ctx, chainID)
	if err != nil {
		return false, err
	}
	return registry.IsAgentRegistered(ctx, agentID)
}

// CallContract sends call on chainID with the relayer key and waits for it to
// be mined.
func (r *Registry) CallContract(ctx context.Context, chainID uint64, call web3.ContractCall) (common.Hash, error) {
	if r.relayerKey == "" {
		return common.Hash{}, errors.New("未配置中继私钥，无法直接调用合约")
	}
	client, err := r.Client(ctx, chainID)
	if err != nil {
		return common.Hash{}, err
	}
	data, err := call.Encode()
	if err != nil {
		return common.Hash{}, err
	}
	auth, err := ethereum.NewTransactor(r.relayerKey, chainID)
	if err != nil {
		return common.Hash{}, err
	}
	hash, err := client.Transact(ctx, auth, call.Contract, data, call.Value)
	if err != nil {
		return common.Hash{}, err
	}

	waitCtx, cancel := context.WithTimeout(ctx, r.receiptTimeout)
	defer cancel()
	if _, err := client.WaitForReceipt(waitCtx, hash); err != nil {
		return hash, err
	}
	return hash, nil
}

// Close releases every dialed client.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, client := range r.clients {
		client.Close()
		delete(r.clients, id)
	}
}

func (r *Registry) registry(ctx context.Context, chainID uint64) (*ethereum.AgentRegistry, error) {
	info, err := r.Lookup(chainID)
	if err != nil {
		return nil, err
	}
	if info.RegistryAddress == (common.Address{}) {
		return nil, fmt.Errorf("链 %d 未配置注册表合约地址", chainID)
	}
	client, err := r.Client(ctx, chainID)
	if err != nil {
		return nil, err
	}
	return client.Registry(info.RegistryAddress), nil
}
