package ethereum

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"AgentNexus-Chain/internal/web3"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
)

const defaultPollInterval = 2 * time.Second

// Config describes how to construct an EVM compatible client.
type Config struct {
	ChainID      uint64
	RPCURL       string
	PollInterval time.Duration
}

// Backend is the subset of go-ethereum client behaviour the daemon relies on.
type Backend interface {
	bind.ContractBackend
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*coretypes.Receipt, error)
}

type callerBackend interface {
	CallContract(ctx context.Context, call gethcore.CallMsg, blockNumber *big.Int) ([]byte, error)
}

type receiptBackend interface {
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*coretypes.Receipt, error)
}

// Client wraps a single chain's RPC connection.
type Client struct {
	chainID      uint64
	rpcClient    *gethrpc.Client
	eth          *ethclient.Client
	backend      bind.ContractBackend
	caller       callerBackend
	receipts     receiptBackend
	pollInterval time.Duration
	mu           sync.Mutex
}

// NewClient dials the configured RPC endpoint and checks that it serves the
// expected chain.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, fmt.Errorf("链 %d 未配置 RPC 地址", cfg.ChainID)
	}

	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接链 %d 节点失败: %w", cfg.ChainID, err)
	}
	eth := ethclient.NewClient(rpcClient)

	if cfg.ChainID != 0 {
		remote, err := eth.ChainID(ctx)
		if err != nil {
			rpcClient.Close()
			return nil, fmt.Errorf("获取链 ID 失败: %w", err)
		}
		if !remote.IsUint64() || remote.Uint64() != cfg.ChainID {
			rpcClient.Close()
			return nil, fmt.Errorf("链 ID 不匹配: 期望 %d, 节点返回 %s", cfg.ChainID, remote)
		}
	}

	client := NewClientWithBackend(cfg.ChainID, eth)
	client.rpcClient = rpcClient
	client.eth = eth
	if cfg.PollInterval > 0 {
		client.pollInterval = cfg.PollInterval
	}
	return client, nil
}

// NewClientWithBackend wraps an existing backend, such as a simulated chain.
func NewClientWithBackend(chainID uint64, backend Backend) *Client {
	return &Client{
		chainID:      chainID,
		backend:      backend,
		caller:       backend,
		receipts:     backend,
		pollInterval: defaultPollInterval,
	}
}

// ChainID returns the chain served by the client.
func (c *Client) ChainID() uint64 { return c.chainID }

// Close releases network connections held by the client.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.eth != nil {
		c.eth.Close()
		c.eth = nil
	}
	c.rpcClient = nil
	c.backend = nil
	c.caller = nil
	c.receipts = nil
}

// Registry binds the agent registry contract deployed at address.
func (c *Client) Registry(address common.Address) *AgentRegistry {
	return &AgentRegistry{client: c, address: address}
}

// Transact signs and broadcasts a raw contract call.
func (c *Client) Transact(ctx context.Context, auth *bind.TransactOpts, to common.Address, callData []byte, value *big.Int) (common.Hash, error) {
	if auth == nil {
		return common.Hash{}, errors.New("未提供交易签名器")
	}
	c.mu.Lock()
	backend := c.backend
	c.mu.Unlock()
	if backend == nil {
		return common.Hash{}, errors.New("当前客户端不支持发送交易")
	}

	opts := *auth
	opts.Context = ctx
	if value != nil {
		opts.Value = new(big.Int).Set(value)
	}

	contract := bind.NewBoundContract(to, registryABI, backend, backend, backend)
	tx, err := contract.RawTransact(&opts, callData)
	if err != nil {
		return common.Hash{}, fmt.Errorf("发送交易失败: %w", err)
	}
	return tx.Hash(), nil
}

// WaitForReceipt polls until the transaction is mined or ctx expires. A mined
// but reverted transaction is reported as an error.
func (c *Client) WaitForReceipt(ctx context.Context, hash common.Hash) (*coretypes.Receipt, error) {
	c.mu.Lock()
	receipts := c.receipts
	interval := c.pollInterval
	c.mu.Unlock()
	if receipts == nil {
		return nil, errors.New("当前客户端不支持回执查询")
	}
	if interval <= 0 {
		interval = defaultPollInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		receipt, err := receipts.TransactionReceipt(ctx, hash)
		switch {
		case err == nil && receipt != nil:
			if receipt.Status != coretypes.ReceiptStatusSuccessful {
				return receipt, fmt.Errorf("交易 %s 执行失败", hash.Hex())
			}
			return receipt, nil
		case err != nil && !errors.Is(err, gethcore.NotFound):
			return nil, fmt.Errorf("查询交易回执失败: %w", err)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) call(ctx context.Context, to common.Address, input []byte) ([]byte, error) {
	c.mu.Lock()
	caller := c.caller
	c.mu.Unlock()
	if caller == nil {
		return nil, errors.New("未初始化的以太坊客户端")
	}
	out, err := caller.CallContract(ctx, gethcore.CallMsg{To: &to, Data: input}, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", web3.ErrChainUnavailable, err)
	}
	return out, nil
}

// NewTransactor builds a signer for the relayer key on the given chain.
func NewTransactor(hexKey string, chainID uint64) (*bind.TransactOpts, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("解析中继私钥失败: %w", err)
	}
	auth, err := bind.NewKeyedTransactorWithChainID(key, new(big.Int).SetUint64(chainID))
	if err != nil {
		return nil, fmt.Errorf("创建交易签名器失败: %w", err)
	}
	return auth, nil
}
