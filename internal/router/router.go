// Package router decides how a user's agent execution reaches the target
// chain: a direct call when the funds are already there, otherwise a single
// bridge-and-execute through the orchestrator.
package router

import (
	"context"
	"log/slog"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/shopspring/decimal"

	"AgentNexus-Chain/internal/bridge"
	"AgentNexus-Chain/internal/deployment"
	xerrors "AgentNexus-Chain/internal/errors"
	"AgentNexus-Chain/internal/orchestrator"
	"AgentNexus-Chain/internal/planner"
	"AgentNexus-Chain/internal/web3"
	"AgentNexus-Chain/internal/web3/ethereum"
	"AgentNexus-Chain/pkg/logger"
)

// 路由前置检查的错误码。
const (
	CodeAgentNotDeployed xerrors.Code = "AGENT_NOT_DEPLOYED_ON_CHAIN"
	CodeAgentInactive    xerrors.Code = "AGENT_INACTIVE"
)

var (
	// ErrAgentNotDeployed 表示目标链上没有该智能体，桥接过去的资金将无法使用。
	ErrAgentNotDeployed = xerrors.New(CodeAgentNotDeployed, "agent not deployed on target chain")
	ErrAgentInactive    = xerrors.New(CodeAgentInactive, "agent is inactive")
)

func init() {
	xerrors.Register(CodeAgentNotDeployed, xerrors.Attributes{
		Message:  "agent not deployed on target chain",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeAgentInactive, xerrors.Attributes{
		Message:  "agent is inactive",
		Severity: xerrors.SeverityInfo,
	})
}

// Request is one execution of an agent.
type Request struct {
	AgentID       uint64
	UserChainID   uint64
	TargetChainID uint64
	Params        []byte
	Mode          planner.Mode
	Token         string
}

// Outcome reports how the execution was carried out.
type Outcome struct {
	Route        planner.Kind    `json:"route"`
	TxHash       string          `json:"txHash"`
	BridgeTxHash string          `json:"bridgeTxHash,omitempty"`
	Amount       decimal.Decimal `json:"amount"`
	Price        decimal.Decimal `json:"price"`
	ExplorerURL  string          `json:"explorerUrl,omitempty"`
}

// DeployedLister lists chains with a completed deployment record.
type DeployedLister interface {
	ListDeployedChains(ctx context.Context, agentID uint64) ([]uint64, error)
}

// Executor runs a single planned operation.
type Executor interface {
	Execute(ctx context.Context, session bridge.Client, in planner.Input) (*orchestrator.ExecutionResult, error)
}

// Option customises the Router.
type Option func(*config)

type config struct {
	cacheSize int
	decimals  int32
	token     string
}

// WithCacheSize bounds the positive deployment cache.
func WithCacheSize(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.cacheSize = n
		}
	}
}

// WithToken sets the payment asset and its decimals.
func WithToken(symbol string, decimals int32) Option {
	return func(c *config) {
		if symbol != "" {
			c.token = symbol
		}
		if decimals > 0 {
			c.decimals = decimals
		}
	}
}

// Router routes executions.
type Router struct {
	chains      web3.ChainResolver
	deployments DeployedLister
	registry    web3.RegistryReader
	exec        Executor
	deployed    *lru.Cache[deployment.Key, struct{}]
	token       string
	decimals    int32
	log         *slog.Logger
}

// New 创建路由器。
func New(chains web3.ChainResolver, deployments DeployedLister, registry web3.RegistryReader, exec Executor, opts ...Option) (*Router, error) {
	cfg := config{cacheSize: 4096, decimals: 6, token: planner.DefaultToken}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	cache, err := lru.New[deployment.Key, struct{}](cfg.cacheSize)
	if err != nil {
		return nil, err
	}
	return &Router{
		chains:      chains,
		deployments: deployments,
		registry:    registry,
		exec:        exec,
		deployed:    cache,
		token:       cfg.token,
		decimals:    cfg.decimals,
		log:         logger.Named("router"),
	}, nil
}

// Execute checks that the agent lives on the target chain before any balance
// or bridge call, prices the execution from the target registry and hands
// the call to the executor.
func (r *Router) Execute(ctx context.Context, session bridge.Client, req Request) (*Outcome, error) {
	if req.AgentID == 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "agentId 不能为空")
	}
	info, err := r.chains.Lookup(req.TargetChainID)
	if err != nil {
		return nil, err
	}
	if req.UserChainID != 0 && !r.chains.IsSupported(req.UserChainID) {
		return nil, web3.UnsupportedChain(req.UserChainID)
	}

	ok, err := r.IsDeployed(ctx, req.AgentID, req.TargetChainID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, xerrors.Newf(CodeAgentNotDeployed, "agent %d is not deployed on chain %d", req.AgentID, req.TargetChainID)
	}

	agent, err := r.registry.GetAgent(ctx, req.TargetChainID, req.AgentID)
	if err != nil {
		return nil, err
	}
	if !agent.IsActive {
		return nil, xerrors.Newf(CodeAgentInactive, "agent %d is inactive on chain %d", req.AgentID, req.TargetChainID)
	}
	price := planner.FromSmallestUnit(agent.PricePerExecution, r.decimals)

	token := req.Token
	if token == "" {
		token = r.token
	}
	in := planner.Input{
		AgentID:        req.AgentID,
		TargetChainID:  req.TargetChainID,
		Call:           ethereum.ExecuteAgentCall(info.RegistryAddress, req.AgentID, req.Params),
		RequiredAmount: price,
		Token:          token,
		Mode:           req.Mode,
	}
	// 同链余额不足时允许从其他链补足，因此仅在跨链时才标注来源链。
	if req.UserChainID != req.TargetChainID {
		in.SourceChainID = req.UserChainID
	}

	res, err := r.exec.Execute(ctx, session, in)
	if err != nil {
		return nil, err
	}
	r.log.Info("执行已路由",
		slog.Uint64("agent_id", req.AgentID),
		slog.Uint64("chain_id", req.TargetChainID),
		slog.String("route", string(res.Route)),
		slog.String("tx_hash", res.TxHash))
	return &Outcome{
		Route:        res.Route,
		TxHash:       res.TxHash,
		BridgeTxHash: res.BridgeTxHash,
		Amount:       res.Amount,
		Price:        price,
		ExplorerURL:  res.ExplorerURL,
	}, nil
}

// IsDeployed consults the tracker, then the on-chain registry. Only positive
// answers are cached; a deployment never disappears from a registry.
func (r *Router) IsDeployed(ctx context.Context, agentID, chainID uint64) (bool, error) {
	key := deployment.Key{AgentID: agentID, ChainID: chainID}
	if r.deployed.Contains(key) {
		return true, nil
	}
	chains, err := r.deployments.ListDeployedChains(ctx, agentID)
	if err != nil {
		return false, err
	}
	for _, id := range chains {
		if id == chainID {
			r.deployed.Add(key, struct{}{})
			return true, nil
		}
	}
	registered, err := r.registry.IsAgentRegistered(ctx, chainID, agentID)
	if err != nil {
		return false, err
	}
	if registered {
		r.deployed.Add(key, struct{}{})
	}
	return registered, nil
}
