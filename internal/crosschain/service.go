// Package crosschain 组合链注册表、编排器与执行路由，提供跨链部署与执行的应用服务。
package crosschain

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"AgentNexus-Chain/internal/bridge"
	"AgentNexus-Chain/internal/deployment"
	xerrors "AgentNexus-Chain/internal/errors"
	"AgentNexus-Chain/internal/events"
	"AgentNexus-Chain/internal/orchestrator"
	"AgentNexus-Chain/internal/planner"
	"AgentNexus-Chain/internal/router"
	"AgentNexus-Chain/internal/web3"
	"AgentNexus-Chain/internal/web3/ethereum"
	"AgentNexus-Chain/pkg/logger"
)

// CodeAgentNotFound 表示源链注册表中查不到该智能体。
const (
	CodeAgentNotFound xerrors.Code = "AGENT_NOT_FOUND"
)

func init() {
	xerrors.Register(CodeAgentNotFound, xerrors.Attributes{
		Message:  "agent not found on source chain",
		Severity: xerrors.SeverityInfo,
	})
}

// Deployer runs deployment batches.
type Deployer interface {
	DeployToChains(ctx context.Context, session bridge.Client, batch orchestrator.Batch) (*orchestrator.DeploymentResult, error)
}

// Executor routes agent executions.
type Executor interface {
	Execute(ctx context.Context, session bridge.Client, req router.Request) (*router.Outcome, error)
}

// DeployedLister lists completed chains of an agent.
type DeployedLister interface {
	ListDeployedChains(ctx context.Context, agentID uint64) ([]uint64, error)
}

// Config 为服务参数。
type Config struct {
	// RegistrationFee 是目标链登记所需的代币数额，由规划器据此决定是否桥接。
	RegistrationFee decimal.Decimal
	Token           string
	// DefaultWallet 在请求未指定钱包时使用。
	DefaultWallet common.Address
	HistoryLimit  int
}

// Dependencies 聚合服务依赖。
type Dependencies struct {
	Chains    web3.ChainResolver
	Registry  web3.RegistryReader
	Connector bridge.Connector
	Deployer  Deployer
	Router    Executor
	Tracker   DeployedLister
	History   deployment.HistoryStore
	Events    events.Publisher
}

// Service 是 REST 层背后的应用服务。
type Service struct {
	deps Dependencies
	cfg  Config
	now  func() time.Time
	log  *slog.Logger
}

// NewService 创建服务。
func NewService(deps Dependencies, cfg Config) (*Service, error) {
	if deps.Chains == nil || deps.Registry == nil || deps.Connector == nil || deps.Deployer == nil || deps.Router == nil || deps.Tracker == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "跨链服务依赖不完整")
	}
	if deps.History == nil {
		deps.History = deployment.NewMemoryHistory()
	}
	if deps.Events == nil {
		deps.Events = events.NewLogPublisher()
	}
	if cfg.Token == "" {
		cfg.Token = planner.DefaultToken
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 50
	}
	return &Service{deps: deps, cfg: cfg, now: time.Now, log: logger.Named("crosschain")}, nil
}

// DeployRequest 描述一次跨链部署请求。
type DeployRequest struct {
	AgentID        uint64   `json:"agentId"`
	SourceChainID  uint64   `json:"sourceChainId"`
	TargetChainIDs []uint64 `json:"targetChainIds"`
	Wallet         string   `json:"wallet,omitempty"`
	Mode           string   `json:"mode,omitempty"`
	DryRun         bool     `json:"dryRun,omitempty"`
}

// ChainDeployment is the per-chain entry of a DeployResponse.
type ChainDeployment struct {
	Status       string `json:"status"`
	TxHash       string `json:"txHash,omitempty"`
	BridgeTxHash string `json:"bridgeTxHash,omitempty"`
	ExplorerURL  string `json:"explorerUrl,omitempty"`
	Error        string `json:"error,omitempty"`
	ErrorCode    string `json:"errorCode,omitempty"`
	Reconcilable bool   `json:"reconcilable,omitempty"`
}

// DeployResponse preserves request order in Order.
type DeployResponse struct {
	BatchID      string                     `json:"batchId,omitempty"`
	Status       deployment.BatchStatus     `json:"status"`
	SuccessCount int                        `json:"successCount"`
	Order        []uint64                   `json:"order"`
	Deployments  map[uint64]ChainDeployment `json:"deployments"`
}

// Deploy replicates the source-chain registration of an agent onto every
// target chain. Per-chain failures are part of the response; only malformed
// requests and source lookups fail the call.
func (s *Service) Deploy(ctx context.Context, req DeployRequest) (*DeployResponse, error) {
	if req.AgentID == 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "agentId 不能为空")
	}
	if len(req.TargetChainIDs) == 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "targetChainIds 不能为空")
	}
	if !s.deps.Chains.IsSupported(req.SourceChainID) {
		return nil, web3.UnsupportedChain(req.SourceChainID)
	}
	mode, err := planner.ParseMode(req.Mode)
	if err != nil {
		return nil, err
	}
	wallet, err := s.wallet(req.Wallet)
	if err != nil {
		return nil, err
	}

	agent, err := s.deps.Registry.GetAgent(ctx, req.SourceChainID, req.AgentID)
	if err != nil {
		return nil, err
	}
	if agent.Owner == (common.Address{}) {
		return nil, xerrors.Newf(CodeAgentNotFound, "agent %d is not registered on chain %d", req.AgentID, req.SourceChainID)
	}

	session, err := s.deps.Connector.Connect(ctx, wallet)
	if err != nil {
		return nil, err
	}
	defer s.disconnect(ctx, session)

	batch := orchestrator.Batch{
		AgentID:        req.AgentID,
		SourceChainID:  req.SourceChainID,
		TargetChainIDs: req.TargetChainIDs,
		Mode:           mode,
		DryRun:         req.DryRun,
		Build:          s.registrationBuilder(agent),
	}
	result, err := s.deps.Deployer.DeployToChains(ctx, session, batch)
	if err != nil {
		return nil, err
	}

	resp := &DeployResponse{
		Status:       deployment.SummariseBatch(result.SuccessCount, len(result.Results)),
		SuccessCount: result.SuccessCount,
		Order:        append([]uint64(nil), req.TargetChainIDs...),
		Deployments:  make(map[uint64]ChainDeployment, len(result.Results)),
	}
	for _, res := range result.Results {
		resp.Deployments[res.ChainID] = toChainDeployment(res)
	}
	if req.DryRun {
		return resp, nil
	}

	resp.BatchID = uuid.NewString()
	s.record(ctx, req, resp)
	return resp, nil
}

func (s *Service) registrationBuilder(agent web3.Agent) func(ctx context.Context, chainID uint64) (planner.Input, error) {
	return func(_ context.Context, chainID uint64) (planner.Input, error) {
		info, err := s.deps.Chains.Lookup(chainID)
		if err != nil {
			return planner.Input{}, err
		}
		return planner.Input{
			Call:           ethereum.RegisterAgentCall(info.RegistryAddress, agent, nil),
			RequiredAmount: s.cfg.RegistrationFee,
			Token:          s.cfg.Token,
		}, nil
	}
}

func (s *Service) record(ctx context.Context, req DeployRequest, resp *DeployResponse) {
	ctx = context.WithoutCancel(ctx)
	batch := deployment.Batch{
		ID:            resp.BatchID,
		AgentID:       req.AgentID,
		SourceChainID: req.SourceChainID,
		TargetChains:  resp.Order,
		Status:        resp.Status,
		TxHashes:      make(map[uint64]string),
		Errors:        make(map[uint64]string),
		Timestamp:     s.now().Unix(),
	}
	for chainID, d := range resp.Deployments {
		if d.TxHash != "" {
			batch.TxHashes[chainID] = d.TxHash
		}
		if d.Error != "" {
			batch.Errors[chainID] = d.Error
		}
	}
	if err := s.deps.History.Append(ctx, batch); err != nil {
		s.log.Warn("写入批次历史失败", slog.String("batch_id", batch.ID), slog.Any("error", err))
	}
	event := events.Event{
		Type:       events.TypeDeploymentBatch,
		AgentID:    req.AgentID,
		ChainID:    req.SourceChainID,
		Status:     string(resp.Status),
		Metadata:   map[string]string{"batchId": batch.ID},
		OccurredAt: s.now().UTC(),
	}
	if err := s.deps.Events.Publish(ctx, event); err != nil {
		s.log.Warn("发布批次事件失败", slog.String("batch_id", batch.ID), slog.Any("error", err))
	}
}

func toChainDeployment(res orchestrator.ChainResult) ChainDeployment {
	status := string(res.Status)
	switch res.Outcome {
	case orchestrator.OutcomeSkipped:
		status = string(deployment.StatusCompleted)
	case orchestrator.OutcomeSimulated:
		status = string(orchestrator.OutcomeSimulated)
	case orchestrator.OutcomeFailed:
		status = string(deployment.StatusFailed)
	}
	return ChainDeployment{
		Status:       status,
		TxHash:       res.TxHash,
		BridgeTxHash: res.BridgeTxHash,
		ExplorerURL:  res.ExplorerURL,
		Error:        res.Error,
		ErrorCode:    res.ErrorCode,
		Reconcilable: res.Reconcilable,
	}
}

// ChainsView 是智能体的链分布。
type ChainsView struct {
	DeployedChains  []uint64 `json:"deployedChains"`
	SupportedChains []uint64 `json:"supportedChains"`
}

// Chains 返回已部署链与支持的链。
func (s *Service) Chains(ctx context.Context, agentID uint64) (*ChainsView, error) {
	if agentID == 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "agentId 不能为空")
	}
	deployed, err := s.deps.Tracker.ListDeployedChains(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if deployed == nil {
		deployed = []uint64{}
	}
	return &ChainsView{DeployedChains: deployed, SupportedChains: s.deps.Chains.Supported()}, nil
}

// History 返回最近的批次，最新的在前。
func (s *Service) History(ctx context.Context, agentID uint64, limit int) ([]deployment.Batch, error) {
	if agentID == 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "agentId 不能为空")
	}
	if limit <= 0 || limit > s.cfg.HistoryLimit {
		limit = s.cfg.HistoryLimit
	}
	return s.deps.History.List(ctx, agentID, limit)
}

// ExecuteRequest 描述一次智能体执行。
type ExecuteRequest struct {
	AgentID       uint64 `json:"agentId"`
	UserChainID   uint64 `json:"userChainId"`
	TargetChainID uint64 `json:"targetChainId"`
	// Params 为十六进制编码的调用参数，可带 0x 前缀。
	Params string `json:"params,omitempty"`
	Wallet string `json:"wallet,omitempty"`
	Mode   string `json:"mode,omitempty"`
}

// Execute opens a session for the wallet and routes the execution.
func (s *Service) Execute(ctx context.Context, req ExecuteRequest) (*router.Outcome, error) {
	mode, err := planner.ParseMode(req.Mode)
	if err != nil {
		return nil, err
	}
	wallet, err := s.wallet(req.Wallet)
	if err != nil {
		return nil, err
	}
	var params []byte
	if raw := strings.TrimSpace(req.Params); raw != "" {
		if !strings.HasPrefix(raw, "0x") && !strings.HasPrefix(raw, "0X") {
			raw = "0x" + raw
		}
		if params, err = decodeHex(raw); err != nil {
			return nil, err
		}
	}

	session, err := s.deps.Connector.Connect(ctx, wallet)
	if err != nil {
		return nil, err
	}
	defer s.disconnect(ctx, session)

	out, err := s.deps.Router.Execute(ctx, session, router.Request{
		AgentID:       req.AgentID,
		UserChainID:   req.UserChainID,
		TargetChainID: req.TargetChainID,
		Params:        params,
		Mode:          mode,
		Token:         s.cfg.Token,
	})
	if err != nil {
		return nil, err
	}
	event := events.Event{
		Type:       events.TypeExecutionCompleted,
		AgentID:    req.AgentID,
		ChainID:    req.TargetChainID,
		Status:     string(out.Route),
		TxHash:     out.TxHash,
		OccurredAt: s.now().UTC(),
	}
	if err := s.deps.Events.Publish(context.WithoutCancel(ctx), event); err != nil {
		s.log.Warn("发布执行事件失败", slog.Uint64("agent_id", req.AgentID), slog.Any("error", err))
	}
	return out, nil
}

func (s *Service) wallet(raw string) (common.Address, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		if s.cfg.DefaultWallet == (common.Address{}) {
			return common.Address{}, xerrors.New(xerrors.CodeInvalidArgument, "wallet 不能为空")
		}
		return s.cfg.DefaultWallet, nil
	}
	if !common.IsHexAddress(raw) {
		return common.Address{}, xerrors.Newf(xerrors.CodeInvalidArgument, "invalid wallet address %q", raw)
	}
	return common.HexToAddress(raw), nil
}

func (s *Service) disconnect(ctx context.Context, session bridge.Session) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := session.Disconnect(ctx); err != nil {
		s.log.Warn("断开桥接会话失败", slog.String("wallet", session.Wallet().Hex()), slog.Any("error", err))
	}
}

func decodeHex(raw string) ([]byte, error) {
	data, err := hexutil.Decode(raw)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "params 不是合法的十六进制")
	}
	return data, nil
}
