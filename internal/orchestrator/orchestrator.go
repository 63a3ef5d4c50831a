// Package orchestrator runs agent operations across target chains. Each chain
// is planned against fresh balances, bridged and executed in one SDK call,
// and recorded through the deployment tracker. Chains run one after another;
// a failure on one chain never stops the rest of the batch.
package orchestrator

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"AgentNexus-Chain/internal/balance"
	"AgentNexus-Chain/internal/bridge"
	"AgentNexus-Chain/internal/deployment"
	xerrors "AgentNexus-Chain/internal/errors"
	"AgentNexus-Chain/internal/observability/alerting"
	"AgentNexus-Chain/internal/planner"
	"AgentNexus-Chain/internal/web3"
	"AgentNexus-Chain/pkg/logger"
)

// DefaultTimeout bounds one chain's bridge-and-execute call; DefaultChainDelay
// is the pause between consecutive target chains of a batch.
const (
	DefaultTimeout    = 5 * time.Minute
	DefaultChainDelay = 1500 * time.Millisecond
)

// Outcome is the per-chain result of a batch.
type Outcome string

// Per-chain outcomes. Every outcome except OutcomeFailed counts towards
// SuccessCount.
const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
	// OutcomeSkipped means the chain was already deployed.
	OutcomeSkipped Outcome = "skipped"
	// OutcomeSimulated is reported by dry runs that found the chain feasible.
	OutcomeSimulated Outcome = "simulated"
)

// Batch describes one multi-chain operation.
type Batch struct {
	AgentID        uint64
	SourceChainID  uint64
	TargetChainIDs []uint64
	// Build returns the planner input for one target chain. AgentID, chain
	// ids and Mode are filled in from the batch when left empty.
	Build  func(ctx context.Context, chainID uint64) (planner.Input, error)
	Mode   planner.Mode
	DryRun bool
}

// ChainResult is the outcome on one target chain.
type ChainResult struct {
	ChainID       uint64            `json:"chainId"`
	Outcome       Outcome           `json:"outcome"`
	Status        deployment.Status `json:"status,omitempty"`
	Route         planner.Kind      `json:"route,omitempty"`
	TxHash        string            `json:"txHash,omitempty"`
	BridgeTxHash  string            `json:"bridgeTxHash,omitempty"`
	ExplorerURL   string            `json:"explorerUrl,omitempty"`
	BridgedAmount string            `json:"bridgedAmount,omitempty"`
	Error         string            `json:"error,omitempty"`
	ErrorCode     string            `json:"errorCode,omitempty"`
	Reconcilable  bool              `json:"reconcilable,omitempty"`
}

// Succeeded reports whether the chain counts towards SuccessCount.
func (r ChainResult) Succeeded() bool {
	return r.Outcome == OutcomeCompleted || r.Outcome == OutcomeSkipped || r.Outcome == OutcomeSimulated
}

// DeploymentResult holds one entry per requested chain, in request order.
type DeploymentResult struct {
	SuccessCount int
	Results      []ChainResult
	ByChain      map[uint64]ChainResult
}

// AllSucceeded reports whether every chain succeeded.
func (r *DeploymentResult) AllSucceeded() bool {
	return r.SuccessCount == len(r.Results)
}

func (r *DeploymentResult) add(res ChainResult) {
	r.Results = append(r.Results, res)
	r.ByChain[res.ChainID] = res
	if res.Succeeded() {
		r.SuccessCount++
	}
}

// ReconcileQueue receives failed records whose transfer may still land.
type ReconcileQueue interface {
	Enqueue(ctx context.Context, agentID, chainID uint64) error
}

// Option customises the Orchestrator.
type Option func(*Orchestrator)

// WithTimeout bounds each bridge-and-execute call.
func WithTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithChainDelay sets the pause between consecutive chains. Zero disables it.
func WithChainDelay(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d >= 0 {
			o.delay = d
		}
	}
}

// WithReceiptTimeout is forwarded to the SDK as its receipt wait budget.
// Defaults to the call timeout.
func WithReceiptTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.receiptTimeout = d }
}

// WithApprover replaces the default AutoApprover.
func WithApprover(a Approver) Option {
	return func(o *Orchestrator) {
		if a != nil {
			o.approver = a
		}
	}
}

// WithReconcileQueue enables reconciliation of ambiguous failures.
func WithReconcileQueue(q ReconcileQueue) Option {
	return func(o *Orchestrator) { o.reconcile = q }
}

// WithMetrics sets the Prometheus collectors.
func WithMetrics(m *Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithTracer sets the OpenTelemetry tracer.
func WithTracer(t trace.Tracer) Option {
	return func(o *Orchestrator) {
		if t != nil {
			o.tracer = t
		}
	}
}

// WithAlerts routes orchestration defects to a dispatcher.
func WithAlerts(d alerting.Dispatcher) Option {
	return func(o *Orchestrator) { o.alerts = d }
}

// WithTokenDecimals sets the decimals the planner assumes when the bridge
// SDK reports balances without them.
func WithTokenDecimals(d int32) Option {
	return func(o *Orchestrator) { o.decimals = d }
}

// WithSleep replaces the inter-chain wait, for tests.
func WithSleep(sleep func(ctx context.Context, d time.Duration)) Option {
	return func(o *Orchestrator) {
		if sleep != nil {
			o.sleep = sleep
		}
	}
}

// Orchestrator sequences bridge-and-execute operations.
type Orchestrator struct {
	chains         web3.ChainResolver
	tracker        *deployment.Tracker
	direct         web3.DirectCaller
	approver       Approver
	reconcile      ReconcileQueue
	metrics        *Metrics
	alerts         alerting.Dispatcher
	tracer         trace.Tracer
	timeout        time.Duration
	receiptTimeout time.Duration
	delay          time.Duration
	decimals       int32
	sleep          func(ctx context.Context, d time.Duration)
	log            *slog.Logger
}

// New 创建编排器。direct 用于无需桥接的同链调用。
func New(chains web3.ChainResolver, tracker *deployment.Tracker, direct web3.DirectCaller, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		chains:   chains,
		tracker:  tracker,
		direct:   direct,
		approver: AutoApprover{},
		tracer:   otel.Tracer("agentnexus/orchestrator"),
		timeout:  DefaultTimeout,
		delay:    DefaultChainDelay,
		decimals: planner.DefaultDecimals,
		sleep:    sleepCtx,
		log:      logger.Named("orchestrator"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	if o.receiptTimeout <= 0 {
		o.receiptTimeout = o.timeout
	}
	return o
}

func (o *Orchestrator) newPlanner(session bridge.Client) *planner.Planner {
	return planner.New(o.chains, balance.NewAggregator(o.chains, session), planner.WithDecimals(o.decimals))
}

// DeployToChains runs batch against session. Only malformed batches return an
// error; per-chain failures are reported in the result, which always has one
// entry per target chain.
func (o *Orchestrator) DeployToChains(ctx context.Context, session bridge.Client, batch Batch) (*DeploymentResult, error) {
	if err := validateBatch(batch); err != nil {
		return nil, err
	}
	o.metrics.batchStarted()
	defer o.metrics.batchFinished()

	ctx, span := o.tracer.Start(ctx, "orchestrator.deploy_to_chains", trace.WithAttributes(
		attribute.Int64("agent_id", int64(batch.AgentID)),
		attribute.Int("targets", len(batch.TargetChainIDs)),
		attribute.Bool("dry_run", batch.DryRun),
	))
	defer span.End()

	plans := o.newPlanner(session)
	result := &DeploymentResult{ByChain: make(map[uint64]ChainResult, len(batch.TargetChainIDs))}
	for i, chainID := range batch.TargetChainIDs {
		if i > 0 && o.delay > 0 {
			o.sleep(ctx, o.delay)
		}
		if err := ctx.Err(); err != nil {
			result.add(ChainResult{
				ChainID:   chainID,
				Outcome:   OutcomeFailed,
				Error:     fmt.Sprintf("batch cancelled before chain %d: %v", chainID, err),
				ErrorCode: string(xerrors.CodeTimeout),
			})
			continue
		}
		result.add(o.deployChain(ctx, session, plans, batch, chainID))
	}

	span.SetAttributes(attribute.Int("success_count", result.SuccessCount))
	o.log.Info("跨链批次完成",
		slog.Uint64("agent_id", batch.AgentID),
		slog.Int("success", result.SuccessCount),
		slog.Int("targets", len(batch.TargetChainIDs)))
	return result, nil
}

func validateBatch(batch Batch) error {
	if batch.AgentID == 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "agentId 不能为空")
	}
	if len(batch.TargetChainIDs) == 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "至少需要一个目标链")
	}
	if batch.Build == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "缺少目标链调用构造函数")
	}
	seen := make(map[uint64]struct{}, len(batch.TargetChainIDs))
	for _, id := range batch.TargetChainIDs {
		if _, dup := seen[id]; dup {
			return xerrors.Newf(xerrors.CodeInvalidArgument, "目标链 %d 重复", id)
		}
		seen[id] = struct{}{}
	}
	return nil
}

func (o *Orchestrator) deployChain(ctx context.Context, session bridge.Client, plans *planner.Planner, batch Batch, chainID uint64) (res ChainResult) {
	start := time.Now()
	ctx, span := o.tracer.Start(ctx, "orchestrator.deploy_chain", trace.WithAttributes(
		attribute.Int64("agent_id", int64(batch.AgentID)),
		attribute.Int64("chain_id", int64(chainID)),
	))
	res = ChainResult{ChainID: chainID}
	defer func() { o.finish(span, batch.AgentID, res, start) }()

	if !o.chains.IsSupported(chainID) {
		return failedResult(res, failure{err: web3.UnsupportedChain(chainID)})
	}
	if batch.DryRun {
		return o.simulateChain(ctx, session, plans, batch, chainID, res)
	}

	rec, err := o.tracker.RecordAttempt(ctx, batch.AgentID, chainID)
	if stdErrors.Is(err, deployment.ErrAlreadyDeployed) {
		res.Outcome = OutcomeSkipped
		res.Status = deployment.StatusCompleted
		res.TxHash = rec.TxHash
		res.ExplorerURL = o.explorer(chainID, rec.TxHash)
		return res
	}
	if err != nil {
		// 记录不属于本次尝试，不能改动其状态。
		if rec != nil {
			res.Status = rec.Status
		}
		return failedResult(res, failure{err: err})
	}
	res.Status = deployment.StatusPending

	in, err := buildInput(ctx, batch, chainID)
	if err != nil {
		return o.fail(ctx, batch.AgentID, res, failure{err: err})
	}
	plan, err := plans.Plan(ctx, in)
	if err != nil {
		return o.fail(ctx, batch.AgentID, res, failure{err: err})
	}
	res.Route = plan.Kind

	if plan.Kind == planner.KindDirect {
		return o.runDirect(ctx, batch.AgentID, res, plan.Direct)
	}
	return o.runBridge(ctx, session, batch.AgentID, res, plan)
}

func buildInput(ctx context.Context, batch Batch, chainID uint64) (planner.Input, error) {
	in, err := batch.Build(ctx, chainID)
	if err != nil {
		return planner.Input{}, err
	}
	if in.AgentID == 0 {
		in.AgentID = batch.AgentID
	}
	if in.SourceChainID == 0 {
		in.SourceChainID = batch.SourceChainID
	}
	in.TargetChainID = chainID
	if in.Mode == "" {
		in.Mode = batch.Mode
	}
	return in, nil
}

func (o *Orchestrator) runDirect(ctx context.Context, agentID uint64, res ChainResult, req *planner.DirectCallRequest) ChainResult {
	callCtx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()
	hash, err := o.direct.CallContract(callCtx, req.ChainID, req.Execute)
	if err != nil {
		return o.fail(ctx, agentID, res, classifyDirectError(err))
	}
	return o.complete(ctx, agentID, res, hash.Hex(), "", req.Execute.Contract.Hex())
}

func (o *Orchestrator) runBridge(ctx context.Context, session bridge.Client, agentID uint64, res ChainResult, plan *planner.Plan) ChainResult {
	ref := uuid.NewString()
	req := plan.Bridge.SDKRequest(ref, true, o.receiptTimeout)
	res.BridgedAmount = req.Amount.String()

	if f, ok := o.confirm(ctx, session, agentID, req); !ok {
		return o.fail(ctx, agentID, res, f)
	}

	if _, err := o.tracker.UpdateStatus(ctx, agentID, res.ChainID, deployment.StatusBridging, deployment.WithBridgeRef(ref)); err != nil {
		o.alert(ctx, err, agentID, res.ChainID)
		return o.fail(ctx, agentID, res, failure{err: err})
	}
	res.Status = deployment.StatusBridging

	callCtx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()
	out, err := session.BridgeAndExecute(callCtx, req)
	if err != nil {
		return o.fail(ctx, agentID, res, classifyCallError(err))
	}
	if !out.Success {
		res.BridgeTxHash = out.BridgeTxHash
		return o.fail(ctx, agentID, res, classifyResult(out), deployment.WithBridgeTxHash(out.BridgeTxHash))
	}
	return o.complete(ctx, agentID, res, out.ExecuteTxHash, out.BridgeTxHash, req.Execute.Contract.Hex())
}

// confirm simulates the transfer and runs the approval hooks. Nothing has
// been submitted when it returns false.
func (o *Orchestrator) confirm(ctx context.Context, session bridge.Client, agentID uint64, req bridge.Request) (failure, bool) {
	sim, err := session.SimulateBridgeAndExecute(ctx, req)
	if err != nil {
		return failure{err: xerrors.Wrap(CodeBridgeFailed, err, "simulate bridge")}, false
	}
	if !sim.Feasible {
		return classifyResult(bridge.ExecuteResult{ErrorCode: sim.ErrorCode, Error: "simulation reports the transfer is not feasible"}), false
	}
	if sim.ApprovalRequired {
		decision, err := o.approver.OnApprovalRequired(ctx, ApprovalDetails{
			AgentID:   agentID,
			ChainID:   req.ToChainID,
			Token:     req.Token,
			Amount:    req.Amount.Add(sim.BridgeFee),
			Allowance: sim.Allowance,
		})
		if f, ok := decided(decision, err, "allowance approval"); !ok {
			return f, false
		}
	}
	decision, err := o.approver.OnIntentConfirmationRequired(ctx, IntentDetails{
		AgentID:       agentID,
		TargetChainID: req.ToChainID,
		Token:         req.Token,
		Amount:        req.Amount,
		Fee:           sim.BridgeFee,
		SourceChains:  sourceIDs(sim.Sources, req.SourceChains),
	})
	return decided(decision, err, "intent confirmation")
}

func decided(d Decision, err error, step string) (failure, bool) {
	if err != nil {
		return failure{err: xerrors.Wrap(CodeWalletRejected, err, step+" failed")}, false
	}
	if !d.Approved {
		reason := d.Reason
		if reason == "" {
			reason = "denied"
		}
		return failure{err: xerrors.Newf(CodeWalletRejected, "%s: %s", step, reason)}, false
	}
	return failure{}, true
}

func sourceIDs(sources []bridge.ChainBalance, fallback []uint64) []uint64 {
	if len(sources) == 0 {
		return fallback
	}
	ids := make([]uint64, 0, len(sources))
	for _, s := range sources {
		ids = append(ids, s.ChainID)
	}
	return ids
}

func (o *Orchestrator) simulateChain(ctx context.Context, session bridge.Client, plans *planner.Planner, batch Batch, chainID uint64, res ChainResult) ChainResult {
	if status, err := o.tracker.GetStatus(ctx, batch.AgentID, chainID); err == nil && status != nil && *status == deployment.StatusCompleted {
		res.Outcome = OutcomeSkipped
		res.Status = deployment.StatusCompleted
		return res
	}
	in, err := buildInput(ctx, batch, chainID)
	if err != nil {
		return failedResult(res, failure{err: err})
	}
	plan, err := plans.Plan(ctx, in)
	if err != nil {
		return failedResult(res, failure{err: err})
	}
	res.Route = plan.Kind
	if plan.Kind == planner.KindBridge {
		req := plan.Bridge.SDKRequest("", true, o.receiptTimeout)
		res.BridgedAmount = req.Amount.String()
		sim, err := session.SimulateBridgeAndExecute(ctx, req)
		if err != nil {
			return failedResult(res, failure{err: xerrors.Wrap(CodeBridgeFailed, err, "simulate bridge")})
		}
		if !sim.Feasible {
			return failedResult(res, classifyResult(bridge.ExecuteResult{ErrorCode: sim.ErrorCode, Error: "simulation reports the transfer is not feasible"}))
		}
	}
	res.Outcome = OutcomeSimulated
	return res
}

func (o *Orchestrator) complete(ctx context.Context, agentID uint64, res ChainResult, txHash, bridgeHash, address string) ChainResult {
	res.TxHash = txHash
	res.BridgeTxHash = bridgeHash
	res.ExplorerURL = o.explorer(res.ChainID, txHash)
	_, err := o.tracker.UpdateStatus(context.WithoutCancel(ctx), agentID, res.ChainID, deployment.StatusCompleted,
		deployment.WithTxHash(txHash),
		deployment.WithBridgeTxHash(bridgeHash),
		deployment.WithDeploymentAddress(address))
	if err != nil {
		// 交易已上链但状态未落库，交由对账或人工处理。
		o.alert(ctx, err, agentID, res.ChainID)
		return failedResult(res, failure{err: err})
	}
	res.Outcome = OutcomeCompleted
	res.Status = deployment.StatusCompleted
	return res
}

// fail records a failed status. Store writes and the reconcile enqueue use a
// context that survives cancellation of ctx.
func (o *Orchestrator) fail(ctx context.Context, agentID uint64, res ChainResult, f failure, opts ...deployment.UpdateOption) ChainResult {
	storeCtx := context.WithoutCancel(ctx)
	opts = append([]deployment.UpdateOption{deployment.WithFailure(f.err), deployment.WithReconcilable(f.reconcilable)}, opts...)
	if _, err := o.tracker.UpdateStatus(storeCtx, agentID, res.ChainID, deployment.StatusFailed, opts...); err != nil {
		o.alert(ctx, err, agentID, res.ChainID)
	} else {
		res.Status = deployment.StatusFailed
	}
	if f.reconcilable && o.reconcile != nil {
		if err := o.reconcile.Enqueue(storeCtx, agentID, res.ChainID); err != nil {
			o.log.Warn("对账任务入队失败",
				slog.Uint64("agent_id", agentID),
				slog.Uint64("chain_id", res.ChainID),
				slog.String("error", err.Error()))
		}
	}
	return failedResult(res, f)
}

func failedResult(res ChainResult, f failure) ChainResult {
	res.Outcome = OutcomeFailed
	res.Error = f.err.Error()
	res.ErrorCode = string(xerrors.CodeOf(f.err))
	res.Reconcilable = f.reconcilable
	return res
}

func (o *Orchestrator) finish(span trace.Span, agentID uint64, res ChainResult, start time.Time) {
	elapsed := time.Since(start)
	route := string(res.Route)
	if route == "" {
		route = "none"
	}
	o.metrics.observe(route, string(res.Outcome), res.ErrorCode, elapsed)

	span.SetAttributes(
		attribute.String("outcome", string(res.Outcome)),
		attribute.String("route", route),
	)
	if res.Outcome == OutcomeFailed {
		span.SetStatus(codes.Error, res.ErrorCode)
	}
	span.End()

	logger.Audit().Info("chain_operation",
		slog.Uint64("agent_id", agentID),
		slog.Uint64("chain_id", res.ChainID),
		slog.String("outcome", string(res.Outcome)),
		slog.String("route", route),
		slog.String("tx_hash", res.TxHash),
		slog.String("error_code", res.ErrorCode),
		slog.Duration("duration", elapsed))
}

func (o *Orchestrator) alert(ctx context.Context, err error, agentID, chainID uint64) {
	o.log.Error("部署状态写入失败",
		slog.Uint64("agent_id", agentID),
		slog.Uint64("chain_id", chainID),
		slog.String("error", err.Error()))
	if o.alerts == nil || !xerrors.ShouldAlert(err) {
		return
	}
	if nerr := o.alerts.Notify(context.WithoutCancel(ctx), alerting.FromError(err, agentID, chainID)); nerr != nil {
		o.log.Warn("告警发送失败", slog.String("error", nerr.Error()))
	}
}

func (o *Orchestrator) explorer(chainID uint64, hash string) string {
	info, err := o.chains.Lookup(chainID)
	if err != nil {
		return ""
	}
	return info.TxURL(hash)
}

func sleepCtx(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// ExecutionResult is the outcome of an untracked single-chain execution.
type ExecutionResult struct {
	Route        planner.Kind    `json:"route"`
	TxHash       string          `json:"txHash"`
	BridgeTxHash string          `json:"bridgeTxHash,omitempty"`
	Amount       decimal.Decimal `json:"amount"`
	ExplorerURL  string          `json:"explorerUrl,omitempty"`
}

// Execute plans and runs one operation on in.TargetChainID without touching
// the deployment tracker. Failures are returned classified.
func (o *Orchestrator) Execute(ctx context.Context, session bridge.Client, in planner.Input) (*ExecutionResult, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.execute", trace.WithAttributes(
		attribute.Int64("agent_id", int64(in.AgentID)),
		attribute.Int64("chain_id", int64(in.TargetChainID)),
	))
	defer span.End()

	start := time.Now()
	out, err := o.execute(ctx, session, in)
	route, outcome, code := "none", string(OutcomeCompleted), ""
	if out != nil {
		route = string(out.Route)
	}
	if err != nil {
		outcome, code = string(OutcomeFailed), string(xerrors.CodeOf(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, code)
	}
	o.metrics.observe(route, outcome, code, time.Since(start))
	return out, err
}

func (o *Orchestrator) execute(ctx context.Context, session bridge.Client, in planner.Input) (*ExecutionResult, error) {
	plan, err := o.newPlanner(session).Plan(ctx, in)
	if err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	if plan.Kind == planner.KindDirect {
		hash, err := o.direct.CallContract(callCtx, plan.Direct.ChainID, plan.Direct.Execute)
		if err != nil {
			return &ExecutionResult{Route: planner.KindDirect}, classifyDirectError(err).err
		}
		return &ExecutionResult{
			Route:       planner.KindDirect,
			TxHash:      hash.Hex(),
			Amount:      decimal.Zero,
			ExplorerURL: o.explorer(plan.Direct.ChainID, hash.Hex()),
		}, nil
	}

	req := plan.Bridge.SDKRequest(uuid.NewString(), true, o.receiptTimeout)
	partial := &ExecutionResult{Route: planner.KindBridge, Amount: req.Amount}
	if f, ok := o.confirm(ctx, session, in.AgentID, req); !ok {
		return partial, f.err
	}
	res, err := session.BridgeAndExecute(callCtx, req)
	if err != nil {
		return partial, classifyCallError(err).err
	}
	if !res.Success {
		partial.BridgeTxHash = res.BridgeTxHash
		return partial, classifyResult(res).err
	}
	partial.TxHash = res.ExecuteTxHash
	partial.BridgeTxHash = res.BridgeTxHash
	partial.ExplorerURL = o.explorer(in.TargetChainID, res.ExecuteTxHash)
	return partial, nil
}
