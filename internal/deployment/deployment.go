package deployment

import (
	"context"
	"fmt"

	xerrors "AgentNexus-Chain/internal/errors"
)

// Status 表示某个智能体在某条链上的部署状态。
type Status string

// 状态只能向前推进（见 CanTransition），failed 记录经 RecordAttempt 重新开始。
const (
	StatusPending   Status = "pending"
	StatusBridging  Status = "bridging"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

func (s Status) rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusBridging:
		return 1
	case StatusCompleted, StatusFailed:
		return 2
	default:
		return -1
	}
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool { return s.rank() >= 0 }

// Terminal reports whether s is completed or failed.
func (s Status) Terminal() bool { return s.rank() == 2 }

// CanTransition 判断状态是否严格前进：pending → bridging → {completed, failed}，
// 允许跳过中间状态，但不允许回退或在终态之间切换。
func CanTransition(from, to Status) bool {
	if !from.Valid() || !to.Valid() {
		return false
	}
	return to.rank() > from.rank()
}

// Record 是 (agentId, chainId) 维度唯一的部署记录。
type Record struct {
	AgentID           uint64 `json:"agentId"`
	ChainID           uint64 `json:"chainId"`
	DeploymentAddress string `json:"deploymentAddress,omitempty"`
	Status            Status `json:"status"`
	TxHash            string `json:"txHash,omitempty"`
	BridgeTxHash      string `json:"bridgeTxHash,omitempty"`
	// BridgeRef 是提交给桥接 SDK 的客户端引用，用于异步对账。
	BridgeRef    string `json:"bridgeRef,omitempty"`
	LastError    string `json:"lastError,omitempty"`
	ErrorCode    string `json:"errorCode,omitempty"`
	Reconcilable bool   `json:"reconcilable"`
	Attempts     int    `json:"attempts"`
	// ReconcileAttempts 统计当前失败记录已完成的对账检查次数，新的部署尝试会清零。
	ReconcileAttempts int `json:"reconcileAttempts"`
	// Timestamp 为最近一次状态变化的 Unix 秒。
	Timestamp int64 `json:"timestamp"`
	CreatedAt int64 `json:"createdAt"`
	UpdatedAt int64 `json:"updatedAt"`
}

// Key identifies a record.
type Key struct {
	AgentID uint64
	ChainID uint64
}

// Key returns the record's composite key.
func (r *Record) Key() Key { return Key{AgentID: r.AgentID, ChainID: r.ChainID} }

func (k Key) String() string { return fmt.Sprintf("%d:%d", k.AgentID, k.ChainID) }

func (r *Record) clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	return &c
}

// Store 抽象部署记录的持久化，不包含状态机逻辑。
type Store interface {
	Get(ctx context.Context, agentID, chainID uint64) (*Record, error)
	Put(ctx context.Context, record *Record) error
	ListByAgent(ctx context.Context, agentID uint64) ([]*Record, error)
	ListReconcilable(ctx context.Context, limit int) ([]*Record, error)
	Close() error
}

// Tracker error codes. INVALID_TRANSITION is an orchestration defect and
// is registered as internal.
const (
	CodeAlreadyDeployed      xerrors.Code = "ALREADY_DEPLOYED"
	CodeInvalidTransition    xerrors.Code = "INVALID_TRANSITION"
	CodeDeploymentInProgress xerrors.Code = "DEPLOYMENT_IN_PROGRESS"
	CodeDeploymentNotFound   xerrors.Code = "DEPLOYMENT_NOT_FOUND"
)

var (
	// ErrAlreadyDeployed 表示该链已完成部署，批处理层面视为成功跳过。
	ErrAlreadyDeployed = xerrors.New(CodeAlreadyDeployed, "agent already deployed on chain")
	// ErrInvalidTransition 表示状态回退或非法跳转，属于编排缺陷。
	ErrInvalidTransition = xerrors.New(CodeInvalidTransition, "invalid deployment status transition")
	// ErrInProgress 表示同一 (agent, chain) 已有进行中的尝试。
	ErrInProgress = xerrors.New(CodeDeploymentInProgress, "deployment already in progress")
	// ErrNotFound 表示部署记录不存在。
	ErrNotFound = xerrors.New(CodeDeploymentNotFound, "deployment not found")
)

func init() {
	xerrors.Register(CodeAlreadyDeployed, xerrors.Attributes{
		Message:  "agent already deployed on chain",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeInvalidTransition, xerrors.Attributes{
		Message:  "invalid deployment status transition",
		Severity: xerrors.SeverityCritical,
		Alert:    true,
		Internal: true,
	})
	xerrors.Register(CodeDeploymentInProgress, xerrors.Attributes{
		Message:   "deployment already in progress",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
	})
	xerrors.Register(CodeDeploymentNotFound, xerrors.Attributes{
		Message:  "deployment not found",
		Severity: xerrors.SeverityInfo,
	})
}
