package orchestrator

import (
	"context"
	stdErrors "errors"
	"fmt"

	"AgentNexus-Chain/internal/bridge"
	xerrors "AgentNexus-Chain/internal/errors"
)

// 编排阶段的错误码，由 classify 系列函数从 SDK 与 RPC 错误映射而来。
const (
	CodeBridgeTimeout   xerrors.Code = "BRIDGE_TIMEOUT"
	CodeWalletRejected  xerrors.Code = "WALLET_REJECTED"
	CodeBridgeFailed    xerrors.Code = "BRIDGE_FAILED"
	CodeExecutionFailed xerrors.Code = "EXECUTION_FAILED"
)

var (
	// ErrBridgeTimeout 表示在超时时间内未拿到桥接结果，资金可能仍在途中。
	ErrBridgeTimeout = xerrors.New(CodeBridgeTimeout, "bridge timed out")
	// ErrWalletRejected 表示用户拒绝签名或审批。
	ErrWalletRejected = xerrors.New(CodeWalletRejected, "wallet rejected the request")
	// ErrBridgeFailed 表示桥接 SDK 明确返回失败。
	ErrBridgeFailed = xerrors.New(CodeBridgeFailed, "bridge failed")
	// ErrExecutionFailed 表示直接合约调用失败。
	ErrExecutionFailed = xerrors.New(CodeExecutionFailed, "contract execution failed")
)

func init() {
	xerrors.Register(CodeBridgeTimeout, xerrors.Attributes{
		Message:   "bridge timed out",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
	})
	xerrors.Register(CodeWalletRejected, xerrors.Attributes{
		Message:  "wallet rejected the request",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeBridgeFailed, xerrors.Attributes{
		Message:  "bridge failed",
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeExecutionFailed, xerrors.Attributes{
		Message:  "contract execution failed",
		Severity: xerrors.SeverityWarning,
	})
}

// failure is a classified per-chain error. Reconcilable failures may still
// settle on chain after we stop waiting.
type failure struct {
	err          error
	reconcilable bool
}

// classifyCallError maps an error returned by BridgeAndExecute. Context
// expiry and transport errors leave the transfer state unknown.
func classifyCallError(err error) failure {
	switch {
	case stdErrors.Is(err, context.DeadlineExceeded), stdErrors.Is(err, context.Canceled):
		return failure{err: xerrors.Wrap(CodeBridgeTimeout, err, "no bridge result before deadline"), reconcilable: true}
	case xerrors.HasCode(err, bridge.CodeBridgeUnavailable):
		return failure{err: xerrors.Wrap(CodeBridgeFailed, err, "bridge sdk call failed"), reconcilable: true}
	default:
		return failure{err: xerrors.Wrap(CodeBridgeFailed, err, "bridge sdk call failed")}
	}
}

// classifyResult maps an unsuccessful SDK result.
func classifyResult(res bridge.ExecuteResult) failure {
	msg := res.Error
	if msg == "" {
		msg = "bridge reported failure"
	}
	detail := fmt.Sprintf("%s (%s)", msg, res.ErrorCode)
	switch res.ErrorCode {
	case bridge.SDKCodeUserRejected:
		return failure{err: xerrors.New(CodeWalletRejected, detail)}
	case bridge.SDKCodeTimeout:
		return failure{err: xerrors.New(CodeBridgeTimeout, detail), reconcilable: true}
	default:
		return failure{err: xerrors.New(CodeBridgeFailed, detail)}
	}
}

// classifyDirectError maps a DirectCaller error. A timed out direct call may
// still be mined.
func classifyDirectError(err error) failure {
	if stdErrors.Is(err, context.DeadlineExceeded) || stdErrors.Is(err, context.Canceled) {
		return failure{err: xerrors.Wrap(xerrors.CodeTimeout, err, "no receipt before deadline"), reconcilable: true}
	}
	if _, ok := xerrors.From(err); ok {
		return failure{err: err}
	}
	return failure{err: xerrors.Wrap(CodeExecutionFailed, err, "direct call failed")}
}
