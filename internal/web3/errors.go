package web3

import (
	xerrors "AgentNexus-Chain/internal/errors"
)

// 链配置与 RPC 可用性相关的错误码。
const (
	CodeUnsupportedChain xerrors.Code = "UNSUPPORTED_CHAIN"
	CodeChainUnavailable xerrors.Code = "CHAIN_UNAVAILABLE"
)

var (
	// ErrUnsupportedChain 表示链不在注册表中，属于调用方或配置错误。
	ErrUnsupportedChain = xerrors.New(CodeUnsupportedChain, "unsupported chain")
	// ErrChainUnavailable 表示链 RPC 暂时不可用。
	ErrChainUnavailable = xerrors.New(CodeChainUnavailable, "chain rpc unavailable")
)

func init() {
	xerrors.Register(CodeUnsupportedChain, xerrors.Attributes{
		Message:  "unsupported chain",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeChainUnavailable, xerrors.Attributes{
		Message:   "chain rpc unavailable",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
	})
}

// UnsupportedChain builds an UNSUPPORTED_CHAIN error naming the chain id.
func UnsupportedChain(chainID uint64) error {
	return xerrors.Newf(CodeUnsupportedChain, "chain %d is not supported", chainID)
}

// ChainResolver answers static chain lookups.
type ChainResolver interface {
	Lookup(chainID uint64) (ChainInfo, error)
	IsSupported(chainID uint64) bool
	Supported() []uint64
}
