package orchestrator

import (
	"context"

	"github.com/shopspring/decimal"
)

// Decision is the answer of an approval hook.
type Decision struct {
	Approved bool
	Reason   string
}

// ApprovalDetails describes a token allowance the bridge needs before moving
// funds.
type ApprovalDetails struct {
	AgentID   uint64
	ChainID   uint64
	Token     string
	Amount    decimal.Decimal
	Allowance decimal.Decimal
}

// IntentDetails describes the bridge intent awaiting confirmation.
type IntentDetails struct {
	AgentID       uint64
	TargetChainID uint64
	Token         string
	Amount        decimal.Decimal
	Fee           decimal.Decimal
	SourceChains  []uint64
}

// Approver answers the wallet prompts of the bridge flow. Implementations
// must be safe for sequential reuse across chains of one batch.
type Approver interface {
	OnApprovalRequired(ctx context.Context, details ApprovalDetails) (Decision, error)
	OnIntentConfirmationRequired(ctx context.Context, details IntentDetails) (Decision, error)
}

// AutoApprover approves everything up to MaxAmount. A zero MaxAmount means
// no limit.
type AutoApprover struct {
	MaxAmount decimal.Decimal
}

// OnApprovalRequired 自动批准额度不超过上限的授权。
func (a AutoApprover) OnApprovalRequired(_ context.Context, details ApprovalDetails) (Decision, error) {
	return a.decide(details.Amount), nil
}

// OnIntentConfirmationRequired 自动确认金额加手续费不超过上限的意图。
func (a AutoApprover) OnIntentConfirmationRequired(_ context.Context, details IntentDetails) (Decision, error) {
	return a.decide(details.Amount.Add(details.Fee)), nil
}

func (a AutoApprover) decide(amount decimal.Decimal) Decision {
	if a.MaxAmount.IsPositive() && amount.GreaterThan(a.MaxAmount) {
		return Decision{Reason: "amount " + amount.String() + " exceeds auto-approval limit " + a.MaxAmount.String()}
	}
	return Decision{Approved: true}
}
