package reconcile

import (
	"context"
	"encoding/json"
	"time"

	xerrors "AgentNexus-Chain/internal/errors"
)

// Job 是一条对账任务，序列化为 JSON 后投递到队列。
type Job struct {
	AgentID    uint64    `json:"agentId"`
	ChainID    uint64    `json:"chainId"`
	Attempt    int       `json:"attempt"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
}

func (j Job) encode() ([]byte, error) {
	payload, err := json.Marshal(j)
	if err != nil {
		return nil, xerrors.Wrap(CodeReconcileQueue, err, "编码对账任务失败")
	}
	return payload, nil
}

func decodeJob(payload []byte) (Job, error) {
	var job Job
	if err := json.Unmarshal(payload, &job); err != nil {
		return Job{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "对账任务格式错误")
	}
	if job.AgentID == 0 || job.ChainID == 0 {
		return Job{}, xerrors.New(xerrors.CodeInvalidArgument, "对账任务缺少 agentId 或 chainId")
	}
	return job, nil
}

// Handler 处理来自消息队列的一条消息。
type Handler func(ctx context.Context, payload []byte) error

// Producer 负责向队列投递消息。
type Producer interface {
	Publish(ctx context.Context, payload []byte) error
	Close() error
}

// Consumer 负责从队列中消费消息。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue 同时具备生产者与消费者能力。
type Queue interface {
	Producer
	Consumer
}

// Enqueuer publishes first-attempt jobs; the orchestrator uses it for
// failures whose transfer may still land.
type Enqueuer struct {
	producer Producer
	now      func() time.Time
}

// NewEnqueuer 创建对账任务投递器。
func NewEnqueuer(producer Producer) *Enqueuer {
	return &Enqueuer{producer: producer, now: time.Now}
}

// Enqueue 投递 (agent, chain) 的首次对账任务。
func (e *Enqueuer) Enqueue(ctx context.Context, agentID, chainID uint64) error {
	return publish(ctx, e.producer, Job{AgentID: agentID, ChainID: chainID, Attempt: 1, EnqueuedAt: e.now().UTC()})
}

func publish(ctx context.Context, producer Producer, job Job) error {
	if producer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置对账队列")
	}
	payload, err := job.encode()
	if err != nil {
		return err
	}
	if err := producer.Publish(ctx, payload); err != nil {
		return xerrors.Wrap(CodeReconcileQueue, err, "投递对账任务失败")
	}
	return nil
}
