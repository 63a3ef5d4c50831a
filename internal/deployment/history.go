package deployment

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"

	xerrors "AgentNexus-Chain/internal/errors"
)

// BatchStatus summarises a multi-chain deployment batch.
type BatchStatus string

// Batch statuses, see SummariseBatch.
const (
	BatchCompleted BatchStatus = "completed"
	BatchPartial   BatchStatus = "partial"
	BatchFailed    BatchStatus = "failed"
)

// SummariseBatch derives the batch status from success and target counts.
func SummariseBatch(successes, targets int) BatchStatus {
	switch {
	case targets > 0 && successes == targets:
		return BatchCompleted
	case successes > 0:
		return BatchPartial
	default:
		return BatchFailed
	}
}

// Batch 是一次跨链部署请求的历史记录，仅供展示，链上注册表才是事实来源。
type Batch struct {
	ID            string            `json:"batchId"`
	AgentID       uint64            `json:"agentId"`
	SourceChainID uint64            `json:"sourceChain"`
	TargetChains  []uint64          `json:"targetChains"`
	Status        BatchStatus       `json:"status"`
	TxHashes      map[uint64]string `json:"txHashes"`
	Errors        map[uint64]string `json:"errors,omitempty"`
	Timestamp     int64             `json:"timestamp"`
}

// HistoryStore 保存批次历史，只追加不修改。
type HistoryStore interface {
	Append(ctx context.Context, batch Batch) error
	List(ctx context.Context, agentID uint64, limit int) ([]Batch, error)
	Close() error
}

const defaultHistoryLimit = 50

// MemoryHistory keeps batches in process memory.
type MemoryHistory struct {
	mu      sync.RWMutex
	batches map[uint64][]Batch
}

var (
	_ HistoryStore = (*MemoryHistory)(nil)
	_ HistoryStore = (*FileHistory)(nil)
)

// NewMemoryHistory 创建内存历史存储。
func NewMemoryHistory() *MemoryHistory {
	return &MemoryHistory{batches: make(map[uint64][]Batch)}
}

// Append 追加一条批次记录。
func (m *MemoryHistory) Append(_ context.Context, batch Batch) error {
	if batch.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "批次 ID 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batches[batch.AgentID] = append(m.batches[batch.AgentID], cloneBatch(batch))
	return nil
}

// List 返回最新的批次在前。
func (m *MemoryHistory) List(_ context.Context, agentID uint64, limit int) ([]Batch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return newestFirst(m.batches[agentID], limit), nil
}

// Close 对内存存储无需操作。
func (m *MemoryHistory) Close() error { return nil }

// FileHistory appends batches to a JSON-lines file and serves reads from
// memory.
type FileHistory struct {
	mem  *MemoryHistory
	mu   sync.Mutex
	file *os.File
}

// OpenFileHistory 打开或创建批次历史文件。
func OpenFileHistory(path string) (*FileHistory, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建数据目录失败")
	}
	mem := NewMemoryHistory()
	if existing, err := os.Open(path); err == nil {
		scanner := bufio.NewScanner(existing)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			if len(scanner.Bytes()) == 0 {
				continue
			}
			var batch Batch
			if err := json.Unmarshal(scanner.Bytes(), &batch); err != nil {
				existing.Close()
				return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "批次历史文件损坏")
			}
			mem.batches[batch.AgentID] = append(mem.batches[batch.AgentID], batch)
		}
		scanErr := scanner.Err()
		existing.Close()
		if scanErr != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, scanErr, "读取批次历史失败")
		}
	} else if !os.IsNotExist(err) {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取批次历史失败")
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "打开批次历史失败")
	}
	return &FileHistory{mem: mem, file: file}, nil
}

// Append 写入文件后再更新内存视图。
func (f *FileHistory) Append(ctx context.Context, batch Batch) error {
	line, err := json.Marshal(batch)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "编码批次记录失败")
	}
	f.mu.Lock()
	if f.file == nil {
		f.mu.Unlock()
		return xerrors.New(xerrors.CodeStorageFailure, "批次历史已关闭")
	}
	_, err = f.file.Write(append(line, '\n'))
	f.mu.Unlock()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入批次历史失败")
	}
	return f.mem.Append(ctx, batch)
}

// List 返回最新的批次在前。
func (f *FileHistory) List(ctx context.Context, agentID uint64, limit int) ([]Batch, error) {
	return f.mem.List(ctx, agentID, limit)
}

// Close 关闭历史文件。
func (f *FileHistory) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.file == nil {
		return nil
	}
	err := f.file.Close()
	f.file = nil
	return err
}

func newestFirst(batches []Batch, limit int) []Batch {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	out := make([]Batch, 0, len(batches))
	for i := len(batches) - 1; i >= 0; i-- {
		out = append(out, cloneBatch(batches[i]))
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp > out[j].Timestamp })
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

func cloneBatch(b Batch) Batch {
	c := b
	c.TargetChains = append([]uint64(nil), b.TargetChains...)
	if b.TxHashes != nil {
		c.TxHashes = make(map[uint64]string, len(b.TxHashes))
		for k, v := range b.TxHashes {
			c.TxHashes[k] = v
		}
	}
	if b.Errors != nil {
		c.Errors = make(map[uint64]string, len(b.Errors))
		for k, v := range b.Errors {
			c.Errors[k] = v
		}
	}
	return c
}
