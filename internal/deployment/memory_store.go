package deployment

import (
	"context"
	"sort"
	"sync"

	xerrors "AgentNexus-Chain/internal/errors"
)

// MemoryStore 以内存方式保存部署记录，进程退出即丢失。
type MemoryStore struct {
	mu      sync.RWMutex
	records map[Key]*Record
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[Key]*Record)}
}

// Get 返回记录副本。
func (m *MemoryStore) Get(_ context.Context, agentID, chainID uint64) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[Key{AgentID: agentID, ChainID: chainID}]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.clone(), nil
}

// Put 写入或覆盖记录。
func (m *MemoryStore) Put(_ context.Context, record *Record) error {
	if record == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "record 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[record.Key()] = record.clone()
	return nil
}

// ListByAgent 按链 ID 升序返回智能体的全部记录。
func (m *MemoryStore) ListByAgent(_ context.Context, agentID uint64) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Record
	for key, rec := range m.records {
		if key.AgentID == agentID {
			out = append(out, rec.clone())
		}
	}
	sortByChain(out)
	return out, nil
}

// ListReconcilable 返回等待对账的失败记录，按更新时间升序。
func (m *MemoryStore) ListReconcilable(_ context.Context, limit int) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Record
	for _, rec := range m.records {
		if rec.Status == StatusFailed && rec.Reconcilable {
			out = append(out, rec.clone())
		}
	}
	return oldestFirst(out, limit), nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error { return nil }

func sortByChain(records []*Record) {
	sort.Slice(records, func(i, j int) bool { return records[i].ChainID < records[j].ChainID })
}

func oldestFirst(records []*Record, limit int) []*Record {
	sort.Slice(records, func(i, j int) bool {
		if records[i].UpdatedAt == records[j].UpdatedAt {
			if records[i].AgentID == records[j].AgentID {
				return records[i].ChainID < records[j].ChainID
			}
			return records[i].AgentID < records[j].AgentID
		}
		return records[i].UpdatedAt < records[j].UpdatedAt
	})
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return records
}
