package mysql

import (
	"context"
	"database/sql"
	"encoding/json"

	"AgentNexus-Chain/internal/deployment"
	xerrors "AgentNexus-Chain/internal/errors"
)

// HistoryStore 将批次历史保存在 deployment_batches 表。
type HistoryStore struct {
	db *sql.DB
}

var _ deployment.HistoryStore = (*HistoryStore)(nil)

// NewHistoryStore 打开数据库并执行迁移。
func NewHistoryStore(ctx context.Context, cfg Config) (*HistoryStore, error) {
	db, err := Open(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &HistoryStore{db: db}, nil
}

// NewHistoryStoreWithDB shares a pool with a DeploymentStore.
func NewHistoryStoreWithDB(db *sql.DB) *HistoryStore {
	return &HistoryStore{db: db}
}

const insertBatchSQL = `INSERT INTO deployment_batches
    (id, agent_id, source_chain_id, target_chains, status, tx_hashes, errors, created_at)
    VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

const listBatchesSQL = `SELECT id, agent_id, source_chain_id, target_chains, status, tx_hashes, errors, created_at
    FROM deployment_batches WHERE agent_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`

// Append 写入一条批次记录。
func (s *HistoryStore) Append(ctx context.Context, batch deployment.Batch) error {
	if batch.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "批次 ID 不能为空")
	}
	targets, err := json.Marshal(nonNilChains(batch.TargetChains))
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "编码目标链失败")
	}
	hashes, err := json.Marshal(nonNilHashes(batch.TxHashes))
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "编码交易哈希失败")
	}
	var errs any
	if len(batch.Errors) > 0 {
		encoded, err := json.Marshal(batch.Errors)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "编码错误信息失败")
		}
		errs = string(encoded)
	}

	if _, err := s.db.ExecContext(ctx, insertBatchSQL, batch.ID, batch.AgentID, batch.SourceChainID,
		string(targets), string(batch.Status), string(hashes), errs, batch.Timestamp); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入批次历史失败")
	}
	return nil
}

// List 返回最新的批次在前，limit 缺省为 50。
func (s *HistoryStore) List(ctx context.Context, agentID uint64, limit int) ([]deployment.Batch, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, listBatchesSQL, agentID, limit)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询批次历史失败")
	}
	defer rows.Close()

	var out []deployment.Batch
	for rows.Next() {
		var (
			batch   deployment.Batch
			status  string
			targets []byte
			hashes  []byte
			errs    []byte
		)
		if err := rows.Scan(&batch.ID, &batch.AgentID, &batch.SourceChainID, &targets, &status, &hashes, &errs, &batch.Timestamp); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析批次历史失败")
		}
		batch.Status = deployment.BatchStatus(status)
		if err := json.Unmarshal(targets, &batch.TargetChains); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析目标链失败")
		}
		if err := json.Unmarshal(hashes, &batch.TxHashes); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析交易哈希失败")
		}
		if len(errs) > 0 {
			if err := json.Unmarshal(errs, &batch.Errors); err != nil {
				return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析错误信息失败")
			}
		}
		out = append(out, batch)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历批次历史失败")
	}
	return out, nil
}

// Close 释放连接池。
func (s *HistoryStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func nonNilChains(chains []uint64) []uint64 {
	if chains == nil {
		return []uint64{}
	}
	return chains
}

func nonNilHashes(hashes map[uint64]string) map[uint64]string {
	if hashes == nil {
		return map[uint64]string{}
	}
	return hashes
}
