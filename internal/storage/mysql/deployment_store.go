package mysql

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"AgentNexus-Chain/internal/deployment"
	xerrors "AgentNexus-Chain/internal/errors"
)

// DeploymentStore 将部署记录保存在 agent_deployments 表，(agent_id, chain_id) 为主键。
type DeploymentStore struct {
	db *sql.DB
}

var _ deployment.Store = (*DeploymentStore)(nil)

// NewDeploymentStore 打开数据库并执行迁移。
func NewDeploymentStore(ctx context.Context, cfg Config) (*DeploymentStore, error) {
	db, err := Open(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &DeploymentStore{db: db}, nil
}

// NewDeploymentStoreWithDB wraps an already migrated pool. Closing the store
// closes the pool.
func NewDeploymentStoreWithDB(db *sql.DB) *DeploymentStore {
	return &DeploymentStore{db: db}
}

const deploymentColumns = `agent_id, chain_id, deployment_address, status, tx_hash, bridge_tx_hash, bridge_ref,
    last_error, error_code, reconcilable, attempts, reconcile_attempts, status_at, created_at, updated_at`

const upsertDeploymentSQL = `INSERT INTO agent_deployments
    (` + deploymentColumns + `)
    VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
    ON DUPLICATE KEY UPDATE deployment_address = VALUES(deployment_address), status = VALUES(status),
    tx_hash = VALUES(tx_hash), bridge_tx_hash = VALUES(bridge_tx_hash), bridge_ref = VALUES(bridge_ref),
    last_error = VALUES(last_error), error_code = VALUES(error_code), reconcilable = VALUES(reconcilable),
    attempts = VALUES(attempts), reconcile_attempts = VALUES(reconcile_attempts), status_at = VALUES(status_at), updated_at = VALUES(updated_at)`

// Get 查询单条记录，不存在时返回 deployment.ErrNotFound。
func (s *DeploymentStore) Get(ctx context.Context, agentID, chainID uint64) (*deployment.Record, error) {
	query := `SELECT ` + deploymentColumns + ` FROM agent_deployments WHERE agent_id = ? AND chain_id = ?`
	rec, err := scanDeployment(s.db.QueryRowContext(ctx, query, agentID, chainID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, deployment.ErrNotFound
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询部署记录失败")
	}
	return rec, nil
}

// Put 以 upsert 方式写入记录，created_at 只在首次插入时生效。
func (s *DeploymentStore) Put(ctx context.Context, rec *deployment.Record) error {
	if rec == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "record 不能为空")
	}
	reconcilable := 0
	if rec.Reconcilable {
		reconcilable = 1
	}
	_, err := s.db.ExecContext(ctx, upsertDeploymentSQL,
		rec.AgentID, rec.ChainID, rec.DeploymentAddress, string(rec.Status), rec.TxHash, rec.BridgeTxHash, rec.BridgeRef,
		nullableString(rec.LastError), rec.ErrorCode, reconcilable, rec.Attempts, rec.ReconcileAttempts, rec.Timestamp, rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入部署记录失败")
	}
	return nil
}

// ListByAgent 按链 ID 升序返回智能体的全部记录。
func (s *DeploymentStore) ListByAgent(ctx context.Context, agentID uint64) ([]*deployment.Record, error) {
	query := `SELECT ` + deploymentColumns + ` FROM agent_deployments WHERE agent_id = ? ORDER BY chain_id`
	return s.list(ctx, query, agentID)
}

// ListReconcilable 返回等待对账的失败记录，最早更新的在前。
func (s *DeploymentStore) ListReconcilable(ctx context.Context, limit int) ([]*deployment.Record, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + deploymentColumns + ` FROM agent_deployments
    WHERE status = ? AND reconcilable = 1 ORDER BY updated_at, agent_id, chain_id LIMIT ?`
	return s.list(ctx, query, string(deployment.StatusFailed), limit)
}

// Close 释放连接池。
func (s *DeploymentStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *DeploymentStore) list(ctx context.Context, query string, args ...any) ([]*deployment.Record, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询部署记录失败")
	}
	defer rows.Close()

	var out []*deployment.Record
	for rows.Next() {
		rec, err := scanDeployment(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析部署记录失败")
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历部署记录失败")
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDeployment(row rowScanner) (*deployment.Record, error) {
	var (
		rec          deployment.Record
		status       string
		lastError    sql.NullString
		reconcilable int
	)
	if err := row.Scan(&rec.AgentID, &rec.ChainID, &rec.DeploymentAddress, &status, &rec.TxHash, &rec.BridgeTxHash,
		&rec.BridgeRef, &lastError, &rec.ErrorCode, &reconcilable, &rec.Attempts, &rec.ReconcileAttempts, &rec.Timestamp, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return nil, err
	}
	rec.Status = deployment.Status(strings.TrimSpace(status))
	rec.LastError = lastError.String
	rec.Reconcilable = reconcilable == 1
	return &rec, nil
}

func nullableString(v string) any {
	if v == "" {
		return nil
	}
	return v
}
