package mysql

import (
	"context"
	"database/sql/driver"
	"errors"
	"testing"
	"testing/fstest"

	"AgentNexus-Chain/internal/deployment"
)

var recordColumns = []string{
	"agent_id", "chain_id", "deployment_address", "status", "tx_hash", "bridge_tx_hash", "bridge_ref",
	"last_error", "error_code", "reconcilable", "attempts", "reconcile_attempts", "status_at", "created_at", "updated_at",
}

func TestDeploymentStoreGet(t *testing.T) {
	query := `SELECT ` + deploymentColumns + ` FROM agent_deployments WHERE agent_id = ? AND chain_id = ?`
	db, drv := newScriptDB(t,
		expectQuery(query, recordColumns,
			[]driver.Value{int64(7), int64(421614), "", "failed", "", "0xbridge", "ref-7", "bridge timed out", "BRIDGE_TIMEOUT", int64(1), int64(2), int64(3), int64(50), int64(10), int64(50)}),
		expectQuery(query, recordColumns),
	)
	store := NewDeploymentStoreWithDB(db)
	ctx := context.Background()

	rec, err := store.Get(ctx, 7, 421614)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.Status != deployment.StatusFailed || !rec.Reconcilable || rec.BridgeRef != "ref-7" || rec.LastError != "bridge timed out" {
		t.Fatalf("unexpected record %+v", rec)
	}
	if rec.Attempts != 2 || rec.ReconcileAttempts != 3 || rec.Timestamp != 50 {
		t.Fatalf("unexpected bookkeeping %+v", rec)
	}

	if _, err := store.Get(ctx, 7, 84532); !errors.Is(err, deployment.ErrNotFound) {
		t.Fatalf("missing row should map to not found, got %v", err)
	}
	drv.done(t)
}

func TestDeploymentStorePutUpserts(t *testing.T) {
	db, drv := newScriptDB(t, expectExec(upsertDeploymentSQL))
	store := NewDeploymentStoreWithDB(db)

	rec := &deployment.Record{AgentID: 3, ChainID: 84532, Status: deployment.StatusCompleted, TxHash: "0xabc", Attempts: 1, Timestamp: 9, CreatedAt: 1, UpdatedAt: 9}
	if err := store.Put(context.Background(), rec); err != nil {
		t.Fatalf("put: %v", err)
	}
	args := drv.lastArgs()
	if len(args) != 15 {
		t.Fatalf("expected 15 args, got %d", len(args))
	}
	if args[3].Value != "completed" || args[7].Value != nil || args[9].Value != int64(0) {
		t.Fatalf("unexpected args %+v", args)
	}
	drv.done(t)
}

func TestDeploymentStoreListReconcilable(t *testing.T) {
	db, drv := newScriptDB(t,
		expectQuery(`SELECT `+deploymentColumns+` FROM agent_deployments
    WHERE status = ? AND reconcilable = 1 ORDER BY updated_at, agent_id, chain_id LIMIT ?`, recordColumns,
			[]driver.Value{int64(1), int64(84532), "", "failed", "", "", "ref-a", nil, "BRIDGE_TIMEOUT", int64(1), int64(1), int64(0), int64(5), int64(5), int64(5)},
			[]driver.Value{int64(2), int64(84532), "", "failed", "", "", "ref-b", nil, "BRIDGE_TIMEOUT", int64(1), int64(1), int64(0), int64(6), int64(6), int64(6)}),
	)
	store := NewDeploymentStoreWithDB(db)

	records, err := store.ListReconcilable(context.Background(), 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(records) != 2 || records[0].AgentID != 1 || records[1].BridgeRef != "ref-b" {
		t.Fatalf("unexpected records %+v", records)
	}
	if args := drv.lastArgs(); args[0].Value != "failed" || args[1].Value != int64(100) {
		t.Fatalf("unexpected args %+v", args)
	}
	drv.done(t)
}

func TestHistoryStoreRoundTrip(t *testing.T) {
	db, drv := newScriptDB(t,
		expectExec(insertBatchSQL),
		expectQuery(listBatchesSQL,
			[]string{"id", "agent_id", "source_chain_id", "target_chains", "status", "tx_hashes", "errors", "created_at"},
			[]driver.Value{"b-1", int64(4), int64(84532), []byte(`[421614,11155420]`), "partial", []byte(`{"421614":"0x1"}`), []byte(`{"11155420":"bridge timed out"}`), int64(100)}),
	)
	store := NewHistoryStoreWithDB(db)
	ctx := context.Background()

	batch := deployment.Batch{ID: "b-1", AgentID: 4, SourceChainID: 84532, TargetChains: []uint64{421614, 11155420},
		Status: deployment.BatchPartial, TxHashes: map[uint64]string{421614: "0x1"}, Timestamp: 100}
	if err := store.Append(ctx, batch); err != nil {
		t.Fatalf("append: %v", err)
	}
	if args := drv.lastArgs(); args[3].Value != "[421614,11155420]" || args[6].Value != nil {
		t.Fatalf("unexpected insert args %+v", args)
	}

	batches, err := store.List(ctx, 4, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(batches) != 1 {
		t.Fatalf("expected one batch, got %d", len(batches))
	}
	got := batches[0]
	if got.TxHashes[421614] != "0x1" || got.Errors[11155420] != "bridge timed out" || len(got.TargetChains) != 2 {
		t.Fatalf("unexpected batch %+v", got)
	}
	drv.done(t)
}

func TestRunMigrationsAppliesPendingFiles(t *testing.T) {
	original := embeddedMigrations
	embeddedMigrations = fstest.MapFS{
		"0001_first.sql":  {Data: []byte("CREATE TABLE a (id INT);")},
		"0002_second.sql": {Data: []byte("CREATE TABLE b (id INT); CREATE INDEX idx_b ON b (id);")},
		"README.md":       {Data: []byte("ignored")},
	}
	t.Cleanup(func() { embeddedMigrations = original })

	db, drv := newScriptDB(t,
		expectExec(createSchemaMigrationsSQL),
		expectQuery(`SELECT version FROM schema_migrations`, []string{"version"}, []driver.Value{"0001"}),
		expectBegin(),
		expectExec(`CREATE TABLE b (id INT)`),
		expectExec(`CREATE INDEX idx_b ON b (id)`),
		expectExec(`INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`),
		expectCommit(),
	)
	if err := runMigrations(context.Background(), db); err != nil {
		t.Fatalf("run migrations: %v", err)
	}
	drv.done(t)
}

func TestEmbeddedMigrationsAreVersioned(t *testing.T) {
	files, err := loadMigrations(embeddedMigrations)
	if err != nil {
		t.Fatalf("load migrations: %v", err)
	}
	if len(files) < 3 || files[0].version != "0001" || files[1].version != "0002" || files[2].version != "0003" {
		t.Fatalf("unexpected migrations %+v", files)
	}
}
