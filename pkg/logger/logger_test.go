package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestInitWritesToFileAndNamedAddsComponent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.log")

	if err := Init(Config{Level: "debug", Format: "json", OutputPaths: []string{path}}); err != nil {
		t.Fatalf("init logger: %v", err)
	}
	t.Cleanup(func() { _ = Sync() })

	Named("orchestrator").Info("hello", "agent_id", 7)
	if err := Sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}

	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	line := string(content)
	if !strings.Contains(line, `"component":"orchestrator"`) || !strings.Contains(line, `"agent_id":7`) {
		t.Fatalf("unexpected log line: %s", line)
	}
}

func TestAuditWriterAppliesDefaultsAndRotates(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit", "audit.log")

	writer, err := newAuditWriter(AuditConfig{Path: path, MaxBackups: 2})
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	defer writer.Close()
	if writer.MaxSize != defaultAuditMaxSizeMB || writer.MaxBackups != 2 || writer.MaxAge != defaultAuditMaxAgeDays {
		t.Fatalf("unexpected limits size=%d backups=%d age=%d", writer.MaxSize, writer.MaxBackups, writer.MaxAge)
	}

	if _, err := writer.Write([]byte(`{"msg":"部署对账完成"}` + "\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := writer.Rotate(); err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if _, err := writer.Write([]byte(`{"msg":"chain_operation"}` + "\n")); err != nil {
		t.Fatalf("write after rotate: %v", err)
	}

	backups, _ := filepath.Glob(filepath.Join(dir, "audit", "audit-*.log"))
	if len(backups) != 1 {
		t.Fatalf("expected one backup, got %v", backups)
	}
	content, err := os.ReadFile(path)
	if err != nil || !strings.Contains(string(content), "chain_operation") || strings.Contains(string(content), "部署对账完成") {
		t.Fatalf("active file should only hold post-rotation lines: %q %v", content, err)
	}
}
