package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "agentnexus.json", `{"chains":{"definitions_path":"chains.yaml"}}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Address != ":8080" || cfg.Bridge.Driver != "memory" || cfg.Deployment.Store != "memory" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.Reconcile.MaxAttempts != 10 || cfg.Reconcile.RetryDelay.Std() != 30*time.Second {
		t.Fatalf("unexpected reconcile defaults: %+v", cfg.Reconcile)
	}
	if cfg.Chains.DefinitionsPath != filepath.Join(dir, "chains.yaml") {
		t.Fatalf("relative chain path not resolved: %s", cfg.Chains.DefinitionsPath)
	}
	if cfg.Runtime.DataDir != filepath.Join(dir, "data") {
		t.Fatalf("unexpected data dir: %s", cfg.Runtime.DataDir)
	}
	if cfg.Orchestrator.ReceiptTimeout != cfg.Chains.ReceiptTimeout {
		t.Fatalf("receipt timeout should follow chains section")
	}
}

func TestLoadParsesDurationsAndDecimals(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "agentnexus.json", `{
		"orchestrator": {"timeout": "90s", "chain_delay": "0s", "approval": {"max_amount": "250.5"}},
		"deployment": {"registration_fee": "5.00", "stale_after": "15m"}
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Orchestrator.Timeout.Std() != 90*time.Second {
		t.Fatalf("timeout: %v", cfg.Orchestrator.Timeout.Std())
	}
	if cfg.Deployment.RegistrationFee.String() != "5" || cfg.Orchestrator.Approval.MaxAmount.String() != "250.5" {
		t.Fatalf("unexpected decimals: %s %s", cfg.Deployment.RegistrationFee, cfg.Orchestrator.Approval.MaxAmount)
	}
	if cfg.Deployment.StaleAfter.Std() != 15*time.Minute {
		t.Fatalf("stale after: %v", cfg.Deployment.StaleAfter.Std())
	}
}

func TestSecretsResolvedFromDotEnv(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("AGENTNEXUS_TEST_JWT", "")
	os.Unsetenv("AGENTNEXUS_TEST_JWT")
	writeFile(t, dir, ".env", "AGENTNEXUS_TEST_JWT=from-dotenv\n")
	path := writeFile(t, dir, "agentnexus.json", `{"auth":{"mode":"jwt","jwt":{"secret_env":"AGENTNEXUS_TEST_JWT"}}}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Auth.JWT.Secret != "from-dotenv" {
		t.Fatalf("secret not resolved: %q", cfg.Auth.JWT.Secret)
	}
}

func TestValidateRejectsIncompleteDrivers(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "agentnexus.json", `{
		"bridge": {"driver": "nexus"},
		"deployment": {"store": "mysql"},
		"reconcile": {"queue": "kafka"}
	}`)

	_, err := Load(path)
	if err == nil {
		t.Fatalf("expected validation error")
	}
	for _, want := range []string{"bridge.base_url", "deployment.dsn", "reconcile.queue"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error %q should mention %s", err, want)
		}
	}
}

func TestPathPrefersEnvironment(t *testing.T) {
	t.Setenv(EnvConfigPath, "/etc/agentnexus.json")
	if Path() != "/etc/agentnexus.json" {
		t.Fatalf("unexpected path %s", Path())
	}
	t.Setenv(EnvConfigPath, "")
	if Path() != DefaultPath {
		t.Fatalf("unexpected default path %s", Path())
	}
}
