package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.CheckInterval() != 30*time.Second {
		t.Errorf("CheckInterval = %s", cfg.CheckInterval())
	}
	if cfg.UpdateInterval() != 300*time.Second {
		t.Errorf("UpdateInterval = %s", cfg.UpdateInterval())
	}
	if cfg.AutoUpdate() {
		t.Error("AutoUpdate should default to false")
	}
	if !cfg.Cleanup() {
		t.Error("Cleanup should default to true")
	}
	if cfg.MaxParallelUpdates != 1 {
		t.Errorf("MaxParallelUpdates = %d", cfg.MaxParallelUpdates)
	}
	if cfg.Port != "8080" {
		t.Errorf("Port = %q", cfg.Port)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults failed validation: %v", err)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("CHECK_INTERVAL", "10")
	t.Setenv("UPDATE_INTERVAL", "2m")
	t.Setenv("AUTO_UPDATE", "true")
	t.Setenv("CLEANUP", "false")
	t.Setenv("MAX_PARALLEL_UPDATES", "4")
	t.Setenv("LABEL_FILTER", "env=prod")
	t.Setenv("PORT", "9090")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.CheckInterval() != 10*time.Second {
		t.Errorf("CheckInterval = %s, want 10s", cfg.CheckInterval())
	}
	if cfg.UpdateInterval() != 2*time.Minute {
		t.Errorf("UpdateInterval = %s, want 2m", cfg.UpdateInterval())
	}
	if !cfg.AutoUpdate() {
		t.Error("AutoUpdate not applied")
	}
	if cfg.Cleanup() {
		t.Error("Cleanup not applied")
	}
	if cfg.MaxParallelUpdates != 4 {
		t.Errorf("MaxParallelUpdates = %d", cfg.MaxParallelUpdates)
	}
	if cfg.LabelFilter() != "env=prod" {
		t.Errorf("LabelFilter = %q", cfg.LabelFilter())
	}
	if cfg.Port != "9090" {
		t.Errorf("Port = %q", cfg.Port)
	}
}

func TestLoadInvalidEnv(t *testing.T) {
	t.Setenv("CHECK_INTERVAL", "soon")
	if _, err := Load(); err == nil {
		t.Error("expected error for CHECK_INTERVAL=soon")
	}

	os.Unsetenv("CHECK_INTERVAL")
	t.Setenv("MAX_PARALLEL_UPDATES", "many")
	if _, err := Load(); err == nil {
		t.Error("expected error for MAX_PARALLEL_UPDATES=many")
	}
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.yaml")
	body := "check_interval: 15\nauto_update: true\nlabel_filter: \"team=infra\"\n"
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CONFIG_FILE", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.CheckInterval() != 15*time.Second {
		t.Errorf("CheckInterval = %s", cfg.CheckInterval())
	}
	if !cfg.AutoUpdate() {
		t.Error("auto_update not applied from file")
	}
	if cfg.LabelFilter() != "team=infra" {
		t.Errorf("LabelFilter = %q", cfg.LabelFilter())
	}
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.yaml")
	if err := os.WriteFile(path, []byte("check_interval: 15\n"), 0600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("CHECK_INTERVAL", "45")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.CheckInterval() != 45*time.Second {
		t.Errorf("CheckInterval = %s, want env value 45s", cfg.CheckInterval())
	}
}

func TestValidateBounds(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	cfg.MaxParallelUpdates = 0
	cfg.HistoryLimit = 0
	cfg.LogLevel = "loud"
	err = cfg.Validate()
	if err == nil {
		t.Fatal("expected validation errors")
	}
	for _, want := range []string{"MAX_PARALLEL_UPDATES", "UPDATE_HISTORY_LIMIT", "LOG_LEVEL"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("validation error missing %s: %v", want, err)
		}
	}
}

func TestApplyPartialUpdate(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	interval := 60
	auto := true
	if errs := cfg.Apply(Update{CheckInterval: &interval, AutoUpdate: &auto}); errs != nil {
		t.Fatalf("Apply: %v", errs)
	}
	if cfg.CheckInterval() != time.Minute {
		t.Errorf("CheckInterval = %s", cfg.CheckInterval())
	}
	if !cfg.AutoUpdate() {
		t.Error("AutoUpdate not applied")
	}
	// Untouched fields keep their values.
	if cfg.UpdateInterval() != 300*time.Second {
		t.Errorf("UpdateInterval changed to %s", cfg.UpdateInterval())
	}
}

func TestApplyIsAtomic(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	bad := 0
	auto := true
	filter := "=broken"
	errs := cfg.Apply(Update{CheckInterval: &bad, AutoUpdate: &auto, LabelFilter: &filter})
	if len(errs) != 2 {
		t.Fatalf("got %d field errors, want 2: %v", len(errs), errs)
	}
	if cfg.AutoUpdate() {
		t.Error("valid field applied despite invalid sibling")
	}
	if cfg.CheckInterval() != 30*time.Second {
		t.Errorf("CheckInterval changed to %s", cfg.CheckInterval())
	}
}

func TestViewReportsSeconds(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	v := cfg.View()
	if v.CheckInterval != 30 || v.UpdateInterval != 300 {
		t.Errorf("View intervals = %d/%d, want 30/300", v.CheckInterval, v.UpdateInterval)
	}
}

func TestParseLabelFilter(t *testing.T) {
	pred, err := ParseLabelFilter("env=prod, tier")
	if err != nil {
		t.Fatalf("ParseLabelFilter: %v", err)
	}
	if !pred.Matches(map[string]string{"env": "prod", "tier": "web"}) {
		t.Error("expected match")
	}
	if pred.Matches(map[string]string{"env": "staging", "tier": "web"}) {
		t.Error("value mismatch should not match")
	}
	if pred.Matches(map[string]string{"env": "prod"}) {
		t.Error("missing key should not match")
	}

	if _, err := ParseLabelFilter("=prod"); err == nil {
		t.Error("expected error for empty key")
	}
	if _, err := ParseLabelFilter("a,,b"); err == nil {
		t.Error("expected error for empty term")
	}

	var nilPred LabelPredicate
	if !nilPred.Matches(nil) {
		t.Error("nil predicate must match everything")
	}
}
