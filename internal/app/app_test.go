package app

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"chanrelay/internal/config"
	"chanrelay/internal/routing"
)

func baseConfig() *config.Config {
	cfg := &config.Config{Telegram: config.TelegramConfig{Token: "123:abc", DefaultAdmin: 1}}
	cfg.ApplyDefaults()
	return cfg
}

func TestMapStorageConfig(t *testing.T) {
	t.Parallel()

	cfg := baseConfig()
	sc, err := mapStorageConfig(cfg)
	if err != nil || sc.Driver != "file" || sc.Path != "." {
		t.Fatalf("sc=%+v err=%v", sc, err)
	}

	cfg.Storage = config.StorageConfig{Driver: "SQLite3", Path: "/tmp/x.db", BusyTimeout: "3s"}
	sc, err = mapStorageConfig(cfg)
	if err != nil || sc.Driver != "sqlite" || sc.BusyTimeout != 3*time.Second {
		t.Fatalf("sc=%+v err=%v", sc, err)
	}

	cfg.Storage = config.StorageConfig{Driver: "sqlite"}
	if _, err := mapStorageConfig(cfg); err == nil {
		t.Fatal("sqlite without path accepted")
	}
	cfg.Storage = config.StorageConfig{Driver: "redis", Path: "x"}
	if _, err := mapStorageConfig(cfg); err == nil {
		t.Fatal("unknown driver accepted")
	}
}

func TestMapNotifierConfig(t *testing.T) {
	t.Parallel()

	cfg := baseConfig()
	nc, err := mapNotifierConfig(cfg)
	if err != nil || !nc.Enabled || nc.DedupWindow != 30*time.Second {
		t.Fatalf("nc=%+v err=%v", nc, err)
	}

	cfg.Notifier = &config.NotifierConfig{Enabled: true, RetryBase: "250ms", DedupWindow: "1m"}
	nc, err = mapNotifierConfig(cfg)
	if err != nil || nc.RetryBase != 250*time.Millisecond || nc.DedupWindow != time.Minute {
		t.Fatalf("nc=%+v err=%v", nc, err)
	}

	cfg.Notifier = &config.NotifierConfig{Workers: -1}
	if _, err := mapNotifierConfig(cfg); err == nil {
		t.Fatal("negative workers accepted")
	}
}

func TestMapMaintenanceConfig(t *testing.T) {
	t.Parallel()

	cfg := baseConfig()
	cfg.Maintenance.Enabled = true
	mc, err := mapMaintenanceConfig(cfg)
	if err != nil || mc.MediaMaxAge != config.DefaultMediaMaxAge || mc.MediaSweep != config.DefaultMediaSweep || mc.Snapshot != config.DefaultSnapshot {
		t.Fatalf("mc=%+v err=%v", mc, err)
	}

	cfg.Maintenance.Timezone = "Nowhere/Land"
	if _, err := mapMaintenanceConfig(cfg); err == nil {
		t.Fatal("bad timezone accepted")
	}
}

func TestValidateRejectsMissingToken(t *testing.T) {
	t.Parallel()

	cfg := baseConfig()
	if err := validate(cfg, RoleForward); err != nil {
		t.Fatal(err)
	}
	cfg.Telegram.Token = ""
	if err := validate(cfg, RoleRelay); err == nil {
		t.Fatal("missing token accepted")
	}
}

func TestValidateForwardNeedsDefaultAdmin(t *testing.T) {
	t.Parallel()

	cfg := baseConfig()
	cfg.Telegram.DefaultAdmin = 0
	if err := validate(cfg, RoleForward); err == nil {
		t.Fatal("forward role accepted without telegram.default_admin")
	}
	if err := validate(cfg, RoleRelay); err != nil {
		t.Fatalf("relay role: %v", err)
	}
}

func writeSettings(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "settings.json")
	body := `{
		"telegram": {"token": "123:abc", "default_admin": 7},
		"forward": {"secret": "a"},
		"relay": {"secret": "a"},
		"storage": {"driver": "file", "path": "` + filepath.ToSlash(dir) + `"}
	}`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestCheckMissingDocument(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	var out bytes.Buffer
	if err := Check(context.Background(), writeSettings(t, dir), &out); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "missing") {
		t.Fatalf("output:\n%s", out.String())
	}
	if _, err := os.Stat(filepath.Join(dir, "config.json")); !os.IsNotExist(err) {
		t.Fatal("check wrote the routing document")
	}
}

func TestCheckRoutingDocument(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	settings := writeSettings(t, dir)
	doc := `{"source_channels":[{"id":-1001,"username":"news"}],"destination_channels":[],"admin_ids":[7],"show_source":false}`
	if err := os.WriteFile(filepath.Join(dir, "config.json"), []byte(doc), 0o600); err != nil {
		t.Fatal(err)
	}
	var out bytes.Buffer
	if err := Check(context.Background(), settings, &out); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "@news") || strings.Contains(out.String(), "warning") {
		t.Fatalf("output:\n%s", out.String())
	}

	if err := os.WriteFile(filepath.Join(dir, "config.json"), []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := Check(context.Background(), settings, &out); !errors.Is(err, routing.ErrConfigCorrupt) {
		t.Fatalf("err = %v", err)
	}
}
