package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultTemplateIsValid(t *testing.T) {
	cfg, err := FromYAML([]byte(GenerateDefault()))
	if err != nil {
		t.Fatalf("default template: %v", err)
	}
	if cfg.Server.BasePath != "/api" || cfg.Server.RequestTimeout != 15*time.Second {
		t.Fatalf("server defaults = %+v", cfg.Server)
	}
	if cfg.Dispatch.TowingMaxDistance != 100 {
		t.Fatalf("towing cap = %v", cfg.Dispatch.TowingMaxDistance)
	}
	table, err := cfg.AliasTable()
	if err != nil {
		t.Fatalf("aliases: %v", err)
	}
	if table.Canonical("missions_publish") != "requests_publish" {
		t.Fatalf("alias not loaded")
	}
	if _, ok := cfg.RolePermissions()["admin"]; !ok {
		t.Fatalf("admin role missing")
	}
}

func TestEmptyConfigGetsDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte("{}"))
	if err != nil {
		t.Fatalf("empty config: %v", err)
	}
	if cfg.Realtime.SendBuffer != 64 || cfg.Positions.Backend != "memory" {
		t.Fatalf("defaults not applied: %+v %+v", cfg.Realtime, cfg.Positions)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"alias cycle":     "rbac:\n  aliases:\n    version: 1\n    entries:\n      a: b\n      b: a\n",
		"redis no url":    "positions:\n  backend: redis\n",
		"bad backend":     "positions:\n  backend: memcached\n",
		"kafka no topic":  "relay:\n  kafka:\n    brokers: [localhost:9092]\n",
		"webhook no url":  "relay:\n  webhooks:\n    - name: x\n",
		"base path":       "server:\n  base_path: api\n",
		"negative towing": "dispatch:\n  towing_max_distance: -1\n",
		"empty perm":      "rbac:\n  roles:\n    admin:\n      permissions: [\"\"]\n",
	}
	for name, raw := range cases {
		if _, err := FromYAML([]byte(raw)); err == nil {
			t.Errorf("%s: expected validation error", name)
		}
	}
}

func TestIsTowing(t *testing.T) {
	d := Dispatch{TowingMarker: "remorqu"}
	for kind, want := range map[string]bool{
		"remorquage":         true,
		"Remorquage lourd":   true,
		"service_remorquage": true,
		"batterie":           false,
		"":                   false,
	} {
		if d.IsTowing(kind) != want {
			t.Errorf("IsTowing(%q) = %v", kind, !want)
		}
	}
}

func TestLoadOptional(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(dir)
	if err != nil || cfg == nil {
		t.Fatalf("missing file should yield defaults: %v", err)
	}
	if _, err := Load(dir); err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("Load missing err = %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, FileName), []byte("log:\n  level: debug\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err = Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Log.Level != "debug" {
		t.Fatalf("level = %s", cfg.Log.Level)
	}
}
