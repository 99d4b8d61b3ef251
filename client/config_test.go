package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestParseJSONConfigSuccessClient(t *testing.T) {
	path := writeTempClientConfig(t, `{"server-ip":"2.2.2.2:4000","user":"a@b.c","key":"secret","tcp":true,"width":1280,"height":720}`)

	var cfg Config
	if err := parseJSONConfig(&cfg, path); err != nil {
		t.Fatalf("parseJSONConfig returned error: %v", err)
	}

	if cfg.ServerIP != "2.2.2.2:4000" || cfg.User != "a@b.c" {
		t.Fatalf("unexpected addresses: %+v", &cfg)
	}

	if cfg.Key != "secret" || !cfg.TCP || cfg.Width != 1280 || cfg.Height != 720 {
		t.Fatalf("unexpected field values: %+v", &cfg)
	}
}

func TestParseJSONConfigMissingFileClient(t *testing.T) {
	var cfg Config
	missing := filepath.Join(t.TempDir(), "missing.json")
	if err := parseJSONConfig(&cfg, missing); err == nil {
		t.Fatalf("parseJSONConfig expected error for missing file")
	}
}

func TestValidateRejectsMissingServer(t *testing.T) {
	cfg := Config{Width: 1920, Height: 1080, DPI: 192}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for missing server-ip")
	}
	cfg.ServerIP = "host:4000"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cfg.DPI = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for zero dpi")
	}
}

func TestDynamicArguments(t *testing.T) {
	cfg := Config{Name: "before"}
	input := strings.NewReader("name?after\nuser?me@example.com\nbogus line\nunknown?x\n")
	readDynamicArguments(&cfg, input)

	if cfg.Name != "after" || cfg.User != "me@example.com" {
		t.Fatalf("dynamic arguments not applied: %+v", &cfg)
	}
}

func TestDynamicUploadRoutesToHandler(t *testing.T) {
	var cfg Config
	got := make(chan string, 1)
	cfg.SetUploadHandler(func(path string) { got <- path })

	readDynamicArguments(&cfg, strings.NewReader("upload?/tmp/report.txt\n"))

	select {
	case p := <-got:
		if p != "/tmp/report.txt" {
			t.Fatalf("wrong upload path: %q", p)
		}
	case <-time.After(time.Second):
		t.Fatal("upload handler never invoked")
	}
}

func writeTempClientConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write temp config: %v", err)
	}
	return path
}
