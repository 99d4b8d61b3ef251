package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestParseJSONConfigSuccessServer(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	content := `{"listen":":28800","key":"secret","fps":30,"video-fec-ratio":0.2,"framesize":10000}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write temp config: %v", err)
	}

	var cfg Config
	if err := parseJSONConfig(&cfg, path); err != nil {
		t.Fatalf("parseJSONConfig returned error: %v", err)
	}
	if cfg.Listen != ":28800" || cfg.Key != "secret" || cfg.FPS != 30 {
		t.Fatalf("unexpected field values: %+v", cfg)
	}
	if cfg.VideoFECRatio != 0.2 || cfg.FrameSize != 10000 {
		t.Fatalf("unexpected field values: %+v", cfg)
	}
}

func TestParseJSONConfigMissingFileServer(t *testing.T) {
	var cfg Config
	missing := filepath.Join(t.TempDir(), "missing.json")
	if err := parseJSONConfig(&cfg, missing); err == nil {
		t.Fatalf("parseJSONConfig expected error for missing file")
	}
}
