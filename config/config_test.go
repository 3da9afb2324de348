package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("POSTGRES_DSN", "postgres://localhost/test")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.BackendTimeout != 60*time.Second {
		t.Errorf("Expected 60s backend timeout, got %v", cfg.BackendTimeout)
	}
	if cfg.StoreDriver != "postgres" {
		t.Errorf("Expected postgres driver, got %s", cfg.StoreDriver)
	}
	if len(cfg.BillablePaths) != 3 {
		t.Errorf("Expected 3 billable paths, got %v", cfg.BillablePaths)
	}
	if cfg.DefaultRateLimitTPM != 100000 {
		t.Errorf("Expected TPM 100000, got %d", cfg.DefaultRateLimitTPM)
	}
	if cfg.Port != "8000" || cfg.BackendURL != "http://127.0.0.1:8080" {
		t.Errorf("Expected gateway on 8000 and backend on 8080, got %s and %s", cfg.Port, cfg.BackendURL)
	}
	if cfg.MaxBodyBytes != 1<<20 {
		t.Errorf("Expected 1 MiB body cap, got %d", cfg.MaxBodyBytes)
	}
}

func TestLoad_BackendPointingAtGateway(t *testing.T) {
	tests := []struct {
		port    string
		backend string
		wantErr bool
	}{
		{"8080", "http://127.0.0.1:8080", true},
		{"8080", "http://localhost:8080/", true},
		{"80", "http://localhost", true},
		{"8000", "http://127.0.0.1:8080", false},
		{"8080", "http://vllm.internal:8080", false},
	}
	for _, tt := range tests {
		t.Run(tt.port+" "+tt.backend, func(t *testing.T) {
			t.Setenv("POSTGRES_DSN", "postgres://localhost/test")
			t.Setenv("PORT", tt.port)
			t.Setenv("BACKEND_URL", tt.backend)
			_, err := Load()
			if (err != nil) != tt.wantErr {
				t.Errorf("Expected error %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestLoad_MissingDSN(t *testing.T) {
	t.Setenv("STORE_DRIVER", "postgres")
	t.Setenv("POSTGRES_DSN", "")

	if _, err := Load(); err == nil {
		t.Error("Expected error when POSTGRES_DSN is empty")
	}
}

func TestLoad_SQLiteNeedsNoDSN(t *testing.T) {
	t.Setenv("STORE_DRIVER", "sqlite")
	t.Setenv("SQLITE_PATH", filepath.Join(t.TempDir(), "meter.db"))

	if _, err := Load(); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
}

func TestLoad_InvalidValues(t *testing.T) {
	cases := map[string]string{
		"BACKEND_TIMEOUT":        "soon",
		"DEFAULT_RATE_LIMIT_TPM": "lots",
		"ESTIMATOR":              "magic",
		"STORE_DRIVER":           "mongo",
		"MAX_BODY_BYTES":         "0",
	}
	for key, val := range cases {
		t.Run(key, func(t *testing.T) {
			t.Setenv("POSTGRES_DSN", "postgres://localhost/test")
			t.Setenv(key, val)
			if _, err := Load(); err == nil {
				t.Errorf("Expected error for %s=%s", key, val)
			}
		})
	}
}

func TestSplitList(t *testing.T) {
	got := splitList(" /a, ,/b ,")
	if len(got) != 2 || got[0] != "/a" || got[1] != "/b" {
		t.Errorf("Unexpected split result: %v", got)
	}
}

func TestPricing_Default(t *testing.T) {
	p := DefaultPricing()

	if got := p.Rate("gpt-4o-mini"); got != 0.03 {
		t.Errorf("Expected gpt-4 rate 0.03, got %v", got)
	}
	if got := p.Rate("gpt-3.5-turbo"); got != 0.002 {
		t.Errorf("Expected gpt-3.5 rate 0.002, got %v", got)
	}
	if got := p.Rate("llama-3-8b"); got != 0.001 {
		t.Errorf("Expected default rate 0.001, got %v", got)
	}
	if got := p.Cost("gpt-4", 2000); got != 0.06 {
		t.Errorf("Expected cost 0.06, got %v", got)
	}
	if got := p.Cost("gpt-4", 0); got != 0 {
		t.Errorf("Expected zero cost, got %v", got)
	}
}

func TestLoadPricing_File(t *testing.T) {
	content := `
default_per_1k: 0.0005
models:
  - match: llama
    per_1k: 0.0002
`
	path := filepath.Join(t.TempDir(), "pricing.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	p, err := LoadPricing(path)
	if err != nil {
		t.Fatalf("LoadPricing failed: %v", err)
	}
	if got := p.Rate("llama-3-70b"); got != 0.0002 {
		t.Errorf("Expected llama rate 0.0002, got %v", got)
	}
	if got := p.Rate("gpt-4"); got != 0.0005 {
		t.Errorf("Expected file default 0.0005 for unmatched model, got %v", got)
	}
}

func TestLoadPricing_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pricing.yaml")
	if err := os.WriteFile(path, []byte("models:\n  - per_1k: 1\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadPricing(path); err == nil {
		t.Error("Expected error for rule without match")
	}
}
