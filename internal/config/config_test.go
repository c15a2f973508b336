package config

import (
	"strings"
	"testing"
)

func validConfig() Config {
	cfg := Config{
		HTTP:      HTTPConfig{Port: 8000},
		Embedding: EmbeddingConfig{Model: "text-embedding-3-small"},
	}
	cfg.ApplyDefaults()
	return cfg
}

func TestValidate_Valid(t *testing.T) {
	cfg := validConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidate_InvalidPort(t *testing.T) {
	cfg := validConfig()
	cfg.HTTP.Port = 0

	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for invalid port")
	}
}

func TestValidate_IndexDriver(t *testing.T) {
	cfg := validConfig()
	cfg.Index.Driver = "faiss"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected error for unknown driver")
	}
	expected := `index.driver must be one of hnsw, flat, valkey, got "faiss"`
	if err.Error() != expected {
		t.Errorf("unexpected error message:\ngot:  %q\nwant: %q", err.Error(), expected)
	}
}

func TestValidate_ValkeyNeedsAddrs(t *testing.T) {
	for _, mutate := range []func(*Config){
		func(c *Config) { c.Index.Driver = IndexDriverValkey },
		func(c *Config) { c.Cache.Driver = CacheDriverValkey },
	} {
		cfg := validConfig()
		mutate(&cfg)
		if err := cfg.Validate(); err == nil {
			t.Fatal("expected error for missing database.addrs")
		}

		cfg.Database.Addrs = []string{"localhost:6379"}
		if err := cfg.Validate(); err != nil {
			t.Fatalf("unexpected error with addrs: %v", err)
		}
		if !cfg.UsesValkey() {
			t.Error("expected UsesValkey")
		}
	}
}

func TestValidate_RankScope(t *testing.T) {
	for _, scope := range []string{"corpus", "candidates"} {
		cfg := validConfig()
		cfg.Search.RankScope = scope
		if err := cfg.Validate(); err != nil {
			t.Fatalf("unexpected error for scope %q: %v", scope, err)
		}
	}

	cfg := validConfig()
	cfg.Search.RankScope = "all"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for unknown scope")
	}
}

func TestValidate_TopKBounds(t *testing.T) {
	cfg := validConfig()
	cfg.Search.DefaultTopK = 50
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error when default_top_k exceeds max_top_k")
	}

	cfg = validConfig()
	cfg.Search.CandidateK = 5
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error when candidate_k is below max_top_k")
	}
}

func TestValidate_MissingModel(t *testing.T) {
	cfg := validConfig()
	cfg.Embedding.Model = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for missing model")
	}
}

func TestValidate_CacheDriver(t *testing.T) {
	cfg := validConfig()
	cfg.Cache.Driver = "memcached"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for unknown cache driver")
	}
}

func TestApplyDefaults(t *testing.T) {
	cfg := Config{}
	cfg.ApplyDefaults()

	if cfg.HTTP.ReadTimeoutSec != 30 {
		t.Errorf("expected ReadTimeoutSec=30, got %d", cfg.HTTP.ReadTimeoutSec)
	}
	if cfg.HTTP.MaxUploadMB != 32 {
		t.Errorf("expected MaxUploadMB=32, got %d", cfg.HTTP.MaxUploadMB)
	}
	if cfg.Corpus.IDsFile != "case_ids.json" {
		t.Errorf("expected IDsFile=case_ids.json, got %q", cfg.Corpus.IDsFile)
	}
	if cfg.Corpus.EmbeddingsFile != "case_embeddings.bin" {
		t.Errorf("expected EmbeddingsFile=case_embeddings.bin, got %q", cfg.Corpus.EmbeddingsFile)
	}
	if cfg.Index.Driver != IndexDriverHNSW {
		t.Errorf("expected Driver=hnsw, got %q", cfg.Index.Driver)
	}
	if cfg.Index.M != 16 {
		t.Errorf("expected M=16, got %d", cfg.Index.M)
	}
	if cfg.Search.DefaultTopK != 3 {
		t.Errorf("expected DefaultTopK=3, got %d", cfg.Search.DefaultTopK)
	}
	if cfg.Search.CandidateK != cfg.Search.MaxTopK {
		t.Errorf("expected CandidateK=MaxTopK, got %d", cfg.Search.CandidateK)
	}
	if cfg.Search.TimeoutSec != 30 {
		t.Errorf("expected TimeoutSec=30, got %d", cfg.Search.TimeoutSec)
	}
	if cfg.Search.RankScope != "corpus" {
		t.Errorf("expected RankScope=corpus, got %q", cfg.Search.RankScope)
	}
	if cfg.Cache.Driver != CacheDriverNone {
		t.Errorf("expected cache driver none, got %q", cfg.Cache.Driver)
	}
}

func TestApplyDefaults_NoOverride(t *testing.T) {
	cfg := Config{
		HTTP:   HTTPConfig{ReadTimeoutSec: 5, MaxUploadMB: 8},
		Index:  IndexConfig{Driver: IndexDriverFlat, M: 32},
		Search: SearchConfig{DefaultTopK: 5, MaxTopK: 10, CandidateK: 40, RankScope: "candidates"},
	}
	cfg.ApplyDefaults()

	if cfg.HTTP.ReadTimeoutSec != 5 {
		t.Errorf("expected ReadTimeoutSec=5, got %d", cfg.HTTP.ReadTimeoutSec)
	}
	if cfg.HTTP.MaxUploadMB != 8 {
		t.Errorf("expected MaxUploadMB=8, got %d", cfg.HTTP.MaxUploadMB)
	}
	if cfg.Index.Driver != IndexDriverFlat || cfg.Index.M != 32 {
		t.Errorf("index overridden: %+v", cfg.Index)
	}
	if cfg.Search.CandidateK != 40 {
		t.Errorf("expected CandidateK=40, got %d", cfg.Search.CandidateK)
	}
	if cfg.Search.RankScope != "candidates" {
		t.Errorf("expected RankScope=candidates, got %q", cfg.Search.RankScope)
	}
}

func TestParse_ExpandsEnv(t *testing.T) {
	t.Setenv("LEGALYTICS_TEST_PORT", "9001")
	t.Setenv("LEGALYTICS_TEST_KEY", "")

	data := []byte(`
http:
  port: ${LEGALYTICS_TEST_PORT}
embedding:
  model: ${LEGALYTICS_TEST_MODEL:-text-embedding-3-small}
  api_key: ${LEGALYTICS_TEST_KEY:-none}
`)
	cfg, err := Parse(data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.HTTP.Port != 9001 {
		t.Errorf("expected port 9001, got %d", cfg.HTTP.Port)
	}
	if cfg.Embedding.Model != "text-embedding-3-small" {
		t.Errorf("expected default model, got %q", cfg.Embedding.Model)
	}
	if cfg.Embedding.APIKey != "none" {
		t.Errorf("expected default for empty var, got %q", cfg.Embedding.APIKey)
	}
}

func TestParse_Invalid(t *testing.T) {
	_, err := Parse([]byte("http: [unclosed"))
	if err == nil || !strings.Contains(err.Error(), "failed to parse config") {
		t.Fatalf("expected parse error, got %v", err)
	}

	_, err = Parse([]byte("http:\n  port: 8000\n"))
	if err == nil || !strings.Contains(err.Error(), "invalid config") {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestLoad_ProjectConfigs(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-test")
	for _, env := range []string{"local", "prod"} {
		if _, err := Load(env); err != nil {
			t.Errorf("config %s: %v", env, err)
		}
	}
}
