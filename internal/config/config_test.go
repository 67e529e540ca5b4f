package config

import "testing"

func validConfig() Config {
	cfg := Config{}
	cfg.ApplyDefaults()
	return cfg
}

func TestApplyDefaults(t *testing.T) {
	cfg := Config{}
	cfg.ApplyDefaults()

	if cfg.Embedding.Provider != "openai" {
		t.Errorf("expected provider=openai, got %q", cfg.Embedding.Provider)
	}
	if cfg.Embedding.BatchSize != 96 {
		t.Errorf("expected BatchSize=96, got %d", cfg.Embedding.BatchSize)
	}
	if cfg.Ingestion.ChunkSize != 1000 {
		t.Errorf("expected ChunkSize=1000, got %d", cfg.Ingestion.ChunkSize)
	}
	if cfg.Ingestion.ChunkOverlap != 200 {
		t.Errorf("expected ChunkOverlap=200, got %d", cfg.Ingestion.ChunkOverlap)
	}
	if cfg.Retrieval.TopK != 5 {
		t.Errorf("expected TopK=5, got %d", cfg.Retrieval.TopK)
	}
	if cfg.Retrieval.SimilarityThreshold != 0.7 {
		t.Errorf("expected SimilarityThreshold=0.7, got %f", cfg.Retrieval.SimilarityThreshold)
	}
	if cfg.Retrieval.RerankTopK != 3 {
		t.Errorf("expected RerankTopK=3, got %d", cfg.Retrieval.RerankTopK)
	}
	if cfg.Database.MaxBackupCount != 5 {
		t.Errorf("expected MaxBackupCount=5, got %d", cfg.Database.MaxBackupCount)
	}
	if cfg.FolderMonitoring.CheckIntervalSec != 60 {
		t.Errorf("expected CheckIntervalSec=60, got %d", cfg.FolderMonitoring.CheckIntervalSec)
	}
	if cfg.FolderMonitoring.MaxFileSizeMB != cfg.Ingestion.MaxFileSizeMB {
		t.Errorf("expected monitoring size ceiling to inherit ingestion ceiling")
	}
}

func TestValidate_UnknownProvider(t *testing.T) {
	cfg := validConfig()
	cfg.Embedding.Provider = "azure"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected error for unknown provider")
	}

	expected := `embedding.provider must be "openai" or "ollama", got "azure"`
	if err.Error() != expected {
		t.Errorf("unexpected error message:\ngot:  %q\nwant: %q", err.Error(), expected)
	}
}

func TestValidate_OverlapNotLessThanChunkSize(t *testing.T) {
	cfg := validConfig()
	cfg.Ingestion.ChunkSize = 200
	cfg.Ingestion.ChunkOverlap = 200

	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for overlap >= chunk size")
	}
}

func TestValidate_ThresholdOutOfRange(t *testing.T) {
	cfg := validConfig()
	cfg.Retrieval.SimilarityThreshold = 1.5

	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for threshold out of range")
	}
}

func TestValidate_MonitoringWithoutFolders(t *testing.T) {
	cfg := validConfig()
	cfg.FolderMonitoring.Enabled = true
	cfg.FolderMonitoring.MonitoredFolders = nil

	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for enabled monitoring without folders")
	}
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("CORPUSDEX_TEST_KEY", "secret")

	out := expandEnvVars([]byte("api_key: ${CORPUSDEX_TEST_KEY}\nbase_url: ${CORPUSDEX_TEST_URL:-http://localhost}"))
	expected := "api_key: secret\nbase_url: http://localhost"
	if string(out) != expected {
		t.Errorf("unexpected expansion:\ngot:  %q\nwant: %q", out, expected)
	}
}
