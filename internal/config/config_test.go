package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	if cfg.Port != "8080" {
		t.Errorf("expected default port 8080, got %s", cfg.Port)
	}
	if cfg.WorkerCount != 5 {
		t.Errorf("expected default worker count 5, got %d", cfg.WorkerCount)
	}
	if cfg.ReplyDelayMin != 30*time.Second {
		t.Errorf("expected default min reply delay 30s, got %s", cfg.ReplyDelayMin)
	}
	if cfg.ReplyDelayMax < cfg.ReplyDelayMin {
		t.Error("default max reply delay must not be below min")
	}
	if cfg.MaxChunksPerReply <= 0 {
		t.Error("default max chunks must be positive")
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("WORKER_COUNT", "3")
	t.Setenv("REPLY_DELAY_MIN", "5s")
	t.Setenv("USE_MEMORY_QUEUE", "true")

	cfg := Load()

	if cfg.WorkerCount != 3 {
		t.Errorf("expected worker count 3, got %d", cfg.WorkerCount)
	}
	if cfg.ReplyDelayMin != 5*time.Second {
		t.Errorf("expected reply delay min 5s, got %s", cfg.ReplyDelayMin)
	}
	if !cfg.UseMemoryQueue {
		t.Error("expected memory queue enabled")
	}
}

func TestInvalidEnvFallsBack(t *testing.T) {
	t.Setenv("WORKER_COUNT", "not-a-number")
	t.Setenv("REPLY_STALENESS_CUT", "bogus")

	cfg := Load()

	if cfg.WorkerCount != 5 {
		t.Errorf("expected fallback worker count 5, got %d", cfg.WorkerCount)
	}
	if cfg.ReplyStalenessCut != 10*time.Minute {
		t.Errorf("expected fallback staleness cut 10m, got %s", cfg.ReplyStalenessCut)
	}
}
