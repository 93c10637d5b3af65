package main

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/lumenlabs/lumen/internal/config"
	"github.com/lumenlabs/lumen/internal/memory"
)

func TestOpenMemoryStore_FallsBackToFile(t *testing.T) {
	cfg := config.Config{MemoryPath: filepath.Join(t.TempDir(), "memory.json")}
	store, err := openMemoryStore(context.Background(), cfg)
	if err != nil {
		t.Fatalf("openMemoryStore: %v", err)
	}
	if _, ok := store.(*memory.FileStore); !ok {
		t.Fatalf("got %T, want *memory.FileStore", store)
	}
}

func TestRunDaemon_RequiresDependencies(t *testing.T) {
	if err := runDaemon(context.Background(), nil, nil, daemonDeps{}); err == nil {
		t.Fatalf("expected error for empty deps")
	}
}
