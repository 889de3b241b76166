package redis

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"

	"github.com/goodtune/restatus/internal/config"
	"github.com/goodtune/restatus/internal/storage"
)

func setupTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)

	// miniredis.Addr() returns "host:port", so Port stays zero
	cfg := config.RedisConfig{
		Host:         mr.Addr(),
		Port:         0,
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 5,
		DialTimeout:  "5s",
		ReadTimeout:  "3s",
		WriteTimeout: "3s",
	}

	store, err := Open(cfg)
	if err != nil {
		t.Fatalf("Failed to open Redis store: %v", err)
	}

	return store, mr
}

type deviceDoc struct {
	Devices map[string]string `json:"devices"`
}

func TestStore_SaveLoad(t *testing.T) {
	store, mr := setupTestStore(t)
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	doc := deviceDoc{Devices: map[string]string{"pc": "online"}}

	if err := store.Save(ctx, storage.DocDeviceStatus, doc); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	if !mr.Exists("restatus:doc:device_status") {
		t.Fatal("Expected document key to exist")
	}

	var out deviceDoc
	if err := store.Load(ctx, storage.DocDeviceStatus, &out); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if out.Devices["pc"] != "online" {
		t.Errorf("Expected pc online, got %v", out.Devices)
	}

	saved, err := store.SavedAt(ctx)
	if err != nil {
		t.Fatalf("SavedAt failed: %v", err)
	}
	if _, ok := saved[storage.DocDeviceStatus]; !ok {
		t.Errorf("Expected index entry for %s", storage.DocDeviceStatus)
	}
}

func TestStore_LoadMissing(t *testing.T) {
	store, _ := setupTestStore(t)
	defer func() { _ = store.Close() }()

	var out deviceDoc
	err := store.Load(context.Background(), storage.DocUsage, &out)
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestStore_Delete(t *testing.T) {
	store, mr := setupTestStore(t)
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	if err := store.Save(ctx, storage.DocBilibili, deviceDoc{}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	if err := storage.ResetAll(ctx, store); err != nil {
		t.Fatalf("ResetAll failed: %v", err)
	}

	if mr.Exists("restatus:doc:bilibili_data") {
		t.Error("Expected document key to be deleted")
	}
	saved, err := store.SavedAt(ctx)
	if err != nil {
		t.Fatalf("SavedAt failed: %v", err)
	}
	if len(saved) != 0 {
		t.Errorf("Expected empty index, got %v", saved)
	}
}

func TestOpenUnreachable(t *testing.T) {
	_, err := Open(config.RedisConfig{
		Host:         "127.0.0.1",
		Port:         1,
		DialTimeout:  "100ms",
		ReadTimeout:  "100ms",
		WriteTimeout: "100ms",
	})
	if err == nil {
		t.Error("Expected error connecting to a closed port")
	}
}
