package bolt

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/bobmcallan/vmbridge/internal/common"
	"github.com/bobmcallan/vmbridge/internal/config"
	"github.com/bobmcallan/vmbridge/internal/interfaces"
	"github.com/google/go-cmp/cmp"
)

func setupTestDB(t *testing.T) *BoltDB {
	t.Helper()

	cfg := &config.StorageConfig{Path: filepath.Join(t.TempDir(), "data", "test.db")}
	db, err := NewBoltDB(common.NewSilentLogger(), cfg)
	if err != nil {
		t.Fatalf("failed to create test DB: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestKVStorage_SetAndGet(t *testing.T) {
	kv := NewKVStorage(setupTestDB(t), common.NewSilentLogger())
	ctx := context.Background()

	if err := kv.Set(ctx, "test-key", "test-value"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	val, err := kv.Get(ctx, "test-key")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if val != "test-value" {
		t.Errorf("expected test-value, got %s", val)
	}
}

func TestKVStorage_GetNotFound(t *testing.T) {
	kv := NewKVStorage(setupTestDB(t), common.NewSilentLogger())

	_, err := kv.Get(context.Background(), "nonexistent-key")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestKVStorage_Upsert(t *testing.T) {
	kv := NewKVStorage(setupTestDB(t), common.NewSilentLogger())
	ctx := context.Background()

	_ = kv.Set(ctx, "key", "value1")
	if err := kv.Set(ctx, "key", "value2"); err != nil {
		t.Fatalf("Set (upsert) failed: %v", err)
	}
	val, err := kv.Get(ctx, "key")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if val != "value2" {
		t.Errorf("expected value2, got %s", val)
	}
}

func TestKVStorage_Delete(t *testing.T) {
	kv := NewKVStorage(setupTestDB(t), common.NewSilentLogger())
	ctx := context.Background()

	_ = kv.Set(ctx, "key", "value")
	if err := kv.Delete(ctx, "key"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := kv.Get(ctx, "key"); err == nil {
		t.Error("expected error after delete, got nil")
	}
	if err := kv.Delete(ctx, "nonexistent"); err != nil {
		t.Errorf("Delete nonexistent key should not error: %v", err)
	}
}

func TestKVStorage_GetAll(t *testing.T) {
	kv := NewKVStorage(setupTestDB(t), common.NewSilentLogger())
	ctx := context.Background()

	all, err := kv.GetAll(ctx)
	if err != nil {
		t.Fatalf("GetAll on empty store failed: %v", err)
	}
	if len(all) != 0 {
		t.Errorf("expected 0 entries, got %d", len(all))
	}

	_ = kv.Set(ctx, "key1", "val1")
	_ = kv.Set(ctx, "key2", "val2")

	all, err = kv.GetAll(ctx)
	if err != nil {
		t.Fatalf("GetAll failed: %v", err)
	}
	if diff := cmp.Diff(map[string]string{"key1": "val1", "key2": "val2"}, all); diff != "" {
		t.Errorf("GetAll (-want +got):\n%s", diff)
	}
}

func TestEndpointStore_RoundTripAcrossReopen(t *testing.T) {
	logger := common.NewSilentLogger()
	cfg := &config.StorageConfig{Path: filepath.Join(t.TempDir(), "vmbridge.db")}
	ctx := context.Background()

	mgr, err := NewManager(logger, cfg)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	if _, ok, err := mgr.EndpointStore().LastEndpoint(ctx); err != nil || ok {
		t.Fatalf("expected empty store, got ok=%v err=%v", ok, err)
	}

	rec := interfaces.EndpointRecord{
		Host:        "127.0.0.1",
		Port:        50123,
		Path:        "/abc=/ws",
		AppID:       "com.example.app",
		ConnectedAt: time.Date(2026, 5, 4, 3, 2, 1, 0, time.UTC),
	}
	if err := mgr.EndpointStore().SaveEndpoint(ctx, rec); err != nil {
		t.Fatalf("SaveEndpoint: %v", err)
	}
	if err := mgr.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	mgr, err = NewManager(logger, cfg)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer mgr.Close()

	got, ok, err := mgr.EndpointStore().LastEndpoint(ctx)
	if err != nil || !ok {
		t.Fatalf("LastEndpoint: ok=%v err=%v", ok, err)
	}
	if diff := cmp.Diff(rec, got); diff != "" {
		t.Errorf("endpoint (-saved +loaded):\n%s", diff)
	}
}

func TestEndpointStore_CorruptRecord(t *testing.T) {
	kv := NewKVStorage(setupTestDB(t), common.NewSilentLogger())
	ctx := context.Background()
	_ = kv.Set(ctx, lastEndpointKey, "{not json")

	if _, _, err := NewEndpointStore(kv).LastEndpoint(ctx); err == nil {
		t.Error("expected decode error")
	}
}
