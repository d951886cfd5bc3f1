package config

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/marmos91/dittoblk/pkg/cache"
	"github.com/marmos91/dittoblk/pkg/engine"
	"github.com/marmos91/dittoblk/pkg/store/device"
)

func TestCreateDevice_Memory(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Device.Capacity = "1MiB"

	dev, err := CreateDevice(context.Background(), &cfg.Device, nil)
	if err != nil {
		t.Fatalf("CreateDevice failed: %v", err)
	}
	defer func() { _ = dev.Close() }()

	if _, ok := dev.(*device.Retrying); !ok {
		t.Errorf("Expected a retrying device, got %T", dev)
	}
	info := dev.Info()
	if info.BlockSize != 512 || info.Blocks != 2048 {
		t.Errorf("Unexpected geometry: %d blocks of %d bytes", info.Blocks, info.BlockSize)
	}
}

func TestCreateDevice_File(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Device.Type = "file"
	cfg.Device.Family = "virtio"
	cfg.Device.BlockSize = 4096
	cfg.Device.Capacity = "4MiB"
	cfg.Device.File["path"] = filepath.Join(t.TempDir(), "device.img")

	dev, err := CreateDevice(context.Background(), &cfg.Device, nil)
	if err != nil {
		t.Fatalf("CreateDevice failed: %v", err)
	}
	defer func() { _ = dev.Close() }()

	info := dev.Info()
	if info.Family != device.FamilyVirtIO {
		t.Errorf("Expected family virtio, got %s", info.Family)
	}
	if info.Capacity() != 4<<20 {
		t.Errorf("Expected 4MiB capacity, got %d", info.Capacity())
	}
}

func TestCreateDevice_FileRequiresPath(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Device.Type = "file"

	if _, err := CreateDevice(context.Background(), &cfg.Device, nil); err == nil {
		t.Fatal("Expected error for file device without path")
	}
}

func TestCreateDevice_UnknownType(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Device.Type = "tape"

	if _, err := CreateDevice(context.Background(), &cfg.Device, nil); err == nil {
		t.Fatal("Expected error for unknown device type")
	}
}

func TestCreateMetadataStore(t *testing.T) {
	ctx := context.Background()

	mem, err := CreateMetadataStore(ctx, &MetadataConfig{Type: "memory"})
	if err != nil {
		t.Fatalf("memory metadata store: %v", err)
	}
	if err := mem.Healthcheck(ctx); err != nil {
		t.Errorf("memory metadata store unhealthy: %v", err)
	}
	_ = mem.Close()

	bdg, err := CreateMetadataStore(ctx, &MetadataConfig{
		Type:   "badger",
		Badger: map[string]any{"path": t.TempDir(), "block_cache_mb": 8, "index_cache_mb": 8},
	})
	if err != nil {
		t.Fatalf("badger metadata store: %v", err)
	}
	if err := bdg.Healthcheck(ctx); err != nil {
		t.Errorf("badger metadata store unhealthy: %v", err)
	}
	_ = bdg.Close()

	if _, err := CreateMetadataStore(ctx, &MetadataConfig{Type: "badger", Badger: map[string]any{}}); err == nil {
		t.Error("Expected error for badger store without path")
	}
}

func TestCreateTierStore(t *testing.T) {
	ctx := context.Background()

	for _, cfg := range []TierStoreConfig{
		{Type: "memory"},
		{Type: "fs", Path: t.TempDir()},
		{Type: "badger", Path: t.TempDir()},
	} {
		s, err := CreateTierStore(ctx, &cfg)
		if err != nil {
			t.Fatalf("%s tier store: %v", cfg.Type, err)
		}
		if err := s.Put(ctx, 7, []byte("payload")); err != nil {
			t.Errorf("%s tier store put: %v", cfg.Type, err)
		}
		got, err := s.Get(ctx, 7)
		if err != nil || string(got) != "payload" {
			t.Errorf("%s tier store get: %q, %v", cfg.Type, got, err)
		}
		_ = s.Close()
	}

	if _, err := CreateTierStore(ctx, &TierStoreConfig{Type: "nvram"}); err == nil {
		t.Error("Expected error for unknown tier store type")
	}
}

func TestCreateEngineConfig(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Compression.Algorithm = "zstd"
	cfg.Cache.L1.WritePolicy = "write-back"
	cfg.Cache.L2 = TierConfig{
		Enabled:     true,
		MaxEntries:  1000,
		Eviction:    "lfu",
		WritePolicy: "write-through",
		Store:       TierStoreConfig{Type: "fs", Path: t.TempDir()},
	}

	engCfg, err := CreateEngineConfig(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("CreateEngineConfig failed: %v", err)
	}
	defer func() {
		for _, tier := range engCfg.Cache.Tiers {
			if tier.Store != nil {
				_ = tier.Store.Close()
			}
		}
	}()

	if engCfg.Compression.Algorithm.String() != "zstd" {
		t.Errorf("Expected zstd, got %s", engCfg.Compression.Algorithm)
	}
	l1 := engCfg.Cache.Tiers[0]
	if !l1.Enabled || l1.MaxBytes != 64<<20 || l1.WritePolicy != cache.WriteBack {
		t.Errorf("Unexpected L1 config: %+v", l1)
	}
	l2 := engCfg.Cache.Tiers[1]
	if !l2.Enabled || l2.MaxEntries != 1000 || l2.Eviction != cache.LFU || l2.Store == nil {
		t.Errorf("Unexpected L2 config: %+v", l2)
	}
	if engCfg.Cache.Tiers[2].Enabled {
		t.Error("Expected L3 to stay disabled")
	}
	if engCfg.GraceWindow != cfg.Optimizer.GraceWindow {
		t.Errorf("Expected grace window %v, got %v", cfg.Optimizer.GraceWindow, engCfg.GraceWindow)
	}
}

func TestCreateEngine_PersistentVolume(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	cfg := GetDefaultConfig()
	cfg.Device.Type = "file"
	cfg.Device.BlockSize = 4096
	cfg.Device.Capacity = "1MiB"
	cfg.Device.File["path"] = filepath.Join(dir, "device.img")
	cfg.Metadata.Type = "badger"
	cfg.Metadata.Badger["path"] = filepath.Join(dir, "metadata")
	cfg.Cache.L2 = TierConfig{
		Enabled:     true,
		Eviction:    "lru",
		WritePolicy: "write-through",
		Store:       TierStoreConfig{Type: "fs", Path: filepath.Join(dir, "l2")},
	}
	cfg.Optimizer.Enabled = false
	if err := Validate(cfg); err != nil {
		t.Fatalf("Invalid test config: %v", err)
	}

	a := bytes.Repeat([]byte{0xAB}, 4096)
	b := bytes.Repeat([]byte{0xCD}, 4096)

	eng, err := CreateEngine(ctx, cfg, nil)
	if err != nil {
		t.Fatalf("CreateEngine failed: %v", err)
	}
	if err := eng.Open(ctx); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	for lba, data := range map[uint64][]byte{0: a, 1: b, 2: a} {
		if err := eng.Write(ctx, lba, data, engine.WriteOptions{}); err != nil {
			t.Fatalf("Write lba %d failed: %v", lba, err)
		}
	}
	report, err := eng.Shutdown(ctx)
	if err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	if len(report.Lost) != 0 {
		t.Fatalf("Expected no lost writes, got %v", report.Lost)
	}

	eng, err = CreateEngine(ctx, cfg, nil)
	if err != nil {
		t.Fatalf("CreateEngine (reopen) failed: %v", err)
	}
	if err := eng.Open(ctx); err != nil {
		t.Fatalf("Open (reopen) failed: %v", err)
	}
	defer func() { _, _ = eng.Shutdown(ctx) }()

	for lba, want := range map[uint64][]byte{0: a, 1: b, 2: a} {
		got, err := eng.Read(ctx, lba, engine.ReadOptions{})
		if err != nil {
			t.Fatalf("Read lba %d failed: %v", lba, err)
		}
		if !bytes.Equal(got, want) {
			t.Errorf("lba %d returned different content after reopen", lba)
		}
	}
	meta, err := eng.Mapping(0)
	if err != nil {
		t.Fatalf("Mapping failed: %v", err)
	}
	if meta.RefCount != 2 {
		t.Errorf("Expected shared block refcount 2, got %d", meta.RefCount)
	}
}

func TestCreateEngineConfig_Overcommit(t *testing.T) {
	cfg := GetDefaultConfig()

	engCfg, err := CreateEngineConfig(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("CreateEngineConfig failed: %v", err)
	}
	if engCfg.Cache.Overcommit != DefaultOvercommit {
		t.Errorf("Expected overcommit %d, got %d", DefaultOvercommit, engCfg.Cache.Overcommit)
	}

	cfg.Cache.Overcommit = 0
	engCfg, err = CreateEngineConfig(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("CreateEngineConfig failed: %v", err)
	}
	if engCfg.Cache.Overcommit >= 0 {
		t.Errorf("Expected synchronous evictions (negative overcommit), got %d", engCfg.Cache.Overcommit)
	}
}
