// Package main provides the entry point for the framstore command-line
// tool. It loads configuration, brings up the HAL and device layer,
// initializes the partition table and per-subsystem stores, and starts
// the interactive CLI.
package main

import (
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/scif-systems/framstore/internal/cli"
	"github.com/scif-systems/framstore/internal/config"
	"github.com/scif-systems/framstore/internal/device"
	"github.com/scif-systems/framstore/internal/hal"
	"github.com/scif-systems/framstore/internal/kvs"
	"github.com/scif-systems/framstore/internal/partition"
	"github.com/scif-systems/framstore/internal/ring"
	"github.com/scif-systems/framstore/internal/superblock"
	"github.com/scif-systems/framstore/internal/vslot"
)

func main() {
	slogHandler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo, // Change to LevelDebug for verbose logging
	})
	logger := slog.New(slogHandler)
	slog.SetDefault(logger)

	slog.Info("main: loading configuration")
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("main: failed to load configuration", "error", err)
		log.Fatalf("failed to load config: %v", err)
	}
	slog.Info("main: configuration loaded", "hal_mode", cfg.HAL_MODE, "device_capacity", cfg.DEVICE_CAPACITY)

	h, err := newHAL(cfg)
	if err != nil {
		log.Fatalf("failed to initialize HAL: %v", err)
	}

	dev, err := device.New(device.Config{
		HAL:            h,
		ErrorThreshold: cfg.ERROR_THRESHOLD,
		MutexTimeout:   time.Duration(cfg.MUTEX_TIMEOUT_MS) * time.Millisecond,
	})
	if err != nil {
		slog.Error("main: failed to initialize device", "error", err)
		log.Fatalf("failed to create device: %v", err)
	}

	pm, err := newPartitionManager(dev, cfg)
	if err != nil {
		slog.Error("main: failed to initialize partition table", "error", err)
		log.Fatalf("failed to create partition manager: %v", err)
	}

	ringLog, err := ring.New(ring.Config{
		PM:            pm,
		PartitionName: cfg.RING_PARTITION,
		MaxPayload:    cfg.RING_MAX_PAYLOAD,
		Magic:         cfg.RING_MAGIC,
	})
	if err != nil {
		slog.Error("main: failed to initialize ring log", "error", err)
		log.Fatalf("failed to create ring log: %v", err)
	}

	vslots, err := vslot.New(vslot.Config{
		PM:            pm,
		PartitionName: cfg.VSLOT_PARTITION,
		MaxPayload:    cfg.VSLOT_MAX_PAYLOAD,
		SlotCount:     cfg.VSLOT_SLOT_COUNT,
		Magic:         cfg.VSLOT_MAGIC,
	})
	if err != nil {
		slog.Error("main: failed to initialize versioned slot store", "error", err)
		log.Fatalf("failed to create vslot store: %v", err)
	}

	kv, err := kvs.New(kvs.Config{
		PM:            pm,
		PartitionName: cfg.KVS_PARTITION,
		Magic:         cfg.KVS_MAGIC,
		MaxValue:      cfg.KVS_MAX_VALUE,
	})
	if err != nil {
		slog.Error("main: failed to initialize kvs store", "error", err)
		log.Fatalf("failed to create kvs store: %v", err)
	}

	slog.Info("main: framstore started successfully")

	cliHandler := cli.NewHandler(kv, ringLog, vslots)
	if err := cliHandler.Run(); err != nil {
		slog.Error("main: CLI handler error", "error", err)
		log.Fatalf("cli error: %v", err)
	}
}

// newHAL binds the configured HAL backend. "mock" is always available;
// "spi" requires a concrete bus Transport, which is supplied by the
// integrator building against a real chip and is not wired here.
func newHAL(cfg *config.Config) (hal.HAL, error) {
	switch cfg.HAL_MODE {
	case "", "mock":
		return hal.NewMockHAL(cfg.DEVICE_CAPACITY), nil
	case "spi":
		log.Fatalf("HAL_MODE=spi requires a bus Transport wired in by the integrator; see internal/hal.NewBusHAL")
		return nil, nil
	default:
		log.Fatalf("unknown HAL_MODE %q", cfg.HAL_MODE)
		return nil, nil
	}
}

func newPartitionManager(dev *device.Device, cfg *config.Config) (*partition.Manager, error) {
	parts := make([]partition.Partition, len(cfg.PARTITIONS))
	for i, p := range cfg.PARTITIONS {
		parts[i] = partition.Partition{Name: p.Name, Offset: p.Offset, Size: p.Size, Flags: p.Flags}
	}

	pm, err := partition.New(dev, parts)
	if err != nil {
		return nil, err
	}

	// Persist the partition table via the A/B superblock so a future
	// boot can recover it even if config.yml is lost; failures here are
	// logged but not fatal, since the in-memory table built above from
	// config is already usable for this run.
	sb, err := superblock.New(dev, cfg.SUPERBLOCK_BASE)
	if err != nil {
		slog.Warn("main: superblock unavailable, skipping persistence", "error", err)
		return pm, nil
	}
	if err := sb.Write(parts); err != nil {
		slog.Warn("main: failed to persist partition table to superblock", "error", err)
	}
	return pm, nil
}
