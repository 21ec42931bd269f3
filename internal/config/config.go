// Package config provides configuration management for framstore. It
// loads settings from YAML and environment variables, with thread-safe
// singleton access.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

// PartitionSpec is one entry of the device's partition table as loaded
// from config.
type PartitionSpec struct {
	Name   string `yaml:"name"`
	Offset uint32 `yaml:"offset"`
	Size   uint32 `yaml:"size"`
	Flags  uint32 `yaml:"flags"`
}

// Config holds all framstore configuration values: which HAL to bind
// (mock or a real bus), the partition table, and the per-subsystem
// knobs spec'd for the device, ring, vslot, and KVS layers.
type Config struct {
	HAL_MODE              string          `yaml:"HAL_MODE"` // "mock" or "spi"
	DEVICE_CAPACITY       uint32          `yaml:"DEVICE_CAPACITY"`
	MUTEX_TIMEOUT_MS      uint32          `yaml:"MUTEX_TIMEOUT_MS"`
	ERROR_THRESHOLD       uint32          `yaml:"ERROR_THRESHOLD"`
	SUPERBLOCK_BASE       uint32          `yaml:"SUPERBLOCK_BASE"`
	RING_PARTITION        string          `yaml:"RING_PARTITION"`
	RING_MAX_PAYLOAD      uint32          `yaml:"RING_MAX_PAYLOAD"`
	RING_MAGIC            uint32          `yaml:"RING_MAGIC"`
	VSLOT_PARTITION       string          `yaml:"VSLOT_PARTITION"`
	VSLOT_MAX_PAYLOAD     uint32          `yaml:"VSLOT_MAX_PAYLOAD"`
	VSLOT_SLOT_COUNT      uint32          `yaml:"VSLOT_SLOT_COUNT"`
	VSLOT_MAGIC           uint32          `yaml:"VSLOT_MAGIC"`
	KVS_PARTITION         string          `yaml:"KVS_PARTITION"`
	KVS_MAX_VALUE         uint32          `yaml:"KVS_MAX_VALUE"`
	KVS_MAGIC             uint32          `yaml:"KVS_MAGIC"`
	PARTITIONS            []PartitionSpec `yaml:"PARTITIONS"`
}

var (
	appConfig *Config
	once      sync.Once
	initErr   error
)

// LoadConfig reads configuration values from config.yml and optionally
// from a .env file. It uses a sync.Once so concurrent callers all
// observe the same loaded (or failed) result. Environment variables in
// the YAML file are expanded via os.ExpandEnv before unmarshaling.
func LoadConfig() (*Config, error) {
	once.Do(func() {
		if err := godotenv.Load(); err != nil {
			slog.Debug("config: no .env file found or error loading it", "error", err)
		} else {
			slog.Debug("config: .env file loaded successfully")
		}

		file, err := os.ReadFile("internal/config/config.yml")
		if err != nil {
			initErr = fmt.Errorf("config: read config.yml: %w", err)
			return
		}

		var cfg Config
		if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(file))), &cfg); err != nil {
			initErr = fmt.Errorf("config: parse config.yml: %w", err)
			return
		}
		appConfig = &cfg
	})
	if initErr != nil {
		return nil, initErr
	}
	return appConfig, nil
}

// GetConfig returns the singleton configuration instance. Panics if
// configuration has not been loaded yet via LoadConfig.
func GetConfig() *Config {
	if appConfig == nil {
		panic("config: not loaded - call LoadConfig() first")
	}
	return appConfig
}
