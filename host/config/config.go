// Package config holds the flasher configuration: JSON file, environment
// overrides and defaults.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"fwflash/host/firmware"
	"fwflash/host/serial"
	"fwflash/host/updater"
	"fwflash/protocol"
)

// Config holds all configuration for a flashing run.
//
// Fields missing from the JSON keep their defaults. An explicit zero is
// kept where it has a meaning: reserved_size 0 sends the whole file,
// device_id 0 is a valid ID and erase_delay_ms 0 skips the erase wait.
// Zero baud, timeouts and intervals are invalid and fall back to defaults.
type Config struct {
	// Link
	Device        string `json:"device"`
	Baud          int    `json:"baud"`
	ReadTimeoutMs int    `json:"read_timeout_ms"`

	// Image
	Firmware     string `json:"firmware"`
	ReservedSize int    `json:"reserved_size"`

	// Session
	DeviceID       int `json:"device_id"`
	TimeoutMs      int `json:"timeout_ms"`
	SyncIntervalMs int `json:"sync_interval_ms"`
	SyncTimeoutMs  int `json:"sync_timeout_ms"`
	EraseDelayMs   int `json:"erase_delay_ms"`

	// Events
	NATSURL     string `json:"nats_url"`
	NATSSubject string `json:"nats_subject"`
}

// Default returns the configuration used when nothing is specified
func Default() *Config {
	return &Config{
		Device:         serial.DefaultDevice,
		Baud:           serial.DefaultBaud,
		ReadTimeoutMs:  serial.DefaultReadTimeout,
		Firmware:       "firmware.bin",
		ReservedSize:   firmware.BootloaderSize,
		DeviceID:       protocol.DeviceID,
		TimeoutMs:      int(protocol.DefaultTimeout / time.Millisecond),
		SyncIntervalMs: int(protocol.DefaultSyncInterval / time.Millisecond),
		SyncTimeoutMs:  int(protocol.DefaultTimeout / time.Millisecond),
		EraseDelayMs:   int(updater.DefaultEraseDelay / time.Millisecond),
	}
}

// LoadConfig parses a JSON configuration over the defaults
func LoadConfig(jsonData []byte) (*Config, error) {
	cfg := Default()

	if err := json.Unmarshal(jsonData, cfg); err != nil {
		return nil, err
	}

	applyDefaults(cfg)
	return cfg, nil
}

// Load reads a JSON configuration file. An empty path returns defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg, err := LoadConfig(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return cfg, nil
}

// applyDefaults restores values that were explicitly set to an unusable zero
func applyDefaults(cfg *Config) {
	def := Default()

	if cfg.Device == "" {
		cfg.Device = def.Device
	}
	if cfg.Baud == 0 {
		cfg.Baud = def.Baud
	}
	// zero would make reads block forever
	if cfg.ReadTimeoutMs == 0 {
		cfg.ReadTimeoutMs = def.ReadTimeoutMs
	}
	if cfg.Firmware == "" {
		cfg.Firmware = def.Firmware
	}
	if cfg.TimeoutMs == 0 {
		cfg.TimeoutMs = def.TimeoutMs
	}
	if cfg.SyncIntervalMs == 0 {
		cfg.SyncIntervalMs = def.SyncIntervalMs
	}
	if cfg.SyncTimeoutMs == 0 {
		cfg.SyncTimeoutMs = def.SyncTimeoutMs
	}
}

// ApplyEnv overrides fields from FWFLASH_* environment variables
func (c *Config) ApplyEnv() {
	c.Device = getEnv("FWFLASH_DEVICE", c.Device)
	c.Baud = getEnvAsInt("FWFLASH_BAUD", c.Baud)
	c.Firmware = getEnv("FWFLASH_FIRMWARE", c.Firmware)
	c.TimeoutMs = getEnvAsInt("FWFLASH_TIMEOUT_MS", c.TimeoutMs)
	c.NATSURL = getEnv("FWFLASH_NATS_URL", c.NATSURL)
	c.NATSSubject = getEnv("FWFLASH_NATS_SUBJECT", c.NATSSubject)
}

// Validate checks values that cannot be defaulted
func (c *Config) Validate() error {
	if c.DeviceID < 0 || c.DeviceID > 0xFF {
		return fmt.Errorf("device_id 0x%X does not fit in one byte", c.DeviceID)
	}
	if c.ReservedSize < 0 {
		return fmt.Errorf("reserved_size must not be negative")
	}
	if c.Baud <= 0 {
		return fmt.Errorf("baud must be positive")
	}
	return nil
}

// Serial returns the serial port settings
func (c *Config) Serial() *serial.Config {
	return &serial.Config{
		Device:      c.Device,
		Baud:        c.Baud,
		ReadTimeout: c.ReadTimeoutMs,
	}
}

// Timeout returns the per-frame wait timeout
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

// SyncInterval returns the delay between sync sequence writes
func (c *Config) SyncInterval() time.Duration {
	return time.Duration(c.SyncIntervalMs) * time.Millisecond
}

// SyncTimeout returns the sync phase limit
func (c *Config) SyncTimeout() time.Duration {
	return time.Duration(c.SyncTimeoutMs) * time.Millisecond
}

// EraseDelay returns the erase settle time. Zero or negative skips it.
func (c *Config) EraseDelay() time.Duration {
	if c.EraseDelayMs < 0 {
		return 0
	}
	return time.Duration(c.EraseDelayMs) * time.Millisecond
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}
