package updater

import (
	"time"

	"fwflash/protocol"
)

// Config holds the updater configuration.
type Config struct {
	// ProgressCallback is called at each phase and after every chunk (optional)
	ProgressCallback ProgressCallback

	// Logger is used for session events (optional)
	Logger protocol.Logger

	// Timeout bounds each wait for a bootloader frame
	Timeout time.Duration

	// SyncInterval is the delay between sync sequence writes
	SyncInterval time.Duration

	// SyncTimeout bounds the whole sync phase
	SyncTimeout time.Duration

	// EraseDelay is how long the device is given to erase the application region
	EraseDelay time.Duration

	// DeviceID is reported in the DEVICE_ID_RES frame
	DeviceID byte
}

// DefaultEraseDelay matches the bootloader's erase time for the full application region
const DefaultEraseDelay = 3 * time.Second

// defaultConfig returns the default configuration.
func defaultConfig() Config {
	return Config{
		Timeout:      protocol.DefaultTimeout,
		SyncInterval: protocol.DefaultSyncInterval,
		SyncTimeout:  protocol.DefaultTimeout,
		EraseDelay:   DefaultEraseDelay,
		DeviceID:     protocol.DeviceID,
	}
}

// Option is a functional option for configuring the Updater.
type Option func(*Config)

// WithProgressCallback sets a callback function to track update progress.
//
// Example:
//
//	u := updater.New(link,
//	    updater.WithProgressCallback(func(p updater.Progress) {
//	        fmt.Printf("%s %.1f%%\n", p.Phase, p.Percentage)
//	    }),
//	)
func WithProgressCallback(callback ProgressCallback) Option {
	return func(c *Config) {
		c.ProgressCallback = callback
	}
}

// WithLogger sets a logger for session events.
func WithLogger(logger protocol.Logger) Option {
	return func(c *Config) {
		c.Logger = logger
	}
}

// WithTimeout sets the per-frame wait timeout. Non-positive values are ignored.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Config) {
		if timeout > 0 {
			c.Timeout = timeout
		}
	}
}

// WithSyncInterval sets the delay between sync sequence writes.
func WithSyncInterval(interval time.Duration) Option {
	return func(c *Config) {
		if interval > 0 {
			c.SyncInterval = interval
		}
	}
}

// WithSyncTimeout sets how long to keep syncing before giving up.
func WithSyncTimeout(timeout time.Duration) Option {
	return func(c *Config) {
		if timeout > 0 {
			c.SyncTimeout = timeout
		}
	}
}

// WithEraseDelay sets the settle time after the length exchange.
// Zero skips the delay.
func WithEraseDelay(delay time.Duration) Option {
	return func(c *Config) {
		if delay >= 0 {
			c.EraseDelay = delay
		}
	}
}

// WithDeviceID overrides the device ID reported to the bootloader.
func WithDeviceID(id byte) Option {
	return func(c *Config) {
		c.DeviceID = id
	}
}
