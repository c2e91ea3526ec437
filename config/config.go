package config

import (
	"github.com/kelseyhightower/envconfig"
	"github.com/pkg/errors"

	"github.com/outofforest/objspace/logging"
)

const prefix = "OBJSPACE"

// Config holds configuration of the object space.
type Config struct {
	View    ViewConfig
	Logging LogConfig
	Kernel  KernelConfig
}

// ViewConfig defines geometry of the view.
type ViewConfig struct {
	Entries     uint32 `envconfig:"VIEW_ENTRIES" default:"131072"`
	Buckets     uint32 `envconfig:"VIEW_BUCKETS" default:"1024"`
	AllocStart  uint32 `envconfig:"VIEW_ALLOC_START" default:"65552"`
	AllocMax    uint32 `envconfig:"VIEW_ALLOC_MAX" default:"106495"`
	ControlSlot uint32 `envconfig:"VIEW_CONTROL_SLOT" default:"131056"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"LOG_DEV" default:"false"`
}

// KernelConfig holds configuration of the in-memory kernel.
type KernelConfig struct {
	Dir        string `envconfig:"KERNEL_DIR"`
	MaxObjects int    `envconfig:"KERNEL_MAX_OBJECTS" default:"0"`
}

// Default returns default configuration.
func Default() Config {
	return Config{
		View: DefaultView(),
		Logging: LogConfig{
			Level: "info",
		},
	}
}

// DefaultView returns default view geometry.
func DefaultView() ViewConfig {
	return ViewConfig{
		Entries:     0x20000,
		Buckets:     1024,
		AllocStart:  0x10010,
		AllocMax:    0x19fff,
		ControlSlot: 0x1fff0,
	}
}

// Load loads configuration from environment variables.
func Load() (Config, error) {
	var cfg Config
	if err := envconfig.Process(prefix, &cfg); err != nil {
		return Config{}, errors.Wrap(err, "loading config failed")
	}
	if err := cfg.View.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate verifies that geometry is consistent.
func (c ViewConfig) Validate() error {
	switch {
	case c.Buckets == 0:
		return errors.New("number of buckets must be positive")
	case c.AllocStart > c.AllocMax:
		return errors.Errorf("allocation range [%#x, %#x] is empty", c.AllocStart, c.AllocMax)
	case c.AllocMax >= c.Entries:
		return errors.Errorf("allocation range [%#x, %#x] exceeds %#x entries", c.AllocStart, c.AllocMax, c.Entries)
	case c.ControlSlot >= c.Entries:
		return errors.Errorf("control slot %#x exceeds %#x entries", c.ControlSlot, c.Entries)
	case c.ControlSlot >= c.AllocStart && c.ControlSlot <= c.AllocMax:
		return errors.Errorf("control slot %#x is inside allocation range", c.ControlSlot)
	}
	return nil
}

// LoggingConfig converts configuration to the one expected by logger.
func (c LogConfig) LoggingConfig() logging.Config {
	return logging.Config{
		Level:       c.Level,
		Development: c.Development,
	}
}
