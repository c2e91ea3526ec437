package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	requireT := require.New(t)

	cfg, err := Load()
	requireT.NoError(err)
	requireT.Equal(Default(), cfg)
}

func TestLoadFromEnv(t *testing.T) {
	requireT := require.New(t)

	t.Setenv("OBJSPACE_VIEW_ENTRIES", "64")
	t.Setenv("OBJSPACE_VIEW_BUCKETS", "4")
	t.Setenv("OBJSPACE_VIEW_ALLOC_START", "16")
	t.Setenv("OBJSPACE_VIEW_ALLOC_MAX", "19")
	t.Setenv("OBJSPACE_VIEW_CONTROL_SLOT", "63")
	t.Setenv("OBJSPACE_LOG_LEVEL", "debug")
	t.Setenv("OBJSPACE_KERNEL_DIR", "/tmp/objects")

	cfg, err := Load()
	requireT.NoError(err)
	requireT.Equal(ViewConfig{
		Entries:     64,
		Buckets:     4,
		AllocStart:  16,
		AllocMax:    19,
		ControlSlot: 63,
	}, cfg.View)
	requireT.Equal("debug", cfg.Logging.LoggingConfig().Level)
	requireT.Equal("/tmp/objects", cfg.Kernel.Dir)
}

func TestLoadRejectsInvalidGeometry(t *testing.T) {
	t.Setenv("OBJSPACE_VIEW_ALLOC_MAX", "200000")

	_, err := Load()
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	requireT := require.New(t)

	requireT.NoError(DefaultView().Validate())

	cfg := DefaultView()
	cfg.Buckets = 0
	requireT.Error(cfg.Validate())

	cfg = DefaultView()
	cfg.AllocStart = cfg.AllocMax + 1
	requireT.Error(cfg.Validate())

	cfg = DefaultView()
	cfg.ControlSlot = cfg.AllocStart
	requireT.Error(cfg.Validate())
}
