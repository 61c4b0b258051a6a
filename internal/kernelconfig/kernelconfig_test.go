package kernelconfig

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chdirTemp(t *testing.T) {
	t.Helper()
	prev, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { _ = os.Chdir(prev) })
}

func TestLoadAppliesDefaultsWithNoConfigFile(t *testing.T) {
	chdirTemp(t)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.Database.Mode)
	assert.Equal(t, 9090, cfg.Server.MetricsPort)
	assert.Equal(t, 64, cfg.Worker.PoolSize)
	assert.NotEmpty(t, cfg.Security.SigningKey, "signing key must be auto-generated on first boot")
}

func TestLoadRejectsPostgresModeWithoutURL(t *testing.T) {
	chdirTemp(t)
	t.Setenv("DATABASE_MODE", "postgres")

	_, err := Load()
	require.Error(t, err)
}

func TestLoadHonorsEnvironmentOverride(t *testing.T) {
	chdirTemp(t)
	t.Setenv("SERVER_METRICS_PORT", "7000")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 7000, cfg.Server.MetricsPort)
}
