package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wyn/collab/internal/domain"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("", nil)
	require.NoError(t, err)

	assert.Equal(t, domain.DefaultHost, cfg.Host)
	assert.Equal(t, 5222, cfg.Port)
	assert.Equal(t, "simon@collab.coshx", cfg.Identity)
	assert.Equal(t, 10000, cfg.NumberRuns)
	assert.Equal(t, 0, cfg.MaxActiveRuns)
	assert.Equal(t, time.Duration(0), cfg.StallTimeout)
	assert.Equal(t, 30*time.Second, cfg.PingInterval)
	assert.Equal(t, "/ws", cfg.WSPath)
}

func TestLoadPrecedence(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	path := filepath.Join(dir, "harness.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
host: collab.internal
port: 6000
stall_timeout: 2m
number_runs: 500
api_users:
  - identity: simon@collab.coshx
    credential: secret
`), 0o600))

	t.Setenv("COLLAB_PORT", "7000")
	t.Setenv("COLLAB_CREDENTIAL", "from-env")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.Int("number-runs", 0, "")
	flags.String("host", "", "")
	require.NoError(t, flags.Parse([]string{"--number-runs=42"}))

	cfg, err := Load(path, flags)
	require.NoError(t, err)

	assert.Equal(t, "collab.internal", cfg.Host, "unset flags must not override")
	assert.Equal(t, 7000, cfg.Port, "env overrides file")
	assert.Equal(t, "from-env", cfg.Credential)
	assert.Equal(t, 2*time.Minute, cfg.StallTimeout)
	assert.Equal(t, 42, cfg.NumberRuns, "flags override everything")
	assert.Equal(t, map[string]string{"simon@collab.coshx": "secret"}, cfg.Credentials())

	d := cfg.Descriptor()
	assert.Equal(t, "collab.internal:7000", d.Address())
	assert.Equal(t, "from-env", d.Credential)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"), nil)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("COLLAB_PORT", "70000")
	_, err := Load("", nil)
	assert.Error(t, err)
}
