package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	require.Equal(t, "sqlite", cfg.Database.Driver)
	require.Equal(t, 65535.0, cfg.Workflow.SequenceSeed)
	require.Equal(t, 15000.0, cfg.Workflow.SequenceStep)
	require.Equal(t, 15*time.Second, cfg.Server.ReadTimeout)
	require.True(t, cfg.TransitionDefaultAllow())
}

func TestFromYAMLOverlaysDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte(`
database:
  driver: postgres
  url: postgres://u:p@localhost:5432/stateline
workflow:
  transition_default: deny
policy:
  overrides:
    state.create: member
`))
	require.NoError(t, err)
	require.Equal(t, "postgres", cfg.Database.Driver)
	require.Equal(t, "127.0.0.1:8080", cfg.Server.Addr)
	require.False(t, cfg.TransitionDefaultAllow())

	policy, err := cfg.PolicyTable()
	require.NoError(t, err)
	role, ok := policy.Required("state.create")
	require.True(t, ok)
	require.Equal(t, "member", role.String())
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"bad driver":     "database:\n  driver: mysql\n",
		"postgres url":   "database:\n  driver: postgres\n",
		"bad default":    "workflow:\n  transition_default: maybe\n",
		"bad step":       "workflow:\n  sequence_step: 0\n",
		"bad log level":  "log:\n  level: loud\n",
		"bad override":   "policy:\n  overrides:\n    state.fly: admin\n",
		"bad base path":  "server:\n  base_path: api\n",
		"malformed yaml": "server: [",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := FromYAML([]byte(doc))
			require.Error(t, err)
		})
	}
}

func TestLoadOptional(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(Path(dir))
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)

	_, err = Load(Path(dir))
	require.Error(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte("log:\n  level: debug\n"), 0o644))
	cfg, err = Load(Path(dir))
	require.NoError(t, err)
	require.Equal(t, "debug", cfg.Log.Level)
}
