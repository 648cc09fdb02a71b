package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_StrictValidationAndSanePaths(t *testing.T) {
	// Defaults are strict-mode with runtime paths rooted under .zace/
	cfg := Default("/ws")
	assert.Equal(t, ValidationStrict, cfg.CompletionValidationMode)
	assert.Equal(t, filepath.Join("/ws", ".zace", "approvals.json"), cfg.ApprovalRulesPath)
	assert.Equal(t, filepath.Join("/ws", ".zace", "runtime", "lsp", "servers.json"), cfg.LspServerConfigPath)
	assert.True(t, cfg.GateDisallowMasking)
	require.NoError(t, cfg.validate())
}

func TestLoad_YamlOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ".zace"), 0o755))
	yaml := "maxSteps: 7\ncompletionValidationMode: balanced\ndoomLoopThreshold: 5\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".zace", "config.yaml"), []byte(yaml), 0o644))

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.MaxSteps)
	assert.Equal(t, ValidationBalanced, cfg.CompletionValidationMode)
	assert.Equal(t, 5, cfg.DoomLoopThreshold)
	// WorkspaceRoot is pinned to the load root even if the file sets it
	assert.Equal(t, dir, cfg.WorkspaceRoot)
}

func TestLoad_EnvWinsOverYaml(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ".zace"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".zace", "config.yaml"), []byte("maxSteps: 7\n"), 0o644))
	t.Setenv("ZACE_MAX_STEPS", "3")
	t.Setenv("ZACE_STREAM", "true")

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.MaxSteps)
	assert.True(t, cfg.Stream)
}

func TestLoad_PendingActionMaxAgeFromMs(t *testing.T) {
	t.Setenv("ZACE_PENDING_ACTION_MAX_AGE_MS", "60000")
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, time.Minute, cfg.PendingActionMaxAge)
}

func TestLoad_RejectsUnknownValidationMode(t *testing.T) {
	t.Setenv("ZACE_COMPLETION_VALIDATION_MODE", "yolo")
	_, err := Load(t.TempDir())
	require.Error(t, err)
}

func TestLoad_MalformedEnvIntIgnored(t *testing.T) {
	// A non-numeric value leaves the default untouched
	t.Setenv("ZACE_MAX_STEPS", "lots")
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, Default(cfg.WorkspaceRoot).MaxSteps, cfg.MaxSteps)
}
