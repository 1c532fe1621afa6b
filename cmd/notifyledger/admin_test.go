package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notifyledger/internal/model"
)

func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	dsn := "file:" + filepath.Join(dir, "cli.db") + "?_pragma=busy_timeout(5000)"
	path := filepath.Join(dir, "config.yaml")
	content := "storage:\n  driver: sqlite\n  dsn: \"" + dsn + "\"\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestPolicyCommands(t *testing.T) {
	cfg := writeConfig(t)

	_, err := run(t, "--config", cfg, "policy", "set-mode", "bank1", "automatic")
	require.NoError(t, err)
	_, err = run(t, "--config", cfg, "policy", "set-window", "bank1", "2m")
	require.NoError(t, err)
	_, err = run(t, "--config", cfg, "policy", "block", "bank1", "refund", " refund ")
	require.NoError(t, err)

	out, err := run(t, "--config", cfg, "policy", "get", "bank1")
	require.NoError(t, err)
	var rec model.PolicyRecord
	require.NoError(t, json.Unmarshal([]byte(out), &rec))
	assert.Equal(t, model.ModeAutomatic, rec.Mode)
	assert.Equal(t, 120, rec.AmountWindowSeconds)
	assert.Len(t, rec.Blacklist, 1)

	_, err = run(t, "--config", cfg, "policy", "set-mode", "bank1", "sometimes")
	require.Error(t, err)
	_, err = run(t, "--config", cfg, "policy", "set-threshold", "bank1", "2")
	require.Error(t, err)

	out, err = run(t, "--config", cfg, "policy", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "bank1")
	assert.Contains(t, out, "automatic")

	_, err = run(t, "--config", cfg, "policy", "delete", "bank1")
	require.NoError(t, err)
	_, err = run(t, "--config", cfg, "policy", "delete", "bank1")
	require.Error(t, err)
}

func TestLedgerAndQueueCommands(t *testing.T) {
	cfg := writeConfig(t)

	out, err := run(t, "--config", cfg, "ledger", "stats")
	require.NoError(t, err)
	assert.Contains(t, out, "total")

	out, err = run(t, "--config", cfg, "ledger", "clear")
	require.NoError(t, err)
	assert.Contains(t, out, "deleted 0 records")

	_, err = run(t, "--config", cfg, "queue", "cancel")
	require.Error(t, err)

	out, err = run(t, "--config", cfg, "queue", "cancel", "--app", "bank1", "--candidate", "n-1")
	require.NoError(t, err)
	assert.Contains(t, out, "cancelled 0 entries")

	_, err = run(t, "--config", cfg, "queue", "cancel", "missing")
	require.Error(t, err)

	out, err = run(t, "--config", cfg, "queue", "recent", "--status", "pending")
	require.NoError(t, err)
	assert.Contains(t, out, "STATUS")
}

func TestParseSeconds(t *testing.T) {
	n, err := parseSeconds("300")
	require.NoError(t, err)
	assert.Equal(t, 300, n)

	n, err = parseSeconds("90s")
	require.NoError(t, err)
	assert.Equal(t, 90, n)

	_, err = parseSeconds("soon")
	require.Error(t, err)
}
