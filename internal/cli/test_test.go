package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const scenariosDir = "../harness/testdata/scenarios"

func runTestCommand(t *testing.T, format string, args ...string) (string, error) {
	t.Helper()
	buf := &bytes.Buffer{}
	cmd := NewTestCommand(&RootOptions{Format: format})
	cmd.SetOut(buf)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

// copyScenario copies a checked-in scenario into dir/scenarios.
func copyScenario(t *testing.T, dir, name string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(scenariosDir, name+".yaml"))
	require.NoError(t, err)
	target := filepath.Join(dir, "scenarios")
	require.NoError(t, os.MkdirAll(target, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(target, name+".yaml"), data, 0644))
	return target
}

func TestTestCommandMissingArgs(t *testing.T) {
	_, err := runTestCommand(t, "text")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "accepts 1 arg")
}

func TestTestCommandNonExistentDir(t *testing.T) {
	_, err := runTestCommand(t, "text", "/nonexistent/scenarios")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "scenarios directory not found")
}

func TestTestCommandEmptyDir(t *testing.T) {
	dir := t.TempDir()

	out, err := runTestCommand(t, "text", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "No scenarios found.")

	out, err = runTestCommand(t, "json", dir)
	require.NoError(t, err)
	var resp struct {
		Status string     `json:"status"`
		Data   TestResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Zero(t, resp.Data.Total)
}

func TestTestCommandScenarios(t *testing.T) {
	out, err := runTestCommand(t, "text", scenariosDir)
	require.NoError(t, err, out)
	assert.Contains(t, out, "✓ insert_john")
	assert.Contains(t, out, "✓ transaction_abort")
	assert.Contains(t, out, "Test Summary: 6 passed, 0 failed, 6 total")
	assert.Contains(t, out, "All scenarios passed")
}

func TestTestCommandJSON(t *testing.T) {
	out, err := runTestCommand(t, "json", scenariosDir, "--filter", "insert_*")
	require.NoError(t, err, out)

	var resp struct {
		Status string     `json:"status"`
		Data   TestResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, 1, resp.Data.Total)
	require.Len(t, resp.Data.Scenarios, 1)
	assert.Equal(t, "insert_john", resp.Data.Scenarios[0].Name)
	assert.True(t, resp.Data.Scenarios[0].Pass)
}

func TestTestCommandInvalidFilter(t *testing.T) {
	_, err := runTestCommand(t, "text", scenariosDir, "--filter", "[")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestTestCommandUpdateGolden(t *testing.T) {
	dir := t.TempDir()
	scenarios := copyScenario(t, dir, "insert_john")
	goldenPath := filepath.Join(dir, "golden", "insert_john.golden")

	out, err := runTestCommand(t, "text", scenarios, "--update")
	require.NoError(t, err, out)

	written, err := os.ReadFile(goldenPath)
	require.NoError(t, err)
	want, err := os.ReadFile("../harness/testdata/golden/insert_john.golden")
	require.NoError(t, err)
	assert.Equal(t, string(want), string(written))

	out, err = runTestCommand(t, "text", scenarios)
	require.NoError(t, err, out)
	assert.Contains(t, out, "✓ insert_john")
}

func TestTestCommandGoldenMismatch(t *testing.T) {
	dir := t.TempDir()
	scenarios := copyScenario(t, dir, "insert_john")
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "golden"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "golden", "insert_john.golden"), []byte("stale\n"), 0644))

	out, err := runTestCommand(t, "text", scenarios)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.True(t, IsReported(err))
	assert.Contains(t, out, "✗ insert_john")
	assert.Contains(t, out, "trace does not match golden file")
	assert.Contains(t, out, "Test Summary: 0 passed, 1 failed, 1 total")
}

func TestTestCommandBadScenario(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.yaml"), []byte("name: broken\nsteps: [\n"), 0644))

	out, err := runTestCommand(t, "json", dir)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	var resp struct {
		Status string     `json:"status"`
		Data   TestResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "error", resp.Status)
	assert.Equal(t, 1, resp.Data.Failed)
	require.Len(t, resp.Data.Scenarios, 1)
	assert.Contains(t, resp.Data.Scenarios[0].Errors[0], "failed to load scenario")
}
