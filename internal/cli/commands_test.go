package cli

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/querypilot/internal/oracle"
)

func TestValidateCommand(t *testing.T) {
	isolateEnv(t)

	run := runCLI(t, nil, "", "validate", `{"operation": "find", "collection": "students"}`)
	require.NoError(t, run.err)
	assert.Equal(t, "Valid query (find)\n", run.stdout)

	run = runCLI(t, nil, "", "validate", `{"operation": "update", "collection": "students", "filter": {}}`)
	require.Error(t, run.err)
	assert.Equal(t, ExitFailure, GetExitCode(run.err))
	assert.Contains(t, run.stdout, "validation failed [VALIDATION_FAILURE]: Update operation requires 'filter' and 'update'")

	run = runCLI(t, nil, "", "validate", `{"operation": "find"`)
	require.Error(t, run.err)
	assert.Contains(t, run.stdout, "generation failed [UNPARSEABLE_OUTPUT]")
}

func TestValidateCommand_Inputs(t *testing.T) {
	isolateEnv(t)

	// Fenced, single-quoted input is repaired like oracle output.
	stdin := "```json\n{'operation': 'count', 'collection': 'students'}\n```\n"
	run := runCLI(t, nil, stdin, "validate")
	require.NoError(t, run.err, run.stdout)
	assert.Equal(t, "Valid query (count)\n", run.stdout)

	path := filepath.Join(t.TempDir(), "request.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"operation": "delete", "collection": "students", "filter": {"name": "A"}}`), 0o644))
	run = runCLI(t, nil, "", "--format", "json", "validate", "@"+path)
	require.NoError(t, run.err)

	var resp struct {
		Data ValidationResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(run.stdout), &resp))
	assert.True(t, resp.Data.Valid)
	assert.Equal(t, "delete", string(resp.Data.Kind))

	run = runCLI(t, nil, "", "validate", "@"+filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, run.err)
	assert.Equal(t, ExitCommandError, GetExitCode(run.err))
}

func TestExecCommand(t *testing.T) {
	isolateEnv(t)
	o := oracle.NewScripted()

	run := runCLI(t, o, "", "exec", `{"operation": "insert", "collection": "rooms", "documents": [{"n": 1}, {"n": 2}]}`)
	require.NoError(t, run.err, run.stdout)
	assert.Contains(t, run.stdout, `"inserted_ids"`)
	assert.Zero(t, o.Calls())

	run = runCLI(t, o, "", "exec", `{"operation": "update", "collection": "rooms"}`)
	require.Error(t, run.err)
	assert.Contains(t, run.stdout, "validation failed [VALIDATION_FAILURE]")
}

func TestExecCommand_ExecutionFailure(t *testing.T) {
	isolateEnv(t)

	run := runCLI(t, oracle.NewScripted(), "", "--format", "json", "exec", `{"operation": "find", "collection": "students", "query": {"$where": "1"}}`)
	require.Error(t, run.err)
	assert.Equal(t, ExitFailure, GetExitCode(run.err))

	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(run.stdout), &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, "STORAGE_EXECUTION_FAILURE", resp.Error.Code)
}

func TestSchemaCommand(t *testing.T) {
	isolateEnv(t)

	run := runCLI(t, nil, "", "schema")
	require.NoError(t, run.err)
	for _, name := range []string{"students", "courses", "departments"} {
		assert.Contains(t, run.stdout, name)
	}

	run = runCLI(t, nil, "", "schema", "students")
	require.NoError(t, run.err)
	assert.Contains(t, run.stdout, `Fields of collection "students"`)
	assert.Contains(t, run.stdout, "- gpa: float")

	run = runCLI(t, nil, "", "schema", "rooms")
	require.NoError(t, run.err)
	assert.Contains(t, run.stdout, `No schema information is available for collection "rooms".`)

	run = runCLI(t, nil, "", "--format", "json", "schema", "courses")
	require.NoError(t, run.err)
	var resp struct {
		Data CollectionInfo `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(run.stdout), &resp))
	assert.Equal(t, "courses", resp.Data.Name)
	assert.Equal(t, 4, resp.Data.Samples)

	run = runCLI(t, nil, "", "--format", "json", "schema", "rooms")
	assert.Equal(t, ExitCommandError, GetExitCode(run.err))
}

func TestSeedCommand_Snapshot(t *testing.T) {
	isolateEnv(t)
	t.Setenv("QP_SNAPSHOT", filepath.Join(t.TempDir(), "data.qps"))

	run := runCLI(t, nil, "", "seed", "courses")
	require.NoError(t, run.err, run.stdout)
	assert.Contains(t, run.stdout, `Seeded 4 documents into "courses"`)
	assert.Contains(t, run.stdout, "title_text_description_text")

	run = runCLI(t, nil, "", "--format", "json", "seed", "courses")
	require.NoError(t, run.err)
	var resp struct {
		Data SeedResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(run.stdout), &resp))
	assert.Equal(t, int64(4), resp.Data.Existing)
	assert.Zero(t, resp.Data.Inserted)

	// The snapshot carries the data and the text index to the next run.
	o := oracle.NewScripted()
	run = runCLI(t, o, "", "exec", `{"operation": "advanced", "advanced_operation": "text_search", "collection": "courses", "search_term": "learning"}`)
	require.NoError(t, run.err, run.stdout)
	assert.Contains(t, run.stdout, "Result (3 items):")
	assert.Contains(t, run.stdout, "Machine Learning")

	run = runCLI(t, nil, "", "seed", "rooms")
	assert.Equal(t, ExitCommandError, GetExitCode(run.err))
}

func TestHistoryCommand_Journal(t *testing.T) {
	isolateEnv(t)
	dir := t.TempDir()
	t.Setenv("QP_HISTORY_DB", filepath.Join(dir, "history.db"))
	t.Setenv("QP_SNAPSHOT", filepath.Join(dir, "data.qps"))

	run := runCLI(t, nil, "", "history")
	require.NoError(t, run.err)
	assert.Equal(t, "No history.\n", run.stdout)

	run = runCLI(t, oracle.NewScripted(oracle.Reply{Text: insertJohn}), "", "ask", "Add John")
	require.NoError(t, run.err)
	run = runCLI(t, oracle.NewScripted(oracle.Reply{Text: `{"operation": "find"`}), "", "ask", "Broken")
	require.Error(t, run.err)

	run = runCLI(t, nil, "", "history")
	require.NoError(t, run.err)
	assert.Contains(t, run.stdout, " 1. [")
	assert.Contains(t, run.stdout, "students: Add John -> Operation")
	assert.NotContains(t, run.stdout, "Broken", "failures stay out of history")

	rerun := oracle.NewScripted(oracle.Reply{Text: insertJohn})
	run = runCLI(t, rerun, "", "history", "--rerun", "1")
	require.NoError(t, run.err, run.stdout)
	assert.Contains(t, run.stdout, `"inserted_id"`)
	require.Len(t, rerun.Prompts(), 1)
	assert.Contains(t, rerun.Prompts()[0], `Command: "Add John"`)

	run = runCLI(t, nil, "", "--format", "json", "history")
	require.NoError(t, run.err)
	var resp struct {
		Data []struct {
			Index  int             `json:"index"`
			Text   string          `json:"text"`
			Result json.RawMessage `json:"result"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(run.stdout), &resp))
	require.Len(t, resp.Data, 2)
	assert.Equal(t, 1, resp.Data[0].Index)
	assert.Equal(t, "Add John", resp.Data[0].Text)
	// The older entry was restored from the journal with its result.
	assert.Contains(t, string(resp.Data[1].Result), `"inserted_id"`)

	run = runCLI(t, nil, "", "history", "--rerun", "9")
	assert.Equal(t, ExitCommandError, GetExitCode(run.err))
}
