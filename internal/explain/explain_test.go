package explain

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/querypilot/internal/ir"
	"github.com/roach88/querypilot/internal/oracle"
)

var unsetSalary = ir.MustParse(`{"operation": "update", "collection": "faculty", "filter": {"name": "Komal"}, "update": {"$unset": {"salary": ""}}}`)

func TestPrompt_Golden(t *testing.T) {
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	prompt, err := Prompt(unsetSalary)
	require.NoError(t, err)
	g.Assert(t, "prompt_unset_salary", []byte(prompt))
}

func TestExplain(t *testing.T) {
	o := oracle.NewScripted(oracle.Reply{Text: "  Removes the salary field from Komal's faculty record.\n"})
	e := New(o)

	got := e.Explain(context.Background(), unsetSalary)
	assert.Equal(t, "Removes the salary field from Komal's faculty record.", got)

	require.Len(t, o.Params(), 1)
	assert.Equal(t, oracle.ExplainParams, o.Params()[0])
	assert.Contains(t, o.Prompts()[0], `"collection": "faculty"`)
}

func TestExplain_Fallbacks(t *testing.T) {
	tests := []struct {
		name   string
		oracle oracle.Oracle
		want   string
	}{
		{"no oracle", nil, "Explanation unavailable: no oracle configured"},
		{"missing key", oracle.NewScripted(oracle.Reply{Err: &oracle.Error{Code: oracle.ErrCodeMissingCredential, Message: "API key missing"}}), "Explanation unavailable: API key missing"},
		{"network", oracle.NewScripted(oracle.Reply{Err: errors.New("connection refused")}), "Explanation unavailable: connection refused"},
		{"empty", oracle.NewScripted(oracle.Reply{Text: "  "}), "Explanation unavailable: empty reply"},
		{"exhausted", oracle.NewScripted(), "Explanation unavailable: " + oracle.ErrScriptExhausted.Error()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := New(tt.oracle).Explain(context.Background(), unsetSalary)
			assert.Equal(t, tt.want, got)
			assert.True(t, strings.HasPrefix(got, FallbackPrefix))
		})
	}
}

func TestWithParams(t *testing.T) {
	o := oracle.NewScripted(oracle.Reply{Text: "ok"})
	p := oracle.Params{Temperature: 0.5, MaxOutputTokens: 64}
	New(o, WithParams(p), WithLogger(nil)).Explain(context.Background(), unsetSalary)
	assert.Equal(t, p, o.Params()[0])
}
