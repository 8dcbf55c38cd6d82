package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/alecthomas/assert/v2"
)

const recipe = `
tables:
  - name: users
    fields: [id, name]
nodes:
  - name: user_count
    aggregate: {parent: users, group: [id], func: count}
views:
  - name: count_by_id
    node: user_count
    key: [id]
`

func writeRecipe(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "recipe.yaml")
	assert.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestValidate(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		out, err := execute(t, "", "validate", writeRecipe(t, recipe))
		assert.NoError(t, err)
		assert.Equal(t, "table users(id, name)\nview count_by_id(id, count)\n", out)
	})

	t.Run("invalid", func(t *testing.T) {
		_, err := execute(t, "", "validate", writeRecipe(t, "views: [{name: v, node: missing, key: [a]}]\n"))
		assert.Error(t, err)
	})

	t.Run("missing argument", func(t *testing.T) {
		_, err := execute(t, "", "validate")
		assert.Error(t, err)
	})
}

func TestGraphviz(t *testing.T) {
	out, err := execute(t, "", "graphviz", writeRecipe(t, recipe))
	assert.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "digraph"))
	assert.Contains(t, out, "user_count")
}

func TestRun(t *testing.T) {
	stdin := strings.Join([]string{
		`{"op": "insert", "table": "users", "rows": [[1, "ada"], [1, "bob"], [2, "eve"]]}`,
		`{"op": "sync"}`,
		`{"op": "read", "view": "count_by_id", "key": [1]}`,
		`{"op": "insert", "table": "nope", "rows": [[1]]}`,
		`{"op": "fly"}`,
		``,
	}, "\n")
	out, err := execute(t, stdin, "run", "--recipe", writeRecipe(t, recipe), "--log-format", "json", "--log-level", "error")
	assert.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	assert.Equal(t, 5, len(lines))
	assert.Equal(t, `{}`, lines[0])
	assert.Equal(t, `{}`, lines[1])
	assert.Equal(t, `{"rows":[[1,2]]}`, lines[2])

	var resp response
	assert.NoError(t, json.Unmarshal([]byte(lines[3]), &resp))
	assert.Contains(t, resp.Error, "unknown table")
	assert.NoError(t, json.Unmarshal([]byte(lines[4]), &resp))
	assert.Contains(t, resp.Error, `unknown op "fly"`)
}

func TestRunFlags(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{name: "bad durability", args: []string{"run", "--durability", "forever"}},
		{name: "bad log format", args: []string{"run", "--log-format", "xml"}},
		{name: "bad log level", args: []string{"run", "--log-level", "loud"}},
		{name: "missing recipe", args: []string{"run", "--recipe", "/does/not/exist.yaml"}},
		{name: "permanent without dir", args: []string{"run", "--durability", "permanent"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := execute(t, "", tt.args...)
			assert.Error(t, err)
		})
	}
}
