package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/alecthomas/assert/v2"

	"github.com/birdayz/flowvm/kwire"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func writeDemo(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "demo.flvm")
	_, err := execute(t, "demo", "-o", path)
	assert.NoError(t, err)
	return path
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	for _, name := range []string{"inspect", "run", "demo"} {
		t.Run(name, func(t *testing.T) {
			sub, _, err := cmd.Find([]string{name})
			assert.NoError(t, err)
			assert.Equal(t, name, sub.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	verbose := cmd.PersistentFlags().Lookup("verbose")
	assert.NotZero(t, verbose)
	assert.Equal(t, "v", verbose.Shorthand)

	format := cmd.PersistentFlags().Lookup("format")
	assert.NotZero(t, format)
	assert.Equal(t, "text", format.DefValue)

	_, err := execute(t, "--format", "xml", "demo")
	assert.Error(t, err)
}

func TestInspectDemo(t *testing.T) {
	path := writeDemo(t)

	out, err := execute(t, "inspect", path, "--format", "json")
	assert.NoError(t, err)

	var res InspectResult
	assert.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.True(t, res.Valid)
	assert.Equal(t, []string{"start"}, res.RootTypes)
	assert.Equal(t, []string{"int32"}, res.MemoryTypes)
	assert.Equal(t, 1, res.Globals)
	assert.Equal(t, []SchemeSummary{{Name: "twice", Logics: 2, SignalEdges: 2}}, res.Templates)
	assert.Equal(t, []SchemeSummary{{Name: "main", Logics: 1, Customs: 1, RootEdges: 1, SignalEdges: 1}}, res.Schemes)

	out, err = execute(t, "inspect", path)
	assert.NoError(t, err)
	assert.Contains(t, out, `scheme "main"`)
	assert.Contains(t, out, "valid")
}

func TestInspectInvalidProject(t *testing.T) {
	path := writeDemo(t)
	data, err := os.ReadFile(path)
	assert.NoError(t, err)
	p, err := kwire.Decode(data)
	assert.NoError(t, err)
	p.LogicTypes[0] = "unknown"
	bad := filepath.Join(t.TempDir(), "bad.flvm")
	assert.NoError(t, os.WriteFile(bad, kwire.Encode(p), 0o644))

	out, err := execute(t, "inspect", bad)
	assert.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "invalid:")

	garbage := filepath.Join(t.TempDir(), "garbage.flvm")
	assert.NoError(t, os.WriteFile(garbage, []byte("nope"), 0o644))
	_, err = execute(t, "inspect", garbage)
	assert.IsError(t, err, kwire.ErrInvalidFormat)

	_, err = execute(t, "inspect", filepath.Join(t.TempDir(), "missing"))
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestRunDemo(t *testing.T) {
	path := writeDemo(t)

	out, err := execute(t, "run", path, "--fire", "start:go", "--count", "3", "--dump", "--format", "json")
	assert.NoError(t, err)

	var res RunResult
	assert.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, 3, res.Signals)
	assert.Equal(t, []string{"main"}, res.Schemes)
	assert.Equal(t, []MemoryResult{{Index: 0, Type: "int32", Value: "6"}}, res.Globals)
}

func TestRunErrors(t *testing.T) {
	path := writeDemo(t)
	tests := []struct {
		name string
		args []string
		code int
	}{
		{name: "malformed fire", args: []string{"--fire", "start"}, code: ExitCommandError},
		{name: "unknown root", args: []string{"--fire", "clock:tick"}, code: ExitFailure},
		{name: "unknown exit", args: []string{"--fire", "start:stop"}, code: ExitFailure},
		{name: "negative count", args: []string{"--count", "-1"}, code: ExitCommandError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := execute(t, append([]string{"run", path}, tt.args...)...)
			assert.Error(t, err)
			assert.Equal(t, tt.code, GetExitCode(err))
		})
	}
}

func TestGetExitCode(t *testing.T) {
	assert.Equal(t, ExitSuccess, GetExitCode(nil))
	assert.Equal(t, ExitFailure, GetExitCode(os.ErrNotExist))
	assert.Equal(t, ExitCommandError, GetExitCode(WrapExitError(ExitCommandError, "x", nil)))
}
