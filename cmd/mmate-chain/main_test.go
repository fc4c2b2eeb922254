package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestPhasesCommand(t *testing.T) {
	t.Run("default phases", func(t *testing.T) {
		out, err := run(t, "phases")
		require.NoError(t, err)

		assert.Contains(t, out, "Inbound phases")
		assert.Contains(t, out, "Outbound phases")
		assert.Contains(t, out, "pre-invoke")
		assert.Contains(t, out, "prepare-send-ending")
	})

	t.Run("configured phases", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "mmate.yaml")
		require.NoError(t, os.WriteFile(path, []byte("phases:\n  in:\n    - name: audit\n      after: invoke\n"), 0o644))

		out, err := run(t, "phases", "--config", path)
		require.NoError(t, err)
		assert.Contains(t, out, "audit")
	})

	t.Run("bad anchor", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "mmate.yaml")
		require.NoError(t, os.WriteFile(path, []byte("phases:\n  out:\n    - name: audit\n      after: nowhere\n"), 0o644))

		_, err := run(t, "phases", "-c", path)
		assert.ErrorContains(t, err, "out phases")
	})
}

func TestInterceptorsCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mmate.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
interceptors:
  in:
    - name: logging
    - name: metrics
  out:
    - name: logging-out
`), 0o644))

	out, err := run(t, "interceptors", "--config", path)
	require.NoError(t, err)

	assert.Contains(t, out, "Factories:")
	assert.Contains(t, out, "cel-filter")
	assert.Contains(t, out, "LoggingInterceptor")
	assert.Contains(t, out, "MetricsInterceptor")
	assert.Contains(t, out, "setup")
	assert.NotContains(t, out, "in-fault:")
}

func TestCallRejectsInvalidBody(t *testing.T) {
	_, err := run(t, "call", "orders", "echo", "{not json")
	assert.ErrorContains(t, err, "not valid JSON")
}

func TestEchoService(t *testing.T) {
	svc := echoService()
	assert.Equal(t, []string{"echo", "fail"}, svc.Operations())
}
