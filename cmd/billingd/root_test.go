package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runCmd(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestRootCmd_ListsSubcommands(t *testing.T) {
	out, err := runCmd(t, "--help")
	require.NoError(t, err)
	for _, name := range []string{"serve", "migrate", "rates"} {
		assert.Contains(t, out, name)
	}
}

func TestRatesCheck(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rates.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[default]
chat = 199
phone = 299

[providers.reader-42]
video = 599
`), 0o600))

	out, err := runCmd(t, "rates", "check", path)
	require.NoError(t, err)
	assert.Contains(t, out, "(default)")
	assert.Contains(t, out, "chat")
	assert.Contains(t, out, "reader-42")
	assert.Contains(t, out, "599")
}

func TestRatesCheck_RejectsUnknownType(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rates.toml")
	require.NoError(t, os.WriteFile(path, []byte("[default]\nfax = 10\n"), 0o600))

	_, err := runCmd(t, "rates", "check", path)
	assert.ErrorContains(t, err, "unknown session type")
}

func TestRatesSet_ValidatesArguments(t *testing.T) {
	_, err := runCmd(t, "rates", "set", "reader-1", "fax", "100")
	assert.ErrorContains(t, err, "unknown session type")

	_, err = runCmd(t, "rates", "set", "reader-1", "chat", "free")
	assert.ErrorContains(t, err, "positive number of cents")
}

func TestMigrate_RequiresPostgres(t *testing.T) {
	t.Setenv("STORE_BACKEND", "memory")
	_, err := runCmd(t, "migrate")
	assert.ErrorContains(t, err, "STORE_BACKEND=postgres")
}
