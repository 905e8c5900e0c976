package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "fibersync", cmd.Use)
	assert.Contains(t, cmd.Long, "SQLite mirror")
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	commands := []string{"run", "sync", "status", "tasks", "enqueue", "drain", "retry", "discard", "query", "reset", "test"}

	for _, cmdName := range commands {
		t.Run(cmdName, func(t *testing.T) {
			subCmd, _, err := cmd.Find([]string{cmdName})
			require.NoError(t, err, "Command %s should exist", cmdName)
			require.NotNil(t, subCmd)
			assert.Equal(t, cmdName, subCmd.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	verboseFlag := cmd.PersistentFlags().Lookup("verbose")
	require.NotNil(t, verboseFlag)
	assert.Equal(t, "v", verboseFlag.Shorthand)
	assert.Equal(t, "false", verboseFlag.DefValue)

	formatFlag := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, formatFlag)
	assert.Equal(t, "text", formatFlag.DefValue)

	for _, name := range []string{"db", "registry", "config"} {
		flag := cmd.PersistentFlags().Lookup(name)
		require.NotNil(t, flag, name)
		assert.Equal(t, "", flag.DefValue)
	}
}

func TestSubcommandFlags(t *testing.T) {
	tests := []struct {
		command string
		flag    string
		def     string
	}{
		{"enqueue", "drain", "false"},
		{"tasks", "status", "[]"},
		{"query", "local-first", "false"},
		{"query", "optimistic", "false"},
		{"query", "limit", "0"},
		{"query", "order-by", ""},
		{"reset", "yes", "false"},
		{"test", "update", "false"},
		{"test", "filter", ""},
		{"test", "golden-dir", ""},
	}

	for _, tt := range tests {
		t.Run(tt.command+"/"+tt.flag, func(t *testing.T) {
			cmd := NewRootCommand()
			sub, _, err := cmd.Find([]string{tt.command})
			require.NoError(t, err)
			flag := sub.Flags().Lookup(tt.flag)
			require.NotNil(t, flag)
			assert.Equal(t, tt.def, flag.DefValue)
		})
	}
}

func TestCommandHelp(t *testing.T) {
	buf := &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"--help"})
	require.NoError(t, cmd.Execute())
	assert.Contains(t, buf.String(), "FIBERSYNC_")
	assert.Contains(t, buf.String(), "enqueue")
}

func TestFormatValidation(t *testing.T) {
	assert.True(t, isValidFormat("text"))
	assert.True(t, isValidFormat("json"))
	assert.False(t, isValidFormat("xml"))
	assert.False(t, isValidFormat(""))
}

func TestExecuteExitCodes(t *testing.T) {
	clearEnv(t)
	db := filepath.Join(t.TempDir(), "mirror.db")

	tests := []struct {
		name string
		args []string
		want int
	}{
		{"help", []string{"--help"}, ExitSuccess},
		{"invalid format", []string{"status", "--format", "xml", "--db", db}, ExitCommandError},
		{"unknown flag", []string{"status", "--bogus"}, ExitCommandError},
		{"status", []string{"status", "--db", db}, ExitSuccess},
		{"run without server", []string{"run", "--db", db}, ExitCommandError},
		{"missing config", []string{"status", "--config", filepath.Join(t.TempDir(), "nope.yaml")}, ExitCommandError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stdout, stderr := &bytes.Buffer{}, &bytes.Buffer{}
			code := Execute(context.Background(), tt.args, stdout, stderr)
			assert.Equal(t, tt.want, code, "stderr: %s", stderr.String())
		})
	}
}

func TestExecuteReportsJSONErrors(t *testing.T) {
	clearEnv(t)
	stdout, stderr := &bytes.Buffer{}, &bytes.Buffer{}
	code := Execute(context.Background(),
		[]string{"reset", "--format", "json", "--db", filepath.Join(t.TempDir(), "mirror.db")}, stdout, stderr)
	assert.Equal(t, ExitCommandError, code)

	var resp CLIResponse
	require.NoError(t, json.Unmarshal(stderr.Bytes(), &resp))
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "E_EXIT_2", resp.Error.Code)
	assert.Contains(t, resp.Error.Message, "--yes")
}
