package cli

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// orderSpec declares Order (unique on orderId) and Audit.
var orderSpec = filepath.Join("..", "harness", "testdata", "specs", "order.cue")

// execute runs the root command with args and returns stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

// storeArgs points a command at a fresh database and the order spec.
func storeArgs(t *testing.T) []string {
	t.Helper()
	return []string{"--db", filepath.Join(t.TempDir(), "saga.db"), "--variants", orderSpec}
}

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "sagastore", cmd.Use)
	assert.Contains(t, cmd.Long, "unique identity record")
	assert.NotEmpty(t, cmd.Version)
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	commands := []string{"validate", "test", "save", "update", "get", "lookup", "complete", "index"}

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

	dbFlag := cmd.PersistentFlags().Lookup("db")
	require.NotNil(t, dbFlag)
	assert.Equal(t, "sagastore.db", dbFlag.DefValue)

	require.NotNil(t, cmd.PersistentFlags().Lookup("variants"))
	require.NotNil(t, cmd.PersistentFlags().Lookup("config"))
}

func TestSaveCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	saveCmd, _, err := cmd.Find([]string{"save"})
	require.NoError(t, err)

	fieldFlag := saveCmd.Flags().Lookup("field")
	require.NotNil(t, fieldFlag)
	assert.Equal(t, "f", fieldFlag.Shorthand)
	require.NotNil(t, saveCmd.Flags().Lookup("id"))
}

func TestIndexCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	indexCmd, _, err := cmd.Find([]string{"index"})
	require.NoError(t, err)

	intervalFlag := indexCmd.Flags().Lookup("interval")
	require.NotNil(t, intervalFlag)
	assert.Equal(t, "1s", intervalFlag.DefValue)
	require.NotNil(t, indexCmd.Flags().Lookup("watch"))
	require.NotNil(t, indexCmd.Flags().Lookup("metrics-addr"))
}

func TestFormatValidation(t *testing.T) {
	assert.True(t, isValidFormat("text"))
	assert.True(t, isValidFormat("json"))

	assert.False(t, isValidFormat("xml"))
	assert.False(t, isValidFormat(""))
	assert.False(t, isValidFormat("TEXT"))
}

func TestFormatValidationIntegration(t *testing.T) {
	_, err := execute(t, "--format", "invalid", "validate", orderSpec)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid format")
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestConfigLayering(t *testing.T) {
	dir := t.TempDir()
	db := filepath.Join(dir, "from-config.db")
	config := filepath.Join(dir, "sagastore.yaml")
	require.NoError(t, os.WriteFile(config, []byte(
		"db: "+db+"\nvariants: "+orderSpec+"\nformat: json\nindex_interval: 250ms\n"), 0o644))

	// Config file values apply when no flag is given.
	out, err := execute(t, "--config", config, "save", "Order", "--id", "S1", "--field", "orderId=O1")
	require.NoError(t, err)
	assert.Contains(t, out, `"status":"ok"`)
	_, err = os.Stat(db)
	require.NoError(t, err, "database should be created at the configured path")

	// Flags win over the config file.
	out, err = execute(t, "--config", config, "--format", "text", "get", "Order", "S1")
	require.NoError(t, err)
	assert.Contains(t, out, "Order S1")
}

func TestConfigFileMissing(t *testing.T) {
	_, err := execute(t, "--config", filepath.Join(t.TempDir(), "nope.yaml"), "validate", orderSpec)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "reading config")
}

func TestEnvironmentOverride(t *testing.T) {
	t.Setenv("SAGASTORE_FORMAT", "json")
	t.Setenv("SAGASTORE_VARIANTS", orderSpec)

	out, err := execute(t, "validate")
	require.NoError(t, err)
	assert.Contains(t, out, `"status":"ok"`)
}

func TestRootOptionsLoad(t *testing.T) {
	t.Setenv("SAGASTORE_INDEX_INTERVAL", "2s")
	t.Setenv("SAGASTORE_DB", "/tmp/env.db")

	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()
	v.SetDefault(keyFormat, "text")

	opts := &RootOptions{}
	require.NoError(t, opts.load(v, io.Discard))
	assert.Equal(t, 2*time.Second, opts.IndexInterval)
	assert.Equal(t, "/tmp/env.db", opts.Database)
	assert.Equal(t, "text", opts.Format)
	assert.False(t, opts.Verbose)
	assert.NotNil(t, opts.Logger)
}
