package cli

import (
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/roach88/sagastore/internal/ir"
)

// RootOptions holds global flags for all commands.
// Values are layered by viper: flag, then SAGASTORE_* environment, then
// config file, then default.
type RootOptions struct {
	Verbose       bool
	Format        string // "json" | "text"
	ConfigFile    string
	Database      string
	Variants      string // CUE file or directory declaring saga variants
	IndexInterval time.Duration

	// Logger is built from Verbose before each command runs.
	Logger *slog.Logger
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// Configuration keys shared by flags, environment and config file.
const (
	keyDatabase      = "db"
	keyFormat        = "format"
	keyVerbose       = "verbose"
	keyVariants      = "variants"
	keyIndexInterval = "index_interval"
)

// envPrefix namespaces environment overrides, e.g. SAGASTORE_DB.
const envPrefix = "SAGASTORE"

// NewRootCommand creates the root command for the sagastore CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}
	v := viper.New()

	cmd := &cobra.Command{
		Use:     "sagastore",
		Version: ir.ModuleVersion,
		Short:   "sagastore - saga persistence with unique correlation values",
		Long: `Saga persistence on a SQLite document store.

Each saga variant may declare one unique correlation property. The store
keeps a unique identity record per (variant, property, value) so that two
sagas can never hold the same value, and lookups by that value are a single
key read.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.load(v, cmd.ErrOrStderr()); err != nil {
				return NewExitError(ExitCommandError, err.Error())
			}
			if !isValidFormat(opts.Format) {
				return NewExitError(ExitCommandError,
					fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			return nil
		},
	}

	// Global flags
	flags := cmd.PersistentFlags()
	flags.BoolP(keyVerbose, "v", false, "verbose output")
	flags.String(keyFormat, "text", "output format (json|text)")
	flags.StringVar(&opts.ConfigFile, "config", "", "config file (yaml, json or toml)")
	flags.String(keyDatabase, "sagastore.db", "path to SQLite database")
	flags.String(keyVariants, "", "CUE file or directory declaring saga variants")

	_ = v.BindPFlag(keyVerbose, flags.Lookup(keyVerbose))
	_ = v.BindPFlag(keyFormat, flags.Lookup(keyFormat))
	_ = v.BindPFlag(keyDatabase, flags.Lookup(keyDatabase))
	_ = v.BindPFlag(keyVariants, flags.Lookup(keyVariants))
	v.SetDefault(keyIndexInterval, time.Second)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	// Add subcommands
	cmd.AddCommand(NewValidateCommand(opts))
	cmd.AddCommand(NewTestCommand(opts))
	cmd.AddCommand(NewSaveCommand(opts))
	cmd.AddCommand(NewUpdateCommand(opts))
	cmd.AddCommand(NewGetCommand(opts))
	cmd.AddCommand(NewLookupCommand(opts))
	cmd.AddCommand(NewCompleteCommand(opts))
	cmd.AddCommand(NewIndexCommand(opts, v))

	return cmd
}

// load resolves the layered configuration into opts.
func (opts *RootOptions) load(v *viper.Viper, stderr io.Writer) error {
	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("reading config %s: %w", opts.ConfigFile, err)
		}
	}

	opts.Verbose = v.GetBool(keyVerbose)
	opts.Format = v.GetString(keyFormat)
	opts.Database = v.GetString(keyDatabase)
	opts.Variants = v.GetString(keyVariants)
	opts.IndexInterval = v.GetDuration(keyIndexInterval)
	opts.Logger = newLogger(stderr, opts.Verbose)
	return nil
}

// newLogger writes text logs to w; Debug level under --verbose.
func newLogger(w io.Writer, verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	return slices.Contains(ValidFormats, format)
}

// formatter builds the output formatter for a command.
func (opts *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(), // Verbose logs go to stderr to avoid corrupting JSON
		Verbose:   opts.Verbose,
	}
}

func (opts *RootOptions) logger() *slog.Logger {
	if opts.Logger != nil {
		return opts.Logger
	}
	return slog.Default()
}
