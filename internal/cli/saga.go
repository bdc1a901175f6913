package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/roach88/sagastore/internal/compiler"
	"github.com/roach88/sagastore/internal/ir"
	"github.com/roach88/sagastore/internal/saga"
	"github.com/roach88/sagastore/internal/store"
)

// SagaOptions holds flags shared by the saga commands.
type SagaOptions struct {
	*RootOptions
	Fields []string // key=value pairs
	ID     string
	Strict bool

	// IDs overrides the saga id generator (for testing).
	// If nil, defaults to UUIDv7Generator.
	IDs saga.IDGenerator
}

// SagaResult is the payload printed for a saga read or write.
type SagaResult struct {
	ID      string         `json:"id"`
	Variant string         `json:"variant"`
	Found   bool           `json:"found"`
	Fields  map[string]any `json:"fields,omitempty"`
	Writes  []string       `json:"writes,omitempty"`
}

// NewSaveCommand creates the save command.
func NewSaveCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SagaOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "save <variant>",
		Short: "Save a new saga",
		Long: `Save a new saga and claim its unique correlation value.

Field values are parsed as YAML scalars: 42 is an integer, true a boolean,
anything else a string. Quote a value to force a string ('"42"').

Example:
  sagastore save Order --field orderId=O1 --field total=100
  sagastore save Order --id S1 --field orderId=O1`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSave(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringArrayVarP(&opts.Fields, "field", "f", nil, "field as key=value (repeatable)")
	cmd.Flags().StringVar(&opts.ID, "id", "", "saga id (default: generated UUIDv7)")

	return cmd
}

// NewUpdateCommand creates the update command.
func NewUpdateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SagaOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "update <variant> <id>",
		Short: "Update fields of a saga",
		Long: `Load a saga, overwrite the given fields and update it.

Changing the unique property moves the saga's claim to the new value;
setting it to an empty string releases it.

Example:
  sagastore update Order S1 --field orderId=O2`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUpdate(opts, args[0], args[1], cmd)
		},
	}

	cmd.Flags().StringArrayVarP(&opts.Fields, "field", "f", nil, "field as key=value (repeatable)")

	return cmd
}

// NewGetCommand creates the get command.
func NewGetCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SagaOptions{RootOptions: rootOpts}

	return &cobra.Command{
		Use:           "get <variant> <id>",
		Short:         "Load a saga by id",
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGet(opts, args[0], args[1], cmd)
		},
	}
}

// NewLookupCommand creates the lookup command.
func NewLookupCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SagaOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "lookup <variant> <property> <value>",
		Short: "Find a saga by property value",
		Long: `Find the saga whose property equals value.

The variant's unique property is resolved through its unique identity record
with a single prefetching read. Any other property is answered by a query
over the secondary index.

Example:
  sagastore lookup Order orderId O1
  sagastore lookup Order total 100 --strict`,
		Args:          cobra.ExactArgs(3),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLookup(opts, args[0], args[1], args[2], cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Strict, "strict", false, "fail on query type mismatches instead of reporting absent")

	return cmd
}

// NewCompleteCommand creates the complete command.
func NewCompleteCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SagaOptions{RootOptions: rootOpts}

	return &cobra.Command{
		Use:   "complete <variant> <id>",
		Short: "Complete a saga and release its unique value",
		Long: `Delete a finished saga together with its unique identity record.

Example:
  sagastore complete Order S1`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runComplete(opts, args[0], args[1], cmd)
		},
	}
}

// errUnknownVariant rejects variants no loaded declaration defines. Saving
// one would bypass its uniqueness constraint.
var errUnknownVariant = errors.New("unknown variant")

// unitOfWork is one session against the configured store.
type unitOfWork struct {
	store     *store.Store
	session   *store.Session
	persister *saga.Persister
}

func (opts *SagaOptions) open(variant string) (*unitOfWork, error) {
	registry, err := BuildRegistry(opts.Variants)
	if err != nil {
		return nil, err
	}
	if _, ok := registry.Descriptor(variant); !ok {
		return nil, fmt.Errorf("%w %q (declared: %s)", errUnknownVariant, variant, strings.Join(registry.Variants(), ", "))
	}

	st, err := store.Open(opts.Database, store.WithLogger(opts.logger()))
	if err != nil {
		return nil, err
	}

	persisterOpts := []saga.Option{saga.WithLogger(opts.logger())}
	if opts.Strict {
		persisterOpts = append(persisterOpts, saga.WithStrictQueries())
	}

	sess := st.OpenSession()
	return &unitOfWork{
		store:     st,
		session:   sess,
		persister: saga.NewPersister(sess, registry, persisterOpts...),
	}, nil
}

func (u *unitOfWork) close(opts *SagaOptions) {
	if err := u.store.Close(); err != nil {
		opts.logger().Error("error closing database", "error", err)
	}
}

// commit records the pending changes and flushes them.
func (u *unitOfWork) commit(ctx context.Context) ([]string, error) {
	changes, err := u.session.Changes()
	if err != nil {
		return nil, err
	}
	writes := make([]string, len(changes))
	for i, ch := range changes {
		writes[i] = fmt.Sprintf("%s %s", ch.Kind, ch.Key)
	}
	if err := u.session.SaveChanges(ctx); err != nil {
		return nil, err
	}
	return writes, nil
}

func runSave(opts *SagaOptions, variant string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	fields, err := parseFieldArgs(opts.Fields)
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeBadArgument, "invalid field", err)
	}

	uow, err := opts.open(variant)
	if err != nil {
		return openFailure(formatter, err)
	}
	defer uow.close(opts)

	id := opts.ID
	if id == "" {
		ids := opts.IDs
		if ids == nil {
			ids = saga.UUIDv7Generator{}
		}
		id = ids.Generate()
	}

	ctx := commandContext(cmd)
	doc := &saga.Document{ID: id, Variant: variant, Fields: fields}
	if err := uow.persister.Save(ctx, doc); err != nil {
		return sagaFailure(formatter, err)
	}
	writes, err := uow.commit(ctx)
	if err != nil {
		return sagaFailure(formatter, err)
	}

	opts.logger().Debug("saga saved", "variant", variant, "id", id, "writes", len(writes))
	return outputSaga(formatter, sagaResult(doc, writes))
}

func runUpdate(opts *SagaOptions, variant, id string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	fields, err := parseFieldArgs(opts.Fields)
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeBadArgument, "invalid field", err)
	}

	uow, err := opts.open(variant)
	if err != nil {
		return openFailure(formatter, err)
	}
	defer uow.close(opts)

	ctx := commandContext(cmd)
	var doc saga.Document
	found, err := uow.persister.Get(ctx, variant, id, &doc)
	if err != nil {
		return sagaFailure(formatter, err)
	}
	if !found {
		return sagaFailure(formatter, fmt.Errorf("%s %s: %w", variant, id, saga.ErrSagaNotFound))
	}
	if doc.Fields == nil {
		doc.Fields = ir.IRObject{}
	}
	maps.Copy(doc.Fields, fields)

	if err := uow.persister.Update(ctx, &doc); err != nil {
		return sagaFailure(formatter, err)
	}
	writes, err := uow.commit(ctx)
	if err != nil {
		return sagaFailure(formatter, err)
	}
	return outputSaga(formatter, sagaResult(&doc, writes))
}

func runGet(opts *SagaOptions, variant, id string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	uow, err := opts.open(variant)
	if err != nil {
		return openFailure(formatter, err)
	}
	defer uow.close(opts)

	var doc saga.Document
	found, err := uow.persister.Get(commandContext(cmd), variant, id, &doc)
	if err != nil {
		return sagaFailure(formatter, err)
	}
	if !found {
		return sagaFailure(formatter, fmt.Errorf("%s %s: %w", variant, id, saga.ErrSagaNotFound))
	}
	return outputSaga(formatter, sagaResult(&doc, nil))
}

func runLookup(opts *SagaOptions, variant, property, raw string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	value, err := parseValue(raw)
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeBadArgument, "invalid value", err)
	}

	uow, err := opts.open(variant)
	if err != nil {
		return openFailure(formatter, err)
	}
	defer uow.close(opts)

	var doc saga.Document
	found, err := uow.persister.GetBy(commandContext(cmd), variant, property, value, &doc)
	if err != nil {
		return sagaFailure(formatter, err)
	}
	if !found {
		return sagaFailure(formatter, fmt.Errorf("%s %s=%s: %w", variant, property, raw, saga.ErrSagaNotFound))
	}
	return outputSaga(formatter, sagaResult(&doc, nil))
}

func runComplete(opts *SagaOptions, variant, id string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	uow, err := opts.open(variant)
	if err != nil {
		return openFailure(formatter, err)
	}
	defer uow.close(opts)

	ctx := commandContext(cmd)
	var doc saga.Document
	found, err := uow.persister.Get(ctx, variant, id, &doc)
	if err != nil {
		return sagaFailure(formatter, err)
	}
	if !found {
		return sagaFailure(formatter, fmt.Errorf("%s %s: %w", variant, id, saga.ErrSagaNotFound))
	}
	if err := uow.persister.Complete(ctx, &doc); err != nil {
		return sagaFailure(formatter, err)
	}
	writes, err := uow.commit(ctx)
	if err != nil {
		return sagaFailure(formatter, err)
	}

	result := sagaResult(&doc, writes)
	result.Found = false
	result.Fields = nil
	return outputSaga(formatter, result)
}

// parseFieldArgs parses key=value pairs. "key=" sets the empty string.
func parseFieldArgs(args []string) (ir.IRObject, error) {
	fields := make(ir.IRObject, len(args))
	for _, arg := range args {
		key, raw, ok := strings.Cut(arg, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("%q: expected key=value", arg)
		}
		if key == "id" {
			return nil, fmt.Errorf("%q: id is the saga id, use --id", arg)
		}
		value, err := parseValue(raw)
		if err != nil {
			return nil, fmt.Errorf("%q: %w", arg, err)
		}
		fields[key] = value
	}
	return fields, nil
}

// parseValue reads raw as a YAML scalar.
func parseValue(raw string) (ir.IRValue, error) {
	if raw == "" {
		return ir.IRString(""), nil
	}
	var v any
	if err := yaml.Unmarshal([]byte(raw), &v); err != nil {
		return nil, err
	}
	if v == nil {
		return ir.IRString(raw), nil
	}
	value, err := ir.FromGo(v)
	if err != nil {
		return nil, err
	}
	if !ir.IsScalar(value) {
		return nil, fmt.Errorf("%s values are not supported", ir.Kind(value))
	}
	return value, nil
}

func sagaResult(doc *saga.Document, writes []string) SagaResult {
	fields := make(map[string]any, len(doc.Fields))
	for k, v := range doc.Fields {
		if _, isNull := v.(ir.IRNull); isNull {
			continue
		}
		fields[k] = ir.ToGo(v)
	}
	return SagaResult{
		ID:      doc.ID,
		Variant: doc.Variant,
		Found:   true,
		Fields:  fields,
		Writes:  writes,
	}
}

func outputSaga(formatter *OutputFormatter, result SagaResult) error {
	if formatter.Format == "json" {
		return formatter.Success(result)
	}

	fmt.Fprintf(formatter.Writer, "%s %s\n", result.Variant, result.ID)
	if len(result.Fields) > 0 {
		data, err := json.MarshalIndent(result.Fields, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(formatter.Writer, string(data))
	}
	for _, w := range result.Writes {
		formatter.VerboseLog("  %s", w)
	}
	return nil
}

// openFailure reports a failure to load variants or open the store.
func openFailure(formatter *OutputFormatter, err error) error {
	if errors.Is(err, errUnknownVariant) {
		return formatter.Fail(ExitCommandError, ErrCodeBadArgument, "unknown variant", err)
	}
	var loadErr *LoadError
	if errors.As(err, &loadErr) {
		return formatter.Fail(ExitCommandError, loadErr.Code, loadErr.Message, nil)
	}
	var validationErr compiler.ValidationError
	if errors.As(err, &validationErr) {
		return formatter.Fail(ExitCommandError, validationErr.Code, "invalid variants", err)
	}
	return formatter.Fail(ExitCommandError, ErrCodeStore, "failed to open store", err)
}

// sagaFailure maps persistence errors to error codes and exit codes.
func sagaFailure(formatter *OutputFormatter, err error) error {
	switch {
	case saga.IsUniqueValueConflict(err):
		return formatter.Fail(ExitFailure, ErrCodeUniqueConflict, "unique value already claimed", err)
	case errors.Is(err, saga.ErrSagaNotFound):
		return formatter.Fail(ExitFailure, ErrCodeSagaNotFound, "saga not found", err)
	case store.IsSchemaMismatch(err):
		return formatter.Fail(ExitFailure, ErrCodeSchemaMismatch, "query type mismatch", err)
	default:
		return formatter.Fail(ExitCommandError, ErrCodeStore, "store operation failed", err)
	}
}

// commandContext returns the command's context, or Background when the
// command runs outside Execute (tests).
func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
