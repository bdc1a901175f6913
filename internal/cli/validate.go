package cli

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/sagastore/internal/compiler"
)

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid    bool                       `json:"valid"`
	Variants []VariantSummary           `json:"variants,omitempty"`
	Errors   []compiler.ValidationError `json:"errors,omitempty"`
}

// VariantSummary describes one declared variant.
type VariantSummary struct {
	Name   string `json:"name"`
	Unique string `json:"unique,omitempty"`
	Fields int    `json:"fields"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate [variants-path]",
		Short: "Validate saga variant declarations",
		Long: `Validate CUE saga variant declarations.

Checks variant names, field types and the unique correlation property of
every variant under the top-level "variant" struct. The path defaults to
the --variants setting.

Example:
  sagastore validate ./specs
  sagastore validate ./specs/order.cue --format json`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true, // Don't print usage on errors
		SilenceErrors: true, // Don't print errors - we handle our own error output
		RunE: func(cmd *cobra.Command, args []string) error {
			path := rootOpts.Variants
			if len(args) == 1 {
				path = args[0]
			}
			return runValidate(rootOpts, path, cmd)
		},
	}

	return cmd
}

func runValidate(opts *RootOptions, path string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	if path == "" {
		return outputValidateError(formatter, ErrCodeNotFound, "no variants path given")
	}

	loadResult, loadErrors := LoadVariants(path)

	// Handle load errors (path not found, no files, etc.)
	if loadResult == nil && len(loadErrors) > 0 {
		var loadErr *LoadError
		if errors.As(loadErrors[0], &loadErr) {
			return outputValidateError(formatter, loadErr.Code, loadErr.Message)
		}
		return outputValidateError(formatter, ErrCodeGeneric, loadErrors[0].Error())
	}

	formatter.VerboseLog("Found %d CUE file(s) in %s", loadResult.FileCount, path)

	var validationErrors []compiler.ValidationError
	for _, err := range loadErrors {
		var loadErr *LoadError
		if errors.As(err, &loadErr) {
			line := 0
			if loadErr.Pos.IsValid() {
				line = loadErr.Pos.Line()
			}
			validationErrors = append(validationErrors, compiler.ValidationError{
				Field:   "load",
				Message: loadErr.Message,
				Code:    loadErr.Code,
				Line:    line,
			})
		}
	}

	for _, spec := range loadResult.Variants {
		formatter.VerboseLog("Validating variant: %s", spec.Name)
	}
	validationErrors = append(validationErrors, compiler.Validate(loadResult.Variants)...)

	if len(validationErrors) > 0 {
		return outputValidationErrors(formatter, validationErrors)
	}

	summaries := make([]VariantSummary, len(loadResult.Variants))
	for i, spec := range loadResult.Variants {
		summaries[i] = VariantSummary{Name: spec.Name, Unique: spec.Unique, Fields: len(spec.Fields)}
	}
	return outputValidateSuccess(formatter, summaries)
}

// outputValidateSuccess outputs successful validation results.
func outputValidateSuccess(formatter *OutputFormatter, variants []VariantSummary) error {
	if formatter.Format == "json" {
		return formatter.Success(ValidationResult{Valid: true, Variants: variants})
	}

	for _, v := range variants {
		if v.Unique != "" {
			fmt.Fprintf(formatter.Writer, "  %s (unique: %s)\n", v.Name, v.Unique)
		} else {
			fmt.Fprintf(formatter.Writer, "  %s\n", v.Name)
		}
	}
	fmt.Fprintf(formatter.Writer, "✓ %d variant(s) valid\n", len(variants))
	return nil
}

// outputValidateError outputs a single validation error.
func outputValidateError(formatter *OutputFormatter, code, message string) error {
	_ = formatter.Error(code, message, nil)
	// Load errors are command-level errors (exit code 2)
	return NewExitError(ExitCommandError, fmt.Sprintf("%s: %s", code, message))
}

// outputValidationErrors outputs multiple validation errors.
func outputValidationErrors(formatter *OutputFormatter, errs []compiler.ValidationError) error {
	if formatter.Format == "json" {
		response := CLIResponse{
			Status: "error",
			Data: ValidationResult{
				Valid:  false,
				Errors: errs,
			},
			Error: &CLIError{
				Code:    errs[0].Code,
				Message: errs[0].Message,
			},
		}

		encoder := json.NewEncoder(formatter.Writer)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(response); err != nil {
			return err
		}

		// Validation failures = exit code 1 (test/validation failure)
		return NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d error(s)", len(errs)))
	}

	// Text format
	fmt.Fprintln(formatter.Writer, "✗ Validation failed")
	fmt.Fprintln(formatter.Writer)

	for _, err := range errs {
		if err.Line > 0 {
			fmt.Fprintf(formatter.Writer, "line %d\n", err.Line)
		}
		fmt.Fprintf(formatter.Writer, "  %s: %s\n\n", err.Code, err.Message)
	}

	return NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d error(s)", len(errs)))
}
