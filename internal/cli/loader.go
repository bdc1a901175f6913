package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/load"
	"cuelang.org/go/cue/token"

	"github.com/roach88/sagastore/internal/compiler"
	"github.com/roach88/sagastore/internal/ir"
	"github.com/roach88/sagastore/internal/saga"
)

// LoadResult contains the variants declared by a CUE file or directory.
type LoadResult struct {
	Variants  []ir.VariantSpec
	CUEValue  cue.Value // The raw CUE value for additional processing
	FileCount int       // Number of CUE files found
}

// LoadError represents an error that occurred during variant loading.
type LoadError struct {
	Code    string
	Message string
	Pos     token.Pos // CUE position if available
}

func (e *LoadError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s", e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(), e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// LoadVariants loads and compiles the CUE variant declarations at path,
// which may be a single .cue file or a directory holding one CUE package.
// Compilation errors are collected; a nil result means nothing could be
// loaded at all.
func LoadVariants(path string) (*LoadResult, []error) {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return nil, []error{&LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("variants path not found: %s", path)}}
	}
	if err != nil {
		return nil, []error{&LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("error accessing variants path: %v", err)}}
	}

	var (
		value cue.Value
		files []string
	)
	if info.IsDir() {
		files, err = FindCUEFiles(path)
		if err != nil {
			return nil, []error{&LoadError{Code: ErrCodeScanError, Message: fmt.Sprintf("error scanning directory: %v", err)}}
		}
		if len(files) == 0 {
			return nil, []error{&LoadError{Code: ErrCodeNoFiles, Message: fmt.Sprintf("no CUE files found in %s", path)}}
		}
		value, err = buildDir(path)
	} else {
		files = []string{path}
		value, err = buildFile(path)
	}
	if err != nil {
		return nil, []error{err}
	}

	result := &LoadResult{CUEValue: value, FileCount: len(files)}

	variantsVal := value.LookupPath(cue.ParsePath("variant"))
	if !variantsVal.Exists() {
		return result, []error{&LoadError{Code: ErrCodeGeneric, Message: "no variants found in specs"}}
	}
	iter, err := variantsVal.Fields()
	if err != nil {
		return result, []error{&LoadError{Code: ErrCodeGeneric, Message: fmt.Sprintf("iterating variants: %v", err)}}
	}

	var errs []error
	for iter.Next() {
		spec, compileErr := compiler.CompileVariant(iter.Value())
		if compileErr != nil {
			errs = append(errs, convertCompileError(compileErr, "variant."+iter.Label()))
			continue
		}
		result.Variants = append(result.Variants, *spec)
	}
	if len(result.Variants) == 0 && len(errs) == 0 {
		errs = append(errs, &LoadError{Code: ErrCodeGeneric, Message: "no variants found in specs"})
	}
	return result, errs
}

func buildDir(dir string) (cue.Value, error) {
	instances := load.Instances([]string{"."}, &load.Config{Dir: dir})
	if len(instances) == 0 {
		return cue.Value{}, &LoadError{Code: ErrCodeLoadFailed, Message: "no CUE instances loaded"}
	}
	inst := instances[0]
	if inst.Err != nil {
		return cue.Value{}, &LoadError{Code: ErrCodeLoadFailed, Message: fmt.Sprintf("loading CUE files: %v", inst.Err)}
	}
	value := cuecontext.New().BuildInstance(inst)
	if err := value.Err(); err != nil {
		return cue.Value{}, &LoadError{Code: ErrCodeBuildFailed, Message: fmt.Sprintf("building CUE value: %v", err)}
	}
	return value, nil
}

func buildFile(path string) (cue.Value, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return cue.Value{}, &LoadError{Code: ErrCodeLoadFailed, Message: fmt.Sprintf("reading %s: %v", path, err)}
	}
	value := cuecontext.New().CompileBytes(data, cue.Filename(path))
	if err := value.Err(); err != nil {
		return cue.Value{}, &LoadError{Code: ErrCodeBuildFailed, Message: fmt.Sprintf("building CUE value: %v", err)}
	}
	return value, nil
}

// FindCUEFiles walks the directory and returns all .cue file paths.
func FindCUEFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && filepath.Ext(path) == ".cue" {
			files = append(files, path)
		}
		return nil
	})
	return files, err
}

// convertCompileError converts a compiler error to a LoadError with position info.
func convertCompileError(err error, context string) *LoadError {
	var compileErr *compiler.CompileError
	if errors.As(err, &compileErr) {
		return &LoadError{
			Code:    MapFieldToErrorCode(compileErr.Field),
			Message: fmt.Sprintf("%s: %s", context, compileErr.Message),
			Pos:     compileErr.Pos,
		}
	}
	return &LoadError{
		Code:    ErrCodeGeneric,
		Message: fmt.Sprintf("%s: %v", context, err),
	}
}

// BuildRegistry loads, validates and registers the variants at path.
func BuildRegistry(path string) (*saga.Registry, error) {
	if path == "" {
		return nil, &LoadError{Code: ErrCodeNotFound, Message: "no variants configured (use --variants or SAGASTORE_VARIANTS)"}
	}
	result, errs := LoadVariants(path)
	if len(errs) > 0 {
		return nil, errs[0]
	}
	if verrs := compiler.Validate(result.Variants); len(verrs) > 0 {
		return nil, verrs[0]
	}

	reg := saga.NewRegistry()
	for _, spec := range result.Variants {
		if err := reg.RegisterSpec(spec); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// Error code constants - unified across all CLI commands.
const (
	ErrCodeGeneric     = "E001" // Generic/unknown error
	ErrCodeScanError   = "E002" // Directory scan error
	ErrCodeNoFiles     = "E003" // No CUE files found
	ErrCodeLoadFailed  = "E004" // CUE load failed
	ErrCodeNotFound    = "E005" // Path not found
	ErrCodeBuildFailed = "E006" // CUE build failed
	ErrCodeWriteFailed = "E007" // File write error

	// Saga operation errors
	ErrCodeStore          = "E010" // Store could not be opened or written
	ErrCodeBadArgument    = "E011" // Malformed field or value argument
	ErrCodeSagaNotFound   = "E012" // No saga with the given id
	ErrCodeUniqueConflict = "E013" // Unique value held by another saga
	ErrCodeSchemaMismatch = "E014" // Query literal type differs from stored type
)

// MapFieldToErrorCode maps a compiler error field to an error code.
func MapFieldToErrorCode(field string) string {
	switch field {
	case "variant", "name":
		return compiler.ErrInvalidVariantName
	case "type":
		return compiler.ErrInvalidFieldType
	case "unique":
		return compiler.ErrUniqueUndeclared
	default:
		return ErrCodeGeneric
	}
}
