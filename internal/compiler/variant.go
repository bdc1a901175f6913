package compiler

import (
	"fmt"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"

	"github.com/roach88/sagastore/internal/ir"
)

// CompileVariant parses a CUE value into a VariantSpec.
//
// The CUE value should be the variant struct itself, e.g.:
//
//	ctx := cuecontext.New()
//	v := ctx.CompileString(`variant: Order: { unique: "orderId", fields: { orderId: string } }`)
//	spec, err := CompileVariant(v.LookupPath(cue.ParsePath("variant.Order")))
func CompileVariant(v cue.Value) (*ir.VariantSpec, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	spec := &ir.VariantSpec{}

	// Variant name is the struct label
	labels := v.Path().Selectors()
	if len(labels) > 0 {
		spec.Name = labels[len(labels)-1].String()
	}
	if spec.Name == "" {
		return nil, &CompileError{
			Field:   "variant",
			Message: "variant must be declared under a name",
			Pos:     v.Pos(),
		}
	}

	fields, err := parseFields(v)
	if err != nil {
		return nil, err
	}
	if len(fields) > 0 {
		spec.Fields = fields
	}

	uniqueVal := v.LookupPath(cue.ParsePath("unique"))
	if !uniqueVal.Exists() {
		return spec, nil
	}
	unique, err := uniqueVal.String()
	if err != nil {
		return nil, &CompileError{
			Field:   "unique",
			Message: "unique must name a property",
			Pos:     uniqueVal.Pos(),
		}
	}
	spec.Unique = unique

	if len(spec.Fields) == 0 {
		return spec, nil
	}
	uniqueType, declared := spec.Fields[unique]
	if !declared {
		return nil, &CompileError{
			Field:   "unique",
			Message: fmt.Sprintf("unique property %q is not a declared field", unique),
			Pos:     uniqueVal.Pos(),
		}
	}
	spec.UniqueType = uniqueType

	return spec, nil
}

// CompileVariants compiles every declaration under the top-level "variant"
// struct of v, in source order. A value without declarations yields none.
func CompileVariants(v cue.Value) ([]ir.VariantSpec, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}
	variantsVal := v.LookupPath(cue.ParsePath("variant"))
	if !variantsVal.Exists() {
		return nil, nil
	}

	iter, err := variantsVal.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}

	var specs []ir.VariantSpec
	for iter.Next() {
		spec, err := CompileVariant(iter.Value())
		if err != nil {
			return nil, fmt.Errorf("variant.%s: %w", iter.Label(), err)
		}
		specs = append(specs, *spec)
	}
	return specs, nil
}

// parseFields extracts declared property types. Fields are optional.
func parseFields(v cue.Value) (map[string]string, error) {
	fieldsVal := v.LookupPath(cue.ParsePath("fields"))
	if !fieldsVal.Exists() {
		return nil, nil
	}

	iter, err := fieldsVal.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}

	fields := make(map[string]string)
	for iter.Next() {
		fieldType, err := extractTypeName(iter.Value())
		if err != nil {
			return nil, err
		}
		fields[iter.Label()] = fieldType
	}
	return fields, nil
}

// extractTypeName converts a CUE type to a field type string.
// Floats are forbidden: they break deterministic identity hashing.
func extractTypeName(v cue.Value) (string, error) {
	switch v.IncompleteKind() {
	case cue.StringKind:
		return "string", nil
	case cue.IntKind:
		return "int", nil
	case cue.BoolKind:
		return "bool", nil
	case cue.ListKind:
		return "array", nil
	case cue.StructKind:
		return "object", nil
	case cue.FloatKind, cue.NumberKind:
		return "", &CompileError{
			Field:   "type",
			Message: "float types are forbidden - use int instead",
			Pos:     v.Pos(),
		}
	default:
		return "", &CompileError{
			Field:   "type",
			Message: fmt.Sprintf("unsupported type kind: %v", v.IncompleteKind()),
			Pos:     v.Pos(),
		}
	}
}

// CompileError represents a compilation error with source position.
type CompileError struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *CompileError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// formatCUEError extracts position info from CUE errors.
func formatCUEError(err error) error {
	if err == nil {
		return nil
	}

	// CUE errors may contain multiple errors
	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err
	}

	// Return first error with position info
	firstErr := errs[0]
	positions := errors.Positions(firstErr)
	if len(positions) > 0 {
		return &CompileError{
			Field:   "cue",
			Message: firstErr.Error(),
			Pos:     positions[0],
		}
	}

	return err
}
