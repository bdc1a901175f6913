package compiler

import (
	"fmt"
	"regexp"
	"slices"

	"github.com/roach88/sagastore/internal/ir"
)

// Validation error codes (E100-E199)
const (
	// General validation errors (E100)
	ErrUnsupportedIRType = "E100" // unsupported IR type for validation

	// VariantSpec errors (E101-E109)
	ErrInvalidVariantName = "E101" // name must be an exported identifier
	ErrInvalidFieldType   = "E104" // invalid type string
	ErrDuplicateName      = "E105" // duplicate variant name
	ErrFloatTypeForbidden = "E106" // float types not allowed
	ErrUniqueNotScalar    = "E107" // unique property must be string, int or bool
	ErrUniqueUndeclared   = "E108" // unique property missing from declared fields
	ErrReservedField      = "E109" // "id" is the saga id, not a business field
)

// ValidationError represents a schema validation error.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
	Line    int    `json:"line,omitempty"`
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("[%s] line %d: %s: %s", e.Code, e.Line, e.Field, e.Message)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.Field, e.Message)
}

// Validate validates compiled IR against schema rules.
// Returns all errors found (does not fail-fast).
// Supports VariantSpec values and slices of them.
func Validate(v any) []ValidationError {
	switch spec := v.(type) {
	case *ir.VariantSpec:
		return validateVariantSpec(spec)
	case ir.VariantSpec:
		return validateVariantSpec(&spec)
	case []ir.VariantSpec:
		return validateVariantSet(spec)
	default:
		return []ValidationError{{
			Field:   "type",
			Message: fmt.Sprintf("unsupported IR type: %T", v),
			Code:    ErrUnsupportedIRType,
		}}
	}
}

// variantNamePattern matches exported identifiers such as "Order" or "OrderSaga2".
var variantNamePattern = regexp.MustCompile(`^[A-Z][a-zA-Z0-9]*$`)

func validateVariantSpec(spec *ir.VariantSpec) []ValidationError {
	var errs []ValidationError

	if !variantNamePattern.MatchString(spec.Name) {
		errs = append(errs, ValidationError{
			Field:   "name",
			Message: fmt.Sprintf("variant name %q must start with an uppercase letter and be alphanumeric", spec.Name),
			Code:    ErrInvalidVariantName,
		})
	}

	// Sorted for stable error order
	names := make([]string, 0, len(spec.Fields))
	for name := range spec.Fields {
		names = append(names, name)
	}
	slices.Sort(names)

	for _, name := range names {
		path := fmt.Sprintf("variant.%s.fields.%s", spec.Name, name)
		if name == "id" {
			errs = append(errs, ValidationError{
				Field:   path,
				Message: `"id" is reserved for the saga id`,
				Code:    ErrReservedField,
			})
		}
		errs = append(errs, validateFieldType(spec.Fields[name], path, name)...)
	}

	if spec.HasUnique() {
		path := fmt.Sprintf("variant.%s.unique", spec.Name)
		if len(spec.Fields) > 0 {
			if _, ok := spec.Fields[spec.Unique]; !ok {
				errs = append(errs, ValidationError{
					Field:   path,
					Message: fmt.Sprintf("unique property %q is not a declared field", spec.Unique),
					Code:    ErrUniqueUndeclared,
				})
			}
		}
		if spec.UniqueType != "" && !isScalarType(spec.UniqueType) {
			errs = append(errs, ValidationError{
				Field:   path,
				Message: fmt.Sprintf("unique property %q has type %s; must be string, int or bool", spec.Unique, spec.UniqueType),
				Code:    ErrUniqueNotScalar,
			})
		}
	}

	return errs
}

// validateVariantSet validates each variant and rejects duplicate names.
func validateVariantSet(specs []ir.VariantSpec) []ValidationError {
	var errs []ValidationError
	seen := make(map[string]bool)
	for i := range specs {
		if seen[specs[i].Name] {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("variants[%d].name", i),
				Message: fmt.Sprintf("duplicate variant name: %q", specs[i].Name),
				Code:    ErrDuplicateName,
			})
		}
		seen[specs[i].Name] = true
		errs = append(errs, validateVariantSpec(&specs[i])...)
	}
	return errs
}

// validateFieldType validates a type string, returning errors for invalid types and floats.
func validateFieldType(fieldType, fieldPath, fieldName string) []ValidationError {
	if isFloatType(fieldType) {
		return []ValidationError{{
			Field:   fieldPath,
			Message: fmt.Sprintf("field %q uses float type %q; use int instead", fieldName, fieldType),
			Code:    ErrFloatTypeForbidden,
		}}
	}
	if !isValidType(fieldType) {
		return []ValidationError{{
			Field:   fieldPath,
			Message: fmt.Sprintf("field %q has invalid type %q", fieldName, fieldType),
			Code:    ErrInvalidFieldType,
		}}
	}
	return nil
}

// isValidType checks if a type string is valid for IR.
func isValidType(t string) bool {
	switch t {
	case "string", "int", "bool", "array", "object":
		return true
	}
	return false
}

// isScalarType reports whether values of type t can be unique values.
func isScalarType(t string) bool {
	return t == "string" || t == "int" || t == "bool"
}

// isFloatType checks if a type string represents a float type.
func isFloatType(t string) bool {
	switch t {
	case "float", "float32", "float64", "number", "double":
		return true
	}
	return false
}
