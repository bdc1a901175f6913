package ir

// VariantSpec is the declarative description of a saga variant, as loaded
// from a CUE definition file.
type VariantSpec struct {
	// Name is the variant (entity type) name, e.g. "OrderSaga".
	Name string `json:"name"`
	// Unique names the correlation property. Empty means the variant has none.
	Unique string `json:"unique,omitempty"`
	// UniqueType is the declared kind of the unique property ("string", "int"
	// or "bool"). Empty means unconstrained.
	UniqueType string `json:"unique_type,omitempty"`
	// Fields lists declared property names and their kinds.
	Fields map[string]string `json:"fields,omitempty"`
}

// HasUnique reports whether the variant declares a correlation property.
func (v VariantSpec) HasUnique() bool {
	return v.Unique != ""
}
