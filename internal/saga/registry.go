package saga

import (
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/roach88/sagastore/internal/ir"
)

// Descriptor declares a saga variant and its optional unique property.
type Descriptor struct {
	Variant string
	Unique  *UniqueField
}

// Registry maps variants to descriptors and answers uniqueness questions.
//
// IsUniqueProperty results are memoized per (variant, property) in a
// concurrent map. Entries are pure functions of the registered descriptors,
// so concurrent callers may compute and store the same entry; the last
// write wins with an identical value.
//
// Thread-safety: all methods are safe for concurrent use.
type Registry struct {
	mu          sync.RWMutex
	descriptors map[string]Descriptor

	cache       sync.Map // cacheKey -> bool
	resolutions atomic.Int64
}

// DefaultRegistry is the process-wide registry used by the CLI.
var DefaultRegistry = NewRegistry()

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{descriptors: make(map[string]Descriptor)}
}

// Register adds a descriptor. Each variant may be registered once.
func (r *Registry) Register(d Descriptor) error {
	if d.Variant == "" {
		return fmt.Errorf("%w: empty variant", ErrInvalidDescriptor)
	}
	if d.Unique != nil && (d.Unique.Name == "" || d.Unique.Value == nil) {
		return fmt.Errorf("%w: variant %s: unique field needs a name and an accessor", ErrInvalidDescriptor, d.Variant)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.descriptors[d.Variant]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateVariant, d.Variant)
	}
	r.descriptors[d.Variant] = d

	// A lookup made before registration cached "not unique".
	prefix := d.Variant + "\x00"
	r.cache.Range(func(k, _ any) bool {
		if strings.HasPrefix(k.(string), prefix) {
			r.cache.Delete(k)
		}
		return true
	})
	return nil
}

// RegisterSpec registers a variant compiled from a declaration file. Its
// records are *Document values.
func (r *Registry) RegisterSpec(spec ir.VariantSpec) error {
	d := Descriptor{Variant: spec.Name}
	if spec.HasUnique() {
		d.Unique = DocumentField(spec.Unique)
	}
	return r.Register(d)
}

// MustRegister is like Register but panics on error.
// Use only in tests or package initialization.
func (r *Registry) MustRegister(d Descriptor) {
	if err := r.Register(d); err != nil {
		panic(err)
	}
}

// Descriptor returns the descriptor of a variant.
func (r *Registry) Descriptor(variant string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.descriptors[variant]
	return d, ok
}

// UniqueProperty returns the unique field of a variant, or nil when the
// variant declares none or is unknown.
func (r *Registry) UniqueProperty(variant string) *UniqueField {
	d, ok := r.Descriptor(variant)
	if !ok {
		return nil
	}
	return d.Unique
}

// IsUniqueProperty reports whether property is the declared unique property
// of variant. Unknown variants have no unique property.
func (r *Registry) IsUniqueProperty(variant, property string) bool {
	key := variant + "\x00" + property
	if v, ok := r.cache.Load(key); ok {
		return v.(bool)
	}

	r.resolutions.Add(1)
	field := r.UniqueProperty(variant)
	unique := field != nil && field.Name == property
	r.cache.Store(key, unique)
	return unique
}

// Resolutions returns how many IsUniqueProperty calls missed the cache.
func (r *Registry) Resolutions() int64 {
	return r.resolutions.Load()
}

// Variants returns the registered variant names in sorted order.
func (r *Registry) Variants() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.descriptors))
	for name := range r.descriptors {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
