package queryir

import "github.com/roach88/sagastore/internal/ir"

// Query represents an abstract document query.
//
// Sealed: only types in this package implement it.
type Query interface {
	queryNode()
}

// Predicate represents a filter condition on a document's top-level fields.
//
// Sealed: only types in this package implement it.
type Predicate interface {
	predicateNode()
}

// Select reads documents of one collection.
//
// Results are ordered by document key so that Limit picks a deterministic
// subset.
type Select struct {
	From   string    // Collection name (the saga variant)
	Filter Predicate // nil = every document in the collection
	Limit  int       // 0 = unlimited
}

func (Select) queryNode() {}

// Equals matches documents whose top-level Field equals Value.
//
// Value must be a scalar. A document whose field holds a different kind
// (e.g. the integer 1 against the string "1") does not match.
type Equals struct {
	Field string
	Value ir.IRValue
}

func (Equals) predicateNode() {}

// And matches when every predicate matches. Empty means always true.
type And struct {
	Predicates []Predicate
}

func (And) predicateNode() {}

// Equalities flattens p into its Equals leaves, in visit order.
func Equalities(p Predicate) []Equals {
	var out []Equals
	var walk func(Predicate)
	walk = func(p Predicate) {
		switch pred := p.(type) {
		case Equals:
			out = append(out, pred)
		case *Equals:
			out = append(out, *pred)
		case And:
			for _, sub := range pred.Predicates {
				walk(sub)
			}
		case *And:
			for _, sub := range pred.Predicates {
				walk(sub)
			}
		}
	}
	walk(p)
	return out
}
