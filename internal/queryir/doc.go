// Package queryir provides the query intermediate representation used to
// look up saga documents by property value.
//
// A query is a Select over one document collection with an optional filter.
// Predicates are restricted to field equality against scalar literals and
// conjunctions of those:
//
//	Select{
//	  From:   "OrderSaga",
//	  Filter: And{Predicates: []Predicate{
//	    Equals{Field: "customerId", Value: ir.IRString("C-7")},
//	    Equals{Field: "shipped", Value: ir.IRBool(false)},
//	  }},
//	  Limit: 1,
//	}
//
// Query and Predicate are sealed interfaces using the marker method pattern,
// so backends (see querysql) can switch over them exhaustively.
//
// Field equality is evaluated against the secondary index, which holds only
// top-level scalar properties. Null, array and object literals can never
// match and are rejected by Validate.
package queryir
