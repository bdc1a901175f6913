package saga

import (
	"encoding/json"
	"fmt"
	"maps"

	"github.com/roach88/sagastore/internal/ir"
)

// Record is a saga instance.
type Record interface {
	// SagaID returns the saga's id. It is assigned before the first Save
	// and never changes.
	SagaID() string

	// SagaVariant returns the name of the saga's variant.
	SagaVariant() string
}

// UniqueField describes the unique correlation property of a variant.
type UniqueField struct {
	// Name is the property name used in lookups.
	Name string

	// Value extracts the property from a record. A nil, null or empty
	// string result means the record holds no value.
	Value func(Record) ir.IRValue
}

// UniqueOn builds a UniqueField for a concrete record type. Records of any
// other type report no value.
func UniqueOn[T Record](name string, get func(T) ir.IRValue) *UniqueField {
	return &UniqueField{
		Name: name,
		Value: func(r Record) ir.IRValue {
			rec, ok := r.(T)
			if !ok {
				return nil
			}
			return get(rec)
		},
	}
}

// DocumentField builds a UniqueField reading a top-level field of a
// *Document.
func DocumentField(name string) *UniqueField {
	return UniqueOn(name, func(d *Document) ir.IRValue {
		return d.Fields[name]
	})
}

// Document is a schemaless saga record for variants that have no Go type,
// such as those declared in CUE files.
//
// Its JSON form is the Fields object plus an "id" member.
type Document struct {
	ID      string
	Variant string
	Fields  ir.IRObject
}

// SagaID implements Record.
func (d *Document) SagaID() string { return d.ID }

// SagaVariant implements Record.
func (d *Document) SagaVariant() string { return d.Variant }

// MarshalJSON implements json.Marshaler.
func (d *Document) MarshalJSON() ([]byte, error) {
	obj := make(ir.IRObject, len(d.Fields)+1)
	maps.Copy(obj, d.Fields)
	obj["id"] = ir.IRString(d.ID)
	return obj.MarshalJSON()
}

// UnmarshalJSON implements json.Unmarshaler. Variant is left untouched.
func (d *Document) UnmarshalJSON(data []byte) error {
	var obj ir.IRObject
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	if raw, ok := obj["id"]; ok {
		id, isString := raw.(ir.IRString)
		if !isString {
			return fmt.Errorf("document id must be a string, got %s", ir.Kind(raw))
		}
		d.ID = string(id)
		delete(obj, "id")
	}
	d.Fields = obj
	return nil
}
