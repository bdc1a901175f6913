package saga

import (
	"encoding/json"
	"fmt"

	"github.com/roach88/sagastore/internal/ir"
	"github.com/roach88/sagastore/internal/store"
)

// UniqueIdentityCollection is the collection holding unique identity documents.
const UniqueIdentityCollection = "SagaUniqueIdentities"

// uniqueIdentityPrefix is DocumentKey's prefix for UniqueIdentityCollection.
const uniqueIdentityPrefix = "sagauniqueidentities/"

// sagaDocKeyPath is the JSON path of UniqueIdentity.SagaDocKey, used to
// prefetch the saga document together with its identity document.
const sagaDocKeyPath = "$.saga_doc_key"

// UniqueIdentity is the index document that claims one unique value for one
// saga.
type UniqueIdentity struct {
	// ID is the derived key; see UniqueIdentityID.
	ID string `json:"id"`

	// SagaID is the owning saga's id.
	SagaID string `json:"saga_id"`

	// UniqueValue is the claimed value as canonical JSON, kept for
	// inspection.
	UniqueValue json.RawMessage `json:"unique_value"`

	// SagaDocKey is the owning saga's storage key. Documents written before
	// schema version 1 lack it.
	SagaDocKey string `json:"saga_doc_key,omitempty"`
}

// UniqueIdentityID derives the identity document key for a unique value.
// Equal (variant, property, value) triples always produce the same key.
func UniqueIdentityID(variant, property string, value ir.IRValue) (string, error) {
	hash, err := ir.UniqueIdentityHash(variant, property, value)
	if err != nil {
		return "", err
	}
	return store.DocumentKey(variant+"/"+property+"/"+hash, UniqueIdentityCollection), nil
}

func newUniqueIdentity(variant, property string, value ir.IRValue, sagaID, sagaDocKey string) (*UniqueIdentity, error) {
	id, err := UniqueIdentityID(variant, property, value)
	if err != nil {
		return nil, err
	}
	canonical, err := ir.MarshalCanonical(value)
	if err != nil {
		return nil, err
	}
	return &UniqueIdentity{
		ID:          id,
		SagaID:      sagaID,
		UniqueValue: canonical,
		SagaDocKey:  sagaDocKey,
	}, nil
}

// lookupKind distinguishes the two identity schema generations.
type lookupKind int

const (
	// lookupByDocumentKey loads the saga by its cached storage key.
	lookupByDocumentKey lookupKind = iota + 1

	// lookupBySagaID derives the storage key from the saga id. Used for
	// identity documents that predate SagaDocKey.
	lookupBySagaID
)

func (k lookupKind) String() string {
	switch k {
	case lookupByDocumentKey:
		return "document_key"
	case lookupBySagaID:
		return "saga_id"
	default:
		return fmt.Sprintf("lookupKind(%d)", int(k))
	}
}

type sagaLookup struct {
	kind lookupKind
	key  string
}

// sagaLookup returns how to load the saga this identity points at.
func (u *UniqueIdentity) sagaLookup(variant string) sagaLookup {
	if u.SagaDocKey != "" {
		return sagaLookup{kind: lookupByDocumentKey, key: u.SagaDocKey}
	}
	return sagaLookup{kind: lookupBySagaID, key: store.DocumentKey(u.SagaID, variant)}
}
