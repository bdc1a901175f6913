package saga

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"

	"github.com/roach88/sagastore/internal/ir"
	"github.com/roach88/sagastore/internal/queryir"
	"github.com/roach88/sagastore/internal/store"
)

// uniqueValueMarker is the saga metadata key holding the canonical JSON of
// the unique value last written to the index.
const uniqueValueMarker = "sagastore-unique-value"

// Session is the unit of work a Persister writes through.
// *store.Session implements it.
type Session interface {
	Load(ctx context.Context, key string) (*store.Document, error)
	LoadIncluding(ctx context.Context, key, path string) (*store.Document, error)
	IsTracked(key string) bool
	Store(key, collection string, value any) error
	Delete(key string) error
	Defer(cmds ...store.Command)
	Metadata(key string) (store.Metadata, error)
	Query(ctx context.Context, q queryir.Select, opts store.QueryOptions) ([]*store.Document, error)
}

// Persister stores saga records and keeps their unique identity documents
// consistent.
//
// Nothing is written until the caller flushes the session. A conflicting
// unique value surfaces there as an error matching IsUniqueValueConflict;
// the Persister never retries.
//
// Not safe for concurrent use; it shares the session's lifetime.
type Persister struct {
	session  Session
	registry *Registry
	logger   *slog.Logger
	metrics  *Metrics
	strict   bool
}

// Option configures a Persister.
type Option func(*Persister)

// WithLogger sets the logger. Default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(p *Persister) {
		p.logger = l
	}
}

// WithMetrics records operation counters.
func WithMetrics(m *Metrics) Option {
	return func(p *Persister) {
		p.metrics = m
	}
}

// WithStrictQueries makes GetBy return SCHEMA_MISMATCH errors from the query
// path instead of reporting no match.
func WithStrictQueries() Option {
	return func(p *Persister) {
		p.strict = true
	}
}

// NewPersister creates a Persister for one unit of work.
func NewPersister(session Session, registry *Registry, opts ...Option) *Persister {
	p := &Persister{
		session:  session,
		registry: registry,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Save stores a new saga record and claims its unique value, if any.
func (p *Persister) Save(ctx context.Context, record Record) error {
	key, err := recordKey(record)
	if err != nil {
		return fmt.Errorf("save: %w", err)
	}
	variant := record.SagaVariant()

	var identity *UniqueIdentity
	if field := p.registry.UniqueProperty(variant); field != nil {
		if value := field.Value(record); ir.Present(value) {
			identity, err = p.prepareClaim(ctx, record, key, field.Name, value)
			if err != nil {
				return fmt.Errorf("save %s: %w", key, err)
			}
		}
	}

	if err := p.session.Store(key, variant, record); err != nil {
		return fmt.Errorf("save %s: %w", key, err)
	}
	p.metrics.operation("save")

	if identity == nil {
		return nil
	}
	if err := p.claim(key, identity); err != nil {
		return fmt.Errorf("save %s: %w", key, err)
	}
	return nil
}

// Update stores a changed saga record. If its unique value differs from the
// one last indexed, the old identity document is deleted at flush and a new
// one is claimed. An unchanged value writes nothing to the index.
//
// The record must have been saved before; otherwise Update returns
// ErrSagaNotFound.
func (p *Persister) Update(ctx context.Context, record Record) error {
	key, err := recordKey(record)
	if err != nil {
		return fmt.Errorf("update: %w", err)
	}
	variant := record.SagaVariant()

	current, err := p.session.Load(ctx, key)
	if err != nil {
		return fmt.Errorf("update %s: %w", key, err)
	}
	if current == nil || current.Collection != variant {
		return fmt.Errorf("update %s: %w", key, ErrSagaNotFound)
	}

	field := p.registry.UniqueProperty(variant)
	if field == nil {
		return p.storeUpdate(key, variant, record)
	}

	meta, err := p.session.Metadata(key)
	if err != nil {
		return fmt.Errorf("update %s: %w", key, err)
	}
	value := field.Value(record)
	marker, indexed := meta[uniqueValueMarker]

	if indexed && ir.Present(value) {
		canonical, err := ir.MarshalCanonical(value)
		if err != nil {
			return fmt.Errorf("update %s: unique value: %w", key, err)
		}
		if string(canonical) == marker {
			return p.storeUpdate(key, variant, record)
		}
	}

	var identity *UniqueIdentity
	if ir.Present(value) {
		if !indexed {
			// Sagas written before unique tracking may already own their
			// identity document. Loading it lets the claim take it over
			// instead of colliding with it at flush.
			id, err := UniqueIdentityID(variant, field.Name, value)
			if err != nil {
				return fmt.Errorf("update %s: %w", key, err)
			}
			if _, err := p.session.Load(ctx, id); err != nil {
				return fmt.Errorf("update %s: %w", key, err)
			}
		}
		identity, err = p.prepareClaim(ctx, record, key, field.Name, value)
		if err != nil {
			return fmt.Errorf("update %s: %w", key, err)
		}
	}

	// The old marker must decode before anything is written.
	var released string
	if indexed {
		if released, err = markedIdentityID(variant, field.Name, marker); err != nil {
			return fmt.Errorf("update %s: %w", key, err)
		}
	}

	if err := p.storeUpdate(key, variant, record); err != nil {
		return err
	}
	if indexed {
		p.release(released, marker)
	}
	if identity == nil {
		delete(meta, uniqueValueMarker)
		return nil
	}
	if err := p.claim(key, identity); err != nil {
		return fmt.Errorf("update %s: %w", key, err)
	}
	return nil
}

func (p *Persister) storeUpdate(key, variant string, record Record) error {
	if err := p.session.Store(key, variant, record); err != nil {
		return fmt.Errorf("update %s: %w", key, err)
	}
	p.metrics.operation("update")
	return nil
}

// Complete deletes a saga record and releases its unique value.
func (p *Persister) Complete(ctx context.Context, record Record) error {
	key, err := recordKey(record)
	if err != nil {
		return fmt.Errorf("complete: %w", err)
	}
	variant := record.SagaVariant()

	current, err := p.session.Load(ctx, key)
	if err != nil {
		return fmt.Errorf("complete %s: %w", key, err)
	}
	if current == nil || current.Collection != variant {
		return fmt.Errorf("complete %s: %w", key, ErrSagaNotFound)
	}

	// Identity ids to release, keyed by id with the value as logged.
	released := map[string]string{}
	if field := p.registry.UniqueProperty(variant); field != nil {
		meta, err := p.session.Metadata(key)
		if err != nil {
			return fmt.Errorf("complete %s: %w", key, err)
		}
		if marker, ok := meta[uniqueValueMarker]; ok {
			id, err := markedIdentityID(variant, field.Name, marker)
			if err != nil {
				return fmt.Errorf("complete %s: %w", key, err)
			}
			released[id] = marker
		}
		// The record may have been edited after its last Update.
		if value := field.Value(record); ir.Present(value) {
			id, err := UniqueIdentityID(variant, field.Name, value)
			if err != nil {
				return fmt.Errorf("complete %s: %w", key, err)
			}
			canonical, err := ir.MarshalCanonical(value)
			if err != nil {
				return fmt.Errorf("complete %s: unique value: %w", key, err)
			}
			released[id] = string(canonical)
		}
	}

	for _, id := range slices.Sorted(maps.Keys(released)) {
		p.release(id, released[id])
	}
	if err := p.session.Delete(key); err != nil {
		return fmt.Errorf("complete %s: %w", key, err)
	}
	p.metrics.operation("complete")
	return nil
}

// Get loads the saga with the given id into dst. It reports false when
// there is no such saga.
func (p *Persister) Get(ctx context.Context, variant, id string, dst any) (bool, error) {
	if id == "" {
		return false, ErrMissingSagaID
	}
	p.metrics.operation("get")

	key := store.DocumentKey(id, variant)
	doc, err := p.session.Load(ctx, key)
	if err != nil {
		return false, fmt.Errorf("get %s: %w", key, err)
	}
	return decodeSaga(doc, variant, dst)
}

// GetBy loads into dst the saga of variant whose property equals value.
//
// For the variant's unique property the identity document is authoritative:
// no identity means no saga. Any other property is answered by the query
// index after it catches up, returning the first match by key.
func (p *Persister) GetBy(ctx context.Context, variant, property string, value any, dst any) (bool, error) {
	v, err := ir.FromGo(value)
	if err != nil {
		return false, fmt.Errorf("get %s by %s: %w", variant, property, err)
	}
	if !ir.IsScalar(v) {
		return false, fmt.Errorf("get %s by %s: value must be a string, integer or bool, got %s", variant, property, ir.Kind(v))
	}
	p.metrics.operation("get_by")

	if p.registry.IsUniqueProperty(variant, property) {
		return p.getByUnique(ctx, variant, property, v, dst)
	}
	return p.getByQuery(ctx, variant, property, v, dst)
}

func (p *Persister) getByUnique(ctx context.Context, variant, property string, value ir.IRValue, dst any) (bool, error) {
	id, err := UniqueIdentityID(variant, property, value)
	if err != nil {
		return false, fmt.Errorf("get %s by %s: %w", variant, property, err)
	}

	doc, err := p.session.LoadIncluding(ctx, id, sagaDocKeyPath)
	if err != nil {
		return false, fmt.Errorf("get %s by %s: %w", variant, property, err)
	}
	if doc == nil {
		p.metrics.lookup("unique")
		return false, nil
	}

	var identity UniqueIdentity
	if err := doc.Decode(&identity); err != nil {
		return false, fmt.Errorf("get %s by %s: %w", variant, property, err)
	}

	lookup := identity.sagaLookup(variant)
	switch lookup.kind {
	case lookupByDocumentKey:
		p.metrics.lookup("unique")
	case lookupBySagaID:
		p.logger.Debug("identity without saga document key",
			"identity", identity.ID,
			"saga_id", identity.SagaID)
		p.metrics.lookup("legacy")
	}

	saga, err := p.session.Load(ctx, lookup.key)
	if err != nil {
		return false, fmt.Errorf("get %s by %s: %w", variant, property, err)
	}
	return decodeSaga(saga, variant, dst)
}

func (p *Persister) getByQuery(ctx context.Context, variant, property string, value ir.IRValue, dst any) (bool, error) {
	p.metrics.lookup("query")

	q := queryir.Select{
		From:   variant,
		Filter: queryir.Equals{Field: property, Value: value},
		Limit:  1,
	}
	docs, err := p.session.Query(ctx, q, store.QueryOptions{WaitForNonStale: true})
	if store.IsSchemaMismatch(err) && !p.strict {
		p.logger.Warn("query does not match stored shape",
			"variant", variant,
			"property", property,
			"error", err)
		p.metrics.schemaMismatch()
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get %s by %s: %w", variant, property, err)
	}
	if len(docs) == 0 {
		return false, nil
	}
	return decodeSaga(docs[0], variant, dst)
}

// prepareClaim builds the identity document for value and checks it against
// the identities this session already holds. It writes nothing.
func (p *Persister) prepareClaim(ctx context.Context, record Record, key, property string, value ir.IRValue) (*UniqueIdentity, error) {
	identity, err := newUniqueIdentity(record.SagaVariant(), property, value, record.SagaID(), key)
	if err != nil {
		return nil, fmt.Errorf("unique value: %w", err)
	}

	// An identity this session already holds would otherwise be
	// overwritten in place instead of failing as a duplicate insert.
	if p.session.IsTracked(identity.ID) {
		held, err := p.heldIdentity(ctx, identity.ID)
		if err != nil {
			return nil, err
		}
		if held.SagaID != identity.SagaID {
			return nil, &store.Error{
				Code:       store.ErrCodeConstraintViolation,
				Message:    fmt.Sprintf("unique value %s is held by saga %s", identity.UniqueValue, held.SagaID),
				Key:        identity.ID,
				Collection: UniqueIdentityCollection,
			}
		}
	}
	return identity, nil
}

// claim stores a prepared identity document and records its value as the
// saga's indexed marker. The saga must already be stored in the session.
func (p *Persister) claim(key string, identity *UniqueIdentity) error {
	if err := p.session.Store(identity.ID, UniqueIdentityCollection, identity); err != nil {
		return err
	}
	meta, err := p.session.Metadata(key)
	if err != nil {
		return err
	}
	meta[uniqueValueMarker] = string(identity.UniqueValue)

	p.logger.Debug("unique value claimed",
		"saga", key,
		"identity", identity.ID,
		"value", string(identity.UniqueValue))
	p.metrics.indexWrite("create")
	return nil
}

func (p *Persister) heldIdentity(ctx context.Context, id string) (*UniqueIdentity, error) {
	// Tracked documents are served from the session.
	doc, err := p.session.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	var held UniqueIdentity
	if doc != nil {
		if err := doc.Decode(&held); err != nil {
			return nil, err
		}
	}
	return &held, nil
}

// markedIdentityID returns the identity document id named by a marker.
func markedIdentityID(variant, property, marker string) (string, error) {
	old, err := ir.UnmarshalIRValue([]byte(marker))
	if err != nil {
		return "", fmt.Errorf("indexed unique value %q: %w", marker, err)
	}
	return UniqueIdentityID(variant, property, old)
}

// release schedules deletion of an identity document.
func (p *Persister) release(id, marker string) {
	p.session.Defer(store.DeleteCommand{Key: id})

	p.logger.Debug("unique value released", "identity", id, "value", marker)
	p.metrics.indexWrite("delete")
}

func recordKey(record Record) (string, error) {
	if record == nil {
		return "", fmt.Errorf("nil record")
	}
	if record.SagaID() == "" {
		return "", ErrMissingSagaID
	}
	if record.SagaVariant() == "" {
		return "", ErrMissingVariant
	}
	return store.DocumentKey(record.SagaID(), record.SagaVariant()), nil
}

// decodeSaga decodes doc into dst. Documents of another collection count as
// absent.
func decodeSaga(doc *store.Document, variant string, dst any) (bool, error) {
	if doc == nil || doc.Collection != variant {
		return false, nil
	}
	if err := doc.Decode(dst); err != nil {
		return false, fmt.Errorf("decode %s: %w", doc.Key, err)
	}
	if d, ok := dst.(*Document); ok {
		d.Variant = variant
	}
	return true, nil
}

// Find is Persister.Get returning a new *T.
func Find[T any, P interface {
	*T
	Record
}](ctx context.Context, p *Persister, variant, id string) (P, error) {
	var v T
	found, err := p.Get(ctx, variant, id, P(&v))
	if err != nil || !found {
		return nil, err
	}
	return P(&v), nil
}

// FindBy is Persister.GetBy returning a new *T.
func FindBy[T any, P interface {
	*T
	Record
}](ctx context.Context, p *Persister, variant, property string, value any) (P, error) {
	var v T
	found, err := p.GetBy(ctx, variant, property, value, P(&v))
	if err != nil || !found {
		return nil, err
	}
	return P(&v), nil
}
