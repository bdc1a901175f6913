package store

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/roach88/sagastore/internal/querysql"
)

// Command is an operation deferred to the next SaveChanges.
//
// This is a sealed interface - only DeleteCommand implements it.
type Command interface {
	command()
}

// DeleteCommand deletes a document by key at flush time, without a version
// check. Deleting a key that does not exist is not an error.
type DeleteCommand struct {
	Key string
}

func (DeleteCommand) command() {}

// ChangeKind identifies a pending write.
type ChangeKind string

const (
	ChangeInsert         ChangeKind = "insert"
	ChangeUpdate         ChangeKind = "update"
	ChangeDelete         ChangeKind = "delete"
	ChangeDeferredDelete ChangeKind = "deferred_delete"
)

// Change describes one write SaveChanges would issue.
type Change struct {
	Key        string
	Collection string
	Kind       ChangeKind
}

// entity is the session's view of one document.
type entity struct {
	key        string
	collection string

	// value is the caller's object; nil until Store is called.
	value any

	// body and meta are what the database holds as of load or last flush.
	body json.RawMessage
	meta string

	metadata Metadata
	version  int64
	isNew    bool
	deleted  bool
}

func (e *entity) document() (*Document, error) {
	body := e.body
	if e.value != nil {
		b, err := marshalBody(e.value)
		if err != nil {
			return nil, fmt.Errorf("document %s: %w", e.key, err)
		}
		body = b
	}
	return &Document{
		Key:        e.key,
		Collection: e.collection,
		Body:       body,
		Metadata:   e.metadata,
		Version:    e.version,
	}, nil
}

// Session is one unit of work against a Store.
//
// A Session tracks every document it loads or stores. Writes are buffered
// until SaveChanges, which applies them atomically. Not safe for concurrent
// use.
type Session struct {
	store  *Store
	logger *slog.Logger

	entities map[string]*entity
	order    []string

	// included holds documents prefetched by LoadIncluding that have not
	// been loaded yet.
	included map[string]*Document

	deferred []Command

	// pendingDeletes holds keys a deferred delete will remove at flush.
	// Until then they read as absent unless stored again.
	pendingDeletes map[string]struct{}

	roundTrips int
}

func newSession(s *Store) *Session {
	return &Session{
		store:          s,
		logger:         s.logger,
		entities:       make(map[string]*entity),
		included:       make(map[string]*Document),
		pendingDeletes: make(map[string]struct{}),
	}
}

// RoundTrips returns the number of database requests this session issued.
func (s *Session) RoundTrips() int {
	return s.roundTrips
}

// IsTracked reports whether the session holds a live entity for key.
func (s *Session) IsTracked(key string) bool {
	e, ok := s.entities[key]
	return ok && !e.deleted
}

// Load returns the document stored under key, or nil if there is none.
// Tracked and prefetched documents are served without a database request.
func (s *Session) Load(ctx context.Context, key string) (*Document, error) {
	if e, ok := s.entities[key]; ok {
		if e.deleted {
			return nil, nil
		}
		return e.document()
	}

	if s.isPendingDelete(key) {
		return nil, nil
	}

	if doc, ok := s.included[key]; ok {
		delete(s.included, key)
		s.trackLoaded(doc)
		return doc, nil
	}

	s.roundTrips++
	row := s.store.db.QueryRowContext(ctx,
		"SELECT "+querysql.DocumentColumns+" FROM documents d WHERE d.key = ?", key)
	doc, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", key, err)
	}
	s.trackLoaded(doc)
	return doc, nil
}

// LoadIncluding loads the document under key and, in the same request,
// prefetches the document whose key is found at JSON path (e.g.
// "$.saga_doc_key") in its body. A later Load of that key is served from
// the session.
func (s *Session) LoadIncluding(ctx context.Context, key, path string) (*Document, error) {
	if !strings.HasPrefix(path, "$") {
		return nil, fmt.Errorf("load %s: include path %q must start with $", key, path)
	}
	if _, ok := s.entities[key]; ok || s.isPendingDelete(key) {
		return s.Load(ctx, key)
	}

	s.roundTrips++
	row := s.store.db.QueryRowContext(ctx, `
		SELECT d.key, d.collection, d.body, d.metadata, d.version,
		       i.key, i.collection, i.body, i.metadata, i.version
		FROM documents d
		LEFT JOIN documents i ON i.key = json_extract(d.body, ?)
		WHERE d.key = ?
	`, path, key)

	var (
		doc              Document
		body, meta       string
		incKey, incColl  sql.NullString
		incBody, incMeta sql.NullString
		incVersion       sql.NullInt64
	)
	err := row.Scan(&doc.Key, &doc.Collection, &body, &meta, &doc.Version,
		&incKey, &incColl, &incBody, &incMeta, &incVersion)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", key, err)
	}

	doc.Body = json.RawMessage(body)
	if doc.Metadata, err = unmarshalMetadata(meta); err != nil {
		return nil, fmt.Errorf("load %s: %w", key, err)
	}
	s.trackLoaded(&doc)

	if incKey.Valid && !s.isPendingDelete(incKey.String) {
		if _, tracked := s.entities[incKey.String]; !tracked {
			incMetadata, err := unmarshalMetadata(incMeta.String)
			if err != nil {
				return nil, fmt.Errorf("load %s: include %s: %w", key, incKey.String, err)
			}
			s.included[incKey.String] = &Document{
				Key:        incKey.String,
				Collection: incColl.String,
				Body:       json.RawMessage(incBody.String),
				Metadata:   incMetadata,
				Version:    incVersion.Int64,
			}
		}
	}

	return &doc, nil
}

func (s *Session) isPendingDelete(key string) bool {
	_, ok := s.pendingDeletes[key]
	return ok
}

func (s *Session) trackLoaded(doc *Document) {
	meta, err := marshalMetadata(doc.Metadata)
	if err != nil {
		meta = "{}"
	}
	if doc.Metadata == nil {
		doc.Metadata = Metadata{}
	}
	s.track(&entity{
		key:        doc.Key,
		collection: doc.Collection,
		body:       doc.Body,
		meta:       meta,
		metadata:   doc.Metadata,
		version:    doc.Version,
	})
}

func (s *Session) track(e *entity) {
	if _, ok := s.entities[e.key]; !ok {
		s.order = append(s.order, e.key)
	}
	s.entities[e.key] = e
}

func (s *Session) untrack(key string) {
	delete(s.entities, key)
	s.order = slices.DeleteFunc(s.order, func(k string) bool { return k == key })
}

// Store schedules value to be written under key. A key the session already
// tracks is updated (with an optimistic concurrency check at flush); any
// other key is inserted, and the insert fails with CONSTRAINT_VIOLATION if
// the key already exists in the database. A key with a pending deferred
// delete is inserted after that delete runs.
func (s *Session) Store(key, collection string, value any) error {
	if key == "" {
		return fmt.Errorf("store: empty key")
	}
	if value == nil {
		return fmt.Errorf("store %s: nil value", key)
	}

	if e, ok := s.entities[key]; ok {
		if e.deleted {
			return &Error{
				Code:       ErrCodeDeletedEntity,
				Message:    "document was deleted in this session",
				Key:        key,
				Collection: collection,
			}
		}
		e.value = value
		return nil
	}

	delete(s.included, key)
	s.track(&entity{
		key:        key,
		collection: collection,
		value:      value,
		meta:       "{}",
		metadata:   Metadata{},
		isNew:      true,
	})
	return nil
}

// Delete schedules the document under key for deletion. A loaded document
// is deleted only if its version is unchanged at flush. A document stored
// but never flushed in this session is simply forgotten.
func (s *Session) Delete(key string) error {
	if e, ok := s.entities[key]; ok {
		if e.isNew {
			s.untrack(key)
			return nil
		}
		e.deleted = true
		return nil
	}

	delete(s.included, key)
	s.track(&entity{key: key, deleted: true})
	return nil
}

// Defer queues commands to run first in the next SaveChanges.
//
// A deferred delete takes effect for reads at once: Load, LoadIncluding and
// Query report the key as absent until it is stored again. Deferring a
// delete of a key that is pending insert in this session drops the insert
// instead.
func (s *Session) Defer(cmds ...Command) {
	for _, cmd := range cmds {
		if del, ok := cmd.(DeleteCommand); ok {
			delete(s.included, del.Key)
			if e, tracked := s.entities[del.Key]; tracked {
				s.untrack(del.Key)
				if e.isNew {
					continue
				}
			}
			s.pendingDeletes[del.Key] = struct{}{}
		}
		s.deferred = append(s.deferred, cmd)
	}
}

// Metadata returns the mutable metadata of a tracked document. Changes are
// persisted by SaveChanges.
func (s *Session) Metadata(key string) (Metadata, error) {
	e, ok := s.entities[key]
	if !ok || e.deleted {
		return nil, &Error{
			Code:    ErrCodeNotTracked,
			Message: "document is not tracked by this session",
			Key:     key,
		}
	}
	return e.metadata, nil
}

// write is one planned statement of SaveChanges.
type write struct {
	change Change
	entity *entity
	body   json.RawMessage
	meta   string
}

func (s *Session) plan() ([]write, error) {
	var writes []write

	for _, cmd := range s.deferred {
		if del, ok := cmd.(DeleteCommand); ok {
			writes = append(writes, write{change: Change{Key: del.Key, Kind: ChangeDeferredDelete}})
		}
	}

	for _, key := range s.order {
		e := s.entities[key]
		ch := Change{Key: e.key, Collection: e.collection}

		if e.deleted {
			ch.Kind = ChangeDelete
			writes = append(writes, write{change: ch, entity: e})
			continue
		}

		body := e.body
		if e.value != nil {
			b, err := marshalBody(e.value)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", e.key, err)
			}
			body = b
		}
		meta, err := marshalMetadata(e.metadata)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", e.key, err)
		}

		switch {
		case e.isNew:
			ch.Kind = ChangeInsert
		case !bytes.Equal(body, e.body) || meta != e.meta:
			ch.Kind = ChangeUpdate
		default:
			continue
		}
		writes = append(writes, write{change: ch, entity: e, body: body, meta: meta})
	}

	return writes, nil
}

// Changes returns the writes the next SaveChanges would issue, in order.
func (s *Session) Changes() ([]Change, error) {
	writes, err := s.plan()
	if err != nil {
		return nil, fmt.Errorf("changes: %w", err)
	}
	out := make([]Change, len(writes))
	for i, w := range writes {
		out[i] = w.change
	}
	return out, nil
}

// SaveChanges applies all pending writes in one transaction: deferred
// commands first, then deletes, inserts and updates in tracking order.
// Either everything is applied or nothing is, and on failure the session
// is left as it was.
func (s *Session) SaveChanges(ctx context.Context) error {
	writes, err := s.plan()
	if err != nil {
		return fmt.Errorf("save changes: %w", err)
	}
	if len(writes) == 0 {
		return nil
	}

	s.roundTrips++
	tx, err := s.store.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("save changes: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	for _, w := range writes {
		if err := applyWrite(ctx, tx, w); err != nil {
			return fmt.Errorf("save changes: %w", err)
		}
		if _, err := tx.ExecContext(ctx, "INSERT INTO changes (key) VALUES (?)", w.change.Key); err != nil {
			return fmt.Errorf("save changes: record change %s: %w", w.change.Key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("save changes: commit: %w", err)
	}

	for _, w := range writes {
		switch w.change.Kind {
		case ChangeInsert:
			w.entity.isNew = false
			w.entity.version = 1
			w.entity.body = w.body
			w.entity.meta = w.meta
		case ChangeUpdate:
			w.entity.version++
			w.entity.body = w.body
			w.entity.meta = w.meta
		case ChangeDelete:
			s.untrack(w.change.Key)
		}
	}
	s.deferred = nil
	clear(s.pendingDeletes)

	s.logger.Debug("session saved", "writes", len(writes))
	return nil
}

func applyWrite(ctx context.Context, tx *sql.Tx, w write) error {
	switch w.change.Kind {
	case ChangeDeferredDelete:
		if _, err := tx.ExecContext(ctx, "DELETE FROM documents WHERE key = ?", w.change.Key); err != nil {
			return fmt.Errorf("deferred delete %s: %w", w.change.Key, err)
		}
		return nil

	case ChangeDelete:
		if w.entity.version == 0 {
			if _, err := tx.ExecContext(ctx, "DELETE FROM documents WHERE key = ?", w.change.Key); err != nil {
				return fmt.Errorf("delete %s: %w", w.change.Key, err)
			}
			return nil
		}
		res, err := tx.ExecContext(ctx,
			"DELETE FROM documents WHERE key = ? AND version = ?", w.change.Key, w.entity.version)
		if err != nil {
			return fmt.Errorf("delete %s: %w", w.change.Key, err)
		}
		return expectOneRow(res, w)

	case ChangeInsert:
		_, err := tx.ExecContext(ctx, `
			INSERT INTO documents (key, collection, body, metadata, version)
			VALUES (?, ?, ?, ?, 1)
		`, w.change.Key, w.change.Collection, string(w.body), w.meta)
		if err != nil {
			return fmt.Errorf("insert %s: %w", w.change.Key,
				classifyInsertError(err, w.change.Key, w.change.Collection))
		}
		return nil

	case ChangeUpdate:
		res, err := tx.ExecContext(ctx, `
			UPDATE documents SET body = ?, metadata = ?, version = version + 1
			WHERE key = ? AND version = ?
		`, string(w.body), w.meta, w.change.Key, w.entity.version)
		if err != nil {
			return fmt.Errorf("update %s: %w", w.change.Key, err)
		}
		return expectOneRow(res, w)

	default:
		return fmt.Errorf("unknown change kind %q", w.change.Kind)
	}
}

func expectOneRow(res sql.Result, w write) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s %s: %w", w.change.Kind, w.change.Key, err)
	}
	if n == 0 {
		return &Error{
			Code:       ErrCodeConcurrencyConflict,
			Message:    fmt.Sprintf("%s expected version %d", w.change.Kind, w.entity.version),
			Key:        w.change.Key,
			Collection: w.change.Collection,
		}
	}
	return nil
}
