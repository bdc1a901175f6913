package store

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Metadata is the mutable string map stored alongside each document.
type Metadata map[string]string

// Document is a stored JSON document.
type Document struct {
	Key        string
	Collection string
	Body       json.RawMessage
	Metadata   Metadata
	Version    int64
}

// Decode unmarshals the document body into dst.
func (d *Document) Decode(dst any) error {
	if err := json.Unmarshal(d.Body, dst); err != nil {
		return fmt.Errorf("decode %s: %w", d.Key, err)
	}
	return nil
}

// marshalBody converts a value to JSON TEXT for storage.
// HTML escaping is disabled so stored bodies match what callers wrote.
func marshalBody(v any) (json.RawMessage, error) {
	if raw, ok := v.(json.RawMessage); ok {
		if !json.Valid(raw) {
			return nil, fmt.Errorf("marshal body: invalid JSON")
		}
		return raw, nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("marshal body: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// marshalMetadata converts metadata to JSON TEXT. Map keys are sorted by
// encoding/json, so equal maps produce equal text.
func marshalMetadata(m Metadata) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	data, err := json.Marshal(map[string]string(m))
	if err != nil {
		return "", fmt.Errorf("marshal metadata: %w", err)
	}
	return string(data), nil
}

func unmarshalMetadata(data string) (Metadata, error) {
	m := Metadata{}
	if data == "" || data == "{}" {
		return m, nil
	}
	if err := json.Unmarshal([]byte(data), &m); err != nil {
		return nil, fmt.Errorf("unmarshal metadata: %w", err)
	}
	return m, nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanDocument reads the querysql.DocumentColumns column list.
func scanDocument(sc rowScanner) (*Document, error) {
	var (
		doc  Document
		body string
		meta string
	)
	if err := sc.Scan(&doc.Key, &doc.Collection, &body, &meta, &doc.Version); err != nil {
		return nil, err
	}
	doc.Body = json.RawMessage(body)
	m, err := unmarshalMetadata(meta)
	if err != nil {
		return nil, fmt.Errorf("document %s: %w", doc.Key, err)
	}
	doc.Metadata = m
	return &doc, nil
}
