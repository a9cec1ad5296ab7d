package store

import (
	"context"
	"encoding/json"
)

var _ ThoughtBackend = (*JSONBackend)(nil)

// thoughtsDocument is the on-disk layout: {"thoughts": {<id>: <payload>}}.
type thoughtsDocument struct {
	Thoughts map[string]json.RawMessage `json:"thoughts"`
}

// JSONBackend stores all thoughts in one JSON document, rewritten on every Sync.
type JSONBackend struct {
	doc *Document
}

// NewJSONBackend creates a JSONBackend writing to path.
func NewJSONBackend(path string) *JSONBackend {
	return &JSONBackend{doc: NewDocument(path)}
}

// Path returns the document path.
func (b *JSONBackend) Path() string { return b.doc.Path() }

func (b *JSONBackend) Load(_ context.Context) (map[string]json.RawMessage, error) {
	var d thoughtsDocument
	found, err := b.doc.Load(&d)
	if err != nil {
		return nil, err
	}
	if !found || d.Thoughts == nil {
		return map[string]json.RawMessage{}, nil
	}
	return d.Thoughts, nil
}

func (b *JSONBackend) Sync(_ context.Context, thoughts map[string]json.RawMessage, _ []string) error {
	return b.doc.Save(thoughtsDocument{Thoughts: thoughts})
}

func (b *JSONBackend) Close() error { return nil }
