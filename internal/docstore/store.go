// Package docstore holds the in-memory document collections the state
// machine applies committed commands to.
package docstore

import (
	"errors"
	"fmt"
	"sync"
)

var (
	ErrCollectionNotFound = errors.New("docstore: collection not found")
	ErrDocumentNotFound   = errors.New("docstore: document not found")
	ErrDuplicateID        = errors.New("docstore: document id already exists")
	ErrMissingID          = errors.New("docstore: document has no id field")
)

// Document is a schemaless record keyed by its "id" field.
type Document = map[string]any

// DocumentID extracts the "id" field of a document, formatted to a stable
// string key regardless of the JSON number/string type it arrived as.
func DocumentID(doc Document) (string, error) {
	v, ok := doc["id"]
	if !ok || v == nil {
		return "", ErrMissingID
	}
	switch id := v.(type) {
	case string:
		if id == "" {
			return "", ErrMissingID
		}
		return id, nil
	case float64:
		// JSON numbers decode as float64; keep integral ids readable.
		if id == float64(int64(id)) {
			return fmt.Sprintf("%d", int64(id)), nil
		}
		return fmt.Sprintf("%v", id), nil
	default:
		return fmt.Sprintf("%v", id), nil
	}
}

// CollectionDump is the serializable form of one collection, used in
// snapshots.
type CollectionDump struct {
	Name     string         `json:"name"`
	Data     []Document     `json:"data"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Store is a named set of document collections.
type Store struct {
	mu          sync.Mutex
	collections map[string]map[string]Document
}

func New() *Store {
	return &Store{collections: make(map[string]map[string]Document)}
}

// EnsureCollection creates the named collection if it does not exist.
func (s *Store) EnsureCollection(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.collections[name]; !ok {
		s.collections[name] = make(map[string]Document)
	}
}

// Create inserts a document, creating the collection on first use.
func (s *Store) Create(collection string, doc Document) error {
	id, err := DocumentID(doc)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	docs, ok := s.collections[collection]
	if !ok {
		docs = make(map[string]Document)
		s.collections[collection] = docs
	}
	if _, exists := docs[id]; exists {
		return fmt.Errorf("%w: %s/%s", ErrDuplicateID, collection, id)
	}
	docs[id] = cloneDoc(doc)
	return nil
}

// Update merges updates into the document with the given id and returns the
// updated document.
func (s *Store) Update(collection, id string, updates map[string]any) (Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	docs, ok := s.collections[collection]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrCollectionNotFound, collection)
	}
	doc, ok := docs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrDocumentNotFound, collection, id)
	}
	for k, v := range updates {
		if k == "id" {
			continue // identity is immutable
		}
		doc[k] = cloneValue(v)
	}
	return cloneDoc(doc), nil
}

// Delete removes the document with the given id.
func (s *Store) Delete(collection, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	docs, ok := s.collections[collection]
	if !ok {
		return fmt.Errorf("%w: %s", ErrCollectionNotFound, collection)
	}
	if _, ok := docs[id]; !ok {
		return fmt.Errorf("%w: %s/%s", ErrDocumentNotFound, collection, id)
	}
	delete(docs, id)
	return nil
}

// Find returns all documents in the collection matching the query by field
// equality. An empty query matches everything.
func (s *Store) Find(collection string, query map[string]any) ([]Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	docs, ok := s.collections[collection]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrCollectionNotFound, collection)
	}
	var out []Document
	for _, doc := range docs {
		if matches(doc, query) {
			out = append(out, cloneDoc(doc))
		}
	}
	return out, nil
}

func matches(doc Document, query map[string]any) bool {
	for k, want := range query {
		got, ok := doc[k]
		if !ok || fmt.Sprintf("%v", got) != fmt.Sprintf("%v", want) {
			return false
		}
	}
	return true
}

// Names returns the collection names.
func (s *Store) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.collections))
	for name := range s.collections {
		names = append(names, name)
	}
	return names
}

// Count returns the number of collections.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.collections)
}

// Export dumps every collection for snapshotting.
func (s *Store) Export() map[string]CollectionDump {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]CollectionDump, len(s.collections))
	for name, docs := range s.collections {
		dump := CollectionDump{
			Name:     name,
			Data:     make([]Document, 0, len(docs)),
			Metadata: map[string]any{"count": len(docs)},
		}
		for _, doc := range docs {
			dump.Data = append(dump.Data, cloneDoc(doc))
		}
		out[name] = dump
	}
	return out
}

// Import atomically replaces all collections with the dump contents.
func (s *Store) Import(dumps map[string]CollectionDump) error {
	replacement := make(map[string]map[string]Document, len(dumps))
	for name, dump := range dumps {
		docs := make(map[string]Document, len(dump.Data))
		for _, doc := range dump.Data {
			id, err := DocumentID(doc)
			if err != nil {
				return fmt.Errorf("docstore: import %s: %w", name, err)
			}
			docs[id] = cloneDoc(doc)
		}
		replacement[name] = docs
	}
	s.mu.Lock()
	s.collections = replacement
	s.mu.Unlock()
	return nil
}

// cloneDoc deep-copies a document so stored state never shares nested
// maps or slices with caller-held values.
func cloneDoc(doc Document) Document {
	out := make(Document, len(doc))
	for k, v := range doc {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = cloneValue(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}
