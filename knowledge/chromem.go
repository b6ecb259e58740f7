package knowledge

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	"github.com/philippgille/chromem-go"
)

// ChromemStore implements Knowledge (and Writable) on top of chromem-go, an
// embedded pure-Go vector store. It needs no external services: vectors live
// in memory with optional gzip-compressed file persistence.
//
// For production scale swap in an external vector database behind the same
// Knowledge interface.
type ChromemStore struct {
	name       string
	db         *chromem.DB
	collection *chromem.Collection
	mu         sync.RWMutex
}

// ChromemOptions configures NewChromemStore.
type ChromemOptions struct {
	// Collection names the chromem collection ("knowledge" by default).
	Collection string

	// PersistPath enables file persistence when non-empty.
	PersistPath string

	// Compress enables gzip compression for persisted data.
	Compress bool

	// EmbeddingFunc computes embeddings for documents and queries. Defaults
	// to chromem's default embedding function (OpenAI, configured via env).
	EmbeddingFunc chromem.EmbeddingFunc
}

// NewChromemStore creates an embedded vector-backed knowledge source.
func NewChromemStore(name string, optFns ...func(o *ChromemOptions)) (*ChromemStore, error) {
	opts := ChromemOptions{Collection: "knowledge"}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.EmbeddingFunc == nil {
		opts.EmbeddingFunc = chromem.NewEmbeddingFuncDefault()
	}

	var (
		db  *chromem.DB
		err error
	)
	if opts.PersistPath != "" {
		db, err = chromem.NewPersistentDB(opts.PersistPath, opts.Compress)
		if err != nil {
			return nil, fmt.Errorf("open persistent chromem db: %w", err)
		}
	} else {
		db = chromem.NewDB()
	}

	collection, err := db.GetOrCreateCollection(opts.Collection, nil, opts.EmbeddingFunc)
	if err != nil {
		return nil, fmt.Errorf("get or create collection %q: %w", opts.Collection, err)
	}

	return &ChromemStore{name: name, db: db, collection: collection}, nil
}

// Name implements Knowledge.
func (s *ChromemStore) Name() string { return s.name }

// Add implements Writable.
func (s *ChromemStore) Add(ctx context.Context, docs ...Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	converted := make([]chromem.Document, 0, len(docs))
	for _, doc := range docs {
		converted = append(converted, chromem.Document{
			ID:       doc.ID,
			Content:  doc.Content,
			Metadata: doc.Metadata,
		})
	}

	if err := s.collection.AddDocuments(ctx, converted, runtime.NumCPU()); err != nil {
		return fmt.Errorf("add documents: %w", err)
	}
	return nil
}

// Retrieve implements Knowledge. Filters map to chromem metadata where
// clauses (exact match).
func (s *ChromemStore) Retrieve(ctx context.Context, query string, limit int, filters map[string]string) ([]Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 5
	}
	// chromem rejects nResults beyond the collection size.
	if count := s.collection.Count(); limit > count {
		if count == 0 {
			return nil, nil
		}
		limit = count
	}

	results, err := s.collection.Query(ctx, query, limit, filters, nil)
	if err != nil {
		return nil, fmt.Errorf("query collection: %w", err)
	}

	docs := make([]Document, 0, len(results))
	for _, res := range results {
		docs = append(docs, Document{
			ID:       res.ID,
			Content:  res.Content,
			Metadata: res.Metadata,
			Score:    float64(res.Similarity),
		})
	}
	return docs, nil
}
