package stats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/ambegh/Living-labs/internal/analysis"
)

var ErrDuplicateDocument = errors.New("document already indexed")

type fieldStats struct {
	Length int64            `json:"length"`
	Terms  map[string]int64 `json:"terms"`
}

func newFieldStats() *fieldStats {
	return &fieldStats{Terms: make(map[string]int64)}
}

type document struct {
	ID     string                 `json:"id"`
	Fields map[string]*fieldStats `json:"fields"`
}

// MemoryIndex keeps per-field document and collection statistics in
// memory. It is the default Provider for the service and the CLI.
type MemoryIndex struct {
	analyzer analysis.Analyzer
	logger   *slog.Logger

	mu         sync.RWMutex
	docs       []*document
	handles    map[string]Handle
	collection map[string]*fieldStats

	openSessions atomic.Int64
}

func NewMemoryIndex(analyzer analysis.Analyzer) *MemoryIndex {
	if analyzer == nil {
		analyzer = analysis.Standard{}
	}
	return &MemoryIndex{
		analyzer:   analyzer,
		logger:     slog.Default().With("component", "memory-index"),
		handles:    make(map[string]Handle),
		collection: make(map[string]*fieldStats),
	}
}

// AddDocument analyzes every field value and records its statistics. A
// document ID can be added once.
func (m *MemoryIndex) AddDocument(docID string, fields map[string]string) error {
	if docID == "" {
		return fmt.Errorf("adding document: empty document id")
	}
	doc := &document{ID: docID, Fields: make(map[string]*fieldStats, len(fields))}
	for field, text := range fields {
		fs := newFieldStats()
		for _, term := range m.analyzer.Analyze(text) {
			fs.Terms[term]++
			fs.Length++
		}
		doc.Fields[field] = fs
	}
	return m.insert(doc)
}

func (m *MemoryIndex) insert(doc *document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.handles[doc.ID]; exists {
		return fmt.Errorf("adding document %q: %w", doc.ID, ErrDuplicateDocument)
	}
	for field, fs := range doc.Fields {
		coll, ok := m.collection[field]
		if !ok {
			coll = newFieldStats()
			m.collection[field] = coll
		}
		coll.Length += fs.Length
		for term, n := range fs.Terms {
			coll.Terms[term] += n
		}
	}
	m.handles[doc.ID] = Handle(len(m.docs))
	m.docs = append(m.docs, doc)
	return nil
}

// DocumentIDs lists indexed documents in insertion order.
func (m *MemoryIndex) DocumentIDs(context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, len(m.docs))
	for i, d := range m.docs {
		ids[i] = d.ID
	}
	return ids, nil
}

func (m *MemoryIndex) DocCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.docs)
}

// Fields returns the sorted names of every field seen so far.
func (m *MemoryIndex) Fields() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	fields := make([]string, 0, len(m.collection))
	for f := range m.collection {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	return fields
}

// OpenSessions reports how many sessions are open and not yet closed.
func (m *MemoryIndex) OpenSessions() int64 {
	return m.openSessions.Load()
}

func (m *MemoryIndex) OpenSession(ctx context.Context) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.openSessions.Add(1)
	return &memorySession{idx: m}, nil
}

type memorySession struct {
	idx    *MemoryIndex
	closed atomic.Bool
}

func (s *memorySession) check() error {
	if s.closed.Load() {
		return ErrSessionClosed
	}
	return nil
}

func (s *memorySession) ResolveHandle(_ context.Context, docID string) (Handle, error) {
	if err := s.check(); err != nil {
		return Absent, err
	}
	s.idx.mu.RLock()
	defer s.idx.mu.RUnlock()
	if h, ok := s.idx.handles[docID]; ok {
		return h, nil
	}
	return Absent, nil
}

func (s *memorySession) docField(h Handle, field string) *fieldStats {
	if h < 0 || int(h) >= len(s.idx.docs) {
		return nil
	}
	return s.idx.docs[h].Fields[field]
}

func (s *memorySession) DocumentFieldTermCount(_ context.Context, h Handle, field, term string) (int64, error) {
	if err := s.check(); err != nil {
		return 0, err
	}
	s.idx.mu.RLock()
	defer s.idx.mu.RUnlock()
	if fs := s.docField(h, field); fs != nil {
		return fs.Terms[term], nil
	}
	return 0, nil
}

func (s *memorySession) DocumentFieldLength(_ context.Context, h Handle, field string) (int64, error) {
	if err := s.check(); err != nil {
		return 0, err
	}
	s.idx.mu.RLock()
	defer s.idx.mu.RUnlock()
	if fs := s.docField(h, field); fs != nil {
		return fs.Length, nil
	}
	return 0, nil
}

func (s *memorySession) CollectionFieldLength(_ context.Context, field string) (int64, error) {
	if err := s.check(); err != nil {
		return 0, err
	}
	s.idx.mu.RLock()
	defer s.idx.mu.RUnlock()
	if fs, ok := s.idx.collection[field]; ok {
		return fs.Length, nil
	}
	return 0, nil
}

func (s *memorySession) CollectionTermCount(_ context.Context, term, field string) (int64, error) {
	if err := s.check(); err != nil {
		return 0, err
	}
	s.idx.mu.RLock()
	defer s.idx.mu.RUnlock()
	if fs, ok := s.idx.collection[field]; ok {
		return fs.Terms[term], nil
	}
	return 0, nil
}

// Close releases the session. Only the first call has an effect.
func (s *memorySession) Close() error {
	if s.closed.CompareAndSwap(false, true) {
		s.idx.openSessions.Add(-1)
	}
	return nil
}
