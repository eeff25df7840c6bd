package scorer

import (
	"context"
	"sync/atomic"

	"github.com/ambegh/Living-labs/internal/stats"
)

type fakeField struct {
	length int64
	tf     map[string]int64
}

// fakeProvider serves fixed statistics and records session lifecycle.
type fakeProvider struct {
	collection map[string]fakeField
	docs       map[string]map[string]fakeField
	order      []string

	openErr       error
	resolveErr    error
	collectionErr error

	opened atomic.Int64
	closed atomic.Int64
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		collection: make(map[string]fakeField),
		docs:       make(map[string]map[string]fakeField),
	}
}

func (p *fakeProvider) setCollection(field string, length int64, tf map[string]int64) *fakeProvider {
	p.collection[field] = fakeField{length: length, tf: tf}
	return p
}

func (p *fakeProvider) setDoc(docID, field string, length int64, tf map[string]int64) *fakeProvider {
	if _, ok := p.docs[docID]; !ok {
		p.docs[docID] = make(map[string]fakeField)
		p.order = append(p.order, docID)
	}
	p.docs[docID][field] = fakeField{length: length, tf: tf}
	return p
}

func (p *fakeProvider) OpenSession(context.Context) (stats.Session, error) {
	if p.openErr != nil {
		return nil, p.openErr
	}
	p.opened.Add(1)
	return &fakeSession{p: p}, nil
}

type fakeSession struct {
	p      *fakeProvider
	closed atomic.Bool
}

func (s *fakeSession) ResolveHandle(_ context.Context, docID string) (stats.Handle, error) {
	if s.p.resolveErr != nil {
		return stats.Absent, s.p.resolveErr
	}
	for i, id := range s.p.order {
		if id == docID {
			return stats.Handle(i), nil
		}
	}
	return stats.Absent, nil
}

func (s *fakeSession) docField(h stats.Handle, field string) fakeField {
	if h == stats.Absent {
		return fakeField{}
	}
	return s.p.docs[s.p.order[h]][field]
}

func (s *fakeSession) DocumentFieldTermCount(_ context.Context, h stats.Handle, field, term string) (int64, error) {
	return s.docField(h, field).tf[term], nil
}

func (s *fakeSession) DocumentFieldLength(_ context.Context, h stats.Handle, field string) (int64, error) {
	return s.docField(h, field).length, nil
}

func (s *fakeSession) CollectionFieldLength(_ context.Context, field string) (int64, error) {
	if s.p.collectionErr != nil {
		return 0, s.p.collectionErr
	}
	return s.p.collection[field].length, nil
}

func (s *fakeSession) CollectionTermCount(_ context.Context, term, field string) (int64, error) {
	if s.p.collectionErr != nil {
		return 0, s.p.collectionErr
	}
	return s.p.collection[field].tf[term], nil
}

func (s *fakeSession) Close() error {
	if s.closed.CompareAndSwap(false, true) {
		s.p.closed.Add(1)
	}
	return nil
}
