// Package stats defines the read-only term statistics contract the scorers
// consume and ships the backends that implement it: an in-memory index with
// a compressed snapshot format, a PostgreSQL store, and a caching decorator
// backed by an in-process LRU and Redis.
package stats

import (
	"context"
	"errors"
)

// ContentsField is the catch-all field holding the concatenation of every
// indexed field of a document.
const ContentsField = "contents"

// Handle is a provider-internal document number.
type Handle int64

// Absent is the handle of a document the provider does not know. Every
// per-document statistic of Absent is zero.
const Absent Handle = -1

var (
	ErrSessionClosed      = errors.New("statistics session closed")
	ErrListingUnsupported = errors.New("statistics provider cannot list documents")
)

// Provider opens read sessions over a corpus. Implementations are safe for
// concurrent use.
type Provider interface {
	OpenSession(ctx context.Context) (Session, error)
}

// Session is a read view over the corpus statistics. Unknown documents,
// fields, and terms read as zero; only backend failures are errors. A
// session may be used from several goroutines until Close.
type Session interface {
	ResolveHandle(ctx context.Context, docID string) (Handle, error)
	DocumentFieldTermCount(ctx context.Context, h Handle, field, term string) (int64, error)
	DocumentFieldLength(ctx context.Context, h Handle, field string) (int64, error)
	CollectionFieldLength(ctx context.Context, field string) (int64, error)
	CollectionTermCount(ctx context.Context, term, field string) (int64, error)
	Close() error
}

// Lister is implemented by providers that can enumerate their documents.
// The ranker uses it when a request names no candidates.
type Lister interface {
	DocumentIDs(ctx context.Context) ([]string, error)
}
