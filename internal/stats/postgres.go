package stats

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lib/pq"

	"github.com/ambegh/Living-labs/pkg/postgres"
)

const schema = `
CREATE TABLE IF NOT EXISTS ll_documents (
	id     BIGINT PRIMARY KEY,
	doc_id TEXT NOT NULL UNIQUE
);
CREATE TABLE IF NOT EXISTS ll_document_fields (
	document BIGINT NOT NULL REFERENCES ll_documents(id) ON DELETE CASCADE,
	field    TEXT   NOT NULL,
	length   BIGINT NOT NULL,
	PRIMARY KEY (document, field)
);
CREATE TABLE IF NOT EXISTS ll_document_terms (
	document BIGINT NOT NULL REFERENCES ll_documents(id) ON DELETE CASCADE,
	field    TEXT   NOT NULL,
	term     TEXT   NOT NULL,
	count    BIGINT NOT NULL,
	PRIMARY KEY (document, field, term)
);
CREATE TABLE IF NOT EXISTS ll_collection_fields (
	field  TEXT PRIMARY KEY,
	length BIGINT NOT NULL
);
CREATE TABLE IF NOT EXISTS ll_collection_terms (
	field TEXT   NOT NULL,
	term  TEXT   NOT NULL,
	count BIGINT NOT NULL,
	PRIMARY KEY (field, term)
);`

// PostgresProvider serves statistics stored by Importer. Each session pins
// one pooled connection until it is closed.
type PostgresProvider struct {
	client *postgres.Client
	logger *slog.Logger
}

func NewPostgresProvider(client *postgres.Client) *PostgresProvider {
	return &PostgresProvider{
		client: client,
		logger: slog.Default().With("component", "postgres-stats"),
	}
}

// Migrate creates the statistics tables if they do not exist.
func (p *PostgresProvider) Migrate(ctx context.Context) error {
	if _, err := p.client.DB.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("creating statistics schema: %w", err)
	}
	return nil
}

func (p *PostgresProvider) OpenSession(ctx context.Context) (Session, error) {
	conn, err := p.client.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("opening statistics session: %w", err)
	}
	return &postgresSession{conn: conn, logger: p.logger}, nil
}

func (p *PostgresProvider) DocumentIDs(ctx context.Context) ([]string, error) {
	rows, err := p.client.DB.QueryContext(ctx, `SELECT doc_id FROM ll_documents ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("listing documents: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning document id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Ping reports whether the statistics database is reachable.
func (p *PostgresProvider) Ping(ctx context.Context) error {
	return p.client.Ping(ctx)
}

type postgresSession struct {
	conn   *sql.Conn
	logger *slog.Logger
	once   sync.Once
	mu     sync.RWMutex
	closed bool
}

// lookup runs a single-value query. found is false when no row matched.
func (s *postgresSession) lookup(ctx context.Context, query string, args ...any) (n int64, found bool, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, false, ErrSessionClosed
	}
	err = s.conn.QueryRowContext(ctx, query, args...).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("querying statistics: %w", err)
	}
	return n, true, nil
}

func (s *postgresSession) queryInt64(ctx context.Context, query string, args ...any) (int64, error) {
	n, _, err := s.lookup(ctx, query, args...)
	return n, err
}

func (s *postgresSession) ResolveHandle(ctx context.Context, docID string) (Handle, error) {
	id, found, err := s.lookup(ctx, `SELECT id FROM ll_documents WHERE doc_id = $1`, docID)
	if err != nil || !found {
		return Absent, err
	}
	return Handle(id), nil
}

func (s *postgresSession) DocumentFieldTermCount(ctx context.Context, h Handle, field, term string) (int64, error) {
	if h == Absent {
		return 0, nil
	}
	return s.queryInt64(ctx,
		`SELECT count FROM ll_document_terms WHERE document = $1 AND field = $2 AND term = $3`,
		int64(h), field, term)
}

func (s *postgresSession) DocumentFieldLength(ctx context.Context, h Handle, field string) (int64, error) {
	if h == Absent {
		return 0, nil
	}
	return s.queryInt64(ctx,
		`SELECT length FROM ll_document_fields WHERE document = $1 AND field = $2`,
		int64(h), field)
}

func (s *postgresSession) CollectionFieldLength(ctx context.Context, field string) (int64, error) {
	return s.queryInt64(ctx, `SELECT length FROM ll_collection_fields WHERE field = $1`, field)
}

func (s *postgresSession) CollectionTermCount(ctx context.Context, term, field string) (int64, error) {
	return s.queryInt64(ctx,
		`SELECT count FROM ll_collection_terms WHERE field = $1 AND term = $2`, field, term)
}

func (s *postgresSession) Close() error {
	var err error
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		err = s.conn.Close()
	})
	return err
}

// Importer copies a MemoryIndex into the PostgreSQL statistics tables,
// replacing whatever was there.
type Importer struct {
	client *postgres.Client
	logger *slog.Logger
}

func NewImporter(client *postgres.Client) *Importer {
	return &Importer{
		client: client,
		logger: slog.Default().With("component", "stats-importer"),
	}
}

// Import runs in one transaction; readers see either the old or the new
// corpus.
func (im *Importer) Import(ctx context.Context, idx *MemoryIndex) error {
	start := time.Now()
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	err := im.client.InTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, schema); err != nil {
			return fmt.Errorf("creating statistics schema: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`TRUNCATE ll_document_terms, ll_document_fields, ll_documents, ll_collection_terms, ll_collection_fields`); err != nil {
			return fmt.Errorf("clearing statistics: %w", err)
		}

		if err := copyRows(ctx, tx, "ll_documents", []string{"id", "doc_id"}, func(emit func(...any) error) error {
			for h, doc := range idx.docs {
				if err := emit(int64(h), doc.ID); err != nil {
					return err
				}
			}
			return nil
		}); err != nil {
			return err
		}
		if err := copyRows(ctx, tx, "ll_document_fields", []string{"document", "field", "length"}, func(emit func(...any) error) error {
			for h, doc := range idx.docs {
				for field, fs := range doc.Fields {
					if err := emit(int64(h), field, fs.Length); err != nil {
						return err
					}
				}
			}
			return nil
		}); err != nil {
			return err
		}
		if err := copyRows(ctx, tx, "ll_document_terms", []string{"document", "field", "term", "count"}, func(emit func(...any) error) error {
			for h, doc := range idx.docs {
				for field, fs := range doc.Fields {
					for term, n := range fs.Terms {
						if err := emit(int64(h), field, term, n); err != nil {
							return err
						}
					}
				}
			}
			return nil
		}); err != nil {
			return err
		}
		if err := copyRows(ctx, tx, "ll_collection_fields", []string{"field", "length"}, func(emit func(...any) error) error {
			for field, fs := range idx.collection {
				if err := emit(field, fs.Length); err != nil {
					return err
				}
			}
			return nil
		}); err != nil {
			return err
		}
		return copyRows(ctx, tx, "ll_collection_terms", []string{"field", "term", "count"}, func(emit func(...any) error) error {
			for field, fs := range idx.collection {
				for term, n := range fs.Terms {
					if err := emit(field, term, n); err != nil {
						return err
					}
				}
			}
			return nil
		})
	})
	if err != nil {
		return fmt.Errorf("importing statistics: %w", err)
	}
	im.logger.Info("statistics imported", "documents", len(idx.docs), "fields", len(idx.collection), "duration", time.Since(start))
	return nil
}

// copyRows bulk-loads one table with COPY FROM STDIN.
func copyRows(ctx context.Context, tx *sql.Tx, table string, columns []string, rows func(emit func(...any) error) error) error {
	stmt, err := tx.PrepareContext(ctx, pq.CopyIn(table, columns...))
	if err != nil {
		return fmt.Errorf("preparing copy into %s: %w", table, err)
	}
	defer stmt.Close()
	emit := func(args ...any) error {
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return fmt.Errorf("copying row into %s: %w", table, err)
		}
		return nil
	}
	if err := rows(emit); err != nil {
		return err
	}
	if _, err := stmt.ExecContext(ctx); err != nil {
		return fmt.Errorf("flushing copy into %s: %w", table, err)
	}
	return nil
}
