package stats

import (
	"context"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/ambegh/Living-labs/pkg/config"
	"github.com/ambegh/Living-labs/pkg/postgres"
)

func testPostgres(t *testing.T) *postgres.Client {
	t.Helper()
	host := os.Getenv("TEST_POSTGRES_HOST")
	if host == "" {
		t.Skip("TEST_POSTGRES_HOST not set; skipping PostgreSQL statistics tests")
	}
	cfg := config.Default().Postgres
	cfg.Host = host
	if v := os.Getenv("TEST_POSTGRES_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Port = port
		}
	}
	if v := os.Getenv("TEST_POSTGRES_DATABASE"); v != "" {
		cfg.Database = v
	}
	if v := os.Getenv("TEST_POSTGRES_USER"); v != "" {
		cfg.User = v
	}
	if v := os.Getenv("TEST_POSTGRES_PASSWORD"); v != "" {
		cfg.Password = v
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	client, err := postgres.New(ctx, cfg)
	if err != nil {
		t.Skipf("postgres not available: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func TestPostgresProviderMatchesMemoryIndex(t *testing.T) {
	client := testPostgres(t)
	ctx := context.Background()
	idx := newTestIndex(t)

	if err := NewImporter(client).Import(ctx, idx); err != nil {
		t.Fatalf("Import: %v", err)
	}
	p := NewPostgresProvider(client)
	s, err := p.OpenSession(ctx)
	if err != nil {
		t.Fatalf("OpenSession: %v", err)
	}
	defer s.Close()

	h, err := s.ResolveHandle(ctx, "d1")
	if err != nil || h == Absent {
		t.Fatalf("ResolveHandle = %v, %v", h, err)
	}
	if n, _ := s.DocumentFieldTermCount(ctx, h, "contents", "lego"); n != 2 {
		t.Errorf("doc term count = %d, want 2", n)
	}
	if n, _ := s.DocumentFieldLength(ctx, h, "contents"); n != 3 {
		t.Errorf("doc length = %d, want 3", n)
	}
	if n, _ := s.CollectionFieldLength(ctx, "contents"); n != 5 {
		t.Errorf("collection length = %d, want 5", n)
	}
	if n, _ := s.CollectionTermCount(ctx, "doll", "contents"); n != 1 {
		t.Errorf("collection term = %d, want 1", n)
	}

	missing, err := s.ResolveHandle(ctx, "nope")
	if err != nil || missing != Absent {
		t.Errorf("missing handle = %v, %v", missing, err)
	}
	ids, err := p.DocumentIDs(ctx)
	if err != nil || len(ids) != 3 {
		t.Errorf("DocumentIDs = %v, %v", ids, err)
	}
}

func TestPostgresSessionCloseOnce(t *testing.T) {
	client := testPostgres(t)
	ctx := context.Background()
	p := NewPostgresProvider(client)
	if err := p.Migrate(ctx); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	s, err := p.OpenSession(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if _, err := s.CollectionFieldLength(ctx, "contents"); err != ErrSessionClosed {
		t.Errorf("err = %v, want ErrSessionClosed", err)
	}
}
