package stats

import (
	"context"
	"strings"
	"testing"

	"github.com/ambegh/Living-labs/internal/analysis"
)

func TestLoadCorpusBuildsContents(t *testing.T) {
	input := `{"docid": "p1", "title": "Lego Castle", "brand": "Lego", "price": 19.5, "category": ["toys", "bricks"]}
{"docid": "p2", "title": "Doll", "description": "small doll"}
`
	idx := NewMemoryIndex(analysis.Whitespace{})
	n, err := LoadCorpus(strings.NewReader(input), idx, []string{"title", "brand", "category", "description"})
	if err != nil {
		t.Fatalf("LoadCorpus: %v", err)
	}
	if n != 2 {
		t.Fatalf("loaded %d documents, want 2", n)
	}

	ctx := context.Background()
	s, _ := idx.OpenSession(ctx)
	defer s.Close()
	h, _ := s.ResolveHandle(ctx, "p1")

	// title(2) + brand(1) + category(2); price is not an indexed field.
	if got, _ := s.DocumentFieldLength(ctx, h, ContentsField); got != 5 {
		t.Errorf("contents length = %d, want 5", got)
	}
	if got, _ := s.DocumentFieldTermCount(ctx, h, ContentsField, "lego"); got != 2 {
		t.Errorf("contents lego count = %d, want 2", got)
	}
	if got, _ := s.DocumentFieldLength(ctx, h, "price"); got != 1 {
		t.Errorf("price field length = %d, want 1", got)
	}
	if got, _ := s.DocumentFieldTermCount(ctx, h, ContentsField, "19.5"); got != 0 {
		t.Errorf("price leaked into contents")
	}
}

func TestLoadCorpusArray(t *testing.T) {
	input := `  [{"docid": "a", "title": "x y"}, {"docid": 7, "title": "z"}]`
	idx := NewMemoryIndex(analysis.Whitespace{})
	n, err := LoadCorpus(strings.NewReader(input), idx, []string{"title"})
	if err != nil {
		t.Fatalf("LoadCorpus: %v", err)
	}
	if n != 2 {
		t.Fatalf("loaded %d, want 2", n)
	}
	ids, _ := idx.DocumentIDs(context.Background())
	if ids[1] != "7" {
		t.Errorf("numeric docid = %q, want 7", ids[1])
	}
}

func TestLoadCorpusErrors(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"missing docid", `{"title": "x"}`},
		{"malformed", `{"docid": "a"`},
		{"duplicate", `{"docid": "a"}
{"docid": "a"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			idx := NewMemoryIndex(analysis.Whitespace{})
			if _, err := LoadCorpus(strings.NewReader(tt.input), idx, nil); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestLoadCorpusEmpty(t *testing.T) {
	idx := NewMemoryIndex(nil)
	n, err := LoadCorpus(strings.NewReader("  \n"), idx, nil)
	if err != nil || n != 0 {
		t.Errorf("LoadCorpus(empty) = %d, %v", n, err)
	}
}
