package stats

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// DocIDKey is the JSON key holding a corpus document's identifier.
const DocIDKey = "docid"

// LoadCorpus reads JSON documents from r, either one object per line or a
// single array, and adds them to idx. Every key except DocIDKey becomes a
// field; ContentsField is the space-joined concatenation of the fields named
// in indexedFields, in that order. It returns the number of documents added.
func LoadCorpus(r io.Reader, idx *MemoryIndex, indexedFields []string) (int, error) {
	br := bufio.NewReader(r)
	dec := json.NewDecoder(br)

	first, err := peekNonSpace(br)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return 0, nil
		}
		return 0, fmt.Errorf("reading corpus: %w", err)
	}

	added := 0
	add := func(raw map[string]any) error {
		docID, fields, err := corpusDocument(raw, indexedFields)
		if err != nil {
			return fmt.Errorf("corpus document %d: %w", added+1, err)
		}
		if err := idx.AddDocument(docID, fields); err != nil {
			return err
		}
		added++
		return nil
	}

	if first == '[' {
		var docs []map[string]any
		if err := dec.Decode(&docs); err != nil {
			return 0, fmt.Errorf("decoding corpus array: %w", err)
		}
		for _, raw := range docs {
			if err := add(raw); err != nil {
				return added, err
			}
		}
		return added, nil
	}

	for {
		var raw map[string]any
		if err := dec.Decode(&raw); err != nil {
			if errors.Is(err, io.EOF) {
				return added, nil
			}
			return added, fmt.Errorf("decoding corpus document %d: %w", added+1, err)
		}
		if err := add(raw); err != nil {
			return added, err
		}
	}
}

func peekNonSpace(br *bufio.Reader) (byte, error) {
	for {
		b, err := br.ReadByte()
		if err != nil {
			return 0, err
		}
		switch b {
		case ' ', '\t', '\r', '\n':
			continue
		}
		return b, br.UnreadByte()
	}
}

func corpusDocument(raw map[string]any, indexedFields []string) (string, map[string]string, error) {
	idValue, ok := raw[DocIDKey]
	if !ok {
		return "", nil, fmt.Errorf("missing %q", DocIDKey)
	}
	docID := fieldText(idValue)
	if docID == "" {
		return "", nil, fmt.Errorf("empty %q", DocIDKey)
	}

	fields := make(map[string]string, len(raw)+1)
	for key, value := range raw {
		if key == DocIDKey || key == ContentsField {
			continue
		}
		fields[key] = fieldText(value)
	}

	parts := make([]string, 0, len(indexedFields))
	for _, f := range indexedFields {
		if text, ok := fields[f]; ok && text != "" {
			parts = append(parts, text)
		}
	}
	fields[ContentsField] = strings.Join(parts, " ")
	return docID, fields, nil
}

func fieldText(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(val)
	case []any:
		parts := make([]string, 0, len(val))
		for _, item := range val {
			if s := fieldText(item); s != "" {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, " ")
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(b)
	}
}
