package stats

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"

	"github.com/ambegh/Living-labs/internal/analysis"
)

// Snapshot layout: a fixed header followed by a zstd-compressed JSON
// payload. The checksum covers the compressed payload.
//
//	[0:4]   magic "LLSN"
//	[4:8]   format version, little endian
//	[8:12]  CRC32 (IEEE) of the payload
//	[12:16] document count
const (
	snapshotMagic      = "LLSN"
	SnapshotVersion    = uint32(1)
	snapshotHeaderSize = 16
)

var ErrCorruptSnapshot = errors.New("corrupt statistics snapshot")

type snapshotPayload struct {
	Documents []*document `json:"documents"`
}

// WriteSnapshot serialises idx to w.
func WriteSnapshot(w io.Writer, idx *MemoryIndex) error {
	idx.mu.RLock()
	payload := snapshotPayload{Documents: idx.docs}
	var compressed bytes.Buffer
	enc, err := zstd.NewWriter(&compressed)
	if err != nil {
		idx.mu.RUnlock()
		return fmt.Errorf("creating zstd encoder: %w", err)
	}
	err = json.NewEncoder(enc).Encode(payload)
	idx.mu.RUnlock()
	if err != nil {
		enc.Close()
		return fmt.Errorf("encoding snapshot payload: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("flushing zstd encoder: %w", err)
	}

	header := make([]byte, snapshotHeaderSize)
	copy(header[0:4], snapshotMagic)
	binary.LittleEndian.PutUint32(header[4:8], SnapshotVersion)
	binary.LittleEndian.PutUint32(header[8:12], crc32.ChecksumIEEE(compressed.Bytes()))
	binary.LittleEndian.PutUint32(header[12:16], uint32(len(payload.Documents)))

	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("writing snapshot header: %w", err)
	}
	if _, err := w.Write(compressed.Bytes()); err != nil {
		return fmt.Errorf("writing snapshot payload: %w", err)
	}
	return nil
}

// ReadSnapshot rebuilds a MemoryIndex from r. analyzer is used for any
// documents added after loading.
func ReadSnapshot(r io.Reader, analyzer analysis.Analyzer) (*MemoryIndex, error) {
	header := make([]byte, snapshotHeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("%w: reading header: %v", ErrCorruptSnapshot, err)
	}
	if string(header[0:4]) != snapshotMagic {
		return nil, fmt.Errorf("%w: bad magic %q", ErrCorruptSnapshot, header[0:4])
	}
	if v := binary.LittleEndian.Uint32(header[4:8]); v != SnapshotVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrCorruptSnapshot, v)
	}
	wantCRC := binary.LittleEndian.Uint32(header[8:12])
	docCount := binary.LittleEndian.Uint32(header[12:16])

	compressed, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading snapshot payload: %w", err)
	}
	if got := crc32.ChecksumIEEE(compressed); got != wantCRC {
		return nil, fmt.Errorf("%w: checksum mismatch (want %08x, got %08x)", ErrCorruptSnapshot, wantCRC, got)
	}

	dec, err := zstd.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}
	defer dec.Close()

	var payload snapshotPayload
	if err := json.NewDecoder(dec).Decode(&payload); err != nil {
		return nil, fmt.Errorf("%w: decoding payload: %v", ErrCorruptSnapshot, err)
	}
	if uint32(len(payload.Documents)) != docCount {
		return nil, fmt.Errorf("%w: header lists %d documents, payload has %d",
			ErrCorruptSnapshot, docCount, len(payload.Documents))
	}

	idx := NewMemoryIndex(analyzer)
	for i, doc := range payload.Documents {
		if doc == nil {
			return nil, fmt.Errorf("%w: document %d is null", ErrCorruptSnapshot, i)
		}
		for field, fs := range doc.Fields {
			if fs == nil {
				doc.Fields[field] = newFieldStats()
			} else if fs.Terms == nil {
				fs.Terms = make(map[string]int64)
			}
		}
		if err := idx.insert(doc); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorruptSnapshot, err)
		}
	}
	return idx, nil
}

// SaveSnapshot writes idx to path through a temporary file and a rename.
func SaveSnapshot(path string, idx *MemoryIndex) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating snapshot directory: %w", err)
	}
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("creating snapshot file: %w", err)
	}
	if err := WriteSnapshot(f, idx); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("syncing snapshot: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("closing snapshot: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("renaming snapshot: %w", err)
	}
	idx.logger.Info("snapshot saved", "path", path, "documents", idx.DocCount())
	return nil
}

// LoadSnapshot reads the snapshot stored at path.
func LoadSnapshot(path string, analyzer analysis.Analyzer) (*MemoryIndex, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening snapshot: %w", err)
	}
	defer f.Close()
	idx, err := ReadSnapshot(f, analyzer)
	if err != nil {
		return nil, fmt.Errorf("loading snapshot %s: %w", path, err)
	}
	return idx, nil
}
