package stats

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"

	"github.com/ambegh/Living-labs/internal/analysis"
	"github.com/ambegh/Living-labs/pkg/config"
)

// ErrNoCorpus is returned by OpenMemoryIndex when neither a snapshot nor a
// corpus file is configured.
var ErrNoCorpus = errors.New("no snapshot or corpus configured")

// OpenMemoryIndex prefers the configured snapshot and falls back to
// indexing the corpus file. A missing snapshot file is not an error when a
// corpus is configured; the freshly built index is saved to the snapshot
// path in that case.
func OpenMemoryIndex(cfg config.StatsConfig, analyzer analysis.Analyzer) (*MemoryIndex, error) {
	log := slog.Default().With("component", "stats-loader")
	if cfg.SnapshotPath != "" {
		idx, err := LoadSnapshot(cfg.SnapshotPath, analyzer)
		switch {
		case err == nil:
			log.Info("statistics loaded from snapshot", "path", cfg.SnapshotPath, "documents", idx.DocCount())
			return idx, nil
		case !errors.Is(err, fs.ErrNotExist) || cfg.CorpusPath == "":
			return nil, err
		}
	}
	if cfg.CorpusPath == "" {
		return nil, ErrNoCorpus
	}

	f, err := os.Open(cfg.CorpusPath)
	if err != nil {
		return nil, fmt.Errorf("opening corpus: %w", err)
	}
	defer f.Close()
	idx := NewMemoryIndex(analyzer)
	n, err := LoadCorpus(f, idx, cfg.IndexedFields)
	if err != nil {
		return nil, fmt.Errorf("loading corpus %s: %w", cfg.CorpusPath, err)
	}
	log.Info("corpus indexed", "path", cfg.CorpusPath, "documents", n, "fields", len(idx.Fields()))

	if cfg.SnapshotPath != "" {
		if err := SaveSnapshot(cfg.SnapshotPath, idx); err != nil {
			log.Warn("failed to save snapshot", "path", cfg.SnapshotPath, "error", err)
		}
	}
	return idx, nil
}
