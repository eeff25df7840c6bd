// Command rank scores a batch of queries offline and writes a TREC run.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hscells/trecresults"
	"github.com/spf13/pflag"
	"gopkg.in/cheggaaa/pb.v1"

	"github.com/ambegh/Living-labs/internal/analysis"
	"github.com/ambegh/Living-labs/internal/ranker"
	"github.com/ambegh/Living-labs/internal/scorer"
	"github.com/ambegh/Living-labs/internal/stats"
	"github.com/ambegh/Living-labs/pkg/config"
	"github.com/ambegh/Living-labs/pkg/logger"
	"github.com/ambegh/Living-labs/pkg/postgres"
)

type query struct {
	QueryID string `json:"query_id"`
	Query   string `json:"query"`
}

type options struct {
	configPath  string
	queriesPath string
	candidates  string
	runPath     string
	runName     string
	model       string
	snapshotOut string
	limit       int
	progress    bool
}

func main() {
	var opts options
	pflag.StringVar(&opts.configPath, "config", "", "path to config file")
	pflag.StringVar(&opts.queriesPath, "queries", "", `JSON array of {"query_id","query"} objects`)
	pflag.StringVar(&opts.candidates, "candidates", "", "TREC run whose documents are re-ranked (default: every indexed document)")
	pflag.StringVar(&opts.runPath, "run", "-", "output TREC run file, - for stdout")
	pflag.StringVar(&opts.runName, "run-name", "", "run name column (default: the model name)")
	pflag.StringVar(&opts.model, "model", "", "retrieval model, lm or mlm (default: scoring.model)")
	pflag.StringVar(&opts.snapshotOut, "snapshot-out", "", "write the in-memory statistics snapshot to this path")
	pflag.IntVar(&opts.limit, "limit", 0, "results per query (default: ranking.defaultLimit)")
	pflag.BoolVar(&opts.progress, "progress", true, "show a progress bar on stderr")
	pflag.Parse()

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg, opts); err != nil {
		slog.Error("rank failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, opts options) error {
	if opts.model != "" {
		cfg.Scoring.Model = opts.model
	}
	model, err := scorer.ParseModel(cfg.Scoring.Model)
	if err != nil {
		return err
	}
	analyzer := analysis.ByName(cfg.Stats.Analyzer)

	var provider stats.Provider
	switch cfg.Stats.Backend {
	case "memory":
		idx, err := stats.OpenMemoryIndex(cfg.Stats, analyzer)
		if err != nil {
			return err
		}
		if opts.snapshotOut != "" {
			if err := stats.SaveSnapshot(opts.snapshotOut, idx); err != nil {
				return err
			}
		}
		provider = idx
	case "postgres":
		if opts.snapshotOut != "" {
			return fmt.Errorf("--snapshot-out needs the memory statistics backend")
		}
		pg, err := postgres.New(ctx, cfg.Postgres)
		if err != nil {
			return err
		}
		defer pg.Close()
		provider = stats.NewPostgresProvider(pg)
	default:
		return fmt.Errorf("unknown statistics backend %q", cfg.Stats.Backend)
	}

	if opts.queriesPath == "" {
		if opts.snapshotOut != "" {
			return nil
		}
		return fmt.Errorf("--queries is required")
	}
	queries, err := readQueries(opts.queriesPath)
	if err != nil {
		return err
	}
	var candidates map[string][]string
	if opts.candidates != "" {
		f, err := os.Open(opts.candidates)
		if err != nil {
			return fmt.Errorf("opening candidates: %w", err)
		}
		candidates, err = ranker.ReadCandidates(f)
		f.Close()
		if err != nil {
			return err
		}
	}

	out := io.Writer(os.Stdout)
	if opts.runPath != "-" && opts.runPath != "" {
		f, err := os.Create(opts.runPath)
		if err != nil {
			return fmt.Errorf("creating run file: %w", err)
		}
		defer f.Close()
		out = f
	}
	runName := opts.runName
	if runName == "" {
		runName = model.String()
	}

	rk := ranker.New(provider, analyzer, model, scorer.ParamsFromConfig(cfg.Scoring), ranker.Options{
		Workers:      cfg.Ranking.Workers,
		BatchTimeout: cfg.Ranking.BatchTimeout,
		DefaultLimit: cfg.Ranking.DefaultLimit,
		MaxResults:   cfg.Ranking.MaxResults,
	})

	var bar *pb.ProgressBar
	if opts.progress {
		bar = pb.New(len(queries)).Prefix("ranking ")
		bar.Output = os.Stderr
		bar.Start()
	}
	lists := make([]trecresults.ResultList, 0, len(queries))
	for _, q := range queries {
		req := ranker.Request{QueryID: q.QueryID, Query: q.Query, Limit: opts.limit}
		if candidates != nil {
			req.Candidates = candidates[q.QueryID]
			if len(req.Candidates) == 0 {
				slog.Warn("no candidates for query, skipping", "query_id", q.QueryID)
				if bar != nil {
					bar.Increment()
				}
				continue
			}
		}
		res, err := rk.Rank(ctx, req)
		if err != nil {
			return fmt.Errorf("ranking query %s: %w", q.QueryID, err)
		}
		lists = append(lists, ranker.ToTREC(res, runName))
		if bar != nil {
			bar.Increment()
		}
	}
	if bar != nil {
		bar.Finish()
	}
	return ranker.WriteRun(out, lists...)
}

func readQueries(path string) ([]query, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading queries: %w", err)
	}
	var queries []query
	if err := json.Unmarshal(data, &queries); err != nil {
		return nil, fmt.Errorf("parsing queries %s: %w", path, err)
	}
	for i, q := range queries {
		if q.QueryID == "" {
			return nil, fmt.Errorf("query %d has no query_id", i+1)
		}
	}
	return queries, nil
}
