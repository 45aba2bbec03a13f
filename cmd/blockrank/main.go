// blockrank grows a moderation block list for Bluesky. Starting from
// a CSV of flagged accounts, it crawls the follow graph outward under
// a global rate limit, caches everything in a local database, and
// ranks the discovered accounts with a PageRank biased toward the
// seeds. Accounts that score above the configured threshold are
// proposed as new block candidates.
//
// Usage:
//
//	blockrank -config config.json
//	blockrank -config config.json -rank-only
//	blockrank -config config.json -list at://did:plc:.../app.bsky.graph.list/...
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/schollz/progressbar/v3"

	"github.com/blueskyguard/blockrank/internal/blocklist"
	"github.com/blueskyguard/blockrank/internal/bsky"
	"github.com/blueskyguard/blockrank/internal/config"
	"github.com/blueskyguard/blockrank/internal/crawler"
	"github.com/blueskyguard/blockrank/internal/ranker"
	"github.com/blueskyguard/blockrank/internal/store"
)

func main() {
	configPath := flag.String("config", "config.json", "path to the JSON config file")
	debug := flag.Bool("debug", false, "enable debug logging")
	force := flag.Bool("force", false, "re-expand accounts already marked fetched")
	rankOnly := flag.Bool("rank-only", false, "skip the crawl and rank the existing cache")
	listURI := flag.String("list", "", "AT URI of a moderation list to push new candidates to")
	flag.Parse()

	logLevel := slog.LevelInfo
	if *debug {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	})))

	if err := run(*configPath, *force, *rankOnly, *listURI); err != nil {
		slog.Error("blockrank failed", "error", err)
		os.Exit(1)
	}
}

func run(configPath string, force, rankOnly bool, listURI string) error {
	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// ─── Configuration ────────────────────────────────────────────────────────
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	// ─── Block list ───────────────────────────────────────────────────────────
	bl, err := blocklist.Load(cfg.BlockedCSVPath(), cfg.DefaultBadEnabled())
	if err != nil {
		return err
	}
	seeds := sortedKeys(bl.BadDIDs())
	slog.Info("loaded block list", "entries", bl.Len(), "seeds", len(seeds))

	// ─── Cache store ──────────────────────────────────────────────────────────
	st, err := store.Open(cfg.CacheDBPath())
	if err != nil {
		return err
	}
	defer st.Close()
	if err := st.Migrate(); err != nil {
		return err
	}

	// ─── Remote gateway ───────────────────────────────────────────────────────
	var gw *bsky.Gateway
	if !rankOnly || listURI != "" {
		gw, err = bsky.Dial(ctx, bsky.Options{
			Identifier:  cfg.User,
			Password:    cfg.Password,
			SessionFile: cfg.SessionFilePath(),
			RateLimit:   cfg.RateLimit,
		})
		if err != nil {
			return err
		}
	}

	// ─── Crawl ────────────────────────────────────────────────────────────────
	if !rankOnly {
		cr := crawler.New(st, gw, crawler.Options{
			MaxFollowers: cfg.MaxFollowers,
			Depth:        cfg.Depth,
			Force:        force,
			Progress:     &barProgress{},
		})
		notFound, err := cr.UpdateAll(ctx, seeds)
		if err != nil {
			return err
		}

		changed := false
		for _, did := range notFound {
			if bl.MarkRemoved(did) {
				slog.Info("annotated removed account", "did", did)
				changed = true
			}
		}
		if changed {
			if err := bl.Write(); err != nil {
				return err
			}
		}
	}

	// ─── Rank ─────────────────────────────────────────────────────────────────
	badUIDs, err := st.UIDs(seeds)
	if err != nil {
		return err
	}
	badSet := make(map[int64]bool, len(badUIDs))
	for _, uid := range badUIDs {
		badSet[uid] = true
	}

	edges, err := st.AllEdges()
	if err != nil {
		return err
	}
	accounts, err := st.AllAccounts()
	if err != nil {
		return err
	}

	rk := ranker.New(ranker.Options{
		Damping:    cfg.PageRankDamping,
		Threshold:  cfg.RankThreshold,
		Directed:   cfg.DirectedRank,
		OutputPath: cfg.OutputCSVPath(),
	})
	candidates, err := rk.RankAll(edges, accounts, badSet)
	if err != nil {
		return err
	}
	slog.Info("ranking complete", "candidates", len(candidates), "output", cfg.OutputCSVPath())

	// ─── Propose new blocks ───────────────────────────────────────────────────
	added := 0
	for _, did := range candidates {
		if _, ok := bl.Get(did); !ok {
			bl.Add(did, "", "pagerank candidate")
			added++
		}
	}
	if added > 0 {
		if err := bl.Write(); err != nil {
			return err
		}
		slog.Info("added candidates to block list", "count", added)
	}

	if listURI != "" && len(candidates) > 0 {
		push := candidates
		if len(push) > cfg.RateLimit {
			push = push[:cfg.RateLimit]
		}
		for _, did := range push {
			if err := gw.CreateListItem(ctx, listURI, did); err != nil {
				slog.Warn("failed to add candidate to list", "did", did, "error", err)
			}
		}
		slog.Info("pushed candidates to moderation list", "list", listURI, "count", len(push))
	}
	return nil
}

// barProgress adapts the terminal progress bar to the crawler's
// progress observer.
type barProgress struct {
	bar *progressbar.ProgressBar
}

func (b *barProgress) Start(total int) {
	b.bar = progressbar.NewOptions(total,
		progressbar.OptionSetDescription("expanding follow graph"),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish(),
	)
}

func (b *barProgress) Increment() {
	if b.bar != nil {
		_ = b.bar.Add(1)
	}
}

func (b *barProgress) Done() {
	if b.bar != nil {
		_ = b.bar.Finish()
	}
}

func sortedKeys(set map[string]bool) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
