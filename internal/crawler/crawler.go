// Package crawler expands the follow graph outward from a seed set of
// accounts. It runs in two phases per frontier: resolving DIDs to
// cached account rows, then paging through each account's followers
// and follows. Both phases fan out concurrently; the shared rate
// limiter inside the gateway is the only throttle.
//
// The crawl is resumable: profile and edge inserts are idempotent, and
// an account's fetched bit is flipped only after both directions have
// completed, so an interrupted run loses at most in-flight pages.
package crawler

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/blueskyguard/blockrank/internal/bsky"
	"github.com/blueskyguard/blockrank/internal/store"
)

// resolveBatchSize bounds how many DIDs are looked up in the cache at
// once, matching the store's parameter limit.
const resolveBatchSize = 512

// Remote is the subset of the gateway used by the Crawler.
type Remote interface {
	GetProfiles(ctx context.Context, dids []string) ([]bsky.Profile, error)
	GetFollowers(ctx context.Context, did, cursor string) ([]bsky.Actor, string, error)
	GetFollows(ctx context.Context, did, cursor string) ([]bsky.Actor, string, error)
}

// Store is the subset of store.Store used by the Crawler.
type Store interface {
	ResolveExisting(dids []string) ([]store.Resolved, error)
	InsertAccounts(accounts []store.Account) error
	UIDs(dids []string) ([]int64, error)
	LoadAccount(did string) (*store.Account, error)
	InsertEdges(edges []store.Edge) error
	MarkFetched(did string) error
}

// Progress observes expansion progress; Increment is called once per
// frontier account. Implementations must be safe for concurrent use.
type Progress interface {
	Start(total int)
	Increment()
	Done()
}

type noopProgress struct{}

func (noopProgress) Start(int)  {}
func (noopProgress) Increment() {}
func (noopProgress) Done()      {}

// Options tunes a Crawler.
type Options struct {
	// MaxFollowers prunes hub accounts: a direction whose count is at
	// or above this is not expanded.
	MaxFollowers int64

	// Depth is how many frontier generations to expand.
	Depth int

	// Force re-expands accounts that are already marked fetched.
	Force bool

	Progress Progress
}

// Crawler drives graph expansion against a Remote, persisting into a
// Store.
type Crawler struct {
	store  Store
	remote Remote
	opts   Options
}

// New returns a Crawler. A nil Progress is replaced with a no-op.
func New(st Store, remote Remote, opts Options) *Crawler {
	if opts.Progress == nil {
		opts.Progress = noopProgress{}
	}
	if opts.Depth < 1 {
		opts.Depth = 1
	}
	return &Crawler{store: st, remote: remote, opts: opts}
}

// UpdateAll expands the graph around the seed DIDs, breadth-first up
// to the configured depth. It returns the DIDs that turned out not to
// exist (never profiled, or removed from the remote) so the caller can
// annotate its block list.
func (c *Crawler) UpdateAll(ctx context.Context, seeds []string) ([]string, error) {
	frontier := dedupe(seeds)
	seen := make(map[string]bool, len(frontier))
	for _, did := range frontier {
		seen[did] = true
	}

	var notFound []string
	for depth := 0; depth < c.opts.Depth; depth++ {
		if len(frontier) == 0 {
			break
		}
		slog.Info("expanding frontier", "depth", depth, "accounts", len(frontier))

		if _, err := c.EnsureUsers(ctx, frontier); err != nil {
			return nil, err
		}
		nf, discovered, err := c.EnsureGraph(ctx, frontier)
		if err != nil {
			return nil, err
		}
		notFound = append(notFound, nf...)

		var next []string
		for _, did := range discovered {
			if !seen[did] {
				seen[did] = true
				next = append(next, did)
			}
		}
		frontier = next
	}
	return notFound, nil
}

// ─── Phase 1: profile resolution ──────────────────────────────────────────────

// EnsureUsers returns the uid for every DID, fetching and caching
// profiles for DIDs not seen before. Profile batches run concurrently;
// a failed batch is logged and skipped, so the result may cover only a
// subset of the input.
func (c *Crawler) EnsureUsers(ctx context.Context, dids []string) ([]int64, error) {
	var uids []int64
	var missing []string
	queued := make(map[string]bool)

	for _, chunk := range chunks(dids, resolveBatchSize) {
		resolved, err := c.store.ResolveExisting(chunk)
		if err != nil {
			return nil, err
		}
		present := make(map[string]bool, len(resolved))
		for _, r := range resolved {
			present[r.DID] = true
			uids = append(uids, r.UID)
		}
		for _, did := range chunk {
			if !present[did] && !queued[did] {
				queued[did] = true
				missing = append(missing, did)
			}
		}
	}
	if len(missing) == 0 {
		return uids, nil
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, batch := range chunks(missing, bsky.ProfileBatchLimit) {
		batch := batch
		g.Go(func() error {
			profiles, err := c.remote.GetProfiles(gctx, batch)
			if err != nil {
				slog.Warn("profile batch failed, skipping", "count", len(batch), "error", err)
				return nil
			}
			accounts := make([]store.Account, 0, len(profiles))
			for _, p := range profiles {
				accounts = append(accounts, store.Account{
					DID:       p.DID,
					Handle:    p.Handle,
					Nick:      p.Nick,
					Desc:      p.Desc,
					Followers: p.Followers,
					Following: p.Following,
				})
			}
			if err := c.store.InsertAccounts(accounts); err != nil {
				return err
			}
			// Re-read to pick up the uids the store just assigned.
			got, err := c.store.UIDs(batch)
			if err != nil {
				return err
			}
			mu.Lock()
			uids = append(uids, got...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return uids, nil
}

// ─── Phase 2: graph expansion ─────────────────────────────────────────────────

// EnsureGraph expands every seed DID exactly once across the lifetime
// of the cache (unless the Crawler was built with Force). It returns
// the DIDs that could not be expanded because the account does not
// exist, and the DIDs discovered while paging, for the next frontier.
func (c *Crawler) EnsureGraph(ctx context.Context, dids []string) (notFound, discovered []string, err error) {
	c.opts.Progress.Start(len(dids))
	defer c.opts.Progress.Done()

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, did := range dids {
		did := did
		g.Go(func() error {
			res, err := c.expand(gctx, did)
			if err != nil {
				return err
			}
			mu.Lock()
			if res.notFound {
				notFound = append(notFound, did)
			}
			discovered = append(discovered, res.discovered...)
			mu.Unlock()
			c.opts.Progress.Increment()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return notFound, discovered, nil
}

type expansion struct {
	notFound   bool
	discovered []string
}

// expand fetches both follow directions for one account. Directions
// with a zero count, or at or above the hub threshold, are skipped.
// Edges for a direction are inserted only after that direction's
// pagination completes; the fetched bit is flipped only after both
// directions succeed. Remote failures leave the account unfetched so
// the next run retries it.
func (c *Crawler) expand(ctx context.Context, did string) (*expansion, error) {
	res := &expansion{}

	acct, err := c.store.LoadAccount(did)
	if err != nil {
		return nil, err
	}
	if acct == nil {
		res.notFound = true
		return res, nil
	}
	if acct.Fetched && !c.opts.Force {
		return res, nil
	}

	gone := false

	if acct.Followers > 0 && acct.Followers < c.opts.MaxFollowers {
		uids, pageDIDs, g, err := c.collect(ctx, did, c.remote.GetFollowers)
		if err != nil {
			if errors.Is(err, bsky.ErrRemoteUnavailable) {
				slog.Warn("follower expansion failed", "did", did, "error", err)
				return res, nil
			}
			return nil, err
		}
		gone = gone || g
		edges := make([]store.Edge, 0, len(uids))
		for _, u := range uids {
			edges = append(edges, store.Edge{From: u, To: acct.UID})
		}
		if err := c.store.InsertEdges(edges); err != nil {
			return nil, err
		}
		res.discovered = append(res.discovered, pageDIDs...)
	} else if acct.Followers >= c.opts.MaxFollowers {
		// Hub account: likely a platform account everyone follows.
		slog.Debug("skipping follower expansion", "did", did, "followers", acct.Followers)
	}

	if acct.Following > 0 && acct.Following < c.opts.MaxFollowers {
		uids, pageDIDs, g, err := c.collect(ctx, did, c.remote.GetFollows)
		if err != nil {
			if errors.Is(err, bsky.ErrRemoteUnavailable) {
				slog.Warn("follow expansion failed", "did", did, "error", err)
				return res, nil
			}
			return nil, err
		}
		gone = gone || g
		edges := make([]store.Edge, 0, len(uids))
		for _, u := range uids {
			edges = append(edges, store.Edge{From: acct.UID, To: u})
		}
		if err := c.store.InsertEdges(edges); err != nil {
			return nil, err
		}
		res.discovered = append(res.discovered, pageDIDs...)
	} else if acct.Following >= c.opts.MaxFollowers {
		slog.Debug("skipping follow expansion", "did", did, "following", acct.Following)
	}

	if gone {
		// The account disappeared mid-expansion; keep whatever edges
		// we saw, report it, and leave it unfetched.
		res.notFound = true
		return res, nil
	}
	if err := c.store.MarkFetched(did); err != nil {
		return nil, err
	}
	return res, nil
}

type pageFunc func(ctx context.Context, did, cursor string) ([]bsky.Actor, string, error)

// collect pages through one follow direction, resolving each page's
// actors to uids as it goes. When the remote reports the actor gone it
// returns what was accumulated so far with gone=true instead of an
// error.
func (c *Crawler) collect(ctx context.Context, did string, page pageFunc) (uids []int64, dids []string, gone bool, err error) {
	cursor := ""
	for {
		actors, next, err := page(ctx, did, cursor)
		if err != nil {
			if errors.Is(err, bsky.ErrActorNotFound) {
				slog.Warn("actor not found", "did", did)
				return uids, dids, true, nil
			}
			return nil, nil, false, err
		}

		pageDIDs := make([]string, 0, len(actors))
		for _, a := range actors {
			pageDIDs = append(pageDIDs, a.DID)
		}
		got, err := c.EnsureUsers(ctx, pageDIDs)
		if err != nil {
			return nil, nil, false, err
		}
		uids = append(uids, got...)
		dids = append(dids, pageDIDs...)

		if next == "" {
			return uids, dids, false, nil
		}
		cursor = next
	}
}

// ─── Helpers ──────────────────────────────────────────────────────────────────

func chunks[T any](items []T, size int) [][]T {
	var out [][]T
	for start := 0; start < len(items); start += size {
		end := min(start+size, len(items))
		out = append(out, items[start:end])
	}
	return out
}

func dedupe(dids []string) []string {
	seen := make(map[string]bool, len(dids))
	out := make([]string, 0, len(dids))
	for _, did := range dids {
		if !seen[did] {
			seen[did] = true
			out = append(out, did)
		}
	}
	return out
}
