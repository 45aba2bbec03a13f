// Package ranker scores every account discovered by the crawl with a
// PageRank biased toward the known-bad seed set, writes the full
// ranking to a CSV, and proposes the accounts whose score clears the
// configured threshold as new block candidates.
package ranker

import (
	"encoding/csv"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/blueskyguard/blockrank/internal/store"
)

// Options tunes a Ranker.
type Options struct {
	// Damping is the PageRank damping factor, typically around 0.85.
	Damping float64

	// Threshold is the score above which a non-seed account becomes a
	// block candidate.
	Threshold float64

	// Directed ranks the directed follow graph; the default projects
	// it to an undirected one, which rewards mutual-follow clusters
	// around the seeds rather than mere popularity.
	Directed bool

	// OutputPath is where the full ranking CSV is written.
	OutputPath string
}

// Ranker computes seed-biased PageRank over the cached follow graph.
type Ranker struct {
	opts Options
}

// New returns a Ranker.
func New(opts Options) *Ranker {
	return &Ranker{opts: opts}
}

// seedWeight and restWeight form the personalization vector: seeds
// pull rank toward their neighborhood, everyone else keeps a small
// background weight so disconnected regions still converge.
const (
	seedWeight = 1.0
	restWeight = 0.1
)

// RankAll ranks every account touched by an edge and writes the
// result to the output CSV, sorted by score descending with ties
// broken by uid. It returns the DIDs of accounts whose score exceeds
// the threshold and which are not already in the bad set.
func (r *Ranker) RankAll(edges []store.Edge, accounts map[int64]store.Account, badUIDs map[int64]bool) ([]string, error) {
	uids, index := vertexSet(edges)
	n := len(uids)

	adj := make([][]int, n)
	for _, e := range edges {
		f, t := index[e.From], index[e.To]
		adj[f] = append(adj[f], t)
		if !r.opts.Directed {
			adj[t] = append(adj[t], f)
		}
	}
	// The undirected projection can introduce duplicate neighbors for
	// reciprocal follows; collapse them so every edge counts once.
	for i := range adj {
		adj[i] = compact(adj[i])
	}

	weights := make([]float64, n)
	for i, uid := range uids {
		if badUIDs[uid] {
			weights[i] = seedWeight
		} else {
			weights[i] = restWeight
		}
	}

	scores := pagerank(adj, weights, r.opts.Damping)
	slog.Info("ranked follow graph", "vertices", n, "edges", len(edges), "damping", r.opts.Damping)

	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool {
		if scores[order[a]] != scores[order[b]] {
			return scores[order[a]] > scores[order[b]]
		}
		return uids[order[a]] < uids[order[b]]
	})

	if err := r.writeCSV(order, uids, scores, accounts, badUIDs); err != nil {
		return nil, err
	}

	var candidates []string
	for _, i := range order {
		uid := uids[i]
		if scores[i] > r.opts.Threshold && !badUIDs[uid] {
			if acct, ok := accounts[uid]; ok {
				candidates = append(candidates, acct.DID)
			}
		}
	}
	return candidates, nil
}

func (r *Ranker) writeCSV(order []int, uids []int64, scores []float64, accounts map[int64]store.Account, badUIDs map[int64]bool) error {
	f, err := os.Create(r.opts.OutputPath)
	if err != nil {
		return fmt.Errorf("create ranking output: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write([]string{"score", "blocked", "nick", "description", "handle", "did"}); err != nil {
		return err
	}
	for _, i := range order {
		uid := uids[i]
		acct := accounts[uid] // zero value for uids without a cached row
		row := []string{
			strconv.FormatFloat(scores[i], 'g', -1, 64),
			strconv.FormatBool(badUIDs[uid]),
			acct.Nick,
			singleLine(acct.Desc),
			acct.Handle,
			acct.DID,
		}
		if err := w.Write(row); err != nil {
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("write ranking output: %w", err)
	}
	return nil
}

// vertexSet collects every uid touched by an edge, sorted ascending
// for deterministic vertex numbering.
func vertexSet(edges []store.Edge) ([]int64, map[int64]int) {
	set := make(map[int64]bool, len(edges))
	for _, e := range edges {
		set[e.From] = true
		set[e.To] = true
	}
	uids := make([]int64, 0, len(set))
	for uid := range set {
		uids = append(uids, uid)
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })

	index := make(map[int64]int, len(uids))
	for i, uid := range uids {
		index[uid] = i
	}
	return uids, index
}

// compact sorts and deduplicates a neighbor list in place.
func compact(ns []int) []int {
	if len(ns) < 2 {
		return ns
	}
	sort.Ints(ns)
	out := ns[:1]
	for _, n := range ns[1:] {
		if n != out[len(out)-1] {
			out = append(out, n)
		}
	}
	return out
}

func singleLine(s string) string {
	s = strings.ReplaceAll(s, "\r\n", " ")
	s = strings.ReplaceAll(s, "\n", " ")
	return strings.ReplaceAll(s, "\r", " ")
}
