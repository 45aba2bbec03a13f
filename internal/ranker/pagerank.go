package ranker

import "math"

const (
	pagerankTol     = 1e-10
	pagerankMaxIter = 200
)

// pagerank runs personalized PageRank by power iteration. adj[i]
// lists the successors of vertex i; weights is the personalization
// vector and does not need to be normalized, but must have a positive
// sum. Rank lost to dangling vertices is redistributed along the
// personalization vector, as is the teleport term, so heavily weighted
// vertices attract proportionally more of both.
func pagerank(adj [][]int, weights []float64, damping float64) []float64 {
	n := len(adj)
	if n == 0 {
		return nil
	}

	var wsum float64
	for _, w := range weights {
		wsum += w
	}
	pers := make([]float64, n)
	for i, w := range weights {
		pers[i] = w / wsum
	}

	rank := make([]float64, n)
	copy(rank, pers)
	next := make([]float64, n)

	for iter := 0; iter < pagerankMaxIter; iter++ {
		for i := range next {
			next[i] = 0
		}
		var dangling float64
		for i, succs := range adj {
			if len(succs) == 0 {
				dangling += rank[i]
				continue
			}
			share := rank[i] / float64(len(succs))
			for _, j := range succs {
				next[j] += share
			}
		}
		var diff float64
		for i := range next {
			next[i] = damping*(next[i]+dangling*pers[i]) + (1-damping)*pers[i]
			diff += math.Abs(next[i] - rank[i])
		}
		rank, next = next, rank
		if diff < pagerankTol {
			break
		}
	}
	return rank
}
