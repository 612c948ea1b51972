package detection

import (
	"math"
	"math/rand/v2"
)

const (
	// DefaultSampleSize caps the subsample each tree is grown on.
	DefaultSampleSize = 256

	eulerGamma = 0.5772156649
)

// IsolationForest is an ensemble of random isolation trees.
type IsolationForest struct {
	TreeCount  int
	SampleSize int
	Seed       int64

	trees     []*itreeNode
	subsample int
}

type itreeNode struct {
	feature int
	split   float64
	left    *itreeNode
	right   *itreeNode
	size    int // rows reaching an external node
}

func (n *itreeNode) external() bool {
	return n.left == nil
}

// Fit grows the forest on rows. Each tree draws its own subsample without
// replacement from a PCG stream seeded with Seed plus the tree index, so the
// same rows and seed always yield the same forest.
func (f *IsolationForest) Fit(rows [][]float64) {
	n := len(rows)
	f.trees = nil
	if n == 0 || f.TreeCount <= 0 {
		return
	}

	psi := f.SampleSize
	if psi <= 0 {
		psi = DefaultSampleSize
	}
	psi = min(psi, n)
	f.subsample = psi

	heightLimit := int(math.Ceil(math.Log2(float64(max(psi, 2)))))

	f.trees = make([]*itreeNode, f.TreeCount)
	for t := 0; t < f.TreeCount; t++ {
		seed := uint64(f.Seed + int64(t))
		rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))

		perm := rng.Perm(n)[:psi]
		sample := make([][]float64, psi)
		for i, idx := range perm {
			sample[i] = rows[idx]
		}
		f.trees[t] = growTree(rng, sample, 0, heightLimit)
	}
}

// Score returns the normal-ness score of each row in [-1, 0]. Lower scores
// are more anomalous.
func (f *IsolationForest) Score(rows [][]float64) []float64 {
	scores := make([]float64, len(rows))
	if len(f.trees) == 0 {
		return scores
	}

	norm := averagePathLength(f.subsample)
	for i, row := range rows {
		var total float64
		for _, tree := range f.trees {
			total += pathLength(tree, row, 0)
		}
		mean := total / float64(len(f.trees))

		if norm == 0 {
			scores[i] = -0.5
			continue
		}
		scores[i] = -math.Pow(2, -mean/norm)
	}
	return scores
}

func growTree(rng *rand.Rand, rows [][]float64, depth, limit int) *itreeNode {
	if depth >= limit || len(rows) <= 1 {
		return &itreeNode{size: len(rows)}
	}

	// Pick among features that still vary within this node.
	cols := len(rows[0])
	candidates := make([]int, 0, cols)
	lows := make([]float64, cols)
	highs := make([]float64, cols)
	for j := 0; j < cols; j++ {
		lo, hi := rows[0][j], rows[0][j]
		for _, r := range rows[1:] {
			lo = math.Min(lo, r[j])
			hi = math.Max(hi, r[j])
		}
		lows[j], highs[j] = lo, hi
		if hi > lo {
			candidates = append(candidates, j)
		}
	}
	if len(candidates) == 0 {
		return &itreeNode{size: len(rows)}
	}

	feature := candidates[rng.IntN(len(candidates))]
	split := lows[feature] + rng.Float64()*(highs[feature]-lows[feature])

	var left, right [][]float64
	for _, r := range rows {
		if r[feature] < split {
			left = append(left, r)
		} else {
			right = append(right, r)
		}
	}

	return &itreeNode{
		feature: feature,
		split:   split,
		left:    growTree(rng, left, depth+1, limit),
		right:   growTree(rng, right, depth+1, limit),
	}
}

func pathLength(n *itreeNode, row []float64, depth int) float64 {
	if n.external() {
		return float64(depth) + averagePathLength(n.size)
	}
	if row[n.feature] < n.split {
		return pathLength(n.left, row, depth+1)
	}
	return pathLength(n.right, row, depth+1)
}

// averagePathLength is c(n), the mean path length of an unsuccessful search
// in a binary search tree of n nodes.
func averagePathLength(n int) float64 {
	switch {
	case n <= 1:
		return 0
	case n == 2:
		return 1
	}
	fn := float64(n)
	harmonic := math.Log(fn-1) + eulerGamma
	return 2*harmonic - 2*(fn-1)/fn
}
