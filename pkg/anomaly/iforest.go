package anomaly

import (
	"math"
	"math/rand"
)

// IsolationForest isolates points with random axis-aligned splits and scores
// them by average path length: anomalies isolate in few splits and score
// close to 1, dense normal traffic scores around 0.5 or below. The whole
// structure is JSON-serializable so a trained forest round-trips exactly.
type IsolationForest struct {
	Trees      []*iTree `json:"trees"`
	NumTrees   int      `json:"num_trees"`
	SampleSize int      `json:"sample_size"`
	HeightLim  int      `json:"height_limit"`
}

type iTree struct {
	Root *iNode `json:"root"`
}

type iNode struct {
	Leaf     bool    `json:"leaf"`
	Size     int     `json:"size,omitempty"`
	Dim      int     `json:"dim,omitempty"`
	SplitVal float64 `json:"split_val,omitempty"`
	Left     *iNode  `json:"left,omitempty"`
	Right    *iNode  `json:"right,omitempty"`
}

func newIsolationForest(numTrees, sampleSize int) *IsolationForest {
	return &IsolationForest{
		NumTrees:   numTrees,
		SampleSize: sampleSize,
		HeightLim:  int(math.Ceil(math.Log2(float64(sampleSize)))),
	}
}

func (f *IsolationForest) fit(data [][]float64, rng *rand.Rand) {
	f.Trees = make([]*iTree, f.NumTrees)
	n := len(data)
	m := f.SampleSize
	if m > n {
		m = n
	}
	for i := 0; i < f.NumTrees; i++ {
		idxs := rng.Perm(n)
		sample := make([][]float64, m)
		for j := 0; j < m; j++ {
			sample[j] = data[idxs[j]]
		}
		f.Trees[i] = &iTree{Root: buildNode(sample, 0, f.HeightLim, rng)}
	}
}

// splitRange is a dimension that actually varies within a node's sample.
type splitRange struct {
	dim        int
	minv, maxv float64
}

// splittable returns the dimensions with more than one distinct value in
// the sample. Request vectors carry many constant dimensions (method
// one-hots, content-type flags, attack-token counts that are zero in
// benign traffic); only varying dimensions can isolate a point.
func splittable(data [][]float64) []splitRange {
	var out []splitRange
	for dim := range data[0] {
		minv, maxv := data[0][dim], data[0][dim]
		for _, row := range data[1:] {
			if row[dim] < minv {
				minv = row[dim]
			}
			if row[dim] > maxv {
				maxv = row[dim]
			}
		}
		if minv < maxv {
			out = append(out, splitRange{dim: dim, minv: minv, maxv: maxv})
		}
	}
	return out
}

func buildNode(data [][]float64, height, limit int, rng *rand.Rand) *iNode {
	if len(data) <= 1 || height >= limit {
		return &iNode{Leaf: true, Size: len(data)}
	}
	ranges := splittable(data)
	if len(ranges) == 0 {
		// all rows identical on every dimension
		return &iNode{Leaf: true, Size: len(data)}
	}
	r := ranges[rng.Intn(len(ranges))]
	dim := r.dim
	split := r.minv + rng.Float64()*(r.maxv-r.minv)
	var left, right [][]float64
	for _, row := range data {
		if row[dim] < split {
			left = append(left, row)
		} else {
			right = append(right, row)
		}
	}
	if len(left) == 0 || len(right) == 0 {
		return &iNode{Leaf: true, Size: len(data)}
	}
	return &iNode{
		Dim:      dim,
		SplitVal: split,
		Left:     buildNode(left, height+1, limit, rng),
		Right:    buildNode(right, height+1, limit, rng),
	}
}

// cFactor is c(n), the average unsuccessful-search path length in a BST,
// used to normalize path lengths across sample sizes.
func cFactor(n int) float64 {
	if n <= 1 {
		return 0
	}
	return 2.0*(math.Log(float64(n-1))+0.5772156649) - 2.0*float64(n-1)/float64(n)
}

func nodePathLength(node *iNode, x []float64, h int) float64 {
	if node.Leaf {
		if node.Size <= 1 {
			return float64(h)
		}
		return float64(h) + cFactor(node.Size)
	}
	if x[node.Dim] < node.SplitVal {
		return nodePathLength(node.Left, x, h+1)
	}
	return nodePathLength(node.Right, x, h+1)
}

// score returns the anomaly score in [0,1], higher meaning more anomalous.
func (f *IsolationForest) score(x []float64) float64 {
	if len(f.Trees) == 0 {
		return 0
	}
	sum := 0.0
	for _, t := range f.Trees {
		sum += nodePathLength(t.Root, x, 0)
	}
	avg := sum / float64(len(f.Trees))
	c := cFactor(f.SampleSize)
	if c <= 0 {
		c = 1
	}
	return math.Pow(2, -avg/c)
}
