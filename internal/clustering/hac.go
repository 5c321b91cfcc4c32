package clustering

import (
	"math"
	"sort"
)

// CosineDistance returns 1 - cos(a, b). A zero vector is at distance 1 from
// everything. Vectors of different length are compared over the shorter
// prefix.
func CosineDistance(a, b []float64) float64 {
	n := min(len(a), len(b))
	var dot, na, nb float64
	for i := range n {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 1
	}
	sim := dot / (math.Sqrt(na) * math.Sqrt(nb))
	// Rounding can push |sim| slightly past 1.
	sim = math.Max(-1, math.Min(1, sim))
	return 1 - sim
}

// ClusterCount picks how many clusters to cut n items into: floor(sqrt(n)),
// at most n/2, then clamped to [floor, ceiling] and never above n.
func ClusterCount(n, floor, ceiling int) int {
	if n <= 0 {
		return 0
	}
	k := min(int(math.Sqrt(float64(n))), n/2)
	if floor > 0 {
		k = max(k, floor)
	}
	if ceiling > 0 {
		k = min(k, ceiling)
	}
	return max(1, min(k, n))
}

// Agglomerate runs hierarchical agglomerative clustering with average
// linkage over cosine distance and stops at k clusters. It returns groups of
// indices into vectors, each sorted ascending, ordered by their smallest
// index.
//
// The closest pair is merged first. Equal distances are resolved in favour
// of the pair with the lowest first index and then the lowest second index,
// so the result depends only on the input order.
func Agglomerate(vectors [][]float64, k int) [][]int {
	n := len(vectors)
	if n == 0 {
		return nil
	}
	k = max(1, min(k, n))

	dist := make([][]float64, n)
	for i := range dist {
		dist[i] = make([]float64, n)
	}
	for i := range n {
		for j := i + 1; j < n; j++ {
			d := CosineDistance(vectors[i], vectors[j])
			dist[i][j], dist[j][i] = d, d
		}
	}

	members := make([][]int, n)
	active := make([]bool, n)
	for i := range n {
		members[i] = []int{i}
		active[i] = true
	}

	for remaining := n; remaining > k; remaining-- {
		bi, bj := -1, -1
		best := math.Inf(1)
		for i := range n {
			if !active[i] {
				continue
			}
			for j := i + 1; j < n; j++ {
				if active[j] && dist[i][j] < best {
					best, bi, bj = dist[i][j], i, j
				}
			}
		}

		// Lance-Williams update for average linkage, merging bj into bi.
		ni, nj := float64(len(members[bi])), float64(len(members[bj]))
		for x := range n {
			if !active[x] || x == bi || x == bj {
				continue
			}
			d := (ni*dist[bi][x] + nj*dist[bj][x]) / (ni + nj)
			dist[bi][x], dist[x][bi] = d, d
		}
		members[bi] = append(members[bi], members[bj]...)
		members[bj] = nil
		active[bj] = false
	}

	groups := make([][]int, 0, k)
	for i := range n {
		if active[i] {
			g := members[i]
			sort.Ints(g)
			groups = append(groups, g)
		}
	}
	return groups
}

// Centroid is the element-wise mean of the selected vectors.
func Centroid(vectors [][]float64, idx []int) []float64 {
	if len(idx) == 0 {
		return nil
	}
	dim := len(vectors[idx[0]])
	c := make([]float64, dim)
	for _, i := range idx {
		for d := 0; d < dim && d < len(vectors[i]); d++ {
			c[d] += vectors[i][d]
		}
	}
	for d := range c {
		c[d] /= float64(len(idx))
	}
	return c
}

// Representatives returns up to limit members of idx ordered by distance to
// the group's centroid, nearest first. Ties keep input order.
func Representatives(vectors [][]float64, idx []int, limit int) []int {
	c := Centroid(vectors, idx)
	type scored struct {
		i int
		d float64
	}
	ranked := make([]scored, len(idx))
	for n, i := range idx {
		ranked[n] = scored{i: i, d: CosineDistance(vectors[i], c)}
	}
	sort.SliceStable(ranked, func(a, b int) bool { return ranked[a].d < ranked[b].d })

	if limit <= 0 || limit > len(ranked) {
		limit = len(ranked)
	}
	out := make([]int, limit)
	for n := range limit {
		out[n] = ranked[n].i
	}
	return out
}
