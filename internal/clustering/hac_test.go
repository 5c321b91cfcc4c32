package clustering

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCosineDistance(t *testing.T) {
	tests := []struct {
		name string
		a, b []float64
		want float64
	}{
		{name: "identical", a: []float64{1, 2}, b: []float64{2, 4}, want: 0},
		{name: "orthogonal", a: []float64{1, 0}, b: []float64{0, 1}, want: 1},
		{name: "opposite", a: []float64{1, 0}, b: []float64{-1, 0}, want: 2},
		{name: "zero vector", a: []float64{0, 0}, b: []float64{1, 0}, want: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, CosineDistance(tt.a, tt.b), 1e-9)
		})
	}
}

func TestClusterCount(t *testing.T) {
	tests := []struct {
		n, floor, ceiling, want int
	}{
		{n: 0, floor: 1, ceiling: 10, want: 0},
		{n: 1, floor: 1, ceiling: 10, want: 1},
		{n: 2, floor: 1, ceiling: 10, want: 1},
		{n: 4, floor: 1, ceiling: 10, want: 2},
		{n: 10, floor: 1, ceiling: 10, want: 3},
		{n: 400, floor: 1, ceiling: 10, want: 10},
		{n: 3, floor: 5, ceiling: 10, want: 3},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ClusterCount(tt.n, tt.floor, tt.ceiling), "n=%d floor=%d ceiling=%d", tt.n, tt.floor, tt.ceiling)
	}
}

func TestAgglomerate_SeparatesThemes(t *testing.T) {
	vectors := [][]float64{
		{1, 0, 0},
		{0, 1, 0},
		{0.95, 0.05, 0},
		{0, 0.95, 0.05},
	}

	groups := Agglomerate(vectors, 2)

	assert.Equal(t, [][]int{{0, 2}, {1, 3}}, groups)
}

func TestAgglomerate_Deterministic(t *testing.T) {
	vectors := [][]float64{
		{0.1, 0.9, 0.3}, {0.8, 0.2, 0.1}, {0.4, 0.4, 0.4},
		{0.9, 0.1, 0.0}, {0.2, 0.7, 0.5}, {0.3, 0.3, 0.9},
		{0.0, 0.1, 1.0},
	}

	first := Agglomerate(vectors, 3)
	for range 10 {
		assert.Equal(t, first, Agglomerate(vectors, 3))
	}

	seen := 0
	for _, g := range first {
		seen += len(g)
	}
	assert.Equal(t, len(vectors), seen, "every item lands in exactly one group")
}

func TestAgglomerate_TiesMergeLowestPair(t *testing.T) {
	same := []float64{1, 1}
	groups := Agglomerate([][]float64{same, same, same}, 2)

	assert.Equal(t, [][]int{{0, 1}, {2}}, groups)
}

func TestAgglomerate_Bounds(t *testing.T) {
	assert.Nil(t, Agglomerate(nil, 3))
	assert.Equal(t, [][]int{{0}, {1}}, Agglomerate([][]float64{{1, 0}, {0, 1}}, 5))
	assert.Equal(t, [][]int{{0, 1}}, Agglomerate([][]float64{{1, 0}, {0, 1}}, 0))
}

func TestRepresentatives_NearestCentroidFirst(t *testing.T) {
	vectors := [][]float64{{1, 0}, {1, 0.1}, {0, 1}}

	assert.Equal(t, []int{1, 0, 2}, Representatives(vectors, []int{0, 1, 2}, 0))
	assert.Equal(t, []int{1, 0}, Representatives(vectors, []int{0, 1, 2}, 2))
}

func TestCentroid(t *testing.T) {
	c := Centroid([][]float64{{1, 2}, {3, 4}, {100, 100}}, []int{0, 1})
	require.Len(t, c, 2)
	assert.InDelta(t, 2.0, c[0], 1e-9)
	assert.InDelta(t, 3.0, c[1], 1e-9)
	assert.Nil(t, Centroid(nil, nil))
}
