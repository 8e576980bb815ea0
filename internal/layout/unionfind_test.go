package layout

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUnionFind_GroupsMerge(t *testing.T) {
	uf := NewUnionFind([]int{1, 2, 3, 4, 5})
	uf.Union(1, 2)
	uf.Union(2, 3)
	uf.Union(4, 5)

	groups := uf.Groups()
	assert.Len(t, groups, 2)

	var sizes []int
	for _, members := range groups {
		sizes = append(sizes, len(members))
	}
	assert.ElementsMatch(t, []int{3, 2}, sizes)
}

func TestUnionFind_FindIsIdempotent(t *testing.T) {
	uf := NewUnionFind([]int{1, 2})
	uf.Union(1, 2)
	root1 := uf.Find(1)
	root2 := uf.Find(1)
	assert.Equal(t, root1, root2)
	assert.Equal(t, uf.Find(1), uf.Find(2))
}
