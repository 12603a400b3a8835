package resolve

// UnionFind is a disjoint-set forest over dense record indices, laid
// out as flat arrays so registry-scale runs (hundreds of thousands of
// vendors) stay cache-friendly and allocation-free after construction.
type UnionFind struct {
	parent []int32
	rank   []uint8
	size   []int32
	sets   int
}

// NewUnionFind returns a forest of n singleton sets.
func NewUnionFind(n int) *UnionFind {
	parent := make([]int32, n)
	size := make([]int32, n)
	for i := range parent {
		parent[i] = int32(i)
		size[i] = 1
	}
	return &UnionFind{
		parent: parent,
		rank:   make([]uint8, n),
		size:   size,
		sets:   n,
	}
}

// Find returns the root of x, halving the path as it walks.
func (u *UnionFind) Find(x int32) int32 {
	for u.parent[x] != x {
		u.parent[x] = u.parent[u.parent[x]]
		x = u.parent[x]
	}
	return x
}

// Same reports whether a and b share a root.
func (u *UnionFind) Same(a, b int32) bool {
	return u.Find(a) == u.Find(b)
}

// Union merges the sets holding a and b by rank and returns the
// surviving root. The second result is false when they were already
// in the same set.
func (u *UnionFind) Union(a, b int32) (int32, bool) {
	ra, rb := u.Find(a), u.Find(b)
	if ra == rb {
		return ra, false
	}
	if u.rank[ra] < u.rank[rb] {
		ra, rb = rb, ra
	}
	u.parent[rb] = ra
	u.size[ra] += u.size[rb]
	if u.rank[ra] == u.rank[rb] {
		u.rank[ra]++
	}
	u.sets--
	return ra, true
}

// SetSize returns the size of the set holding x.
func (u *UnionFind) SetSize(x int32) int32 {
	return u.size[u.Find(x)]
}

// Len returns the number of elements.
func (u *UnionFind) Len() int {
	return len(u.parent)
}

// Sets returns the current number of disjoint sets.
func (u *UnionFind) Sets() int {
	return u.sets
}

// Components groups every index by its root. Members are in ascending
// index order; map iteration order is up to the caller.
func (u *UnionFind) Components() map[int32][]int32 {
	out := make(map[int32][]int32)
	for i := range u.parent {
		root := u.Find(int32(i))
		out[root] = append(out[root], int32(i))
	}
	return out
}
