package loadbalance

import (
	"cmp"
	"slices"
	"sort"
	"strconv"
)

// Ring is an immutable consistent-hash ring. Every real node owns VirtualNodes points at
// Hash("node-i"); a key belongs to the node owning the smallest point >= Hash(key),
// wrapping around to the smallest point.
//
//	Hash Ring:
//	                  0
//	                ╱   ╲
//	              ╱       ╲
//	         B ●               ● A
//	           │    key ◆──►   │   (clockwise to nearest node → A)
//	         C ●               ● A' (virtual node of A)
//	              ╲       ╱
//	                ╲   ╱
//
// Mutations return a new ring, so a published ring can be read without locks.
type Ring struct {
	virtualNodes int
	points       []point // sorted by hash
	nodes        []string
}

type point struct {
	hash  int32
	owner string
}

// NewRing creates a ring holding nodes.
func NewRing(virtualNodes int, nodes ...string) *Ring {
	if virtualNodes <= 0 {
		virtualNodes = 1
	}
	return (&Ring{virtualNodes: virtualNodes}).Sync(nodes)
}

// Nodes returns the real nodes in sorted order.
func (r *Ring) Nodes() []string {
	return slices.Clone(r.nodes)
}

// Has reports whether node is on the ring.
func (r *Ring) Has(node string) bool {
	_, ok := slices.BinarySearch(r.nodes, node)
	return ok
}

// Equal reports whether the ring holds exactly nodes.
func (r *Ring) Equal(nodes []string) bool {
	if len(nodes) != len(r.nodes) {
		return false
	}
	for _, n := range nodes {
		if !r.Has(n) {
			return false
		}
	}
	return true
}

// Sync returns a ring holding exactly nodes. Nodes present in both keep their points;
// only the points of added and removed nodes change.
func (r *Ring) Sync(nodes []string) *Ring {
	want := make(map[string]struct{}, len(nodes))
	for _, n := range nodes {
		want[n] = struct{}{}
	}

	next := &Ring{virtualNodes: r.virtualNodes}
	next.points = make([]point, 0, len(want)*r.virtualNodes)
	for _, p := range r.points {
		if _, keep := want[p.owner]; keep {
			next.points = append(next.points, p)
		}
	}
	for n := range want {
		next.nodes = append(next.nodes, n)
		if !r.Has(n) {
			next.points = append(next.points, virtualPoints(n, r.virtualNodes)...)
		}
	}
	slices.Sort(next.nodes)
	sortPoints(next.points)
	return next
}

// sortPoints orders points by hash. Colliding points are both kept and ordered by owner,
// so the node with the smaller name wins the collision whatever order nodes joined in.
func sortPoints(pts []point) {
	slices.SortFunc(pts, func(a, b point) int {
		if c := cmp.Compare(a.hash, b.hash); c != 0 {
			return c
		}
		return cmp.Compare(a.owner, b.owner)
	})
}

// Add returns a ring with node added.
func (r *Ring) Add(node string) *Ring {
	if r.Has(node) {
		return r
	}
	return r.Sync(append(r.Nodes(), node))
}

// Remove returns a ring without node.
func (r *Ring) Remove(node string) *Ring {
	if !r.Has(node) {
		return r
	}
	return r.Sync(slices.DeleteFunc(r.Nodes(), func(n string) bool { return n == node }))
}

// Lookup returns the node owning key, or false on an empty ring.
func (r *Ring) Lookup(key string) (string, bool) {
	if len(r.points) == 0 {
		return "", false
	}
	return r.owner(Hash(key)), true
}

func (r *Ring) owner(hash int32) string {
	// Binary search: find first point with hash >= key's hash
	idx := sort.Search(len(r.points), func(i int) bool {
		return r.points[i].hash >= hash
	})
	// Wrap around: if key's hash > all points, go to the first point
	if idx == len(r.points) {
		idx = 0
	}
	return r.points[idx].owner
}

func virtualPoints(node string, n int) []point {
	pts := make([]point, n)
	for i := range pts {
		pts[i] = point{hash: Hash(node + "-" + strconv.Itoa(i)), owner: node}
	}
	return pts
}
