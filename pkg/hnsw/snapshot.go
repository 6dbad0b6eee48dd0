package hnsw

import "github.com/RoaringBitmap/roaring"

// NodeSnapshot is the exported, serialization-friendly form of a Node: an
// arena slot plus its per-layer neighbor lists, referenced purely by
// integer index per spec.md §9 ("arena + integer indices, never owning
// pointers").
type NodeSnapshot struct {
	ID        uint64
	Vector    []float32
	Level     int
	Neighbors [][]uint64 // Neighbors[layer] = neighbor ids at that layer
}

// IndexSnapshot is everything persistence needs to reproduce an Index's
// graph: every node (including tombstoned ones, since their edges still
// route traversal), the entry point, and the RNG seed. Only the seed is
// kept, not the generator's position, so a restored index draws layers
// from the start of the seed's sequence again.
type IndexSnapshot struct {
	Nodes       []NodeSnapshot
	EntryPoint  uint64
	HasEntry    bool
	MaxLayer    int
	NodeCounter uint64
	Seed        int64
	Tombstones  *roaring.Bitmap
	Config      IndexConfig
}

// Export dumps the full graph state for persistence. The caller owns the
// returned structure; it is not mutated by further index operations.
func (idx *Index) Export() *IndexSnapshot {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	nodes := make([]NodeSnapshot, 0, len(idx.nodes))
	for id, n := range idx.nodes {
		neighbors := make([][]uint64, n.level+1)
		for layer := 0; layer <= n.level; layer++ {
			neighbors[layer] = n.GetNeighbors(layer)
		}
		vec := make([]float32, len(n.vector))
		copy(vec, n.vector)
		nodes = append(nodes, NodeSnapshot{ID: id, Vector: vec, Level: n.level, Neighbors: neighbors})
	}

	snap := &IndexSnapshot{
		Nodes:       nodes,
		MaxLayer:    idx.maxLayer,
		NodeCounter: idx.nodeCounter,
		Seed:        idx.seed,
		Tombstones:  idx.tombstones.Clone(),
		Config: IndexConfig{
			M:              idx.M,
			EfConstruction: idx.efConstruction,
			DistanceFunc:   idx.distanceFunc,
			Seed:           idx.seed,
		},
	}
	if idx.entryPoint != nil {
		snap.EntryPoint = idx.entryPoint.id
		snap.HasEntry = true
	}
	return snap
}

// Restore rebuilds an Index from a snapshot exactly: same nodes, same
// edges, same tombstones, same entry point and seed; the RNG is re-seeded
// from that seed rather than resumed where it stopped. Unlike Insert,
// this never runs neighbor selection -- the adjacency lists are trusted
// as-is since they were produced by a previous process's Insert calls.
func Restore(snap *IndexSnapshot) *Index {
	idx := New(snap.Config)
	idx.seed = snap.Seed
	idx.nodeCounter = snap.NodeCounter
	idx.maxLayer = snap.MaxLayer
	idx.tombstones = snap.Tombstones
	if idx.tombstones == nil {
		idx.tombstones = roaring.New()
	}

	for _, ns := range snap.Nodes {
		n := NewNode(ns.ID, ns.Vector, ns.Level)
		for layer, neighbors := range ns.Neighbors {
			n.SetNeighbors(layer, neighbors)
		}
		idx.nodes[ns.ID] = n
		if !idx.tombstones.Contains(uint32(ns.ID)) {
			idx.size++
		}
		if idx.dimension == 0 && len(ns.Vector) > 0 {
			idx.dimension = len(ns.Vector)
		}
	}

	if snap.HasEntry {
		idx.entryPoint = idx.nodes[snap.EntryPoint]
	}

	return idx
}
