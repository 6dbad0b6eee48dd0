package hnsw

import (
	"container/heap"
	"context"
	"fmt"
)

// Result represents a search result with ID and distance
type Result struct {
	ID       uint64  // Node ID
	Distance float32 // Distance to query vector
}

// SearchResult holds the results of a search operation
type SearchResult struct {
	Results []Result // Sorted results (closest first)
	Visited int      // Number of nodes visited during search
}

// Accept is a predicate applied at result-collection time: an id is only
// returned from a search if Accept(id) is true. Tombstoned ids are always
// rejected regardless of Accept.
type Accept func(id uint64) bool

// maxEfWidenFactor bounds the single ef-widening retry a filtered search
// performs when too many of its candidates are tombstoned or rejected by
// the predicate to fill k results.
const maxEfWidenFactor = 8

// Search performs k-NN search for the nearest neighbors of a query vector
// k: number of nearest neighbors to return
// efSearch: size of the dynamic candidate list (controls accuracy vs speed)
//
//	Higher values give better recall but slower search
//	Typical values: 50-200
func (idx *Index) Search(ctx context.Context, query []float32, k int, efSearch int) (*SearchResult, error) {
	return idx.SearchFiltered(ctx, query, k, efSearch, nil)
}

// SearchFiltered is Search with an additional predicate applied at
// result-collection time. Tombstoned nodes are always excluded. If the
// first pass doesn't yield k accepted results, the candidate window is
// widened once (up to maxEfWidenFactor*efSearch) before giving up, so a
// handful of tombstoned or filtered-out candidates near the query don't
// silently starve the result set. ctx is checked between beam-search
// expansions (each candidate popped off the layer-0 frontier), so a caller's
// deadline can abort a slow search over a large or adversarially connected
// graph mid-flight rather than only before the call starts.
func (idx *Index) SearchFiltered(ctx context.Context, query []float32, k int, efSearch int, accept Accept) (*SearchResult, error) {
	if len(query) == 0 {
		return nil, fmt.Errorf("query vector cannot be empty")
	}

	idx.mu.RLock()

	if idx.dimension == 0 {
		idx.mu.RUnlock()
		return nil, fmt.Errorf("index is empty")
	}

	if len(query) != idx.dimension {
		idx.mu.RUnlock()
		return nil, fmt.Errorf("query dimension mismatch: expected %d, got %d",
			idx.dimension, len(query))
	}

	if idx.entryPoint == nil {
		idx.mu.RUnlock()
		return nil, fmt.Errorf("index has no entry point")
	}

	// Ensure efSearch is at least k
	if efSearch < k {
		efSearch = k
	}

	entryPoint := idx.entryPoint
	maxLayer := idx.maxLayer

	idx.mu.RUnlock()

	// Phase 1: Greedy search from top layer to layer 1
	ep := idx.descendToEntry(query, entryPoint, maxLayer, 0)
	visited := 1

	// Phase 2: search layer 0, widening once if too few candidates survive
	// the tombstone/predicate filter.
	ef := efSearch
	var results []Result
	for attempt := 0; attempt < 2; attempt++ {
		candidates, err := idx.searchLayerForQuery(ctx, query, ep, ef, 0, &visited)
		if err != nil {
			return nil, err
		}
		results = idx.collectAccepted(candidates, k, accept)
		if len(results) >= k || ef >= efSearch*maxEfWidenFactor {
			break
		}
		ef *= 2
	}

	return &SearchResult{
		Results: results,
		Visited: visited,
	}, nil
}

// collectAccepted walks candidates (closest first) and keeps up to k ids
// that are neither tombstoned nor rejected by accept.
func (idx *Index) collectAccepted(candidates []heapItem, k int, accept Accept) []Result {
	results := make([]Result, 0, k)
	for _, c := range candidates {
		if len(results) == k {
			break
		}
		if idx.IsTombstoned(c.id) {
			continue
		}
		if accept != nil && !accept(c.id) {
			continue
		}
		results = append(results, Result{ID: c.id, Distance: c.distance})
	}
	return results
}

// searchLayerForQuery is similar to searchLayer but used for querying. It
// returns sorted results (closest first) and tracks visited nodes. Each
// iteration of the expansion loop -- one popped candidate -- checks ctx
// first, so a cancelled or expired context stops the beam search between
// expansions instead of only at entry.
func (idx *Index) searchLayerForQuery(ctx context.Context, query []float32, entryPoint *Node, ef int, layer int, visited *int) ([]heapItem, error) {
	visitedSet := make(map[uint64]bool)
	candidates := &minHeap{}
	results := &maxHeap{}

	// Start with entry point
	dist := idx.distance(query, entryPoint.vector)
	heap.Push(candidates, heapItem{id: entryPoint.ID(), distance: dist})
	heap.Push(results, heapItem{id: entryPoint.ID(), distance: dist})
	visitedSet[entryPoint.ID()] = true
	*visited++

	// Greedy search with ef candidates
	for candidates.Len() > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		// Get closest candidate
		current := heap.Pop(candidates).(heapItem)

		// If current is farther than worst result, we can stop
		if current.distance > results.Peek().(heapItem).distance {
			break
		}

		// Explore neighbors (including through tombstoned nodes: the graph
		// keeps its edges on delete, so traversal must pass through them)
		currentNode := idx.GetNode(current.id)
		if currentNode == nil {
			continue
		}

		neighbors := currentNode.GetNeighbors(layer)
		for _, neighborID := range neighbors {
			if visitedSet[neighborID] {
				continue
			}
			visitedSet[neighborID] = true
			*visited++

			neighborNode := idx.GetNode(neighborID)
			if neighborNode == nil {
				continue
			}

			neighborDist := idx.distance(query, neighborNode.vector)

			// If neighbor is closer than worst result, or we need more results
			if neighborDist < results.Peek().(heapItem).distance || results.Len() < ef {
				heap.Push(candidates, heapItem{id: neighborID, distance: neighborDist})
				heap.Push(results, heapItem{id: neighborID, distance: neighborDist})

				// Keep only ef closest results
				if results.Len() > ef {
					heap.Pop(results)
				}
			}
		}
	}

	// Convert max heap to sorted slice (closest first)
	resultSlice := make([]heapItem, results.Len())
	for i := len(resultSlice) - 1; i >= 0; i-- {
		resultSlice[i] = heap.Pop(results).(heapItem)
	}

	return resultSlice, nil
}

// KNNSearch is a convenience method for k-NN search with default efSearch
// Uses efSearch = max(k*2, 50) for good accuracy
func (idx *Index) KNNSearch(ctx context.Context, query []float32, k int) (*SearchResult, error) {
	efSearch := k * 2
	if efSearch < 50 {
		efSearch = 50
	}
	return idx.Search(ctx, query, k, efSearch)
}

// GetVector retrieves a vector by its ID. A tombstoned id is reported as
// not found, matching Search's view of deleted vectors.
func (idx *Index) GetVector(id uint64) ([]float32, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	node := idx.nodes[id]
	if node == nil {
		return nil, fmt.Errorf("node with ID %d not found", id)
	}
	if idx.tombstones.Contains(uint32(id)) {
		return nil, fmt.Errorf("node with ID %d is tombstoned", id)
	}

	// Return a copy to prevent external modification
	vector := make([]float32, len(node.vector))
	copy(vector, node.vector)
	return vector, nil
}

// Tombstone is the spec-facing name for Delete: marking id deleted without
// rewriting the graph. Kept as a thin alias so call sites read in terms of
// the operation's actual effect (spec.md §4.4.5) rather than an eager-delete
// that never happens here.
func (idx *Index) Tombstone(id uint64) error {
	return idx.Delete(id)
}

// Delete logically removes a vector from the index by marking it
// tombstoned. The graph keeps the node and its edges untouched -- no
// neighbor's adjacency list is rewritten, and the entry point is not moved
// even if it is the node being deleted, since traversal tolerates
// tombstoned nodes as stepping stones. A later Compact call is what
// actually reclaims tombstoned nodes.
func (idx *Index) Delete(id uint64) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	node := idx.nodes[id]
	if node == nil {
		return fmt.Errorf("node with ID %d not found", id)
	}
	if idx.tombstones.Contains(uint32(id)) {
		return fmt.Errorf("node with ID %d already deleted", id)
	}

	idx.tombstones.Add(uint32(id))
	idx.size--

	return nil
}

// Update replaces a vector's content. Internally this tombstones the old
// internal node and inserts the content under a new internal id; it is the
// caller's job (pkg/collection) to keep a stable external identifier
// pointed at whatever internal id currently holds the content.
func (idx *Index) Update(id uint64, newVector []float32) error {
	idx.mu.RLock()
	_, exists := idx.nodes[id]
	idx.mu.RUnlock()

	if !exists {
		return fmt.Errorf("node with ID %d not found", id)
	}

	if err := idx.Delete(id); err != nil {
		return fmt.Errorf("failed to tombstone old vector: %w", err)
	}

	if _, err := idx.Insert(newVector); err != nil {
		return fmt.Errorf("failed to insert new vector: %w", err)
	}

	return nil
}

// Compact rebuilds the index from its live (non-tombstoned) vectors,
// discarding dead nodes and their edges entirely. It returns the mapping
// from old internal id to new internal id so a caller holding external
// references (pkg/store's bimap) can remap them.
func (idx *Index) Compact() (*Index, map[uint64]uint64, error) {
	idx.mu.RLock()
	cfg := IndexConfig{
		M:              idx.M,
		EfConstruction: idx.efConstruction,
		DistanceFunc:   idx.distanceFunc,
	}
	type liveVec struct {
		oldID  uint64
		vector []float32
	}
	live := make([]liveVec, 0, len(idx.nodes))
	for id, node := range idx.nodes {
		if idx.tombstones.Contains(uint32(id)) {
			continue
		}
		live = append(live, liveVec{oldID: id, vector: node.vector})
	}
	idx.mu.RUnlock()

	rebuilt := New(cfg)
	remap := make(map[uint64]uint64, len(live))
	for _, lv := range live {
		newID, err := rebuilt.Insert(lv.vector)
		if err != nil {
			return nil, nil, fmt.Errorf("compact: reinserting node %d: %w", lv.oldID, err)
		}
		remap[lv.oldID] = newID
	}

	return rebuilt, remap, nil
}
