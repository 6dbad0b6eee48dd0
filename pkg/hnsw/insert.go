package hnsw

import (
	"container/heap"
	"context"
	"fmt"
)

// Insert adds a vector to the index under a self-assigned id. It's a thin
// wrapper around InsertAt that allocates the next node id and runs without a
// cancellation deadline, for callers (pkg/hnsw/batch.go, tests) that don't
// own id allocation and don't need to bound insert latency.
func (idx *Index) Insert(vector []float32) (uint64, error) {
	idx.mu.Lock()
	if idx.dimension == 0 {
		idx.dimension = len(vector)
	}
	id := idx.nodeCounter
	idx.nodeCounter++
	idx.mu.Unlock()

	if err := idx.InsertAt(context.Background(), id, vector); err != nil {
		return 0, err
	}
	return id, nil
}

// InsertAt is Insert for a caller that already owns id allocation (pkg/store's
// external-id bimap assigns the internal index before the graph does, so the
// two stay in lockstep). ctx is checked once per layer of the
// layer-by-layer linking pass below, so a deadline or cancellation set by
// the caller (pkg/collection.Insert) can abort a slow insert on a large
// graph between layers rather than only before the call starts.
func (idx *Index) InsertAt(ctx context.Context, id uint64, vector []float32) error {
	if len(vector) == 0 {
		return fmt.Errorf("cannot insert empty vector")
	}

	idx.mu.Lock()

	if idx.dimension == 0 {
		idx.dimension = len(vector)
	} else if len(vector) != idx.dimension {
		idx.mu.Unlock()
		return fmt.Errorf("vector dimension mismatch: expected %d, got %d",
			idx.dimension, len(vector))
	}

	if _, exists := idx.nodes[id]; exists {
		idx.mu.Unlock()
		return fmt.Errorf("node with ID %d already exists", id)
	}
	if id >= idx.nodeCounter {
		idx.nodeCounter = id + 1
	}

	level := idx.randomLevel()
	newNode := NewNode(id, vector, level)

	if idx.entryPoint == nil {
		idx.nodes[id] = newNode
		idx.entryPoint = newNode
		idx.maxLayer = level
		idx.size++
		idx.mu.Unlock()
		return nil
	}

	entryPoint := idx.entryPoint
	currentMaxLayer := idx.maxLayer
	// Register the node before linking so pruneNeighbors can see it when it
	// trims a neighbor's list that the reverse edge below has overfilled.
	idx.nodes[id] = newNode
	idx.mu.Unlock()

	ep := idx.descendToEntry(vector, entryPoint, currentMaxLayer, level)

	for lc := min(level, currentMaxLayer); lc >= 0; lc-- {
		if err := ctx.Err(); err != nil {
			return err
		}

		candidates := idx.searchLayer(vector, ep, idx.efConstruction, lc)

		M := idx.M
		if lc == 0 {
			M = idx.M0
		}

		neighbors := idx.selectNeighborsHeuristic(vector, candidates, M)

		for _, neighbor := range neighbors {
			neighborNode := idx.GetNode(neighbor)
			if neighborNode != nil {
				newNode.AddNeighbor(lc, neighbor)
				neighborNode.AddNeighbor(lc, id)
				idx.pruneNeighbors(neighborNode, lc)
			}
		}

		if len(candidates) > 0 {
			ep = idx.GetNode(candidates[0].id)
		}
	}

	idx.mu.Lock()
	if level > idx.maxLayer {
		idx.maxLayer = level
		idx.entryPoint = newNode
	}
	idx.size++
	idx.mu.Unlock()

	return nil
}

// descendToEntry greedily walks from entryPoint down to the layer just
// above level, returning the closest node found as the entry point for the
// layer-by-layer insertion that follows.
func (idx *Index) descendToEntry(vector []float32, entryPoint *Node, currentMaxLayer, level int) *Node {
	ep := entryPoint
	currentDist := idx.distanceToNode(vector, ep)

	for lc := currentMaxLayer; lc > level; lc-- {
		changed := true
		for changed {
			changed = false

			neighbors := ep.GetNeighbors(lc)
			for _, neighborID := range neighbors {
				neighborNode := idx.GetNode(neighborID)
				if neighborNode == nil {
					continue
				}

				dist := idx.distanceToNode(vector, neighborNode)
				if dist < currentDist {
					currentDist = dist
					ep = neighborNode
					changed = true
				}
			}
		}
	}

	return ep
}

// searchLayer performs a greedy search for the ef nearest neighbors at a specific layer
// Returns a priority queue of candidates sorted by distance (closest first)
func (idx *Index) searchLayer(query []float32, entryPoint *Node, ef int, layer int) []heapItem {
	visited := make(map[uint64]bool)
	candidates := &minHeap{}
	results := &maxHeap{}

	// Start with entry point
	dist := idx.distanceToNode(query, entryPoint)
	heap.Push(candidates, heapItem{id: entryPoint.ID(), distance: dist})
	heap.Push(results, heapItem{id: entryPoint.ID(), distance: dist})
	visited[entryPoint.ID()] = true

	// Greedy search
	for candidates.Len() > 0 {
		// Get closest candidate
		current := heap.Pop(candidates).(heapItem)

		// If current is farther than the worst result, we're done
		if current.distance > results.Peek().(heapItem).distance {
			break
		}

		// Explore neighbors
		currentNode := idx.GetNode(current.id)
		if currentNode == nil {
			continue
		}

		neighbors := currentNode.GetNeighbors(layer)
		for _, neighborID := range neighbors {
			if visited[neighborID] {
				continue
			}
			visited[neighborID] = true

			neighborNode := idx.GetNode(neighborID)
			if neighborNode == nil {
				continue
			}

			neighborDist := idx.distanceToNode(query, neighborNode)

			// If neighbor is closer than worst result, or we haven't found ef results yet
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

	return resultSlice
}

// selectNeighborsHeuristic picks up to M neighbors out of candidates (sorted
// closest-first to query) using a diversity-admission rule: a candidate c is
// admitted only if no neighbor already admitted is closer to c than the
// query is. That rejects candidates that sit "behind" an already-chosen
// neighbor relative to the query, so the layer keeps edges spread across
// directions instead of collapsing onto the single nearest cluster.
//
// If the rule would admit nothing (every candidate is dominated), the
// single closest candidate is kept so a node is never left without any
// neighbor at a layer it participates in.
func (idx *Index) selectNeighborsHeuristic(query []float32, candidates []heapItem, M int) []uint64 {
	if len(candidates) <= M {
		result := make([]uint64, len(candidates))
		for i, c := range candidates {
			result[i] = c.id
		}
		return result
	}

	admitted := make([]heapItem, 0, M)
	for _, c := range candidates {
		if len(admitted) >= M {
			break
		}

		cNode := idx.GetNode(c.id)
		if cNode == nil {
			continue
		}

		good := true
		for _, r := range admitted {
			rNode := idx.GetNode(r.id)
			if rNode == nil {
				continue
			}
			if idx.distanceBetweenNodes(cNode, rNode) < c.distance {
				good = false
				break
			}
		}

		if good {
			admitted = append(admitted, c)
		}
	}

	if len(admitted) == 0 && len(candidates) > 0 {
		admitted = append(admitted, candidates[0])
	}

	result := make([]uint64, len(admitted))
	for i, a := range admitted {
		result[i] = a.id
	}
	return result
}

// pruneNeighbors ensures a node doesn't have more than M connections at a layer
func (idx *Index) pruneNeighbors(node *Node, layer int) {
	M := idx.M
	if layer == 0 {
		M = idx.M0
	}

	neighbors := node.GetNeighbors(layer)
	if len(neighbors) <= M {
		return
	}

	candidates := make([]heapItem, 0, len(neighbors))
	for _, neighborID := range neighbors {
		neighborNode := idx.GetNode(neighborID)
		if neighborNode == nil {
			continue
		}
		candidates = append(candidates, heapItem{
			id:       neighborID,
			distance: idx.distanceBetweenNodes(node, neighborNode),
		})
	}

	sortByDistance(candidates)

	selectedIDs := idx.selectNeighborsHeuristic(node.vector, candidates, M)
	node.SetNeighbors(layer, selectedIDs)
}

// sortByDistance sorts candidates ascending by (distance, id) in place,
// closest first, with the ascending-id tiebreak the heaps above use so
// pruning sees the same deterministic order a fresh search would.
func sortByDistance(candidates []heapItem) {
	less := func(a, b heapItem) bool {
		if a.distance != b.distance {
			return a.distance < b.distance
		}
		return a.id < b.id
	}
	for i := 1; i < len(candidates); i++ {
		for j := i; j > 0 && less(candidates[j], candidates[j-1]); j-- {
			candidates[j], candidates[j-1] = candidates[j-1], candidates[j]
		}
	}
}

// min returns the minimum of two integers
func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// heapItem represents an item in the priority queue
type heapItem struct {
	id       uint64
	distance float32
}

// minHeap is a min-heap of heapItem (smallest distance at top). Ties are
// broken by ascending id so that candidate ordering -- and therefore which
// of several equal-distance neighbors gets explored or kept -- is
// deterministic across runs.
type minHeap []heapItem

func (h minHeap) Len() int { return len(h) }
func (h minHeap) Less(i, j int) bool {
	if h[i].distance != h[j].distance {
		return h[i].distance < h[j].distance
	}
	return h[i].id < h[j].id
}
func (h minHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *minHeap) Push(x interface{}) {
	*h = append(*h, x.(heapItem))
}

func (h *minHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[0 : n-1]
	return x
}

func (h *minHeap) Peek() interface{} {
	if len(*h) == 0 {
		return heapItem{distance: 1e9}
	}
	return (*h)[0]
}

// maxHeap is a max-heap of heapItem (largest distance at top, evicted first
// when trimming to ef results). Ties favor evicting the larger id, so that
// between two equal-distance candidates the lower internal id is the one
// kept -- the same ascending-id tiebreak minHeap applies.
type maxHeap []heapItem

func (h maxHeap) Len() int { return len(h) }
func (h maxHeap) Less(i, j int) bool {
	if h[i].distance != h[j].distance {
		return h[i].distance > h[j].distance
	}
	return h[i].id > h[j].id
}
func (h maxHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *maxHeap) Push(x interface{}) {
	*h = append(*h, x.(heapItem))
}

func (h *maxHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[0 : n-1]
	return x
}

func (h *maxHeap) Peek() interface{} {
	if len(*h) == 0 {
		return heapItem{distance: 1e9}
	}
	return (*h)[0]
}
