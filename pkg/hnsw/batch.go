package hnsw

import (
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// BatchInsertResult represents the result of a batch insert operation
type BatchInsertResult struct {
	TotalProcessed int
	SuccessCount   int
	FailureCount   int
	Errors         []error
	VectorIDs      []uint64
}

// BatchDeleteResult represents the result of a batch delete operation
type BatchDeleteResult struct {
	TotalProcessed int
	SuccessCount   int
	FailureCount   int
	Errors         []error
}

// BatchUpdateResult represents the result of a batch update operation
type BatchUpdateResult struct {
	TotalProcessed int
	SuccessCount   int
	FailureCount   int
	Errors         []error
}

// ProgressCallback is called during batch operations to report progress
type ProgressCallback func(processed, total int)

// batchWorkers bounds how many goroutines a batch operation runs at once.
const batchWorkers = 8

// BatchInsert inserts multiple vectors efficiently, fanning out across a
// bounded worker pool via errgroup.
func (idx *Index) BatchInsert(vectors [][]float32, progressCb ProgressCallback) *BatchInsertResult {
	result := &BatchInsertResult{
		TotalProcessed: len(vectors),
		Errors:         make([]error, 0),
		VectorIDs:      make([]uint64, len(vectors)),
	}

	if len(vectors) == 0 {
		return result
	}

	var g errgroup.Group
	g.SetLimit(batchWorkers)

	var mu sync.Mutex
	var successCount, failureCount int64

	for i := range vectors {
		i := i
		g.Go(func() error {
			id, err := idx.Insert(vectors[i])
			if err != nil {
				mu.Lock()
				result.Errors = append(result.Errors, fmt.Errorf("vector %d: %w", i, err))
				mu.Unlock()
				atomic.AddInt64(&failureCount, 1)
			} else {
				result.VectorIDs[i] = id
				atomic.AddInt64(&successCount, 1)
			}

			if progressCb != nil {
				mu.Lock()
				processed := int(atomic.LoadInt64(&successCount) + atomic.LoadInt64(&failureCount))
				progressCb(processed, len(vectors))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	result.SuccessCount = int(successCount)
	result.FailureCount = int(failureCount)

	return result
}

// BatchInsertSequential inserts vectors sequentially (for when order matters)
func (idx *Index) BatchInsertSequential(vectors [][]float32, progressCb ProgressCallback) *BatchInsertResult {
	result := &BatchInsertResult{
		TotalProcessed: len(vectors),
		Errors:         make([]error, 0),
		VectorIDs:      make([]uint64, len(vectors)),
	}

	if len(vectors) == 0 {
		return result
	}

	for i, vector := range vectors {
		id, err := idx.Insert(vector)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Errorf("vector %d: %w", i, err))
			result.FailureCount++
		} else {
			result.VectorIDs[i] = id
			result.SuccessCount++
		}

		if progressCb != nil {
			progressCb(i+1, len(vectors))
		}
	}

	return result
}

// BatchDelete tombstones multiple vectors by ID.
func (idx *Index) BatchDelete(ids []uint64, progressCb ProgressCallback) *BatchDeleteResult {
	result := &BatchDeleteResult{
		TotalProcessed: len(ids),
		Errors:         make([]error, 0),
	}

	if len(ids) == 0 {
		return result
	}

	var g errgroup.Group
	g.SetLimit(batchWorkers)

	var mu sync.Mutex
	var successCount, failureCount int64

	for _, id := range ids {
		id := id
		g.Go(func() error {
			if err := idx.Delete(id); err != nil {
				mu.Lock()
				result.Errors = append(result.Errors, fmt.Errorf("vector %d: %w", id, err))
				mu.Unlock()
				atomic.AddInt64(&failureCount, 1)
			} else {
				atomic.AddInt64(&successCount, 1)
			}

			if progressCb != nil {
				mu.Lock()
				processed := int(atomic.LoadInt64(&successCount) + atomic.LoadInt64(&failureCount))
				progressCb(processed, len(ids))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	result.SuccessCount = int(successCount)
	result.FailureCount = int(failureCount)

	return result
}

// BatchUpdate updates multiple vectors.
func (idx *Index) BatchUpdate(updates []VectorUpdate, progressCb ProgressCallback) *BatchUpdateResult {
	result := &BatchUpdateResult{
		TotalProcessed: len(updates),
		Errors:         make([]error, 0),
	}

	if len(updates) == 0 {
		return result
	}

	var g errgroup.Group
	g.SetLimit(batchWorkers)

	var mu sync.Mutex
	var successCount, failureCount int64

	for _, update := range updates {
		update := update
		g.Go(func() error {
			if err := idx.Update(update.ID, update.Vector); err != nil {
				mu.Lock()
				result.Errors = append(result.Errors, fmt.Errorf("vector %d: %w", update.ID, err))
				mu.Unlock()
				atomic.AddInt64(&failureCount, 1)
			} else {
				atomic.AddInt64(&successCount, 1)
			}

			if progressCb != nil {
				processed := int(atomic.LoadInt64(&successCount) + atomic.LoadInt64(&failureCount))
				progressCb(processed, len(updates))
			}
			return nil
		})
	}
	_ = g.Wait()

	result.SuccessCount = int(successCount)
	result.FailureCount = int(failureCount)

	return result
}

// VectorUpdate represents an update operation
type VectorUpdate struct {
	ID     uint64
	Vector []float32
}

// BatchInsertWithBuffer uses buffering to optimize memory usage for large batches
func (idx *Index) BatchInsertWithBuffer(vectors [][]float32, bufferSize int, progressCb ProgressCallback) *BatchInsertResult {
	result := &BatchInsertResult{
		TotalProcessed: len(vectors),
		Errors:         make([]error, 0),
		VectorIDs:      make([]uint64, len(vectors)),
	}

	if len(vectors) == 0 {
		return result
	}

	if bufferSize <= 0 {
		bufferSize = 1000 // Default buffer size
	}

	for start := 0; start < len(vectors); start += bufferSize {
		end := start + bufferSize
		if end > len(vectors) {
			end = len(vectors)
		}

		vectorChunk := vectors[start:end]

		chunkCb := func(processed, total int) {
			if progressCb != nil {
				progressCb(start+processed, len(vectors))
			}
		}

		chunkResult := idx.BatchInsert(vectorChunk, chunkCb)

		result.SuccessCount += chunkResult.SuccessCount
		result.FailureCount += chunkResult.FailureCount
		result.Errors = append(result.Errors, chunkResult.Errors...)

		copy(result.VectorIDs[start:end], chunkResult.VectorIDs)
	}

	return result
}

// GetBatchStats returns statistics about batch operations
func (idx *Index) GetBatchStats() map[string]interface{} {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	return map[string]interface{}{
		"total_vectors": idx.size,
		"max_layer":     idx.maxLayer,
		"entry_point_id": func() interface{} {
			if idx.entryPoint != nil {
				return idx.entryPoint.id
			}
			return nil
		}(),
	}
}
