package registry

import (
	"fmt"
	"sync"

	"golang.org/x/time/rate"
)

// Quota holds the resource limits spec.md §5 asks the registry to enforce
// per collection ("configured maximum bytes for vectors+graph per
// collection; insert returns CapacityExceeded when the cap would be
// breached"). A zero or negative field means "unlimited".
type Quota struct {
	MaxVectors      int64
	MaxStorageBytes int64
	MaxDimensions   int
	RateLimitQPS    int
}

// DefaultQuota is applied to a collection created without an explicit quota.
func DefaultQuota() Quota {
	return Quota{
		MaxVectors:      1_000_000,
		MaxStorageBytes: 10 * 1024 * 1024 * 1024,
		MaxDimensions:   2048,
		RateLimitQPS:    1000,
	}
}

// UnlimitedQuota disables every limit.
func UnlimitedQuota() Quota {
	return Quota{MaxVectors: -1, MaxStorageBytes: -1, MaxDimensions: -1, RateLimitQPS: -1}
}

// CollectionQuota tracks live usage against a Quota for a single
// collection. It is the registry's repurposing of the teacher's
// multi-tenant SaaS quota tracker (pkg/tenant/manager.go's Tenant/Usage) onto
// a single collection's capacity cap -- the shape (quota + live counters
// behind a mutex) carries over, the "tenant" framing does not.
type CollectionQuota struct {
	quota Quota

	mu           sync.RWMutex
	vectorCount  int64
	storageBytes int64

	// limiter is the token bucket the teacher's REST middleware used for
	// HTTP requests (pkg/api/rest/middleware/ratelimit.go), kept here as a
	// per-collection bucket that Allow consults. Collection never calls
	// Allow (its QuotaEnforcer has no rate method), so inserts and searches
	// are not rate-limited.
	limiter *rate.Limiter
}

// NewCollectionQuota builds a tracker for q. A non-positive RateLimitQPS
// disables the limiter entirely.
func NewCollectionQuota(q Quota) *CollectionQuota {
	cq := &CollectionQuota{quota: q}
	if q.RateLimitQPS > 0 {
		cq.limiter = rate.NewLimiter(rate.Limit(q.RateLimitQPS), q.RateLimitQPS)
	}
	return cq
}

// CheckVectorQuota reports whether adding count more live vectors would
// exceed the quota, without applying the change.
func (c *CollectionQuota) CheckVectorQuota(count int64) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.quota.MaxVectors > 0 && c.vectorCount+count > c.quota.MaxVectors {
		return fmt.Errorf("vector quota exceeded: current=%d requested=%d max=%d",
			c.vectorCount, count, c.quota.MaxVectors)
	}
	return nil
}

// CheckStorageQuota reports whether adding bytes more storage would exceed
// the quota, without applying the change.
func (c *CollectionQuota) CheckStorageQuota(bytes int64) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.quota.MaxStorageBytes > 0 && c.storageBytes+bytes > c.quota.MaxStorageBytes {
		return fmt.Errorf("storage quota exceeded: current=%d requested=%d max=%d",
			c.storageBytes, bytes, c.quota.MaxStorageBytes)
	}
	return nil
}

// CheckDimensionQuota reports whether dimensions is within the configured
// ceiling.
func (c *CollectionQuota) CheckDimensionQuota(dimensions int) error {
	if c.quota.MaxDimensions > 0 && dimensions > c.quota.MaxDimensions {
		return fmt.Errorf("dimension quota exceeded: requested=%d max=%d", dimensions, c.quota.MaxDimensions)
	}
	return nil
}

// Allow reports whether a single query or insert may proceed under the
// rate limit, consuming one token if so. A collection with no rate limit
// configured always allows.
func (c *CollectionQuota) Allow() bool {
	if c.limiter == nil {
		return true
	}
	return c.limiter.Allow()
}

// IncrementVectorCount adjusts the live vector counter by delta (negative
// to account for a tombstone).
func (c *CollectionQuota) IncrementVectorCount(delta int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.vectorCount += delta
	if c.vectorCount < 0 {
		c.vectorCount = 0
	}
}

// SetStorageBytes records the current estimated storage footprint.
func (c *CollectionQuota) SetStorageBytes(bytes int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.storageBytes = bytes
}

// Usage returns the current live vector count and estimated storage bytes.
func (c *CollectionQuota) Usage() (vectors, storageBytes int64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.vectorCount, c.storageBytes
}

// UsagePercentage reports vector/storage usage as a fraction of quota,
// keyed by resource name; a resource with no configured limit is omitted.
func (c *CollectionQuota) UsagePercentage() map[string]float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()

	pct := make(map[string]float64)
	if c.quota.MaxVectors > 0 {
		pct["vectors"] = float64(c.vectorCount) / float64(c.quota.MaxVectors) * 100
	}
	if c.quota.MaxStorageBytes > 0 {
		pct["storage"] = float64(c.storageBytes) / float64(c.quota.MaxStorageBytes) * 100
	}
	return pct
}

// IsOverQuota reports whether current usage exceeds either limit.
func (c *CollectionQuota) IsOverQuota() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.quota.MaxVectors > 0 && c.vectorCount > c.quota.MaxVectors {
		return true
	}
	if c.quota.MaxStorageBytes > 0 && c.storageBytes > c.quota.MaxStorageBytes {
		return true
	}
	return false
}
