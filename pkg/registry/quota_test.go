package registry

import (
	"testing"
)

func TestCollectionQuota_VectorLimit(t *testing.T) {
	q := NewCollectionQuota(Quota{MaxVectors: 10})

	if err := q.CheckVectorQuota(5); err != nil {
		t.Fatalf("unexpected error under quota: %v", err)
	}

	q.IncrementVectorCount(8)
	if err := q.CheckVectorQuota(5); err == nil {
		t.Fatal("expected error when request would exceed quota")
	}

	q.IncrementVectorCount(-3)
	if err := q.CheckVectorQuota(5); err != nil {
		t.Fatalf("unexpected error after decrement: %v", err)
	}
}

func TestCollectionQuota_VectorCountNeverNegative(t *testing.T) {
	q := NewCollectionQuota(DefaultQuota())
	q.IncrementVectorCount(-100)

	vectors, _ := q.Usage()
	if vectors != 0 {
		t.Fatalf("expected vector count clamped at 0, got %d", vectors)
	}
}

func TestCollectionQuota_StorageLimit(t *testing.T) {
	q := NewCollectionQuota(Quota{MaxStorageBytes: 1000})

	if err := q.CheckStorageQuota(500); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	q.SetStorageBytes(900)
	if err := q.CheckStorageQuota(500); err == nil {
		t.Fatal("expected error when request would exceed storage quota")
	}
}

func TestCollectionQuota_DimensionLimit(t *testing.T) {
	q := NewCollectionQuota(Quota{MaxDimensions: 128})

	if err := q.CheckDimensionQuota(64); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := q.CheckDimensionQuota(256); err == nil {
		t.Fatal("expected error for over-limit dimension")
	}
}

func TestCollectionQuota_UnlimitedDisablesChecks(t *testing.T) {
	q := NewCollectionQuota(UnlimitedQuota())
	q.IncrementVectorCount(1_000_000_000)
	q.SetStorageBytes(1 << 40)

	if err := q.CheckVectorQuota(1); err != nil {
		t.Fatalf("unlimited quota should never reject: %v", err)
	}
	if err := q.CheckStorageQuota(1); err != nil {
		t.Fatalf("unlimited quota should never reject: %v", err)
	}
	if err := q.CheckDimensionQuota(100000); err != nil {
		t.Fatalf("unlimited quota should never reject: %v", err)
	}
}

func TestCollectionQuota_RateLimitAllowsWithinBurst(t *testing.T) {
	q := NewCollectionQuota(Quota{RateLimitQPS: 5})
	allowed := 0
	for i := 0; i < 5; i++ {
		if q.Allow() {
			allowed++
		}
	}
	if allowed == 0 {
		t.Fatal("expected at least the initial burst to be allowed")
	}
}

func TestCollectionQuota_NoRateLimitAlwaysAllows(t *testing.T) {
	q := NewCollectionQuota(Quota{RateLimitQPS: 0})
	for i := 0; i < 1000; i++ {
		if !q.Allow() {
			t.Fatal("zero RateLimitQPS should mean unlimited")
		}
	}
}

func TestCollectionQuota_IsOverQuota(t *testing.T) {
	q := NewCollectionQuota(Quota{MaxVectors: 10})
	if q.IsOverQuota() {
		t.Fatal("fresh quota should not report over-quota")
	}

	q.IncrementVectorCount(11)
	if !q.IsOverQuota() {
		t.Fatal("expected over-quota after exceeding MaxVectors")
	}
}

func TestCollectionQuota_UsagePercentage(t *testing.T) {
	q := NewCollectionQuota(Quota{MaxVectors: 100, MaxStorageBytes: 1000})
	q.IncrementVectorCount(50)
	q.SetStorageBytes(250)

	pct := q.UsagePercentage()
	if pct["vectors"] != 50 {
		t.Fatalf("expected 50%% vector usage, got %v", pct["vectors"])
	}
	if pct["storage"] != 25 {
		t.Fatalf("expected 25%% storage usage, got %v", pct["storage"])
	}
}

func TestDefaultQuota(t *testing.T) {
	q := DefaultQuota()
	if q.MaxVectors <= 0 || q.MaxStorageBytes <= 0 || q.MaxDimensions <= 0 || q.RateLimitQPS <= 0 {
		t.Fatal("DefaultQuota should set every limit to a positive value")
	}
}

func TestUnlimitedQuota(t *testing.T) {
	q := UnlimitedQuota()
	if q.MaxVectors > 0 || q.MaxStorageBytes > 0 || q.MaxDimensions > 0 || q.RateLimitQPS > 0 {
		t.Fatal("UnlimitedQuota should disable every limit")
	}
}
