package hnsw

import "github.com/vectorcore-io/vectorcore/pkg/distance"

// DistanceFunc is the index's distance kernel signature. It is an alias for
// distance.Func so index configuration can hand either package's kernels
// to New without a conversion.
type DistanceFunc = distance.Func

// CosineSimilarity, EuclideanDistance, DotProduct and SquaredEuclideanDistance
// are kept as index-local names for the kernels that live in pkg/distance,
// since most callers reach for them through this package's config rather
// than importing pkg/distance directly.
var (
	CosineSimilarity         = distance.Cosine
	EuclideanDistance        = distance.Euclidean
	DotProduct               = distance.Dot
	SquaredEuclideanDistance = distance.SquaredEuclidean
)
