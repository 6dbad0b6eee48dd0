package quantization

import (
	"encoding/binary"
	"fmt"
	"math"
	"math/bits"
)

// BinaryQuantizer reduces each dimension to a single sign bit and compares
// codes with Hamming distance. It compresses 32x over float32 and is meant
// to shrink a candidate set before a full-precision re-rank, not to be the
// terminal representation a search result is scored from.
type BinaryQuantizer struct {
	// mean holds the per-dimension training mean; a value quantizes to 1
	// if it's at or above the mean on that dimension, 0 otherwise.
	mean []float32
}

// NewBinaryQuantizer creates a new binary quantizer.
func NewBinaryQuantizer() *BinaryQuantizer {
	return &BinaryQuantizer{}
}

// Train computes the per-dimension mean used as the sign threshold.
func (q *BinaryQuantizer) Train(vectors [][]float32) error {
	if len(vectors) == 0 {
		return errNoTrainingData
	}

	dim := len(vectors[0])
	sum := make([]float64, dim)
	for _, v := range vectors {
		for i, x := range v {
			sum[i] += float64(x)
		}
	}

	mean := make([]float32, dim)
	for i, s := range sum {
		mean[i] = float32(s / float64(len(vectors)))
	}
	q.mean = mean

	return nil
}

// Encode packs one sign bit per dimension, most significant bit first
// within each byte.
func (q *BinaryQuantizer) Encode(vector []float32) []byte {
	code := make([]byte, (len(vector)+7)/8)
	for i, v := range vector {
		threshold := float32(0)
		if i < len(q.mean) {
			threshold = q.mean[i]
		}
		if v >= threshold {
			code[i/8] |= 1 << uint(7-i%8)
		}
	}
	return code
}

// Decode reconstructs an approximate vector: +1/-1 around the trained mean
// for each dimension. This is lossy by construction and exists mainly so
// Decode satisfies Quantizer and callers can sanity-check round trips.
func (q *BinaryQuantizer) Decode(code []byte) []float32 {
	dim := len(code) * 8
	vector := make([]float32, dim)
	for i := 0; i < dim; i++ {
		bit := code[i/8] & (1 << uint(7-i%8))
		threshold := float32(0)
		if i < len(q.mean) {
			threshold = q.mean[i]
		}
		if bit != 0 {
			vector[i] = threshold + 1
		} else {
			vector[i] = threshold - 1
		}
	}
	return vector
}

// GetCompressionRatio returns the theoretical compression ratio versus
// float32 storage: 32 bits collapse to 1.
func (q *BinaryQuantizer) GetCompressionRatio(originalDim int) float32 {
	return 32.0
}

// Serialize packs the trained per-dimension mean as a length-prefixed
// little-endian float32 array, following the same header-then-payload shape
// as ProductQuantizer.Serialize.
func (q *BinaryQuantizer) Serialize() ([]byte, error) {
	data := make([]byte, 4+len(q.mean)*4)
	binary.LittleEndian.PutUint32(data[0:], uint32(len(q.mean)))
	for i, v := range q.mean {
		binary.LittleEndian.PutUint32(data[4+i*4:], math.Float32bits(v))
	}
	return data, nil
}

// Deserialize restores the mean written by Serialize.
func (q *BinaryQuantizer) Deserialize(data []byte) error {
	if len(data) < 4 {
		return fmt.Errorf("binary quantizer: data too short")
	}
	n := int(binary.LittleEndian.Uint32(data[0:]))
	if len(data) < 4+n*4 {
		return fmt.Errorf("binary quantizer: truncated mean vector")
	}
	mean := make([]float32, n)
	for i := range mean {
		mean[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[4+i*4:]))
	}
	q.mean = mean
	return nil
}

// HammingDistance counts differing bits between two binary codes of equal
// length. This is the distance kernel BinaryQuantizer is meant to be used
// with for the coarse-filter pass.
func HammingDistance(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}

	dist := 0
	for i := 0; i < n; i++ {
		dist += bits.OnesCount8(a[i] ^ b[i])
	}
	return dist
}

type quantizationError string

func (e quantizationError) Error() string { return string(e) }

const errNoTrainingData quantizationError = "no training data provided"
