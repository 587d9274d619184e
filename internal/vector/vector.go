// Package vector compares face encodings.
//
// Encodings are compared with the Euclidean (L2) distance, the metric the dlib
// descriptor scheme is trained for. A distance of 0 means the encodings are identical;
// descriptors of the same person typically land below 0.6.
package vector

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// EmptyCollectionDistance is reported as the average distance against an empty collection.
const EmptyCollectionDistance = 1.0

// Encoding is a face descriptor produced by a detector. Treat it as immutable.
type Encoding []float64

// FromFloat32 widens a float32 descriptor (dlib, pgvector) into an Encoding.
func FromFloat32(v []float32) Encoding {
	out := make(Encoding, len(v))
	for i, f := range v {
		out[i] = float64(f)
	}
	return out
}

// Float32 narrows the encoding for storage backends that keep single precision.
func (e Encoding) Float32() []float32 {
	out := make([]float32, len(e))
	for i, f := range e {
		out[i] = float32(f)
	}
	return out
}

// Clone returns a copy that does not share the backing array.
func (e Encoding) Clone() Encoding {
	out := make(Encoding, len(e))
	copy(out, e)
	return out
}

// Distance returns the Euclidean distance between a and b.
// Encodings of different lengths are not comparable and report +Inf.
func Distance(a, b Encoding) float64 {
	if len(a) != len(b) {
		return math.Inf(1)
	}
	if len(a) == 0 {
		return 0
	}
	return floats.Distance(a, b, 2)
}

// AgainstCollection returns the mean distance between target and every encoding in
// collection, along with each individual distance in collection order.
// An empty collection yields (EmptyCollectionDistance, nil).
func AgainstCollection(target Encoding, collection []Encoding) (float64, []float64) {
	if len(collection) == 0 {
		return EmptyCollectionDistance, nil
	}

	distances := make([]float64, len(collection))
	for i, enc := range collection {
		distances[i] = Distance(target, enc)
	}
	return stat.Mean(distances, nil), distances
}

// Matches reports whether a and b are within tolerance of each other.
func Matches(a, b Encoding, tolerance float64) bool {
	return Distance(a, b) <= tolerance
}

// MatchesAll reports whether candidate matches every target. An empty target set matches.
func MatchesAll(candidate Encoding, targets []Encoding, tolerance float64) bool {
	for _, t := range targets {
		if !Matches(candidate, t, tolerance) {
			return false
		}
	}
	return true
}

// MatchesAny reports whether candidate matches at least one of known.
func MatchesAny(candidate Encoding, known []Encoding, tolerance float64) bool {
	for _, k := range known {
		if Matches(candidate, k, tolerance) {
			return true
		}
	}
	return false
}
