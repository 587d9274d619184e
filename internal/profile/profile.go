// Package profile holds the encodings that identify one person and decides which new
// encodings are similar enough to join them.
package profile

import (
	"fmt"
	"strings"

	"github.com/andresmejia3/persona/internal/vector"
)

// CheckMode selects how a candidate encoding is compared against the saved pool.
type CheckMode int

const (
	// CheckAverage accepts when the mean distance to the pool is within tolerance.
	CheckAverage CheckMode = iota
	// CheckAll accepts only when every saved encoding is within tolerance.
	CheckAll
)

func (m CheckMode) String() string {
	switch m {
	case CheckAll:
		return "all"
	default:
		return "average"
	}
}

// ParseCheckMode converts a flag value ("average" or "all") into a CheckMode.
func ParseCheckMode(s string) (CheckMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "average", "avg":
		return CheckAverage, nil
	case "all", "every":
		return CheckAll, nil
	}
	return CheckAverage, fmt.Errorf("invalid check mode '%s'. Must be 'average' or 'all'", s)
}

// Profile is the identity of one person: an id and a pool of face encodings.
type Profile struct {
	ID        string
	Encodings []vector.Encoding
	// AcceptanceTolerance is used by AddEncoding when no explicit tolerance is given.
	AcceptanceTolerance float64
}

// AddOptions tunes a single AddEncoding call. The zero value checks the average distance
// against the profile's own AcceptanceTolerance.
type AddOptions struct {
	Tolerance *float64
	Mode      CheckMode
	Force     bool
}

// Tolerance is a helper for building AddOptions inline.
func Tolerance(t float64) *float64 {
	return &t
}

// New creates a profile from an initial set of encodings. Every encoding is copied.
func New(id string, encodings []vector.Encoding, tolerance float64) *Profile {
	pool := make([]vector.Encoding, len(encodings))
	for i, enc := range encodings {
		pool[i] = enc.Clone()
	}
	return &Profile{
		ID:                  id,
		Encodings:           pool,
		AcceptanceTolerance: tolerance,
	}
}

// AddEncoding appends enc to the pool if it is similar enough to the saved encodings,
// and reports whether it was added. A rejected encoding leaves the profile untouched.
//
// With no saved encodings the average distance is vector.EmptyCollectionDistance, so in
// CheckAverage mode the first encoding is only accepted with Force or a tolerance of at
// least 1.0. CheckAll has no saved encoding to violate and accepts it.
func (p *Profile) AddEncoding(enc vector.Encoding, opts AddOptions) bool {
	if opts.Force {
		p.Encodings = append(p.Encodings, enc)
		return true
	}

	tolerance := p.AcceptanceTolerance
	if opts.Tolerance != nil {
		tolerance = *opts.Tolerance
	}

	avg, distances := p.DistanceAgainstSaved(enc)

	switch opts.Mode {
	case CheckAll:
		for _, d := range distances {
			if d > tolerance {
				return false
			}
		}
	default:
		if avg > tolerance {
			return false
		}
	}

	p.Encodings = append(p.Encodings, enc)
	return true
}

// DistanceAgainstSaved returns the average distance between enc and the saved pool, and
// the distance to each saved encoding. An empty pool reports an average of 1.
func (p *Profile) DistanceAgainstSaved(enc vector.Encoding) (float64, []float64) {
	return vector.AgainstCollection(enc, p.Encodings)
}

// ClearEncodings drops every saved encoding.
func (p *Profile) ClearEncodings() {
	p.Encodings = []vector.Encoding{}
}
