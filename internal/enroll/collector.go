// Package enroll gathers the distinct faces seen in a video so they can be labelled and
// turned into profiles.
package enroll

import (
	"fmt"
	"image"
	"image/jpeg"
	"os"
	"path/filepath"
	"time"

	"github.com/andresmejia3/persona/internal/profile"
	"github.com/andresmejia3/persona/internal/registry"
	"github.com/andresmejia3/persona/internal/targeting"
	"github.com/andresmejia3/persona/internal/types"
	"github.com/andresmejia3/persona/internal/vector"
	log "github.com/sirupsen/logrus"
	"golang.org/x/image/draw"
)

// CandidatePrefix names the profiles written for unlabelled faces.
const CandidatePrefix = "candidate-"

// Candidate is one distinct face: its descriptor and a picture of it.
type Candidate struct {
	Encoding  vector.Encoding
	Thumbnail *image.RGBA
	Frame     int
	Loc       types.Location
}

// Collector keeps every face that does not match an already kept face.
// It is not safe for concurrent use.
type Collector struct {
	Tolerance float64
	ThumbSize int // longest thumbnail side in pixels; 0 keeps the face crop as is

	candidates []Candidate
	known      []vector.Encoding
	seen       int
}

// NewCollector creates a collector matching at tolerance.
func NewCollector(tolerance float64, thumbSize int) *Collector {
	return &Collector{Tolerance: tolerance, ThumbSize: thumbSize}
}

// FrameStep converts a sampling interval into a frame stride, never below 1.
func FrameStep(every time.Duration, fps float64) int {
	step := int(every.Seconds() * fps)
	if step < 1 {
		return 1
	}
	return step
}

// Observe records the faces of one frame and returns how many were new.
func (c *Collector) Observe(frameIndex int, frame image.Image, faces []types.Face) int {
	added := 0
	for _, f := range faces {
		c.seen++
		if vector.MatchesAny(f.Vec, c.known, c.Tolerance) {
			continue
		}

		c.known = append(c.known, f.Vec)
		c.candidates = append(c.candidates, Candidate{
			Encoding:  f.Vec,
			Thumbnail: c.thumbnail(frame, f.Loc),
			Frame:     frameIndex,
			Loc:       f.Loc,
		})
		added++
	}
	if added > 0 {
		log.WithFields(log.Fields{"frame": frameIndex, "new": added, "total": len(c.candidates)}).Debug("enroll: new faces")
	}
	return added
}

// Candidates returns the distinct faces in the order they were first seen.
func (c *Collector) Candidates() []Candidate {
	return c.candidates
}

// Seen returns the number of faces observed, duplicates included.
func (c *Collector) Seen() int {
	return c.seen
}

func (c *Collector) thumbnail(frame image.Image, loc types.Location) *image.RGBA {
	box := loc.Rect().Intersect(frame.Bounds())
	face := targeting.Crop(frame, box.Size(), box.Min)
	if c.ThumbSize <= 0 || box.Empty() {
		return face
	}

	w, h := box.Dx(), box.Dy()
	if w >= h {
		h = max(1, h*c.ThumbSize/w)
		w = c.ThumbSize
	} else {
		w = max(1, w*c.ThumbSize/h)
		h = c.ThumbSize
	}
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), face, face.Bounds(), draw.Src, nil)
	return dst
}

// CandidateID names the n-th candidate, counting from 1.
func CandidateID(n int) string {
	return fmt.Sprintf("%s%d", CandidatePrefix, n)
}

// Profiles turns every candidate into a single-encoding profile named by CandidateID.
func (c *Collector) Profiles(tolerance float64) []*profile.Profile {
	out := make([]*profile.Profile, 0, len(c.candidates))
	for i, cand := range c.candidates {
		out = append(out, profile.New(CandidateID(i+1), []vector.Encoding{cand.Encoding}, tolerance))
	}
	return out
}

// Save writes one profile record and one JPEG thumbnail per candidate into dir and returns
// the written paths. Renaming a record and its id is all that is left to label a face.
func (c *Collector) Save(dir string, tolerance float64) ([]string, error) {
	m, err := registry.New(c.Profiles(tolerance)...)
	if err != nil {
		return nil, err
	}
	written, err := m.SaveDirectory(dir, false)
	if err != nil {
		return written, err
	}

	for i, cand := range c.candidates {
		path := filepath.Join(dir, CandidateID(i+1)+".jpg")
		if err := writeJPEG(path, cand.Thumbnail); err != nil {
			return written, err
		}
		written = append(written, path)
	}
	return written, nil
}

func writeJPEG(path string, img image.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create '%s': %w", path, err)
	}
	if err := jpeg.Encode(f, img, &jpeg.Options{Quality: 90}); err != nil {
		f.Close()
		return fmt.Errorf("failed to encode '%s': %w", path, err)
	}
	return f.Close()
}
