package targeting

import (
	"image"

	"github.com/andresmejia3/persona/internal/types"
	"github.com/andresmejia3/persona/internal/vector"
	log "github.com/sirupsen/logrus"
)

// Tracker follows one identity across consecutive frames. When the identity is not found
// the previous window is reused, so the output stays steady through detection misses.
// Before the first match the window is centered on the frame.
type Tracker struct {
	Detector  Detector
	Size      image.Point
	Targets   []vector.Encoding
	Tolerance float64

	last    image.Point
	hasLast bool
	hits    int
	misses  int
}

// NewTracker returns a tracker for targets using windows of size.
func NewTracker(d Detector, size image.Point, targets []vector.Encoding, tolerance float64) *Tracker {
	return &Tracker{Detector: d, Size: size, Targets: targets, Tolerance: tolerance}
}

// Next crops frame around the identity and reports whether it was located in this frame.
func (t *Tracker) Next(frame image.Image) (*image.RGBA, image.Point, bool, error) {
	res, err := LocateAndCrop(t.Detector, frame, t.Size, t.Targets, t.Tolerance)
	if err != nil {
		return nil, image.Point{}, false, err
	}
	img, origin := t.Resolve(frame, res)
	return img, origin, res.OK, nil
}

// Resolve turns the LocateAndCrop result for frame into the window to emit. Results must
// be resolved in frame order; detection itself may run ahead on other goroutines.
func (t *Tracker) Resolve(frame image.Image, res CropResult) (*image.RGBA, image.Point) {
	if res.OK {
		t.last, t.hasLast = res.Origin, true
		t.hits++
		return res.Image, res.Origin
	}

	t.misses++
	origin := t.last
	if !t.hasLast {
		b := frame.Bounds()
		center := types.Location{
			Top: b.Min.Y + b.Dy()/2, Bottom: b.Min.Y + b.Dy()/2,
			Left: b.Min.X + b.Dx()/2, Right: b.Min.X + b.Dx()/2,
		}
		origin = Place(center, b, t.Size)
	}
	log.WithField("origin", origin).Debug("targeting: identity not found, reusing window")
	return Crop(frame, t.Size, origin), origin
}

// Stats returns how many frames located the identity and how many fell back.
func (t *Tracker) Stats() (hits, misses int) {
	return t.hits, t.misses
}
