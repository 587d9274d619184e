// Package targeting finds a known identity among the faces of a frame and cuts a
// fixed-size window around it.
package targeting

import (
	"fmt"
	"image"

	"github.com/andresmejia3/persona/internal/types"
	"github.com/andresmejia3/persona/internal/vector"
	"golang.org/x/image/draw"
)

// DefaultMatchTolerance is the distance under which two descriptors are the same person.
const DefaultMatchTolerance = 0.6

// Detector finds faces in a frame. It returns one Face per detection, box and descriptor
// together, in the order the backend reports them.
type Detector interface {
	Detect(frame image.Image) ([]types.Face, error)
}

// CropResult is the outcome of LocateAndCrop. On failure Image is nil and both Origin and
// Size are (-1,-1).
type CropResult struct {
	OK     bool
	Image  *image.RGBA
	Origin image.Point // left, top within the source frame
	Size   image.Point // width, height
}

var notFound = CropResult{
	OK:     false,
	Origin: image.Pt(-1, -1),
	Size:   image.Pt(-1, -1),
}

// Locate returns the first face matching every target encoding at tolerance.
// An empty target set matches the first face.
func Locate(faces []types.Face, targets []vector.Encoding, tolerance float64) (types.Location, bool) {
	for _, f := range faces {
		if vector.MatchesAll(f.Vec, targets, tolerance) {
			return f.Loc, true
		}
	}
	return types.Location{}, false
}

// LocateAndCrop detects the faces of frame, picks the first one matching every target
// encoding and returns a crop of the requested size centered on it. Not finding the
// identity is reported through the result; only a detector failure is an error.
func LocateAndCrop(d Detector, frame image.Image, size image.Point, targets []vector.Encoding, tolerance float64) (CropResult, error) {
	faces, err := d.Detect(frame)
	if err != nil {
		return notFound, fmt.Errorf("face detection failed: %w", err)
	}

	loc, ok := Locate(faces, targets, tolerance)
	if !ok {
		return notFound, nil
	}

	origin := Place(loc, frame.Bounds(), size)
	return CropResult{
		OK:     true,
		Image:  Crop(frame, size, origin),
		Origin: origin,
		Size:   size,
	}, nil
}

// Place centers a window of size on face and shifts it back inside bounds, each axis on
// its own: past the leading edge it hugs that edge, otherwise past the trailing edge it
// hugs that one. A window larger than the frame keeps the leading-edge rule first.
func Place(face types.Location, bounds image.Rectangle, size image.Point) image.Point {
	left := int(float64(face.Left) + float64(face.Width()-size.X)/2)
	top := int(float64(face.Top) + float64(face.Height()-size.Y)/2)

	return image.Pt(
		clampAxis(left, size.X, bounds.Min.X, bounds.Max.X),
		clampAxis(top, size.Y, bounds.Min.Y, bounds.Max.Y),
	)
}

func clampAxis(pos, extent, min, max int) int {
	if pos < min {
		return min
	}
	if pos+extent > max {
		return max - extent
	}
	return pos
}

// Crop copies the size window at origin out of frame. The window is not adjusted: any
// part of it outside the frame comes out transparent black.
func Crop(frame image.Image, size image.Point, origin image.Point) *image.RGBA {
	dst := image.NewRGBA(image.Rectangle{Max: size})
	sr := image.Rectangle{Min: origin, Max: origin.Add(size)}
	draw.Copy(dst, image.Point{}, frame, sr, draw.Src, nil)
	return dst
}
