package types

import (
	"image"

	"github.com/andresmejia3/persona/internal/vector"
)

// Location is a face bounding box in the face_recognition order (top, right, bottom, left).
type Location struct {
	Top    int
	Right  int
	Bottom int
	Left   int
}

// LocationFromRect converts an image rectangle into a Location.
func LocationFromRect(r image.Rectangle) Location {
	return Location{Top: r.Min.Y, Right: r.Max.X, Bottom: r.Max.Y, Left: r.Min.X}
}

func (l Location) Width() int  { return l.Right - l.Left }
func (l Location) Height() int { return l.Bottom - l.Top }

// Rect returns the box as an image rectangle.
func (l Location) Rect() image.Rectangle {
	return image.Rect(l.Left, l.Top, l.Right, l.Bottom)
}

// Area is used to pick the most prominent face when several are detected.
func (l Location) Area() int {
	return l.Width() * l.Height()
}

// Face is one detection: where the face is and its descriptor.
type Face struct {
	Loc Location
	Vec vector.Encoding
}

// FrameTask represents a single frame sent to a worker for processing
type FrameTask struct {
	Index int
	Data  []byte
}
