//go:build !dlib

package detector

const dlibEnabled = false

// NewDlib reports that dlib support was not compiled in.
func NewDlib(modelsDir string) (Detector, error) {
	return nil, ErrDlibUnavailable
}
