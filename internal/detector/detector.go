// Package detector adapts the available face detection backends to targeting.Detector.
package detector

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"io"

	"github.com/andresmejia3/persona/internal/config"
	"github.com/andresmejia3/persona/internal/targeting"
	"github.com/andresmejia3/persona/internal/types"
)

// Backend names
const (
	BackendDlib   = "dlib"
	BackendPython = "python"
)

var (
	// ErrUnknownBackend is returned by Open for an unsupported backend name.
	ErrUnknownBackend = errors.New("unknown detector backend")
	// ErrDlibUnavailable is returned when the binary was built without the dlib tag.
	ErrDlibUnavailable = errors.New("dlib detector not available: rebuild with -tags dlib")
)

// Detector is a targeting.Detector holding resources that must be released.
// JPEG input is accepted directly since decoded video already arrives in that form.
type Detector interface {
	targeting.Detector
	io.Closer
	DetectJPEG(data []byte) ([]types.Face, error)
}

// Open starts the backend selected in cfg. id tells parallel instances apart in logs.
func Open(ctx context.Context, cfg config.DetectorConfig, id int) (Detector, error) {
	switch cfg.Backend {
	case BackendDlib:
		return NewDlib(cfg.ModelsDir)
	case BackendPython, "":
		p, err := NewPython(ctx, id, cfg.Script)
		if err != nil {
			return nil, err
		}
		return p, nil
	default:
		return nil, fmt.Errorf("%w: '%s'", ErrUnknownBackend, cfg.Backend)
	}
}

// Backends lists the backend names compiled into this binary.
func Backends() []string {
	if dlibEnabled {
		return []string{BackendPython, BackendDlib}
	}
	return []string{BackendPython}
}

// EncodeJPEG serialises a frame for backends that only accept encoded images.
func EncodeJPEG(frame image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, frame, &jpeg.Options{Quality: 95}); err != nil {
		return nil, fmt.Errorf("failed to encode frame: %w", err)
	}
	return buf.Bytes(), nil
}
