//go:build dlib

package detector

import (
	"fmt"
	"image"
	"sync"

	"github.com/Kagami/go-face"
	"github.com/andresmejia3/persona/internal/types"
	"github.com/andresmejia3/persona/internal/vector"
	log "github.com/sirupsen/logrus"
)

const dlibEnabled = true

// Dlib detects faces and computes 128-d descriptors in process through dlib.
// The models directory must contain shape_predictor_5_face_landmarks.dat,
// dlib_face_recognition_resnet_model_v1.dat and mmod_human_face_detector.dat.
type Dlib struct {
	mu  sync.Mutex
	rec *face.Recognizer
}

// NewDlib loads the dlib models from modelsDir.
func NewDlib(modelsDir string) (Detector, error) {
	log.WithField("dir", modelsDir).Info("detector: loading dlib models")
	rec, err := face.NewRecognizer(modelsDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load models: %w", err)
	}
	return &Dlib{rec: rec}, nil
}

func (d *Dlib) Detect(frame image.Image) ([]types.Face, error) {
	data, err := EncodeJPEG(frame)
	if err != nil {
		return nil, err
	}
	return d.DetectJPEG(data)
}

func (d *Dlib) DetectJPEG(data []byte) ([]types.Face, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	found, err := d.rec.Recognize(data)
	if err != nil {
		return nil, fmt.Errorf("dlib recognition failed: %w", err)
	}

	faces := make([]types.Face, 0, len(found))
	for _, f := range found {
		faces = append(faces, types.Face{
			Loc: types.LocationFromRect(f.Rectangle),
			Vec: vector.FromFloat32(f.Descriptor[:]),
		})
	}
	return faces, nil
}

func (d *Dlib) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.rec != nil {
		d.rec.Close()
		d.rec = nil
	}
	return nil
}
