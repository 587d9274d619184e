package cmd

import (
	"image"
	"image/color"
	"os"
	"testing"
	"time"

	"github.com/andresmejia3/persona/internal/config"
	"github.com/andresmejia3/persona/internal/detector"
	"github.com/andresmejia3/persona/internal/enroll"
	"github.com/andresmejia3/persona/internal/types"
	"github.com/andresmejia3/persona/internal/vector"
)

// withConfig installs a configuration for the duration of the test.
func withConfig(t *testing.T, dir string) {
	t.Helper()
	old := Cfg
	Cfg = &config.Config{
		Profiles: config.ProfilesConfig{Dir: dir, Tolerance: 0.6, MatchTolerance: 0.6},
		Detector: config.DetectorConfig{Backend: detector.BackendPython, Workers: 3},
	}
	t.Cleanup(func() { Cfg = old })
}

func TestFmtTime(t *testing.T) {
	tests := []struct {
		seconds float64
		want    string
	}{
		{0, "00:00:00"},
		{65, "00:01:05"},
		{3661, "01:01:01"},
	}

	for _, tt := range tests {
		if got := fmtTime(tt.seconds); got != tt.want {
			t.Errorf("fmtTime(%v) = %v, want %v", tt.seconds, got, tt.want)
		}
	}
}

func TestValidateScanFlags(t *testing.T) {
	withConfig(t, t.TempDir())

	// Create a temp file for valid input
	tmpFile, err := os.CreateTemp("", "video.mp4")
	if err != nil {
		t.Fatal(err)
	}
	defer os.Remove(tmpFile.Name())
	tmpFile.Close()

	tests := []struct {
		name    string
		opts    Options
		wantErr bool
	}{
		{
			name:    "Valid options",
			opts:    Options{InputPath: tmpFile.Name(), OutputPath: "out", Every: time.Second, MatchThreshold: 0.5},
			wantErr: false,
		},
		{
			name:    "Input file does not exist",
			opts:    Options{InputPath: "nonexistent.mp4", OutputPath: "out", MatchThreshold: 0.5},
			wantErr: true,
		},
		{
			name:    "Input is directory",
			opts:    Options{InputPath: t.TempDir(), OutputPath: "out", MatchThreshold: 0.5},
			wantErr: true,
		},
		{
			name:    "Negative interval",
			opts:    Options{InputPath: tmpFile.Name(), OutputPath: "out", Every: -time.Second, MatchThreshold: 0.5},
			wantErr: true,
		},
		{
			name:    "Invalid MatchThreshold",
			opts:    Options{InputPath: tmpFile.Name(), OutputPath: "out", MatchThreshold: 1.5},
			wantErr: true,
		},
		{
			name:    "Empty output",
			opts:    Options{InputPath: tmpFile.Name(), MatchThreshold: 0.5},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := validateScanFlags(&tt.opts); (err != nil) != tt.wantErr {
				t.Errorf("validateScanFlags() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateScanFlags_FillsFromConfig(t *testing.T) {
	withConfig(t, t.TempDir())
	tmpFile, err := os.CreateTemp(t.TempDir(), "video.mp4")
	if err != nil {
		t.Fatal(err)
	}
	tmpFile.Close()

	opts := Options{InputPath: tmpFile.Name(), OutputPath: "out", MatchThreshold: 0.6}
	if err := validateScanFlags(&opts); err != nil {
		t.Fatal(err)
	}
	if opts.NumEngines != 3 || opts.Tolerance != 0.6 {
		t.Errorf("Expected engines and tolerance from config, got %d and %v", opts.NumEngines, opts.Tolerance)
	}
}

func jpegFrame(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 40, 40))
	for y := 0; y < 40; y++ {
		for x := 0; x < 40; x++ {
			img.SetRGBA(x, y, color.RGBA{R: 90, G: 90, B: 90, A: 255})
		}
	}
	data, err := detector.EncodeJPEG(img)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func TestCollectResults_RestoresFrameOrder(t *testing.T) {
	box := types.Location{Top: 5, Right: 25, Bottom: 25, Left: 5}
	face := func(v float64) []types.Face {
		return []types.Face{{Loc: box, Vec: vector.Encoding{v, v}}}
	}

	results := make(chan scanResult, 4)
	// Workers finished out of order; the empty frame must not stall the sequence.
	results <- scanResult{Index: 4, Data: jpegFrame(t), Faces: face(4)}
	results <- scanResult{Index: 2, Data: jpegFrame(t)}
	results <- scanResult{Index: 0, Data: jpegFrame(t), Faces: face(0)}
	results <- scanResult{Index: 6, Data: jpegFrame(t), Faces: face(0.1)}
	close(results)

	c := enroll.NewCollector(0.6, 0)
	if err := collectResults(results, 2, c); err != nil {
		t.Fatalf("collectResults failed: %v", err)
	}

	cands := c.Candidates()
	if len(cands) != 2 {
		t.Fatalf("Expected 2 distinct faces, got %d", len(cands))
	}
	if cands[0].Frame != 0 || cands[1].Frame != 4 {
		t.Errorf("Faces were not observed in frame order: %d, %d", cands[0].Frame, cands[1].Frame)
	}
	if c.Seen() != 3 {
		t.Errorf("Expected 3 observed faces, got %d", c.Seen())
	}
}

func TestCollectResults_BadFrame(t *testing.T) {
	results := make(chan scanResult, 2)
	results <- scanResult{Index: 0, Data: []byte("not a jpeg"), Faces: []types.Face{{Vec: vector.Encoding{1}}}}
	results <- scanResult{Index: 1, Data: jpegFrame(t)}
	close(results)

	if err := collectResults(results, 1, enroll.NewCollector(0.6, 0)); err == nil {
		t.Error("Expected an error for an undecodable frame")
	}
}
