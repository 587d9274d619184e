package detector

import (
	"context"
	"image"
	"sync"

	"github.com/andresmejia3/persona/internal/types"
	"github.com/andresmejia3/persona/internal/utils"
	"github.com/andresmejia3/persona/internal/worker"
)

// frameProcessor is the part of worker.PythonWorker the detector relies on.
type frameProcessor interface {
	ProcessFrame(jpeg []byte) ([]types.Face, error)
	Close()
}

// Python runs detection in a python worker process. Calls are serialised because the
// worker handles one frame at a time.
type Python struct {
	mu     sync.Mutex
	w      frameProcessor
	logs   *utils.SafeCommand
	closed bool
}

// NewPython starts a worker running script.
func NewPython(ctx context.Context, id int, script string) (*Python, error) {
	w, err := worker.NewPythonWorker(ctx, id, script)
	if err != nil {
		return nil, err
	}
	return &Python{w: w, logs: w.Cmd}, nil
}

// Detect encodes frame as JPEG and sends it to the worker.
func (p *Python) Detect(frame image.Image) ([]types.Face, error) {
	data, err := EncodeJPEG(frame)
	if err != nil {
		return nil, err
	}
	return p.DetectJPEG(data)
}

// DetectJPEG sends an already encoded frame to the worker.
func (p *Python) DetectJPEG(data []byte) ([]types.Face, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.w.ProcessFrame(data)
}

// Logs returns the worker's captured stderr for error reports, or nil.
func (p *Python) Logs() *utils.SafeCommand {
	return p.logs
}

// Close stops the worker. It is safe to call more than once.
func (p *Python) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		p.w.Close()
	}
	return nil
}
