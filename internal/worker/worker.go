package worker

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/andresmejia3/persona/internal/types"
	"github.com/andresmejia3/persona/internal/utils"
	"github.com/andresmejia3/persona/internal/vector"
	log "github.com/sirupsen/logrus"
)

// DefaultScript is the detection worker started when no script is configured.
const DefaultScript = "python/worker.py"

// maxDescriptorDim bounds the descriptor size accepted from a worker.
const maxDescriptorDim = 4096

// minFaceSize is the encoded size of a face with an empty descriptor: box plus dim.
const minFaceSize = 4*4 + 4

// Response status bytes
const (
	statusOK    byte = 0
	statusError byte = 1
)

// PythonWorker drives one detection process. Frames go in on stdin as [Length][JPEG];
// results come back on a dedicated pipe (FD 3) so the worker's own prints cannot corrupt them.
type PythonWorker struct {
	ID       int
	Cmd      *utils.SafeCommand
	Stdin    io.WriteCloser
	DataPipe io.ReadCloser
}

// NewPythonWorker starts script under python3 and wires the frame pipes.
func NewPythonWorker(ctx context.Context, id int, script string) (*PythonWorker, error) {
	if script == "" {
		script = DefaultScript
	}
	py := utils.NewSafeCommand(ctx, "python3", "-u", script)

	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create pipe: %w", err)
	}
	// The write end appears as FD 3 in the child.
	py.Cmd.ExtraFiles = []*os.File{w}

	stdin, err := py.StdinPipe()
	if err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	if err := py.Start(); err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("worker %d failed to start: %w", id, err)
	}

	// Only the child may hold the write end, otherwise EOF is never seen.
	w.Close()

	log.WithFields(log.Fields{"worker": id, "script": script}).Debug("worker: started")
	return &PythonWorker{
		ID:       id,
		Cmd:      py,
		Stdin:    stdin,
		DataPipe: r,
	}, nil
}

// Communicate sends one framed request and returns the framed response body.
func (w *PythonWorker) Communicate(data []byte) ([]byte, error) {
	if err := binary.Write(w.Stdin, binary.BigEndian, uint32(len(data))); err != nil {
		return nil, err
	}
	if _, err := w.Stdin.Write(data); err != nil {
		return nil, err
	}

	header := make([]byte, 4)
	if _, err := io.ReadFull(w.DataPipe, header); err != nil {
		// A worker that died on import lands here.
		return nil, err
	}

	respLen := binary.BigEndian.Uint32(header)
	respBody := make([]byte, respLen)
	_, err := io.ReadFull(w.DataPipe, respBody)
	return respBody, err
}

// ProcessFrame sends a JPEG frame and decodes the detected faces.
func (w *PythonWorker) ProcessFrame(jpeg []byte) ([]types.Face, error) {
	resp, err := w.Communicate(jpeg)
	if err != nil {
		return nil, err
	}
	return DecodeResponse(resp)
}

// DecodeResponse parses a worker response body:
//
//	OK:    [Status:0] [NumFaces:u32] then per face [Box: 4×i32 top,right,bottom,left] [Dim:u32] [Vec: Dim×f64]
//	Error: [Status:1] [MsgLen:u32] [Msg]
func DecodeResponse(body []byte) ([]types.Face, error) {
	r := bytes.NewReader(body)

	status, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("empty worker response: %w", err)
	}

	switch status {
	case statusOK:
	case statusError:
		var msgLen uint32
		if err := binary.Read(r, binary.BigEndian, &msgLen); err != nil {
			return nil, fmt.Errorf("truncated worker error: %w", err)
		}
		if int64(msgLen) > int64(r.Len()) {
			return nil, fmt.Errorf("truncated worker error: message of %d bytes, %d left", msgLen, r.Len())
		}
		msg := make([]byte, msgLen)
		if _, err := io.ReadFull(r, msg); err != nil {
			return nil, fmt.Errorf("truncated worker error: %w", err)
		}
		return nil, errors.New("python worker error: " + string(msg))
	default:
		return nil, fmt.Errorf("unknown worker status byte %d", status)
	}

	var numFaces uint32
	if err := binary.Read(r, binary.BigEndian, &numFaces); err != nil {
		return nil, fmt.Errorf("truncated face count: %w", err)
	}
	// Every count must be backed by bytes in the body before anything is allocated for it.
	if int64(numFaces)*minFaceSize > int64(r.Len()) {
		return nil, fmt.Errorf("face count %d does not fit in %d remaining bytes", numFaces, r.Len())
	}

	faces := make([]types.Face, 0, numFaces)
	for i := uint32(0); i < numFaces; i++ {
		var box [4]int32
		if err := binary.Read(r, binary.BigEndian, &box); err != nil {
			return nil, fmt.Errorf("truncated box for face %d: %w", i, err)
		}

		var dim uint32
		if err := binary.Read(r, binary.BigEndian, &dim); err != nil {
			return nil, fmt.Errorf("truncated descriptor size for face %d: %w", i, err)
		}
		if dim > maxDescriptorDim {
			return nil, fmt.Errorf("descriptor size %d for face %d exceeds %d", dim, i, maxDescriptorDim)
		}

		if int64(dim)*8 > int64(r.Len()) {
			return nil, fmt.Errorf("truncated descriptor for face %d: %d values, %d bytes left", i, dim, r.Len())
		}
		vec := make([]float64, dim)
		if err := binary.Read(r, binary.BigEndian, vec); err != nil {
			return nil, fmt.Errorf("truncated descriptor for face %d: %w", i, err)
		}

		faces = append(faces, types.Face{
			Loc: types.Location{
				Top:    int(box[0]),
				Right:  int(box[1]),
				Bottom: int(box[2]),
				Left:   int(box[3]),
			},
			Vec: vector.Encoding(vec),
		})
	}
	return faces, nil
}

// Close shuts the worker down and waits for it to exit.
func (w *PythonWorker) Close() {
	w.Stdin.Close()
	w.DataPipe.Close()
	if w.Cmd != nil {
		if err := w.Cmd.Wait(); err != nil {
			log.WithFields(log.Fields{"worker": w.ID}).WithError(err).Debug("worker: exited with error")
		}
	}
}
