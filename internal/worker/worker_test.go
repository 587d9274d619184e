package worker

import (
	"bytes"
	"encoding/binary"
	"math"
	"strings"
	"testing"
)

// MockCloser wraps a bytes.Buffer to satisfy io.ReadCloser and io.WriteCloser,
// so in-memory buffers can stand in for the OS pipes.
type MockCloser struct {
	*bytes.Buffer
}

func (m *MockCloser) Close() error { return nil }

func newMockWorker(response []byte) (*PythonWorker, *MockCloser) {
	stdin := &MockCloser{Buffer: new(bytes.Buffer)}
	data := &MockCloser{Buffer: new(bytes.Buffer)}

	binary.Write(data, binary.BigEndian, uint32(len(response)))
	data.Write(response)

	// Cmd is nil: only the protocol is under test.
	return &PythonWorker{ID: 1, Stdin: stdin, DataPipe: data}, stdin
}

func okPayload(boxes [][4]int32, vecs [][]float64) []byte {
	payload := new(bytes.Buffer)
	payload.WriteByte(statusOK)
	binary.Write(payload, binary.BigEndian, uint32(len(boxes)))
	for i, box := range boxes {
		binary.Write(payload, binary.BigEndian, box)
		binary.Write(payload, binary.BigEndian, uint32(len(vecs[i])))
		binary.Write(payload, binary.BigEndian, vecs[i])
	}
	return payload.Bytes()
}

func TestProcessFrame(t *testing.T) {
	vec := make([]float64, 128)
	vec[0] = 0.5
	vec[127] = -0.25

	w, stdin := newMockWorker(okPayload(
		[][4]int32{{10, 40, 50, 5}, {0, 1, 2, 3}},
		[][]float64{vec, {1, 2}},
	))

	inputFrame := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	faces, err := w.ProcessFrame(inputFrame)
	if err != nil {
		t.Fatalf("ProcessFrame failed: %v", err)
	}

	// [Length:4][Data]
	sent := stdin.Bytes()
	if len(sent) != 4+len(inputFrame) {
		t.Errorf("Expected %d bytes sent, got %d", 4+len(inputFrame), len(sent))
	}
	if binary.BigEndian.Uint32(sent[:4]) != uint32(len(inputFrame)) {
		t.Errorf("Wrong length header %X", sent[:4])
	}

	if len(faces) != 2 {
		t.Fatalf("Expected 2 faces, got %d", len(faces))
	}
	loc := faces[0].Loc
	if loc.Top != 10 || loc.Right != 40 || loc.Bottom != 50 || loc.Left != 5 {
		t.Errorf("Box decoded in the wrong order: %+v", loc)
	}
	if len(faces[0].Vec) != 128 {
		t.Fatalf("Expected 128-d descriptor, got %d", len(faces[0].Vec))
	}
	if math.Abs(faces[0].Vec[0]-0.5) > 1e-9 || math.Abs(faces[0].Vec[127]+0.25) > 1e-9 {
		t.Errorf("Descriptor values not preserved: %v %v", faces[0].Vec[0], faces[0].Vec[127])
	}
	if len(faces[1].Vec) != 2 || faces[1].Vec[1] != 2 {
		t.Errorf("Second face decoded incorrectly: %+v", faces[1])
	}
}

func TestProcessFrame_NoFaces(t *testing.T) {
	w, _ := newMockWorker(okPayload(nil, nil))
	faces, err := w.ProcessFrame([]byte("frame"))
	if err != nil {
		t.Fatalf("ProcessFrame failed: %v", err)
	}
	if len(faces) != 0 {
		t.Errorf("Expected no faces, got %d", len(faces))
	}
}

func TestProcessFrame_Error(t *testing.T) {
	payload := new(bytes.Buffer)
	payload.WriteByte(statusError)
	errMsg := "Python Exception: Import Error"
	binary.Write(payload, binary.BigEndian, uint32(len(errMsg)))
	payload.WriteString(errMsg)

	w, _ := newMockWorker(payload.Bytes())
	_, err := w.ProcessFrame([]byte("frame"))

	if err == nil {
		t.Fatal("Expected error, got nil")
	}
	if err.Error() != "python worker error: "+errMsg {
		t.Errorf("Expected error message '%s', got '%v'", "python worker error: "+errMsg, err)
	}
}

func TestDecodeResponse_Malformed(t *testing.T) {
	tooBig := new(bytes.Buffer)
	tooBig.WriteByte(statusOK)
	binary.Write(tooBig, binary.BigEndian, uint32(1))
	binary.Write(tooBig, binary.BigEndian, [4]int32{})
	binary.Write(tooBig, binary.BigEndian, uint32(maxDescriptorDim+1))

	full := okPayload([][4]int32{{1, 2, 3, 4}}, [][]float64{{1, 2, 3}})

	tests := []struct {
		name    string
		body    []byte
		wantErr string
	}{
		{"Empty body", nil, "empty worker response"},
		{"Unknown status", []byte{7}, "unknown worker status"},
		{"Missing count", []byte{statusOK, 0}, "truncated face count"},
		{"Truncated descriptor", full[:len(full)-4], "truncated descriptor for face 0"},
		{"Oversized descriptor", tooBig.Bytes(), "exceeds"},
		{"Truncated error", []byte{statusError, 0, 0, 0, 9, 'a'}, "truncated worker error"},
		{"Huge error length", []byte{statusError, 0xFF, 0xFF, 0xFF, 0xFF}, "truncated worker error"},
		{"Huge face count", []byte{statusOK, 0xFF, 0xFF, 0xFF, 0xFF}, "does not fit"},
		{"Count beyond body", append([]byte{statusOK, 0, 0, 0, 2}, make([]byte, minFaceSize)...), "does not fit"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeResponse(tt.body)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}
