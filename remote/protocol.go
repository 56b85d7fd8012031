// Package remote connects a JIT to an executor running in another process.
// Both sides exchange framed call/response messages over a byte channel: the
// executor owns the memory code is loaded into and the JIT owns the compile
// callbacks lazily compiled functions jump through.
package remote

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// FunctionID names a remote procedure
type FunctionID uint32

// Enumeration of remote procedures
const (
	FnCreateAllocator FunctionID = iota + 1
	FnDestroyAllocator
	FnAllocate
	FnSetProtections
	FnWriteMem
	FnReadMem
	FnRegisterEHFrames
	FnDeregisterEHFrames
	FnRequestCompile
	FnTerminate
)

var functionNames = map[FunctionID]string{
	FnCreateAllocator:    "CreateAllocator",
	FnDestroyAllocator:   "DestroyAllocator",
	FnAllocate:           "Allocate",
	FnSetProtections:     "SetProtections",
	FnWriteMem:           "WriteMem",
	FnReadMem:            "ReadMem",
	FnRegisterEHFrames:   "RegisterEHFrames",
	FnDeregisterEHFrames: "DeregisterEHFrames",
	FnRequestCompile:     "RequestCompile",
	FnTerminate:          "Terminate",
}

func (fn FunctionID) String() string {
	if name, ok := functionNames[fn]; ok {
		return name
	}

	return fmt.Sprintf("Function(%d)", uint32(fn))
}

// maxPayloadSize bounds the payload of a single frame
const maxPayloadSize = 64 << 20

// Response statuses
const (
	statusOK uint8 = iota
	statusError
)

// RemoteError is an error returned by the other side of a call
type RemoteError struct {
	Fn      FunctionID
	Message string
}

func (re *RemoteError) Error() string {
	return fmt.Sprintf("remote %s failed: %s", re.Fn, re.Message)
}

// ErrTerminated is returned by calls made after the peer has shut down
var ErrTerminated = errors.New("remote peer terminated")

// frame is one message: a call when sent by the caller, its response when
// sent back
type frame struct {
	fn      FunctionID
	status  uint8
	payload []byte
}

func writeFrame(w io.Writer, f frame) error {
	header := struct {
		Fn     uint32
		Status uint8
		Size   uint32
	}{uint32(f.fn), f.status, uint32(len(f.payload))}

	buf := bytes.Buffer{}
	if err := binary.Write(&buf, binary.LittleEndian, header); err != nil {
		return err
	}
	buf.Write(f.payload)

	_, err := w.Write(buf.Bytes())
	return err
}

func readFrame(r io.Reader) (frame, error) {
	var header struct {
		Fn     uint32
		Status uint8
		Size   uint32
	}

	if err := binary.Read(r, binary.LittleEndian, &header); err != nil {
		return frame{}, err
	}

	if header.Size > maxPayloadSize {
		return frame{}, fmt.Errorf("frame payload of %d bytes exceeds the limit", header.Size)
	}

	payload := make([]byte, header.Size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return frame{}, err
	}

	return frame{fn: FunctionID(header.Fn), status: header.Status, payload: payload}, nil
}

// -----------------------------------------------------------------------------

// encoder builds a call payload
type encoder struct {
	buf bytes.Buffer
}

func (e *encoder) u64(v uint64) *encoder {
	binary.Write(&e.buf, binary.LittleEndian, v)
	return e
}

func (e *encoder) u8(v uint8) *encoder {
	e.buf.WriteByte(v)
	return e
}

func (e *encoder) bytes(b []byte) *encoder {
	e.u64(uint64(len(b)))
	e.buf.Write(b)
	return e
}

func (e *encoder) payload() []byte {
	return e.buf.Bytes()
}

// decoder reads a payload built by encoder.  The first failure sticks and is
// returned by err.
type decoder struct {
	r   *bytes.Reader
	fail error
}

func newDecoder(payload []byte) *decoder {
	return &decoder{r: bytes.NewReader(payload)}
}

func (d *decoder) u64() uint64 {
	var v uint64
	if d.fail == nil {
		d.fail = binary.Read(d.r, binary.LittleEndian, &v)
	}

	return v
}

func (d *decoder) u8() uint8 {
	var v uint8
	if d.fail == nil {
		v, d.fail = d.r.ReadByte()
	}

	return v
}

func (d *decoder) bytes() []byte {
	n := d.u64()
	if d.fail != nil {
		return nil
	}

	if n > uint64(d.r.Len()) {
		d.fail = fmt.Errorf("payload truncated: need %d bytes, have %d", n, d.r.Len())
		return nil
	}

	b := make([]byte, n)
	_, d.fail = io.ReadFull(d.r, b)
	return b
}

func (d *decoder) err() error {
	if d.fail == io.EOF || d.fail == io.ErrUnexpectedEOF {
		return errors.New("payload truncated")
	}

	return d.fail
}
