package remote

import (
	"fmt"
	"io"
	"sync"
)

// Transport is a blocking call/response channel to a remote peer
type Transport interface {
	// Call sends payload to fn and waits for the response payload.  Errors
	// raised by the peer are returned as *RemoteError.
	Call(fn FunctionID, payload []byte) ([]byte, error)

	Close() error
}

// PipeTransport runs calls over a byte stream.  Calls are serialized: each
// waits for its response before the next is sent.
type PipeTransport struct {
	m      sync.Mutex
	rw     io.ReadWriter
	closed bool
}

// NewPipeTransport creates a transport over rw
func NewPipeTransport(rw io.ReadWriter) *PipeTransport {
	return &PipeTransport{rw: rw}
}

func (pt *PipeTransport) Call(fn FunctionID, payload []byte) ([]byte, error) {
	pt.m.Lock()
	defer pt.m.Unlock()

	if pt.closed {
		return nil, ErrTerminated
	}

	if err := writeFrame(pt.rw, frame{fn: fn, payload: payload}); err != nil {
		return nil, fmt.Errorf("sending %s: %w", fn, err)
	}

	resp, err := readFrame(pt.rw)
	if err == io.EOF {
		pt.closed = true
		return nil, ErrTerminated
	} else if err != nil {
		return nil, fmt.Errorf("receiving response to %s: %w", fn, err)
	}

	if resp.fn != fn {
		return nil, fmt.Errorf("response to %s answers %s", fn, resp.fn)
	}

	if resp.status != statusOK {
		return nil, &RemoteError{Fn: fn, Message: string(resp.payload)}
	}

	return resp.payload, nil
}

// Close tells the peer to stop serving and closes the stream if it can be
func (pt *PipeTransport) Close() error {
	if _, err := pt.Call(FnTerminate, nil); err != nil && err != ErrTerminated {
		return err
	}

	pt.m.Lock()
	defer pt.m.Unlock()

	pt.closed = true
	if c, ok := pt.rw.(io.Closer); ok {
		return c.Close()
	}

	return nil
}
