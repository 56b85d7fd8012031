package remote

import (
	"errors"
	"fmt"
	"io"
	"orcjit/logging"
)

// Handler serves one remote procedure
type Handler func(payload []byte) ([]byte, error)

// Server answers the calls arriving on a byte stream
type Server struct {
	handlers map[FunctionID]Handler
}

// NewServer creates a server with no procedures
func NewServer() *Server {
	return &Server{handlers: make(map[FunctionID]Handler)}
}

// Handle registers h as the handler of fn
func (s *Server) Handle(fn FunctionID, h Handler) {
	s.handlers[fn] = h
}

// Serve answers calls read from rw until the stream ends or the peer sends
// FnTerminate
func (s *Server) Serve(rw io.ReadWriter) error {
	for {
		call, err := readFrame(rw)
		if errors.Is(err, io.EOF) {
			return nil
		} else if err != nil {
			return fmt.Errorf("reading call: %w", err)
		}

		resp := frame{fn: call.fn, status: statusOK}
		if call.fn == FnTerminate {
			return writeFrame(rw, resp)
		}

		h, ok := s.handlers[call.fn]
		if !ok {
			err = fmt.Errorf("no handler for %s", call.fn)
		} else {
			resp.payload, err = callHandler(h, call)
		}

		if err != nil {
			logging.LogDebug("remote", "%s: %s", call.fn, err)
			resp.status = statusError
			resp.payload = []byte(err.Error())
		}

		if err := writeFrame(rw, resp); err != nil {
			return fmt.Errorf("answering %s: %w", call.fn, err)
		}
	}
}

// callHandler runs h, turning a panic into an error answer so that one bad
// call cannot take the executor down
func callHandler(h Handler, call frame) (payload []byte, err error) {
	defer func() {
		if x := recover(); x != nil {
			payload, err = nil, fmt.Errorf("%s panicked: %v", call.fn, x)
		}
	}()

	return h(call.payload)
}
