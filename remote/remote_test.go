package remote

import (
	"errors"
	"net"
	"orcjit/jitsym"
	"orcjit/memory"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// connect serves s on one end of a pipe and returns a transport over the
// other end along with a channel delivering Serve's result
func connect(t *testing.T, s *Server) (*PipeTransport, <-chan error) {
	t.Helper()

	client, server := net.Pipe()
	done := make(chan error, 1)
	go func() {
		done <- s.Serve(server)
		server.Close()
	}()

	return NewPipeTransport(client), done
}

func newExecutor() (*Server, *memory.Registry, *EHFrameRegistry) {
	reg := memory.NewRegistry(func() memory.Allocator {
		return memory.NewSimulatedAllocator(0x40000)
	})
	eh := NewEHFrameRegistry()

	s := NewServer()
	ServeMemory(s, reg, eh)
	return s, reg, eh
}

func TestFunctionIDString(t *testing.T) {
	assert.Equal(t, "RequestCompile", FnRequestCompile.String())
	assert.Equal(t, "Function(99)", FunctionID(99).String())
}

func TestDecoderDetectsTruncation(t *testing.T) {
	e := &encoder{}
	payload := e.u64(7).bytes([]byte("abcdef")).payload()

	d := newDecoder(payload[:12])
	assert.Equal(t, uint64(7), d.u64())
	assert.Nil(t, d.bytes())
	assert.Error(t, d.err())

	d = newDecoder(payload)
	d.u64()
	assert.Equal(t, []byte("abcdef"), d.bytes())
	assert.NoError(t, d.err())
}

func TestRemoteAllocator(t *testing.T) {
	s, reg, _ := newExecutor()
	tp, done := connect(t, s)

	ra, err := NewRemoteAllocator(tp)
	require.NoError(t, err)
	assert.Equal(t, 1, reg.Len())

	addr, err := ra.Allocate(32, 16)
	require.NoError(t, err)
	assert.Equal(t, jitsym.TargetAddress(0x40000), addr)

	require.NoError(t, ra.Write(addr+4, []byte{1, 2, 3}))
	require.NoError(t, ra.SetProtections(addr, memory.ProtRead|memory.ProtExec))

	data, err := ra.Read(addr, 8)
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0, 0, 0, 1, 2, 3, 0}, data)

	// the executor enforces the protections it was given
	err = ra.Write(addr, []byte{9})
	var re *RemoteError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, FnWriteMem, re.Fn)

	require.NoError(t, ra.Release())
	assert.Equal(t, 0, reg.Len())

	_, err = ra.Allocate(8, 8)
	assert.ErrorAs(t, err, &re)

	require.NoError(t, tp.Close())
	require.NoError(t, <-done)

	_, err = tp.Call(FnAllocate, nil)
	assert.ErrorIs(t, err, ErrTerminated)
}

func TestEHFrameRegistration(t *testing.T) {
	s, _, eh := newExecutor()
	tp, done := connect(t, s)
	defer func() {
		require.NoError(t, tp.Close())
		require.NoError(t, <-done)
	}()

	ra, err := NewRemoteAllocator(tp)
	require.NoError(t, err)

	require.NoError(t, ra.RegisterEHFrames(0x5000, 64))
	require.NoError(t, ra.RegisterEHFrames(0x3000, 32))
	assert.Equal(t, []jitsym.TargetAddress{0x3000, 0x5000}, eh.Registered())

	assert.Error(t, ra.RegisterEHFrames(0x5000, 64))
	assert.Error(t, ra.DeregisterEHFrames(0x5000, 8))

	require.NoError(t, ra.DeregisterEHFrames(0x5000, 64))
	assert.Equal(t, []jitsym.TargetAddress{0x3000}, eh.Registered())
}

func TestExecutorSurvivesHugeRequests(t *testing.T) {
	s, _, _ := newExecutor()
	tp, done := connect(t, s)

	ra, err := NewRemoteAllocator(tp)
	require.NoError(t, err)

	addr, err := ra.Allocate(16, 8)
	require.NoError(t, err)

	var re *RemoteError
	_, err = ra.Read(addr+8, ^uint64(0)-7)
	require.ErrorAs(t, err, &re)
	assert.Equal(t, FnReadMem, re.Fn)

	_, err = ra.Read(addr, memory.MaxBlockSize)
	require.ErrorAs(t, err, &re)

	_, err = ra.Allocate(^uint64(0), 8)
	require.ErrorAs(t, err, &re)
	assert.Equal(t, FnAllocate, re.Fn)

	// the executor is still answering
	data, err := ra.Read(addr, 4)
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0, 0, 0}, data)

	require.NoError(t, tp.Close())
	require.NoError(t, <-done)
}

func TestPanickingHandlerAnswersWithError(t *testing.T) {
	s := NewServer()
	s.Handle(FnRequestCompile, func([]byte) ([]byte, error) {
		var table map[string]int
		table["boom"] = 1
		return nil, nil
	})
	tp, done := connect(t, s)

	_, err := tp.Call(FnRequestCompile, nil)
	var re *RemoteError
	require.ErrorAs(t, err, &re)
	assert.Contains(t, re.Message, "RequestCompile panicked")

	_, err = tp.Call(FnRequestCompile, nil)
	assert.ErrorAs(t, err, &re)

	require.NoError(t, tp.Close())
	require.NoError(t, <-done)
}

func TestUnknownFunction(t *testing.T) {
	tp, done := connect(t, NewServer())

	_, err := tp.Call(FnAllocate, nil)
	var re *RemoteError
	require.ErrorAs(t, err, &re)
	assert.Contains(t, re.Message, "no handler for Allocate")

	require.NoError(t, tp.Close())
	require.NoError(t, <-done)
}

func TestCompileCallbacks(t *testing.T) {
	ccm := NewCompileCallbackManager(0x9000, 16)

	calls := 0
	first := ccm.GetCompileCallback(func() (jitsym.TargetAddress, error) {
		calls++
		return 0x1234, nil
	})
	second := ccm.GetCompileCallback(func() (jitsym.TargetAddress, error) {
		return 0, errors.New("bad IR")
	})

	assert.Equal(t, jitsym.TargetAddress(0x9000), first)
	assert.Equal(t, jitsym.TargetAddress(0x9010), second)
	assert.Equal(t, 2, ccm.Pending())

	s := NewServer()
	ServeCompileCallbacks(s, ccm)
	tp, done := connect(t, s)

	addr, err := RequestCompile(tp, first)
	require.NoError(t, err)
	assert.Equal(t, jitsym.TargetAddress(0x1234), addr)
	assert.Equal(t, 1, calls)

	// a trampoline is retired once it has been hit
	_, err = RequestCompile(tp, first)
	assert.Error(t, err)
	assert.Equal(t, 1, calls)

	_, err = RequestCompile(tp, second)
	assert.ErrorContains(t, err, "bad IR")
	assert.Equal(t, 0, ccm.Pending())

	require.NoError(t, tp.Close())
	require.NoError(t, <-done)
}
