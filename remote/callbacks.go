package remote

import (
	"fmt"
	"orcjit/jitsym"
	"orcjit/logging"
	"sync"
)

// CompileFunction compiles the function behind a trampoline and returns its
// address
type CompileFunction func() (jitsym.TargetAddress, error)

// CompileCallbackManager hands out trampoline addresses for functions that
// have not been compiled yet.  The executor reports a trampoline being hit
// with RequestCompile; the manager runs the matching compile function once
// and answers with the address to jump to.
type CompileCallbackManager struct {
	m         sync.Mutex
	next      jitsym.TargetAddress
	stride    uint64
	callbacks map[jitsym.TargetAddress]CompileFunction
}

// NewCompileCallbackManager creates a manager whose trampolines start at base
// and are stride bytes apart
func NewCompileCallbackManager(base jitsym.TargetAddress, stride uint64) *CompileCallbackManager {
	return &CompileCallbackManager{
		next:      base,
		stride:    stride,
		callbacks: make(map[jitsym.TargetAddress]CompileFunction),
	}
}

// GetCompileCallback reserves a trampoline for compile
func (ccm *CompileCallbackManager) GetCompileCallback(compile CompileFunction) jitsym.TargetAddress {
	ccm.m.Lock()
	defer ccm.m.Unlock()

	addr := ccm.next
	ccm.next += jitsym.TargetAddress(ccm.stride)
	ccm.callbacks[addr] = compile
	return addr
}

// ExecuteCompileCallback runs the compile function of trampoline.  The
// trampoline is retired whether or not compilation succeeds.
func (ccm *CompileCallbackManager) ExecuteCompileCallback(trampoline jitsym.TargetAddress) (jitsym.TargetAddress, error) {
	ccm.m.Lock()
	compile, ok := ccm.callbacks[trampoline]
	delete(ccm.callbacks, trampoline)
	ccm.m.Unlock()

	if !ok {
		return 0, fmt.Errorf("no compile callback at trampoline %s", trampoline)
	}

	addr, err := compile()
	if err != nil {
		return 0, err
	}

	logging.LogDebug("remote", "trampoline %s compiled to %s", trampoline, addr)
	return addr, nil
}

// Pending returns the number of trampolines not yet hit
func (ccm *CompileCallbackManager) Pending() int {
	ccm.m.Lock()
	defer ccm.m.Unlock()

	return len(ccm.callbacks)
}

// ServeCompileCallbacks registers the JIT-side compile procedure on s
func ServeCompileCallbacks(s *Server, ccm *CompileCallbackManager) {
	s.Handle(FnRequestCompile, func(payload []byte) ([]byte, error) {
		d := newDecoder(payload)
		trampoline := d.u64()
		if err := d.err(); err != nil {
			return nil, err
		}

		addr, err := ccm.ExecuteCompileCallback(jitsym.TargetAddress(trampoline))
		if err != nil {
			return nil, err
		}

		e := &encoder{}
		return e.u64(uint64(addr)).payload(), nil
	})
}

// RequestCompile is called by the executor when it reaches a trampoline.  It
// returns the address of the compiled function.
func RequestCompile(t Transport, trampoline jitsym.TargetAddress) (jitsym.TargetAddress, error) {
	e := &encoder{}
	resp, err := t.Call(FnRequestCompile, e.u64(uint64(trampoline)).payload())
	if err != nil {
		return 0, err
	}

	d := newDecoder(resp)
	addr := d.u64()
	return jitsym.TargetAddress(addr), d.err()
}
