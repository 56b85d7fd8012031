package remote

import (
	"fmt"
	"orcjit/jitsym"
	"orcjit/memory"
	"sort"
	"sync"
)

// RemoteAllocator is a memory.Allocator whose blocks live in the executor.
// Each instance owns one allocator of the executor's registry.
type RemoteAllocator struct {
	t  Transport
	id memory.AllocatorID
}

// NewRemoteAllocator asks the executor for a fresh allocator
func NewRemoteAllocator(t Transport) (*RemoteAllocator, error) {
	resp, err := t.Call(FnCreateAllocator, nil)
	if err != nil {
		return nil, err
	}

	d := newDecoder(resp)
	id := d.u64()
	if err := d.err(); err != nil {
		return nil, err
	}

	return &RemoteAllocator{t: t, id: memory.AllocatorID(id)}, nil
}

// ID returns the id of the executor-side allocator
func (ra *RemoteAllocator) ID() memory.AllocatorID {
	return ra.id
}

func (ra *RemoteAllocator) Allocate(size, align uint64) (jitsym.TargetAddress, error) {
	e := &encoder{}
	resp, err := ra.t.Call(FnAllocate, e.u64(uint64(ra.id)).u64(size).u64(align).payload())
	if err != nil {
		return 0, err
	}

	d := newDecoder(resp)
	addr := d.u64()
	return jitsym.TargetAddress(addr), d.err()
}

func (ra *RemoteAllocator) SetProtections(addr jitsym.TargetAddress, prot memory.Protection) error {
	e := &encoder{}
	_, err := ra.t.Call(FnSetProtections, e.u64(uint64(ra.id)).u64(uint64(addr)).u8(uint8(prot)).payload())
	return err
}

func (ra *RemoteAllocator) Write(addr jitsym.TargetAddress, data []byte) error {
	e := &encoder{}
	_, err := ra.t.Call(FnWriteMem, e.u64(uint64(ra.id)).u64(uint64(addr)).bytes(data).payload())
	return err
}

func (ra *RemoteAllocator) Read(addr jitsym.TargetAddress, size uint64) ([]byte, error) {
	e := &encoder{}
	resp, err := ra.t.Call(FnReadMem, e.u64(uint64(ra.id)).u64(uint64(addr)).u64(size).payload())
	if err != nil {
		return nil, err
	}

	d := newDecoder(resp)
	data := d.bytes()
	return data, d.err()
}

// Release destroys the executor-side allocator and every block in it
func (ra *RemoteAllocator) Release() error {
	e := &encoder{}
	_, err := ra.t.Call(FnDestroyAllocator, e.u64(uint64(ra.id)).payload())
	return err
}

// RegisterEHFrames tells the executor about the unwind tables at addr
func (ra *RemoteAllocator) RegisterEHFrames(addr jitsym.TargetAddress, size uint64) error {
	e := &encoder{}
	_, err := ra.t.Call(FnRegisterEHFrames, e.u64(uint64(addr)).u64(size).payload())
	return err
}

// DeregisterEHFrames undoes RegisterEHFrames
func (ra *RemoteAllocator) DeregisterEHFrames(addr jitsym.TargetAddress, size uint64) error {
	e := &encoder{}
	_, err := ra.t.Call(FnDeregisterEHFrames, e.u64(uint64(addr)).u64(size).payload())
	return err
}

// -----------------------------------------------------------------------------

// EHFrameRegistry records the unwind tables registered with an executor
type EHFrameRegistry struct {
	m      sync.Mutex
	frames map[jitsym.TargetAddress]uint64
}

// NewEHFrameRegistry creates an empty registry
func NewEHFrameRegistry() *EHFrameRegistry {
	return &EHFrameRegistry{frames: make(map[jitsym.TargetAddress]uint64)}
}

// Register records the frames at addr
func (r *EHFrameRegistry) Register(addr jitsym.TargetAddress, size uint64) error {
	r.m.Lock()
	defer r.m.Unlock()

	if _, ok := r.frames[addr]; ok {
		return fmt.Errorf("EH frames at %s are already registered", addr)
	}

	r.frames[addr] = size
	return nil
}

// Deregister forgets the frames at addr
func (r *EHFrameRegistry) Deregister(addr jitsym.TargetAddress, size uint64) error {
	r.m.Lock()
	defer r.m.Unlock()

	if registered, ok := r.frames[addr]; !ok || registered != size {
		return fmt.Errorf("no EH frames of %d bytes registered at %s", size, addr)
	}

	delete(r.frames, addr)
	return nil
}

// Registered returns the addresses of the registered frames in order
func (r *EHFrameRegistry) Registered() []jitsym.TargetAddress {
	r.m.Lock()
	defer r.m.Unlock()

	addrs := make([]jitsym.TargetAddress, 0, len(r.frames))
	for addr := range r.frames {
		addrs = append(addrs, addr)
	}

	sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })
	return addrs
}

// ServeMemory registers the executor-side memory procedures on s
func ServeMemory(s *Server, reg *memory.Registry, eh *EHFrameRegistry) {
	withAllocator := func(d *decoder) (memory.Allocator, error) {
		id := d.u64()
		if err := d.err(); err != nil {
			return nil, err
		}

		return reg.Get(memory.AllocatorID(id))
	}

	s.Handle(FnCreateAllocator, func([]byte) ([]byte, error) {
		e := &encoder{}
		return e.u64(uint64(reg.Create())).payload(), nil
	})

	s.Handle(FnDestroyAllocator, func(payload []byte) ([]byte, error) {
		d := newDecoder(payload)
		id := d.u64()
		if err := d.err(); err != nil {
			return nil, err
		}

		return nil, reg.Destroy(memory.AllocatorID(id))
	})

	s.Handle(FnAllocate, func(payload []byte) ([]byte, error) {
		d := newDecoder(payload)
		a, err := withAllocator(d)
		if err != nil {
			return nil, err
		}

		size, align := d.u64(), d.u64()
		if err := d.err(); err != nil {
			return nil, err
		}

		addr, err := a.Allocate(size, align)
		if err != nil {
			return nil, err
		}

		e := &encoder{}
		return e.u64(uint64(addr)).payload(), nil
	})

	s.Handle(FnSetProtections, func(payload []byte) ([]byte, error) {
		d := newDecoder(payload)
		a, err := withAllocator(d)
		if err != nil {
			return nil, err
		}

		addr, prot := d.u64(), d.u8()
		if err := d.err(); err != nil {
			return nil, err
		}

		return nil, a.SetProtections(jitsym.TargetAddress(addr), memory.Protection(prot))
	})

	s.Handle(FnWriteMem, func(payload []byte) ([]byte, error) {
		d := newDecoder(payload)
		a, err := withAllocator(d)
		if err != nil {
			return nil, err
		}

		addr, data := d.u64(), d.bytes()
		if err := d.err(); err != nil {
			return nil, err
		}

		return nil, a.Write(jitsym.TargetAddress(addr), data)
	})

	s.Handle(FnReadMem, func(payload []byte) ([]byte, error) {
		d := newDecoder(payload)
		a, err := withAllocator(d)
		if err != nil {
			return nil, err
		}

		addr, size := d.u64(), d.u64()
		if err := d.err(); err != nil {
			return nil, err
		}

		// the reply carries the data behind an 8 byte length
		if size > maxPayloadSize-8 {
			return nil, fmt.Errorf("read of %d bytes does not fit in a reply", size)
		}

		data, err := a.Read(jitsym.TargetAddress(addr), size)
		if err != nil {
			return nil, err
		}

		e := &encoder{}
		return e.bytes(data).payload(), nil
	})

	s.Handle(FnRegisterEHFrames, func(payload []byte) ([]byte, error) {
		d := newDecoder(payload)
		addr, size := d.u64(), d.u64()
		if err := d.err(); err != nil {
			return nil, err
		}

		return nil, eh.Register(jitsym.TargetAddress(addr), size)
	})

	s.Handle(FnDeregisterEHFrames, func(payload []byte) ([]byte, error) {
		d := newDecoder(payload)
		addr, size := d.u64(), d.u64()
		if err := d.err(); err != nil {
			return nil, err
		}

		return nil, eh.Deregister(jitsym.TargetAddress(addr), size)
	})
}
