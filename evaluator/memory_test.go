package evaluator

import (
	"bytes"
	"context"
	"errors"
	"testing"
)

// fakeMemory is a flat in-process stand-in for guest linear memory.
type fakeMemory struct {
	data []byte
}

func newFakeMemory(size int) *fakeMemory {
	return &fakeMemory{data: make([]byte, size)}
}

func (m *fakeMemory) Read(offset, byteCount uint32) ([]byte, bool) {
	end := uint64(offset) + uint64(byteCount)
	if end > uint64(len(m.data)) {
		return nil, false
	}
	return m.data[offset:end], true
}

func (m *fakeMemory) Write(offset uint32, v []byte) bool {
	end := uint64(offset) + uint64(len(v))
	if end > uint64(len(m.data)) {
		return false
	}
	copy(m.data[offset:], v)
	return true
}

// fakeFunc records calls and delegates to a handler.
type fakeFunc struct {
	calls   int
	lastIn  []uint64
	handler func(params []uint64) ([]uint64, error)
}

func (f *fakeFunc) Call(_ context.Context, params ...uint64) ([]uint64, error) {
	f.calls++
	f.lastIn = params
	if f.handler != nil {
		return f.handler(params)
	}
	return []uint64{0}, nil
}

// fakeAllocator hands out bump-allocated regions and tracks outstanding
// allocations so tests can assert buffer discipline.
type fakeAllocator struct {
	next        uint32
	outstanding int
}

func newFakeAllocator() *fakeAllocator {
	return &fakeAllocator{next: 8}
}

func (a *fakeAllocator) alloc() *fakeFunc {
	return &fakeFunc{handler: func(params []uint64) ([]uint64, error) {
		ptr := a.next
		a.next += uint32(params[0])
		a.outstanding++
		return []uint64{uint64(ptr)}, nil
	}}
}

func (a *fakeAllocator) free() *fakeFunc {
	return &fakeFunc{handler: func(params []uint64) ([]uint64, error) {
		a.outstanding--
		return nil, nil
	}}
}

func TestWriteRequestCopiesPayload(t *testing.T) {
	mem := newFakeMemory(1024)
	alloc := newFakeAllocator()
	bridge := &memoryBridge{mem: mem, alloc: alloc.alloc(), free: alloc.free()}

	payload := []byte(`{"expression":"1 + 1"}`)
	handle, err := bridge.writeRequest(context.Background(), payload)
	if err != nil {
		t.Fatalf("writeRequest failed: %v", err)
	}
	if handle.length != uint32(len(payload)) {
		t.Errorf("handle length = %d, want %d", handle.length, len(payload))
	}

	got, ok := mem.Read(handle.ptr, handle.length)
	if !ok {
		t.Fatalf("region 0x%x+%d not readable", handle.ptr, handle.length)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("guest memory holds %q, want %q", got, payload)
	}
}

func TestWriteRequestAllocExhausted(t *testing.T) {
	mem := newFakeMemory(1024)
	alloc := &fakeFunc{handler: func([]uint64) ([]uint64, error) {
		return []uint64{0}, nil // null pointer sentinel
	}}
	free := &fakeFunc{}
	bridge := &memoryBridge{mem: mem, alloc: alloc, free: free}

	_, err := bridge.writeRequest(context.Background(), []byte("x"))
	if !errors.Is(err, ErrAllocationFailed) {
		t.Fatalf("expected ErrAllocationFailed, got %v", err)
	}
	if free.calls != 0 {
		t.Errorf("free called %d times for a failed alloc", free.calls)
	}
}

func TestWriteRequestOutOfRangeReleasesBuffer(t *testing.T) {
	mem := newFakeMemory(4) // too small for the payload
	alloc := &fakeFunc{handler: func([]uint64) ([]uint64, error) {
		return []uint64{16}, nil
	}}
	free := &fakeFunc{}
	bridge := &memoryBridge{mem: mem, alloc: alloc, free: free}

	_, err := bridge.writeRequest(context.Background(), []byte("too large"))
	if err == nil {
		t.Fatal("expected out-of-range error")
	}
	if free.calls != 1 {
		t.Errorf("free called %d times, want 1 (region must not leak)", free.calls)
	}
}

func TestReleaseRequestPassesHandle(t *testing.T) {
	free := &fakeFunc{}
	bridge := &memoryBridge{mem: newFakeMemory(64), alloc: &fakeFunc{}, free: free}

	err := bridge.releaseRequest(context.Background(), bufferHandle{ptr: 32, length: 7})
	if err != nil {
		t.Fatalf("releaseRequest failed: %v", err)
	}
	if free.calls != 1 {
		t.Fatalf("free called %d times, want 1", free.calls)
	}
	if free.lastIn[0] != 32 || free.lastIn[1] != 7 {
		t.Errorf("free(%d, %d), want free(32, 7)", free.lastIn[0], free.lastIn[1])
	}
}

func TestReadOutputCopiesOut(t *testing.T) {
	mem := newFakeMemory(64)
	mem.Write(10, []byte(`{"data":true,"error":null}`))
	bridge := &memoryBridge{mem: mem}

	text, err := bridge.readOutput(10, 26)
	if err != nil {
		t.Fatalf("readOutput failed: %v", err)
	}

	// Mutating guest memory afterwards must not affect the copy.
	mem.Write(10, []byte(`XXXXXX`))
	if text != `{"data":true,"error":null}` {
		t.Errorf("readOutput = %q, want host-owned copy", text)
	}
}

func TestReadOutputOutOfRange(t *testing.T) {
	bridge := &memoryBridge{mem: newFakeMemory(8)}
	if _, err := bridge.readOutput(4, 100); err == nil {
		t.Fatal("expected out-of-range error")
	}
}
