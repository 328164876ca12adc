package evaluator

import (
	"context"
	"fmt"
)

// guestFunc is the subset of wazero's api.Function the bridge calls.
type guestFunc interface {
	Call(ctx context.Context, params ...uint64) ([]uint64, error)
}

// guestMemory is the subset of wazero's api.Memory the bridge touches.
// Every access copies immediately; no view is ever held across a guest
// call, since the guest allocator may grow (and remap) linear memory.
type guestMemory interface {
	Read(offset, byteCount uint32) ([]byte, bool)
	Write(offset uint32, v []byte) bool
}

// bufferHandle identifies a region of guest linear memory obtained from
// the guest allocator. The holder owns it until releaseRequest; after
// that the handle is dead and must not be reused.
type bufferHandle struct {
	ptr    uint32
	length uint32
}

// memoryBridge owns all allocator traffic for one guest instance. All
// alloc/free calls for a session go through the same bridge.
type memoryBridge struct {
	mem   guestMemory
	alloc guestFunc
	free  guestFunc
}

// writeRequest reserves at least len(payload) bytes in the guest, copies
// the payload in, and returns the handle. The caller must release the
// handle on every exit path, including failed evaluations.
func (b *memoryBridge) writeRequest(ctx context.Context, payload []byte) (bufferHandle, error) {
	size := uint32(len(payload))

	results, err := b.alloc.Call(ctx, uint64(size))
	if err != nil {
		return bufferHandle{}, fmt.Errorf("guest alloc: %w", err)
	}
	ptr := uint32(results[0])
	if ptr == 0 {
		return bufferHandle{}, fmt.Errorf("%w: alloc(%d) returned null", ErrAllocationFailed, size)
	}

	if !b.mem.Write(ptr, payload) {
		// Out-of-range write: hand the region back rather than leak it.
		_, _ = b.free.Call(ctx, uint64(ptr), uint64(size))
		return bufferHandle{}, fmt.Errorf("write %d bytes at 0x%x: out of range", size, ptr)
	}

	return bufferHandle{ptr: ptr, length: size}, nil
}

// releaseRequest returns the region to the guest allocator. Exactly one
// release per handle obtained from writeRequest.
func (b *memoryBridge) releaseRequest(ctx context.Context, h bufferHandle) error {
	if _, err := b.free.Call(ctx, uint64(h.ptr), uint64(h.length)); err != nil {
		return fmt.Errorf("guest free: %w", err)
	}
	return nil
}

// readOutput copies length bytes at ptr out of guest memory into
// host-owned storage, decoded as UTF-8 text.
func (b *memoryBridge) readOutput(ptr, length uint32) (string, error) {
	return readGuestMemory(b.mem, ptr, length)
}

func readGuestMemory(mem guestMemory, ptr, length uint32) (string, error) {
	if mem == nil {
		return "", fmt.Errorf("guest exports no memory")
	}
	view, ok := mem.Read(ptr, length)
	if !ok {
		return "", fmt.Errorf("read %d bytes at 0x%x: out of range", length, ptr)
	}
	// The view aliases guest memory; string() copies it out before the
	// next guest call can invalidate the region.
	return string(view), nil
}
