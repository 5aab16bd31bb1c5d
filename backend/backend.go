// Package backend defines the host graphics device contract consumed by the
// buffer coherency engine, along with a named registry of device factories.
//
// A Device hands out host buffers whose contents are host-visible: the
// coherency engine copies bytes in and out directly and calls Flush after
// CPU-side writes so implementations with a real device copy (backend/wgpu)
// can upload the written range. The software device keeps its contents in
// host memory only and is the fallback for tests and headless use.
package backend

import "errors"

// Common backend errors.
var (
	// ErrBackendNotAvailable is returned when a requested backend is not available.
	ErrBackendNotAvailable = errors.New("backend: not available")

	// ErrDeviceClosed is returned when operating on a closed device.
	ErrDeviceClosed = errors.New("backend: device closed")

	// ErrInvalidBufferSize is returned when a buffer size is zero.
	ErrInvalidBufferSize = errors.New("backend: invalid buffer size")

	// ErrBufferDestroyed is returned when operating on a destroyed buffer.
	ErrBufferDestroyed = errors.New("backend: buffer destroyed")
)

// Buffer is a host device buffer with host-visible contents.
//
// Bytes returns the host-visible copy; the caller serializes access (the
// coherency engine holds the owning buffer's content lock). After writing
// through Bytes, call Flush for the written range so device-backed
// implementations upload it.
type Buffer interface {
	// Size returns the buffer size in bytes.
	Size() uint64

	// Bytes returns the host-visible contents.
	Bytes() []byte

	// Flush uploads [offset, offset+size) to the device copy.
	// It is a no-op for purely host-resident implementations.
	Flush(offset, size uint64)

	// Destroy releases the buffer. The buffer must not be used afterwards.
	Destroy()
}

// Fence is a submission completion primitive.
type Fence interface {
	// Poll reports whether the fence has signalled, without blocking.
	Poll() bool

	// Wait blocks until the fence signals.
	Wait()
}

// Device allocates buffers and fences for one host graphics device.
type Device interface {
	// Name returns the backend identifier (e.g. "software", "wgpu").
	Name() string

	// AllocateBuffer allocates a host buffer of the given size.
	AllocateBuffer(size uint64, label string) (Buffer, error)

	// NewFence creates an unsignalled fence to associate with a submission.
	NewFence() (Fence, error)

	// Close releases all device resources.
	Close()
}
