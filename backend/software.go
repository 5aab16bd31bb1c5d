package backend

import (
	"fmt"
	"sync"
	"sync/atomic"
)

func init() {
	Register(BackendSoftware, func() (Device, error) {
		return NewSoftwareDevice(), nil
	})
}

// SoftwareDevice is a Device whose buffers live entirely in host memory.
// It backs tests and headless use; its fences are signalled explicitly by
// whatever stands in for the submission engine.
type SoftwareDevice struct {
	mu     sync.Mutex
	closed bool
}

// NewSoftwareDevice creates a host-memory device.
func NewSoftwareDevice() *SoftwareDevice {
	return &SoftwareDevice{}
}

// Name returns the backend identifier.
func (d *SoftwareDevice) Name() string {
	return BackendSoftware
}

// AllocateBuffer allocates a host-memory buffer.
func (d *SoftwareDevice) AllocateBuffer(size uint64, label string) (Buffer, error) {
	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return nil, ErrDeviceClosed
	}
	if size == 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidBufferSize, size)
	}
	return &softwareBuffer{data: make([]byte, size), label: label}, nil
}

// NewFence creates an unsignalled fence. The returned fence is a
// *SoftwareFence; call Signal on it to complete the associated submission.
func (d *SoftwareDevice) NewFence() (Fence, error) {
	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return nil, ErrDeviceClosed
	}
	return NewSoftwareFence(), nil
}

// Close marks the device closed. Outstanding buffers remain usable since
// they are plain host memory.
func (d *SoftwareDevice) Close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
}

// softwareBuffer is a host-memory Buffer.
type softwareBuffer struct {
	data      []byte
	label     string
	destroyed atomic.Bool
}

func (b *softwareBuffer) Size() uint64 {
	return uint64(len(b.data))
}

func (b *softwareBuffer) Bytes() []byte {
	if b.destroyed.Load() {
		panic(ErrBufferDestroyed)
	}
	return b.data
}

// Flush is a no-op: host memory is the device copy.
func (b *softwareBuffer) Flush(offset, size uint64) {}

func (b *softwareBuffer) Destroy() {
	b.destroyed.Store(true)
}

// SoftwareFence is a Fence completed by an explicit Signal call.
type SoftwareFence struct {
	once sync.Once
	done chan struct{}
}

// NewSoftwareFence creates an unsignalled fence.
func NewSoftwareFence() *SoftwareFence {
	return &SoftwareFence{done: make(chan struct{})}
}

// Signal completes the fence. Signalling more than once is a no-op.
func (f *SoftwareFence) Signal() {
	f.once.Do(func() { close(f.done) })
}

// Poll reports whether the fence has signalled.
func (f *SoftwareFence) Poll() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Wait blocks until Signal is called.
func (f *SoftwareFence) Wait() {
	<-f.done
}
