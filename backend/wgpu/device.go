// Package wgpu implements the emubuf backend contract on gogpu/wgpu's HAL.
//
// The device is normally received from the host application (the emulator's
// renderer) rather than created here; NewDevice wraps existing hal handles
// and FromProvider accepts a shared gpucontext device. Open creates a
// standalone Vulkan device for tools and tests that run without a host
// renderer.
//
// Buffers keep a host shadow of their contents: the coherency engine reads
// and writes the shadow directly and Flush uploads the written range via
// queue.WriteBuffer. GPU-side consumption goes through the hal buffer
// handle exposed by HalBuffer.
package wgpu

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gogpu/gpucontext"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
	types "github.com/gogpu/wgpu"

	"github.com/gogpu/emubuf/backend"
)

func init() {
	backend.Register(backend.BackendWgpu, func() (backend.Device, error) {
		return Open()
	})
}

// Package errors.
var (
	// ErrNoHalProvider is returned when a device provider does not expose HAL types.
	ErrNoHalProvider = errors.New("wgpu: provider does not expose HAL types")

	// ErrNoAdapter is returned when no usable GPU adapter is found.
	ErrNoAdapter = errors.New("wgpu: no GPU adapters found")
)

// Device implements backend.Device over a hal device and queue.
type Device struct {
	mu       sync.Mutex
	device   hal.Device
	queue    hal.Queue
	instance hal.Instance // non-nil only for standalone devices
	closed   bool
}

// NewDevice wraps existing hal handles. The caller retains ownership of the
// underlying device; Close will not destroy it.
func NewDevice(device hal.Device, queue hal.Queue) *Device {
	return &Device{device: device, queue: queue}
}

// FromProvider creates a Device sharing the GPU device of an external
// provider (e.g. gogpu). The provider must also expose HAL handles via
// HalDevice() any and HalQueue() any.
func FromProvider(provider gpucontext.DeviceProvider) (*Device, error) {
	type halProvider interface {
		HalDevice() any
		HalQueue() any
	}
	hp, ok := provider.(halProvider)
	if !ok {
		return nil, ErrNoHalProvider
	}
	device, ok := hp.HalDevice().(hal.Device)
	if !ok || device == nil {
		return nil, fmt.Errorf("%w: HalDevice is not hal.Device", ErrNoHalProvider)
	}
	queue, ok := hp.HalQueue().(hal.Queue)
	if !ok || queue == nil {
		return nil, fmt.Errorf("%w: HalQueue is not hal.Queue", ErrNoHalProvider)
	}
	return NewDevice(device, queue), nil
}

// Open creates a standalone Vulkan device. Used when no host renderer
// provides one.
func Open() (*Device, error) {
	halBackend, ok := hal.GetBackend(gputypes.BackendVulkan)
	if !ok {
		return nil, fmt.Errorf("%w: vulkan backend not available", backend.ErrBackendNotAvailable)
	}
	instance, err := halBackend.CreateInstance(&hal.InstanceDescriptor{Flags: 0})
	if err != nil {
		return nil, fmt.Errorf("wgpu: create instance: %w", err)
	}

	adapters := instance.EnumerateAdapters(nil)
	if len(adapters) == 0 {
		instance.Destroy()
		return nil, ErrNoAdapter
	}

	var selected *hal.ExposedAdapter
	for i := range adapters {
		if adapters[i].Info.DeviceType == gputypes.DeviceTypeDiscreteGPU ||
			adapters[i].Info.DeviceType == gputypes.DeviceTypeIntegratedGPU {
			selected = &adapters[i]
			break
		}
	}
	if selected == nil {
		selected = &adapters[0]
	}

	openDev, err := selected.Adapter.Open(gputypes.Features(0), gputypes.DefaultLimits())
	if err != nil {
		instance.Destroy()
		return nil, fmt.Errorf("wgpu: open device: %w", err)
	}

	return &Device{device: openDev.Device, queue: openDev.Queue, instance: instance}, nil
}

// Name returns the backend identifier.
func (d *Device) Name() string {
	return backend.BackendWgpu
}

// AllocateBuffer allocates a device buffer with a host shadow.
func (d *Device) AllocateBuffer(size uint64, label string) (backend.Buffer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, backend.ErrDeviceClosed
	}
	if size == 0 {
		return nil, fmt.Errorf("%w: %d", backend.ErrInvalidBufferSize, size)
	}

	halBuf, err := d.device.CreateBuffer(&hal.BufferDescriptor{
		Label: label,
		Size:  size,
		Usage: types.BufferUsageCopySrc | types.BufferUsageCopyDst | types.BufferUsageStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("wgpu: create buffer: %w", err)
	}

	return &halBuffer{
		dev:    d,
		buf:    halBuf,
		shadow: make([]byte, size),
		label:  label,
	}, nil
}

// NewFence creates a submission fence. Pass HalFence to queue.Submit with
// a signal value of 1 to complete it.
func (d *Device) NewFence() (backend.Fence, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, backend.ErrDeviceClosed
	}

	f, err := d.device.CreateFence()
	if err != nil {
		return nil, fmt.Errorf("wgpu: create fence: %w", err)
	}
	return &halFence{dev: d, fence: f}, nil
}

// Queue returns the hal queue for submissions.
func (d *Device) Queue() hal.Queue {
	return d.queue
}

// Close releases standalone-owned resources. Shared devices from NewDevice
// or FromProvider are left untouched.
func (d *Device) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.closed = true
	if d.instance != nil {
		d.device.Destroy()
		d.instance.Destroy()
		d.instance = nil
	}
}

// halBuffer is a backend.Buffer with a hal device copy and a host shadow.
type halBuffer struct {
	dev       *Device
	buf       hal.Buffer
	shadow    []byte
	label     string
	destroyed atomic.Bool
}

func (b *halBuffer) Size() uint64 {
	return uint64(len(b.shadow))
}

func (b *halBuffer) Bytes() []byte {
	if b.destroyed.Load() {
		panic(backend.ErrBufferDestroyed)
	}
	return b.shadow
}

// Flush uploads the written range to the device copy.
func (b *halBuffer) Flush(offset, size uint64) {
	if b.destroyed.Load() || size == 0 {
		return
	}
	end := offset + size
	if end > uint64(len(b.shadow)) {
		end = uint64(len(b.shadow))
	}
	b.dev.queue.WriteBuffer(b.buf, offset, b.shadow[offset:end])
}

// HalBuffer returns the underlying hal buffer for GPU-side use.
func (b *halBuffer) HalBuffer() hal.Buffer {
	return b.buf
}

func (b *halBuffer) Destroy() {
	if b.destroyed.Swap(true) {
		return
	}
	b.dev.device.DestroyBuffer(b.buf)
}

// fencePollTimeout bounds a single hal wait call, not the overall wait:
// Wait loops until the fence signals.
const fencePollTimeout = 100 * time.Millisecond

// halFence is a backend.Fence over a hal fence signalled at value 1.
type halFence struct {
	dev       *Device
	fence     hal.Fence
	signalled atomic.Bool
}

// HalFence returns the underlying hal fence for queue.Submit.
func (f *halFence) HalFence() hal.Fence {
	return f.fence
}

func (f *halFence) Poll() bool {
	if f.signalled.Load() {
		return true
	}
	ok, err := f.dev.device.Wait(f.fence, 1, 0)
	if err != nil {
		return false
	}
	if ok {
		f.signalled.Store(true)
	}
	return ok
}

func (f *halFence) Wait() {
	if f.signalled.Load() {
		return
	}
	for {
		ok, err := f.dev.device.Wait(f.fence, 1, fencePollTimeout)
		if err == nil && ok {
			f.signalled.Store(true)
			return
		}
	}
}
