// ABOUTME: miniaudio output through malgo, with 16, 24 and 32-bit device formats
// ABOUTME: A ring buffer decouples Play from the device callback
package audio

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gen2brain/malgo"
	"go.uber.org/zap"
)

// ringBuffer is a fixed-capacity sample FIFO shared with the device callback
type ringBuffer struct {
	mu       sync.Mutex
	buf      []int32
	readPos  int
	writePos int
	count    int
}

func newRingBuffer(capacity int) *ringBuffer {
	return &ringBuffer{buf: make([]int32, capacity)}
}

// write stores as many samples as fit and returns how many did.
func (rb *ringBuffer) write(samples []int32) int {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	n := 0
	for ; n < len(samples) && rb.count < len(rb.buf); n++ {
		rb.buf[rb.writePos] = samples[n]
		rb.writePos = (rb.writePos + 1) % len(rb.buf)
		rb.count++
	}
	return n
}

// read fills samples, zero-filling on underrun, and returns the real count.
func (rb *ringBuffer) read(samples []int32) int {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	n := 0
	for ; n < len(samples) && rb.count > 0; n++ {
		samples[n] = rb.buf[rb.readPos]
		rb.readPos = (rb.readPos + 1) % len(rb.buf)
		rb.count--
	}
	for i := n; i < len(samples); i++ {
		samples[i] = 0
	}
	return n
}

func (rb *ringBuffer) available() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.count
}

// playback is what the device callback reads. It is swapped atomically so
// the callback never takes the sink mutex, which Close holds while Stop
// waits for the callback to return.
type playback struct {
	ring    *ringBuffer
	format  Format
	scratch []int32
}

// MalgoSink plays through miniaudio. Unlike OtoSink it keeps 24-bit depth
// when the stream carries it.
type MalgoSink struct {
	log *zap.SugaredLogger

	mu       sync.Mutex
	malgoCtx *malgo.AllocatedContext
	device   *malgo.Device
	format   Format
	state    atomic.Pointer[playback]
	volume   int
	muted    bool
}

func NewMalgoSink(log *zap.SugaredLogger) *MalgoSink {
	return &MalgoSink{log: log.Named("malgo"), volume: 100}
}

func deviceFormat(bitDepth int) (malgo.FormatType, error) {
	switch bitDepth {
	case 16:
		return malgo.FormatS16, nil
	case 24:
		return malgo.FormatS24, nil
	case 32:
		return malgo.FormatS32, nil
	}
	return 0, fmt.Errorf("%w: unsupported bit depth %d", ErrDevice, bitDepth)
}

func (m *MalgoSink) Open(format Format) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.device != nil && m.format.SampleRate == format.SampleRate &&
		m.format.Channels == format.Channels && m.format.BitDepth == format.BitDepth {
		return nil
	}
	m.closeDevice()

	devFormat, err := deviceFormat(format.BitDepth)
	if err != nil {
		return err
	}

	if m.malgoCtx == nil {
		ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
		if err != nil {
			return fmt.Errorf("%w: malgo context: %v", ErrDevice, err)
		}
		m.malgoCtx = ctx
	}

	// 500ms of headroom between Play and the device
	m.state.Store(&playback{ring: newRingBuffer(format.SampleRate * format.Channels / 2), format: format})
	m.format = format

	cfg := malgo.DefaultDeviceConfig(malgo.Playback)
	cfg.Playback.Format = devFormat
	cfg.Playback.Channels = uint32(format.Channels)
	cfg.SampleRate = uint32(format.SampleRate)
	cfg.Alsa.NoMMap = 1

	callbacks := malgo.DeviceCallbacks{
		Data: func(out, _ []byte, frameCount uint32) {
			m.fill(out, int(frameCount))
		},
	}

	device, err := malgo.InitDevice(m.malgoCtx.Context, cfg, callbacks)
	if err != nil {
		return fmt.Errorf("%w: playback device: %v", ErrDevice, err)
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		return fmt.Errorf("%w: start device: %v", ErrDevice, err)
	}
	m.device = device

	m.log.Infow("audio output initialized", "rate", format.SampleRate, "channels", format.Channels, "bits", format.BitDepth)
	return nil
}

// fill runs on the device thread.
func (m *MalgoSink) fill(out []byte, frames int) {
	pb := m.state.Load()
	if pb == nil {
		for i := range out {
			out[i] = 0
		}
		return
	}
	need := frames * pb.format.Channels
	if cap(pb.scratch) < need {
		pb.scratch = make([]int32, need)
	}
	samples := pb.scratch[:need]
	pb.ring.read(samples)
	packSamples(out, samples, pb.format.BitDepth)
}

// packSamples writes 24-bit-range samples little-endian at the device depth.
func packSamples(out []byte, samples []int32, bitDepth int) {
	switch bitDepth {
	case 16:
		for i, s := range samples {
			v := SampleToInt16(s)
			out[i*2] = byte(v)
			out[i*2+1] = byte(v >> 8)
		}
	case 24:
		for i, s := range samples {
			out[i*3] = byte(s)
			out[i*3+1] = byte(s >> 8)
			out[i*3+2] = byte(s >> 16)
		}
	case 32:
		for i, s := range samples {
			v := s << 8
			out[i*4] = byte(v)
			out[i*4+1] = byte(v >> 8)
			out[i*4+2] = byte(v >> 16)
			out[i*4+3] = byte(v >> 24)
		}
	}
}

// Play queues samples for the device. Samples that do not fit are dropped.
func (m *MalgoSink) Play(samples []int32) error {
	m.mu.Lock()
	volume, muted := m.volume, m.muted
	m.mu.Unlock()

	pb := m.state.Load()
	if pb == nil {
		return fmt.Errorf("%w: output not open", ErrDevice)
	}
	if n := pb.ring.write(applyVolume(samples, volume, muted)); n < len(samples) {
		m.log.Debugw("output ring full", "dropped", len(samples)-n)
	}
	return nil
}

func (m *MalgoSink) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closeDevice()
	if m.malgoCtx != nil {
		if err := m.malgoCtx.Uninit(); err != nil {
			m.log.Warnw("malgo context uninit failed", "error", err)
		}
		m.malgoCtx.Free()
		m.malgoCtx = nil
	}
	return nil
}

// closeDevice must be called with m.mu held.
func (m *MalgoSink) closeDevice() {
	if m.device == nil {
		return
	}
	if err := m.device.Stop(); err != nil {
		m.log.Warnw("device stop failed", "error", err)
	}
	m.device.Uninit()
	m.device = nil
	m.state.Store(nil)
}

func (m *MalgoSink) SetVolume(volume int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.volume = clampVolume(volume)
}

func (m *MalgoSink) SetMuted(muted bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.muted = muted
}
