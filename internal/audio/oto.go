// ABOUTME: Oto-based audio sink
// ABOUTME: Feeds a persistent oto player through a pipe with software volume control
package audio

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/ebitengine/oto/v3"
	"go.uber.org/zap"
)

// OtoSink plays through the system output with oto
type OtoSink struct {
	log *zap.SugaredLogger

	mu         sync.Mutex
	otoCtx     *oto.Context
	player     *oto.Player
	pipeReader *io.PipeReader
	pipeWriter *io.PipeWriter
	format     Format
	volume     int
	muted      bool
	ready      bool
}

// NewOtoSink creates an unopened oto sink at full volume
func NewOtoSink(log *zap.SugaredLogger) *OtoSink {
	return &OtoSink{log: log, volume: 100}
}

// Open initializes the output device. oto allows one context per process,
// so a later format change keeps the first context.
func (o *OtoSink) Open(format Format) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.otoCtx != nil {
		if o.format.SampleRate != format.SampleRate || o.format.Channels != format.Channels {
			o.log.Warnw("output format change ignored, oto cannot reinitialize",
				"current", o.format.String(), "requested", format.String())
		}
		if !o.ready {
			if err := o.otoCtx.Resume(); err != nil {
				return fmt.Errorf("%w: failed to resume oto context: %v", ErrDevice, err)
			}
			o.startPlayer()
		}
		return nil
	}

	ctx, readyChan, err := oto.NewContext(&oto.NewContextOptions{
		SampleRate:   format.SampleRate,
		ChannelCount: format.Channels,
		Format:       oto.FormatSignedInt16LE,
		BufferSize:   format.FrameDuration(),
	})
	if err != nil {
		return fmt.Errorf("%w: failed to create oto context: %v", ErrDevice, err)
	}
	<-readyChan

	o.otoCtx = ctx
	o.format = format
	o.startPlayer()

	o.log.Infow("audio output initialized", "sample_rate", format.SampleRate, "channels", format.Channels)
	return nil
}

func (o *OtoSink) startPlayer() {
	o.pipeReader, o.pipeWriter = io.Pipe()
	o.player = o.otoCtx.NewPlayer(o.pipeReader)
	o.player.Play()
	o.ready = true
}

// Play writes samples to the device pipe. It blocks while the device
// buffer is full.
func (o *OtoSink) Play(samples []int32) error {
	o.mu.Lock()
	if !o.ready {
		o.mu.Unlock()
		return fmt.Errorf("%w: output not initialized", ErrDevice)
	}
	w := o.pipeWriter
	scaled := applyVolume(samples, o.volume, o.muted)
	o.mu.Unlock()

	out := make([]byte, len(scaled)*2)
	for i, s := range scaled {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(SampleToInt16(s)))
	}

	if _, err := w.Write(out); err != nil {
		return fmt.Errorf("%w: pipe write failed: %v", ErrDevice, err)
	}
	return nil
}

func (o *OtoSink) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.pipeWriter != nil {
		o.pipeWriter.Close()
		o.pipeWriter = nil
	}
	if o.player != nil {
		o.player.Close()
		o.player = nil
	}
	if o.pipeReader != nil {
		o.pipeReader.Close()
		o.pipeReader = nil
	}
	if o.otoCtx != nil {
		o.otoCtx.Suspend()
	}
	o.ready = false
	return nil
}

// SetVolume sets the volume (0-100)
func (o *OtoSink) SetVolume(volume int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.volume = clampVolume(volume)
}

// SetMuted sets mute state
func (o *OtoSink) SetMuted(muted bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.muted = muted
}

func clampVolume(volume int) int {
	if volume < 0 {
		return 0
	}
	if volume > 100 {
		return 100
	}
	return volume
}

// applyVolume applies volume and mute to samples with clipping protection
func applyVolume(samples []int32, volume int, muted bool) []int32 {
	multiplier := getVolumeMultiplier(volume, muted)
	if multiplier == 1.0 {
		return samples
	}

	result := make([]int32, len(samples))
	for i, sample := range samples {
		scaled := int64(float64(sample) * multiplier)
		if scaled > Max24Bit {
			scaled = Max24Bit
		} else if scaled < Min24Bit {
			scaled = Min24Bit
		}
		result[i] = int32(scaled)
	}
	return result
}

func getVolumeMultiplier(volume int, muted bool) float64 {
	if muted {
		return 0.0
	}
	return float64(volume) / 100.0
}

// NullSink discards audio and counts what it was given. Headless players
// and tests use it.
type NullSink struct {
	mu      sync.Mutex
	format  Format
	frames  int
	samples int
	opened  bool
}

func (n *NullSink) Open(format Format) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.format = format
	n.opened = true
	return nil
}

func (n *NullSink) Play(samples []int32) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.frames++
	n.samples += len(samples)
	return nil
}

func (n *NullSink) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.opened = false
	return nil
}

// Frames returns how many Play calls were made.
func (n *NullSink) Frames() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.frames
}
