// ABOUTME: Generated and paced audio sources
// ABOUTME: Test tone generator plus a wrapper that paces non-device sources in real time
package audio

import (
	"context"
	"math"
	"sync"
	"time"
)

// ToneSource generates a sine wave, 440Hz unless told otherwise
type ToneSource struct {
	mu          sync.Mutex
	sampleIndex uint64
	frequency   float64
	format      Format
}

// NewToneSource creates a tone generator producing frames in format.
func NewToneSource(format Format, frequency float64) *ToneSource {
	if frequency <= 0 {
		frequency = 440.0
	}
	return &ToneSource{frequency: frequency, format: format}
}

func (s *ToneSource) ReadFrame(ctx context.Context, samples []int32) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	channels := s.format.Channels
	frames := len(samples) / channels
	for i := 0; i < frames; i++ {
		t := float64(s.sampleIndex+uint64(i)) / float64(s.format.SampleRate)
		// half volume to avoid clipping
		v := int32(math.Sin(2*math.Pi*s.frequency*t) * Max24Bit * 0.5)
		for ch := 0; ch < channels; ch++ {
			samples[i*channels+ch] = v
		}
	}
	s.sampleIndex += uint64(frames)

	return frames * channels, nil
}

func (s *ToneSource) Format() Format { return s.format }
func (s *ToneSource) Close() error   { return nil }

// pacedSource releases frames no faster than real time, returning each one
// at the moment its last sample would have been captured by a device.
type pacedSource struct {
	Source
	frame   time.Duration
	next    time.Time
	started bool
}

// Paced wraps a source that can produce frames instantly (a file or a
// generator) so that it behaves like a capture device.
func Paced(src Source) Source {
	return &pacedSource{Source: src, frame: src.Format().FrameDuration()}
}

func (p *pacedSource) ReadFrame(ctx context.Context, samples []int32) (int, error) {
	n, err := p.Source.ReadFrame(ctx, samples)
	if err != nil {
		return n, err
	}

	now := time.Now()
	if !p.started {
		p.next = now
		p.started = true
	}
	p.next = p.next.Add(p.frame)

	wait := p.next.Sub(now)
	if wait <= 0 {
		// far behind (process stalled), re-anchor instead of bursting
		if -wait > 4*p.frame {
			p.next = now
		}
		return n, nil
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return n, ctx.Err()
	case <-timer.C:
		return n, nil
	}
}
