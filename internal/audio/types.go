// ABOUTME: Audio type definitions
// ABOUTME: Defines stream formats, sample conversions and the source/sink boundaries
package audio

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/audera/audera-go/internal/protocol"
)

const (
	// 24-bit audio range constants
	Max24Bit = 8388607  // 2^23 - 1
	Min24Bit = -8388608 // -2^23

	DefaultSampleRate   = 44100
	DefaultChannels     = 2
	DefaultBitDepth     = 16
	DefaultFrameSamples = 1024
)

// ErrDevice wraps input and output hardware failures. They are fatal to the
// audio path of the process that hit them.
var ErrDevice = errors.New("audio device error")

// Format describes audio stream format. Samples travel through the process
// as int32 values in the 24-bit range regardless of BitDepth.
type Format struct {
	Codec        string
	SampleRate   int
	Channels     int
	BitDepth     int
	FrameSamples int // samples per channel in one frame
}

func DefaultFormat() Format {
	return Format{
		Codec:        "pcm",
		SampleRate:   DefaultSampleRate,
		Channels:     DefaultChannels,
		BitDepth:     DefaultBitDepth,
		FrameSamples: DefaultFrameSamples,
	}
}

// FrameDuration is the playback length of one frame.
func (f Format) FrameDuration() time.Duration {
	if f.SampleRate == 0 {
		return 0
	}
	return time.Duration(f.FrameSamples) * time.Second / time.Duration(f.SampleRate)
}

// FrameLen is the number of interleaved samples in one frame.
func (f Format) FrameLen() int {
	return f.FrameSamples * f.Channels
}

func (f Format) String() string {
	return fmt.Sprintf("%s %dHz/%dbit/%dch %d samples", f.Codec, f.SampleRate, f.BitDepth, f.Channels, f.FrameSamples)
}

// Wire converts to the session announcement format.
func (f Format) Wire() protocol.AudioFormat {
	return protocol.AudioFormat{
		Codec:        f.Codec,
		SampleRate:   f.SampleRate,
		Channels:     f.Channels,
		BitDepth:     f.BitDepth,
		FrameSamples: f.FrameSamples,
	}
}

// FormatFromWire is the inverse of Format.Wire.
func FormatFromWire(w protocol.AudioFormat) Format {
	return Format{
		Codec:        w.Codec,
		SampleRate:   w.SampleRate,
		Channels:     w.Channels,
		BitDepth:     w.BitDepth,
		FrameSamples: w.FrameSamples,
	}
}

var opusRates = map[int]bool{8000: true, 12000: true, 16000: true, 24000: true, 48000: true}

// Validate checks that the format can be encoded.
func (f Format) Validate() error {
	if f.SampleRate <= 0 || f.Channels <= 0 || f.FrameSamples <= 0 {
		return fmt.Errorf("invalid format %s", f)
	}
	switch f.Codec {
	case "pcm":
		if f.BitDepth != 16 && f.BitDepth != 24 {
			return fmt.Errorf("unsupported bit depth: %d (supported: 16, 24)", f.BitDepth)
		}
	case "opus":
		if !opusRates[f.SampleRate] {
			return fmt.Errorf("opus does not support %d Hz", f.SampleRate)
		}
		if f.Channels > 2 {
			return fmt.Errorf("opus supports at most 2 channels, got %d", f.Channels)
		}
		// 2.5, 5, 10, 20, 40 or 60 ms
		valid := false
		for _, tenthsMs := range []int{25, 50, 100, 200, 400, 600} {
			if f.FrameSamples*10000 == f.SampleRate*tenthsMs {
				valid = true
				break
			}
		}
		if !valid {
			return fmt.Errorf("opus cannot encode %d-sample frames at %d Hz", f.FrameSamples, f.SampleRate)
		}
	default:
		return fmt.Errorf("unsupported codec: %s", f.Codec)
	}
	return nil
}

// Source is the input device boundary. ReadFrame blocks until a full frame
// of interleaved samples is available.
type Source interface {
	ReadFrame(ctx context.Context, samples []int32) (int, error)
	Format() Format
	Close() error
}

// Sink is the output device boundary. Play hands samples to the device now.
type Sink interface {
	Open(format Format) error
	Play(samples []int32) error
	Close() error
}

// Silence returns one frame of zero samples.
func Silence(f Format) []int32 {
	return make([]int32, f.FrameLen())
}

// SampleToInt16 converts int32 sample to int16 (for 16-bit playback)
func SampleToInt16(sample int32) int16 {
	return int16(sample >> 8)
}

// SampleFromInt16 converts int16 sample to int32 (left-justified in 24-bit)
func SampleFromInt16(sample int16) int32 {
	return int32(sample) << 8
}

// SampleTo24Bit converts int32 to 24-bit packed bytes (little-endian)
func SampleTo24Bit(sample int32) [3]byte {
	return [3]byte{
		byte(sample),
		byte(sample >> 8),
		byte(sample >> 16),
	}
}

// SampleFrom24Bit converts 24-bit packed bytes to int32 (little-endian)
func SampleFrom24Bit(b [3]byte) int32 {
	val := int32(b[0]) | int32(b[1])<<8 | int32(b[2])<<16
	// Sign extend from 24-bit to 32-bit
	if val&0x800000 != 0 {
		val |= ^0xFFFFFF
	}
	return val
}
