// ABOUTME: Frame encoders and decoders
// ABOUTME: PCM (16/24-bit) and Opus codecs behind common Encoder/Decoder interfaces
package audio

import (
	"encoding/binary"
	"fmt"

	"gopkg.in/hraban/opus.v2"
)

// Encoder encodes one frame of samples
type Encoder interface {
	Encode(samples []int32) ([]byte, error)
	Close() error
}

// Decoder decodes one frame back to samples
type Decoder interface {
	Decode(data []byte) ([]int32, error)
	Close() error
}

// NewEncoder creates an encoder for the format's codec
func NewEncoder(format Format) (Encoder, error) {
	if err := format.Validate(); err != nil {
		return nil, err
	}
	switch format.Codec {
	case "opus":
		return newOpusEncoder(format)
	default:
		return &pcmCodec{bitDepth: format.BitDepth}, nil
	}
}

// NewDecoder creates a decoder for the format's codec
func NewDecoder(format Format) (Decoder, error) {
	if err := format.Validate(); err != nil {
		return nil, err
	}
	switch format.Codec {
	case "opus":
		return newOpusDecoder(format)
	default:
		return &pcmCodec{bitDepth: format.BitDepth}, nil
	}
}

// pcmCodec packs little-endian 16 or 24-bit PCM
type pcmCodec struct {
	bitDepth int
}

func (c *pcmCodec) Encode(samples []int32) ([]byte, error) {
	if c.bitDepth == 24 {
		out := make([]byte, len(samples)*3)
		for i, s := range samples {
			b := SampleTo24Bit(s)
			copy(out[i*3:], b[:])
		}
		return out, nil
	}

	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(SampleToInt16(s)))
	}
	return out, nil
}

func (c *pcmCodec) Decode(data []byte) ([]int32, error) {
	if c.bitDepth == 24 {
		if len(data)%3 != 0 {
			return nil, fmt.Errorf("24-bit pcm payload of %d bytes", len(data))
		}
		samples := make([]int32, len(data)/3)
		for i := range samples {
			samples[i] = SampleFrom24Bit([3]byte{data[i*3], data[i*3+1], data[i*3+2]})
		}
		return samples, nil
	}

	if len(data)%2 != 0 {
		return nil, fmt.Errorf("16-bit pcm payload of %d bytes", len(data))
	}
	samples := make([]int32, len(data)/2)
	for i := range samples {
		samples[i] = SampleFromInt16(int16(binary.LittleEndian.Uint16(data[i*2:])))
	}
	return samples, nil
}

func (c *pcmCodec) Close() error { return nil }

// opusEncoder wraps libopus; Opus is always 16-bit internally
type opusEncoder struct {
	encoder *opus.Encoder
	buf     []byte
}

func newOpusEncoder(format Format) (*opusEncoder, error) {
	enc, err := opus.NewEncoder(format.SampleRate, format.Channels, opus.AppAudio)
	if err != nil {
		return nil, fmt.Errorf("failed to create opus encoder: %w", err)
	}
	return &opusEncoder{encoder: enc, buf: make([]byte, 4000)}, nil
}

func (e *opusEncoder) Encode(samples []int32) ([]byte, error) {
	pcm := make([]int16, len(samples))
	for i, s := range samples {
		pcm[i] = SampleToInt16(s)
	}

	n, err := e.encoder.Encode(pcm, e.buf)
	if err != nil {
		return nil, fmt.Errorf("opus encode error: %w", err)
	}
	out := make([]byte, n)
	copy(out, e.buf[:n])
	return out, nil
}

func (e *opusEncoder) Close() error { return nil }

type opusDecoder struct {
	decoder  *opus.Decoder
	channels int
	pcm      []int16
}

func newOpusDecoder(format Format) (*opusDecoder, error) {
	dec, err := opus.NewDecoder(format.SampleRate, format.Channels)
	if err != nil {
		return nil, fmt.Errorf("failed to create opus decoder: %w", err)
	}
	// 120ms at 48kHz is the largest opus frame
	return &opusDecoder{decoder: dec, channels: format.Channels, pcm: make([]int16, 5760*format.Channels)}, nil
}

func (d *opusDecoder) Decode(data []byte) ([]int32, error) {
	n, err := d.decoder.Decode(data, d.pcm)
	if err != nil {
		return nil, fmt.Errorf("opus decode failed: %w", err)
	}

	samples := make([]int32, n*d.channels)
	for i := range samples {
		samples[i] = SampleFromInt16(d.pcm[i])
	}
	return samples, nil
}

func (d *opusDecoder) Close() error { return nil }
