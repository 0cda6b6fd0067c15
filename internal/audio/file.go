// ABOUTME: Looping file sources for MP3 and FLAC
// ABOUTME: Decode audio files into full frames for broadcasting
package audio

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/hajimehoshi/go-mp3"
	"github.com/mewkiz/flac"
)

// NewFileSource opens an MP3 or FLAC file by extension.
func NewFileSource(path string, frameSamples int) (Source, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".mp3":
		return NewMP3Source(path, frameSamples)
	case ".flac":
		return NewFLACSource(path, frameSamples)
	default:
		return nil, fmt.Errorf("unsupported file type: %s", filepath.Ext(path))
	}
}

// MP3Source reads from an MP3 file and loops at the end
type MP3Source struct {
	file    *os.File
	decoder *mp3.Decoder
	format  Format
	buf     []byte
}

// NewMP3Source creates a new MP3 audio source
func NewMP3Source(path string, frameSamples int) (*MP3Source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open MP3 file: %w", err)
	}

	decoder, err := mp3.NewDecoder(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to decode MP3: %w", err)
	}

	return &MP3Source{
		file:    f,
		decoder: decoder,
		format: Format{
			Codec:        "pcm",
			SampleRate:   decoder.SampleRate(),
			Channels:     2, // go-mp3 always decodes to stereo
			BitDepth:     16,
			FrameSamples: frameSamples,
		},
	}, nil
}

func (s *MP3Source) ReadFrame(ctx context.Context, samples []int32) (int, error) {
	need := len(samples) * 2
	if cap(s.buf) < need {
		s.buf = make([]byte, need)
	}
	buf := s.buf[:need]

	filled := 0
	for filled < need {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		n, err := s.decoder.Read(buf[filled:])
		filled += n
		if errors.Is(err, io.EOF) {
			if err := s.rewind(); err != nil {
				return 0, err
			}
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("%w: mp3 decode: %v", ErrDevice, err)
		}
	}

	for i := range samples {
		samples[i] = SampleFromInt16(int16(binary.LittleEndian.Uint16(buf[i*2:])))
	}
	return len(samples), nil
}

func (s *MP3Source) rewind() error {
	if _, err := s.file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("%w: failed to seek to start: %v", ErrDevice, err)
	}
	decoder, err := mp3.NewDecoder(s.file)
	if err != nil {
		return fmt.Errorf("%w: failed to create new decoder: %v", ErrDevice, err)
	}
	s.decoder = decoder
	return nil
}

func (s *MP3Source) Format() Format { return s.format }
func (s *MP3Source) Close() error   { return s.file.Close() }

// FLACSource reads from a FLAC file and loops at the end
type FLACSource struct {
	file     *os.File
	stream   *flac.Stream
	format   Format
	bitDepth int
	pending  []int32 // decoded samples left over from the previous FLAC block
}

// NewFLACSource creates a new FLAC audio source
func NewFLACSource(path string, frameSamples int) (*FLACSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open FLAC file: %w", err)
	}

	stream, err := flac.New(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to decode FLAC: %w", err)
	}

	info := stream.Info
	return &FLACSource{
		file:     f,
		stream:   stream,
		bitDepth: int(info.BitsPerSample),
		format: Format{
			Codec:        "pcm",
			SampleRate:   int(info.SampleRate),
			Channels:     int(info.NChannels),
			BitDepth:     int(info.BitsPerSample),
			FrameSamples: frameSamples,
		},
	}, nil
}

func (s *FLACSource) ReadFrame(ctx context.Context, samples []int32) (int, error) {
	for len(s.pending) < len(samples) {
		if err := ctx.Err(); err != nil {
			return 0, err
		}

		frame, err := s.stream.ParseNext()
		if errors.Is(err, io.EOF) {
			if err := s.rewind(); err != nil {
				return 0, err
			}
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("%w: flac decode: %v", ErrDevice, err)
		}

		channels := s.format.Channels
		for i := 0; i < int(frame.BlockSize); i++ {
			for ch := 0; ch < channels; ch++ {
				s.pending = append(s.pending, to24Bit(frame.Subframes[ch].Samples[i], s.bitDepth))
			}
		}
	}

	n := copy(samples, s.pending)
	s.pending = append(s.pending[:0], s.pending[n:]...)
	return n, nil
}

func (s *FLACSource) rewind() error {
	if _, err := s.file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("%w: failed to seek to start: %v", ErrDevice, err)
	}
	stream, err := flac.New(s.file)
	if err != nil {
		return fmt.Errorf("%w: failed to create new stream: %v", ErrDevice, err)
	}
	s.stream = stream
	return nil
}

func (s *FLACSource) Format() Format { return s.format }
func (s *FLACSource) Close() error   { return s.file.Close() }

// to24Bit scales a sample of the given bit depth into the 24-bit range
func to24Bit(sample int32, bitDepth int) int32 {
	shift := bitDepth - 24
	if shift > 0 {
		return sample >> shift
	}
	return sample << -shift
}
