// ABOUTME: Live capture through an external recorder process
// ABOUTME: Reads raw s16le PCM from the stdout of arecord, ffmpeg or similar
package audio

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os/exec"
	"strconv"
)

// DefaultCaptureCommand records from the default ALSA device in the
// default format.
func DefaultCaptureCommand(f Format) []string {
	return []string{
		"arecord", "-q", "-t", "raw", "-f", "S16_LE",
		"-r", strconv.Itoa(f.SampleRate),
		"-c", strconv.Itoa(f.Channels),
	}
}

// CommandSource captures audio from a recorder process. Any read failure is
// a device error.
type CommandSource struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	reader *bufio.Reader
	format Format
	buf    []byte
}

// NewCommandSource starts argv and reads interleaved s16le samples in
// format from its stdout.
func NewCommandSource(argv []string, format Format) (*CommandSource, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("empty capture command")
	}
	if _, err := exec.LookPath(argv[0]); err != nil {
		return nil, fmt.Errorf("%w: %s not found in PATH: %v", ErrDevice, argv[0], err)
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to get capture stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: failed to start %s: %v", ErrDevice, argv[0], err)
	}

	format.BitDepth = 16
	return &CommandSource{
		cmd:    cmd,
		stdout: stdout,
		reader: bufio.NewReader(stdout),
		format: format,
	}, nil
}

func (s *CommandSource) ReadFrame(ctx context.Context, samples []int32) (int, error) {
	// a blocked read is released by killing the recorder
	stop := context.AfterFunc(ctx, func() {
		if s.cmd.Process != nil {
			s.cmd.Process.Kill()
		}
	})
	defer stop()

	need := len(samples) * 2
	if cap(s.buf) < need {
		s.buf = make([]byte, need)
	}
	buf := s.buf[:need]

	if _, err := io.ReadFull(s.reader, buf); err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		return 0, fmt.Errorf("%w: capture read: %v", ErrDevice, err)
	}

	for i := range samples {
		samples[i] = SampleFromInt16(int16(binary.LittleEndian.Uint16(buf[i*2:])))
	}
	return len(samples), nil
}

func (s *CommandSource) Format() Format { return s.format }

func (s *CommandSource) Close() error {
	if s.stdout != nil {
		s.stdout.Close()
	}
	if s.cmd.Process != nil {
		s.cmd.Process.Kill()
	}
	s.cmd.Wait()
	return nil
}
