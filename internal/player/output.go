// ABOUTME: Playback stage between the scheduler and the audio sink
// ABOUTME: Decodes released frames and plays them or a frame of silence
package player

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/audera/audera-go/internal/audio"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Output feeds released slots to a sink
type Output struct {
	sink audio.Sink
	log  *zap.SugaredLogger

	mu      sync.Mutex
	format  audio.Format
	decoder audio.Decoder
	silence []int32
	opened  bool

	played   int64
	silenced int64

	decodeLog *rate.Limiter
}

// NewOutput creates an output stage for sink
func NewOutput(sink audio.Sink, log *zap.SugaredLogger) *Output {
	return &Output{
		sink:      sink,
		log:       log,
		decodeLog: rate.NewLimiter(rate.Every(time.Second), 1),
	}
}

// Configure prepares decoding for a session format and opens the sink on
// first use.
func (o *Output) Configure(format audio.Format) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.decoder != nil && o.format == format {
		return nil
	}

	dec, err := audio.NewDecoder(format)
	if err != nil {
		return fmt.Errorf("failed to create decoder: %w", err)
	}
	if !o.opened || o.format.SampleRate != format.SampleRate || o.format.Channels != format.Channels {
		if err := o.sink.Open(format); err != nil {
			dec.Close()
			return err
		}
		o.opened = true
	}

	if o.decoder != nil {
		o.decoder.Close()
	}
	o.decoder = dec
	o.format = format
	o.silence = audio.Silence(format)
	o.log.Infow("output configured", "format", format.String())
	return nil
}

// Run plays releases until ctx is cancelled or the sink fails.
func (o *Output) Run(ctx context.Context, releases <-chan Release) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case r := <-releases:
			if err := o.play(r); err != nil {
				return err
			}
		}
	}
}

func (o *Output) play(r Release) error {
	o.mu.Lock()
	dec, silence := o.decoder, o.silence
	o.mu.Unlock()
	if dec == nil {
		return nil
	}

	samples := silence
	if r.Kind == Play {
		decoded, err := dec.Decode(r.Frame.Payload)
		if err != nil {
			if o.decodeLog.Allow() {
				o.log.Warnw("failed to decode frame, playing silence", "seq", r.Seq, "error", err)
			}
		} else {
			samples = decoded
		}
	}

	if err := o.sink.Play(samples); err != nil {
		if !errors.Is(err, audio.ErrDevice) {
			err = fmt.Errorf("%w: %v", audio.ErrDevice, err)
		}
		return fmt.Errorf("output: %w", err)
	}

	o.mu.Lock()
	if r.Kind == Play {
		o.played++
	} else {
		o.silenced++
	}
	o.mu.Unlock()
	return nil
}

// Format returns the format of the current session, zero before the first.
func (o *Output) Format() audio.Format {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.format
}

// Counts returns how many frames and silence slots reached the sink.
func (o *Output) Counts() (played, silenced int64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.played, o.silenced
}

// Close releases the decoder and the sink.
func (o *Output) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.decoder != nil {
		o.decoder.Close()
		o.decoder = nil
	}
	o.opened = false
	return o.sink.Close()
}
