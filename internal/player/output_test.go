// ABOUTME: Tests for the playback stage
// ABOUTME: Decoding, silence fill and sink failures
package player

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/audera/audera-go/internal/audio"
	"github.com/audera/audera-go/internal/protocol"
	"go.uber.org/zap"
)

var outputFormat = audio.Format{Codec: "pcm", SampleRate: 48000, Channels: 2, BitDepth: 16, FrameSamples: 480}

func TestOutputPlaysAndFillsSilence(t *testing.T) {
	sink := &audio.NullSink{}
	out := NewOutput(sink, zap.NewNop().Sugar())
	if err := out.Configure(outputFormat); err != nil {
		t.Fatalf("Configure: %v", err)
	}

	enc, err := audio.NewEncoder(outputFormat)
	if err != nil {
		t.Fatal(err)
	}
	payload, err := enc.Encode(make([]int32, outputFormat.FrameLen()))
	if err != nil {
		t.Fatal(err)
	}

	releases := make(chan Release, 3)
	releases <- Release{Kind: Play, Seq: 0, Frame: protocol.AudioFrame{Seq: 0, Payload: payload}}
	releases <- Release{Kind: Silence, Seq: 1}
	releases <- Release{Kind: Play, Seq: 2, Frame: protocol.AudioFrame{Seq: 2, Payload: payload}}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- out.Run(ctx, releases) }()

	deadline := time.Now().Add(2 * time.Second)
	for sink.Frames() < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("only %d frames reached the sink", sink.Frames())
		}
		time.Sleep(time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run returned %v", err)
	}

	played, silenced := out.Counts()
	if played != 2 || silenced != 1 {
		t.Errorf("got played=%d silenced=%d", played, silenced)
	}
}

func TestOutputUndecodableFramePlaysSilence(t *testing.T) {
	sink := &audio.NullSink{}
	out := NewOutput(sink, zap.NewNop().Sugar())
	if err := out.Configure(outputFormat); err != nil {
		t.Fatal(err)
	}

	if err := out.play(Release{Kind: Play, Frame: protocol.AudioFrame{Payload: []byte{1, 2, 3}}}); err != nil {
		t.Fatalf("play: %v", err)
	}
	if sink.Frames() != 1 {
		t.Errorf("expected silence to reach the sink, got %d frames", sink.Frames())
	}
}

type brokenSink struct{ audio.NullSink }

func (b *brokenSink) Play([]int32) error { return errors.New("device unplugged") }

func TestOutputSinkFailureIsDeviceError(t *testing.T) {
	out := NewOutput(&brokenSink{}, zap.NewNop().Sugar())
	if err := out.Configure(outputFormat); err != nil {
		t.Fatal(err)
	}

	releases := make(chan Release, 1)
	releases <- Release{Kind: Silence}

	err := out.Run(context.Background(), releases)
	if !errors.Is(err, audio.ErrDevice) {
		t.Fatalf("expected a device error, got %v", err)
	}
}

func TestOutputIgnoresReleasesBeforeConfigure(t *testing.T) {
	sink := &audio.NullSink{}
	out := NewOutput(sink, zap.NewNop().Sugar())

	if err := out.play(Release{Kind: Silence}); err != nil {
		t.Fatal(err)
	}
	if sink.Frames() != 0 {
		t.Error("unconfigured output reached the sink")
	}
}
