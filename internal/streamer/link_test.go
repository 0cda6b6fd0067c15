// ABOUTME: In-memory Link and scripted player used by the streamer tests
// ABOUTME: The scripted player answers handshake, sync and session requests
package streamer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/audera/audera-go/internal/protocol"
	"github.com/stretchr/testify/require"
)

// memLink is an in-memory Link. out carries streamer->player frames, in
// carries player->streamer frames.
type memLink struct {
	out    chan protocol.Message
	in     chan protocol.Message
	closed chan struct{}
	once   sync.Once
	// blocked links never complete a write, like a partitioned player
	blocked bool
}

func newMemLink() *memLink {
	return &memLink{
		out:    make(chan protocol.Message, 1024),
		in:     make(chan protocol.Message, 64),
		closed: make(chan struct{}),
	}
}

func (l *memLink) SendFunc(build func() (protocol.Message, error)) error {
	if l.blocked {
		<-l.closed
		return errClosed
	}
	m, err := build()
	if err != nil {
		return err
	}
	select {
	case l.out <- m:
		return nil
	case <-l.closed:
		return errClosed
	}
}

func (l *memLink) Receive() (protocol.Message, error) {
	select {
	case m := <-l.in:
		return m, nil
	case <-l.closed:
		return protocol.Message{}, errClosed
	}
}

func (l *memLink) Close() error {
	l.once.Do(func() { close(l.closed) })
	return nil
}

func (l *memLink) RemoteAddr() string { return "mem" }

func (l *memLink) isClosed() bool {
	select {
	case <-l.closed:
		return true
	default:
		return false
	}
}

// reply sends a control frame from the player side.
func (l *memLink) reply(t *testing.T, typ protocol.Type, id uint32, v interface{}) {
	t.Helper()
	m, err := protocol.NewControl(typ, id, v)
	require.NoError(t, err)
	l.in <- m
}

// next waits for the next streamer frame of type typ, skipping others.
func (l *memLink) next(t *testing.T, typ protocol.Type) protocol.Message {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case m := <-l.out:
			if m.Type == typ {
				return m
			}
		case <-timeout:
			t.Fatalf("no %s frame within 2s", typ)
		}
	}
}

// fakePlayer answers the handshake, sync and session requests the way a
// real player does, and forwards audio frames to frames.
func fakePlayer(ctx context.Context, l *memLink, id string, frames chan<- protocol.AudioFrame) {
	send := func(typ protocol.Type, msgID uint32, v interface{}) {
		m, _ := protocol.NewControl(typ, msgID, v)
		select {
		case l.in <- m:
		case <-l.closed:
		}
	}

	for {
		var m protocol.Message
		select {
		case m = <-l.out:
		case <-ctx.Done():
			return
		case <-l.closed:
			return
		}

		switch m.Type {
		case protocol.TypeHello:
			send(protocol.TypeRegister, m.ID, protocol.Register{
				PlayerID: id, Name: "fake " + id, Version: protocol.Version, BufferTargetMs: 200,
			})
		case protocol.TypeSyncBegin:
			send(protocol.TypeSyncReport, m.ID, protocol.SyncReport{
				OK: true, Offset: -240, Smoothed: -250, RTT: 1200, MinRTT: 1100, Samples: 8,
			})
		case protocol.TypeSessionStart:
			var start protocol.SessionStart
			m.Control(&start)
			send(protocol.TypeReady, m.ID, protocol.Ready{SessionID: start.SessionID})
		case protocol.TypeAudio:
			f, _ := m.Audio()
			select {
			case frames <- f:
			default:
			}
		}
	}
}
