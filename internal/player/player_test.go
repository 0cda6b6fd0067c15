// ABOUTME: Tests for the player service over real WebSocket connections
// ABOUTME: Handshake, sync, sessions, replacement, liveness and a full streamer round trip
package player

import (
	"context"
	"net"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/audera/audera-go/internal/audio"
	"github.com/audera/audera-go/internal/discovery"
	"github.com/audera/audera-go/internal/protocol"
	"github.com/audera/audera-go/internal/registry"
	"github.com/audera/audera-go/internal/streamer"
	internalsync "github.com/audera/audera-go/internal/sync"
	"github.com/audera/audera-go/internal/transport"
	"github.com/audera/audera-go/internal/version"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testPlayerConfig() Config {
	cfg := DefaultConfig()
	cfg.ID = "player-1"
	cfg.Name = "den"
	cfg.Listen = "127.0.0.1:0"
	cfg.Advertise = false
	cfg.Sync.Spacing = 5 * time.Millisecond
	cfg.Buffer.FrameDuration = outputFormat.FrameDuration()
	return cfg
}

func newTestPlayer(t *testing.T, cfg Config) (*Player, *audio.NullSink) {
	t.Helper()
	sink := &audio.NullSink{}
	p, err := New(cfg, Deps{Sink: sink, Log: zap.NewNop().Sugar()})
	require.NoError(t, err)
	return p, sink
}

func dial(t *testing.T, addr string) *transport.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, err := transport.Dial(ctx, addr, transport.DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *transport.Conn, typ protocol.Type, id uint32, v interface{}) {
	t.Helper()
	m, err := protocol.NewControl(typ, id, v)
	require.NoError(t, err)
	require.NoError(t, conn.Send(m))
}

// expect reads until a frame of type typ arrives, answering sync requests
// on the way like a streamer would.
func expect(t *testing.T, conn *transport.Conn, clock internalsync.Clock, typ protocol.Type) protocol.Message {
	t.Helper()
	for {
		m, err := conn.Receive()
		require.NoError(t, err)
		if m.Type == typ {
			return m
		}
		if m.Type == protocol.TypeSyncRequest {
			var req protocol.SyncRequest
			require.NoError(t, m.Control(&req))
			t2 := clock.Now()
			send(t, conn, protocol.TypeSyncResponse, m.ID, protocol.SyncResponse{T1: req.T1, T2: t2, T3: clock.Now()})
		}
	}
}

func TestStreamerHandshakeSyncAndSession(t *testing.T) {
	p, _ := newTestPlayer(t, testPlayerConfig())
	srv := httptest.NewServer(p.Handler())
	defer srv.Close()

	clock := internalsync.NewMonotonicClock()
	conn := dial(t, strings.TrimPrefix(srv.URL, "http://"))

	send(t, conn, protocol.TypeHello, 1, protocol.Hello{StreamerID: "s", Name: "living room", Version: protocol.Version})
	m := expect(t, conn, clock, protocol.TypeRegister)
	assert.Equal(t, uint32(1), m.ID)
	var reg protocol.Register
	require.NoError(t, m.Control(&reg))
	assert.Equal(t, "player-1", reg.PlayerID)
	assert.Equal(t, "den", reg.Name)
	assert.Equal(t, 200, reg.BufferTargetMs)
	assert.Equal(t, version.Product, reg.Product)
	assert.Equal(t, version.String(), reg.Software)
	assert.Equal(t, version.Manufacturer, reg.Manufacturer)

	send(t, conn, protocol.TypeSyncBegin, 2, protocol.SyncBegin{Rounds: 4})
	m = expect(t, conn, clock, protocol.TypeSyncReport)
	assert.Equal(t, uint32(2), m.ID)
	var rep protocol.SyncReport
	require.NoError(t, m.Control(&rep))
	require.True(t, rep.OK, rep.Error)
	assert.GreaterOrEqual(t, rep.Samples, 3)
	assert.True(t, p.filter.Synced())

	send(t, conn, protocol.TypeSessionStart, 3, protocol.SessionStart{SessionID: "s1", Format: outputFormat.Wire(), LatencyMs: 500})
	m = expect(t, conn, clock, protocol.TypeReady)
	var ready protocol.Ready
	require.NoError(t, m.Control(&ready))
	assert.Equal(t, "s1", ready.SessionID)

	now := clock.Now()
	for seq := uint32(0); seq < 5; seq++ {
		require.NoError(t, conn.Send(protocol.NewAudio(protocol.AudioFrame{Seq: seq, Capture: now + int64(seq)*10000, Payload: make([]byte, 4)})))
	}
	require.Eventually(t, func() bool { return p.Status().Depth == 5 }, 2*time.Second, 5*time.Millisecond)

	st := p.Status()
	assert.True(t, st.Connected)
	assert.Equal(t, "s", st.Streamer)
	assert.Equal(t, "s1", st.Session)

	send(t, conn, protocol.TypeSessionReset, 0, protocol.SessionReset{SessionID: "s2", Reason: "test"})
	require.Eventually(t, func() bool {
		st := p.Status()
		return st.Depth == 0 && st.Session == "s2"
	}, 2*time.Second, 5*time.Millisecond)
}

func TestAudioBeforeSessionIsIgnored(t *testing.T) {
	p, _ := newTestPlayer(t, testPlayerConfig())
	srv := httptest.NewServer(p.Handler())
	defer srv.Close()

	conn := dial(t, strings.TrimPrefix(srv.URL, "http://"))
	require.NoError(t, conn.Send(protocol.NewAudio(protocol.AudioFrame{Seq: 0, Capture: 1})))
	send(t, conn, protocol.TypeHello, 1, protocol.Hello{StreamerID: "s"})
	expect(t, conn, internalsync.NewMonotonicClock(), protocol.TypeRegister)

	assert.Zero(t, p.Status().Stats.Received)
}

func TestNewerStreamerReplacesOlder(t *testing.T) {
	p, _ := newTestPlayer(t, testPlayerConfig())
	srv := httptest.NewServer(p.Handler())
	defer srv.Close()
	addr := strings.TrimPrefix(srv.URL, "http://")
	clock := internalsync.NewMonotonicClock()

	first := dial(t, addr)
	send(t, first, protocol.TypeHello, 1, protocol.Hello{StreamerID: "old"})
	expect(t, first, clock, protocol.TypeRegister)

	second := dial(t, addr)
	send(t, second, protocol.TypeHello, 1, protocol.Hello{StreamerID: "new"})
	expect(t, second, clock, protocol.TypeRegister)

	m, err := first.Receive()
	require.NoError(t, err)
	assert.Equal(t, protocol.TypeGoodbye, m.Type)
	_, err = first.Receive()
	assert.Error(t, err)

	assert.Equal(t, "new", p.Status().Streamer)
}

func TestUnexpectedFrameDropsConnection(t *testing.T) {
	p, _ := newTestPlayer(t, testPlayerConfig())
	srv := httptest.NewServer(p.Handler())
	defer srv.Close()

	conn := dial(t, strings.TrimPrefix(srv.URL, "http://"))
	send(t, conn, protocol.TypeRegister, 1, protocol.Register{PlayerID: "confused"})

	_, err := conn.Receive()
	assert.Error(t, err)
	require.Eventually(t, func() bool { return !p.Status().Connected }, 2*time.Second, 5*time.Millisecond)
}

func TestSilentStreamerIsDropped(t *testing.T) {
	cfg := testPlayerConfig()
	cfg.LivenessTimeout = 200 * time.Millisecond
	cfg.HeartbeatInterval = 50 * time.Millisecond
	p, _ := newTestPlayer(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()
	<-p.Ready()

	conn := dial(t, p.Addr())
	heartbeats := 0
	deadline := time.Now().Add(5 * time.Second)
	for {
		m, err := conn.Receive()
		if err != nil {
			break
		}
		if m.Type == protocol.TypeHeartbeat {
			heartbeats++
		}
		require.True(t, time.Now().Before(deadline), "connection was never dropped")
	}
	assert.Greater(t, heartbeats, 0)

	cancel()
	assert.NoError(t, <-done)
}

type fixedBrowser struct {
	svc discovery.Service
}

func (b fixedBrowser) Browse(ctx context.Context) ([]discovery.Service, error) {
	return []discovery.Service{b.svc}, nil
}

func TestStreamerToPlayer(t *testing.T) {
	if testing.Short() {
		t.Skip("plays audio in real time")
	}

	p, sink := newTestPlayer(t, testPlayerConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	playerDone := make(chan error, 1)
	go func() { playerDone <- p.Run(ctx) }()
	<-p.Ready()

	host, portStr, err := net.SplitHostPort(p.Addr())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	scfg := streamer.DefaultConfig()
	scfg.Format = outputFormat
	scfg.DiscoveryInterval = 50 * time.Millisecond
	scfg.SyncCheckInterval = 20 * time.Millisecond
	scfg.Sync.Spacing = 5 * time.Millisecond
	s, err := streamer.New(scfg, streamer.Deps{
		Source:  audio.Paced(audio.NewToneSource(outputFormat, 440)),
		Browser: fixedBrowser{svc: discovery.Service{ID: "player-1", Name: "den", Host: host, Port: port}},
		Log:     zap.NewNop().Sugar(),
	})
	require.NoError(t, err)

	streamerDone := make(chan error, 1)
	go func() { streamerDone <- s.Run(ctx) }()

	require.Eventually(t, func() bool {
		rec, ok := s.Registry().Get("player-1")
		return ok && rec.State == registry.StateStreaming
	}, 5*time.Second, 10*time.Millisecond)

	// output latency is 300ms, playback follows shortly after
	require.Eventually(t, func() bool { return sink.Frames() >= 20 }, 5*time.Second, 10*time.Millisecond)

	st := p.Status()
	assert.True(t, st.Connected)
	assert.NotEmpty(t, st.Session)
	assert.Greater(t, st.Stats.Played, int64(0))
	assert.Zero(t, st.Stats.Stale)

	cancel()
	assert.NoError(t, <-streamerDone)
	assert.NoError(t, <-playerDone)
}
