// ABOUTME: Tests for fan-out isolation, peer wire handling and the streamer task logic
// ABOUTME: Uses in-memory links and scripted peers instead of real connections
package streamer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/audera/audera-go/internal/audio"
	"github.com/audera/audera-go/internal/discovery"
	"github.com/audera/audera-go/internal/protocol"
	"github.com/audera/audera-go/internal/registry"
	internalsync "github.com/audera/audera-go/internal/sync"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// 10ms frames keep paced tests fast
var testFormat = audio.Format{Codec: "pcm", SampleRate: 48000, Channels: 2, BitDepth: 16, FrameSamples: 480}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Format = testFormat
	cfg.SendQueue = 4
	cfg.EvictAfterDrops = 8
	cfg.DiscoveryInterval = 20 * time.Millisecond
	cfg.SyncCheckInterval = 10 * time.Millisecond
	cfg.SweepInterval = 10 * time.Millisecond
	cfg.HeartbeatInterval = 50 * time.Millisecond
	cfg.RegisterTimeout = time.Second
	cfg.ReconnectEvery = time.Hour
	cfg.ReconnectBurst = 1
	return cfg
}

func newTestStreamer(t *testing.T, cfg Config, deps Deps) *Streamer {
	t.Helper()
	if deps.Source == nil {
		deps.Source = audio.NewToneSource(testFormat, 440)
	}
	deps.Log = zap.NewNop().Sugar()
	s, err := New(cfg, deps)
	require.NoError(t, err)
	return s
}

// streamingPeer registers id as Streaming and attaches link as its peer.
func streamingPeer(t *testing.T, s *Streamer, id string, link Link) *peer {
	t.Helper()
	now := s.now()
	s.registry.Observe(registry.Advertisement{ID: id, Name: id, Addr: id}, now)
	for _, st := range []registry.State{registry.StateConnecting, registry.StateSynced, registry.StateStreaming} {
		_, err := s.registry.Transition(id, st, now)
		require.NoError(t, err)
	}
	return s.attach(id, link)
}

func TestPartitionedPlayerDoesNotStallOthers(t *testing.T) {
	s := newTestStreamer(t, testConfig(), Deps{})

	a, b, c := newMemLink(), newMemLink(), newMemLink()
	c.blocked = true
	streamingPeer(t, s, "a", a)
	streamingPeer(t, s, "b", b)
	streamingPeer(t, s, "c", c)

	const frames = 40
	for i := 0; i < frames; i++ {
		s.fanOut(int64(i)*10000, []byte{byte(i)})
		require.Eventually(t, func() bool {
			return len(a.out) == i+1 && len(b.out) == i+1
		}, time.Second, time.Millisecond, "frame %d not delivered", i)
	}

	for _, l := range []*memLink{a, b} {
		for i := 0; i < frames; i++ {
			f, err := (<-l.out).Audio()
			require.NoError(t, err)
			assert.Equal(t, uint32(i), f.Seq)
			assert.Equal(t, int64(i)*10000, f.Capture)
		}
	}

	rec, _ := s.registry.Get("c")
	assert.Equal(t, registry.StateLost, rec.State)
	assert.Equal(t, []string{"a", "b"}, s.registry.Snapshot().IDs())
	assert.Nil(t, s.peer("c"))
	assert.Eventually(t, c.isClosed, time.Second, time.Millisecond)
}

func TestDropsBelowThresholdKeepPlayer(t *testing.T) {
	cfg := testConfig()
	cfg.EvictAfterDrops = 1000
	s := newTestStreamer(t, cfg, Deps{})

	slow := newMemLink()
	slow.blocked = true
	streamingPeer(t, s, "slow", slow)

	for i := 0; i < 20; i++ {
		s.fanOut(int64(i), nil)
	}

	rec, _ := s.registry.Get("slow")
	assert.Equal(t, registry.StateStreaming, rec.State)
	s.closeAll()
}

func TestTimeline(t *testing.T) {
	tl := newTimeline(10 * time.Millisecond)

	ts, re := tl.stamp(1000)
	assert.Equal(t, int64(1000), ts)
	assert.False(t, re)

	// jitter within the skew bound stays on the grid
	ts, _ = tl.stamp(1000 + 10000 + 3000)
	assert.Equal(t, int64(11000), ts)
	ts, _ = tl.stamp(1000 + 20000 - 2000)
	assert.Equal(t, int64(21000), ts)

	// a stall longer than four frames re-anchors
	ts, re = tl.stamp(500000)
	assert.True(t, re)
	assert.Equal(t, int64(500000), ts)
	ts, _ = tl.stamp(510100)
	assert.Equal(t, int64(510000), ts)
}

func TestPeerAnswersSyncRequest(t *testing.T) {
	s := newTestStreamer(t, testConfig(), Deps{})
	link := newMemLink()
	streamingPeer(t, s, "p", link)

	link.reply(t, protocol.TypeSyncRequest, 7, protocol.SyncRequest{T1: 42})

	m := link.next(t, protocol.TypeSyncResponse)
	assert.Equal(t, uint32(7), m.ID)

	var resp protocol.SyncResponse
	require.NoError(t, m.Control(&resp))
	assert.Equal(t, int64(42), resp.T1)
	assert.LessOrEqual(t, resp.T2, resp.T3)
	s.closeAll()
}

func TestSessionResetRestartsSequence(t *testing.T) {
	s := newTestStreamer(t, testConfig(), Deps{})
	link := newMemLink()
	p := streamingPeer(t, s, "p", link)

	for i := 0; i < 3; i++ {
		ok, _ := p.Offer(int64(i), nil)
		require.True(t, ok)
	}
	before := p.Session()

	link.reply(t, protocol.TypeResetRequest, 0, protocol.ResetRequest{Reason: "late streak"})
	link.next(t, protocol.TypeSessionReset)

	require.Eventually(t, func() bool { return p.Session() != before }, time.Second, time.Millisecond)
	rec, _ := s.registry.Get("p")
	assert.Equal(t, p.Session(), rec.SessionID)

	ok, _ := p.Offer(100, nil)
	require.True(t, ok)
	f, err := link.next(t, protocol.TypeAudio).Audio()
	require.NoError(t, err)
	assert.Equal(t, uint32(0), f.Seq)
	assert.Equal(t, int64(100), f.Capture)
	s.closeAll()
}

func TestSilentPlayerIsSweptAndClosed(t *testing.T) {
	s := newTestStreamer(t, testConfig(), Deps{})
	now := time.Now()
	s.now = func() time.Time { return now }

	link := newMemLink()
	streamingPeer(t, s, "quiet", link)

	now = now.Add(s.cfg.Registry.LivenessTimeout + time.Second)
	require.NoError(t, s.sweep(context.Background()))

	rec, _ := s.registry.Get("quiet")
	assert.Equal(t, registry.StateLost, rec.State)
	assert.Empty(t, s.registry.Snapshot().Players)
	assert.Eventually(t, link.isClosed, time.Second, time.Millisecond)
}

// fakePeer scripts sync and session outcomes
type fakePeer struct {
	id       string
	syncErr  error
	startErr error
	done     chan struct{}
}

func (f *fakePeer) ID() string                      { return f.id }
func (f *fakePeer) Offer(int64, []byte) (bool, int) { return true, 0 }
func (f *fakePeer) Hello(context.Context, protocol.Hello) (protocol.Register, error) {
	return protocol.Register{PlayerID: f.id}, nil
}
func (f *fakePeer) Synchronize(ctx context.Context, rounds int) (internalsync.State, error) {
	if f.syncErr != nil {
		return internalsync.State{}, f.syncErr
	}
	return internalsync.State{Smoothed: -250, RTT: 900, Samples: rounds}, nil
}
func (f *fakePeer) StartSession(context.Context, protocol.AudioFormat, time.Duration) (string, error) {
	if f.startErr != nil {
		return "", f.startErr
	}
	return "session-1", nil
}
func (f *fakePeer) ResetSession(string) (string, error) { return "session-2", nil }
func (f *fakePeer) Heartbeat(int64) error               { return nil }
func (f *fakePeer) Session() string                     { return "session-1" }
func (f *fakePeer) Close() error                        { return nil }
func (f *fakePeer) Done() <-chan struct{}               { return f.done }

func connectingRecord(t *testing.T, s *Streamer, id string) {
	t.Helper()
	s.registry.Observe(registry.Advertisement{ID: id}, s.now())
	_, err := s.registry.Transition(id, registry.StateConnecting, s.now())
	require.NoError(t, err)
	require.NoError(t, s.registry.Register(id, id, 200*time.Millisecond, s.now()))
}

func TestInitialSyncStartsStreaming(t *testing.T) {
	s := newTestStreamer(t, testConfig(), Deps{})
	connectingRecord(t, s, "p")

	s.syncPeer(context.Background(), &fakePeer{id: "p"}, registry.StateConnecting)

	rec, _ := s.registry.Get("p")
	assert.Equal(t, registry.StateStreaming, rec.State)
	assert.True(t, rec.Synced)
	assert.Equal(t, "session-1", rec.SessionID)
	assert.Equal(t, -250.0, rec.Clock.Smoothed)
}

func TestSyncFailureLeavesPlayerConnecting(t *testing.T) {
	s := newTestStreamer(t, testConfig(), Deps{})
	connectingRecord(t, s, "p")

	failure := &internalsync.SyncFailure{Attempts: 3, Err: internalsync.ErrNoResponse}
	s.syncPeer(context.Background(), &fakePeer{id: "p", syncErr: failure}, registry.StateConnecting)

	rec, ok := s.registry.Get("p")
	require.True(t, ok)
	assert.Equal(t, registry.StateConnecting, rec.State)
	assert.False(t, rec.Synced)
	assert.Contains(t, rec.Failure, "no sync response")
}

func TestDefaultResyncInterval(t *testing.T) {
	assert.Equal(t, 600*time.Second, DefaultConfig().ResyncInterval)
}

func TestResync(t *testing.T) {
	s := newTestStreamer(t, testConfig(), Deps{})
	connectingRecord(t, s, "ok")
	connectingRecord(t, s, "bad")
	s.syncPeer(context.Background(), &fakePeer{id: "ok"}, registry.StateConnecting)
	s.syncPeer(context.Background(), &fakePeer{id: "bad"}, registry.StateConnecting)

	s.syncPeer(context.Background(), &fakePeer{id: "ok"}, registry.StateStreaming)
	rec, _ := s.registry.Get("ok")
	assert.Equal(t, registry.StateStreaming, rec.State)

	s.syncPeer(context.Background(), &fakePeer{id: "bad", syncErr: errors.New("implausible")}, registry.StateStreaming)
	rec, _ = s.registry.Get("bad")
	assert.Equal(t, registry.StateConnecting, rec.State)
	assert.Equal(t, []string{"ok"}, s.registry.Snapshot().IDs())
}

func TestSessionStartFailure(t *testing.T) {
	s := newTestStreamer(t, testConfig(), Deps{})
	connectingRecord(t, s, "p")

	s.syncPeer(context.Background(), &fakePeer{id: "p", startErr: errors.New("no ready")}, registry.StateConnecting)

	rec, _ := s.registry.Get("p")
	assert.Equal(t, registry.StateConnecting, rec.State)
	assert.Contains(t, rec.Failure, "session start")
}

func TestDialFailureKeepsPlayerDiscovered(t *testing.T) {
	var dials atomic.Int32
	cfg := testConfig()
	s := newTestStreamer(t, cfg, Deps{
		Dialer: func(ctx context.Context, addr string) (Link, error) {
			dials.Add(1)
			return nil, errors.New("connection refused")
		},
	})

	rec, _ := s.registry.Observe(registry.Advertisement{ID: "p", Addr: "10.0.0.2:5000"}, s.now())
	s.tryConnect(context.Background(), rec)
	s.wg.Wait()
	// the reconnect budget is one dial per hour
	s.tryConnect(context.Background(), rec)
	s.wg.Wait()

	assert.Equal(t, int32(1), dials.Load())
	rec, _ = s.registry.Get("p")
	assert.Equal(t, registry.StateDiscovered, rec.State)
}

// staticBrowser always finds the same players
type staticBrowser struct {
	services []discovery.Service
}

func (b staticBrowser) Browse(ctx context.Context) ([]discovery.Service, error) {
	return b.services, nil
}

func TestRunStreamsToDiscoveredPlayers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	frames := make(map[string]chan protocol.AudioFrame)
	dialer := func(dctx context.Context, addr string) (Link, error) {
		link := newMemLink()
		ch := make(chan protocol.AudioFrame, 256)
		mu.Lock()
		frames[addr] = ch
		mu.Unlock()
		go fakePlayer(ctx, link, addr, ch)
		return link, nil
	}

	browser := staticBrowser{services: []discovery.Service{
		{ID: "10.0.0.2", Name: "kitchen", Host: "10.0.0.2", Port: 5000},
		{ID: "10.0.0.3", Name: "den", Host: "10.0.0.3", Port: 5000},
	}}

	s := newTestStreamer(t, testConfig(), Deps{
		Source:  audio.Paced(audio.NewToneSource(testFormat, 440)),
		Browser: browser,
		Dialer:  dialer,
	})

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool {
		return len(s.registry.Snapshot().Players) == 2
	}, 3*time.Second, 5*time.Millisecond)

	for _, addr := range []string{"10.0.0.2:5000", "10.0.0.3:5000"} {
		mu.Lock()
		ch := frames[addr]
		mu.Unlock()
		require.NotNil(t, ch, addr)

		var last protocol.AudioFrame
		for i := 0; i < 5; i++ {
			select {
			case f := <-ch:
				if i > 0 {
					assert.Equal(t, last.Seq+1, f.Seq, fmt.Sprintf("%s frame %d", addr, i))
					assert.Greater(t, f.Capture, last.Capture)
				} else {
					assert.Equal(t, uint32(0), f.Seq)
				}
				last = f
			case <-time.After(time.Second):
				t.Fatalf("%s: no audio", addr)
			}
		}
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("streamer did not stop")
	}
}

// failingSource breaks after a few frames
type failingSource struct {
	reads int
}

func (f *failingSource) ReadFrame(ctx context.Context, samples []int32) (int, error) {
	f.reads++
	if f.reads > 3 {
		return 0, errors.New("device unplugged")
	}
	return len(samples), nil
}
func (f *failingSource) Format() audio.Format { return testFormat }
func (f *failingSource) Close() error         { return nil }

func TestSourceFailureStopsStreamer(t *testing.T) {
	s := newTestStreamer(t, testConfig(), Deps{Source: &failingSource{}})

	err := s.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, audio.ErrDevice)
	assert.Contains(t, err.Error(), "device unplugged")
}
