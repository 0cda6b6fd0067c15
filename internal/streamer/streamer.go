// ABOUTME: Streamer service: discovers players, keeps their clocks synced and broadcasts audio
// ABOUTME: Each concern runs as its own runner task over the shared player registry
package streamer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/audera/audera-go/internal/audio"
	"github.com/audera/audera-go/internal/discovery"
	"github.com/audera/audera-go/internal/logging"
	"github.com/audera/audera-go/internal/metrics"
	"github.com/audera/audera-go/internal/protocol"
	"github.com/audera/audera-go/internal/registry"
	"github.com/audera/audera-go/internal/runner"
	internalsync "github.com/audera/audera-go/internal/sync"
	"github.com/audera/audera-go/internal/transport"
	"github.com/audera/audera-go/internal/version"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var errClosed = transport.ErrClosed

// Config holds streamer settings
type Config struct {
	ID   string
	Name string

	Format        audio.Format
	OutputLatency time.Duration

	DiscoveryInterval time.Duration
	SyncCheckInterval time.Duration
	ResyncInterval    time.Duration
	SweepInterval     time.Duration
	HeartbeatInterval time.Duration
	// RegisterTimeout bounds the dial, the Hello/Register handshake and
	// the wait for Ready
	RegisterTimeout time.Duration

	SendQueue       int
	EvictAfterDrops int
	ReconnectEvery  time.Duration
	ReconnectBurst  int

	Sync      internalsync.SyncOptions
	Registry  registry.Config
	Transport transport.Config
}

func DefaultConfig() Config {
	return Config{
		ID:                uuid.NewString(),
		Name:              "audera",
		Format:            audio.DefaultFormat(),
		OutputLatency:     300 * time.Millisecond,
		DiscoveryInterval: 5 * time.Second,
		SyncCheckInterval: time.Second,
		ResyncInterval:    600 * time.Second,
		SweepInterval:     time.Second,
		HeartbeatInterval: 2 * time.Second,
		RegisterTimeout:   5 * time.Second,
		SendQueue:         64,
		EvictAfterDrops:   128,
		ReconnectEvery:    10 * time.Second,
		ReconnectBurst:    2,
		Sync:              internalsync.DefaultSyncOptions(),
		Registry:          registry.DefaultConfig(),
		Transport:         transport.DefaultConfig(),
	}
}

// Dialer opens a link to a player at addr
type Dialer func(ctx context.Context, addr string) (Link, error)

// TransportDialer dials players with the WebSocket transport.
func TransportDialer(cfg transport.Config) Dialer {
	return func(ctx context.Context, addr string) (Link, error) {
		conn, err := transport.Dial(ctx, addr, cfg)
		if err != nil {
			return nil, err
		}
		go conn.KeepAlive(context.Background())
		return conn, nil
	}
}

// Deps are the streamer's collaborators
type Deps struct {
	Source  audio.Source
	Browser discovery.Browser
	Dialer  Dialer
	Clock   internalsync.Clock
	Metrics *metrics.Metrics
	Log     *zap.SugaredLogger
}

// Streamer captures one source and fans it out to every streaming player
type Streamer struct {
	cfg      Config
	log      *zap.SugaredLogger
	metrics  *metrics.Metrics
	clock    internalsync.Clock
	source   audio.Source
	encoder  audio.Encoder
	browser  discovery.Browser
	dial     Dialer
	registry *registry.Registry
	runner   *runner.Runner
	timeline *timeline

	mu       sync.Mutex
	peers    map[string]Peer
	dialing  map[string]bool
	syncing  map[string]bool
	limiters map[string]*rate.Limiter

	wg  sync.WaitGroup
	now func() time.Time
}

// New validates the format against the source and builds a streamer.
func New(cfg Config, deps Deps) (*Streamer, error) {
	if deps.Source == nil {
		return nil, errors.New("streamer needs an audio source")
	}
	if deps.Log == nil {
		deps.Log = zap.NewNop().Sugar()
	}
	if deps.Clock == nil {
		deps.Clock = internalsync.NewMonotonicClock()
	}
	if deps.Dialer == nil {
		deps.Dialer = TransportDialer(cfg.Transport)
	}

	format := deps.Source.Format()
	format.Codec = cfg.Format.Codec
	if cfg.Format.BitDepth != 0 {
		format.BitDepth = cfg.Format.BitDepth
	}
	if err := format.Validate(); err != nil {
		return nil, fmt.Errorf("stream format: %w", err)
	}
	cfg.Format = format

	enc, err := audio.NewEncoder(format)
	if err != nil {
		return nil, fmt.Errorf("failed to create encoder: %w", err)
	}

	log := logging.Component(deps.Log, "streamer")
	s := &Streamer{
		cfg:      cfg,
		log:      log,
		metrics:  deps.Metrics,
		clock:    deps.Clock,
		source:   deps.Source,
		encoder:  enc,
		browser:  deps.Browser,
		dial:     deps.Dialer,
		registry: registry.New(cfg.Registry, registry.DefaultGroup(cfg.OutputLatency)),
		runner:   runner.New(log),
		timeline: newTimeline(format.FrameDuration()),
		peers:    make(map[string]Peer),
		dialing:  make(map[string]bool),
		syncing:  make(map[string]bool),
		limiters: make(map[string]*rate.Limiter),
		now:      time.Now,
	}
	return s, nil
}

// Registry exposes player state for the dashboard.
func (s *Streamer) Registry() *registry.Registry { return s.registry }

// Tasks reports the task history for the dashboard.
func (s *Streamer) Tasks() []runner.TaskStatus { return s.runner.Status() }

// Format is the negotiated stream format.
func (s *Streamer) Format() audio.Format { return s.cfg.Format }

// Run blocks until ctx is cancelled or the source fails.
func (s *Streamer) Run(ctx context.Context) error {
	s.log.Infow("streamer starting",
		"version", version.Version, "id", s.cfg.ID, "name", s.cfg.Name, "format", s.cfg.Format.String(), "latency", s.cfg.OutputLatency)

	if s.browser != nil {
		s.runner.Add(runner.Task{Name: "discovery", Interval: s.cfg.DiscoveryInterval, Run: s.discover})
	}
	s.runner.Add(runner.Task{Name: "sync", Interval: s.cfg.SyncCheckInterval, Run: s.syncTick})
	s.runner.Add(runner.Task{Name: "sweep", Interval: s.cfg.SweepInterval, Run: s.sweep})
	s.runner.Add(runner.Task{Name: "heartbeat", Interval: s.cfg.HeartbeatInterval, Run: s.heartbeat})
	s.runner.Add(runner.Task{Name: "broadcast", Run: s.broadcast})

	err := s.runner.Run(ctx)

	s.closeAll()
	s.wg.Wait()
	s.encoder.Close()

	if err != nil {
		s.log.Errorw("streamer stopped", "error", err)
		return err
	}
	s.log.Infow("streamer stopped cleanly")
	return nil
}

func (s *Streamer) discover(ctx context.Context) error {
	services, err := s.browser.Browse(ctx)
	if err != nil {
		return fmt.Errorf("browse: %w", err)
	}

	now := s.now()
	for _, svc := range services {
		rec, created := s.registry.Observe(registry.Advertisement{ID: svc.ID, Name: svc.Name, Addr: svc.Addr()}, now)
		if created {
			s.log.Infow("player discovered", "player", rec.ID, "name", rec.Name, "addr", rec.Addr)
		}
	}

	for _, rec := range s.registry.All() {
		if rec.State == registry.StateDiscovered {
			s.tryConnect(ctx, rec)
		}
	}
	return nil
}

// tryConnect dials a discovered player in the background unless a dial is
// already running or its reconnect budget is spent.
func (s *Streamer) tryConnect(ctx context.Context, rec registry.PlayerRecord) {
	s.mu.Lock()
	if s.dialing[rec.ID] || s.peers[rec.ID] != nil {
		s.mu.Unlock()
		return
	}
	lim, ok := s.limiters[rec.ID]
	if !ok {
		lim = rate.NewLimiter(rate.Every(s.cfg.ReconnectEvery), s.cfg.ReconnectBurst)
		s.limiters[rec.ID] = lim
	}
	if !lim.Allow() {
		s.mu.Unlock()
		s.log.Debugw("reconnect deferred", "player", rec.ID)
		return
	}
	s.dialing[rec.ID] = true
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.dialing, rec.ID)
			s.mu.Unlock()
		}()
		if err := s.connect(ctx, rec); err != nil && ctx.Err() == nil {
			s.log.Warnw("player connect failed", "player", rec.ID, "addr", rec.Addr, "error", err)
		}
	}()
}

// connect dials a player and runs the Hello/Register handshake. A failed
// dial leaves the record Discovered for the next discovery pass.
func (s *Streamer) connect(ctx context.Context, rec registry.PlayerRecord) error {
	hctx, cancel := context.WithTimeout(ctx, s.cfg.RegisterTimeout)
	defer cancel()

	link, err := s.dial(hctx, rec.Addr)
	if err != nil {
		return err
	}

	if _, err := s.registry.Transition(rec.ID, registry.StateConnecting, s.now()); err != nil {
		link.Close()
		return err
	}

	p := s.attach(rec.ID, link)

	reg, err := p.Hello(hctx, protocol.Hello{
		StreamerID: s.cfg.ID, Name: s.cfg.Name, Version: protocol.Version, Software: version.String(),
	})
	if err != nil {
		p.Close()
		return fmt.Errorf("handshake: %w", err)
	}
	if reg.PlayerID != "" && reg.PlayerID != rec.ID {
		s.log.Warnw("player id differs from advertisement", "player", rec.ID, "registered", reg.PlayerID)
	}

	target := time.Duration(reg.BufferTargetMs) * time.Millisecond
	if err := s.registry.Register(rec.ID, reg.Name, target, s.now()); err != nil {
		p.Close()
		return err
	}
	if target > s.cfg.OutputLatency {
		s.log.Warnw("player buffer target exceeds output latency",
			"player", rec.ID, "target", target, "latency", s.cfg.OutputLatency)
	}

	s.metrics.StreamerConnected()
	s.log.Infow("player connected", "player", rec.ID, "name", reg.Name, "addr", link.RemoteAddr(),
		"software", reg.Software, "manufacturer", reg.Manufacturer)
	return nil
}

// attach wraps link in a peer, starts it and makes it the player's current
// peer, closing any previous one.
func (s *Streamer) attach(id string, link Link) *peer {
	var p *peer
	p = newPeer(id, link, s.cfg.SendQueue, s.clock, s.log, s.metrics, peerHooks{
		activity: func() { s.registry.Touch(id, s.now()) },
		reset:    func(reason string) { s.resetSession(p, reason) },
		closed:   func(err error) { s.peerClosed(p, err) },
	})

	s.mu.Lock()
	old := s.peers[id]
	s.peers[id] = p
	s.mu.Unlock()

	if old != nil {
		go old.Close()
	}

	p.start()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		<-p.Done()
		p.wait()
	}()
	return p
}

func (s *Streamer) peer(id string) Peer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peers[id]
}

func (s *Streamer) allPeers() []Peer {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Peer, 0, len(s.peers))
	for _, p := range s.peers {
		out = append(out, p)
	}
	return out
}

// detach removes p if it is still the player's current peer.
func (s *Streamer) detach(p Peer) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.peers[p.ID()] != p {
		return false
	}
	delete(s.peers, p.ID())
	return true
}

func (s *Streamer) markLost(id string) {
	rec, ok := s.registry.Get(id)
	if !ok || rec.State == registry.StateLost {
		return
	}
	if _, err := s.registry.Transition(id, registry.StateLost, s.now()); err != nil {
		s.log.Debugw("lost transition", "player", id, "error", err)
	}
}

func (s *Streamer) peerClosed(p Peer, err error) {
	if !s.detach(p) {
		return
	}
	s.markLost(p.ID())
	if err != nil {
		s.metrics.PlayerEvicted("connection")
	}
}

// evict drops a player from the broadcast at once. The connection is
// closed in the background so a stuck writer cannot stall the caller.
func (s *Streamer) evict(p Peer, reason string) {
	if !s.detach(p) {
		return
	}
	s.markLost(p.ID())
	s.metrics.PlayerEvicted("queue_full")
	s.log.Warnw("player evicted", "player", p.ID(), "reason", reason)
	go p.Close()
}

func (s *Streamer) resetSession(p Peer, reason string) {
	session, err := p.ResetSession(reason)
	if err != nil {
		s.log.Warnw("session reset failed", "player", p.ID(), "error", err)
		return
	}
	s.registry.SetSession(p.ID(), session)
	s.log.Infow("session reset", "player", p.ID(), "session", session, "reason", reason)
}

func (s *Streamer) syncTick(ctx context.Context) error {
	for _, rec := range s.registry.SyncDue(s.now(), s.cfg.ResyncInterval) {
		p := s.peer(rec.ID)
		if p == nil {
			continue
		}

		s.mu.Lock()
		busy := s.syncing[rec.ID]
		s.syncing[rec.ID] = true
		s.mu.Unlock()
		if busy {
			continue
		}

		s.wg.Add(1)
		go func(rec registry.PlayerRecord) {
			defer s.wg.Done()
			defer func() {
				s.mu.Lock()
				delete(s.syncing, rec.ID)
				s.mu.Unlock()
			}()
			s.syncPeer(ctx, p, rec.State)
		}(rec)
	}
	return nil
}

// syncBudget bounds how long the streamer waits for a player's sync report.
func (s *Streamer) syncBudget() time.Duration {
	o := s.cfg.Sync
	attempts := o.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	per := time.Duration(o.Rounds)*o.Spacing + o.ExchangeTimeout
	return time.Duration(attempts)*per + o.MaxBackoff
}

// syncPeer runs one synchronization. A first sync ends with the player
// Streaming in a fresh session, a resync returns it to Streaming. Any
// failure leaves it Connecting and outside the broadcast.
func (s *Streamer) syncPeer(ctx context.Context, p Peer, from registry.State) {
	id := p.ID()
	resync := from == registry.StateStreaming
	if resync {
		if _, err := s.registry.Transition(id, registry.StateResyncing, s.now()); err != nil {
			return
		}
	}

	sctx, cancel := context.WithTimeout(ctx, s.syncBudget())
	clock, err := p.Synchronize(sctx, s.cfg.Sync.Rounds)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		s.metrics.SyncFailed(id)
		s.registry.MarkUnsynced(id, err.Error(), s.now())
		s.log.Warnw("clock sync failed", "player", id, "error", err)
		return
	}

	s.registry.SetClock(id, clock, s.now())
	s.metrics.ObserveSync(id, clock.Smoothed, time.Duration(clock.RTT)*time.Microsecond)
	s.log.Debugw("clock synced", "player", id,
		"offset", clock.OffsetDuration(), "rtt_us", clock.RTT, "samples", clock.Samples, "drift_ppm", clock.Drift*1e6)

	if resync {
		s.registry.Transition(id, registry.StateStreaming, s.now())
		return
	}

	if _, err := s.registry.Transition(id, registry.StateSynced, s.now()); err != nil {
		return
	}

	rctx, cancel := context.WithTimeout(ctx, s.cfg.RegisterTimeout)
	session, err := p.StartSession(rctx, s.cfg.Format.Wire(), s.cfg.OutputLatency)
	cancel()
	if err != nil {
		if ctx.Err() == nil {
			s.registry.MarkUnsynced(id, fmt.Sprintf("session start: %v", err), s.now())
			s.log.Warnw("session start failed", "player", id, "error", err)
		}
		return
	}

	s.registry.SetSession(id, session)
	if _, err := s.registry.Transition(id, registry.StateStreaming, s.now()); err != nil {
		return
	}
	s.log.Infow("player streaming", "player", id, "session", session)
}

func (s *Streamer) sweep(ctx context.Context) error {
	lost, pruned := s.registry.Sweep(s.now())

	for _, id := range lost {
		if p := s.peer(id); p != nil && s.detach(p) {
			go p.Close()
		}
		s.metrics.PlayerEvicted("liveness")
		s.log.Warnw("player lost", "player", id)
	}

	s.mu.Lock()
	for _, id := range pruned {
		delete(s.limiters, id)
	}
	s.mu.Unlock()
	for _, id := range pruned {
		s.metrics.ForgetPlayer(id)
		s.log.Infow("player pruned", "player", id)
	}

	counts := make(map[string]int)
	for state, n := range s.registry.Counts() {
		counts[state.String()] = n
	}
	s.metrics.SetPlayers(counts)
	return nil
}

func (s *Streamer) heartbeat(ctx context.Context) error {
	now := s.clock.Now()
	for _, p := range s.allPeers() {
		if err := p.Heartbeat(now); err != nil {
			s.log.Debugw("heartbeat not sent", "player", p.ID(), "error", err)
		}
	}
	return nil
}

func (s *Streamer) closeAll() {
	for _, p := range s.allPeers() {
		if s.detach(p) {
			p.Close()
		}
	}
}
