// ABOUTME: Player service: advertises itself, accepts the streamer and plays in sync
// ABOUTME: Serves the WebSocket endpoint and /metrics and runs scheduler, output and liveness tasks
package player

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/audera/audera-go/internal/audio"
	"github.com/audera/audera-go/internal/discovery"
	"github.com/audera/audera-go/internal/logging"
	"github.com/audera/audera-go/internal/metrics"
	"github.com/audera/audera-go/internal/protocol"
	"github.com/audera/audera-go/internal/runner"
	internalsync "github.com/audera/audera-go/internal/sync"
	"github.com/audera/audera-go/internal/transport"
	"github.com/audera/audera-go/internal/version"
	"go.uber.org/zap"
)

// Config holds player settings
type Config struct {
	ID   string
	Name string
	// Listen is the TCP address of the HTTP endpoint
	Listen    string
	Advertise bool
	Volume    int

	Buffer    BufferConfig
	Scheduler SchedulerConfig
	Adaptive  AdaptiveConfig
	// AdaptiveTarget lets round trips move the reported buffer target
	AdaptiveTarget bool

	HeartbeatInterval time.Duration
	LivenessTimeout   time.Duration

	Sync      internalsync.SyncOptions
	Filter    internalsync.FilterConfig
	Transport transport.Config
}

func DefaultConfig() Config {
	return Config{
		ID:                discovery.LocalPlayerID(),
		Name:              "audera player",
		Listen:            ":5000",
		Advertise:         true,
		Volume:            100,
		Buffer:            DefaultBufferConfig(),
		Scheduler:         SchedulerConfig{OutputQueue: 4, ResetAfterLate: 50},
		Adaptive:          DefaultAdaptiveConfig(),
		AdaptiveTarget:    true,
		HeartbeatInterval: 2 * time.Second,
		LivenessTimeout:   15 * time.Second,
		Sync:              internalsync.DefaultSyncOptions(),
		Filter:            internalsync.DefaultFilterConfig(),
		Transport:         transport.DefaultConfig(),
	}
}

// Deps are the player's collaborators
type Deps struct {
	Sink    audio.Sink
	Clock   internalsync.Clock
	Metrics *metrics.Metrics
	Log     *zap.SugaredLogger
}

// Status is a point-in-time view for diagnostics
type Status struct {
	Connected    bool
	Remote       string
	Streamer     string
	Session      string
	Format       audio.Format
	Clock        internalsync.State
	BufferTarget time.Duration
	Depth        int
	Stats        Stats
}

// Player receives one stream and plays it on time
type Player struct {
	cfg     Config
	log     *zap.SugaredLogger
	metrics *metrics.Metrics
	clock   internalsync.Clock

	filter *internalsync.Filter
	sched  *Scheduler
	output *Output
	target *AdaptiveTarget
	runner *runner.Runner

	mu   sync.Mutex
	conn *streamConn
	addr string

	ready chan struct{}
	wg    sync.WaitGroup
}

// New builds a player. Nothing listens until Run.
func New(cfg Config, deps Deps) (*Player, error) {
	if deps.Sink == nil {
		return nil, errors.New("player needs an audio sink")
	}
	if deps.Log == nil {
		deps.Log = zap.NewNop().Sugar()
	}
	if deps.Clock == nil {
		deps.Clock = internalsync.WallClock{}
	}
	if cfg.ID == "" {
		cfg.ID = discovery.LocalPlayerID()
	}
	if v, ok := deps.Sink.(interface{ SetVolume(int) }); ok {
		v.SetVolume(cfg.Volume)
	}

	log := logging.Component(deps.Log, "player")
	p := &Player{
		cfg:     cfg,
		log:     log,
		metrics: deps.Metrics,
		clock:   deps.Clock,
		filter:  internalsync.NewFilter(cfg.Filter),
		output:  NewOutput(deps.Sink, log),
		target:  NewAdaptiveTarget(cfg.Adaptive),
		runner:  runner.New(log),
		ready:   make(chan struct{}),
	}
	p.sched = NewScheduler(NewReceiveBuffer(cfg.Buffer, p.deadlineFunc(0)), deps.Clock, cfg.Scheduler, deps.Metrics, log)
	p.sched.OnLateStreak(p.requestReset)
	p.metrics.SetBufferTarget(p.target.Target())
	return p, nil
}

// deadlineFunc maps a capture time to local playback time:
// capture + latency - offset, through the drift-aware filter.
func (p *Player) deadlineFunc(latency time.Duration) DeadlineFunc {
	lat := latency.Microseconds()
	return func(capture int64) int64 {
		return p.filter.StreamerToLocal(capture + lat)
	}
}

func (p *Player) observeRTT(rtt time.Duration) {
	if !p.cfg.AdaptiveTarget {
		return
	}
	if target, changed := p.target.Observe(rtt); changed {
		p.metrics.SetBufferTarget(target)
		p.log.Infow("buffer target adjusted", "target", target)
	}
}

// Handler serves the streamer endpoint and metrics.
func (p *Player) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(transport.Path, p.handleStream)
	mux.Handle("/metrics", p.metrics.Handler())
	return mux
}

func (p *Player) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := transport.Upgrade(w, r, p.cfg.Transport)
	if err != nil {
		p.log.Warnw("streamer upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	c := newStreamConn(conn, p.log)
	c.touch(time.Now())
	p.attach(c)

	go conn.KeepAlive(c.ctx)
	c.log.Infow("streamer connected")
	p.serveConn(c)
}

// attach makes c the current connection. An older one is closed and the
// clock estimate starts over for the new streamer.
func (p *Player) attach(c *streamConn) {
	p.mu.Lock()
	old := p.conn
	p.conn = c
	p.mu.Unlock()

	if old != nil {
		old.close(errReplaced)
	}
	p.filter.Reset()
	p.sched.Reset()
}

// release forgets c if it is still current.
func (p *Player) release(c *streamConn) {
	c.close(errors.New("connection ended"))

	p.mu.Lock()
	if p.conn == c {
		p.conn = nil
	}
	p.mu.Unlock()
}

func (p *Player) current() *streamConn {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn
}

func (p *Player) requestReset() {
	c := p.current()
	if c == nil {
		return
	}
	err := c.send(protocol.TypeResetRequest, 0, protocol.ResetRequest{SessionID: c.Session(), Reason: "late frames"})
	if err != nil {
		c.log.Debugw("reset request not sent", "error", err)
	}
}

// Addr returns the bound listen address once Ready is closed.
func (p *Player) Addr() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.addr
}

// Ready is closed once the player is listening.
func (p *Player) Ready() <-chan struct{} { return p.ready }

// Status reports the current connection and buffer state.
func (p *Player) Status() Status {
	st := Status{
		Clock:        p.filter.State(),
		Format:       p.output.Format(),
		BufferTarget: p.target.Target(),
		Depth:        p.sched.Depth(),
		Stats:        p.sched.Stats(),
	}
	if c := p.current(); c != nil {
		c.mu.Lock()
		st.Connected = true
		st.Remote = c.wire.RemoteAddr()
		st.Streamer = c.streamer
		st.Session = c.session
		c.mu.Unlock()
	}
	return st
}

// Run serves until ctx is cancelled or the output device fails.
func (p *Player) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", p.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", p.cfg.Listen, err)
	}
	p.mu.Lock()
	p.addr = ln.Addr().String()
	p.mu.Unlock()

	p.log.Infow("player starting", "version", version.Version, "id", p.cfg.ID, "name", p.cfg.Name, "addr", p.addr)

	if p.cfg.Advertise {
		adv := discovery.NewAdvertiser(discovery.AdvertiserConfig{
			ID:      p.cfg.ID,
			Name:    p.cfg.Name,
			Port:    ln.Addr().(*net.TCPAddr).Port,
			Version: protocol.Version,
		}, p.log)
		if err := adv.Start(); err != nil {
			ln.Close()
			return fmt.Errorf("advertise: %w", err)
		}
		defer adv.Shutdown()
	}
	close(p.ready)

	p.runner.Add(runner.Task{Name: "http", Run: func(ctx context.Context) error { return p.serve(ctx, ln) }})
	p.runner.Add(runner.Task{Name: "scheduler", Run: p.sched.Run})
	p.runner.Add(runner.Task{Name: "output", Run: func(ctx context.Context) error {
		if err := p.output.Run(ctx, p.sched.Output()); err != nil {
			return runner.Fatal(err)
		}
		return nil
	}})
	p.runner.Add(runner.Task{Name: "heartbeat", Interval: p.cfg.HeartbeatInterval, Run: p.heartbeat})
	p.runner.Add(runner.Task{Name: "liveness", Interval: time.Second, Run: p.checkLiveness})

	err = p.runner.Run(ctx)

	if c := p.current(); c != nil {
		c.close(errors.New("player stopping"))
	}
	p.wg.Wait()
	p.output.Close()

	if err != nil {
		p.log.Errorw("player stopped", "error", err)
		return err
	}
	p.log.Infow("player stopped cleanly")
	return nil
}

func (p *Player) serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           p.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		return runner.Fatal(fmt.Errorf("http server: %w", err))
	}
}

func (p *Player) heartbeat(ctx context.Context) error {
	c := p.current()
	if c == nil {
		return nil
	}
	return c.send(protocol.TypeHeartbeat, 0, protocol.Heartbeat{Sent: p.clock.Now()})
}

// checkLiveness drops a streamer that went silent so a later dial can take
// its place, and ages the clock estimate.
func (p *Player) checkLiveness(ctx context.Context) error {
	if q := p.filter.CheckQuality(time.Now()); q == internalsync.QualityLost && p.filter.State().Samples > 0 {
		p.log.Debugw("clock estimate is stale")
	}

	c := p.current()
	if c == nil {
		return nil
	}
	if silent := c.silentFor(time.Now()); silent > p.cfg.LivenessTimeout {
		c.log.Warnw("streamer went silent", "silent_for", silent.Round(time.Millisecond))
		c.close(fmt.Errorf("no traffic for %s", silent.Round(time.Millisecond)))
	}
	return nil
}
