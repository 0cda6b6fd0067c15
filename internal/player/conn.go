// ABOUTME: One streamer connection as seen by the player
// ABOUTME: Answers handshake, clock sync and session messages and feeds audio to the scheduler
package player

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/audera/audera-go/internal/audio"
	"github.com/audera/audera-go/internal/protocol"
	internalsync "github.com/audera/audera-go/internal/sync"
	"github.com/audera/audera-go/internal/transport"
	"github.com/audera/audera-go/internal/version"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var errReplaced = errors.New("replaced by a newer streamer connection")

// wire is the part of *transport.Conn the player uses
type wire interface {
	Send(m protocol.Message) error
	Receive() (protocol.Message, error)
	Close() error
	RemoteAddr() string
}

type streamConn struct {
	id   string
	wire wire
	log  *zap.SugaredLogger

	ctx    context.Context
	cancel context.CancelFunc

	lastSeen atomic.Int64
	syncing  atomic.Bool
	probeID  atomic.Uint32

	mu       sync.Mutex
	streamer string
	session  string
	probes   map[uint32]chan internalsync.Sample
	closed   bool
}

func newStreamConn(w wire, log *zap.SugaredLogger) *streamConn {
	ctx, cancel := context.WithCancel(context.Background())
	id := uuid.NewString()
	return &streamConn{
		id:     id,
		wire:   w,
		log:    log.With("conn", id[:8], "remote", w.RemoteAddr()),
		ctx:    ctx,
		cancel: cancel,
		probes: make(map[uint32]chan internalsync.Sample),
	}
}

func (c *streamConn) send(t protocol.Type, id uint32, v interface{}) error {
	m, err := protocol.NewControl(t, id, v)
	if err != nil {
		return err
	}
	return c.wire.Send(m)
}

func (c *streamConn) touch(now time.Time) {
	c.lastSeen.Store(now.UnixNano())
}

func (c *streamConn) silentFor(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, c.lastSeen.Load()))
}

func (c *streamConn) Session() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

func (c *streamConn) setSession(id string) {
	c.mu.Lock()
	c.session = id
	c.mu.Unlock()
}

func (c *streamConn) close(reason error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	if errors.Is(reason, errReplaced) {
		c.send(protocol.TypeGoodbye, 0, protocol.Goodbye{Reason: reason.Error()})
	}
	c.cancel()
	c.wire.Close()
	c.log.Infow("streamer connection closed", "reason", reason)
}

// probe runs one four-timestamp exchange over the connection.
func (p *Player) probe(c *streamConn) internalsync.ProbeFunc {
	return func(ctx context.Context) (internalsync.Sample, error) {
		id := c.probeID.Add(1)
		ch := make(chan internalsync.Sample, 1)

		c.mu.Lock()
		c.probes[id] = ch
		c.mu.Unlock()
		defer func() {
			c.mu.Lock()
			delete(c.probes, id)
			c.mu.Unlock()
		}()

		if err := c.send(protocol.TypeSyncRequest, id, protocol.SyncRequest{T1: p.clock.Now()}); err != nil {
			return internalsync.Sample{}, err
		}

		select {
		case s := <-ch:
			if rtt := s.RTT(); rtt >= 0 {
				p.observeRTT(time.Duration(rtt) * time.Microsecond)
			}
			return s, nil
		case <-ctx.Done():
			return internalsync.Sample{}, ctx.Err()
		}
	}
}

func (c *streamConn) deliverProbe(id uint32, s internalsync.Sample) bool {
	c.mu.Lock()
	ch, ok := c.probes[id]
	c.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case ch <- s:
	default:
	}
	return true
}

// serveConn reads frames until the connection fails or is replaced.
func (p *Player) serveConn(c *streamConn) {
	defer p.release(c)

	for {
		m, err := c.wire.Receive()
		if err != nil {
			if c.ctx.Err() == nil && !errors.Is(err, transport.ErrClosed) {
				c.log.Infow("streamer connection lost", "error", err)
			}
			return
		}
		received := p.clock.Now()
		c.touch(time.Now())

		if err := p.handle(c, m, received); err != nil {
			c.log.Warnw("dropping streamer connection", "error", err)
			c.close(err)
			return
		}
	}
}

func (p *Player) handle(c *streamConn, m protocol.Message, received int64) error {
	switch m.Type {
	case protocol.TypeAudio:
		f, err := m.Audio()
		if err != nil {
			return err
		}
		if c.Session() == "" {
			return nil
		}
		p.sched.Ingest(f)

	case protocol.TypeHello:
		var hello protocol.Hello
		if err := m.Control(&hello); err != nil {
			return err
		}
		c.mu.Lock()
		c.streamer = hello.StreamerID
		c.mu.Unlock()
		p.metrics.StreamerConnected()
		c.log.Infow("streamer registered", "streamer", hello.StreamerID, "name", hello.Name,
			"version", hello.Version, "software", hello.Software)
		return c.send(protocol.TypeRegister, m.ID, protocol.Register{
			PlayerID:       p.cfg.ID,
			Name:           p.cfg.Name,
			Version:        protocol.Version,
			BufferTargetMs: int(p.target.Target() / time.Millisecond),
			Codecs:         []string{"pcm", "opus"},
			Product:        version.Product,
			Software:       version.String(),
			Manufacturer:   version.Manufacturer,
		})

	case protocol.TypeSyncBegin:
		var begin protocol.SyncBegin
		if err := m.Control(&begin); err != nil {
			return err
		}
		if !c.syncing.CompareAndSwap(false, true) {
			return c.send(protocol.TypeSyncReport, m.ID, protocol.SyncReport{Error: "sync already running"})
		}
		p.wg.Add(1)
		go func(id uint32) {
			defer p.wg.Done()
			defer c.syncing.Store(false)
			p.runSync(c, id, begin.Rounds)
		}(m.ID)

	case protocol.TypeSyncResponse:
		var resp protocol.SyncResponse
		if err := m.Control(&resp); err != nil {
			return err
		}
		sample := internalsync.Sample{T1: resp.T1, T2: resp.T2, T3: resp.T3, T4: received}
		if !c.deliverProbe(m.ID, sample) {
			c.log.Debugw("sync response for unknown probe", "id", m.ID)
		}

	case protocol.TypeSessionStart:
		var start protocol.SessionStart
		if err := m.Control(&start); err != nil {
			return err
		}
		return p.startSession(c, m.ID, start)

	case protocol.TypeSessionReset:
		var reset protocol.SessionReset
		if err := m.Control(&reset); err != nil {
			return err
		}
		p.sched.Reset()
		c.setSession(reset.SessionID)
		c.log.Infow("session reset", "session", reset.SessionID, "reason", reset.Reason)

	case protocol.TypeHeartbeat:

	case protocol.TypeGoodbye:
		var bye protocol.Goodbye
		_ = m.Control(&bye)
		return fmt.Errorf("streamer said goodbye: %s", bye.Reason)

	default:
		return fmt.Errorf("%w: unexpected %s from streamer", protocol.ErrMalformed, m.Type)
	}
	return nil
}

// runSync synchronizes against the streamer and reports the outcome under
// the streamer's exchange id.
func (p *Player) runSync(c *streamConn, id uint32, rounds int) {
	opts := p.cfg.Sync
	if rounds > 0 {
		opts.Rounds = rounds
		if opts.MinSamples > rounds {
			opts.MinSamples = rounds
		}
	}

	state, err := internalsync.Synchronize(c.ctx, p.probe(c), p.filter, opts)
	if c.ctx.Err() != nil {
		return
	}

	report := protocol.SyncReport{
		OK:       err == nil,
		Offset:   state.Offset,
		Smoothed: state.Smoothed,
		Drift:    state.Drift,
		RTT:      state.RTT,
		MinRTT:   state.MinRTT,
		Samples:  state.Samples,
		Rejected: state.Rejected,
	}
	if err != nil {
		report.Error = err.Error()
		c.log.Warnw("clock sync failed", "error", err)
	} else {
		p.metrics.SetClock(state.Smoothed, state.RTT)
		c.log.Debugw("clock synced", "offset_us", state.Smoothed, "rtt_us", state.RTT, "samples", state.Samples)
	}
	report.BufferTargetMs = int(p.target.Target() / time.Millisecond)

	if err := c.send(protocol.TypeSyncReport, id, report); err != nil {
		c.log.Debugw("sync report not sent", "error", err)
	}
}

func (p *Player) startSession(c *streamConn, id uint32, start protocol.SessionStart) error {
	format := audio.FormatFromWire(start.Format)
	if err := format.Validate(); err != nil {
		return fmt.Errorf("%w: session format: %v", protocol.ErrMalformed, err)
	}
	if err := p.output.Configure(format); err != nil {
		return fmt.Errorf("configure output: %w", err)
	}

	latency := time.Duration(start.LatencyMs) * time.Millisecond
	p.sched.Configure(p.deadlineFunc(latency), format.FrameDuration())
	c.setSession(start.SessionID)

	c.log.Infow("session started", "session", start.SessionID, "format", format.String(), "latency", latency)
	return c.send(protocol.TypeReady, id, protocol.Ready{SessionID: start.SessionID})
}
