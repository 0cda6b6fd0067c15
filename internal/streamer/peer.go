// ABOUTME: One connected player as seen by the streamer
// ABOUTME: Owns a bounded audio queue, a writer goroutine and a reader answering sync requests
package streamer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/audera/audera-go/internal/metrics"
	"github.com/audera/audera-go/internal/protocol"
	internalsync "github.com/audera/audera-go/internal/sync"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrQueueFull = errors.New("send queue full")
	errGoodbye   = errors.New("player said goodbye")
)

// controlQueue bounds control frames waiting for the writer
const controlQueue = 16

// Link is the wire side of a peer. *transport.Conn implements it.
type Link interface {
	SendFunc(build func() (protocol.Message, error)) error
	Receive() (protocol.Message, error)
	Close() error
	RemoteAddr() string
}

// Peer is the streamer's handle on one connected player
type Peer interface {
	ID() string
	// Offer queues one audio frame without blocking. When the queue is full
	// the frame is dropped and the consecutive drop count is returned.
	Offer(capture int64, payload []byte) (ok bool, drops int)
	Hello(ctx context.Context, hello protocol.Hello) (protocol.Register, error)
	Synchronize(ctx context.Context, rounds int) (internalsync.State, error)
	StartSession(ctx context.Context, format protocol.AudioFormat, latency time.Duration) (string, error)
	ResetSession(reason string) (string, error)
	Heartbeat(now int64) error
	Session() string
	Close() error
	Done() <-chan struct{}
}

type peerHooks struct {
	// activity is called for every inbound frame
	activity func()
	// reset is called when the player asks for a new session
	reset func(reason string)
	// closed is called once, with the cause when the peer failed
	closed func(err error)
}

type pendingKey struct {
	t  protocol.Type
	id uint32
}

type peer struct {
	id    string
	link  Link
	clock internalsync.Clock
	log   *zap.SugaredLogger
	m     *metrics.Metrics
	hooks peerHooks

	audio   chan protocol.Message
	control chan func() (protocol.Message, error)

	mu      sync.Mutex
	seq     uint32
	session string
	drops   int
	pending map[pendingKey]chan protocol.Message

	exchange atomic.Uint32

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func newPeer(id string, link Link, queue int, clock internalsync.Clock, log *zap.SugaredLogger, m *metrics.Metrics, hooks peerHooks) *peer {
	if queue <= 0 {
		queue = 1
	}
	return &peer{
		id:      id,
		link:    link,
		clock:   clock,
		log:     log.With("player", id),
		m:       m,
		hooks:   hooks,
		audio:   make(chan protocol.Message, queue),
		control: make(chan func() (protocol.Message, error), controlQueue),
		pending: make(map[pendingKey]chan protocol.Message),
		stop:    make(chan struct{}),
	}
}

// start launches the writer and reader goroutines.
func (p *peer) start() {
	p.wg.Add(2)
	go p.writeLoop()
	go p.readLoop()
}

func (p *peer) ID() string { return p.id }

func (p *peer) Done() <-chan struct{} { return p.stop }

func (p *peer) Session() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.session
}

func (p *peer) Offer(capture int64, payload []byte) (bool, int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	select {
	case <-p.stop:
		p.drops++
		return false, p.drops
	default:
	}

	m := protocol.NewAudio(protocol.AudioFrame{Seq: p.seq, Capture: capture, Payload: payload})
	select {
	case p.audio <- m:
		p.seq++
		p.drops = 0
		return true, 0
	default:
		p.drops++
		return false, p.drops
	}
}

// inBand replaces whatever audio is queued with msg and restarts the
// sequence. Frames enqueued afterwards belong to the new session.
func (p *peer) inBand(msg protocol.Message, session string) {
	p.mu.Lock()
	defer p.mu.Unlock()

drain:
	for {
		select {
		case <-p.audio:
		default:
			break drain
		}
	}
	p.seq = 0
	p.drops = 0
	p.session = session
	p.audio <- msg
}

func (p *peer) sendControl(build func() (protocol.Message, error)) error {
	select {
	case <-p.stop:
		return errClosed
	default:
	}
	select {
	case p.control <- build:
		return nil
	default:
		return ErrQueueFull
	}
}

func (p *peer) sendMessage(m protocol.Message) error {
	return p.sendControl(func() (protocol.Message, error) { return m, nil })
}

// request sends a message built by send and waits for the reply of type
// reply carrying the same exchange id.
func (p *peer) request(ctx context.Context, reply protocol.Type, send func(id uint32) error) (protocol.Message, error) {
	id := p.exchange.Add(1)
	key := pendingKey{t: reply, id: id}
	ch := make(chan protocol.Message, 1)

	p.mu.Lock()
	p.pending[key] = ch
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.pending, key)
		p.mu.Unlock()
	}()

	if err := send(id); err != nil {
		return protocol.Message{}, err
	}

	select {
	case m := <-ch:
		return m, nil
	case <-ctx.Done():
		return protocol.Message{}, fmt.Errorf("waiting for %s: %w", reply, ctx.Err())
	case <-p.stop:
		return protocol.Message{}, errClosed
	}
}

func (p *peer) deliver(m protocol.Message) bool {
	p.mu.Lock()
	ch, ok := p.pending[pendingKey{t: m.Type, id: m.ID}]
	p.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case ch <- m:
	default:
	}
	return true
}

func (p *peer) Hello(ctx context.Context, hello protocol.Hello) (protocol.Register, error) {
	m, err := p.request(ctx, protocol.TypeRegister, func(id uint32) error {
		msg, err := protocol.NewControl(protocol.TypeHello, id, hello)
		if err != nil {
			return err
		}
		return p.sendMessage(msg)
	})
	if err != nil {
		return protocol.Register{}, err
	}

	var reg protocol.Register
	if err := m.Control(&reg); err != nil {
		return protocol.Register{}, err
	}
	return reg, nil
}

// Synchronize asks the player to run a clock sync against this streamer and
// waits for its report.
func (p *peer) Synchronize(ctx context.Context, rounds int) (internalsync.State, error) {
	m, err := p.request(ctx, protocol.TypeSyncReport, func(id uint32) error {
		msg, err := protocol.NewControl(protocol.TypeSyncBegin, id, protocol.SyncBegin{Rounds: rounds})
		if err != nil {
			return err
		}
		return p.sendMessage(msg)
	})
	if err != nil {
		return internalsync.State{}, &internalsync.SyncFailure{Attempts: 1, Err: fmt.Errorf("%w: %v", internalsync.ErrNoResponse, err)}
	}

	var rep protocol.SyncReport
	if err := m.Control(&rep); err != nil {
		return internalsync.State{}, err
	}
	if !rep.OK {
		return internalsync.State{}, &internalsync.SyncFailure{Attempts: 1, Accepted: rep.Samples, Err: errors.New(rep.Error)}
	}

	quality := internalsync.QualityGood
	if rep.RTT >= internalsync.DefaultFilterConfig().DegradedRTT {
		quality = internalsync.QualityDegraded
	}
	return internalsync.State{
		Offset:   rep.Offset,
		Smoothed: rep.Smoothed,
		Drift:    rep.Drift,
		RTT:      rep.RTT,
		MinRTT:   rep.MinRTT,
		Samples:  rep.Samples,
		Rejected: rep.Rejected,
		LastSync: time.Now(),
		Quality:  quality,
	}, nil
}

// StartSession opens a fresh session and waits for the player's Ready.
func (p *peer) StartSession(ctx context.Context, format protocol.AudioFormat, latency time.Duration) (string, error) {
	session := uuid.NewString()
	m, err := p.request(ctx, protocol.TypeReady, func(id uint32) error {
		msg, err := protocol.NewControl(protocol.TypeSessionStart, id, protocol.SessionStart{
			SessionID: session,
			Format:    format,
			LatencyMs: int(latency / time.Millisecond),
		})
		if err != nil {
			return err
		}
		p.inBand(msg, session)
		return nil
	})
	if err != nil {
		return "", err
	}

	var ready protocol.Ready
	if err := m.Control(&ready); err != nil {
		return "", err
	}
	if ready.SessionID != session {
		return "", fmt.Errorf("%w: ready for session %s, expected %s", protocol.ErrMalformed, ready.SessionID, session)
	}
	return session, nil
}

// ResetSession restarts sequence numbers. The player sees the reset in
// order with the audio, so no frame of the old session follows it.
func (p *peer) ResetSession(reason string) (string, error) {
	session := uuid.NewString()
	msg, err := protocol.NewControl(protocol.TypeSessionReset, 0, protocol.SessionReset{SessionID: session, Reason: reason})
	if err != nil {
		return "", err
	}
	p.inBand(msg, session)
	return session, nil
}

func (p *peer) Heartbeat(now int64) error {
	msg, err := protocol.NewControl(protocol.TypeHeartbeat, 0, protocol.Heartbeat{Sent: now})
	if err != nil {
		return err
	}
	return p.sendMessage(msg)
}

func (p *peer) writeLoop() {
	defer p.wg.Done()

	for {
		// control frames go first so sync replies are not stuck behind audio
		select {
		case build := <-p.control:
			if !p.write(build) {
				return
			}
			continue
		default:
		}

		select {
		case <-p.stop:
			return
		case build := <-p.control:
			if !p.write(build) {
				return
			}
		case m := <-p.audio:
			if !p.write(func() (protocol.Message, error) { return m, nil }) {
				return
			}
			if m.Type == protocol.TypeAudio {
				p.m.FrameSent(p.id)
			}
		}
	}
}

func (p *peer) write(build func() (protocol.Message, error)) bool {
	if err := p.link.SendFunc(build); err != nil {
		p.fail(fmt.Errorf("write: %w", err))
		return false
	}
	return true
}

func (p *peer) readLoop() {
	defer p.wg.Done()

	for {
		m, err := p.link.Receive()
		if err != nil {
			p.fail(fmt.Errorf("receive: %w", err))
			return
		}
		received := p.clock.Now()

		if p.hooks.activity != nil {
			p.hooks.activity()
		}

		if err := p.handle(m, received); err != nil {
			p.fail(err)
			return
		}
	}
}

func (p *peer) handle(m protocol.Message, received int64) error {
	switch m.Type {
	case protocol.TypeSyncRequest:
		var req protocol.SyncRequest
		if err := m.Control(&req); err != nil {
			return err
		}
		id := m.ID
		err := p.sendControl(func() (protocol.Message, error) {
			return protocol.NewControl(protocol.TypeSyncResponse, id, protocol.SyncResponse{
				T1: req.T1,
				T2: received,
				T3: p.clock.Now(),
			})
		})
		if err != nil {
			p.log.Debugw("sync reply dropped", "error", err)
		}

	case protocol.TypeRegister, protocol.TypeReady, protocol.TypeSyncReport:
		if !p.deliver(m) {
			p.log.Debugw("unsolicited reply", "type", m.Type, "id", m.ID)
		}

	case protocol.TypeResetRequest:
		var req protocol.ResetRequest
		if err := m.Control(&req); err != nil {
			return err
		}
		if req.SessionID != "" && req.SessionID != p.Session() {
			return nil
		}
		if p.hooks.reset != nil {
			p.hooks.reset(req.Reason)
		}

	case protocol.TypeHeartbeat:

	case protocol.TypeGoodbye:
		var bye protocol.Goodbye
		_ = m.Control(&bye)
		return fmt.Errorf("%w: %s", errGoodbye, bye.Reason)

	default:
		return fmt.Errorf("%w: unexpected %s from player", protocol.ErrMalformed, m.Type)
	}
	return nil
}

func (p *peer) fail(err error) {
	p.shutdown(err)
}

// Close disconnects the player.
func (p *peer) Close() error {
	p.shutdown(nil)
	return nil
}

func (p *peer) shutdown(cause error) {
	p.stopOnce.Do(func() {
		close(p.stop)
		p.link.Close()
		if cause != nil && !errors.Is(cause, errClosed) {
			p.log.Infow("player connection ended", "error", cause)
		}
		if p.hooks.closed != nil {
			p.hooks.closed(cause)
		}
	})
}

// wait blocks until both goroutines have exited.
func (p *peer) wait() {
	p.wg.Wait()
}
