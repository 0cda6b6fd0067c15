// ABOUTME: One-off diagnostic connection to a single player
// ABOUTME: Identifies as a streamer and runs repeated clock syncs without streaming
package streamer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/audera/audera-go/internal/protocol"
	internalsync "github.com/audera/audera-go/internal/sync"
	"github.com/audera/audera-go/internal/transport"
	"github.com/audera/audera-go/internal/version"
	"go.uber.org/zap"
)

// ProbeOptions configures Probe
type ProbeOptions struct {
	ID   string
	Name string
	// Rounds is the number of exchanges per sync, Repeat the number of syncs
	Rounds   int
	Repeat   int
	Interval time.Duration
	// Timeout bounds the dial, the handshake and each sync
	Timeout time.Duration

	Dialer Dialer
	Clock  internalsync.Clock
}

func DefaultProbeOptions() ProbeOptions {
	return ProbeOptions{
		ID:       "audera-probe",
		Name:     "audera-probe",
		Rounds:   internalsync.DefaultSyncOptions().Rounds,
		Repeat:   1,
		Interval: time.Second,
		Timeout:  5 * time.Second,
	}
}

// ProbeResult holds the successful syncs and the failures.
type ProbeResult struct {
	Register protocol.Register
	Syncs    []internalsync.State
	Errors   []error
}

// Probe connects to the player at addr and reports what it says about its
// clock. Sync failures are collected rather than returned; only a failed
// dial or handshake is an error.
func Probe(ctx context.Context, addr string, opts ProbeOptions, log *zap.SugaredLogger) (ProbeResult, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if opts.Dialer == nil {
		opts.Dialer = TransportDialer(transport.DefaultConfig())
	}
	if opts.Clock == nil {
		opts.Clock = internalsync.NewMonotonicClock()
	}
	if opts.Repeat <= 0 {
		opts.Repeat = 1
	}

	var res ProbeResult

	dctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()
	link, err := opts.Dialer(dctx, addr)
	if err != nil {
		return res, fmt.Errorf("dial %s: %w", addr, err)
	}

	p := newPeer(addr, link, 1, opts.Clock, log, nil, peerHooks{})
	p.start()
	defer p.Close()

	res.Register, err = p.Hello(dctx, protocol.Hello{
		StreamerID: opts.ID, Name: opts.Name, Version: protocol.Version, Software: version.String(),
	})
	if err != nil {
		return res, fmt.Errorf("handshake: %w", err)
	}

	for i := 0; i < opts.Repeat; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return res, nil
			case <-time.After(opts.Interval):
			}
		}

		sctx, cancel := context.WithTimeout(ctx, opts.Timeout)
		st, err := p.Synchronize(sctx, opts.Rounds)
		cancel()
		if err != nil {
			if errors.Is(ctx.Err(), context.Canceled) {
				return res, nil
			}
			res.Errors = append(res.Errors, err)
			continue
		}
		res.Syncs = append(res.Syncs, st)
	}
	return res, nil
}
