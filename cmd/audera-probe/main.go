// ABOUTME: Diagnostic tool that checks clock sync against one player
// ABOUTME: Connects as a streamer, runs sync rounds and prints the player's reports
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/audera/audera-go/internal/logging"
	"github.com/audera/audera-go/internal/streamer"
	"github.com/audera/audera-go/internal/version"
)

var (
	addr     = flag.String("addr", "localhost:5000", "Player address")
	rounds   = flag.Int("rounds", 8, "Clock exchanges per sync")
	repeat   = flag.Int("repeat", 5, "Number of syncs to run")
	interval = flag.Duration("interval", time.Second, "Pause between syncs")
	timeout  = flag.Duration("timeout", 5*time.Second, "Dial, handshake and per-sync timeout")
	debug    = flag.Bool("debug", false, "Enable debug logging")
)

func main() {
	flag.Parse()

	level := "warn"
	if *debug {
		level = "debug"
	}
	log, err := logging.New(logging.Options{Level: level})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	opts := streamer.DefaultProbeOptions()
	opts.Name = version.String() + " probe"
	opts.Rounds = *rounds
	opts.Repeat = *repeat
	opts.Interval = *interval
	opts.Timeout = *timeout

	fmt.Printf("Probing %s with %d syncs of %d rounds...\n", *addr, *repeat, *rounds)
	res, err := streamer.Probe(ctx, *addr, opts, log)
	if err != nil {
		fmt.Fprintln(os.Stderr, "probe failed:", err)
		os.Exit(1)
	}

	report(os.Stdout, res)
	if len(res.Syncs) == 0 {
		os.Exit(1)
	}
}

func report(w io.Writer, res streamer.ProbeResult) {
	reg := res.Register
	fmt.Fprintf(w, "Player:  %s (%s)\n", reg.Name, reg.PlayerID)
	fmt.Fprintf(w, "Software: %s %s, buffer target %dms\n", reg.Product, reg.Software, reg.BufferTargetMs)
	fmt.Fprintln(w)

	for i, st := range res.Syncs {
		fmt.Fprintf(w, "sync %d: offset %+.3fms smoothed %+.3fms rtt %.3fms min %.3fms samples %d rejected %d (%s)\n",
			i+1, st.Offset/1000, st.Smoothed/1000, float64(st.RTT)/1000, float64(st.MinRTT)/1000,
			st.Samples, st.Rejected, st.Quality)
	}
	for _, err := range res.Errors {
		fmt.Fprintf(w, "failed: %v\n", err)
	}

	if n := len(res.Syncs); n > 1 {
		first, last := res.Syncs[0], res.Syncs[n-1]
		fmt.Fprintf(w, "\noffset moved %+.3fms across %d syncs\n", (last.Smoothed-first.Smoothed)/1000, n)
	}
}
