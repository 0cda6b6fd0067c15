// ABOUTME: Entry point for the audera streamer and player
// ABOUTME: Parses the subcommand and CLI flags and runs one role until signalled
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/audera/audera-go/internal/audio"
	"github.com/audera/audera-go/internal/config"
	"github.com/audera/audera-go/internal/discovery"
	"github.com/audera/audera-go/internal/logging"
	"github.com/audera/audera-go/internal/metrics"
	"github.com/audera/audera-go/internal/player"
	"github.com/audera/audera-go/internal/streamer"
	"github.com/audera/audera-go/internal/ui"
	"github.com/audera/audera-go/internal/version"
	tea "github.com/charmbracelet/bubbletea"
	"go.uber.org/zap"
)

const usage = `usage:
  audera run streamer [flags]
  audera run player [flags]
  audera config [-o file]
  audera version`

func main() {
	err := run(os.Args[1:])
	switch {
	case err == nil:
	case errors.Is(err, flag.ErrHelp):
		os.Exit(2)
	default:
		fmt.Fprintln(os.Stderr, "audera:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, usage)
		return flag.ErrHelp
	}

	switch args[0] {
	case "version":
		fmt.Println(version.String())
		return nil
	case "config":
		return writeConfig(args[1:])
	case "run":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, usage)
			return flag.ErrHelp
		}
		switch args[1] {
		case "streamer":
			return runStreamer(args[2:])
		case "player":
			return runPlayer(args[2:])
		}
	}

	fmt.Fprintln(os.Stderr, usage)
	return flag.ErrHelp
}

// writeConfig writes the effective configuration, defaults plus any
// AUDERA_* overrides, so it can be edited and passed back with -config.
func writeConfig(args []string) error {
	fs := flag.NewFlagSet("config", flag.ContinueOnError)
	out := fs.String("o", "audera.yaml", "Where to write the configuration")
	from := fs.String("config", "", "Start from this config file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := config.Load(*from)
	if err != nil {
		return err
	}
	if err := config.Save(*out, cfg); err != nil {
		return err
	}
	fmt.Println("wrote", *out)
	return nil
}

// commonFlags are accepted by both roles.
type commonFlags struct {
	config   *string
	logLevel *string
	logFile  *string
}

func addCommonFlags(fs *flag.FlagSet) commonFlags {
	return commonFlags{
		config:   fs.String("config", "", "YAML config file"),
		logLevel: fs.String("log-level", "", "Log level: debug, info, warn or error"),
		logFile:  fs.String("log-file", "", "Also write logs to this file"),
	}
}

func (c commonFlags) apply(cfg *config.Config, set map[string]bool) {
	if set["log-level"] {
		cfg.Logging.Level = *c.logLevel
	}
	if set["log-file"] {
		cfg.Logging.File = *c.logFile
	}
}

func setFlags(fs *flag.FlagSet) map[string]bool {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })
	return set
}

func newLogger(cfg *config.Config, tui bool, defaultFile string) (*zap.SugaredLogger, error) {
	opts := logging.Options{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		File:   cfg.Logging.File,
	}
	if tui {
		if opts.File == "" {
			opts.File = defaultFile
		}
		opts.FileOnly = true
	}
	return logging.New(opts)
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runStreamer(args []string) error {
	fs := flag.NewFlagSet("streamer", flag.ContinueOnError)
	common := addCommonFlags(fs)
	name := fs.String("name", "", "Streamer friendly name")
	source := fs.String("source", "", "Audio source: tone, file or command")
	file := fs.String("file", "", "Audio file to stream (MP3 or FLAC)")
	latency := fs.Duration("latency", 0, "Output latency added to every capture timestamp")
	metricsAddr := fs.String("metrics", "", "Serve /metrics on this address")
	dashboard := fs.Bool("dashboard", false, "Show the terminal dashboard")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*common.config)
	if err != nil {
		return err
	}
	set := setFlags(fs)
	common.apply(cfg, set)
	if set["name"] {
		cfg.Streamer.Name = *name
	}
	if set["source"] {
		cfg.Streamer.Source = *source
	}
	if set["file"] {
		cfg.Streamer.File = *file
		if !set["source"] {
			cfg.Streamer.Source = "file"
		}
	}
	if set["latency"] {
		cfg.Streamer.OutputLatency = *latency
	}
	if set["metrics"] {
		cfg.Streamer.MetricsAddr = *metricsAddr
	}
	if set["dashboard"] {
		cfg.Streamer.Dashboard = *dashboard
	}
	if err := cfg.ValidateStreamer(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	log, err := newLogger(cfg, cfg.Streamer.Dashboard, "audera-streamer.log")
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	src, err := openSource(cfg)
	if err != nil {
		return err
	}

	m := metrics.New()
	s, err := streamer.New(streamerConfig(cfg), streamer.Deps{
		Source:  src,
		Browser: discovery.NewMDNSBrowser(cfg.Streamer.ScanTimeout, log),
		Metrics: m,
		Log:     log,
	})
	if err != nil {
		src.Close()
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	if cfg.Streamer.MetricsAddr != "" {
		go serveMetrics(ctx, cfg.Streamer.MetricsAddr, m.Handler(), log)
	}

	if cfg.Streamer.Dashboard {
		quit := make(chan struct{}, 1)
		prog := ui.NewProgram(ui.NewDashboard(cfg.Streamer.Name, quit))
		go ui.Poll(ctx, prog, time.Second, func() tea.Msg {
			return ui.StreamerMsg{
				Name:    cfg.Streamer.Name,
				Format:  s.Format().String(),
				Latency: s.Registry().Group().OutputLatency,
				Players: s.Registry().All(),
				Tasks:   s.Tasks(),
			}
		})
		go runProgram(ctx, prog, quit, cancel, log)
	}

	log.Infow("starting streamer", "name", cfg.Streamer.Name, "version", version.Version,
		"source", cfg.Streamer.Source, "format", s.Format().String())
	err = s.Run(ctx)
	log.Infow("streamer stopped")
	return err
}

func runPlayer(args []string) error {
	fs := flag.NewFlagSet("player", flag.ContinueOnError)
	common := addCommonFlags(fs)
	name := fs.String("name", "", "Player friendly name")
	listen := fs.String("listen", "", "Address for the streamer connection and /metrics")
	output := fs.String("output", "", "Audio output: oto, malgo or null")
	volume := fs.Int("volume", -1, "Initial volume 0-100")
	gapPolicy := fs.String("gap-policy", "", "Missing frames: silence or skip")
	noAdvertise := fs.Bool("no-advertise", false, "Disable mDNS advertisement")
	useTUI := fs.Bool("tui", false, "Show the terminal UI")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*common.config)
	if err != nil {
		return err
	}
	set := setFlags(fs)
	common.apply(cfg, set)
	if set["name"] {
		cfg.Player.Name = *name
	}
	if set["listen"] {
		cfg.Player.Listen = *listen
	}
	if set["output"] {
		cfg.Player.Output = *output
	}
	if set["volume"] {
		cfg.Player.Volume = *volume
	}
	if set["gap-policy"] {
		cfg.Player.GapPolicy = *gapPolicy
	}
	if err := cfg.ValidatePlayer(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	log, err := newLogger(cfg, *useTUI, "audera-player.log")
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	sink := openSink(cfg, log)
	pcfg := playerConfig(cfg)
	pcfg.Advertise = !*noAdvertise

	p, err := player.New(pcfg, player.Deps{
		Sink:    sink,
		Metrics: metrics.New(),
		Log:     log,
	})
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	if *useTUI {
		volCtrl := ui.NewVolumeControl()
		prog := ui.NewProgram(ui.NewModel(cfg.Player.Name, cfg.Player.Volume, volCtrl))
		go ui.Poll(ctx, prog, 500*time.Millisecond, func() tea.Msg {
			st := p.Status()
			msg := ui.PlayerMsg{Name: cfg.Player.Name, Status: st}
			if st.Format.SampleRate != 0 {
				msg.Format = st.Format.String()
			}
			return msg
		})
		go handleVolume(ctx, volCtrl, sink)
		go runProgram(ctx, prog, volCtrl.Quit, cancel, log)
	}

	log.Infow("starting player", "name", pcfg.Name, "id", pcfg.ID, "listen", pcfg.Listen,
		"version", version.Version, "output", cfg.Player.Output)
	err = p.Run(ctx)
	log.Infow("player stopped")
	return err
}

func openSource(cfg *config.Config) (audio.Source, error) {
	format := cfg.Format()
	switch cfg.Streamer.Source {
	case "file":
		src, err := audio.NewFileSource(cfg.Streamer.File, format.FrameSamples)
		if err != nil {
			return nil, fmt.Errorf("failed to open %s: %w", cfg.Streamer.File, err)
		}
		return audio.Paced(audio.Resampled(src, format.SampleRate)), nil
	case "command":
		argv := cfg.Streamer.Command
		if len(argv) == 0 {
			argv = audio.DefaultCaptureCommand(format)
		}
		src, err := audio.NewCommandSource(argv, format)
		if err != nil {
			return nil, fmt.Errorf("failed to start capture command: %w", err)
		}
		return src, nil
	default:
		return audio.Paced(audio.NewToneSource(format, cfg.Streamer.ToneHz)), nil
	}
}

func openSink(cfg *config.Config, log *zap.SugaredLogger) audio.Sink {
	switch cfg.Player.Output {
	case "null":
		return &audio.NullSink{}
	case "malgo":
		return audio.NewMalgoSink(log)
	default:
		return audio.NewOtoSink(log)
	}
}

type volumeSetter interface {
	SetVolume(int)
	SetMuted(bool)
}

func handleVolume(ctx context.Context, ctrl *ui.VolumeControl, sink audio.Sink) {
	v, ok := sink.(volumeSetter)
	for {
		select {
		case <-ctx.Done():
			return
		case change := <-ctrl.Changes:
			if ok {
				v.SetVolume(change.Volume)
				v.SetMuted(change.Muted)
			}
		}
	}
}

// runProgram runs a TUI and cancels the process when the user quits.
func runProgram(ctx context.Context, prog *tea.Program, quit <-chan struct{}, cancel context.CancelFunc, log *zap.SugaredLogger) {
	go func() {
		select {
		case <-quit:
			cancel()
		case <-ctx.Done():
			prog.Quit()
		}
	}()
	if _, err := prog.Run(); err != nil {
		log.Warnw("terminal UI failed", "error", err)
	}
	cancel()
}

func serveMetrics(ctx context.Context, addr string, h http.Handler, log *zap.SugaredLogger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", h)
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Infow("serving metrics", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Warnw("metrics listener failed", "addr", addr, "error", err)
	}
}
