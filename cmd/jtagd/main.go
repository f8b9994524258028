package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/jtagd/jtagd/internal/adapter"
	"github.com/jtagd/jtagd/internal/adapter/model"
	"github.com/jtagd/jtagd/internal/config"
	"github.com/jtagd/jtagd/internal/daemon"
	"github.com/jtagd/jtagd/internal/logging"
	"github.com/jtagd/jtagd/internal/observability"
)

const versionString = "jtagd (model-backend rewrite)"

func main() {
	var (
		configPath  = flag.String("config", "", "path to a TOML config file")
		port        = flag.String("port", "", "listen address override (host:port, or :0 for an ephemeral port)")
		serial      = flag.String("serial", "", "adapter serial number override")
		list        = flag.Bool("list", false, "list available adapters and exit")
		showVersion = flag.Bool("version", false, "print version information and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Println(versionString)
		return
	}
	if *list {
		listAdapters()
		return
	}

	cfg := config.DefaultConfig()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "jtagd: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	if *port != "" {
		cfg.ListenAddr = *port
	}

	logging.ConfigureRuntime("jtagd")
	log.Info().Str("version", versionString).Msg("jtagd starting")

	modelCfg := model.DefaultConfig()
	if *serial != "" {
		modelCfg.Serial = *serial
	}
	modelCfg.GPIOPins = cfg.GPIOPinCount
	backend := model.New(modelCfg)

	srv := daemon.NewServer(backend)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ln, portFile, err := bindListener(cfg.ListenAddr)
	if err != nil {
		log.Error().Err(err).Msg("jtagd: failed to bind listen address")
		os.Exit(1)
	}
	if portFile != "" {
		defer os.Remove(portFile)
	}

	errCh := make(chan error, 3)
	go func() { errCh <- srv.ServeListener(ctx, ln) }()
	go func() { errCh <- srv.ServeXVC(ctx, cfg.XVCListenAddr) }()
	if cfg.MetricsAddr != "" {
		go func() { errCh <- observability.ServeMetrics(ctx, cfg.MetricsAddr) }()
	}

	<-ctx.Done()
	log.Info().Msg("jtagd: shutdown signal received, quitting")

	reportPerfCounters(backend)
}

// bindListener binds addr itself, rather than delegating to Server.Serve,
// so a ":0" ephemeral port can be written to jtagd-port.txt before the
// accept loop starts, mirroring the original daemon's port-file behavior.
func bindListener(addr string) (net.Listener, string, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, "", err
	}
	tcpAddr, ok := listener.Addr().(*net.TCPAddr)
	if !ok {
		return listener, "", nil
	}
	if addr != ":0" && addr != "0.0.0.0:0" && addr != "" {
		return listener, "", nil
	}

	const file = "jtagd-port.txt"
	if err := os.WriteFile(file, []byte(fmt.Sprintf("%d\n", tcpAddr.Port)), 0o644); err != nil {
		listener.Close()
		return nil, "", fmt.Errorf("jtagd: write port file: %w", err)
	}
	log.Info().Int("port", tcpAddr.Port).Str("port_file", file).Msg("jtagd: listening on ephemeral port")
	return listener, file, nil
}

func reportPerfCounters(backend adapter.Adapter) {
	c := backend.Common
	shiftOps := c.PerfShiftOps()
	dataBits := c.PerfDataBits()
	modeBits := c.PerfModeBits()
	dummyClocks := c.PerfDummyClocks()
	cycles := dataBits + modeBits + dummyClocks

	log.Info().
		Uint64("shift_ops", shiftOps).
		Uint64("data_bits", dataBits).
		Uint64("mode_bits", modeBits).
		Uint64("dummy_clocks", dummyClocks).
		Uint64("total_tck_cycles", cycles).
		Msg("jtagd: final performance counters")
}

func listAdapters() {
	fmt.Println(versionString)
	fmt.Println("Model adapter: model-adapter (serial MODEL0001) — always available, no hardware required")
}
