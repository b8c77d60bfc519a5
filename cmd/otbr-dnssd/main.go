// Command otbr-dnssd runs the mDNS advertisement/discovery core and
// the DSO transport agent as a standalone mainloop-driven process.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/openthread/otbr-dnssd/internal/config"
	"github.com/openthread/otbr-dnssd/internal/dso"
	"github.com/openthread/otbr-dnssd/internal/eventqueue"
	"github.com/openthread/otbr-dnssd/internal/mainloop"
	"github.com/openthread/otbr-dnssd/internal/mdnsbackend"
	"github.com/openthread/otbr-dnssd/internal/mdnsbackend/avahi"
	"github.com/openthread/otbr-dnssd/internal/mdnsbackend/native"
	"github.com/openthread/otbr-dnssd/internal/otlog"
	"github.com/openthread/otbr-dnssd/internal/publisher"
	"github.com/openthread/otbr-dnssd/internal/srpl"
	"github.com/openthread/otbr-dnssd/internal/subscriber"
)

var log = otlog.Logger("cmd")

// Configuration boundary, same split the teacher draws: flags cover
// "this run" (interface, backend, ports); the JSON file and env vars
// cover "this node" (persisted instance name, TXT seed, log shape).
var (
	flagInterface  = flag.String("interface", "", "infra network interface name (required)")
	flagConfigFile = flag.String("config", "", "path to a JSON config file")
	flagBackend    = flag.String("backend", "", "mdns backend: native or avahi (overrides config file)")
	flagDsoPort    = flag.Int("dso-port", 0, "DSO listening port (0 = use config/default)")
	flagDsoIdle    = flag.Duration("dso-idle-timeout", 0, "forcibly close idle DSO connections after this long (0 = disabled)")
	flagSrplName   = flag.String("srpl-instance", "", "SRPL instance base name (overrides config file)")
	flagLogLevel   = flag.String("log-level", "", "debug, info, warn, or error")
	flagLogFormat  = flag.String("log-format", "", "text or json")
)

// isFlagSet reports whether name was passed explicitly, so a flag's
// zero value doesn't silently clobber a config-file setting.
func isFlagSet(name string) bool {
	found := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == name {
			found = true
		}
	})
	return found
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "otbr-dnssd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	flag.Parse()

	cfg := config.Default()
	if *flagConfigFile != "" {
		if err := loadConfigFile(*flagConfigFile, cfg); err != nil {
			return fmt.Errorf("loading config file: %w", err)
		}
	}
	applyEnvOverrides(cfg)
	applyFlagOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	setupLogging(cfg.Log)

	netif, err := net.InterfaceByName(cfg.Infra.Name)
	if err != nil {
		return fmt.Errorf("resolving infra interface %q: %w", cfg.Infra.Name, err)
	}

	engine := mainloop.NewEngine()

	queue, err := eventqueue.New()
	if err != nil {
		return fmt.Errorf("creating event queue: %w", err)
	}
	defer queue.Close()
	engine.Register(queue)

	backend, err := newBackend(cfg.Mdns, netif)
	if err != nil {
		return err
	}

	pub := publisher.New(backend, queue)
	sub := subscriber.New(backend, queue)
	watchBackendState(backend, queue, pub)

	if err := backend.Start(); err != nil {
		return fmt.Errorf("starting mdns backend: %w", err)
	}
	defer func() {
		if err := backend.Stop(); err != nil {
			log.Warn("mdns backend stop failed", "error", err)
		}
	}()

	glue := srpl.New(pub, sub, srpl.Config{
		BaseName:   cfg.Srpl.InstanceName,
		NetifIndex: netif.Index,
		Txt:        toPublisherTxt(cfg.Srpl.Txt),
	})

	dsoAgent := dso.New(dso.Config{
		Port:        cfg.Dso.Port,
		Interface:   cfg.Infra.Name,
		IdleTimeout: cfg.Dso.IdleTimeout,
	}, glue)
	engine.Register(dsoAgent)
	glue.AttachTransport(dsoAgent, nil)

	if err := dsoAgent.EnableListening(true); err != nil {
		return fmt.Errorf("enabling DSO listener: %w", err)
	}
	defer func() {
		if err := dsoAgent.EnableListening(false); err != nil {
			log.Warn("disabling DSO listener failed", "error", err)
		}
	}()

	if err := glue.Start(func(p srpl.Peer) {
		log.Info("srpl peer event", "name", p.Name, "address", p.Address, "removed", p.Removed)
	}); err != nil {
		return fmt.Errorf("starting srpl glue: %w", err)
	}
	defer func() {
		if err := glue.Stop(); err != nil {
			log.Warn("stopping srpl glue failed", "error", err)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go waitForSignal(cancel)

	log.Info("otbr-dnssd started", "interface", cfg.Infra.Name, "backend", cfg.Mdns.Backend, "dso_port", cfg.Dso.Port)
	if err := engine.Run(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("mainloop exited: %w", err)
	}
	log.Info("otbr-dnssd shutting down")
	return nil
}

func newBackend(cfg config.MdnsConfig, netif *net.Interface) (mdnsbackend.Backend, error) {
	switch cfg.Backend {
	case config.BackendAvahi:
		return avahi.New(), nil
	case config.BackendNative, "":
		nativeCfg := native.DefaultConfig()
		nativeCfg.Domain = cfg.Domain + "."
		nativeCfg.Interface = netif
		if cfg.QueryInterval > 0 {
			nativeCfg.QueryInterval = cfg.QueryInterval
		}
		return native.New(nativeCfg), nil
	default:
		return nil, fmt.Errorf("unknown mdns backend %q", cfg.Backend)
	}
}

// watchBackendState rebuilds pub's registrations whenever backend
// reports it has come back to Running after Collision or Registering:
// the avahi client's EntryGroups from before the detour are gone, so
// every registration pub still tracks needs a fresh PublishService/
// PublishHost call. The native backend never reports anything but
// Running, so this is a no-op for it.
func watchBackendState(backend mdnsbackend.Backend, queue *eventqueue.Queue, pub *publisher.Publisher) {
	last := mdnsbackend.StateConnecting
	backend.OnStateChanged(func(state mdnsbackend.State) {
		queue.Post(func() {
			if state == mdnsbackend.StateRunning &&
				(last == mdnsbackend.StateCollision || last == mdnsbackend.StateRegistering) {
				log.Info("mdns backend re-entered running, rebuilding registrations")
				pub.Rebuild()
			}
			last = state
		})
	})
}

func toPublisherTxt(txt map[string]string) []publisher.TxtEntry {
	out := make([]publisher.TxtEntry, 0, len(txt))
	for k, v := range txt {
		out = append(out, publisher.TxtEntry{Name: k, Value: []byte(v)})
	}
	return out
}

func applyFlagOverrides(cfg *config.Config) {
	if *flagInterface != "" {
		cfg.Infra.Name = *flagInterface
	}
	if *flagBackend != "" {
		cfg.Mdns.Backend = config.Backend(*flagBackend)
	}
	if isFlagSet("dso-port") {
		cfg.Dso.Port = *flagDsoPort
	}
	if isFlagSet("dso-idle-timeout") {
		cfg.Dso.IdleTimeout = *flagDsoIdle
	}
	if *flagSrplName != "" {
		cfg.Srpl.InstanceName = *flagSrplName
	}
	if *flagLogLevel != "" {
		cfg.Log.Level = *flagLogLevel
	}
	if *flagLogFormat != "" {
		cfg.Log.Format = *flagLogFormat
	}
}

func setupLogging(cfg config.LogConfig) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	otlog.SetOutput(os.Stderr, level, cfg.Format == "json")
}

func waitForSignal(cancel context.CancelFunc) {
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	<-signals
	cancel()
}
