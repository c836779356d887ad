// Hostdiag publishes host diagnostics to Home Assistant over MQTT.
//
// Each sensor is announced through MQTT discovery and its state is
// published on a fixed interval, suppressing unchanged values until
// they go stale. Configuration is loaded from a single YAML file
// discovered automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	hostdiag serve              Connect to the broker and publish sensors
//	hostdiag init [dir]         Write an example config.yaml
//	hostdiag discovery          Print the discovery documents without connecting
//	hostdiag version            Print version and build information
//	hostdiag -o json version    Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nugget/hostdiag/internal/buildinfo"
	"github.com/nugget/hostdiag/internal/config"
	"github.com/nugget/hostdiag/internal/events"
	"github.com/nugget/hostdiag/internal/metrics"
	"github.com/nugget/hostdiag/internal/mqtt"
	"github.com/nugget/hostdiag/internal/netmon"
	"github.com/nugget/hostdiag/internal/sensors"
	"github.com/nugget/hostdiag/internal/sysinfo"
)

// shutdownTimeout bounds the offline publish, disconnect and HTTP drain
// once a shutdown signal arrives.
const shutdownTimeout = 5 * time.Second

// main is intentionally minimal. It constructs the OS-level environment
// (context, stdio, argv) and delegates immediately to [run] so the full
// startup-to-shutdown lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point for the hostdiag command. Structured logs
// go to stdout; the caller prints the returned error to stderr.
//
// Arguments are parsed by hand rather than with the flag package to
// avoid the package-level flag.CommandLine, so run can be called
// concurrently from tests.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, stderr, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "discovery":
		return runDiscovery(ctx, stdout, configPath, outputFmt)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Hostdiag - Home Assistant host diagnostics over MQTT")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: hostdiag [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Connect to the broker and publish sensors")
	fmt.Fprintln(w, "  init [dir]   Write an example config.yaml (default: .)")
	fmt.Fprintln(w, "  discovery    Print discovery documents without connecting")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/hostdiag/config.yaml, /etc/hostdiag/config.yaml")
	return nil
}

// runServe handles the "hostdiag serve" subcommand. It loads config,
// gathers host facts, starts the network samplers, connects to the
// broker, registers every sensor and publishes until a shutdown signal
// arrives or the broker session fails for good.
//
// The shutdown sequence is:
//  1. SIGINT or SIGTERM cancels the context
//  2. The publish loop and the metrics endpoint stop
//  3. Samplers are stopped
//  4. The retained "offline" message is published and the session closed
func runServe(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting hostdiag", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// Reconfigure logger now that we know the desired level and format.
	// config.Validate has already rejected an unknown level.
	{
		level, _ := config.ParseLogLevel(cfg.LogLevel)
		logger = newLogger(stdout, level, cfg.LogFormat)
	}
	logger.Info("config loaded",
		"path", cfgPath,
		"broker", cfg.MQTT.Broker,
		"publish_interval", cfg.MQTT.PublishInterval(),
		"republish_interval", cfg.MQTT.RepublishInterval(),
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	unit, err := netmon.ParseUnit(cfg.Network.Unit)
	if err != nil {
		return fmt.Errorf("network.unit: %w", err)
	}

	facts, err := sysinfo.LoadFacts(ctx, cfg.DeviceName, cfg.DataDir, logger)
	if err != nil {
		return fmt.Errorf("load host facts: %w", err)
	}
	logger.Info("host facts loaded",
		"device", facts.DeviceName,
		"manufacturer", facts.Manufacturer,
		"model", facts.Model,
		"raspberry_pi", facts.IsRaspberryPi,
	)

	mqttCfg := cfg.MQTT
	if mqttCfg.ClientID == "" {
		mqttCfg.ClientID = "hostdiag_" + facts.Hostname
	}

	bus := events.New()

	// The exporter subscribes before anything publishes so the connect
	// and registration events are counted.
	exporter := metrics.New(logger)
	exporter.Subscribe(bus)

	samplers, err := startSamplers(ctx, cfg.Network, bus, logger)
	if err != nil {
		return err
	}

	pub := mqtt.New(mqttCfg,
		mqtt.WithLogger(logger),
		mqtt.WithBus(bus),
	)
	if err := pub.Connect(ctx); err != nil {
		stopSamplers(samplers, logger)
		return err
	}
	defer shutdown(samplers, pub, logger)

	binds := sensors.Build(sensors.Sources{
		Facts:    facts,
		Host:     sysinfo.NewCollector(facts, logger),
		Networks: throughputSources(samplers),
		Unit:     unit,
	})
	for _, b := range binds {
		if err := pub.Register(ctx, b.Entity, b.Provider); err != nil {
			return fmt.Errorf("register %s: %w", b.Entity.Key(), err)
		}
	}
	logger.Info("sensors registered", "count", len(binds), "topic", pub.Topics().Availability())

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return pub.Run(gctx) })
	g.Go(func() error {
		exporter.Run(gctx)
		return nil
	})

	if cfg.Metrics.Listen != "" {
		srv := metrics.NewServer(cfg.Metrics.Listen, exporter, logger)
		g.Go(srv.Start)
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer shutdownCancel()
			return srv.Shutdown(shutdownCtx)
		})
		logger.Info("metrics endpoint listening", "addr", cfg.Metrics.Listen)
	}

	err = g.Wait()
	if ctx.Err() != nil {
		logger.Info("shutdown signal received")
	}
	return err
}

// runDiscovery prints the discovery topic and document of every sensor
// the serve command would register. It reads host facts but never
// contacts the broker, which makes it useful for checking device names
// and unique IDs before deploying.
func runDiscovery(ctx context.Context, w io.Writer, configPath, outputFmt string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	unit, err := netmon.ParseUnit(cfg.Network.Unit)
	if err != nil {
		return fmt.Errorf("network.unit: %w", err)
	}
	facts, err := sysinfo.LoadFacts(ctx, cfg.DeviceName, cfg.DataDir, logger)
	if err != nil {
		return fmt.Errorf("load host facts: %w", err)
	}

	clientID := cfg.MQTT.ClientID
	if clientID == "" {
		clientID = "hostdiag_" + facts.Hostname
	}
	topics := mqtt.Topics{
		DiscoveryPrefix: cfg.MQTT.DiscoveryPrefix,
		Prefix:          cfg.MQTT.TopicPrefix,
		ClientID:        clientID,
	}

	ifaces, err := monitoredInterfaces(ctx, cfg.Network)
	if err != nil {
		return err
	}
	var networks []sensors.ThroughputSource
	for _, iface := range ifaces {
		networks = append(networks, netmon.NewSampler(iface, cfg.Network.SampleInterval()))
	}

	binds := sensors.Build(sensors.Sources{
		Facts:    facts,
		Host:     sysinfo.NewCollector(facts, logger),
		Networks: networks,
		Unit:     unit,
	})
	return writeDiscovery(w, topics, binds, outputFmt)
}

type discoveryDoc struct {
	Topic  string          `json:"topic"`
	Config json.RawMessage `json:"config"`
}

func writeDiscovery(w io.Writer, topics mqtt.Topics, binds []mqtt.Binding, outputFmt string) error {
	docs := make([]discoveryDoc, 0, len(binds))
	for _, b := range binds {
		payload, err := mqtt.NewDiscoveryConfig(b.Entity, topics).Marshal()
		if err != nil {
			return fmt.Errorf("marshal discovery for %s: %w", b.Entity.Key(), err)
		}
		docs = append(docs, discoveryDoc{Topic: topics.Discovery(b.Entity), Config: payload})
	}

	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(docs)
	}
	for _, d := range docs {
		fmt.Fprintln(w, d.Topic)
		fmt.Fprintf(w, "  %s\n", d.Config)
	}
	return nil
}

// monitoredInterfaces returns the configured interface list, or every
// active non-loopback interface when none is configured.
func monitoredInterfaces(ctx context.Context, cfg config.NetworkConfig) ([]string, error) {
	if len(cfg.Interfaces) > 0 {
		return cfg.Interfaces, nil
	}
	return netmon.Interfaces(ctx)
}

// startSamplers starts one throughput sampler per monitored interface.
// A sampler that exits on its own is logged; its sensors keep
// reporting the last rate it stored.
func startSamplers(ctx context.Context, cfg config.NetworkConfig, bus *events.Bus, logger *slog.Logger) ([]*netmon.Sampler, error) {
	ifaces, err := monitoredInterfaces(ctx, cfg)
	if err != nil {
		return nil, err
	}

	samplers := make([]*netmon.Sampler, 0, len(ifaces))
	for _, iface := range ifaces {
		s := netmon.NewSampler(iface, cfg.SampleInterval(),
			netmon.WithLogger(logger),
			netmon.WithBus(bus),
		)
		s.Start(ctx)
		samplers = append(samplers, s)

		go func() {
			<-s.Done()
			if err := s.Err(); err != nil {
				logger.Warn("network sampler exited", "interface", s.Interface(), "error", err)
			}
		}()
	}
	logger.Info("network samplers started", "interfaces", ifaces, "interval", cfg.SampleInterval())
	return samplers, nil
}

// shutdown stops the samplers and then closes the engine. Close runs
// on a fresh context because ctx is already cancelled by the time
// shutdown starts.
func shutdown(samplers []*netmon.Sampler, pub *mqtt.Publisher, logger *slog.Logger) {
	stopSamplers(samplers, logger)

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := pub.Close(ctx); err != nil {
		logger.Error("mqtt shutdown failed", "error", err)
	}
}

func stopSamplers(samplers []*netmon.Sampler, logger *slog.Logger) {
	for _, s := range samplers {
		if err := s.Stop(); err != nil {
			logger.Debug("network sampler stop", "interface", s.Interface(), "error", err)
		}
	}
}

func throughputSources(samplers []*netmon.Sampler) []sensors.ThroughputSource {
	out := make([]sensors.ThroughputSource, len(samplers))
	for i, s := range samplers {
		out[i] = s
	}
	return out
}

// newLogger creates a structured logger writing to w at the given
// level. Format is "json" for JSON output; anything else yields text.
func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// loadConfig locates and parses the YAML configuration file. If explicit
// is non-empty, that exact path is used (and must exist). Otherwise,
// [config.FindConfig] searches the default locations.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}
