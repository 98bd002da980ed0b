package main

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"svlink/pkg/config"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout io.Writer, stderr io.Writer) int {
	if len(args) == 0 {
		return runClient([]string{}, stdout, stderr)
	}

	switch args[0] {
	case "client":
		return runClient(args[1:], stdout, stderr)
	case "monitor":
		return runMonitor(args[1:], stdout, stderr)
	case "companion":
		return runCompanion(args[1:], stdout, stderr)
	case "config":
		return runConfig(args[1:], stdout, stderr)
	case "-h", "--help", "help":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintln(stderr, "unknown command:", args[0])
		printUsage(stderr)
		return 2
	}
}

// commonFlags are shared by every subcommand that loads a config file.
type commonFlags struct {
	configPath string
	logLevel   string
	logJSON    bool
}

func (c *commonFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&c.configPath, "config", config.DefaultConfigPath, "TOML config path")
	fs.StringVar(&c.logLevel, "log-level", "info", "debug|info|warn|error")
	fs.BoolVar(&c.logJSON, "log-json", false, "emit JSON logs")
}

func (c *commonFlags) load() (config.Config, error) {
	cfg, _, err := config.LoadOrDefault(c.configPath)
	return cfg, err
}

func (c *commonFlags) logger(w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(c.logLevel)}
	if c.logJSON {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// setFlags lists the flags the user actually passed, so they override the
// config file and nothing else does.
func setFlags(fs *flag.FlagSet) map[string]bool {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })
	return set
}

func runConfig(args []string, stdout io.Writer, stderr io.Writer) int {
	fs := flag.NewFlagSet("config", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var common commonFlags
	common.register(fs)
	out := fs.String("out", "", "write the effective config to this path")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := common.load()
	if err != nil {
		fmt.Fprintln(stderr, "config:", err)
		return 1
	}
	if *out != "" {
		if err := cfg.Save(*out); err != nil {
			fmt.Fprintln(stderr, "config:", err)
			return 1
		}
		fmt.Fprintln(stdout, "wrote", *out)
		return 0
	}

	fmt.Fprintf(stdout, "config      %s\n", cfg.ConfigPath())
	fmt.Fprintf(stdout, "link        %s (reconnect %s, io timeout %s, look-ahead %s)\n",
		cfg.Link.Addr, cfg.ReconnectInterval(), cfg.IOTimeout(), cfg.LookAhead())
	fmt.Fprintf(stdout, "render      %d Hz\n", cfg.Render.TickHz)
	fmt.Fprintf(stdout, "record      %q (%s)\n", cfg.Record.Path, cfg.Record.Format)
	fmt.Fprintf(stdout, "foxglove    enabled=%t %s\n", cfg.Foxglove.Enabled, cfg.Foxglove.WSAddr)
	fmt.Fprintf(stdout, "mqtt        broker=%q prefix=%s pose=%.1f Hz\n", cfg.MQTT.Broker, cfg.MQTT.TopicPrefix, cfg.MQTT.PoseRateHz)
	fmt.Fprintf(stdout, "companion   %s radius=%.2f period=%s\n", cfg.Companion.Listen, cfg.Companion.Radius, cfg.OrbitPeriod())
	return 0
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "  svlink client    [--config svlink.toml] [--addr host:port] [--record poses.jsonl] [--format jsonl|msgpack]")
	fmt.Fprintln(w, "                   [--foxglove] [--mqtt host:1883] [--tick-hz 60] [--look-ahead 0s] [--duration 0]")
	fmt.Fprintln(w, "  svlink monitor   same flags as client, with a terminal dashboard")
	fmt.Fprintln(w, "  svlink companion [--config svlink.toml] [--listen 0.0.0.0:11000] [--radius 0.5] [--period 8s]")
	fmt.Fprintln(w, "  svlink config    [--config svlink.toml] [--out path]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  client     run the render loop against a headset pose server")
	fmt.Fprintln(w, "  monitor    client with a live status view")
	fmt.Fprintln(w, "  companion  serve synthetic headset poses")
	fmt.Fprintln(w, "  config     show or write the effective configuration")
}

// runFor returns a channel closed after d, or nil (never) for d <= 0.
func runFor(d time.Duration) <-chan time.Time {
	if d <= 0 {
		return nil
	}
	return time.After(d)
}
