// Arrowhead is an MCP client for discovering and invoking tools on
// Model-Context-Protocol servers.
//
// It speaks JSON-RPC over stdio, TCP, WebSocket, or a spawned server
// subprocess, negotiates a protocol version, discovers the server's
// tool catalog, and runs one operation per invocation. Configuration
// is loaded from a single YAML file discovered automatically (see
// [config.DefaultSearchPaths]).
//
// Usage:
//
//	arrowhead tools               List the server's tool catalog
//	arrowhead call <tool> [json]  Invoke a tool with JSON arguments
//	arrowhead resources           List the server's resources
//	arrowhead read <uri>          Read a resource by URI
//	arrowhead ping                Check server liveness
//	arrowhead stats               Show tool usage statistics
//	arrowhead capabilities        Show negotiated version and features
//	arrowhead watch               Stay connected and monitor server health
//	arrowhead version             Print version and build information
//	arrowhead -o json tools       Output as JSON
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/Jai-Dhiman/arrowhead/internal/buildinfo"
	"github.com/Jai-Dhiman/arrowhead/internal/config"
	"github.com/Jai-Dhiman/arrowhead/internal/connwatch"
	"github.com/Jai-Dhiman/arrowhead/internal/events"
	"github.com/Jai-Dhiman/arrowhead/internal/mcp"
	"github.com/Jai-Dhiman/arrowhead/internal/plugin"
	"github.com/Jai-Dhiman/arrowhead/internal/tools"
)

// main is intentionally minimal. It constructs the OS-level environment
// (context, stdio, argv) and delegates immediately to [run]. This keeps
// os.Exit, os.Stdout, and os.Args out of the application logic so that
// the full startup-to-shutdown lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point for the arrowhead command. All OS-level
// dependencies are injected as parameters:
//
//   - ctx controls the lifetime of the process. Cancelling it triggers
//     graceful disconnect and plugin shutdown.
//   - stdout and stderr receive all program output. Structured logs go
//     to stderr so that command output on stdout stays machine-readable.
//   - args is os.Args[1:] — the command-line arguments after the program
//     name. We parse these manually rather than using the flag package
//     to avoid global state that interferes with parallel tests.
//
// run returns nil on clean shutdown and a non-nil error for any failure.
// The caller (main) is responsible for printing the error and exiting.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	// Parse arguments by hand. The flag package relies on package-level
	// globals (flag.CommandLine), which makes it impossible to call run()
	// concurrently from tests. Our argument surface is small enough that
	// manual parsing is clearer than bringing in a CLI framework.
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++ // skip the value
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
				// Collect remaining args as subcommand arguments.
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	// Default to human-readable text output.
	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	case "tools", "call", "resources", "read", "ping", "stats", "capabilities", "flags", "watch":
		return runOperation(ctx, stdout, stderr, configPath, outputFmt, command, cmdArgs)
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
	// Print fields in a stable order for human readability.
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w. It is called when
// arrowhead is invoked with no arguments, or with -h / --help.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Arrowhead - MCP client")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: arrowhead [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  tools              List the server's tool catalog")
	fmt.Fprintln(w, "  call <tool> [json] Invoke a tool with JSON arguments")
	fmt.Fprintln(w, "  resources          List the server's resources")
	fmt.Fprintln(w, "  read <uri>         Read a resource by URI")
	fmt.Fprintln(w, "  ping               Check server liveness")
	fmt.Fprintln(w, "  stats              Show tool usage statistics")
	fmt.Fprintln(w, "  capabilities       Show negotiated version and features")
	fmt.Fprintln(w, "  flags              List effective feature flags")
	fmt.Fprintln(w, "  watch              Stay connected and monitor server health")
	fmt.Fprintln(w, "  version            Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/arrowhead/config.yaml, /etc/arrowhead/config.yaml")
	return nil
}

// runOperation boots the client, connects to the configured server,
// runs one subcommand, and tears everything down.
func runOperation(ctx context.Context, stdout, stderr io.Writer, configPath, outputFmt, command string, cmdArgs []string) error {
	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logger := newLogger(stderr, level, "text")
	logger.Debug("config loaded", "path", cfgPath)

	transport, err := buildTransport(cfg, logger)
	if err != nil {
		return err
	}

	// Plugin manager and optional stats store are wired through the
	// client options; the client owns neither.
	bus := events.New()
	mgr := plugin.NewManager(logger, bus)
	defer mgr.Close()

	var store *tools.StatsStore
	if cfg.Stats.Database != "" {
		store, err = tools.OpenStatsStore(cfg.Stats.Database, logger)
		if err != nil {
			return fmt.Errorf("open stats store: %w", err)
		}
		defer store.Close()
	}

	opts := []mcp.Option{
		mcp.WithLogger(logger),
		mcp.WithIdentity(cfg.Client.Identity),
		mcp.WithTimeout(cfg.Client.Timeout()),
		mcp.WithRetry(cfg.Client.MaxRetries, cfg.Client.RetryBackoff()),
		mcp.WithToolTTL(cfg.Client.ToolTTL()),
		mcp.WithMethodAliases(cfg.Client.MethodAliases),
		mcp.WithFeatureDefaults(cfg.Features.Defaults),
		mcp.WithFeatureOverrides(cfg.Features.Overrides),
		mcp.WithEventBus(bus),
		mcp.WithPluginHost(mgr),
	}
	if store != nil {
		opts = append(opts, mcp.WithStatsStore(store))
	}
	if len(cfg.Client.Versions) > 0 {
		versions, err := parseVersions(cfg.Client.Versions)
		if err != nil {
			return err
		}
		opts = append(opts, mcp.WithVersions(versions))
	}

	client := mcp.New(transport, opts...)
	mgr.BindInvoker(client)

	// Interrupt translates to context cancellation so that in-flight
	// requests unwind with Timeout/Connection errors rather than the
	// process dying mid-frame.
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer client.Disconnect()

	// Descriptor-listed plugins load after connect so their hooks see a
	// live session.
	for _, path := range cfg.Plugins.Load {
		id, err := client.LoadPlugin(ctx, path)
		if err != nil {
			logger.Warn("plugin load failed", "path", path, "error", err)
			continue
		}
		if err := mgr.Activate(id); err != nil {
			logger.Warn("plugin activation failed", "plugin", id, "error", err)
		}
	}

	switch command {
	case "tools":
		return runTools(ctx, stdout, client, outputFmt)
	case "call":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: arrowhead call <tool> [json-args]")
		}
		return runCall(ctx, stdout, client, outputFmt, cmdArgs)
	case "resources":
		return runResources(ctx, stdout, client, outputFmt)
	case "read":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: arrowhead read <uri>")
		}
		return runRead(ctx, stdout, client, outputFmt, cmdArgs[0])
	case "ping":
		return runPing(ctx, stdout, client)
	case "stats":
		return runStats(stdout, client, store, outputFmt)
	case "capabilities":
		return runCapabilities(stdout, client, outputFmt)
	case "flags":
		return runFlags(stdout, client, outputFmt)
	case "watch":
		return runWatch(ctx, stdout, client, logger)
	}
	return fmt.Errorf("unknown command: %s", command)
}

// buildTransport constructs the transport selected by server.transport.
func buildTransport(cfg *config.Config, logger *slog.Logger) (mcp.Transport, error) {
	switch cfg.Server.Transport {
	case "", "stdio":
		return mcp.NewStdioTransport(mcp.StdioConfig{Logger: logger}), nil
	case "tcp":
		return mcp.NewTCPTransport(mcp.TCPConfig{
			Address: cfg.Server.Address,
			Logger:  logger,
		}), nil
	case "websocket":
		return mcp.NewWebSocketTransport(mcp.WebSocketConfig{
			URL:    cfg.Server.URL,
			Logger: logger,
		}), nil
	case "process":
		return mcp.NewProcessTransport(mcp.ProcessConfig{
			Command:   cfg.Server.Command,
			Args:      cfg.Server.Args,
			StopGrace: cfg.Server.StopGrace(),
			Logger:    logger,
		}), nil
	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Server.Transport)
	}
}

func parseVersions(raw []string) ([]mcp.Version, error) {
	out := make([]mcp.Version, 0, len(raw))
	for _, s := range raw {
		v, err := mcp.ParseVersion(s)
		if err != nil {
			return nil, fmt.Errorf("client.versions: %w", err)
		}
		out = append(out, v)
	}
	return out, nil
}

func runTools(ctx context.Context, w io.Writer, client *mcp.Client, outputFmt string) error {
	regs, err := client.ListTools(ctx)
	if err != nil {
		return fmt.Errorf("list tools: %w", err)
	}

	if outputFmt == "json" {
		return printJSON(w, regs)
	}

	if len(regs) == 0 {
		fmt.Fprintln(w, "no tools advertised")
		return nil
	}
	for _, reg := range regs {
		marker := " "
		if !reg.Available {
			marker = "!"
		}
		fmt.Fprintf(w, "%s %-30s %s\n", marker, reg.Name, reg.Description)
	}
	return nil
}

func runCall(ctx context.Context, w io.Writer, client *mcp.Client, outputFmt string, cmdArgs []string) error {
	name := cmdArgs[0]

	args := mcp.Args{}
	if len(cmdArgs) > 1 {
		var raw map[string]any
		if err := json.Unmarshal([]byte(strings.Join(cmdArgs[1:], " ")), &raw); err != nil {
			return fmt.Errorf("parse arguments: %w", err)
		}
		for k, v := range raw {
			val, err := mcp.FromAny(v)
			if err != nil {
				return fmt.Errorf("argument %q: %w", k, err)
			}
			args[k] = val
		}
	}

	result, err := client.CallTool(ctx, name, args)
	if err != nil {
		// A Tool error is the tool's own failure, not ours: report it
		// like a result so scripted callers can distinguish it from
		// transport trouble by exit path.
		if errors.Is(err, mcp.ErrTool) {
			fmt.Fprintf(w, "tool error: %s\n", err)
			return nil
		}
		return fmt.Errorf("call %s: %w", name, err)
	}

	return renderToolResult(w, outputFmt, result)
}

// renderToolResult prints a tool result. JSON mode emits the value
// verbatim; text mode flattens content blocks to their text, falling
// back to JSON for results with no textual rendering.
func renderToolResult(w io.Writer, outputFmt string, result mcp.Value) error {
	if outputFmt == "json" {
		return printJSON(w, result.ToAny())
	}

	if s, ok := result.String(); ok {
		fmt.Fprintln(w, s)
		return nil
	}
	if blocks, ok := result.Field("content"); ok {
		if elems, ok := blocks.Array(); ok {
			printed := false
			for _, elem := range elems {
				text, ok := elem.Field("text")
				if !ok {
					continue
				}
				if s, ok := text.String(); ok {
					fmt.Fprintln(w, s)
					printed = true
				}
			}
			if printed {
				return nil
			}
		}
	}
	return printJSON(w, result.ToAny())
}

func runResources(ctx context.Context, w io.Writer, client *mcp.Client, outputFmt string) error {
	resources, err := client.ListResources(ctx)
	if err != nil {
		return fmt.Errorf("list resources: %w", err)
	}

	if outputFmt == "json" {
		return printJSON(w, resources)
	}

	if len(resources) == 0 {
		fmt.Fprintln(w, "no resources advertised")
		return nil
	}
	for _, r := range resources {
		fmt.Fprintf(w, "%-40s %s\n", r.URI, r.Name)
	}
	return nil
}

func runRead(ctx context.Context, w io.Writer, client *mcp.Client, outputFmt string, uri string) error {
	val, err := client.ReadResource(ctx, uri)
	if err != nil {
		return fmt.Errorf("read %s: %w", uri, err)
	}
	return printJSON(w, val.ToAny())
}

func runPing(ctx context.Context, w io.Writer, client *mcp.Client) error {
	start := time.Now()
	if err := client.Ping(ctx); err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	fmt.Fprintf(w, "pong (%s)\n", time.Since(start).Round(time.Millisecond))
	return nil
}

func runStats(w io.Writer, client *mcp.Client, store *tools.StatsStore, outputFmt string) error {
	stats := client.GetToolStatistics()

	if outputFmt == "json" {
		return printJSON(w, stats)
	}

	fmt.Fprintf(w, "tools: %d (%d available), total calls this session: %d\n",
		stats.TotalTools, stats.AvailableTools, stats.TotalCalls)
	for _, ts := range stats.Tools {
		if ts.CallCount == 0 {
			continue
		}
		fmt.Fprintf(w, "  %-30s calls=%d avg=%s last=%s\n",
			ts.Name, ts.CallCount, ts.AverageTime.Round(time.Millisecond),
			ts.LastUsed.Format(time.RFC3339))
	}

	// Persistent totals span sessions; session stats above reset on
	// every run.
	if store != nil {
		totals, err := store.Totals()
		if err != nil {
			return fmt.Errorf("read persistent stats: %w", err)
		}
		if len(totals) > 0 {
			fmt.Fprintln(w, "all-time:")
			for name, t := range totals {
				fmt.Fprintf(w, "  %-30s calls=%d failures=%d\n", name, t.Calls, t.Failures)
			}
		}
	}
	return nil
}

func runCapabilities(w io.Writer, client *mcp.Client, outputFmt string) error {
	caps := client.GetServerCapabilities()

	if outputFmt == "json" {
		return printJSON(w, caps)
	}

	fmt.Fprintf(w, "server:   %s %s\n", caps.ServerName, caps.ServerVersion)
	fmt.Fprintf(w, "protocol: %s\n", client.NegotiatedVersion())
	if len(caps.Methods) > 0 {
		fmt.Fprintf(w, "methods:  %s\n", strings.Join(caps.Methods, ", "))
	}
	return nil
}

func runFlags(w io.Writer, client *mcp.Client, outputFmt string) error {
	flagList := client.GetFeatureFlags()

	if outputFmt == "json" {
		return printJSON(w, flagList)
	}

	for _, f := range flagList {
		fmt.Fprintf(w, "%-30s %-5v (%s)\n", f.Name, f.Enabled, f.Source)
	}
	return nil
}

// runWatch keeps the connection open, pinging the server on the
// connwatch schedule, until interrupted.
func runWatch(ctx context.Context, w io.Writer, client *mcp.Client, logger *slog.Logger) error {
	bcfg := connwatch.DefaultBackoffConfig()
	bcfg.PollInterval = 15 * time.Second

	watcher := connwatch.Watch(ctx, connwatch.Config{
		Name:    "mcp-server",
		Probe:   client.Ping,
		Backoff: bcfg,
		Logger:  logger,
		OnReady: func() { fmt.Fprintln(w, "server ready") },
		OnDown:  func(err error) { fmt.Fprintf(w, "server down: %s\n", err) },
	})

	fmt.Fprintln(w, "watching (ctrl-c to stop)...")
	watcher.Wait()
	return nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// newLogger builds a structured logger writing to w. The custom Trace
// level renders as TRACE via [config.ReplaceLogLevelNames].
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
// [config.FindConfig] searches the default locations. Returns the parsed
// config, the path that was loaded, and any error.
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
