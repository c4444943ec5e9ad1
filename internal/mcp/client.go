package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Jai-Dhiman/arrowhead/internal/buildinfo"
	"github.com/Jai-Dhiman/arrowhead/internal/events"
	"github.com/Jai-Dhiman/arrowhead/internal/flags"
	"github.com/Jai-Dhiman/arrowhead/internal/tools"
)

// Option configures a Client at construction time. The resulting
// configuration is immutable: there are no setters after New.
type Option func(*clientOptions)

type clientOptions struct {
	logger        *slog.Logger
	timeout       time.Duration
	maxRetries    int
	retryBackoff  time.Duration
	identity      string
	versions      []Version
	aliases       map[string]string
	flagDefaults  map[string]bool
	flagOverrides map[string]bool
	toolTTL       time.Duration
	bus           *events.Bus
	stats         *tools.StatsStore
	plugins       PluginHost
}

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *clientOptions) { o.logger = l }
}

// WithTimeout sets the per-request deadline. Zero disables it.
// Defaults to 30 seconds.
func WithTimeout(d time.Duration) Option {
	return func(o *clientOptions) { o.timeout = d }
}

// WithRetry configures caller-driven retry of transient (Timeout,
// Connection) faults: up to maxRetries additional attempts with
// linearly growing backoff.
func WithRetry(maxRetries int, backoff time.Duration) Option {
	return func(o *clientOptions) {
		o.maxRetries = maxRetries
		o.retryBackoff = backoff
	}
}

// WithIdentity sets the client name sent in the initialize handshake.
func WithIdentity(name string) Option {
	return func(o *clientOptions) { o.identity = name }
}

// WithVersions sets the protocol versions this client offers during
// negotiation. Defaults to SupportedVersions.
func WithVersions(versions []Version) Option {
	return func(o *clientOptions) { o.versions = versions }
}

// WithMethodAliases overrides the legacy method-fallback table.
func WithMethodAliases(aliases map[string]string) Option {
	return func(o *clientOptions) { o.aliases = aliases }
}

// WithFeatureDefaults seeds the default flag layer.
func WithFeatureDefaults(defaults map[string]bool) Option {
	return func(o *clientOptions) { o.flagDefaults = defaults }
}

// WithFeatureOverrides applies explicit local flag overrides at
// feature initialization. Overrides win over server-advertised values.
func WithFeatureOverrides(overrides map[string]bool) Option {
	return func(o *clientOptions) { o.flagOverrides = overrides }
}

// WithToolTTL sets how long a cached tool entry stays fresh before it
// is lazily revalidated on next use. Zero never expires.
func WithToolTTL(ttl time.Duration) Option {
	return func(o *clientOptions) { o.toolTTL = ttl }
}

// WithEventBus attaches an operational event bus.
func WithEventBus(bus *events.Bus) Option {
	return func(o *clientOptions) { o.bus = bus }
}

// WithStatsStore attaches a persistent tool-usage statistics store.
func WithStatsStore(s *tools.StatsStore) Option {
	return func(o *clientOptions) { o.stats = s }
}

// WithPluginHost attaches the plugin manager.
func WithPluginHost(h PluginHost) Option {
	return func(o *clientOptions) { o.plugins = h }
}

// Client is the public MCP client façade. It composes a transport, the
// correlation layer, the negotiation state machine, the tool and flag
// registries, and the plugin host, translating every lower-layer fault
// into the closed error taxonomy.
//
// One Client manages one logical connection. Operations are safe for
// concurrent use; requests are pipelined and each caller waits only
// for its own response.
type Client struct {
	transport Transport
	logger    *slog.Logger
	opts      clientOptions

	registry *tools.Registry
	flags    *flags.Registry
	methods  *methodResolver

	state atomic.Int32

	// mu guards conn, caps, and the connect/disconnect sequence.
	mu   sync.Mutex
	conn *conn
	caps ServerCapabilities
}

// New creates a client over the given transport. The configuration
// collected through opts is fixed for the client's lifetime.
func New(transport Transport, opts ...Option) *Client {
	o := clientOptions{
		timeout:  30 * time.Second,
		identity: "arrowhead",
		versions: SupportedVersions,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}

	c := &Client{
		transport: transport,
		logger:    o.logger.With("component", "mcp"),
		opts:      o,
		registry:  tools.NewRegistry(o.toolTTL),
		flags:     flags.NewRegistry(),
		methods:   newMethodResolver(o.aliases),
	}
	c.state.Store(int32(StateDisconnected))
	return c
}

// State returns the current negotiation state.
func (c *Client) State() State { return State(c.state.Load()) }

func (c *Client) setState(s State) {
	old := State(c.state.Swap(int32(s)))
	if old == s {
		return
	}
	c.logger.Debug("connection state change", "from", old.String(), "to", s.String())
	c.opts.bus.Publish(events.Event{
		Source: events.SourceMCP,
		Kind:   events.KindStateChange,
		Data:   map[string]any{"from": old.String(), "to": s.String()},
	})
}

// Connect opens the transport and walks the negotiation sequence:
// version exchange, capability discovery, feature initialization, then
// Ready and initial tool discovery. Any failure lands the client in
// the terminal Failed state until the next Connect.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.State() {
	case StateDisconnected, StateFailed:
	default:
		return errf(KindConnection, "connect called in state %s", c.State())
	}

	c.methods.reset()
	c.setState(StateConnecting)

	if err := c.transport.Open(ctx); err != nil {
		c.setState(StateFailed)
		return wrapErr(KindConnection, "open transport", err)
	}

	conn := newConn(c.transport, c.opts.timeout, c.logger)

	// Notifications are queued off the receive goroutine and dispatched
	// on their own goroutine: a slow plugin hook delays only plugin
	// dispatch, never response correlation.
	notifications := newNotifyQueue()
	conn.OnNotification(func(method string, params json.RawMessage) {
		notifications.push(Notification{JSONRPC: jsonrpcVersion, Method: method, Params: params})
	})
	conn.start()
	c.conn = conn
	go c.dispatchNotifications(conn, notifications)

	if err := c.handshake(ctx, conn); err != nil {
		conn.Close()
		c.setState(StateFailed)
		return err
	}

	c.setState(StateReady)
	go c.watchConn(conn)

	c.opts.bus.Publish(events.Event{
		Source: events.SourceMCP,
		Kind:   events.KindConnected,
		Data: map[string]any{
			"server_name":      c.caps.ServerName,
			"server_version":   c.caps.ServerVersion,
			"protocol_version": c.caps.ProtocolVersion.String(),
		},
	})
	if c.opts.plugins != nil {
		c.opts.plugins.Connected()
	}

	// Initial tool discovery. A failure here leaves an empty catalog
	// but a usable connection; the next tool operation revalidates.
	if err := c.discoverTools(ctx, conn, c.caps); err != nil {
		c.logger.Warn("initial tool discovery failed", "error", err)
	}

	return nil
}

// handshake runs version negotiation, capability discovery, and
// feature initialization on a fresh connection. Caller holds c.mu.
func (c *Client) handshake(ctx context.Context, conn *conn) error {
	c.setState(StateVersionNegotiating)

	offered := make([]string, len(c.opts.versions))
	for i, v := range c.opts.versions {
		offered[i] = v.String()
	}

	serverSet := c.opts.versions
	resp, err := conn.Call(ctx, "protocol/version", versionExchangeParams{Versions: offered})
	switch {
	case err != nil:
		return err
	case resp.Error != nil && resp.Error.Code == methodNotFound:
		// Server predates version exchange; assume it speaks our
		// newest offer and let initialize be the arbiter.
		c.logger.Warn("server does not implement protocol/version, assuming client set")
	case resp.Error != nil:
		return errf(KindProtocol, "version exchange rejected: %v", resp.Error)
	default:
		var result versionExchangeResult
		if err := json.Unmarshal(resp.Result, &result); err != nil {
			return errf(KindProtocol, "version exchange: unexpected response shape: %v", err)
		}
		serverSet, err = result.versionSet()
		if err != nil {
			return errf(KindProtocol, "version exchange: %v", err)
		}
	}

	negotiated, err := NegotiateVersion(c.opts.versions, serverSet)
	if err != nil {
		return err
	}
	c.logger.Info("protocol version negotiated", "version", negotiated.String())

	c.setState(StateCapabilityDiscovering)

	initResp, err := conn.Call(ctx, "initialize", initializeParams{
		ProtocolVersion: negotiated.String(),
		Capabilities:    map[string]any{},
		ClientInfo: clientInfo{
			Name:    c.opts.identity,
			Version: buildinfo.Version,
		},
	})
	if err != nil {
		return err
	}
	if initResp.Error != nil {
		return errf(KindProtocol, "initialize rejected: %v", initResp.Error)
	}

	var init initializeResult
	if err := json.Unmarshal(initResp.Result, &init); err != nil {
		return errf(KindProtocol, "initialize: unexpected response shape: %v", err)
	}

	// The negotiated version is fixed the moment it is stored here; no
	// later code path writes caps.ProtocolVersion again.
	c.caps = ServerCapabilities{
		ProtocolVersion: negotiated,
		Methods:         init.Capabilities.Methods,
		Experimental:    init.Capabilities.Experimental,
		Features:        init.Capabilities.Features,
		ServerName:      init.ServerInfo.Name,
		ServerVersion:   init.ServerInfo.Version,
	}

	c.logger.Info("server capabilities discovered",
		"server_name", init.ServerInfo.Name,
		"server_version", init.ServerInfo.Version,
		"methods", len(init.Capabilities.Methods),
		"experimental", len(init.Capabilities.Experimental),
	)

	if err := conn.Notify(ctx, "notifications/initialized", nil); err != nil {
		return err
	}

	c.setState(StateFeatureInitializing)
	c.flags.SetDefaults(c.opts.flagDefaults)
	c.flags.SetServer(c.caps.Features)
	for name, v := range c.opts.flagOverrides {
		c.flags.Set(name, v)
	}

	return nil
}

// watchConn flips the client to Failed when the connection dies out
// from under us. A deliberate Disconnect passes through Disconnecting
// first, which this goroutine leaves alone.
func (c *Client) watchConn(conn *conn) {
	<-conn.Done()

	c.mu.Lock()
	current := c.conn == conn
	c.mu.Unlock()
	if !current {
		return
	}

	if c.State() == StateReady {
		c.setState(StateFailed)
		c.logger.Error("connection failed", "error", conn.Err())
		c.opts.bus.Publish(events.Event{
			Source: events.SourceMCP,
			Kind:   events.KindDisconnected,
			Data:   map[string]any{"reason": fmt.Sprint(conn.Err())},
		})
		if c.opts.plugins != nil {
			c.opts.plugins.Disconnected()
		}
	}
}

// Disconnect is the sole cancellation path: it aborts the receive
// loop, flushes every pending request with a Connection error, and
// releases the transport.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	conn := c.conn
	if conn == nil {
		c.setState(StateDisconnected)
		return nil
	}

	c.setState(StateDisconnecting)
	conn.Close()
	c.conn = nil
	c.setState(StateDisconnected)

	c.opts.bus.Publish(events.Event{
		Source: events.SourceMCP,
		Kind:   events.KindDisconnected,
		Data:   map[string]any{"reason": "disconnect"},
	})
	if c.opts.plugins != nil {
		c.opts.plugins.Disconnected()
	}
	return nil
}

// dispatchNotifications drains one connection's notification queue in
// order. It holds the conn directly so dispatch never touches c.mu,
// and the queue closes when the connection dies.
func (c *Client) dispatchNotifications(conn *conn, q *notifyQueue) {
	go func() {
		<-conn.Done()
		q.close()
	}()
	for {
		notif, ok := q.pop()
		if !ok {
			return
		}
		c.handleNotification(conn, notif)
	}
}

// handleNotification offers one server-initiated message to plugins. A
// claimed message's reply is written back to the server as a frame.
func (c *Client) handleNotification(conn *conn, notif Notification) {
	c.logger.Debug("notification received", "method", notif.Method)

	if c.opts.plugins == nil {
		return
	}
	raw, err := json.Marshal(&notif)
	if err != nil {
		return
	}
	reply, claimed := c.opts.plugins.HandleMessage(raw)
	if !claimed || len(reply) == 0 {
		return
	}

	if err := conn.transport.Send(context.Background(), reply); err != nil {
		c.logger.Warn("send plugin reply", "error", err)
	}
}

// live returns the connection if the client is Ready; otherwise the
// fail-fast "not connected" error, without touching the transport.
func (c *Client) live() (*conn, error) {
	if c.State() != StateReady {
		return nil, errf(KindConnection, "not connected (state %s)", c.State())
	}
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil, errf(KindConnection, "not connected")
	}
	return conn, nil
}

// transientErr reports whether an error is worth a caller-configured
// retry: timeouts and connection faults only.
func transientErr(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrConnection)
}

// withRetry runs op up to 1+maxRetries times, backing off linearly
// between attempts. Only transient faults retry, and only while the
// connection is still Ready.
func (c *Client) withRetry(ctx context.Context, op func() error) error {
	var err error
	for attempt := 0; attempt <= c.opts.maxRetries; attempt++ {
		if attempt > 0 {
			delay := c.opts.retryBackoff * time.Duration(attempt)
			c.logger.Debug("retrying after transient fault", "attempt", attempt, "delay", delay, "error", err)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return err
			}
		}
		err = op()
		if err == nil || !transientErr(err) {
			return err
		}
		if c.State() != StateReady {
			return err
		}
	}
	return err
}

// invoke issues one correlated call with the graceful-degradation
// fallback: a "method not found" rejection of the canonical name is
// retried once with the configured legacy alias, and a win is
// remembered for the session. faultKind classifies server-reported
// errors for this method family.
func (c *Client) invoke(ctx context.Context, conn *conn, method string, params any, faultKind Kind) (json.RawMessage, error) {
	name := c.methods.current(method)

	resp, err := conn.Call(ctx, name, params)
	if err != nil {
		return nil, err
	}

	if resp.Error != nil && resp.Error.Code == methodNotFound && name == method {
		alias, ok := c.methods.alias(method)
		if ok {
			c.logger.Info("method not found, trying legacy alias", "method", method, "alias", alias)
			resp, err = conn.Call(ctx, alias, params)
			if err != nil {
				return nil, err
			}
			if resp.Error == nil {
				c.methods.remember(method, alias)
				return resp.Result, nil
			}
		}
	}

	if resp.Error != nil {
		if resp.Error.Code == methodNotFound {
			return nil, errf(KindProtocol, "method %s not supported by server", method)
		}
		return nil, &Error{Kind: faultKind, Msg: fmt.Sprintf("server rejected %s", method), Err: resp.Error}
	}
	return resp.Result, nil
}

// ListTools returns the tool catalog, discovering it from the server
// when the cache is empty.
func (c *Client) ListTools(ctx context.Context) ([]tools.Registration, error) {
	conn, err := c.live()
	if err != nil {
		return nil, err
	}
	if c.registry.Len() == 0 {
		if err := c.refreshTools(ctx, conn); err != nil {
			return nil, err
		}
	}
	return c.registry.List(), nil
}

// RefreshTools re-queries the server and swaps the entire catalog
// atomically.
func (c *Client) RefreshTools(ctx context.Context) error {
	conn, err := c.live()
	if err != nil {
		return err
	}
	return c.refreshTools(ctx, conn)
}

func (c *Client) refreshTools(ctx context.Context, conn *conn) error {
	caps := c.GetServerCapabilities()
	return c.withRetry(ctx, func() error {
		return c.discoverTools(ctx, conn, caps)
	})
}

func (c *Client) discoverTools(ctx context.Context, conn *conn, caps ServerCapabilities) error {
	raw, err := c.invoke(ctx, conn, "tools/list", nil, KindTool)
	if err != nil {
		return err
	}

	var result toolsListResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return errf(KindProtocol, "tools/list: unexpected response shape: %v", err)
	}

	metas := make([]tools.Metadata, len(result.Tools))
	for i, t := range result.Tools {
		m := t.metadata(caps.ServerName)
		if m.CompatVersion == "" {
			m.CompatVersion = caps.ProtocolVersion.String()
		}
		metas[i] = m
	}
	c.registry.Replace(metas)

	c.logger.Info("tool catalog refreshed", "count", len(metas))
	c.opts.bus.Publish(events.Event{
		Source: events.SourceTools,
		Kind:   events.KindToolsRefreshed,
		Data:   map[string]any{"count": len(metas)},
	})
	return nil
}

// CallTool invokes a tool by name. Server-reported execution faults
// come back as Tool errors; the connection stays Ready afterward.
// Usage statistics are recorded for every attempt that reaches the
// server.
func (c *Client) CallTool(ctx context.Context, name string, args Args) (Value, error) {
	conn, err := c.live()
	if err != nil {
		return Null(), err
	}

	// Lazy revalidation: a stale catalog entry triggers a refresh on
	// use, never on a timer.
	if c.registry.Stale(name) && c.registry.Len() > 0 {
		if err := c.refreshTools(ctx, conn); err != nil {
			c.logger.Warn("tool revalidation failed", "tool", name, "error", err)
		}
	}

	c.opts.bus.Publish(events.Event{
		Source: events.SourceTools,
		Kind:   events.KindToolCall,
		Data:   map[string]any{"tool": name},
	})

	start := time.Now()
	var result Value
	callErr := c.withRetry(ctx, func() error {
		raw, err := c.invoke(ctx, conn, "tools/call", callToolParams{
			Name:      name,
			Arguments: args.ToAny(),
		}, KindTool)
		if err != nil {
			// An RPC-level rejection means the server would not run
			// the tool at all; flag the cached entry so callers see it
			// as unavailable until the next catalog refresh. A tool
			// that ran and reported IsError stays available.
			var rpcErr *RPCError
			if errors.As(err, &rpcErr) {
				c.registry.SetAvailable(name, false)
			}
			return err
		}

		var payload callToolResult
		if jerr := json.Unmarshal(raw, &payload); jerr == nil && payload.IsError {
			return errf(KindTool, "tool %s failed: %s", name, extractText(payload.Content))
		}

		parsed, perr := parseValue(raw)
		if perr != nil {
			return errf(KindProtocol, "tools/call %s: unexpected response shape: %v", name, perr)
		}
		result = parsed
		return nil
	})
	elapsed := time.Since(start)

	c.registry.RecordUsage(name, elapsed)
	if c.opts.stats != nil {
		if serr := c.opts.stats.RecordCall(name, elapsed, callErr == nil, start); serr != nil {
			c.logger.Warn("persist tool call stats", "error", serr)
		}
	}

	c.opts.bus.Publish(events.Event{
		Source: events.SourceTools,
		Kind:   events.KindToolDone,
		Data:   map[string]any{"tool": name, "ok": callErr == nil, "duration_ms": elapsed.Milliseconds()},
	})

	if callErr != nil {
		return Null(), callErr
	}

	if c.opts.plugins != nil {
		c.opts.plugins.ToolCalled(name, args, result)
	}
	return result, nil
}

// IsToolAvailable returns the cached availability flag, lazily
// revalidating a stale entry first.
func (c *Client) IsToolAvailable(ctx context.Context, name string) (bool, error) {
	conn, err := c.live()
	if err != nil {
		return false, err
	}
	if c.registry.Stale(name) {
		if err := c.refreshTools(ctx, conn); err != nil {
			return false, err
		}
	}
	return c.registry.IsAvailable(name), nil
}

// GetToolMetadata returns the cached metadata for a tool.
func (c *Client) GetToolMetadata(name string) (tools.Metadata, bool) {
	reg, ok := c.registry.Lookup(name)
	if !ok {
		return tools.Metadata{}, false
	}
	return reg.Metadata, true
}

// GetToolStatistics returns the aggregate usage report.
func (c *Client) GetToolStatistics() tools.Statistics {
	return c.registry.Statistics()
}

// ListResources lists the server's resources.
func (c *Client) ListResources(ctx context.Context) ([]Resource, error) {
	conn, err := c.live()
	if err != nil {
		return nil, err
	}

	var resources []Resource
	err = c.withRetry(ctx, func() error {
		raw, err := c.invoke(ctx, conn, "resources/list", nil, KindProtocol)
		if err != nil {
			return err
		}
		var result resourcesListResult
		if err := json.Unmarshal(raw, &result); err != nil {
			return errf(KindProtocol, "resources/list: unexpected response shape: %v", err)
		}
		resources = result.Resources
		return nil
	})
	return resources, err
}

// ReadResource reads one resource by URI.
func (c *Client) ReadResource(ctx context.Context, uri string) (Value, error) {
	conn, err := c.live()
	if err != nil {
		return Null(), err
	}

	var result Value
	err = c.withRetry(ctx, func() error {
		raw, err := c.invoke(ctx, conn, "resources/read", readResourceParams{URI: uri}, KindProtocol)
		if err != nil {
			return err
		}
		parsed, perr := parseValue(raw)
		if perr != nil {
			return errf(KindProtocol, "resources/read: unexpected response shape: %v", perr)
		}
		result = parsed
		return nil
	})
	return result, err
}

// Ping checks server responsiveness.
func (c *Client) Ping(ctx context.Context) error {
	conn, err := c.live()
	if err != nil {
		return err
	}
	_, err = c.invoke(ctx, conn, "ping", nil, KindProtocol)
	return err
}

// GetServerCapabilities returns what the server advertised during the
// handshake. Zero value before the first successful Connect.
func (c *Client) GetServerCapabilities() ServerCapabilities {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.caps
}

// NegotiatedVersion returns the protocol version settled during the
// handshake. Zero before the first successful Connect.
func (c *Client) NegotiatedVersion() Version {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.caps.ProtocolVersion
}

// IsFeatureEnabled resolves a feature flag by layered precedence.
func (c *Client) IsFeatureEnabled(name string) bool {
	return c.flags.Enabled(name)
}

// GetFeatureFlags returns the merged flag view.
func (c *Client) GetFeatureFlags() []flags.Flag {
	return c.flags.All()
}

// SetFeatureFlag records a local override that wins over any
// server-advertised or default value.
func (c *Client) SetFeatureFlag(name string, enabled bool) {
	c.flags.Set(name, enabled)
}

// LoadPlugin loads a plugin through the attached plugin host.
func (c *Client) LoadPlugin(ctx context.Context, path string) (string, error) {
	if c.opts.plugins == nil {
		return "", errf(KindPlugin, "no plugin host configured")
	}
	id, err := c.opts.plugins.Load(ctx, path)
	if err != nil {
		return "", wrapErr(KindPlugin, "load plugin", err)
	}
	return id, nil
}

// UnloadPlugin unloads a plugin through the attached plugin host.
// Unknown ids are a no-op.
func (c *Client) UnloadPlugin(ctx context.Context, id string) error {
	if c.opts.plugins == nil {
		return errf(KindPlugin, "no plugin host configured")
	}
	if err := c.opts.plugins.Unload(ctx, id); err != nil {
		return wrapErr(KindPlugin, "unload plugin", err)
	}
	return nil
}

// parseValue decodes a raw JSON result into a Value tree.
func parseValue(raw json.RawMessage) (Value, error) {
	if len(raw) == 0 {
		return Null(), nil
	}
	var v Value
	if err := json.Unmarshal(raw, &v); err != nil {
		return Null(), err
	}
	return v, nil
}
