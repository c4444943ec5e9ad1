package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocketConfig configures a WebSocket transport. Each JSON-RPC
// object occupies one text frame.
type WebSocketConfig struct {
	// URL is the server endpoint. http/https schemes are normalized
	// to ws/wss.
	URL string

	// Header holds opaque headers sent with the handshake (e.g.
	// Authorization). Passed through untouched.
	Header http.Header

	// HandshakeTimeout bounds the opening handshake. Defaults to 10s.
	HandshakeTimeout time.Duration

	// Logger is the structured logger for transport diagnostics.
	Logger *slog.Logger
}

// WebSocketTransport carries frames over a WebSocket connection.
type WebSocketTransport struct {
	config WebSocketConfig
	logger *slog.Logger

	mu   sync.Mutex // guards conn pointer and writes
	conn *websocket.Conn
}

// NewWebSocketTransport creates a WebSocket transport for the given config.
func NewWebSocketTransport(cfg WebSocketConfig) *WebSocketTransport {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	return &WebSocketTransport{
		config: cfg,
		logger: logger.With("transport", "websocket"),
	}
}

// Open performs the WebSocket handshake.
func (t *WebSocketTransport) Open(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn != nil {
		return nil
	}

	u, err := url.Parse(t.config.URL)
	if err != nil {
		return fmt.Errorf("parse URL: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}

	t.logger.Info("dialing MCP server", "url", u.String())

	// Sized buffers: tool results can be large, requests stay small.
	dialer := websocket.Dialer{
		HandshakeTimeout: t.config.HandshakeTimeout,
		ReadBufferSize:   maxFrameSize,
		WriteBufferSize:  64 * 1024,
	}

	conn, _, err := dialer.DialContext(ctx, u.String(), t.config.Header)
	if err != nil {
		return fmt.Errorf("dial websocket %s: %w", u.String(), err)
	}
	conn.SetReadLimit(maxFrameSize)

	t.conn = conn
	t.logger.Info("connected to MCP server")
	return nil
}

// Send writes one text frame.
func (t *WebSocketTransport) Send(ctx context.Context, data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn == nil {
		return fmt.Errorf("websocket transport not open")
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = t.conn.SetWriteDeadline(deadline)
		defer t.conn.SetWriteDeadline(time.Time{})
	}
	if err := t.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// Receive reads the next frame. The blocking read runs in a goroutine
// so cancellation can interrupt it; Close unblocks a pending read.
func (t *WebSocketTransport) Receive(ctx context.Context) ([]byte, error) {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()

	if conn == nil {
		return nil, fmt.Errorf("websocket transport not open")
	}

	ch := make(chan readResult, 1)
	go func() {
		_, data, err := conn.ReadMessage()
		ch <- readResult{line: data, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.err != nil {
			return nil, fmt.Errorf("read frame: %w", res.err)
		}
		return res.line, nil
	}
}

// Close closes the connection.
func (t *WebSocketTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn == nil {
		return nil
	}
	err := t.conn.Close()
	t.conn = nil
	t.logger.Debug("websocket transport closed")
	return err
}
