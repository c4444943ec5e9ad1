package mcp

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"
)

// TCPConfig configures a TCP transport. Each JSON-RPC object occupies
// one newline-terminated line on the socket.
type TCPConfig struct {
	// Address is the host:port to dial.
	Address string

	// DialTimeout bounds connection establishment. Defaults to 10s.
	DialTimeout time.Duration

	// Logger is the structured logger for transport diagnostics.
	Logger *slog.Logger
}

// TCPTransport carries frames over a TCP socket.
type TCPTransport struct {
	config TCPConfig
	logger *slog.Logger

	mu     sync.Mutex
	conn   net.Conn
	reader *bufio.Reader
}

// NewTCPTransport creates a TCP transport for the given config.
func NewTCPTransport(cfg TCPConfig) *TCPTransport {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	return &TCPTransport{
		config: cfg,
		logger: logger.With("transport", "tcp", "address", cfg.Address),
	}
}

// Open dials the server.
func (t *TCPTransport) Open(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn != nil {
		return nil
	}

	t.logger.Info("dialing MCP server")

	dialer := net.Dialer{Timeout: t.config.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", t.config.Address)
	if err != nil {
		return fmt.Errorf("dial %s: %w", t.config.Address, err)
	}

	t.conn = conn
	t.reader = bufio.NewReaderSize(conn, maxFrameSize)
	t.logger.Info("connected to MCP server")
	return nil
}

// Send writes one frame. A context deadline, when present, is applied
// as the socket write deadline.
func (t *TCPTransport) Send(ctx context.Context, data []byte) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()

	if conn == nil {
		return fmt.Errorf("tcp transport not open")
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
		defer conn.SetWriteDeadline(time.Time{})
	}
	return writeLine(conn, data)
}

// Receive reads the next frame. Close unblocks a pending Receive by
// closing the socket.
func (t *TCPTransport) Receive(ctx context.Context) ([]byte, error) {
	t.mu.Lock()
	reader := t.reader
	t.mu.Unlock()

	if reader == nil {
		return nil, fmt.Errorf("tcp transport not open")
	}
	return readLine(ctx, reader)
}

// Close closes the socket.
func (t *TCPTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn == nil {
		return nil
	}
	err := t.conn.Close()
	t.conn = nil
	t.reader = nil
	t.logger.Debug("tcp transport closed")
	return err
}
