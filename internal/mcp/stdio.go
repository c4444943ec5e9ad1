package mcp

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
)

// StdioConfig configures a stdio transport speaking newline-delimited
// JSON-RPC over this process's own standard streams. Reader and Writer
// default to os.Stdin and os.Stdout; tests substitute in-memory pipes.
type StdioConfig struct {
	Reader io.Reader
	Writer io.Writer

	// Logger is the structured logger for transport diagnostics.
	Logger *slog.Logger
}

// StdioTransport carries frames over the process's stdin/stdout. This
// is the channel used when arrowhead itself is launched by a parent
// that owns the server end of the pipes.
type StdioTransport struct {
	logger *slog.Logger

	mu     sync.Mutex
	raw    io.Reader
	w      io.Writer
	reader *bufio.Reader
	open   bool
}

// NewStdioTransport creates a stdio transport for the given config.
func NewStdioTransport(cfg StdioConfig) *StdioTransport {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	r := cfg.Reader
	if r == nil {
		r = os.Stdin
	}
	w := cfg.Writer
	if w == nil {
		w = os.Stdout
	}
	return &StdioTransport{
		logger: logger.With("transport", "stdio"),
		raw:    r,
		w:      w,
	}
}

// Open prepares the buffered reader. The underlying streams already
// exist, so Open never fails once per-transport state is set up.
func (t *StdioTransport) Open(_ context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.open {
		return nil
	}
	t.reader = bufio.NewReaderSize(t.raw, maxFrameSize)
	t.open = true
	t.logger.Debug("stdio transport opened")
	return nil
}

// Send writes one newline-delimited frame to stdout.
func (t *StdioTransport) Send(_ context.Context, data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.open {
		return fmt.Errorf("stdio transport not open")
	}
	return writeLine(t.w, data)
}

// Receive reads the next newline-delimited frame from stdin.
func (t *StdioTransport) Receive(ctx context.Context) ([]byte, error) {
	t.mu.Lock()
	reader := t.reader
	open := t.open
	t.mu.Unlock()

	if !open {
		return nil, fmt.Errorf("stdio transport not open")
	}
	return readLine(ctx, reader)
}

// Close closes the underlying streams where they are closable. The
// process's own stdin/stdout are left alone.
func (t *StdioTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.open {
		return nil
	}
	t.open = false

	if c, ok := t.raw.(io.Closer); ok && t.raw != io.Reader(os.Stdin) {
		c.Close()
	}
	if c, ok := t.w.(io.Closer); ok && t.w != io.Writer(os.Stdout) {
		c.Close()
	}
	t.logger.Debug("stdio transport closed")
	return nil
}
