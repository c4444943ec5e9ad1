package mcp

import (
	"bufio"
	"context"
	"fmt"
	"io"
)

// Transport is a duplex byte-stream channel carrying JSON-RPC frames
// to and from an MCP server. Implementations handle framing only; they
// never retry — retry policy belongs to the client façade.
//
// Open must be called before Send or Receive. Receive blocks until a
// frame arrives, the context is cancelled, or the channel fails; after
// Close, Receive returns an error promptly. All failures surface as
// raw transport errors; classification happens above this layer.
type Transport interface {
	// Open establishes the channel.
	Open(ctx context.Context) error

	// Send writes one frame.
	Send(ctx context.Context, data []byte) error

	// Receive reads the next frame.
	Receive(ctx context.Context) ([]byte, error)

	// Close tears down the channel and releases resources. Receive
	// calls blocked at the time of Close return an error.
	Close() error
}

// maxFrameSize bounds a single newline-delimited frame. Large tool
// results (file contents, search output) can run to megabytes.
const maxFrameSize = 1 << 20

// errFrameTooLarge is returned when a frame exceeds maxFrameSize
// without a newline. The connection treats a receive error as fatal.
var errFrameTooLarge = fmt.Errorf("frame exceeds %d bytes", maxFrameSize)

// readResult carries the outcome of a single blocking read performed
// in a helper goroutine so that Receive can honor context cancellation.
type readResult struct {
	line []byte
	err  error
}

// readLine performs a context-aware newline-delimited read. The
// underlying blocking read runs in a goroutine; on cancellation the
// caller is expected to close the stream so the orphaned read
// unblocks and the goroutine exits.
func readLine(ctx context.Context, r *bufio.Reader) ([]byte, error) {
	ch := make(chan readResult, 1)
	go func() {
		line, err := readBoundedLine(r)
		ch <- readResult{line: line, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.err != nil {
			return nil, res.err
		}
		return trimNewline(res.line), nil
	}
}

// readBoundedLine reads up to the next newline, enforcing maxFrameSize.
// ReadSlice is used instead of ReadBytes because the latter grows
// without limit; each ErrBufferFull continuation is accumulated until
// the delimiter arrives or the bound is crossed.
func readBoundedLine(r *bufio.Reader) ([]byte, error) {
	var line []byte
	for {
		chunk, err := r.ReadSlice('\n')
		line = append(line, chunk...)
		switch {
		case err == nil:
			if len(line)-1 > maxFrameSize { // payload excludes the delimiter
				return nil, errFrameTooLarge
			}
			return line, nil
		case err == bufio.ErrBufferFull:
			if len(line) > maxFrameSize {
				return nil, errFrameTooLarge
			}
		default:
			return nil, err
		}
	}
}

// writeLine writes one frame followed by the newline delimiter.
func writeLine(w io.Writer, data []byte) error {
	buf := make([]byte, 0, len(data)+1)
	buf = append(buf, data...)
	buf = append(buf, '\n')
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

func trimNewline(line []byte) []byte {
	for len(line) > 0 && (line[len(line)-1] == '\n' || line[len(line)-1] == '\r') {
		line = line[:len(line)-1]
	}
	return line
}
