package mcp

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestStdioTransport_RoundTrip(t *testing.T) {
	// Client reads from inR; the "server" end writes to inW and reads
	// what the client sent from outR.
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()

	tr := NewStdioTransport(StdioConfig{Reader: inR, Writer: outW})
	if err := tr.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer tr.Close()

	// Echo server: one line in, same line out.
	go func() {
		r := bufio.NewReader(outR)
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		inW.Write([]byte(line))
	}()

	frame := []byte(`{"jsonrpc":"2.0","id":1,"method":"ping"}`)
	if err := tr.Send(context.Background(), frame); err != nil {
		t.Fatalf("Send: %v", err)
	}

	got, err := tr.Receive(context.Background())
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if string(got) != string(frame) {
		t.Errorf("round trip changed frame:\n sent %s\n got  %s", frame, got)
	}
}

func TestStdioTransport_OversizedFrameRejected(t *testing.T) {
	inR, inW := io.Pipe()
	defer inR.Close()
	tr := NewStdioTransport(StdioConfig{Reader: inR, Writer: io.Discard})
	if err := tr.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer tr.Close()

	// One line a byte past the frame bound, written in chunks so the
	// reader's internal buffer overflows repeatedly before the check.
	go func() {
		defer inW.Close()
		chunk := bytes.Repeat([]byte("x"), 64*1024)
		written := 0
		for written <= maxFrameSize {
			if _, err := inW.Write(chunk); err != nil {
				return
			}
			written += len(chunk)
		}
		inW.Write([]byte("\n"))
	}()

	_, err := tr.Receive(context.Background())
	if !errors.Is(err, errFrameTooLarge) {
		t.Fatalf("Receive oversized frame: got %v, want frame-size error", err)
	}
}

func TestReadBoundedLine_AtTheBound(t *testing.T) {
	payload := bytes.Repeat([]byte("y"), maxFrameSize)
	r := bufio.NewReader(bytes.NewReader(append(payload, '\n')))

	line, err := readBoundedLine(r)
	if err != nil {
		t.Fatalf("frame exactly at the bound rejected: %v", err)
	}
	if len(line) != maxFrameSize+1 {
		t.Errorf("line length = %d, want payload plus delimiter", len(line))
	}
}

func TestStdioTransport_ReceiveHonorsCancellation(t *testing.T) {
	inR, _ := io.Pipe()
	tr := NewStdioTransport(StdioConfig{Reader: inR, Writer: io.Discard})
	tr.Open(context.Background())
	defer tr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := tr.Receive(ctx)
	if err == nil {
		t.Fatal("Receive should fail when the context expires with no data")
	}
}

func TestStdioTransport_NotOpen(t *testing.T) {
	tr := NewStdioTransport(StdioConfig{Reader: strings.NewReader(""), Writer: io.Discard})
	if err := tr.Send(context.Background(), []byte("x")); err == nil {
		t.Error("Send before Open should fail")
	}
	if _, err := tr.Receive(context.Background()); err == nil {
		t.Error("Receive before Open should fail")
	}
}

func TestTCPTransport_RoundTrip(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	// Echo server for a single connection.
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		r := bufio.NewReader(conn)
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				return
			}
			conn.Write([]byte(line))
		}
	}()

	tr := NewTCPTransport(TCPConfig{Address: ln.Addr().String()})
	if err := tr.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer tr.Close()

	frame := []byte(`{"jsonrpc":"2.0","id":42,"method":"tools/list"}`)
	if err := tr.Send(context.Background(), frame); err != nil {
		t.Fatalf("Send: %v", err)
	}
	got, err := tr.Receive(context.Background())
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if string(got) != string(frame) {
		t.Errorf("round trip changed frame:\n sent %s\n got  %s", frame, got)
	}
}

func TestTCPTransport_DialFailure(t *testing.T) {
	// A port nothing listens on: grab one, then close it.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	tr := NewTCPTransport(TCPConfig{Address: addr, DialTimeout: 200 * time.Millisecond})
	if err := tr.Open(context.Background()); err == nil {
		tr.Close()
		t.Fatal("Open should fail with nothing listening")
	}
}

func TestTCPTransport_CloseUnblocksReceive(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		// Hold the connection open without sending anything.
		defer conn.Close()
		time.Sleep(2 * time.Second)
	}()

	tr := NewTCPTransport(TCPConfig{Address: ln.Addr().String()})
	if err := tr.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		_, err := tr.Receive(context.Background())
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	tr.Close()

	select {
	case err := <-errCh:
		if err == nil {
			t.Error("Receive should fail after Close")
		}
	case <-time.After(time.Second):
		t.Fatal("Receive still blocked after Close")
	}
}

func TestWebSocketTransport_RoundTrip(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			conn.WriteMessage(mt, data)
		}
	}))
	defer srv.Close()

	// http scheme is normalized to ws.
	tr := NewWebSocketTransport(WebSocketConfig{URL: srv.URL})
	if err := tr.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer tr.Close()

	frame := []byte(`{"jsonrpc":"2.0","id":9,"method":"ping"}`)
	if err := tr.Send(context.Background(), frame); err != nil {
		t.Fatalf("Send: %v", err)
	}
	got, err := tr.Receive(context.Background())
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if string(got) != string(frame) {
		t.Errorf("round trip changed frame:\n sent %s\n got  %s", frame, got)
	}
}

func TestWebSocketTransport_HeaderPassThrough(t *testing.T) {
	upgrader := websocket.Upgrader{}
	gotAuth := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth <- r.Header.Get("Authorization")
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn.Close()
	}))
	defer srv.Close()

	tr := NewWebSocketTransport(WebSocketConfig{
		URL:    srv.URL,
		Header: http.Header{"Authorization": []string{"Bearer opaque-token"}},
	})
	if err := tr.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer tr.Close()

	select {
	case auth := <-gotAuth:
		if auth != "Bearer opaque-token" {
			t.Errorf("Authorization = %q", auth)
		}
	case <-time.After(time.Second):
		t.Fatal("handshake never reached the server")
	}
}

func TestProcessTransport_RoundTrip(t *testing.T) {
	// cat echoes stdin to stdout line by line — a perfect loopback
	// server for framing tests.
	tr := NewProcessTransport(ProcessConfig{
		Command:   "cat",
		StopGrace: time.Second,
	})
	if err := tr.Open(context.Background()); err != nil {
		t.Skipf("cannot spawn cat: %v", err)
	}
	defer tr.Close()

	frame := []byte(`{"jsonrpc":"2.0","id":5,"method":"initialize"}`)
	if err := tr.Send(context.Background(), frame); err != nil {
		t.Fatalf("Send: %v", err)
	}
	got, err := tr.Receive(context.Background())
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if string(got) != string(frame) {
		t.Errorf("round trip changed frame:\n sent %s\n got  %s", frame, got)
	}
}

func TestProcessTransport_CloseStopsSubprocess(t *testing.T) {
	tr := NewProcessTransport(ProcessConfig{
		Command:   "cat",
		StopGrace: time.Second,
	})
	if err := tr.Open(context.Background()); err != nil {
		t.Skipf("cannot spawn cat: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- tr.Close() }()

	select {
	case <-done:
		// cat exits promptly once its stdin closes.
	case <-time.After(3 * time.Second):
		t.Fatal("Close did not finish within the grace period")
	}

	if err := tr.Send(context.Background(), []byte("x")); err == nil {
		t.Error("Send after Close should fail")
	}
}

func TestProcessTransport_MissingBinary(t *testing.T) {
	tr := NewProcessTransport(ProcessConfig{Command: "/nonexistent/mcp-server"})
	if err := tr.Open(context.Background()); err == nil {
		tr.Close()
		t.Fatal("Open should fail for a missing executable")
	}
}
