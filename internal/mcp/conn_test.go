package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeTransport is an in-memory Transport driven by the test. Frames
// queued on in are returned by Receive; Send invokes onSend so a test
// can script server behavior.
type fakeTransport struct {
	mu     sync.Mutex
	sent   [][]byte
	onSend func(data []byte)

	in        chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		in:     make(chan []byte, 64),
		closed: make(chan struct{}),
	}
}

func (t *fakeTransport) Open(_ context.Context) error { return nil }

func (t *fakeTransport) Send(_ context.Context, data []byte) error {
	select {
	case <-t.closed:
		return errors.New("transport closed")
	default:
	}
	cp := make([]byte, len(data))
	copy(cp, data)

	t.mu.Lock()
	t.sent = append(t.sent, cp)
	hook := t.onSend
	t.mu.Unlock()

	if hook != nil {
		hook(cp)
	}
	return nil
}

func (t *fakeTransport) Receive(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.closed:
		return nil, errors.New("transport closed")
	case data := <-t.in:
		return data, nil
	}
}

func (t *fakeTransport) Close() error {
	t.closeOnce.Do(func() { close(t.closed) })
	return nil
}

// deliver queues a frame for Receive.
func (t *fakeTransport) deliver(frame string) {
	t.in <- []byte(frame)
}

func (t *fakeTransport) sentRequests(tb testing.TB) []Request {
	tb.Helper()
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Request, 0, len(t.sent))
	for _, data := range t.sent {
		var req Request
		if err := json.Unmarshal(data, &req); err != nil {
			tb.Fatalf("sent frame is not a request: %s", data)
		}
		out = append(out, req)
	}
	return out
}

// respondWith installs a server script keyed by method. Responses are
// delivered asynchronously through the receive path.
func (t *fakeTransport) respondWith(script func(req Request) *Response) {
	t.mu.Lock()
	t.onSend = func(data []byte) {
		var req Request
		if err := json.Unmarshal(data, &req); err != nil {
			return // notification or malformed; nothing to answer
		}
		if req.ID == 0 {
			return
		}
		resp := script(req)
		if resp == nil {
			return
		}
		out, _ := json.Marshal(resp)
		t.in <- out
	}
	t.mu.Unlock()
}

func okResult(id int64, result any) *Response {
	raw, _ := json.Marshal(result)
	return &Response{JSONRPC: jsonrpcVersion, ID: id, Result: raw}
}

func TestConnCall_RoundTrip(t *testing.T) {
	ft := newFakeTransport()
	ft.respondWith(func(req Request) *Response {
		return okResult(req.ID, map[string]string{"pong": req.Method})
	})

	c := newConn(ft, time.Second, nil)
	c.start()
	defer c.Close()

	resp, err := c.Call(context.Background(), "ping", nil)
	if err != nil {
		t.Fatalf("Call error: %v", err)
	}
	var got map[string]string
	json.Unmarshal(resp.Result, &got)
	if got["pong"] != "ping" {
		t.Errorf("result = %v", got)
	}
}

func TestConnCall_CorrelatesOutOfOrderResponses(t *testing.T) {
	ft := newFakeTransport()
	c := newConn(ft, 5*time.Second, nil)
	c.start()
	defer c.Close()

	var wg sync.WaitGroup
	results := make([]string, 2)
	errs := make([]error, 2)

	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			method := []string{"first", "second"}[i]
			resp, err := c.Call(context.Background(), method, nil)
			if err != nil {
				errs[i] = err
				return
			}
			var s string
			json.Unmarshal(resp.Result, &s)
			results[i] = s
		}(i)
	}

	// Wait for both requests to hit the wire, then answer in reverse.
	var reqs []Request
	deadline := time.Now().Add(2 * time.Second)
	for len(reqs) < 2 {
		if time.Now().After(deadline) {
			t.Fatal("requests never sent")
		}
		time.Sleep(time.Millisecond)
		reqs = ft.sentRequests(t)
	}
	for i := len(reqs) - 1; i >= 0; i-- {
		out, _ := json.Marshal(okResult(reqs[i].ID, reqs[i].Method))
		ft.deliver(string(out))
	}

	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Fatalf("call %d error: %v", i, err)
		}
	}
	if results[0] != "first" || results[1] != "second" {
		t.Errorf("responses crossed wires: %v", results)
	}
}

func TestConnCall_Timeout(t *testing.T) {
	ft := newFakeTransport()
	c := newConn(ft, 20*time.Millisecond, nil)
	c.start()
	defer c.Close()

	_, err := c.Call(context.Background(), "slow", nil)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("want Timeout error, got %v", err)
	}

	// The late response finds no pending entry and is dropped; the
	// connection stays usable.
	reqs := ft.sentRequests(t)
	out, _ := json.Marshal(okResult(reqs[0].ID, "late"))
	ft.deliver(string(out))

	ft.respondWith(func(req Request) *Response {
		return okResult(req.ID, "fresh")
	})
	resp, err := c.Call(context.Background(), "next", nil)
	if err != nil {
		t.Fatalf("call after timeout: %v", err)
	}
	var s string
	json.Unmarshal(resp.Result, &s)
	if s != "fresh" {
		t.Errorf("got stale result %q after timeout", s)
	}
}

func TestConnCall_ExactlyOnceUnderTimeoutRace(t *testing.T) {
	// Race the dispatcher against the deadline many times: every call
	// must resolve exactly once, as either the response or a timeout.
	ft := newFakeTransport()
	ft.respondWith(func(req Request) *Response {
		return okResult(req.ID, "v")
	})

	c := newConn(ft, time.Millisecond, nil)
	c.start()
	defer c.Close()

	for i := 0; i < 200; i++ {
		resp, err := c.Call(context.Background(), "racy", nil)
		switch {
		case err == nil:
			var s string
			json.Unmarshal(resp.Result, &s)
			if s != "v" {
				t.Fatalf("iteration %d: wrong result %q", i, s)
			}
		case errors.Is(err, ErrTimeout):
		default:
			t.Fatalf("iteration %d: unexpected error %v", i, err)
		}
	}
}

func TestConnFail_ReleasesAllPendingWithConnectionError(t *testing.T) {
	ft := newFakeTransport()
	c := newConn(ft, 5*time.Second, nil)
	c.start()

	const waiters = 5
	var wg sync.WaitGroup
	errs := make([]error, waiters)
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = c.Call(context.Background(), "pending", nil)
		}(i)
	}

	// Wait until every request is registered, then kill the transport.
	deadline := time.Now().Add(2 * time.Second)
	for len(ft.sentRequests(t)) < waiters {
		if time.Now().After(deadline) {
			t.Fatal("requests never sent")
		}
		time.Sleep(time.Millisecond)
	}
	ft.Close()

	wg.Wait()
	for i, err := range errs {
		if !errors.Is(err, ErrConnection) {
			t.Errorf("waiter %d: want Connection error, got %v", i, err)
		}
	}

	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatal("Done() not closed after transport failure")
	}
}

func TestConnCall_AfterFailure(t *testing.T) {
	ft := newFakeTransport()
	c := newConn(ft, time.Second, nil)
	c.start()
	c.Close()

	_, err := c.Call(context.Background(), "dead", nil)
	if !errors.Is(err, ErrConnection) {
		t.Errorf("want Connection error on closed conn, got %v", err)
	}
	if err := c.Notify(context.Background(), "dead", nil); !errors.Is(err, ErrConnection) {
		t.Errorf("want Connection error on closed conn notify, got %v", err)
	}
}

func TestConnMalformedFrameIsFatal(t *testing.T) {
	ft := newFakeTransport()
	c := newConn(ft, 5*time.Second, nil)
	c.start()

	ft.deliver(`{garbage`)

	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatal("malformed frame should fail the connection")
	}
	if !errors.Is(c.Err(), ErrProtocol) {
		t.Errorf("failure cause should be a Protocol error, got %v", c.Err())
	}
}

func TestConnNotificationDispatch(t *testing.T) {
	ft := newFakeTransport()
	c := newConn(ft, time.Second, nil)

	got := make(chan string, 1)
	c.OnNotification(func(method string, params json.RawMessage) {
		got <- method
	})
	c.start()
	defer c.Close()

	ft.deliver(`{"jsonrpc":"2.0","method":"notifications/tools_changed"}`)

	select {
	case m := <-got:
		if m != "notifications/tools_changed" {
			t.Errorf("handler saw %q", m)
		}
	case <-time.After(time.Second):
		t.Fatal("notification never dispatched")
	}
}

func TestConnNotify_SendsWithoutID(t *testing.T) {
	ft := newFakeTransport()
	c := newConn(ft, time.Second, nil)
	c.start()
	defer c.Close()

	if err := c.Notify(context.Background(), "notifications/initialized", nil); err != nil {
		t.Fatalf("Notify error: %v", err)
	}

	ft.mu.Lock()
	frame := ft.sent[0]
	ft.mu.Unlock()

	var m map[string]any
	json.Unmarshal(frame, &m)
	if _, ok := m["id"]; ok {
		t.Errorf("notification should have no id: %s", frame)
	}
	if m["method"] != "notifications/initialized" {
		t.Errorf("method = %v", m["method"])
	}
}
