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
)

// NotificationHandler receives server-initiated notifications. Handlers
// run on the connection's receive goroutine and should hand work off
// rather than block.
type NotificationHandler func(method string, params json.RawMessage)

// callResult delivers a correlated outcome to exactly one waiter.
type callResult struct {
	resp *Response
	err  error
}

// conn owns one live transport: it generates correlation IDs, tracks
// pending requests, and runs the single receive goroutine that
// demultiplexes inbound frames to waiters and notification handlers.
//
// Exactly-once resolution invariant: a pending entry is removed from
// the map (under c.mu) before its result is delivered, whether the
// resolver is the receive loop, a timeout, or connection failure. A
// response arriving after its waiter timed out finds no entry and is
// dropped as unmatched.
type conn struct {
	transport Transport
	logger    *slog.Logger
	timeout   time.Duration

	nextID atomic.Int64

	mu      sync.Mutex
	pending map[int64]chan callResult
	failed  bool
	failErr error

	handlerMu sync.RWMutex
	handlers  []NotificationHandler

	cancel context.CancelFunc
	done   chan struct{}
}

func newConn(t Transport, timeout time.Duration, logger *slog.Logger) *conn {
	if logger == nil {
		logger = slog.Default()
	}
	return &conn{
		transport: t,
		logger:    logger,
		timeout:   timeout,
		pending:   make(map[int64]chan callResult),
		done:      make(chan struct{}),
	}
}

// start launches the receive loop. The loop runs until the transport
// fails, a fatal decode fault occurs, or Close cancels it.
func (c *conn) start() {
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	go c.receiveLoop(ctx)
}

// OnNotification registers a handler for server-initiated
// notifications. All registered handlers see every notification.
func (c *conn) OnNotification(h NotificationHandler) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	c.handlers = append(c.handlers, h)
}

// Call sends a request and blocks until its correlated response
// arrives, the per-request timeout expires, or the connection fails.
func (c *conn) Call(ctx context.Context, method string, params any) (*Response, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	id := c.nextID.Add(1)
	ch := make(chan callResult, 1)

	c.mu.Lock()
	if c.failed {
		err := c.failErr
		c.mu.Unlock()
		return nil, &Error{Kind: KindConnection, Msg: "connection failed", Err: err}
	}
	c.pending[id] = ch
	c.mu.Unlock()

	req := NewRequest(id, method, params)
	data, err := json.Marshal(req)
	if err != nil {
		c.unregister(id)
		return nil, errf(KindProtocol, "marshal request %s: %v", method, err)
	}

	if err := c.transport.Send(ctx, data); err != nil {
		c.unregister(id)
		return nil, wrapErr(KindConnection, fmt.Sprintf("send %s", method), err)
	}

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, res.err
		}
		return res.resp, nil
	case <-ctx.Done():
		// The receive loop may have dispatched the result between the
		// deadline firing and this branch running. If the entry is
		// already gone, the buffered result is authoritative — a
		// correlation ID is never resolved twice.
		if !c.unregister(id) {
			res := <-ch
			if res.err != nil {
				return nil, res.err
			}
			return res.resp, nil
		}
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, errf(KindTimeout, "request %s (id %d) timed out after %s", method, id, c.timeout)
		}
		return nil, wrapErr(KindConnection, fmt.Sprintf("request %s cancelled", method), ctx.Err())
	}
}

// Notify sends a notification; no response is expected.
func (c *conn) Notify(ctx context.Context, method string, params any) error {
	c.mu.Lock()
	if c.failed {
		err := c.failErr
		c.mu.Unlock()
		return &Error{Kind: KindConnection, Msg: "connection failed", Err: err}
	}
	c.mu.Unlock()

	notif, err := NewNotification(method, params)
	if err != nil {
		return errf(KindProtocol, "marshal notification %s: %v", method, err)
	}
	data, err := json.Marshal(notif)
	if err != nil {
		return errf(KindProtocol, "marshal notification %s: %v", method, err)
	}
	if err := c.transport.Send(ctx, data); err != nil {
		return wrapErr(KindConnection, fmt.Sprintf("send notification %s", method), err)
	}
	return nil
}

// unregister removes a pending entry. Returns false if the entry was
// already claimed by another resolver.
func (c *conn) unregister(id int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.pending[id]; !ok {
		return false
	}
	delete(c.pending, id)
	return true
}

// receiveLoop is the single demultiplexer for inbound frames.
func (c *conn) receiveLoop(ctx context.Context) {
	for {
		data, err := c.transport.Receive(ctx)
		if err != nil {
			c.fail(wrapErr(KindConnection, "transport receive", err))
			return
		}
		if len(data) == 0 {
			continue
		}

		resp, notif, derr := decodeFrame(data)
		if derr != nil {
			c.fail(wrapErr(KindProtocol, "malformed frame", derr))
			return
		}

		switch {
		case resp != nil:
			c.dispatch(resp)
		case notif != nil:
			c.notifyHandlers(notif)
		default:
			c.logger.Debug("dropping frame that is neither response nor notification")
		}
	}
}

// dispatch resolves the waiter for a response, or drops it if no
// waiter remains (late response after timeout, duplicate ID).
func (c *conn) dispatch(resp *Response) {
	c.mu.Lock()
	ch, ok := c.pending[resp.ID]
	if ok {
		delete(c.pending, resp.ID)
	}
	c.mu.Unlock()

	if !ok {
		c.logger.Debug("dropping unmatched response", "id", resp.ID)
		return
	}
	ch <- callResult{resp: resp}
}

// notifyHandlers hands a notification to every registered handler.
func (c *conn) notifyHandlers(notif *Notification) {
	c.handlerMu.RLock()
	handlers := make([]NotificationHandler, len(c.handlers))
	copy(handlers, c.handlers)
	c.handlerMu.RUnlock()

	for _, h := range handlers {
		h(notif.Method, notif.Params)
	}
}

// fail transitions the connection to its terminal state and releases
// every pending waiter exactly once with a Connection error. Safe to
// call multiple times; only the first cause sticks.
func (c *conn) fail(cause error) {
	c.mu.Lock()
	if c.failed {
		c.mu.Unlock()
		return
	}
	c.failed = true
	c.failErr = cause
	pending := c.pending
	c.pending = make(map[int64]chan callResult)
	c.mu.Unlock()

	// Waiters always see a Connection error, even when the underlying
	// cause is a protocol fault in some other request's frame.
	relErr := &Error{Kind: KindConnection, Msg: "connection failed", Err: cause}
	for id, ch := range pending {
		c.logger.Debug("releasing pending request on connection failure", "id", id)
		ch <- callResult{err: relErr}
	}

	close(c.done)
	_ = c.transport.Close()
}

// Close is the sole cancellation path: it stops the receive loop,
// flushes pending requests with Connection errors, and closes the
// transport.
func (c *conn) Close() error {
	c.fail(errf(KindConnection, "connection closed"))
	if c.cancel != nil {
		c.cancel()
	}
	return nil
}

// Done is closed once the connection has failed or been closed.
func (c *conn) Done() <-chan struct{} { return c.done }

// Err returns the failure cause, or nil while the connection is live.
func (c *conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failErr
}
