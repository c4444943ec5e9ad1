package plugin

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"
)

// externalFactory builds the stock "external" plugin type: the plugin
// runs as a subprocess and speaks a newline-delimited JSON hook
// protocol on its stdio. Each lifecycle hook becomes one request line;
// the subprocess answers with one reply line.
func externalFactory(meta Metadata, logger *slog.Logger) (Plugin, error) {
	if meta.EntryPoint == "" {
		return nil, fmt.Errorf("external plugin %q: missing entry_point", meta.ID)
	}
	return &externalPlugin{
		meta:        meta,
		logger:      logger,
		callTimeout: 10 * time.Second,
	}, nil
}

// hookRequest is one line sent to the plugin subprocess.
type hookRequest struct {
	Hook    string          `json:"hook"`
	Config  map[string]any  `json:"config,omitempty"`
	Message json.RawMessage `json:"message,omitempty"`
	Event   *Event          `json:"event,omitempty"`
}

// hookReply is one line received back.
type hookReply struct {
	OK           bool            `json:"ok"`
	Error        string          `json:"error,omitempty"`
	Reply        json.RawMessage `json:"reply,omitempty"`
	Capabilities []string        `json:"capabilities,omitempty"`
	Usage        *Usage          `json:"usage,omitempty"`
}

type externalPlugin struct {
	meta        Metadata
	logger      *slog.Logger
	callTimeout time.Duration

	mu     sync.Mutex
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	reader *bufio.Reader

	caps []string
}

func (p *externalPlugin) Metadata() Metadata { return p.meta }

// Initialize starts the subprocess and sends the initialize hook with
// the validated config blob.
func (p *externalPlugin) Initialize(_ context.Context, pctx *Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	cmd := exec.Command(p.meta.EntryPoint)
	cmd.Env = os.Environ()

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return fmt.Errorf("create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return fmt.Errorf("create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdout.Close()
		stderr.Close()
		return fmt.Errorf("start plugin process %s: %w", p.meta.EntryPoint, err)
	}

	p.cmd = cmd
	p.stdin = stdin
	p.reader = bufio.NewReaderSize(stdout, 1<<20)

	go p.drainStderr(stderr)

	reply, err := p.callLocked(hookRequest{Hook: "initialize", Config: pctx.Config()})
	if err != nil {
		p.stopLocked()
		return err
	}
	if !reply.OK {
		p.stopLocked()
		return fmt.Errorf("plugin rejected initialize: %s", reply.Error)
	}
	p.caps = reply.Capabilities

	p.logger.Info("external plugin process started", "pid", cmd.Process.Pid)
	return nil
}

func (p *externalPlugin) drainStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for scanner.Scan() {
		p.logger.Debug("plugin stderr", "line", scanner.Text())
	}
}

func (p *externalPlugin) Activate() error   { return p.simpleHook("activate") }
func (p *externalPlugin) Deactivate() error { return p.simpleHook("deactivate") }

// Shutdown sends the shutdown hook, then stops the subprocess.
func (p *externalPlugin) Shutdown() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cmd == nil {
		return nil
	}
	if _, err := p.callLocked(hookRequest{Hook: "shutdown"}); err != nil {
		p.logger.Debug("shutdown hook failed", "error", err)
	}
	return p.stopLocked()
}

func (p *externalPlugin) HandleMessage(raw json.RawMessage) (json.RawMessage, error) {
	reply, err := p.call(hookRequest{Hook: "message", Message: raw})
	if err != nil {
		return nil, err
	}
	if !reply.OK {
		return nil, fmt.Errorf("plugin message hook: %s", reply.Error)
	}
	return reply.Reply, nil
}

func (p *externalPlugin) Capabilities() []string { return p.caps }

// ValidateConfig checks nothing beyond the descriptor schema: the
// subprocess is not running yet when validation happens, and the
// initialize hook gets its own veto.
func (p *externalPlugin) ValidateConfig(_ map[string]any) error { return nil }

// ResourceUsage queries the subprocess. Zero figures on any failure —
// usage is advisory.
func (p *externalPlugin) ResourceUsage() Usage {
	reply, err := p.call(hookRequest{Hook: "resource_usage"})
	if err != nil || reply.Usage == nil {
		return Usage{}
	}
	return *reply.Usage
}

func (p *externalPlugin) OnEvent(ev Event) error {
	reply, err := p.call(hookRequest{Hook: "event", Event: &ev})
	if err != nil {
		return err
	}
	if !reply.OK {
		return fmt.Errorf("plugin event hook: %s", reply.Error)
	}
	return nil
}

func (p *externalPlugin) simpleHook(hook string) error {
	reply, err := p.call(hookRequest{Hook: hook})
	if err != nil {
		return err
	}
	if !reply.OK {
		return fmt.Errorf("plugin %s hook: %s", hook, reply.Error)
	}
	return nil
}

func (p *externalPlugin) call(req hookRequest) (hookReply, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.callLocked(req)
}

// callLocked performs one request/reply exchange. Caller holds p.mu;
// stdio is inherently sequential so hooks serialize here.
func (p *externalPlugin) callLocked(req hookRequest) (hookReply, error) {
	if p.stdin == nil {
		return hookReply{}, fmt.Errorf("plugin process not running")
	}

	data, err := json.Marshal(req)
	if err != nil {
		return hookReply{}, fmt.Errorf("marshal hook request: %w", err)
	}
	if _, err := p.stdin.Write(append(data, '\n')); err != nil {
		return hookReply{}, fmt.Errorf("write to plugin stdin: %w", err)
	}

	type lineResult struct {
		line []byte
		err  error
	}
	ch := make(chan lineResult, 1)
	go func() {
		line, err := p.reader.ReadBytes('\n')
		ch <- lineResult{line: line, err: err}
	}()

	select {
	case <-time.After(p.callTimeout):
		return hookReply{}, fmt.Errorf("plugin %s hook timed out after %s", req.Hook, p.callTimeout)
	case res := <-ch:
		if res.err != nil {
			return hookReply{}, fmt.Errorf("read from plugin stdout: %w", res.err)
		}
		var reply hookReply
		if err := json.Unmarshal(res.line, &reply); err != nil {
			return hookReply{}, fmt.Errorf("parse plugin reply: %w", err)
		}
		return reply, nil
	}
}

// stopLocked terminates the subprocess: stdin closes, brief grace,
// then kill. Caller holds p.mu.
func (p *externalPlugin) stopLocked() error {
	if p.cmd == nil || p.cmd.Process == nil {
		return nil
	}

	if p.stdin != nil {
		p.stdin.Close()
	}

	done := make(chan error, 1)
	go func() { done <- p.cmd.Wait() }()

	var err error
	select {
	case err = <-done:
	case <-time.After(5 * time.Second):
		p.logger.Warn("plugin process did not exit, killing", "pid", p.cmd.Process.Pid)
		_ = p.cmd.Process.Kill()
		<-done
	}

	p.cmd = nil
	p.stdin = nil
	p.reader = nil
	return err
}
