package runner

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"
)

// stderrTailCap bounds captured child stderr; only the tail survives.
const stderrTailCap = 24000

// Transport is one live agent child: a local CLI process or a sandbox VM
// bridge. Both speak newline-delimited stream-json in both directions.
type Transport interface {
	// Lines streams raw stream-json event lines. Closed on child exit.
	Lines() <-chan []byte
	// Send writes one JSON value as a line to the child.
	Send(v any) error
	// Done is closed when the child has exited.
	Done() <-chan struct{}
	// Err reports the exit error, valid after Done is closed.
	Err() error
	// StderrTail returns the bounded tail of captured stderr.
	StderrTail() string
	// Kill terminates the child: SIGTERM, then SIGKILL after a grace period.
	Kill()
	// Alive reports whether the child is still running.
	Alive() bool
}

// stderrRing keeps the last stderrTailCap bytes written to it.
type stderrRing struct {
	mu  sync.Mutex
	buf []byte
}

func (r *stderrRing) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf = append(r.buf, p...)
	if len(r.buf) > stderrTailCap {
		r.buf = r.buf[len(r.buf)-stderrTailCap:]
	}
	return len(p), nil
}

func (r *stderrRing) Tail() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return string(r.buf)
}

// localProcess runs the agent CLI as a direct child on the host.
type localProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	lines  chan []byte
	done   chan struct{}
	stderr *stderrRing

	mu      sync.Mutex
	exitErr error
	killed  bool
}

// processOptions configures one agent CLI invocation.
type processOptions struct {
	Binary         string
	WorkspaceRoot  string
	SystemPrompt   string
	ContinuationID string
}

// startLocalProcess launches the agent CLI in stream-json mode rooted at
// the session workspace.
func startLocalProcess(ctx context.Context, opts processOptions) (*localProcess, error) {
	args := []string{
		"--print",
		"--input-format", "stream-json",
		"--output-format", "stream-json",
		"--verbose",
		"--permission-prompt-tool", "stdio",
	}
	if opts.SystemPrompt != "" {
		args = append(args, "--append-system-prompt", opts.SystemPrompt)
	}
	if opts.ContinuationID != "" {
		args = append(args, "--resume", opts.ContinuationID)
	}

	cmd := exec.CommandContext(ctx, opts.Binary, args...)
	cmd.Dir = opts.WorkspaceRoot

	ring := &stderrRing{}
	cmd.Stderr = ring

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("agent stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("agent stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start agent process: %w", err)
	}

	p := &localProcess{
		cmd:    cmd,
		stdin:  stdin,
		lines:  make(chan []byte, 64),
		done:   make(chan struct{}),
		stderr: ring,
	}

	go p.pump(stdout)
	return p, nil
}

func (p *localProcess) pump(stdout io.Reader) {
	sc := bufio.NewScanner(stdout)
	// Single stream-json events can carry whole tool results.
	sc.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for sc.Scan() {
		line := make([]byte, len(sc.Bytes()))
		copy(line, sc.Bytes())
		p.lines <- line
	}
	close(p.lines)

	err := p.cmd.Wait()
	p.mu.Lock()
	p.exitErr = err
	p.mu.Unlock()
	close(p.done)
}

func (p *localProcess) Lines() <-chan []byte { return p.lines }
func (p *localProcess) Done() <-chan struct{} { return p.done }

func (p *localProcess) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitErr
}

func (p *localProcess) StderrTail() string { return p.stderr.Tail() }

func (p *localProcess) Send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode agent input: %w", err)
	}
	data = append(data, '\n')
	if _, err := p.stdin.Write(data); err != nil {
		return fmt.Errorf("write agent input: %w", err)
	}
	return nil
}

func (p *localProcess) Alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// Kill terminates the child. SIGTERM first, SIGKILL after 1 s.
func (p *localProcess) Kill() {
	p.mu.Lock()
	if p.killed {
		p.mu.Unlock()
		return
	}
	p.killed = true
	p.mu.Unlock()

	p.stdin.Close()
	if p.cmd.Process == nil {
		return
	}
	p.cmd.Process.Signal(termSignal)
	select {
	case <-p.done:
	case <-time.After(1 * time.Second):
		p.cmd.Process.Kill()
	}
}
