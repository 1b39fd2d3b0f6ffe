// Package sandbox runs agent sessions inside an isolated guest VM,
// bridged to the host by a file-based request/response IPC directory.
package sandbox

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// IPC layout inside the per-session directory:
//
//	heartbeat.json         guest liveness, written every few seconds
//	events.jsonl           guest→host stream-json event log (append-only)
//	requests/<id>.json     host→guest messages
//	responses/<id>.json    host→guest permission / host-tool responses
//	media/                 files the guest exposes to the host
const (
	heartbeatFile = "heartbeat.json"
	eventsFile    = "events.jsonl"
	requestsDir   = "requests"
	responsesDir  = "responses"
	mediaDir      = "media"
)

const (
	readinessPoll    = 100 * time.Millisecond
	readinessCap     = 60 * time.Second
	heartbeatMaxAge  = 10 * time.Second
	killGracePeriod  = 1 * time.Second
	eventPollBackoff = 100 * time.Millisecond
)

// heartbeat is the guest's liveness report.
type heartbeat struct {
	Timestamp  int64 `json:"timestamp"`
	IPCMounted bool  `json:"ipc_mounted"`
}

// hostToolRequest is emitted by the guest when it needs a host-resident
// tool executed (history search, recent chats, memory edits).
type hostToolRequest struct {
	Type      string         `json:"type"`
	RequestID string         `json:"request_id"`
	ToolName  string         `json:"tool_name"`
	ToolInput map[string]any `json:"tool_input"`
}

// HostToolFunc executes one host-resident tool on behalf of the guest.
type HostToolFunc func(ctx context.Context, toolName string, input map[string]any) (map[string]any, error)

// VM is one live sandbox guest. It satisfies the runner's transport
// contract: stream-json lines out, JSON values in.
type VM struct {
	sessionID string
	ipcDir    string
	cmd       *exec.Cmd
	log       *slog.Logger
	hostTools HostToolFunc

	lines chan []byte
	done  chan struct{}

	mu      sync.Mutex
	exitErr error
	killed  bool
	stderr  *tailBuffer

	cancelPump context.CancelFunc
}

func newVM(sessionID, ipcDir string, cmd *exec.Cmd, stderr *tailBuffer, hostTools HostToolFunc, log *slog.Logger) *VM {
	return &VM{
		sessionID: sessionID,
		ipcDir:    ipcDir,
		cmd:       cmd,
		log:       log,
		hostTools: hostTools,
		lines:     make(chan []byte, 64),
		done:      make(chan struct{}),
		stderr:    stderr,
	}
}

// awaitReady polls the guest heartbeat until it is fresh and reports the
// IPC mount, or the readiness cap expires.
func (vm *VM) awaitReady(ctx context.Context) error {
	deadline := time.Now().Add(readinessCap)
	path := filepath.Join(vm.ipcDir, heartbeatFile)
	for {
		if hb, err := readHeartbeat(path); err == nil {
			fresh := time.Since(time.UnixMilli(hb.Timestamp)) <= heartbeatMaxAge
			if fresh && hb.IPCMounted {
				return nil
			}
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("sandbox VM not ready after %s", readinessCap)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-vm.done:
			return fmt.Errorf("sandbox VM exited during startup: %s", vm.StderrTail())
		case <-time.After(readinessPoll):
		}
	}
}

func readHeartbeat(path string) (*heartbeat, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var hb heartbeat
	if err := json.Unmarshal(data, &hb); err != nil {
		return nil, err
	}
	return &hb, nil
}

// startPump begins tailing the guest event log and reaping the child.
func (vm *VM) startPump(ctx context.Context) {
	pumpCtx, cancel := context.WithCancel(ctx)
	vm.cancelPump = cancel
	go vm.pumpEvents(pumpCtx)
	go vm.reap()
}

// pumpEvents tails events.jsonl, forwarding agent events to the lines
// channel and answering host_tool_request events in place.
func (vm *VM) pumpEvents(ctx context.Context) {
	defer close(vm.lines)

	path := filepath.Join(vm.ipcDir, eventsFile)
	var offset int64
	var pending []byte

	for {
		select {
		case <-ctx.Done():
			return
		case <-vm.done:
			// Drain whatever the guest flushed before exiting.
			offset = vm.readNewLines(ctx, path, offset, &pending)
			return
		case <-time.After(eventPollBackoff):
			offset = vm.readNewLines(ctx, path, offset, &pending)
		}
	}
}

func (vm *VM) readNewLines(ctx context.Context, path string, offset int64, pending *[]byte) int64 {
	f, err := os.Open(path)
	if err != nil {
		return offset
	}
	defer f.Close()

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return offset
	}
	r := bufio.NewReader(f)
	for {
		chunk, err := r.ReadBytes('\n')
		if len(chunk) > 0 && err == nil {
			line := append(*pending, chunk[:len(chunk)-1]...)
			*pending = nil
			offset += int64(len(chunk))
			vm.dispatchLine(ctx, line)
		} else if len(chunk) > 0 {
			// Partial line; keep until the guest finishes writing it.
			*pending = append(*pending, chunk...)
			offset += int64(len(chunk))
		}
		if err != nil {
			return offset
		}
	}
}

func (vm *VM) dispatchLine(ctx context.Context, line []byte) {
	if len(line) == 0 {
		return
	}
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(line, &probe); err == nil && probe.Type == "host_tool_request" {
		vm.handleHostTool(ctx, line)
		return
	}
	select {
	case vm.lines <- line:
	case <-ctx.Done():
	}
}

// handleHostTool executes a guest-requested host tool and writes the reply
// as a response file correlated by requestId. The guest can reorder
// responses, so correlation is never positional.
func (vm *VM) handleHostTool(ctx context.Context, line []byte) {
	var req hostToolRequest
	if err := json.Unmarshal(line, &req); err != nil || req.RequestID == "" {
		vm.log.Warn("sandbox.hosttool.badrequest", "session", vm.sessionID, "err", err)
		return
	}

	resp := map[string]any{"request_id": req.RequestID}
	if vm.hostTools == nil {
		resp["error"] = "host tools are not available"
	} else if out, err := vm.hostTools(ctx, req.ToolName, req.ToolInput); err != nil {
		resp["error"] = err.Error()
	} else {
		resp["result"] = out
	}

	if err := vm.writeResponseFile(req.RequestID, resp); err != nil {
		vm.log.Warn("sandbox.hosttool.respond", "session", vm.sessionID, "err", err)
	}
}

func (vm *VM) reap() {
	err := vm.cmd.Wait()
	vm.mu.Lock()
	vm.exitErr = err
	vm.mu.Unlock()
	close(vm.done)
}

// Lines implements the runner transport contract.
func (vm *VM) Lines() <-chan []byte  { return vm.lines }
func (vm *VM) Done() <-chan struct{} { return vm.done }

func (vm *VM) Err() error {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return vm.exitErr
}

func (vm *VM) StderrTail() string { return vm.stderr.Tail() }

func (vm *VM) Alive() bool {
	select {
	case <-vm.done:
		return false
	default:
		return true
	}
}

// Send pushes a JSON value to the guest as a request file. Request files
// are correlated by their generated id; the guest consumes them in its own
// order.
func (vm *VM) Send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode sandbox request: %w", err)
	}
	name := uuid.NewString() + ".json"
	dir := filepath.Join(vm.ipcDir, requestsDir)
	return writeFileAtomic(filepath.Join(dir, name), data)
}

// WritePermissionResponse mirrors a permission decision to the per-request
// response file. The runner also sends it on the request channel, so the
// guest receives it even if one path is lost.
func (vm *VM) WritePermissionResponse(requestID, behavior, message string) error {
	resp := map[string]any{
		"request_id": requestID,
		"behavior":   behavior,
	}
	if message != "" {
		resp["message"] = message
	}
	return vm.writeResponseFile(requestID, resp)
}

func (vm *VM) writeResponseFile(requestID string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode sandbox response: %w", err)
	}
	path := filepath.Join(vm.ipcDir, responsesDir, requestID+".json")
	return writeFileAtomic(path, data)
}

// Kill terminates the guest: SIGTERM, SIGKILL after the grace period.
func (vm *VM) Kill() {
	vm.mu.Lock()
	if vm.killed {
		vm.mu.Unlock()
		return
	}
	vm.killed = true
	vm.mu.Unlock()

	if vm.cancelPump != nil {
		vm.cancelPump()
	}
	if vm.cmd.Process == nil {
		return
	}
	vm.cmd.Process.Signal(termSignal)
	select {
	case <-vm.done:
	case <-time.After(killGracePeriod):
		vm.cmd.Process.Kill()
	}
}

// writeFileAtomic writes via a temp file and rename so the guest never
// observes a partial JSON document.
func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// tailBuffer keeps the bounded tail of child stderr.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func newTailBuffer(max int) *tailBuffer { return &tailBuffer{max: max} }

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if len(b.buf) > b.max {
		b.buf = b.buf[len(b.buf)-b.max:]
	}
	return len(p), nil
}

func (b *tailBuffer) Tail() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
