package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nextlevelbuilder/coworkd/internal/config"
	"github.com/nextlevelbuilder/coworkd/internal/runner"
)

const (
	maxSpawnAttempts = 3
	stderrTailMax    = 24000
)

// mediaGCMinInterval keeps a missed daily slot from running twice.
const mediaGCMinInterval = 20 * time.Hour

// Manager owns sandbox VMs, one per session, and implements the runner's
// VMProvider contract.
type Manager struct {
	cfg       config.SandboxConfig
	log       *slog.Logger
	hostTools HostToolFunc

	mu  sync.Mutex
	vms map[string]*VM

	gcMu   sync.Mutex
	lastGC time.Time
}

func NewManager(cfg config.SandboxConfig, hostTools HostToolFunc, log *slog.Logger) *Manager {
	return &Manager{
		cfg:       cfg,
		log:       log,
		hostTools: hostTools,
		vms:       make(map[string]*VM),
	}
}

// Get returns the live VM for a session. A VM that is still alive when
// the next turn arrives is reused, never respawned.
func (m *Manager) Get(sessionID string) (runner.VMTransport, bool) {
	m.mu.Lock()
	vm, ok := m.vms[sessionID]
	m.mu.Unlock()
	if !ok || !vm.Alive() {
		return nil, false
	}
	return vm, true
}

// Ensure returns a ready VM for the session, spawning one through the
// acceleration retry ladder when none is alive.
func (m *Manager) Ensure(ctx context.Context, sessionID, workspaceRoot string) (runner.VMTransport, error) {
	if vm, ok := m.Get(sessionID); ok {
		return vm, nil
	}

	ipcDir, err := m.prepareIPCDir(sessionID)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for attempt, accel := range m.accelerationLadder() {
		if attempt >= maxSpawnAttempts {
			break
		}
		vm, err := m.spawn(ctx, sessionID, workspaceRoot, ipcDir, accel)
		if err != nil {
			lastErr = err
			m.log.Warn("sandbox.spawn.attempt", "session", sessionID, "accel", accel, "err", err)
			continue
		}
		if err := vm.awaitReady(ctx); err != nil {
			vm.Kill()
			lastErr = err
			m.log.Warn("sandbox.spawn.notready", "session", sessionID, "accel", accel, "err", err)
			continue
		}

		m.mu.Lock()
		m.vms[sessionID] = vm
		m.mu.Unlock()
		m.log.Info("sandbox.vm.ready", "session", sessionID, "accel", accel)
		return vm, nil
	}
	if lastErr == nil {
		lastErr = errors.New("no acceleration mode available")
	}
	return nil, fmt.Errorf("sandbox spawn failed after %d attempts: %w", maxSpawnAttempts, lastErr)
}

// Stop tears down the session's VM. Idempotent.
func (m *Manager) Stop(sessionID string) {
	m.mu.Lock()
	vm, ok := m.vms[sessionID]
	delete(m.vms, sessionID)
	m.mu.Unlock()
	if ok {
		vm.Kill()
	}
}

// StopAll terminates every VM, used on gateway shutdown.
func (m *Manager) StopAll() {
	m.mu.Lock()
	vms := make([]*VM, 0, len(m.vms))
	for _, vm := range m.vms {
		vms = append(vms, vm)
	}
	m.vms = make(map[string]*VM)
	m.mu.Unlock()
	for _, vm := range vms {
		vm.Kill()
	}
}

// accelerationLadder lists spawn strategies in preference order for the
// host platform.
func (m *Manager) accelerationLadder() []string {
	switch runtime.GOOS {
	case "darwin":
		// HVF first; HV_DENIED means the entitlement is blocked for this
		// launch context, so retry through a user-session launchctl exec.
		return []string{"hvf", "hvf-launchctl", "software"}
	case "windows":
		return []string{"whpx", "software"}
	default:
		return []string{"native", "software"}
	}
}

func (m *Manager) spawn(ctx context.Context, sessionID, workspaceRoot, ipcDir, accel string) (*VM, error) {
	args := []string{
		"--ipc-dir", ipcDir,
		"--workspace", workspaceRoot,
		"--memory", strconv.Itoa(m.cfg.MemoryMB),
		"--cpus", strconv.FormatFloat(m.cfg.CPUs, 'f', -1, 64),
	}
	if m.cfg.Image != "" {
		args = append(args, "--image", m.cfg.Image)
	}

	var cmd *exec.Cmd
	switch accel {
	case "hvf-launchctl":
		// Re-launch through the user session so the Hypervisor framework
		// entitlement applies.
		lcArgs := append([]string{"asuser", strconv.Itoa(os.Getuid()), m.cfg.Binary}, args...)
		lcArgs = append(lcArgs, "--accel", "hvf")
		cmd = exec.CommandContext(ctx, "launchctl", lcArgs...)
	default:
		cmd = exec.CommandContext(ctx, m.cfg.Binary, append(args, "--accel", accel)...)
	}

	stderr := newTailBuffer(stderrTailMax)
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start sandbox (%s): %w", accel, err)
	}

	vm := newVM(sessionID, ipcDir, cmd, stderr, m.hostTools, m.log)
	vm.startPump(ctx)

	// HV_DENIED shows up on stderr within the first moments of the run.
	if accel == "hvf" {
		time.Sleep(200 * time.Millisecond)
		if strings.Contains(stderr.Tail(), "HV_DENIED") {
			vm.Kill()
			return nil, errors.New("hypervisor access denied (HV_DENIED)")
		}
	}
	return vm, nil
}

func (m *Manager) prepareIPCDir(sessionID string) (string, error) {
	base := config.ExpandHome(m.cfg.IPCDir)
	if base == "" {
		base = filepath.Join(os.TempDir(), "coworkd-sandbox")
	}
	dir := filepath.Join(base, sessionID)
	for _, sub := range []string{requestsDir, responsesDir, mediaDir} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0755); err != nil {
			return "", fmt.Errorf("prepare sandbox ipc dir: %w", err)
		}
	}
	return dir, nil
}
