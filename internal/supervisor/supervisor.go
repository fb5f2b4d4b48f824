// Package supervisor owns the Factorio server child process: spawning
// it with the right CLI arguments, classifying its merged stdout and
// stderr into a single chronological line stream, and driving the
// NotRunning/Starting/Running/Stopping lifecycle described in spec.md
// 4.5.
package supervisor

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/justapithecus/factorio-agent/internal/agenterr"
	"github.com/justapithecus/factorio-agent/internal/configstore"
	"github.com/justapithecus/factorio-agent/internal/fsroot"
	"github.com/justapithecus/factorio-agent/internal/installer"
)

// DefaultStopTimeout is how long Stop waits for a clean exit after
// SIGINT before escalating to SIGKILL.
const DefaultStopTimeout = 30 * time.Second

// Supervisor drives exactly one child process at a time.
type Supervisor struct {
	layout        fsroot.Layout
	configs       *configstore.Store
	broadcast     *Broadcast
	readyPatterns []ReadyPattern
	stopTimeout   time.Duration
	onEvent       EventFunc
	envOverrides  map[string]string

	mu          sync.Mutex
	state       State
	cmd         *exec.Cmd
	doneCh      chan struct{}
	forceKilled bool
}

// New constructs a Supervisor. onEvent may be nil; readyPatterns
// defaults to DefaultReadyPatterns when nil.
func New(layout fsroot.Layout, configs *configstore.Store, readyPatterns []ReadyPattern, onEvent EventFunc) *Supervisor {
	if readyPatterns == nil {
		readyPatterns = DefaultReadyPatterns()
	}
	if onEvent == nil {
		onEvent = func(Event) {}
	}
	return &Supervisor{
		layout:        layout,
		configs:       configs,
		broadcast:     NewBroadcast(),
		readyPatterns: readyPatterns,
		stopTimeout:   DefaultStopTimeout,
		onEvent:       onEvent,
		envOverrides:  make(map[string]string),
		state:         NotRunning,
	}
}

func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SetEnv overrides a variable in the child process's launch
// environment (e.g. LANG, locale). Call before Start; it has no
// effect on an already-running child.
func (s *Supervisor) SetEnv(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.envOverrides[key] = value
}

// launchEnv composes the child process's environment: the agent's own
// OS environment with envOverrides layered on top.
func (s *Supervisor) launchEnv() []string {
	s.mu.Lock()
	overrides := make(map[string]string, len(s.envOverrides))
	for k, v := range s.envOverrides {
		overrides[k] = v
	}
	s.mu.Unlock()

	out := os.Environ()
	for k, v := range overrides {
		out = append(out, k+"="+v)
	}
	return out
}

// Subscribe returns a handle receiving classified lines published
// from this point forward.
func (s *Supervisor) Subscribe() *Subscription { return s.broadcast.Subscribe() }

// Start spawns the child per spec, transitioning NotRunning->Starting.
// It returns immediately; the Starting->Running (or ->NotRunning on
// early exit) transition happens asynchronously as stdout is read.
func (s *Supervisor) Start(spec StartSpec) error {
	s.mu.Lock()
	if s.state != NotRunning {
		state := s.state
		s.mu.Unlock()
		return agenterr.New(agenterr.Busy, string(state))
	}
	s.state = Starting
	s.forceKilled = false
	s.mu.Unlock()

	args, err := s.buildArgs(spec)
	if err != nil {
		s.fail(agenterr.Wrap(agenterr.ProcessSpawnFailed, "build server args", err))
		return err
	}

	exe := installer.ExecutablePath(spec.InstallDir)
	// #nosec G204 -- exe and args are derived from the agent's own
	// managed install tree and config store, never from peer input.
	cmd := exec.Command(exe, args...)
	cmd.Env = s.launchEnv()

	pr, pw, err := os.Pipe()
	if err != nil {
		s.fail(agenterr.Wrap(agenterr.ProcessSpawnFailed, "open stdout pipe", err))
		return err
	}
	cmd.Stdout = pw
	cmd.Stderr = pw
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		_ = pr.Close()
		_ = pw.Close()
		werr := agenterr.Wrap(agenterr.ProcessSpawnFailed, exe, err)
		s.fail(werr)
		return werr
	}
	_ = pw.Close() // parent's copy; child holds the writable end

	s.mu.Lock()
	s.cmd = cmd
	s.doneCh = make(chan struct{})
	s.mu.Unlock()

	exitCh := make(chan error, 1)
	go func() { exitCh <- cmd.Wait() }()
	go s.pump(pr)
	go s.monitor(exitCh)

	return nil
}

func (s *Supervisor) buildArgs(spec StartSpec) ([]string, error) {
	rcon, err := s.configs.ReadRconConfig()
	if err != nil {
		return nil, err
	}
	args := []string{}
	if spec.SaveName != "" {
		args = append(args, "--start-server", s.layout.SavePath(spec.SaveName))
	} else {
		args = append(args, "--start-server-load-latest")
	}
	args = append(args,
		"--bind", spec.BindAddr,
		"--rcon-bind", fmt.Sprintf("%s:%d", spec.RconHost, spec.RconPort),
		"--rcon-password", rcon.Password,
		"--server-settings", s.layout.ServerSettingsPath(),
		"--server-adminlist", s.layout.AdminListPath(),
	)
	return args, nil
}

// pump reads classified lines from the child's merged output and
// publishes them, watching for the ready pattern while Starting.
func (s *Supervisor) pump(r *os.File) {
	defer func() { _ = r.Close() }()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := Classify(scanner.Text())
		s.broadcast.Publish(line)

		s.mu.Lock()
		starting := s.state == Starting
		s.mu.Unlock()
		if starting && matchesReady(s.readyPatterns, line.Text) {
			s.mu.Lock()
			if s.state == Starting {
				s.state = Running
			}
			s.mu.Unlock()
			s.onEvent(Event{Kind: EventReady})
		}
	}
}

// monitor waits for the child to exit and finalizes the lifecycle
// transition based on the state observed at exit time.
func (s *Supervisor) monitor(exitCh chan error) {
	err := <-exitCh

	s.mu.Lock()
	prev := s.state
	forceKilled := s.forceKilled
	s.state = NotRunning
	done := s.doneCh
	s.mu.Unlock()

	var ev Event
	switch prev {
	case Starting:
		ev = Event{Kind: EventStartupFailed, ExitCode: exitCode(err), Err: err}
	case Running:
		ev = Event{Kind: EventCrashed, ExitCode: exitCode(err)}
	case Stopping:
		if forceKilled {
			ev = Event{Kind: EventStoppedForcefully, ExitCode: exitCode(err)}
		} else {
			ev = Event{Kind: EventStoppedCleanly, ExitCode: exitCode(err)}
		}
	}
	if ev.Kind != "" {
		s.onEvent(ev)
		// A peer watching only LogSubscribe{category:System} never sees
		// the lifecycle broadcast below, so the terminal transition is
		// also published as a classified line.
		s.broadcast.Publish(Line{Category: System, Text: ev.String()})
	}
	if done != nil {
		close(done)
	}
}

func exitCode(err error) int {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	if err == nil {
		return 0
	}
	return -1
}

// Stop requests a clean shutdown: SIGINT, escalating to SIGKILL after
// stopTimeout if the child has not exited.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	if s.state == NotRunning {
		s.mu.Unlock()
		return nil
	}
	if s.state != Running {
		state := s.state
		s.mu.Unlock()
		return agenterr.New(agenterr.Busy, string(state))
	}
	s.state = Stopping
	cmd := s.cmd
	done := s.doneCh
	s.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return nil
	}
	_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGINT)

	select {
	case <-done:
		return nil
	case <-time.After(s.stopTimeout):
	}

	s.mu.Lock()
	s.forceKilled = true
	s.mu.Unlock()
	_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
	}
	return nil
}

func (s *Supervisor) fail(err *agenterr.Error) {
	s.mu.Lock()
	s.state = NotRunning
	s.mu.Unlock()
	s.onEvent(Event{Kind: EventStartupFailed, Err: err})
}
