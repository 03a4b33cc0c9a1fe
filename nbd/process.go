package nbd

import (
	"encoding/json"
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/kvmgate/kvmgate/envar"
	"golang.org/x/sys/unix"
)

const (
	// reactTimeout is how long the subprocess gets to react beyond the
	// explicit timeouts it carries itself.
	reactTimeout = 3 * time.Second

	eventsQueueSize = 128
)

// Process runs the NBD agent as an isolated subprocess: the current binary
// re-executed with a marker variable in the environment. Events arrive over
// an inherited pipe so the agent log output stays separate.
type Process struct {
	config AgentConfig

	cmd     *exec.Cmd
	events  chan Event
	ready   chan int
	done    chan struct{}
	retcode int
}

func NewProcess(config AgentConfig) *Process {
	return &Process{
		config: config,
		events: make(chan Event, eventsQueueSize),
		ready:  make(chan int, 1),
		done:   make(chan struct{}),
	}
}

// Events delivers the lifecycle events of the subprocess. The channel is
// closed once the subprocess exits and its pipe is drained.
func (p *Process) Events() <-chan Event {
	return p.events
}

// Stop requests a graceful shutdown. The final reaping happens inside
// Running.
func (p *Process) Stop() {
	if p.alive() {
		_ = p.cmd.Process.Signal(unix.SIGTERM)
	}
}

// Running starts the subprocess, waits for its readiness report and calls fn
// while the subprocess serves. The subprocess is always reaped before
// Running returns.
func (p *Process) Running(fn func() error) error {
	l.Info().Printf("starting NBD process for device %s ...", p.config.Device)
	if err := p.start(); err != nil {
		return wrapError(KindGeneral, "can't start NBD process", err)
	}
	defer p.shutdown()

	switch p.waitReady(p.config.Image.Timeout + reactTimeout) {
	case -1:
		return Errorf(KindGeneral, "NBD process did not respond in time at start")
	case 0:
		// the agent reported the failure itself, just let it exit
		p.waitDone(reactTimeout)
		return nil
	}

	return fn()
}

func (p *Process) start() error {
	exe, err := os.Executable()
	if err != nil {
		return err
	}

	eventsRead, eventsWrite, err := os.Pipe()
	if err != nil {
		return err
	}

	cmd := exec.Command(exe)
	cmd.Env = append(os.Environ(), envar.KvmgateNbdAgent+"=1")
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.ExtraFiles = []*os.File{eventsWrite}
	// own process group so the whole tree can be killed at once
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		eventsRead.Close()
		eventsWrite.Close()
		return err
	}

	if err := cmd.Start(); err != nil {
		eventsRead.Close()
		eventsWrite.Close()
		return err
	}
	eventsWrite.Close()
	p.cmd = cmd

	if err := sendConfig(stdin, p.config); err != nil {
		eventsRead.Close()
		// readLoop is not running yet, reap the child right here
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return err
	}

	go p.readLoop(eventsRead)
	return nil
}

func sendConfig(stdin io.WriteCloser, config AgentConfig) error {
	defer stdin.Close()
	if err := json.NewEncoder(stdin).Encode(config); err != nil {
		return wrapError(KindGeneral, "can't send config to NBD process", err)
	}
	return nil
}

func (p *Process) readLoop(pipe *os.File) {
	decoder := json.NewDecoder(pipe)
	for {
		var event Event
		if err := decoder.Decode(&event); err != nil {
			break
		}
		if event.Kind == eventReady {
			select {
			case p.ready <- event.Ready:
			default:
			}
			continue
		}
		select {
		case p.events <- event:
		default:
			l.Error().Printf("events queue is full, dropping %s event", event.Kind)
		}
	}
	pipe.Close()

	if err := p.cmd.Wait(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			p.retcode = exitErr.ExitCode()
		} else {
			l.Error().Println("can't reap NBD process:", err)
			p.retcode = -1
		}
	}
	close(p.events)
	close(p.done)
}

func (p *Process) waitReady(timeout time.Duration) int {
	select {
	case ready := <-p.ready:
		return ready
	case <-p.done:
		// the process died before reporting; a report may still be buffered
		select {
		case ready := <-p.ready:
			return ready
		default:
			return 0
		}
	case <-time.After(timeout):
		return -1
	}
}

func (p *Process) waitDone(timeout time.Duration) bool {
	select {
	case <-p.done:
		return true
	case <-time.After(timeout):
		return false
	}
}

func (p *Process) alive() bool {
	if p.cmd == nil {
		return false
	}
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

func (p *Process) shutdown() {
	if p.alive() {
		l.Info().Println("stopping NBD process with SIGTERM ...")
		_ = p.cmd.Process.Signal(unix.SIGTERM)
		p.waitDone(reactTimeout)
	}
	if p.alive() {
		l.Info().Println("killing NBD process and its tree with SIGKILL ...")
		_ = unix.Kill(-p.cmd.Process.Pid, unix.SIGKILL)
	}
	if p.waitDone(reactTimeout) {
		l.Info().Printf("NBD process stopped: retcode=%d", p.retcode)
	} else {
		l.Error().Println("can't stop NBD process")
	}
}
