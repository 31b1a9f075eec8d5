package plugin

import (
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// workerCommand wraps a spawned worker process with non-blocking liveness
// checks. Wait runs in its own goroutine so the supervisor never blocks on
// the child and zombies are always reaped.
type workerCommand struct {
	cmd  *exec.Cmd
	done chan struct{}

	mu      sync.Mutex
	waitErr error
}

func newWorkerCommand(bin string, args []string) *workerCommand {
	cmd := exec.Command(bin, args...)
	// 新会话，避免宿主收到的信号波及 worker。
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	return &workerCommand{cmd: cmd, done: make(chan struct{})}
}

func (w *workerCommand) start() error {
	if err := w.cmd.Start(); err != nil {
		return err
	}
	go func() {
		err := w.cmd.Wait()
		w.mu.Lock()
		w.waitErr = err
		w.mu.Unlock()
		close(w.done)
	}()
	return nil
}

func (w *workerCommand) pid() int {
	if w.cmd.Process == nil {
		return 0
	}
	return w.cmd.Process.Pid
}

func (w *workerCommand) alive() bool {
	if w.cmd.Process == nil {
		return false
	}
	select {
	case <-w.done:
		return false
	default:
		return true
	}
}

func (w *workerCommand) exitCode() int {
	if w.cmd.ProcessState == nil {
		return -1
	}
	return w.cmd.ProcessState.ExitCode()
}

// terminate sends SIGTERM and escalates to SIGKILL after the grace period.
func (w *workerCommand) terminate(grace time.Duration) {
	if w.cmd.Process == nil || !w.alive() {
		return
	}
	_ = w.cmd.Process.Signal(syscall.SIGTERM)
	select {
	case <-w.done:
	case <-time.After(grace):
		_ = w.cmd.Process.Kill()
		<-w.done
	}
}
