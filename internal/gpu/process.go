package gpu

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
)

// processRunner is the surface the coordinator uses to spawn and signal
// model services. Tests swap in a fake; production uses execRunner.
type processRunner interface {
	Start(service string, argv []string) (pid int, err error)
	Signal(pid int, sig syscall.Signal) error
	Alive(pid int) bool
}

// execRunner launches services as detached child processes. Services must
// outlive the request that started them, so commands are not bound to a
// context.
type execRunner struct {
	dir string

	mu   sync.Mutex
	cmds map[int]*exec.Cmd
}

func newExecRunner(dir string) *execRunner {
	return &execRunner{dir: dir, cmds: make(map[int]*exec.Cmd)}
}

func (r *execRunner) Start(service string, argv []string) (int, error) {
	if len(argv) == 0 {
		return 0, fmt.Errorf("no start command for %s", service)
	}
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = r.dir
	cmd.Env = os.Environ()
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("start %s: %w", service, err)
	}

	pid := cmd.Process.Pid
	r.mu.Lock()
	r.cmds[pid] = cmd
	r.mu.Unlock()

	// Reap on exit so the child never lingers as a zombie.
	go func() {
		err := cmd.Wait()
		r.mu.Lock()
		delete(r.cmds, pid)
		r.mu.Unlock()
		slog.Info("gpu: service process exited", "service", service, "pid", pid, "error", err)
	}()

	slog.Info("gpu: service process started", "service", service, "pid", pid, "command", argv[0])
	return pid, nil
}

func (r *execRunner) Signal(pid int, sig syscall.Signal) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return proc.Signal(sig)
}

func (r *execRunner) Alive(pid int) bool {
	// Signal 0 probes existence without delivering anything.
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
