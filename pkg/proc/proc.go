package proc

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
	sys "golang.org/x/sys/unix"

	"github.com/mrack/tinydump/pkg/logflags"
)

var (
	// ErrProcessNotFound is returned when the target pid does not exist or
	// its memory is not accessible.
	ErrProcessNotFound = errors.New("process not found")
	// ErrStopFailed is returned when SIGSTOP could not be delivered to the
	// target. Extraction cannot proceed without a stopped target.
	ErrStopFailed = errors.New("could not stop process")
)

// Process represents a running process whose address space is being
// introspected. It holds the /proc/<pid>/mem handle open for the lifetime
// of the run and owns the target's run/stop state while ExecStopped is
// active. No write access to the target is ever performed.
type Process struct {
	pid int
	mem *os.File

	// kill delivers a signal to the target. Overridable in tests.
	kill func(pid int, sig sys.Signal) error

	log *logrus.Entry
}

// Attach opens the memory handle of the process with the given pid. The
// target keeps running; use ExecStopped to introspect it while paused.
func Attach(pid int) (*Process, error) {
	mem, err := os.Open(fmt.Sprintf("/proc/%d/mem", pid))
	if err != nil {
		return nil, fmt.Errorf("%w: pid %d: %v", ErrProcessNotFound, pid, err)
	}
	return &Process{
		pid:  pid,
		mem:  mem,
		kill: sys.Kill,
		log:  logflags.TargetLogger(),
	}, nil
}

// Pid returns the pid of the target process.
func (p *Process) Pid() int {
	return p.pid
}

// Detach releases the memory handle. The target is never left stopped by
// Detach; ExecStopped already resumed it.
func (p *Process) Detach() error {
	return p.mem.Close()
}

// Stop pauses the target with SIGSTOP.
func (p *Process) Stop() error {
	if err := p.kill(p.pid, sys.SIGSTOP); err != nil {
		return fmt.Errorf("%w: pid %d: %v", ErrStopFailed, p.pid, err)
	}
	p.log.Debugf("process %d stopped", p.pid)
	return nil
}

// Resume continues the target with SIGCONT. Repeated Resume is harmless.
func (p *Process) Resume() error {
	if err := p.kill(p.pid, sys.SIGCONT); err != nil {
		return fmt.Errorf("could not resume process %d: %v", p.pid, err)
	}
	p.log.Debugf("process %d resumed", p.pid)
	return nil
}

// ExecStopped pauses the target, runs fn, and resumes the target on every
// exit path, including error returns and panics inside fn. A resume
// failure is logged but never masks fn's result. A stop failure is fatal
// and fn does not run.
func (p *Process) ExecStopped(fn func() error) error {
	if err := p.Stop(); err != nil {
		return err
	}
	defer func() {
		if err := p.Resume(); err != nil {
			p.log.Warnf("%v", err)
		}
	}()
	return fn()
}

// FindPidByName returns the pid of the first process whose command line
// contains name.
func FindPidByName(name string) (int, error) {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return 0, err
	}
	for _, entry := range entries {
		pid, err := strconv.Atoi(entry.Name())
		if err != nil {
			continue
		}
		cmdline, err := os.ReadFile(fmt.Sprintf("/proc/%d/cmdline", pid))
		if err != nil {
			continue
		}
		if strings.Contains(string(cmdline), name) {
			return pid, nil
		}
	}
	return 0, fmt.Errorf("%w: %s", ErrProcessNotFound, name)
}
