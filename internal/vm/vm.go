// Package vm is the VM Supervisor: it turns a task directory into a
// running micro-VM, pipes its serial console to serial.log via a
// pseudoterminal, and invokes a caller-provided callback on exit. It does
// not interpret guest state — that's the Orchestrator's job.
package vm

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
)

// ErrBuildFailed wraps a VM-builder failure with the tail of its stderr.
type ErrBuildFailed struct {
	StderrTail string
	Err        error
}

func (e *ErrBuildFailed) Error() string {
	return fmt.Sprintf("vm build failed: %v\n%s", e.Err, e.StderrTail)
}

func (e *ErrBuildFailed) Unwrap() error { return e.Err }

// BuildEnv names the directories the declarative builder expects per
// slot; the orchestrator ensures they exist before invoking the builder.
type BuildEnv struct {
	TaskDir        string
	Slot           int
	VarDir         string
	ContainerDir   string
	NixStoreImage  string
	SocketPath     string
}

const maxSparseImageBytes = 30 << 30 // 30 GB cap

// PrepareSlotEnv ensures slots/<slot>/{var,container-storage} exist and
// creates nix-store.img if missing, as a sparse file capped at 30 GB.
// Filesystem formatting is deferred to the guest's first-boot
// initialization.
func PrepareSlotEnv(slotsDir string, slot int) (*BuildEnv, error) {
	slotDir := filepath.Join(slotsDir, fmt.Sprintf("%d", slot))
	varDir := filepath.Join(slotDir, "var")
	containerDir := filepath.Join(slotDir, "container-storage")
	imgPath := filepath.Join(slotDir, "nix-store.img")

	for _, d := range []string{varDir, containerDir} {
		if err := os.MkdirAll(d, 0755); err != nil {
			return nil, fmt.Errorf("preparing slot dir %s: %w", d, err)
		}
	}

	if _, err := os.Stat(imgPath); os.IsNotExist(err) {
		f, err := os.Create(imgPath)
		if err != nil {
			return nil, fmt.Errorf("creating sparse image %s: %w", imgPath, err)
		}
		if err := f.Truncate(maxSparseImageBytes); err != nil {
			f.Close()
			return nil, fmt.Errorf("truncating sparse image %s: %w", imgPath, err)
		}
		if err := f.Close(); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	}

	return &BuildEnv{
		Slot:          slot,
		VarDir:        varDir,
		ContainerDir:  containerDir,
		NixStoreImage: imgPath,
		SocketPath:    filepath.Join(slotDir, "console.sock"),
	}, nil
}

// BuildVM invokes the declarative builder (builderPath, an external
// command out of scope for this package) with the BuildEnv and returns
// the path to the runner executable it produces.
func BuildVM(builderPath string, env *BuildEnv) (string, error) {
	cmd := exec.Command(builderPath,
		"--task-dir", env.TaskDir,
		"--nix-store-image", env.NixStoreImage,
		"--socket-path", env.SocketPath,
		"--slot", fmt.Sprintf("%d", env.Slot),
		"--var-dir", env.VarDir,
		"--container-dir", env.ContainerDir,
	)
	var stderr stderrTail
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return "", &ErrBuildFailed{StderrTail: stderr.String(), Err: err}
	}
	runner := trimNewline(out)
	if runner == "" {
		return "", &ErrBuildFailed{StderrTail: stderr.String(), Err: fmt.Errorf("builder produced no runner path")}
	}
	return runner, nil
}

// stderrTail retains the last ~4KB written to it, for ErrBuildFailed.
type stderrTail struct {
	buf []byte
}

func (s *stderrTail) Write(p []byte) (int, error) {
	s.buf = append(s.buf, p...)
	const cap = 4096
	if len(s.buf) > cap {
		s.buf = s.buf[len(s.buf)-cap:]
	}
	return len(p), nil
}

func (s *stderrTail) String() string { return string(s.buf) }

func trimNewline(b []byte) string {
	s := string(b)
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r' || s[len(s)-1] == ' ') {
		s = s[:len(s)-1]
	}
	return s
}

// ExitCallback is invoked exactly once when the VM process exits.
type ExitCallback func(exitCode int)

// Supervisor owns one task's VM process: the PTY pair, the reader
// goroutine appending to serial.log, and the waiter goroutine that
// detects exit and fires the callback. Supervisors are independent per
// task.
type Supervisor struct {
	taskDir    string
	runnerPath string

	mu      sync.Mutex
	cmd     *exec.Cmd
	ptmx    *os.File
	pid     int
	started bool
	exited  chan struct{}
}

// NewSupervisor constructs a supervisor for the runner executable at
// runnerPath, which will be spawned with taskDir mounted.
func NewSupervisor(taskDir, runnerPath string) *Supervisor {
	return &Supervisor{taskDir: taskDir, runnerPath: runnerPath}
}

// Start allocates a PTY, spawns the runner in its own process group with
// the child's stdio attached to the PTY slave, begins streaming serial
// output to serial.log, and arms onExit to fire when the child exits.
// Returns the spawned PID.
func (s *Supervisor) Start(onExit ExitCallback) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return 0, fmt.Errorf("supervisor already started")
	}

	cmd := exec.Command(s.runnerPath)
	cmd.Dir = s.taskDir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	ptmx, err := pty.Start(cmd)
	if err != nil {
		return 0, fmt.Errorf("starting vm runner under pty: %w", err)
	}

	logFile, err := os.OpenFile(filepath.Join(s.taskDir, "serial.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		_ = ptmx.Close()
		_ = cmd.Process.Kill()
		return 0, fmt.Errorf("opening serial.log: %w", err)
	}

	s.cmd = cmd
	s.ptmx = ptmx
	s.pid = cmd.Process.Pid
	s.started = true
	s.exited = make(chan struct{})

	go streamSerialConsole(ptmx, logFile)
	go s.waitAndNotify(logFile, onExit)

	return s.pid, nil
}

// streamSerialConsole copies the PTY master to the log file, line
// buffered, utf-8-lossy. EIO at process exit is expected and ignored.
func streamSerialConsole(ptmx *os.File, logFile *os.File) {
	reader := bufio.NewReader(ptmx)
	for {
		line, err := reader.ReadString('\n')
		if len(line) > 0 {
			_, _ = logFile.WriteString(strings.ToValidUTF8(line, "�"))
		}
		if err != nil {
			if err != io.EOF {
				if pathErr, ok := err.(*os.PathError); ok && pathErr.Err == syscall.EIO {
					return
				}
			}
			return
		}
	}
}

// waitAndNotify blocks for child exit, records the exit code, closes the
// log file, invokes onExit, and releases the PTY.
func (s *Supervisor) waitAndNotify(logFile *os.File, onExit ExitCallback) {
	err := s.cmd.Wait()
	exitCode := exitCodeFromError(err)

	_ = logFile.Close()

	if onExit != nil {
		onExit(exitCode)
	}

	s.mu.Lock()
	_ = s.ptmx.Close()
	exited := s.exited
	s.mu.Unlock()
	close(exited)
}

func exitCodeFromError(err error) int {
	if err == nil {
		return 0
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode()
	}
	return -1
}

// Stop sends SIGTERM to the process group; if the process is still alive
// after deadline, it sends SIGKILL. Default deadline is 10s if deadline
// is zero.
func (s *Supervisor) Stop(deadline time.Duration) error {
	if deadline <= 0 {
		deadline = 10 * time.Second
	}

	s.mu.Lock()
	pid := s.pid
	started := s.started
	exited := s.exited
	s.mu.Unlock()
	if !started {
		return nil
	}

	if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil && err != syscall.ESRCH {
		return fmt.Errorf("sending SIGTERM to process group %d: %w", pid, err)
	}

	select {
	case <-exited:
		return nil
	case <-time.After(deadline):
		if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil && err != syscall.ESRCH {
			return fmt.Errorf("sending SIGKILL to process group %d: %w", pid, err)
		}
		return nil
	}
}

// PID returns the spawned process id, or 0 if not yet started.
func (s *Supervisor) PID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pid
}
