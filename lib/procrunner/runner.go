// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package procrunner

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/bureau-foundation/keel/lib/instance"
	"github.com/bureau-foundation/keel/lib/launcher"
	"github.com/bureau-foundation/keel/lib/ocispec"
)

// defaultStopGrace is how long Stop waits between SIGTERM and
// SIGKILL.
const defaultStopGrace = 10 * time.Second

// StatusReceiver consumes asynchronous run-status deltas. The
// launcher's UpdateRunStatus satisfies it.
type StatusReceiver interface {
	UpdateRunStatus(statuses []instance.RunStatus) error
}

// managedProcess tracks one running instance.
type managedProcess struct {
	cmd  *exec.Cmd
	done chan struct{}

	// stopping is set by StopInstance before signaling, so the
	// reaper knows the exit is expected and not worth reporting.
	stopping bool
}

// Runner implements the launcher's Runner contract with OS processes.
type Runner struct {
	logger    *slog.Logger
	stopGrace time.Duration

	mu       sync.Mutex
	receiver StatusReceiver
	procs    map[instance.Ident]*managedProcess
}

// Option adjusts a Runner.
type Option func(*Runner)

// WithStopGrace overrides the SIGTERM→SIGKILL grace period.
func WithStopGrace(grace time.Duration) Option {
	return func(r *Runner) { r.stopGrace = grace }
}

// New creates a runner. A nil logger discards output.
func New(logger *slog.Logger, opts ...Option) *Runner {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	r := &Runner{
		logger:    logger,
		stopGrace: defaultStopGrace,
		procs:     make(map[instance.Ident]*managedProcess),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SetStatusReceiver registers the receiver for asynchronous exit
// reports. Must be called before the first StartInstance.
func (r *Runner) SetStatusReceiver(receiver StatusReceiver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.receiver = receiver
}

// StartInstance launches the instance described by the runtime spec
// in runtimeDir. The initial status is Running on a successful exec;
// failures to load the spec or spawn the process are reported as
// Failed in the returned status.
func (r *Runner) StartInstance(info instance.Info, runtimeDir string) instance.RunStatus {
	spec, err := ocispec.ReadSpec(runtimeDir)
	if err != nil {
		return instance.RunStatus{Ident: info.Ident, State: instance.Failed, Err: err}
	}
	if len(spec.Process.Args) == 0 {
		return instance.RunStatus{
			Ident: info.Ident,
			State: instance.Failed,
			Err:   fmt.Errorf("procrunner: spec in %s has no process args", runtimeDir),
		}
	}

	executable := spec.Process.Args[0]
	if !filepath.IsAbs(executable) {
		executable = filepath.Join(spec.Root.Path, executable)
	}

	cmd := exec.Command(executable, spec.Process.Args[1:]...)
	cmd.Dir = resolveCwd(spec)
	cmd.Env = spec.Process.Env
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if spec.Process.User.UID != 0 && os.Geteuid() == 0 {
		cmd.SysProcAttr.Credential = &syscall.Credential{
			Uid: spec.Process.User.UID,
			Gid: spec.Process.User.GID,
		}
	}

	r.mu.Lock()
	if _, exists := r.procs[info.Ident]; exists {
		r.mu.Unlock()
		return instance.RunStatus{
			Ident: info.Ident,
			State: instance.Failed,
			Err:   fmt.Errorf("procrunner: instance %s is already running", info.Ident),
		}
	}

	if err := cmd.Start(); err != nil {
		r.mu.Unlock()
		return instance.RunStatus{
			Ident: info.Ident,
			State: instance.Failed,
			Err:   fmt.Errorf("procrunner: spawning %s: %w", executable, err),
		}
	}

	proc := &managedProcess{cmd: cmd, done: make(chan struct{})}
	r.procs[info.Ident] = proc
	r.mu.Unlock()

	r.logger.Info("instance process started",
		"instance", info.Ident,
		"pid", cmd.Process.Pid,
		"executable", executable,
	)

	go r.reap(info.Ident, proc)

	return instance.RunStatus{Ident: info.Ident, State: instance.Running}
}

// StopInstance signals the instance's process group with SIGTERM,
// escalating to SIGKILL after the grace period. Stopping an instance
// that is not running returns ErrAlreadyStopped.
func (r *Runner) StopInstance(id instance.Ident) error {
	r.mu.Lock()
	proc, ok := r.procs[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("procrunner: %s: %w", id, launcher.ErrAlreadyStopped)
	}
	proc.stopping = true
	pid := proc.cmd.Process.Pid
	r.mu.Unlock()

	// Negative PID addresses the whole process group.
	if err := unix.Kill(-pid, unix.SIGTERM); err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("procrunner: signaling %s (pgid %d): %w", id, pid, err)
	}

	select {
	case <-proc.done:
		return nil
	case <-time.After(r.stopGrace):
	}

	r.logger.Warn("instance ignored SIGTERM, killing", "instance", id, "pgid", pid)
	if err := unix.Kill(-pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("procrunner: killing %s (pgid %d): %w", id, pid, err)
	}

	<-proc.done
	return nil
}

// reap waits for the process, removes it from the table, and reports
// unexpected exits to the status receiver.
func (r *Runner) reap(id instance.Ident, proc *managedProcess) {
	waitErr := proc.cmd.Wait()

	r.mu.Lock()
	stopping := proc.stopping
	delete(r.procs, id)
	receiver := r.receiver
	r.mu.Unlock()
	close(proc.done)

	exitCode := proc.cmd.ProcessState.ExitCode()
	r.logger.Info("instance process exited",
		"instance", id,
		"exit_code", exitCode,
		"requested", stopping,
	)

	// Requested stops are reported synchronously by StopInstance's
	// caller; only self-initiated exits produce a delta.
	if stopping || receiver == nil {
		return
	}

	status := instance.RunStatus{Ident: id, State: instance.Stopped}
	if waitErr != nil || exitCode != 0 {
		status.State = instance.Failed
		status.Err = fmt.Errorf("procrunner: instance exited with code %d: %w", exitCode, waitErr)
	}
	if err := receiver.UpdateRunStatus([]instance.RunStatus{status}); err != nil {
		r.logger.Error("reporting instance exit", "instance", id, "error", err)
	}
}

// resolveCwd maps the spec's cwd into the image root. Without
// privileged sandboxing there is no chroot; a cwd of "/" therefore
// runs in the image root itself.
func resolveCwd(spec ocispec.Spec) string {
	if spec.Process.Cwd == "" || spec.Process.Cwd == "/" {
		return spec.Root.Path
	}
	if filepath.IsAbs(spec.Process.Cwd) {
		return filepath.Join(spec.Root.Path, spec.Process.Cwd[1:])
	}
	return filepath.Join(spec.Root.Path, spec.Process.Cwd)
}
