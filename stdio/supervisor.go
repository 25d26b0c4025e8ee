package stdio

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// supervisor owns the child process and the parent ends of its pipes.
//
// stdout and stderr are plain os.Pipe pairs rather than cmd.StdoutPipe so
// that cmd.Wait can reap the child without closing descriptors the reader is
// still draining.
type supervisor struct {
	command string
	cmd     *exec.Cmd
	log     *slog.Logger

	stdin  io.WriteCloser
	stdout *os.File
	stderr *os.File

	waitDone chan struct{}
	waitErr  error

	stopOnce sync.Once
}

func startProcess(command string, args, env []string, dir string, log *slog.Logger) (*supervisor, error) {
	cmd := exec.Command(command, args...)
	cmd.Dir = dir
	if len(env) > 0 {
		cmd.Env = append(os.Environ(), env...)
	}

	launchErr := func(err error) error {
		return &ProcessLaunchError{Command: command, Err: err}
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, launchErr(err)
	}

	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		_ = stdin.Close()
		return nil, launchErr(err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		_ = stdin.Close()
		_ = stdoutR.Close()
		_ = stdoutW.Close()
		return nil, launchErr(err)
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		_ = stdoutR.Close()
		_ = stdoutW.Close()
		_ = stderrR.Close()
		_ = stderrW.Close()
		return nil, launchErr(err)
	}

	// The child holds its own copies of the write ends now.
	_ = stdoutW.Close()
	_ = stderrW.Close()

	s := &supervisor{
		command:  command,
		cmd:      cmd,
		log:      log,
		stdin:    stdin,
		stdout:   stdoutR,
		stderr:   stderrR,
		waitDone: make(chan struct{}),
	}

	go s.monitorExit()

	return s, nil
}

// monitorExit is the only caller of cmd.Wait.
func (s *supervisor) monitorExit() {
	s.waitErr = s.cmd.Wait()
	close(s.waitDone)
}

func (s *supervisor) pid() int {
	if s.cmd.Process == nil {
		return 0
	}
	return s.cmd.Process.Pid
}

// alive reports whether the child has not yet been reaped.
func (s *supervisor) alive() bool {
	select {
	case <-s.waitDone:
		return false
	default:
		return true
	}
}

// exitErr describes why the child is gone, wrapping ErrProcessTerminated.
// It waits briefly for the exit status when stdout closed first.
func (s *supervisor) exitErr() error {
	select {
	case <-s.waitDone:
	case <-time.After(100 * time.Millisecond):
		return fmt.Errorf("%w: child closed stdout", ErrProcessTerminated)
	}
	if s.waitErr != nil {
		return fmt.Errorf("%w: %v", ErrProcessTerminated, s.waitErr)
	}
	return fmt.Errorf("%w: child exited", ErrProcessTerminated)
}

// stop closes the child's stdin, sends SIGTERM, waits up to grace for the
// child to exit and kills it otherwise. The read ends of stdout and stderr
// are closed last so no loop can outlive the child. Safe to call repeatedly.
func (s *supervisor) stop(grace time.Duration) {
	s.stopOnce.Do(func() {
		_ = s.stdin.Close()

		if s.alive() {
			if err := s.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
				s.log.Debug("child.signal.fail", slog.String("err", err.Error()))
			}
			timer := time.NewTimer(grace)
			select {
			case <-s.waitDone:
				timer.Stop()
			case <-timer.C:
				s.log.Warn("child.kill", slog.Int("pid", s.pid()), slog.Duration("grace", grace))
				if err := s.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
					s.log.Error("child.kill.fail", slog.String("err", err.Error()))
				}
				<-s.waitDone
			}
		}

		_ = s.stdout.Close()
		_ = s.stderr.Close()
	})
}
