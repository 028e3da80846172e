// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package runner

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"syscall"
	"time"

	"github.com/beer-garden/beergarden/internal/log"
)

// ErrShutdownTimeout is returned when a plugin survives SIGKILL.
var ErrShutdownTimeout = errors.New("shutdown timeout exceeded")

// killGrace is how long to wait for the process group after SIGKILL.
const killGrace = 5 * time.Second

// process is one spawned plugin. Its exit is observed by a goroutine so the
// manager can poll without blocking.
type process struct {
	cmd     *exec.Cmd
	out     io.WriteCloser
	done    chan struct{}
	exitErr error
}

// spawn starts argv in dir in its own process group, forwarding stdout and
// stderr to logger line by line.
func spawn(argv []string, dir string, env []string, logger *slog.Logger) (*process, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("empty command line")
	}
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = dir
	cmd.Env = env
	out := log.LineWriter(logger, slog.LevelInfo, "plugin output")
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		_ = out.Close()
		return nil, fmt.Errorf("failed to start %s: %w", argv[0], err)
	}

	p := &process{cmd: cmd, out: out, done: make(chan struct{})}
	go func() {
		p.exitErr = cmd.Wait()
		_ = p.out.Close()
		close(p.done)
	}()
	return p, nil
}

func (p *process) pid() int {
	return p.cmd.Process.Pid
}

func (p *process) exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// err returns the exit error. Only meaningful once exited reports true.
func (p *process) err() error {
	<-p.done
	return p.exitErr
}

// stop sends SIGTERM to the process group and escalates to SIGKILL after
// timeout.
func (p *process) stop(timeout time.Duration) error {
	if p.exited() {
		return nil
	}
	if err := signalGroup(p.pid(), syscall.SIGTERM); err != nil {
		return fmt.Errorf("failed to send SIGTERM: %w", err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-p.done:
		return nil
	case <-timer.C:
	}

	if err := signalGroup(p.pid(), syscall.SIGKILL); err != nil {
		return fmt.Errorf("failed to send SIGKILL: %w", err)
	}
	select {
	case <-p.done:
		return nil
	case <-time.After(killGrace):
		return ErrShutdownTimeout
	}
}

func signalGroup(pid int, sig syscall.Signal) error {
	err := syscall.Kill(-pid, sig)
	if errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}
