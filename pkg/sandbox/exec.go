package sandbox

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"syscall"
	"time"
)

// TruncationMarker is appended to a captured stream that hit its byte cap.
const TruncationMarker = "\n...[output truncated]"

// cappedBuffer captures at most cap bytes and drops the rest, so runaway
// tool output cannot exhaust host memory. Writes never fail; excess bytes
// are counted but not stored.
type cappedBuffer struct {
	buf       []byte
	cap       int
	truncated bool
}

func newCappedBuffer(capBytes int) *cappedBuffer {
	return &cappedBuffer{cap: capBytes}
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	remaining := b.cap - len(b.buf)
	if remaining > 0 {
		if len(p) <= remaining {
			b.buf = append(b.buf, p...)
		} else {
			b.buf = append(b.buf, p[:remaining]...)
			b.truncated = true
		}
	} else if len(p) > 0 {
		b.truncated = true
	}
	return len(p), nil
}

func (b *cappedBuffer) String() string {
	if b.truncated {
		return string(b.buf) + TruncationMarker
	}
	return string(b.buf)
}

// safePATH is the only PATH exposed to tool processes.
const safePATH = "/usr/local/bin:/usr/bin:/bin"

// scriptResult is the raw outcome of one subprocess run.
type scriptResult struct {
	exitCode int
	stdout   string
	stderr   string
	timedOut bool
	err      error
}

// runScript executes argv under the sandbox constraints: a minimal
// environment with a fixed PATH and no inherited secrets, a hard
// wall-clock timeout, capped output capture, and a process-group kill on
// timeout so children die with the parent.
func runScript(ctx context.Context, argv []string, timeout time.Duration, outputCap int, workDir string) scriptResult {
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.SysProcAttr = sysProcAttr()
	cmd.Env = []string{
		"PATH=" + safePATH,
		"HOME=" + os.TempDir(),
		"LANG=C.UTF-8",
	}
	if workDir != "" {
		cmd.Dir = workDir
	}

	stdout := newCappedBuffer(outputCap)
	stderr := newCappedBuffer(outputCap)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return scriptResult{exitCode: -1, err: err}
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var waitErr error
	timedOut := false
	select {
	case waitErr = <-done:
	case <-runCtx.Done():
		timedOut = errors.Is(runCtx.Err(), context.DeadlineExceeded)
		killProcessGroup(cmd.Process.Pid)
		waitErr = <-done
	}

	res := scriptResult{
		stdout:   stdout.String(),
		stderr:   stderr.String(),
		timedOut: timedOut,
	}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			res.exitCode = exitErr.ExitCode()
		} else {
			res.exitCode = -1
			res.err = waitErr
		}
	}
	return res
}

// killProcessGroup force-terminates the child's whole process group. The
// child was started as its own group leader, so -pid addresses the group.
func killProcessGroup(pid int) {
	if pid <= 0 {
		return
	}
	_ = syscall.Kill(-pid, syscall.SIGKILL)
}
