// Package agent starts agent runtime sessions and captures their first moments of output.
package agent

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"syscall"
	"time"
)

// Request describes one agent runtime invocation.
type Request struct {
	AgentID string
	Message string
	// Deliver asks the runtime to deliver the message to the human channel.
	Deliver bool
	// Wait bounds how long Invoke watches the process before returning.
	Wait time.Duration
}

// Result is what could be observed within Request.Wait.
type Result struct {
	Started bool
	// ExitCode is set only when the process exited within the wait.
	ExitCode *int
	Output   string
	Err      error
	PID      int

	terminate func() error
}

// Terminate stops a still-running invocation. It is a no-op once the process exited.
func (r Result) Terminate() error {
	if r.terminate == nil {
		return nil
	}
	return r.terminate()
}

// Invoker is the agent runtime boundary.
type Invoker interface {
	Invoke(ctx context.Context, req Request) Result
}

// CommandInvoker runs `<bin> agent --agent <id> --message <msg> [--deliver]`
// in its own session so it outlives the dispatcher.
type CommandInvoker struct {
	Bin string
	// CaptureDir holds the temporary output files. Empty means os.TempDir().
	CaptureDir string
}

func NewCommandInvoker(bin string) *CommandInvoker {
	return &CommandInvoker{Bin: bin}
}

var unsafeNameChars = regexp.MustCompile(`[^a-zA-Z0-9_-]`)

func (c *CommandInvoker) Invoke(ctx context.Context, req Request) Result {
	if ctx == nil {
		ctx = context.Background()
	}
	args := []string{"agent", "--agent", req.AgentID, "--message", req.Message}
	if req.Deliver {
		args = append(args, "--deliver")
	}

	capture, err := os.CreateTemp(c.CaptureDir, "dispatch_"+unsafeNameChars.ReplaceAllString(req.AgentID, "_")+"_*.log")
	if err != nil {
		return Result{Err: fmt.Errorf("create capture file: %w", err)}
	}
	capturePath := capture.Name()
	defer func() { _ = os.Remove(capturePath) }()

	// not CommandContext: the session must survive the dispatcher
	cmd := exec.Command(c.Bin, args...)
	cmd.Stdout = capture
	cmd.Stderr = capture
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		_ = capture.Close()
		return Result{Err: fmt.Errorf("start %s: %w", c.Bin, err)}
	}
	_ = capture.Close()

	done := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(done)
	}()

	res := Result{Started: true, PID: cmd.Process.Pid}
	timer := time.NewTimer(req.Wait)
	defer timer.Stop()

	select {
	case <-done:
		code := cmd.ProcessState.ExitCode()
		res.ExitCode = &code
	case <-timer.C:
	case <-ctx.Done():
	}

	if content, err := os.ReadFile(capturePath); err == nil {
		res.Output = string(content)
	}
	if res.ExitCode == nil {
		proc := cmd.Process
		res.terminate = func() error {
			select {
			case <-done:
				return nil
			default:
			}
			return proc.Signal(syscall.SIGTERM)
		}
	}
	return res
}
