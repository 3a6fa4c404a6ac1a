// Package containerrt defines the capability the worker supervisor uses
// to execute a task's workload and a default subprocess-based
// implementation, grounded on the reference repo's own subprocess
// lifecycle management (start, track pid, signal, wait).
package containerrt

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"sync"
)

// Handle tracks one running task's process so Stop can signal it later.
type Handle interface {
	// Wait blocks until the workload exits, returning its error (nil on a
	// clean exit).
	Wait() error
	// Stop sends a termination signal to the running workload.
	Stop() error
}

// Runtime starts a task's workload given its image and command. The
// reference implementation below treats Image as informational only and
// execs Cmd directly, standing in for whatever real container runtime
// (containerd, Docker, a Firecracker VM) a production deployment would
// substitute behind this interface.
type Runtime interface {
	Run(ctx context.Context, taskID, image string, cmd []string, stdout, stderr io.Writer) (Handle, error)
}

// ProcessRuntime execs cmd[0] with cmd[1:] as arguments. Stop kills only
// that process; child processes it started are not signalled.
type ProcessRuntime struct{}

// NewProcessRuntime constructs the default subprocess-based Runtime.
func NewProcessRuntime() *ProcessRuntime { return &ProcessRuntime{} }

type processHandle struct {
	mu  sync.Mutex
	cmd *exec.Cmd
}

func (p *ProcessRuntime) Run(ctx context.Context, taskID, image string, cmd []string, stdout, stderr io.Writer) (Handle, error) {
	if len(cmd) == 0 {
		return nil, fmt.Errorf("task %s: empty command", taskID)
	}

	c := exec.CommandContext(ctx, cmd[0], cmd[1:]...)
	c.Stdout = stdout
	c.Stderr = stderr

	if err := c.Start(); err != nil {
		return nil, fmt.Errorf("start task %s: %w", taskID, err)
	}

	return &processHandle{cmd: c}, nil
}

func (h *processHandle) Wait() error {
	h.mu.Lock()
	cmd := h.cmd
	h.mu.Unlock()
	return cmd.Wait()
}

func (h *processHandle) Stop() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cmd.Process == nil {
		return nil
	}
	return h.cmd.Process.Kill()
}
