package proxmox

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// ShellExecutor runs commands on the local node. Stdout is returned to the
// caller, stderr only surfaces in the error so JSON responses stay clean.
type ShellExecutor struct{}

func (e *ShellExecutor) Execute(ctx context.Context, command string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, command, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		message := strings.TrimSpace(stderr.String())
		if message == "" {
			message = strings.TrimSpace(stdout.String())
		}

		return nil, fmt.Errorf("failed to execute %s: %s: %w", command, message, err)
	}

	return stdout.Bytes(), nil
}

// NewShellExecutor creates an executor for the local node.
func NewShellExecutor() *ShellExecutor {
	return &ShellExecutor{}
}
