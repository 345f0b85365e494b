//go:build windows

package snapshot

import (
	"context"
	"os/exec"

	"golang.org/x/sys/windows"
)

// createCommand runs command through cmd.exe in a new process group.
func (p *CommandProvider) createCommand(ctx context.Context, command string) *exec.Cmd {
	cmd := p.commandContext(ctx, "cmd", "/C", command)
	cmd.SysProcAttr = &windows.SysProcAttr{CreationFlags: windows.CREATE_NEW_PROCESS_GROUP}
	return cmd
}
