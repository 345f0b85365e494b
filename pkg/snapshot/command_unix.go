//go:build !windows

package snapshot

import (
	"context"
	"os/exec"

	"golang.org/x/sys/unix"
)

// createCommand runs command through /bin/sh in its own process group, so a
// cancelled context takes down anything the script spawned as well.
func (p *CommandProvider) createCommand(ctx context.Context, command string) *exec.Cmd {
	cmd := p.commandContext(ctx, "/bin/sh", "-c", command)
	cmd.SysProcAttr = &unix.SysProcAttr{Setpgid: true}
	return cmd
}
