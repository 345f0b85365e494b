package snapshot

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/paulschiretz/pgl-snapback/pkg/plog"
)

// CommandProvider delegates snapshot handling to shell commands, e.g. a
// `vssadmin`/`lvcreate`/`zfs snapshot` wrapper script.
//
// CreateCommand must print the path of the read-only view as the last line on
// stdout. Both commands may use the placeholders {volume}, {label} and, for
// DestroyCommand, {path}.
type CommandProvider struct {
	CreateCommand  string
	DestroyCommand string

	// commandContext allows mocking os/exec in tests.
	commandContext func(ctx context.Context, name string, arg ...string) *exec.Cmd
}

func NewCommandProvider(createCommand, destroyCommand string) *CommandProvider {
	return &CommandProvider{
		CreateCommand:  createCommand,
		DestroyCommand: destroyCommand,
		commandContext: exec.CommandContext,
	}
}

func (p *CommandProvider) Name() string { return "command" }

func expand(command string, vol Volume, h Handle) string {
	return strings.NewReplacer(
		"{volume}", vol.ID,
		"{label}", vol.Label,
		"{path}", h.Path,
	).Replace(command)
}

func (p *CommandProvider) Create(ctx context.Context, vol Volume) (Handle, error) {
	if p.CreateCommand == "" {
		return Handle{}, errors.New("no create_command configured")
	}
	command := expand(p.CreateCommand, vol, Handle{})
	plog.Debug("Executing snapshot command", "command", command)

	var stdout bytes.Buffer
	cmd := p.createCommand(ctx, command)
	cmd.Stdout = &stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return Handle{}, ctx.Err()
		}
		return Handle{}, fmt.Errorf("command '%s' failed: %w", command, err)
	}

	path := lastLine(stdout.Bytes())
	if err := checkView(path); err != nil {
		// The command succeeded, so a snapshot may exist on the host.
		p.discard(ctx, vol, Handle{ID: path, Path: path})
		return Handle{}, fmt.Errorf("command '%s': %w", command, err)
	}
	return Handle{ID: path, Path: path}, nil
}

func checkView(path string) error {
	if path == "" {
		return errors.New("printed no snapshot path")
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("snapshot path %s is not accessible: %w", path, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("snapshot path %s is not a directory", path)
	}
	return nil
}

// discard destroys a snapshot whose view could not be used.
func (p *CommandProvider) discard(ctx context.Context, vol Volume, h Handle) {
	if p.DestroyCommand == "" {
		plog.Warn("Snapshot view unusable and no destroy_command configured", "volume", vol.ID, "path", h.Path)
		return
	}
	if err := p.Destroy(context.WithoutCancel(ctx), vol, h); err != nil {
		plog.Warn("Failed to destroy snapshot with unusable view", "volume", vol.ID, "path", h.Path, "error", err)
		return
	}
	plog.Info("Destroyed snapshot with unusable view", "volume", vol.ID, "path", h.Path)
}

func (p *CommandProvider) Destroy(ctx context.Context, vol Volume, h Handle) error {
	if p.DestroyCommand == "" {
		return nil
	}
	command := expand(p.DestroyCommand, vol, h)
	plog.Debug("Executing snapshot command", "command", command)

	cmd := p.createCommand(ctx, command)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("command '%s' failed: %w", command, err)
	}
	return nil
}

func lastLine(out []byte) string {
	var last string
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			last = line
		}
	}
	return last
}
