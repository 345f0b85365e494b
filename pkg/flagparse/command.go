package flagparse

import (
	"fmt"

	"github.com/paulschiretz/pgl-snapback/pkg/util"
)

// Command is the subcommand selected on the command line.
type Command int

const (
	None Command = iota
	Backup
	Prune
	Replicate
	Restore
	List
	Init
	Seal
	Schedule
	Version
)

var commandToString = map[Command]string{
	None:      "none",
	Backup:    "backup",
	Prune:     "prune",
	Replicate: "replicate",
	Restore:   "restore",
	List:      "list",
	Init:      "init",
	Seal:      "seal",
	Schedule:  "schedule",
	Version:   "version",
}

var stringToCommand map[string]Command

func init() {
	stringToCommand = util.InvertMap(commandToString)
}

func (c Command) String() string {
	if str, ok := commandToString[c]; ok {
		return str
	}
	return fmt.Sprintf("unknown_command(%d)", c)
}

func ParseCommand(s string) (Command, error) {
	if command, ok := stringToCommand[s]; ok && command != None {
		return command, nil
	}
	return None, fmt.Errorf("invalid command: %q. Must be one of 'backup', 'prune', 'replicate', 'restore', 'list', 'init', 'seal', 'schedule' or 'version'", s)
}
