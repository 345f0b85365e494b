package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"

	"github.com/paulschiretz/pgl-snapback/pkg/credential"
	"github.com/paulschiretz/pgl-snapback/pkg/plog"
	"github.com/paulschiretz/pgl-snapback/pkg/util"
)

// RunSeal encrypts a replication password to the recipient of an age identity
// and prints the server_pass value to put in the configuration.
func RunSeal(ctx context.Context, flagMap map[string]any) error {
	identityPath := flagString(flagMap, "identity")
	if identityPath == "" {
		return fmt.Errorf("the -identity flag is required to run seal")
	}
	absIdentity, err := util.ExpandedAbsPath(identityPath)
	if err != nil {
		return fmt.Errorf("identity path invalid: %w", err)
	}

	identity, created, err := credential.LoadOrCreateIdentity(absIdentity)
	if err != nil {
		return err
	}
	if created {
		plog.Info("Created new identity; set identity_file to it in [SERVER]", "path", absIdentity)
	}

	password, err := readPassword(os.Stdin)
	if err != nil {
		return err
	}

	sealed, err := credential.Seal(password, identity.Recipient())
	if err != nil {
		return err
	}
	fmt.Printf("server_pass = %s\n", sealed)
	return nil
}

// readPassword prompts twice on a terminal. Piped input is read as a single line.
func readPassword(in *os.File) (string, error) {
	fd := int(in.Fd())
	if !term.IsTerminal(fd) {
		return readLine(in)
	}

	fmt.Fprint(os.Stderr, "Password: ")
	first, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	fmt.Fprint(os.Stderr, "Repeat password: ")
	second, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	if string(first) != string(second) {
		return "", errors.New("passwords do not match")
	}
	if len(first) == 0 {
		return "", errors.New("password cannot be empty")
	}
	return string(first), nil
}

func readLine(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return "", errors.New("password cannot be empty")
	}
	return line, nil
}
