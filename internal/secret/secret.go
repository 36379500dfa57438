// Package secret runs the external password-producing command named
// after "--" on the sin command line and captures its first stdout line.
package secret

import (
	"bufio"
	"context"
	"os/exec"
	"strings"

	"github.com/kboulain/sin/internal/synerr"
)

// Run executes argv[0] with argv[1:] as arguments and returns the first
// line written to its stdout, with any trailing CR/LF stripped. The
// caller is responsible for zeroing the returned slice once it has been
// consumed by authentication.
func Run(ctx context.Context, argv []string) ([]byte, error) {
	if len(argv) == 0 {
		return nil, synerr.Config("no password command configured", nil)
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	out, err := cmd.StdoutPipe()
	if err != nil {
		return nil, synerr.Config("cannot attach to password command stdout", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, synerr.Config("cannot start password command", err)
	}

	scanner := bufio.NewScanner(out)
	var line string
	if scanner.Scan() {
		line = scanner.Text()
	}
	scanErr := scanner.Err()

	// Drain and wait regardless of whether we got a line, so we don't
	// leak the child process.
	waitErr := cmd.Wait()

	if scanErr != nil {
		return nil, synerr.Config("cannot read password command output", scanErr)
	}
	if waitErr != nil {
		return nil, synerr.Config("password command failed", waitErr)
	}
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return nil, synerr.Config("password command produced no output", nil)
	}

	return []byte(line), nil
}

// Zero overwrites b in place. Call it as soon as the secret has been
// consumed.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
