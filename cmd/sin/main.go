// Copyright © 2020 Elias Norberg
// Licensed under the GPLv3 or later.
// See COPYING at the root of the repository for details.

// Command sin synchronizes an IMAP mailbox with a maildir tree indexed
// by a notmuch-style tag database, bidirectionally, per spec.md §6.
package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/kboulain/sin/internal/synerr"
)

var sharedFlags = []cli.Flag{
	&cli.StringFlag{Name: "address", Required: true, Usage: "IMAP server host"},
	&cli.IntFlag{Name: "port", Required: true, Usage: "IMAP server port"},
	&cli.BoolFlag{Name: "tls", Usage: "connect over TLS"},
	&cli.DurationFlag{Name: "timeout", Usage: "network timeout"},
	&cli.StringFlag{Name: "notmuch", Required: true, Usage: "path to the notmuch database"},
	&cli.BoolFlag{Name: "create", Usage: "create the database/account if missing"},
	&cli.StringFlag{Name: "maildir", Required: true, Usage: "maildir subdirectory name for this account"},
	&cli.StringFlag{Name: "user", Required: true, Usage: "IMAP username"},
	&cli.StringFlag{Name: "log_directory", Usage: "directory to additionally write a JSON log file to"},
	&cli.IntFlag{Name: "v", Aliases: []string{"verbose"}, Usage: "log verbosity level (1 or more enables debug)"},
	&cli.BoolFlag{Name: "quiet", Usage: "only log warnings and errors"},
}

func main() {
	app := &cli.App{
		Name:  "sin",
		Usage: "synchronize an IMAP mailbox with a maildir + tag database",
		Commands: []*cli.Command{
			pullCommand(),
			pushCommand(),
		},
		ExitErrHandler: func(c *cli.Context, err error) {
			if err == nil {
				return
			}
			fmt.Fprintln(os.Stderr, err)
			cli.OsExiter(synerr.ExitCode(err))
		},
	}

	_ = app.Run(os.Args)
}
