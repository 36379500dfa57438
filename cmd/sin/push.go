package main

import (
	"github.com/urfave/cli/v2"

	"github.com/kboulain/sin/internal/synerr"
)

func pushCommand() *cli.Command {
	return &cli.Command{
		Name:      "push",
		Usage:     "upload local changes from the maildir and tag database to the server",
		ArgsUsage: "-- CMD ARG...",
		Flags:     sharedFlags,
		Action:    runPush,
	}
}

func runPush(c *cli.Context) error {
	rc, err := setup(c)
	if err != nil {
		return err
	}
	defer closeSession(rc)

	if err := rc.engine.Push(c.Context, rc.accountID); err != nil {
		if synerr.IsPullRequired(err) {
			rc.log.Warn("push requires a pull before it can be retried")
		}
		return err
	}
	return nil
}
