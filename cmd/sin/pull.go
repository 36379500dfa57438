package main

import (
	"github.com/urfave/cli/v2"

	"github.com/kboulain/sin/internal/synerr"
)

func pullCommand() *cli.Command {
	return &cli.Command{
		Name:      "pull",
		Usage:     "download server changes into the maildir and tag database",
		ArgsUsage: "-- CMD ARG...",
		Flags:     sharedFlags,
		Action:    runPull,
	}
}

func runPull(c *cli.Context) error {
	rc, err := setup(c)
	if err != nil {
		return err
	}
	defer closeSession(rc)

	if err := rc.engine.Pull(c.Context, rc.accountID); err != nil {
		if synerr.IsPullRequired(err) {
			rc.log.Warn("pull left account requiring another pull")
		}
		return err
	}
	return nil
}
