// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package main

import (
	"log"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/relabs-tech/fieldnav/internal/app"
	"github.com/relabs-tech/fieldnav/internal/config"
)

func main() {
	a := &cli.App{
		Name:  "tracker",
		Usage: "track the robot's field pose from vision targets",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   "fieldnav_config.txt",
				Usage:   "load configuration from `FILE`",
			},
			&cli.StringFlag{
				Name:  "source",
				Usage: "vision source, replay or mqtt (overrides VISION_SOURCE)",
			},
			&cli.StringFlag{
				Name:  "replay",
				Usage: "replay scenario `FILE` (overrides REPLAY_FILE)",
			},
		},
		Action: func(c *cli.Context) error {
			log.Println("starting fieldnav tracker")

			if err := config.InitGlobal(c.String("config")); err != nil {
				return cli.Exit("failed to load config: "+err.Error(), 1)
			}

			return app.RunTracker(app.TrackerOverrides{
				Source:     c.String("source"),
				ReplayFile: c.String("replay"),
			})
		},
	}

	if err := a.Run(os.Args); err != nil {
		log.Fatalf("fatal: %v", err)
	}
}
