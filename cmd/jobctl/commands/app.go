// Package commands implements jobctl, a terminal client for the job API.
package commands

import (
	"time"

	"github.com/urfave/cli/v3"
)

func groupFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:      "group",
			Usage:     "job group (dataset/backtest/optimization/attribution)",
			Value:     "dataset",
			Validator: validateGroup,
		},
		&cli.StringFlag{
			Name:     "id",
			Usage:    "job id",
			Required: true,
		},
	}
}

func watchFlags() []cli.Flag {
	return []cli.Flag{
		&cli.BoolFlag{
			Name:  "watch",
			Usage: "poll the job until it finishes",
			Value: true,
		},
		&cli.BoolFlag{
			Name:  "cancel-on-interrupt",
			Usage: "request cancellation when interrupted while watching",
		},
	}
}

// NewApp builds the jobctl command tree.
func NewApp() *cli.Command {
	return &cli.Command{
		Name:  "jobctl",
		Usage: "submit, watch and cancel QuantLab background jobs",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "server",
				Usage:   "backend base URL",
				Value:   "http://localhost:8080",
				Sources: cli.EnvVars("QUANTLAB_SERVER"),
			},
			&cli.StringFlag{
				Name:    "token",
				Usage:   "bearer token when the server requires auth",
				Sources: cli.EnvVars("QUANTLAB_TOKEN"),
			},
			&cli.DurationFlag{
				Name:  "interval",
				Usage: "poll interval",
				Value: time.Second,
			},
			&cli.DurationFlag{
				Name:  "http-timeout",
				Usage: "per-request timeout",
				Value: 15 * time.Second,
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "dataset",
				Usage: "dataset builds",
				Commands: []*cli.Command{
					{
						Name:  "create",
						Usage: "build a new dataset from a preset",
						Flags: append([]cli.Flag{
							&cli.StringFlag{Name: "name", Usage: "dataset file name (e.g. prime.db)", Required: true},
							&cli.StringFlag{Name: "preset", Usage: "preset id", Required: true},
							&cli.BoolFlag{Name: "overwrite", Usage: "replace an existing dataset"},
							&cli.IntFlag{Name: "timeout", Usage: "job timeout in minutes (0 uses the server default)"},
						}, watchFlags()...),
						Action: DatasetCreateAction,
					},
					{
						Name:  "resume",
						Usage: "extend an existing dataset to today",
						Flags: append([]cli.Flag{
							&cli.StringFlag{Name: "name", Usage: "dataset file name", Required: true},
							&cli.StringFlag{Name: "preset", Usage: "preset id", Required: true},
							&cli.IntFlag{Name: "timeout", Usage: "job timeout in minutes (0 uses the server default)"},
						}, watchFlags()...),
						Action: DatasetResumeAction,
					},
				},
			},
			{
				Name:  "submit",
				Usage: "submit an analysis run from a JSON request file",
				Flags: append([]cli.Flag{
					&cli.StringFlag{
						Name:      "group",
						Usage:     "backtest, optimization or attribution",
						Required:  true,
						Validator: validateRunGroup,
					},
					&cli.StringFlag{Name: "file", Usage: "request body (- for stdin)", Required: true},
				}, watchFlags()...),
				Action: SubmitAction,
			},
			{
				Name:  "job",
				Usage: "inspect running jobs",
				Commands: []*cli.Command{
					{
						Name:   "watch",
						Usage:  "poll a job until it finishes",
						Flags:  append(groupFlags(), watchFlags()[1]),
						Action: JobWatchAction,
					},
					{
						Name:   "cancel",
						Usage:  "request cancellation of a job",
						Flags:  groupFlags(),
						Action: JobCancelAction,
					},
				},
			},
		},
	}
}
