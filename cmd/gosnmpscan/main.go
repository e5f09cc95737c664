package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

const (
	appName    = "gosnmpscan"
	appVersion = "2.0.0"
)

// Exit statuses.
const (
	exitRuntime = 1 // an output sink failed
	exitConfig  = 2 // rules, targets, credentials or flags are invalid
)

func main() {
	log := logrus.New()
	log.SetOutput(os.Stderr)

	if err := newApp(log).Run(os.Args); err != nil {
		// Exit-coded errors have already terminated the process.
		log.Error(err)
		os.Exit(exitRuntime)
	}
}

func newApp(log *logrus.Logger) *cli.App {
	return &cli.App{
		Name:    appName,
		Usage:   "SNMP device discovery and fingerprinting",
		Version: appVersion,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Value:   "info",
				Usage:   "Log level (debug, info, warn, error)",
				EnvVars: []string{"GOSNMPSCAN_LOG_LEVEL"},
			},
			&cli.StringFlag{
				Name:  "log-format",
				Value: "text",
				Usage: "Log format (text, json)",
			},
		},
		Before: func(c *cli.Context) error {
			level, err := logrus.ParseLevel(c.String("log-level"))
			if err != nil {
				return cli.Exit(fmt.Sprintf("invalid --log-level: %v", err), exitConfig)
			}
			log.SetLevel(level)

			switch c.String("log-format") {
			case "json":
				log.SetFormatter(&logrus.JSONFormatter{})
			case "text":
				log.SetFormatter(&logrus.TextFormatter{
					FullTimestamp:   true,
					TimestampFormat: "2006-01-02 15:04:05",
				})
			default:
				return cli.Exit(fmt.Sprintf("invalid --log-format %q", c.String("log-format")), exitConfig)
			}
			return nil
		},
		Commands: []*cli.Command{
			commandScan(log),
			commandRules(),
			commandDB(),
		},
	}
}

func configError(format string, args ...any) cli.ExitCoder {
	return cli.Exit(fmt.Sprintf(format, args...), exitConfig)
}
