package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/urfave/cli/v2"

	"github.com/scottpeterman/gosnmpscan/pkg/fingerprint"
)

func commandRules() *cli.Command {
	return &cli.Command{
		Name:  "rules",
		Usage: "Work with fingerprint rule documents",
		Subcommands: []*cli.Command{
			{
				Name:      "validate",
				Usage:     "Check a rule document and list every problem",
				ArgsUsage: "FILE",
				Action:    rulesValidate,
			},
			{
				Name:      "fmt",
				Usage:     "Re-serialize a rule document, keeping unknown keys",
				ArgsUsage: "FILE",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:    "write",
						Aliases: []string{"w"},
						Usage:   "Write the result back to FILE instead of stdout",
					},
				},
				Action: rulesFmt,
			},
		},
	}
}

func ruleArg(c *cli.Context) (string, error) {
	if c.NArg() != 1 {
		return "", configError("expected exactly one rule document, got %d arguments", c.NArg())
	}
	return c.Args().First(), nil
}

func rulesValidate(c *cli.Context) error {
	path, err := ruleArg(c)
	if err != nil {
		return err
	}
	rs, err := fingerprint.LoadFile(path)
	if err != nil {
		var loadErr *fingerprint.LoadError
		if errors.As(err, &loadErr) {
			red := color.New(color.FgRed).SprintFunc()
			for _, p := range loadErr.Problems {
				fmt.Fprintf(c.App.ErrWriter, "%s %s\n", red("✗"), p)
			}
			return configError("%s: %d problems", path, len(loadErr.Problems))
		}
		return configError("%v", err)
	}

	green := color.New(color.FgGreen).SprintFunc()
	fmt.Fprintf(c.App.Writer, "%s %s: %d vendors, %d fingerprint OIDs\n",
		green("✓"), path, rs.Len(), len(rs.FingerprintOIDs()))
	return nil
}

func rulesFmt(c *cli.Context) error {
	path, err := ruleArg(c)
	if err != nil {
		return err
	}
	rs, err := fingerprint.LoadFile(path)
	if err != nil {
		return configError("%v", err)
	}
	out, err := rs.Marshal()
	if err != nil {
		return cli.Exit(fmt.Sprintf("serialize rules: %v", err), exitRuntime)
	}

	if !c.Bool("write") {
		_, err = c.App.Writer.Write(out)
		return err
	}
	info, err := os.Stat(path)
	if err != nil {
		return cli.Exit(err.Error(), exitRuntime)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, out, info.Mode().Perm()); err != nil {
		return cli.Exit(fmt.Sprintf("write rules: %v", err), exitRuntime)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return cli.Exit(fmt.Sprintf("write rules: %v", err), exitRuntime)
	}
	return nil
}
