package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"example.com/scorebridge/internal/directory"
	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"
)

// matchFile is the YAML layout accepted by "matches import".
type matchFile struct {
	Matches []directory.Match `yaml:"matches"`
}

func matchesCommand() *cli.Command {
	return &cli.Command{
		Name:  "matches",
		Usage: "match directory",
		Subcommands: []*cli.Command{
			{
				Name:      "import",
				Usage:     "import matches from a YAML file",
				ArgsUsage: "<file.yaml>",
				Action: func(c *cli.Context) error {
					if c.NArg() != 1 {
						return cli.ShowSubcommandHelp(c)
					}
					raw, err := os.ReadFile(c.Args().First())
					if err != nil {
						return err
					}
					var f matchFile
					if err := yaml.Unmarshal(raw, &f); err != nil {
						return fmt.Errorf("parse %s: %w", c.Args().First(), err)
					}

					e, err := setup(c)
					if err != nil {
						return err
					}
					dir, err := e.coordinator(c.Context)
					if err != nil {
						return err
					}
					out, err := dir.ImportMatches(c.Context, f.Matches)
					if err != nil {
						return err
					}
					fmt.Printf("imported %d matches\n", len(out))
					return printMatches(out)
				},
			},
			{
				Name:  "list",
				Usage: "list imported matches",
				Action: func(c *cli.Context) error {
					e, err := setup(c)
					if err != nil {
						return err
					}
					ms, err := e.dir.ListMatches(c.Context)
					if err != nil {
						return err
					}
					return printMatches(ms)
				},
			},
		},
	}
}

func printMatches(ms []directory.Match) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSEQ\tDIVISION\tRED\tBLUE\tROUNDS")
	for _, m := range ms {
		fmt.Fprintf(w, "%d\t%d\t%s\t%s\t%s\t%d\n", m.ID, m.Sequence, m.Division, m.Red, m.Blue, len(m.Rounds))
	}
	return w.Flush()
}

func printProgress(p directory.Progress) {
	fmt.Printf("current match %d, judges %d, locked %t\n", p.CurrentMatchID, p.JudgeCount, p.Locked)
}

func eventCommand() *cli.Command {
	setLocked := func(locked bool) cli.ActionFunc {
		return func(c *cli.Context) error {
			e, err := setup(c)
			if err != nil {
				return err
			}
			dir, err := e.coordinator(c.Context)
			if err != nil {
				return err
			}
			p, err := dir.SetLocked(c.Context, locked)
			if err != nil {
				return err
			}
			printProgress(p)
			return nil
		}
	}

	return &cli.Command{
		Name:  "event",
		Usage: "event progress",
		Subcommands: []*cli.Command{
			{
				Name:  "start",
				Usage: "point the event at a match and set the judge count",
				Flags: []cli.Flag{
					&cli.Int64Flag{Name: "match", Required: true},
					&cli.IntFlag{Name: "judges", Value: 3},
				},
				Action: func(c *cli.Context) error {
					e, err := setup(c)
					if err != nil {
						return err
					}
					dir, err := e.coordinator(c.Context)
					if err != nil {
						return err
					}
					p, err := dir.StartProgress(c.Context, c.Int64("match"), c.Int("judges"))
					if err != nil {
						return err
					}
					printProgress(p)
					return nil
				},
			},
			{Name: "lock", Usage: "refuse new submissions", Action: setLocked(true)},
			{Name: "unlock", Usage: "accept submissions again", Action: setLocked(false)},
			{
				Name:  "status",
				Usage: "show the event pointer",
				Action: func(c *cli.Context) error {
					e, err := setup(c)
					if err != nil {
						return err
					}
					p, err := e.dir.Progress(c.Context)
					if err != nil {
						return err
					}
					printProgress(p)
					return nil
				},
			},
		},
	}
}

func accessCommand() *cli.Command {
	return &cli.Command{
		Name:  "access",
		Usage: "judge access credentials",
		Subcommands: []*cli.Command{
			{
				Name:      "password",
				Usage:     "set the 4-digit judge password and print the new access code",
				ArgsUsage: "<password>",
				Action: func(c *cli.Context) error {
					if c.NArg() != 1 {
						return cli.ShowSubcommandHelp(c)
					}
					e, err := setup(c)
					if err != nil {
						return err
					}
					dir, err := e.coordinator(c.Context)
					if err != nil {
						return err
					}
					cred, err := dir.SetPassword(c.Context, c.Args().First())
					if err != nil {
						return err
					}
					fmt.Printf("access code: %s\n", cred.Code)
					return nil
				},
			},
		},
	}
}
