package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"example.com/scorebridge/internal/coordinator"
	"example.com/scorebridge/internal/logging"
	"github.com/urfave/cli/v2"
)

const primeTimeout = 10 * time.Second

// withCoordinator starts a coordinator, waits for its first recovery and hands it to fn.
func withCoordinator(c *cli.Context, onChange func(coordinator.View), fn func(ctx context.Context, co *coordinator.Coordinator) error) error {
	e, err := setup(c)
	if err != nil {
		return err
	}
	dir, err := e.coordinator(c.Context)
	if err != nil {
		return err
	}
	// receive only, so no bus token
	client, err := e.busClient("scorectl-coordinator", nil)
	if err != nil {
		return err
	}
	co := coordinator.New(dir, client, logging.Component(e.log, "coordinator"), nil)
	co.OnChange = onChange

	ctx, cancel := context.WithCancel(c.Context)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- co.Run(ctx) }()

	primeCtx, primeCancel := context.WithTimeout(ctx, primeTimeout)
	defer primeCancel()
	if err := co.Recover(primeCtx); err != nil {
		return err
	}

	err = fn(ctx, co)
	cancel()
	<-done
	return err
}

func printView(v coordinator.View) {
	if v.MatchID == 0 {
		fmt.Println("no active match")
		return
	}
	fmt.Printf("match %d: %s (red) vs %s (blue)\n", v.MatchID, v.Red, v.Blue)

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	head := []string{"ROUND", "STATUS"}
	for _, j := range v.Judges {
		mark := ""
		if !j.Connected {
			mark = "*"
		}
		head = append(head, j.Name+mark)
	}
	head = append(head, "TOTAL")
	fmt.Fprintln(w, strings.Join(head, "\t"))

	for _, r := range v.Rounds {
		row := []string{fmt.Sprint(r.Number), string(r.Status)}
		for _, cell := range r.Cells {
			if cell.Submitted {
				row = append(row, fmt.Sprintf("%d-%d", cell.Red, cell.Blue))
			} else {
				row = append(row, "-")
			}
		}
		total := "-"
		if r.Status == coordinator.StatusComplete {
			total = fmt.Sprintf("%d-%d", r.TotalRed, r.TotalBlue)
		}
		row = append(row, total)
		fmt.Fprintln(w, strings.Join(row, "\t"))
	}
	_ = w.Flush()
	if v.AdvanceUnlocked {
		fmt.Println("all rounds complete, ready to advance")
	}
}

func coordinatorCommand() *cli.Command {
	return &cli.Command{
		Name:    "coordinator",
		Aliases: []string{"coord"},
		Usage:   "live round aggregate and event control",
		Subcommands: []*cli.Command{
			{
				Name:  "watch",
				Usage: "follow the active match until interrupted",
				Action: func(c *cli.Context) error {
					return withCoordinator(c, printView, func(ctx context.Context, _ *coordinator.Coordinator) error {
						<-ctx.Done()
						return nil
					})
				},
			},
			{
				Name:  "advance",
				Usage: "move to the next match once every round is complete",
				Action: func(c *cli.Context) error {
					return withCoordinator(c, nil, func(ctx context.Context, co *coordinator.Coordinator) error {
						next, err := co.Advance(ctx, confirmer(c))
						if err != nil {
							return err
						}
						fmt.Printf("now on match %d: %s vs %s, %d judges carried over\n", next.ID, next.Red, next.Blue, len(next.Judges))
						return nil
					})
				},
			},
			{
				Name:  "cancel",
				Usage: "invalidate one judge's score for a round",
				Flags: []cli.Flag{
					&cli.Int64Flag{Name: "round", Required: true, Usage: "round id"},
					&cli.StringFlag{Name: "judge", Required: true, Usage: "judge device id"},
				},
				Action: func(c *cli.Context) error {
					return withCoordinator(c, nil, func(ctx context.Context, co *coordinator.Coordinator) error {
						return co.CancelScore(ctx, c.Int64("round"), c.String("judge"), confirmer(c))
					})
				},
			},
			{
				Name:  "end",
				Usage: "end the event and clear every judge and score",
				Action: func(c *cli.Context) error {
					return withCoordinator(c, nil, func(ctx context.Context, co *coordinator.Coordinator) error {
						return co.EndEvent(ctx, confirmer(c))
					})
				},
			},
		},
	}
}
