package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"example.com/scorebridge/internal/clientstate"
	"example.com/scorebridge/internal/judge"
	"example.com/scorebridge/internal/logging"
	"example.com/scorebridge/internal/reconcile"
	"github.com/urfave/cli/v2"
)

const reconcileTimeout = 15 * time.Second

// device is one judge.Client over the profile's local state.
type device struct {
	*judge.Client
	e       *env
	changes chan struct{}
	release func()
}

func openDevice(c *cli.Context) (*device, error) {
	e, err := setup(c)
	if err != nil {
		return nil, err
	}
	p, closeP, err := e.persistence(c.String("profile"))
	if err != nil {
		return nil, err
	}
	state := clientstate.New(p)
	if err := state.Hydrate(c.Context); err != nil {
		closeP()
		return nil, err
	}

	d := &device{e: e, changes: make(chan struct{}, 8), release: closeP}
	client, err := e.busClient("scorectl-judge-"+c.String("profile"), func() string {
		if d.Client == nil {
			return ""
		}
		return d.Token()
	})
	if err != nil {
		closeP()
		return nil, err
	}
	jc, err := judge.New(e.dir, client, state, logging.Component(e.log, "judge"), nil)
	if err != nil {
		closeP()
		return nil, err
	}
	jc.OnChange = func(int64, []judge.RoundState) {
		select {
		case d.changes <- struct{}{}:
		default:
		}
	}
	d.Client = jc
	return d, nil
}

// settled fails when a change only made it into the offline queue, since the
// queue ends with the process.
func (d *device) settled() error {
	if n := d.Pending(); n > 0 {
		return fmt.Errorf("%d change(s) not delivered, the bus dropped; run the command again", n)
	}
	return nil
}

// online runs the bus until fn returns.
func (d *device) online(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	err := fn(ctx)
	cancel()
	<-done
	return err
}

// reconciled runs fn once the connect-time reconcile has produced a session.
func (d *device) reconciled(ctx context.Context, fn func(ctx context.Context) error) error {
	return d.online(ctx, func(ctx context.Context) error {
		if err := waitFor(ctx, reconcileTimeout, d.Reconciled); err != nil {
			return fmt.Errorf("waiting for reconcile: %w", err)
		}
		return fn(ctx)
	})
}

func (d *device) drain() {
	for {
		select {
		case <-d.changes:
		default:
			return
		}
	}
}

func printRounds(matchID int64, rounds []judge.RoundState) {
	if rounds == nil {
		fmt.Println("not joined")
		return
	}
	fmt.Printf("match %d\n", matchID)
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ROUND\tSTATE\tRED\tBLUE\tCONFIRMED")
	for _, r := range rounds {
		red, blue := "-", "-"
		if r.Gate == reconcile.Submitted {
			red, blue = fmt.Sprint(r.Red), fmt.Sprint(r.Blue)
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%t\n", r.Number, r.Gate, red, blue, r.Confirmed)
	}
	_ = w.Flush()
}

func roundFlag() cli.Flag {
	return &cli.IntFlag{Name: "round", Required: true, Usage: "round number, starting at 1"}
}

func judgeAction(fn func(c *cli.Context, d *device) error) cli.ActionFunc {
	return func(c *cli.Context) error {
		d, err := openDevice(c)
		if err != nil {
			return err
		}
		defer d.release()
		return fn(c, d)
	}
}

func judgeCommand() *cli.Command {
	return &cli.Command{
		Name:  "judge",
		Usage: "scoring device",
		Subcommands: []*cli.Command{
			{
				Name:  "join",
				Usage: "register this device on the current match",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "name", Required: true},
					&cli.StringFlag{Name: "password", Required: true},
					&cli.StringFlag{Name: "code", Required: true, Usage: "access code"},
				},
				Action: judgeAction(func(c *cli.Context, d *device) error {
					reg, err := d.Join(c.Context, c.String("name"), c.String("password"), c.String("code"))
					if err != nil {
						return err
					}
					fmt.Printf("joined match %d as %s (device %s)\n", reg.Judge.MatchID, reg.Judge.Name, reg.Judge.DeviceID)

					// connect once with the new token so the coordinator sees the device
					d.drain()
					return d.online(c.Context, func(ctx context.Context) error {
						select {
						case <-d.changes:
						case <-time.After(reconcileTimeout):
							d.e.log.Warn().Msg("bus not reached, the coordinator will see this device on next connect")
						case <-ctx.Done():
						}
						printRounds(d.Rounds())
						return nil
					})
				}),
			},
			{
				Name:  "status",
				Usage: "pull the current match and show this device's rounds",
				Action: judgeAction(func(c *cli.Context, d *device) error {
					if err := d.Reconcile(c.Context); err != nil {
						return err
					}
					printRounds(d.Rounds())
					return nil
				}),
			},
			{
				Name:  "submit",
				Usage: "score a round",
				Flags: []cli.Flag{
					roundFlag(),
					&cli.StringFlag{Name: "red", Required: true},
					&cli.StringFlag{Name: "blue", Required: true},
				},
				Action: judgeAction(func(c *cli.Context, d *device) error {
					return d.reconciled(c.Context, func(ctx context.Context) error {
						if err := d.Submit(ctx, c.Int("round")-1, c.String("red"), c.String("blue")); err != nil {
							return err
						}
						printRounds(d.Rounds())
						return d.settled()
					})
				}),
			},
			{
				Name:  "modify",
				Usage: "reopen a submitted round",
				Flags: []cli.Flag{roundFlag()},
				Action: judgeAction(func(c *cli.Context, d *device) error {
					return d.reconciled(c.Context, func(ctx context.Context) error {
						if err := d.Modify(ctx, c.Int("round")-1); err != nil {
							return err
						}
						printRounds(d.Rounds())
						return d.settled()
					})
				}),
			},
			{
				Name:  "watch",
				Usage: "stay connected and print every change",
				Action: judgeAction(func(c *cli.Context, d *device) error {
					return d.online(c.Context, func(ctx context.Context) error {
						for {
							select {
							case <-ctx.Done():
								return nil
							case <-d.changes:
								printRounds(d.Rounds())
							}
						}
					})
				}),
			},
			{
				Name:  "reset",
				Usage: "forget this device's session; the device id is kept",
				Action: judgeAction(func(c *cli.Context, d *device) error {
					return d.Reset(c.Context, judge.Confirm(confirmer(c)))
				}),
			},
		},
	}
}
