// Package coordinator runs the match control point: it folds status events
// into the round-aggregate projection and issues the irreversible actions.
package coordinator

import (
	"context"
	"errors"
	"fmt"

	"example.com/scorebridge/internal/bus"
	"example.com/scorebridge/internal/directory"
	"example.com/scorebridge/internal/errs"
	"example.com/scorebridge/internal/metrics"
	"example.com/scorebridge/internal/reconcile"
	"example.com/scorebridge/internal/wire"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const inboxSize = 256

// Directory is what the coordinator pulls from and acts on.
type Directory interface {
	reconcile.Directory
	Judges(ctx context.Context, matchID int64) ([]directory.Judge, error)
	AdvanceMatch(ctx context.Context, fromMatchID int64) (wire.Match, error)
	EndEvent(ctx context.Context) error
	Cancel(ctx context.Context, roundID int64, judgeID string) error
}

// Confirm asks the operator to approve an irreversible action.
type Confirm func(ctx context.Context, action string) bool

// Inbox messages. Only the loop goroutine touches the projection.
type msg interface{ isMsg() }

type eventMsg struct{ ev wire.Event }

type primeMsg struct {
	state  reconcile.State
	roster []directory.Judge
}

type clearMsg struct{}

type viewMsg struct{ reply chan View }

func (eventMsg) isMsg() {}
func (primeMsg) isMsg() {}
func (clearMsg) isMsg() {}
func (viewMsg) isMsg()  {}

type Coordinator struct {
	dir     Directory
	client  bus.Client
	log     zerolog.Logger
	metrics *metrics.Manager

	inbox chan msg
	proj  *Projection

	// OnChange, if set, is called from the loop after every applied change.
	OnChange func(View)
}

func New(dir Directory, client bus.Client, log zerolog.Logger, m *metrics.Manager) *Coordinator {
	c := &Coordinator{
		dir:     dir,
		client:  client,
		log:     log,
		metrics: m,
		inbox:   make(chan msg, inboxSize),
		proj:    NewProjection(),
	}
	client.Handle(wire.TopicStatus, c.onBus)
	client.Handle(wire.TopicNextMatch, c.onBus)
	client.OnConnect(func(ctx context.Context) {
		if err := c.Recover(ctx); err != nil {
			c.log.Warn().Err(err).Msg("recovery after connect failed")
		}
	})
	return c
}

// Run drives the bus client and the fold loop until ctx is done.
func (c *Coordinator) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.client.Run(gctx) })
	g.Go(func() error { return c.loop(gctx) })
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (c *Coordinator) loop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m := <-c.inbox:
			c.handle(m)
		}
	}
}

func (c *Coordinator) handle(m msg) {
	switch m := m.(type) {
	case eventMsg:
		outcome := "dropped"
		if c.proj.Apply(m.ev) {
			outcome = "applied"
			c.changed()
		}
		c.metrics.BusEvent(string(m.ev.Kind()), outcome)
	case primeMsg:
		c.proj.Prime(m.state, m.roster)
		c.changed()
	case clearMsg:
		c.proj.Reset(wire.Match{})
		c.changed()
	case viewMsg:
		m.reply <- c.proj.View()
	}
}

func (c *Coordinator) changed() {
	if c.OnChange != nil {
		c.OnChange(c.proj.View())
	}
}

func (c *Coordinator) send(ctx context.Context, m msg) error {
	select {
	case c.inbox <- m:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) onBus(ctx context.Context, m bus.Message) {
	ev, err := wire.Decode(m.Data)
	switch {
	case errors.Is(err, wire.ErrUnknownKind):
		c.metrics.BusEvent("unknown", "ignored")
		return
	case err != nil:
		c.metrics.BusEvent("unknown", "malformed")
		c.log.Warn().Err(err).Str("topic", m.Topic).Msg("malformed status payload dropped")
		return
	}
	_ = c.send(ctx, eventMsg{ev: ev})
}

// Recover pulls the full aggregate and re-primes the fold.
func (c *Coordinator) Recover(ctx context.Context) error {
	s, err := reconcile.Pull(ctx, c.dir)
	if errors.Is(err, errs.ErrNotFound) {
		// no event running
		return c.send(ctx, clearMsg{})
	}
	if err != nil {
		return err
	}
	roster, err := c.dir.Judges(ctx, s.Match.ID)
	if err != nil {
		return fmt.Errorf("pull roster: %w", err)
	}
	c.log.Info().Int64("match_id", s.Match.ID).Int("judges", len(roster)).Msg("projection primed from directory")
	return c.send(ctx, primeMsg{state: s, roster: roster})
}

func (c *Coordinator) View(ctx context.Context) (View, error) {
	reply := make(chan View, 1)
	if err := c.send(ctx, viewMsg{reply: reply}); err != nil {
		return View{}, err
	}
	select {
	case v := <-reply:
		return v, nil
	case <-ctx.Done():
		return View{}, ctx.Err()
	}
}

// Advance moves the event to the next match once every round is complete.
func (c *Coordinator) Advance(ctx context.Context, confirm Confirm) (wire.Match, error) {
	v, err := c.View(ctx)
	if err != nil {
		return wire.Match{}, err
	}
	if v.MatchID == 0 {
		return wire.Match{}, fmt.Errorf("advance: %w: no active match", errs.ErrNotFound)
	}
	if !v.AdvanceUnlocked {
		return wire.Match{}, fmt.Errorf("advance: %w: rounds still waiting", errs.ErrConflict)
	}
	if !confirm(ctx, fmt.Sprintf("advance from match %d to the next match", v.MatchID)) {
		return wire.Match{}, errs.ErrNotConfirmed
	}

	next, err := c.dir.AdvanceMatch(ctx, v.MatchID)
	if errors.Is(err, errs.ErrStaleState) {
		c.log.Warn().Err(err).Msg("advance refused, local view is stale")
		if rerr := c.Recover(ctx); rerr != nil {
			c.log.Warn().Err(rerr).Msg("recovery after stale advance failed")
		}
		return wire.Match{}, err
	}
	if err != nil {
		return wire.Match{}, err
	}

	// a NEXT_MATCH for the match already shown is a no-op, so the broadcast
	// copy landing before or after this one changes nothing
	if err := c.send(ctx, eventMsg{ev: wire.NextMatch{Match: next}}); err != nil {
		return wire.Match{}, err
	}
	return next, nil
}

func (c *Coordinator) EndEvent(ctx context.Context, confirm Confirm) error {
	if !confirm(ctx, "end the event and forget every judge and score") {
		return errs.ErrNotConfirmed
	}
	if err := c.dir.EndEvent(ctx); err != nil {
		return err
	}
	return c.send(ctx, clearMsg{})
}

// CancelScore invalidates one judge's round score. The result arrives as CANCELLED.
func (c *Coordinator) CancelScore(ctx context.Context, roundID int64, judgeID string, confirm Confirm) error {
	if !confirm(ctx, fmt.Sprintf("cancel the round %d score of judge %s", roundID, judgeID)) {
		return errs.ErrNotConfirmed
	}
	return c.dir.Cancel(ctx, roundID, judgeID)
}
