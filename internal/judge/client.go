package judge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"example.com/scorebridge/internal/access"
	"example.com/scorebridge/internal/bus"
	"example.com/scorebridge/internal/clientstate"
	"example.com/scorebridge/internal/directory"
	"example.com/scorebridge/internal/errs"
	"example.com/scorebridge/internal/metrics"
	"example.com/scorebridge/internal/reconcile"
	"example.com/scorebridge/internal/wire"
	"github.com/rs/zerolog"
)

var (
	ErrNotJoined     = fmt.Errorf("judge has not joined: %w", errs.ErrAuth)
	ErrNotReconciled = fmt.Errorf("session not reconciled yet: %w", errs.ErrStaleState)
)

// Directory is the part of the directory a judge device talks to.
type Directory interface {
	reconcile.Directory
	Register(ctx context.Context, req directory.RegisterRequest) (directory.Registration, error)
}

// Confirm asks the person holding the device to approve an irreversible action.
type Confirm func(ctx context.Context, action string) bool

type queued struct {
	matchID int64
	ev      wire.Event
}

// reconnecter is implemented by bus clients that can redial on demand.
type reconnecter interface{ Reconnect() }

type Client struct {
	dir     Directory
	bus     bus.Client
	state   *clientstate.State
	log     zerolog.Logger
	metrics *metrics.Manager

	mu   sync.Mutex
	sess *Session
	// sess was built from local snapshots, not a pull
	placeholder bool
	// published while offline, resent on the next connect
	outbox []queued

	// OnChange, if set, is called after every change of the rounds.
	OnChange func(matchID int64, rounds []RoundState)
}

// New needs hydrated state. A previously joined device starts with a
// placeholder session from its snapshots until the first reconcile.
func New(dir Directory, client bus.Client, state *clientstate.State, log zerolog.Logger, m *metrics.Manager) (*Client, error) {
	if !state.Hydrated() {
		return nil, clientstate.ErrNotHydrated
	}
	c := &Client{dir: dir, bus: client, state: state, log: log, metrics: m}

	id, _, _ := state.Identity.Get()
	snap, okMatch, _ := state.Match.Get()
	scores, okScores, _ := state.Scores.Get()
	if id.Verified && okMatch && snap.Match.ID == id.MatchID {
		var submitted []bool
		if okScores && scores.MatchID == snap.Match.ID {
			submitted = scores.Submitted
		}
		c.sess = NewSession(id.DeviceID, snap.Match, submitted)
		c.placeholder = true
	}

	client.Handle(wire.TopicStatus, c.onStatus)
	client.Handle(wire.TopicNextMatch, c.onNextMatch)
	client.OnConnect(c.onConnect)
	return c, nil
}

func (c *Client) Run(ctx context.Context) error {
	err := c.bus.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Token is the session token presented when the bus dials.
func (c *Client) Token() string {
	id, _, _ := c.state.Identity.Get()
	return id.Token
}

func (c *Client) onConnect(ctx context.Context) {
	id, _, err := c.state.Identity.Get()
	if err != nil || !id.Verified {
		return
	}
	c.flush(ctx)
	if err := c.Reconcile(ctx); err != nil {
		c.log.Warn().Err(err).Str("signal", errs.Signal(err)).Msg("reconcile after connect failed")
	}
}

// flush resends what was published while offline, oldest first. Entries for
// a match no longer being scored are dropped.
func (c *Client) flush(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	pending := c.outbox
	c.outbox = nil
	for n, q := range pending {
		if c.sess == nil || q.matchID != c.sess.MatchID() {
			continue
		}
		if err := c.publish(ctx, q.ev); err != nil {
			c.outbox = append(c.outbox, pending[n:]...)
			c.log.Warn().Err(err).Int("pending", len(c.outbox)).Msg("resend failed, keeping queue")
			return
		}
		c.metrics.BusEvent(string(q.ev.Kind()), "sent")
	}
	if len(pending) > 0 {
		c.log.Info().Int("count", len(pending)).Msg("offline queue flushed")
	}
}

// sendLocked publishes ev, or queues it when the bus is down. Only errors other
// than transport failures reach the caller.
func (c *Client) sendLocked(ctx context.Context, ev wire.Event) error {
	err := c.publish(ctx, ev)
	switch {
	case err == nil:
		c.metrics.BusEvent(string(ev.Kind()), "sent")
		return nil
	case errors.Is(err, errs.ErrTransport):
		c.outbox = append(c.outbox, queued{matchID: c.sess.MatchID(), ev: ev})
		c.metrics.BusEvent(string(ev.Kind()), "queued")
		c.log.Warn().Err(err).Str("kind", string(ev.Kind())).Msg("bus down, queued for resend")
		return nil
	}
	return err
}

// Join verifies the device against the access code and takes a seat on the
// current match. Wrong credentials are errs.ErrAuth; a full match is
// errs.ErrCapacity.
func (c *Client) Join(ctx context.Context, name, password, accessCode string) (directory.Registration, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return directory.Registration{}, fmt.Errorf("%w: name is required", errs.ErrValidation)
	}
	if err := access.ValidatePassword(password); err != nil {
		return directory.Registration{}, err
	}
	if strings.TrimSpace(accessCode) == "" {
		return directory.Registration{}, fmt.Errorf("%w: access code is required", errs.ErrValidation)
	}

	deviceID, err := c.state.DeviceID(ctx)
	if err != nil {
		return directory.Registration{}, err
	}
	cur, err := c.dir.CurrentMatch(ctx)
	if err != nil {
		return directory.Registration{}, fmt.Errorf("current match: %w", err)
	}

	reg, err := c.dir.Register(ctx, directory.RegisterRequest{
		DeviceID:   deviceID,
		Name:       name,
		MatchID:    cur.ID,
		AccessCode: accessCode,
		Password:   password,
	})
	if err != nil {
		return directory.Registration{}, err
	}

	err = c.state.Identity.Set(ctx, clientstate.Identity{
		DeviceID: deviceID,
		Name:     reg.Judge.Name,
		Verified: true,
		Token:    reg.Token,
		MatchID:  reg.Judge.MatchID,
	})
	if err != nil {
		return directory.Registration{}, err
	}
	c.log.Info().Str("device", deviceID).Int64("match_id", reg.Judge.MatchID).Msg("joined")

	// a live connection was dialed without the token
	if r, ok := c.bus.(reconnecter); ok && c.bus.Connected() {
		r.Reconnect()
	}
	if err := c.Reconcile(ctx); err != nil {
		return reg, err
	}
	return reg, nil
}

// Reconcile rebuilds the session from the directory. A local snapshot naming
// another match is discarded, never merged.
func (c *Client) Reconcile(ctx context.Context) error {
	id, _, err := c.state.Identity.Get()
	if err != nil {
		return err
	}
	if !id.Verified {
		return ErrNotJoined
	}

	s, err := reconcile.Pull(ctx, c.dir)
	if errors.Is(err, errs.ErrNotFound) {
		c.mu.Lock()
		c.sess, c.placeholder = nil, false
		c.mu.Unlock()
		c.changed()
		return fmt.Errorf("no event running: %w", err)
	}
	if err != nil {
		return err
	}

	if !reconcile.Seated(s, id.DeviceID) {
		id.Verified, id.Token = false, ""
		if err := c.state.Identity.Set(ctx, id); err != nil {
			return err
		}
		c.mu.Lock()
		c.sess, c.placeholder, c.outbox = nil, false, nil
		c.mu.Unlock()
		c.changed()
		c.log.Warn().Str("device", id.DeviceID).Int64("match_id", s.Match.ID).Msg("device is no longer seated, session dropped")
		return fmt.Errorf("device %s is not seated on match %d: %w", id.DeviceID, s.Match.ID, ErrNotJoined)
	}

	if err := reconcile.CheckCurrent(id.MatchID, s); err != nil {
		c.log.Warn().Err(err).Int64("local", id.MatchID).Int64("current", s.Match.ID).Msg("local match is stale, discarding")
		id.MatchID = s.Match.ID
		if err := c.state.Identity.Set(ctx, id); err != nil {
			return err
		}
	}

	sess := NewSession(id.DeviceID, s.Match, reconcile.SubmittedFor(s, id.DeviceID))
	for _, rs := range s.Grid.Rounds {
		sess.ApplyStatus(rs.Event())
	}

	c.mu.Lock()
	c.sess, c.placeholder = sess, false
	err = c.persistLocked(ctx)
	c.mu.Unlock()
	if err != nil {
		return err
	}
	c.changed()

	c.announce(ctx, id.Name, id.DeviceID, s.Match.ID)
	return nil
}

// announce re-sends JOIN so the coordinator marks this device connected.
func (c *Client) announce(ctx context.Context, name, deviceID string, matchID int64) {
	if !c.bus.Connected() {
		return
	}
	if err := c.publish(ctx, wire.Join{JudgeName: name, DeviceID: deviceID, MatchID: matchID}); err != nil {
		c.log.Warn().Err(err).Msg("announce join failed")
	}
}

func (c *Client) publish(ctx context.Context, ev wire.Event) error {
	data, err := wire.Encode(ev)
	if err != nil {
		return err
	}
	topic, _ := wire.TopicOf(ev.Kind())
	return c.bus.Publish(ctx, topic, data)
}

func (c *Client) ready() error {
	if c.sess == nil {
		return ErrNotJoined
	}
	if c.placeholder {
		return ErrNotReconciled
	}
	return nil
}

// Submit scores round i (zero based). Input problems are rejected before
// anything is sent. While the bus is down the submission stays unconfirmed
// and is resent on the next connect.
func (c *Client) Submit(ctx context.Context, i int, red, blue string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ready(); err != nil {
		return err
	}

	var prev cell
	if i >= 0 && i < len(c.sess.cells) {
		prev = c.sess.cells[i]
	}
	payload, err := c.sess.Submit(i, red, blue)
	if err != nil {
		return err
	}
	if err := c.sendLocked(ctx, payload); err != nil {
		c.sess.cells[i] = prev
		return fmt.Errorf("submit round %d: %w", i+1, err)
	}
	if err := c.persistLocked(ctx); err != nil {
		c.log.Warn().Err(err).Msg("persist score snapshot")
	}
	c.changedLocked()
	return nil
}

// Modify reopens round i and tells everyone.
func (c *Client) Modify(ctx context.Context, i int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ready(); err != nil {
		return err
	}

	var prev cell
	if i >= 0 && i < len(c.sess.cells) {
		prev = c.sess.cells[i]
	}
	payload, err := c.sess.Modify(i)
	if err != nil {
		return err
	}
	if err := c.sendLocked(ctx, payload); err != nil {
		c.sess.cells[i] = prev
		return fmt.Errorf("modify round %d: %w", i+1, err)
	}
	if err := c.persistLocked(ctx); err != nil {
		c.log.Warn().Err(err).Msg("persist score snapshot")
	}
	c.changedLocked()
	return nil
}

// Reset forgets this device's session and snapshots. The device id stays.
func (c *Client) Reset(ctx context.Context, confirm Confirm) error {
	if !confirm(ctx, "forget this device's session and scores") {
		return errs.ErrNotConfirmed
	}
	if err := c.state.Reset(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	c.sess, c.placeholder, c.outbox = nil, false, nil
	c.mu.Unlock()
	c.changed()
	return nil
}

// Rounds returns the current rounds, or nil before a session exists.
func (c *Client) Rounds() (int64, []RoundState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil {
		return 0, nil
	}
	return c.sess.MatchID(), c.sess.Rounds()
}

func (c *Client) sessionSubmitted() []bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil {
		return nil
	}
	return c.sess.Submitted()
}

// Pending counts submissions and modifies waiting for the bus.
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.outbox)
}

// Reconciled reports whether the session comes from a pull.
func (c *Client) Reconciled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess != nil && !c.placeholder
}

func (c *Client) onStatus(ctx context.Context, m bus.Message) {
	ev, ok := c.decode(m)
	if !ok {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil || !c.sess.ApplyStatus(ev) {
		return
	}
	if err := c.persistLocked(ctx); err != nil {
		c.log.Warn().Err(err).Msg("persist score snapshot")
	}
	c.changedLocked()
}

// onNextMatch swaps to the new match in one step. Devices not on the
// carried roster ignore it, and a repeat for the match already being scored
// changes nothing.
func (c *Client) onNextMatch(ctx context.Context, m bus.Message) {
	ev, ok := c.decode(m)
	if !ok {
		return
	}
	nm, ok := ev.(wire.NextMatch)
	if !ok {
		return
	}
	id, _, err := c.state.Identity.Get()
	if err != nil || !id.Verified {
		return
	}
	next, roster := directory.MatchFromWire(nm.Match)
	onRoster := false
	for _, j := range roster {
		if j.DeviceID == id.DeviceID {
			onRoster = true
			break
		}
	}
	if !onRoster {
		c.log.Info().Int64("match_id", next.ID).Msg("next match without this device")
		return
	}

	c.mu.Lock()
	if c.sess != nil && c.sess.MatchID() == next.ID {
		c.mu.Unlock()
		c.log.Debug().Int64("match_id", next.ID).Msg("repeated next match ignored")
		return
	}
	if c.sess == nil {
		c.sess = NewSession(id.DeviceID, next, nil)
	} else {
		c.sess.SwapMatch(next)
	}
	c.placeholder = false
	id.MatchID = next.ID
	if err := c.state.Identity.Set(ctx, id); err != nil {
		c.log.Warn().Err(err).Msg("persist identity")
	}
	if err := c.persistLocked(ctx); err != nil {
		c.log.Warn().Err(err).Msg("persist match snapshot")
	}
	c.changedLocked()
	c.mu.Unlock()

	c.log.Info().Int64("match_id", next.ID).Msg("swapped to next match")
	c.announce(ctx, id.Name, id.DeviceID, next.ID)
}

func (c *Client) decode(m bus.Message) (wire.Event, bool) {
	ev, err := wire.Decode(m.Data)
	switch {
	case errors.Is(err, wire.ErrUnknownKind):
		c.metrics.BusEvent("unknown", "ignored")
		return nil, false
	case err != nil:
		c.metrics.BusEvent("unknown", "malformed")
		c.log.Warn().Err(err).Str("topic", m.Topic).Msg("malformed payload dropped")
		return nil, false
	}
	c.metrics.BusEvent(string(ev.Kind()), "received")
	return ev, true
}

func (c *Client) persistLocked(ctx context.Context) error {
	if c.sess == nil {
		return nil
	}
	snap := clientstate.ScoreSnapshot{MatchID: c.sess.MatchID(), Submitted: c.sess.Submitted()}
	for _, cl := range c.sess.cells {
		snap.Red = append(snap.Red, cl.red)
		snap.Blue = append(snap.Blue, cl.blue)
	}
	if err := c.state.Match.Set(ctx, clientstate.MatchSnapshot{Match: c.sess.Match()}); err != nil {
		return err
	}
	return c.state.Scores.Set(ctx, snap)
}

func (c *Client) changed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.changedLocked()
}

func (c *Client) changedLocked() {
	if c.OnChange == nil {
		return
	}
	if c.sess == nil {
		c.OnChange(0, nil)
		return
	}
	c.OnChange(c.sess.MatchID(), c.sess.Rounds())
}
