// Package judge is the scoring device: a pure per-match Session enforcing
// sequential submission, and a Client that drives it over the bus.
package judge

import (
	"fmt"
	"strconv"
	"strings"

	"example.com/scorebridge/internal/directory"
	"example.com/scorebridge/internal/errs"
	"example.com/scorebridge/internal/reconcile"
	"example.com/scorebridge/internal/wire"
)

// RoundState is one row of the session as shown to the judge.
type RoundState struct {
	RoundID   int64          `json:"roundId"`
	Number    int            `json:"number"`
	Gate      reconcile.Gate `json:"gate"`
	Red       int            `json:"red"`
	Blue      int            `json:"blue"`
	Confirmed bool           `json:"confirmed"`
}

type cell struct {
	red, blue int
	submitted bool
	// the server's snapshot agrees with submitted
	confirmed bool
	// MODIFY sent, MODIFIED not seen yet
	modifying bool
}

// Session is one device judging one match. It never touches the network.
type Session struct {
	deviceID string
	match    directory.Match
	cells    []cell
}

// NewSession starts on m with the given per-round submitted array, which
// may be nil for a fresh session.
func NewSession(deviceID string, m directory.Match, submitted []bool) *Session {
	s := &Session{deviceID: deviceID}
	s.reset(m)
	for i := range s.cells {
		if i < len(submitted) && submitted[i] {
			s.cells[i].submitted = true
			s.cells[i].confirmed = true
		}
	}
	return s
}

func (s *Session) reset(m directory.Match) {
	s.match = m
	s.cells = make([]cell, len(m.Rounds))
}

func (s *Session) DeviceID() string       { return s.deviceID }
func (s *Session) Match() directory.Match { return s.match }
func (s *Session) MatchID() int64         { return s.match.ID }

func (s *Session) Submitted() []bool {
	out := make([]bool, len(s.cells))
	for i, c := range s.cells {
		out[i] = c.submitted
	}
	return out
}

func (s *Session) States() []reconcile.Gate {
	return reconcile.Gates(s.Submitted())
}

func (s *Session) Rounds() []RoundState {
	gates := s.States()
	out := make([]RoundState, len(s.cells))
	for i, c := range s.cells {
		out[i] = RoundState{
			RoundID:   s.match.Rounds[i].ID,
			Number:    s.match.Rounds[i].Number,
			Gate:      gates[i],
			Red:       c.red,
			Blue:      c.blue,
			Confirmed: c.confirmed,
		}
	}
	return out
}

func (s *Session) index(i int) error {
	if i < 0 || i >= len(s.cells) {
		return fmt.Errorf("%w: round index %d out of range (match has %d rounds)", errs.ErrValidation, i, len(s.cells))
	}
	return nil
}

func (s *Session) roundIndex(roundID int64) (int, bool) {
	for i, r := range s.match.Rounds {
		if r.ID == roundID {
			return i, true
		}
	}
	return 0, false
}

// ParseScore accepts a trimmed decimal integer in the allowed range.
func ParseScore(side, raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, fmt.Errorf("%w: %s score is required", errs.ErrValidation, side)
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %s score %q is not a number", errs.ErrValidation, side, raw)
	}
	if err := wire.ValidateScore(v); err != nil {
		return 0, fmt.Errorf("%w: %s score: %v", errs.ErrValidation, side, err)
	}
	return v, nil
}

// Submit validates the raw inputs, flips round i to Submitted and returns the
// payload to publish. Resending an unconfirmed submission is allowed; a
// confirmed one has to be modified first.
func (s *Session) Submit(i int, red, blue string) (wire.Submit, error) {
	if err := s.index(i); err != nil {
		return wire.Submit{}, err
	}
	r, err := ParseScore("red", red)
	if err != nil {
		return wire.Submit{}, err
	}
	b, err := ParseScore("blue", blue)
	if err != nil {
		return wire.Submit{}, err
	}

	c := &s.cells[i]
	switch s.States()[i] {
	case reconcile.Locked:
		return wire.Submit{}, fmt.Errorf("%w: round %d is locked until round %d is submitted", errs.ErrConflict, i+1, i)
	case reconcile.Submitted:
		if c.confirmed {
			return wire.Submit{}, fmt.Errorf("%w: round %d already submitted, modify it first", errs.ErrConflict, i+1)
		}
	}

	c.red, c.blue, c.submitted, c.confirmed = r, b, true, false
	return wire.Submit{RoundID: s.match.Rounds[i].ID, RedScore: r, BlueScore: b, JudgeID: s.deviceID}, nil
}

// Modify reopens a submitted round and returns the payload to publish.
func (s *Session) Modify(i int) (wire.Modify, error) {
	if err := s.index(i); err != nil {
		return wire.Modify{}, err
	}
	c := &s.cells[i]
	if !c.submitted {
		return wire.Modify{}, fmt.Errorf("%w: round %d is not submitted", errs.ErrConflict, i+1)
	}
	*c = cell{modifying: true}
	return wire.Modify{RoundID: s.match.Rounds[i].ID, JudgeID: s.deviceID}, nil
}

// ApplyStatus folds a status broadcast into this judge's rows and reports
// whether anything changed. Events about other judges or other matches are
// ignored.
func (s *Session) ApplyStatus(ev wire.Event) bool {
	switch e := ev.(type) {
	case wire.Waiting:
		return s.snapshot(e.RoundID, e.Submitted, false)
	case wire.Complete:
		return s.snapshot(e.RoundID, e.Submitted, false)
	case wire.Cancelled:
		return s.snapshot(e.RoundID, e.Submitted, e.JudgeID == s.deviceID)
	case wire.Modified:
		if e.JudgeID != s.deviceID {
			return false
		}
		i, ok := s.roundIndex(e.RoundID)
		if !ok {
			return false
		}
		c := &s.cells[i]
		if !c.submitted {
			c.modifying = false
			return false
		}
		*c = cell{}
		return true
	}
	return false
}

// snapshot takes the server's row for this judge. A submission or a modify
// still in flight is kept over an older row, unless the row is a
// cancellation aimed at us.
func (s *Session) snapshot(roundID int64, rows []wire.JudgeScore, cancelled bool) bool {
	i, ok := s.roundIndex(roundID)
	if !ok {
		return false
	}
	for _, row := range rows {
		if row.JudgeID != s.deviceID {
			continue
		}
		c := &s.cells[i]
		before := *c
		switch {
		case row.Submitted && c.modifying && !cancelled:
			// snapshot predates our MODIFY
		case row.Submitted:
			*c = cell{red: row.Red, blue: row.Blue, submitted: true, confirmed: true}
		case cancelled || c.confirmed:
			*c = cell{}
		}
		return *c != before
	}
	return false
}

// SwapMatch discards every round of the old match and starts fresh on next.
func (s *Session) SwapMatch(next directory.Match) {
	s.reset(next)
}
