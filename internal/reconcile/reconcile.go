// Package reconcile rebuilds participant state from directory pulls alone.
// There is no history to replay: the current-match pointer, the round list
// and the scores grid are the whole truth.
package reconcile

import (
	"context"
	"fmt"

	"example.com/scorebridge/internal/directory"
	"example.com/scorebridge/internal/errs"
)

// Directory is the pull surface. Both the in-process directory.Service and
// the HTTP dirclient.Client satisfy it.
type Directory interface {
	CurrentMatch(ctx context.Context) (directory.Match, error)
	Rounds(ctx context.Context, matchID int64) ([]directory.Round, error)
	ScoresByMatch(ctx context.Context, matchID int64) (directory.Grid, error)
}

type State struct {
	Match directory.Match
	Grid  directory.Grid
}

// Pull runs the three pulls in order. A failure at any step returns it
// unchanged; no partial State escapes.
func Pull(ctx context.Context, d Directory) (State, error) {
	m, err := d.CurrentMatch(ctx)
	if err != nil {
		return State{}, fmt.Errorf("pull current match: %w", err)
	}

	rounds, err := d.Rounds(ctx, m.ID)
	if err != nil {
		return State{}, fmt.Errorf("pull rounds of %d: %w", m.ID, err)
	}
	m.Rounds = rounds

	g, err := d.ScoresByMatch(ctx, m.ID)
	if err != nil {
		return State{}, fmt.Errorf("pull scores of %d: %w", m.ID, err)
	}
	return State{Match: m, Grid: g}, nil
}

// CheckCurrent reports errs.ErrStaleState when a local snapshot names a
// different match than the fresh pull. localMatchID 0 means no snapshot.
func CheckCurrent(localMatchID int64, s State) error {
	if localMatchID != 0 && localMatchID != s.Match.ID {
		return fmt.Errorf("local match %d, directory says %d: %w", localMatchID, s.Match.ID, errs.ErrStaleState)
	}
	return nil
}

// SubmittedFor reconstructs one judge's per-round submitted array, in the
// order of the match's rounds.
func SubmittedFor(s State, judgeID string) []bool {
	out := make([]bool, len(s.Match.Rounds))
	for i, r := range s.Match.Rounds {
		rs, ok := s.Grid.Round(r.ID)
		if !ok {
			continue
		}
		for _, js := range rs.Judges {
			if js.JudgeID == judgeID {
				out[i] = js.Submitted
				break
			}
		}
	}
	return out
}

// Seated reports whether the directory still lists judgeID on the pulled
// match. Every seated judge has a row in every round of the grid.
func Seated(s State, judgeID string) bool {
	for _, rs := range s.Grid.Rounds {
		for _, js := range rs.Judges {
			if js.JudgeID == judgeID {
				return true
			}
		}
	}
	return false
}
