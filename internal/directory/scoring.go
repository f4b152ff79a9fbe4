package directory

import (
	"example.com/scorebridge/internal/wire"
)

type scoreKey struct {
	roundID int64
	judgeID string
}

// BuildGrid derives the per-round view of a match from the roster and the
// persisted scores. A round is complete iff the roster is non-empty and every
// judge on it has a submitted score. Scores of judges no longer on the roster
// are ignored.
func BuildGrid(m Match, judges []Judge, scores []Score) Grid {
	byKey := make(map[scoreKey]Score, len(scores))
	for _, s := range scores {
		byKey[scoreKey{s.RoundID, s.JudgeID}] = s
	}

	g := Grid{MatchID: m.ID, Rounds: make([]RoundScores, 0, len(m.Rounds))}
	for _, r := range m.Rounds {
		rs := RoundScores{
			RoundID:     r.ID,
			RoundNumber: r.Number,
			Complete:    len(judges) > 0,
			Judges:      make([]wire.JudgeScore, 0, len(judges)),
		}
		for _, j := range judges {
			row := wire.JudgeScore{JudgeID: j.DeviceID, JudgeName: j.Name}
			if s, ok := byKey[scoreKey{r.ID, j.DeviceID}]; ok {
				row.Red, row.Blue, row.Submitted = s.Red, s.Blue, s.Submitted
			}
			if row.Submitted {
				rs.TotalRed += row.Red
				rs.TotalBlue += row.Blue
			} else {
				rs.Complete = false
			}
			rs.Judges = append(rs.Judges, row)
		}
		g.Rounds = append(g.Rounds, rs)
	}
	return g
}

func (g Grid) Round(roundID int64) (RoundScores, bool) {
	for _, r := range g.Rounds {
		if r.RoundID == roundID {
			return r, true
		}
	}
	return RoundScores{}, false
}

// Event is the status broadcast describing the round after a submission.
func (rs RoundScores) Event() wire.Event {
	if rs.Complete {
		return wire.Complete{
			RoundID:     rs.RoundID,
			RoundNumber: rs.RoundNumber,
			TotalRed:    rs.TotalRed,
			TotalBlue:   rs.TotalBlue,
			Submitted:   rs.Judges,
		}
	}
	return wire.Waiting{RoundID: rs.RoundID, Submitted: rs.Judges}
}
