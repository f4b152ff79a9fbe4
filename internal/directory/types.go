package directory

import (
	"time"

	"example.com/scorebridge/internal/wire"
)

// Match is immutable once imported; only Progress.CurrentMatchID moves.
type Match struct {
	ID       int64   `json:"id" yaml:"-"`
	Sequence int     `json:"sequence" yaml:"sequence"`
	Division string  `json:"division" yaml:"division"`
	Red      string  `json:"red" yaml:"red"`
	Blue     string  `json:"blue" yaml:"blue"`
	Rounds   []Round `json:"rounds" yaml:"rounds"`
}

type Round struct {
	ID      int64 `json:"id" yaml:"-"`
	MatchID int64 `json:"matchId" yaml:"-"`
	Number  int   `json:"number" yaml:"number"`
}

// Judge is keyed by the device id; the name is display only.
type Judge struct {
	DeviceID  string    `json:"deviceId"`
	Name      string    `json:"name"`
	MatchID   int64     `json:"matchId"`
	Connected bool      `json:"connected"`
	JoinedAt  time.Time `json:"joinedAt"`
}

// Score is upserted by (RoundID, JudgeID) and only ever soft-invalidated.
type Score struct {
	RoundID   int64     `json:"roundId"`
	JudgeID   string    `json:"judgeId"`
	Red       int       `json:"red"`
	Blue      int       `json:"blue"`
	Submitted bool      `json:"submitted"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type Progress struct {
	CurrentMatchID int64 `json:"currentMatchId"`
	JudgeCount     int   `json:"judgeCount"`
	Locked         bool  `json:"locked"`
}

// RoundScores is one row of the scores-by-match grid.
type RoundScores struct {
	RoundID     int64             `json:"roundId"`
	RoundNumber int               `json:"roundNumber"`
	Complete    bool              `json:"complete"`
	TotalRed    int               `json:"totalRed"`
	TotalBlue   int               `json:"totalBlue"`
	Judges      []wire.JudgeScore `json:"judges"`
}

type Grid struct {
	MatchID int64         `json:"matchId"`
	Rounds  []RoundScores `json:"rounds"`
}

type RegisterRequest struct {
	DeviceID   string `json:"deviceId"`
	Name       string `json:"name"`
	MatchID    int64  `json:"matchId"`
	AccessCode string `json:"accessCode"`
	Password   string `json:"password"`
}

type Registration struct {
	Judge Judge  `json:"judge"`
	Token string `json:"token"`
}

func (m Match) Wire(judges []Judge) wire.Match {
	out := wire.Match{
		ID:       m.ID,
		Sequence: m.Sequence,
		Division: m.Division,
		Red:      m.Red,
		Blue:     m.Blue,
		Rounds:   make([]wire.Round, 0, len(m.Rounds)),
		Judges:   make([]wire.Judge, 0, len(judges)),
	}
	for _, r := range m.Rounds {
		out.Rounds = append(out.Rounds, wire.Round{ID: r.ID, Number: r.Number})
	}
	for _, j := range judges {
		out.Judges = append(out.Judges, wire.Judge{DeviceID: j.DeviceID, Name: j.Name})
	}
	return out
}

// MatchFromWire is the inverse of Match.Wire for participants that only saw the bus payload.
func MatchFromWire(w wire.Match) (Match, []Judge) {
	m := Match{
		ID:       w.ID,
		Sequence: w.Sequence,
		Division: w.Division,
		Red:      w.Red,
		Blue:     w.Blue,
		Rounds:   make([]Round, 0, len(w.Rounds)),
	}
	for _, r := range w.Rounds {
		m.Rounds = append(m.Rounds, Round{ID: r.ID, MatchID: w.ID, Number: r.Number})
	}
	judges := make([]Judge, 0, len(w.Judges))
	for _, j := range w.Judges {
		judges = append(judges, Judge{DeviceID: j.DeviceID, Name: j.Name, MatchID: w.ID})
	}
	return m, judges
}
