package coordinator

import (
	"example.com/scorebridge/internal/directory"
	"example.com/scorebridge/internal/reconcile"
	"example.com/scorebridge/internal/wire"
)

type Status string

const (
	StatusWaiting  Status = "WAITING"
	StatusComplete Status = "COMPLETE"
)

type Cell struct {
	Red       int  `json:"red"`
	Blue      int  `json:"blue"`
	Submitted bool `json:"submitted"`
}

type JudgeView struct {
	DeviceID  string `json:"deviceId"`
	Name      string `json:"name"`
	Connected bool   `json:"connected"`
}

type RoundView struct {
	RoundID   int64  `json:"roundId"`
	Number    int    `json:"number"`
	Status    Status `json:"status"`
	TotalRed  int    `json:"totalRed"`
	TotalBlue int    `json:"totalBlue"`
	Cells     []Cell `json:"cells"` // parallel to View.Judges
}

type View struct {
	MatchID         int64       `json:"matchId"`
	Red             string      `json:"red"`
	Blue            string      `json:"blue"`
	Judges          []JudgeView `json:"judges"`
	Rounds          []RoundView `json:"rounds"`
	AdvanceUnlocked bool        `json:"advanceUnlocked"`
}

// Projection is the coordinator's round-aggregate view of the active match.
// It is a pure fold: Apply never blocks and never errors, and replaying any
// event yields the same state.
type Projection struct {
	match directory.Match

	roundIdx map[int64]int
	judges   []JudgeView
	ids      map[string]int // device id (and swapped-device aliases) -> judge row

	cells    [][]Cell // [round][judge]
	signaled []bool   // server declared the round complete
}

func NewProjection() *Projection {
	p := &Projection{}
	p.Reset(wire.Match{})
	return p
}

// Reset discards everything and starts over on m.
func (p *Projection) Reset(m wire.Match) {
	match, _ := directory.MatchFromWire(m)
	p.match = match
	p.roundIdx = make(map[int64]int, len(match.Rounds))
	for i, r := range match.Rounds {
		p.roundIdx[r.ID] = i
	}
	p.judges = nil
	p.ids = make(map[string]int)
	p.cells = make([][]Cell, len(match.Rounds))
	p.signaled = make([]bool, len(match.Rounds))

	for _, j := range m.Judges {
		p.addJudge(j.DeviceID, j.Name)
	}
}

func (p *Projection) MatchID() int64 { return p.match.ID }

// Prime rebuilds the projection from a directory pull by replaying the grid
// through the same fold live events use. Connected roster judges go through
// the same row takeover a live JOINED does.
func (p *Projection) Prime(s reconcile.State, roster []directory.Judge) {
	p.Reset(s.Match.Wire(nil))
	scored := make(map[string]bool)
	for _, rs := range s.Grid.Rounds {
		for _, js := range rs.Judges {
			if js.Submitted {
				scored[js.JudgeID] = true
			}
		}
	}
	for _, j := range roster {
		if !j.Connected {
			p.addJudge(j.DeviceID, j.Name)
			continue
		}
		p.connect(j.DeviceID, j.Name, func(i int) bool { return !scored[p.judges[i].DeviceID] })
	}
	for _, rs := range s.Grid.Rounds {
		p.Apply(rs.Event())
	}
}

// Apply folds one event and reports whether it touched known state.
// Events naming an unknown round or judge are dropped.
func (p *Projection) Apply(ev wire.Event) bool {
	switch e := ev.(type) {
	case wire.Joined:
		return p.joined(e)
	case wire.Modified:
		r, ok := p.roundIdx[e.RoundID]
		if !ok {
			return false
		}
		j, ok := p.ids[e.JudgeID]
		if !ok {
			return false
		}
		p.cells[r][j] = Cell{}
		p.signaled[r] = false
		return true
	case wire.Cancelled:
		return p.replace(e.RoundID, e.Submitted, false)
	case wire.Waiting:
		return p.replace(e.RoundID, e.Submitted, false)
	case wire.Complete:
		return p.replace(e.RoundID, e.Submitted, true)
	case wire.NextMatch:
		if e.Match.ID == p.match.ID {
			return false
		}
		p.Reset(e.Match)
		return true
	}
	return false
}

func (p *Projection) joined(e wire.Joined) bool {
	if p.match.ID == 0 || (e.MatchID != 0 && e.MatchID != p.match.ID) {
		return false
	}
	p.connect(e.DeviceID, e.JudgeName, p.unscored)
	return true
}

// connect marks deviceID connected. A device the fold has not seen takes
// over the row of a same-named judge whose device is offline and never
// scored; any other device gets a row of its own.
func (p *Projection) connect(deviceID, name string, unscored func(row int) bool) {
	i, ok := p.ids[deviceID]
	if ok && p.judges[i].DeviceID != deviceID {
		// its row was taken over, so the old device comes back on a new one
		delete(p.ids, deviceID)
		ok = false
	}
	if !ok {
		i, ok = p.vacant(name, unscored)
		if ok {
			p.ids[deviceID] = i
			p.judges[i].DeviceID = deviceID
		}
	}
	if !ok {
		i = p.addJudge(deviceID, name)
	}
	p.judges[i].Connected = true
	p.judges[i].Name = name
}

func (p *Projection) vacant(name string, unscored func(row int) bool) (int, bool) {
	key := wire.NormalizeName(name)
	for i, j := range p.judges {
		if !j.Connected && wire.NormalizeName(j.Name) == key && unscored(i) {
			return i, true
		}
	}
	return 0, false
}

func (p *Projection) unscored(row int) bool {
	for r := range p.cells {
		if p.cells[r][row].Submitted {
			return false
		}
	}
	return true
}

func (p *Projection) addJudge(deviceID, name string) int {
	i := len(p.judges)
	p.judges = append(p.judges, JudgeView{DeviceID: deviceID, Name: name})
	p.ids[deviceID] = i
	for r := range p.cells {
		p.cells[r] = append(p.cells[r], Cell{})
	}
	return i
}

// replace treats rows as the authoritative state of the round for every
// judge this projection knows. Rows for unknown judges are dropped.
func (p *Projection) replace(roundID int64, rows []wire.JudgeScore, complete bool) bool {
	r, ok := p.roundIdx[roundID]
	if !ok {
		return false
	}

	next := make([]Cell, len(p.judges))
	for _, row := range rows {
		j, ok := p.ids[row.JudgeID]
		if !ok {
			continue
		}
		if next[j].Submitted && !row.Submitted {
			continue
		}
		next[j] = Cell{Red: row.Red, Blue: row.Blue, Submitted: row.Submitted}
	}
	p.cells[r] = next
	p.signaled[r] = complete
	return true
}

// Status is Complete only when the server said so and every judge known
// right now has submitted. A judge joining later reopens the round.
func (p *Projection) Status(roundID int64) (Status, bool) {
	r, ok := p.roundIdx[roundID]
	if !ok {
		return "", false
	}
	return p.status(r), true
}

func (p *Projection) status(r int) Status {
	if !p.signaled[r] || len(p.judges) == 0 {
		return StatusWaiting
	}
	for _, c := range p.cells[r] {
		if !c.Submitted {
			return StatusWaiting
		}
	}
	return StatusComplete
}

func (p *Projection) AdvanceUnlocked() bool {
	if len(p.match.Rounds) == 0 {
		return false
	}
	for r := range p.match.Rounds {
		if p.status(r) != StatusComplete {
			return false
		}
	}
	return true
}

// Submitted returns one judge's per-round array, in round order.
func (p *Projection) Submitted(deviceID string) ([]bool, bool) {
	j, ok := p.ids[deviceID]
	if !ok {
		return nil, false
	}
	out := make([]bool, len(p.match.Rounds))
	for r := range p.match.Rounds {
		out[r] = p.cells[r][j].Submitted
	}
	return out, true
}

// Totals sums the submitted cells of one round.
func (p *Projection) Totals(roundID int64) (red, blue int, ok bool) {
	r, ok := p.roundIdx[roundID]
	if !ok {
		return 0, 0, false
	}
	red, blue = p.totals(r)
	return red, blue, true
}

func (p *Projection) totals(r int) (red, blue int) {
	for _, c := range p.cells[r] {
		if c.Submitted {
			red += c.Red
			blue += c.Blue
		}
	}
	return red, blue
}

func (p *Projection) View() View {
	v := View{
		MatchID:         p.match.ID,
		Red:             p.match.Red,
		Blue:            p.match.Blue,
		Judges:          append([]JudgeView(nil), p.judges...),
		Rounds:          make([]RoundView, 0, len(p.match.Rounds)),
		AdvanceUnlocked: p.AdvanceUnlocked(),
	}
	for r, round := range p.match.Rounds {
		rv := RoundView{
			RoundID: round.ID,
			Number:  round.Number,
			Status:  p.status(r),
			Cells:   append([]Cell(nil), p.cells[r]...),
		}
		rv.TotalRed, rv.TotalBlue = p.totals(r)
		v.Rounds = append(v.Rounds, rv)
	}
	return v
}
