package coordinator

import (
	"testing"

	"example.com/scorebridge/internal/directory"
	"example.com/scorebridge/internal/reconcile"
	"example.com/scorebridge/internal/wire"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testMatch() wire.Match {
	return wire.Match{
		ID: 1, Red: "Red", Blue: "Blue",
		Rounds: []wire.Round{{ID: 11, Number: 1}, {ID: 12, Number: 2}, {ID: 13, Number: 3}},
	}
}

func row(id string, red, blue int, submitted bool) wire.JudgeScore {
	return wire.JudgeScore{JudgeID: id, Red: red, Blue: blue, Submitted: submitted}
}

func joinAll(p *Projection, ids ...string) {
	for _, id := range ids {
		p.Apply(wire.Joined{JudgeName: "Judge " + id, DeviceID: id, MatchID: 1})
	}
}

func TestProjection_Scenario(t *testing.T) {
	p := NewProjection()
	p.Reset(testMatch())
	joinAll(p, "j1", "j2", "j3")

	require.True(t, p.Apply(wire.Waiting{RoundID: 11, Submitted: []wire.JudgeScore{
		row("j1", 10, 9, true), row("j2", 10, 9, true), row("j3", 0, 0, false),
	}}))
	st, _ := p.Status(11)
	assert.Equal(t, StatusWaiting, st)

	require.True(t, p.Apply(wire.Complete{RoundID: 11, RoundNumber: 1, TotalRed: 29, TotalBlue: 28, Submitted: []wire.JudgeScore{
		row("j1", 10, 9, true), row("j2", 10, 9, true), row("j3", 9, 10, true),
	}}))
	st, _ = p.Status(11)
	assert.Equal(t, StatusComplete, st)
	v := p.View()
	assert.Equal(t, 29, v.Rounds[0].TotalRed)
	assert.Equal(t, 28, v.Rounds[0].TotalBlue)
	red, blue, ok := p.Totals(11)
	require.True(t, ok)
	assert.Equal(t, [2]int{29, 28}, [2]int{red, blue})
	_, _, ok = p.Totals(999)
	assert.False(t, ok)

	require.True(t, p.Apply(wire.Modified{RoundID: 11, JudgeID: "j2"}))
	st, _ = p.Status(11)
	assert.Equal(t, StatusWaiting, st)
	for id, want := range map[string]bool{"j1": true, "j2": false, "j3": true} {
		sub, ok := p.Submitted(id)
		require.True(t, ok)
		assert.Equal(t, want, sub[0], id)
	}
}

func TestProjection_Idempotent(t *testing.T) {
	events := []wire.Event{
		wire.Joined{JudgeName: "A", DeviceID: "a", MatchID: 1},
		wire.Joined{JudgeName: "B", DeviceID: "b"},
		wire.Complete{RoundID: 11, Submitted: []wire.JudgeScore{row("a", 10, 9, true), row("b", 9, 10, true)}},
		wire.Modified{RoundID: 11, JudgeID: "a"},
		wire.Waiting{RoundID: 12, Submitted: []wire.JudgeScore{row("b", 10, 10, true)}},
		wire.Cancelled{RoundID: 12, JudgeID: "b", Submitted: []wire.JudgeScore{row("b", 10, 10, false)}},
		wire.NextMatch{Match: testMatch()},
	}

	for n, ev := range events {
		once := NewProjection()
		once.Reset(testMatch())
		twice := NewProjection()
		twice.Reset(testMatch())
		for _, prior := range events[:n] {
			once.Apply(prior)
			twice.Apply(prior)
		}
		once.Apply(ev)
		twice.Apply(ev)
		twice.Apply(ev)
		if diff := cmp.Diff(once.View(), twice.View()); diff != "" {
			t.Errorf("%s applied twice differs (-once +twice):\n%s", ev.Kind(), diff)
		}
	}
}

func TestProjection_JoinAfterCompleteReopensRound(t *testing.T) {
	p := NewProjection()
	p.Reset(testMatch())
	joinAll(p, "j1", "j2")
	p.Apply(wire.Complete{RoundID: 11, Submitted: []wire.JudgeScore{row("j1", 10, 9, true), row("j2", 10, 9, true)}})
	st, _ := p.Status(11)
	require.Equal(t, StatusComplete, st)

	p.Apply(wire.Joined{JudgeName: "Late", DeviceID: "j3", MatchID: 1})
	st, _ = p.Status(11)
	assert.Equal(t, StatusWaiting, st)

	p.Apply(wire.Complete{RoundID: 11, Submitted: []wire.JudgeScore{
		row("j1", 10, 9, true), row("j2", 10, 9, true), row("j3", 10, 9, true),
	}})
	st, _ = p.Status(11)
	assert.Equal(t, StatusComplete, st)
}

func TestProjection_CompletionIsNeverLocallyDerived(t *testing.T) {
	p := NewProjection()
	p.Reset(testMatch())
	joinAll(p, "j1")
	p.Apply(wire.Waiting{RoundID: 11, Submitted: []wire.JudgeScore{row("j1", 10, 9, true)}})

	st, _ := p.Status(11)
	assert.Equal(t, StatusWaiting, st, "all known judges submitted, but the server has not said COMPLETE")
}

func TestProjection_DropsUnknown(t *testing.T) {
	p := NewProjection()
	p.Reset(testMatch())
	joinAll(p, "j1")
	before := p.View()

	assert.False(t, p.Apply(wire.Modified{RoundID: 99, JudgeID: "j1"}))
	assert.False(t, p.Apply(wire.Modified{RoundID: 11, JudgeID: "stranger"}))
	assert.False(t, p.Apply(wire.Complete{RoundID: 99}))
	assert.False(t, p.Apply(wire.Joined{JudgeName: "Other", DeviceID: "x", MatchID: 2}))
	assert.False(t, p.Apply(wire.Submit{RoundID: 11, JudgeID: "j1"}))
	assert.Empty(t, cmp.Diff(before, p.View()))

	// unknown snapshot rows are dropped, known ones still land
	require.True(t, p.Apply(wire.Waiting{RoundID: 11, Submitted: []wire.JudgeScore{row("stranger", 1, 1, true), row("j1", 10, 9, true)}}))
	sub, _ := p.Submitted("j1")
	assert.True(t, sub[0])
	assert.Len(t, p.View().Judges, 1)
}

func TestProjection_SwappedDeviceTakesOverIdleRow(t *testing.T) {
	p := NewProjection()
	m := testMatch()
	m.Judges = []wire.Judge{{DeviceID: "dev-1", Name: "Kim Lee"}}
	p.Reset(m)
	p.Apply(wire.Joined{JudgeName: "  kim   LEE ", DeviceID: "dev-2", MatchID: 1})

	v := p.View()
	require.Len(t, v.Judges, 1)
	assert.Equal(t, "dev-2", v.Judges[0].DeviceID)
	assert.True(t, v.Judges[0].Connected)

	// both ids address the same row
	p.Apply(wire.Waiting{RoundID: 11, Submitted: []wire.JudgeScore{row("dev-1", 0, 0, false), row("dev-2", 10, 9, true)}})
	sub, ok := p.Submitted("dev-1")
	require.True(t, ok)
	assert.True(t, sub[0])
}

func TestProjection_SameNameOnTwoLiveDevicesKeepsTwoRows(t *testing.T) {
	p := NewProjection()
	p.Reset(testMatch())
	p.Apply(wire.Joined{JudgeName: "Kim", DeviceID: "dev-a", MatchID: 1})
	p.Apply(wire.Joined{JudgeName: "kim ", DeviceID: "dev-b", MatchID: 1})
	p.Apply(wire.Complete{RoundID: 11, RoundNumber: 1, TotalRed: 19, TotalBlue: 19, Submitted: []wire.JudgeScore{
		row("dev-a", 10, 9, true), row("dev-b", 9, 10, true),
	}})

	v := p.View()
	require.Len(t, v.Judges, 2)
	red, blue, _ := p.Totals(11)
	assert.Equal(t, [2]int{19, 19}, [2]int{red, blue})
	st, _ := p.Status(11)
	assert.Equal(t, StatusComplete, st)
}

func TestProjection_ScoredRowIsNeverTakenOver(t *testing.T) {
	p := NewProjection()
	m := testMatch()
	m.Judges = []wire.Judge{{DeviceID: "dev-a", Name: "Kim"}}
	p.Reset(m)
	p.Apply(wire.Waiting{RoundID: 11, Submitted: []wire.JudgeScore{row("dev-a", 10, 9, true)}})
	p.Apply(wire.Joined{JudgeName: "Kim", DeviceID: "dev-b", MatchID: 1})

	require.Len(t, p.View().Judges, 2)
	sub, _ := p.Submitted("dev-a")
	assert.True(t, sub[0])
	sub, _ = p.Submitted("dev-b")
	assert.False(t, sub[0])
}

func TestProjection_PrimeTakesOverLikeLiveFold(t *testing.T) {
	m := directory.Match{ID: 1, Red: "Red", Blue: "Blue", Rounds: []directory.Round{
		{ID: 11, MatchID: 1, Number: 1}, {ID: 12, MatchID: 1, Number: 2}, {ID: 13, MatchID: 1, Number: 3},
	}}

	cases := []struct {
		name   string
		roster []directory.Judge
		live   func(p *Projection)
	}{
		{
			name: "two live devices",
			roster: []directory.Judge{
				{DeviceID: "dev-a", Name: "Kim", MatchID: 1, Connected: true},
				{DeviceID: "dev-b", Name: "Kim", MatchID: 1, Connected: true},
			},
			live: func(p *Projection) {
				p.Reset(testMatch())
				p.Apply(wire.Joined{JudgeName: "Kim", DeviceID: "dev-a", MatchID: 1})
				p.Apply(wire.Joined{JudgeName: "Kim", DeviceID: "dev-b", MatchID: 1})
			},
		},
		{
			name: "idle device swapped",
			roster: []directory.Judge{
				{DeviceID: "dev-a", Name: "Kim", MatchID: 1},
				{DeviceID: "dev-b", Name: "Kim", MatchID: 1, Connected: true},
			},
			live: func(p *Projection) {
				next := testMatch()
				next.Judges = []wire.Judge{{DeviceID: "dev-a", Name: "Kim"}}
				p.Reset(next)
				p.Apply(wire.Joined{JudgeName: "Kim", DeviceID: "dev-b", MatchID: 1})
			},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			scores := []directory.Score{
				{RoundID: 11, JudgeID: "dev-b", Red: 9, Blue: 10, Submitted: true},
			}
			grid := directory.BuildGrid(m, tc.roster, scores)

			live := NewProjection()
			tc.live(live)
			for _, rs := range grid.Rounds {
				live.Apply(rs.Event())
			}

			primed := NewProjection()
			primed.Prime(reconcile.State{Match: m, Grid: grid}, tc.roster)

			if diff := cmp.Diff(live.View(), primed.View()); diff != "" {
				t.Fatalf("primed projection differs from live fold (-live +primed):\n%s", diff)
			}
		})
	}
}

func TestProjection_RepeatedNextMatchKeepsState(t *testing.T) {
	p := NewProjection()
	next := wire.NextMatch{Match: wire.Match{ID: 2, Rounds: []wire.Round{{ID: 21, Number: 1}},
		Judges: []wire.Judge{{DeviceID: "j1", Name: "Judge j1"}}}}
	p.Apply(next)
	p.Apply(wire.Joined{JudgeName: "Judge j1", DeviceID: "j1", MatchID: 2})
	p.Apply(wire.Complete{RoundID: 21, RoundNumber: 1, TotalRed: 10, TotalBlue: 9, Submitted: []wire.JudgeScore{row("j1", 10, 9, true)}})
	before := p.View()
	require.True(t, before.AdvanceUnlocked)

	assert.False(t, p.Apply(next))
	if diff := cmp.Diff(before, p.View()); diff != "" {
		t.Fatalf("repeated NEXT_MATCH changed the view (-before +after):\n%s", diff)
	}
}

func TestProjection_NextMatchSwapsAndResets(t *testing.T) {
	p := NewProjection()
	p.Reset(testMatch())
	joinAll(p, "j1")
	p.Apply(wire.Complete{RoundID: 11, Submitted: []wire.JudgeScore{row("j1", 10, 9, true)}})

	p.Apply(wire.NextMatch{Match: wire.Match{ID: 2, Rounds: []wire.Round{{ID: 21, Number: 1}},
		Judges: []wire.Judge{{DeviceID: "j1", Name: "Judge j1"}}}})

	assert.Equal(t, int64(2), p.MatchID())
	_, ok := p.Status(11)
	assert.False(t, ok)
	sub, ok := p.Submitted("j1")
	require.True(t, ok)
	assert.Equal(t, []bool{false}, sub)
	assert.False(t, p.AdvanceUnlocked())
}

func TestProjection_PrimeMatchesLiveFold(t *testing.T) {
	m := directory.Match{ID: 1, Red: "Red", Blue: "Blue", Rounds: []directory.Round{
		{ID: 11, MatchID: 1, Number: 1}, {ID: 12, MatchID: 1, Number: 2}, {ID: 13, MatchID: 1, Number: 3},
	}}
	roster := []directory.Judge{
		{DeviceID: "j1", Name: "Judge j1", MatchID: 1, Connected: true},
		{DeviceID: "j2", Name: "Judge j2", MatchID: 1, Connected: true},
	}
	scores := []directory.Score{
		{RoundID: 11, JudgeID: "j1", Red: 10, Blue: 9, Submitted: true},
		{RoundID: 11, JudgeID: "j2", Red: 9, Blue: 9, Submitted: true},
		{RoundID: 12, JudgeID: "j1", Red: 10, Blue: 8, Submitted: true},
	}
	grid := directory.BuildGrid(m, roster, scores)

	live := NewProjection()
	live.Reset(testMatch())
	joinAll(live, "j1", "j2")
	for _, rs := range grid.Rounds {
		live.Apply(rs.Event())
	}

	primed := NewProjection()
	primed.Prime(reconcile.State{Match: m, Grid: grid}, roster)

	if diff := cmp.Diff(live.View(), primed.View()); diff != "" {
		t.Fatalf("primed projection differs from live fold (-live +primed):\n%s", diff)
	}
	st, _ := primed.Status(11)
	assert.Equal(t, StatusComplete, st)
	st, _ = primed.Status(12)
	assert.Equal(t, StatusWaiting, st)
}
