package reconcile

import (
	"context"
	"errors"
	"testing"

	"example.com/scorebridge/internal/directory"
	"example.com/scorebridge/internal/errs"
	"example.com/scorebridge/internal/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDirectory struct {
	match directory.Match
	grid  directory.Grid
	err   error
	calls []string
}

func (f *fakeDirectory) CurrentMatch(context.Context) (directory.Match, error) {
	f.calls = append(f.calls, "current")
	if f.err != nil {
		return directory.Match{}, f.err
	}
	m := f.match
	m.Rounds = nil
	return m, nil
}

func (f *fakeDirectory) Rounds(context.Context, int64) ([]directory.Round, error) {
	f.calls = append(f.calls, "rounds")
	return f.match.Rounds, nil
}

func (f *fakeDirectory) ScoresByMatch(context.Context, int64) (directory.Grid, error) {
	f.calls = append(f.calls, "scores")
	return f.grid, nil
}

func newFake() *fakeDirectory {
	m := directory.Match{ID: 5, Rounds: []directory.Round{{ID: 51, Number: 1}, {ID: 52, Number: 2}, {ID: 53, Number: 3}}}
	judges := []directory.Judge{{DeviceID: "dev-a", Name: "A"}, {DeviceID: "dev-b", Name: "B"}}
	scores := []directory.Score{
		{RoundID: 51, JudgeID: "dev-a", Red: 10, Blue: 9, Submitted: true},
		{RoundID: 52, JudgeID: "dev-a", Red: 10, Blue: 9, Submitted: true},
		{RoundID: 51, JudgeID: "dev-b", Red: 9, Blue: 9, Submitted: true},
	}
	return &fakeDirectory{match: m, grid: directory.BuildGrid(m, judges, scores)}
}

func TestPull_OrderAndContent(t *testing.T) {
	d := newFake()
	s, err := Pull(context.Background(), d)
	require.NoError(t, err)

	assert.Equal(t, []string{"current", "rounds", "scores"}, d.calls)
	assert.Equal(t, int64(5), s.Match.ID)
	assert.Len(t, s.Match.Rounds, 3)
	assert.Equal(t, []bool{true, true, false}, SubmittedFor(s, "dev-a"))
	assert.Equal(t, []bool{true, false, false}, SubmittedFor(s, "dev-b"))
	assert.Equal(t, []bool{false, false, false}, SubmittedFor(s, "unknown"))
	assert.True(t, Seated(s, "dev-b"))
	assert.False(t, Seated(s, "unknown"))
}

func TestPull_PropagatesFailure(t *testing.T) {
	d := &fakeDirectory{err: errs.ErrTransport}
	_, err := Pull(context.Background(), d)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrTransport))
	assert.Equal(t, []string{"current"}, d.calls)
}

func TestCheckCurrent(t *testing.T) {
	s := State{Match: directory.Match{ID: 7}}
	assert.NoError(t, CheckCurrent(0, s))
	assert.NoError(t, CheckCurrent(7, s))
	assert.True(t, errors.Is(CheckCurrent(6, s), errs.ErrStaleState))
}

func TestGates(t *testing.T) {
	cases := []struct {
		name      string
		submitted []bool
		want      []Gate
	}{
		{"fresh session", []bool{false, false, false}, []Gate{Editable, Locked, Locked}},
		{"two of three done", []bool{true, true, false}, []Gate{Submitted, Submitted, Editable}},
		{"all done", []bool{true, true, true}, []Gate{Submitted, Submitted, Submitted}},
		{"middle modified", []bool{true, false, true}, []Gate{Submitted, Editable, Submitted}},
		{"first modified", []bool{false, true, false}, []Gate{Editable, Submitted, Editable}},
		{"empty", nil, []Gate{}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Gates(tc.submitted))
		})
	}
}

// Any array reachable by the session has Editable(i+1) only when round i is submitted.
func TestGates_NoSkip(t *testing.T) {
	for mask := 0; mask < 1<<4; mask++ {
		sub := make([]bool, 4)
		for i := range sub {
			sub[i] = mask&(1<<i) != 0
		}
		g := Gates(sub)
		for i := 1; i < len(g); i++ {
			if g[i] == Editable {
				assert.True(t, sub[i-1], "mask=%04b round %d editable without %d submitted", mask, i, i-1)
			}
		}
		assert.NotEqual(t, Locked, g[0])
	}
}

func TestSubmittedFor_SkipsRoundsMissingFromGrid(t *testing.T) {
	s := State{
		Match: directory.Match{ID: 1, Rounds: []directory.Round{{ID: 1}, {ID: 2}}},
		Grid: directory.Grid{MatchID: 1, Rounds: []directory.RoundScores{
			{RoundID: 2, Judges: []wire.JudgeScore{{JudgeID: "x", Submitted: true}}},
		}},
	}
	assert.Equal(t, []bool{false, true}, SubmittedFor(s, "x"))
}
