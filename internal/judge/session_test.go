package judge

import (
	"errors"
	"math/rand"
	"testing"

	"example.com/scorebridge/internal/directory"
	"example.com/scorebridge/internal/errs"
	"example.com/scorebridge/internal/reconcile"
	"example.com/scorebridge/internal/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func threeRounds() directory.Match {
	return directory.Match{ID: 1, Rounds: []directory.Round{
		{ID: 11, MatchID: 1, Number: 1}, {ID: 12, MatchID: 1, Number: 2}, {ID: 13, MatchID: 1, Number: 3},
	}}
}

func gates(g ...reconcile.Gate) []reconcile.Gate { return g }

const (
	L = reconcile.Locked
	E = reconcile.Editable
	S = reconcile.Submitted
)

func TestSession_SequentialGating(t *testing.T) {
	s := NewSession("dev", threeRounds(), nil)
	assert.Equal(t, gates(E, L, L), s.States())

	_, err := s.Submit(1, "10", "9")
	assert.True(t, errors.Is(err, errs.ErrConflict), "skipping round 1: %v", err)
	assert.Equal(t, gates(E, L, L), s.States())

	p, err := s.Submit(0, "10", " 9 ")
	require.NoError(t, err)
	assert.Equal(t, wire.Submit{RoundID: 11, RedScore: 10, BlueScore: 9, JudgeID: "dev"}, p)
	assert.Equal(t, gates(S, E, L), s.States())

	_, err = s.Submit(1, "8", "10")
	require.NoError(t, err)
	assert.Equal(t, gates(S, S, E), s.States())
}

func TestSession_RejectsBadInputBeforeAnything(t *testing.T) {
	cases := []struct{ red, blue string }{
		{"", "9"}, {"10", ""}, {"ten", "9"}, {"10", "9.5"}, {"-1", "9"}, {"10", "101"},
	}
	for _, tc := range cases {
		s := NewSession("dev", threeRounds(), nil)
		_, err := s.Submit(0, tc.red, tc.blue)
		assert.True(t, errors.Is(err, errs.ErrValidation), "%q/%q: %v", tc.red, tc.blue, err)
		assert.Equal(t, gates(E, L, L), s.States(), "state untouched for %q/%q", tc.red, tc.blue)
	}

	s := NewSession("dev", threeRounds(), nil)
	_, err := s.Submit(3, "1", "1")
	assert.True(t, errors.Is(err, errs.ErrValidation))
	_, err = s.Modify(-1)
	assert.True(t, errors.Is(err, errs.ErrValidation))
}

func TestSession_ResubmitUntilConfirmed(t *testing.T) {
	s := NewSession("dev", threeRounds(), nil)
	_, err := s.Submit(0, "10", "9")
	require.NoError(t, err)

	p, err := s.Submit(0, "10", "8")
	require.NoError(t, err, "resubmission before confirmation is tolerated")
	assert.Equal(t, 8, p.BlueScore)

	changed := s.ApplyStatus(wire.Waiting{RoundID: 11, Submitted: []wire.JudgeScore{
		{JudgeID: "dev", Red: 10, Blue: 8, Submitted: true},
	}})
	assert.True(t, changed)
	assert.True(t, s.Rounds()[0].Confirmed)

	_, err = s.Submit(0, "1", "1")
	assert.True(t, errors.Is(err, errs.ErrConflict))
}

func TestSession_Modify(t *testing.T) {
	s := NewSession("dev", threeRounds(), []bool{true, true, false})
	assert.Equal(t, gates(S, S, E), s.States())

	_, err := s.Modify(2)
	assert.True(t, errors.Is(err, errs.ErrConflict))

	p, err := s.Modify(0)
	require.NoError(t, err)
	assert.Equal(t, wire.Modify{RoundID: 11, JudgeID: "dev"}, p)
	assert.Equal(t, gates(E, S, E), s.States())

	_, err = s.Submit(0, "9", "9")
	require.NoError(t, err)
	assert.Equal(t, gates(S, S, E), s.States())
}

func TestSession_ApplyStatus(t *testing.T) {
	t.Run("other judges are ignored", func(t *testing.T) {
		s := NewSession("dev", threeRounds(), nil)
		assert.False(t, s.ApplyStatus(wire.Complete{RoundID: 11, Submitted: []wire.JudgeScore{{JudgeID: "x", Submitted: true}}}))
		assert.False(t, s.ApplyStatus(wire.Modified{RoundID: 11, JudgeID: "x"}))
		assert.False(t, s.ApplyStatus(wire.Joined{DeviceID: "dev"}))
	})

	t.Run("older snapshot keeps an in-flight submission", func(t *testing.T) {
		s := NewSession("dev", threeRounds(), nil)
		_, err := s.Submit(0, "10", "9")
		require.NoError(t, err)
		assert.False(t, s.ApplyStatus(wire.Waiting{RoundID: 11, Submitted: []wire.JudgeScore{{JudgeID: "dev"}}}))
		assert.Equal(t, gates(S, E, L), s.States())
	})

	t.Run("cancellation aimed at us clears", func(t *testing.T) {
		s := NewSession("dev", threeRounds(), []bool{true, true, false})
		assert.True(t, s.ApplyStatus(wire.Cancelled{RoundID: 12, JudgeID: "dev", Submitted: []wire.JudgeScore{{JudgeID: "dev"}}}))
		assert.Equal(t, gates(S, E, L), s.States())
	})

	t.Run("confirmed score invalidated by the server", func(t *testing.T) {
		s := NewSession("dev", threeRounds(), []bool{true, false, false})
		assert.True(t, s.ApplyStatus(wire.Waiting{RoundID: 11, Submitted: []wire.JudgeScore{{JudgeID: "dev"}}}))
		assert.Equal(t, gates(E, L, L), s.States())
	})

	t.Run("modified is idempotent", func(t *testing.T) {
		s := NewSession("dev", threeRounds(), []bool{true, false, false})
		assert.True(t, s.ApplyStatus(wire.Modified{RoundID: 11, JudgeID: "dev"}))
		assert.False(t, s.ApplyStatus(wire.Modified{RoundID: 11, JudgeID: "dev"}))
	})

	t.Run("rounds of another match are ignored", func(t *testing.T) {
		s := NewSession("dev", threeRounds(), nil)
		assert.False(t, s.ApplyStatus(wire.Complete{RoundID: 99, Submitted: []wire.JudgeScore{{JudgeID: "dev", Submitted: true}}}))
	})
}

func TestSession_SwapMatchDiscardsOldRounds(t *testing.T) {
	s := NewSession("dev", threeRounds(), []bool{true, true, true})
	next := directory.Match{ID: 2, Rounds: []directory.Round{{ID: 21, MatchID: 2, Number: 1}, {ID: 22, MatchID: 2, Number: 2}}}
	s.SwapMatch(next)

	assert.Equal(t, int64(2), s.MatchID())
	assert.Equal(t, gates(E, L), s.States())
	assert.False(t, s.ApplyStatus(wire.Modified{RoundID: 11, JudgeID: "dev"}))
}

// Editable(i) for i > 0 requires that round i-1 was submitted at some point.
func TestSession_GatingMonotonic(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for run := 0; run < 200; run++ {
		s := NewSession("dev", threeRounds(), nil)
		ever := make([]bool, 3)
		for step := 0; step < 20; step++ {
			i := rng.Intn(3)
			if rng.Intn(3) == 0 {
				_, _ = s.Modify(i)
			} else {
				_, _ = s.Submit(i, "10", "9")
			}
			for r, g := range s.States() {
				if g == S {
					ever[r] = true
				}
			}
			for r, g := range s.States() {
				if r > 0 && g == E {
					require.True(t, ever[r-1], "run %d step %d: round %d editable before round %d was ever submitted", run, step, r, r-1)
				}
			}
		}
	}
}
