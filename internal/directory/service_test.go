package directory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"example.com/scorebridge/internal/access"
	"example.com/scorebridge/internal/auth"
	"example.com/scorebridge/internal/bus"
	"example.com/scorebridge/internal/errs"
	"example.com/scorebridge/internal/wire"
	"github.com/brianvoe/gofakeit/v7"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

type recBroker struct {
	mu     sync.Mutex
	events []wire.Event
}

func (r *recBroker) Broadcast(_ context.Context, _ string, data []byte) error {
	ev, err := wire.Decode(data)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	return nil
}

func (r *recBroker) Ingest(string, bus.Handler) {}

func (r *recBroker) last(t *testing.T) wire.Event {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	require.NotEmpty(t, r.events)
	return r.events[len(r.events)-1]
}

func (r *recBroker) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

type fixture struct {
	svc     *Service
	store   *MemoryStore
	rec     *recBroker
	code    string
	matches []Match
}

func newFixture(t *testing.T, judgeCount int) *fixture {
	t.Helper()
	ctx := context.Background()

	store := NewMemoryStore()
	acc := access.NewService(store, zerolog.Nop(), access.WithBcryptCost(bcrypt.MinCost))
	cred, err := acc.SetPassword(ctx, "1234")
	require.NoError(t, err)

	tick := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	rec := &recBroker{}
	svc := NewService(Deps{
		Store:    store,
		Verifier: acc,
		Tokens:   auth.NewSigner([]byte("test"), time.Hour),
		Broker:   rec,
		Log:      zerolog.Nop(),
		Now: func() time.Time {
			tick = tick.Add(time.Second)
			return tick
		},
	})

	ms, err := svc.ImportMatches(ctx, []Match{
		{Sequence: 1, Division: "U18", Red: gofakeit.Name(), Blue: gofakeit.Name(), Rounds: []Round{{Number: 1}, {Number: 2}, {Number: 3}}},
		{Sequence: 2, Division: "U18", Red: gofakeit.Name(), Blue: gofakeit.Name(), Rounds: []Round{{Number: 1}, {Number: 2}, {Number: 3}}},
	})
	require.NoError(t, err)
	_, err = svc.StartProgress(ctx, ms[0].ID, judgeCount)
	require.NoError(t, err)

	return &fixture{svc: svc, store: store, rec: rec, code: cred.Code, matches: ms}
}

func (f *fixture) register(t *testing.T, deviceID, name string) Registration {
	t.Helper()
	reg, err := f.svc.Register(context.Background(), RegisterRequest{
		DeviceID: deviceID, Name: name, MatchID: f.matches[0].ID, AccessCode: f.code, Password: "1234",
	})
	require.NoError(t, err)
	return reg
}

func (f *fixture) round(i int) int64 { return f.matches[0].Rounds[i].ID }

func TestRegister_CapacityIsDistinctFromAuth(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 3)
	for _, id := range []string{"j1", "j2", "j3"} {
		reg := f.register(t, id, gofakeit.FirstName())
		assert.NotEmpty(t, reg.Token)
	}

	req := RegisterRequest{DeviceID: "j4", Name: "Fourth", MatchID: f.matches[0].ID, AccessCode: f.code, Password: "1234"}
	_, err := f.svc.Register(ctx, req)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrCapacity), "err=%v", err)
	assert.False(t, errors.Is(err, errs.ErrAuth))

	req.Password = "9999"
	_, err = f.svc.Register(ctx, req)
	assert.True(t, errors.Is(err, errs.ErrAuth), "wrong password on a full match is an auth failure")

	// a seated device re-registering keeps its seat
	reg := f.register(t, "j2", "Renamed")
	assert.Equal(t, "Renamed", reg.Judge.Name)
	judges, err := f.svc.Judges(ctx, f.matches[0].ID)
	require.NoError(t, err)
	assert.Len(t, judges, 3)
}

func TestRegister_WrongPasswordsOnOneDeviceDoNotLockOthers(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 3)
	guess := RegisterRequest{DeviceID: "guesser", Name: "G", MatchID: f.matches[0].ID, AccessCode: f.code, Password: "0000"}

	var err error
	for i := 0; i < 10 && !errors.Is(err, errs.ErrRateLimited); i++ {
		_, err = f.svc.Register(ctx, guess)
	}
	require.True(t, errors.Is(err, errs.ErrRateLimited), "err=%v", err)

	reg := f.register(t, "j1", "J1")
	assert.Equal(t, "j1", reg.Judge.DeviceID)
}

func TestRegister_Validation(t *testing.T) {
	f := newFixture(t, 3)
	_, err := f.svc.Register(context.Background(), RegisterRequest{DeviceID: "j1", MatchID: f.matches[0].ID})
	assert.True(t, errors.Is(err, errs.ErrValidation))
}

func TestRegister_NonCurrentMatchIsStale(t *testing.T) {
	f := newFixture(t, 3)
	_, err := f.svc.Register(context.Background(), RegisterRequest{
		DeviceID: "j1", Name: "A", MatchID: f.matches[1].ID, AccessCode: f.code, Password: "1234",
	})
	assert.True(t, errors.Is(err, errs.ErrStaleState))
}

func TestSubmit_WaitingCompleteModifyScenario(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 3)
	f.register(t, "j1", "J1")
	f.register(t, "j2", "J2")
	f.register(t, "j3", "J3")
	r1 := f.round(0)

	require.NoError(t, f.svc.Submit(ctx, wire.Submit{RoundID: r1, RedScore: 10, BlueScore: 9, JudgeID: "j1"}))
	require.NoError(t, f.svc.Submit(ctx, wire.Submit{RoundID: r1, RedScore: 10, BlueScore: 9, JudgeID: "j2"}))
	w, ok := f.rec.last(t).(wire.Waiting)
	require.True(t, ok, "after two of three: %T", f.rec.last(t))
	assert.Equal(t, r1, w.RoundID)
	assert.Len(t, w.Submitted, 3)

	require.NoError(t, f.svc.Submit(ctx, wire.Submit{RoundID: r1, RedScore: 9, BlueScore: 10, JudgeID: "j3"}))
	c, ok := f.rec.last(t).(wire.Complete)
	require.True(t, ok, "after three of three: %T", f.rec.last(t))
	assert.Equal(t, 29, c.TotalRed)
	assert.Equal(t, 28, c.TotalBlue)
	assert.Equal(t, 1, c.RoundNumber)

	require.NoError(t, f.svc.Modify(ctx, wire.Modify{RoundID: r1, JudgeID: "j2"}))
	m, ok := f.rec.last(t).(wire.Modified)
	require.True(t, ok)
	assert.Equal(t, "j2", m.JudgeID)
	assert.Equal(t, "J2", m.JudgeName)

	g, err := f.svc.ScoresByMatch(ctx, f.matches[0].ID)
	require.NoError(t, err)
	rs, _ := g.Round(r1)
	assert.False(t, rs.Complete)
	got := map[string]bool{}
	for _, js := range rs.Judges {
		got[js.JudgeID] = js.Submitted
	}
	assert.Equal(t, map[string]bool{"j1": true, "j2": false, "j3": true}, got)
}

func TestSubmit_ThenPullRoundTrip(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 3)
	f.register(t, "j1", "J1")

	require.NoError(t, f.svc.Submit(ctx, wire.Submit{RoundID: f.round(1), RedScore: 7, BlueScore: 3, JudgeID: "j1"}))

	g, err := f.svc.ScoresByMatch(ctx, f.matches[0].ID)
	require.NoError(t, err)
	rs, ok := g.Round(f.round(1))
	require.True(t, ok)
	require.Len(t, rs.Judges, 1)
	assert.Equal(t, wire.JudgeScore{JudgeID: "j1", JudgeName: "J1", Red: 7, Blue: 3, Submitted: true}, rs.Judges[0])
}

func TestSubmit_Rejections(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 3)
	f.register(t, "j1", "J1")

	err := f.svc.Submit(ctx, wire.Submit{RoundID: f.matches[1].Rounds[0].ID, RedScore: 1, BlueScore: 1, JudgeID: "j1"})
	assert.True(t, errors.Is(err, errs.ErrStaleState), "round of another match: %v", err)

	err = f.svc.Submit(ctx, wire.Submit{RoundID: f.round(0), RedScore: 1, BlueScore: 1, JudgeID: "ghost"})
	assert.True(t, errors.Is(err, errs.ErrNotFound))

	err = f.svc.Submit(ctx, wire.Submit{RoundID: f.round(0), RedScore: 500, BlueScore: 1, JudgeID: "j1"})
	assert.True(t, errors.Is(err, errs.ErrValidation))

	_, err = f.svc.SetLocked(ctx, true)
	require.NoError(t, err)
	err = f.svc.Submit(ctx, wire.Submit{RoundID: f.round(0), RedScore: 1, BlueScore: 1, JudgeID: "j1"})
	assert.True(t, errors.Is(err, errs.ErrLocked))

	_, err = f.svc.SetLocked(ctx, false)
	require.NoError(t, err)
	require.NoError(t, f.svc.Submit(ctx, wire.Submit{RoundID: f.round(0), RedScore: 1, BlueScore: 1, JudgeID: "j1"}))
}

func TestJoin_MarksConnectedAndAnnounces(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 3)
	f.register(t, "j1", "J1")

	require.NoError(t, f.svc.Join(ctx, wire.Join{JudgeName: "J1", DeviceID: "j1", MatchID: f.matches[0].ID}))
	ev, ok := f.rec.last(t).(wire.Joined)
	require.True(t, ok)
	assert.Equal(t, wire.Joined{JudgeName: "J1", DeviceID: "j1", MatchID: f.matches[0].ID}, ev)

	j, err := f.store.GetJudge(ctx, "j1")
	require.NoError(t, err)
	assert.True(t, j.Connected)

	err = f.svc.Join(ctx, wire.Join{JudgeName: "X", DeviceID: "nobody", MatchID: f.matches[0].ID})
	assert.True(t, errors.Is(err, errs.ErrNotFound))
}

func TestLeave_MarksDisconnected(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 3)
	f.register(t, "j1", "J1")
	require.NoError(t, f.svc.Join(ctx, wire.Join{JudgeName: "J1", DeviceID: "j1", MatchID: f.matches[0].ID}))
	sent := f.rec.count()

	require.NoError(t, f.svc.Leave(ctx, "j1"))
	js, err := f.svc.Judges(ctx, f.matches[0].ID)
	require.NoError(t, err)
	require.Len(t, js, 1)
	assert.False(t, js[0].Connected)
	assert.Equal(t, "J1", js[0].Name)
	assert.Equal(t, sent, f.rec.count(), "leaving is not broadcast")

	require.NoError(t, f.svc.Leave(ctx, "j1"))
	require.NoError(t, f.svc.Leave(ctx, "nobody"))
}

func TestCancel_BroadcastsSnapshot(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 2)
	f.register(t, "j1", "J1")
	f.register(t, "j2", "J2")
	r1 := f.round(0)
	require.NoError(t, f.svc.Submit(ctx, wire.Submit{RoundID: r1, RedScore: 10, BlueScore: 9, JudgeID: "j1"}))
	require.NoError(t, f.svc.Submit(ctx, wire.Submit{RoundID: r1, RedScore: 10, BlueScore: 8, JudgeID: "j2"}))

	require.NoError(t, f.svc.Cancel(ctx, r1, "j1"))
	c, ok := f.rec.last(t).(wire.Cancelled)
	require.True(t, ok)
	assert.Equal(t, "j1", c.JudgeID)
	require.Len(t, c.Submitted, 2)
	for _, row := range c.Submitted {
		assert.Equal(t, row.JudgeID == "j2", row.Submitted)
	}
}

func TestAdvanceMatch(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 3)
	f.register(t, "j1", "J1")
	f.register(t, "j2", "J2")
	require.NoError(t, f.svc.Submit(ctx, wire.Submit{RoundID: f.round(0), RedScore: 10, BlueScore: 9, JudgeID: "j1"}))

	next, err := f.svc.AdvanceMatch(ctx, f.matches[0].ID)
	require.NoError(t, err)
	assert.Equal(t, f.matches[1].ID, next.ID)
	assert.Len(t, next.Rounds, 3)
	assert.Len(t, next.Judges, 2)

	nm, ok := f.rec.last(t).(wire.NextMatch)
	require.True(t, ok)
	assert.Equal(t, next, nm.Match)

	cur, err := f.svc.CurrentMatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, f.matches[1].ID, cur.ID)

	// judges follow the pointer with a clean slate
	g, err := f.svc.ScoresByMatch(ctx, cur.ID)
	require.NoError(t, err)
	for _, rs := range g.Rounds {
		for _, js := range rs.Judges {
			assert.False(t, js.Submitted)
		}
	}

	_, err = f.svc.AdvanceMatch(ctx, f.matches[0].ID)
	assert.True(t, errors.Is(err, errs.ErrStaleState), "advance from a stale match")

	_, err = f.svc.AdvanceMatch(ctx, f.matches[1].ID)
	assert.True(t, errors.Is(err, errs.ErrNotFound), "no match after the last")
}

func TestEndEvent_ForgetsJudgeState(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 3)
	f.register(t, "j1", "J1")
	require.NoError(t, f.svc.Submit(ctx, wire.Submit{RoundID: f.round(0), RedScore: 10, BlueScore: 9, JudgeID: "j1"}))

	require.NoError(t, f.svc.EndEvent(ctx))

	_, err := f.svc.CurrentMatch(ctx)
	assert.True(t, errors.Is(err, errs.ErrNotFound))
	_, err = f.store.GetJudge(ctx, "j1")
	assert.True(t, errors.Is(err, errs.ErrNotFound))
	scores, err := f.store.ListScores(ctx, f.matches[0].ID)
	require.NoError(t, err)
	assert.Empty(t, scores)

	ms, err := f.svc.ListMatches(ctx)
	require.NoError(t, err)
	assert.Len(t, ms, 2)
}

func TestImportMatches_ValidatesWholeBatch(t *testing.T) {
	f := newFixture(t, 3)
	_, err := f.svc.ImportMatches(context.Background(), []Match{
		{Sequence: 3, Red: "A", Blue: "B", Rounds: []Round{{Number: 1}}},
		{Sequence: 4, Red: "A", Blue: "", Rounds: []Round{{Number: 1}}},
	})
	assert.True(t, errors.Is(err, errs.ErrValidation))

	ms, err := f.svc.ListMatches(context.Background())
	require.NoError(t, err)
	assert.Len(t, ms, 2)
}

func TestIngestor(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 3)
	f.register(t, "j1", "J1")
	f.register(t, "j2", "J2")

	local := bus.NewLocal()
	NewIngestor(f.svc, zerolog.Nop(), nil).Attach(local)

	j1 := local.Client("j1")
	j1.SetOnline(true)

	publish := func(c *bus.LocalClient, ev wire.Event) {
		t.Helper()
		data, err := wire.Encode(ev)
		require.NoError(t, err)
		topic, _ := wire.TopicOf(ev.Kind())
		require.NoError(t, c.Publish(ctx, topic, data))
	}

	publish(j1, wire.Submit{RoundID: f.round(0), RedScore: 10, BlueScore: 9, JudgeID: "j1"})
	_, ok := f.rec.last(t).(wire.Waiting)
	assert.True(t, ok)
	n := f.rec.count()

	// j1 cannot submit on behalf of j2
	publish(j1, wire.Submit{RoundID: f.round(0), RedScore: 10, BlueScore: 9, JudgeID: "j2"})
	assert.Equal(t, n, f.rec.count())

	// malformed and unknown frames are dropped without side effects
	require.NoError(t, j1.Publish(ctx, wire.TopicSubmit, []byte(`{"type":"SUBMIT","payload":{"roundId":"x"}}`)))
	require.NoError(t, j1.Publish(ctx, wire.TopicSubmit, []byte(`{"type":"PING","payload":{}}`)))
	assert.Equal(t, n, f.rec.count())

	// a kind on the wrong topic is ignored
	data, err := wire.Encode(wire.Modify{RoundID: f.round(0), JudgeID: "j1"})
	require.NoError(t, err)
	require.NoError(t, j1.Publish(ctx, wire.TopicSubmit, data))
	assert.Equal(t, n, f.rec.count())

	publish(j1, wire.Modify{RoundID: f.round(0), JudgeID: "j1"})
	_, ok = f.rec.last(t).(wire.Modified)
	assert.True(t, ok)
}
