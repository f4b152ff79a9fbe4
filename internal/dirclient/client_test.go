package dirclient_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"example.com/scorebridge/internal/coordinator"
	"example.com/scorebridge/internal/dirclient"
	"example.com/scorebridge/internal/directory"
	"example.com/scorebridge/internal/directory/directorytest"
	"example.com/scorebridge/internal/errs"
	"example.com/scorebridge/internal/httpapi"
	"example.com/scorebridge/internal/judge"
	"example.com/scorebridge/internal/wire"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	_ judge.Directory       = (*dirclient.Client)(nil)
	_ coordinator.Directory = (*dirclient.Client)(nil)
)

const adminKey = "letmein"

func serve(t *testing.T, judges int) (*directorytest.Env, string) {
	t.Helper()
	env := directorytest.New(t, judges)
	h := &httpapi.Handler{
		Directory: env.Svc,
		Access:    env.Access,
		Signer:    env.Signer,
		AdminKey:  adminKey,
		Log:       zerolog.Nop(),
	}
	srv := httptest.NewServer(h.Routes(httpapi.RouteOptions{}))
	t.Cleanup(srv.Close)
	return env, srv.URL
}

func coordinatorClient(t *testing.T, base string) *dirclient.Client {
	t.Helper()
	token, err := dirclient.New(base).CoordinatorSession(context.Background(), adminKey)
	require.NoError(t, err)
	return dirclient.New(base, dirclient.WithToken(func() string { return token }))
}

func TestReads(t *testing.T) {
	env, base := serve(t, 2)
	c := dirclient.New(base)
	ctx := context.Background()

	m, err := c.CurrentMatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, env.Matches[0].ID, m.ID)

	rounds, err := c.Rounds(ctx, m.ID)
	require.NoError(t, err)
	assert.Len(t, rounds, 3)

	ms, err := c.ListMatches(ctx)
	require.NoError(t, err)
	assert.Len(t, ms, 2)

	p, err := c.Progress(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, p.JudgeCount)

	_, err = c.Match(ctx, 999)
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestRegister_ErrorMapping(t *testing.T) {
	env, base := serve(t, 1)
	c := dirclient.New(base)
	ctx := context.Background()
	req := directory.RegisterRequest{
		DeviceID:   "dev-1",
		Name:       "Alice",
		MatchID:    env.Matches[0].ID,
		AccessCode: env.Code,
		Password:   directorytest.Password,
	}

	reg, err := c.Register(ctx, req)
	require.NoError(t, err)
	assert.NotEmpty(t, reg.Token)

	req.DeviceID = "dev-2"
	_, err = c.Register(ctx, req)
	assert.ErrorIs(t, err, errs.ErrCapacity)
	assert.NotErrorIs(t, err, errs.ErrAuth)

	req.Password = "0000"
	_, err = c.Register(ctx, req)
	assert.ErrorIs(t, err, errs.ErrAuth)

	req.Password = directorytest.Password
	req.MatchID = env.Matches[1].ID
	_, err = c.Register(ctx, req)
	assert.ErrorIs(t, err, errs.ErrStaleState)

	ok, err := c.Verify(ctx, env.Code, directorytest.Password)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCoordinatorCalls(t *testing.T) {
	env, base := serve(t, 2)
	ctx := context.Background()

	_, err := dirclient.New(base).SetLocked(ctx, true)
	assert.ErrorIs(t, err, errs.ErrAuth, "no token")

	_, err = dirclient.New(base).CoordinatorSession(ctx, "wrong")
	assert.ErrorIs(t, err, errs.ErrAuth)

	c := coordinatorClient(t, base)

	env.Register(t, "dev-1", "Alice")
	require.NoError(t, env.Svc.Submit(ctx, wire.Submit{RoundID: env.Round(0), JudgeID: "dev-1", RedScore: 10, BlueScore: 9}))

	p, err := c.SetLocked(ctx, true)
	require.NoError(t, err)
	assert.True(t, p.Locked)
	assert.ErrorIs(t, env.Svc.Submit(ctx, wire.Submit{RoundID: env.Round(1), JudgeID: "dev-1", RedScore: 10, BlueScore: 9}), errs.ErrLocked)

	require.NoError(t, c.Cancel(ctx, env.Round(0), "dev-1"))

	g, err := c.ScoresByMatch(ctx, env.Matches[0].ID)
	require.NoError(t, err)
	for _, js := range g.Rounds[0].Judges {
		assert.False(t, js.Submitted)
	}

	judges, err := c.Judges(ctx, env.Matches[0].ID)
	require.NoError(t, err)
	require.Len(t, judges, 1)

	next, err := c.AdvanceMatch(ctx, env.Matches[0].ID)
	require.NoError(t, err)
	assert.Equal(t, env.Matches[1].ID, next.ID)
	require.Len(t, next.Judges, 1, "roster carries over")

	_, err = c.AdvanceMatch(ctx, env.Matches[0].ID)
	assert.ErrorIs(t, err, errs.ErrStaleState)

	require.NoError(t, c.EndEvent(ctx))
}

func TestImportAndPassword(t *testing.T) {
	_, base := serve(t, 2)
	c := coordinatorClient(t, base)
	ctx := context.Background()

	out, err := c.ImportMatches(ctx, []directory.Match{{
		Sequence: 3, Division: "Open", Red: "A", Blue: "B",
		Rounds: []directory.Round{{Number: 1}},
	}})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.NotZero(t, out[0].ID)

	_, err = c.ImportMatches(ctx, []directory.Match{{Sequence: 4}})
	assert.ErrorIs(t, err, errs.ErrValidation)

	cred, err := c.SetPassword(ctx, "4321")
	require.NoError(t, err)
	assert.NotEmpty(t, cred.Code)

	_, err = c.SetPassword(ctx, "12")
	assert.ErrorIs(t, err, errs.ErrValidation)
}

func TestTransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	base := srv.URL
	srv.Close()

	_, err := dirclient.New(base).CurrentMatch(context.Background())
	assert.ErrorIs(t, err, errs.ErrTransport)
	assert.True(t, errs.Retryable(err))
}

func TestContextCancelled(t *testing.T) {
	_, base := serve(t, 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := dirclient.New(base).CurrentMatch(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
