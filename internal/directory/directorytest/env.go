// Package directorytest runs an in-memory directory wired to an in-process
// bus for tests of the participants.
package directorytest

import (
	"context"
	"testing"
	"time"

	"example.com/scorebridge/internal/access"
	"example.com/scorebridge/internal/auth"
	"example.com/scorebridge/internal/bus"
	"example.com/scorebridge/internal/directory"
	"github.com/brianvoe/gofakeit/v7"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/time/rate"
)

const Password = "1234"

type Env struct {
	Svc     *directory.Service
	Access  *access.Service
	Store   *directory.MemoryStore
	Bus     *bus.Local
	Signer  *auth.Signer
	Code    string
	Matches []directory.Match
}

// New imports two three-round matches and starts the event on the first one
// with room for judgeCount judges.
func New(t testing.TB, judgeCount int) *Env {
	t.Helper()
	ctx := context.Background()

	store := directory.NewMemoryStore()
	acc := access.NewService(store, zerolog.Nop(),
		access.WithBcryptCost(bcrypt.MinCost),
		access.WithLimit(rate.Inf, 1),
	)
	cred, err := acc.SetPassword(ctx, Password)
	require.NoError(t, err)

	local := bus.NewLocal()
	signer := auth.NewSigner([]byte("directorytest"), time.Hour)
	svc := directory.NewService(directory.Deps{
		Store:    store,
		Verifier: acc,
		Tokens:   signer,
		Broker:   local,
		Log:      zerolog.Nop(),
	})
	directory.NewIngestor(svc, zerolog.Nop(), nil).Attach(local)

	rounds := func() []directory.Round {
		return []directory.Round{{Number: 1}, {Number: 2}, {Number: 3}}
	}
	ms, err := svc.ImportMatches(ctx, []directory.Match{
		{Sequence: 1, Division: "Open", Red: gofakeit.Name(), Blue: gofakeit.Name(), Rounds: rounds()},
		{Sequence: 2, Division: "Open", Red: gofakeit.Name(), Blue: gofakeit.Name(), Rounds: rounds()},
	})
	require.NoError(t, err)
	_, err = svc.StartProgress(ctx, ms[0].ID, judgeCount)
	require.NoError(t, err)

	return &Env{Svc: svc, Access: acc, Store: store, Bus: local, Signer: signer, Code: cred.Code, Matches: ms}
}

func (e *Env) Register(t testing.TB, deviceID, name string) directory.Registration {
	t.Helper()
	reg, err := e.Svc.Register(context.Background(), directory.RegisterRequest{
		DeviceID:   deviceID,
		Name:       name,
		MatchID:    e.Matches[0].ID,
		AccessCode: e.Code,
		Password:   Password,
	})
	require.NoError(t, err)
	return reg
}

// Round returns the id of round i of the first match.
func (e *Env) Round(i int) int64 { return e.Matches[0].Rounds[i].ID }
