package clientstate

import (
	"context"
	"fmt"

	"example.com/scorebridge/internal/directory"
	"github.com/google/uuid"
)

// Identity is who this device is. DeviceID is minted once and outlives
// every reset.
type Identity struct {
	DeviceID string `json:"deviceId"`
	Name     string `json:"name,omitempty"`
	Verified bool   `json:"verified"`
	Token    string `json:"token,omitempty"`
	MatchID  int64  `json:"matchId,omitempty"`
}

// MatchSnapshot is the last match this device saw. Placeholder only.
type MatchSnapshot struct {
	Match directory.Match `json:"match"`
}

// ScoreSnapshot is the last known per-round submitted array. Placeholder only.
type ScoreSnapshot struct {
	MatchID   int64  `json:"matchId"`
	Submitted []bool `json:"submitted"`
	Red       []int  `json:"red,omitempty"`
	Blue      []int  `json:"blue,omitempty"`
}

type State struct {
	Identity *Container[Identity]
	Match    *Container[MatchSnapshot]
	Scores   *Container[ScoreSnapshot]
}

func New(p Persistence) *State {
	return &State{
		Identity: NewContainer[Identity]("identity", p),
		Match:    NewContainer[MatchSnapshot]("match", p),
		Scores:   NewContainer[ScoreSnapshot]("scores", p),
	}
}

func (s *State) Hydrate(ctx context.Context) error {
	if err := s.Identity.Hydrate(ctx); err != nil {
		return err
	}
	if err := s.Match.Hydrate(ctx); err != nil {
		return err
	}
	return s.Scores.Hydrate(ctx)
}

func (s *State) Hydrated() bool {
	return s.Identity.Hydrated() && s.Match.Hydrated() && s.Scores.Hydrated()
}

// DeviceID returns the durable device id, minting and persisting it on first use.
func (s *State) DeviceID(ctx context.Context) (string, error) {
	id, ok, err := s.Identity.Get()
	if err != nil {
		return "", err
	}
	if ok && id.DeviceID != "" {
		return id.DeviceID, nil
	}
	id.DeviceID = uuid.NewString()
	if err := s.Identity.Set(ctx, id); err != nil {
		return "", fmt.Errorf("persist device id: %w", err)
	}
	return id.DeviceID, nil
}

// Reset forgets the session and every snapshot but keeps the device id.
func (s *State) Reset(ctx context.Context) error {
	id, _, err := s.Identity.Get()
	if err != nil {
		return err
	}
	if err := s.Match.Clear(ctx); err != nil {
		return err
	}
	if err := s.Scores.Clear(ctx); err != nil {
		return err
	}
	if id.DeviceID == "" {
		return s.Identity.Clear(ctx)
	}
	return s.Identity.Set(ctx, Identity{DeviceID: id.DeviceID})
}
