package directory

import (
	"context"
	"sort"
	"sync"
	"time"

	"example.com/scorebridge/internal/access"
	"example.com/scorebridge/internal/errs"
)

// Store is the persisted view every participant treats as the tie-breaker.
// Missing rows come back as errs.ErrNotFound.
type Store interface {
	access.Store

	InsertMatch(ctx context.Context, m Match) (Match, error)
	ListMatches(ctx context.Context) ([]Match, error)
	GetMatch(ctx context.Context, id int64) (Match, error)

	GetProgress(ctx context.Context) (Progress, error)
	SaveProgress(ctx context.Context, p Progress) error

	UpsertJudge(ctx context.Context, j Judge) error
	GetJudge(ctx context.Context, deviceID string) (Judge, error)
	ListJudges(ctx context.Context, matchID int64) ([]Judge, error)
	RebindJudges(ctx context.Context, fromMatchID, toMatchID int64) error

	UpsertScore(ctx context.Context, s Score) error
	SetSubmitted(ctx context.Context, roundID int64, judgeID string, submitted bool, at time.Time) error
	ListScores(ctx context.Context, matchID int64) ([]Score, error)

	// ResetEvent forgets judges, scores and progress. Matches stay.
	ResetEvent(ctx context.Context) error
}

// MemoryStore keeps everything in process. Used by tests and single-node demos.
type MemoryStore struct {
	mu sync.Mutex

	nextMatchID int64
	nextRoundID int64

	matches  map[int64]Match
	roundOf  map[int64]int64 // round id -> match id
	progress Progress
	judges   map[string]Judge
	scores   map[scoreKey]Score
	access   map[string]access.Credential
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		matches: make(map[int64]Match),
		roundOf: make(map[int64]int64),
		judges:  make(map[string]Judge),
		scores:  make(map[scoreKey]Score),
		access:  make(map[string]access.Credential),
	}
}

func (s *MemoryStore) InsertMatch(_ context.Context, m Match) (Match, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextMatchID++
	m.ID = s.nextMatchID
	rounds := make([]Round, len(m.Rounds))
	for i, r := range m.Rounds {
		s.nextRoundID++
		r.ID = s.nextRoundID
		r.MatchID = m.ID
		rounds[i] = r
		s.roundOf[r.ID] = m.ID
	}
	m.Rounds = rounds
	s.matches[m.ID] = m
	return cloneMatch(m), nil
}

func (s *MemoryStore) ListMatches(_ context.Context) ([]Match, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Match, 0, len(s.matches))
	for _, m := range s.matches {
		out = append(out, cloneMatch(m))
	}
	sortMatches(out)
	return out, nil
}

func (s *MemoryStore) GetMatch(_ context.Context, id int64) (Match, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.matches[id]
	if !ok {
		return Match{}, errs.ErrNotFound
	}
	return cloneMatch(m), nil
}

func (s *MemoryStore) GetProgress(_ context.Context) (Progress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.progress, nil
}

func (s *MemoryStore) SaveProgress(_ context.Context, p Progress) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.progress = p
	return nil
}

func (s *MemoryStore) UpsertJudge(_ context.Context, j Judge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.judges[j.DeviceID]; ok && j.JoinedAt.IsZero() {
		j.JoinedAt = prev.JoinedAt
	}
	s.judges[j.DeviceID] = j
	return nil
}

func (s *MemoryStore) GetJudge(_ context.Context, deviceID string) (Judge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.judges[deviceID]
	if !ok {
		return Judge{}, errs.ErrNotFound
	}
	return j, nil
}

func (s *MemoryStore) ListJudges(_ context.Context, matchID int64) ([]Judge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Judge
	for _, j := range s.judges {
		if j.MatchID == matchID {
			out = append(out, j)
		}
	}
	sortJudges(out)
	return out, nil
}

func (s *MemoryStore) RebindJudges(_ context.Context, from, to int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, j := range s.judges {
		if j.MatchID == from {
			j.MatchID = to
			s.judges[id] = j
		}
	}
	return nil
}

func (s *MemoryStore) UpsertScore(_ context.Context, sc Score) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.roundOf[sc.RoundID]; !ok {
		return errs.ErrNotFound
	}
	s.scores[scoreKey{sc.RoundID, sc.JudgeID}] = sc
	return nil
}

func (s *MemoryStore) SetSubmitted(_ context.Context, roundID int64, judgeID string, submitted bool, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := scoreKey{roundID, judgeID}
	sc, ok := s.scores[k]
	if !ok {
		return errs.ErrNotFound
	}
	sc.Submitted = submitted
	sc.UpdatedAt = at
	s.scores[k] = sc
	return nil
}

func (s *MemoryStore) ListScores(_ context.Context, matchID int64) ([]Score, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Score
	for k, sc := range s.scores {
		if s.roundOf[k.roundID] == matchID {
			out = append(out, sc)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RoundID != out[j].RoundID {
			return out[i].RoundID < out[j].RoundID
		}
		return out[i].JudgeID < out[j].JudgeID
	})
	return out, nil
}

func (s *MemoryStore) ResetEvent(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.judges = make(map[string]Judge)
	s.scores = make(map[scoreKey]Score)
	s.progress = Progress{}
	return nil
}

func (s *MemoryStore) SaveAccess(_ context.Context, c access.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.access[c.Code] = c
	return nil
}

func (s *MemoryStore) GetAccess(_ context.Context, code string) (access.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.access[code]
	if !ok {
		return access.Credential{}, errs.ErrNotFound
	}
	return c, nil
}

func cloneMatch(m Match) Match {
	m.Rounds = append([]Round(nil), m.Rounds...)
	return m
}

func sortMatches(ms []Match) {
	sort.Slice(ms, func(i, j int) bool {
		if ms[i].Sequence != ms[j].Sequence {
			return ms[i].Sequence < ms[j].Sequence
		}
		return ms[i].ID < ms[j].ID
	})
}

func sortJudges(js []Judge) {
	sort.Slice(js, func(i, j int) bool {
		if !js[i].JoinedAt.Equal(js[j].JoinedAt) {
			return js[i].JoinedAt.Before(js[j].JoinedAt)
		}
		return js[i].DeviceID < js[j].DeviceID
	})
}
