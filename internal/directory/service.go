package directory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"example.com/scorebridge/internal/access"
	"example.com/scorebridge/internal/bus"
	"example.com/scorebridge/internal/errs"
	"example.com/scorebridge/internal/metrics"
	"example.com/scorebridge/internal/wire"
	"github.com/rs/zerolog"
)

// Verifier checks an access code / password pair.
type Verifier interface {
	Verify(ctx context.Context, accessCode, password string) (bool, error)
}

// TokenIssuer mints the session token a registered judge uses on the bus.
type TokenIssuer interface {
	SignJudge(deviceID string, matchID int64) (string, error)
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*PostgresStore)(nil)
)

// Service is the match/round directory: the persisted store plus the rules
// around it. Mutations are serialized so every broadcast snapshot reflects a
// consistent read of the store.
type Service struct {
	mu sync.Mutex

	store    Store
	verifier Verifier
	tokens   TokenIssuer
	broker   bus.Broker
	log      zerolog.Logger
	metrics  *metrics.Manager
	now      func() time.Time
}

type Deps struct {
	Store    Store
	Verifier Verifier
	Tokens   TokenIssuer
	Broker   bus.Broker
	Log      zerolog.Logger
	Metrics  *metrics.Manager
	Now      func() time.Time
}

func NewService(d Deps) *Service {
	if d.Now == nil {
		d.Now = time.Now
	}
	return &Service{
		store:    d.Store,
		verifier: d.Verifier,
		tokens:   d.Tokens,
		broker:   d.Broker,
		log:      d.Log,
		metrics:  d.Metrics,
		now:      d.Now,
	}
}

// --- matches ---

func validateMatch(m Match) error {
	if strings.TrimSpace(m.Red) == "" || strings.TrimSpace(m.Blue) == "" {
		return fmt.Errorf("%w: match %d needs both competitors", errs.ErrValidation, m.Sequence)
	}
	if len(m.Rounds) == 0 {
		return fmt.Errorf("%w: match %d has no rounds", errs.ErrValidation, m.Sequence)
	}
	seen := make(map[int]bool, len(m.Rounds))
	for _, r := range m.Rounds {
		if r.Number <= 0 || seen[r.Number] {
			return fmt.Errorf("%w: match %d has bad round number %d", errs.ErrValidation, m.Sequence, r.Number)
		}
		seen[r.Number] = true
	}
	return nil
}

// ImportMatches validates the whole batch before inserting any of it.
func (s *Service) ImportMatches(ctx context.Context, ms []Match) ([]Match, error) {
	for _, m := range ms {
		if err := validateMatch(m); err != nil {
			return nil, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Match, 0, len(ms))
	for _, m := range ms {
		created, err := s.store.InsertMatch(ctx, m)
		if err != nil {
			return out, fmt.Errorf("import match %d: %w", m.Sequence, err)
		}
		out = append(out, created)
	}
	s.log.Info().Int("count", len(out)).Msg("matches imported")
	return out, nil
}

func (s *Service) ListMatches(ctx context.Context) ([]Match, error) {
	return s.store.ListMatches(ctx)
}

func (s *Service) Match(ctx context.Context, id int64) (Match, error) {
	m, err := s.store.GetMatch(ctx, id)
	if err != nil {
		return Match{}, fmt.Errorf("match %d: %w", id, err)
	}
	return m, nil
}

func (s *Service) Rounds(ctx context.Context, matchID int64) ([]Round, error) {
	m, err := s.Match(ctx, matchID)
	if err != nil {
		return nil, err
	}
	return m.Rounds, nil
}

// --- progress ---

func (s *Service) Progress(ctx context.Context) (Progress, error) {
	return s.store.GetProgress(ctx)
}

// CurrentMatch follows the server-side pointer. errs.ErrNotFound until an event is started.
func (s *Service) CurrentMatch(ctx context.Context) (Match, error) {
	p, err := s.store.GetProgress(ctx)
	if err != nil {
		return Match{}, err
	}
	if p.CurrentMatchID == 0 {
		return Match{}, fmt.Errorf("current match: %w", errs.ErrNotFound)
	}
	return s.Match(ctx, p.CurrentMatchID)
}

func (s *Service) StartProgress(ctx context.Context, matchID int64, judgeCount int) (Progress, error) {
	if judgeCount <= 0 {
		return Progress{}, fmt.Errorf("%w: judge count must be positive", errs.ErrValidation)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.store.GetMatch(ctx, matchID); err != nil {
		return Progress{}, fmt.Errorf("start match %d: %w", matchID, err)
	}
	p := Progress{CurrentMatchID: matchID, JudgeCount: judgeCount}
	if err := s.store.SaveProgress(ctx, p); err != nil {
		return Progress{}, err
	}
	s.log.Info().Int64("match_id", matchID).Int("judge_count", judgeCount).Msg("event started")
	return p, nil
}

func (s *Service) SetLocked(ctx context.Context, locked bool) (Progress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.store.GetProgress(ctx)
	if err != nil {
		return Progress{}, err
	}
	p.Locked = locked
	if err := s.store.SaveProgress(ctx, p); err != nil {
		return Progress{}, err
	}
	s.log.Info().Bool("locked", locked).Msg("score input lock changed")
	return p, nil
}

// AdvanceMatch moves the pointer from fromMatchID to the next match, carries
// the roster over and broadcasts NEXT_MATCH. A caller whose fromMatchID is
// not current gets errs.ErrStaleState.
func (s *Service) AdvanceMatch(ctx context.Context, fromMatchID int64) (wire.Match, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.store.GetProgress(ctx)
	if err != nil {
		return wire.Match{}, err
	}
	if p.CurrentMatchID == 0 {
		return wire.Match{}, fmt.Errorf("advance: %w: no current match", errs.ErrNotFound)
	}
	if p.CurrentMatchID != fromMatchID {
		return wire.Match{}, fmt.Errorf("advance from %d, current is %d: %w", fromMatchID, p.CurrentMatchID, errs.ErrStaleState)
	}

	matches, err := s.store.ListMatches(ctx)
	if err != nil {
		return wire.Match{}, err
	}
	next, ok := nextAfter(matches, fromMatchID)
	if !ok {
		return wire.Match{}, fmt.Errorf("advance from %d: %w: no next match", fromMatchID, errs.ErrNotFound)
	}

	if err := s.store.RebindJudges(ctx, fromMatchID, next.ID); err != nil {
		return wire.Match{}, fmt.Errorf("rebind judges: %w", err)
	}
	p.CurrentMatchID = next.ID
	p.Locked = false
	if err := s.store.SaveProgress(ctx, p); err != nil {
		return wire.Match{}, err
	}
	judges, err := s.store.ListJudges(ctx, next.ID)
	if err != nil {
		return wire.Match{}, err
	}

	payload := next.Wire(judges)
	s.broadcast(ctx, wire.NextMatch{Match: payload})
	s.log.Info().Int64("from", fromMatchID).Int64("to", next.ID).Int("judges", len(judges)).Msg("match advanced")
	return payload, nil
}

func nextAfter(ms []Match, id int64) (Match, bool) {
	sortMatches(ms)
	for i, m := range ms {
		if m.ID == id && i+1 < len(ms) {
			return ms[i+1], true
		}
	}
	return Match{}, false
}

// EndEvent forgets every judge, score and the progress pointer.
func (s *Service) EndEvent(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.store.ResetEvent(ctx); err != nil {
		return fmt.Errorf("end event: %w", err)
	}
	s.log.Info().Msg("event ended, judge state cleared")
	return nil
}

// --- judges ---

// Register checks credentials first and seats second, so a wrong password is
// always errs.ErrAuth even on a full match. A device already bound to the
// match re-registers without taking another seat.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (Registration, error) {
	req.Name = strings.TrimSpace(req.Name)
	if req.DeviceID == "" || req.Name == "" || req.MatchID <= 0 {
		return Registration{}, fmt.Errorf("%w: deviceId, name and matchId are required", errs.ErrValidation)
	}

	if _, ok := access.CallerFrom(ctx); !ok {
		ctx = access.WithCaller(ctx, req.DeviceID)
	}
	ok, err := s.verifier.Verify(ctx, req.AccessCode, req.Password)
	if err != nil {
		return Registration{}, fmt.Errorf("register: %w", err)
	}
	if !ok {
		s.metrics.Registration(errs.SignalAuthFailed)
		return Registration{}, fmt.Errorf("register: %w", errs.ErrAuth)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.store.GetProgress(ctx)
	if err != nil {
		return Registration{}, err
	}
	if p.CurrentMatchID != req.MatchID {
		return Registration{}, fmt.Errorf("register for match %d, current is %d: %w", req.MatchID, p.CurrentMatchID, errs.ErrStaleState)
	}

	prev, err := s.store.GetJudge(ctx, req.DeviceID)
	switch {
	case err == nil && prev.MatchID == req.MatchID:
		// same device, same match: no new seat
	case err == nil || errors.Is(err, errs.ErrNotFound):
		seated, err := s.store.ListJudges(ctx, req.MatchID)
		if err != nil {
			return Registration{}, err
		}
		if p.JudgeCount > 0 && len(seated) >= p.JudgeCount {
			s.metrics.Registration(errs.SignalSeatsFull)
			return Registration{}, fmt.Errorf("register: %w (%d of %d)", errs.ErrCapacity, len(seated), p.JudgeCount)
		}
		prev = Judge{JoinedAt: s.now().UTC()}
	default:
		return Registration{}, err
	}

	j := Judge{
		DeviceID:  req.DeviceID,
		Name:      req.Name,
		MatchID:   req.MatchID,
		Connected: prev.Connected,
		JoinedAt:  prev.JoinedAt,
	}
	if err := s.store.UpsertJudge(ctx, j); err != nil {
		return Registration{}, fmt.Errorf("save judge: %w", err)
	}

	token, err := s.tokens.SignJudge(j.DeviceID, j.MatchID)
	if err != nil {
		return Registration{}, fmt.Errorf("sign token: %w", err)
	}
	s.metrics.Registration("ok")
	s.log.Info().Str("device", j.DeviceID).Str("name", j.Name).Int64("match_id", j.MatchID).Msg("judge registered")
	return Registration{Judge: j, Token: token}, nil
}

func (s *Service) Judges(ctx context.Context, matchID int64) ([]Judge, error) {
	return s.store.ListJudges(ctx, matchID)
}

// --- scores ---

func (s *Service) ScoresByMatch(ctx context.Context, matchID int64) (Grid, error) {
	m, err := s.Match(ctx, matchID)
	if err != nil {
		return Grid{}, err
	}
	return s.gridLocked(ctx, m)
}

func (s *Service) gridLocked(ctx context.Context, m Match) (Grid, error) {
	judges, err := s.store.ListJudges(ctx, m.ID)
	if err != nil {
		return Grid{}, err
	}
	scores, err := s.store.ListScores(ctx, m.ID)
	if err != nil {
		return Grid{}, err
	}
	return BuildGrid(m, judges, scores), nil
}

// Join marks a registered judge connected and announces it.
func (s *Service) Join(ctx context.Context, ev wire.Join) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, err := s.store.GetJudge(ctx, ev.DeviceID)
	if err != nil {
		return fmt.Errorf("join %s: %w", ev.DeviceID, err)
	}
	if j.MatchID != ev.MatchID {
		return fmt.Errorf("join %s for match %d, bound to %d: %w", ev.DeviceID, ev.MatchID, j.MatchID, errs.ErrStaleState)
	}

	j.Connected = true
	if name := strings.TrimSpace(ev.JudgeName); name != "" {
		j.Name = name
	}
	if err := s.store.UpsertJudge(ctx, j); err != nil {
		return err
	}

	s.broadcast(ctx, wire.Joined{JudgeName: j.Name, DeviceID: j.DeviceID, MatchID: j.MatchID})
	return nil
}

// Leave marks a judge disconnected once its last bus connection is gone.
// Devices the directory no longer knows are ignored.
func (s *Service) Leave(ctx context.Context, deviceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, err := s.store.GetJudge(ctx, deviceID)
	if errors.Is(err, errs.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("leave %s: %w", deviceID, err)
	}
	if !j.Connected {
		return nil
	}
	j.Connected = false
	if err := s.store.UpsertJudge(ctx, j); err != nil {
		return fmt.Errorf("leave %s: %w", deviceID, err)
	}
	s.log.Info().Str("device", deviceID).Int64("match_id", j.MatchID).Msg("judge disconnected")
	return nil
}

// Submit upserts the judge's score for the round and broadcasts the round's
// full snapshot as WAITING or COMPLETE.
func (s *Service) Submit(ctx context.Context, ev wire.Submit) error {
	if err := ev.Validate(); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrValidation, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	m, j, err := s.judgeRoundLocked(ctx, ev.JudgeID, ev.RoundID)
	if err != nil {
		s.metrics.Submission(errs.Signal(err))
		return err
	}

	p, err := s.store.GetProgress(ctx)
	if err != nil {
		return err
	}
	if p.Locked {
		s.metrics.Submission(errs.SignalLocked)
		return fmt.Errorf("submit round %d: %w", ev.RoundID, errs.ErrLocked)
	}

	err = s.store.UpsertScore(ctx, Score{
		RoundID:   ev.RoundID,
		JudgeID:   j.DeviceID,
		Red:       ev.RedScore,
		Blue:      ev.BlueScore,
		Submitted: true,
		UpdatedAt: s.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("save score: %w", err)
	}
	s.metrics.Submission("ok")

	return s.broadcastRoundLocked(ctx, m, ev.RoundID, func(rs RoundScores) wire.Event { return rs.Event() })
}

// Modify soft-invalidates the judge's score so the round drops back to waiting.
func (s *Service) Modify(ctx context.Context, ev wire.Modify) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, j, err := s.judgeRoundLocked(ctx, ev.JudgeID, ev.RoundID)
	if err != nil {
		return err
	}
	if err := s.invalidateLocked(ctx, ev.RoundID, j.DeviceID); err != nil {
		return err
	}

	s.broadcast(ctx, wire.Modified{RoundID: ev.RoundID, JudgeID: j.DeviceID, JudgeName: j.Name})
	return nil
}

// Cancel is the coordinator-side invalidation of one judge's round score.
func (s *Service) Cancel(ctx context.Context, roundID int64, judgeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, j, err := s.judgeRoundLocked(ctx, judgeID, roundID)
	if err != nil {
		return err
	}
	if err := s.invalidateLocked(ctx, roundID, j.DeviceID); err != nil {
		return err
	}

	return s.broadcastRoundLocked(ctx, m, roundID, func(rs RoundScores) wire.Event {
		return wire.Cancelled{RoundID: roundID, JudgeID: j.DeviceID, Submitted: rs.Judges}
	})
}

// invalidateLocked treats a missing row as already unsubmitted.
func (s *Service) invalidateLocked(ctx context.Context, roundID int64, judgeID string) error {
	err := s.store.SetSubmitted(ctx, roundID, judgeID, false, s.now().UTC())
	if err != nil && !errors.Is(err, errs.ErrNotFound) {
		return fmt.Errorf("invalidate score: %w", err)
	}
	return nil
}

func (s *Service) judgeRoundLocked(ctx context.Context, judgeID string, roundID int64) (Match, Judge, error) {
	j, err := s.store.GetJudge(ctx, judgeID)
	if err != nil {
		return Match{}, Judge{}, fmt.Errorf("judge %s: %w", judgeID, err)
	}
	m, err := s.store.GetMatch(ctx, j.MatchID)
	if err != nil {
		return Match{}, Judge{}, fmt.Errorf("match %d: %w", j.MatchID, err)
	}
	for _, r := range m.Rounds {
		if r.ID == roundID {
			return m, j, nil
		}
	}
	return Match{}, Judge{}, fmt.Errorf("round %d is not in match %d: %w", roundID, m.ID, errs.ErrStaleState)
}

func (s *Service) broadcastRoundLocked(ctx context.Context, m Match, roundID int64, build func(RoundScores) wire.Event) error {
	g, err := s.gridLocked(ctx, m)
	if err != nil {
		return err
	}
	rs, ok := g.Round(roundID)
	if !ok {
		return fmt.Errorf("round %d: %w", roundID, errs.ErrNotFound)
	}
	s.broadcast(ctx, build(rs))
	return nil
}

// broadcast never fails the mutation: the store is already updated and
// participants converge through their next pull.
func (s *Service) broadcast(ctx context.Context, ev wire.Event) {
	if s.broker == nil {
		return
	}
	data, err := wire.Encode(ev)
	if err != nil {
		s.log.Error().Err(err).Str("kind", string(ev.Kind())).Msg("encode broadcast")
		return
	}
	topic, _ := wire.TopicOf(ev.Kind())
	if err := s.broker.Broadcast(ctx, topic, data); err != nil {
		s.log.Warn().Err(err).Str("kind", string(ev.Kind())).Msg("broadcast failed")
	}
}
