package directory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"example.com/scorebridge/internal/access"
	"example.com/scorebridge/internal/errs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const pgForeignKeyViolation = "23503"

type PostgresStore struct {
	db *pgxpool.Pool
}

func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return errs.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgForeignKeyViolation {
		return fmt.Errorf("%w: %s", errs.ErrNotFound, pgErr.ConstraintName)
	}
	return err
}

func (s *PostgresStore) InsertMatch(ctx context.Context, m Match) (Match, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return Match{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	err = tx.QueryRow(ctx,
		`INSERT INTO matches (sequence, division, red, blue)
		 VALUES ($1, $2, $3, $4) RETURNING id`,
		m.Sequence, m.Division, m.Red, m.Blue,
	).Scan(&m.ID)
	if err != nil {
		return Match{}, fmt.Errorf("insert match: %w", err)
	}

	rounds := make([]Round, len(m.Rounds))
	for i, r := range m.Rounds {
		r.MatchID = m.ID
		err := tx.QueryRow(ctx,
			`INSERT INTO rounds (match_id, number) VALUES ($1, $2) RETURNING id`,
			r.MatchID, r.Number,
		).Scan(&r.ID)
		if err != nil {
			return Match{}, fmt.Errorf("insert round %d: %w", r.Number, err)
		}
		rounds[i] = r
	}
	m.Rounds = rounds

	if err := tx.Commit(ctx); err != nil {
		return Match{}, err
	}
	return m, nil
}

func (s *PostgresStore) ListMatches(ctx context.Context) ([]Match, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, sequence, division, red, blue FROM matches ORDER BY sequence, id`)
	if err != nil {
		return nil, err
	}
	matches, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Match, error) {
		var m Match
		err := row.Scan(&m.ID, &m.Sequence, &m.Division, &m.Red, &m.Blue)
		return m, err
	})
	if err != nil {
		return nil, err
	}

	rounds, err := s.rounds(ctx, `SELECT id, match_id, number FROM rounds ORDER BY match_id, number`)
	if err != nil {
		return nil, err
	}
	byMatch := make(map[int64][]Round)
	for _, r := range rounds {
		byMatch[r.MatchID] = append(byMatch[r.MatchID], r)
	}
	for i := range matches {
		matches[i].Rounds = byMatch[matches[i].ID]
	}
	return matches, nil
}

func (s *PostgresStore) GetMatch(ctx context.Context, id int64) (Match, error) {
	var m Match
	err := s.db.QueryRow(ctx,
		`SELECT id, sequence, division, red, blue FROM matches WHERE id = $1`,
		id,
	).Scan(&m.ID, &m.Sequence, &m.Division, &m.Red, &m.Blue)
	if err != nil {
		return Match{}, notFound(err)
	}

	m.Rounds, err = s.rounds(ctx,
		`SELECT id, match_id, number FROM rounds WHERE match_id = $1 ORDER BY number`, id)
	if err != nil {
		return Match{}, err
	}
	return m, nil
}

func (s *PostgresStore) rounds(ctx context.Context, sql string, args ...any) ([]Round, error) {
	rows, err := s.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Round, error) {
		var r Round
		err := row.Scan(&r.ID, &r.MatchID, &r.Number)
		return r, err
	})
}

func (s *PostgresStore) GetProgress(ctx context.Context) (Progress, error) {
	var p Progress
	err := s.db.QueryRow(ctx,
		`SELECT COALESCE(current_match_id, 0), judge_count, locked FROM progress WHERE id = 1`,
	).Scan(&p.CurrentMatchID, &p.JudgeCount, &p.Locked)
	if errors.Is(err, pgx.ErrNoRows) {
		return Progress{}, nil
	}
	return p, err
}

func (s *PostgresStore) SaveProgress(ctx context.Context, p Progress) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO progress (id, current_match_id, judge_count, locked)
		 VALUES (1, NULLIF($1, 0), $2, $3)
		 ON CONFLICT (id) DO UPDATE
		 SET current_match_id = EXCLUDED.current_match_id,
		     judge_count = EXCLUDED.judge_count,
		     locked = EXCLUDED.locked`,
		p.CurrentMatchID, p.JudgeCount, p.Locked,
	)
	return notFound(err)
}

func (s *PostgresStore) UpsertJudge(ctx context.Context, j Judge) error {
	if j.JoinedAt.IsZero() {
		j.JoinedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(ctx,
		`INSERT INTO judges (device_id, name, match_id, connected, joined_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (device_id) DO UPDATE
		 SET name = EXCLUDED.name,
		     match_id = EXCLUDED.match_id,
		     connected = EXCLUDED.connected`,
		j.DeviceID, j.Name, j.MatchID, j.Connected, j.JoinedAt,
	)
	return notFound(err)
}

func (s *PostgresStore) GetJudge(ctx context.Context, deviceID string) (Judge, error) {
	var j Judge
	err := s.db.QueryRow(ctx,
		`SELECT device_id, name, match_id, connected, joined_at FROM judges WHERE device_id = $1`,
		deviceID,
	).Scan(&j.DeviceID, &j.Name, &j.MatchID, &j.Connected, &j.JoinedAt)
	if err != nil {
		return Judge{}, notFound(err)
	}
	return j, nil
}

func (s *PostgresStore) ListJudges(ctx context.Context, matchID int64) ([]Judge, error) {
	rows, err := s.db.Query(ctx,
		`SELECT device_id, name, match_id, connected, joined_at
		 FROM judges WHERE match_id = $1 ORDER BY joined_at, device_id`,
		matchID,
	)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Judge, error) {
		var j Judge
		err := row.Scan(&j.DeviceID, &j.Name, &j.MatchID, &j.Connected, &j.JoinedAt)
		return j, err
	})
}

func (s *PostgresStore) RebindJudges(ctx context.Context, from, to int64) error {
	_, err := s.db.Exec(ctx, `UPDATE judges SET match_id = $2 WHERE match_id = $1`, from, to)
	return notFound(err)
}

func (s *PostgresStore) UpsertScore(ctx context.Context, sc Score) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO scores (round_id, judge_id, red, blue, submitted, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (round_id, judge_id) DO UPDATE
		 SET red = EXCLUDED.red,
		     blue = EXCLUDED.blue,
		     submitted = EXCLUDED.submitted,
		     updated_at = EXCLUDED.updated_at`,
		sc.RoundID, sc.JudgeID, sc.Red, sc.Blue, sc.Submitted, sc.UpdatedAt,
	)
	return notFound(err)
}

func (s *PostgresStore) SetSubmitted(ctx context.Context, roundID int64, judgeID string, submitted bool, at time.Time) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE scores SET submitted = $3, updated_at = $4 WHERE round_id = $1 AND judge_id = $2`,
		roundID, judgeID, submitted, at,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListScores(ctx context.Context, matchID int64) ([]Score, error) {
	rows, err := s.db.Query(ctx,
		`SELECT s.round_id, s.judge_id, s.red, s.blue, s.submitted, s.updated_at
		 FROM scores s JOIN rounds r ON r.id = s.round_id
		 WHERE r.match_id = $1
		 ORDER BY s.round_id, s.judge_id`,
		matchID,
	)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Score, error) {
		var sc Score
		err := row.Scan(&sc.RoundID, &sc.JudgeID, &sc.Red, &sc.Blue, &sc.Submitted, &sc.UpdatedAt)
		return sc, err
	})
}

func (s *PostgresStore) ResetEvent(ctx context.Context) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, stmt := range []string{
		`DELETE FROM scores`,
		`DELETE FROM judges`,
		`DELETE FROM progress`,
	} {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("reset event: %w", err)
		}
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) SaveAccess(ctx context.Context, c access.Credential) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO judge_access (code, password_hash, created_at) VALUES ($1, $2, $3)`,
		c.Code, c.PasswordHash, c.CreatedAt,
	)
	return err
}

func (s *PostgresStore) GetAccess(ctx context.Context, code string) (access.Credential, error) {
	var c access.Credential
	err := s.db.QueryRow(ctx,
		`SELECT code, password_hash, created_at FROM judge_access WHERE code = $1`,
		code,
	).Scan(&c.Code, &c.PasswordHash, &c.CreatedAt)
	if err != nil {
		return access.Credential{}, notFound(err)
	}
	return c, nil
}
