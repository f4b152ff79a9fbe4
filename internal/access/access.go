// Package access gates judge joins behind a per-event access code and a short
// numeric password.
package access

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"example.com/scorebridge/internal/errs"
	"example.com/scorebridge/internal/metrics"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/time/rate"
)

const PasswordLength = 4

type Credential struct {
	Code         string    `json:"accessCode"`
	PasswordHash []byte    `json:"-"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Store is implemented by the directory stores.
type Store interface {
	SaveAccess(ctx context.Context, c Credential) error
	GetAccess(ctx context.Context, code string) (Credential, error) // errs.ErrNotFound
}

type Service struct {
	store   Store
	limiter *codeLimiter
	cost    int
	log     zerolog.Logger
	metrics *metrics.Manager
	now     func() time.Time
}

type Option func(*Service)

// WithLimit sets the verify rate per access code and caller.
func WithLimit(r rate.Limit, burst int) Option {
	return func(s *Service) {
		s.limiter = newCodeLimiter(r, burst)
	}
}

func WithBcryptCost(cost int) Option {
	return func(s *Service) { s.cost = cost }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithMetrics(m *metrics.Manager) Option {
	return func(s *Service) { s.metrics = m }
}

func NewService(store Store, log zerolog.Logger, opts ...Option) *Service {
	s := &Service{
		store:   store,
		limiter: newCodeLimiter(rate.Every(2*time.Second), 5),
		cost:    bcrypt.DefaultCost,
		log:     log,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func ValidatePassword(pw string) error {
	if len(pw) != PasswordLength {
		return fmt.Errorf("%w: password must be %d digits", errs.ErrValidation, PasswordLength)
	}
	for _, r := range pw {
		if r < '0' || r > '9' {
			return fmt.Errorf("%w: password must be numeric", errs.ErrValidation)
		}
	}
	return nil
}

// SetPassword mints a new access code bound to password.
func (s *Service) SetPassword(ctx context.Context, password string) (Credential, error) {
	if err := ValidatePassword(password); err != nil {
		return Credential{}, err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		return Credential{}, fmt.Errorf("hash password: %w", err)
	}

	c := Credential{
		Code:         uuid.NewString(),
		PasswordHash: hash,
		CreatedAt:    s.now().UTC(),
	}
	if err := s.store.SaveAccess(ctx, c); err != nil {
		return Credential{}, fmt.Errorf("save access: %w", err)
	}
	s.log.Info().Str("access_code", c.Code).Msg("access code issued")
	return c, nil
}

type callerKey struct{}

// WithCaller tags ctx with who is verifying: a remote address or a device id.
// Every judge shares the access code, so the verify budget is per caller.
func WithCaller(ctx context.Context, caller string) context.Context {
	return context.WithValue(ctx, callerKey{}, caller)
}

func CallerFrom(ctx context.Context) (string, bool) {
	c, ok := ctx.Value(callerKey{}).(string)
	return c, ok && c != ""
}

// Verify reports whether password matches code. Attempts are rate limited
// per code and caller; an exhausted budget returns errs.ErrRateLimited.
func (s *Service) Verify(ctx context.Context, code, password string) (bool, error) {
	caller, _ := CallerFrom(ctx)
	if !s.limiter.allow(code+"\x00"+caller, s.now()) {
		s.metrics.Verification("rate_limited")
		return false, errs.ErrRateLimited
	}
	if ValidatePassword(password) != nil {
		s.metrics.Verification("rejected")
		return false, nil
	}

	c, err := s.store.GetAccess(ctx, code)
	if errors.Is(err, errs.ErrNotFound) {
		s.metrics.Verification("rejected")
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load access: %w", err)
	}

	if bcrypt.CompareHashAndPassword(c.PasswordHash, []byte(password)) != nil {
		s.metrics.Verification("rejected")
		return false, nil
	}
	s.metrics.Verification("ok")
	return true, nil
}

const (
	cleanupThreshold = 500
	maxIdleAge       = 10 * time.Minute
)

type codeEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// codeLimiter keeps one token bucket per code and caller pair and prunes idle ones inline.
type codeLimiter struct {
	mu    sync.Mutex
	codes map[string]*codeEntry
	r     rate.Limit
	b     int
}

func newCodeLimiter(r rate.Limit, b int) *codeLimiter {
	return &codeLimiter{codes: make(map[string]*codeEntry), r: r, b: b}
}

func (l *codeLimiter) allow(key string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.codes) > cleanupThreshold {
		cutoff := now.Add(-maxIdleAge)
		for k, e := range l.codes {
			if e.lastSeen.Before(cutoff) {
				delete(l.codes, k)
			}
		}
	}

	e, ok := l.codes[key]
	if !ok {
		e = &codeEntry{limiter: rate.NewLimiter(l.r, l.b)}
		l.codes[key] = e
	}
	e.lastSeen = now
	return e.limiter.AllowN(now, 1)
}
