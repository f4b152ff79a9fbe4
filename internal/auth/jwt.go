package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	RoleJudge       = "judge"
	RoleCoordinator = "coordinator"
)

type Claims struct {
	DeviceID string `json:"did,omitempty"`
	MatchID  int64  `json:"mid,omitempty"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

// Signer issues and checks session tokens with one HS256 secret.
type Signer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewSigner(secret []byte, ttl time.Duration) *Signer {
	return &Signer{secret: secret, ttl: ttl, now: time.Now}
}

func (s *Signer) SignJudge(deviceID string, matchID int64) (string, error) {
	return s.sign(Claims{DeviceID: deviceID, MatchID: matchID, Role: RoleJudge})
}

func (s *Signer) SignCoordinator() (string, error) {
	return s.sign(Claims{Role: RoleCoordinator})
}

func (s *Signer) sign(claims Claims) (string, error) {
	now := s.now()
	claims.RegisteredClaims = jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		IssuedAt:  jwt.NewNumericDate(now),
	}

	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return t.SignedString(s.secret)
}

func (s *Signer) Verify(token string) (*Claims, error) {
	t, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(s.now))
	if err != nil {
		return nil, err
	}

	claims, ok := t.Claims.(*Claims)
	if !ok || !t.Valid {
		return nil, jwt.ErrTokenInvalidClaims
	}
	return claims, nil
}

var ErrNotJudge = errors.New("token is not a judge session")

// JudgeDevice is a bus.TokenVerifier: it accepts judge tokens only.
func (s *Signer) JudgeDevice(token string) (string, error) {
	c, err := s.Verify(token)
	if err != nil {
		return "", err
	}
	if c.Role != RoleJudge || c.DeviceID == "" {
		return "", ErrNotJudge
	}
	return c.DeviceID, nil
}
