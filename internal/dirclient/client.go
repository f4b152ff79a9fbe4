// Package dirclient talks to the directory's REST surface on behalf of the
// coordinator and judge participants.
package dirclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"example.com/scorebridge/internal/access"
	"example.com/scorebridge/internal/directory"
	"example.com/scorebridge/internal/errs"
	"example.com/scorebridge/internal/httpapi"
	"example.com/scorebridge/internal/wire"
)

// Client carries no per-call timeout; the caller's context bounds each call.
type Client struct {
	base  string
	http  *http.Client
	token func() string
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithToken sets the bearer token source for coordinator-only calls.
func WithToken(token func() string) Option {
	return func(c *Client) { c.token = token }
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{base: strings.TrimRight(baseURL, "/"), http: http.DefaultClient}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s %s: encode: %w", method, path, err)
		}
		rd = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != nil {
		if tok := c.token(); tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%s %s: %w", method, path, ctx.Err())
		}
		return fmt.Errorf("%s %s: %w: %v", method, path, errs.ErrTransport, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return decodeError(method, path, resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s %s: decode: %w", method, path, err)
	}
	return nil
}

func decodeError(method, path string, resp *http.Response) error {
	var body httpapi.ErrorResponse
	_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&body)

	sentinel := errs.FromSignal(body.Code)
	if sentinel == nil {
		sentinel = byStatus(resp.StatusCode)
	}
	msg := body.Message
	if msg == "" {
		msg = resp.Status
	}
	if sentinel == nil {
		return fmt.Errorf("%s %s: %s", method, path, msg)
	}
	return fmt.Errorf("%s %s: %w: %s", method, path, sentinel, msg)
}

func byStatus(status int) error {
	switch status {
	case http.StatusBadRequest:
		return errs.ErrValidation
	case http.StatusUnauthorized, http.StatusForbidden:
		return errs.ErrAuth
	case http.StatusNotFound:
		return errs.ErrNotFound
	case http.StatusConflict:
		return errs.ErrConflict
	case http.StatusLocked:
		return errs.ErrLocked
	case http.StatusTooManyRequests:
		return errs.ErrRateLimited
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return errs.ErrTransport
	}
	return nil
}

// --- reads ---

func (c *Client) ListMatches(ctx context.Context) ([]directory.Match, error) {
	var out []directory.Match
	return out, c.do(ctx, http.MethodGet, "/api/matches", nil, &out)
}

func (c *Client) Match(ctx context.Context, id int64) (directory.Match, error) {
	var out directory.Match
	return out, c.do(ctx, http.MethodGet, "/api/matches/"+strconv.FormatInt(id, 10), nil, &out)
}

func (c *Client) Rounds(ctx context.Context, matchID int64) ([]directory.Round, error) {
	var out []directory.Round
	return out, c.do(ctx, http.MethodGet, "/api/matches/"+strconv.FormatInt(matchID, 10)+"/rounds", nil, &out)
}

func (c *Client) CurrentMatch(ctx context.Context) (directory.Match, error) {
	var out directory.Match
	return out, c.do(ctx, http.MethodGet, "/api/progress/current", nil, &out)
}

func (c *Client) Progress(ctx context.Context) (directory.Progress, error) {
	var out directory.Progress
	return out, c.do(ctx, http.MethodGet, "/api/progress", nil, &out)
}

func (c *Client) ScoresByMatch(ctx context.Context, matchID int64) (directory.Grid, error) {
	var out directory.Grid
	q := url.Values{"matchId": {strconv.FormatInt(matchID, 10)}}
	return out, c.do(ctx, http.MethodGet, "/api/scores/by-match?"+q.Encode(), nil, &out)
}

func (c *Client) Judges(ctx context.Context, matchID int64) ([]directory.Judge, error) {
	var out []directory.Judge
	q := url.Values{"matchId": {strconv.FormatInt(matchID, 10)}}
	return out, c.do(ctx, http.MethodGet, "/api/judges/current?"+q.Encode(), nil, &out)
}

// --- judges ---

func (c *Client) Verify(ctx context.Context, accessCode, password string) (bool, error) {
	var out httpapi.VerifyResponse
	err := c.do(ctx, http.MethodPost, "/api/judge-access/verify", httpapi.VerifyRequest{AccessCode: accessCode, Password: password}, &out)
	return out.Valid, err
}

func (c *Client) Register(ctx context.Context, req directory.RegisterRequest) (directory.Registration, error) {
	var out directory.Registration
	return out, c.do(ctx, http.MethodPost, "/api/judges", req, &out)
}

// --- coordinator ---

// CoordinatorSession trades the admin key for a coordinator token.
func (c *Client) CoordinatorSession(ctx context.Context, adminKey string) (string, error) {
	var out httpapi.SessionResponse
	if err := c.do(ctx, http.MethodPost, "/api/coordinator/session", httpapi.SessionRequest{AdminKey: adminKey}, &out); err != nil {
		return "", err
	}
	if out.AccessToken == "" {
		return "", errors.New("coordinator session: empty token")
	}
	return out.AccessToken, nil
}

func (c *Client) ImportMatches(ctx context.Context, ms []directory.Match) ([]directory.Match, error) {
	var out []directory.Match
	return out, c.do(ctx, http.MethodPost, "/api/matches", ms, &out)
}

func (c *Client) SetPassword(ctx context.Context, password string) (access.Credential, error) {
	var out access.Credential
	return out, c.do(ctx, http.MethodPost, "/api/judge-access/password", httpapi.PasswordRequest{Password: password}, &out)
}

func (c *Client) StartProgress(ctx context.Context, matchID int64, judgeCount int) (directory.Progress, error) {
	var out directory.Progress
	return out, c.do(ctx, http.MethodPost, "/api/progress/start", httpapi.StartRequest{MatchID: matchID, JudgeCount: judgeCount}, &out)
}

func (c *Client) SetLocked(ctx context.Context, locked bool) (directory.Progress, error) {
	path := "/api/progress/unlock"
	if locked {
		path = "/api/progress/lock"
	}
	var out directory.Progress
	return out, c.do(ctx, http.MethodPost, path, nil, &out)
}

func (c *Client) AdvanceMatch(ctx context.Context, fromMatchID int64) (wire.Match, error) {
	var out wire.Match
	return out, c.do(ctx, http.MethodPost, "/api/progress/next", httpapi.AdvanceRequest{FromMatchID: fromMatchID}, &out)
}

func (c *Client) EndEvent(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/api/progress/end", nil, nil)
}

func (c *Client) Cancel(ctx context.Context, roundID int64, judgeID string) error {
	return c.do(ctx, http.MethodPost, "/api/scores/cancel", httpapi.CancelRequest{RoundID: roundID, JudgeID: judgeID}, nil)
}
