// Package httpapi is the directory's REST surface.
package httpapi

import (
	"crypto/subtle"
	"fmt"
	"net"
	"net/http"
	"strconv"

	"example.com/scorebridge/internal/access"
	"example.com/scorebridge/internal/auth"
	"example.com/scorebridge/internal/directory"
	"example.com/scorebridge/internal/errs"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

type Handler struct {
	Directory *directory.Service
	Access    *access.Service
	Signer    *auth.Signer
	AdminKey  string
	Log       zerolog.Logger
}

type StartRequest struct {
	MatchID    int64 `json:"matchId"`
	JudgeCount int   `json:"judgeCount"`
}

type AdvanceRequest struct {
	FromMatchID int64 `json:"fromMatchId"`
}

type PasswordRequest struct {
	Password string `json:"password"`
}

type VerifyRequest struct {
	AccessCode string `json:"accessCode"`
	Password   string `json:"password"`
}

type VerifyResponse struct {
	Valid bool `json:"valid"`
}

type CancelRequest struct {
	RoundID int64  `json:"roundId"`
	JudgeID string `json:"judgeId"`
}

type SessionRequest struct {
	AdminKey string `json:"adminKey"`
}

type SessionResponse struct {
	AccessToken string `json:"accessToken"`
}

func pathID(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: bad %s", errs.ErrValidation, name)
	}
	return id, nil
}

func queryID(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(r.URL.Query().Get(name), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: query parameter %s is required", errs.ErrValidation, name)
	}
	return id, nil
}

// --- matches ---

func (h *Handler) ListMatches(w http.ResponseWriter, r *http.Request) {
	ms, err := h.Directory.ListMatches(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ms)
}

func (h *Handler) ImportMatches(w http.ResponseWriter, r *http.Request) {
	var ms []directory.Match
	if err := decodeJSON(r, &ms); err != nil {
		h.fail(w, r, err)
		return
	}
	out, err := h.Directory.ImportMatches(r.Context(), ms)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

func (h *Handler) GetMatch(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	m, err := h.Directory.Match(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (h *Handler) ListRounds(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	rounds, err := h.Directory.Rounds(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rounds)
}

// --- progress ---

func (h *Handler) GetProgress(w http.ResponseWriter, r *http.Request) {
	p, err := h.Directory.Progress(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *Handler) CurrentMatch(w http.ResponseWriter, r *http.Request) {
	m, err := h.Directory.CurrentMatch(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (h *Handler) StartProgress(w http.ResponseWriter, r *http.Request) {
	var req StartRequest
	if err := decodeJSON(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	p, err := h.Directory.StartProgress(r.Context(), req.MatchID, req.JudgeCount)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *Handler) AdvanceMatch(w http.ResponseWriter, r *http.Request) {
	var req AdvanceRequest
	if err := decodeJSON(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	next, err := h.Directory.AdvanceMatch(r.Context(), req.FromMatchID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, next)
}

func (h *Handler) EndEvent(w http.ResponseWriter, r *http.Request) {
	if err := h.Directory.EndEvent(r.Context()); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) setLocked(locked bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := h.Directory.SetLocked(r.Context(), locked)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, p)
	}
}

// --- scores ---

func (h *Handler) ScoresByMatch(w http.ResponseWriter, r *http.Request) {
	id, err := queryID(r, "matchId")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	g, err := h.Directory.ScoresByMatch(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (h *Handler) CancelScore(w http.ResponseWriter, r *http.Request) {
	var req CancelRequest
	if err := decodeJSON(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	if req.RoundID <= 0 || req.JudgeID == "" {
		h.fail(w, r, fmt.Errorf("%w: roundId and judgeId are required", errs.ErrValidation))
		return
	}
	if err := h.Directory.Cancel(r.Context(), req.RoundID, req.JudgeID); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- access and judges ---

func (h *Handler) SetPassword(w http.ResponseWriter, r *http.Request) {
	var req PasswordRequest
	if err := decodeJSON(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	cred, err := h.Access.SetPassword(r.Context(), req.Password)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, cred)
}

func (h *Handler) Verify(w http.ResponseWriter, r *http.Request) {
	var req VerifyRequest
	if err := decodeJSON(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	ok, err := h.Access.Verify(access.WithCaller(r.Context(), remoteHost(r)), req.AccessCode, req.Password)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, VerifyResponse{Valid: ok})
}

func (h *Handler) RegisterJudge(w http.ResponseWriter, r *http.Request) {
	var req directory.RegisterRequest
	if err := decodeJSON(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	reg, err := h.Directory.Register(access.WithCaller(r.Context(), remoteHost(r)), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, reg)
}

func (h *Handler) ListJudges(w http.ResponseWriter, r *http.Request) {
	id, err := queryID(r, "matchId")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	judges, err := h.Directory.Judges(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, judges)
}

// CoordinatorSession trades the configured admin key for a coordinator token.
func (h *Handler) CoordinatorSession(w http.ResponseWriter, r *http.Request) {
	var req SessionRequest
	if err := decodeJSON(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	if h.AdminKey == "" || subtle.ConstantTimeCompare([]byte(req.AdminKey), []byte(h.AdminKey)) != 1 {
		h.fail(w, r, fmt.Errorf("coordinator session: %w", errs.ErrAuth))
		return
	}
	token, err := h.Signer.SignCoordinator()
	if err != nil {
		h.fail(w, r, fmt.Errorf("sign coordinator token: %w", err))
		return
	}
	writeJSON(w, http.StatusOK, SessionResponse{AccessToken: token})
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
