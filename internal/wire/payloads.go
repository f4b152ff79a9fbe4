package wire

import (
	"errors"
	"fmt"
	"strings"
)

const (
	MinScore = 0
	MaxScore = 100
)

// JudgeScore is one row of a round snapshot.
type JudgeScore struct {
	JudgeID   string `json:"judgeId"`
	JudgeName string `json:"judgeName,omitempty"`
	Red       int    `json:"red"`
	Blue      int    `json:"blue"`
	Submitted bool   `json:"submitted"`
}

type Round struct {
	ID     int64 `json:"id"`
	Number int   `json:"number"`
}

type Judge struct {
	DeviceID string `json:"deviceId"`
	Name     string `json:"name"`
}

// Match carries everything a participant needs to swap to a new match
// without another pull.
type Match struct {
	ID       int64   `json:"id"`
	Sequence int     `json:"sequence"`
	Division string  `json:"division"`
	Red      string  `json:"red"`
	Blue     string  `json:"blue"`
	Rounds   []Round `json:"rounds"`
	Judges   []Judge `json:"judges"`
}

type Joined struct {
	JudgeName string `json:"judgeName"`
	DeviceID  string `json:"deviceId"`
	MatchID   int64  `json:"matchId,omitempty"`
}

type Modified struct {
	RoundID   int64  `json:"roundId"`
	JudgeID   string `json:"judgeId"`
	JudgeName string `json:"judgeName,omitempty"`
}

type Cancelled struct {
	RoundID   int64        `json:"roundId"`
	JudgeID   string       `json:"judgeId"`
	Submitted []JudgeScore `json:"submitted"`
}

type Waiting struct {
	RoundID   int64        `json:"roundId"`
	Submitted []JudgeScore `json:"submitted"`
}

type Complete struct {
	RoundID     int64        `json:"roundId"`
	RoundNumber int          `json:"roundNumber"`
	TotalRed    int          `json:"totalRed"`
	TotalBlue   int          `json:"totalBlue"`
	Submitted   []JudgeScore `json:"submitted"`
}

type NextMatch struct {
	Match Match `json:"match"`
}

type Submit struct {
	RoundID   int64  `json:"roundId"`
	RedScore  int    `json:"redScore"`
	BlueScore int    `json:"blueScore"`
	JudgeID   string `json:"judgeId"`
}

type Join struct {
	JudgeName string `json:"judgeName"`
	DeviceID  string `json:"deviceId"`
	MatchID   int64  `json:"matchId"`
}

type Modify struct {
	RoundID int64  `json:"roundId"`
	JudgeID string `json:"judgeId"`
}

func (Joined) Kind() Kind    { return KindJoined }
func (Modified) Kind() Kind  { return KindModified }
func (Cancelled) Kind() Kind { return KindCancelled }
func (Waiting) Kind() Kind   { return KindWaiting }
func (Complete) Kind() Kind  { return KindComplete }
func (NextMatch) Kind() Kind { return KindNextMatch }
func (Submit) Kind() Kind    { return KindSubmit }
func (Join) Kind() Kind      { return KindJoin }
func (Modify) Kind() Kind    { return KindModify }

func (Joined) isEvent()    {}
func (Modified) isEvent()  {}
func (Cancelled) isEvent() {}
func (Waiting) isEvent()   {}
func (Complete) isEvent()  {}
func (NextMatch) isEvent() {}
func (Submit) isEvent()    {}
func (Join) isEvent()      {}
func (Modify) isEvent()    {}

var (
	errNoRound  = errors.New("roundId must be positive")
	errNoJudge  = errors.New("judgeId is empty")
	errNoDevice = errors.New("deviceId is empty")
	errNoName   = errors.New("judgeName is empty")
	errNoMatch  = errors.New("matchId must be positive")
)

func (e Joined) Validate() error {
	if strings.TrimSpace(e.DeviceID) == "" {
		return errNoDevice
	}
	if strings.TrimSpace(e.JudgeName) == "" {
		return errNoName
	}
	return nil
}

func (e Modified) Validate() error {
	if e.RoundID <= 0 {
		return errNoRound
	}
	if e.JudgeID == "" {
		return errNoJudge
	}
	return nil
}

func (e Cancelled) Validate() error {
	if e.RoundID <= 0 {
		return errNoRound
	}
	if e.JudgeID == "" {
		return errNoJudge
	}
	return validateSnapshot(e.Submitted)
}

func (e Waiting) Validate() error {
	if e.RoundID <= 0 {
		return errNoRound
	}
	return validateSnapshot(e.Submitted)
}

func (e Complete) Validate() error {
	if e.RoundID <= 0 {
		return errNoRound
	}
	return validateSnapshot(e.Submitted)
}

func (e NextMatch) Validate() error {
	if e.Match.ID <= 0 {
		return errNoMatch
	}
	seen := make(map[int64]bool, len(e.Match.Rounds))
	for _, r := range e.Match.Rounds {
		if r.ID <= 0 {
			return errNoRound
		}
		if seen[r.ID] {
			return fmt.Errorf("duplicate round %d", r.ID)
		}
		seen[r.ID] = true
	}
	return nil
}

func (e Submit) Validate() error {
	if e.RoundID <= 0 {
		return errNoRound
	}
	if e.JudgeID == "" {
		return errNoJudge
	}
	if err := ValidateScore(e.RedScore); err != nil {
		return fmt.Errorf("redScore: %w", err)
	}
	if err := ValidateScore(e.BlueScore); err != nil {
		return fmt.Errorf("blueScore: %w", err)
	}
	return nil
}

func (e Join) Validate() error {
	if strings.TrimSpace(e.DeviceID) == "" {
		return errNoDevice
	}
	if strings.TrimSpace(e.JudgeName) == "" {
		return errNoName
	}
	if e.MatchID <= 0 {
		return errNoMatch
	}
	return nil
}

func (e Modify) Validate() error {
	if e.RoundID <= 0 {
		return errNoRound
	}
	if e.JudgeID == "" {
		return errNoJudge
	}
	return nil
}

func ValidateScore(v int) error {
	if v < MinScore || v > MaxScore {
		return fmt.Errorf("score %d out of range [%d, %d]", v, MinScore, MaxScore)
	}
	return nil
}

func validateSnapshot(rows []JudgeScore) error {
	for _, r := range rows {
		if r.JudgeID == "" {
			return errNoJudge
		}
	}
	return nil
}

// NormalizeName folds case and whitespace so reconnects under a slightly
// different spelling map to the same judge row.
func NormalizeName(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}
