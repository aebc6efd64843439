package model

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"
)

// sessionTTL bounds how long a locally created, never-submitted session
// survives before it may be pruned.
const sessionTTL = 180 * 24 * time.Hour

// QuestionAttempt records the terminal attempt for one question.
type QuestionAttempt struct {
	Slide    int     `json:"slide"`
	RespType QType   `json:"resp_type"`
	Response string  `json:"response"`
	Explain  string  `json:"explain,omitempty"`
	Plugin   string  `json:"plugin,omitempty"`
	Expect   string  `json:"expect,omitempty"`
	// Score is nil for ungraded responses, which is distinct from a
	// zero score.
	Score *float64 `json:"score"`
}

// Session is the serializable state of one learner's pass through one
// named session. It is created on first visit, mutated on every answer
// or navigation, and never deleted, only reset on redefinition.
type Session struct {
	Version   int       `json:"version"`
	Revision  string    `json:"revision"`
	Paced     bool      `json:"paced"`
	PaceLevel PaceLevel `json:"paceLevel"`
	// RandomSeed is generated once at creation and drives all
	// reproducible randomness for the session's lifetime.
	RandomSeed uint32 `json:"randomSeed"`

	LastSlide int `json:"lastSlide"`
	// LastTime is the epoch-millisecond instant the current slide was
	// entered (or the last attempt was made).
	LastTime       int64 `json:"lastTime"`
	LastTries      int   `json:"lastTries"`
	RemainingTries int   `json:"remainingTries"`
	// LastAnswersCorrect is a signed tri-state streak accumulator:
	// 2/1 = current/prior streak all-correct, -2/-1 = streak has a miss.
	LastAnswersCorrect int `json:"lastAnswersCorrect"`
	SkipToSlide        int `json:"skipToSlide"`

	QuestionsCount   int     `json:"questionsCount"`
	QuestionsCorrect int     `json:"questionsCorrect"`
	QuestionsSkipped int     `json:"questionsSkipped"`
	WeightedCount    float64 `json:"weightedCount"`
	WeightedCorrect  float64 `json:"weightedCorrect"`

	// QuestionsAttempted maps question number to its terminal attempt;
	// append-only during a session.
	QuestionsAttempted map[int]QuestionAttempt `json:"questionsAttempted"`
	// MissedConcepts holds [missed, attempted] pairs for the primary
	// (index 0) and secondary (index 1) concept lists, indexed by the
	// concept's position in the definition's ConceptLists.
	MissedConcepts [2][][2]int `json:"missedConcepts"`
	// Plugins holds opaque persisted state per plugin name.
	Plugins map[string]json.RawMessage `json:"plugins"`

	// Submitted is empty until the session is finalized, then holds the
	// submission timestamp and is terminal.
	Submitted  string `json:"submitted,omitempty"`
	LateToken  string `json:"lateToken,omitempty"`
	ExpiryTime int64  `json:"expiryTime"`
}

// NewSession creates a fresh session state for the given definition.
func NewSession(def *SessionDef, seed uint32, now time.Time) *Session {
	s := &Session{
		Version:            def.Version,
		Revision:           def.Revision,
		Paced:              def.Paced(),
		PaceLevel:          def.PaceLevel,
		RandomSeed:         seed,
		LastSlide:          0,
		LastTime:           now.UnixMilli(),
		QuestionsAttempted: make(map[int]QuestionAttempt),
		Plugins:            make(map[string]json.RawMessage),
		ExpiryTime:         now.Add(sessionTTL).UnixMilli(),
	}
	for level := 0; level < 2; level++ {
		s.MissedConcepts[level] = make([][2]int, len(def.ConceptLists[level]))
	}
	return s
}

// Matches reports whether the stored session was created from the same
// definition version and revision; a mismatch invalidates the stored
// session and forces recreation.
func (s *Session) Matches(def *SessionDef) bool {
	return s.Version == def.Version && s.Revision == def.Revision
}

// IsSubmitted reports whether the session has been finalized.
func (s *Session) IsSubmitted() bool { return s.Submitted != "" }

// Expired reports whether a local-only session is past its TTL.
func (s *Session) Expired(now time.Time) bool {
	return s.ExpiryTime > 0 && now.UnixMilli() > s.ExpiryTime
}

// Encode packages the session as the opaque blob stored in the row's
// hidden column (base64 over JSON; the format only needs round-trip
// fidelity).
func (s *Session) Encode() (string, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("marshal session: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// DecodeSession unpacks a session blob produced by Encode.
func DecodeSession(blob string) (*Session, error) {
	data, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return nil, fmt.Errorf("decode session blob: %w", err)
	}
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	if s.QuestionsAttempted == nil {
		s.QuestionsAttempted = make(map[int]QuestionAttempt)
	}
	if s.Plugins == nil {
		s.Plugins = make(map[string]json.RawMessage)
	}
	return &s, nil
}
