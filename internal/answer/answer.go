// Package answer scores submitted responses against expected-answer
// specs and maintains the per-session tallies and concept-miss counters.
package answer

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/slidoc/slidoc/internal/model"
)

var (
	// ErrSessionSubmitted rejects answer mutation after finalization.
	ErrSessionSubmitted = errors.New("session already submitted")
	// ErrBadAnswerSpec flags a malformed expected-answer spec; this is a
	// definition error, not a wrong response.
	ErrBadAnswerSpec = errors.New("malformed expected-answer spec")
	// ErrConceptMismatch flags a concept-list length mismatch between the
	// stored session and the current definition. Continuing would corrupt
	// the tallies, so the caller must abort.
	ErrConceptMismatch = errors.New("concept list mismatch")
	// ErrNoPluginResult is returned when a plugin-scored question is
	// submitted without the plugin's own scoring result.
	ErrNoPluginResult = errors.New("missing plugin scoring result")
	// ErrAlreadyAnswered rejects a resubmission to a question whose
	// terminal attempt is already recorded. The attempt map is
	// append-only and every tally mutates once per question.
	ErrAlreadyAnswered = errors.New("question already answered")
)

// toleranceMargin widens numeric comparisons slightly so a response at
// exactly expected±tolerance is never rejected by float rounding.
const toleranceMargin = 1.001

// PluginResult carries the score object returned by a pluggable
// widget's own response/expect lifecycle.
type PluginResult struct {
	Score    *float64
	Response string
	Expect   string
}

// Outcome reports what a submission did to the session.
type Outcome struct {
	// Score is nil for ungraded responses, distinct from zero.
	Score         *float64
	CorrectAnswer string
	// Retry is set when the score fell short and tries remain; the
	// tallies are untouched and the learner may resubmit.
	Retry bool
	// Finalized is set when this was the terminal attempt and the
	// attempt record and tallies were updated.
	Finalized bool
	// Warnings carries non-fatal consistency notices (e.g. an unknown
	// concept tag).
	Warnings []string
}

// Engine scores submissions for one session definition.
type Engine struct {
	def *model.SessionDef
}

// NewEngine creates an engine bound to a session definition.
func NewEngine(def *model.SessionDef) *Engine {
	return &Engine{def: def}
}

// Score compares a raw response against a question's expected-answer
// spec. A nil score means ungraded (no expected answer configured); it
// is never treated as incorrect.
func Score(q *model.QuestionAttrs, response string) (*float64, error) {
	if q.Plugin != "" {
		// Plugin-scored questions never use the built-in comparison.
		return nil, nil
	}
	if strings.TrimSpace(q.Correct) == "" {
		return nil, nil
	}
	switch q.QType {
	case model.QTypeNumber:
		return scoreNumeric(q.Correct, response)
	case model.QTypeChoice:
		return scoreChoice(q.Correct, response), nil
	default:
		return scoreText(q.Correct, response), nil
	}
}

func scoreNumeric(spec, response string) (*float64, error) {
	expectStr, tolStr := spec, ""
	if i := strings.Index(spec, "+/-"); i >= 0 {
		expectStr, tolStr = spec[:i], spec[i+3:]
	}
	expected, err := strconv.ParseFloat(strings.TrimSpace(expectStr), 64)
	if err != nil {
		return nil, fmt.Errorf("%w: numeric expected value %q", ErrBadAnswerSpec, spec)
	}
	tolerance := 0.0
	if strings.TrimSpace(tolStr) != "" {
		tolerance, err = strconv.ParseFloat(strings.TrimSpace(tolStr), 64)
		if err != nil {
			return nil, fmt.Errorf("%w: numeric tolerance %q", ErrBadAnswerSpec, spec)
		}
	}
	resp, err := strconv.ParseFloat(strings.TrimSpace(response), 64)
	if err != nil {
		// A non-numeric response is wrong, not an error.
		return scoreVal(0), nil
	}
	diff := resp - expected
	if diff < 0 {
		diff = -diff
	}
	if diff <= toleranceMargin*tolerance {
		return scoreVal(1), nil
	}
	return scoreVal(0), nil
}

func scoreChoice(spec, response string) *float64 {
	if strings.EqualFold(strings.TrimSpace(response), strings.TrimSpace(spec)) {
		return scoreVal(1)
	}
	return scoreVal(0)
}

func scoreText(spec, response string) *float64 {
	for _, alt := range strings.Split(spec, " OR ") {
		alt = strings.TrimSpace(alt)
		if alt == "" {
			continue
		}
		if strings.ContainsAny(alt, " \t") {
			// Multi-word answers compare with whitespace runs collapsed.
			if collapseSpace(response) == collapseSpace(alt) {
				return scoreVal(1)
			}
		} else if stripSpace(response) == stripSpace(alt) {
			return scoreVal(1)
		}
	}
	return scoreVal(0)
}

func collapseSpace(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

func stripSpace(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), ""))
}

func scoreVal(v float64) *float64 { return &v }

// Submit scores one attempt at a question and applies the retry
// decision table: a scored miss with tries remaining requests a retry
// without touching the tallies; a terminal attempt (correct, ungraded,
// or tries exhausted) records the attempt and updates the tallies.
// Plugin-scored questions must supply the widget's own result.
func (e *Engine) Submit(sess *model.Session, q *model.QuestionAttrs, response, explain string, pr *PluginResult, now time.Time) (*Outcome, error) {
	if sess.IsSubmitted() {
		return nil, ErrSessionSubmitted
	}
	if _, ok := sess.QuestionsAttempted[q.QNumber]; ok {
		return nil, fmt.Errorf("%w: question %d", ErrAlreadyAnswered, q.QNumber)
	}

	out := &Outcome{CorrectAnswer: q.Correct}
	if q.Plugin != "" {
		if pr == nil {
			return nil, fmt.Errorf("%w: question %d uses plugin %q", ErrNoPluginResult, q.QNumber, q.Plugin)
		}
		out.Score = pr.Score
		if pr.Response != "" {
			response = pr.Response
		}
	} else {
		score, err := Score(q, response)
		if err != nil {
			return nil, err
		}
		out.Score = score
	}

	sess.LastTries++
	sess.LastTime = now.UnixMilli()
	if q.QType == model.QTypeChoice {
		// Choice questions allow exactly one try.
		sess.RemainingTries = 0
	} else if sess.RemainingTries > 0 {
		sess.RemainingTries--
	}

	if out.Score != nil && *out.Score < 1 && sess.RemainingTries > 0 {
		out.Retry = true
		return out, nil
	}

	attempt := model.QuestionAttempt{
		Slide:    q.SlideNum,
		RespType: q.QType,
		Response: response,
		Explain:  explain,
		Plugin:   q.Plugin,
		Score:    out.Score,
	}
	if pr != nil {
		attempt.Expect = pr.Expect
	}
	sess.QuestionsAttempted[q.QNumber] = attempt

	weight := q.Weight
	if weight == 0 {
		weight = 1
	}
	sess.QuestionsCount++
	sess.WeightedCount += weight
	if out.Score != nil {
		sess.WeightedCorrect += weight * *out.Score
		if *out.Score >= 1 {
			sess.QuestionsCorrect++
		}
	}

	switch {
	case out.Score == nil:
		// Ungraded attempts neither extend nor break the streak.
	case *out.Score >= 1 && sess.LastAnswersCorrect >= 0:
		sess.LastAnswersCorrect = 2
	default:
		sess.LastAnswersCorrect = -2
	}

	warnings, err := e.trackConcepts(sess, q, out.Score)
	if err != nil {
		return nil, err
	}
	out.Warnings = warnings
	out.Finalized = true
	return out, nil
}

// trackConcepts increments the attempted counter for every concept tag
// on the question, and the missed counter when the score is a defined
// number below 1.
func (e *Engine) trackConcepts(sess *model.Session, q *model.QuestionAttrs, score *float64) ([]string, error) {
	missed := score != nil && *score < 1
	var warnings []string
	for level := 0; level < 2; level++ {
		declared := e.def.ConceptLists[level]
		if len(sess.MissedConcepts[level]) != len(declared) {
			return nil, fmt.Errorf("%w: level %d has %d tallies for %d concepts",
				ErrConceptMismatch, level, len(sess.MissedConcepts[level]), len(declared))
		}
		for _, tag := range q.Concepts[level] {
			idx := indexOf(declared, tag)
			if idx < 0 {
				warnings = append(warnings, fmt.Sprintf("concept %q not in declared list (level %d)", tag, level))
				continue
			}
			if missed {
				sess.MissedConcepts[level][idx][0]++
			}
			sess.MissedConcepts[level][idx][1]++
		}
	}
	return warnings, nil
}

func indexOf(list []string, s string) int {
	for i, v := range list {
		if v == s {
			return i
		}
	}
	return -1
}
