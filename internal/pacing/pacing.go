// Package pacing implements the slide-by-slide advancement state
// machine for paced sessions: answer gating, retry bookkeeping, delay
// timers, skip-ahead credit and terminal submission.
package pacing

import (
	"errors"
	"fmt"
	"time"

	"github.com/slidoc/slidoc/internal/answer"
	"github.com/slidoc/slidoc/internal/model"
)

// State is the coarse lifecycle of a paced session.
type State int

const (
	NotStarted State = iota
	InProgress
	Submitted
)

func (s State) String() string {
	switch s {
	case NotStarted:
		return "not_started"
	case InProgress:
		return "in_progress"
	case Submitted:
		return "submitted"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

var (
	// ErrAnswerRequired blocks advancement past an unanswered question.
	ErrAnswerRequired = errors.New("current question must be answered first")
	// ErrPaceDelay blocks advancement until the slide delay elapses.
	ErrPaceDelay = errors.New("pace delay has not elapsed")
	// ErrTryDelay blocks a retry until the retry delay elapses.
	ErrTryDelay = errors.New("retry delay has not elapsed")
	// ErrJumpAhead rejects navigation more than one gated step forward.
	ErrJumpAhead = errors.New("cannot jump ahead of the pacing position")
	// ErrExitBlocked marks strict pacing: no exit before submission.
	ErrExitBlocked = errors.New("cannot exit a strictly paced session before submitting")
)

// Controller drives one learner's progression through a session.
// It mutates the session state in place; persistence is the sync
// layer's concern.
type Controller struct {
	def  *model.SessionDef
	sess *model.Session
	// cur is the currently displayed slide; sess.LastSlide tracks the
	// highest slide reached and never decreases while paced.
	cur int
	now func() time.Time
}

// New creates a controller over an existing session state.
func New(def *model.SessionDef, sess *model.Session) *Controller {
	return &Controller{def: def, sess: sess, cur: sess.LastSlide, now: time.Now}
}

// WithClock overrides the controller's clock (tests).
func (c *Controller) WithClock(now func() time.Time) *Controller {
	c.now = now
	return c
}

// State returns the session's lifecycle state.
func (c *Controller) State() State {
	switch {
	case c.sess.IsSubmitted():
		return Submitted
	case c.sess.LastSlide == 0:
		return NotStarted
	default:
		return InProgress
	}
}

// CurrentSlide returns the displayed slide (0 before Start).
func (c *Controller) CurrentSlide() int { return c.cur }

// Start enters the first slide.
func (c *Controller) Start() {
	if c.sess.LastSlide > 0 {
		c.cur = c.sess.LastSlide
		return
	}
	c.enterSlide(1)
}

// AtFinalSlide reports whether the pacing position is the last slide.
func (c *Controller) AtFinalSlide() bool {
	return c.sess.LastSlide >= c.def.SlideCount
}

// Exit checks whether leaving slide view is allowed; strict pacing
// forbids it until submission.
func (c *Controller) Exit() error {
	if c.sess.PaceLevel >= model.PaceStrict && !c.sess.IsSubmitted() {
		return ErrExitBlocked
	}
	return nil
}

// AnswerAllowed checks the retry delay before a repeat attempt on the
// current question.
func (c *Controller) AnswerAllowed() error {
	if c.sess.LastTries == 0 || c.def.TryDelay <= 0 {
		return nil
	}
	wait := time.UnixMilli(c.sess.LastTime).Add(time.Duration(c.def.TryDelay) * time.Second)
	if c.now().Before(wait) {
		return fmt.Errorf("%w: wait %.0fs", ErrTryDelay, time.Until(wait).Seconds())
	}
	return nil
}

// advanceGate checks whether the slide at the pacing position releases
// the learner to the next slide.
func (c *Controller) advanceGate() error {
	slide := c.sess.LastSlide
	if q := c.def.QuestionBySlide(slide); q != nil {
		if _, answered := c.sess.QuestionsAttempted[q.QNumber]; answered {
			return nil
		}
		if slide < c.sess.SkipToSlide {
			return nil // covered by skip-ahead credit
		}
		if c.def.TryCount > 0 {
			return fmt.Errorf("%w: question %d on slide %d", ErrAnswerRequired, q.QNumber, slide)
		}
		return nil
	}
	if c.def.PaceDelay > 0 {
		wait := time.UnixMilli(c.sess.LastTime).Add(time.Duration(c.def.PaceDelay) * time.Second)
		if c.now().Before(wait) {
			return fmt.Errorf("%w: slide %d", ErrPaceDelay, slide)
		}
	}
	return nil
}

// Advance moves the pacing position one slide forward, applying the
// gate for the current slide. Reaching the final slide while paced
// finalizes the session.
func (c *Controller) Advance() error {
	if c.sess.IsSubmitted() {
		// Post-submission browsing moves freely.
		if c.cur < c.def.SlideCount {
			c.cur++
		}
		return nil
	}
	if c.sess.LastSlide == 0 {
		c.enterSlide(1)
		return nil
	}
	if c.cur < c.sess.LastSlide {
		// Catching back up to the pacing position is ungated.
		c.cur++
		return nil
	}
	if c.AtFinalSlide() {
		return nil
	}
	if c.sess.Paced {
		if err := c.advanceGate(); err != nil {
			return err
		}
	}
	c.enterSlide(c.sess.LastSlide + 1)
	if c.sess.Paced && c.AtFinalSlide() {
		c.Submit()
	}
	return nil
}

// GoTo navigates to an arbitrary slide. Backward movement and movement
// within the reached range are always allowed (and never regress
// lastSlide); a forward jump beyond the next gated slide is rejected
// with no state change.
func (c *Controller) GoTo(slideNum int) error {
	if slideNum < 1 || slideNum > c.def.SlideCount {
		return fmt.Errorf("slide %d out of range 1..%d", slideNum, c.def.SlideCount)
	}
	if !c.sess.Paced || c.sess.IsSubmitted() || slideNum <= c.sess.LastSlide {
		c.cur = slideNum
		return nil
	}
	if slideNum <= c.sess.SkipToSlide {
		// Skip-ahead credit re-enables forward links up to its target.
		c.enterSlide(slideNum)
		return nil
	}
	if slideNum == c.sess.LastSlide+1 {
		return c.Advance()
	}
	return fmt.Errorf("%w: slide %d (position %d)", ErrJumpAhead, slideNum, c.sess.LastSlide)
}

// enterSlide advances the pacing position, resetting the per-slide
// retry bookkeeping. lastSlide is monotonic non-decreasing.
func (c *Controller) enterSlide(slideNum int) {
	if leaving := c.def.QuestionBySlide(c.sess.LastSlide); leaving != nil {
		// Demote the streak accumulator: current becomes prior.
		switch c.sess.LastAnswersCorrect {
		case 2:
			c.sess.LastAnswersCorrect = 1
		case -2:
			c.sess.LastAnswersCorrect = -1
		}
	}
	if slideNum > c.sess.LastSlide {
		c.sess.LastSlide = slideNum
	}
	c.cur = slideNum
	c.sess.LastTries = 0
	c.sess.RemainingTries = 0
	c.sess.LastTime = c.now().UnixMilli()
	if q := c.def.QuestionBySlide(slideNum); q != nil {
		if q.QType == model.QTypeChoice {
			c.sess.RemainingTries = 1
		} else {
			c.sess.RemainingTries = c.def.TryCount
		}
	}
}

// RecordAnswer applies the pacing consequences of a finalized answer:
// skip-ahead credit on a fully-correct streak reaching a question's
// skip spec.
func (c *Controller) RecordAnswer(q *model.QuestionAttrs, out *answer.Outcome) {
	if !out.Finalized || out.Score == nil || *out.Score < 1 {
		return
	}
	if c.sess.LastAnswersCorrect != 2 || q.Skip == nil {
		return
	}
	if q.Skip.ToSlide <= c.sess.SkipToSlide {
		return
	}
	c.sess.SkipToSlide = q.Skip.ToSlide
	c.sess.QuestionsSkipped += q.Skip.Count
	c.sess.QuestionsCount += q.Skip.Count
	c.sess.WeightedCount += q.Skip.Weight
	c.sess.WeightedCorrect += q.Skip.Weight
}

// Submit finalizes the session: the submitted timestamp is set exactly
// once, pacing is released unless strict, and the caller must perform a
// forced save.
func (c *Controller) Submit() {
	if c.sess.IsSubmitted() {
		return
	}
	c.sess.Submitted = c.now().UTC().Format(time.RFC3339)
	if c.sess.PaceLevel <= model.PaceBasic {
		c.sess.Paced = false
	}
}
