package sessionsync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/slidoc/slidoc/internal/answer"
	"github.com/slidoc/slidoc/internal/model"
	"github.com/slidoc/slidoc/internal/pacing"
	"github.com/slidoc/slidoc/internal/plugin"
)

// ErrNotStarted is returned by Runner operations before Start.
var ErrNotStarted = errors.New("session not started")

// ErrNoQuestion is returned when the current slide has no question.
var ErrNoQuestion = errors.New("no question on the current slide")

// Runner ties the pacing controller, answer engine, and plugin host to
// the sync layer: it scores and records answers, applies their pacing
// consequences, and persists the session at the required save points
// (every finalized answer while paced, every slide transition, and the
// terminal submission).
type Runner struct {
	syncer *Syncer
	host   *plugin.Host
	engine *answer.Engine
	pace   *pacing.Controller
	now    func() time.Time
}

// NewRunner wraps a syncer; host may be nil when the session has no
// plugin questions.
func NewRunner(syncer *Syncer, host *plugin.Host) *Runner {
	return &Runner{syncer: syncer, host: host, now: time.Now}
}

// WithClock overrides the runner's clock (tests). The same clock is
// threaded into the pacing controller created by Start.
func (r *Runner) WithClock(now func() time.Time) *Runner {
	r.now = now
	return r
}

// Controller exposes the pacing controller for navigation queries;
// nil before Start.
func (r *Runner) Controller() *pacing.Controller { return r.pace }

// Session returns the live session state; nil before Start.
func (r *Runner) Session() *model.Session { return r.syncer.Session() }

// Start loads (or creates) the session, binds plugin instances, and
// enters the first slide.
func (r *Runner) Start(ctx context.Context) (*model.Session, error) {
	sess, err := r.syncer.Load(ctx)
	if err != nil {
		return nil, err
	}
	if r.host != nil {
		if err := r.host.Bind(r.syncer.def, sess, r.syncer.profile); err != nil {
			return nil, fmt.Errorf("bind plugins: %w", err)
		}
	}
	r.engine = answer.NewEngine(r.syncer.def)
	r.pace = pacing.New(r.syncer.def, sess).WithClock(r.now)
	r.pace.Start()
	return sess, nil
}

// Answer scores a response to the current slide's question, applies the
// outcome, and saves when the attempt finalizes a paced session. The
// outcome is returned even when the save fails, so the caller can
// retry the save without re-scoring.
func (r *Runner) Answer(ctx context.Context, response, explain string) (*answer.Outcome, error) {
	if r.pace == nil {
		return nil, ErrNotStarted
	}
	sess := r.syncer.Session()
	q := r.syncer.def.QuestionBySlide(r.pace.CurrentSlide())
	if q == nil {
		return nil, fmt.Errorf("%w: slide %d", ErrNoQuestion, r.pace.CurrentSlide())
	}
	if err := r.pace.AnswerAllowed(); err != nil {
		return nil, err
	}

	var pr *answer.PluginResult
	if q.Plugin != "" {
		if r.host == nil {
			return nil, fmt.Errorf("question %d uses plugin %q but no plugin host is bound", q.QNumber, q.Plugin)
		}
		var err error
		pr, err = r.host.Response(q.SlideNum, response)
		if err != nil {
			return nil, err
		}
	}

	out, err := r.engine.Submit(sess, q, response, explain, pr, r.now())
	if err != nil {
		return nil, err
	}
	r.pace.RecordAnswer(q, out)

	if out.Finalized && sess.Paced {
		if err := r.syncer.Save(ctx, false); err != nil {
			return out, err
		}
	}
	return out, nil
}

// Advance moves one slide forward and saves the transition. Reaching
// the final slide while paced submits, which forces a terminal save.
func (r *Runner) Advance(ctx context.Context) error {
	if r.pace == nil {
		return ErrNotStarted
	}
	sess := r.syncer.Session()
	wasSubmitted := sess.IsSubmitted()
	before := sess.LastSlide
	if err := r.pace.Advance(); err != nil {
		return err
	}
	if sess.IsSubmitted() && !wasSubmitted {
		return r.finishSubmit(ctx)
	}
	if sess.Paced && sess.LastSlide > before {
		return r.syncer.Save(ctx, false)
	}
	return nil
}

// GoTo navigates to a slide, saving when the move advanced the pacing
// position of a paced session.
func (r *Runner) GoTo(ctx context.Context, slideNum int) error {
	if r.pace == nil {
		return ErrNotStarted
	}
	sess := r.syncer.Session()
	wasSubmitted := sess.IsSubmitted()
	before := sess.LastSlide
	if err := r.pace.GoTo(slideNum); err != nil {
		return err
	}
	if sess.IsSubmitted() && !wasSubmitted {
		return r.finishSubmit(ctx)
	}
	if sess.Paced && sess.LastSlide > before {
		return r.syncer.Save(ctx, false)
	}
	return nil
}

// Submit explicitly finalizes the session and forces the terminal save.
func (r *Runner) Submit(ctx context.Context) error {
	if r.pace == nil {
		return ErrNotStarted
	}
	if r.syncer.State() == StateSubmitted {
		return nil
	}
	r.pace.Submit()
	return r.finishSubmit(ctx)
}

func (r *Runner) finishSubmit(ctx context.Context) error {
	if r.host != nil {
		if err := r.host.DisableAll(); err != nil {
			return err
		}
	}
	return r.syncer.Save(ctx, true)
}
