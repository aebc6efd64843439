package sessionsync

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/slidoc/slidoc/internal/answer"
	"github.com/slidoc/slidoc/internal/model"
	"github.com/slidoc/slidoc/internal/pacing"
	"github.com/slidoc/slidoc/internal/plugin"
	"github.com/slidoc/slidoc/internal/rowstore"
)

// pacedDef gates advancement on answering: three slides with one
// numeric question on slide 2 allowing two tries.
func pacedDef() *model.SessionDef {
	return &model.SessionDef{
		Name:       "course1",
		Version:    3,
		Revision:   "r1",
		PaceLevel:  model.PaceBasic,
		SlideCount: 3,
		TryCount:   2,
		Questions: []model.QuestionAttrs{
			{QNumber: 1, SlideNum: 2, QType: model.QTypeNumber, Correct: "10 +/- 0.5", Explain: true},
		},
	}
}

func newTestRunner(t *testing.T, m *memTransport, def *model.SessionDef, host *plugin.Host) *Runner {
	t.Helper()
	profile := testProfile()
	client := rowstore.NewClient(m, def.Name, profile)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	y := New(client, def, profile, logger)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	y.WithClock(func() time.Time { return base }, func() (uint32, error) { return 42, nil })
	return NewRunner(y, host).WithClock(func() time.Time { return base })
}

func TestRunnerStartEntersFirstSlide(t *testing.T) {
	def := pacedDef()
	m := newMemTransport(model.SessionHeaders(def))
	r := newTestRunner(t, m, def, nil)

	sess, err := r.Start(context.Background())
	if err != nil {
		t.Fatalf("failed to start: %v", err)
	}
	if sess.LastSlide != 1 {
		t.Errorf("expected lastSlide 1 after start, got %d", sess.LastSlide)
	}
	if r.Controller().CurrentSlide() != 1 {
		t.Errorf("expected current slide 1, got %d", r.Controller().CurrentSlide())
	}
}

func TestRunnerAdvanceBlockedByUnansweredQuestion(t *testing.T) {
	def := pacedDef()
	m := newMemTransport(model.SessionHeaders(def))
	r := newTestRunner(t, m, def, nil)

	if _, err := r.Start(context.Background()); err != nil {
		t.Fatalf("failed to start: %v", err)
	}
	if err := r.Advance(context.Background()); err != nil {
		t.Fatalf("failed to advance to the question slide: %v", err)
	}
	if err := r.Advance(context.Background()); !errors.Is(err, pacing.ErrAnswerRequired) {
		t.Errorf("expected ErrAnswerRequired, got %v", err)
	}
}

func TestRunnerAdvanceSavesTransition(t *testing.T) {
	def := pacedDef()
	m := newMemTransport(model.SessionHeaders(def))
	r := newTestRunner(t, m, def, nil)

	if _, err := r.Start(context.Background()); err != nil {
		t.Fatalf("failed to start: %v", err)
	}
	before := m.puts
	if err := r.Advance(context.Background()); err != nil {
		t.Fatalf("failed to advance: %v", err)
	}
	if m.puts != before+1 {
		t.Errorf("expected one save for the slide transition, got %d", m.puts-before)
	}
}

func TestRunnerAnswerScoresAndSaves(t *testing.T) {
	def := pacedDef()
	m := newMemTransport(model.SessionHeaders(def))
	r := newTestRunner(t, m, def, nil)

	if _, err := r.Start(context.Background()); err != nil {
		t.Fatalf("failed to start: %v", err)
	}
	if err := r.Advance(context.Background()); err != nil {
		t.Fatalf("failed to advance: %v", err)
	}

	before := m.puts
	out, err := r.Answer(context.Background(), "10.2", "rounded up")
	if err != nil {
		t.Fatalf("failed to answer: %v", err)
	}
	if !out.Finalized || out.Retry {
		t.Errorf("expected a finalized attempt, got finalized=%v retry=%v", out.Finalized, out.Retry)
	}
	if out.Score == nil || *out.Score != 1 {
		t.Errorf("expected score 1, got %v", out.Score)
	}
	if m.puts != before+1 {
		t.Errorf("expected one save for the finalized answer, got %d", m.puts-before)
	}
	row := m.rows["alice"]
	if row.Str("q1_response") != "10.2" {
		t.Errorf("expected saved response column, got %q", row.Str("q1_response"))
	}
	if row.Str("q1_explain") != "rounded up" {
		t.Errorf("expected saved explain column, got %q", row.Str("q1_explain"))
	}
}

func TestRunnerRetryThenFinalize(t *testing.T) {
	def := pacedDef()
	m := newMemTransport(model.SessionHeaders(def))
	r := newTestRunner(t, m, def, nil)

	if _, err := r.Start(context.Background()); err != nil {
		t.Fatalf("failed to start: %v", err)
	}
	if err := r.Advance(context.Background()); err != nil {
		t.Fatalf("failed to advance: %v", err)
	}

	before := m.puts
	out, err := r.Answer(context.Background(), "42", "")
	if err != nil {
		t.Fatalf("failed to answer: %v", err)
	}
	if !out.Retry || out.Finalized {
		t.Errorf("expected a retry offer, got finalized=%v retry=%v", out.Finalized, out.Retry)
	}
	if m.puts != before {
		t.Error("retry attempt must not save")
	}
	if err := r.Advance(context.Background()); !errors.Is(err, pacing.ErrAnswerRequired) {
		t.Errorf("expected advancement still blocked, got %v", err)
	}

	out, err = r.Answer(context.Background(), "9.8", "")
	if err != nil {
		t.Fatalf("failed to answer again: %v", err)
	}
	if !out.Finalized {
		t.Error("expected the second attempt to finalize")
	}
	if err := r.Advance(context.Background()); err != nil {
		t.Fatalf("failed to advance after answering: %v", err)
	}
}

func TestRunnerAdvanceToFinalSlideSubmits(t *testing.T) {
	def := pacedDef()
	m := newMemTransport(model.SessionHeaders(def))
	r := newTestRunner(t, m, def, nil)

	sess, err := r.Start(context.Background())
	if err != nil {
		t.Fatalf("failed to start: %v", err)
	}
	if err := r.Advance(context.Background()); err != nil {
		t.Fatalf("failed to advance: %v", err)
	}
	if _, err := r.Answer(context.Background(), "10", ""); err != nil {
		t.Fatalf("failed to answer: %v", err)
	}
	if err := r.Advance(context.Background()); err != nil {
		t.Fatalf("failed to advance to the final slide: %v", err)
	}
	if !sess.IsSubmitted() {
		t.Error("expected auto-submission on reaching the final slide")
	}
	if r.syncer.State() != StateSubmitted {
		t.Errorf("expected terminal save, got state %s", r.syncer.State())
	}
	// Post-submission browsing neither errors nor saves.
	before := m.puts
	if err := r.GoTo(context.Background(), 1); err != nil {
		t.Errorf("expected free browsing after submission, got %v", err)
	}
	if m.puts != before {
		t.Error("browsing after submission must not save")
	}
}

func TestRunnerExplicitSubmit(t *testing.T) {
	def := pacedDef()
	m := newMemTransport(model.SessionHeaders(def))
	r := newTestRunner(t, m, def, nil)

	sess, err := r.Start(context.Background())
	if err != nil {
		t.Fatalf("failed to start: %v", err)
	}
	if err := r.Submit(context.Background()); err != nil {
		t.Fatalf("failed to submit: %v", err)
	}
	if sess.Submitted == "" {
		t.Error("expected submitted timestamp")
	}
	if r.syncer.State() != StateSubmitted {
		t.Errorf("expected submitted state, got %s", r.syncer.State())
	}
	puts := m.puts
	if err := r.Submit(context.Background()); err != nil {
		t.Errorf("expected repeat submit to be a no-op, got %v", err)
	}
	if m.puts != puts {
		t.Error("repeat submit must not save again")
	}
}

func TestRunnerRevisitedQuestionNotReanswerable(t *testing.T) {
	def := pacedDef()
	m := newMemTransport(model.SessionHeaders(def))
	r := newTestRunner(t, m, def, nil)

	sess, err := r.Start(context.Background())
	if err != nil {
		t.Fatalf("failed to start: %v", err)
	}
	if err := r.Advance(context.Background()); err != nil {
		t.Fatalf("failed to advance: %v", err)
	}
	if _, err := r.Answer(context.Background(), "10.2", ""); err != nil {
		t.Fatalf("failed to answer: %v", err)
	}

	// Navigating back to an answered question and submitting again must
	// not double-count the tallies or overwrite the recorded attempt.
	if err := r.GoTo(context.Background(), 2); err != nil {
		t.Fatalf("failed to revisit the question slide: %v", err)
	}
	if _, err := r.Answer(context.Background(), "10", ""); !errors.Is(err, answer.ErrAlreadyAnswered) {
		t.Fatalf("expected ErrAlreadyAnswered, got %v", err)
	}
	if sess.QuestionsCount != 1 || sess.QuestionsCorrect != 1 {
		t.Errorf("tallies double-counted: count=%d correct=%d", sess.QuestionsCount, sess.QuestionsCorrect)
	}
	if att := sess.QuestionsAttempted[1]; att.Response != "10.2" {
		t.Errorf("recorded attempt overwritten: %+v", att)
	}
}

func TestRunnerAnswerOnContentSlide(t *testing.T) {
	def := pacedDef()
	m := newMemTransport(model.SessionHeaders(def))
	r := newTestRunner(t, m, def, nil)

	if _, err := r.Start(context.Background()); err != nil {
		t.Fatalf("failed to start: %v", err)
	}
	if _, err := r.Answer(context.Background(), "anything", ""); !errors.Is(err, ErrNoQuestion) {
		t.Errorf("expected ErrNoQuestion, got %v", err)
	}
}

func TestRunnerBeforeStart(t *testing.T) {
	def := pacedDef()
	m := newMemTransport(model.SessionHeaders(def))
	r := newTestRunner(t, m, def, nil)

	if _, err := r.Answer(context.Background(), "x", ""); !errors.Is(err, ErrNotStarted) {
		t.Errorf("expected ErrNotStarted from Answer, got %v", err)
	}
	if err := r.Advance(context.Background()); !errors.Is(err, ErrNotStarted) {
		t.Errorf("expected ErrNotStarted from Advance, got %v", err)
	}
	if err := r.Submit(context.Background()); !errors.Is(err, ErrNotStarted) {
		t.Errorf("expected ErrNotStarted from Submit, got %v", err)
	}
}

func TestRunnerPluginQuestion(t *testing.T) {
	def := pacedDef()
	def.Questions[0].QType = model.QTypeText
	def.Questions[0].Correct = ""
	def.Questions[0].Plugin = "tester"

	disabled := 0
	host := plugin.NewHost()
	err := host.Register(&plugin.Def{
		Name: "tester",
		Response: func(_ *plugin.Instance, resp string) (*answer.PluginResult, error) {
			score := 0.0
			if resp == "ok" {
				score = 1
			}
			return &answer.PluginResult{Score: &score, Response: resp}, nil
		},
		Disable: func(_ *plugin.Instance) error {
			disabled++
			return nil
		},
	})
	if err != nil {
		t.Fatalf("failed to register plugin: %v", err)
	}

	m := newMemTransport(model.SessionHeaders(def))
	r := newTestRunner(t, m, def, host)
	if _, err := r.Start(context.Background()); err != nil {
		t.Fatalf("failed to start: %v", err)
	}
	if err := r.Advance(context.Background()); err != nil {
		t.Fatalf("failed to advance: %v", err)
	}
	out, err := r.Answer(context.Background(), "ok", "")
	if err != nil {
		t.Fatalf("failed to answer: %v", err)
	}
	if out.Score == nil || *out.Score != 1 {
		t.Errorf("expected plugin score 1, got %v", out.Score)
	}
	if err := r.Submit(context.Background()); err != nil {
		t.Fatalf("failed to submit: %v", err)
	}
	if disabled != 1 {
		t.Errorf("expected plugins disabled once at submission, got %d", disabled)
	}
}
