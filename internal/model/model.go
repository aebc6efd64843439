package model

import (
	"context"
	"time"
)

// PaceLevel controls how a learner may move through a session.
type PaceLevel int

const (
	// PaceNone allows free browsing.
	PaceNone PaceLevel = 0
	// PaceBasic gates slide advancement but allows leaving the session.
	PaceBasic PaceLevel = 1
	// PaceStrict gates advancement and forbids exiting before submission.
	PaceStrict PaceLevel = 2
)

// QType identifies how a question is scored.
type QType string

const (
	QTypeChoice QType = "choice"
	QTypeNumber QType = "number"
	QTypeText   QType = "text"
)

// SkipSpec describes the skip-ahead reward attached to a question: a
// fully-correct streak reaching this question jumps pacing to ToSlide,
// crediting Count skipped questions of combined Weight.
type SkipSpec struct {
	ToSlide int     `json:"toSlide"`
	Count   int     `json:"count"`
	Weight  float64 `json:"weight"`
}

// QuestionAttrs holds the parsed attributes of one question slide.
type QuestionAttrs struct {
	QNumber    int   `json:"qnumber"`
	SlideNum   int   `json:"slide"`
	ChapterNum int   `json:"chapter"`
	QType      QType `json:"qtype"`
	// Correct holds the expected-answer spec: a choice letter, a
	// "value +/- tolerance" string, OR-separated accepted strings, or
	// empty when the question is ungraded or plugin-scored.
	Correct string    `json:"correct"`
	Plugin  string    `json:"plugin,omitempty"`
	Weight  float64   `json:"weight"`
	Skip    *SkipSpec `json:"skip,omitempty"`
	// Concepts lists the primary (index 0) and secondary (index 1)
	// concept tags covered by this question.
	Concepts [2][]string `json:"concepts"`
	Explain  bool        `json:"explain,omitempty"`
}

// SessionDef is the definition of a named session: the invariant part
// shared by every learner, stamped into each Session at creation.
type SessionDef struct {
	Name      string    `json:"name"`
	Version   int       `json:"version"`
	Revision  string    `json:"revision"`
	PaceLevel PaceLevel `json:"paceLevel"`
	// PaceDelay is the minimum seconds spent on a non-question slide
	// before advancing (0 disables the delay).
	PaceDelay int `json:"paceDelay"`
	// TryCount is the number of attempts allowed per question
	// (choice questions always get exactly one).
	TryCount int `json:"tryCount"`
	// TryDelay is the minimum seconds between retries of a question.
	TryDelay   int             `json:"tryDelay"`
	SlideCount int             `json:"slideCount"`
	ChapterNum int             `json:"chapter"`
	Questions  []QuestionAttrs `json:"questions"`
	// ConceptLists declares the ordered primary/secondary concept tags
	// for the whole session; missed-concept tallies are indexed by
	// position in these lists, so order and length must stay stable
	// for the lifetime of any stored session.
	ConceptLists [2][]string `json:"conceptLists"`
	DueDate      string      `json:"dueDate,omitempty"` // ISO UTC, empty = no deadline
}

// Paced reports whether slide advancement is gated at all.
func (d *SessionDef) Paced() bool { return d.PaceLevel > PaceNone }

// QuestionBySlide returns the question on the given slide, or nil.
func (d *SessionDef) QuestionBySlide(slideNum int) *QuestionAttrs {
	for i := range d.Questions {
		if d.Questions[i].SlideNum == slideNum {
			return &d.Questions[i]
		}
	}
	return nil
}

// QuestionByNumber returns question number qnum, or nil.
func (d *SessionDef) QuestionByNumber(qnum int) *QuestionAttrs {
	for i := range d.Questions {
		if d.Questions[i].QNumber == qnum {
			return &d.Questions[i]
		}
	}
	return nil
}

// DueTime parses the definition's due date, returning the zero time
// when no deadline is configured.
func (d *SessionDef) DueTime() (time.Time, error) {
	if d.DueDate == "" {
		return time.Time{}, nil
	}
	return ParseUTCDate(d.DueDate)
}

// ParseUTCDate parses an ISO-8601 UTC date string, accepting the
// second-, minute- and day-resolution forms used in tokens.
func ParseUTCDate(s string) (time.Time, error) {
	var firstErr error
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04Z", "2006-01-02T15:04", "2006-01-02"} {
		t, err := time.Parse(layout, s)
		if err == nil {
			return t.UTC(), nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return time.Time{}, firstErr
}

// UserProfile identifies the acting user for a session or a row-store call.
type UserProfile struct {
	UserID      string
	DisplayName string
	Email       string
	Admin       bool
	// Token authenticates the user to the row store ("id" or "admin" scheme).
	Token string
	// LateToken, when non-empty, accompanies past-deadline writes.
	LateToken string
}

type profileCtxKey struct{}

// ContextWithProfile stores the acting user's profile in the context.
func ContextWithProfile(ctx context.Context, p *UserProfile) context.Context {
	return context.WithValue(ctx, profileCtxKey{}, p)
}

// ProfileFromContext retrieves the acting user's profile, or nil.
func ProfileFromContext(ctx context.Context) *UserProfile {
	p, _ := ctx.Value(profileCtxKey{}).(*UserProfile)
	return p
}
