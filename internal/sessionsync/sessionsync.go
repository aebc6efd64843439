// Package sessionsync loads, creates, and saves a learner session
// against the remote row store, resolving definition mismatches and
// mapping store failures to recovery actions.
package sessionsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/slidoc/slidoc/internal/model"
	"github.com/slidoc/slidoc/internal/randseq"
	"github.com/slidoc/slidoc/internal/rowstore"
)

// State tracks the sync lifecycle of the local session copy.
type State int

const (
	StateUnloaded State = iota
	StateLoading
	StateReady
	StateSaving
	StateSubmitted
)

func (s State) String() string {
	switch s {
	case StateUnloaded:
		return "unloaded"
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	case StateSaving:
		return "saving"
	case StateSubmitted:
		return "submitted"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Recovery names the action a caller should take after a failed sync
// operation.
type Recovery int

const (
	// RecoveryNone means the operation succeeded.
	RecoveryNone Recovery = iota
	// RecoveryRetry means the failure was transient; re-issue the same
	// logical request.
	RecoveryRetry
	// RecoveryCredentials means the identity or token was rejected;
	// re-prompt for credentials before retrying.
	RecoveryCredentials
	// RecoveryLateToken means the submission deadline has passed;
	// re-prompt for a late-submission token.
	RecoveryLateToken
	// RecoveryReload means a conflicting concurrent edit was detected;
	// the local session must be discarded and reloaded, never merged.
	RecoveryReload
	// RecoveryAbort means a protocol or consistency failure; the
	// session must not continue.
	RecoveryAbort
)

// RecoveryFor maps a row store error to its recovery action.
func RecoveryFor(err error) Recovery {
	switch {
	case err == nil:
		return RecoveryNone
	case errors.Is(err, rowstore.ErrCredentials):
		return RecoveryCredentials
	case errors.Is(err, rowstore.ErrAdmission):
		return RecoveryLateToken
	case errors.Is(err, rowstore.ErrConflict), errors.Is(err, rowstore.ErrStaleResponse):
		return RecoveryReload
	case errors.Is(err, rowstore.ErrTransient):
		return RecoveryRetry
	default:
		return RecoveryAbort
	}
}

// ErrNotLoaded is returned by Save before a successful Load.
var ErrNotLoaded = errors.New("session not loaded")

// ErrAlreadySubmitted rejects saves after the terminal submission save.
var ErrAlreadySubmitted = errors.New("session already submitted")

// Syncer owns the remote copy of one learner's session for one named
// session sheet.
type Syncer struct {
	client  *rowstore.Client
	def     *model.SessionDef
	profile *model.UserProfile
	logger  *slog.Logger
	now     func() time.Time
	seed    func() (uint32, error)

	state State
	sess  *model.Session
}

func New(client *rowstore.Client, def *model.SessionDef, profile *model.UserProfile, logger *slog.Logger) *Syncer {
	return &Syncer{
		client:  client,
		def:     def,
		profile: profile,
		logger:  logger,
		now:     time.Now,
		seed:    randseq.NewSeed,
		state:   StateUnloaded,
	}
}

// WithClock overrides the time and seed sources (tests).
func (y *Syncer) WithClock(now func() time.Time, seed func() (uint32, error)) *Syncer {
	y.now = now
	y.seed = seed
	return y
}

func (y *Syncer) State() State            { return y.state }
func (y *Syncer) Session() *model.Session { return y.sess }

// SetLateToken records a freshly obtained late-submission token on both
// the request identity and the session, so the next save carries it.
func (y *Syncer) SetLateToken(token string) {
	y.profile.LateToken = token
	if y.sess != nil {
		y.sess.LateToken = token
	}
}

// Load fetches the learner's row, creating a fresh session when no row
// exists or the stored one was built from a different definition.
func (y *Syncer) Load(ctx context.Context) (*model.Session, error) {
	y.state = StateLoading
	row, err := y.client.GetRow(ctx, y.profile.UserID)
	if err != nil {
		y.state = StateUnloaded
		return nil, err
	}
	if len(row) == 0 {
		return y.create(ctx)
	}
	blob := row.Str(model.ColSession)
	if blob == "" {
		return y.create(ctx)
	}
	sess, err := model.DecodeSession(blob)
	if err != nil {
		y.logger.Warn("discarding undecodable stored session",
			"sheet", y.def.Name, "user", y.profile.UserID, "error", err)
		return y.create(ctx)
	}
	if !sess.Matches(y.def) {
		y.logger.Warn("session definition changed, discarding stored session",
			"sheet", y.def.Name, "user", y.profile.UserID,
			"storedVersion", sess.Version, "storedRevision", sess.Revision,
			"version", y.def.Version, "revision", y.def.Revision)
		return y.create(ctx)
	}
	y.adopt(sess)
	return sess, nil
}

// create inserts a fresh session with create-if-absent semantics so a
// concurrent first load cannot clobber another insert, then re-fetches
// the authoritative server copy.
func (y *Syncer) create(ctx context.Context) (*model.Session, error) {
	seed, err := y.seed()
	if err != nil {
		y.state = StateUnloaded
		return nil, fmt.Errorf("generate session seed: %w", err)
	}
	sess := model.NewSession(y.def, seed, y.now())
	sess.LateToken = y.profile.LateToken
	row, err := y.buildRow(sess)
	if err != nil {
		y.state = StateUnloaded
		return nil, err
	}
	_, err = y.client.PutRow(ctx, y.headers(), row, rowstore.PutOpts{NoOverwrite: true})
	if err != nil && !errors.Is(err, rowstore.ErrConflict) {
		y.state = StateUnloaded
		return nil, err
	}
	if err != nil {
		// Lost the first-insert race; the re-fetch below adopts the
		// winner's copy.
		y.logger.Info("concurrent session creation, adopting existing row",
			"sheet", y.def.Name, "user", y.profile.UserID)
	}
	fetched, err := y.client.GetRow(ctx, y.profile.UserID)
	if err != nil {
		y.state = StateUnloaded
		return nil, err
	}
	if blob := fetched.Str(model.ColSession); blob != "" {
		if stored, err := model.DecodeSession(blob); err == nil && stored.Matches(y.def) {
			y.adopt(stored)
			return stored, nil
		}
	}
	y.adopt(sess)
	return sess, nil
}

func (y *Syncer) adopt(sess *model.Session) {
	y.sess = sess
	if sess.IsSubmitted() {
		y.state = StateSubmitted
	} else {
		y.state = StateReady
	}
}

// Save writes the full session back to the store. With submit set this
// is the terminal submission save, after which further saves are
// rejected.
func (y *Syncer) Save(ctx context.Context, submit bool) error {
	if y.sess == nil {
		return ErrNotLoaded
	}
	if y.state == StateSubmitted && !submit {
		return ErrAlreadySubmitted
	}
	prev := y.state
	y.state = StateSaving
	row, err := y.buildRow(y.sess)
	if err != nil {
		y.state = prev
		return err
	}
	_, err = y.client.PutRow(ctx, y.headers(), row, rowstore.PutOpts{Submit: submit})
	if err != nil {
		y.state = prev
		return err
	}
	if submit || y.sess.IsSubmitted() {
		y.state = StateSubmitted
	} else {
		y.state = StateReady
	}
	return nil
}

// headers prefers the schema observed from the server over the one
// derived locally from the definition.
func (y *Syncer) headers() []string {
	if h := y.client.Headers(); len(h) > 0 {
		return h
	}
	return model.SessionHeaders(y.def)
}

// buildRow packages the session as its stored row: identity columns,
// the opaque blob, and per-question response/explain values duplicated
// into visible columns so graders can read them without decoding.
func (y *Syncer) buildRow(sess *model.Session) (model.Row, error) {
	blob, err := sess.Encode()
	if err != nil {
		return nil, err
	}
	row := model.Row{
		model.ColName:      y.profile.DisplayName,
		model.ColID:        y.profile.UserID,
		model.ColEmail:     y.profile.Email,
		model.ColUser:      y.profile.UserID,
		model.ColLateToken: sess.LateToken,
		model.ColLastSlide: sess.LastSlide,
		model.ColSession:   blob,
	}
	for qnum, att := range sess.QuestionsAttempted {
		row[model.ResponseColumn(qnum)] = att.Response
		if att.Explain != "" {
			row[model.ExplainColumn(qnum)] = att.Explain
		}
	}
	return row, nil
}
