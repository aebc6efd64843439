// Package plugin hosts pluggable answer widgets: a capability registry
// with optional lifecycle hooks, per-slide instances with isolated
// seeded randomness, and a private persisted-state slot per plugin.
package plugin

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/slidoc/slidoc/internal/answer"
	"github.com/slidoc/slidoc/internal/model"
	"github.com/slidoc/slidoc/internal/randseq"
)

var (
	// ErrNotRegistered is returned when a question references an unknown
	// widget type.
	ErrNotRegistered = errors.New("plugin not registered")
	// ErrActionMissing is fatal: a referenced lifecycle action is not
	// implemented by the registered widget.
	ErrActionMissing = errors.New("plugin action not defined")
	// ErrDuplicate rejects double registration of a widget name.
	ErrDuplicate = errors.New("plugin already registered")
)

// Def declares a widget type. Every hook is optional; the host verifies
// presence before dispatch and aborts rather than silently skipping a
// referenced action.
type Def struct {
	Name string
	// Setup runs once when the widget type is bound to a session.
	Setup func(*Instance) error
	// Global runs once per session on the widget's global instance,
	// strictly before any per-slide Init of the same type.
	Global func(*Instance) error
	// Init runs on each per-slide instance, in sorted slide order.
	Init func(*Instance) error
	// Display renders a stored response (no-op host side; the hook is
	// for the embedding UI).
	Display func(*Instance, string) error
	// Response scores a submitted response; the engine records the
	// returned object verbatim.
	Response func(*Instance, string) (*answer.PluginResult, error)
	// Disable freezes the widget after submission.
	Disable func(*Instance) error
	// Expect returns the current expected answer for grader display.
	Expect func(*Instance) string
	// CheckCode performs widget-specific response validation before
	// scoring.
	CheckCode func(*Instance, string) (bool, error)
}

// Instance is one widget activation with an isolated context: identity,
// question attributes, a derived random sequence and a private state
// slot inside the session.
type Instance struct {
	Name     string
	SlideNum int
	// Global marks the once-per-session instance (SlideNum 0).
	Global  bool
	Profile *model.UserProfile
	// Attrs is nil on global instances.
	Attrs *model.QuestionAttrs
	Rand  *randseq.Sequence

	def  *Def
	sess *model.Session
}

// LoadState unmarshals the plugin's persisted state into v; absent
// state leaves v untouched and returns false.
func (in *Instance) LoadState(v any) (bool, error) {
	raw, ok := in.sess.Plugins[in.Name]
	if !ok || len(raw) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, fmt.Errorf("plugin %s: decode state: %w", in.Name, err)
	}
	return true, nil
}

// SaveState persists v into the plugin's state slot.
func (in *Instance) SaveState(v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("plugin %s: encode state: %w", in.Name, err)
	}
	in.sess.Plugins[in.Name] = raw
	return nil
}

// Host orchestrates widget instances for one session.
type Host struct {
	registry map[string]*Def

	def     *model.SessionDef
	sess    *model.Session
	profile *model.UserProfile

	globals   map[string]*Instance
	instances map[int]*Instance // by slide number
}

// NewHost creates an empty registry.
func NewHost() *Host {
	return &Host{
		registry:  make(map[string]*Def),
		globals:   make(map[string]*Instance),
		instances: make(map[int]*Instance),
	}
}

// Register adds a widget type to the registry.
func (h *Host) Register(def *Def) error {
	if def.Name == "" {
		return errors.New("plugin name required")
	}
	if _, ok := h.registry[def.Name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicate, def.Name)
	}
	h.registry[def.Name] = def
	return nil
}

// RequireActions verifies at bind time that the named widget implements
// every referenced action, catching missing-action errors before any
// dispatch.
func (h *Host) RequireActions(name string, actions ...string) error {
	def, ok := h.registry[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotRegistered, name)
	}
	for _, a := range actions {
		if !def.has(a) {
			return fmt.Errorf("%w: %s.%s", ErrActionMissing, name, a)
		}
	}
	return nil
}

func (d *Def) has(action string) bool {
	switch action {
	case "setup":
		return d.Setup != nil
	case "global":
		return d.Global != nil
	case "init":
		return d.Init != nil
	case "display":
		return d.Display != nil
	case "response":
		return d.Response != nil
	case "disable":
		return d.Disable != nil
	case "expect":
		return d.Expect != nil
	case "checkCode":
		return d.CheckCode != nil
	}
	return false
}

// Bind attaches the host to a session and instantiates every widget the
// definition references: global instances first (one per widget type,
// in sorted name order), then per-slide instances in sorted slide
// order. Both orderings are required for random-number reproducibility.
func (h *Host) Bind(def *model.SessionDef, sess *model.Session, profile *model.UserProfile) error {
	h.def, h.sess, h.profile = def, sess, profile

	bySlide := make(map[int]*model.QuestionAttrs)
	namesSeen := make(map[string]bool)
	for i := range def.Questions {
		q := &def.Questions[i]
		if q.Plugin == "" {
			continue
		}
		if _, ok := h.registry[q.Plugin]; !ok {
			return fmt.Errorf("%w: %s (slide %d)", ErrNotRegistered, q.Plugin, q.SlideNum)
		}
		// All plugin questions require a functioning response hook.
		if err := h.RequireActions(q.Plugin, "response"); err != nil {
			return err
		}
		bySlide[q.SlideNum] = q
		namesSeen[q.Plugin] = true
	}

	names := make([]string, 0, len(namesSeen))
	for name := range namesSeen {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		pdef := h.registry[name]
		inst := &Instance{
			Name:    name,
			Global:  true,
			Profile: profile,
			Rand:    randseq.New(randseq.DerivedSeed(sess.RandomSeed, def.ChapterNum, 0)),
			def:     pdef,
			sess:    sess,
		}
		h.globals[name] = inst
		if pdef.Setup != nil {
			if err := pdef.Setup(inst); err != nil {
				return fmt.Errorf("plugin %s: setup: %w", name, err)
			}
		}
		if pdef.Global != nil {
			if err := pdef.Global(inst); err != nil {
				return fmt.Errorf("plugin %s: global init: %w", name, err)
			}
		}
	}

	slides := make([]int, 0, len(bySlide))
	for slide := range bySlide {
		slides = append(slides, slide)
	}
	sort.Ints(slides)
	for _, slide := range slides {
		q := bySlide[slide]
		pdef := h.registry[q.Plugin]
		inst := &Instance{
			Name:     q.Plugin,
			SlideNum: slide,
			Profile:  profile,
			Attrs:    q,
			Rand:     randseq.New(randseq.DerivedSeed(sess.RandomSeed, q.ChapterNum, slide)),
			def:      pdef,
			sess:     sess,
		}
		h.instances[slide] = inst
		if pdef.Init != nil {
			if err := pdef.Init(inst); err != nil {
				return fmt.Errorf("plugin %s: init slide %d: %w", q.Plugin, slide, err)
			}
		}
	}
	return nil
}

// InstanceFor returns the per-slide instance on the given slide, or nil.
func (h *Host) InstanceFor(slideNum int) *Instance {
	return h.instances[slideNum]
}

// Response dispatches the scoring action for the plugin question on the
// given slide. A missing response hook was rejected at bind time.
func (h *Host) Response(slideNum int, response string) (*answer.PluginResult, error) {
	inst := h.instances[slideNum]
	if inst == nil {
		return nil, fmt.Errorf("%w: no plugin instance on slide %d", ErrNotRegistered, slideNum)
	}
	if inst.def.CheckCode != nil {
		ok, err := inst.def.CheckCode(inst, response)
		if err != nil {
			return nil, fmt.Errorf("plugin %s: checkCode: %w", inst.Name, err)
		}
		if !ok {
			zero := 0.0
			return &answer.PluginResult{Score: &zero, Response: response}, nil
		}
	}
	res, err := inst.def.Response(inst, response)
	if err != nil {
		return nil, fmt.Errorf("plugin %s: response: %w", inst.Name, err)
	}
	return res, nil
}

// Expect dispatches the expect action; it aborts if the widget does not
// implement it.
func (h *Host) Expect(slideNum int) (string, error) {
	inst := h.instances[slideNum]
	if inst == nil {
		return "", fmt.Errorf("%w: no plugin instance on slide %d", ErrNotRegistered, slideNum)
	}
	if inst.def.Expect == nil {
		return "", fmt.Errorf("%w: %s.expect", ErrActionMissing, inst.Name)
	}
	return inst.def.Expect(inst), nil
}

// DisableAll dispatches disable on every instance that implements it
// (used at submission).
func (h *Host) DisableAll() error {
	slides := make([]int, 0, len(h.instances))
	for slide := range h.instances {
		slides = append(slides, slide)
	}
	sort.Ints(slides)
	for _, slide := range slides {
		inst := h.instances[slide]
		if inst.def.Disable == nil {
			continue
		}
		if err := inst.def.Disable(inst); err != nil {
			return fmt.Errorf("plugin %s: disable slide %d: %w", inst.Name, slide, err)
		}
	}
	return nil
}
