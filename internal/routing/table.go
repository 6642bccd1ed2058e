package routing

import (
	"errors"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/voxrelay/internal/registry"
)

var (
	// ErrBriefingActive is returned when a command conflicts with a running briefing.
	ErrBriefingActive = errors.New("routing: briefing in progress")

	// ErrBriefingInactive is returned by EndBriefing without a running briefing.
	ErrBriefingInactive = errors.New("routing: no briefing in progress")
)

// Killer tears down registered stream handles.
// [*registry.Registry] satisfies it.
type Killer interface {
	KillClass(class registry.Class) (int, error)
	KillScope(scope registry.Scope) (int, error)
}

// ChangeKind classifies a [Change].
type ChangeKind string

const (
	ChangeTarget   ChangeKind = "target"
	ChangeWhisper  ChangeKind = "whisper"
	ChangeBriefing ChangeKind = "briefing"
)

// Change is delivered to observers after every transition.
type Change struct {
	Kind     ChangeKind
	Previous Target
	Current  Target

	// Speaker and Destination describe whisper changes; Enabled tells whether
	// the whisper was switched on or off. For briefing changes Enabled tells
	// whether the briefing started or ended.
	Speaker     string
	Destination string
	Enabled     bool

	// Killed counts the stream handles torn down by the transition.
	Killed int
}

// Transition is the result of a main target change.
type Transition struct {
	Previous Target
	Current  Target
	Killed   int

	// Resubscribe tells the caller to restart pipelines for speakers that
	// are still talking.
	Resubscribe bool
}

// BriefingState describes a running briefing.
type BriefingState struct {
	StartedAt time.Time
	Origins   map[string]string
	Restore   Target
}

// Table is the single source of truth for routing decisions.
// Safe for concurrent use.
type Table struct {
	killer Killer
	now    func() time.Time

	mu        sync.RWMutex
	current   Target
	whispers  map[string]string
	briefing  *BriefingState
	observers []func(Change)
}

// NewTable returns a muted table that tears down superseded scopes through k.
func NewTable(k Killer) *Table {
	return &Table{
		killer:   k,
		now:      time.Now,
		current:  Mute,
		whispers: make(map[string]string),
	}
}

// OnChange registers fn to be called after every transition. Callbacks run on
// the goroutine that performed the transition and must not block.
func (t *Table) OnChange(fn func(Change)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.observers = append(t.observers, fn)
}

// Current returns the main target.
func (t *Table) Current() Target {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.current
}

// Set replaces the main target. Every broadcast pipeline is killed before the
// new target is recorded. Set is rejected while a briefing runs.
func (t *Table) Set(next Target) (Transition, error) {
	t.mu.Lock()
	if t.briefing != nil {
		t.mu.Unlock()
		return Transition{}, ErrBriefingActive
	}
	tr := t.replaceLocked(next)
	obs := t.observersLocked()
	t.mu.Unlock()

	notify(obs, Change{Kind: ChangeTarget, Previous: tr.Previous, Current: tr.Current, Killed: tr.Killed})
	return tr, nil
}

func (t *Table) replaceLocked(next Target) Transition {
	killed, _ := t.killer.KillClass(registry.ClassBroadcast)
	prev := t.current
	t.current = next
	return Transition{Previous: prev, Current: next, Killed: killed, Resubscribe: next.Audible()}
}

// EnableWhisper routes speaker's audio from destination to headquarters.
// Re-enabling a speaker moves the assignment and kills the old session.
func (t *Table) EnableWhisper(speaker, destination string) {
	t.mu.Lock()
	killed := 0
	if prev, ok := t.whispers[speaker]; ok && prev != destination {
		killed, _ = t.killer.KillScope(WhisperScope(speaker))
	}
	t.whispers[speaker] = destination
	cur := t.current
	obs := t.observersLocked()
	t.mu.Unlock()

	notify(obs, Change{
		Kind:        ChangeWhisper,
		Previous:    cur,
		Current:     cur,
		Speaker:     speaker,
		Destination: destination,
		Enabled:     true,
		Killed:      killed,
	})
}

// DisableWhisper removes speaker's assignment and kills its session. It
// reports false when speaker had no assignment; the kill still runs.
func (t *Table) DisableWhisper(speaker string) bool {
	t.mu.Lock()
	dest, ok := t.whispers[speaker]
	delete(t.whispers, speaker)
	killed, _ := t.killer.KillScope(WhisperScope(speaker))
	cur := t.current
	obs := t.observersLocked()
	t.mu.Unlock()

	if ok {
		notify(obs, Change{
			Kind:        ChangeWhisper,
			Previous:    cur,
			Current:     cur,
			Speaker:     speaker,
			Destination: dest,
			Killed:      killed,
		})
	}
	return ok
}

// Whisper returns the destination a speaker whispers from.
func (t *Table) Whisper(speaker string) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	d, ok := t.whispers[speaker]
	return d, ok
}

// Whispers returns a copy of the active whisper assignments.
func (t *Table) Whispers() map[string]string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return maps.Clone(t.whispers)
}

// BeginBriefing records origins (member → channel) and switches the main
// target to Briefing, remembering the target to restore.
func (t *Table) BeginBriefing(origins map[string]string) (Transition, error) {
	t.mu.Lock()
	if t.briefing != nil {
		t.mu.Unlock()
		return Transition{}, ErrBriefingActive
	}
	restore := t.current
	tr := t.replaceLocked(Briefing)
	t.briefing = &BriefingState{StartedAt: t.now(), Origins: maps.Clone(origins), Restore: restore}
	obs := t.observersLocked()
	t.mu.Unlock()

	notify(obs, Change{Kind: ChangeBriefing, Previous: tr.Previous, Current: tr.Current, Enabled: true, Killed: tr.Killed})
	return tr, nil
}

// ForgetOrigin drops a member from the briefing bookkeeping, e.g. after a
// failed move.
func (t *Table) ForgetOrigin(userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.briefing != nil {
		delete(t.briefing.Origins, userID)
	}
}

// EndBriefing clears the briefing, restores the previous main target and
// returns the recorded origins.
func (t *Table) EndBriefing() (map[string]string, Transition, error) {
	t.mu.Lock()
	if t.briefing == nil {
		t.mu.Unlock()
		return nil, Transition{}, ErrBriefingInactive
	}
	b := t.briefing
	t.briefing = nil
	tr := t.replaceLocked(b.Restore)
	obs := t.observersLocked()
	t.mu.Unlock()

	notify(obs, Change{Kind: ChangeBriefing, Previous: tr.Previous, Current: tr.Current, Killed: tr.Killed})
	return b.Origins, tr, nil
}

// Briefing returns a copy of the running briefing, if any.
func (t *Table) Briefing() (BriefingState, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.briefing == nil {
		return BriefingState{}, false
	}
	b := *t.briefing
	b.Origins = maps.Clone(b.Origins)
	return b, true
}

func (t *Table) observersLocked() []func(Change) {
	return slices.Clone(t.observers)
}

func notify(obs []func(Change), c Change) {
	for _, fn := range obs {
		fn(c)
	}
}

// BroadcastScope is the registry scope of one broadcast utterance.
func BroadcastScope(utteranceID string) registry.Scope {
	return registry.Scope{Class: registry.ClassBroadcast, Owner: utteranceID}
}

// WhisperScope is the registry scope of one speaker's whisper session.
func WhisperScope(speaker string) registry.Scope {
	return registry.Scope{Class: registry.ClassWhisper, Owner: speaker}
}
