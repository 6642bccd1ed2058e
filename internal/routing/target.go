// Package routing holds the routing state of the relay: the main broadcast
// target, the whisper assignments, and the briefing bookkeeping.
package routing

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"github.com/antzucaro/matchr"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Kind enumerates the variants of [Target].
type Kind int

const (
	KindMute Kind = iota
	KindAll
	KindNamed
	KindWhisper
	KindBriefing
)

// String returns the lower-case name of the kind.
func (k Kind) String() string {
	switch k {
	case KindMute:
		return "mute"
	case KindAll:
		return "all"
	case KindNamed:
		return "named"
	case KindWhisper:
		return "whisper"
	case KindBriefing:
		return "briefing"
	default:
		return "unknown"
	}
}

// Target is where audio goes. Destination is set for KindNamed and KindWhisper.
type Target struct {
	Kind        Kind
	Destination string
}

var (
	Mute     = Target{Kind: KindMute}
	All      = Target{Kind: KindAll}
	Briefing = Target{Kind: KindBriefing}
)

// Named targets one destination.
func Named(destination string) Target {
	return Target{Kind: KindNamed, Destination: destination}
}

// Whisper targets the headquarters channel on behalf of a destination.
func Whisper(destination string) Target {
	return Target{Kind: KindWhisper, Destination: destination}
}

// Audible reports whether broadcast audio flows under t.
func (t Target) Audible() bool {
	return t.Kind == KindAll || t.Kind == KindNamed
}

// String renders t the way operators type it.
func (t Target) String() string {
	switch t.Kind {
	case KindNamed:
		return t.Destination
	case KindWhisper:
		return "whisper:" + t.Destination
	default:
		return t.Kind.String()
	}
}

// ErrUnknownTarget is returned by [Parse] for input that names no target.
var ErrUnknownTarget = errors.New("routing: unknown target")

// UnknownTargetError carries the rejected input and the closest known name.
type UnknownTargetError struct {
	Input      string
	Suggestion string
}

func (e *UnknownTargetError) Error() string {
	if e.Suggestion != "" {
		return fmt.Sprintf("routing: unknown target %q (did you mean %q?)", e.Input, e.Suggestion)
	}
	return fmt.Sprintf("routing: unknown target %q", e.Input)
}

// Is makes errors.Is(err, ErrUnknownTarget) match.
func (e *UnknownTargetError) Is(target error) bool { return target == ErrUnknownTarget }

// Name is a destination as seen by the parser.
type Name struct {
	Name        string
	DisplayName string
}

// suggestThreshold is the minimum Jaro-Winkler similarity for a suggestion.
const suggestThreshold = 0.80

var keywords = map[string]Target{
	"mute":    Mute,
	"none":    Mute,
	"off":     Mute,
	"all":     All,
	"default": All,
}

// Parse turns operator input into a target. Accepted forms are the keywords
// mute, none, off, all, default, the form channelN (1-based position in
// dests), and destination names or display names. Comparison ignores case and
// diacritics, so "genie" selects a destination displayed as "Génie".
func Parse(input string, dests []Name) (Target, error) {
	key := Fold(input)
	if key == "" {
		return Target{}, &UnknownTargetError{Input: input}
	}
	if t, ok := keywords[key]; ok {
		return t, nil
	}
	if n, ok := strings.CutPrefix(key, "channel"); ok {
		if i, err := strconv.Atoi(n); err == nil && i >= 1 && i <= len(dests) {
			return Named(dests[i-1].Name), nil
		}
	}
	for _, d := range dests {
		if key == Fold(d.Name) || (d.DisplayName != "" && key == Fold(d.DisplayName)) {
			return Named(d.Name), nil
		}
	}
	return Target{}, &UnknownTargetError{Input: input, Suggestion: suggest(key, dests)}
}

// Reserved reports whether name would be read as a keyword or a channelN
// position by [Parse] and therefore cannot name a destination.
func Reserved(name string) bool {
	key := Fold(name)
	if _, ok := keywords[key]; ok {
		return true
	}
	if n, ok := strings.CutPrefix(key, "channel"); ok {
		if _, err := strconv.Atoi(n); err == nil {
			return true
		}
	}
	return false
}

// suggest returns the known name closest to key, or "".
func suggest(key string, dests []Name) string {
	best, bestScore := "", 0.0
	consider := func(candidate string) {
		if s := matchr.JaroWinkler(key, Fold(candidate), false); s > bestScore {
			best, bestScore = candidate, s
		}
	}
	for kw := range keywords {
		consider(kw)
	}
	for _, d := range dests {
		consider(d.Name)
		if d.DisplayName != "" {
			consider(d.DisplayName)
		}
	}
	if bestScore < suggestThreshold {
		return ""
	}
	return best
}

// Fold lower-cases s, trims it, and strips diacritics.
func Fold(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, s)
	if err != nil {
		folded = s
	}
	return strings.ToLower(strings.TrimSpace(folded))
}
