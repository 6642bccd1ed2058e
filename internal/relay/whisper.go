package relay

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/MrWong99/voxrelay/internal/effect"
	"github.com/MrWong99/voxrelay/internal/event"
	"github.com/MrWong99/voxrelay/internal/pipeline"
	"github.com/MrWong99/voxrelay/internal/registry"
	"github.com/MrWong99/voxrelay/internal/routing"
	"github.com/MrWong99/voxrelay/pkg/audio"
)

// commandTimeout bounds the deletion of a processed command message.
const commandTimeout = 10 * time.Second

var whisperCommand = regexp.MustCompile(`(?i)^WHISPER:([^:\s]+):(ON|OFF)$`)

// FormatWhisperCommand renders the text command that switches whisper for
// userID.
func FormatWhisperCommand(userID string, on bool) string {
	state := "OFF"
	if on {
		state = "ON"
	}
	return "WHISPER:" + userID + ":" + state
}

// ParseWhisperCommand parses a text command produced by
// [FormatWhisperCommand]. Case and surrounding whitespace are ignored.
func ParseWhisperCommand(s string) (userID string, on bool, ok bool) {
	m := whisperCommand.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return "", false, false
	}
	return m[1], strings.EqualFold(m[2], "ON"), true
}

// EnableWhisper lets a configured chief speak to headquarters from their
// destination channel.
func (r *Relay) EnableWhisper(userID string) error {
	chief, err := r.chief(userID)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		return ErrNotRunning
	}
	r.table.EnableWhisper(userID, chief.Destination)
	r.logger.Info("whisper enabled", "user", userID, "name", chief.Name, "destination", chief.Destination)
	return nil
}

// DisableWhisper revokes a chief's whisper and tears down any whisper
// utterance in flight.
func (r *Relay) DisableWhisper(userID string) error {
	chief, err := r.chief(userID)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		return ErrNotRunning
	}
	r.table.DisableWhisper(userID)
	delete(r.whisperPipes, userID)
	r.logger.Info("whisper disabled", "user", userID, "name", chief.Name)
	return nil
}

// SetWhisper switches whisper for userID on or off.
func (r *Relay) SetWhisper(userID string, on bool) error {
	if on {
		return r.EnableWhisper(userID)
	}
	return r.DisableWhisper(userID)
}

func (r *Relay) chief(userID string) (Chief, error) {
	if len(r.chiefs) == 0 {
		return Chief{}, ErrWhisperNotConfigured
	}
	c, ok := r.chiefs[userID]
	if !ok {
		return Chief{}, fmt.Errorf("%w: %s", ErrUnknownChief, userID)
	}
	return c, nil
}

// onWhisperSpeech handles speech in destination d. Only chiefs whose whisper
// is enabled for d are relayed, to the headquarters channel and without the
// effect.
func (r *Relay) onWhisperSpeech(d *destination) func(audio.SpeechEvent) {
	return func(ev audio.SpeechEvent) {
		if ev.Type != audio.SpeechStart || r.ownIDs[ev.UserID] {
			return
		}
		r.whisperStarted(d, ev.UserID)
	}
}

func (r *Relay) whisperStarted(d *destination, userID string) {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	dest, ok := r.table.Whisper(userID)
	if !ok || dest != d.name {
		r.mu.Unlock()
		return
	}
	if old := r.whisperPipes[userID]; old != nil {
		select {
		case <-old.Done():
		default:
			// Still draining the previous utterance; keep it.
			r.mu.Unlock()
			return
		}
	}

	stream, err := d.ep.Subscribe(userID, r.cfg.WhisperSilence)
	if err != nil {
		r.mu.Unlock()
		r.logger.Warn("whisper subscribe failed", "user", userID, "destination", d.name, "err", err)
		r.bus.Warn("whisper", fmt.Sprintf("subscribe to %s in %s failed: %v", userID, d.name, err))
		return
	}
	utt := pipeline.NewUtterance(userID, stream, func(string) registry.Scope {
		return routing.WhisperScope(userID)
	})
	p := r.builder.Build(utt, []pipeline.Destination{r.hq}, effect.Settings{})
	if p == nil {
		r.mu.Unlock()
		_ = stream.Close()
		r.logger.Debug("headquarters not ready for whisper", "user", userID)
		return
	}
	r.whisperPipes[userID] = p
	go r.watchWhisper(userID, p)
	r.mu.Unlock()

	chief := r.chiefs[userID]
	r.stats.whispers.Add(1)
	r.logger.Info("relaying whisper", "user", userID, "name", chief.Name, "destination", d.name)
	r.bus.Publish(event.KindWhisperSpeaking, event.Speaking{
		UserID:       userID,
		DisplayName:  chief.Name,
		Target:       routing.Whisper(d.name).String(),
		Destinations: []string{r.hq.name},
	})
}

func (r *Relay) watchWhisper(userID string, p *pipeline.Pipeline) {
	<-p.Done()
	r.mu.Lock()
	if r.whisperPipes[userID] == p {
		delete(r.whisperPipes, userID)
	}
	r.mu.Unlock()
}

// onCommand applies whisper commands posted to the command channel and removes
// the processed message. Messages authored by this process are ignored.
func (r *Relay) onCommand(msg audio.Message) {
	if msg.AuthorID != "" && msg.AuthorID == r.cfg.WhisperBus.SelfID() {
		return
	}
	userID, on, ok := ParseWhisperCommand(msg.Content)
	if !ok {
		return
	}

	if err := r.SetWhisper(userID, on); err != nil {
		r.logger.Warn("whisper command rejected", "user", userID, "on", on, "err", err)
		r.bus.Warn("whisper", fmt.Sprintf("command %q rejected: %v", msg.Content, err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	if err := r.cfg.WhisperBus.DeleteMessage(ctx, msg.ChannelID, msg.ID); err != nil {
		r.logger.Warn("delete command message", "message", msg.ID, "err", err)
	}
}
