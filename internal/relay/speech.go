package relay

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/MrWong99/voxrelay/internal/auth"
	"github.com/MrWong99/voxrelay/internal/event"
	"github.com/MrWong99/voxrelay/internal/pipeline"
	"github.com/MrWong99/voxrelay/internal/registry"
	"github.com/MrWong99/voxrelay/internal/routing"
	"github.com/MrWong99/voxrelay/pkg/audio"
)

// SetTarget parses input and makes it the main target. Every broadcast
// pipeline is killed; members still speaking are re-routed when the new
// target is audible. SetTarget returns once the re-routing is done.
func (r *Relay) SetTarget(ctx context.Context, input string) (routing.Target, error) {
	target, err := routing.Parse(input, r.DestinationNames())
	if err != nil {
		return routing.Target{}, err
	}
	if err := r.Route(ctx, target); err != nil {
		return routing.Target{}, err
	}
	return target, nil
}

// Route makes target the main target. Whisper and briefing targets are
// managed by their own commands and rejected here.
func (r *Relay) Route(ctx context.Context, target routing.Target) error {
	switch target.Kind {
	case routing.KindMute, routing.KindAll:
	case routing.KindNamed:
		if _, ok := r.byName[target.Destination]; !ok {
			return &routing.UnknownTargetError{Input: target.Destination}
		}
	default:
		return fmt.Errorf("relay: target %s cannot be selected directly: %w", target, ErrUnknownTarget)
	}

	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return ErrNotRunning
	}
	tr, err := r.table.Set(target)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	r.epoch++
	r.forgetPipesLocked()
	var pending []string
	if tr.Resubscribe {
		pending = resubscribeSet(r.speakers)
	}
	r.mu.Unlock()

	r.logger.Info("target changed",
		"previous", tr.Previous,
		"current", tr.Current,
		"killed", tr.Killed,
		"resubscribe", len(pending),
	)
	r.resubscribe(ctx, pending)
	return nil
}

// Target returns the main target.
func (r *Relay) Target() routing.Target {
	return r.table.Current()
}

// resubscribeSet returns the speakers whose audio must be re-routed after a
// target change, in a stable order.
func resubscribeSet(speakers map[string]*speaker) []string {
	ids := make([]string, 0, len(speakers))
	for id, sp := range speakers {
		if sp.state == stateSpeaking {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids
}

func (r *Relay) resubscribe(ctx context.Context, ids []string) {
	for _, id := range ids {
		if ctx.Err() != nil {
			return
		}
		r.admit(ctx, id)
	}
}

// onSourceSpeech drives the speaker state machine of the source channel.
func (r *Relay) onSourceSpeech(ev audio.SpeechEvent) {
	if r.ownIDs[ev.UserID] {
		return
	}
	switch ev.Type {
	case audio.SpeechStart:
		r.speechStarted(ev.UserID)
	case audio.SpeechEnd:
		r.speechEnded(ev.UserID)
	}
}

func (r *Relay) speechStarted(userID string) {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	sp, ok := r.speakers[userID]
	if !ok {
		sp = &speaker{}
		r.speakers[userID] = sp
	}
	if sp.state == stateSpeaking {
		r.mu.Unlock()
		return
	}
	sp.state = stateSpeaking
	sp.gen++
	sp.since = time.Now()
	sp.identity = auth.SpeakerIdentity{ID: userID}
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), lookupTimeout)
	defer cancel()
	r.admit(ctx, userID)
}

func (r *Relay) speechEnded(userID string) {
	r.mu.Lock()
	sp, ok := r.speakers[userID]
	if !ok || sp.state != stateSpeaking {
		r.mu.Unlock()
		return
	}
	delete(r.speakers, userID)
	relayed := sp.identity.Authorized
	r.mu.Unlock()

	if relayed {
		r.bus.Publish(event.KindSpeakingEnded, event.Speaking{
			UserID:      userID,
			DisplayName: sp.identity.DisplayName,
			RoleName:    sp.identity.RoleName,
		})
	}
}

// admit runs the authorization gate for a speaking member and starts a
// broadcast pipeline when the member is allowed and the main target is
// audible. Nothing happens while the target is silent; the gate runs when
// a later target change makes the member audible.
func (r *Relay) admit(ctx context.Context, userID string) {
	r.mu.Lock()
	sp, ok := r.speakers[userID]
	if !r.running || !ok || sp.state != stateSpeaking || sp.pipe != nil || !r.table.Current().Audible() {
		r.mu.Unlock()
		return
	}
	gen, epoch, rules := sp.gen, r.epoch, r.rules
	r.mu.Unlock()

	member, err := r.cfg.Directory.Member(ctx, userID)
	if err != nil {
		r.logger.Warn("member lookup failed", "user", userID, "err", err)
		r.bus.Warn("directory", fmt.Sprintf("member lookup for %s failed: %v", userID, err))
		return
	}
	id := r.authorize(userID, member, rules)

	r.mu.Lock()
	if !r.running || sp.gen != gen || sp.state != stateSpeaking || r.speakers[userID] != sp {
		r.mu.Unlock()
		return
	}
	sp.identity = id
	if !id.Authorized {
		r.mu.Unlock()
		r.stats.denied.Add(1)
		r.logger.Debug("speaker not authorized", "user", userID)
		return
	}
	if r.epoch != epoch || sp.pipe != nil {
		// A newer routing change re-admits the speaker itself.
		r.mu.Unlock()
		return
	}
	target := r.table.Current()
	dests := r.targetDestinations(target)
	p, err := r.startBroadcastLocked(sp, userID, dests)
	r.mu.Unlock()

	if err != nil {
		r.logger.Warn("subscribe failed", "user", userID, "err", err)
		r.bus.Warn("source", fmt.Sprintf("subscribe to %s failed: %v", userID, err))
		return
	}
	if p == nil {
		r.logger.Debug("no ready destination", "user", userID, "target", target)
		return
	}

	r.stats.utterances.Add(1)
	names := make([]string, len(dests))
	for i, d := range dests {
		names[i] = d.name
	}
	r.logger.Info("relaying speaker",
		"user", userID,
		"name", id.DisplayName,
		"target", target,
		"mode", p.Mode(),
		"writers", p.Writers(),
	)
	r.bus.Publish(event.KindSpeaking, event.Speaking{
		UserID:       userID,
		DisplayName:  id.DisplayName,
		RoleName:     id.RoleName,
		Target:       target.String(),
		Destinations: names,
	})
}

// targetDestinations resolves an audible target to its destinations.
func (r *Relay) targetDestinations(t routing.Target) []*destination {
	switch t.Kind {
	case routing.KindAll:
		return r.dests
	case routing.KindNamed:
		if d, ok := r.byName[t.Destination]; ok {
			return []*destination{d}
		}
	}
	return nil
}

func (r *Relay) startBroadcastLocked(sp *speaker, userID string, dests []*destination) (*pipeline.Pipeline, error) {
	ready := 0
	for _, d := range dests {
		if d.Ready() {
			ready++
		}
	}
	if ready == 0 {
		return nil, nil
	}

	stream, err := r.cfg.Source.Subscribe(userID, r.cfg.SilenceTimeout)
	if err != nil {
		return nil, err
	}
	utt := pipeline.NewUtterance(userID, stream, routing.BroadcastScope)
	p := r.builder.Build(utt, asPipelineDestinations(dests), r.settings)
	if p == nil {
		_ = stream.Close()
		return nil, nil
	}
	sp.pipe = p
	go r.watch(sp, p)
	return p, nil
}

// watch forgets p once it has finished so that the speaker can be re-admitted.
func (r *Relay) watch(sp *speaker, p *pipeline.Pipeline) {
	<-p.Done()
	r.mu.Lock()
	if sp.pipe == p {
		sp.pipe = nil
	}
	r.mu.Unlock()
}

func asPipelineDestinations(dests []*destination) []pipeline.Destination {
	out := make([]pipeline.Destination, len(dests))
	for i, d := range dests {
		out[i] = d
	}
	return out
}

// forgetPipesLocked drops the broadcast pipelines a routing change has just
// killed, without waiting for their teardown.
func (r *Relay) forgetPipesLocked() {
	for _, sp := range r.speakers {
		sp.pipe = nil
	}
}

// ActivePipelines returns the number of live handles in class.
func (r *Relay) ActivePipelines(class registry.Class) int {
	return r.reg.LenClass(class)
}
