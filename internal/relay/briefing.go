package relay

import (
	"context"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voxrelay/internal/event"
)

// BriefingResult summarises the member moves of a briefing transition.
type BriefingResult struct {
	// Moved counts members that were moved.
	Moved int `json:"moved"`

	// Skipped counts members that were not moved because they had left voice.
	Skipped int `json:"skipped"`

	// Failed counts moves Discord rejected.
	Failed int `json:"failed"`
}

// StartBriefing gathers every member connected to a destination channel into
// the briefing channel. Broadcast audio stops until [Relay.EndBriefing].
func (r *Relay) StartBriefing(ctx context.Context) (BriefingResult, error) {
	if r.cfg.BriefingChannelID == "" {
		return BriefingResult{}, ErrBriefingNotConfigured
	}
	if err := r.briefingIdle(); err != nil {
		return BriefingResult{}, err
	}

	states, err := r.cfg.Directory.VoiceStates(ctx)
	if err != nil {
		return BriefingResult{}, fmt.Errorf("relay: start briefing: %w", err)
	}
	channels := make(map[string]bool, len(r.dests))
	for _, d := range r.dests {
		channels[d.ep.ChannelID()] = true
	}
	origins := make(map[string]string)
	for _, vs := range states {
		if vs.Bot || r.ownIDs[vs.UserID] || !channels[vs.ChannelID] {
			continue
		}
		origins[vs.UserID] = vs.ChannelID
	}

	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return BriefingResult{}, ErrNotRunning
	}
	tr, err := r.table.BeginBriefing(origins)
	if err != nil {
		r.mu.Unlock()
		return BriefingResult{}, err
	}
	r.epoch++
	r.forgetPipesLocked()
	r.mu.Unlock()

	r.logger.Info("briefing started", "participants", len(origins), "previous", tr.Previous, "killed", tr.Killed)

	res := r.moveAll(ctx, origins, func(string) string { return r.cfg.BriefingChannelID }, func(userID string) {
		r.table.ForgetOrigin(userID)
	})
	r.bus.Publish(event.KindBriefingStarted, event.Briefing{
		ChannelID: r.cfg.BriefingChannelID,
		Moved:     res.Moved,
		Failed:    res.Failed,
	})
	return res, nil
}

// EndBriefing moves every briefed member back to the channel they came from
// and restores the main target that was active before the briefing. Members
// who have left voice meanwhile are skipped.
func (r *Relay) EndBriefing(ctx context.Context) (BriefingResult, error) {
	if r.cfg.BriefingChannelID == "" {
		return BriefingResult{}, ErrBriefingNotConfigured
	}

	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return BriefingResult{}, ErrNotRunning
	}
	origins, tr, err := r.table.EndBriefing()
	if err != nil {
		r.mu.Unlock()
		return BriefingResult{}, err
	}
	r.epoch++
	r.forgetPipesLocked()
	var pending []string
	if tr.Resubscribe {
		pending = resubscribeSet(r.speakers)
	}
	r.mu.Unlock()

	r.logger.Info("briefing ended", "participants", len(origins), "restored", tr.Current)

	var res BriefingResult
	present := make(map[string]bool, len(origins))
	states, err := r.cfg.Directory.VoiceStates(ctx)
	if err != nil {
		// Without a snapshot every participant is tried; moves of absent
		// members fail individually.
		r.logger.Warn("voice states unavailable, moving every participant", "err", err)
		for id := range origins {
			present[id] = true
		}
	} else {
		for _, vs := range states {
			present[vs.UserID] = true
		}
	}
	back := make(map[string]string, len(origins))
	for id, ch := range origins {
		if present[id] {
			back[id] = ch
		} else {
			res.Skipped++
		}
	}

	moved := r.moveAll(ctx, back, func(userID string) string { return back[userID] }, nil)
	res.Moved, res.Failed = moved.Moved, moved.Failed

	r.bus.Publish(event.KindBriefingEnded, event.Briefing{
		ChannelID: r.cfg.BriefingChannelID,
		Moved:     res.Moved,
		Skipped:   res.Skipped,
		Failed:    res.Failed,
	})
	r.resubscribe(ctx, pending)
	return res, nil
}

// BriefingActive reports whether a briefing is running.
func (r *Relay) BriefingActive() bool {
	_, ok := r.table.Briefing()
	return ok
}

func (r *Relay) briefingIdle() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		return ErrNotRunning
	}
	if _, active := r.table.Briefing(); active {
		return ErrBriefingActive
	}
	return nil
}

// moveAll moves members in parallel. Failures are reported and passed to
// onFail; they never abort the other moves.
func (r *Relay) moveAll(ctx context.Context, members map[string]string, to func(userID string) string, onFail func(userID string)) BriefingResult {
	var moved, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(moveConcurrency)
	for userID := range members {
		channel := to(userID)
		g.Go(func() error {
			if err := r.cfg.Directory.MoveMember(gctx, userID, channel); err != nil {
				failed.Add(1)
				r.logger.Warn("move member failed", "user", userID, "channel", channel, "err", err)
				r.bus.Warn("briefing", fmt.Sprintf("move of %s failed: %v", userID, err))
				if onFail != nil {
					onFail(userID)
				}
				return nil
			}
			moved.Add(1)
			return nil
		})
	}
	_ = g.Wait()
	return BriefingResult{Moved: int(moved.Load()), Failed: int(failed.Load())}
}
