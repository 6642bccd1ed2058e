package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/MrWong99/voxrelay/internal/relay"
	"github.com/MrWong99/voxrelay/internal/routing"
)

// maxBody bounds request bodies; settings documents are tiny.
const maxBody = 4 << 10

type errorBody struct {
	Error      string `json:"error"`
	Suggestion string `json:"suggestion,omitempty"`
}

type targetBody struct {
	Success bool   `json:"success"`
	Target  string `json:"target"`
	Kind    string `json:"kind"`
}

type whisperBody struct {
	Success bool   `json:"success"`
	UserID  string `json:"user_id"`
	Enabled bool   `json:"enabled"`
}

type briefingBody struct {
	Success bool `json:"success"`
	relay.BriefingResult
}

// settingsPatch is the body of PUT /settings. Absent fields keep their
// current value.
type settingsPatch struct {
	EffectEnabled   *bool `json:"effect_enabled"`
	EffectIntensity *int  `json:"effect_intensity"`
	CueEnabled      *bool `json:"cue_enabled"`
}

func (s *Server) handleTarget(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	target, err := s.relay.SetTarget(ctx, r.PathValue("target"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, targetBody{Success: true, Target: target.String(), Kind: target.Kind.String()})
}

func (s *Server) handleWhisper(w http.ResponseWriter, r *http.Request) {
	var on bool
	switch strings.ToLower(r.PathValue("state")) {
	case "on":
		on = true
	case "off":
	default:
		writeJSON(w, http.StatusBadRequest, errorBody{Error: fmt.Sprintf("invalid whisper state %q; use on or off", r.PathValue("state"))})
		return
	}

	user := r.PathValue("user")
	if err := s.relay.SetWhisper(user, on); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, whisperBody{Success: true, UserID: user, Enabled: on})
}

func (s *Server) handleBriefing(w http.ResponseWriter, r *http.Request) {
	var op func(context.Context) (relay.BriefingResult, error)
	switch strings.ToLower(r.PathValue("action")) {
	case "start":
		op = s.relay.StartBriefing
	case "end":
		op = s.relay.EndBriefing
	default:
		writeJSON(w, http.StatusNotFound, errorBody{Error: fmt.Sprintf("unknown briefing action %q; use start or end", r.PathValue("action"))})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), briefingTimeout)
	defer cancel()

	res, err := op(ctx)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, briefingBody{Success: true, BriefingResult: res})
}

func (s *Server) handleSettings(w http.ResponseWriter, r *http.Request) {
	var patch settingsPatch
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&patch); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid settings: " + err.Error()})
		return
	}

	next := s.relay.AudioSettings()
	if patch.EffectEnabled != nil {
		next.Enabled = *patch.EffectEnabled
	}
	if patch.EffectIntensity != nil {
		if i := *patch.EffectIntensity; i < 0 || i > 100 {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: fmt.Sprintf("effect_intensity %d is out of range [0, 100]", i)})
			return
		}
		next.Intensity = *patch.EffectIntensity
	}
	if patch.CueEnabled != nil {
		next.CueEnabled = *patch.CueEnabled
	}

	writeJSON(w, http.StatusOK, s.relay.UpdateAudioSettings(next))
}

func (s *Server) handleGetSettings(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.relay.AudioSettings())
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.relay.Status())
}

// writeError maps relay errors onto HTTP statuses. Command errors change no
// state, so none of them is a 5xx except an unexpected failure.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var unknown *routing.UnknownTargetError
	switch {
	case errors.As(err, &unknown):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error(), Suggestion: unknown.Suggestion})
	case errors.Is(err, relay.ErrUnknownChief),
		errors.Is(err, relay.ErrWhisperNotConfigured),
		errors.Is(err, relay.ErrBriefingNotConfigured):
		writeJSON(w, http.StatusNotFound, errorBody{Error: err.Error()})
	case errors.Is(err, relay.ErrBriefingActive), errors.Is(err, relay.ErrBriefingInactive):
		writeJSON(w, http.StatusConflict, errorBody{Error: err.Error()})
	case errors.Is(err, relay.ErrNotRunning):
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: err.Error()})
	case errors.Is(err, context.DeadlineExceeded):
		writeJSON(w, http.StatusGatewayTimeout, errorBody{Error: err.Error()})
	default:
		s.logger.WarnContext(r.Context(), "control: request failed", "path", r.URL.Path, "err", err)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: err.Error()})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
