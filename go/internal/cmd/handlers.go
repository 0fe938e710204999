package main

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/snookerhq/livesync/go/internal/livematch"
)

type apiHandler struct {
	services *Services
}

// actorRequest carries the acting scorekeeper's id, required on every
// mutating call for the audit trail.
type actorRequest struct {
	ActorID string `json:"actor_id"`
}

func decodeBody(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

func (h *apiHandler) getLive(w http.ResponseWriter, r *http.Request) {
	state, err := h.services.Matches.GetLiveMatch(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (h *apiHandler) goLive(w http.ResponseWriter, r *http.Request) {
	var req struct {
		actorRequest
		Settings *livematch.LiveMatchSettings `json:"settings"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, &livematch.InvalidUpdateError{Reason: "malformed request body"})
		return
	}
	settings := h.services.Defaults
	if req.Settings != nil {
		settings = *req.Settings
	}

	state, err := h.services.Lifecycle.GoLive(r.Context(), r.PathValue("id"), req.ActorID, settings)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, state)
}

func (h *apiHandler) updateScore(w http.ResponseWriter, r *http.Request) {
	var req struct {
		actorRequest
		FrameNumber  int                   `json:"frame_number"`
		Player1Score *int                  `json:"player1_score"`
		Player2Score *int                  `json:"player2_score"`
		Winner       *livematch.PlayerSide `json:"winner"`
		IsComplete   *bool                 `json:"is_complete"`
		AddBreak     *livematch.FrameBreak `json:"add_break"`
		AddFoul      *livematch.FrameFoul  `json:"add_foul"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, &livematch.InvalidUpdateError{Reason: "malformed request body"})
		return
	}

	state, err := h.services.Lifecycle.UpdateScore(r.Context(), r.PathValue("id"), livematch.FrameUpdate{
		FrameNumber:  req.FrameNumber,
		Player1Score: req.Player1Score,
		Player2Score: req.Player2Score,
		Winner:       req.Winner,
		IsComplete:   req.IsComplete,
		AddBreak:     req.AddBreak,
		AddFoul:      req.AddFoul,
	}, req.ActorID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (h *apiHandler) endFrame(w http.ResponseWriter, r *http.Request) {
	frameNumber, err := strconv.Atoi(r.PathValue("frame"))
	if err != nil {
		writeError(w, &livematch.InvalidUpdateError{Reason: "frame number must be an integer"})
		return
	}
	var req struct {
		actorRequest
		Winner livematch.PlayerSide `json:"winner"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, &livematch.InvalidUpdateError{Reason: "malformed request body"})
		return
	}

	state, err := h.services.Lifecycle.EndFrame(r.Context(), r.PathValue("id"), frameNumber, req.Winner, req.ActorID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (h *apiHandler) pause(w http.ResponseWriter, r *http.Request) {
	var req struct {
		actorRequest
		Reason string `json:"reason"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, &livematch.InvalidUpdateError{Reason: "malformed request body"})
		return
	}
	if err := h.services.Lifecycle.Pause(r.Context(), r.PathValue("id"), req.Reason, req.ActorID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "paused"})
}

func (h *apiHandler) resume(w http.ResponseWriter, r *http.Request) {
	var req actorRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, &livematch.InvalidUpdateError{Reason: "malformed request body"})
		return
	}
	if err := h.services.Lifecycle.Resume(r.Context(), r.PathValue("id"), req.ActorID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resumed"})
}

func (h *apiHandler) startBreak(w http.ResponseWriter, r *http.Request) {
	var req actorRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, &livematch.InvalidUpdateError{Reason: "malformed request body"})
		return
	}
	if err := h.services.Lifecycle.StartBreak(r.Context(), r.PathValue("id"), req.ActorID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "on_break"})
}

func (h *apiHandler) endBreak(w http.ResponseWriter, r *http.Request) {
	var req actorRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, &livematch.InvalidUpdateError{Reason: "malformed request body"})
		return
	}
	if err := h.services.Lifecycle.EndBreak(r.Context(), r.PathValue("id"), req.ActorID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "break_ended"})
}

func (h *apiHandler) complete(w http.ResponseWriter, r *http.Request) {
	var req struct {
		actorRequest
		WinnerID string `json:"winner_id"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, &livematch.InvalidUpdateError{Reason: "malformed request body"})
		return
	}

	stats, err := h.services.Lifecycle.Complete(r.Context(), r.PathValue("id"), req.WinnerID, req.ActorID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *apiHandler) timers(w http.ResponseWriter, r *http.Request) {
	state, err := h.services.Lifecycle.TimerState(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (h *apiHandler) syncTimers(w http.ResponseWriter, r *http.Request) {
	if err := h.services.Lifecycle.SyncTimers(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "synced"})
}
