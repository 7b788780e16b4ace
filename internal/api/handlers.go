package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/BTreeMap/StoryPipe/internal/flow"
	"github.com/BTreeMap/StoryPipe/internal/messaging"
	"github.com/BTreeMap/StoryPipe/internal/models"
	"github.com/BTreeMap/StoryPipe/internal/store"
	"github.com/BTreeMap/StoryPipe/internal/util"
)

// emptyTwiML acknowledges a webhook without replying.
const emptyTwiML = `<?xml version="1.0" encoding="UTF-8"?><Response></Response>`

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeResult(w, r, http.StatusOK, "", map[string]string{"service": "storypipe"})
}

// createTrialHandler handles POST /trials.
func (s *Server) createTrialHandler(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var req models.CreateTrialRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.createTrialHandler: failed to decode JSON", "error", err)
		writeError(w, r, http.StatusBadRequest, "Invalid JSON format")
		return
	}

	trial, err := s.trials.CreateTrial(r.Context(), req)
	switch {
	case isValidationError(err):
		slog.Warn("Server.createTrialHandler: validation failed", "error", err)
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, flow.ErrActiveTrialExists):
		writeError(w, r, http.StatusConflict, err.Error())
		return
	case err != nil:
		slog.Error("Server.createTrialHandler: failed to create trial", "error", err)
		writeError(w, r, http.StatusInternalServerError, "Failed to create trial")
		return
	}
	slog.Info("Server.createTrialHandler: trial created", "trialID", trial.ID)
	writeResult(w, r, http.StatusCreated, "Trial created", trial)
}

// listTrialsHandler handles GET /trials?state=&limit=.
func (s *Server) listTrialsHandler(w http.ResponseWriter, r *http.Request) {
	filter := store.TrialFilter{State: models.ConversationState(r.URL.Query().Get("state"))}
	if filter.State != "" && !models.IsValidState(filter.State) {
		writeError(w, r, http.StatusBadRequest, "Unknown state: "+string(filter.State))
		return
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeError(w, r, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		filter.Limit = limit
	}
	trials, err := s.st.ListTrials(r.Context(), filter)
	if err != nil {
		slog.Error("Server.listTrialsHandler: failed to list trials", "error", err)
		writeError(w, r, http.StatusInternalServerError, "Failed to list trials")
		return
	}
	if trials == nil {
		trials = []models.Trial{}
	}
	writeResult(w, r, http.StatusOK, "", trials)
}

// getTrialHandler handles GET /trials/{id}.
func (s *Server) getTrialHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	trial, err := s.st.GetTrial(r.Context(), id)
	if err != nil {
		slog.Error("Server.getTrialHandler: failed to load trial", "error", err, "trialID", id)
		writeError(w, r, http.StatusInternalServerError, "Failed to load trial")
		return
	}
	if trial == nil {
		writeError(w, r, http.StatusNotFound, "Trial not found")
		return
	}
	writeResult(w, r, http.StatusOK, "", trial)
}

// listVoiceNotesHandler handles GET /trials/{id}/voice-notes.
func (s *Server) listVoiceNotesHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	trial, err := s.st.GetTrial(r.Context(), id)
	if err != nil {
		slog.Error("Server.listVoiceNotesHandler: failed to load trial", "error", err, "trialID", id)
		writeError(w, r, http.StatusInternalServerError, "Failed to load trial")
		return
	}
	if trial == nil {
		writeError(w, r, http.StatusNotFound, "Trial not found")
		return
	}
	notes, err := s.st.ListVoiceNotes(r.Context(), id)
	if err != nil {
		slog.Error("Server.listVoiceNotesHandler: failed to list voice notes", "error", err, "trialID", id)
		writeError(w, r, http.StatusInternalServerError, "Failed to list voice notes")
		return
	}
	if notes == nil {
		notes = []models.VoiceNote{}
	}
	writeResult(w, r, http.StatusOK, "", notes)
}

// resumeTrialHandler handles POST /trials/{id}/resume.
func (s *Server) resumeTrialHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	trial, err := s.trials.ResumeTrial(r.Context(), id)
	switch {
	case errors.Is(err, flow.ErrTrialNotFound):
		writeError(w, r, http.StatusNotFound, "Trial not found")
		return
	case errors.Is(err, flow.ErrNotStalled):
		writeError(w, r, http.StatusConflict, err.Error())
		return
	case err != nil:
		slog.Error("Server.resumeTrialHandler: failed to resume trial", "error", err, "trialID", id)
		writeError(w, r, http.StatusInternalServerError, "Failed to resume trial")
		return
	}
	writeResult(w, r, http.StatusOK, "Trial resumed", trial)
}

// twilioWebhookHandler handles POST /webhooks/twilio. A handling failure
// answers 500 so the message stays unprocessed for redelivery.
func (s *Server) twilioWebhookHandler(w http.ResponseWriter, r *http.Request) {
	msg, err := s.twilio.ParseWebhook(r)
	switch {
	case errors.Is(err, messaging.ErrInvalidSignature):
		slog.Warn("Server.twilioWebhookHandler: rejected unsigned webhook", "remoteAddr", r.RemoteAddr)
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	case err != nil:
		slog.Warn("Server.twilioWebhookHandler: bad webhook", "error", err)
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	if err := s.inbound.HandleInbound(r.Context(), msg); err != nil {
		slog.Error("Server.twilioWebhookHandler: inbound handling failed", "error", err, "messageSid", msg.MessageID)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte(emptyTwiML)); err != nil {
		slog.Error("Server.twilioWebhookHandler: failed to write response", "error", err)
	}
}

func isValidationError(err error) bool {
	for _, target := range []error{
		models.ErrEmptyBuyerPhone,
		models.ErrEmptyStorytellerName,
		models.ErrNameTooLong,
		models.ErrAlbumTooLong,
		util.ErrInvalidPhone,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
