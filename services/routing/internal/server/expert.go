package server

import (
	"bytes"
	"encoding/json"
	"net/http"

	"helpdesk/pkg/domain"
	"helpdesk/services/routing/internal/app"
)

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	snap, err := s.app.Queue(r.Context(), user.ID)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// handleQueueUpdates returns the queue restricted to conversations changed
// after ?since=. A missing or malformed value yields the full queue.
func (s *Server) handleQueueUpdates(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	snap, err := s.app.DeltaSince(r.Context(), user.ID, r.URL.Query().Get("since"))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// /expert/conversations/{id}/claim or /expert/conversations/{id}/unclaim
func (s *Server) handleExpertConversation(w http.ResponseWriter, r *http.Request, user domain.User) {
	id, action, ok := splitID(r.URL.Path, "/expert/conversations/")
	if !ok || (action != "claim" && action != "unclaim") {
		notFound(w, "not found")
		return
	}
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var (
		conv domain.Conversation
		err  error
	)
	if action == "claim" {
		if s.claimLimiter != nil && !s.claimLimiter.Allow(r.Context(), user.ID) {
			writeError(w, http.StatusTooManyRequests, "too many claim attempts")
			return
		}
		conv, err = s.app.Claim(r.Context(), id, user.ID)
	} else {
		conv, err = s.app.Unclaim(r.Context(), id, user.ID)
	}
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "conversation": conv})
}

func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request, user domain.User) {
	switch r.Method {
	case http.MethodGet:
		profile, err := s.app.GetProfile(r.Context(), user)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, profile)
	case http.MethodPut:
		var raw map[string]json.RawMessage
		if !decodeJSON(w, r, &raw) {
			return
		}
		upd, msg := parseProfileUpdate(raw)
		if msg != "" {
			writeError(w, http.StatusUnprocessableEntity, msg)
			return
		}
		if upd.Bio == nil && upd.KnowledgeBaseLinks == nil {
			writeError(w, http.StatusBadRequest, "No fields to update")
			return
		}
		profile, err := s.app.UpdateProfile(r.Context(), user, upd)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, profile)
	default:
		methodNotAllowed(w)
	}
}

// parseProfileUpdate reads bio and knowledgeBaseLinks (or
// knowledge_base_links). A null links value clears the list; any other
// non-array value is rejected.
func parseProfileUpdate(raw map[string]json.RawMessage) (app.ProfileUpdate, string) {
	var upd app.ProfileUpdate
	if v, ok := raw["bio"]; ok {
		bio := ""
		if !isNull(v) {
			if err := json.Unmarshal(v, &bio); err != nil {
				return upd, "bio must be a string"
			}
		}
		upd.Bio = &bio
	}
	links, ok := raw["knowledgeBaseLinks"]
	if !ok {
		links, ok = raw["knowledge_base_links"]
	}
	if ok {
		list := []string{}
		if !isNull(links) {
			if err := json.Unmarshal(links, &list); err != nil {
				return upd, "knowledgeBaseLinks must be an array"
			}
		}
		upd.KnowledgeBaseLinks = &list
	}
	return upd, ""
}

func isNull(v json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(v), []byte("null"))
}

func (s *Server) handleAssignmentHistory(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	records, err := s.app.AssignmentHistory(r.Context(), user.ID)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}
