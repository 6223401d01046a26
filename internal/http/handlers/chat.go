package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"ragserver/internal/rag"
)

// Chat answers a request in one blocking round trip, for callers that would
// rather wait than manage a job and an event stream.
func (a *App) Chat(w http.ResponseWriter, r *http.Request) {
	var req rag.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.json(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		a.json(w, http.StatusBadRequest, map[string]string{"error": "message is required"})
		return
	}

	a.Logger.Info().Str("mode", string(req.Mode())).Msg("chat request received")
	answer, err := a.Pipeline.Chat(r.Context(), req)
	if err != nil {
		a.Logger.Error().Err(err).Msg("chat request failed")
		a.json(w, http.StatusInternalServerError, rag.Answer{
			Answer: "An error occurred while processing your request.",
			Source: "ERROR",
		})
		return
	}
	a.json(w, http.StatusOK, answer)
}
