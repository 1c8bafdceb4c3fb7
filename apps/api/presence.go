package main

import "net/http"

// Users lists the addresses currently present in a channel.
func (s *Server) Users(w http.ResponseWriter, r *http.Request) {
	channelID := channelParam(r)
	users, err := s.members.Members(r.Context(), channelID)
	if err != nil {
		s.log.Error().Err(err).Str("channel", channelID).Msg("failed to fetch presence")
		writeError(w, http.StatusInternalServerError, "failed to fetch presence")
		return
	}
	if users == nil {
		users = []string{}
	}
	writeJSON(w, http.StatusOK, users)
}
