package gateway

import (
	"net/http"

	"github.com/threadline-ai/threadline/pkg/models"
)

// historyResponse is the body of GET /agent/history: every conversation the
// user owns, newest-updated first, each with its full message list.
type historyResponse struct {
	History []models.ConversationSnapshot `json:"history"`
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request, user *models.User) {
	ctx := r.Context()

	list, err := s.store.ListByUser(ctx, user.ID)
	if err != nil {
		s.log.Error(ctx, "failed to load conversation history", "error", err)
		writeRequestError(w, err)
		return
	}

	history := make([]models.ConversationSnapshot, 0, len(list))
	for i := range list {
		cwm := &list[i]
		history = append(history, models.NewSnapshot(&cwm.Conversation, cwm.Messages, len(cwm.Messages)))
	}

	writeJSON(w, http.StatusOK, historyResponse{History: history})
}
