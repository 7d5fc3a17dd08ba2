package gateway

import (
	"net/http"

	"github.com/threadline-ai/threadline/pkg/models"
)

// handleLimits serves GET /agent/limits: the caller's current quota
// standing. Never enforces; an over-limit user still sees their numbers.
func (s *Server) handleLimits(w http.ResponseWriter, r *http.Request, user *models.User) {
	ctx := r.Context()

	status, err := s.enforcer.Check(ctx, user.ID, user.Tier, false)
	if err != nil {
		s.log.Error(ctx, "failed to compute quota standing", "error", err)
		writeRequestError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, status)
}
