package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"

	"github.com/threadline-ai/threadline/internal/orchestrator"
	"github.com/threadline-ai/threadline/pkg/models"
)

// agentRequest is the body of POST /agent and POST /agent/stream. An empty
// message is accepted; a missing conversation_id starts a new conversation.
type agentRequest struct {
	Message        string     `json:"message"`
	Context        string     `json:"context,omitempty"`
	ConversationID *uuid.UUID `json:"conversation_id,omitempty"`
}

// agentResponse is the body of POST /agent. Conversation is nil when the
// inference or persistence failed; Response then carries the apology text.
type agentResponse struct {
	Response       string                       `json:"response"`
	Reasoning      string                       `json:"reasoning"`
	UserID         uuid.UUID                    `json:"user_id"`
	ConversationID uuid.UUID                    `json:"conversation_id"`
	Conversation   *models.ConversationSnapshot `json:"conversation,omitempty"`
}

// usageHeader carries per-request token accounting on the non-streaming
// endpoint, for client-side debugging.
const usageHeader = "X-Request-Usage"

func decodeAgentRequest(r *http.Request) (*agentRequest, error) {
	var req agentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, err
	}
	return &req, nil
}

// handleAgentStream serves POST /agent/stream: request setup, then the full
// event stream. Setup failures map to status codes; once the stream is open
// all failures ride the wire as events.
func (s *Server) handleAgentStream(w http.ResponseWriter, r *http.Request, user *models.User) {
	ctx := r.Context()

	req, err := decodeAgentRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "Invalid request body", nil)
		return
	}

	p, err := s.orch.Prepare(ctx, user, orchestrator.RequestInput{
		Message:        req.Message,
		ConversationID: req.ConversationID,
		Context:        req.Context,
	})
	if err != nil {
		writeRequestError(w, err)
		return
	}

	sink, err := newSSEWriter(w)
	if err != nil {
		s.log.Error(ctx, "streaming unsupported", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "Streaming not supported", nil)
		return
	}

	s.orch.Stream(ctx, p, sink)
}

// handleAgent serves POST /agent, the blocking variant. The response is 200
// even when inference failed; the body then carries the apology text so
// clients always get a parseable payload.
func (s *Server) handleAgent(w http.ResponseWriter, r *http.Request, user *models.User) {
	ctx := r.Context()

	req, err := decodeAgentRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "Invalid request body", nil)
		return
	}

	p, err := s.orch.Prepare(ctx, user, orchestrator.RequestInput{
		Message:        req.Message,
		ConversationID: req.ConversationID,
		Context:        req.Context,
	})
	if err != nil {
		writeRequestError(w, err)
		return
	}

	res := s.orch.Respond(ctx, p)

	w.Header().Set(usageHeader, res.Usage.HeaderValue())
	writeJSON(w, http.StatusOK, agentResponse{
		Response:       res.Response,
		Reasoning:      res.Reasoning,
		UserID:         res.UserID,
		ConversationID: res.ConversationID,
		Conversation:   res.Conversation,
	})
}
