package gateway

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/threadline-ai/threadline/internal/auth"
	"github.com/threadline-ai/threadline/internal/conversations"
	"github.com/threadline-ai/threadline/internal/quota"
)

// errorInfo is the body of every non-2xx JSON response.
type errorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Detail  any    `json:"detail,omitempty"`
}

type errorBody struct {
	Error errorInfo `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, code, message string, detail any) {
	writeJSON(w, status, errorBody{Error: errorInfo{Code: code, Message: message, Detail: detail}})
}

func writeUnauthenticated(w http.ResponseWriter) {
	writeError(w, http.StatusUnauthorized, "unauthenticated", auth.UnauthenticatedHint, nil)
}

// writeRequestError maps a request-setup failure onto its status code. Used
// before any stream bytes have been written; mid-stream failures surface as
// the error event instead.
func writeRequestError(w http.ResponseWriter, err error) {
	if errors.Is(err, auth.ErrUnauthenticated) {
		writeUnauthenticated(w)
		return
	}
	if qe, ok := quota.GetQuotaExceeded(err); ok {
		detail := qe.Status.ErrorDetail()
		writeError(w, http.StatusPaymentRequired, detail.Code, detail.Message, detail)
		return
	}
	if errors.Is(err, conversations.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "Conversation not found", nil)
		return
	}
	writeError(w, http.StatusInternalServerError, "internal_error", "Internal server error", nil)
}
