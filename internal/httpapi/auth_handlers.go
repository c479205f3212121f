package httpapi

import (
	"net/http"
	"time"

	"medgate.org/internal/audit"
)

type tokenRequest struct {
	UserID int64 `json:"user_id"`
}

type tokenResponse struct {
	Token     string    `json:"token"`
	TokenType string    `json:"token_type"`
	ExpiresAt time.Time `json:"expires_at"`
}

// handleAuthToken issues an identity-only token for an existing active
// user. It is mounted only when development tokens are enabled.
func (a *API) handleAuthToken(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDecodeError(w, r, err)
		return
	}
	if req.UserID <= 0 {
		writeError(w, r, http.StatusBadRequest, "user_id is required")
		return
	}
	user, ok, err := a.engine.LookupUser(r.Context(), req.UserID)
	if err != nil {
		handleRBACError(w, r, err)
		return
	}
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "Invalid or expired token")
		return
	}

	token, expiresAt, err := a.issuer.Issue(user.ID)
	if err != nil {
		handleRBACError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), audit.EventTokenIssued, map[string]any{
		"subject":    user.ID,
		"expires_at": expiresAt.Format(time.RFC3339),
	})
	writeData(w, http.StatusOK, tokenResponse{
		Token:     token,
		TokenType: "Bearer",
		ExpiresAt: expiresAt,
	})
}
