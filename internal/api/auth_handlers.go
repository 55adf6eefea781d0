package api

import (
	"net/http"

	"github.com/kamilpajak/billsync/internal/auth"
)

// handleAuthSync stores the authenticated user's profile. Clients call it
// after login so checkout can prefill the user's email.
func (s *Server) handleAuthSync(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims := auth.Claims(ctx)
	if claims == nil {
		writeError(w, http.StatusUnauthorized, "not authenticated")
		return
	}
	if claims.Email == "" {
		writeError(w, http.StatusBadRequest, "email not available in token")
		return
	}

	profile, err := s.profiles.UpsertUserProfile(ctx, claims.Subject, claims.Email)
	if err != nil {
		s.writeServiceError(w, r, "auth.sync", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"userId":    profile.UserID,
		"email":     profile.Email,
		"createdAt": profile.CreatedAt,
		"updatedAt": profile.UpdatedAt,
	})
}
