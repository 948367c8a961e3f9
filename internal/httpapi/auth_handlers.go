package httpapi

import (
	"net/http"
	"strings"
	"time"

	"mawney.org/sentinel/internal/auth"
	"mawney.org/sentinel/internal/secerr"
)

type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type tokenResponse struct {
	SubjectID        string    `json:"subject_id"`
	TokenType        string    `json:"token_type"`
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	ExpiresIn        int64     `json:"expires_in"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
	Roles            []string  `json:"roles"`
}

func (a *API) tokenResponse(pair auth.TokenPair, claims *auth.Claims) tokenResponse {
	return tokenResponse{
		SubjectID:        claims.Subject,
		TokenType:        "Bearer",
		AccessToken:      pair.AccessToken,
		RefreshToken:     pair.RefreshToken,
		ExpiresIn:        int64(pair.AccessExpiresAt.Sub(a.now()).Seconds()),
		AccessExpiresAt:  pair.AccessExpiresAt,
		RefreshExpiresAt: pair.RefreshExpiresAt,
		Roles:            claims.Roles,
	}
}

func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	// Self-registration always gets the default role.
	u, err := a.Credentials.Register(r.Context(), req.Email, req.Password)
	if err != nil {
		respondError(w, r, err)
		return
	}
	pair, claims, err := a.Tokens.Issue(r.Context(), u.ID)
	if err != nil {
		respondError(w, r, err)
		return
	}
	stateFrom(r.Context()).subject = u.ID
	writeJSON(w, http.StatusCreated, a.tokenResponse(pair, claims))
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Email) == "" || req.Password == "" {
		writeError(w, r, http.StatusBadRequest, "email and password are required")
		return
	}
	st := stateFrom(r.Context())
	pair, claims, err := a.Tokens.Login(r.Context(), req.Email, req.Password, st.ip)
	if err != nil {
		respondError(w, r, err)
		return
	}
	st.subject = claims.Subject
	writeJSON(w, http.StatusOK, a.tokenResponse(pair, claims))
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.RefreshToken) == "" {
		// Same answer as a bad token so probing learns nothing.
		respondError(w, r, secerr.ErrRefreshInvalid)
		return
	}
	pair, claims, err := a.Tokens.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		respondError(w, r, err)
		return
	}
	stateFrom(r.Context()).subject = claims.Subject
	writeJSON(w, http.StatusOK, a.tokenResponse(pair, claims))
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		respondError(w, r, secerr.ErrAuthentication)
		return
	}
	if err := a.Tokens.Logout(r.Context(), claims); err != nil {
		respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
