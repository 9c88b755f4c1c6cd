package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/PaulBabatuyi/marketchat/internal/auth"
	"github.com/PaulBabatuyi/marketchat/internal/data"
	"github.com/PaulBabatuyi/marketchat/internal/docstore"
	"github.com/PaulBabatuyi/marketchat/internal/normalize"
)

const minPasswordLen = 8

type registerRequest struct {
	Email    string `json:"email"`
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type tokenResponse struct {
	Token     string    `json:"token"`
	UserID    string    `json:"user_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// handleRegister stores the account, creates the public profile and returns a token.
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	email := normalize.Email(req.Email)
	username := normalize.Username(req.Username)
	switch {
	case email == "" || !strings.Contains(email, "@"):
		writeError(w, http.StatusBadRequest, "a valid email is required")
		return
	case username == "":
		writeError(w, http.StatusBadRequest, "username is required")
		return
	case len(req.Password) < minPasswordLen:
		writeError(w, http.StatusBadRequest, "password must be at least 8 characters")
		return
	}

	hashed, err := auth.HashPassword(req.Password)
	if err != nil {
		s.log.Error().Err(err).Msg("gateway - register - hash failed")
		writeError(w, http.StatusInternalServerError, "failed to register")
		return
	}

	user, err := s.users.CreateUser(r.Context(), email, username, hashed)
	if err != nil {
		if errors.Is(err, data.ErrUserExists) {
			writeError(w, http.StatusConflict, "email already registered")
			return
		}
		s.log.Error().Err(err).Msg("gateway - register - create user failed")
		writeError(w, http.StatusInternalServerError, "failed to register")
		return
	}
	uid := user.ID.Hex()

	err = s.store.Set(r.Context(), data.CollProfiles, uid, map[string]any{
		"username":         username,
		"display_name":     strings.TrimSpace(req.Username),
		data.FieldOnline:   false,
		data.FieldLastSeen: docstore.ServerTimestamp,
	})
	if err != nil {
		s.log.Error().Err(err).Str("user_id", uid).Msg("gateway - register - create profile failed")
		writeError(w, http.StatusInternalServerError, "failed to register")
		return
	}

	token, expiresAt, err := s.jwt.GenerateToken(uid, user.Email)
	if err != nil {
		s.log.Error().Err(err).Msg("gateway - register - token failed")
		writeError(w, http.StatusInternalServerError, "failed to register")
		return
	}

	s.log.Info().Str("user_id", uid).Msg("gateway - register - ok")
	writeJSON(w, http.StatusCreated, tokenResponse{Token: token, UserID: uid, ExpiresAt: expiresAt})
}

// handleLogin checks credentials and returns a token.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	user, err := s.users.GetUserByEmail(r.Context(), normalize.Email(req.Email))
	if err != nil {
		if !errors.Is(err, data.ErrUserNotFound) {
			s.log.Error().Err(err).Msg("gateway - login - lookup failed")
			writeError(w, http.StatusInternalServerError, "failed to log in")
			return
		}
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	if err := auth.CheckPassword(user.Password, req.Password); err != nil {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	uid := user.ID.Hex()
	token, expiresAt, err := s.jwt.GenerateToken(uid, user.Email)
	if err != nil {
		s.log.Error().Err(err).Msg("gateway - login - token failed")
		writeError(w, http.StatusInternalServerError, "failed to log in")
		return
	}
	writeJSON(w, http.StatusOK, tokenResponse{Token: token, UserID: uid, ExpiresAt: expiresAt})
}

type meResponse struct {
	UserID   string `json:"user_id"`
	Email    string `json:"email"`
	Username string `json:"username"`
}

// handleMe resolves a token to its account. Tokens of deleted accounts are
// rejected even while their signature is still valid.
func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	token, _ := bearerToken(r)
	claims, err := s.jwt.VerifyToken(token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid token")
		return
	}
	user, err := s.users.GetUserByID(r.Context(), claims.UserID)
	if err != nil {
		if errors.Is(err, data.ErrUserNotFound) {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		s.log.Error().Err(err).Str("user_id", claims.UserID).Msg("gateway - me - lookup failed")
		writeError(w, http.StatusInternalServerError, "failed to load account")
		return
	}
	writeJSON(w, http.StatusOK, meResponse{UserID: user.ID.Hex(), Email: user.Email, Username: user.Username})
}
