package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/lef-zach/blog-sub000/internal/middleware"
	"github.com/lef-zach/blog-sub000/internal/model"
	"github.com/lef-zach/blog-sub000/internal/service"
	"github.com/lef-zach/blog-sub000/pkg/apierror"
)

const (
	// RefreshCookieName and RefreshCookiePath define where the refresh
	// token lives. The path scopes the cookie to the refresh endpoint so
	// it is not sent with every API call.
	RefreshCookieName = "refresh_token"
	RefreshCookiePath = "/api/v1/auth/refresh"
)

type CookieConfig struct {
	Secure bool
	MaxAge time.Duration
}

type AuthHandler struct {
	service *service.AuthService
	cookies CookieConfig
}

func NewAuthHandler(service *service.AuthService, cookies CookieConfig) *AuthHandler {
	return &AuthHandler{service: service, cookies: cookies}
}

func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	var payload model.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, apierror.New("BAD_REQUEST", "invalid JSON body", "", http.StatusBadRequest))
		return
	}

	user, err := h.service.Register(r.Context(), payload)
	if err != nil {
		writeError(w, err)
		return
	}

	writeSuccess(w, http.StatusCreated, user)
}

func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	var payload model.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, apierror.New("BAD_REQUEST", "invalid JSON body", "", http.StatusBadRequest))
		return
	}

	if payload.Email == "" || payload.Password == "" {
		writeError(w, apierror.New("BAD_REQUEST", "email and password are required", "", http.StatusBadRequest))
		return
	}

	pair, err := h.service.Login(r.Context(), payload.Email, payload.Password)
	if err != nil {
		writeError(w, err)
		return
	}

	h.setRefreshCookie(w, pair.RefreshToken)
	writeSuccess(w, http.StatusOK, model.LoginResponse{
		User:        pair.User,
		AccessToken: pair.AccessToken,
		ExpiresIn:   pair.ExpiresIn,
	})
}

func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(RefreshCookieName)
	if err != nil || cookie.Value == "" {
		writeError(w, apierror.New("NO_TOKEN", "refresh token cookie is missing", "", http.StatusUnauthorized))
		return
	}

	pair, err := h.service.Refresh(r.Context(), cookie.Value)
	if err != nil {
		// The presented token is dead on any 401 outcome; drop the
		// cookie so the client stops replaying it.
		if code := apierror.Code(err); code == "INVALID_TOKEN" || code == "TOKEN_REUSE_DETECTED" {
			h.clearRefreshCookie(w)
		}
		writeError(w, err)
		return
	}

	h.setRefreshCookie(w, pair.RefreshToken)
	writeSuccess(w, http.StatusOK, model.RefreshResponse{
		AccessToken: pair.AccessToken,
		ExpiresIn:   pair.ExpiresIn,
	})
}

// Logout does not sit behind the auth middleware: it must succeed for an
// already-revoked or expired access token so repeated logouts are harmless.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if token, ok := middleware.BearerToken(r); ok {
		if err := h.service.Logout(r.Context(), token); err != nil {
			writeError(w, err)
			return
		}
	}

	h.clearRefreshCookie(w)
	writeSuccess(w, http.StatusOK, model.MessageResponse{Message: "logged out"})
}

func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	claims, ok := middleware.ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, apierror.Unauthorized("authentication required"))
		return
	}

	user, err := h.service.GetUserByID(r.Context(), claims.UserID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeSuccess(w, http.StatusOK, user)
}

func (h *AuthHandler) UpdatePassword(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	claims, ok := middleware.ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, apierror.Unauthorized("authentication required"))
		return
	}

	var payload model.UpdatePasswordRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, apierror.New("BAD_REQUEST", "invalid JSON body", "", http.StatusBadRequest))
		return
	}

	if err := h.service.UpdatePassword(r.Context(), claims.UserID, payload.CurrentPassword, payload.NewPassword); err != nil {
		writeError(w, err)
		return
	}

	writeSuccess(w, http.StatusOK, model.MessageResponse{Message: "password updated"})
}

func (h *AuthHandler) setRefreshCookie(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     RefreshCookieName,
		Value:    token,
		Path:     RefreshCookiePath,
		MaxAge:   int(h.cookies.MaxAge.Seconds()),
		HttpOnly: true,
		Secure:   h.cookies.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (h *AuthHandler) clearRefreshCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     RefreshCookieName,
		Value:    "",
		Path:     RefreshCookiePath,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.cookies.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}
