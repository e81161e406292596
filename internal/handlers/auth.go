package handlers

import (
	"net/http"

	"github.com/sirupsen/logrus"
	"github.com/ukydev/fleet-investigations/internal/auth"
	"github.com/ukydev/fleet-investigations/internal/db"
	"github.com/ukydev/fleet-investigations/internal/middleware"
	"github.com/ukydev/fleet-investigations/internal/models"
)

// AuthHandler handles authentication requests
type AuthHandler struct {
	authService    *auth.Service
	userCollection db.UserCollection
	log            logrus.FieldLogger
}

// NewAuthHandler creates a new authentication handler
func NewAuthHandler(authService *auth.Service, userCollection db.UserCollection, log logrus.FieldLogger) *AuthHandler {
	return &AuthHandler{
		authService:    authService,
		userCollection: userCollection,
		log:            log,
	}
}

// Login handles user login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var loginReq models.LoginRequest
	if err := decodeJSON(w, r, &loginReq); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := validate.Struct(loginReq); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{
			Error:  "username and password are required",
			Fields: validationFields(err),
		})
		return
	}

	user, err := h.userCollection.FindUserByUsername(r.Context(), loginReq.Username)
	if err != nil {
		writeError(w, http.StatusUnauthorized, auth.ErrInvalidCredentials.Error())
		return
	}

	if !user.IsActive {
		writeError(w, http.StatusUnauthorized, auth.ErrUserInactive.Error())
		return
	}

	if !h.authService.CheckPassword(loginReq.Password, user.PasswordHash) {
		writeError(w, http.StatusUnauthorized, auth.ErrInvalidCredentials.Error())
		return
	}

	token, err := h.authService.GenerateToken(user)
	if err != nil {
		h.log.WithError(err).WithField("username", user.Username).Error("Failed to generate token")
		writeError(w, http.StatusInternalServerError, "failed to generate token")
		return
	}

	// a stale last_login does not block the login
	if err := h.userCollection.UpdateLastLogin(r.Context(), user.ID.Hex()); err != nil {
		h.log.WithError(err).WithField("username", user.Username).Warn("Failed to update last login")
	}

	writeJSON(w, http.StatusOK, models.LoginResponse{
		Token: token,
		User:  *user,
	})
}

// Me returns the caller's token claims.
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	claims, ok := middleware.GetUserFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "user context not found")
		return
	}
	writeJSON(w, http.StatusOK, claims)
}
