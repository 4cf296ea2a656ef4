package handlers

import (
	"net/http"

	"github.com/eventdesk/apiserver/internal/apperr"
	"github.com/eventdesk/apiserver/internal/auth"
	"github.com/eventdesk/apiserver/internal/services"
	"github.com/eventdesk/apiserver/types"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

// AuthHandler provides JWT authentication endpoints.
type AuthHandler struct {
	userService *services.UserService
	tokens      *auth.TokenManager
}

// NewAuthHandler constructs an AuthHandler with the provided dependencies.
func NewAuthHandler(userService *services.UserService, tokens *auth.TokenManager) *AuthHandler {
	return &AuthHandler{
		userService: userService,
		tokens:      tokens,
	}
}

// AuthRouter registers auth routes on the given router. limiter may be nil.
func AuthRouter(r chi.Router, userService *services.UserService, tokens *auth.TokenManager, limiter *RateLimiter) {
	handler := NewAuthHandler(userService, tokens)

	r.Group(func(r chi.Router) {
		if limiter != nil {
			r.Use(limiter.Middleware)
		}
		r.Post("/signup", handler.Signup)
		r.Post("/login", handler.Login)
	})
	r.With(RequireAuth(tokens)).Get("/me", handler.Me)
}

// Signup creates a new account with the user role and returns a token.
func (h *AuthHandler) Signup(w http.ResponseWriter, r *http.Request) {
	var req types.SignupInput
	if err := decodeJSON(w, r, &req); err != nil {
		writeAppError(w, r, err)
		return
	}

	user, err := h.userService.Signup(r.Context(), req)
	if err != nil {
		writeAppError(w, r, err)
		return
	}

	session, err := h.session(user)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	zerolog.Ctx(r.Context()).Info().Str("user_id", user.ID.String()).Msg("user signed up")
	writeJSON(w, http.StatusCreated, session)
}

// Login verifies credentials and returns a token.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req types.Credentials
	if err := decodeJSON(w, r, &req); err != nil {
		writeAppError(w, r, err)
		return
	}

	user, err := h.userService.Authenticate(r.Context(), req)
	if err != nil {
		writeAppError(w, r, err)
		return
	}

	session, err := h.session(user)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

// Me returns the current authenticated user.
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	principal, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		writeAppError(w, r, apperr.E(apperr.Unauthenticated, "authentication required"))
		return
	}

	user, err := h.userService.GetByID(r.Context(), principal.UserID)
	if err != nil {
		if apperr.KindOf(err) == apperr.NotFound {
			err = apperr.Wrap(apperr.Unauthenticated, "authentication required", err)
		}
		writeAppError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, user)
}

func (h *AuthHandler) session(user types.User) (types.Session, error) {
	token, err := h.tokens.Issue(auth.PrincipalFor(user))
	if err != nil {
		return types.Session{}, apperr.Wrap(apperr.Internal, "failed to create token", err)
	}
	return types.Session{Token: token, Role: user.Role, User: user}, nil
}
