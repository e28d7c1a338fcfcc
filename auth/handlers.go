package auth

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/xxuejie/go-delta-docs/errs"
	"github.com/xxuejie/go-delta-docs/web"
)

type RegisterRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Response is what register and login answer with. The client keeps it as
// its session record.
type Response struct {
	ID       string `json:"_id"`
	Username string `json:"username"`
	Email    string `json:"email"`
	Token    string `json:"token"`
}

var errBadCredentials = &errs.Error{Message: "Invalid email or password", Err: errs.ErrAuth}

type Handlers struct {
	users  UserStore
	tokens *Tokens
	log    zerolog.Logger
}

func NewHandlers(users UserStore, tokens *Tokens, log zerolog.Logger) *Handlers {
	return &Handlers{
		users:  users,
		tokens: tokens,
		log:    log.With().Str("component", "auth").Logger(),
	}
}

// Register mounts the routes on r, which is expected to be the /api
// subrouter.
func (h *Handlers) Register(r *mux.Router) {
	r.HandleFunc("/auth/register", h.handleRegister).Methods(http.MethodPost)
	r.HandleFunc("/auth/login", h.handleLogin).Methods(http.MethodPost)
}

func (h *Handlers) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := web.DecodeJSON(r, &req); err != nil {
		web.RespondErr(w, err)
		return
	}
	if strings.TrimSpace(req.Username) == "" || strings.TrimSpace(req.Email) == "" || req.Password == "" {
		web.RespondError(w, http.StatusBadRequest, "Please fill in all fields")
		return
	}

	user, err := NewUser(strings.TrimSpace(req.Username), req.Email, req.Password)
	if err != nil {
		h.log.Error().Err(err).Msg("register")
		web.RespondError(w, http.StatusInternalServerError, "Registration failed")
		return
	}
	if err := h.users.Create(r.Context(), user); err != nil {
		h.log.Warn().Err(err).Str("email", user.Email).Msg("register")
		web.RespondErr(w, err)
		return
	}
	h.respondWithToken(w, http.StatusCreated, user)
}

func (h *Handlers) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := web.DecodeJSON(r, &req); err != nil {
		web.RespondErr(w, err)
		return
	}
	user, err := h.users.ByEmail(r.Context(), req.Email)
	if errors.Is(err, errs.ErrNotFound) {
		web.RespondErr(w, errBadCredentials)
		return
	}
	if err != nil {
		web.RespondErr(w, err)
		return
	}
	if !user.CheckPassword(req.Password) {
		web.RespondErr(w, errBadCredentials)
		return
	}
	h.respondWithToken(w, http.StatusOK, user)
}

func (h *Handlers) respondWithToken(w http.ResponseWriter, status int, user *User) {
	token, err := h.tokens.Issue(user)
	if err != nil {
		h.log.Error().Err(err).Msg("issue token")
		web.RespondError(w, http.StatusInternalServerError, "Failed to issue token")
		return
	}
	web.RespondJSON(w, status, Response{
		ID:       user.ID,
		Username: user.Username,
		Email:    user.Email,
		Token:    token,
	})
}
