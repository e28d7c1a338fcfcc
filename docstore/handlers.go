package docstore

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/xxuejie/go-delta-docs/auth"
	"github.com/xxuejie/go-delta-docs/errs"
	"github.com/xxuejie/go-delta-docs/web"
)

type CreateRequest struct {
	Title string `json:"title"`
}

type ShareRequest struct {
	Email string `json:"email"`
}

type Handlers struct {
	service *Service
	tokens  *auth.Tokens
}

func NewHandlers(service *Service, tokens *auth.Tokens) *Handlers {
	return &Handlers{service: service, tokens: tokens}
}

// Register mounts the document routes on r, the /api subrouter.
func (h *Handlers) Register(r *mux.Router) {
	// The invitation mail is sent without a credential.
	r.HandleFunc("/docs/{id}/share-email", h.handleShareEmail).Methods(http.MethodPost)

	protected := r.PathPrefix("/docs").Subrouter()
	protected.Use(auth.RequireAuth(h.tokens))
	protected.HandleFunc("", h.handleList).Methods(http.MethodGet)
	protected.HandleFunc("", h.handleCreate).Methods(http.MethodPost)
	protected.HandleFunc("/{id}", h.handleGet).Methods(http.MethodGet)
	protected.HandleFunc("/{id}", h.handleUpdate).Methods(http.MethodPut)
	protected.HandleFunc("/{id}", h.handleDelete).Methods(http.MethodDelete)
	protected.HandleFunc("/{id}/share", h.handleShare).Methods(http.MethodPost)
}

func identity(r *http.Request) (Identity, error) {
	claims, ok := auth.FromContext(r.Context())
	if !ok {
		return Identity{}, errs.ErrAuth
	}
	return Identity{UserID: claims.UserID(), Email: claims.Email}, nil
}

func (h *Handlers) handleList(w http.ResponseWriter, r *http.Request) {
	who, err := identity(r)
	if err != nil {
		web.RespondErr(w, err)
		return
	}
	docs, err := h.service.List(r.Context(), who)
	if err != nil {
		web.RespondErr(w, err)
		return
	}
	web.RespondJSON(w, http.StatusOK, docs)
}

func (h *Handlers) handleCreate(w http.ResponseWriter, r *http.Request) {
	who, err := identity(r)
	if err != nil {
		web.RespondErr(w, err)
		return
	}
	var req CreateRequest
	if r.ContentLength != 0 {
		if err := web.DecodeJSON(r, &req); err != nil {
			web.RespondErr(w, err)
			return
		}
	}
	d, err := h.service.Create(r.Context(), who, req.Title)
	if err != nil {
		web.RespondErr(w, err)
		return
	}
	web.RespondJSON(w, http.StatusCreated, d)
}

func (h *Handlers) handleGet(w http.ResponseWriter, r *http.Request) {
	who, err := identity(r)
	if err != nil {
		web.RespondErr(w, err)
		return
	}
	d, err := h.service.Get(r.Context(), who, mux.Vars(r)["id"])
	if err != nil {
		web.RespondErr(w, err)
		return
	}
	web.RespondJSON(w, http.StatusOK, d)
}

func (h *Handlers) handleUpdate(w http.ResponseWriter, r *http.Request) {
	who, err := identity(r)
	if err != nil {
		web.RespondErr(w, err)
		return
	}
	var p Patch
	if err := web.DecodeJSON(r, &p); err != nil {
		web.RespondErr(w, err)
		return
	}
	d, err := h.service.Update(r.Context(), who, mux.Vars(r)["id"], p)
	if err != nil {
		web.RespondErr(w, err)
		return
	}
	web.RespondJSON(w, http.StatusOK, d)
}

func (h *Handlers) handleDelete(w http.ResponseWriter, r *http.Request) {
	who, err := identity(r)
	if err != nil {
		web.RespondErr(w, err)
		return
	}
	if err := h.service.Delete(r.Context(), who, mux.Vars(r)["id"]); err != nil {
		web.RespondErr(w, err)
		return
	}
	web.RespondJSON(w, http.StatusOK, map[string]string{"message": "Document deleted"})
}

func (h *Handlers) handleShare(w http.ResponseWriter, r *http.Request) {
	who, err := identity(r)
	if err != nil {
		web.RespondErr(w, err)
		return
	}
	var req ShareRequest
	if err := web.DecodeJSON(r, &req); err != nil {
		web.RespondErr(w, err)
		return
	}
	if err := h.service.Share(r.Context(), who, mux.Vars(r)["id"], req.Email); err != nil {
		web.RespondErr(w, err)
		return
	}
	web.RespondJSON(w, http.StatusOK, map[string]string{"message": "Document shared"})
}

func (h *Handlers) handleShareEmail(w http.ResponseWriter, r *http.Request) {
	var req ShareRequest
	if err := web.DecodeJSON(r, &req); err != nil {
		web.RespondErr(w, err)
		return
	}
	if err := h.service.ShareEmail(r.Context(), mux.Vars(r)["id"], req.Email); err != nil {
		web.RespondErr(w, err)
		return
	}
	web.RespondJSON(w, http.StatusOK, map[string]string{"message": "Email sent"})
}
