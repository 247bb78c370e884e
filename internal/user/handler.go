package user

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"go-livechat/internal/respond"
)

type Handler struct {
	Service *Service
	log     zerolog.Logger
}

func NewHandler(s *Service, log zerolog.Logger) *Handler {
	return &Handler{Service: s, log: log.With().Str("component", "user").Logger()}
}

func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req Credentials
	if err := respond.Decode(r, &req); err != nil {
		respond.Error(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := h.Service.Register(r.Context(), req)
	switch {
	case errors.Is(err, ErrMissingCredentials):
		respond.Error(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, ErrUsernameTaken):
		respond.Error(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		h.log.Error().Err(err).Msg("❌ register failed")
		respond.Error(w, http.StatusInternalServerError, "could not create user")
		return
	}

	h.log.Info().Int64("user_id", res.ID).Msg("👤 user registered")
	respond.JSON(w, http.StatusCreated, res)
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req Credentials
	if err := respond.Decode(r, &req); err != nil {
		respond.Error(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := h.Service.Login(r.Context(), req)
	if err != nil {
		if !errors.Is(err, ErrInvalidCredentials) {
			h.log.Error().Err(err).Msg("❌ login failed")
		}
		respond.Error(w, http.StatusUnauthorized, ErrInvalidCredentials.Error())
		return
	}

	respond.JSON(w, http.StatusOK, res)
}

func (h *Handler) SearchUsers(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	if q == "" {
		respond.Error(w, http.StatusBadRequest, "query parameter q is required")
		return
	}

	users, err := h.Service.SearchUsers(r.Context(), q)
	if err != nil {
		h.log.Error().Err(err).Msg("❌ user search failed")
		respond.Error(w, http.StatusInternalServerError, "search failed")
		return
	}
	respond.JSON(w, http.StatusOK, users)
}

func (h *Handler) GetUser(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "userID"), 10, 64)
	if err != nil || id <= 0 {
		respond.Error(w, http.StatusBadRequest, "invalid user id")
		return
	}

	u, err := h.Service.GetUser(r.Context(), id)
	switch {
	case errors.Is(err, ErrUserNotFound):
		respond.Error(w, http.StatusNotFound, err.Error())
		return
	case err != nil:
		h.log.Error().Err(err).Int64("user_id", id).Msg("❌ user lookup failed")
		respond.Error(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	respond.JSON(w, http.StatusOK, u)
}
