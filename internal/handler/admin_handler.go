package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/lef-zach/blog-sub000/internal/model"
	"github.com/lef-zach/blog-sub000/internal/service"
	"github.com/lef-zach/blog-sub000/pkg/apierror"
)

type AdminHandler struct {
	service *service.AuthService
}

func NewAdminHandler(service *service.AuthService) *AdminHandler {
	return &AdminHandler{service: service}
}

func (h *AdminHandler) UpdateUserRole(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	userID := chi.URLParam(r, "userID")
	if userID == "" {
		writeError(w, apierror.New("BAD_REQUEST", "user id is required", "", http.StatusBadRequest))
		return
	}

	var payload model.UpdateRoleRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, apierror.New("BAD_REQUEST", "invalid JSON body", "", http.StatusBadRequest))
		return
	}

	user, err := h.service.SetUserRole(r.Context(), userID, payload.Role)
	if err != nil {
		writeError(w, err)
		return
	}

	writeSuccess(w, http.StatusOK, user)
}
