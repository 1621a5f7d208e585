package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/userdir/apiserver/internal/avatar"
	"github.com/userdir/apiserver/internal/policy"
	"github.com/userdir/apiserver/internal/services"
	"github.com/userdir/apiserver/internal/store"
	"github.com/userdir/apiserver/types"
)

const (
	maxMultipartMemory = 16 << 20
	maxAvatarBytes     = 16 << 20
	formFieldAvatar    = "avatar"
)

// UserHandler provides HTTP handlers for directory accounts.
type UserHandler struct {
	userService *services.UserService
}

// NewUserHandler constructs a handler with the provided service.
func NewUserHandler(userService *services.UserService) *UserHandler {
	return &UserHandler{userService: userService}
}

// UserRouter registers user routes on the given router. Every route
// requires an authenticated session.
func UserRouter(r chi.Router, userService *services.UserService, authMiddleware func(http.Handler) http.Handler) {
	handler := NewUserHandler(userService)

	r.Use(authMiddleware)
	r.Get("/", handler.ListUsers)
	r.Route("/{username}", func(r chi.Router) {
		r.Get("/", handler.GetUser)
		r.Put("/", handler.UpdateProfile)
		r.Delete("/", handler.DeleteUser)
		r.Post("/role", handler.SetRole)
		r.Put("/avatar", handler.UpdateAvatar)
		r.Get("/avatar", handler.GetAvatar)
	})
}

func (h *UserHandler) ListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.userService.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list users")
		return
	}
	if users == nil {
		users = []types.User{}
	}
	writeJSON(w, http.StatusOK, UserListResponse{Items: users, Total: len(users)})
}

func (h *UserHandler) GetUser(w http.ResponseWriter, r *http.Request) {
	user, err := h.userService.Get(r.Context(), chi.URLParam(r, "username"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "user not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to fetch user")
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// UpdateProfile changes full name, age, and city. Users may edit
// themselves; admins and super_admins may edit others per policy.
func (h *UserHandler) UpdateProfile(w http.ResponseWriter, r *http.Request) {
	actor, target, ok := h.resolvePair(w, r)
	if !ok {
		return
	}

	if !policy.CanEditProfile(actor.Role, target.Role, actor.Username == target.Username) {
		writeError(w, http.StatusForbidden, "not allowed to edit this user")
		return
	}

	var req ProfileUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}

	req.FullName = strings.TrimSpace(req.FullName)
	req.City = strings.TrimSpace(req.City)
	if req.FullName == "" || req.City == "" {
		writeError(w, http.StatusBadRequest, "missing required fields")
		return
	}

	if err := h.userService.UpdateProfile(r.Context(), target.Username, req.FullName, req.Age, req.City); err != nil {
		if errors.Is(err, services.ErrInvalidAge) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to update profile")
		return
	}

	updated, err := h.userService.Get(r.Context(), target.Username)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load user")
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (h *UserHandler) DeleteUser(w http.ResponseWriter, r *http.Request) {
	actor, target, ok := h.resolvePair(w, r)
	if !ok {
		return
	}

	if !policy.CanModify(actor.Role, target.Role, actor.Username == target.Username) {
		writeError(w, http.StatusForbidden, "not allowed to delete this user")
		return
	}

	if err := h.userService.Delete(r.Context(), target.Username); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "user not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to delete user")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// SetRole grants or revokes roles. Only super_admins may change roles,
// and never their own.
func (h *UserHandler) SetRole(w http.ResponseWriter, r *http.Request) {
	actor, target, ok := h.resolvePair(w, r)
	if !ok {
		return
	}

	if !policy.CanSetRole(actor.Role, actor.Username == target.Username) {
		writeError(w, http.StatusForbidden, "not allowed to change roles")
		return
	}

	var req RoleUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}

	role, err := types.ParseRole(req.Role)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.userService.SetRole(r.Context(), target.Username, role); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "user not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to set role")
		return
	}

	updated, err := h.userService.Get(r.Context(), target.Username)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load user")
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// UpdateAvatar replaces the profile picture. Only the owner may change
// their own picture.
func (h *UserHandler) UpdateAvatar(w http.ResponseWriter, r *http.Request) {
	actor, target, ok := h.resolvePair(w, r)
	if !ok {
		return
	}

	if actor.Username != target.Username {
		writeError(w, http.StatusForbidden, "not allowed to change this user's picture")
		return
	}

	if err := r.ParseMultipartForm(maxMultipartMemory); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}

	raw, err := parseAvatarFile(r, true)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	key, err := h.userService.UpdateAvatar(r.Context(), target.Username, raw)
	if err != nil {
		if errors.Is(err, avatar.ErrDecode) {
			writeError(w, http.StatusBadRequest, "invalid image")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to update avatar")
		return
	}

	writeJSON(w, http.StatusOK, AvatarResponse{AvatarKey: key})
}

// GetAvatar streams the stored profile picture. A user without one gets a
// 404; clients fall back to their placeholder image.
func (h *UserHandler) GetAvatar(w http.ResponseWriter, r *http.Request) {
	reader, err := h.userService.OpenAvatar(r.Context(), chi.URLParam(r, "username"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "no profile picture")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load picture")
		return
	}
	defer reader.Close()

	w.Header().Set("Content-Type", "image/jpeg")
	w.WriteHeader(http.StatusOK)
	_, _ = io.Copy(w, reader)
}

// resolvePair loads the authenticated actor and the target of the request.
func (h *UserHandler) resolvePair(w http.ResponseWriter, r *http.Request) (actor, target types.User, ok bool) {
	actorName, err := usernameFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return types.User{}, types.User{}, false
	}

	actor, err = h.userService.Get(r.Context(), actorName)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return types.User{}, types.User{}, false
		}
		writeError(w, http.StatusInternalServerError, "failed to load user")
		return types.User{}, types.User{}, false
	}

	target, err = h.userService.Get(r.Context(), chi.URLParam(r, "username"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "user not found")
			return types.User{}, types.User{}, false
		}
		writeError(w, http.StatusInternalServerError, "failed to load user")
		return types.User{}, types.User{}, false
	}

	return actor, target, true
}

// ProfileUpdateRequest carries the three mutable profile fields.
type ProfileUpdateRequest struct {
	FullName string `json:"full_name"`
	Age      int    `json:"age"`
	City     string `json:"city"`
}

// RoleUpdateRequest carries a role assignment.
type RoleUpdateRequest struct {
	Role string `json:"role"`
}

// AvatarResponse reports the storage key of a freshly stored picture.
type AvatarResponse struct {
	AvatarKey string `json:"avatar_key"`
}

// UserListResponse is the list response payload.
type UserListResponse struct {
	Items []types.User `json:"items"`
	Total int          `json:"total"`
}

// parseAvatarFile extracts the uploaded avatar from a parsed multipart
// form, enforcing the jpg/jpeg/png extension allowlist and the size cap.
// When required is false a missing file yields (nil, nil).
func parseAvatarFile(r *http.Request, required bool) ([]byte, error) {
	form := r.MultipartForm
	if form == nil {
		return nil, errors.New("missing form data")
	}

	files := form.File[formFieldAvatar]
	if len(files) == 0 {
		if required {
			return nil, errors.New("avatar file is required")
		}
		return nil, nil
	}
	if len(files) > 1 {
		return nil, errors.New("only one avatar file is allowed")
	}

	fileHeader := files[0]
	if !avatar.AllowedExtension(fileHeader.Filename) {
		return nil, errors.New("only jpg, jpeg, and png files are accepted")
	}

	file, err := fileHeader.Open()
	if err != nil {
		return nil, errors.New("failed to read avatar file")
	}
	data, err := readFileLimited(file, maxAvatarBytes)
	_ = file.Close()
	if err != nil {
		return nil, err
	}
	return data, nil
}

func readFileLimited(reader io.Reader, limit int64) ([]byte, error) {
	limited := io.LimitReader(reader, limit+1)
	data, err := io.ReadAll(limited)
	if err != nil {
		return nil, errors.New("failed to read upload")
	}
	if int64(len(data)) > limit {
		return nil, errors.New("uploaded file too large")
	}
	return data, nil
}
