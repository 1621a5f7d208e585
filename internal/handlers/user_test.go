package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/userdir/apiserver/internal/auth"
	"github.com/userdir/apiserver/internal/avatar"
	"github.com/userdir/apiserver/internal/events"
	"github.com/userdir/apiserver/internal/services"
	"github.com/userdir/apiserver/internal/storage"
	"github.com/userdir/apiserver/internal/store"
	"github.com/userdir/apiserver/types"
)

const testSecret = "test-secret"

// memRepo is an in-memory UserRepository backing the handler tests.
type memRepo struct {
	users map[string]types.User
}

func newMemRepo() *memRepo {
	return &memRepo{users: make(map[string]types.User)}
}

func (m *memRepo) GetByUsername(ctx context.Context, username string) (types.User, error) {
	user, ok := m.users[username]
	if !ok {
		return types.User{}, store.ErrNotFound
	}
	return user, nil
}

func (m *memRepo) List(ctx context.Context) ([]types.User, error) {
	var users []types.User
	for _, user := range m.users {
		users = append(users, user)
	}
	return users, nil
}

func (m *memRepo) Create(ctx context.Context, user types.User) (types.User, error) {
	if _, exists := m.users[user.Username]; exists {
		return types.User{}, store.ErrDuplicateUsername
	}
	m.users[user.Username] = user
	return user, nil
}

func (m *memRepo) UpdateProfile(ctx context.Context, username, fullName string, age int, city string) error {
	user, ok := m.users[username]
	if !ok {
		return nil
	}
	user.FullName = fullName
	user.Age = age
	user.City = city
	m.users[username] = user
	return nil
}

func (m *memRepo) SetRole(ctx context.Context, username string, role types.Role) error {
	user, ok := m.users[username]
	if !ok {
		return store.ErrNotFound
	}
	user.Role = role
	m.users[username] = user
	return nil
}

func (m *memRepo) SetAvatarKey(ctx context.Context, username, key string) error {
	user, ok := m.users[username]
	if !ok {
		return store.ErrNotFound
	}
	user.AvatarKey = key
	m.users[username] = user
	return nil
}

func (m *memRepo) Delete(ctx context.Context, username string) error {
	if _, ok := m.users[username]; !ok {
		return store.ErrNotFound
	}
	delete(m.users, username)
	return nil
}

func newTestRouter(t *testing.T) (*chi.Mux, *memRepo) {
	t.Helper()
	backend, err := storage.NewFileBackend(t.TempDir())
	require.NoError(t, err)
	st := storage.NewStorage(backend)
	require.NoError(t, st.EnsureBucket(context.Background()))

	repo := newMemRepo()
	feed := events.NewPublisher(nil, "", zerolog.Nop())
	svc := services.NewUserService(repo, avatar.NewProcessor(st), feed, zerolog.Nop())

	router := chi.NewRouter()
	router.Route("/auth", func(r chi.Router) {
		AuthRouter(r, svc, testSecret)
	})
	router.Route("/users", func(r chi.Router) {
		UserRouter(r, svc, RequireAuth(testSecret))
	})
	return router, repo
}

func seedUser(t *testing.T, repo *memRepo, username string, role types.Role) {
	t.Helper()
	hash, err := auth.HashPassword("pw-" + username)
	require.NoError(t, err)
	repo.users[username] = types.User{
		Username:     username,
		FullName:     "Test " + username,
		Age:          33,
		City:         "Berlin",
		Role:         role,
		PasswordHash: hash,
	}
}

func loginToken(t *testing.T, router http.Handler, username string) string {
	t.Helper()
	body, _ := json.Marshal(LoginRequest{Username: username, Password: "pw-" + username})
	req := httptest.NewRequest(http.MethodPost, "/auth/login", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, "login for %s: %s", username, rec.Body.String())

	var resp AuthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.Token
}

func registerForm(t *testing.T, fields map[string]string, avatarName string, avatarData []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	for key, value := range fields {
		require.NoError(t, writer.WriteField(key, value))
	}
	if avatarName != "" {
		part, err := writer.CreateFormFile("avatar", avatarName)
		require.NoError(t, err)
		_, err = part.Write(avatarData)
		require.NoError(t, err)
	}
	require.NoError(t, writer.Close())
	return &buf, writer.FormDataContentType()
}

func smallPNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 40, 30))
	for y := 0; y < 30; y++ {
		for x := 0; x < 40; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: 90, G: 90, B: 20, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func doJSON(router http.Handler, method, path, token string, payload any) *httptest.ResponseRecorder {
	var body *bytes.Reader
	if payload != nil {
		data, _ := json.Marshal(payload)
		body = bytes.NewReader(data)
	} else {
		body = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, body)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestRegisterLoginMe(t *testing.T) {
	router, _ := newTestRouter(t)

	body, contentType := registerForm(t, map[string]string{
		"username": "alice", "full_name": "Alice A", "age": "30", "city": "Berlin", "password": "pw-alice",
	}, "", nil)
	req := httptest.NewRequest(http.MethodPost, "/auth/register", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp AuthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.Token)
	assert.Equal(t, "alice", resp.User.Username)
	assert.Equal(t, types.RoleUser, resp.User.Role)
	assert.NotContains(t, rec.Body.String(), "password", "hash must never leave the server")

	me := doJSON(router, http.MethodGet, "/auth/me", resp.Token, nil)
	require.Equal(t, http.StatusOK, me.Code)

	var user types.User
	require.NoError(t, json.Unmarshal(me.Body.Bytes(), &user))
	assert.Equal(t, "alice", user.Username)
}

func TestRegisterDuplicateUsername(t *testing.T) {
	router, repo := newTestRouter(t)
	seedUser(t, repo, "alice", types.RoleUser)

	body, contentType := registerForm(t, map[string]string{
		"username": "alice", "full_name": "Imposter", "age": "44", "city": "Paris", "password": "other",
	}, "", nil)
	req := httptest.NewRequest(http.MethodPost, "/auth/register", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Len(t, repo.users, 1)
}

func TestRegisterRejectsBadExtension(t *testing.T) {
	router, _ := newTestRouter(t)

	body, contentType := registerForm(t, map[string]string{
		"username": "bob", "full_name": "Bob B", "age": "20", "city": "Oslo", "password": "pw",
	}, "animation.gif", smallPNG(t))
	req := httptest.NewRequest(http.MethodPost, "/auth/register", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLoginFailureIsGeneric(t *testing.T) {
	router, repo := newTestRouter(t)
	seedUser(t, repo, "alice", types.RoleUser)

	wrongPassword := doJSON(router, http.MethodPost, "/auth/login", "", LoginRequest{Username: "alice", Password: "nope"})
	unknownUser := doJSON(router, http.MethodPost, "/auth/login", "", LoginRequest{Username: "nobody", Password: "nope"})

	assert.Equal(t, http.StatusUnauthorized, wrongPassword.Code)
	assert.Equal(t, http.StatusUnauthorized, unknownUser.Code)
	assert.Equal(t, wrongPassword.Body.String(), unknownUser.Body.String(),
		"failure must not reveal whether the username exists")
}

func TestListRequiresAuth(t *testing.T) {
	router, repo := newTestRouter(t)
	seedUser(t, repo, "alice", types.RoleUser)
	seedUser(t, repo, "bob", types.RoleUser)

	anon := doJSON(router, http.MethodGet, "/users/", "", nil)
	assert.Equal(t, http.StatusUnauthorized, anon.Code)

	token := loginToken(t, router, "alice")
	rec := doJSON(router, http.MethodGet, "/users/", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp UserListResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Total)
}

func TestProfileUpdatePermissions(t *testing.T) {
	router, repo := newTestRouter(t)
	seedUser(t, repo, "alice", types.RoleUser)
	seedUser(t, repo, "bob", types.RoleUser)
	seedUser(t, repo, "adam", types.RoleAdmin)
	seedUser(t, repo, "aria", types.RoleAdmin)

	update := ProfileUpdateRequest{FullName: "Changed", Age: 40, City: "Munich"}

	aliceToken := loginToken(t, router, "alice")
	assert.Equal(t, http.StatusOK, doJSON(router, http.MethodPut, "/users/alice", aliceToken, update).Code,
		"users edit their own profile")
	assert.Equal(t, http.StatusForbidden, doJSON(router, http.MethodPut, "/users/bob", aliceToken, update).Code,
		"users never edit others")

	adamToken := loginToken(t, router, "adam")
	assert.Equal(t, http.StatusOK, doJSON(router, http.MethodPut, "/users/bob", adamToken, update).Code,
		"admins edit plain users")
	assert.Equal(t, http.StatusForbidden, doJSON(router, http.MethodPut, "/users/aria", adamToken, update).Code,
		"admins never edit other admins")

	assert.Equal(t, "Changed", repo.users["bob"].FullName)
	assert.Equal(t, types.RoleUser, repo.users["bob"].Role, "profile update must not change role")
}

func TestProfileUpdateRejectsInvalidAge(t *testing.T) {
	router, repo := newTestRouter(t)
	seedUser(t, repo, "alice", types.RoleUser)
	token := loginToken(t, router, "alice")

	rec := doJSON(router, http.MethodPut, "/users/alice", token, ProfileUpdateRequest{FullName: "A", Age: 121, City: "B"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDeletePermissions(t *testing.T) {
	router, repo := newTestRouter(t)
	seedUser(t, repo, "alice", types.RoleUser)
	seedUser(t, repo, "bob", types.RoleUser)
	seedUser(t, repo, "adam", types.RoleAdmin)
	seedUser(t, repo, "root", types.RoleSuperAdmin)

	aliceToken := loginToken(t, router, "alice")
	assert.Equal(t, http.StatusForbidden, doJSON(router, http.MethodDelete, "/users/bob", aliceToken, nil).Code)

	rootToken := loginToken(t, router, "root")
	assert.Equal(t, http.StatusForbidden, doJSON(router, http.MethodDelete, "/users/root", rootToken, nil).Code,
		"super admins never delete themselves")
	assert.Equal(t, http.StatusNoContent, doJSON(router, http.MethodDelete, "/users/adam", rootToken, nil).Code)

	adamStillThere := doJSON(router, http.MethodGet, "/users/adam", rootToken, nil)
	assert.Equal(t, http.StatusNotFound, adamStillThere.Code)
}

func TestRoleChangePermissions(t *testing.T) {
	router, repo := newTestRouter(t)
	seedUser(t, repo, "alice", types.RoleUser)
	seedUser(t, repo, "adam", types.RoleAdmin)
	seedUser(t, repo, "root", types.RoleSuperAdmin)

	adamToken := loginToken(t, router, "adam")
	assert.Equal(t, http.StatusForbidden,
		doJSON(router, http.MethodPost, "/users/alice/role", adamToken, RoleUpdateRequest{Role: "admin"}).Code,
		"admins never change roles")

	rootToken := loginToken(t, router, "root")
	assert.Equal(t, http.StatusForbidden,
		doJSON(router, http.MethodPost, "/users/root/role", rootToken, RoleUpdateRequest{Role: "user"}).Code,
		"no self role changes")

	rec := doJSON(router, http.MethodPost, "/users/alice/role", rootToken, RoleUpdateRequest{Role: "admin"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, types.RoleAdmin, repo.users["alice"].Role)

	rec = doJSON(router, http.MethodPost, "/users/alice/role", rootToken, RoleUpdateRequest{Role: "bogus"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAvatarUploadAndFetch(t *testing.T) {
	router, repo := newTestRouter(t)
	seedUser(t, repo, "alice", types.RoleUser)
	seedUser(t, repo, "bob", types.RoleUser)

	aliceToken := loginToken(t, router, "alice")

	noPicture := doJSON(router, http.MethodGet, "/users/alice/avatar", aliceToken, nil)
	assert.Equal(t, http.StatusNotFound, noPicture.Code, "no picture yet, caller shows placeholder")

	body, contentType := registerForm(t, nil, "me.png", smallPNG(t))
	req := httptest.NewRequest(http.MethodPut, "/users/alice/avatar", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+aliceToken)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp AvatarResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.AvatarKey)

	fetched := doJSON(router, http.MethodGet, "/users/alice/avatar", aliceToken, nil)
	require.Equal(t, http.StatusOK, fetched.Code)
	assert.Equal(t, "image/jpeg", fetched.Header().Get("Content-Type"))

	// Only the owner may change a picture.
	body, contentType = registerForm(t, nil, "me.png", smallPNG(t))
	req = httptest.NewRequest(http.MethodPut, "/users/bob/avatar", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+aliceToken)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestTokenValidation(t *testing.T) {
	router, repo := newTestRouter(t)
	seedUser(t, repo, "alice", types.RoleUser)

	rec := doJSON(router, http.MethodGet, "/auth/me", "garbage-token", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// A token signed with a different secret is rejected.
	other, err := issueToken("alice", []byte("other-secret"), defaultTokenTTL)
	require.NoError(t, err)
	rec = doJSON(router, http.MethodGet, "/auth/me", other, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
