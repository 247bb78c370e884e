package user

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memStore struct {
	mu    sync.Mutex
	users map[string]*User
}

func newMemStore() *memStore { return &memStore{users: map[string]*User{}} }

func (m *memStore) CreateUser(_ context.Context, u *User) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[u.Username]; ok {
		return nil, ErrUsernameTaken
	}
	u.ID = int64(len(m.users) + 1)
	m.users[u.Username] = u
	return u, nil
}

func (m *memStore) GetUserByUsername(_ context.Context, username string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[username]
	if !ok {
		return nil, ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *memStore) GetUserByID(_ context.Context, id int64) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.ID == id {
			cp := *u
			return &cp, nil
		}
	}
	return nil, ErrUserNotFound
}

func (m *memStore) SearchUsers(_ context.Context, q string) ([]User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []User{}
	for _, u := range m.users {
		if strings.Contains(u.Username, q) {
			out = append(out, User{ID: u.ID, Username: u.Username})
		}
	}
	return out, nil
}

func TestRegisterAndLogin(t *testing.T) {
	svc := NewService(newMemStore(), "secret", time.Hour)
	ctx := context.Background()

	reg, err := svc.Register(ctx, Credentials{Username: " alice ", Password: "pw"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), reg.ID)
	assert.Equal(t, "alice", reg.Username)
	assert.NotEmpty(t, reg.AccessToken)

	_, err = svc.Register(ctx, Credentials{Username: "alice", Password: "other"})
	assert.ErrorIs(t, err, ErrUsernameTaken)

	res, err := svc.Login(ctx, Credentials{Username: "alice", Password: "pw"})
	require.NoError(t, err)

	id, name, err := svc.ValidateToken(res.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, int64(1), id)
	assert.Equal(t, "alice", name)

	_, err = svc.Login(ctx, Credentials{Username: "alice", Password: "nope"})
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = svc.Login(ctx, Credentials{Username: "bob", Password: "pw"})
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestRegister_MissingFields(t *testing.T) {
	svc := NewService(newMemStore(), "secret", 0)
	_, err := svc.Register(context.Background(), Credentials{Username: "  ", Password: "pw"})
	assert.ErrorIs(t, err, ErrMissingCredentials)
}

func TestValidateToken_Rejects(t *testing.T) {
	svc := NewService(newMemStore(), "secret", time.Hour)
	res, err := svc.Register(context.Background(), Credentials{Username: "alice", Password: "pw"})
	require.NoError(t, err)

	other := NewService(newMemStore(), "different", time.Hour)
	_, _, err = other.ValidateToken(res.AccessToken)
	assert.Error(t, err)

	svc.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	expired, err := svc.issue(&User{ID: 1, Username: "alice"})
	require.NoError(t, err)
	_, _, err = svc.ValidateToken(expired.AccessToken)
	assert.ErrorIs(t, err, jwt.ErrTokenExpired)

	_, _, err = svc.ValidateToken("garbage")
	assert.Error(t, err)
}

func TestHandler(t *testing.T) {
	h := NewHandler(NewService(newMemStore(), "secret", time.Hour), zerolog.Nop())

	post := func(fn http.HandlerFunc, body string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		fn(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body)))
		return rec
	}

	rec := post(h.Register, `{"username":"alice","password":"pw"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Contains(t, rec.Body.String(), `"access_token"`)

	assert.Equal(t, http.StatusConflict, post(h.Register, `{"username":"alice","password":"pw"}`).Code)
	assert.Equal(t, http.StatusBadRequest, post(h.Register, `{"username":"","password":""}`).Code)
	assert.Equal(t, http.StatusBadRequest, post(h.Register, `not json`).Code)

	assert.Equal(t, http.StatusOK, post(h.Login, `{"username":"alice","password":"pw"}`).Code)
	rec = post(h.Login, `{"username":"alice","password":"bad"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.JSONEq(t, `{"error":"invalid credentials"}`, rec.Body.String())

	rec = httptest.NewRecorder()
	h.SearchUsers(rec, httptest.NewRequest(http.MethodGet, "/?q=ali", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[{"id":1,"username":"alice"}]`, rec.Body.String())
}

func TestHandler_GetUser(t *testing.T) {
	svc := NewService(newMemStore(), "secret", time.Hour)
	_, err := svc.Register(context.Background(), Credentials{Username: "alice", Password: "pw"})
	require.NoError(t, err)

	r := chi.NewRouter()
	r.Get("/api/users/{userID}", NewHandler(svc, zerolog.Nop()).GetUser)

	tests := []struct {
		path string
		code int
		body string
	}{
		{"/api/users/1", http.StatusOK, `{"id":1,"username":"alice"}`},
		{"/api/users/2", http.StatusNotFound, `{"error":"user not found"}`},
		{"/api/users/abc", http.StatusBadRequest, `{"error":"invalid user id"}`},
		{"/api/users/0", http.StatusBadRequest, `{"error":"invalid user id"}`},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))
			assert.Equal(t, tt.code, rec.Code)
			assert.JSONEq(t, tt.body, rec.Body.String())
		})
	}
}

func TestLikePattern(t *testing.T) {
	assert.Equal(t, "%ali%", likePattern("ali"))
	assert.Equal(t, `%50\%\_off%`, likePattern(`50%_off`))
	assert.Equal(t, `%a\\b%`, likePattern(`a\b`))
}
