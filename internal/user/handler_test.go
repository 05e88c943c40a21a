package user

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

type fakeAccountStore struct {
	nextID int64
	users  map[int64]User
}

func newFakeAccountStore() *fakeAccountStore {
	return &fakeAccountStore{nextID: 1, users: map[int64]User{}}
}

func (f *fakeAccountStore) GetByID(_ context.Context, id int64) (User, error) {
	u, ok := f.users[id]
	if !ok {
		return User{}, ErrNotFound
	}
	return u, nil
}

func (f *fakeAccountStore) List(_ context.Context, limit, offset int) ([]User, error) {
	all := make([]User, 0, len(f.users))
	for id := int64(1); id < f.nextID; id++ {
		if u, ok := f.users[id]; ok {
			all = append(all, u)
		}
	}
	if offset >= len(all) {
		return nil, nil
	}
	all = all[offset:]
	if limit < len(all) {
		all = all[:limit]
	}
	return all, nil
}

func (f *fakeAccountStore) Count(_ context.Context) (int64, error) {
	return int64(len(f.users)), nil
}

func (f *fakeAccountStore) ExistsByUsername(_ context.Context, username string) (bool, error) {
	for _, u := range f.users {
		if u.Username == username {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeAccountStore) ExistsByEmail(_ context.Context, email string) (bool, error) {
	for _, u := range f.users {
		if strings.EqualFold(u.Email, email) {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeAccountStore) Create(_ context.Context, u *User) error {
	u.ID = f.nextID
	f.nextID++
	f.users[u.ID] = *u
	return nil
}

func (f *fakeAccountStore) Update(_ context.Context, u *User) error {
	if _, ok := f.users[u.ID]; !ok {
		return ErrNotFound
	}
	f.users[u.ID] = *u
	return nil
}

type fakeRevoker struct {
	revoked []int64
}

func (f *fakeRevoker) RevokeAll(_ context.Context, userID int64) error {
	f.revoked = append(f.revoked, userID)
	return nil
}

type envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) envelope {
	t.Helper()
	var body envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func postJSON(t *testing.T, handler http.HandlerFunc, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler(rec, req)
	return rec
}

func TestCreateUser(t *testing.T) {
	store := newFakeAccountStore()
	handler := NewHandler(store, &fakeRevoker{})

	rec := postJSON(t, handler.Create, "/users", `{
		"username": "teacher_jane",
		"email": "jane@example.com",
		"password": "password123",
		"roles": ["teacher"]
	}`)

	require.Equal(t, http.StatusCreated, rec.Code)
	body := decodeEnvelope(t, rec)
	assert.True(t, body.Success)
	assert.Equal(t, "User created successfully", body.Message)

	var view accountView
	require.NoError(t, json.Unmarshal(body.Data, &view))
	assert.Equal(t, "teacher_jane", view.Username)
	assert.Equal(t, StatusActive, view.Status)
	assert.Equal(t, []string{"TEACHER"}, view.Roles)

	stored := store.users[view.ID]
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(stored.PasswordHash), []byte("password123")))
}

func TestCreateUserDefaultsRole(t *testing.T) {
	store := newFakeAccountStore()
	handler := NewHandler(store, &fakeRevoker{})

	rec := postJSON(t, handler.Create, "/users", `{
		"username": "plain_user",
		"email": "plain@example.com",
		"password": "password123"
	}`)

	require.Equal(t, http.StatusCreated, rec.Code)
	var view accountView
	require.NoError(t, json.Unmarshal(decodeEnvelope(t, rec).Data, &view))
	assert.Equal(t, []string{DefaultRole}, view.Roles)
}

func TestCreateUserValidation(t *testing.T) {
	store := newFakeAccountStore()
	handler := NewHandler(store, &fakeRevoker{})

	tests := []struct {
		name    string
		body    string
		status  int
		message string
	}{
		{
			name:    "bad username",
			body:    `{"username": "a!", "email": "a@example.com", "password": "password123"}`,
			status:  http.StatusBadRequest,
			message: "Username: letters, numbers, underscores only, 3-30 characters",
		},
		{
			name:    "bad email",
			body:    `{"username": "valid_name", "email": "not-an-email", "password": "password123"}`,
			status:  http.StatusBadRequest,
			message: "Invalid email format",
		},
		{
			name:    "short password",
			body:    `{"username": "valid_name", "email": "a@example.com", "password": "short"}`,
			status:  http.StatusBadRequest,
			message: "Password must be at least 8 characters",
		},
		{
			name:    "garbage body",
			body:    `{`,
			status:  http.StatusBadRequest,
			message: "invalid json body",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := postJSON(t, handler.Create, "/users", tt.body)
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.message, decodeEnvelope(t, rec).Message)
		})
	}
}

func TestCreateUserDuplicates(t *testing.T) {
	store := newFakeAccountStore()
	handler := NewHandler(store, &fakeRevoker{})

	first := postJSON(t, handler.Create, "/users", `{
		"username": "jane",
		"email": "jane@example.com",
		"password": "password123"
	}`)
	require.Equal(t, http.StatusCreated, first.Code)

	dupEmail := postJSON(t, handler.Create, "/users", `{
		"username": "other",
		"email": "JANE@example.com",
		"password": "password123"
	}`)
	assert.Equal(t, http.StatusConflict, dupEmail.Code)
	assert.Equal(t, "Email already exists", decodeEnvelope(t, dupEmail).Message)

	dupUsername := postJSON(t, handler.Create, "/users", `{
		"username": "jane",
		"email": "jane2@example.com",
		"password": "password123"
	}`)
	assert.Equal(t, http.StatusConflict, dupUsername.Code)
	assert.Equal(t, "Username already exists", decodeEnvelope(t, dupUsername).Message)
}

func TestUpdateDisableRevokesSessions(t *testing.T) {
	store := newFakeAccountStore()
	revoker := &fakeRevoker{}
	handler := NewHandler(store, revoker)

	u := User{Username: "jane", Email: "jane@example.com", Status: StatusActive, Roles: []string{DefaultRole}}
	require.NoError(t, store.Create(context.Background(), &u))

	req := httptest.NewRequest(http.MethodPut, "/users/1", strings.NewReader(`{"status": "DISABLED"}`))
	req.SetPathValue("id", "1")
	rec := httptest.NewRecorder()
	handler.Update(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []int64{u.ID}, revoker.revoked)
	assert.Equal(t, StatusDisabled, store.users[u.ID].Status)
}
