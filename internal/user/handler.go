package user

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/mail"
	"regexp"
	"strconv"
	"strings"

	"github.com/getsentry/sentry-go"
	"golang.org/x/crypto/bcrypt"
)

const (
	defaultPageSize   = 20
	maxPageSize       = 100
	minPasswordLength = 8
)

var usernameRegex = regexp.MustCompile(`^[a-zA-Z0-9_]{3,30}$`)

// TokenRevoker invalidates all refresh credentials of a user. The auth
// package's token store satisfies it.
type TokenRevoker interface {
	RevokeAll(ctx context.Context, userID int64) error
}

// AccountStore is the persistence surface the admin endpoints need. The
// Postgres repository satisfies it.
type AccountStore interface {
	GetByID(ctx context.Context, id int64) (User, error)
	List(ctx context.Context, limit, offset int) ([]User, error)
	Count(ctx context.Context) (int64, error)
	ExistsByUsername(ctx context.Context, username string) (bool, error)
	ExistsByEmail(ctx context.Context, email string) (bool, error)
	Create(ctx context.Context, u *User) error
	Update(ctx context.Context, u *User) error
}

// Handler exposes the admin user-management endpoints. Route policy restricts
// them to the ADMIN role before requests reach this code.
type Handler struct {
	repo    AccountStore
	revoker TokenRevoker
}

func NewHandler(repo AccountStore, revoker TokenRevoker) *Handler {
	return &Handler{repo: repo, revoker: revoker}
}

type accountView struct {
	ID            int64    `json:"id"`
	Username      string   `json:"username"`
	Email         string   `json:"email"`
	PhoneNumber   string   `json:"phoneNumber,omitempty"`
	Address       string   `json:"address,omitempty"`
	Bio           string   `json:"bio,omitempty"`
	AvatarURL     string   `json:"avatarUrl,omitempty"`
	Status        string   `json:"status"`
	LoginAttempts int      `json:"loginAttempts"`
	Roles         []string `json:"roles"`
}

func toAccountView(u User) accountView {
	return accountView{
		ID:            u.ID,
		Username:      u.Username,
		Email:         u.Email,
		PhoneNumber:   u.PhoneNumber,
		Address:       u.Address,
		Bio:           u.Bio,
		AvatarURL:     u.AvatarURL,
		Status:        u.Status,
		LoginAttempts: u.LoginAttempts,
		Roles:         u.Roles,
	}
}

// List handles GET /users with page/size pagination.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	page := queryInt(r, "page", 1)
	if page < 1 {
		page = 1
	}
	size := queryInt(r, "size", defaultPageSize)
	if size < 1 {
		size = defaultPageSize
	}
	if size > maxPageSize {
		size = maxPageSize
	}

	users, err := h.repo.List(r.Context(), size, (page-1)*size)
	if err != nil {
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to list users")
		return
	}

	total, err := h.repo.Count(r.Context())
	if err != nil {
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to list users")
		return
	}

	views := make([]accountView, 0, len(users))
	for _, u := range users {
		views = append(views, toAccountView(u))
	}

	writeSuccess(w, http.StatusOK, "Users fetched successfully", map[string]any{
		"users": views,
		"page":  page,
		"size":  size,
		"total": total,
	})
}

// Get handles GET /users/{id}.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	u, err := h.repo.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			writeError(w, http.StatusNotFound, "User not found")
			return
		}
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to fetch user")
		return
	}

	writeSuccess(w, http.StatusOK, "User fetched successfully", toAccountView(u))
}

type createAccountRequest struct {
	Username    string   `json:"username"`
	Email       string   `json:"email"`
	Password    string   `json:"password"`
	PhoneNumber string   `json:"phoneNumber"`
	Address     string   `json:"address"`
	Bio         string   `json:"bio"`
	Roles       []string `json:"roles"`
}

// Create handles POST /users. Unlike self-service registration it accepts
// admin-supplied roles and skips the confirmation field.
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	var body createAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	username := strings.TrimSpace(body.Username)
	email := strings.TrimSpace(body.Email)

	if !usernameRegex.MatchString(username) {
		writeError(w, http.StatusBadRequest, "Username: letters, numbers, underscores only, 3-30 characters")
		return
	}
	if _, err := mail.ParseAddress(email); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid email format")
		return
	}
	if len(body.Password) < minPasswordLength {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Password must be at least %d characters", minPasswordLength))
		return
	}

	if taken, err := h.repo.ExistsByEmail(r.Context(), email); err != nil {
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to create user")
		return
	} else if taken {
		writeError(w, http.StatusConflict, "Email already exists")
		return
	}
	if taken, err := h.repo.ExistsByUsername(r.Context(), username); err != nil {
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to create user")
		return
	} else if taken {
		writeError(w, http.StatusConflict, "Username already exists")
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(body.Password), bcrypt.DefaultCost)
	if err != nil {
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to create user")
		return
	}

	roles := make([]string, 0, len(body.Roles))
	for _, role := range body.Roles {
		if role = strings.ToUpper(strings.TrimSpace(role)); role != "" {
			roles = append(roles, role)
		}
	}
	if len(roles) == 0 {
		roles = []string{DefaultRole}
	}

	u := User{
		Username:     username,
		Email:        email,
		PasswordHash: string(hash),
		PhoneNumber:  strings.TrimSpace(body.PhoneNumber),
		Address:      strings.TrimSpace(body.Address),
		Bio:          strings.TrimSpace(body.Bio),
		Status:       StatusActive,
		Roles:        roles,
	}
	if err := h.repo.Create(r.Context(), &u); err != nil {
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to create user")
		return
	}

	writeSuccess(w, http.StatusCreated, "User created successfully", toAccountView(u))
}

type updateAccountRequest struct {
	Username    *string  `json:"username"`
	Email       *string  `json:"email"`
	Password    *string  `json:"password"`
	PhoneNumber *string  `json:"phoneNumber"`
	Address     *string  `json:"address"`
	Bio         *string  `json:"bio"`
	Status      *string  `json:"status"`
	Roles       []string `json:"roles"`
}

// Update handles PUT /users/{id}. Absent fields keep their current value.
func (h *Handler) Update(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	var body updateAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	u, err := h.repo.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			writeError(w, http.StatusNotFound, "User not found")
			return
		}
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to fetch user")
		return
	}

	if body.Username != nil {
		username := strings.TrimSpace(*body.Username)
		if username != "" && username != u.Username {
			taken, err := h.repo.ExistsByUsername(r.Context(), username)
			if err != nil {
				sentry.CaptureException(err)
				writeError(w, http.StatusInternalServerError, "failed to update user")
				return
			}
			if taken {
				writeError(w, http.StatusConflict, "Username already taken")
				return
			}
			u.Username = username
		}
	}

	if body.Email != nil {
		email := strings.TrimSpace(*body.Email)
		if email != "" && !strings.EqualFold(email, u.Email) {
			taken, err := h.repo.ExistsByEmail(r.Context(), email)
			if err != nil {
				sentry.CaptureException(err)
				writeError(w, http.StatusInternalServerError, "failed to update user")
				return
			}
			if taken {
				writeError(w, http.StatusConflict, "Email already taken")
				return
			}
			u.Email = email
		}
	}

	if body.Password != nil && *body.Password != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(*body.Password), bcrypt.DefaultCost)
		if err != nil {
			sentry.CaptureException(err)
			writeError(w, http.StatusInternalServerError, "failed to update user")
			return
		}
		u.PasswordHash = string(hash)
	}

	if body.PhoneNumber != nil {
		u.PhoneNumber = strings.TrimSpace(*body.PhoneNumber)
	}
	if body.Address != nil {
		u.Address = strings.TrimSpace(*body.Address)
	}
	if body.Bio != nil {
		u.Bio = strings.TrimSpace(*body.Bio)
	}

	revokeSessions := false
	if body.Status != nil {
		status := strings.ToUpper(strings.TrimSpace(*body.Status))
		if status != StatusActive && status != StatusDisabled {
			writeError(w, http.StatusBadRequest, "Status must be ACTIVE or DISABLED")
			return
		}
		if status == StatusDisabled && u.Status != StatusDisabled {
			revokeSessions = true
		}
		u.Status = status
		if status == StatusActive {
			u.LoginAttempts = 0
		}
	}

	if body.Roles != nil {
		roles := make([]string, 0, len(body.Roles))
		for _, role := range body.Roles {
			if role = strings.ToUpper(strings.TrimSpace(role)); role != "" {
				roles = append(roles, role)
			}
		}
		if len(roles) == 0 {
			writeError(w, http.StatusBadRequest, "Roles must not be empty")
			return
		}
		u.Roles = roles
	}

	if err := h.repo.Update(r.Context(), &u); err != nil {
		if errors.Is(err, ErrNotFound) {
			writeError(w, http.StatusNotFound, "User not found")
			return
		}
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to update user")
		return
	}

	// A disabled account keeps no live sessions.
	if revokeSessions {
		if err := h.revoker.RevokeAll(r.Context(), u.ID); err != nil {
			sentry.CaptureException(err)
		}
	}

	writeSuccess(w, http.StatusOK, "User updated successfully", toAccountView(u))
}

// LogoutAll handles POST /users/{id}/logout-all.
func (h *Handler) LogoutAll(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	if _, err := h.repo.GetByID(r.Context(), id); err != nil {
		if errors.Is(err, ErrNotFound) {
			writeError(w, http.StatusNotFound, "User not found")
			return
		}
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to logout user")
		return
	}

	if err := h.revoker.RevokeAll(r.Context(), id); err != nil {
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to logout user")
		return
	}

	writeSuccess(w, http.StatusOK, "All sessions revoked", nil)
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id < 1 {
		writeError(w, http.StatusBadRequest, "invalid user id")
		return 0, false
	}
	return id, true
}

func queryInt(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}

type apiResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeSuccess(w http.ResponseWriter, status int, message string, data any) {
	writeJSON(w, status, apiResponse{Success: true, Message: message, Data: data})
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, apiResponse{Success: false, Message: message})
}
