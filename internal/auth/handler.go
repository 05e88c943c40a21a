package auth

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/mail"
	"regexp"
	"strings"

	"github.com/getsentry/sentry-go"

	"learnhub-api/internal/user"
)

var usernameRegex = regexp.MustCompile(`^[a-zA-Z0-9_]{3,30}$`)

const (
	maxJSONBodyBytes   = 1 << 20
	maxAvatarSizeBytes = 10 << 20
	minPasswordLength  = 8
)

type Handler struct {
	service *Service
}

func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// userSummary is the principal body returned by login, refresh, me and
// profile. There is no token field: credentials travel only in cookies on
// these paths.
type userSummary struct {
	ID          int64    `json:"id"`
	Username    string   `json:"username"`
	Email       string   `json:"email"`
	PhoneNumber string   `json:"phoneNumber,omitempty"`
	Address     string   `json:"address,omitempty"`
	Bio         string   `json:"bio,omitempty"`
	AvatarURL   string   `json:"avatarUrl,omitempty"`
	Roles       []string `json:"roles"`
}

func summarize(u user.User) userSummary {
	return userSummary{
		ID:          u.ID,
		Username:    u.Username,
		Email:       u.Email,
		PhoneNumber: u.PhoneNumber,
		Address:     u.Address,
		Bio:         u.Bio,
		AvatarURL:   u.AvatarURL,
		Roles:       u.Roles,
	}
}

func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	if err := parseSignupForm(r); err != nil {
		writeError(w, http.StatusBadRequest, "invalid form body")
		return
	}

	input := RegisterInput{
		Username:        strings.TrimSpace(r.FormValue("username")),
		Email:           strings.TrimSpace(r.FormValue("email")),
		Password:        r.FormValue("password"),
		ConfirmPassword: r.FormValue("confirmPassword"),
		PhoneNumber:     strings.TrimSpace(r.FormValue("phoneNumber")),
		Address:         strings.TrimSpace(r.FormValue("address")),
		Bio:             strings.TrimSpace(r.FormValue("bio")),
		Roles:           splitRoles(r.FormValue("roles")),
	}

	if !usernameRegex.MatchString(input.Username) {
		writeError(w, http.StatusBadRequest, "Username: letters, numbers, underscores only, 3-30 characters")
		return
	}
	if _, err := mail.ParseAddress(input.Email); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid email format")
		return
	}
	if len(input.Password) < minPasswordLength {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Password must be at least %d characters", minPasswordLength))
		return
	}

	source, err := avatarSource(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	input.AvatarSource = source

	if _, err := h.service.Register(r.Context(), input); err != nil {
		switch {
		case errors.Is(err, ErrDuplicateEmail):
			writeError(w, http.StatusConflict, "Email already exists")
		case errors.Is(err, ErrDuplicateUsername):
			writeError(w, http.StatusConflict, "Username already exists")
		case errors.Is(err, ErrPasswordMismatch):
			writeError(w, http.StatusBadRequest, "Passwords do not match")
		default:
			sentry.CaptureException(err)
			writeError(w, http.StatusInternalServerError, "failed to register")
		}
		return
	}

	writeSuccess(w, http.StatusCreated, "Registration successful. You can now login", nil)
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)

	var body loginRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	u, creds, err := h.service.Login(r.Context(), body.Username, body.Password)
	if err != nil {
		switch {
		case errors.Is(err, ErrInvalidCredentials):
			writeError(w, http.StatusUnauthorized, "Invalid username or password")
		case errors.Is(err, ErrAccountLocked):
			writeError(w, http.StatusUnauthorized, "Account locked due to too many failed login attempts")
		case errors.Is(err, ErrAccountDisabled):
			writeError(w, http.StatusUnauthorized, "Account is disabled. Please contact support")
		default:
			sentry.CaptureException(err)
			writeError(w, http.StatusInternalServerError, "failed to login")
		}
		return
	}

	signer := h.service.Signer()
	setAuthCookie(w, AccessTokenCookie, creds.AccessToken, signer.AccessTTL())
	setAuthCookie(w, RefreshTokenCookie, creds.RefreshToken, signer.RefreshTTL())

	writeSuccess(w, http.StatusOK, "Login successful", summarize(u))
}

// Refresh reads the refresh credential from its cookie only: there is no
// header fallback on this path, and rewrites the access cookie.
func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	refreshToken := cookieValue(r, RefreshTokenCookie)
	if refreshToken == "" {
		writeError(w, http.StatusUnauthorized, "Refresh token missing. Please login again")
		return
	}

	u, access, err := h.service.Refresh(r.Context(), refreshToken)
	if err != nil {
		switch {
		case errors.Is(err, ErrTokenNotFound):
			writeError(w, http.StatusUnauthorized, "Refresh token not found. Please login again")
		case errors.Is(err, ErrTokenRevoked):
			writeError(w, http.StatusUnauthorized, "Refresh token revoked. Please login again")
		case errors.Is(err, ErrTokenExpired):
			writeError(w, http.StatusUnauthorized, "Refresh token expired. Please login again")
		default:
			sentry.CaptureException(err)
			writeError(w, http.StatusInternalServerError, "failed to refresh token")
		}
		return
	}

	setAuthCookie(w, AccessTokenCookie, access, h.service.Signer().AccessTTL())

	writeSuccess(w, http.StatusOK, "Token refreshed successfully", summarize(u))
}

// Logout revokes the refresh credential best-effort and clears both cookies
// regardless of whether a token was found.
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	if token := cookieValue(r, RefreshTokenCookie); token != "" {
		if err := h.service.Logout(r.Context(), token); err != nil {
			sentry.CaptureException(err)
		}
	}

	clearAuthCookie(w, AccessTokenCookie)
	clearAuthCookie(w, RefreshTokenCookie)

	writeSuccess(w, http.StatusOK, "Logged out successfully", nil)
}

func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	u, ok := PrincipalFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Authentication required. Please login")
		return
	}

	writeSuccess(w, http.StatusOK, "Profile fetched successfully", summarize(u))
}

func (h *Handler) UpdateProfile(w http.ResponseWriter, r *http.Request) {
	u, ok := PrincipalFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Authentication required")
		return
	}

	if err := parseSignupForm(r); err != nil {
		writeError(w, http.StatusBadRequest, "invalid form body")
		return
	}

	input := ProfileInput{
		Username:    strings.TrimSpace(r.FormValue("username")),
		PhoneNumber: optionalFormValue(r, "phoneNumber"),
		Address:     optionalFormValue(r, "address"),
		Bio:         optionalFormValue(r, "bio"),
	}

	if input.Username != "" && !usernameRegex.MatchString(input.Username) {
		writeError(w, http.StatusBadRequest, "Username: letters, numbers, underscores only, 3-30 characters")
		return
	}

	source, err := avatarSource(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	input.AvatarSource = source

	updated, err := h.service.UpdateProfile(r.Context(), u, input)
	if err != nil {
		switch {
		case errors.Is(err, ErrDuplicateUsername):
			writeError(w, http.StatusConflict, "Username already taken")
		default:
			sentry.CaptureException(err)
			writeError(w, http.StatusInternalServerError, "failed to update profile")
		}
		return
	}

	writeSuccess(w, http.StatusOK, "Profile updated successfully", summarize(updated))
}

// parseSignupForm accepts multipart (with the optional profilePicture part)
// and plain urlencoded bodies alike.
func parseSignupForm(r *http.Request) error {
	err := r.ParseMultipartForm(maxAvatarSizeBytes)
	if err != nil && !errors.Is(err, http.ErrNotMultipart) {
		return err
	}
	return nil
}

// avatarSource reads the optional profilePicture part and converts it into
// a data URI for the storage collaborator. An absent part is not an error.
func avatarSource(r *http.Request) (string, error) {
	if r.MultipartForm == nil {
		return "", nil
	}
	file, header, err := r.FormFile("profilePicture")
	if err != nil {
		if errors.Is(err, http.ErrMissingFile) {
			return "", nil
		}
		return "", errors.New("invalid profilePicture upload")
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, maxAvatarSizeBytes+1))
	if err != nil {
		return "", errors.New("failed to read profilePicture")
	}
	if len(data) == 0 {
		return "", nil
	}
	if len(data) > maxAvatarSizeBytes {
		return "", errors.New("profilePicture is too large")
	}

	return "data:" + detectImageType(header) + ";base64," + base64.StdEncoding.EncodeToString(data), nil
}

func detectImageType(header *multipart.FileHeader) string {
	contentType := header.Header.Get("Content-Type")
	if contentType == "" || !strings.HasPrefix(contentType, "image/") {
		return "application/octet-stream"
	}
	return contentType
}

// optionalFormValue distinguishes an absent field (nil, keep the old value)
// from a present-but-empty one (clear it).
func optionalFormValue(r *http.Request, name string) *string {
	values, ok := r.PostForm[name]
	if !ok && r.MultipartForm != nil {
		values, ok = r.MultipartForm.Value[name]
	}
	if !ok || len(values) == 0 {
		return nil
	}
	value := strings.TrimSpace(values[0])
	return &value
}

func splitRoles(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	roles := make([]string, 0, len(parts))
	for _, part := range parts {
		if part = strings.TrimSpace(strings.ToUpper(part)); part != "" {
			roles = append(roles, part)
		}
	}
	return roles
}

// --- response envelope ---

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
