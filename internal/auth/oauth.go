package auth

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
)

const oauthStateTTL = 10 * time.Minute

// OAuthProvider describes one upstream identity provider. Endpoints are
// configurable so tests can point them at a local server.
type OAuthProvider struct {
	Name         string
	ClientID     string
	ClientSecret string
	AuthURL      string
	TokenURL     string
	UserInfoURL  string
	EmailsURL    string
	Scope        string
}

func (p OAuthProvider) configured() bool {
	return p.ClientID != "" && p.ClientSecret != ""
}

// GoogleProvider returns the google provider with its public endpoints.
func GoogleProvider(clientID, clientSecret string) OAuthProvider {
	return OAuthProvider{
		Name:         "google",
		ClientID:     clientID,
		ClientSecret: clientSecret,
		AuthURL:      "https://accounts.google.com/o/oauth2/v2/auth",
		TokenURL:     "https://oauth2.googleapis.com/token",
		UserInfoURL:  "https://www.googleapis.com/oauth2/v2/userinfo",
		Scope:        "openid email profile",
	}
}

// GitHubProvider returns the github provider with its public endpoints.
func GitHubProvider(clientID, clientSecret string) OAuthProvider {
	return OAuthProvider{
		Name:         "github",
		ClientID:     clientID,
		ClientSecret: clientSecret,
		AuthURL:      "https://github.com/login/oauth/authorize",
		TokenURL:     "https://github.com/login/oauth/access_token",
		UserInfoURL:  "https://api.github.com/user",
		EmailsURL:    "https://api.github.com/user/emails",
		Scope:        "read:user user:email",
	}
}

// OAuthHandler bridges upstream provider logins into local sessions. After a
// successful code exchange it issues the same credential pair as Login and
// hands both tokens to the frontend as redirect query parameters.
type OAuthHandler struct {
	service     *Service
	providers   map[string]OAuthProvider
	stateSecret []byte
	redirectURL string
	client      *http.Client
}

func NewOAuthHandler(service *Service, stateSecret []byte, redirectURL string, providers ...OAuthProvider) *OAuthHandler {
	registry := make(map[string]OAuthProvider, len(providers))
	for _, p := range providers {
		if p.configured() {
			registry[p.Name] = p
		}
	}
	return &OAuthHandler{
		service:     service,
		providers:   registry,
		stateSecret: stateSecret,
		redirectURL: redirectURL,
		client:      &http.Client{Timeout: 15 * time.Second},
	}
}

// Providers handles GET /auth/oauth2/providers.
func (h *OAuthHandler) Providers(w http.ResponseWriter, r *http.Request) {
	names := make([]string, 0, len(h.providers))
	for _, p := range []string{"google", "github"} {
		if _, ok := h.providers[p]; ok {
			names = append(names, p)
		}
	}
	writeSuccess(w, http.StatusOK, "Available OAuth2 providers", map[string]any{"providers": names})
}

// Authorize handles GET /auth/oauth2/authorize/{provider}. It returns the
// provider authorization URL instead of redirecting so SPA clients can open
// it themselves.
func (h *OAuthHandler) Authorize(w http.ResponseWriter, r *http.Request) {
	provider, ok := h.providers[r.PathValue("provider")]
	if !ok {
		writeError(w, http.StatusNotFound, "Unknown or unconfigured OAuth2 provider")
		return
	}

	state, err := h.encodeState(provider.Name)
	if err != nil {
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to prepare authorization request")
		return
	}

	query := url.Values{
		"client_id":     {provider.ClientID},
		"redirect_uri":  {h.callbackURL(r, provider.Name)},
		"response_type": {"code"},
		"scope":         {provider.Scope},
		"state":         {state},
	}

	writeSuccess(w, http.StatusOK, "Authorization URL generated", map[string]any{
		"provider":         provider.Name,
		"authorizationUrl": provider.AuthURL + "?" + query.Encode(),
	})
}

// Callback handles GET /oauth2/callback/{provider}. Failures redirect back to
// the frontend with an error query parameter so the browser never dead-ends
// on a JSON body.
func (h *OAuthHandler) Callback(w http.ResponseWriter, r *http.Request) {
	provider, ok := h.providers[r.PathValue("provider")]
	if !ok {
		h.redirectWithError(w, r, "unknown_provider")
		return
	}

	query := r.URL.Query()
	if upstreamErr := query.Get("error"); upstreamErr != "" {
		h.redirectWithError(w, r, upstreamErr)
		return
	}

	if err := h.decodeState(query.Get("state"), provider.Name); err != nil {
		h.redirectWithError(w, r, "invalid_state")
		return
	}

	code := query.Get("code")
	if code == "" {
		h.redirectWithError(w, r, "missing_code")
		return
	}

	email, err := h.fetchEmail(r.Context(), provider, code, h.callbackURL(r, provider.Name))
	if err != nil {
		sentry.CaptureException(err)
		h.redirectWithError(w, r, "exchange_failed")
		return
	}

	_, creds, err := h.service.FederatedLogin(r.Context(), email)
	if err != nil {
		if errors.Is(err, ErrMissingEmail) {
			h.redirectWithError(w, r, "email_unavailable")
			return
		}
		sentry.CaptureException(err)
		h.redirectWithError(w, r, "login_failed")
		return
	}

	target, err := url.Parse(h.redirectURL)
	if err != nil {
		sentry.CaptureException(fmt.Errorf("parse oauth redirect url: %w", err))
		writeError(w, http.StatusInternalServerError, "OAuth2 redirect misconfigured")
		return
	}
	q := target.Query()
	q.Set("accessToken", creds.AccessToken)
	q.Set("refreshToken", creds.RefreshToken)
	target.RawQuery = q.Encode()

	http.Redirect(w, r, target.String(), http.StatusFound)
}

func (h *OAuthHandler) redirectWithError(w http.ResponseWriter, r *http.Request, code string) {
	target, err := url.Parse(h.redirectURL)
	if err != nil {
		writeError(w, http.StatusBadGateway, "OAuth2 login failed")
		return
	}
	q := target.Query()
	q.Set("error", code)
	target.RawQuery = q.Encode()
	http.Redirect(w, r, target.String(), http.StatusFound)
}

func (h *OAuthHandler) callbackURL(r *http.Request, provider string) string {
	scheme := "https"
	if r.TLS == nil && r.Header.Get("X-Forwarded-Proto") != "https" {
		scheme = "http"
	}
	return fmt.Sprintf("%s://%s/oauth2/callback/%s", scheme, r.Host, provider)
}

// --- code exchange ---

// fetchEmail exchanges the authorization code and resolves the account email.
func (h *OAuthHandler) fetchEmail(ctx context.Context, provider OAuthProvider, code, redirectURI string) (string, error) {
	accessToken, err := h.exchangeCode(ctx, provider, code, redirectURI)
	if err != nil {
		return "", err
	}

	email, err := h.userEmail(ctx, provider, accessToken)
	if err != nil {
		return "", err
	}
	if email == "" && provider.EmailsURL != "" {
		return h.primaryVerifiedEmail(ctx, provider, accessToken)
	}
	return email, nil
}

func (h *OAuthHandler) exchangeCode(ctx context.Context, provider OAuthProvider, code, redirectURI string) (string, error) {
	form := url.Values{
		"code":          {code},
		"client_id":     {provider.ClientID},
		"client_secret": {provider.ClientSecret},
		"redirect_uri":  {redirectURI},
		"grant_type":    {"authorization_code"},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, provider.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%s token exchange: %w", provider.Name, err)
	}
	defer resp.Body.Close()

	var tokenData struct {
		AccessToken string `json:"access_token"`
		Error       string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tokenData); err != nil {
		return "", fmt.Errorf("decode %s token response: %w", provider.Name, err)
	}
	if tokenData.AccessToken == "" {
		if tokenData.Error != "" {
			return "", fmt.Errorf("%s token exchange: %s", provider.Name, tokenData.Error)
		}
		return "", fmt.Errorf("%s token exchange: empty access token", provider.Name)
	}
	return tokenData.AccessToken, nil
}

func (h *OAuthHandler) userEmail(ctx context.Context, provider OAuthProvider, accessToken string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, provider.UserInfoURL, nil)
	if err != nil {
		return "", fmt.Errorf("build userinfo request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%s userinfo: %w", provider.Name, err)
	}
	defer resp.Body.Close()

	var info struct {
		Email string `json:"email"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return "", fmt.Errorf("decode %s userinfo: %w", provider.Name, err)
	}
	return info.Email, nil
}

// primaryVerifiedEmail falls back to the github emails endpoint for accounts
// with a private profile email.
func (h *OAuthHandler) primaryVerifiedEmail(ctx context.Context, provider OAuthProvider, accessToken string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, provider.EmailsURL, nil)
	if err != nil {
		return "", fmt.Errorf("build emails request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%s emails: %w", provider.Name, err)
	}
	defer resp.Body.Close()

	var emails []struct {
		Email    string `json:"email"`
		Primary  bool   `json:"primary"`
		Verified bool   `json:"verified"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&emails); err != nil {
		return "", fmt.Errorf("decode %s emails: %w", provider.Name, err)
	}
	for _, e := range emails {
		if e.Primary && e.Verified {
			return e.Email, nil
		}
	}
	return "", nil
}

// --- signed state parameter ---

type oauthStatePayload struct {
	Provider string `json:"provider"`
	Nonce    string `json:"nonce"`
	TS       int64  `json:"ts"`
}

func (h *OAuthHandler) encodeState(provider string) (string, error) {
	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate state nonce: %w", err)
	}
	payload := oauthStatePayload{
		Provider: provider,
		Nonce:    base64.RawURLEncoding.EncodeToString(nonce),
		TS:       time.Now().Unix(),
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal state: %w", err)
	}
	payloadB64 := base64.RawURLEncoding.EncodeToString(payloadJSON)

	mac := hmac.New(sha256.New, h.stateSecret)
	mac.Write([]byte(payloadB64))
	sig := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))

	return payloadB64 + "." + sig, nil
}

func (h *OAuthHandler) decodeState(state, provider string) error {
	parts := strings.SplitN(state, ".", 2)
	if len(parts) != 2 {
		return errors.New("invalid state format")
	}
	payloadB64, sigB64 := parts[0], parts[1]

	mac := hmac.New(sha256.New, h.stateSecret)
	mac.Write([]byte(payloadB64))
	expected := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(sigB64), []byte(expected)) {
		return errors.New("invalid state signature")
	}

	payloadJSON, err := base64.RawURLEncoding.DecodeString(payloadB64)
	if err != nil {
		return fmt.Errorf("invalid state encoding: %w", err)
	}
	var payload oauthStatePayload
	if err := json.Unmarshal(payloadJSON, &payload); err != nil {
		return fmt.Errorf("invalid state payload: %w", err)
	}

	if payload.Provider != provider {
		return errors.New("state issued for another provider")
	}
	if time.Since(time.Unix(payload.TS, 0)) > oauthStateTTL {
		return errors.New("state expired")
	}
	return nil
}
