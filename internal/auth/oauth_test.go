package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestOAuthHandler(t *testing.T, providers ...OAuthProvider) (*OAuthHandler, *fakeUserStore) {
	t.Helper()
	service, users, _ := newTestService(t)
	handler := NewOAuthHandler(service, []byte("state-secret"), "http://frontend.test/oauth2/redirect", providers...)
	return handler, users
}

func TestOAuthStateRoundTrip(t *testing.T) {
	handler, _ := newTestOAuthHandler(t, GoogleProvider("id", "secret"))

	state, err := handler.encodeState("google")
	require.NoError(t, err)

	require.NoError(t, handler.decodeState(state, "google"))
	assert.Error(t, handler.decodeState(state, "github"), "state is provider-bound")
	assert.Error(t, handler.decodeState(state+"x", "google"), "tampered signature")
	assert.Error(t, handler.decodeState("no-dot", "google"))
}

func TestOAuthStateExpired(t *testing.T) {
	handler, _ := newTestOAuthHandler(t, GoogleProvider("id", "secret"))

	payload, err := json.Marshal(oauthStatePayload{
		Provider: "google",
		Nonce:    "n",
		TS:       time.Now().Add(-11 * time.Minute).Unix(),
	})
	require.NoError(t, err)
	payloadB64 := base64.RawURLEncoding.EncodeToString(payload)

	mac := hmac.New(sha256.New, []byte("state-secret"))
	mac.Write([]byte(payloadB64))
	state := payloadB64 + "." + base64.RawURLEncoding.EncodeToString(mac.Sum(nil))

	assert.ErrorContains(t, handler.decodeState(state, "google"), "expired")
}

func TestOAuthProvidersListsOnlyConfigured(t *testing.T) {
	handler, _ := newTestOAuthHandler(t,
		GoogleProvider("id", "secret"),
		GitHubProvider("", ""), // unconfigured, must not show up
	)

	recorder := httptest.NewRecorder()
	handler.Providers(recorder, httptest.NewRequest(http.MethodGet, "/auth/oauth2/providers", nil))

	require.Equal(t, http.StatusOK, recorder.Code)
	data, err := json.Marshal(decodeEnvelope(t, recorder).Data)
	require.NoError(t, err)
	assert.JSONEq(t, `{"providers":["google"]}`, string(data))
}

func TestOAuthAuthorizeBuildsURL(t *testing.T) {
	handler, _ := newTestOAuthHandler(t, GoogleProvider("client-id", "secret"))

	req := httptest.NewRequest(http.MethodGet, "/auth/oauth2/authorize/google", nil)
	req.SetPathValue("provider", "google")
	req.Host = "api.test"
	recorder := httptest.NewRecorder()
	handler.Authorize(recorder, req)

	require.Equal(t, http.StatusOK, recorder.Code)
	var data struct {
		Provider         string `json:"provider"`
		AuthorizationURL string `json:"authorizationUrl"`
	}
	raw, err := json.Marshal(decodeEnvelope(t, recorder).Data)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, &data))

	parsed, err := url.Parse(data.AuthorizationURL)
	require.NoError(t, err)
	query := parsed.Query()
	assert.Equal(t, "client-id", query.Get("client_id"))
	assert.Equal(t, "code", query.Get("response_type"))
	assert.Equal(t, "http://api.test/oauth2/callback/google", query.Get("redirect_uri"))
	require.NotEmpty(t, query.Get("state"))
	assert.NoError(t, handler.decodeState(query.Get("state"), "google"))
}

func TestOAuthAuthorizeUnknownProvider(t *testing.T) {
	handler, _ := newTestOAuthHandler(t, GoogleProvider("id", "secret"))

	req := httptest.NewRequest(http.MethodGet, "/auth/oauth2/authorize/gitlab", nil)
	req.SetPathValue("provider", "gitlab")
	recorder := httptest.NewRecorder()
	handler.Authorize(recorder, req)

	assert.Equal(t, http.StatusNotFound, recorder.Code)
}

func TestOAuthCallbackFullFlow(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/token":
			require.NoError(t, r.ParseForm())
			assert.Equal(t, "good-code", r.FormValue("code"))
			_ = json.NewEncoder(w).Encode(map[string]string{"access_token": "upstream-token"})
		case "/userinfo":
			assert.Equal(t, "Bearer upstream-token", r.Header.Get("Authorization"))
			_ = json.NewEncoder(w).Encode(map[string]string{"email": "dana@example.com"})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer upstream.Close()

	provider := OAuthProvider{
		Name:         "google",
		ClientID:     "id",
		ClientSecret: "secret",
		AuthURL:      upstream.URL + "/auth",
		TokenURL:     upstream.URL + "/token",
		UserInfoURL:  upstream.URL + "/userinfo",
		Scope:        "email",
	}
	handler, users := newTestOAuthHandler(t, provider)

	state, err := handler.encodeState("google")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/oauth2/callback/google?code=good-code&state="+url.QueryEscape(state), nil)
	req.SetPathValue("provider", "google")
	recorder := httptest.NewRecorder()
	handler.Callback(recorder, req)

	require.Equal(t, http.StatusFound, recorder.Code)
	location, err := url.Parse(recorder.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "frontend.test", location.Host)
	assert.NotEmpty(t, location.Query().Get("accessToken"))
	assert.NotEmpty(t, location.Query().Get("refreshToken"))
	assert.Empty(t, location.Query().Get("error"))

	// The federated principal was provisioned.
	u, err := users.GetByEmail(req.Context(), "dana@example.com")
	require.NoError(t, err)
	assert.Empty(t, u.PasswordHash)
}

func TestOAuthCallbackBadStateRedirectsWithError(t *testing.T) {
	handler, _ := newTestOAuthHandler(t, GoogleProvider("id", "secret"))

	req := httptest.NewRequest(http.MethodGet, "/oauth2/callback/google?code=x&state=bogus", nil)
	req.SetPathValue("provider", "google")
	recorder := httptest.NewRecorder()
	handler.Callback(recorder, req)

	require.Equal(t, http.StatusFound, recorder.Code)
	location, err := url.Parse(recorder.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "invalid_state", location.Query().Get("error"))
	assert.Empty(t, location.Query().Get("accessToken"))
}
