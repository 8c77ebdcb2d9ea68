package identity

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"content-platform/internal/apperr"
	"content-platform/internal/config"
)

func newGoTrue(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(config.Provider{URL: srv.URL, APIKey: "anon", Timeout: 2 * time.Second})
}

func TestSignUpReturnsSubject(t *testing.T) {
	c := newGoTrue(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/auth/v1/signup", r.URL.Path)
		assert.Equal(t, "anon", r.Header.Get("apikey"))
		var body credentials
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "a@x.com", body.Email)
		_, _ = w.Write([]byte(`{"id":"sub1","email":"a@x.com","app_metadata":{"provider":"email"}}`))
	})

	id, err := c.SignUp(context.Background(), "a@x.com", "p1")
	require.NoError(t, err)
	assert.Equal(t, "sub1", id.SubjectID)
	assert.Equal(t, "email", id.Provider)
	assert.NotEmpty(t, id.Raw)
}

func TestSignUpUnwrapsSessionShape(t *testing.T) {
	c := newGoTrue(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"access_token":"tok","user":{"id":"sub2","app_metadata":{"provider":"google"}}}`))
	})

	id, err := c.SignUp(context.Background(), "b@x.com", "p1")
	require.NoError(t, err)
	assert.Equal(t, "sub2", id.SubjectID)
	assert.Equal(t, "oauth:google", id.Provider)
}

func TestSignUpDuplicateIsClientProviderError(t *testing.T) {
	c := newGoTrue(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"code":422,"error_code":"user_already_exists","msg":"User already registered"}`))
	})

	_, err := c.SignUp(context.Background(), "a@x.com", "p1")
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindProvider))
	assert.Equal(t, http.StatusBadRequest, apperr.HTTPStatus(err))
	assert.Contains(t, err.Error(), "User already registered")
}

func TestSignUpOutageIsUpstreamProviderError(t *testing.T) {
	c := newGoTrue(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	_, err := c.SignUp(context.Background(), "a@x.com", "p1")
	require.Error(t, err)
	assert.Equal(t, http.StatusBadGateway, apperr.HTTPStatus(err))
}

func TestSignInReturnsTokenUnchanged(t *testing.T) {
	c := newGoTrue(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "password", r.URL.Query().Get("grant_type"))
		_, _ = w.Write([]byte(`{"access_token":"abc","token_type":"bearer","expires_in":3600,"refresh_token":"r1"}`))
	})

	tok, err := c.SignIn(context.Background(), "a@x.com", "p1")
	require.NoError(t, err)
	assert.Equal(t, "abc", tok.AccessToken)
	assert.Equal(t, "r1", tok.RefreshToken)
	assert.Equal(t, 3600, tok.ExpiresIn)
}

func TestSignInInvalidCredentials(t *testing.T) {
	c := newGoTrue(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"invalid_grant","error_description":"Invalid login credentials"}`))
	})

	_, err := c.SignIn(context.Background(), "a@x.com", "wrong")
	require.Error(t, err)
	assert.Equal(t, http.StatusBadRequest, apperr.HTTPStatus(err))
	assert.Contains(t, err.Error(), "Invalid login credentials")
}

func signToken(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return tok
}

func TestVerifyTokenLocally(t *testing.T) {
	c := NewClient(config.Provider{URL: "http://unused", APIKey: "anon", JWTSecret: "s3cret"})

	tok := signToken(t, "s3cret", jwt.MapClaims{
		"sub":          "sub1",
		"email":        "a@x.com",
		"exp":          time.Now().Add(time.Hour).Unix(),
		"app_metadata": map[string]any{"provider": "email"},
	})
	id, err := c.VerifyToken(context.Background(), tok)
	require.NoError(t, err)
	assert.Equal(t, "sub1", id.SubjectID)
	assert.Equal(t, "email", id.Provider)
}

func TestVerifyTokenRejectsExpiredAndForged(t *testing.T) {
	c := NewClient(config.Provider{URL: "http://unused", APIKey: "anon", JWTSecret: "s3cret"})

	expired := signToken(t, "s3cret", jwt.MapClaims{"sub": "sub1", "exp": time.Now().Add(-time.Minute).Unix()})
	_, err := c.VerifyToken(context.Background(), expired)
	assert.True(t, apperr.Is(err, apperr.KindUnauthorized))
	assert.Contains(t, err.Error(), "expired")

	forged := signToken(t, "other", jwt.MapClaims{"sub": "sub1", "exp": time.Now().Add(time.Hour).Unix()})
	_, err = c.VerifyToken(context.Background(), forged)
	assert.True(t, apperr.Is(err, apperr.KindUnauthorized))

	_, err = c.VerifyToken(context.Background(), "")
	assert.True(t, apperr.Is(err, apperr.KindUnauthorized))
}

func TestVerifyTokenRemotely(t *testing.T) {
	c := newGoTrue(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer good" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"msg":"invalid JWT"}`))
			return
		}
		_, _ = w.Write([]byte(`{"id":"sub9","app_metadata":{"provider":"github"}}`))
	})

	id, err := c.VerifyToken(context.Background(), "good")
	require.NoError(t, err)
	assert.Equal(t, "sub9", id.SubjectID)
	assert.Equal(t, "oauth:github", id.Provider)

	_, err = c.VerifyToken(context.Background(), "bad")
	assert.True(t, apperr.Is(err, apperr.KindUnauthorized))
}

func TestNormalizeSource(t *testing.T) {
	assert.Equal(t, "email", NormalizeSource(""))
	assert.Equal(t, "email", NormalizeSource("Email"))
	assert.Equal(t, "phone", NormalizeSource("phone"))
	assert.Equal(t, "oauth:google", NormalizeSource("google"))
	assert.Equal(t, "oauth:google", NormalizeSource("oauth:google"))
}
