// Package identity is the client for the external identity provider (Supabase
// GoTrue). It performs no local mutation; every failure is translated into the
// apperr taxonomy.
package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/time/rate"

	"content-platform/internal/apperr"
	"content-platform/internal/config"
)

// ProviderIdentity is the normalized identity the provider vouches for.
type ProviderIdentity struct {
	SubjectID string
	Provider  string
	Email     string
	Raw       json.RawMessage
}

// SessionToken is the provider-issued session, passed to clients unchanged.
type SessionToken struct {
	AccessToken  string          `json:"access_token"`
	TokenType    string          `json:"token_type"`
	ExpiresIn    int             `json:"expires_in"`
	ExpiresAt    int64           `json:"expires_at,omitempty"`
	RefreshToken string          `json:"refresh_token"`
	User         json.RawMessage `json:"user,omitempty"`
}

// Client talks to the GoTrue REST API.
type Client struct {
	baseURL    string
	apiKey     string
	jwtSecret  []byte
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewClient builds a client from provider configuration. When a JWT secret is
// configured tokens are verified locally instead of with a round trip.
func NewClient(cfg config.Provider) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	limit := rate.Inf
	burst := 1
	if cfg.RatePerSec > 0 {
		limit = rate.Limit(cfg.RatePerSec)
		burst = int(cfg.RatePerSec)
		if burst < 1 {
			burst = 1
		}
	}
	c := &Client{
		baseURL:    strings.TrimRight(cfg.URL, "/"),
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(limit, burst),
	}
	if cfg.JWTSecret != "" {
		c.jwtSecret = []byte(cfg.JWTSecret)
	}
	return c
}

type credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type gotrueUser struct {
	ID          string `json:"id"`
	Email       string `json:"email"`
	AppMetadata struct {
		Provider string `json:"provider"`
	} `json:"app_metadata"`
}

// signup returns either a bare user or a session wrapping one, depending on
// whether email confirmation is enabled on the project.
type signupResponse struct {
	gotrueUser
	User *gotrueUser `json:"user"`
}

type gotrueError struct {
	Code             any    `json:"code"`
	ErrorCode        string `json:"error_code"`
	Msg              string `json:"msg"`
	Message          string `json:"message"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

func (e gotrueError) text() string {
	for _, s := range []string{e.Msg, e.ErrorDescription, e.Message, e.Error, e.ErrorCode} {
		if s != "" {
			return s
		}
	}
	return ""
}

// SignUp registers a new email/password identity.
func (c *Client) SignUp(ctx context.Context, email, password string) (ProviderIdentity, error) {
	body, err := c.do(ctx, http.MethodPost, "/auth/v1/signup", "", credentials{Email: email, Password: password})
	if err != nil {
		return ProviderIdentity{}, err
	}
	var resp signupResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return ProviderIdentity{}, apperr.Provider("undecodable signup response", true, err)
	}
	u := resp.gotrueUser
	if resp.User != nil && resp.User.ID != "" {
		u = *resp.User
	}
	if u.ID == "" {
		return ProviderIdentity{}, apperr.Provider("signup response carried no user id", true, nil)
	}
	return ProviderIdentity{
		SubjectID: u.ID,
		Provider:  NormalizeSource(u.AppMetadata.Provider),
		Email:     u.Email,
		Raw:       body,
	}, nil
}

// SignIn exchanges email/password for a session token.
func (c *Client) SignIn(ctx context.Context, email, password string) (SessionToken, error) {
	body, err := c.do(ctx, http.MethodPost, "/auth/v1/token?grant_type=password", "", credentials{Email: email, Password: password})
	if err != nil {
		return SessionToken{}, err
	}
	var tok SessionToken
	if err := json.Unmarshal(body, &tok); err != nil {
		return SessionToken{}, apperr.Provider("undecodable token response", true, err)
	}
	if tok.AccessToken == "" {
		return SessionToken{}, apperr.Provider("token response carried no access token", true, nil)
	}
	return tok, nil
}

// VerifyToken validates a bearer token and returns the identity it names.
// Invalid or expired tokens fail with Unauthorized.
func (c *Client) VerifyToken(ctx context.Context, token string) (ProviderIdentity, error) {
	if token == "" {
		return ProviderIdentity{}, apperr.Unauthorized("missing bearer token", nil)
	}
	if c.jwtSecret != nil {
		return c.verifyLocal(token)
	}

	body, err := c.do(ctx, http.MethodGet, "/auth/v1/user", token, nil)
	if err != nil {
		if apperr.Is(err, apperr.KindProvider) && apperr.HTTPStatus(err) == http.StatusBadRequest {
			return ProviderIdentity{}, apperr.Unauthorized("token rejected by provider", err)
		}
		return ProviderIdentity{}, err
	}
	var u gotrueUser
	if err := json.Unmarshal(body, &u); err != nil {
		return ProviderIdentity{}, apperr.Provider("undecodable user response", true, err)
	}
	if u.ID == "" {
		return ProviderIdentity{}, apperr.Unauthorized("token names no subject", nil)
	}
	return ProviderIdentity{SubjectID: u.ID, Provider: NormalizeSource(u.AppMetadata.Provider), Email: u.Email, Raw: body}, nil
}

// accessClaims are the claims GoTrue puts in its access tokens.
type accessClaims struct {
	jwt.RegisteredClaims
	Email       string `json:"email"`
	Role        string `json:"role"`
	AppMetadata struct {
		Provider string `json:"provider"`
	} `json:"app_metadata"`
}

func (c *Client) verifyLocal(token string) (ProviderIdentity, error) {
	var claims accessClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		return c.jwtSecret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return ProviderIdentity{}, apperr.Unauthorized("token is expired", err)
		}
		return ProviderIdentity{}, apperr.Unauthorized("token is invalid", err)
	}
	if claims.Subject == "" {
		return ProviderIdentity{}, apperr.Unauthorized("token names no subject", nil)
	}
	return ProviderIdentity{
		SubjectID: claims.Subject,
		Provider:  NormalizeSource(claims.AppMetadata.Provider),
		Email:     claims.Email,
	}, nil
}

func (c *Client) do(ctx context.Context, method, path, bearer string, payload any) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, apperr.Provider("identity provider throttled", true, err)
	}

	var reader io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, apperr.Internal("marshal provider request", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, apperr.Internal("build provider request", err)
	}
	req.Header.Set("apikey", c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, apperr.Provider("identity provider unreachable", true, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, apperr.Provider("read provider response", true, err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		var ge gotrueError
		_ = json.Unmarshal(body, &ge)
		msg := ge.text()
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		upstream := resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests
		return nil, apperr.Provider(msg, upstream, fmt.Errorf("provider status %d", resp.StatusCode))
	}
	return body, nil
}

// NormalizeSource maps the provider's app_metadata.provider onto the local
// source vocabulary: "email", "phone", or "oauth:<name>".
func NormalizeSource(provider string) string {
	p := strings.ToLower(strings.TrimSpace(provider))
	switch p {
	case "", "email":
		return "email"
	case "phone":
		return "phone"
	}
	if strings.HasPrefix(p, "oauth:") {
		return p
	}
	return "oauth:" + p
}
