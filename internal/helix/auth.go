// Package helix wraps the Twitch Helix REST API behind a credential broker
// that signs requests with an app access token and renews it on 401.
package helix

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/riveroon/twitch-archive/pkg/logging"
)

const (
	// DefaultTokenURL is the Twitch OAuth2 client-credentials endpoint.
	DefaultTokenURL = "https://id.twitch.tv/oauth2/token"
	// DefaultAPIBase is the Helix API base URL.
	DefaultAPIBase = "https://api.twitch.tv/helix"
)

// StatusError reports a non-2xx response from the platform.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("helix: request returned status %d", e.Code)
	}
	return fmt.Sprintf("helix: request returned status %d: %s", e.Code, e.Body)
}

// AuthConfig configures the credential broker.
type AuthConfig struct {
	ClientID     string
	ClientSecret string

	// TokenURL and APIBase default to the production endpoints.
	TokenURL string
	APIBase  string

	// HTTPClient defaults to a client with a 15s timeout.
	HTTPClient *http.Client

	Logger logging.Logger
}

// Auth holds an app access token behind a mutex and signs outbound requests.
// A 401 response triggers a single token renewal and retry; concurrent
// callers serialize on the send-and-maybe-refresh critical section.
type Auth struct {
	mu        sync.Mutex
	bearer    string
	expiresAt time.Time

	clientID     string
	clientSecret string
	tokenURL     string
	apiBase      string
	httpClient   *http.Client
	logger       logging.Logger
}

// NewAuth obtains an initial app access token and returns the broker.
func NewAuth(ctx context.Context, cfg AuthConfig) (*Auth, error) {
	a := &Auth{
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		tokenURL:     cfg.TokenURL,
		apiBase:      cfg.APIBase,
		httpClient:   cfg.HTTPClient,
		logger:       cfg.Logger,
	}
	if a.tokenURL == "" {
		a.tokenURL = DefaultTokenURL
	}
	if a.apiBase == "" {
		a.apiBase = DefaultAPIBase
	}
	if a.httpClient == nil {
		a.httpClient = &http.Client{Timeout: 15 * time.Second}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.refreshLocked(ctx); err != nil {
		return nil, err
	}
	return a, nil
}

// ClientID returns the application client id.
func (a *Auth) ClientID() string { return a.clientID }

// APIURL joins path onto the Helix API base.
func (a *Auth) APIURL(path string) string {
	return a.apiBase + "/" + strings.TrimPrefix(path, "/")
}

func (a *Auth) refreshLocked(ctx context.Context) error {
	form := url.Values{
		"client_id":     {a.clientID},
		"client_secret": {a.clientSecret},
		"grant_type":    {"client_credentials"},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.tokenURL,
		strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("helix: build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("helix: token request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Code: resp.StatusCode}
	}

	var body struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("helix: decode token response: %w", err)
	}

	a.bearer = body.AccessToken
	a.expiresAt = time.Now().Add(time.Duration(body.ExpiresIn) * time.Second)

	if a.logger != nil {
		a.logger.WithField("expires_in", body.ExpiresIn).Debug("Obtained app access token")
	}
	return nil
}

// send signs and issues req. refresh renews the token first.
func (a *Auth) send(ctx context.Context, req *http.Request, refresh bool) (*http.Response, error) {
	a.mu.Lock()
	if refresh {
		if err := a.refreshLocked(ctx); err != nil {
			a.mu.Unlock()
			return nil, err
		}
	}
	req.Header.Set("Authorization", "Bearer "+a.bearer)
	req.Header.Set("Client-Id", a.clientID)
	a.mu.Unlock()

	return a.httpClient.Do(req)
}

// Do issues req with credentials attached. On 401 the token is renewed once
// and the request retried; any other non-2xx status is returned as a
// StatusError. The request body, if any, must be rewindable (GetBody set),
// which holds for requests built with bytes or strings readers.
func (a *Auth) Do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()

	resp, err := a.send(ctx, req, false)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusUnauthorized {
		resp.Body.Close()
		if a.logger != nil {
			a.logger.Info("Received status 401; refreshing app access token")
		}

		retry := req
		if req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return nil, fmt.Errorf("helix: rewind request body: %w", err)
			}
			retry = req.Clone(ctx)
			retry.Body = body
		}

		resp, err = a.send(ctx, retry, true)
		if err != nil {
			return nil, err
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		return nil, &StatusError{Code: resp.StatusCode}
	}
	return resp, nil
}

// DoJSON issues req like Do and decodes the response body into v.
func (a *Auth) DoJSON(req *http.Request, v any) error {
	resp, err := a.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("helix: decode response: %w", err)
	}
	return nil
}
