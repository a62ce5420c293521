// Package extractor resolves the live HLS master-playlist URL for a
// channel, either through the platform's GraphQL playback-token endpoint or
// by shelling out to streamlink.
package extractor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"os/exec"
	"strings"
	"time"

	"github.com/riveroon/twitch-archive/pkg/clients"
	"github.com/riveroon/twitch-archive/pkg/logging"
)

// Resolver yields the master-playlist URL for a live channel. An empty URL
// with a nil error means playback is not available (offline or gated).
type Resolver interface {
	PlaylistURL(ctx context.Context, login string) (string, error)
}

const (
	gqlURL = "https://gql.twitch.tv/gql"

	// anonymousClientID is the public web-player client id accepted by the
	// playback-token endpoint without user credentials.
	anonymousClientID = "kimne78kx3ncx6brgo4mv6wki5h1ko"

	playbackQueryHash = "0828119ded1c13477966434e15800ff57ddacf13ba1911c129dc2200705b0712"

	userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/86.0.4240.111 Safari/537.36"
)

// Internal resolves playback through the GraphQL persisted query.
type Internal struct {
	endpoint string
	// auth, when set, is forwarded as an OAuth token so the playlist
	// reflects the user's ad and sub state.
	auth       string
	httpClient *http.Client
	logger     logging.Logger
}

// InternalConfig configures the GraphQL resolver.
type InternalConfig struct {
	// Endpoint defaults to the production GraphQL URL.
	Endpoint string
	Auth     string
	Logger   logging.Logger
}

// NewInternal returns the GraphQL-backed resolver.
func NewInternal(cfg InternalConfig) *Internal {
	x := &Internal{
		endpoint:   cfg.Endpoint,
		auth:       cfg.Auth,
		httpClient: clients.NewHTTPClient(15 * time.Second),
		logger:     cfg.Logger,
	}
	if x.endpoint == "" {
		x.endpoint = gqlURL
	}
	return x
}

// PlaylistURL obtains a playback access token and renders the usher URL.
func (x *Internal) PlaylistURL(ctx context.Context, login string) (string, error) {
	body, err := json.Marshal(map[string]any{
		"operationName": "PlaybackAccessToken",
		"extensions": map[string]any{
			"persistedQuery": map[string]any{
				"version":    1,
				"sha256Hash": playbackQueryHash,
			},
		},
		"variables": map[string]any{
			"isLive":     true,
			"login":      login,
			"isVod":      false,
			"vodID":      "",
			"playerType": "embed",
		},
	})
	if err != nil {
		return "", fmt.Errorf("extractor: marshal playback query: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, x.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("extractor: build playback request: %w", err)
	}
	req.Header.Set("Client-ID", anonymousClientID)
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "application/json")
	if x.auth != "" {
		req.Header.Set("Authorization", "OAuth "+x.auth)
	}

	resp, err := x.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("extractor: playback request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		x.logger.WithField("status", resp.StatusCode).
			Warn("Playback token request rejected")
		return "", nil
	}

	var res struct {
		Data struct {
			Token *struct {
				Value     string `json:"value"`
				Signature string `json:"signature"`
			} `json:"streamPlaybackAccessToken"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return "", fmt.Errorf("extractor: decode playback response: %w", err)
	}
	if res.Data.Token == nil {
		return "", nil
	}

	return fmt.Sprintf(
		"http://usher.ttvnw.net/api/channel/hls/%s.m3u8?player=twitchweb&token=%s&sig=%s&allow_audio_only=true&allow_source=true&type=any&p=%d",
		login, res.Data.Token.Value, res.Data.Token.Signature, rand.Intn(1000000),
	), nil
}

// Streamlink resolves playback by invoking the streamlink binary.
type Streamlink struct {
	// authHeader, when set, is passed through as --twitch-api-header.
	authHeader string
	logger     logging.Logger
}

// NewStreamlink returns the subprocess-backed resolver.
func NewStreamlink(authHeader string, logger logging.Logger) *Streamlink {
	return &Streamlink{authHeader: authHeader, logger: logger}
}

// PlaylistURL runs `streamlink --stream-url` and returns its stdout.
func (s *Streamlink) PlaylistURL(ctx context.Context, login string) (string, error) {
	args := []string{"--stream-url"}
	if s.authHeader != "" {
		args = append(args, "--twitch-api-header", s.authHeader)
	}
	args = append(args, "https://twitch.tv/"+login)

	s.logger.WithField("login", login).Debug("Resolving playlist URL via streamlink")
	out, err := exec.CommandContext(ctx, "streamlink", args...).Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return "", fmt.Errorf("extractor: streamlink exited with status %d: %s",
				exitErr.ExitCode(), strings.TrimSpace(string(exitErr.Stderr)))
		}
		return "", fmt.Errorf("extractor: run streamlink: %w", err)
	}
	return strings.TrimSpace(string(out)), nil
}
