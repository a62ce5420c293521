// Package config assembles the run context for the archiver from the
// environment and the subscription list file.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	pkgconfig "github.com/riveroon/twitch-archive/pkg/config"
)

const (
	// ExtractorInternal resolves playlist URLs through the platform's
	// GraphQL endpoint.
	ExtractorInternal = "internal"
	// ExtractorStreamlink shells out to the streamlink binary.
	ExtractorStreamlink = "streamlink"
)

// Channel is one subscription list entry. At least one of ID or Login must
// identify the channel; Format defaults to "best".
type Channel struct {
	ID     string `json:"id,omitempty"`
	Login  string `json:"login,omitempty"`
	Name   string `json:"name,omitempty"`
	Format string `json:"format,omitempty"`
}

// Formats splits the channel's quality priority list.
func (c Channel) Formats() []string {
	parts := strings.Split(c.Format, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

// Config is the explicit run context threaded into the supervisors and
// download tasks.
type Config struct {
	ClientID     string
	ClientSecret string

	// Port is the local callback listen port; PublicURL is the externally
	// reachable base registered with the platform (a tunnel in front of
	// the port when no public address exists).
	Port      int
	PublicURL string

	Channels []Channel

	// Output is the destination filename template; SaveToDir selects
	// directory output over a tar archive.
	Output    string
	SaveToDir bool

	// Extractor picks the playlist URL resolver; AuthHeader is an optional
	// user OAuth token passed through to it.
	Extractor  string
	AuthHeader string

	// WorkRoot holds per-stream working directories during download.
	WorkRoot string
}

// ListenAddr returns the callback server's bind address.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf(":%d", c.Port)
}

// Load reads the run context from the environment and the subscription
// list file named by SUBSCRIPTIONS.
func Load() (*Config, error) {
	cfg := &Config{
		ClientID:     pkgconfig.RequireEnv("TWITCH_CLIENT_ID"),
		ClientSecret: pkgconfig.RequireEnv("TWITCH_CLIENT_SECRET"),
		Port:         pkgconfig.GetEnvInt("PORT", 8080),
		PublicURL:    pkgconfig.RequireEnv("PUBLIC_URL"),
		Output:       pkgconfig.GetEnv("OUTPUT", "%Sl/%TY-%TM-%TD %st"),
		SaveToDir:    pkgconfig.GetEnvBool("SAVE_TO_DIR", false),
		Extractor:    pkgconfig.GetEnv("EXTRACTOR", ExtractorInternal),
		AuthHeader:   pkgconfig.GetEnv("TWITCH_AUTH_HEADER", ""),
		WorkRoot:     pkgconfig.GetEnv("WORK_ROOT", "."),
	}

	if cfg.Extractor != ExtractorInternal && cfg.Extractor != ExtractorStreamlink {
		return nil, fmt.Errorf("config: unknown extractor %q", cfg.Extractor)
	}

	channels, err := LoadChannels(pkgconfig.GetEnv("SUBSCRIPTIONS", "subscriptions.json"))
	if err != nil {
		return nil, err
	}
	cfg.Channels = channels

	return cfg, nil
}

// LoadChannels parses the subscription list file.
func LoadChannels(path string) ([]Channel, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read subscription list: %w", err)
	}

	var channels []Channel
	if err := json.Unmarshal(data, &channels); err != nil {
		return nil, fmt.Errorf("config: parse subscription list: %w", err)
	}

	for i := range channels {
		if channels[i].ID == "" && channels[i].Login == "" {
			return nil, fmt.Errorf("config: subscription entry %d has neither id nor login", i)
		}
		if channels[i].Format == "" {
			channels[i].Format = "best"
		}
	}
	return channels, nil
}
