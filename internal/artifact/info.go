// Package artifact assembles the final output of a stream download: the
// metadata document and the moved or archived working directory.
package artifact

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/riveroon/twitch-archive/internal/helix"
	"github.com/riveroon/twitch-archive/internal/hls"
	"github.com/riveroon/twitch-archive/pkg/version"
)

// infoSchemaVersion prefixes the app version in the metadata document.
const infoSchemaVersion = "0.1"

// Info is the info.json document describing one archived stream.
type Info struct {
	Version  string        `json:"version"`
	Data     StreamInfo    `json:"data"`
	Segments []SegmentInfo `json:"segments"`
}

type StreamInfo struct {
	ID        string    `json:"id"`
	User      UserInfo  `json:"user"`
	Game      GameInfo  `json:"game"`
	Title     string    `json:"title"`
	StartedAt time.Time `json:"started_at"`
}

type UserInfo struct {
	ID          string `json:"id"`
	Login       string `json:"login"`
	DisplayName string `json:"display_name"`
}

type GameInfo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type Resolution struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// SegmentInfo indexes one downloaded rendition playlist inside the artifact.
type SegmentInfo struct {
	Path       string      `json:"path"`
	GroupID    string      `json:"group_id"`
	Name       string      `json:"name"`
	Language   string      `json:"language,omitempty"`
	Bitrate    uint32      `json:"bitrate,omitempty"`
	Resolution *Resolution `json:"resolution,omitempty"`
	FrameRate  float64     `json:"frame_rate,omitempty"`
	Codecs     string      `json:"codecs,omitempty"`
}

// NewSegmentInfo builds the index record for a finished download. The path
// is stored relative to the working directory.
func NewSegmentInfo(workdir string, result *hls.Result) (SegmentInfo, error) {
	rel, err := filepath.Rel(workdir, result.PlaylistPath)
	if err != nil {
		return SegmentInfo{}, fmt.Errorf("artifact: playlist outside working directory: %w", err)
	}

	info := SegmentInfo{
		Path:     filepath.ToSlash(rel),
		GroupID:  result.Alternative.GroupId,
		Name:     result.Alternative.Name,
		Language: result.Alternative.Language,
	}
	if v := result.Variant; v != nil {
		info.Bitrate = v.Bandwidth
		info.FrameRate = v.FrameRate
		info.Codecs = v.Codecs
		info.Resolution = parseResolution(v.Resolution)
	}
	return info, nil
}

func parseResolution(s string) *Resolution {
	w, h, ok := strings.Cut(s, "x")
	if !ok {
		return nil
	}
	width, err := strconv.Atoi(w)
	if err != nil {
		return nil
	}
	height, err := strconv.Atoi(h)
	if err != nil {
		return nil
	}
	return &Resolution{Width: width, Height: height}
}

// WriteInfo serializes the metadata document to <workdir>/info.json.
func WriteInfo(workdir string, stream *helix.Stream, segments []SegmentInfo) error {
	info := Info{
		Version: infoSchemaVersion + "/" + version.Version,
		Data: StreamInfo{
			ID: stream.ID,
			User: UserInfo{
				ID:          stream.User.ID,
				Login:       stream.User.Login,
				DisplayName: stream.User.DisplayName,
			},
			Game:      GameInfo{ID: stream.GameID, Name: stream.GameName},
			Title:     stream.Title,
			StartedAt: stream.StartedAt,
		},
		Segments: segments,
	}

	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return fmt.Errorf("artifact: marshal info document: %w", err)
	}
	if err := os.WriteFile(filepath.Join(workdir, "info.json"), data, 0o644); err != nil {
		return fmt.Errorf("artifact: write info document: %w", err)
	}
	return nil
}
