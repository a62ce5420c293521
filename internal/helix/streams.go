package helix

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// Stream is a live broadcast record. It exists from the moment the
// supervisor fetches it after an online event until the download task ends.
type Stream struct {
	ID        string
	User      User
	GameID    string
	GameName  string
	Title     string
	StartedAt time.Time
	IsMature  bool
}

// UnmarshalJSON decodes the flat Helix representation.
func (s *Stream) UnmarshalJSON(data []byte) error {
	var raw struct {
		ID        string `json:"id"`
		UserID    string `json:"user_id"`
		UserLogin string `json:"user_login"`
		UserName  string `json:"user_name"`
		GameID    string `json:"game_id"`
		GameName  string `json:"game_name"`
		Title     string `json:"title"`
		StartedAt string `json:"started_at"`
		IsMature  bool   `json:"is_mature"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	startedAt, err := time.Parse(time.RFC3339, raw.StartedAt)
	if err != nil {
		return fmt.Errorf("helix: parse started_at: %w", err)
	}

	*s = Stream{
		ID:        raw.ID,
		User:      User{ID: raw.UserID, Login: raw.UserLogin, DisplayName: raw.UserName},
		GameID:    raw.GameID,
		GameName:  raw.GameName,
		Title:     raw.Title,
		StartedAt: startedAt.Local(),
		IsMature:  raw.IsMature,
	}
	return nil
}

// GetStreamByUserID fetches the live stream record for a user. Returns
// (nil, nil) when the user is not currently live.
func GetStreamByUserID(ctx context.Context, auth *Auth, userID string) (*Stream, error) {
	query := url.Values{"user_id": {userID}}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		auth.APIURL("/streams")+"?"+query.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("helix: build streams request: %w", err)
	}

	var res struct {
		Data []Stream `json:"data"`
	}
	if err := auth.DoJSON(req, &res); err != nil {
		return nil, err
	}
	if len(res.Data) == 0 {
		return nil, nil
	}
	return &res.Data[0], nil
}
