package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/riveroon/twitch-archive/internal/config"
	"github.com/riveroon/twitch-archive/internal/eventsub"
	"github.com/riveroon/twitch-archive/internal/filename"
	"github.com/riveroon/twitch-archive/internal/helix"
	"github.com/riveroon/twitch-archive/internal/hls"
)

func newTestLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// fakeChat is a chat.Receiver fed from a buffered channel.
type fakeChat struct {
	ch     chan string
	isOpen atomic.Bool
}

func newFakeChat(msgs ...string) *fakeChat {
	f := &fakeChat{ch: make(chan string, 32)}
	for _, m := range msgs {
		f.ch <- m
	}
	return f
}

func (f *fakeChat) Open() bool  { return f.isOpen.CompareAndSwap(false, true) }
func (f *fakeChat) Close() bool { return f.isOpen.CompareAndSwap(true, false) }
func (f *fakeChat) Recv(ctx context.Context) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case msg := <-f.ch:
		return msg, nil
	}
}

// fakeResolver returns a fixed master playlist URL.
type fakeResolver struct{ url string }

func (f *fakeResolver) PlaylistURL(ctx context.Context, login string) (string, error) {
	return f.url, nil
}

// newHLSOrigin serves a one-poll live stream with two segments.
func newHLSOrigin(t *testing.T) *httptest.Server {
	t.Helper()
	var srv *httptest.Server
	mux := http.NewServeMux()
	mux.HandleFunc("/master.m3u8", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `#EXTM3U
#EXT-X-MEDIA:TYPE=VIDEO,GROUP-ID="chunked",NAME="chunked",AUTOSELECT=YES,DEFAULT=YES
#EXT-X-STREAM-INF:BANDWIDTH=6000000,RESOLUTION=1920x1080,CODECS="avc1.64002A",VIDEO="chunked"
%s/media.m3u8
`, srv.URL)
	})
	mux.HandleFunc("/media.m3u8", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `#EXTM3U
#EXT-X-VERSION:3
#EXT-X-TARGETDURATION:0
#EXT-X-MEDIA-SEQUENCE:0
#EXTINF:2.000,live
%s/seg/0.ts
#EXTINF:2.000,live
%s/seg/1.ts
#EXT-X-ENDLIST
`, srv.URL, srv.URL)
	})
	mux.HandleFunc("/seg/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "segment-bytes")
	})
	srv = httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func testStream() *helix.Stream {
	return &helix.Stream{
		ID:        "9001",
		User:      helix.User{ID: "1234", Login: "somechannel", DisplayName: "SomeChannel"},
		GameID:    "33",
		GameName:  "Just Chatting",
		Title:     "hello world",
		StartedAt: time.Now().Add(-time.Minute),
	}
}

func newDownloadSupervisor(t *testing.T, workRoot string, saveToDir bool, masterURL string) *Supervisor {
	t.Helper()
	formatter, err := filename.New(filepath.Join(workRoot, "archive") + "/%Sl %si")
	if err != nil {
		t.Fatalf("filename.New: %v", err)
	}
	return New(Deps{
		Config:    &config.Config{WorkRoot: workRoot, SaveToDir: saveToDir},
		Resolver:  &fakeResolver{url: masterURL},
		Ripper:    hls.NewRipper(newTestLogger()),
		Formatter: formatter,
		Logger:    newTestLogger(),
	})
}

func TestDownloadProducesDirectoryArtifact(t *testing.T) {
	origin := newHLSOrigin(t)
	workRoot := t.TempDir()
	s := newDownloadSupervisor(t, workRoot, true, origin.URL+"/master.m3u8")

	ch := Channel{
		User:     helix.User{ID: "1234", Login: "somechannel"},
		Chat:     newFakeChat(":n!n@n PRIVMSG #somechannel :hello"),
		Settings: config.Channel{Login: "somechannel", Format: "best"},
	}

	if err := s.download(context.Background(), testStream(), ch); err != nil {
		t.Fatalf("download: %v", err)
	}

	dest := filepath.Join(workRoot, "archive", "somechannel 9001")
	for _, name := range []string{
		"chunked.m3u8",
		filepath.Join("chunked", "0000.ts"),
		filepath.Join("chunked", "0001.ts"),
		"chat.log",
		"info.json",
	} {
		if _, err := os.Stat(filepath.Join(dest, name)); err != nil {
			t.Errorf("artifact missing %s: %v", name, err)
		}
	}

	chatLog, err := os.ReadFile(filepath.Join(dest, "chat.log"))
	if err != nil {
		t.Fatalf("read chat.log: %v", err)
	}
	if !strings.Contains(string(chatLog), ": :n!n@n PRIVMSG #somechannel :hello") {
		t.Errorf("chat.log = %q", chatLog)
	}

	data, err := os.ReadFile(filepath.Join(dest, "info.json"))
	if err != nil {
		t.Fatalf("read info.json: %v", err)
	}
	var info struct {
		Data struct {
			ID string `json:"id"`
		} `json:"data"`
		Segments []struct {
			Path string `json:"path"`
		} `json:"segments"`
	}
	if err := json.Unmarshal(data, &info); err != nil {
		t.Fatalf("unmarshal info.json: %v", err)
	}
	if info.Data.ID != "9001" || len(info.Segments) != 1 || info.Segments[0].Path != "chunked.m3u8" {
		t.Errorf("info.json = %s", data)
	}

	// The working directory was consumed by the move.
	entries, err := os.ReadDir(workRoot)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Name() != "archive" {
		t.Errorf("workRoot entries = %v, want only the archive dir", entries)
	}
}

func TestDownloadProducesTarArtifact(t *testing.T) {
	origin := newHLSOrigin(t)
	workRoot := t.TempDir()
	s := newDownloadSupervisor(t, workRoot, false, origin.URL+"/master.m3u8")

	ch := Channel{
		User:     helix.User{ID: "1234", Login: "somechannel"},
		Chat:     newFakeChat(),
		Settings: config.Channel{Login: "somechannel", Format: "best"},
	}

	if err := s.download(context.Background(), testStream(), ch); err != nil {
		t.Fatalf("download: %v", err)
	}

	if _, err := os.Stat(filepath.Join(workRoot, "archive", "somechannel 9001.tar")); err != nil {
		t.Fatalf("tar artifact missing: %v", err)
	}
}

func TestDownloadSkipsUnmatchedQuality(t *testing.T) {
	origin := newHLSOrigin(t)
	workRoot := t.TempDir()
	s := newDownloadSupervisor(t, workRoot, true, origin.URL+"/master.m3u8")

	ch := Channel{
		User:     helix.User{ID: "1234", Login: "somechannel"},
		Chat:     newFakeChat(),
		Settings: config.Channel{Login: "somechannel", Format: "4k"},
	}

	if err := s.download(context.Background(), testStream(), ch); err != nil {
		t.Fatalf("download: %v", err)
	}

	// No artifact, and the working directory was cleaned up.
	entries, err := os.ReadDir(workRoot)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("workRoot entries = %v, want none", entries)
	}
}

func TestAwaitStreamPollsUntilPresent(t *testing.T) {
	tokens := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"access_token": "tok", "expires_in": 3600})
	}))
	defer tokens.Close()

	var calls atomic.Int64
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if calls.Add(1) < 3 {
			_, _ = w.Write([]byte(`{"data":[]}`))
			return
		}
		_, _ = w.Write([]byte(`{"data":[{
			"id":"9001","user_id":"1234","user_login":"somechannel","user_name":"SomeChannel",
			"game_id":"33","game_name":"Just Chatting","title":"t",
			"started_at":"2024-03-05T12:00:00Z","is_mature":false}]}`))
	}))
	defer api.Close()

	auth, err := helix.NewAuth(context.Background(), helix.AuthConfig{
		ClientID: "cid", ClientSecret: "csec", TokenURL: tokens.URL, APIBase: api.URL,
	})
	if err != nil {
		t.Fatalf("NewAuth: %v", err)
	}

	s := New(Deps{
		Config: &config.Config{},
		Auth:   auth,
		Logger: newTestLogger(),
	})
	s.pollAttempts = 5
	s.pollDelay = 0

	stream, err := s.awaitStream(context.Background(), "1234")
	if err != nil {
		t.Fatalf("awaitStream: %v", err)
	}
	if stream.ID != "9001" {
		t.Fatalf("stream = %+v", stream)
	}
	if got := calls.Load(); got != 3 {
		t.Fatalf("api calls = %d, want 3", got)
	}
}

func TestRunChannelExitsWhenSubscribeFails(t *testing.T) {
	tokens := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"access_token": "tok", "expires_in": 3600})
	}))
	defer tokens.Close()

	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer api.Close()

	auth, err := helix.NewAuth(context.Background(), helix.AuthConfig{
		ClientID: "cid", ClientSecret: "csec", TokenURL: tokens.URL, APIBase: api.URL,
	})
	if err != nil {
		t.Fatalf("NewAuth: %v", err)
	}

	events := eventsub.NewManager(eventsub.Config{
		Auth:      auth,
		PublicURL: "https://archive.example.com",
		Logger:    newTestLogger(),
	})
	s := New(Deps{Config: &config.Config{}, Auth: auth, Events: events, Logger: newTestLogger()})

	finished := make(chan struct{})
	go func() {
		s.runChannel(context.Background(), Channel{
			User: helix.User{ID: "1234", Login: "somechannel"},
			Chat: newFakeChat(),
		})
		close(finished)
	}()

	select {
	case <-finished:
	case <-time.After(5 * time.Second):
		t.Fatal("runChannel did not exit after subscription failure")
	}
}
