package helix

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestGetStreamByUserID(t *testing.T) {
	var tokenCalls atomic.Int64
	tokens := newTokenServer(t, &tokenCalls)
	defer tokens.Close()

	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/streams" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if got := r.URL.Query().Get("user_id"); got != "1234" {
			t.Errorf("user_id = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":[{
			"id":"9001",
			"user_id":"1234",
			"user_login":"somechannel",
			"user_name":"SomeChannel",
			"game_id":"33",
			"game_name":"Just Chatting",
			"title":"hello world",
			"started_at":"2024-03-05T12:00:00Z",
			"is_mature":false
		}]}`))
	}))
	defer api.Close()

	auth := newAuthForTest(t, tokens.URL, api.URL)

	stream, err := GetStreamByUserID(context.Background(), auth, "1234")
	if err != nil {
		t.Fatalf("GetStreamByUserID: %v", err)
	}
	if stream == nil {
		t.Fatal("expected a stream record")
	}
	if stream.ID != "9001" || stream.User.Login != "somechannel" {
		t.Fatalf("unexpected stream: %+v", stream)
	}
	want := time.Date(2024, 3, 5, 12, 0, 0, 0, time.UTC)
	if !stream.StartedAt.Equal(want) {
		t.Fatalf("StartedAt = %v, want %v", stream.StartedAt, want)
	}
}

func TestGetStreamByUserIDAbsent(t *testing.T) {
	var tokenCalls atomic.Int64
	tokens := newTokenServer(t, &tokenCalls)
	defer tokens.Close()

	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":[]}`))
	}))
	defer api.Close()

	auth := newAuthForTest(t, tokens.URL, api.URL)

	stream, err := GetStreamByUserID(context.Background(), auth, "1234")
	if err != nil {
		t.Fatalf("GetStreamByUserID: %v", err)
	}
	if stream != nil {
		t.Fatalf("expected nil for offline channel, got %+v", stream)
	}
}

func TestGetUserByLogin(t *testing.T) {
	var tokenCalls atomic.Int64
	tokens := newTokenServer(t, &tokenCalls)
	defer tokens.Close()

	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("login"); got != "somechannel" {
			t.Errorf("login = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":[{"id":"1234","login":"somechannel","display_name":"SomeChannel"}]}`))
	}))
	defer api.Close()

	auth := newAuthForTest(t, tokens.URL, api.URL)

	user, err := GetUserByLogin(context.Background(), auth, "somechannel")
	if err != nil {
		t.Fatalf("GetUserByLogin: %v", err)
	}
	if user.ID != "1234" || user.DisplayName != "SomeChannel" {
		t.Fatalf("unexpected user: %+v", user)
	}
}
