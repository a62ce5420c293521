package filename

import (
	"testing"
	"time"

	"github.com/riveroon/twitch-archive/internal/helix"
)

func testStream() *helix.Stream {
	zone := time.FixedZone("KST", 9*3600)
	return &helix.Stream{
		ID:        "9001",
		User:      helix.User{ID: "1234", Login: "somechannel", DisplayName: "SomeChannel"},
		GameID:    "33",
		GameName:  "Just Chatting",
		Title:     "hello: world?",
		StartedAt: time.Date(2024, 3, 5, 7, 4, 0, 0, zone),
	}
}

func TestFormat(t *testing.T) {
	cases := []struct {
		template string
		want     string
	}{
		{"%Sl/%TY-%TM-%TD %st", "somechannel/2024-3-5 hello_ world_"},
		{"%Si %Sn %si", "1234 SomeChannel 9001"},
		{"%Ty%TM%TD-%TH%Tm", "2435-74"},
		{"%TZ", "+09:00"},
		{"100%% %Sl", "100% somechannel"},
		{"plain name", "plain name"},
	}
	for _, c := range cases {
		f, err := New(c.template)
		if err != nil {
			t.Fatalf("New(%q): %v", c.template, err)
		}
		if got := f.Format(testStream()); got != c.want {
			t.Errorf("Format(%q) = %q, want %q", c.template, got, c.want)
		}
	}
}

func TestNewRejectsUnknownSymbol(t *testing.T) {
	if _, err := New("%Sl %xx"); err == nil {
		t.Fatal("expected error for unknown placeholder")
	}
	if _, err := New("trailing %"); err == nil {
		t.Fatal("expected error for dangling percent")
	}
}

func TestFormatSanitizesUserValues(t *testing.T) {
	stream := testStream()
	stream.Title = "a/b\\c:d"
	f, err := New("%st")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	got := f.Format(stream)
	if got != "a_b_c_d" {
		t.Fatalf("Format = %q, want separators replaced", got)
	}
}
