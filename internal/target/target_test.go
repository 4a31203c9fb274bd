package target

import (
	"errors"
	"testing"
)

func TestParse(t *testing.T) {
	cases := []struct {
		host string
		port int
		want Target
	}{
		{"play.example.com", 25565, Target{"play.example.com", 25565}},
		{"Play.Example.com", 0, Target{"play.example.com", DefaultPort}},
		{"mc.example.org:25570", 0, Target{"mc.example.org", 25570}},
		{"127.0.0.1", 1, Target{"127.0.0.1", 1}},
		{"[::1]:25565", 0, Target{"::1", 25565}},
	}
	for _, tc := range cases {
		got, err := Parse(tc.host, tc.port)
		if err != nil {
			t.Errorf("Parse(%q, %d): %v", tc.host, tc.port, err)
			continue
		}
		if got != tc.want {
			t.Errorf("Parse(%q, %d) = %+v, want %+v", tc.host, tc.port, got, tc.want)
		}
	}
}

func TestParseRejects(t *testing.T) {
	cases := []struct {
		host string
		port int
	}{
		{"", 25565},
		{"   ", 25565},
		{"http://example.com", 80},
		{"example.com/path", 80},
		{"user@example.com", 80},
		{"example.com", 70000},
		{"example.com", -1},
		{"example.com:abc", 0},
	}
	for _, tc := range cases {
		if _, err := Parse(tc.host, tc.port); !errors.Is(err, ErrInvalidTarget) {
			t.Errorf("Parse(%q, %d) err = %v, want ErrInvalidTarget", tc.host, tc.port, err)
		}
	}
}

func TestPolicy(t *testing.T) {
	p, err := NewPolicy([]string{"*.example.com", "localhost:25565", " "})
	if err != nil {
		t.Fatal(err)
	}
	allowed := []Target{{"play.example.com", 25565}, {"mc.example.com", 1234}, {"localhost", 25565}}
	denied := []Target{{"example.org", 25565}, {"localhost", 25566}, {"evil.com", 25565}}
	for _, tg := range allowed {
		if !p.Allow(tg) {
			t.Errorf("Allow(%s) = false", tg)
		}
	}
	for _, tg := range denied {
		if p.Allow(tg) {
			t.Errorf("Allow(%s) = true", tg)
		}
	}

	open, _ := NewPolicy(nil)
	if !open.Allow(Target{"anything", 1}) {
		t.Error("empty policy should allow everything")
	}
	if _, err := NewPolicy([]string{"[bad"}); err == nil {
		t.Error("expected error for bad pattern")
	}
}
